package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ton-stars-service/internal/clock"
	"github.com/ton-stars-service/internal/model"
)

// Memory is an in-process Ledger with the same claim semantics as Postgres.
// It backs tests and runs without DATABASE_URL.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	txs     map[string]*model.Transaction
	history map[string][]model.HistoryRecord
}

func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real{}
	}
	return &Memory{
		clock:   c,
		txs:     make(map[string]*model.Transaction),
		history: make(map[string][]model.HistoryRecord),
	}
}

// touch returns a timestamp strictly after prev so compare-and-set on
// updatedAt always sees a change.
func (m *Memory) touch(prev time.Time) time.Time {
	now := m.clock.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

func (m *Memory) appendHistory(records ...model.HistoryRecord) {
	for _, rec := range records {
		rec.CreatedAt = m.clock.Now().UTC()
		m.history[rec.TransactionHash] = append(m.history[rec.TransactionHash], rec)
	}
}

// Ping always succeeds; it lets Memory stand in for Postgres in health checks.
func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, hash string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) Lock(_ context.Context, t *model.Transaction, prior *model.Transaction) (time.Time, error) {
	if prior != nil && prior.Status == model.TxStatusProcessed {
		return time.Time{}, ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var claim time.Time
	current, exists := m.txs[t.Hash]
	if prior == nil {
		if exists {
			return time.Time{}, ErrLockNotAcquired
		}
		now := m.touch(time.Time{})
		row := &model.Transaction{
			Hash:          t.Hash,
			Amount:        t.Amount,
			SenderAddress: t.SenderAddress,
			Comment:       t.Comment,
			Username:      t.Username,
			Status:        model.TxStatusProcessing,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		m.txs[t.Hash] = row
		claim = now
	} else {
		if !exists || current.Status != prior.Status || !current.UpdatedAt.Equal(prior.UpdatedAt) {
			return time.Time{}, ErrLockNotAcquired
		}
		current.Status = model.TxStatusProcessing
		current.Username = t.Username
		current.ErrorMessage = ""
		current.UpdatedAt = m.touch(current.UpdatedAt)
		claim = current.UpdatedAt
	}

	m.appendHistory(lockRecords(t.Hash, prior)...)
	return claim, nil
}

// claimedRow returns the row if it is still processing under claim.
func (m *Memory) claimedRow(hash string, claim time.Time) (*model.Transaction, error) {
	t, ok := m.txs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s is missing", ErrLedgerIntegrity, hash)
	}
	return t, claimError(hash, t.Status, t.Status == model.TxStatusProcessing && t.UpdatedAt.Equal(claim))
}

func (m *Memory) MarkProcessed(_ context.Context, hash string, claim time.Time, o model.PurchaseOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.claimedRow(hash, claim)
	if err != nil {
		return err
	}
	stars := o.StarsAmount
	rate, gas, after := o.ExchangeRate, o.GasFee, o.AmountAfterGas
	t.Status = model.TxStatusProcessed
	t.StarsAmount = &stars
	t.ExchangeRate = &rate
	t.GasFee = &gas
	t.AmountAfterGas = &after
	t.FragmentTransactionHash = o.FragmentTransactionHash
	t.OutgoingTransactionHash = o.OutgoingTransactionHash
	t.ErrorMessage = ""
	t.UpdatedAt = m.touch(t.UpdatedAt)

	m.appendHistory(processedRecord(hash, o))
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, hash string, claim time.Time, f model.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.claimedRow(hash, claim)
	if err != nil {
		return err
	}
	t.Status = model.TxStatusFailed
	t.ErrorMessage = f.Message
	t.FragmentTransactionHash = f.FragmentTransactionHash
	t.OutgoingTransactionHash = f.OutgoingTransactionHash
	t.UpdatedAt = m.touch(t.UpdatedAt)

	m.appendHistory(failedRecord(hash, f))
	return nil
}

func (m *Memory) SaveTransaction(_ context.Context, t *model.Transaction) (int64, error) {
	if !t.Status.Valid() {
		return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, t.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var prev *model.TransactionStatus
	row := t.Clone()
	if current, ok := m.txs[t.Hash]; ok {
		if current.Status == model.TxStatusProcessed {
			return 0, ErrInvalidTransition
		}
		prev = model.StatusPtr(current.Status)
		row.CreatedAt = current.CreatedAt
		row.UpdatedAt = m.touch(current.UpdatedAt)
	} else {
		row.CreatedAt = m.touch(time.Time{})
		row.UpdatedAt = row.CreatedAt
	}
	m.txs[t.Hash] = row

	m.appendHistory(saveRecord(t, prev))
	return 1, nil
}

func (m *Memory) ListTransactions(_ context.Context, filters TransactionFilters) ([]*model.Transaction, int, error) {
	filters = filters.normalized()

	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*model.Transaction
	for _, t := range m.txs {
		if filters.Status != nil && t.Status != *filters.Status {
			continue
		}
		if filters.Username != "" && t.Username != filters.Username {
			continue
		}
		if filters.From != nil && t.CreatedAt.Before(*filters.From) {
			continue
		}
		if filters.To != nil && t.CreatedAt.After(*filters.To) {
			continue
		}
		matched = append(matched, t.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (filters.Page - 1) * filters.PerPage
	if start >= total {
		return nil, total, nil
	}
	end := start + filters.PerPage
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *Memory) ListProcessing(_ context.Context) ([]*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Transaction
	for _, t := range m.txs {
		if t.Status == model.TxStatusProcessing {
			out = append(out, t.Clone())
		}
	}
	sortByUpdated(out)
	return out, nil
}

func (m *Memory) ListRetryableFailures(_ context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Transaction
	for _, t := range m.txs {
		if t.Retryable() && t.UpdatedAt.Before(olderThan) {
			out = append(out, t.Clone())
		}
	}
	sortByUpdated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) History(_ context.Context, hash string) ([]model.HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.HistoryRecord(nil), m.history[hash]...), nil
}

func (m *Memory) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for _, t := range m.txs {
		s.Total++
		switch t.Status {
		case model.TxStatusProcessing:
			s.Processing++
		case model.TxStatusProcessed:
			s.Processed++
			s.AmountTON = s.AmountTON.Add(t.Amount)
			if t.StarsAmount != nil {
				s.StarsBought += int64(*t.StarsAmount)
			}
		case model.TxStatusFailed:
			s.Failed++
		}
		if s.LastActivity == nil || t.UpdatedAt.After(*s.LastActivity) {
			at := t.UpdatedAt
			s.LastActivity = &at
		}
	}
	return &s, nil
}

func sortByUpdated(txs []*model.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].UpdatedAt.Before(txs[j].UpdatedAt)
	})
}
