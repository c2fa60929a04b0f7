package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ton-stars-service/internal/clock"
	"github.com/ton-stars-service/internal/model"
)

func newPayment(hash string) *model.Transaction {
	return &model.Transaction{
		Hash:          hash,
		Amount:        decimal.RequireFromString("10"),
		SenderAddress: "EQsender",
		Comment:       "alice",
		Username:      "alice",
	}
}

func TestMemoryLockAdmitsOneClaimant(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(clock.NewFake(time.Unix(1_700_000_000, 0)))

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Lock(ctx, newPayment("h1"), nil)
			switch {
			case err == nil:
				won.Add(1)
			case !errors.Is(err, ErrLockNotAcquired):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if won.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", won.Load())
	}
}

func TestMemoryReclaimIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	m := NewMemory(clk)

	if _, err := m.Lock(ctx, newPayment("h1"), nil); err != nil {
		t.Fatalf("lock: %v", err)
	}
	clk.Advance(time.Hour)

	stale, err := m.GetTransaction(ctx, "h1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if _, err := m.Lock(ctx, newPayment("h1"), stale); err != nil {
		t.Fatalf("first reclaim: %v", err)
	}
	if _, err := m.Lock(ctx, newPayment("h1"), stale); !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("second reclaim with the same snapshot: expected ErrLockNotAcquired, got %v", err)
	}

	history, _ := m.History(ctx, "h1")
	var actions []model.HistoryAction
	for _, h := range history {
		actions = append(actions, h.Action)
	}
	want := []model.HistoryAction{model.ActionCreated, model.ActionLocked, model.ActionUnlocked, model.ActionLocked}
	if len(actions) != len(want) {
		t.Fatalf("history = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("history = %v, want %v", actions, want)
		}
	}
}

func TestMemorySupersededClaimCannotFinish(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	m := NewMemory(clk)

	first, err := m.Lock(ctx, newPayment("h1"), nil)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	clk.Advance(15 * time.Minute)
	stale, _ := m.GetTransaction(ctx, "h1")
	second, err := m.Lock(ctx, newPayment("h1"), stale)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	// The first owner finishes late.
	if err := m.MarkFailed(ctx, "h1", first, model.Failure{Message: "network timeout"}); !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("late failure: expected ErrLockNotAcquired, got %v", err)
	}
	if err := m.MarkProcessed(ctx, "h1", first, model.PurchaseOutcome{StarsAmount: 1}); !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("late success: expected ErrLockNotAcquired, got %v", err)
	}
	row, _ := m.GetTransaction(ctx, "h1")
	if row.Status != model.TxStatusProcessing {
		t.Fatalf("status = %s, want processing", row.Status)
	}

	if err := m.MarkProcessed(ctx, "h1", second, model.PurchaseOutcome{StarsAmount: 1000}); err != nil {
		t.Fatalf("current owner: %v", err)
	}
}

func TestMemoryFailureKeepsOutgoingReference(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	claim, err := m.Lock(ctx, newPayment("h1"), nil)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	err = m.MarkFailed(ctx, "h1", claim, model.Failure{
		Message:                 "purchase not confirmed after 60 polls",
		FragmentTransactionHash: "req-1",
		OutgoingTransactionHash: "42:beef",
	})
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	row, _ := m.GetTransaction(ctx, "h1")
	if row.OutgoingTransactionHash != "42:beef" || row.FragmentTransactionHash != "req-1" {
		t.Fatalf("references not kept: %+v", row)
	}
	if _, err := m.Lock(ctx, newPayment("h1"), row); err != nil {
		t.Fatalf("retry lock: %v", err)
	}
	row, _ = m.GetTransaction(ctx, "h1")
	if row.OutgoingTransactionHash != "42:beef" {
		t.Fatalf("retry lock dropped the outgoing reference")
	}
}

func TestMemoryNothingLeavesProcessed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	claim, err := m.Lock(ctx, newPayment("h1"), nil)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := m.MarkProcessed(ctx, "h1", claim, model.PurchaseOutcome{StarsAmount: 1000}); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	row, _ := m.GetTransaction(ctx, "h1")

	if _, err := m.Lock(ctx, newPayment("h1"), row); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("lock processed row: expected ErrInvalidTransition, got %v", err)
	}
	if err := m.MarkFailed(ctx, "h1", claim, model.Failure{Message: "boom"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("fail processed row: expected ErrInvalidTransition, got %v", err)
	}
	row.Status = model.TxStatusFailed
	if _, err := m.SaveTransaction(ctx, row); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("save over processed row: expected ErrInvalidTransition, got %v", err)
	}
}

func TestMemoryMarkMissingRowIsIntegrityError(t *testing.T) {
	m := NewMemory(nil)
	err := m.MarkProcessed(context.Background(), "ghost", time.Now(), model.PurchaseOutcome{})
	if !errors.Is(err, ErrLedgerIntegrity) {
		t.Fatalf("expected ErrLedgerIntegrity, got %v", err)
	}
}

func TestMemorySaveTransactionUpserts(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	tx := newPayment("h1")
	tx.Status = model.TxStatusFailed
	tx.ErrorMessage = "network timeout"

	for i := 0; i < 2; i++ {
		n, err := m.SaveTransaction(ctx, tx)
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if n != 1 {
			t.Fatalf("save %d wrote %d rows", i, n)
		}
	}

	_, total, err := m.ListTransactions(ctx, TransactionFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected one row, got %d", total)
	}
}

func TestMemoryListRetryableFailures(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	m := NewMemory(clk)

	fail := func(hash, msg string) {
		t.Helper()
		claim, err := m.Lock(ctx, newPayment(hash), nil)
		if err != nil {
			t.Fatalf("lock %s: %v", hash, err)
		}
		if err := m.MarkFailed(ctx, hash, claim, model.Failure{Message: msg}); err != nil {
			t.Fatalf("fail %s: %v", hash, err)
		}
	}

	fail("old-retryable", "fragment updateStarsBuyState: purchase not confirmed after 60 polls")
	fail("old-permanent", `recipient not found: "ghost"`)
	claim, err := m.Lock(ctx, newPayment("done"), nil)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := m.MarkProcessed(ctx, "done", claim, model.PurchaseOutcome{StarsAmount: 50}); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	clk.Advance(10 * time.Minute)
	cutoff := clk.Now().Add(-5 * time.Minute)
	fail("recent-retryable", "network timeout")

	got, err := m.ListRetryableFailures(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Hash != "old-retryable" {
		t.Fatalf("unexpected retryable rows: %+v", got)
	}
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	claims := make(map[string]time.Time)
	for _, h := range []string{"a", "b", "c"} {
		claim, err := m.Lock(ctx, newPayment(h), nil)
		if err != nil {
			t.Fatalf("lock: %v", err)
		}
		claims[h] = claim
	}
	if err := m.MarkProcessed(ctx, "a", claims["a"], model.PurchaseOutcome{StarsAmount: 1000}); err != nil {
		t.Fatalf("processed: %v", err)
	}
	if err := m.MarkFailed(ctx, "b", claims["b"], model.Failure{Message: "missing username"}); err != nil {
		t.Fatalf("failed: %v", err)
	}

	s, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.Total != 3 || s.Processed != 1 || s.Failed != 1 || s.Processing != 1 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.StarsBought != 1000 || !s.AmountTON.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected totals: %+v", s)
	}
}
