package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ton-stars-service/internal/clock"
	"github.com/ton-stars-service/internal/metrics"
	"github.com/ton-stars-service/internal/model"
	"github.com/ton-stars-service/internal/store"
	"github.com/ton-stars-service/internal/ton"
)

const ledgerWriteTimeout = 10 * time.Second

// Telegram usernames: 5-32 characters, starting with a letter.
var usernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{4,31}$`)

// WalletReader lists inbound wallet payments and settles outbound transfers.
type WalletReader interface {
	ListIncoming(ctx context.Context, f ton.IncomingFilter) ([]model.IncomingPayment, error)
	WaitForCompletion(ctx context.Context, ref string, timeout time.Duration) ton.CompletionStatus
}

// Purchaser buys Stars for a user.
type Purchaser interface {
	PurchaseStars(ctx context.Context, username string, quantity int) *PurchaseResult
}

type MonitorOptions struct {
	Interval      time.Duration
	Window        time.Duration
	StuckTimeout  time.Duration
	RetryDelay    time.Duration
	IncomingLimit int
	StarsPerTON   decimal.Decimal
	GasFee        decimal.Decimal
	MinStars      int
	MaxStars      int
	// SettleTimeout bounds the wait on a transfer sent by an earlier attempt.
	SettleTimeout time.Duration
	Clock         clock.Clock
}

// MonitorService turns wallet payments into Stars purchases and records them
// in the ledger.
type MonitorService struct {
	ledger    store.Ledger
	wallet    WalletReader
	purchaser Purchaser
	opts      MonitorOptions
	clock     clock.Clock
}

func NewMonitorService(ledger store.Ledger, wallet WalletReader, purchaser Purchaser, opts MonitorOptions) *MonitorService {
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.IncomingLimit <= 0 {
		opts.IncomingLimit = 100
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = 30 * time.Second
	}
	return &MonitorService{ledger: ledger, wallet: wallet, purchaser: purchaser, opts: opts, clock: c}
}

// CycleReport counts what one cycle did with each payment.
type CycleReport struct {
	Seen      int `json:"seen"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Contended int `json:"contended"`
	Retried   int `json:"retried"`
}

func (r *CycleReport) add(outcome string) {
	switch outcome {
	case metrics.OutcomeProcessed:
		r.Processed++
	case metrics.OutcomeFailed:
		r.Failed++
	case metrics.OutcomeContended:
		r.Contended++
	default:
		r.Skipped++
	}
}

// Run executes cycles every Interval until ctx is done.
func (m *MonitorService) Run(ctx context.Context) {
	log.Info().Dur("interval", m.opts.Interval).Dur("window", m.opts.Window).Msg("transaction monitor started")
	for {
		if _, err := m.RunCycle(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("monitor cycle failed")
		}
		if err := clock.Sleep(ctx, m.clock, m.opts.Interval); err != nil {
			log.Info().Msg("transaction monitor stopped")
			return
		}
	}
}

// RunCycle processes the payments in the trailing window, oldest first, then
// retries older retryable failures.
func (m *MonitorService) RunCycle(ctx context.Context) (*CycleReport, error) {
	payments, err := m.wallet.ListIncoming(ctx, ton.IncomingFilter{
		Limit:         m.opts.IncomingLimit,
		FromTimestamp: m.clock.Now().Add(-m.opts.Window),
		Archival:      true,
		Direction:     ton.DirectionIn,
	})
	if err != nil {
		metrics.MonitorCycles.WithLabelValues(metrics.ResultError).Inc()
		return nil, fmt.Errorf("list incoming payments: %w", err)
	}

	report := &CycleReport{Seen: len(payments)}
	seen := make(map[string]struct{}, len(payments))
	for i := len(payments) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			break
		}
		seen[payments[i].Reference] = struct{}{}
		outcome := m.handlePayment(ctx, payments[i])
		metrics.Payments.WithLabelValues(outcome).Inc()
		report.add(outcome)
	}

	if ctx.Err() == nil {
		m.retrySweep(ctx, seen, report)
	}

	metrics.MonitorCycles.WithLabelValues(metrics.ResultOK).Inc()
	if report.Processed+report.Failed+report.Retried > 0 {
		log.Info().
			Int("seen", report.Seen).
			Int("processed", report.Processed).
			Int("failed", report.Failed).
			Int("retried", report.Retried).
			Msg("monitor cycle complete")
	}
	return report, nil
}

func (m *MonitorService) handlePayment(ctx context.Context, p model.IncomingPayment) string {
	existing, err := m.ledger.GetTransaction(ctx, p.Reference)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error().Err(err).Str("hash", p.Reference).Msg("failed to read ledger")
		return metrics.OutcomeSkipped
	}

	if existing != nil {
		switch existing.Status {
		case model.TxStatusProcessed:
			return metrics.OutcomeSkipped
		case model.TxStatusProcessing:
			age := m.clock.Now().Sub(existing.UpdatedAt)
			if age < m.opts.StuckTimeout {
				return metrics.OutcomeSkipped
			}
			log.Warn().Str("hash", p.Reference).Dur("age", age).Msg("reclaiming stale processing transaction")
		case model.TxStatusFailed:
			if !existing.Retryable() {
				return metrics.OutcomeSkipped
			}
		}
	}

	candidate := &model.Transaction{
		Hash:          p.Reference,
		Amount:        p.Amount(),
		SenderAddress: p.FromAddress,
		Comment:       p.Comment,
	}
	return m.claimAndProcess(ctx, candidate, existing)
}

// retrySweep reprocesses retryable failures that fell out of the window.
func (m *MonitorService) retrySweep(ctx context.Context, seen map[string]struct{}, report *CycleReport) {
	rows, err := m.ledger.ListRetryableFailures(ctx, m.clock.Now().Add(-m.opts.RetryDelay), m.opts.IncomingLimit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list retryable failures")
		return
	}

	for _, row := range rows {
		if ctx.Err() != nil {
			return
		}
		if _, ok := seen[row.Hash]; ok {
			continue
		}
		candidate := &model.Transaction{
			Hash:          row.Hash,
			Amount:        row.Amount,
			SenderAddress: row.SenderAddress,
			Comment:       row.Comment,
		}
		outcome := m.claimAndProcess(ctx, candidate, row)
		metrics.Payments.WithLabelValues(outcome).Inc()
		if outcome == metrics.OutcomeProcessed || outcome == metrics.OutcomeFailed {
			report.Retried++
		}
		report.add(outcome)
	}
}

func (m *MonitorService) claimAndProcess(ctx context.Context, t *model.Transaction, prior *model.Transaction) (outcome string) {
	username, verr := ParseUsername(t.Comment)
	if verr == nil {
		t.Username = username
	}

	claim, err := m.ledger.Lock(ctx, t, prior)
	if err != nil {
		if errors.Is(err, store.ErrLockNotAcquired) {
			log.Debug().Str("hash", t.Hash).Msg("transaction claimed elsewhere")
			return metrics.OutcomeContended
		}
		log.Error().Err(err).Str("hash", t.Hash).Msg("failed to lock transaction")
		return metrics.OutcomeSkipped
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("hash", t.Hash).Msg("payment processing panicked")
			m.markFailed(ctx, t.Hash, claim, model.Failure{Message: fmt.Sprintf("internal error: %v", r)})
			outcome = metrics.OutcomeFailed
		}
	}()

	if verr != nil {
		m.markFailed(ctx, t.Hash, claim, model.Failure{Message: verr.Error()})
		return metrics.OutcomeFailed
	}
	return m.process(ctx, t, claim, username, prior)
}

func (m *MonitorService) process(ctx context.Context, t *model.Transaction, claim time.Time, username string, prior *model.Transaction) string {
	stars, afterGas, err := m.quote(t.Amount)
	if err != nil {
		m.markFailed(ctx, t.Hash, claim, model.Failure{Message: err.Error()})
		return metrics.OutcomeFailed
	}
	outcome := model.PurchaseOutcome{
		StarsAmount:    stars,
		ExchangeRate:   m.opts.StarsPerTON,
		GasFee:         m.opts.GasFee,
		AmountAfterGas: afterGas,
	}

	if prior != nil && prior.OutgoingTransactionHash != "" {
		if result, settled := m.settle(ctx, t, claim, prior, outcome); settled {
			return result
		}
	}

	log.Info().Str("hash", t.Hash).Str("username", username).Int("stars", stars).Str("amount", t.Amount.String()).Msg("purchasing stars")
	res := m.purchaser.PurchaseStars(ctx, username, stars)
	if !res.Success {
		msg := "purchase failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		if ctx.Err() != nil {
			msg = "interrupted: " + msg
		}
		if res.OutgoingRef != "" {
			msg = fmt.Sprintf("%s (outgoing %s)", msg, res.OutgoingRef)
		}
		m.markFailed(ctx, t.Hash, claim, model.Failure{
			Message:                 msg,
			FragmentTransactionHash: res.FragmentRef,
			OutgoingTransactionHash: res.OutgoingRef,
		})
		return metrics.OutcomeFailed
	}

	outcome.FragmentTransactionHash = res.FragmentRef
	outcome.OutgoingTransactionHash = res.OutgoingRef
	if !m.markProcessed(ctx, t.Hash, claim, outcome) {
		return metrics.OutcomeFailed
	}
	log.Info().Str("hash", t.Hash).Str("username", username).Int("stars", stars).Str("outgoing_ref", res.OutgoingRef).Msg("stars purchased")
	return metrics.OutcomeProcessed
}

// settle resolves a payment whose earlier attempt already paid the marketplace.
// A confirmed transfer completes the payment without paying again; a transfer
// that never left the wallet lets the caller buy afresh (settled is false).
// Anything else keeps the reference on a retryable failure.
func (m *MonitorService) settle(ctx context.Context, t *model.Transaction, claim time.Time, prior *model.Transaction, outcome model.PurchaseOutcome) (result string, settled bool) {
	ref := prior.OutgoingTransactionHash
	switch status := m.wallet.WaitForCompletion(ctx, ref, m.opts.SettleTimeout); status {
	case ton.CompletionCompleted:
		outcome.FragmentTransactionHash = prior.FragmentTransactionHash
		outcome.OutgoingTransactionHash = ref
		if !m.markProcessed(ctx, t.Hash, claim, outcome) {
			return metrics.OutcomeFailed, true
		}
		log.Warn().Str("hash", t.Hash).Str("outgoing_ref", ref).Msg("earlier transfer confirmed, payment settled without a new purchase")
		return metrics.OutcomeProcessed, true
	case ton.CompletionFailed:
		log.Warn().Str("hash", t.Hash).Str("outgoing_ref", ref).Msg("earlier transfer did not go through, purchasing again")
		return "", false
	default:
		m.markFailed(ctx, t.Hash, claim, model.Failure{
			Message:                 fmt.Sprintf("outgoing transfer %s not settled: %s", ref, status),
			FragmentTransactionHash: prior.FragmentTransactionHash,
			OutgoingTransactionHash: ref,
		})
		return metrics.OutcomeFailed, true
	}
}

func (m *MonitorService) markProcessed(ctx context.Context, hash string, claim time.Time, o model.PurchaseOutcome) bool {
	wctx, cancel := detached(ctx)
	defer cancel()
	if err := m.ledger.MarkProcessed(wctx, hash, claim, o); err != nil {
		log.Error().Err(err).
			Str("hash", hash).
			Str("fragment_ref", o.FragmentTransactionHash).
			Str("outgoing_ref", o.OutgoingTransactionHash).
			Msg("stars purchased but ledger update failed")
		return false
	}
	return true
}

// quote converts a payment into a Stars quantity:
// floor((amount - gasFee) * starsPerTON), bounded by MinStars and MaxStars.
func (m *MonitorService) quote(amount decimal.Decimal) (int, decimal.Decimal, error) {
	afterGas := amount.Sub(m.opts.GasFee)
	stars := afterGas.Mul(m.opts.StarsPerTON).Floor()
	if !stars.IsPositive() || stars.LessThan(decimal.NewFromInt(int64(m.opts.MinStars))) || stars.GreaterThan(decimal.NewFromInt(int64(m.opts.MaxStars))) {
		return 0, afterGas, &ValidationError{Reason: fmt.Sprintf(
			"amount out of bounds: %s TON buys %s stars, allowed %d-%d", amount, stars, m.opts.MinStars, m.opts.MaxStars)}
	}
	return int(stars.IntPart()), afterGas, nil
}

// markFailed records a failure even if ctx was cancelled mid-purchase. A
// superseded claim leaves the row to its current owner.
func (m *MonitorService) markFailed(ctx context.Context, hash string, claim time.Time, f model.Failure) {
	wctx, cancel := detached(ctx)
	defer cancel()
	if err := m.ledger.MarkFailed(wctx, hash, claim, f); err != nil {
		if errors.Is(err, store.ErrLockNotAcquired) {
			log.Warn().Str("hash", hash).Str("reason", f.Message).Msg("claim superseded, failure not recorded")
			return
		}
		log.Error().Err(err).Str("hash", hash).Str("reason", f.Message).Msg("failed to record failure")
		return
	}
	log.Warn().Str("hash", hash).Str("reason", f.Message).Bool("retryable", model.IsRetryableError(f.Message)).Msg("payment failed")
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
}

// ParseUsername turns a payment comment into a Telegram username.
func ParseUsername(comment string) (string, error) {
	u := strings.TrimPrefix(strings.TrimSpace(comment), "@")
	if u == "" {
		return "", &ValidationError{Reason: "missing username in payment comment"}
	}
	if !usernamePattern.MatchString(u) {
		return "", &ValidationError{Reason: fmt.Sprintf("invalid recipient %q", u)}
	}
	return u, nil
}

// StuckDetail describes one transaction held in processing too long.
type StuckDetail struct {
	Hash     string    `json:"hash"`
	Username string    `json:"username,omitempty"`
	Amount   string    `json:"amount"`
	Since    time.Time `json:"since"`
	Age      string    `json:"age"`
}

type StuckReport struct {
	Count   int           `json:"count"`
	Details []StuckDetail `json:"details"`
}

// DiagnoseStuck lists processing rows older than the stuck timeout. It changes
// nothing; the next cycle reclaims them.
func (m *MonitorService) DiagnoseStuck(ctx context.Context) (*StuckReport, error) {
	rows, err := m.ledger.ListProcessing(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processing transactions: %w", err)
	}

	report := &StuckReport{Details: []StuckDetail{}}
	now := m.clock.Now()
	for _, row := range rows {
		age := now.Sub(row.UpdatedAt)
		if age < m.opts.StuckTimeout {
			continue
		}
		report.Details = append(report.Details, StuckDetail{
			Hash:     row.Hash,
			Username: row.Username,
			Amount:   row.Amount.String(),
			Since:    row.UpdatedAt,
			Age:      age.Truncate(time.Second).String(),
		})
	}
	report.Count = len(report.Details)
	metrics.StuckTransactions.Set(float64(report.Count))
	return report, nil
}
