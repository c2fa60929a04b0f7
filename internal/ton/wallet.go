package ton

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ton-stars-service/internal/clock"
	"github.com/ton-stars-service/internal/model"
)

// CompletionStatus is the outcome of waiting on a sent transfer.
type CompletionStatus string

const (
	CompletionCompleted CompletionStatus = "completed"
	CompletionFailed    CompletionStatus = "failed"
	CompletionTimeout   CompletionStatus = "timeout"
)

const (
	DirectionIn  = "in"
	DirectionAll = "all"
)

// IncomingFilter selects wallet transactions for ListIncoming.
type IncomingFilter struct {
	Limit         int
	FromTimestamp time.Time
	// Archival pages backwards until FromTimestamp; otherwise one page is read.
	Archival  bool
	Direction string
}

// SendResult describes a send. Reference is "<seqno>:<message hash hex>".
type SendResult struct {
	Success   bool
	Reference string
	BOC       string // base64
	Attempts  int
	Err       error
}

// WalletOptions tunes retries and confirmation polling.
type WalletOptions struct {
	MaxAttempts   int
	SendBackoff   Backoff
	PollBackoff   Backoff
	Confirmations int
	Clock         clock.Clock
}

// Wallet sends transfers from the service wallet and lists its payments.
type Wallet struct {
	chain         Chain
	maxAttempts   int
	sendBackoff   Backoff
	pollBackoff   Backoff
	confirmations int
	clock         clock.Clock
}

// NewWallet creates a Wallet on top of chain.
func NewWallet(chain Chain, opts WalletOptions) *Wallet {
	w := &Wallet{
		chain:         chain,
		maxAttempts:   opts.MaxAttempts,
		sendBackoff:   opts.SendBackoff,
		pollBackoff:   opts.PollBackoff,
		confirmations: opts.Confirmations,
		clock:         opts.Clock,
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 3
	}
	if w.sendBackoff.Base <= 0 {
		w.sendBackoff = SendBackoff
	}
	if w.pollBackoff.Base <= 0 {
		w.pollBackoff = PollBackoff
	}
	if w.confirmations <= 0 {
		w.confirmations = 3
	}
	if w.clock == nil {
		w.clock = clock.Real{}
	}
	return w
}

// Account returns the wallet in marketplace account form.
func (w *Wallet) Account() model.WalletAccount {
	return w.chain.Account()
}

// Send signs and broadcasts a transfer. Every attempt is signed afresh so a
// retry never reuses a stale seqno; the reference carries the seqno that was
// signed. Only network failures are retried.
func (w *Wallet) Send(ctx context.Context, to string, amountNano uint64, comment string, timeout time.Duration) *SendResult {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < w.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := w.sendBackoff.Delay(attempt - 1)
			log.Warn().Err(lastErr).Int("attempt", attempt+1).Dur("retry_after", delay).Msg("wallet send failed, retrying")
			if err := clock.Sleep(ctx, w.clock, delay); err != nil {
				lastErr = err
				break
			}
		}

		attempts++
		res, err := w.sendOnce(ctx, to, amountNano, comment)
		if err == nil {
			res.Attempts = attempts
			return res
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}

	return &SendResult{
		Attempts: attempts,
		Err:      fmt.Errorf("send %d nanoton to %s: %w", amountNano, to, lastErr),
	}
}

func (w *Wallet) sendOnce(ctx context.Context, to string, amountNano uint64, comment string) (*SendResult, error) {
	signed, err := w.chain.SignTransfer(ctx, to, amountNano, comment)
	if err != nil {
		return nil, err
	}
	if err := w.chain.Broadcast(ctx, signed); err != nil {
		return nil, err
	}

	return &SendResult{
		Success:   true,
		Reference: fmt.Sprintf("%d:%s", signed.Seqno, hex.EncodeToString(signed.Hash)),
		BOC:       base64.StdEncoding.EncodeToString(signed.BOC),
	}, nil
}

// ParseReference splits a send reference into its seqno and message hash.
func ParseReference(ref string) (uint64, string, error) {
	seqnoPart, hash, ok := strings.Cut(ref, ":")
	if !ok || hash == "" {
		return 0, "", fmt.Errorf("malformed send reference %q", ref)
	}
	seqno, err := strconv.ParseUint(seqnoPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed send reference %q: %w", ref, err)
	}
	return seqno, hash, nil
}

// WaitForCompletion polls the wallet until the transfer identified by ref is
// settled. The wallet seqno moving past the reference seqno means completed and
// an inactive account means failed. Either must be seen on consecutive polls
// before it is reported; if that does not happen within timeout the result is
// CompletionTimeout.
func (w *Wallet) WaitForCompletion(ctx context.Context, ref string, timeout time.Duration) CompletionStatus {
	seqno, _, err := ParseReference(ref)
	if err != nil {
		log.Error().Err(err).Msg("cannot wait for transfer")
		return CompletionFailed
	}

	deadline := w.clock.Now().Add(timeout)
	var last CompletionStatus
	streak := 0

	for poll := 0; ; poll++ {
		obs := w.observe(ctx, seqno)
		switch {
		case obs == "":
			last, streak = "", 0
		case obs == last:
			streak++
		default:
			last, streak = obs, 1
		}
		if streak >= w.confirmations {
			return last
		}

		delay := w.pollBackoff.Delay(poll)
		if w.clock.Now().Add(delay).After(deadline) {
			return CompletionTimeout
		}
		if err := clock.Sleep(ctx, w.clock, delay); err != nil {
			return CompletionTimeout
		}
	}
}

// observe returns a terminal status or "" while the transfer is pending or the
// chain could not be read.
func (w *Wallet) observe(ctx context.Context, seqno uint64) CompletionStatus {
	st, err := w.chain.State(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("wallet state unavailable")
		return ""
	}
	if !st.Active {
		return CompletionFailed
	}
	if st.Seqno > seqno {
		return CompletionCompleted
	}
	return ""
}

// ListIncoming returns wallet payments newest first.
func (w *Wallet) ListIncoming(ctx context.Context, f IncomingFilter) ([]model.IncomingPayment, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	direction := f.Direction
	if direction == "" {
		direction = DirectionIn
	}

	var (
		out    []model.IncomingPayment
		cursor *Cursor
	)
	for {
		txs, next, err := w.chain.Transactions(ctx, cursor, uint32(limit))
		if err != nil {
			return nil, fmt.Errorf("list wallet transactions: %w", err)
		}

		for _, tx := range txs {
			if !f.FromTimestamp.IsZero() && tx.Time.Before(f.FromTimestamp) {
				return out, nil
			}
			if direction == DirectionIn && !tx.inbound() {
				continue
			}
			out = append(out, model.IncomingPayment{
				Reference:   tx.Hash,
				LT:          tx.LT,
				AmountNano:  tx.AmountNano,
				FromAddress: tx.From,
				Comment:     tx.Comment,
				Timestamp:   tx.Time,
			})
		}

		if !f.Archival || next == nil {
			return out, nil
		}
		cursor = next
	}
}
