package ton

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ton-stars-service/internal/clock"
	"github.com/ton-stars-service/internal/model"
)

type txPage struct {
	txs  []ChainTx
	next *Cursor
}

type fakeChain struct {
	mu sync.Mutex

	state         func(call int) (*AccountState, error)
	stateCalls    int
	signErr       error
	signSeqnos    []uint64
	signs         int
	broadcastErrs []error
	broadcasts    int
	pages         map[uint64]txPage
}

func (f *fakeChain) Account() model.WalletAccount {
	return model.WalletAccount{Address: "0:feed", Chain: ChainIDTestnet}
}

func (f *fakeChain) State(context.Context) (*AccountState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.stateCalls
	f.stateCalls++
	return f.state(call)
}

func (f *fakeChain) SignTransfer(_ context.Context, to string, _ uint64, _ string) (*SignedTransfer, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var seqno uint64
	if n := len(f.signSeqnos); n > 0 {
		seqno = f.signSeqnos[min(f.signs, n-1)]
	}
	f.signs++
	return &SignedTransfer{BOC: []byte("boc:" + to), Hash: []byte{0xab, 0xcd}, Seqno: seqno}, nil
}

func (f *fakeChain) Broadcast(context.Context, *SignedTransfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.broadcasts
	f.broadcasts++
	if i < len(f.broadcastErrs) {
		return f.broadcastErrs[i]
	}
	return nil
}

func (f *fakeChain) Transactions(_ context.Context, from *Cursor, _ uint32) ([]ChainTx, *Cursor, error) {
	var lt uint64
	if from != nil {
		lt = from.LT
	}
	p := f.pages[lt]
	return p.txs, p.next, nil
}

func activeAt(seqnos ...uint64) func(int) (*AccountState, error) {
	return func(call int) (*AccountState, error) {
		if call >= len(seqnos) {
			call = len(seqnos) - 1
		}
		return &AccountState{Active: true, Seqno: seqnos[call]}, nil
	}
}

func newTestWallet(chain Chain) (*Wallet, *clock.Fake) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewWallet(chain, WalletOptions{MaxAttempts: 3, Clock: clk}), clk
}

func netErr() error {
	return &NetworkError{Op: "send external message", Err: errors.New("connection reset")}
}

func TestSendRetriesNetworkErrorsWithFreshSeqno(t *testing.T) {
	chain := &fakeChain{
		state:         activeAt(1),
		signSeqnos:    []uint64{5, 6, 7},
		broadcastErrs: []error{netErr(), netErr()},
	}
	w, clk := newTestWallet(chain)

	res := w.Send(context.Background(), "EQdest", 1_000_000_000, "Telegram Stars", time.Minute)
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Reference != "7:abcd" {
		t.Fatalf("reference = %q, want seqno of the last attempt", res.Reference)
	}
	if res.Attempts != 3 || chain.signs != 3 {
		t.Fatalf("attempts = %d, signs = %d", res.Attempts, chain.signs)
	}

	sleeps := clk.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("unexpected backoff: %v", sleeps)
	}
}

func TestSendReferenceUsesSignedSeqno(t *testing.T) {
	// The account state lags behind the seqno the wallet actually signed.
	chain := &fakeChain{
		state:      activeAt(9),
		signSeqnos: []uint64{10},
	}
	w, _ := newTestWallet(chain)

	res := w.Send(context.Background(), "EQdest", 1, "", time.Minute)
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Reference != "10:abcd" {
		t.Fatalf("reference = %q, want the signed seqno", res.Reference)
	}
	if chain.stateCalls != 0 {
		t.Fatalf("send read account state %d times", chain.stateCalls)
	}
}

func TestSendStopsOnNonRetryableError(t *testing.T) {
	chain := &fakeChain{
		state:   activeAt(1),
		signErr: errors.New(`invalid address "nope"`),
	}
	w, clk := newTestWallet(chain)

	res := w.Send(context.Background(), "nope", 1, "", time.Minute)
	if res.Success || res.Err == nil {
		t.Fatal("expected failure")
	}
	if res.Attempts != 1 || len(clk.Sleeps()) != 0 {
		t.Fatalf("expected a single attempt, got %d (sleeps %v)", res.Attempts, clk.Sleeps())
	}
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	chain := &fakeChain{
		state:         activeAt(1),
		broadcastErrs: []error{netErr(), netErr(), netErr(), netErr()},
	}
	w, _ := newTestWallet(chain)

	res := w.Send(context.Background(), "EQdest", 1, "", time.Minute)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Attempts != 3 || chain.broadcasts != 3 {
		t.Fatalf("attempts = %d, broadcasts = %d", res.Attempts, chain.broadcasts)
	}
	if !IsRetryable(res.Err) {
		t.Fatalf("expected the network error to be wrapped, got %v", res.Err)
	}
}

func TestBackoffDelays(t *testing.T) {
	tests := []struct {
		name    string
		b       Backoff
		attempt int
		want    time.Duration
	}{
		{"send first", SendBackoff, 0, time.Second},
		{"send doubles", SendBackoff, 3, 8 * time.Second},
		{"send capped", SendBackoff, 5, 30 * time.Second},
		{"poll grows", PollBackoff, 2, 2250 * time.Millisecond},
		{"poll capped", PollBackoff, 4, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.b.Delay(tt.attempt); got != tt.want {
				t.Fatalf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestWaitForCompletionNeedsConsecutiveObservations(t *testing.T) {
	// seqno 8 is seen, then a lagging liteserver reports 7 again.
	chain := &fakeChain{state: activeAt(7, 7, 8, 7, 8, 8, 8)}
	w, _ := newTestWallet(chain)

	got := w.WaitForCompletion(context.Background(), "7:abcd", 5*time.Minute)
	if got != CompletionCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if chain.stateCalls != 7 {
		t.Fatalf("expected 7 polls, got %d", chain.stateCalls)
	}
}

func TestWaitForCompletionReportsInactiveAccount(t *testing.T) {
	chain := &fakeChain{state: func(int) (*AccountState, error) {
		return &AccountState{Active: false}, nil
	}}
	w, _ := newTestWallet(chain)

	if got := w.WaitForCompletion(context.Background(), "3:ff", time.Minute); got != CompletionFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestWaitForCompletionTimesOut(t *testing.T) {
	chain := &fakeChain{state: activeAt(3)}
	w, clk := newTestWallet(chain)
	start := clk.Now()

	if got := w.WaitForCompletion(context.Background(), "3:ff", 10*time.Second); got != CompletionTimeout {
		t.Fatalf("expected timeout, got %s", got)
	}
	if clk.Now().Sub(start) > 10*time.Second {
		t.Fatalf("waited past the timeout: %v", clk.Now().Sub(start))
	}
}

func TestWaitForCompletionRejectsMalformedReference(t *testing.T) {
	w, _ := newTestWallet(&fakeChain{state: activeAt(1)})
	if got := w.WaitForCompletion(context.Background(), "not-a-ref", time.Minute); got != CompletionFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestListIncoming(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ton := big.NewInt(1_000_000_000)
	chain := &fakeChain{pages: map[uint64]txPage{
		0: {
			txs: []ChainTx{
				{Hash: "a1", LT: 300, Time: now.Add(-time.Minute), Internal: true, From: "EQpayer", AmountNano: ton, Comment: "@alice"},
				{Hash: "a2", LT: 290, Time: now.Add(-2 * time.Minute)},
				{Hash: "a3", LT: 280, Time: now.Add(-3 * time.Minute), Internal: true, AmountNano: big.NewInt(0)},
			},
			next: &Cursor{LT: 100},
		},
		100: {
			txs: []ChainTx{
				{Hash: "b1", LT: 100, Time: now.Add(-10 * time.Minute), Internal: true, AmountNano: ton, Comment: "bob"},
				{Hash: "b2", LT: 90, Time: now.Add(-30 * time.Hour), Internal: true, AmountNano: ton, Comment: "old"},
			},
		},
	}}
	w, _ := newTestWallet(chain)
	ctx := context.Background()

	t.Run("single page", func(t *testing.T) {
		got, err := w.ListIncoming(ctx, IncomingFilter{Limit: 3})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 || got[0].Reference != "a1" || got[0].Comment != "@alice" {
			t.Fatalf("unexpected payments: %+v", got)
		}
		if got[0].Amount().String() != "1" {
			t.Fatalf("amount = %s, want 1", got[0].Amount())
		}
	})

	t.Run("archival stops at window start", func(t *testing.T) {
		got, err := w.ListIncoming(ctx, IncomingFilter{Limit: 3, Archival: true, FromTimestamp: now.Add(-24 * time.Hour)})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		var refs []string
		for _, p := range got {
			refs = append(refs, p.Reference)
		}
		if strings.Join(refs, ",") != "a1,b1" {
			t.Fatalf("unexpected payments: %v", refs)
		}
	})

	t.Run("all directions", func(t *testing.T) {
		got, err := w.ListIncoming(ctx, IncomingFilter{Limit: 3, Direction: DirectionAll})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 transactions, got %d", len(got))
		}
	})
}
