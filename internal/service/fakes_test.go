package service

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ton-stars-service/internal/fragment"
	"github.com/ton-stars-service/internal/model"
	"github.com/ton-stars-service/internal/ton"
)

func commentPayload(text string) string {
	raw := append(make([]byte, payloadHeaderLen), []byte(text)...)
	return base64.StdEncoding.EncodeToString(raw)
}

// fakeMarket scripts the marketplace workflow and records every session it saw.
type fakeMarket struct {
	mu sync.Mutex

	recipients   map[string]string
	chargeTON    string
	instructions []fragment.PaymentInstruction
	confirmOK    bool
	decision     fragment.Decision
	waitErr      error

	sessions   []*fragment.Session
	quantities []int
	confirmed  []string // BOCs passed to ConfirmPayment
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		recipients: map[string]string{"alice": "rcpt-alice", "bob": "rcpt-bob", "bobby": "rcpt-bobby"},
		chargeTON:  "5.2",
		instructions: []fragment.PaymentInstruction{
			{Address: "EQfragment", AmountNano: 5_200_000_000, Payload: commentPayload("1000 Telegram Stars Ref#abc")},
		},
		confirmOK: true,
		decision:  fragment.Completed,
	}
}

func (f *fakeMarket) record(sess *fragment.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sess)
}

func (f *fakeMarket) SearchRecipient(_ context.Context, sess *fragment.Session, username string) (string, error) {
	f.record(sess)
	id, ok := f.recipients[username]
	if !ok {
		return "", &fragment.NotFoundError{Query: username}
	}
	sess.RecipientID = id
	return id, nil
}

func (f *fakeMarket) InitiatePurchase(_ context.Context, sess *fragment.Session, _ string, quantity int) (*fragment.Initiation, error) {
	f.record(sess)
	f.mu.Lock()
	f.quantities = append(f.quantities, quantity)
	f.mu.Unlock()
	sess.RequestID = "req-1"
	return &fragment.Initiation{RequestID: "req-1", ChargeAmount: decimal.RequireFromString(f.chargeTON)}, nil
}

func (f *fakeMarket) FetchPaymentInstructions(_ context.Context, sess *fragment.Session, _ string, _ model.WalletAccount) ([]fragment.PaymentInstruction, error) {
	f.record(sess)
	if len(f.instructions) == 0 {
		return nil, &fragment.ProtocolError{Method: "getBuyStarsLink", Reason: "response has no transaction messages"}
	}
	return f.instructions, nil
}

func (f *fakeMarket) ConfirmPayment(_ context.Context, sess *fragment.Session, _, boc string, _ model.WalletAccount) bool {
	f.record(sess)
	f.mu.Lock()
	f.confirmed = append(f.confirmed, boc)
	f.mu.Unlock()
	return f.confirmOK
}

func (f *fakeMarket) WaitForCompletion(_ context.Context, sess *fragment.Session, _ string) (fragment.Decision, error) {
	f.record(sess)
	return f.decision, f.waitErr
}

type sendCall struct {
	To         string
	AmountNano uint64
	Comment    string
}

type fakeSender struct {
	mu     sync.Mutex
	calls  []sendCall
	result *ton.SendResult
}

func (s *fakeSender) Account() model.WalletAccount {
	return model.WalletAccount{Address: "0:service", Chain: ton.ChainIDMainnet}
}

func (s *fakeSender) Send(_ context.Context, to string, amountNano uint64, comment string, _ time.Duration) *ton.SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sendCall{To: to, AmountNano: amountNano, Comment: comment})
	if s.result != nil {
		return s.result
	}
	return &ton.SendResult{Success: true, Reference: "42:deadbeef", BOC: "te6ccg=="}
}

// fakeSource serves a fixed list of payments, newest first, and reports
// scripted outcomes for outbound transfers (timeout when unscripted).
type fakeSource struct {
	mu        sync.Mutex
	payments  []model.IncomingPayment
	filters   []ton.IncomingFilter
	transfers map[string]ton.CompletionStatus
	checked   []string
}

func (s *fakeSource) WaitForCompletion(_ context.Context, ref string, _ time.Duration) ton.CompletionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checked = append(s.checked, ref)
	if st, ok := s.transfers[ref]; ok {
		return st
	}
	return ton.CompletionTimeout
}

func (s *fakeSource) setTransfer(ref string, st ton.CompletionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transfers == nil {
		s.transfers = make(map[string]ton.CompletionStatus)
	}
	s.transfers[ref] = st
}

func (s *fakeSource) ListIncoming(_ context.Context, f ton.IncomingFilter) ([]model.IncomingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, f)
	return append([]model.IncomingPayment(nil), s.payments...), nil
}

// purchaserFunc adapts a function to Purchaser.
type purchaserFunc func(ctx context.Context, username string, quantity int) *PurchaseResult

func (f purchaserFunc) PurchaseStars(ctx context.Context, username string, quantity int) *PurchaseResult {
	return f(ctx, username, quantity)
}
