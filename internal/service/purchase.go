package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ton-stars-service/internal/fragment"
	"github.com/ton-stars-service/internal/metrics"
	"github.com/ton-stars-service/internal/model"
	"github.com/ton-stars-service/internal/ton"
)

// payloadHeaderLen is the serialized cell header plus the 32-bit zero opcode
// that precede the text of a payment comment.
const payloadHeaderLen = 17

// Marketplace is the purchase workflow PurchaseService drives.
type Marketplace interface {
	SearchRecipient(ctx context.Context, sess *fragment.Session, username string) (string, error)
	InitiatePurchase(ctx context.Context, sess *fragment.Session, recipientID string, quantity int) (*fragment.Initiation, error)
	FetchPaymentInstructions(ctx context.Context, sess *fragment.Session, requestID string, account model.WalletAccount) ([]fragment.PaymentInstruction, error)
	ConfirmPayment(ctx context.Context, sess *fragment.Session, requestID, boc string, account model.WalletAccount) bool
	WaitForCompletion(ctx context.Context, sess *fragment.Session, requestID string) (fragment.Decision, error)
}

// Sender pays the marketplace from the service wallet.
type Sender interface {
	Account() model.WalletAccount
	Send(ctx context.Context, to string, amountNano uint64, comment string, timeout time.Duration) *ton.SendResult
}

// PurchaseResult is the outcome of one PurchaseStars call. OutgoingRef is set
// whenever money left the wallet, even if a later step failed.
type PurchaseResult struct {
	Success     bool
	OutgoingRef string
	FragmentRef string
	Amount      decimal.Decimal // TON charged by the marketplace
	StarsAmount int
	Forced      bool // completion was assumed after prolonged processing
	Err         error
}

// PurchaseService buys Stars for a Telegram user. Calls on one instance are
// serialized.
type PurchaseService struct {
	mu          sync.Mutex
	market      Marketplace
	sender      Sender
	sendTimeout time.Duration
}

// NewPurchaseService creates a purchase service. A nil sender skips the
// on-chain payment and records a simulated reference.
func NewPurchaseService(market Marketplace, sender Sender, sendTimeout time.Duration) *PurchaseService {
	return &PurchaseService{market: market, sender: sender, sendTimeout: sendTimeout}
}

// PurchaseStars runs the whole purchase for quantity Stars. It does not retry;
// the first failing stage ends the call.
func (s *PurchaseService) PurchaseStars(ctx context.Context, username string, quantity int) *PurchaseResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	res := s.purchase(ctx, username, quantity)

	label := metrics.ResultOK
	if !res.Success {
		label = metrics.ResultError
	}
	metrics.PurchaseDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return res
}

func (s *PurchaseService) purchase(ctx context.Context, username string, quantity int) *PurchaseResult {
	sess := &fragment.Session{}
	res := &PurchaseResult{StarsAmount: quantity}

	var account model.WalletAccount
	if s.sender != nil {
		account = s.sender.Account()
	}

	recipient, err := s.market.SearchRecipient(ctx, sess, username)
	if err != nil {
		return res.fail(err)
	}

	init, err := s.market.InitiatePurchase(ctx, sess, recipient, quantity)
	if err != nil {
		return res.fail(fmt.Errorf("initiate purchase: %w", err))
	}
	res.FragmentRef = init.RequestID
	res.Amount = init.ChargeAmount

	instructions, err := s.market.FetchPaymentInstructions(ctx, sess, init.RequestID, account)
	if err != nil {
		return res.fail(fmt.Errorf("fetch payment instructions: %w", err))
	}
	if len(instructions) != 1 {
		return res.fail(fmt.Errorf("fetch payment instructions: expected 1 transfer, got %d", len(instructions)))
	}
	pay := instructions[0]

	comment, err := DecodePayloadComment(pay.Payload)
	if err != nil {
		return res.fail(err)
	}

	var boc string
	if s.sender == nil {
		res.OutgoingRef = "simulated-" + uuid.NewString()
		log.Warn().Str("username", username).Str("ref", res.OutgoingRef).Msg("no wallet sender configured, payment simulated")
	} else {
		sent := s.sender.Send(ctx, pay.Address, pay.AmountNano, comment, s.sendTimeout)
		if !sent.Success {
			metrics.WalletSends.WithLabelValues(metrics.ResultError).Inc()
			return res.fail(fmt.Errorf("pay marketplace: %w", sent.Err))
		}
		metrics.WalletSends.WithLabelValues(metrics.ResultOK).Inc()
		res.OutgoingRef = sent.Reference
		boc = sent.BOC
	}

	if !s.market.ConfirmPayment(ctx, sess, init.RequestID, boc, account) {
		log.Warn().Str("req_id", init.RequestID).Msg("payment confirmation not acknowledged, waiting for completion anyway")
	}

	decision, err := s.market.WaitForCompletion(ctx, sess, init.RequestID)
	if err != nil {
		return res.fail(fmt.Errorf("await purchase completion: %w", err))
	}
	if decision == fragment.ForcedCompletion {
		res.Forced = true
		log.Warn().Str("req_id", init.RequestID).Str("username", username).Msg("purchase assumed complete after prolonged processing")
	}

	res.Success = true
	return res
}

func (r *PurchaseResult) fail(err error) *PurchaseResult {
	r.Success = false
	r.Err = err
	return r
}

// DecodePayloadComment extracts the text comment from a base64 payment payload.
func DecodePayloadComment(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		var urlErr error
		if raw, urlErr = base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "=")); urlErr != nil {
			return "", fmt.Errorf("decode payment payload: %w", err)
		}
	}
	if len(raw) <= payloadHeaderLen {
		return "", fmt.Errorf("decode payment payload: %d bytes is too short to carry a comment", len(raw))
	}
	return string(raw[payloadHeaderLen:]), nil
}

// IsNonRetryable reports whether err describes a permanent purchase failure.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	var nf *fragment.NotFoundError
	if errors.As(err, &ve) || errors.As(err, &nf) {
		return true
	}
	return !model.IsRetryableError(err.Error())
}
