package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ton-stars-service/internal/model"
	"github.com/ton-stars-service/internal/store"
)

// LedgerService backs the admin views of the ledger and translates store
// errors into service errors.
type LedgerService struct {
	ledger store.Ledger
}

func NewLedgerService(ledger store.Ledger) *LedgerService {
	return &LedgerService{ledger: ledger}
}

type TransactionPage struct {
	Transactions []*model.Transaction
	Total        int
	Page         int
	PerPage      int
}

// TransactionDetail is a ledger row with its audit trail, oldest entry first.
type TransactionDetail struct {
	Transaction *model.Transaction    `json:"transaction"`
	History     []model.HistoryRecord `json:"history"`
}

func (s *LedgerService) List(ctx context.Context, filters store.TransactionFilters) (*TransactionPage, error) {
	if filters.Status != nil && !filters.Status.Valid() {
		return nil, NewBadRequest("invalid_request", fmt.Sprintf("unknown status %q", *filters.Status))
	}
	if filters.From != nil && filters.To != nil && filters.To.Before(*filters.From) {
		return nil, NewBadRequest("invalid_request", "'to' must not be before 'from'")
	}

	txs, total, err := s.ledger.ListTransactions(ctx, filters)
	if err != nil {
		log.Error().Err(err).Msg("failed to list transactions")
		return nil, NewInternal("internal_error", "Failed to list transactions")
	}
	if txs == nil {
		txs = []*model.Transaction{}
	}
	return &TransactionPage{Transactions: txs, Total: total, Page: filters.Page, PerPage: filters.PerPage}, nil
}

func (s *LedgerService) Get(ctx context.Context, hash string) (*TransactionDetail, error) {
	t, err := s.ledger.GetTransaction(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewNotFound("not_found", "Transaction not found")
	}
	if err != nil {
		log.Error().Err(err).Str("hash", hash).Msg("failed to get transaction")
		return nil, NewInternal("internal_error", "Failed to get transaction")
	}

	history, err := s.ledger.History(ctx, hash)
	if err != nil {
		log.Error().Err(err).Str("hash", hash).Msg("failed to get transaction history")
		return nil, NewInternal("internal_error", "Failed to get transaction history")
	}
	if history == nil {
		history = []model.HistoryRecord{}
	}
	return &TransactionDetail{Transaction: t, History: history}, nil
}

// Save upserts a row written by an operator. Processed rows are final.
func (s *LedgerService) Save(ctx context.Context, t *model.Transaction) error {
	switch {
	case t.Hash == "":
		return NewBadRequest("invalid_request", "hash is required")
	case !t.Status.Valid():
		return NewBadRequest("invalid_request", fmt.Sprintf("unknown status %q", t.Status))
	case t.Amount.IsNegative():
		return NewBadRequest("invalid_request", "amount must not be negative")
	case t.SenderAddress == "":
		return NewBadRequest("invalid_request", "sender_address is required")
	}

	n, err := s.ledger.SaveTransaction(ctx, t)
	if errors.Is(err, store.ErrInvalidTransition) {
		return NewConflict("already_processed", "Processed transactions cannot be modified")
	}
	if err != nil {
		log.Error().Err(err).Str("hash", t.Hash).Msg("failed to save transaction")
		return NewInternal("internal_error", "Failed to save transaction")
	}
	log.Info().Str("hash", t.Hash).Str("status", string(t.Status)).Int64("rows", n).Msg("transaction saved by operator")
	return nil
}

func (s *LedgerService) Stats(ctx context.Context) (*store.Stats, error) {
	st, err := s.ledger.Stats(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to compute ledger stats")
		return nil, NewInternal("internal_error", "Failed to compute stats")
	}
	return st, nil
}
