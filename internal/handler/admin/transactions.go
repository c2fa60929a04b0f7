package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ton-stars-service/internal/handler"
	"github.com/ton-stars-service/internal/httputil"
	"github.com/ton-stars-service/internal/model"
	"github.com/ton-stars-service/internal/service"
	"github.com/ton-stars-service/internal/store"
)

// --- List Transactions ---

type TransactionsHandler struct {
	svc *service.LedgerService
}

func NewTransactionsHandler(svc *service.LedgerService) *TransactionsHandler {
	return &TransactionsHandler{svc: svc}
}

type transactionsResponse struct {
	Transactions []*model.Transaction `json:"transactions"`
	Total        int                  `json:"total"`
	Page         int                  `json:"page"`
	PerPage      int                  `json:"per_page"`
}

func (h *TransactionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, perPage, err := httputil.ParsePagination(q.Get("page"), q.Get("per_page"))
	if err != nil {
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	filters := store.TransactionFilters{
		Username: q.Get("username"),
		Page:     page,
		PerPage:  perPage,
	}

	if statusStr := q.Get("status"); statusStr != "" {
		status := model.TransactionStatus(statusStr)
		filters.Status = &status
	}

	if filters.From, err = httputil.ParseTime("from", q.Get("from")); err != nil {
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if filters.To, err = httputil.ParseTime("to", q.Get("to")); err != nil {
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := h.svc.List(r.Context(), filters)
	if err != nil {
		service.RespondError(w, err)
		return
	}

	handler.RespondJSON(w, http.StatusOK, transactionsResponse{
		Transactions: result.Transactions,
		Total:        result.Total,
		Page:         result.Page,
		PerPage:      result.PerPage,
	})
}

// --- Get Transaction ---

type TransactionHandler struct {
	svc *service.LedgerService
}

func NewTransactionHandler(svc *service.LedgerService) *TransactionHandler {
	return &TransactionHandler{svc: svc}
}

func (h *TransactionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	detail, err := h.svc.Get(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		service.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, detail)
}

// --- Save Transaction ---

type SaveTransactionHandler struct {
	svc *service.LedgerService
}

func NewSaveTransactionHandler(svc *service.LedgerService) *SaveTransactionHandler {
	return &SaveTransactionHandler{svc: svc}
}

type saveTransactionRequest struct {
	Amount                  decimal.Decimal         `json:"amount"`
	SenderAddress           string                  `json:"sender_address"`
	Comment                 string                  `json:"comment"`
	Username                string                  `json:"username"`
	Status                  model.TransactionStatus `json:"status"`
	ErrorMessage            string                  `json:"error_message"`
	StarsAmount             *int                    `json:"stars_amount"`
	FragmentTransactionHash string                  `json:"fragment_transaction_hash"`
	OutgoingTransactionHash string                  `json:"outgoing_transaction_hash"`
}

func (h *SaveTransactionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req saveTransactionRequest
	if !handler.DecodeJSON(w, r, &req) {
		return
	}

	t := &model.Transaction{
		Hash:                    chi.URLParam(r, "hash"),
		Amount:                  req.Amount,
		SenderAddress:           req.SenderAddress,
		Comment:                 req.Comment,
		Username:                req.Username,
		StarsAmount:             req.StarsAmount,
		FragmentTransactionHash: req.FragmentTransactionHash,
		OutgoingTransactionHash: req.OutgoingTransactionHash,
		Status:                  req.Status,
		ErrorMessage:            req.ErrorMessage,
	}
	if err := h.svc.Save(r.Context(), t); err != nil {
		service.RespondError(w, err)
		return
	}

	detail, err := h.svc.Get(r.Context(), t.Hash)
	if err != nil {
		service.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, detail)
}

// --- Stats ---

type StatsHandler struct {
	svc *service.LedgerService
}

func NewStatsHandler(svc *service.LedgerService) *StatsHandler {
	return &StatsHandler{svc: svc}
}

type statsResponse struct {
	*store.Stats
	GeneratedAt time.Time `json:"generated_at"`
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Stats(r.Context())
	if err != nil {
		service.RespondError(w, err)
		return
	}
	handler.RespondJSON(w, http.StatusOK, statsResponse{Stats: st, GeneratedAt: time.Now().UTC()})
}
