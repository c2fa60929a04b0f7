package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/ton-stars-service/internal/handler"
	"github.com/ton-stars-service/internal/middleware"
	"github.com/ton-stars-service/internal/service"
	"github.com/ton-stars-service/internal/ton"
)

// --- Manual Purchase ---

// PurchaseHandler buys Stars on an operator's request. The purchase bypasses
// the ledger; the response carries the references needed to reconcile it.
type PurchaseHandler struct {
	purchaser service.Purchaser
	maxStars  int
}

func NewPurchaseHandler(purchaser service.Purchaser, maxStars int) *PurchaseHandler {
	return &PurchaseHandler{purchaser: purchaser, maxStars: maxStars}
}

type purchaseRequest struct {
	Username string `json:"username"`
	Quantity int    `json:"quantity"`
}

type purchaseResponse struct {
	Success     bool   `json:"success"`
	Username    string `json:"username"`
	StarsAmount int    `json:"stars_amount"`
	AmountTON   string `json:"amount_ton,omitempty"`
	FragmentRef string `json:"fragment_ref,omitempty"`
	OutgoingRef string `json:"outgoing_ref,omitempty"`
	Forced      bool   `json:"forced,omitempty"`
	Error       string `json:"error,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
}

func (h *PurchaseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !handler.DecodeJSON(w, r, &req) {
		return
	}

	username, err := service.ParseUsername(req.Username)
	if err != nil {
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Quantity < 1 || (h.maxStars > 0 && req.Quantity > h.maxStars) {
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("quantity must be between 1 and %d", h.maxStars))
		return
	}

	admin := middleware.GetAdmin(r.Context())
	log.Info().Str("admin", admin).Str("username", username).Int("stars", req.Quantity).Msg("manual purchase requested")

	res := h.purchaser.PurchaseStars(r.Context(), username, req.Quantity)
	resp := purchaseResponse{
		Success:     res.Success,
		Username:    username,
		StarsAmount: res.StarsAmount,
		FragmentRef: res.FragmentRef,
		OutgoingRef: res.OutgoingRef,
		Forced:      res.Forced,
	}
	if !res.Amount.IsZero() {
		resp.AmountTON = res.Amount.String()
	}

	if res.Success {
		handler.RespondJSON(w, http.StatusOK, resp)
		return
	}

	resp.Error = "purchase failed"
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	status := http.StatusBadGateway
	if service.IsNonRetryable(res.Err) {
		status = http.StatusUnprocessableEntity
	} else {
		resp.Retryable = true
	}
	log.Warn().Str("admin", admin).Str("username", username).Str("outgoing_ref", res.OutgoingRef).Str("error", resp.Error).Msg("manual purchase failed")
	handler.RespondJSON(w, status, resp)
}

// --- Outgoing Transfer Status ---

// CompletionWaiter confirms an outgoing wallet transfer.
type CompletionWaiter interface {
	WaitForCompletion(ctx context.Context, ref string, timeout time.Duration) ton.CompletionStatus
}

type OutgoingStatusHandler struct {
	wallet     CompletionWaiter
	maxTimeout time.Duration
}

// NewOutgoingStatusHandler caps the wait at maxTimeout, one minute when unset.
func NewOutgoingStatusHandler(wallet CompletionWaiter, maxTimeout time.Duration) *OutgoingStatusHandler {
	if maxTimeout <= 0 {
		maxTimeout = time.Minute
	}
	return &OutgoingStatusHandler{wallet: wallet, maxTimeout: maxTimeout}
}

type outgoingStatusResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

func (h *OutgoingStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if _, _, err := ton.ParseReference(ref); err != nil {
		handler.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	timeout := 10 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			handler.RespondError(w, http.StatusBadRequest, "invalid_request", "timeout must be a positive duration such as 30s")
			return
		}
		timeout = d
	}
	if timeout > h.maxTimeout {
		timeout = h.maxTimeout
	}

	status := h.wallet.WaitForCompletion(r.Context(), ref, timeout)
	handler.RespondJSON(w, http.StatusOK, outgoingStatusResponse{Reference: ref, Status: string(status)})
}
