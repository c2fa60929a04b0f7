package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ton-stars-service/internal/model"
)

const healthPingTimeout = 2 * time.Second

// Pinger reports whether the ledger is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	ledger     Pinger
	ledgerKind string
	wallet     model.WalletAccount
	network    string
	version    string
	startTime  time.Time
}

func NewHealthHandler(ledger Pinger, ledgerKind string, wallet model.WalletAccount, network, version string) *HealthHandler {
	return &HealthHandler{
		ledger:     ledger,
		ledgerKind: ledgerKind,
		wallet:     wallet,
		network:    network,
		version:    version,
		startTime:  time.Now(),
	}
}

type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	TONNetwork    string `json:"ton_network"`
	WalletAddress string `json:"wallet_address"`
	Ledger        string `json:"ledger"`
	LedgerOK      bool   `json:"ledger_ok"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		TONNetwork:    h.network,
		WalletAddress: h.wallet.Address,
		Ledger:        h.ledgerKind,
		LedgerOK:      true,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}

	status := http.StatusOK
	if err := h.ledger.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("ledger health check failed")
		resp.Status = "degraded"
		resp.LedgerOK = false
		status = http.StatusServiceUnavailable
	}

	RespondJSON(w, status, resp)
}
