package admin

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/ton-stars-service/internal/handler"
	"github.com/ton-stars-service/internal/service"
)

// Monitor is the part of the transaction monitor exposed to operators.
type Monitor interface {
	DiagnoseStuck(ctx context.Context) (*service.StuckReport, error)
	RunCycle(ctx context.Context) (*service.CycleReport, error)
}

type StuckHandler struct {
	monitor Monitor
}

func NewStuckHandler(m Monitor) *StuckHandler {
	return &StuckHandler{monitor: m}
}

func (h *StuckHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, err := h.monitor.DiagnoseStuck(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to diagnose stuck transactions")
		handler.RespondError(w, http.StatusInternalServerError, "internal_error", "Failed to diagnose stuck transactions")
		return
	}
	handler.RespondJSON(w, http.StatusOK, report)
}

// RunCycleHandler runs one monitor cycle immediately instead of waiting for
// the next tick.
type RunCycleHandler struct {
	monitor Monitor
}

func NewRunCycleHandler(m Monitor) *RunCycleHandler {
	return &RunCycleHandler{monitor: m}
}

func (h *RunCycleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, err := h.monitor.RunCycle(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("manual monitor cycle failed")
		handler.RespondError(w, http.StatusBadGateway, "monitor_error", err.Error())
		return
	}
	handler.RespondJSON(w, http.StatusOK, report)
}
