package adminapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/metergate/meterproxy/internal/httpserver"
	"github.com/metergate/meterproxy/pkg/maintenance"
)

// MaintenanceHandler exposes pkg/maintenance's window scheduling.
type MaintenanceHandler struct {
	logger      *slog.Logger
	maintenance *maintenance.Manager
}

func NewMaintenanceHandler(logger *slog.Logger, m *maintenance.Manager) *MaintenanceHandler {
	return &MaintenanceHandler{logger: logger, maintenance: m}
}

func (h *MaintenanceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.handleStatus)
	r.Post("/windows", h.handleSchedule)
	r.Post("/windows/{id}/cancel", h.handleCancel)
	return r
}

func (h *MaintenanceHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.maintenance.GetStatus())
}

type scheduleWindowRequest struct {
	StartsAtMs   int64  `json:"starts_at_ms" validate:"required"`
	DurationMs   int64  `json:"duration_ms" validate:"required"`
	BlockTraffic bool   `json:"block_traffic"`
	AutoComplete bool   `json:"auto_complete"`
	Message      string `json:"message"`
}

func (h *MaintenanceHandler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleWindowRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	win := h.maintenance.ScheduleWindow(req.StartsAtMs, req.DurationMs, req.BlockTraffic, req.AutoComplete, req.Message)
	httpserver.Respond(w, http.StatusCreated, win)
}

func (h *MaintenanceHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.maintenance.Cancel(chi.URLParam(r, "id")); err != nil {
		writeAppErr(w, h.logger, "cancelling maintenance window", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}
