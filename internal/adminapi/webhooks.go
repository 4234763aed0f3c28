package adminapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/metergate/meterproxy/internal/httpserver"
	"github.com/metergate/meterproxy/pkg/webhook"
)

// WebhooksHandler exposes pkg/webhook's endpoint registry and delivery log.
type WebhooksHandler struct {
	logger   *slog.Logger
	webhooks *webhook.Manager
}

func NewWebhooksHandler(logger *slog.Logger, w *webhook.Manager) *WebhooksHandler {
	return &WebhooksHandler{logger: logger, webhooks: w}
}

func (h *WebhooksHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleRegister)
	r.Route("/{id}", func(r chi.Router) {
		r.Post("/test", h.handleTest)
		r.Get("/deliveries", h.handleHistory)
	})
	return r
}

type registerWebhookRequest struct {
	ID       string   `json:"id" validate:"required"`
	URL      string   `json:"url" validate:"required,url"`
	Secret   string   `json:"secret"`
	Events   []string `json:"events" validate:"required"`
	Template string   `json:"template" validate:"required"`
}

func (h *WebhooksHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerWebhookRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	h.webhooks.RegisterEndpoint(webhook.Endpoint{
		ID:       req.ID,
		URL:      req.URL,
		Secret:   req.Secret,
		Events:   req.Events,
		Template: req.Template,
		Enabled:  true,
	})
	httpserver.Respond(w, http.StatusCreated, nil)
}

func (h *WebhooksHandler) handleTest(w http.ResponseWriter, r *http.Request) {
	delivery, err := h.webhooks.SendTest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppErr(w, h.logger, "sending test webhook", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, delivery)
}

func (h *WebhooksHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.webhooks.History(chi.URLParam(r, "id")))
}
