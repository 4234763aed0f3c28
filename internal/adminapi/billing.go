package adminapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/metergate/meterproxy/internal/httpserver"
	"github.com/metergate/meterproxy/pkg/billingcycle"
	"github.com/metergate/meterproxy/pkg/credittransfer"
)

// BillingHandler exposes pkg/billingcycle (subscriptions, invoices) and
// pkg/credittransfer (peer-to-peer balance moves between keys).
type BillingHandler struct {
	logger   *slog.Logger
	cycles   *billingcycle.Manager
	transfer *credittransfer.Manager
}

func NewBillingHandler(logger *slog.Logger, cycles *billingcycle.Manager, transfer *credittransfer.Manager) *BillingHandler {
	return &BillingHandler{logger: logger, cycles: cycles, transfer: transfer}
}

func (h *BillingHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/subscriptions", h.handleSubscribe)
	r.Post("/invoices/{key}/generate", h.handleGenerateInvoice)
	r.Post("/invoices/{id}/finalize", h.handleFinalizeInvoice)
	r.Post("/invoices/{id}/mark-paid", h.handleMarkPaid)
	r.Post("/invoices/{id}/void", h.handleVoidInvoice)
	r.Get("/invoices/{id}", h.handleGetInvoice)
	r.Post("/transfers", h.handleTransfer)
	r.Post("/transfers/{id}/reverse", h.handleReverse)
	r.Get("/transfers", h.handleTransferHistory)
	return r
}

type subscribeRequest struct {
	Key       string                  `json:"key" validate:"required"`
	Frequency billingcycle.Frequency `json:"frequency" validate:"required,oneof=daily weekly monthly"`
}

func (h *BillingHandler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	httpserver.Respond(w, http.StatusCreated, h.cycles.Subscribe(req.Key, req.Frequency))
}

func (h *BillingHandler) handleGenerateInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.cycles.GenerateInvoice(chi.URLParam(r, "key"))
	if err != nil {
		writeAppErr(w, h.logger, "generating invoice", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, inv)
}

func (h *BillingHandler) handleFinalizeInvoice(w http.ResponseWriter, r *http.Request) {
	if err := h.cycles.FinalizeInvoice(chi.URLParam(r, "id")); err != nil {
		writeAppErr(w, h.logger, "finalizing invoice", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

func (h *BillingHandler) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	if err := h.cycles.MarkPaid(chi.URLParam(r, "id")); err != nil {
		writeAppErr(w, h.logger, "marking invoice paid", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

func (h *BillingHandler) handleVoidInvoice(w http.ResponseWriter, r *http.Request) {
	if err := h.cycles.VoidInvoice(chi.URLParam(r, "id")); err != nil {
		writeAppErr(w, h.logger, "voiding invoice", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

func (h *BillingHandler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.cycles.GetInvoice(chi.URLParam(r, "id"))
	if err != nil {
		writeAppErr(w, h.logger, "fetching invoice", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, inv)
}

type transferRequest struct {
	FromKey string `json:"from_key" validate:"required"`
	ToKey   string `json:"to_key" validate:"required"`
	Amount  int64  `json:"amount" validate:"required"`
	Reason  string `json:"reason"`
}

func (h *BillingHandler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	rec, err := h.transfer.Transfer(credittransfer.Params{
		FromKey: req.FromKey,
		ToKey:   req.ToKey,
		Amount:  req.Amount,
		Reason:  req.Reason,
	})
	if err != nil {
		writeAppErr(w, h.logger, "transferring credits", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, rec)
}

type reverseRequest struct {
	Reason string `json:"reason"`
}

func (h *BillingHandler) handleReverse(w http.ResponseWriter, r *http.Request) {
	var req reverseRequest
	_ = httpserver.Decode(r, &req)
	rec, err := h.transfer.Reverse(chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeAppErr(w, h.logger, "reversing transfer", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, rec)
}

func (h *BillingHandler) handleTransferHistory(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.transfer.History())
}
