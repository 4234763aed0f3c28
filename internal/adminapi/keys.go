// Package adminapi mounts the administrative REST surface named in spec §6:
// key lifecycle, webhook registration, maintenance windows, and the rest of
// the managers that are operated on out-of-band from the metered JSON-RPC
// path. Handlers follow the teacher's Handler/Routes/chi.Router shape.
package adminapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/httpserver"
	"github.com/metergate/meterproxy/pkg/keystore"
)

// KeysHandler exposes CRUD over pkg/keystore.
type KeysHandler struct {
	logger *slog.Logger
	keys   *keystore.Store
}

// NewKeysHandler creates a KeysHandler.
func NewKeysHandler(logger *slog.Logger, keys *keystore.Store) *KeysHandler {
	return &KeysHandler{logger: logger, keys: keys}
}

// Routes mounts the /admin/keys surface.
func (h *KeysHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Route("/{key}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/credits", h.handleAddCredits)
		r.Post("/quota", h.handleSetQuota)
		r.Post("/revoke", h.handleRevoke)
		r.Delete("/", h.handleDelete)
	})
	return r
}

type createKeyRequest struct {
	Name            string `json:"name" validate:"required"`
	InitialCredits  int64  `json:"initial_credits" validate:"gte=0"`
	AllowedTools    []string `json:"allowed_tools"`
	DeniedTools     []string `json:"denied_tools"`
}

func (h *KeysHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	rec, err := h.keys.CreateKey(req.Name, req.InitialCredits, keystore.Options{
		AllowedTools: req.AllowedTools,
		DeniedTools:  req.DeniedTools,
	})
	if err != nil {
		writeAppErr(w, h.logger, "creating key", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, rec)
}

func (h *KeysHandler) handleList(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.keys.All())
}

func (h *KeysHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.keys.GetKeyRaw(chi.URLParam(r, "key"))
	if err != nil {
		writeAppErr(w, h.logger, "fetching key", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, rec)
}

type addCreditsRequest struct {
	Amount int64 `json:"amount" validate:"required"`
}

func (h *KeysHandler) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	var req addCreditsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.keys.AddCredits(chi.URLParam(r, "key"), req.Amount); err != nil {
		writeAppErr(w, h.logger, "adding credits", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

type setQuotaRequest struct {
	DailyLimit   int64 `json:"daily_limit"`
	MonthlyLimit int64 `json:"monthly_limit"`
}

func (h *KeysHandler) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	var req setQuotaRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.keys.SetQuota(chi.URLParam(r, "key"), req.DailyLimit, req.MonthlyLimit); err != nil {
		writeAppErr(w, h.logger, "setting quota", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

func (h *KeysHandler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.RevokeKey(chi.URLParam(r, "key")); err != nil {
		writeAppErr(w, h.logger, "revoking key", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

func (h *KeysHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.DeleteKey(chi.URLParam(r, "key")); err != nil {
		writeAppErr(w, h.logger, "deleting key", err)
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// writeAppErr maps an apperr.Error (or an unclassified error) to the right
// HTTP status, shared by every admin handler in this package.
func writeAppErr(w http.ResponseWriter, logger *slog.Logger, action string, err error) {
	if ae, ok := apperr.As(err); ok {
		httpserver.RespondError(w, ae.HTTPStatus(), string(ae.Kind), ae.Message)
		return
	}
	logger.Error(action, "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", action+" failed")
}
