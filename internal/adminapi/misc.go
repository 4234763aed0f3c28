package adminapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/metergate/meterproxy/internal/httpserver"
	"github.com/metergate/meterproxy/pkg/abtest"
	"github.com/metergate/meterproxy/pkg/keygroup"
	"github.com/metergate/meterproxy/pkg/keyrotation"
	"github.com/metergate/meterproxy/pkg/quotaalert"
	"github.com/metergate/meterproxy/pkg/usageexport"
)

// ExperimentsHandler exposes pkg/abtest.
type ExperimentsHandler struct {
	logger      *slog.Logger
	experiments *abtest.Manager
}

func NewExperimentsHandler(logger *slog.Logger, m *abtest.Manager) *ExperimentsHandler {
	return &ExperimentsHandler{logger: logger, experiments: m}
}

func (h *ExperimentsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleDefine)
	r.Post("/{name}/stop", h.handleStop)
	r.Post("/{name}/assign/{key}", h.handleAssign)
	r.Get("/{name}/assignments", h.handleAssignments)
	return r
}

func (h *ExperimentsHandler) handleDefine(w http.ResponseWriter, r *http.Request) {
	var req abtest.Experiment
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	h.experiments.DefineExperiment(req)
	httpserver.Respond(w, http.StatusCreated, nil)
}

func (h *ExperimentsHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.experiments.StopExperiment(chi.URLParam(r, "name")); err != nil {
		writeAppErr(w, h.logger, "stopping experiment", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

func (h *ExperimentsHandler) handleAssign(w http.ResponseWriter, r *http.Request) {
	a, err := h.experiments.Assign(chi.URLParam(r, "name"), chi.URLParam(r, "key"))
	if err != nil {
		writeAppErr(w, h.logger, "assigning variant", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, a)
}

func (h *ExperimentsHandler) handleAssignments(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.experiments.Assignments(chi.URLParam(r, "name")))
}

// QuotaAlertsHandler exposes pkg/quotaalert.
type QuotaAlertsHandler struct {
	logger *slog.Logger
	alerts *quotaalert.Manager
}

func NewQuotaAlertsHandler(logger *slog.Logger, m *quotaalert.Manager) *QuotaAlertsHandler {
	return &QuotaAlertsHandler{logger: logger, alerts: m}
}

func (h *QuotaAlertsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{key}/quota", h.handleSetQuota)
	return r
}

type setQuotaAlertRequest struct {
	Quota        int64 `json:"quota" validate:"required"`
	CurrentUsage int64 `json:"current_usage"`
}

func (h *QuotaAlertsHandler) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	var req setQuotaAlertRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	fired := h.alerts.SetQuota(chi.URLParam(r, "key"), req.Quota, req.CurrentUsage)
	httpserver.Respond(w, http.StatusOK, fired)
}

// KeyGroupsHandler exposes pkg/keygroup.
type KeyGroupsHandler struct {
	logger *slog.Logger
	groups *keygroup.Manager
}

func NewKeyGroupsHandler(logger *slog.Logger, m *keygroup.Manager) *KeyGroupsHandler {
	return &KeyGroupsHandler{logger: logger, groups: m}
}

func (h *KeyGroupsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Post("/{name}/keys/{key}", h.handleAddKey)
	r.Delete("/{name}/keys/{key}", h.handleRemoveKey)
	r.Get("/{name}/keys", h.handleMembers)
	return r
}

type createGroupRequest struct {
	Name string            `json:"name" validate:"required"`
	Tags map[string]string `json:"tags"`
}

func (h *KeyGroupsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	g, err := h.groups.CreateGroup(req.Name, req.Tags)
	if err != nil {
		writeAppErr(w, h.logger, "creating key group", err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, g)
}

func (h *KeyGroupsHandler) handleAddKey(w http.ResponseWriter, r *http.Request) {
	if err := h.groups.AddKey(chi.URLParam(r, "name"), chi.URLParam(r, "key")); err != nil {
		writeAppErr(w, h.logger, "adding key to group", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

func (h *KeyGroupsHandler) handleRemoveKey(w http.ResponseWriter, r *http.Request) {
	if err := h.groups.RemoveKey(chi.URLParam(r, "name"), chi.URLParam(r, "key")); err != nil {
		writeAppErr(w, h.logger, "removing key from group", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, nil)
}

func (h *KeyGroupsHandler) handleMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.groups.Members(chi.URLParam(r, "name"))
	if err != nil {
		writeAppErr(w, h.logger, "listing group members", err)
		return
	}
	httpserver.Respond(w, http.StatusOK, members)
}

// KeyRotationHandler exposes pkg/keyrotation policy registration.
type KeyRotationHandler struct {
	logger    *slog.Logger
	rotations *keyrotation.Manager
}

func NewKeyRotationHandler(logger *slog.Logger, m *keyrotation.Manager) *KeyRotationHandler {
	return &KeyRotationHandler{logger: logger, rotations: m}
}

func (h *KeyRotationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/policies", h.handleRegister)
	r.Get("/policies/{id}", h.handleGet)
	return r
}

type registerPolicyRequest struct {
	Policy keyrotation.Policy `json:"policy"`
	Key    string             `json:"key" validate:"required"`
}

func (h *KeyRotationHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerPolicyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	h.rotations.RegisterPolicy(req.Policy, req.Key)
	httpserver.Respond(w, http.StatusCreated, nil)
}

func (h *KeyRotationHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	sched, ok := h.rotations.Get(chi.URLParam(r, "id"))
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no schedule for policy")
		return
	}
	httpserver.Respond(w, http.StatusOK, sched)
}

// ExportHandler exposes pkg/usageexport over a caller-supplied record set
// (the caller typically sources records from pkg/apimetrics.Summarize or a
// durable usage store).
type ExportHandler struct {
	logger *slog.Logger
}

func NewExportHandler(logger *slog.Logger) *ExportHandler {
	return &ExportHandler{logger: logger}
}

func (h *ExportHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleExport)
	return r
}

type exportRequest struct {
	Records []usageexport.Record `json:"records"`
	Format  usageexport.Format   `json:"format" validate:"required,oneof=csv ndjson"`
}

func (h *ExportHandler) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	out, err := usageexport.Export(req.Records, req.Format)
	if err != nil {
		writeAppErr(w, h.logger, "exporting usage", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}
