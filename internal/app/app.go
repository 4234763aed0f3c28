// Package app wires every manager, the HTTP surface, and the two run modes
// (proxy, worker) from a loaded Config, mirroring the teacher's staged
// construction in Run/runAPI/runWorker.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/metergate/meterproxy/internal/adminapi"
	"github.com/metergate/meterproxy/internal/adminlimit"
	"github.com/metergate/meterproxy/internal/apperr"
	"github.com/metergate/meterproxy/internal/authgate"
	"github.com/metergate/meterproxy/internal/backend"
	"github.com/metergate/meterproxy/internal/clock"
	"github.com/metergate/meterproxy/internal/config"
	"github.com/metergate/meterproxy/internal/httpserver"
	"github.com/metergate/meterproxy/internal/persistence"
	"github.com/metergate/meterproxy/internal/platform"
	"github.com/metergate/meterproxy/internal/telemetry"
	"github.com/metergate/meterproxy/pkg/abtest"
	"github.com/metergate/meterproxy/pkg/apimetrics"
	"github.com/metergate/meterproxy/pkg/batchcredit"
	"github.com/metergate/meterproxy/pkg/billingcycle"
	"github.com/metergate/meterproxy/pkg/bufferqueue"
	"github.com/metergate/meterproxy/pkg/connbilling"
	"github.com/metergate/meterproxy/pkg/credittransfer"
	"github.com/metergate/meterproxy/pkg/dedup"
	"github.com/metergate/meterproxy/pkg/forecast"
	"github.com/metergate/meterproxy/pkg/hierarchy"
	"github.com/metergate/meterproxy/pkg/keygroup"
	"github.com/metergate/meterproxy/pkg/keyrotation"
	"github.com/metergate/meterproxy/pkg/keystore"
	"github.com/metergate/meterproxy/pkg/ledger"
	"github.com/metergate/meterproxy/pkg/loadbalancer"
	"github.com/metergate/meterproxy/pkg/maintenance"
	"github.com/metergate/meterproxy/pkg/notification"
	"github.com/metergate/meterproxy/pkg/pipeline"
	"github.com/metergate/meterproxy/pkg/proxy"
	"github.com/metergate/meterproxy/pkg/quotaalert"
	"github.com/metergate/meterproxy/pkg/ratelimit"
	"github.com/metergate/meterproxy/pkg/schema"
	"github.com/metergate/meterproxy/pkg/scope"
	"github.com/metergate/meterproxy/pkg/session"
	"github.com/metergate/meterproxy/pkg/slo"
	"github.com/metergate/meterproxy/pkg/validate"
	"github.com/metergate/meterproxy/pkg/webhook"
)

// components bundles every constructed manager so runAPI and runWorker can
// share one construction pass regardless of which one actually runs.
type components struct {
	clock clock.Clock

	keys        *keystore.Store
	ledger      *ledger.Ledger
	rateLimit   *ratelimit.Limiter
	scopes      *scope.Manager
	hierarchy   *hierarchy.Manager
	dedup       *dedup.Deduplicator
	validator   *validate.Validator
	schemas     *schema.Validator
	pipeline    *pipeline.Manager
	connBilling *connbilling.Manager
	sessions    *session.Manager
	maintenance *maintenance.Manager
	bufferQueue *bufferqueue.Queue
	lb          *loadbalancer.Balancer
	sloMonitor  *slo.Monitor
	forecastEng *forecast.Engine
	metrics     *apimetrics.Aggregator
	notifier    *notification.Manager
	webhooks    *webhook.Manager
	cycles      *billingcycle.Manager
	transfers   *credittransfer.Manager
	batches     *batchcredit.Manager
	experiments *abtest.Manager
	groups      *keygroup.Manager
	rotations   *keyrotation.Manager
	rotationEng *keyrotation.Engine
	quotaAlerts *quotaalert.Manager

	engine *proxy.Engine
}

// keystoreRotator adapts keystore.Store to keyrotation.Rotator: rotating a
// key mints a fresh one carrying the old key's balance and ACLs, then
// revokes the old one at once. pkg/keyrotation records a grace window for
// the old key (IsInGrace), but request authentication does not consult it,
// so the old key stops authenticating as soon as it is rotated.
type keystoreRotator struct {
	keys *keystore.Store
}

func (r keystoreRotator) RotateKey(oldKey string) (string, error) {
	old, err := r.keys.GetKeyRaw(oldKey)
	if err != nil {
		return "", err
	}
	rec, err := r.keys.CreateKey(old.Name, old.Credits, keystore.Options{
		AllowedTools: old.AllowedTools,
		DeniedTools:  old.DeniedTools,
		DailyLimit:   old.Quota.DailyLimit,
		MonthlyLimit: old.Quota.MonthlyLimit,
	})
	if err != nil {
		return "", err
	}
	return rec.Key, r.keys.RevokeKey(oldKey)
}

// ledgerSinkAdapter satisfies ledger.Sink over persistence.PGLedgerSink,
// whose LedgerEvent type carries a few extra durability-only fields
// (a generated UUID, a time.Time instead of an epoch-ms int64) that the
// in-memory ledger has no reason to know about.
type ledgerSinkAdapter struct {
	sink *persistence.PGLedgerSink
}

func (a ledgerSinkAdapter) Enqueue(e ledger.Event) {
	payload, _ := json.Marshal(e.Payload)
	a.sink.Enqueue(persistence.LedgerEvent{
		ID:          uuid.New(),
		Sequence:    e.Sequence,
		AggregateID: e.AggregateID,
		Type:        e.Type,
		Version:     e.Version,
		Payload:     payload,
		Timestamp:   time.UnixMilli(e.TimestampMs),
	})
}

func build(c clock.Clock, cfg *config.Config, rdb *redis.Client, pgSink *persistence.PGLedgerSink, logger *slog.Logger) (*components, error) {
	cp := &components{clock: c}

	cp.keys = keystore.New(c)

	var ledgerOpts []ledger.Option
	if pgSink != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithSink(ledgerSinkAdapter{pgSink}))
	}
	cp.ledger = ledger.New(c, ledgerOpts...)

	cp.rateLimit = ratelimit.New(c, ratelimit.Config{
		Limit:          int64(cfg.RateLimitPerWindow),
		WindowMs:       int64(cfg.RateLimitWindowMs),
		SubWindowCount: 6,
		MaxKeys:        100000,
	})
	cp.scopes = scope.New(c, true)
	cp.hierarchy = hierarchy.New(5, 10)
	cp.dedup = dedup.New(c, dedup.AlgoFNV, 60000, 100000)
	cp.validator = validate.New(validate.Config{Strict: true})
	cp.schemas = schema.New()
	cp.pipeline = pipeline.New(c)
	cp.connBilling = connbilling.New(c, connbilling.Config{
		BilledTransports:   []string{"sse", "websocket"},
		IdleTimeoutSeconds: 300,
		MaxDurationSeconds: 0,
		GracePeriodSeconds: 30,
		IntervalSeconds:    60,
		CreditsPerInterval: 1,
		Enabled:            true,
	})
	cp.sessions = session.New(c, 10000, 24*time.Hour.Milliseconds())
	cp.maintenance = maintenance.New(c)
	cp.bufferQueue = bufferqueue.New(c, 1000)

	cp.lb = loadbalancer.New(loadbalancer.Config{Strategy: loadbalancer.RoundRobin})
	cp.lb.AddBackend("primary", 1)

	cp.sloMonitor = slo.New(c)
	cp.forecastEng = forecast.New(c, forecast.Config{})
	cp.metrics = apimetrics.New(c, apimetrics.Config{MaxRecords: 100000, MaxAgeMs: 7 * 24 * time.Hour.Milliseconds()})

	registry := notification.NewRegistry()
	if cfg.SlackBotToken != "" {
		registry.Register(notification.NewSlackChannel(cfg.SlackBotToken, cfg.SlackAlertChannel, logger))
	}
	cp.notifier = notification.New(c, registry)

	cp.webhooks = webhook.New(c, 500)
	cp.cycles = billingcycle.New(c)
	cp.transfers = credittransfer.New(c, cp.keys, 1, 0, false, 1000)
	cp.batches = batchcredit.New(batchKeystore{cp.keys}, false, 1000)
	cp.experiments = abtest.New(c)
	cp.groups = keygroup.New()
	cp.quotaAlerts = quotaalert.New([]float64{0.5, 0.8, 0.9, 1.0})

	cp.rotations = keyrotation.New(c, keystoreRotator{cp.keys})
	cp.rotationEng = keyrotation.NewEngine(cp.rotations, rdb, logger)

	toolResolver := func(method string) string { return method }

	var be proxy.Backend
	if cfg.BackendCmd != "" {
		stdio, err := backend.StartStdio(cfg.BackendCmd, cfg.BackendArgs)
		if err != nil {
			return nil, fmt.Errorf("starting backend subprocess: %w", err)
		}
		be = stdio
	} else {
		be = noopBackend{}
	}

	cp.engine = proxy.New(c, proxy.Config{
		CostPerCall:    1,
		BackendTimeout: time.Duration(cfg.BackendTimeoutMs) * time.Millisecond,
		ToolResolver:   toolResolver,
	}, proxy.Managers{
		Ledger:       cp.ledger,
		Keys:         cp.keys,
		RateLimit:    cp.rateLimit,
		Scopes:       cp.scopes,
		Hierarchy:    cp.hierarchy,
		Dedup:        cp.dedup,
		Validator:    cp.validator,
		Schemas:      cp.schemas,
		Pipeline:     cp.pipeline,
		ConnBilling:  cp.connBilling,
		Maintenance:  cp.maintenance,
		BufferQueue:  cp.bufferQueue,
		LoadBalancer: cp.lb,
		SLO:          cp.sloMonitor,
		Forecast:     cp.forecastEng,
		Metrics:      cp.metrics,
		Notifier:     cp.notifier,
		Cycles:       cp.cycles,
	}, be, logger)

	return cp, nil
}

// batchKeystore adapts keystore.Store to batchcredit.Balances. Batch
// operations stage every op's effect before committing (spec §4.14), which
// needs pointwise Get/Set rather than the store's delta-only
// AddCredits/DeductCredits surface.
type batchKeystore struct {
	keys *keystore.Store
}

func (b batchKeystore) Get(key string) int64 {
	rec, err := b.keys.GetKeyRaw(key)
	if err != nil {
		return 0
	}
	return rec.Credits
}

func (b batchKeystore) Set(key string, amount int64) {
	rec, err := b.keys.GetKeyRaw(key)
	if err != nil {
		return
	}
	delta := amount - rec.Credits
	if delta > 0 {
		_ = b.keys.AddCredits(key, delta)
	} else if delta < 0 {
		_, _ = b.keys.DeductCredits(key, -delta)
	}
}

// noopBackend answers every call immediately with an empty result; it
// stands in when no backend subprocess is configured so the proxy still
// exercises the full admission pipeline (useful for the worker process,
// which never forwards calls, and for smoke-testing the admin surface).
type noopBackend struct{}

func (noopBackend) Call(ctx context.Context, backendName, method string, params json.RawMessage) (any, int, error) {
	return map[string]any{}, 200, nil
}

// Run is the process entry point: load infra, build every component, and
// dispatch to the selected mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting meterproxy", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		var err error
		rdb, err = platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
	}

	metricsReg := telemetry.NewRegistry()

	var pgSink *persistence.PGLedgerSink
	if cfg.DatabaseURL != "" {
		pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pgPool.Close()
		if err := persistence.EnsureSchema(ctx, pgPool); err != nil {
			return fmt.Errorf("ensuring ledger schema: %w", err)
		}
		pgSink = persistence.NewPGLedgerSink(pgPool, logger)
		pgSink.Start(ctx)
		defer pgSink.Close()
	}

	c := clock.Real{}
	cp, err := build(c, cfg, rdb, pgSink, logger)
	if err != nil {
		return fmt.Errorf("building components: %w", err)
	}

	switch cfg.Mode {
	case "proxy":
		return runProxy(ctx, cfg, logger, rdb, metricsReg, cp)
	case "worker":
		return runWorker(ctx, logger, cp)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runProxy(ctx context.Context, cfg *config.Config, logger *slog.Logger, rdb *redis.Client, metricsReg *prometheus.Registry, cp *components) error {
	adminAuth, plaintext, generated, err := authgate.LoadOrCreateAdminKey(cfg.AdminKeyPath)
	if err != nil {
		return fmt.Errorf("loading admin key: %w", err)
	}
	if generated {
		logger.Info("generated new admin key — store it now, it cannot be recovered", "admin_key", plaintext)
	}

	adminAuth.WithRateLimiter(adminlimit.New(rdb, 10, 15*time.Minute))

	srv := httpserver.NewServer(httpserver.Config{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, rdb, metricsReg, adminAuth)

	srv.Router.Post("/rpc", rpcHandler(cp.engine, logger))

	srv.AdminRouter.Mount("/keys", adminapi.NewKeysHandler(logger, cp.keys).Routes())
	srv.AdminRouter.Mount("/webhooks", adminapi.NewWebhooksHandler(logger, cp.webhooks).Routes())
	srv.AdminRouter.Mount("/maintenance", adminapi.NewMaintenanceHandler(logger, cp.maintenance).Routes())
	srv.AdminRouter.Mount("/billing", adminapi.NewBillingHandler(logger, cp.cycles, cp.transfers).Routes())
	srv.AdminRouter.Mount("/experiments", adminapi.NewExperimentsHandler(logger, cp.experiments).Routes())
	srv.AdminRouter.Mount("/quota-alerts", adminapi.NewQuotaAlertsHandler(logger, cp.quotaAlerts).Routes())
	srv.AdminRouter.Mount("/key-groups", adminapi.NewKeyGroupsHandler(logger, cp.groups).Routes())
	srv.AdminRouter.Mount("/key-rotation", adminapi.NewKeyRotationHandler(logger, cp.rotations).Routes())
	srv.AdminRouter.Mount("/export", adminapi.NewExportHandler(logger).Routes())

	cp.rotationEng.Start()
	defer cp.rotationEng.Stop()

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down proxy server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker runs the background cadences that don't belong on the request
// path: connection-billing interval sweeps and maintenance-window advance.
// Both managers also advance lazily on read, so the worker is a convenience
// for keys that see no traffic, not a correctness requirement.
func runWorker(ctx context.Context, logger *slog.Logger, cp *components) error {
	logger.Info("worker started")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping")
			return nil
		case <-ticker.C:
			results := cp.connBilling.BillAll(func(key string) int64 {
				rec, err := cp.keys.GetKeyRaw(key)
				if err != nil {
					return 0
				}
				return rec.Credits
			})
			for sessionID, res := range results {
				if res.CreditsCharged > 0 {
					logger.Debug("connection billed", "session", sessionID, "credits", res.CreditsCharged)
				}
			}
			cp.maintenance.GetStatus()
		}
	}
}

// rpcHandler adapts proxy.Engine.HandleRequest to the HTTP transport,
// extracting the API key and rendering the JSON-RPC envelope per spec §6.
func rpcHandler(engine *proxy.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := authgate.ExtractAPIKey(r)
		if key == "" {
			httpserver.RespondRPCError(w, http.StatusUnauthorized, nil, apperr.CodeInvalidRequest, "missing API key", nil)
			return
		}

		body, err := httpserver.ReadBody(r, 1<<20)
		if err != nil {
			httpserver.RespondRPCError(w, http.StatusBadRequest, nil, apperr.CodeParseError, err.Error(), nil)
			return
		}

		res := engine.HandleRequest(r.Context(), key, "", body)
		if res.Err != nil {
			httpserver.RespondRPCError(w, res.Err.HTTPStatus(), res.ID, res.Err.Code, res.Err.Message, res.Err.Data)
			return
		}
		httpserver.RespondRPCResult(w, res.ID, res.Result)
	}
}
