package keyrotation

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// Engine drives a Manager's scheduled rotations: interval-based policies are
// polled on a tick, cron-expression policies are driven by robfig/cron, and
// every completed rotation is published over Redis for external consumers
// (mirrors escalation.Engine's alert-event publication).
type Engine struct {
	manager *Manager
	rdb     *redis.Client
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewEngine creates an Engine. Its cron scheduler (cron.New) accepts the
// standard five-field expression.
func NewEngine(manager *Manager, rdb *redis.Client, logger *slog.Logger) *Engine {
	return &Engine{
		manager: manager,
		rdb:     rdb,
		cron:    cron.New(),
		logger:  logger,
	}
}

// ScheduleCron registers a cron-expression-driven rotation for key under
// policyID, alongside the policy's interval-based schedule.
func (e *Engine) ScheduleCron(policyID, key, cronExpr string) error {
	_, err := e.cron.AddFunc(cronExpr, func() {
		e.rotateAndPublish(context.Background(), policyID, key)
	})
	return err
}

// Start begins the cron scheduler. It does not block; call Stop to halt it.
func (e *Engine) Start() {
	e.cron.Start()
}

// Stop halts the cron scheduler.
func (e *Engine) Stop() {
	e.cron.Stop()
}

// PollIntervalPolicies checks every registered policy's schedule and rotates
// those that are due. Intended to be called on a ticker by the owning
// worker loop.
func (e *Engine) PollIntervalPolicies(ctx context.Context, keysByPolicy map[string]string) {
	for policyID, key := range keysByPolicy {
		if e.manager.DueForRotation(policyID) {
			e.rotateAndPublish(ctx, policyID, key)
		}
	}
}

func (e *Engine) rotateAndPublish(ctx context.Context, policyID, key string) {
	newKey, err := e.manager.Rotate(policyID, key)
	if err != nil {
		e.logger.Error("key rotation failed", "policy_id", policyID, "error", err)
		return
	}

	e.logger.Info("key rotated", "policy_id", policyID, "old_key_suffix", suffix(key), "new_key_suffix", suffix(newKey))

	if e.rdb == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"policy_id": policyID,
	})
	if err := e.rdb.Publish(ctx, "meterproxy:key:rotated", string(payload)).Err(); err != nil {
		e.logger.Error("publishing rotation event", "error", err)
	}
}

func suffix(key string) string {
	if len(key) <= 4 {
		return key
	}
	return key[len(key)-4:]
}
