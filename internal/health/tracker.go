// Package health implements the background probe loop and retention
// sweeps that keep the model registry's health state current (spec.md
// §4.2). The routing dispatcher updates health state directly on
// dispatch failure (internal/router/dispatcher.go); this package is the
// other producer of health state — periodic liveness probing — and the
// consumer of the retention window invariants.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/llmgate/gateway/internal/store"
)

// consecutiveFailureThreshold mirrors the dispatcher's own constant
// (spec.md §4.2/§4.10): three consecutive unhealthy probe rows flip a
// model's healthy flag to false. A single later healthy probe clears it.
const consecutiveFailureThreshold = 3

// Tracker records probe outcomes against the store, applying spec.md
// §4.2's threshold semantics.
type Tracker struct {
	store store.Store
}

func NewTracker(st store.Store) *Tracker {
	return &Tracker{store: st}
}

// RecordProbeResult appends a health-log row for the probe outcome and
// updates the model's healthy flag: a healthy probe clears it
// immediately, an unhealthy probe flips it only once the consecutive
// failure count (as tracked by the append-only log) reaches the
// threshold.
func (t *Tracker) RecordProbeResult(ctx context.Context, modelID string, healthy bool, latencyMs int, probeErr string) error {
	row := store.HealthLogRow{
		ModelID:   modelID,
		Timestamp: time.Now().UTC(),
		IsHealthy: healthy,
		Error:     probeErr,
	}
	if healthy {
		row.LatencyMs = &latencyMs
	}

	n, err := t.store.AppendHealthLog(ctx, row)
	if err != nil {
		return err
	}

	if healthy {
		return t.store.MarkHealthy(ctx, modelID)
	}
	if n >= consecutiveFailureThreshold {
		return t.store.MarkUnhealthy(ctx, modelID)
	}
	return nil
}

// RetentionLoop runs PruneHealthLog and PruneRequestLog once a day until
// ctx is cancelled (spec.md §4.2 retention: health log 7 days, request
// log 30 days).
func (t *Tracker) RetentionLoop(ctx context.Context, logger *slog.Logger) {
	const interval = 24 * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.runRetention(ctx, logger)
	for {
		select {
		case <-ticker.C:
			t.runRetention(ctx, logger)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tracker) runRetention(ctx context.Context, logger *slog.Logger) {
	now := time.Now().UTC()
	if n, err := t.store.PruneHealthLog(ctx, now.Add(-7*24*time.Hour)); err != nil {
		logger.Warn("health log retention sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("pruned health log rows", slog.Int64("count", n))
	}
	if n, err := t.store.PruneRequestLog(ctx, now.Add(-30*24*time.Hour)); err != nil {
		logger.Warn("request log retention sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("pruned request log rows", slog.Int64("count", n))
	}
}

// probeHealthy reports whether a GET to endpoint+"/models" should count
// as a live backend: any 2xx, 401 (auth required but reachable), or 405
// (method not allowed but reachable) counts as healthy.
func probeHealthy(statusCode int) bool {
	return (statusCode >= 200 && statusCode < 300) ||
		statusCode == http.StatusUnauthorized ||
		statusCode == http.StatusMethodNotAllowed
}
