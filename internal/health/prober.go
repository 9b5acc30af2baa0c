package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/llmgate/gateway/internal/store"
)

// DefaultInterval and DefaultTimeout are spec.md §4.2's probe-loop
// constants.
const (
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Prober periodically GETs every enabled model's "${endpoint}/models"
// and records the outcome through a Tracker. A tick that is still
// running when the next one fires is skipped entirely rather than
// queued (spec.md §4.2 "at most one probe sweep in flight").
type Prober struct {
	Store    store.Store
	Tracker  *Tracker
	Client   *http.Client
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger

	running sync.Mutex
}

// NewProber validates interval (must be >= 1s, per spec.md §6 env var
// validation) and falls back to DefaultInterval/DefaultTimeout for zero
// values.
func NewProber(st store.Store, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	if interval < time.Second {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		Store:    st,
		Tracker:  NewTracker(st),
		Client:   &http.Client{Timeout: timeout},
		Interval: interval,
		Timeout:  timeout,
		Logger:   logger,
	}
}

// Run starts the probe loop, probing immediately and then every
// Interval, until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.tick(ctx)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Prober) tick(ctx context.Context) {
	if !p.running.TryLock() {
		p.Logger.Warn("health probe sweep skipped: previous sweep still running")
		return
	}
	defer p.running.Unlock()

	models, err := p.Store.ListEnabledModels(ctx)
	if err != nil {
		p.Logger.Error("health probe: failed to list models", slog.String("error", err.Error()))
		return
	}

	var wg sync.WaitGroup
	for _, m := range models {
		wg.Add(1)
		go func(m store.Model) {
			defer wg.Done()
			p.probe(ctx, m)
		}(m)
	}
	wg.Wait()
}

func (p *Prober) probe(ctx context.Context, model store.Model) {
	if model.Endpoint == "" {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, model.Endpoint+"/models", nil)
	if err != nil {
		p.record(ctx, model.ID, false, 0, err.Error())
		return
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	latencyMs := int(time.Since(start).Milliseconds())
	if err != nil {
		p.record(ctx, model.ID, false, latencyMs, err.Error())
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if probeHealthy(resp.StatusCode) {
		p.record(ctx, model.ID, true, latencyMs, "")
	} else {
		p.record(ctx, model.ID, false, latencyMs, "HTTP "+resp.Status)
	}
}

func (p *Prober) record(ctx context.Context, modelID string, healthy bool, latencyMs int, probeErr string) {
	if err := p.Tracker.RecordProbeResult(ctx, modelID, healthy, latencyMs, probeErr); err != nil {
		p.Logger.Warn("failed to record probe result",
			slog.String("model", modelID), slog.String("error", err.Error()))
		return
	}
	if err := p.Store.TouchLastProbe(ctx, modelID, time.Now().UTC()); err != nil {
		p.Logger.Warn("failed to touch last_probe_at",
			slog.String("model", modelID), slog.String("error", err.Error()))
	}
	if healthy {
		p.Logger.Debug("health probe ok", slog.String("model", modelID), slog.Int("latency_ms", latencyMs))
	} else {
		p.Logger.Warn("health probe failed", slog.String("model", modelID), slog.String("error", probeErr))
	}
}
