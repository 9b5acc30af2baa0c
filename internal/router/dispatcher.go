package router

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/llmgate/gateway/internal/providers"
	"github.com/llmgate/gateway/internal/store"
)

// Adapter is what a backend wire-format implementation provides to the
// dispatcher. Adapters are stateless with respect to routing: they take a
// resolved store.Model and never reach back into the router (spec.md §9
// design notes, "DAG" point).
type Adapter interface {
	StreamChat(ctx context.Context, model store.Model, req Request) (Stream, error)
}

// Registry resolves a model's wire format to the adapter that serves it.
type Registry interface {
	AdapterFor(wireFormat store.WireFormat) (Adapter, bool)
}

// Dispatcher implements the retry-across-candidates delivery strategy of
// spec.md §4.10: it walks the ranked candidate list in order, classifying
// each failure to update provider/model health state, and never retries
// the same model twice.
type Dispatcher struct {
	Registry Registry
	Store    store.Store
}

func NewDispatcher(reg Registry, st store.Store) *Dispatcher {
	return &Dispatcher{Registry: reg, Store: st}
}

// healthFailureThreshold is the consecutive-failure count at which a
// 5xx-driven health log crosses over to marking the model unhealthy
// (spec.md §4.2/§4.10).
const healthFailureThreshold = 3

// rateLimitCooldown is applied when a provider reports 429 or an
// equivalent rate-limit message (spec.md §4.10).
const rateLimitCooldown = 60 * time.Second

// Dispatch tries each candidate in rank order and returns the first
// successful stream along with the model that actually served it. It
// returns ErrNoAvailableModel if every candidate fails. The dispatcher
// never retries the same model — a failure always advances to the next
// ranked candidate.
func (d *Dispatcher) Dispatch(ctx context.Context, candidates []Candidate, req Request) (Stream, store.Model, error) {
	for _, c := range candidates {
		adapter, ok := d.Registry.AdapterFor(c.Model.WireFormat)
		if !ok {
			continue
		}
		stream, err := adapter.StreamChat(ctx, c.Model, req)
		if err == nil {
			return stream, c.Model, nil
		}
		d.classifyFailure(ctx, c.Model, err)
	}
	return nil, store.Model{}, &ErrNoAvailableModel{Reason: "all candidates failed"}
}

// classifyFailure implements the exact table from spec.md §4.10. It never
// returns an error itself; store write failures are discarded (neither
// logged nor surfaced), since the candidate walk must continue regardless.
func (d *Dispatcher) classifyFailure(ctx context.Context, model store.Model, err error) {
	var statusErr *providers.StatusError
	msg := strings.ToLower(err.Error())

	switch {
	case errors.As(err, &statusErr) && statusErr.StatusCode == 429:
		d.markRateLimited(ctx, model)
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		d.markRateLimited(ctx, model)
	case errors.As(err, &statusErr) && statusErr.StatusCode >= 500 && statusErr.StatusCode < 600:
		d.appendHealthFailure(ctx, model, err)
	case isConnectivityFailure(err, msg):
		_ = d.Store.MarkUnhealthy(ctx, model.ID)
	default:
		// Fatal/validation-shaped errors: no provider- or model-level state
		// change, just move on to the next candidate.
	}
}

func (d *Dispatcher) markRateLimited(ctx context.Context, model store.Model) {
	_ = d.Store.MarkProviderLimited(ctx, model.Provider, time.Now().Add(rateLimitCooldown))
}

func (d *Dispatcher) appendHealthFailure(ctx context.Context, model store.Model, err error) {
	n, logErr := d.Store.AppendHealthLog(ctx, store.HealthLogRow{
		ModelID:   model.ID,
		Timestamp: time.Now().UTC(),
		IsHealthy: false,
		Error:     err.Error(),
	})
	if logErr != nil {
		return
	}
	if n >= healthFailureThreshold {
		_ = d.Store.MarkUnhealthy(ctx, model.ID)
	}
}

// isConnectivityFailure recognizes the abort/timeout/connection-refused
// family that flips a model unhealthy directly rather than accumulating
// through the 5xx threshold (spec.md §4.10).
func isConnectivityFailure(err error, lowerMsg string) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return true
	}
	for _, needle := range []string{"econnrefused", "econnreset", "etimedout", "timeout", "context deadline exceeded"} {
		if strings.Contains(lowerMsg, needle) {
			return true
		}
	}
	return false
}
