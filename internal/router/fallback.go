package router

import (
	"context"

	"github.com/llmgate/gateway/internal/store"
)

// Fallback resolves Tier-3: the fixed fallback model named by
// policy.fallback_model_id. It bypasses the privacy and budget gates
// entirely (spec.md §4.8) — this tier exists precisely so a request still
// gets an answer when every policy-eligible candidate was filtered out.
type Fallback struct {
	Store store.Store
}

func NewFallback(st store.Store) *Fallback {
	return &Fallback{Store: st}
}

// Resolve returns a single-entry candidate list for the fallback model, or
// an empty list if no fallback is configured, the model doesn't exist, is
// disabled, or is unhealthy.
func (f *Fallback) Resolve(ctx context.Context, p store.Policy) ([]Candidate, error) {
	if p.FallbackModelID == "" {
		return nil, nil
	}
	m, err := f.Store.GetModel(ctx, p.FallbackModelID)
	if err != nil {
		return nil, err
	}
	if m == nil || !m.Enabled || !m.Healthy {
		return nil, nil
	}
	return []Candidate{{Model: *m, Rank: 1}}, nil
}
