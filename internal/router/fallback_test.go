package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llmgate/gateway/internal/store"
)

func TestFallbackResolvesConfiguredModel(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedModel(t, st, store.Model{ID: "fallback-model", WireFormat: store.WireFormatOpenAI, Enabled: true, Healthy: true})

	fb := NewFallback(st)
	candidates, err := fb.Resolve(ctx, store.Policy{FallbackModelID: "fallback-model"})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "fallback-model", candidates[0].Model.ID)
	require.Equal(t, 1, candidates[0].Rank)
}

func TestFallbackEmptyWhenNoFallbackConfigured(t *testing.T) {
	st := newTestStore(t)
	fb := NewFallback(st)
	candidates, err := fb.Resolve(context.Background(), store.Policy{})
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestFallbackEmptyWhenModelMissing(t *testing.T) {
	st := newTestStore(t)
	fb := NewFallback(st)
	candidates, err := fb.Resolve(context.Background(), store.Policy{FallbackModelID: "does-not-exist"})
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestFallbackEmptyWhenModelDisabled(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedModel(t, st, store.Model{ID: "disabled-fallback", WireFormat: store.WireFormatOpenAI, Enabled: false, Healthy: true})

	fb := NewFallback(st)
	candidates, err := fb.Resolve(ctx, store.Policy{FallbackModelID: "disabled-fallback"})
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestFallbackEmptyWhenModelUnhealthy(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedModel(t, st, store.Model{ID: "unhealthy-fallback", WireFormat: store.WireFormatOpenAI, Enabled: true, Healthy: false})

	fb := NewFallback(st)
	candidates, err := fb.Resolve(ctx, store.Policy{FallbackModelID: "unhealthy-fallback"})
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestFallbackBypassesSensitiveAndBudgetGates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedModel(t, st, store.Model{
		ID: "cloud-fallback", Location: store.LocationCloud, WireFormat: store.WireFormatOpenAI,
		Enabled: true, Healthy: true,
	})

	fb := NewFallback(st)
	candidates, err := fb.Resolve(ctx, store.Policy{FallbackModelID: "cloud-fallback", DailyBudgetUSD: 1})
	require.NoError(t, err)
	require.Len(t, candidates, 1, "fallback has no privacy/budget gate, unlike the selector")
}
