package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/llmgate/gateway/internal/store"
)

func newTestOrchestrator(st store.Store) *Orchestrator {
	return NewOrchestrator(NewRuleCache(st), NewClassifier("", ""), NewSelector(st), NewFallback(st), st)
}

func strPtr(s string) *string { return &s }

func TestExtractMetadataUsesLastUserMessage(t *testing.T) {
	req := Request{Messages: []Message{
		{Role: "system", Content: strPtr("be nice")},
		{Role: "user", Content: strPtr("first question")},
		{Role: "assistant", Content: strPtr("an answer")},
		{Role: "user", Content: strPtr("second question")},
	}}
	meta := ExtractMetadata(req)
	require.Equal(t, "second question", meta.TextPreview)
	require.False(t, meta.HasMedia)
}

func TestExtractMetadataFloorsEstimatedTokensAt100(t *testing.T) {
	req := Request{Messages: []Message{{Role: "user", Content: strPtr("hi")}}}
	meta := ExtractMetadata(req)
	require.Equal(t, 100, meta.EstimatedTokens)
}

func TestExtractMetadataDetectsMediaFromRawContent(t *testing.T) {
	req := Request{Messages: []Message{{Role: "user", RawContent: []any{"image-part"}}}}
	meta := ExtractMetadata(req)
	require.True(t, meta.HasMedia)
}

func TestRouteTier1RuleMatchReturnsSingleCandidate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedModel(t, st, store.Model{ID: "rule-target", WireFormat: store.WireFormatOpenAI, Enabled: true, Healthy: true})
	require.NoError(t, st.UpsertRule(ctx, store.RoutingRule{
		Priority: 1, TargetModelID: "rule-target", Action: store.ActionRoute, Enabled: true,
	}))

	o := newTestOrchestrator(st)
	decision, err := o.Route(ctx, Request{Messages: []Message{{Role: "user", Content: strPtr("hi")}}})
	require.NoError(t, err)
	require.Equal(t, 1, decision.Tier)
	require.NotNil(t, decision.RuleID)
	require.Len(t, decision.Candidates, 1)
	require.Equal(t, "rule-target", decision.Candidates[0].Model.ID)
}

func TestRouteTier1FallsThroughWhenTargetModelMissing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertRule(ctx, store.RoutingRule{
		Priority: 1, TargetModelID: "ghost-model", Action: store.ActionRoute, Enabled: true,
	}))
	seedModel(t, st, store.Model{
		ID: "tier2-model", WireFormat: store.WireFormatOpenAI, QualityScore: 90, Enabled: true, Healthy: true,
		Capabilities: []string{"conversation"},
	})

	o := newTestOrchestrator(st)
	decision, err := o.Route(ctx, Request{Messages: []Message{{Role: "user", Content: strPtr("hi")}}})
	require.NoError(t, err)
	require.Equal(t, 2, decision.Tier, "a rule naming a missing model silently falls through to tier 2")
	require.Len(t, decision.Candidates, 1)
	require.Equal(t, "tier2-model", decision.Candidates[0].Model.ID)
}

func TestRouteTier1FallsThroughWhenTargetModelUnhealthy(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedModel(t, st, store.Model{ID: "unhealthy-target", WireFormat: store.WireFormatOpenAI, Enabled: true, Healthy: false})
	require.NoError(t, st.UpsertRule(ctx, store.RoutingRule{
		Priority: 1, TargetModelID: "unhealthy-target", Action: store.ActionRoute, Enabled: true,
	}))
	seedModel(t, st, store.Model{
		ID: "tier2-model", WireFormat: store.WireFormatOpenAI, QualityScore: 90, Enabled: true, Healthy: true,
		Capabilities: []string{"conversation"},
	})

	o := newTestOrchestrator(st)
	decision, err := o.Route(ctx, Request{Messages: []Message{{Role: "user", Content: strPtr("hi")}}})
	require.NoError(t, err)
	require.Equal(t, 2, decision.Tier)
}

func TestRouteRejectActionReturnsError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertRule(ctx, store.RoutingRule{
		Priority: 1, Pattern: "forbidden", Action: store.ActionReject, Enabled: true,
	}))

	o := newTestOrchestrator(st)
	_, err := o.Route(ctx, Request{Messages: []Message{{Role: "user", Content: strPtr("this is forbidden content")}}})
	require.Error(t, err)
	var noModel *ErrNoAvailableModel
	require.ErrorAs(t, err, &noModel)
}

func TestRouteTier2SelectsViaClassifierDefaults(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedModel(t, st, store.Model{
		ID: "tier2-model", WireFormat: store.WireFormatOpenAI, QualityScore: 90, Enabled: true, Healthy: true,
		Capabilities: []string{"conversation"},
	})

	o := newTestOrchestrator(st)
	decision, err := o.Route(ctx, Request{Messages: []Message{{Role: "user", Content: strPtr("hello there")}}})
	require.NoError(t, err)
	require.Equal(t, 2, decision.Tier)
	require.NotNil(t, decision.Classification)
	require.Equal(t, DefaultComplexity, decision.Classification.Complexity, "empty classifier endpoint degrades to defaults")
	require.Len(t, decision.Candidates, 1)
}

func TestRouteTier3FallsBackWhenTier2Empty(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// No model carries the "conversation" capability, so tier 2 produces
	// nothing; the fallback model has no capability constraint.
	seedModel(t, st, store.Model{ID: "fallback-model", WireFormat: store.WireFormatOpenAI, Enabled: true, Healthy: true})
	require.NoError(t, st.SavePolicy(ctx, store.Policy{FallbackModelID: "fallback-model"}))

	o := newTestOrchestrator(st)
	decision, err := o.Route(ctx, Request{Messages: []Message{{Role: "user", Content: strPtr("hello there")}}})
	require.NoError(t, err)
	require.Equal(t, 3, decision.Tier)
	require.Len(t, decision.Candidates, 1)
	require.Equal(t, "fallback-model", decision.Candidates[0].Model.ID)
}

func TestRouteReturnsErrNoAvailableModelWhenAllTiersEmpty(t *testing.T) {
	st := newTestStore(t)
	o := newTestOrchestrator(st)
	_, err := o.Route(context.Background(), Request{Messages: []Message{{Role: "user", Content: strPtr("hello")}}})
	require.Error(t, err)
	var noModel *ErrNoAvailableModel
	require.ErrorAs(t, err, &noModel)
}
