package router

import (
	"context"
	"math"

	"github.com/llmgate/gateway/internal/store"
)

// Orchestrator wires Tier-1 (rules), Tier-2 (classifier + selector), and
// Tier-3 (fallback) into the single Route entry point the dispatcher
// consumes (spec.md §4.8).
type Orchestrator struct {
	Rules      *RuleCache
	Classifier *Classifier
	Selector   *Selector
	Fallback   *Fallback
	Store      store.Store
}

func NewOrchestrator(rules *RuleCache, classifier *Classifier, selector *Selector, fallback *Fallback, st store.Store) *Orchestrator {
	return &Orchestrator{Rules: rules, Classifier: classifier, Selector: selector, Fallback: fallback, Store: st}
}

// ExtractMetadata implements spec.md §4.8 step 1: text_preview is the last
// user message's string content (empty if none or non-string), estimated
// tokens is max(100, ceil(total content chars / 4)), and has_media is true
// iff any message carries non-string content.
func ExtractMetadata(req Request) RequestMetadata {
	var lastUserText string
	var totalChars int
	hasMedia := false

	for _, m := range req.Messages {
		if m.Role == "user" {
			lastUserText = ""
		}
		if m.Content != nil {
			totalChars += len(*m.Content)
			if m.Role == "user" {
				lastUserText = *m.Content
			}
		} else if m.RawContent != nil {
			hasMedia = true
		}
	}

	estimated := int(math.Ceil(float64(totalChars) / 4.0))
	if estimated < 100 {
		estimated = 100
	}

	return RequestMetadata{
		TextPreview:     lastUserText,
		EstimatedTokens: estimated,
		HasMedia:        hasMedia,
		Source:          req.Source,
		Channel:         req.Channel,
	}
}

// Route executes the full three-tier decision (spec.md §4.8). It returns
// ErrNoAvailableModel when no tier produces a usable candidate.
func (o *Orchestrator) Route(ctx context.Context, req Request) (Decision, error) {
	meta := ExtractMetadata(req)

	match, err := o.Rules.Match(ctx, meta)
	if err != nil {
		return Decision{}, err
	}

	if match.Rule != nil {
		switch match.Action {
		case store.ActionRoute, store.ActionRouteSelf:
			m, err := o.Store.GetModel(ctx, match.Rule.TargetModelID)
			if err != nil {
				return Decision{}, err
			}
			if m != nil && m.Enabled && m.Healthy {
				return Decision{
					Tier:       1,
					RuleID:     &match.Rule.ID,
					Candidates: []Candidate{{Model: *m, Rank: 1}},
				}, nil
			}
			// A rule naming a model that no longer exists (or is disabled/
			// unhealthy) falls through to Tier-2 rather than erroring; the
			// rule table is allowed to lag behind the model registry.
		case store.ActionReject:
			return Decision{}, &ErrNoAvailableModel{Reason: "rejected by routing rule"}
		default:
			// classify, queue (no durable queue backend in scope): fall
			// through to Tier-2 below.
		}
	}

	policy, err := o.Store.LoadPolicy(ctx)
	if err != nil {
		return Decision{}, err
	}

	classification := o.Classifier.Classify(ctx, meta.TextPreview)
	capability := CapabilityForTaskType(classification.TaskType)
	floor := QualityFloor(classification.Complexity)

	candidates, err := o.Selector.Select(ctx, policy, SelectionInput{
		Capability:       capability,
		QualityFloor:     floor,
		QualityTolerance: policy.QualityTolerance,
		EstimatedTokens:  classification.EstimatedTokens,
		Sensitive:        classification.Sensitive,
	})
	if err != nil {
		return Decision{}, err
	}

	if len(candidates) > 0 {
		var ruleID *int64
		if match.Rule != nil {
			ruleID = &match.Rule.ID
		}
		return Decision{Tier: 2, RuleID: ruleID, Classification: &classification, Candidates: candidates}, nil
	}

	fallback, err := o.Fallback.Resolve(ctx, policy)
	if err != nil {
		return Decision{}, err
	}
	if len(fallback) > 0 {
		return Decision{Tier: 3, Classification: &classification, Candidates: fallback}, nil
	}

	return Decision{}, &ErrNoAvailableModel{Reason: "no candidate survived tiers 1-3"}
}
