package router

import (
	"context"
	"sort"
	"time"

	"github.com/llmgate/gateway/internal/store"
)

// SelectionInput bundles the per-request facts the selector needs beyond
// the model registry: the classification-derived floor/capability, the
// estimated token count for the context-window filter, and whether the
// request content was judged sensitive.
type SelectionInput struct {
	Capability      string
	QualityFloor    int
	QualityTolerance int
	EstimatedTokens int
	Sensitive       bool
}

// Selector implements the candidate pipeline of spec.md §4.6: base set,
// capability filter, rate-limit filter, context-window filter, privacy
// filter, budget filter, quality-tolerance soft filter, then a three-key
// sort into contiguous ranks.
type Selector struct {
	Store store.Store
}

func NewSelector(st store.Store) *Selector {
	return &Selector{Store: st}
}

// budgetExceeded reports whether either the daily or monthly ledger row has
// met or exceeded its policy limit (spec.md §4.3 isExceeded). Evaluated
// once per selector call and reused for every candidate.
func (s *Selector) budgetExceeded(ctx context.Context, p store.Policy) (bool, error) {
	now := time.Now().UTC()
	daily, err := s.Store.GetSpend(ctx, store.BudgetPeriodDaily, now.Format("2006-01-02"))
	if err != nil {
		return false, err
	}
	if p.DailyBudgetUSD > 0 && daily.TotalSpend >= p.DailyBudgetUSD {
		return true, nil
	}
	monthly, err := s.Store.GetSpend(ctx, store.BudgetPeriodMonthly, now.Format("2006-01"))
	if err != nil {
		return false, err
	}
	if p.MonthlyBudgetUSD > 0 && monthly.TotalSpend >= p.MonthlyBudgetUSD {
		return true, nil
	}
	return false, nil
}

func locationRank(order []store.Location, loc store.Location) int {
	for i, l := range order {
		if l == loc {
			return i
		}
	}
	return len(order) // unknown locations sort last
}

// Select runs the full candidate pipeline and returns contiguous ranks
// 1..N. An empty, non-error result means the tier produced no usable
// candidate and the caller should fall through (Tier-2 -> Tier-3, or
// Tier-3 -> no available model).
func (s *Selector) Select(ctx context.Context, p store.Policy, in SelectionInput) ([]Candidate, error) {
	if err := s.Store.ClearExpiredLimits(ctx, time.Now().UTC()); err != nil {
		return nil, err
	}

	base, err := s.Store.ListEnabledHealthyModels(ctx, in.Capability)
	if err != nil {
		return nil, err
	}

	limited, err := s.Store.ListRateLimited(ctx)
	if err != nil {
		return nil, err
	}

	budgetExceeded, err := s.budgetExceeded(ctx, p)
	if err != nil {
		return nil, err
	}

	contextNeeded := int(float64(in.EstimatedTokens) * 1.0)

	filtered := make([]store.Model, 0, len(base))
	for _, m := range base {
		if pr, ok := limited[m.Provider]; ok && pr.IsLimited {
			continue
		}
		if m.ContextWindow > 0 && contextNeeded > m.ContextWindow {
			continue
		}
		if in.Sensitive && m.Location == store.LocationCloud {
			continue
		}
		if budgetExceeded && m.Location == store.LocationCloud {
			continue
		}
		filtered = append(filtered, m)
	}

	// Quality-tolerance soft filter (spec.md §4.6.1): try the strict set
	// first; if it's empty, fall back to the soft set (quality within
	// tolerance of the floor AND zero output price); otherwise empty.
	strict := make([]store.Model, 0, len(filtered))
	for _, m := range filtered {
		if m.QualityScore >= in.QualityFloor {
			strict = append(strict, m)
		}
	}
	survivors := strict
	if len(survivors) == 0 {
		soft := make([]store.Model, 0, len(filtered))
		floor := in.QualityFloor - in.QualityTolerance
		for _, m := range filtered {
			if m.QualityScore >= floor && m.PriceOutPerMillion == 0 {
				soft = append(soft, m)
			}
		}
		survivors = soft
	}
	if len(survivors) == 0 {
		return nil, nil
	}

	order := p.PreferredLocations
	if len(order) == 0 {
		order = []store.Location{store.LocationColocated, store.LocationLAN, store.LocationCloud}
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		li, lj := locationRank(order, survivors[i].Location), locationRank(order, survivors[j].Location)
		if li != lj {
			return li < lj
		}
		ci := survivors[i].PriceInPerMillion + survivors[i].PriceOutPerMillion
		cj := survivors[j].PriceInPerMillion + survivors[j].PriceOutPerMillion
		if ci != cj {
			return ci < cj
		}
		return survivors[i].QualityScore > survivors[j].QualityScore
	})

	candidates := make([]Candidate, len(survivors))
	for i, m := range survivors {
		candidates[i] = Candidate{Model: m, Rank: i + 1}
	}
	return candidates, nil
}
