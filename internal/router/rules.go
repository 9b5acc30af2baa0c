package router

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/llmgate/gateway/internal/store"
)

// rulesCacheTTL bounds how stale the Tier-1 rule table can be: rules edited
// through the registry are picked up within this window without a restart.
const rulesCacheTTL = 5 * time.Second

// RuleCache is the process-wide TTL cache for routing rules, the one
// mutable singleton the router core keeps besides health/limit state (see
// spec.md §9 design notes). All access is serialized through this type;
// nothing else holds a bare slice of rules.
type RuleCache struct {
	st store.Store

	mu        sync.Mutex
	rules     []compiledRule
	expiresAt time.Time
}

type compiledRule struct {
	store.RoutingRule
	re *regexp.Regexp // nil if Pattern is empty or fails to compile
}

func NewRuleCache(st store.Store) *RuleCache {
	return &RuleCache{st: st}
}

// Invalidate forces the next Match call to reload from the store,
// regardless of TTL. This is the single entry point for cache invalidation
// spec.md §9 calls for.
func (c *RuleCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiresAt = time.Time{}
}

func (c *RuleCache) load(ctx context.Context) ([]compiledRule, error) {
	c.mu.Lock()
	if time.Now().Before(c.expiresAt) {
		rules := c.rules
		c.mu.Unlock()
		return rules, nil
	}
	c.mu.Unlock()

	raw, err := c.st.LoadRules(ctx)
	if err != nil {
		return nil, err
	}
	compiled := make([]compiledRule, len(raw))
	for i, r := range raw {
		cr := compiledRule{RoutingRule: r}
		if r.Pattern != "" {
			// A rule with an invalid pattern never matches; it does not
			// disable the rest of the table.
			if re, err := regexp.Compile("(?i)" + r.Pattern); err == nil {
				cr.re = re
			}
		}
		compiled[i] = cr
	}

	c.mu.Lock()
	c.rules = compiled
	c.expiresAt = time.Now().Add(rulesCacheTTL)
	c.mu.Unlock()
	return compiled, nil
}

// regexPreviewCap bounds the text a Tier-1 regex predicate evaluates
// against, so a pathological pattern can't be handed an unbounded input
// (spec.md §4.4).
const regexPreviewCap = 500

// ruleMatches evaluates one rule's wildcarded predicates against request
// metadata. A zero-value field on the rule is a wildcard (always matches).
func ruleMatches(r compiledRule, meta RequestMetadata) bool {
	if r.Source != "" && r.Source != meta.Source {
		return false
	}
	if r.Channel != "" && r.Channel != meta.Channel {
		return false
	}
	if r.TokenMax > 0 && meta.EstimatedTokens > r.TokenMax {
		return false
	}
	if r.HasMedia != nil && *r.HasMedia != meta.HasMedia {
		return false
	}
	if r.re != nil {
		preview := meta.TextPreview
		if len(preview) > regexPreviewCap {
			preview = preview[:regexPreviewCap]
		}
		if !r.re.MatchString(preview) {
			return false
		}
	}
	return true
}

// RuleMatchResult is the outcome of Tier-1 evaluation.
type RuleMatchResult struct {
	Rule   *store.RoutingRule // the matched rule, nil if none matched
	Action string             // "" if no rule matched
}

// Match walks the rule table in ascending priority order and returns the
// first match (spec.md §4.4). Rules are evaluated in full regardless of
// enabled state filtering already applied by the store query.
func (c *RuleCache) Match(ctx context.Context, meta RequestMetadata) (RuleMatchResult, error) {
	rules, err := c.load(ctx)
	if err != nil {
		return RuleMatchResult{}, err
	}
	for _, r := range rules {
		if ruleMatches(r, meta) {
			rule := r.RoutingRule
			return RuleMatchResult{Rule: &rule, Action: rule.Action}, nil
		}
	}
	return RuleMatchResult{}, nil
}
