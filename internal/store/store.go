// Package store provides typed, transactional access to the gateway's
// persisted registry: models, capabilities, routing rules, policy, budget
// ledger, provider rate-limits, health log, and request log. The complexity
// and task-type lookup tables are not persisted; package router holds them
// as fixed Go maps.
package store

import (
	"context"
	"time"
)

// Location is the deployment class of a model endpoint.
type Location string

const (
	LocationColocated Location = "co-located"
	LocationLAN       Location = "lan"
	LocationCloud     Location = "cloud"
)

// WireFormat selects which backend adapter serves a model.
type WireFormat string

const (
	WireFormatOpenAI    WireFormat = "openai"
	WireFormatAnthropic WireFormat = "anthropic"
)

// Model is the persisted form of a model record (spec.md §3 "Model record").
type Model struct {
	ID          string `json:"id"` // stable identity "{provider_prefix}/{name}"
	DisplayName string `json:"display_name"`
	Provider    string `json:"provider"`
	Location    Location `json:"location"`
	Endpoint    string `json:"endpoint"`
	WireFormat  WireFormat `json:"wire_format"`
	CredentialEnvVar string `json:"credential_env_var,omitempty"`

	QualityScore     int `json:"quality_score"` // 0..100
	ContextWindow    int `json:"context_window"`
	DefaultMaxTokens int `json:"default_max_tokens"`

	SupportsTools     bool `json:"supports_tools"`
	SupportsVision    bool `json:"supports_vision"`
	SupportsReasoning bool `json:"supports_reasoning"`

	PriceInPerMillion       float64 `json:"price_in_per_million"`
	PriceOutPerMillion      float64 `json:"price_out_per_million"`
	PriceCacheReadPerMillion  float64 `json:"price_cache_read_per_million"`
	PriceCacheWritePerMillion float64 `json:"price_cache_write_per_million"`

	LatencyP50Ms int `json:"latency_p50_ms"`
	LatencyP95Ms int `json:"latency_p95_ms"`
	HardwareNote string `json:"hardware_note,omitempty"`

	Enabled bool `json:"enabled"`
	Healthy bool `json:"healthy"`

	LastProbeAt *time.Time `json:"last_probe_at,omitempty"`
	LastUseAt   *time.Time `json:"last_use_at,omitempty"`

	Capabilities []string `json:"capabilities"`
}

// RoutingRule is one row of the Tier-1 rule table (spec.md §3 "Routing rule").
type RoutingRule struct {
	ID       int64  `json:"id"`
	Priority int    `json:"priority"` // lower evaluated first

	Source     string `json:"source,omitempty"`      // exact match, empty = wildcard
	Channel    string `json:"channel,omitempty"`      // exact match, empty = wildcard
	Pattern    string `json:"pattern,omitempty"`      // case-insensitive regex against preview
	TokenMax   int    `json:"token_max,omitempty"`    // 0 = wildcard
	HasMedia   *bool  `json:"has_media,omitempty"`    // nil = wildcard

	TargetModelID string `json:"target_model_id,omitempty"`
	Action        string `json:"action"` // route, route_self, classify, reject, queue

	Enabled bool `json:"enabled"`
}

// Routing rule actions (spec.md §3).
const (
	ActionRoute     = "route"
	ActionRouteSelf = "route_self"
	ActionClassify  = "classify"
	ActionReject    = "reject"
	ActionQueue     = "queue"
)

// Policy is the routing policy singleton (spec.md §3).
type Policy struct {
	MinQualityScore    int     `json:"min_quality_score"`
	MaxCostPerMillion  float64 `json:"max_cost_per_million"`
	MaxLatencyMs       int     `json:"max_latency_ms"`
	PreferredLocations []Location `json:"preferred_locations"` // ordered, comma-separated at rest
	QualityTolerance   int     `json:"quality_tolerance"` // non-negative

	DailyBudgetUSD   float64 `json:"daily_budget_usd"`
	MonthlyBudgetUSD float64 `json:"monthly_budget_usd"`

	FallbackModelID string `json:"fallback_model_id,omitempty"`
	RouterModelID   string `json:"router_model_id,omitempty"` // Tier-2 classifier model name
}

// BudgetPeriodType distinguishes daily and monthly ledger rows.
type BudgetPeriodType string

const (
	BudgetPeriodDaily   BudgetPeriodType = "daily"
	BudgetPeriodMonthly BudgetPeriodType = "monthly"
)

// BudgetRow is one row of the budget ledger, keyed by (period_type, period_key).
type BudgetRow struct {
	PeriodType   BudgetPeriodType `json:"period_type"`
	PeriodKey    string           `json:"period_key"` // ISO date for daily, "YYYY-MM" for monthly
	TotalSpend   float64          `json:"total_spend"`
	InputTokens  int64            `json:"input_tokens"`
	OutputTokens int64            `json:"output_tokens"`
	RequestCount int64            `json:"request_count"`
}

// ProviderRateLimit is the per-provider rate-limit state row.
type ProviderRateLimit struct {
	Provider     string     `json:"provider"`
	IsLimited    bool       `json:"is_limited"`
	LimitedSince *time.Time `json:"limited_since,omitempty"`
	RetryAfter   *time.Time `json:"retry_after,omitempty"`
	RPMCount     int        `json:"rpm_count,omitempty"`
	TPMCount     int        `json:"tpm_count,omitempty"`
}

// HealthLogRow is one append-only probe/dispatch-failure outcome.
type HealthLogRow struct {
	ID                 int64     `json:"id"`
	ModelID            string    `json:"model_id"`
	Timestamp          time.Time `json:"timestamp"`
	IsHealthy          bool      `json:"is_healthy"`
	LatencyMs          *int      `json:"latency_ms,omitempty"`
	Error              string    `json:"error,omitempty"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
}

// RequestLog is one row per completed request (spec.md §3 "Request log").
type RequestLog struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Tier           int       `json:"tier"`
	RuleID         *int64    `json:"rule_id,omitempty"`
	Classification string    `json:"classification,omitempty"` // compact JSON
	ModelID        string    `json:"model_id"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	LatencyMs      int64     `json:"latency_ms"`
	Success        bool      `json:"success"`
	TextPreview    string    `json:"text_preview,omitempty"` // debugging only, never exposed
}

// Store defines the persistence interface the router core consumes. All
// reads are fatal-on-failure to the caller; write failures for logging and
// ledger rows are treated as non-fatal by callers (logged, request
// continues) per spec.md §4.1.
type Store interface {
	// Models
	GetModel(ctx context.Context, id string) (*Model, error)
	ListEnabledHealthyModels(ctx context.Context, capability string) ([]Model, error)
	ListEnabledModels(ctx context.Context) ([]Model, error)
	ListModels(ctx context.Context) ([]Model, error)
	UpsertModel(ctx context.Context, m Model) error
	DeleteModel(ctx context.Context, id string) error
	MarkHealthy(ctx context.Context, modelID string) error
	MarkUnhealthy(ctx context.Context, modelID string) error
	TouchLastUse(ctx context.Context, modelID string, at time.Time) error
	TouchLastProbe(ctx context.Context, modelID string, at time.Time) error

	// Routing rules
	LoadRules(ctx context.Context) ([]RoutingRule, error)
	UpsertRule(ctx context.Context, r RoutingRule) error

	// Policy (singleton)
	LoadPolicy(ctx context.Context) (Policy, error)
	SavePolicy(ctx context.Context, p Policy) error

	// Provider rate limits
	ListRateLimited(ctx context.Context) (map[string]ProviderRateLimit, error)
	MarkProviderLimited(ctx context.Context, provider string, retryAfter time.Time) error
	ClearExpiredLimits(ctx context.Context, now time.Time) error

	// Budget ledger
	GetSpend(ctx context.Context, periodType BudgetPeriodType, periodKey string) (BudgetRow, error)
	UpsertSpend(ctx context.Context, periodType BudgetPeriodType, periodKey string, costUSD float64, inTok, outTok int) error

	// Health log
	AppendHealthLog(ctx context.Context, row HealthLogRow) (consecutiveFailures int, err error)
	LatestHealthLog(ctx context.Context, modelID string) (*HealthLogRow, error)
	PruneHealthLog(ctx context.Context, olderThan time.Time) (int64, error)

	// Request log
	InsertRequestLog(ctx context.Context, entry RequestLog) error
	PruneRequestLog(ctx context.Context, olderThan time.Time) (int64, error)

	Migrate(ctx context.Context) error
	Close() error
}
