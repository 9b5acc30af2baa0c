package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode, foreign keys, and a busy timeout so concurrent readers
	// don't immediately fail against the single writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT 'cloud',
			endpoint TEXT NOT NULL DEFAULT '',
			wire_format TEXT NOT NULL DEFAULT 'openai',
			credential_env_var TEXT NOT NULL DEFAULT '',
			quality_score INTEGER NOT NULL DEFAULT 0,
			context_window INTEGER NOT NULL DEFAULT 4096,
			default_max_tokens INTEGER NOT NULL DEFAULT 1024,
			supports_tools BOOLEAN NOT NULL DEFAULT 0,
			supports_vision BOOLEAN NOT NULL DEFAULT 0,
			supports_reasoning BOOLEAN NOT NULL DEFAULT 0,
			price_in_per_million REAL NOT NULL DEFAULT 0,
			price_out_per_million REAL NOT NULL DEFAULT 0,
			price_cache_read_per_million REAL NOT NULL DEFAULT 0,
			price_cache_write_per_million REAL NOT NULL DEFAULT 0,
			latency_p50_ms INTEGER NOT NULL DEFAULT 0,
			latency_p95_ms INTEGER NOT NULL DEFAULT 0,
			hardware_note TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT 1,
			healthy BOOLEAN NOT NULL DEFAULT 1,
			last_probe_at DATETIME,
			last_use_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS model_capabilities (
			model_id TEXT NOT NULL REFERENCES models(id) ON DELETE CASCADE,
			capability TEXT NOT NULL,
			PRIMARY KEY (model_id, capability)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_model_capabilities_capability ON model_capabilities(capability)`,
		`CREATE TABLE IF NOT EXISTS routing_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			priority INTEGER NOT NULL DEFAULT 100,
			source TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			pattern TEXT NOT NULL DEFAULT '',
			token_max INTEGER NOT NULL DEFAULT 0,
			has_media INTEGER,
			target_model_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT 'route',
			enabled BOOLEAN NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_rules_priority ON routing_rules(priority)`,
		`CREATE TABLE IF NOT EXISTS policy (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			min_quality_score INTEGER NOT NULL DEFAULT 0,
			max_cost_per_million REAL NOT NULL DEFAULT 0,
			max_latency_ms INTEGER NOT NULL DEFAULT 0,
			preferred_locations TEXT NOT NULL DEFAULT 'co-located,lan,cloud',
			quality_tolerance INTEGER NOT NULL DEFAULT 0,
			daily_budget_usd REAL NOT NULL DEFAULT 0,
			monthly_budget_usd REAL NOT NULL DEFAULT 0,
			fallback_model_id TEXT NOT NULL DEFAULT '',
			router_model_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS budget_ledger (
			period_type TEXT NOT NULL,
			period_key TEXT NOT NULL,
			total_spend REAL NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			request_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (period_type, period_key)
		)`,
		`CREATE TABLE IF NOT EXISTS provider_rate_limits (
			provider TEXT PRIMARY KEY,
			is_limited BOOLEAN NOT NULL DEFAULT 0,
			limited_since DATETIME,
			retry_after DATETIME,
			rpm_count INTEGER NOT NULL DEFAULT 0,
			tpm_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS health_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			model_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			is_healthy BOOLEAN NOT NULL,
			latency_ms INTEGER,
			error TEXT NOT NULL DEFAULT '',
			consecutive_failures INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_log_model_ts ON health_log(model_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS request_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			tier INTEGER NOT NULL DEFAULT 0,
			rule_id INTEGER,
			classification TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL DEFAULT 0,
			text_preview TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_log_timestamp ON request_log(timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO _migrations (version) VALUES (1)`)
	return err
}

// Models

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanModel(row interface{ Scan(...any) error }) (Model, error) {
	var m Model
	var lastProbe, lastUse sql.NullString
	err := row.Scan(
		&m.ID, &m.DisplayName, &m.Provider, &m.Location, &m.Endpoint, &m.WireFormat, &m.CredentialEnvVar,
		&m.QualityScore, &m.ContextWindow, &m.DefaultMaxTokens,
		&m.SupportsTools, &m.SupportsVision, &m.SupportsReasoning,
		&m.PriceInPerMillion, &m.PriceOutPerMillion, &m.PriceCacheReadPerMillion, &m.PriceCacheWritePerMillion,
		&m.LatencyP50Ms, &m.LatencyP95Ms, &m.HardwareNote,
		&m.Enabled, &m.Healthy, &lastProbe, &lastUse,
	)
	if err != nil {
		return Model{}, err
	}
	if lastProbe.Valid {
		t, _ := time.Parse(time.RFC3339, lastProbe.String)
		m.LastProbeAt = &t
	}
	if lastUse.Valid {
		t, _ := time.Parse(time.RFC3339, lastUse.String)
		m.LastUseAt = &t
	}
	return m, nil
}

const modelColumns = `id, display_name, provider, location, endpoint, wire_format, credential_env_var,
	quality_score, context_window, default_max_tokens,
	supports_tools, supports_vision, supports_reasoning,
	price_in_per_million, price_out_per_million, price_cache_read_per_million, price_cache_write_per_million,
	latency_p50_ms, latency_p95_ms, hardware_note,
	enabled, healthy, last_probe_at, last_use_at`

func (s *SQLiteStore) loadCapabilities(ctx context.Context, modelID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT capability FROM model_capabilities WHERE model_id = ?`, modelID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var caps []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, rows.Err()
}

func (s *SQLiteStore) GetModel(ctx context.Context, id string) (*Model, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE id = ?`, id)
	m, err := scanModel(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	caps, err := s.loadCapabilities(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Capabilities = caps
	return &m, nil
}

func (s *SQLiteStore) listModels(ctx context.Context, where string, args ...any) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+modelColumns+` FROM models `+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var models []Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range models {
		caps, err := s.loadCapabilities(ctx, models[i].ID)
		if err != nil {
			return nil, err
		}
		models[i].Capabilities = caps
	}
	return models, nil
}

func (s *SQLiteStore) ListModels(ctx context.Context) ([]Model, error) {
	return s.listModels(ctx, "")
}

func (s *SQLiteStore) ListEnabledModels(ctx context.Context) ([]Model, error) {
	return s.listModels(ctx, "WHERE enabled = 1 ORDER BY location, quality_score DESC")
}

// ListEnabledHealthyModels returns the §4.6 base set, optionally inner-joined
// to a single required capability.
func (s *SQLiteStore) ListEnabledHealthyModels(ctx context.Context, capability string) ([]Model, error) {
	if capability == "" {
		return s.listModels(ctx, "WHERE enabled = 1 AND healthy = 1")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixColumns("m", modelColumns)+` FROM models m
		 INNER JOIN model_capabilities c ON c.model_id = m.id
		 WHERE m.enabled = 1 AND m.healthy = 1 AND c.capability = ?`, capability)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var models []Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range models {
		caps, err := s.loadCapabilities(ctx, models[i].ID)
		if err != nil {
			return nil, err
		}
		models[i].Capabilities = caps
	}
	return models, nil
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func (s *SQLiteStore) UpsertModel(ctx context.Context, m Model) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO models (`+modelColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   display_name=excluded.display_name, provider=excluded.provider, location=excluded.location,
		   endpoint=excluded.endpoint, wire_format=excluded.wire_format, credential_env_var=excluded.credential_env_var,
		   quality_score=excluded.quality_score, context_window=excluded.context_window, default_max_tokens=excluded.default_max_tokens,
		   supports_tools=excluded.supports_tools, supports_vision=excluded.supports_vision, supports_reasoning=excluded.supports_reasoning,
		   price_in_per_million=excluded.price_in_per_million, price_out_per_million=excluded.price_out_per_million,
		   price_cache_read_per_million=excluded.price_cache_read_per_million, price_cache_write_per_million=excluded.price_cache_write_per_million,
		   latency_p50_ms=excluded.latency_p50_ms, latency_p95_ms=excluded.latency_p95_ms, hardware_note=excluded.hardware_note,
		   enabled=excluded.enabled, healthy=excluded.healthy, last_probe_at=excluded.last_probe_at, last_use_at=excluded.last_use_at`,
		m.ID, m.DisplayName, m.Provider, m.Location, m.Endpoint, m.WireFormat, m.CredentialEnvVar,
		m.QualityScore, m.ContextWindow, m.DefaultMaxTokens,
		m.SupportsTools, m.SupportsVision, m.SupportsReasoning,
		m.PriceInPerMillion, m.PriceOutPerMillion, m.PriceCacheReadPerMillion, m.PriceCacheWritePerMillion,
		m.LatencyP50Ms, m.LatencyP95Ms, m.HardwareNote,
		m.Enabled, m.Healthy, nullableTime(m.LastProbeAt), nullableTime(m.LastUseAt))
	if err != nil {
		return fmt.Errorf("upsert model: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM model_capabilities WHERE model_id = ?`, m.ID); err != nil {
		return fmt.Errorf("clear capabilities: %w", err)
	}
	for _, c := range m.Capabilities {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO model_capabilities (model_id, capability) VALUES (?, ?)`, m.ID, c); err != nil {
			return fmt.Errorf("insert capability: %w", err)
		}
	}
	return tx.Commit()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *SQLiteStore) DeleteModel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) MarkHealthy(ctx context.Context, modelID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE models SET healthy = 1 WHERE id = ?`, modelID)
	return err
}

func (s *SQLiteStore) MarkUnhealthy(ctx context.Context, modelID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE models SET healthy = 0 WHERE id = ?`, modelID)
	return err
}

func (s *SQLiteStore) TouchLastUse(ctx context.Context, modelID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE models SET last_use_at = ? WHERE id = ?`, at.UTC().Format(time.RFC3339), modelID)
	return err
}

func (s *SQLiteStore) TouchLastProbe(ctx context.Context, modelID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE models SET last_probe_at = ? WHERE id = ?`, at.UTC().Format(time.RFC3339), modelID)
	return err
}

// Routing rules

func (s *SQLiteStore) LoadRules(ctx context.Context) ([]RoutingRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, priority, source, channel, pattern, token_max, has_media, target_model_id, action, enabled
		 FROM routing_rules WHERE enabled = 1 ORDER BY priority ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rules []RoutingRule
	for rows.Next() {
		var r RoutingRule
		var hasMedia sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Priority, &r.Source, &r.Channel, &r.Pattern, &r.TokenMax,
			&hasMedia, &r.TargetModelID, &r.Action, &r.Enabled); err != nil {
			return nil, err
		}
		if hasMedia.Valid {
			v := hasMedia.Int64 != 0
			r.HasMedia = &v
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *SQLiteStore) UpsertRule(ctx context.Context, r RoutingRule) error {
	var hasMedia any
	if r.HasMedia != nil {
		hasMedia = boolToInt(*r.HasMedia)
	}
	if r.ID == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO routing_rules (priority, source, channel, pattern, token_max, has_media, target_model_id, action, enabled)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Priority, r.Source, r.Channel, r.Pattern, r.TokenMax, hasMedia, r.TargetModelID, r.Action, r.Enabled)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE routing_rules SET priority=?, source=?, channel=?, pattern=?, token_max=?, has_media=?, target_model_id=?, action=?, enabled=?
		 WHERE id=?`,
		r.Priority, r.Source, r.Channel, r.Pattern, r.TokenMax, hasMedia, r.TargetModelID, r.Action, r.Enabled, r.ID)
	return err
}

// Policy

func (s *SQLiteStore) LoadPolicy(ctx context.Context) (Policy, error) {
	var p Policy
	var locations string
	err := s.db.QueryRowContext(ctx,
		`SELECT min_quality_score, max_cost_per_million, max_latency_ms, preferred_locations, quality_tolerance,
		 daily_budget_usd, monthly_budget_usd, fallback_model_id, router_model_id FROM policy WHERE id = 1`).
		Scan(&p.MinQualityScore, &p.MaxCostPerMillion, &p.MaxLatencyMs, &locations, &p.QualityTolerance,
			&p.DailyBudgetUSD, &p.MonthlyBudgetUSD, &p.FallbackModelID, &p.RouterModelID)
	if err == sql.ErrNoRows {
		return Policy{PreferredLocations: []Location{LocationColocated, LocationLAN, LocationCloud}}, nil
	}
	if err != nil {
		return Policy{}, err
	}
	for _, loc := range strings.Split(locations, ",") {
		loc = strings.TrimSpace(loc)
		if loc != "" {
			p.PreferredLocations = append(p.PreferredLocations, Location(loc))
		}
	}
	return p, nil
}

func (s *SQLiteStore) SavePolicy(ctx context.Context, p Policy) error {
	locs := make([]string, len(p.PreferredLocations))
	for i, l := range p.PreferredLocations {
		locs[i] = string(l)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy (id, min_quality_score, max_cost_per_million, max_latency_ms, preferred_locations,
		 quality_tolerance, daily_budget_usd, monthly_budget_usd, fallback_model_id, router_model_id)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   min_quality_score=excluded.min_quality_score, max_cost_per_million=excluded.max_cost_per_million,
		   max_latency_ms=excluded.max_latency_ms, preferred_locations=excluded.preferred_locations,
		   quality_tolerance=excluded.quality_tolerance, daily_budget_usd=excluded.daily_budget_usd,
		   monthly_budget_usd=excluded.monthly_budget_usd, fallback_model_id=excluded.fallback_model_id,
		   router_model_id=excluded.router_model_id`,
		p.MinQualityScore, p.MaxCostPerMillion, p.MaxLatencyMs, strings.Join(locs, ","),
		p.QualityTolerance, p.DailyBudgetUSD, p.MonthlyBudgetUSD, p.FallbackModelID, p.RouterModelID)
	return err
}

// Provider rate limits

func (s *SQLiteStore) ListRateLimited(ctx context.Context) (map[string]ProviderRateLimit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, is_limited, limited_since, retry_after, rpm_count, tpm_count FROM provider_rate_limits WHERE is_limited = 1`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]ProviderRateLimit)
	for rows.Next() {
		var pr ProviderRateLimit
		var limitedSince, retryAfter sql.NullString
		if err := rows.Scan(&pr.Provider, &pr.IsLimited, &limitedSince, &retryAfter, &pr.RPMCount, &pr.TPMCount); err != nil {
			return nil, err
		}
		if limitedSince.Valid {
			t, _ := time.Parse(time.RFC3339, limitedSince.String)
			pr.LimitedSince = &t
		}
		if retryAfter.Valid {
			t, _ := time.Parse(time.RFC3339, retryAfter.String)
			pr.RetryAfter = &t
		}
		out[pr.Provider] = pr
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkProviderLimited(ctx context.Context, provider string, retryAfter time.Time) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_rate_limits (provider, is_limited, limited_since, retry_after)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET
		   is_limited=1, limited_since=excluded.limited_since, retry_after=excluded.retry_after`,
		provider, now, retryAfter.UTC().Format(time.RFC3339))
	return err
}

// ClearExpiredLimits lazily clears any row whose retry_after is in the past,
// per spec.md §4.6/§5 "Rate-limit window" — called before each selector query.
func (s *SQLiteStore) ClearExpiredLimits(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_rate_limits SET is_limited = 0 WHERE is_limited = 1 AND retry_after IS NOT NULL AND retry_after < ?`,
		now.UTC().Format(time.RFC3339))
	return err
}

// Budget ledger

func (s *SQLiteStore) GetSpend(ctx context.Context, periodType BudgetPeriodType, periodKey string) (BudgetRow, error) {
	var row BudgetRow
	row.PeriodType = periodType
	row.PeriodKey = periodKey
	err := s.db.QueryRowContext(ctx,
		`SELECT total_spend, input_tokens, output_tokens, request_count FROM budget_ledger WHERE period_type = ? AND period_key = ?`,
		periodType, periodKey).Scan(&row.TotalSpend, &row.InputTokens, &row.OutputTokens, &row.RequestCount)
	if err == sql.ErrNoRows {
		return row, nil
	}
	if err != nil {
		return BudgetRow{}, err
	}
	return row, nil
}

// UpsertSpend atomically increments the ledger row for one period in a
// single statement, per spec.md §4.3/§8 "Budget upsert is atomic".
func (s *SQLiteStore) UpsertSpend(ctx context.Context, periodType BudgetPeriodType, periodKey string, costUSD float64, inTok, outTok int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_ledger (period_type, period_key, total_spend, input_tokens, output_tokens, request_count)
		 VALUES (?, ?, ?, ?, ?, 1)
		 ON CONFLICT(period_type, period_key) DO UPDATE SET
		   total_spend = total_spend + excluded.total_spend,
		   input_tokens = input_tokens + excluded.input_tokens,
		   output_tokens = output_tokens + excluded.output_tokens,
		   request_count = request_count + 1`,
		periodType, periodKey, costUSD, inTok, outTok)
	return err
}

// Health log

func (s *SQLiteStore) LatestHealthLog(ctx context.Context, modelID string) (*HealthLogRow, error) {
	var row HealthLogRow
	var ts string
	var latency sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, model_id, timestamp, is_healthy, latency_ms, error, consecutive_failures
		 FROM health_log WHERE model_id = ? ORDER BY id DESC LIMIT 1`, modelID).
		Scan(&row.ID, &row.ModelID, &ts, &row.IsHealthy, &latency, &row.Error, &row.ConsecutiveFailures)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	row.Timestamp, _ = time.Parse(time.RFC3339, ts)
	if latency.Valid {
		v := int(latency.Int64)
		row.LatencyMs = &v
	}
	return &row, nil
}

// AppendHealthLog appends a probe/dispatch-failure outcome and returns the
// resulting consecutive-failure counter: 0 on success, prev+1 on failure.
func (s *SQLiteStore) AppendHealthLog(ctx context.Context, row HealthLogRow) (int, error) {
	consecutive := 0
	if !row.IsHealthy {
		prev, err := s.LatestHealthLog(ctx, row.ModelID)
		if err != nil {
			return 0, err
		}
		if prev != nil {
			consecutive = prev.ConsecutiveFailures + 1
		} else {
			consecutive = 1
		}
	}
	row.ConsecutiveFailures = consecutive

	var latency any
	if row.LatencyMs != nil {
		latency = *row.LatencyMs
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_log (model_id, timestamp, is_healthy, latency_ms, error, consecutive_failures)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.ModelID, row.Timestamp.UTC().Format(time.RFC3339), row.IsHealthy, latency, row.Error, consecutive)
	if err != nil {
		return 0, err
	}
	return consecutive, nil
}

func (s *SQLiteStore) PruneHealthLog(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM health_log WHERE timestamp < ?`, olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Request log

func (s *SQLiteStore) InsertRequestLog(ctx context.Context, entry RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (timestamp, tier, rule_id, classification, model_id, input_tokens, output_tokens, cost_usd, latency_ms, success, text_preview)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC().Format(time.RFC3339), entry.Tier, entry.RuleID, entry.Classification,
		entry.ModelID, entry.InputTokens, entry.OutputTokens, entry.CostUSD, entry.LatencyMs, entry.Success, entry.TextPreview)
	return err
}

func (s *SQLiteStore) PruneRequestLog(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_log WHERE timestamp < ?`, olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
