package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the gateway's full runtime configuration, loaded once at
// startup (and again on SIGHUP reload) from environment variables
// (spec.md §6 "Environment").
type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	ClassifierEndpoint string
	ClassifierModel    string

	HealthProbeIntervalMs int
	HealthProbeTimeoutMs  int

	// GatewayAPIKey gates /v1/* when non-empty; empty disables auth.
	GatewayAPIKey string

	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int

	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("LLMGATE_LISTEN_ADDR", ":3000"),
		LogLevel:   getEnv("LLMGATE_LOG_LEVEL", "info"),
		DBDSN:      expandHome(getEnv("LLMGATE_DB_DSN", defaultDBDSN())),

		ClassifierEndpoint: getEnv("LLMGATE_CLASSIFIER_ENDPOINT", "http://localhost:11434"),
		ClassifierModel:    getEnv("LLMGATE_CLASSIFIER_MODEL", "llama3.2:1b"),

		HealthProbeIntervalMs: getEnvInt("LLMGATE_HEALTH_PROBE_INTERVAL_MS", 60000),
		HealthProbeTimeoutMs:  getEnvInt("LLMGATE_HEALTH_PROBE_TIMEOUT_MS", 5000),

		GatewayAPIKey: getEnv("LLMGATE_API_KEY", ""),

		CORSOrigins:    getEnvStringSlice("LLMGATE_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("LLMGATE_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("LLMGATE_RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("LLMGATE_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("LLMGATE_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("LLMGATE_OTEL_SERVICE_NAME", "llmgate"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings, per
// spec.md §6's stated bounds.
func (c Config) Validate() error {
	if port, ok := listenPort(c.ListenAddr); ok && (port < 1 || port > 65535) {
		return fmt.Errorf("LLMGATE_LISTEN_ADDR port must be in 1..65535, got %d", port)
	}
	if c.HealthProbeIntervalMs < 1000 {
		return fmt.Errorf("LLMGATE_HEALTH_PROBE_INTERVAL_MS must be >= 1000, got %d", c.HealthProbeIntervalMs)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("LLMGATE_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("LLMGATE_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	return nil
}

// listenPort extracts the numeric port from a ":3000" or "host:3000"
// listen address; ok is false when no parseable port is present (e.g. a
// bare Unix socket path), in which case Validate skips the bounds check.
func listenPort(addr string) (int, bool) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0, false
	}
	p, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0, false
	}
	return p, true
}

func defaultDBDSN() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "file:llmgate.db"
	}
	return "file:" + filepath.Join(home, ".llmgate", "router", "router.db")
}

// expandHome expands a leading "~/" (optionally after a "file:" DSN prefix)
// to the current user's home directory, so an operator-supplied
// LLMGATE_DB_DSN honors the same "~" shorthand as the default path
// (spec.md §6 "~ expansion supported").
func expandHome(dsn string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return dsn
	}
	if rest, ok := strings.CutPrefix(dsn, "file:~/"); ok {
		return "file:" + filepath.Join(home, rest)
	}
	if rest, ok := strings.CutPrefix(dsn, "~/"); ok {
		return filepath.Join(home, rest)
	}
	return dsn
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
