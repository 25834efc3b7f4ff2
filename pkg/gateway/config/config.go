package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type ScopeStrategy string

const (
	ScopeStrategyDirect     ScopeStrategy = "direct"
	ScopeStrategyMultiScope ScopeStrategy = "multi"
)

type Config struct {
	Addr string

	// DatabaseURL points at the care-coordination store. The bridge only
	// ever reads from it; every pooled connection is forced read-only.
	DatabaseURL string

	// Upstream realtime AI service.
	RealtimeURL    string
	RealtimeAPIKey string
	RealtimeVoice  string

	// How the scope (care group) is resolved from a start event.
	ScopeStrategy ScopeStrategy

	// CORS / origin allowlist for the telephony websocket. Empty => any.
	AllowedOrigins map[string]struct{}

	// Telephony websocket limits.
	MaxJSONMessageBytes int64
	StartTimeout        time.Duration
	WSPingInterval      time.Duration
	WSWriteTimeout      time.Duration
	MaxCallDuration     time.Duration

	// Upstream dial budget.
	UpstreamDialTimeout time.Duration

	// Per-query budget for function-call handlers.
	QueryTimeout time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("BRIDGE_ADDR", ":8080"),
		DatabaseURL:         strings.TrimSpace(os.Getenv("BRIDGE_DATABASE_URL")),
		RealtimeURL:         envOr("BRIDGE_REALTIME_URL", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"),
		RealtimeAPIKey:      strings.TrimSpace(os.Getenv("BRIDGE_REALTIME_API_KEY")),
		RealtimeVoice:       envOr("BRIDGE_REALTIME_VOICE", "alloy"),
		ScopeStrategy:       ScopeStrategy(envOr("BRIDGE_SCOPE_STRATEGY", string(ScopeStrategyDirect))),
		AllowedOrigins:      make(map[string]struct{}),
		MaxJSONMessageBytes: envInt64Or("BRIDGE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		StartTimeout:        envDurationOr("BRIDGE_START_TIMEOUT", 10*time.Second),
		WSPingInterval:      envDurationOr("BRIDGE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("BRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		MaxCallDuration:     envDurationOr("BRIDGE_MAX_CALL_DURATION", 2*time.Hour),
		UpstreamDialTimeout: envDurationOr("BRIDGE_UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		QueryTimeout:        envDurationOr("BRIDGE_QUERY_TIMEOUT", 10*time.Second),
		ReadHeaderTimeout:   envDurationOr("BRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("BRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("BRIDGE_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("BRIDGE_DATABASE_URL must be set")
	}
	if strings.TrimSpace(cfg.RealtimeURL) == "" {
		return Config{}, fmt.Errorf("BRIDGE_REALTIME_URL must not be empty")
	}
	// The realtime API key is deliberately NOT validated here: a missing key
	// is a per-call upstream connect failure, and the HTTP surface (health,
	// metrics) must still come up without it.
	switch cfg.ScopeStrategy {
	case ScopeStrategyDirect, ScopeStrategyMultiScope:
	default:
		return Config{}, fmt.Errorf("BRIDGE_SCOPE_STRATEGY must be one of direct|multi")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.StartTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_START_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MaxCallDuration <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_MAX_CALL_DURATION must be > 0")
	}
	if cfg.UpstreamDialTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if cfg.QueryTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_QUERY_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
