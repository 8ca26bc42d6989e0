// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// LookupFunc resolves a single environment key.
type LookupFunc func(string) (string, bool)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	AllowedOrigins []string
	DBPath         string
	LogLevel       string
	LogJSON        bool

	Netquery        NetqueryConfig
	Session         SessionConfig
	Display         DisplayConfig
	SSE             SSEConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
	Health          HealthConfig

	// SplitInterpretation emits the legacy analysis + visualization pair
	// instead of the combined interpretation event.
	SplitInterpretation bool
	SchemaCacheTTL      time.Duration
}

// NetqueryConfig locates the external SQL backend.
type NetqueryConfig struct {
	BaseURL         string
	Database        string
	Timeout         time.Duration
	DownloadTimeout time.Duration
}

// SessionConfig controls server-side conversation sessions.
type SessionConfig struct {
	TTL              time.Duration
	MaxHistory       int
	ContextExchanges int
}

// DisplayConfig carries the row caps reported in display_info.
type DisplayConfig struct {
	InitialRows      int
	BackendCacheRows int
}

// SSEConfig controls the streaming endpoint.
type SSEConfig struct {
	KeepaliveInterval time.Duration
	MaxRequestBody    int64
}

// RateLimitConfig bounds chat turns per client.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// HealthConfig controls the backend prober and the gRPC health endpoint.
type HealthConfig struct {
	GRPCAddr      string
	ProbeInterval time.Duration
}

// LoadFromEnv reads configuration from the process environment.
func LoadFromEnv() (*Config, error) {
	return Load(os.LookupEnv)
}

// Load reads configuration through lookup.
func Load(lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := envReader{lookup: lookup}

	frontend := env.str("FRONTEND_URL", "http://localhost:3000")
	origins := env.list("CORS_ALLOWED_ORIGINS", nil)
	if len(origins) == 0 && frontend != "" {
		origins = []string{frontend}
	}

	queueSize := env.number("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           env.str("PORT", "8001"),
		FrontendURL:    frontend,
		AllowedOrigins: origins,
		DBPath:         env.str("DB_PATH", "./data/feedback.db"),
		LogLevel:       env.str("LOG_LEVEL", "info"),
		LogJSON:        env.flag("LOG_JSON", true),
		Netquery: NetqueryConfig{
			BaseURL:         strings.TrimRight(env.str("NETQUERY_API_URL", "http://localhost:8000"), "/"),
			Database:        env.str("NETQUERY_DATABASE", ""),
			Timeout:         env.duration("NETQUERY_TIMEOUT", 30*time.Second),
			DownloadTimeout: env.duration("DOWNLOAD_TIMEOUT", 300*time.Second),
		},
		Session: SessionConfig{
			TTL:              env.duration("SESSION_TTL", time.Hour),
			MaxHistory:       env.number("MAX_CONVERSATION_HISTORY", 5),
			ContextExchanges: env.number("RECENT_EXCHANGES_FOR_CONTEXT", 3),
		},
		Display: DisplayConfig{
			InitialRows:      env.number("FRONTEND_INITIAL_ROWS", 30),
			BackendCacheRows: env.number("BACKEND_CACHE_ROWS", 30),
		},
		SSE: SSEConfig{
			KeepaliveInterval: env.duration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			MaxRequestBody:    int64(env.number("SSE_MAX_REQUEST_BODY", 1<<20)),
		},
		RateLimit: RateLimitConfig{
			Requests: env.number("RATE_LIMIT_REQUESTS", 20),
			Window:   env.duration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       env.flag("CONVERSATION_LOG_ENABLED", true),
			Dir:           env.str("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: env.flag("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    env.str("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		Health: HealthConfig{
			GRPCAddr:      env.str("GRPC_HEALTH_ADDR", ""),
			ProbeInterval: env.duration("HEALTH_PROBE_INTERVAL", 15*time.Second),
		},
		SplitInterpretation: env.flag("STREAM_SPLIT_INTERPRETATION", false),
		SchemaCacheTTL:      env.duration("SCHEMA_CACHE_TTL", 5*time.Minute),
	}

	if env.err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", env.err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Netquery.BaseURL == "" {
		return fmt.Errorf("NETQUERY_API_URL cannot be empty")
	}
	if u, err := url.Parse(c.Netquery.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("NETQUERY_API_URL must be an absolute URL, got %q", c.Netquery.BaseURL)
	}
	if c.Netquery.Timeout <= 0 || c.Netquery.DownloadTimeout <= 0 {
		return fmt.Errorf("NETQUERY_TIMEOUT and DOWNLOAD_TIMEOUT must be > 0")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Session.MaxHistory <= 0 {
		return fmt.Errorf("MAX_CONVERSATION_HISTORY must be > 0")
	}
	if c.Session.ContextExchanges < 0 || c.Session.ContextExchanges > c.Session.MaxHistory {
		return fmt.Errorf("RECENT_EXCHANGES_FOR_CONTEXT must be between 0 and MAX_CONVERSATION_HISTORY")
	}
	if c.Display.InitialRows <= 0 || c.Display.BackendCacheRows <= 0 {
		return fmt.Errorf("FRONTEND_INITIAL_ROWS and BACKEND_CACHE_ROWS must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.MaxRequestBody <= 0 {
		return fmt.Errorf("SSE_MAX_REQUEST_BODY must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.Health.ProbeInterval <= 0 {
		return fmt.Errorf("HEALTH_PROBE_INTERVAL must be > 0")
	}
	if c.SchemaCacheTTL <= 0 {
		return fmt.Errorf("SCHEMA_CACHE_TTL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// envReader remembers the first malformed value so Load can report it.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) str(key, fallback string) string {
	if value, ok := e.lookup(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (e *envReader) list(key string, fallback []string) []string {
	value, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e *envReader) flag(key string, fallback bool) bool {
	value, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (e *envReader) number(key string, fallback int) int {
	value, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		e.fail(fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

// duration accepts Go duration strings and bare integers as seconds.
func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	value, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.fail(fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func (e *envReader) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}
