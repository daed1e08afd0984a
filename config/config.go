package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Browser    BrowserConfig
	Scheduler  SchedulerConfig
	Lifecycle  LifecycleConfig
	Aggregator AggregatorConfig
	Transport  TransportConfig
	Sources    SourcesConfig
	Gate       GateConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Webhook    WebhookConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless. Intercepted
	// contexts can only be solved by a person when this is false.
	Headless bool // default: true

	// DefaultProxy is the proxy URL for all contexts.
	DefaultProxy string

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// Stealth injects the stealth evasions into every page.
	Stealth bool // default: true

	// NavigationTimeout bounds page.Navigate.
	NavigationTimeout time.Duration // default: 15s

	// BlockedResources lists the resource classes blocked during aggregation.
	// default: ["Image", "Media", "Stylesheet", "Font", "SubFrame"]
	BlockedResources []string
}

// SchedulerConfig controls per-context extraction timing.
type SchedulerConfig struct {
	PollInterval    time.Duration // default: 200ms
	PollWindow      time.Duration // default: 2s
	FallbackTimeout time.Duration // default: 2.5s
}

// LifecycleConfig controls page context reclamation.
type LifecycleConfig struct {
	// GraceDelay is how long a completed context stays open before closing.
	GraceDelay time.Duration // default: 100ms

	// ShutdownTimeout bounds closing every context on exit.
	ShutdownTimeout time.Duration // default: 10s
}

// AggregatorConfig controls task start-up.
type AggregatorConfig struct {
	DefaultCategory string        // default: "search"
	DefaultCount    int           // default: 3
	Stagger         time.Duration // default: 200ms
}

// TransportConfig selects the result transport backend.
type TransportConfig struct {
	// RedisURL selects the Redis backend when set; otherwise results travel
	// through process memory.
	RedisURL string

	// Channel is the Redis pub/sub channel for write notifications.
	Channel string // default: "fusion:transport:writes"

	// TTL bounds how long an unconsumed result is kept.
	TTL time.Duration // default: 10m
}

// SourcesConfig locates the source catalog.
type SourcesConfig struct {
	// Path is a YAML catalog file. Empty uses the embedded default.
	Path string

	// Watch reloads Path when it changes.
	Watch bool // default: false
}

// GateConfig overrides the interception heuristics. Zero keeps the default.
type GateConfig struct {
	MarkerTextMax int
	ShortTextMax  int
	MinLinks      int
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: true

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// WebhookConfig controls settle notifications.
type WebhookConfig struct {
	// URL receives a POST when a task settles. Empty disables webhooks.
	URL string

	// Secret signs payloads with HMAC-SHA256 when set.
	Secret string

	Retries int           // default: 3
	Timeout time.Duration // default: 10s
}

// Load reads configuration from environment variables with sane defaults.
// Variables from .env files are applied first; the process environment
// still takes precedence.
func Load(envFiles ...string) *Config {
	loadDotEnv(envFiles...)

	return &Config{
		Server: ServerConfig{
			Host: envOr("FUSION_HOST", "0.0.0.0"),
			Port: envIntOr("FUSION_PORT", 8080),
			Mode: envOr("FUSION_MODE", "release"),
		},
		Browser: BrowserConfig{
			Headless:          envBoolOr("FUSION_HEADLESS", true),
			DefaultProxy:      os.Getenv("FUSION_PROXY"),
			NoSandbox:         envBoolOr("FUSION_NO_SANDBOX", false),
			BrowserBin:        os.Getenv("FUSION_BROWSER_BIN"),
			Stealth:           envBoolOr("FUSION_STEALTH", true),
			NavigationTimeout: envDurationOr("FUSION_NAV_TIMEOUT", 15*time.Second),
			BlockedResources: envSliceOr("FUSION_BLOCKED_RESOURCES", []string{
				"Image", "Media", "Stylesheet", "Font", "SubFrame",
			}),
		},
		Scheduler: SchedulerConfig{
			PollInterval:    envDurationOr("FUSION_POLL_INTERVAL", 200*time.Millisecond),
			PollWindow:      envDurationOr("FUSION_POLL_WINDOW", 2*time.Second),
			FallbackTimeout: envDurationOr("FUSION_FALLBACK_TIMEOUT", 2500*time.Millisecond),
		},
		Lifecycle: LifecycleConfig{
			GraceDelay:      envDurationOr("FUSION_GRACE_DELAY", 100*time.Millisecond),
			ShutdownTimeout: envDurationOr("FUSION_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Aggregator: AggregatorConfig{
			DefaultCategory: envOr("FUSION_DEFAULT_CATEGORY", "search"),
			DefaultCount:    envIntOr("FUSION_DEFAULT_COUNT", 3),
			Stagger:         envDurationOr("FUSION_STAGGER", 200*time.Millisecond),
		},
		Transport: TransportConfig{
			RedisURL: os.Getenv("FUSION_REDIS_URL"),
			Channel:  envOr("FUSION_REDIS_CHANNEL", "fusion:transport:writes"),
			TTL:      envDurationOr("FUSION_TRANSPORT_TTL", 10*time.Minute),
		},
		Sources: SourcesConfig{
			Path:  os.Getenv("FUSION_SOURCES_FILE"),
			Watch: envBoolOr("FUSION_SOURCES_WATCH", false),
		},
		Gate: GateConfig{
			MarkerTextMax: envIntOr("FUSION_GATE_MARKER_TEXT_MAX", 0),
			ShortTextMax:  envIntOr("FUSION_GATE_SHORT_TEXT_MAX", 0),
			MinLinks:      envIntOr("FUSION_GATE_MIN_LINKS", 0),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("FUSION_AUTH_ENABLED", true),
			APIKeys: envSliceOr("FUSION_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("FUSION_RATE_RPS", 5.0),
			Burst:             envIntOr("FUSION_RATE_BURST", 10),
		},
		Log: LogConfig{
			Level:  envOr("FUSION_LOG_LEVEL", "info"),
			Format: envOr("FUSION_LOG_FORMAT", "json"),
		},
		Webhook: WebhookConfig{
			URL:     os.Getenv("FUSION_WEBHOOK_URL"),
			Secret:  os.Getenv("FUSION_WEBHOOK_SECRET"),
			Retries: envIntOr("FUSION_WEBHOOK_RETRIES", 3),
			Timeout: envDurationOr("FUSION_WEBHOOK_TIMEOUT", 10*time.Second),
		},
	}
}

// loadDotEnv applies .env files without overriding variables that are
// already set. With no paths it tries ./.env. Missing files are skipped.
func loadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to load env file", "path", p, "error", err)
		}
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
