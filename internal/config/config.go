// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as bot credentials, gated group identifiers, verification timing knobs,
// server timeouts, logging, rate limiting, and observability.
package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings. The validation
// callback may be invoked from the login page in a browser context, so the
// login origin must be allowed here.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "authgate")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Bot / gate
	BotToken     string  // Telegram bot API token
	AdminKey     string  // shared secret for the /api/validate callback
	ScanKey      string  // shared secret embedded in the operator /scan command
	LoginBaseURL string  // login page base; the code is appended verbatim
	GroupIDs     []int64 // gated group chat identifiers

	// Verification timing
	CodeTTL         time.Duration // validity window of an issued code
	GracePeriod     time.Duration // arrival-to-eviction window for unverified members
	StaleAfter      time.Duration // sweep threshold for abandoned codes
	KickRejoinAfter time.Duration // re-ban window after an eviction
	NoticeTTL       time.Duration // display time of the eviction notice

	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// App
	DBPath string // SQLite path

	// Rate limiting (validate callback)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS CORSConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	groupIDs, err := splitGroupIDs(getenv("GROUP_IDS", ""))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		// Bot / gate
		BotToken:     getenv("BOT_TOKEN", ""),
		AdminKey:     getenv("ADMIN_KEY", ""),
		ScanKey:      getenv("SCAN_KEY", ""),
		LoginBaseURL: getenv("LOGIN_BASE_URL", ""),
		GroupIDs:     groupIDs,

		// Verification timing
		CodeTTL:         getdur("CODE_TTL", 600*time.Second),
		GracePeriod:     getdur("GRACE_PERIOD", 180*time.Second),
		StaleAfter:      getdur("STALE_AFTER", 3600*time.Second),
		KickRejoinAfter: getdur("KICK_REJOIN_AFTER", 60*time.Second),
		NoticeTTL:       getdur("NOTICE_TTL", 60*time.Second),

		// Server
		Port:              getenv("PORT", "5000"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// App
		DBPath: getenv("DB_PATH", "data/users.db"),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "authgate"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.BotToken) == "" {
		return cfg, errors.New("BOT_TOKEN must not be empty")
	}
	if strings.TrimSpace(cfg.AdminKey) == "" {
		return cfg, errors.New("ADMIN_KEY must not be empty")
	}
	if strings.TrimSpace(cfg.ScanKey) == "" {
		return cfg, errors.New("SCAN_KEY must not be empty")
	}
	if strings.TrimSpace(cfg.LoginBaseURL) == "" {
		return cfg, errors.New("LOGIN_BASE_URL must not be empty")
	}
	if _, err := url.Parse(cfg.LoginBaseURL); err != nil {
		return cfg, errors.New("LOGIN_BASE_URL must be a valid URL")
	}
	if len(cfg.GroupIDs) == 0 {
		return cfg, errors.New("GROUP_IDS must list at least one group chat id")
	}
	if cfg.CodeTTL <= 0 || cfg.GracePeriod <= 0 || cfg.StaleAfter <= 0 {
		return cfg, errors.New("CODE_TTL, GRACE_PERIOD and STALE_AFTER must be positive durations")
	}
	if cfg.KickRejoinAfter < 0 || cfg.NoticeTTL < 0 {
		return cfg, errors.New("KICK_REJOIN_AFTER and NOTICE_TTL must be >= 0")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

// getdur parses a duration from the environment. Bare integers are accepted
// as seconds to stay compatible with the reference deployment's env files.
func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitGroupIDs parses a comma-separated list of int64 chat identifiers.
func splitGroupIDs(s string) ([]int64, error) {
	var out []int64
	for _, p := range splitCSV(s) {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, errors.New("GROUP_IDS must be a comma-separated list of integers")
		}
		out = append(out, id)
	}
	return out, nil
}
