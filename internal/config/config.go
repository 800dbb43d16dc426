package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string
	LogDir       string
	Debug        bool

	// PolicyFile optionally points at a YAML file overriding the default PerimeterConfig.
	PolicyFile string

	// RedisURL switches reputation and rate limiting to the shared Redis backends.
	RedisURL string

	KafkaBrokers []string
	KafkaTopic   string

	ThreatFeedPath string
	AlertURLs      []string

	AdminTokenHash string
	SessionSecret  string
	SessionCookie  string

	TrustedProxies []string
	// TrustIdentityHeaders honors X-User-ID/X-User-Tier from an upstream auth proxy.
	TrustIdentityHeaders bool

	Perimeter PerimeterConfig
}

// Load reads env vars and falls back to defaults so the server can boot with zero configuration.
// The perimeter policy is validated here; an invalid policy is a startup error.
func Load() (Config, error) {
	cfg := Config{
		Environment:    getEnv("PERIMETER_ENV", "development"),
		HTTPPort:       getEnv("PERIMETER_HTTP_PORT", "8080"),
		DatabasePath:   getEnv("PERIMETER_DB_PATH", filepath.Join("data", "perimeter.db")),
		LogDir:         getEnv("PERIMETER_LOG_DIR", filepath.Join("data", "logs")),
		Debug:          strings.EqualFold(getEnv("PERIMETER_DEBUG", "false"), "true"),
		PolicyFile:     getEnv("PERIMETER_POLICY_FILE", ""),
		RedisURL:       getEnv("PERIMETER_REDIS_URL", ""),
		KafkaBrokers:   splitList(getEnv("PERIMETER_KAFKA_BROKERS", "")),
		KafkaTopic:     getEnv("PERIMETER_KAFKA_TOPIC", "perimeter.security-events"),
		ThreatFeedPath: getEnv("PERIMETER_THREAT_FEED", ""),
		AlertURLs:      splitList(getEnv("PERIMETER_ALERT_URLS", "")),
		AdminTokenHash: getEnv("PERIMETER_ADMIN_TOKEN_HASH", ""),
		SessionSecret:  getEnv("PERIMETER_SESSION_SECRET", ""),
		SessionCookie:  getEnv("PERIMETER_SESSION_COOKIE", "perimeter_session"),
		TrustedProxies: splitList(getEnv("PERIMETER_TRUSTED_PROXIES", "")),

		TrustIdentityHeaders: strings.EqualFold(getEnv("PERIMETER_TRUST_IDENTITY_HEADERS", "false"), "true"),
	}

	policy := DefaultPerimeterConfig()
	if cfg.PolicyFile != "" {
		loaded, err := LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return Config{}, err
		}
		policy = loaded
	}
	if err := policy.Validate(); err != nil {
		return Config{}, err
	}
	cfg.Perimeter = policy

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production defaults (JSON logs, HSTS).
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
