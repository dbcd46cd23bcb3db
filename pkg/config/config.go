// Package config loads gateway settings: environment variables first, then
// an optional deployment profile YAML that overrides scan and policy knobs.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the gateway configuration.
type Config struct {
	Port         string
	LogLevel     string
	DatabaseURL  string
	RedisURL     string
	OTLPEndpoint string

	JWTSecret string
	JWTIssuer string

	// PersonasPath locates the persona keyword YAML for the context scorer.
	PersonasPath string
	// NERRulesPath, when set, enables the NER detector backed by a static
	// literal-rules file. Empty leaves the detector out of the pipeline.
	NERRulesPath string
	// RulesSeedPath locates the rule bundle applied at startup.
	RulesSeedPath string
	// ProfilesDir holds deployment profile YAMLs; ProfileCode picks one.
	ProfilesDir string
	ProfileCode string

	DetectorTimeout   time.Duration
	NullContentOnMask bool

	RateRPS   float64
	RateBurst int

	AuditExportBucket string
}

// Load reads configuration from the environment, then overlays the selected
// deployment profile if one is configured.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              envOr("PORT", "8080"),
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:       envOr("DATABASE_URL", "sqlite://aegisgate.db"),
		RedisURL:          os.Getenv("REDIS_URL"),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTIssuer:         envOr("JWT_ISSUER", "aegisgate"),
		PersonasPath:      envOr("PERSONAS_PATH", "configs/personas.yaml"),
		NERRulesPath:      os.Getenv("NER_RULES_PATH"),
		RulesSeedPath:     envOr("RULES_SEED_PATH", "configs/rules.yaml"),
		ProfilesDir:       envOr("PROFILES_DIR", "configs/profiles"),
		ProfileCode:       os.Getenv("PROFILE"),
		DetectorTimeout:   envDuration("DETECTOR_TIMEOUT", 2*time.Second),
		NullContentOnMask: os.Getenv("NULL_CONTENT_ON_MASK") == "true",
		RateRPS:           envFloat("RATE_LIMIT_RPS", 20),
		RateBurst:         envInt("RATE_LIMIT_BURST", 40),
		AuditExportBucket: os.Getenv("AUDIT_EXPORT_BUCKET"),
	}

	if cfg.ProfileCode != "" {
		profile, err := LoadProfile(cfg.ProfilesDir, cfg.ProfileCode)
		if err != nil {
			return nil, err
		}
		profile.applyTo(cfg)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
