package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a deployment-specific override bundle. Profiles let one binary
// serve different jurisdictions or environments: a stricter profile can null
// masked originals and tighten detector timeouts without a rebuild.
type Profile struct {
	Name      string          `yaml:"name"`
	Code      string          `yaml:"code"`
	Masking   MaskingConfig   `yaml:"masking"`
	Scan      ScanConfig      `yaml:"scan"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retention RetentionConfig `yaml:"retention"`
}

// MaskingConfig controls what survives a mask verdict.
type MaskingConfig struct {
	NullContentOnMask bool `yaml:"null_content_on_mask"`
}

// ScanConfig tunes the detector pipeline.
type ScanConfig struct {
	DetectorTimeoutMS int `yaml:"detector_timeout_ms"`
}

// RateLimitConfig overrides the per-IP limiter.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// RetentionConfig governs audit retention.
type RetentionConfig struct {
	AuditLogDays int `yaml:"audit_log_days"`
}

// LoadProfile reads profile_<code>.yaml from dir.
func LoadProfile(dir, code string) (*Profile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", code))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}
	if p.Code == "" {
		p.Code = code
	}
	return &p, nil
}

// applyTo overlays non-zero profile values onto cfg.
func (p *Profile) applyTo(cfg *Config) {
	if p.Masking.NullContentOnMask {
		cfg.NullContentOnMask = true
	}
	if p.Scan.DetectorTimeoutMS > 0 {
		cfg.DetectorTimeout = time.Duration(p.Scan.DetectorTimeoutMS) * time.Millisecond
	}
	if p.RateLimit.RPS > 0 {
		cfg.RateRPS = p.RateLimit.RPS
	}
	if p.RateLimit.Burst > 0 {
		cfg.RateBurst = p.RateLimit.Burst
	}
}
