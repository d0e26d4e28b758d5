// Package config loads and validates the cloudplow orchestrator's on-disk
// configuration: uploaders, engine/control-plane wiring, and rate-limit
// classification.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultQuotaCapBytes is the nominal per-credential 24h quota (750 GiB).
const DefaultQuotaCapBytes = 750 * 1024 * 1024 * 1024

// DefaultSafetyMarginFraction is the fraction of quota_cap held back (§3).
const DefaultSafetyMarginFraction = 0.05

// Config is the full on-disk configuration, read once at startup (§6).
type Config struct {
	Core      Core                  `yaml:"core"`
	RC        RC                    `yaml:"rc"`
	RateLimit map[string]int        `yaml:"rate_limits"` // substring -> delay-hours
	Uploaders map[string]Uploader   `yaml:"uploaders"`
	Logging   Logging               `yaml:"logging"`
	Policy    Policy                `yaml:"policy"`

	QuotaCapBytesResolved int64 `yaml:"-"`
}

// Core holds engine and quota-wide settings.
type Core struct {
	EngineBinaryPath string `yaml:"engine_binary_path"`
	QuotaCapBytes    string `yaml:"quota_cap_bytes"` // e.g. "750gb"; defaults to DefaultQuotaCapBytes
	StateDir         string `yaml:"state_dir"`       // directory for the persisted JSON caches (§6)
}

// RC configures the control-plane client and optional standalone daemon (§4.6).
type RC struct {
	URL        string         `yaml:"url"`
	User       string         `yaml:"user"`
	Pass       string         `yaml:"pass"`
	Standalone RCStandalone   `yaml:"standalone"`
}

// RCStandalone configures the supervised-but-not-owned rcd daemon.
type RCStandalone struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	WebGUI  bool   `yaml:"web_gui"`
	NoAuth  bool   `yaml:"no_auth"`
	User    string `yaml:"user"`
	Pass    string `yaml:"pass"`
}

// Logging mirrors the ambient logging configuration (teacher's LoggingInfo).
type Logging struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	File    string `yaml:"file"`
	Dir     string `yaml:"dir"` // per-stage session log directory; empty disables it
}

// Policy resolves spec.md §9's Open Question: the config MUST state whether
// a stage that fails with partial progress accounted is retried on the same
// credential. There is no default — omitting it is a validation error.
type Policy struct {
	RetryPartialStageFailures *bool `yaml:"retry_partial_stage_failures"`
}

// Uploader is a named binding of {local source, remote destination,
// credential pool, engine extras, optional chunk config} (§3).
type Uploader struct {
	LocalPath      string            `yaml:"local_path"`
	RemotePath     string            `yaml:"remote_path"`
	CredentialPath string            `yaml:"credential_path"` // directory of credential files, sorted deterministically
	EngineExtras   map[string]string `yaml:"engine_extras"`
	ChunkedUpload  ChunkedUpload     `yaml:"chunked_upload"`
	MaxStages      int               `yaml:"max_stages"`
	MinViableBytes string            `yaml:"min_viable_bytes"` // stage skip threshold, default ~10 GiB
	Schedule       string            `yaml:"schedule"`         // cron expression consulted by --daemon mode, default "@daily"
}

// ChunkedUpload configures the Chunker (C4).
type ChunkedUpload struct {
	Enabled   bool   `yaml:"enabled"`
	ChunkSize int    `yaml:"chunk_size"`
	// GenerateListTimeout is a time.ParseDuration string ("600s", "10m"),
	// not a raw nanosecond count — validate() resolves it into
	// GenerateListTimeoutResolved, which is what callers must read.
	GenerateListTimeout         string        `yaml:"generate_list_timeout"`
	GenerateListTimeoutResolved time.Duration `yaml:"-"`
}

// Load reads, parses, and validates the YAML config file at path. Any error
// here is the §7 "Fatal configuration error" — callers must abort before any
// uploader work starts.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Core.EngineBinaryPath == "" {
		return fmt.Errorf("core.engine_binary_path is required")
	}
	if c.Core.StateDir == "" {
		return fmt.Errorf("core.state_dir is required")
	}
	if len(c.Uploaders) == 0 {
		return fmt.Errorf("at least one uploader must be configured")
	}

	if c.Core.QuotaCapBytes == "" {
		c.QuotaCapBytesResolved = DefaultQuotaCapBytes
	} else {
		parsed, err := ParseByteSize(c.Core.QuotaCapBytes)
		if err != nil {
			return fmt.Errorf("core.quota_cap_bytes: %w", err)
		}
		c.QuotaCapBytesResolved = parsed
	}

	if c.Policy.RetryPartialStageFailures == nil {
		return fmt.Errorf("policy.retry_partial_stage_failures must be set explicitly (true or false) — see DESIGN.md open question resolution")
	}

	if c.RC.URL == "" {
		return fmt.Errorf("rc.url is required")
	}
	if c.RC.Standalone.Enabled && c.RC.Standalone.Addr == "" {
		return fmt.Errorf("rc.standalone.addr is required when rc.standalone.enabled is true")
	}

	names := make([]string, 0, len(c.Uploaders))
	for name := range c.Uploaders {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		u := c.Uploaders[name]
		if u.LocalPath == "" {
			return fmt.Errorf("uploaders.%s.local_path is required", name)
		}
		if u.RemotePath == "" {
			return fmt.Errorf("uploaders.%s.remote_path is required", name)
		}
		if u.CredentialPath == "" {
			return fmt.Errorf("uploaders.%s.credential_path is required", name)
		}
		if u.MaxStages <= 0 {
			u.MaxStages = 10
		}
		if u.MinViableBytes == "" {
			u.MinViableBytes = "10gb"
		}
		if u.Schedule == "" {
			u.Schedule = "@daily"
		}
		if u.ChunkedUpload.Enabled {
			if u.ChunkedUpload.ChunkSize <= 0 {
				return fmt.Errorf("uploaders.%s.chunked_upload.chunk_size must be > 0 when enabled", name)
			}
			if u.ChunkedUpload.GenerateListTimeout == "" {
				u.ChunkedUpload.GenerateListTimeoutResolved = 600 * time.Second
			} else {
				d, err := time.ParseDuration(u.ChunkedUpload.GenerateListTimeout)
				if err != nil {
					return fmt.Errorf("uploaders.%s.chunked_upload.generate_list_timeout: %w", name, err)
				}
				if d <= 0 {
					return fmt.Errorf("uploaders.%s.chunked_upload.generate_list_timeout must be > 0", name)
				}
				u.ChunkedUpload.GenerateListTimeoutResolved = d
			}
		}
		c.Uploaders[name] = u
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.RateLimit == nil {
		c.RateLimit = map[string]int{
			"userRateLimitExceeded":  24,
			"dailyLimitExceeded":     24,
			"403: User rate limit":   24,
		}
	}

	return nil
}

// MinViableBytesFor parses an uploader's MinViableBytes field.
func MinViableBytesFor(u Uploader) (int64, error) {
	return ParseByteSize(u.MinViableBytes)
}

// ParseByteSize converts human-readable strings like "256mb", "750gb" to bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordered longest-suffix-first so "mb" never matches as "b".
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"tb", 1024 * 1024 * 1024 * 1024},
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
