// Package config loads the engine's enumerated configuration surface
// (spec §6 "Configuration (enumerated)") from the environment, the way
// the teacher loads JWT/TTL settings in internal/app/config.go — plain
// env vars with defaults, validated once at boot.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/integritystudio/scanforge/internal/platform/logger"
)

type Config struct {
	MaxConcurrent int

	RetryBaseMs      int
	RetryCapMs       int
	RetryJitter      float64
	RetryAbsoluteMax int
	RetryTimeoutMax  int

	HandlerDefaultTimeout time.Duration
	HandlerCancelGrace    time.Duration

	ActivityRingSize int
	HistoryRingSize  int

	CacheDefaultTTL time.Duration

	GitBranchPrefix string
	GitBaseBranch   string
	GitDryRun       bool

	BusSubscriberBuffer int

	HTTPAddr   string
	HealthAddr string

	HistoryLogDir   string
	HistorySQLitePath string

	RedisAddr    string
	RedisChannel string
}

// ErrInvalidConfig wraps a validation failure; cmd/orchestrator maps it to
// exit code 2 per spec §6's exit-code table.
type ErrInvalidConfig struct {
	Field  string
	Reason string
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Load reads the environment into a Config and validates it. A nil
// logger is accepted (tests construct Config directly and skip Load).
func Load(log *logger.Logger) (Config, error) {
	cfg := Config{
		MaxConcurrent: GetEnvAsInt("MAX_CONCURRENT", 3, log),

		RetryBaseMs:      GetEnvAsInt("RETRY_BASE_MS", 60_000, log),
		RetryCapMs:       GetEnvAsInt("RETRY_CAP_MS", 1_800_000, log),
		RetryJitter:      GetEnvAsFloat("RETRY_JITTER", 0.2, log),
		RetryAbsoluteMax: GetEnvAsInt("RETRY_ABSOLUTE_MAX", 10, log),
		RetryTimeoutMax:  GetEnvAsInt("RETRY_TIMEOUT_MAX", 2, log),

		HandlerDefaultTimeout: time.Duration(GetEnvAsInt("HANDLER_DEFAULT_TIMEOUT_MS", 600_000, log)) * time.Millisecond,
		HandlerCancelGrace:    time.Duration(GetEnvAsInt("HANDLER_CANCEL_GRACE_MS", 30_000, log)) * time.Millisecond,

		ActivityRingSize: GetEnvAsInt("ACTIVITY_RING_SIZE", 200, log),
		HistoryRingSize:  GetEnvAsInt("HISTORY_RING_SIZE", 500, log),

		CacheDefaultTTL: time.Duration(GetEnvAsInt("CACHE_TTL_MS", 3_600_000, log)) * time.Millisecond,

		GitBranchPrefix: GetEnv("GIT_BRANCH_PREFIX", "scanforge", log),
		GitBaseBranch:   GetEnv("GIT_BASE_BRANCH", "main", log),
		GitDryRun:       GetEnvAsBool("GIT_DRY_RUN", true, log),

		BusSubscriberBuffer: GetEnvAsInt("BUS_SUBSCRIBER_BUFFER", 1024, log),

		HTTPAddr:   GetEnv("HTTP_ADDR", ":8080", log),
		HealthAddr: GetEnv("HEALTH_ADDR", ":8081", log),

		HistoryLogDir:     GetEnv("HISTORY_LOG_DIR", "./data/history", log),
		HistorySQLitePath: GetEnv("HISTORY_SQLITE_PATH", "", log),

		RedisAddr:    GetEnv("REDIS_ADDR", "", log),
		RedisChannel: GetEnv("REDIS_CHANNEL", "scanforge:broadcast", log),
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		return &ErrInvalidConfig{Field: "MAX_CONCURRENT", Reason: "must be > 0"}
	}
	if c.RetryBaseMs <= 0 {
		return &ErrInvalidConfig{Field: "RETRY_BASE_MS", Reason: "must be > 0"}
	}
	if c.RetryCapMs < c.RetryBaseMs {
		return &ErrInvalidConfig{Field: "RETRY_CAP_MS", Reason: "must be >= RETRY_BASE_MS"}
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		return &ErrInvalidConfig{Field: "RETRY_JITTER", Reason: "must be in [0,1]"}
	}
	if c.RetryAbsoluteMax <= 0 {
		return &ErrInvalidConfig{Field: "RETRY_ABSOLUTE_MAX", Reason: "must be > 0"}
	}
	if c.RetryTimeoutMax <= 0 {
		return &ErrInvalidConfig{Field: "RETRY_TIMEOUT_MAX", Reason: "must be > 0"}
	}
	if c.ActivityRingSize <= 0 {
		return &ErrInvalidConfig{Field: "ACTIVITY_RING_SIZE", Reason: "must be > 0"}
	}
	if c.HistoryRingSize <= 0 {
		return &ErrInvalidConfig{Field: "HISTORY_RING_SIZE", Reason: "must be > 0"}
	}
	if c.BusSubscriberBuffer <= 0 {
		return &ErrInvalidConfig{Field: "BUS_SUBSCRIBER_BUFFER", Reason: "must be > 0"}
	}
	if strings.TrimSpace(c.GitBranchPrefix) == "" {
		return &ErrInvalidConfig{Field: "GIT_BRANCH_PREFIX", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.GitBaseBranch) == "" {
		return &ErrInvalidConfig{Field: "GIT_BASE_BRANCH", Reason: "must not be empty"}
	}
	return nil
}
