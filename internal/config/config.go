package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrMissingAPIParams is returned when the shared gateway parameters
// (api_id/api_hash) are absent. This is fatal at startup and distinct from
// having zero session slots configured.
var ErrMissingAPIParams = errors.New("config: api_id and api_hash are required")

// PoolConfig holds the tunables of the session pool.
type PoolConfig struct {
	AcquireTimeoutSec  int `yaml:"acquire_timeout_sec" json:"acquire_timeout_sec"`
	WaitCeilingSec     int `yaml:"wait_ceiling_sec" json:"wait_ceiling_sec"`
	PollIntervalMS     int `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	AttemptPauseMS     int `yaml:"attempt_pause_ms" json:"attempt_pause_ms"`
	ConflictCooldownMS int `yaml:"conflict_cooldown_ms" json:"conflict_cooldown_ms"`
	AuthCooldownSec    int `yaml:"auth_cooldown_sec" json:"auth_cooldown_sec"`
	GenericCooldownSec int `yaml:"generic_cooldown_sec" json:"generic_cooldown_sec"`
}

// Config is the process configuration. Values are resolved in three layers:
// built-in defaults, then the optional YAML file, then environment overrides.
type Config struct {
	// Server settings
	Port    int    `yaml:"port" json:"port"`
	Debug   bool   `yaml:"debug" json:"debug"`
	LogFile string `yaml:"log_file" json:"log_file"`

	// Gateway settings (shared across all sessions)
	APIID      int    `yaml:"api_id" json:"api_id"`
	APIHash    string `yaml:"api_hash" json:"-"`
	GatewayURL string `yaml:"gateway_url" json:"gateway_url"`

	// Management / safety
	ManagementKey    string `yaml:"management_key" json:"-"`
	RateLimitEnabled bool   `yaml:"rate_limit_enabled" json:"rate_limit_enabled"`
	RateLimitRPS     int    `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst   int    `yaml:"rate_limit_burst" json:"rate_limit_burst"`

	// Storage settings
	StorageBackend string `yaml:"storage_backend" json:"storage_backend"`
	RedisAddr      string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword  string `yaml:"redis_password" json:"-"`
	RedisDB        int    `yaml:"redis_db" json:"redis_db"`
	RedisPrefix    string `yaml:"redis_prefix" json:"redis_prefix"`
	PostgresDSN    string `yaml:"postgres_dsn" json:"-"`

	// Background tasks
	StatusLogIntervalSec int `yaml:"status_log_interval_sec" json:"status_log_interval_sec"`

	Pool PoolConfig `yaml:"pool" json:"pool"`
}

// LoadWithFile builds the configuration from defaults, the given YAML file
// (a missing file is not an error) and environment variables, in that order.
func LoadWithFile(path string) *Config {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				log.WithError(err).Errorf("failed to parse config file %s", path)
				return nil
			}
		case os.IsNotExist(err):
			log.Debugf("config file %s not found, using defaults and environment", path)
		default:
			log.WithError(err).Errorf("failed to read config file %s", path)
			return nil
		}
	}

	cfg.applyEnv()
	return cfg
}

// Validate checks the invariants the rest of the process relies on.
func (c *Config) Validate() error {
	if c.APIID <= 0 || strings.TrimSpace(c.APIHash) == "" {
		return ErrMissingAPIParams
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	switch c.StorageBackend {
	case "redis", "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown storage_backend %q", c.StorageBackend)
	}
	if c.Pool.WaitCeilingSec <= 0 || c.Pool.PollIntervalMS <= 0 {
		return fmt.Errorf("config: pool wait_ceiling_sec and poll_interval_ms must be positive")
	}
	return nil
}

// applyEnv overlays environment variables on top of file/default values.
func (c *Config) applyEnv() {
	setInt(&c.Port, "TELEPOOL_PORT")
	setBool(&c.Debug, "TELEPOOL_DEBUG")
	setString(&c.LogFile, "TELEPOOL_LOG_FILE")

	setInt(&c.APIID, "API_ID")
	setString(&c.APIHash, "API_HASH")
	setString(&c.GatewayURL, "GATEWAY_URL")

	setString(&c.ManagementKey, "TELEPOOL_MANAGEMENT_KEY")
	setBool(&c.RateLimitEnabled, "TELEPOOL_RATE_LIMIT_ENABLED")
	setInt(&c.RateLimitRPS, "TELEPOOL_RATE_LIMIT_RPS")
	setInt(&c.RateLimitBurst, "TELEPOOL_RATE_LIMIT_BURST")

	setString(&c.StorageBackend, "STORAGE_BACKEND")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setInt(&c.RedisDB, "REDIS_DB")
	setString(&c.RedisPrefix, "REDIS_PREFIX")
	setString(&c.PostgresDSN, "POSTGRES_DSN")

	setInt(&c.Pool.AcquireTimeoutSec, "TELEPOOL_ACQUIRE_TIMEOUT_SEC")
	setInt(&c.Pool.WaitCeilingSec, "TELEPOOL_WAIT_CEILING_SEC")
	setInt(&c.Pool.PollIntervalMS, "TELEPOOL_POLL_INTERVAL_MS")
	setInt(&c.Pool.AttemptPauseMS, "TELEPOOL_ATTEMPT_PAUSE_MS")
	setInt(&c.Pool.ConflictCooldownMS, "TELEPOOL_CONFLICT_COOLDOWN_MS")
	setInt(&c.Pool.AuthCooldownSec, "TELEPOOL_AUTH_COOLDOWN_SEC")
	setInt(&c.Pool.GenericCooldownSec, "TELEPOOL_GENERIC_COOLDOWN_SEC")
}

// Duration accessors keep time math out of the call sites.

func (p PoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(p.AcquireTimeoutSec) * time.Second
}

func (p PoolConfig) WaitCeiling() time.Duration {
	return time.Duration(p.WaitCeilingSec) * time.Second
}

func (p PoolConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMS) * time.Millisecond
}

func (p PoolConfig) AttemptPause() time.Duration {
	return time.Duration(p.AttemptPauseMS) * time.Millisecond
}

func (p PoolConfig) ConflictCooldown() time.Duration {
	return time.Duration(p.ConflictCooldownMS) * time.Millisecond
}

func (p PoolConfig) AuthCooldown() time.Duration {
	return time.Duration(p.AuthCooldownSec) * time.Second
}

func (p PoolConfig) GenericCooldown() time.Duration {
	return time.Duration(p.GenericCooldownSec) * time.Second
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		} else {
			log.Warnf("ignoring non-integer value for %s: %q", key, v)
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			*dst = true
		case "false", "0", "no", "off":
			*dst = false
		}
	}
}
