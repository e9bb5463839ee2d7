// Package config loads the gateway configuration from YAML with
// environment-variable overrides. All values are immutable after start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	JWT        JWTConfig        `yaml:"jwt"`
	Encryption EncryptionConfig `yaml:"encryption"`
	MFA        MFAConfig        `yaml:"mfa"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Session    SessionConfig    `yaml:"session"`
	Lockout    LockoutConfig    `yaml:"lockout"`
	Risk       RiskConfig       `yaml:"risk"`
	Audit      AuditConfig      `yaml:"audit"`
	Device     DeviceConfig     `yaml:"device"`
	Policies   PoliciesConfig   `yaml:"policies"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig points at the Postgres user directory. An empty DSN
// selects the in-memory directory (development only).
type DatabaseConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

type JWTConfig struct {
	SecretKey             string `yaml:"secret_key"`
	Algorithm             string `yaml:"algorithm"`
	AccessTokenTTLMinutes int    `yaml:"access_token_ttl_minutes"`
	RefreshTokenTTLDays   int    `yaml:"refresh_token_ttl_days"`
}

type EncryptionConfig struct {
	Key string `yaml:"key"` // base64, 32 bytes
}

type MFAConfig struct {
	Issuer   string `yaml:"issuer"`
	Required bool   `yaml:"required"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
}

type SessionConfig struct {
	TimeoutMinutes int `yaml:"timeout_minutes"`
}

type LockoutConfig struct {
	MaxFailedAttempts int `yaml:"max_failed_attempts"`
	DurationMinutes   int `yaml:"duration_minutes"`
}

type RiskConfig struct {
	ThresholdLow    int `yaml:"threshold_low"`
	ThresholdMedium int `yaml:"threshold_medium"`
	ThresholdHigh   int `yaml:"threshold_high"`
}

type AuditConfig struct {
	RetentionDays int  `yaml:"retention_days"`
	Encryption    bool `yaml:"encryption"`
}

type DeviceConfig struct {
	FingerprintRequired bool `yaml:"fingerprint_required"`
	TrustedDurationDays int  `yaml:"trusted_duration_days"`
}

type PoliciesConfig struct {
	Path string `yaml:"path"`
}

// Load reads the YAML file at path (a missing file means defaults
// only), applies environment overrides and defaults, then validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("ZTA_ENV", c.Server.Env)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}

	c.Database.PostgresDSN = getEnv("POSTGRES_DSN", c.Database.PostgresDSN)

	c.JWT.SecretKey = getEnv("JWT_SECRET_KEY", c.JWT.SecretKey)
	if v := getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 0); v > 0 {
		c.JWT.AccessTokenTTLMinutes = v
	}
	if v := getEnvInt("REFRESH_TOKEN_TTL_DAYS", 0); v > 0 {
		c.JWT.RefreshTokenTTLDays = v
	}

	c.Encryption.Key = getEnv("ENCRYPTION_KEY", c.Encryption.Key)

	c.MFA.Issuer = getEnv("MFA_ISSUER", c.MFA.Issuer)
	c.MFA.Required = getEnvBool("MFA_REQUIRED", c.MFA.Required)

	if v := getEnvInt("RATE_LIMIT_PER_MINUTE", 0); v > 0 {
		c.RateLimit.PerMinute = v
	}
	if v := getEnvInt("RATE_LIMIT_PER_HOUR", 0); v > 0 {
		c.RateLimit.PerHour = v
	}

	if v := getEnvInt("SESSION_TIMEOUT_MINUTES", 0); v > 0 {
		c.Session.TimeoutMinutes = v
	}
	if v := getEnvInt("MAX_FAILED_LOGIN_ATTEMPTS", 0); v > 0 {
		c.Lockout.MaxFailedAttempts = v
	}
	if v := getEnvInt("ACCOUNT_LOCKOUT_DURATION_MINUTES", 0); v > 0 {
		c.Lockout.DurationMinutes = v
	}

	if v := getEnvInt("AUDIT_LOG_RETENTION_DAYS", 0); v > 0 {
		c.Audit.RetentionDays = v
	}
	c.Audit.Encryption = getEnvBool("AUDIT_LOG_ENCRYPTION", c.Audit.Encryption)

	c.Device.FingerprintRequired = getEnvBool("DEVICE_FINGERPRINT_REQUIRED", c.Device.FingerprintRequired)
	if v := getEnvInt("TRUSTED_DEVICE_DURATION_DAYS", 0); v > 0 {
		c.Device.TrustedDurationDays = v
	}

	c.Policies.Path = getEnv("POLICIES_PATH", c.Policies.Path)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.JWT.Algorithm == "" {
		c.JWT.Algorithm = "HS256"
	}
	if c.JWT.AccessTokenTTLMinutes == 0 {
		c.JWT.AccessTokenTTLMinutes = 15
	}
	if c.JWT.RefreshTokenTTLDays == 0 {
		c.JWT.RefreshTokenTTLDays = 7
	}
	if c.MFA.Issuer == "" {
		c.MFA.Issuer = "ZTA-Finance"
	}
	if c.RateLimit.PerMinute == 0 {
		c.RateLimit.PerMinute = 60
	}
	if c.RateLimit.PerHour == 0 {
		c.RateLimit.PerHour = 1000
	}
	if c.Session.TimeoutMinutes == 0 {
		c.Session.TimeoutMinutes = 30
	}
	if c.Lockout.MaxFailedAttempts == 0 {
		c.Lockout.MaxFailedAttempts = 5
	}
	if c.Lockout.DurationMinutes == 0 {
		c.Lockout.DurationMinutes = 30
	}
	if c.Risk.ThresholdLow == 0 {
		c.Risk.ThresholdLow = 30
	}
	if c.Risk.ThresholdMedium == 0 {
		c.Risk.ThresholdMedium = 60
	}
	if c.Risk.ThresholdHigh == 0 {
		c.Risk.ThresholdHigh = 80
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 365
	}
	if c.Device.TrustedDurationDays == 0 {
		c.Device.TrustedDurationDays = 30
	}
	if c.Policies.Path == "" {
		c.Policies.Path = "policies.yaml"
	}
}

func (c *Config) validate() error {
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("jwt secret_key must be at least 32 bytes, got %d", len(c.JWT.SecretKey))
	}
	if c.JWT.Algorithm != "HS256" {
		return fmt.Errorf("unsupported jwt algorithm %q", c.JWT.Algorithm)
	}
	if c.Encryption.Key == "" {
		return fmt.Errorf("encryption key is required")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Derived durations.

func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.JWT.AccessTokenTTLMinutes) * time.Minute
}

func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.JWT.RefreshTokenTTLDays) * 24 * time.Hour
}

func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutMinutes) * time.Minute
}

func (c *Config) LockoutWindow() time.Duration {
	return time.Duration(c.Lockout.DurationMinutes) * time.Minute
}

func (c *Config) TrustedDeviceTTL() time.Duration {
	return time.Duration(c.Device.TrustedDurationDays) * 24 * time.Hour
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
