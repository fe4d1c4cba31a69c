package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	RedisURL        string `mapstructure:"REDIS_URL"`
	RequireRedisTLS bool   `mapstructure:"REQUIRE_REDIS_TLS"`

	MasterKey           string   `mapstructure:"MASTER_KEY"`
	SecondaryMasterKeys []string `mapstructure:"SECONDARY_MASTER_KEYS"`
	PBKDF2Iterations    int      `mapstructure:"PBKDF2_ITERATIONS"`

	SessionMaxAgeSeconds      int `mapstructure:"SESSION_MAX_AGE_SECONDS"`
	TokenRefreshBufferSeconds int `mapstructure:"TOKEN_REFRESH_BUFFER_SECONDS"`
	RefreshLockTTLSeconds     int `mapstructure:"REFRESH_LOCK_TTL_SECONDS"`
	AuthWaitTimeoutSeconds    int `mapstructure:"AUTH_WAIT_TIMEOUT_SECONDS"`

	OAuthRedirectURI string `mapstructure:"OAUTH_REDIRECT_URI"`
	PlatformsDir     string `mapstructure:"PLATFORMS_DIR"`

	AuditDatabaseURL string `mapstructure:"AUDIT_DATABASE_URL"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("PBKDF2_ITERATIONS", 100000)
	v.SetDefault("SESSION_MAX_AGE_SECONDS", 3600)
	v.SetDefault("TOKEN_REFRESH_BUFFER_SECONDS", 60)
	v.SetDefault("REFRESH_LOCK_TTL_SECONDS", 30)
	v.SetDefault("AUTH_WAIT_TIMEOUT_SECONDS", 300)
	v.SetDefault("PLATFORMS_DIR", "./platforms")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("REDIS_URL")
	v.BindEnv("REQUIRE_REDIS_TLS")
	v.BindEnv("MASTER_KEY")
	v.BindEnv("SECONDARY_MASTER_KEYS")
	v.BindEnv("PBKDF2_ITERATIONS")
	v.BindEnv("SESSION_MAX_AGE_SECONDS")
	v.BindEnv("TOKEN_REFRESH_BUFFER_SECONDS")
	v.BindEnv("REFRESH_LOCK_TTL_SECONDS")
	v.BindEnv("AUTH_WAIT_TIMEOUT_SECONDS")
	v.BindEnv("OAUTH_REDIRECT_URI")
	v.BindEnv("PLATFORMS_DIR")
	v.BindEnv("AUDIT_DATABASE_URL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.SecondaryMasterKeys == nil {
		keys := v.GetString("SECONDARY_MASTER_KEYS")
		if keys != "" {
			cfg.SecondaryMasterKeys = strings.Split(keys, ",")
		}
	}

	if cfg.OAuthRedirectURI == "" {
		return nil, fmt.Errorf("OAUTH_REDIRECT_URI is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SessionTTL is the sliding session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionMaxAgeSeconds) * time.Second
}

// TokenRefreshBuffer is the window before expiry in which tokens are
// proactively refreshed.
func (c *Config) TokenRefreshBuffer() time.Duration {
	return time.Duration(c.TokenRefreshBufferSeconds) * time.Second
}

// RefreshLockTTL bounds how long a crashed refresher can hold the lock.
func (c *Config) RefreshLockTTL() time.Duration {
	return time.Duration(c.RefreshLockTTLSeconds) * time.Second
}

// AuthWaitTimeout bounds the authorization long-poll.
func (c *Config) AuthWaitTimeout() time.Duration {
	return time.Duration(c.AuthWaitTimeoutSeconds) * time.Second
}

// Validate checks that the configuration is safe to run. Production
// requires a master key so sessions are never persisted unencrypted, and
// requires TLS on any configured Redis connection.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.MasterKey == "" {
			return fmt.Errorf("MASTER_KEY is required in production; refusing to store sessions unencrypted")
		}
		if c.RedisURL != "" && !c.RequireRedisTLS {
			return fmt.Errorf("REQUIRE_REDIS_TLS must be enabled in production when REDIS_URL is set")
		}
	}

	if c.MasterKey != "" && len(c.MasterKey) < 16 {
		return fmt.Errorf("MASTER_KEY must be at least 16 characters, got %d", len(c.MasterKey))
	}
	for i, k := range c.SecondaryMasterKeys {
		if k != "" && len(k) < 16 {
			return fmt.Errorf("SECONDARY_MASTER_KEYS[%d] must be at least 16 characters", i)
		}
	}

	if c.PBKDF2Iterations < 10000 {
		return fmt.Errorf("PBKDF2_ITERATIONS must be at least 10000, got %d", c.PBKDF2Iterations)
	}
	if c.SessionMaxAgeSeconds <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE_SECONDS must be positive, got %d", c.SessionMaxAgeSeconds)
	}

	return nil
}
