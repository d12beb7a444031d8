// Package config provides environment-based configuration management for
// the access control plane. It supports multiple environments (development,
// staging, production) and fails startup fast when required secrets are
// missing or out of range.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/gatekeep/accessplane/pkg/logger"
)

// Profile selects the default middleware set assembled by the pipeline.
type Profile string

const (
	ProfileMinimal         Profile = "minimal"
	ProfileAuthOnly        Profile = "auth_only"
	ProfileAuthWithContext Profile = "auth_with_context"
	ProfileAuthWithCache   Profile = "auth_with_cache"
	ProfileFull            Profile = "full"
	ProfileCustom          Profile = "custom"
)

// Config holds all configuration for both the Gateway and the Tool Server.
// A single binary may load either side's subset via its own flag defaults.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
	Logger     logger.Config    `mapstructure:"logger"`
}

// AppConfig contains basic application settings.
type AppConfig struct {
	Name        string        `mapstructure:"name"`
	Version     string        `mapstructure:"version"`
	Environment string        `mapstructure:"environment"`
	Port        int           `mapstructure:"port"`
	Host        string        `mapstructure:"host"`
	Timeout     time.Duration `mapstructure:"timeout"`
	CORS        CORSConfig    `mapstructure:"cors"`
	// ToolServerURL is consulted only by the Gateway Proxy (C9); it names
	// the upstream Tool Server the gateway forwards JSON-RPC calls to.
	ToolServerURL string `mapstructure:"tool_server_url"`
}

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// DatabaseConfig contains MongoDB connection settings backing the User
// Directory (C3) and the Authorization Engine's grant store (C4).
type DatabaseConfig struct {
	URI                 string        `mapstructure:"uri"`
	Database            string        `mapstructure:"database"`
	MaxPoolSize         int           `mapstructure:"max_pool_size"`
	MinPoolSize         int           `mapstructure:"min_pool_size"`
	MaxConnIdleTime     time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	ServerSelectTimeout time.Duration `mapstructure:"server_select_timeout"`
}

// CacheConfig contains Redis connection settings backing the KVStore
// capability (Session Store, Rate Limiter, Result Cache).
type CacheConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	MaxRetries   int           `mapstructure:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// AuthConfig contains credential signing and trust settings (C1, C11).
type AuthConfig struct {
	SigningKey         string        `mapstructure:"signing_key"`
	InternalTrustToken string        `mapstructure:"internal_trust_token"`
	AccessTTL          time.Duration `mapstructure:"access_ttl"`
	RefreshTTL         time.Duration `mapstructure:"refresh_ttl"`
	BCryptCost         int           `mapstructure:"bcrypt_cost"`
	RequireAuth        bool          `mapstructure:"require_auth"`
	// BypassMethods lists JSON-RPC methods exempt from Authentication.
	// Defaults to health_check only: resolved Open Question — tools/list is
	// not bypassed unless an operator explicitly opts in here.
	BypassMethods   []string `mapstructure:"bypass_methods"`
	SensitiveFields []string `mapstructure:"sensitive_fields"`
}

// RateLimitConfig contains token-bucket parameters for the Rate Limiter (C5).
type RateLimitConfig struct {
	PerMinute int  `mapstructure:"per_minute"`
	PerHour   int  `mapstructure:"per_hour"`
	Burst     int  `mapstructure:"burst"`
	Distributed bool `mapstructure:"distributed"`
}

// MiddlewareConfig selects the pipeline profile and per-flag overrides (C6, C11).
type MiddlewareConfig struct {
	Profile               Profile `mapstructure:"profile"`
	EnableAuth            bool    `mapstructure:"enable_auth"`
	EnableCache           bool    `mapstructure:"enable_cache"`
	EnableRateLimit       bool    `mapstructure:"enable_rate_limit"`
	EnableMetrics         bool    `mapstructure:"enable_metrics"`
	EnableValidation      bool    `mapstructure:"enable_validation"`
	EnableErrorHandler    bool    `mapstructure:"enable_error_handler"`
	EnableEnhancedLogging bool    `mapstructure:"enable_enhanced_logging"`
	// CacheTTL maps tool name -> TTL override (the cache.ttl.<tool> option).
	CacheTTL map[string]time.Duration `mapstructure:"cache_ttl"`
}

// Load reads configuration from environment variables, an optional config
// file, and defaults, in that precedence order (highest to lowest: env vars,
// config file, defaults), following the 12-factor methodology.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/gatekeep")

	viper.SetEnvPrefix("GATEKEEP")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvironmentVariables()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func bindEnvironmentVariables() {
	viper.BindEnv("app.name", "GATEKEEP_APP_NAME")
	viper.BindEnv("app.version", "GATEKEEP_APP_VERSION")
	viper.BindEnv("app.environment", "GATEKEEP_APP_ENVIRONMENT")
	viper.BindEnv("app.port", "GATEKEEP_APP_PORT")
	viper.BindEnv("app.host", "GATEKEEP_APP_HOST")
	viper.BindEnv("app.timeout", "GATEKEEP_APP_TIMEOUT")
	viper.BindEnv("app.tool_server_url", "GATEKEEP_APP_TOOL_SERVER_URL")

	viper.BindEnv("app.cors.allowed_origins", "GATEKEEP_APP_CORS_ALLOWED_ORIGINS")
	viper.BindEnv("app.cors.allowed_methods", "GATEKEEP_APP_CORS_ALLOWED_METHODS")
	viper.BindEnv("app.cors.allowed_headers", "GATEKEEP_APP_CORS_ALLOWED_HEADERS")

	viper.BindEnv("database.uri", "GATEKEEP_DATABASE_URI")
	viper.BindEnv("database.database", "GATEKEEP_DATABASE_DATABASE")
	viper.BindEnv("database.max_pool_size", "GATEKEEP_DATABASE_MAX_POOL_SIZE")
	viper.BindEnv("database.min_pool_size", "GATEKEEP_DATABASE_MIN_POOL_SIZE")
	viper.BindEnv("database.max_conn_idle_time", "GATEKEEP_DATABASE_MAX_CONN_IDLE_TIME")
	viper.BindEnv("database.connect_timeout", "GATEKEEP_DATABASE_CONNECT_TIMEOUT")
	viper.BindEnv("database.server_select_timeout", "GATEKEEP_DATABASE_SERVER_SELECT_TIMEOUT")

	viper.BindEnv("cache.host", "GATEKEEP_CACHE_HOST")
	viper.BindEnv("cache.port", "GATEKEEP_CACHE_PORT")
	viper.BindEnv("cache.password", "GATEKEEP_CACHE_PASSWORD")
	viper.BindEnv("cache.database", "GATEKEEP_CACHE_DATABASE")
	viper.BindEnv("cache.max_retries", "GATEKEEP_CACHE_MAX_RETRIES")
	viper.BindEnv("cache.pool_size", "GATEKEEP_CACHE_POOL_SIZE")
	viper.BindEnv("cache.dial_timeout", "GATEKEEP_CACHE_DIAL_TIMEOUT")
	viper.BindEnv("cache.read_timeout", "GATEKEEP_CACHE_READ_TIMEOUT")
	viper.BindEnv("cache.write_timeout", "GATEKEEP_CACHE_WRITE_TIMEOUT")
	viper.BindEnv("cache.idle_timeout", "GATEKEEP_CACHE_IDLE_TIMEOUT")

	viper.BindEnv("auth.signing_key", "GATEKEEP_AUTH_SIGNING_KEY")
	viper.BindEnv("auth.internal_trust_token", "GATEKEEP_AUTH_INTERNAL_TRUST_TOKEN")
	viper.BindEnv("auth.access_ttl", "GATEKEEP_AUTH_ACCESS_TTL")
	viper.BindEnv("auth.refresh_ttl", "GATEKEEP_AUTH_REFRESH_TTL")
	viper.BindEnv("auth.bcrypt_cost", "GATEKEEP_AUTH_BCRYPT_COST")
	viper.BindEnv("auth.require_auth", "GATEKEEP_AUTH_REQUIRE_AUTH")
	viper.BindEnv("auth.bypass_methods", "GATEKEEP_AUTH_BYPASS_METHODS")
	viper.BindEnv("auth.sensitive_fields", "GATEKEEP_AUTH_SENSITIVE_FIELDS")

	viper.BindEnv("rate.per_minute", "GATEKEEP_RATE_PER_MINUTE")
	viper.BindEnv("rate.per_hour", "GATEKEEP_RATE_PER_HOUR")
	viper.BindEnv("rate.burst", "GATEKEEP_RATE_BURST")
	viper.BindEnv("rate.distributed", "GATEKEEP_RATE_DISTRIBUTED")

	viper.BindEnv("middleware.profile", "GATEKEEP_MIDDLEWARE_PROFILE")
	viper.BindEnv("middleware.enable_auth", "GATEKEEP_MIDDLEWARE_ENABLE_AUTH")
	viper.BindEnv("middleware.enable_cache", "GATEKEEP_MIDDLEWARE_ENABLE_CACHE")
	viper.BindEnv("middleware.enable_rate_limit", "GATEKEEP_MIDDLEWARE_ENABLE_RATE_LIMIT")
	viper.BindEnv("middleware.enable_metrics", "GATEKEEP_MIDDLEWARE_ENABLE_METRICS")
	viper.BindEnv("middleware.enable_validation", "GATEKEEP_MIDDLEWARE_ENABLE_VALIDATION")
	viper.BindEnv("middleware.enable_error_handler", "GATEKEEP_MIDDLEWARE_ENABLE_ERROR_HANDLER")
	viper.BindEnv("middleware.enable_enhanced_logging", "GATEKEEP_MIDDLEWARE_ENABLE_ENHANCED_LOGGING")

	viper.BindEnv("logger.level", "GATEKEEP_LOGGER_LEVEL")
	viper.BindEnv("logger.environment", "GATEKEEP_LOGGER_ENVIRONMENT")
	viper.BindEnv("logger.output_path", "GATEKEEP_LOGGER_OUTPUT_PATH")
}

func setDefaults() {
	viper.SetDefault("app.name", "gatekeep-accessplane")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.port", 8080)
	viper.SetDefault("app.host", "0.0.0.0")
	viper.SetDefault("app.timeout", "30s")
	viper.SetDefault("app.tool_server_url", "http://localhost:8090/rpc")

	viper.SetDefault("app.cors.allowed_origins", []string{"http://localhost:3000"})
	viper.SetDefault("app.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	viper.SetDefault("app.cors.allowed_headers", []string{"Authorization", "Content-Type"})

	viper.SetDefault("database.uri", "mongodb://localhost:27017")
	viper.SetDefault("database.database", "gatekeep")
	viper.SetDefault("database.max_pool_size", 100)
	viper.SetDefault("database.min_pool_size", 10)
	viper.SetDefault("database.max_conn_idle_time", "5m")
	viper.SetDefault("database.connect_timeout", "10s")
	viper.SetDefault("database.server_select_timeout", "10s")

	viper.SetDefault("cache.host", "localhost")
	viper.SetDefault("cache.port", 6379)
	viper.SetDefault("cache.password", "")
	viper.SetDefault("cache.database", 0)
	viper.SetDefault("cache.max_retries", 3)
	viper.SetDefault("cache.pool_size", 10)
	viper.SetDefault("cache.dial_timeout", "5s")
	viper.SetDefault("cache.read_timeout", "3s")
	viper.SetDefault("cache.write_timeout", "3s")
	viper.SetDefault("cache.idle_timeout", "5m")

	viper.SetDefault("auth.signing_key", "")
	viper.SetDefault("auth.internal_trust_token", "")
	viper.SetDefault("auth.access_ttl", "30m")
	viper.SetDefault("auth.refresh_ttl", "168h")
	viper.SetDefault("auth.bcrypt_cost", 12)
	viper.SetDefault("auth.require_auth", true)
	viper.SetDefault("auth.bypass_methods", []string{"health_check"})
	viper.SetDefault("auth.sensitive_fields", []string{"password", "access_token", "refresh_token", "authorization"})

	viper.SetDefault("rate.per_minute", 60)
	viper.SetDefault("rate.per_hour", 1000)
	viper.SetDefault("rate.burst", 10)
	viper.SetDefault("rate.distributed", false)

	viper.SetDefault("middleware.profile", string(ProfileFull))
	viper.SetDefault("middleware.enable_auth", true)
	viper.SetDefault("middleware.enable_cache", true)
	viper.SetDefault("middleware.enable_rate_limit", true)
	viper.SetDefault("middleware.enable_metrics", true)
	viper.SetDefault("middleware.enable_validation", true)
	viper.SetDefault("middleware.enable_error_handler", true)
	viper.SetDefault("middleware.enable_enhanced_logging", false)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.environment", "development")
	viper.SetDefault("logger.output_path", "stdout")
}

// validate performs configuration validation, enforcing minimum secret
// lengths and value ranges (§4.11). It does not contact the backing
// stores; their reachability is checked when the binaries connect to them.
func validate(cfg *Config) error {
	if cfg.Middleware.EnableAuth {
		if len(cfg.Auth.SigningKey) < 32 {
			return fmt.Errorf("auth.signing_key must be at least 32 bytes when auth is enabled")
		}
		if len(cfg.Auth.InternalTrustToken) < 32 {
			return fmt.Errorf("auth.internal_trust_token must be at least 32 bytes when auth is enabled")
		}
	}

	if cfg.App.Port < 1 || cfg.App.Port > 65535 {
		return fmt.Errorf("app port must be between 1 and 65535, got %d", cfg.App.Port)
	}

	if cfg.Database.MaxPoolSize < cfg.Database.MinPoolSize {
		return fmt.Errorf("database max_pool_size must be >= min_pool_size")
	}

	if cfg.Auth.BCryptCost < 10 || cfg.Auth.BCryptCost > 15 {
		return fmt.Errorf("bcrypt cost must be between 10 and 15, got %d", cfg.Auth.BCryptCost)
	}

	if cfg.RateLimit.PerMinute <= 0 || cfg.RateLimit.PerHour <= 0 || cfg.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit capacities and burst must be positive")
	}

	return nil
}

// IsDevelopment returns true if the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if the application is running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// GetRedisAddr returns the Redis server address in host:port format.
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Cache.Host, c.Cache.Port)
}

// GetServerAddr returns the server address in host:port format.
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.App.Host, c.App.Port)
}

// CacheTTLFor returns the per-tool TTL override if configured, or ok=false.
func (c *Config) CacheTTLFor(tool string) (time.Duration, bool) {
	d, ok := c.Middleware.CacheTTL[tool]
	return d, ok
}
