package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`

	Providers []ProviderConfig `mapstructure:"providers"`

	Images  ImagesConfig  `mapstructure:"images"`
	Storage StorageConfig `mapstructure:"storage"`

	Credits   CreditsConfig   `mapstructure:"credits"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	JWTIssuer        string        `mapstructure:"jwt_issuer"`
	TokenExpiry      time.Duration `mapstructure:"token_expiry"`
	InviteTokenTTL   time.Duration `mapstructure:"invite_token_ttl"`
	RequireAuth      bool          `mapstructure:"require_auth"`
	AllowedClockSkew time.Duration `mapstructure:"allowed_clock_skew"`
}

// ProviderConfig describes one upstream LLM provider the broker can route to.
type ProviderConfig struct {
	Name    string        `mapstructure:"name"`
	Type    string        `mapstructure:"type"` // openai-compatible
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Models  []string      `mapstructure:"models"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ImagesConfig points at the image generation backend (any txt2img HTTP API).
type ImagesConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Width   int           `mapstructure:"width"`
	Height  int           `mapstructure:"height"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type CreditsConfig struct {
	DailyRewardAmount int64         `mapstructure:"daily_reward_amount"`
	InitialGrant      int64         `mapstructure:"initial_grant"`
	ReservationTTL    time.Duration `mapstructure:"reservation_ttl"`
	BalanceCacheTTL   time.Duration `mapstructure:"balance_cache_ttl"`

	// Seed rows for the service cost table; hot-reloadable at runtime.
	ServiceCosts []ServiceCostConfig `mapstructure:"service_costs"`
}

type ServiceCostConfig struct {
	ServiceKey     string `mapstructure:"service_key"`
	CreditsPerUnit int64  `mapstructure:"credits_per_unit"`
	Unit           string `mapstructure:"unit"`
	Notes          string `mapstructure:"notes"`
}

type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MessagesPerMin  int           `mapstructure:"messages_per_min"`
	JobsPerMin      int           `mapstructure:"jobs_per_min"`
	RewardsPerMin   int           `mapstructure:"rewards_per_min"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type JobsConfig struct {
	WorkerCount       int           `mapstructure:"worker_count"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffCap        time.Duration `mapstructure:"backoff_cap"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/charhub")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Auth.RequireAuth && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth.require_auth is set")
	}
	if c.Jobs.MaxAttempts < 1 {
		return fmt.Errorf("jobs.max_attempts must be at least 1")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "120s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	viper.SetDefault("database.max_connections", 50)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	viper.SetDefault("redis.db", 0)

	viper.SetDefault("auth.jwt_issuer", "charhub")
	viper.SetDefault("auth.token_expiry", "24h")
	viper.SetDefault("auth.invite_token_ttl", "168h") // 7 days
	viper.SetDefault("auth.require_auth", true)

	viper.SetDefault("credits.daily_reward_amount", 50)
	viper.SetDefault("credits.initial_grant", 100)
	viper.SetDefault("credits.reservation_ttl", "60s")
	viper.SetDefault("credits.balance_cache_ttl", "10s")

	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.messages_per_min", 30)
	viper.SetDefault("rate_limit.jobs_per_min", 5)
	viper.SetDefault("rate_limit.rewards_per_min", 5)
	viper.SetDefault("rate_limit.cleanup_interval", "5m")

	viper.SetDefault("jobs.worker_count", 4)
	viper.SetDefault("jobs.poll_interval", "2s")
	viper.SetDefault("jobs.visibility_timeout", "5m")
	viper.SetDefault("jobs.max_attempts", 3)
	viper.SetDefault("jobs.backoff_base", "2s")
	viper.SetDefault("jobs.backoff_cap", "5m")

	viper.SetDefault("images.width", 768)
	viper.SetDefault("images.height", 1024)
	viper.SetDefault("images.timeout", "120s")

	viper.SetDefault("storage.path", "./data/objects")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "stdout")

	viper.SetDefault("cors.allowed_origins", []string{"*"})
	viper.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	viper.SetDefault("cors.allowed_headers", []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"})
	viper.SetDefault("cors.max_age", 300)
}

func bindEnvVars() {
	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("redis.url", "REDIS_URL")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("images.base_url", "IMAGES_BASE_URL")
	_ = viper.BindEnv("images.api_key", "IMAGES_API_KEY")
	_ = viper.BindEnv("storage.path", "STORAGE_PATH")
	_ = viper.BindEnv("server.port", "PORT")
	_ = viper.BindEnv("logging.level", "LOG_LEVEL")
}
