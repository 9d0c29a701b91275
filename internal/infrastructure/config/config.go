package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Log          LogConfig
	HTTP         HTTPConfig
	Broker       BrokerConfig
	Orchestrator OrchestratorConfig
	Resilience   ResilienceConfig
	Alerting     AlertingConfig
	Archive      ArchiveConfig
	Systems      []SystemConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns the host:port address for the Redis client.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JWTConfig holds JWT settings
type JWTConfig struct {
	Secret                string
	Issuer                string
	AccessTokenExpiration time.Duration
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSAllowOrigins  []string
	TrustedProxies    []string
}

// BrokerConfig holds message broker tuning
type BrokerConfig struct {
	PollInterval time.Duration
	StatusTTL    time.Duration
	StopTimeout  time.Duration
}

// OrchestratorConfig holds scheduled job configuration
type OrchestratorConfig struct {
	HealthCheckInterval time.Duration
	IncrementalInterval time.Duration
	FullResyncHour      int // hour of day, 0-23
	CleanupInterval     time.Duration
	HistoryRetention    time.Duration
	LockTTL             time.Duration
	LowStockThreshold   float64
}

// ResilienceConfig holds circuit breaker and retry tuning
type ResilienceConfig struct {
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	BreakerMinSamples       int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	RateLimitFloor          time.Duration
	RetryJitter             float64
}

// AlertingConfig holds monitoring rule thresholds
type AlertingConfig struct {
	Enabled             bool
	Cooldown            time.Duration
	DeadLetterThreshold int
	QueueDepthThreshold int64
}

// ArchiveConfig holds S3-compatible dead-letter archive settings
type ArchiveConfig struct {
	Enabled      bool
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	UsePathStyle bool
}

// SystemConfig describes one external business system to synchronize
type SystemConfig struct {
	Name      string `mapstructure:"name"`
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	RateLimit int    `mapstructure:"rate_limit"` // requests per window, 0 = unlimited
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with SYNC_ prefix (e.g., SYNC_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./backend")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:                v.GetString("jwt.secret"),
			Issuer:                v.GetString("jwt.issuer"),
			AccessTokenExpiration: v.GetDuration("jwt.access_token_expiration"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:       v.GetDuration("http.read_timeout"),
			WriteTimeout:      v.GetDuration("http.write_timeout"),
			IdleTimeout:       v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:    v.GetInt("http.max_header_bytes"),
			RateLimitEnabled:  v.GetBool("http.rate_limit_enabled"),
			RateLimitRequests: v.GetInt("http.rate_limit_requests"),
			RateLimitWindow:   v.GetDuration("http.rate_limit_window"),
			CORSAllowOrigins:  v.GetStringSlice("http.cors_allow_origins"),
			TrustedProxies:    v.GetStringSlice("http.trusted_proxies"),
		},
		Broker: BrokerConfig{
			PollInterval: v.GetDuration("broker.poll_interval"),
			StatusTTL:    v.GetDuration("broker.status_ttl"),
			StopTimeout:  v.GetDuration("broker.stop_timeout"),
		},
		Orchestrator: OrchestratorConfig{
			HealthCheckInterval: v.GetDuration("orchestrator.health_check_interval"),
			IncrementalInterval: v.GetDuration("orchestrator.incremental_interval"),
			FullResyncHour:      v.GetInt("orchestrator.full_resync_hour"),
			CleanupInterval:     v.GetDuration("orchestrator.cleanup_interval"),
			HistoryRetention:    v.GetDuration("orchestrator.history_retention"),
			LockTTL:             v.GetDuration("orchestrator.lock_ttl"),
			LowStockThreshold:   v.GetFloat64("orchestrator.low_stock_threshold"),
		},
		Resilience: ResilienceConfig{
			BreakerFailureThreshold: v.GetInt("resilience.breaker_failure_threshold"),
			BreakerResetTimeout:     v.GetDuration("resilience.breaker_reset_timeout"),
			BreakerMinSamples:       v.GetInt("resilience.breaker_min_samples"),
			RetryBaseDelay:          v.GetDuration("resilience.retry_base_delay"),
			RetryMaxDelay:           v.GetDuration("resilience.retry_max_delay"),
			RateLimitFloor:          v.GetDuration("resilience.rate_limit_floor"),
			RetryJitter:             v.GetFloat64("resilience.retry_jitter"),
		},
		Alerting: AlertingConfig{
			Enabled:             v.GetBool("alerting.enabled"),
			Cooldown:            v.GetDuration("alerting.cooldown"),
			DeadLetterThreshold: v.GetInt("alerting.dead_letter_threshold"),
			QueueDepthThreshold: v.GetInt64("alerting.queue_depth_threshold"),
		},
		Archive: ArchiveConfig{
			Enabled:      v.GetBool("archive.enabled"),
			Endpoint:     v.GetString("archive.endpoint"),
			Region:       v.GetString("archive.region"),
			Bucket:       v.GetString("archive.bucket"),
			AccessKey:    v.GetString("archive.access_key"),
			SecretKey:    v.GetString("archive.secret_key"),
			UseSSL:       v.GetBool("archive.use_ssl"),
			UsePathStyle: v.GetBool("archive.use_path_style"),
		},
	}

	if err := v.UnmarshalKey("systems", &cfg.Systems); err != nil {
		return nil, fmt.Errorf("error parsing systems config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "syncbridge"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "syncbridge"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "syncbridge"
	}
	if cfg.JWT.AccessTokenExpiration == 0 {
		cfg.JWT.AccessTokenExpiration = time.Hour
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		// SSE connections write indefinitely; the write timeout must stay 0
		// when streaming, so this only bounds the JSON API paths. See the
		// realtime handler for how streaming bypasses it.
		cfg.HTTP.WriteTimeout = 0
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.RateLimitRequests == 0 {
		cfg.HTTP.RateLimitRequests = 100
	}
	if cfg.HTTP.RateLimitWindow == 0 {
		cfg.HTTP.RateLimitWindow = 10 * time.Second
	}
	if cfg.Broker.PollInterval == 0 {
		cfg.Broker.PollInterval = 250 * time.Millisecond
	}
	if cfg.Broker.StatusTTL == 0 {
		cfg.Broker.StatusTTL = time.Hour
	}
	if cfg.Broker.StopTimeout == 0 {
		cfg.Broker.StopTimeout = 10 * time.Second
	}
	if cfg.Orchestrator.HealthCheckInterval == 0 {
		cfg.Orchestrator.HealthCheckInterval = 30 * time.Second
	}
	if cfg.Orchestrator.IncrementalInterval == 0 {
		cfg.Orchestrator.IncrementalInterval = time.Hour
	}
	if cfg.Orchestrator.CleanupInterval == 0 {
		cfg.Orchestrator.CleanupInterval = 24 * time.Hour
	}
	if cfg.Orchestrator.HistoryRetention == 0 {
		cfg.Orchestrator.HistoryRetention = 30 * 24 * time.Hour
	}
	if cfg.Orchestrator.LockTTL == 0 {
		cfg.Orchestrator.LockTTL = 10 * time.Minute
	}
	if cfg.Orchestrator.LowStockThreshold == 0 {
		cfg.Orchestrator.LowStockThreshold = 10
	}
	if cfg.Resilience.BreakerFailureThreshold == 0 {
		cfg.Resilience.BreakerFailureThreshold = 5
	}
	if cfg.Resilience.BreakerResetTimeout == 0 {
		cfg.Resilience.BreakerResetTimeout = 30 * time.Second
	}
	if cfg.Resilience.BreakerMinSamples == 0 {
		cfg.Resilience.BreakerMinSamples = 10
	}
	if cfg.Resilience.RetryBaseDelay == 0 {
		cfg.Resilience.RetryBaseDelay = time.Second
	}
	if cfg.Resilience.RetryMaxDelay == 0 {
		cfg.Resilience.RetryMaxDelay = 2 * time.Minute
	}
	if cfg.Resilience.RateLimitFloor == 0 {
		cfg.Resilience.RateLimitFloor = 30 * time.Second
	}
	if cfg.Resilience.RetryJitter == 0 {
		cfg.Resilience.RetryJitter = 0.2
	}
	if cfg.Alerting.Cooldown == 0 {
		cfg.Alerting.Cooldown = 10 * time.Minute
	}
	if cfg.Alerting.DeadLetterThreshold == 0 {
		cfg.Alerting.DeadLetterThreshold = 10
	}
	if cfg.Alerting.QueueDepthThreshold == 0 {
		cfg.Alerting.QueueDepthThreshold = 1000
	}
	if cfg.Archive.Region == "" {
		cfg.Archive.Region = "us-east-1"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Orchestrator.FullResyncHour < 0 || c.Orchestrator.FullResyncHour > 23 {
		return fmt.Errorf("orchestrator.full_resync_hour must be between 0 and 23, got %d", c.Orchestrator.FullResyncHour)
	}
	if c.Resilience.RetryJitter < 0 || c.Resilience.RetryJitter > 1 {
		return fmt.Errorf("resilience.retry_jitter must be between 0.0 and 1.0, got %f", c.Resilience.RetryJitter)
	}

	seen := make(map[string]bool, len(c.Systems))
	for _, sys := range c.Systems {
		if sys.Name == "" {
			return fmt.Errorf("systems entries require a name")
		}
		if seen[sys.Name] {
			return fmt.Errorf("duplicate system name %q", sys.Name)
		}
		seen[sys.Name] = true
	}

	if c.App.Env == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is required in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		if c.Archive.Enabled && (c.Archive.Bucket == "" || c.Archive.AccessKey == "" || c.Archive.SecretKey == "") {
			return fmt.Errorf("archive.bucket, archive.access_key and archive.secret_key are required when the archive is enabled in production")
		}
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
