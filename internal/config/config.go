package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all gateway configuration
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Risk          RiskParams          `mapstructure:"risk"`
	Gate          GateConfig          `mapstructure:"gate"`
	Broker        BrokerConfig        `mapstructure:"broker"`
	Executor      ExecutorConfig      `mapstructure:"executor"`
	Emergency     EmergencyConfig     `mapstructure:"emergency"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Instruments   InstrumentsConfig   `mapstructure:"instruments"`
	API           APIConfig           `mapstructure:"api"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Vault         VaultConfig         `mapstructure:"vault"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// RiskParams is the per-profile risk configuration record. These are the
// gateway-wide defaults; a profile row may override any subset.
type RiskParams struct {
	MaxPositions            int     `mapstructure:"max_positions" json:"max_positions"`
	MaxRiskPerTradeFraction float64 `mapstructure:"max_risk_per_trade_fraction" json:"max_risk_per_trade_fraction"`
	MaxTotalRiskFraction    float64 `mapstructure:"max_total_risk_fraction" json:"max_total_risk_fraction"`
	MaxCVaRFraction         float64 `mapstructure:"max_cvar_fraction" json:"max_cvar_fraction"`
	DDReduceThreshold       float64 `mapstructure:"dd_reduce_threshold" json:"dd_reduce_threshold"`
	DDHaltThreshold         float64 `mapstructure:"dd_halt_threshold" json:"dd_halt_threshold"`
	KellyScale              float64 `mapstructure:"kelly_scale" json:"kelly_scale"`
	KellyMinConfidence      float64 `mapstructure:"kelly_min_confidence" json:"kelly_min_confidence"`
	MaxCorrelation          float64 `mapstructure:"max_correlation" json:"max_correlation"`
}

// GateConfig contains signal admission settings
type GateConfig struct {
	SignalRateLimitPerMinute int `mapstructure:"signal_rate_limit_per_minute"`
	GlobalSignalRateLimit    int `mapstructure:"global_signal_rate_limit"`
}

// BrokerConfig contains broker session settings. Mode selects the adapter:
// "paper" or "binance".
type BrokerConfig struct {
	Mode                 string  `mapstructure:"mode"`
	HeartbeatS           int     `mapstructure:"heartbeat_s"`
	ReconnectMaxAttempts int     `mapstructure:"reconnect_max_attempts"`
	APIKey               string  `mapstructure:"api_key"`
	SecretKey            string  `mapstructure:"secret_key"`
	Testnet              bool    `mapstructure:"testnet"`
	PaperSlippagePct     float64 `mapstructure:"paper_slippage_pct"`
}

// ExecutorConfig contains order execution settings
type ExecutorConfig struct {
	CallTimeoutS int `mapstructure:"call_timeout_s"`
	TWAPSlices   int `mapstructure:"twap_slices"`
	TWAPWindowS  int `mapstructure:"twap_window_s"`
}

// EmergencyConfig contains market-stress trigger thresholds
type EmergencyConfig struct {
	FlashCrashPct     float64 `mapstructure:"flash_crash_pct"`
	FlashCrashWindowS int     `mapstructure:"flash_crash_window_s"`
	VolMultiplier     float64 `mapstructure:"vol_multiplier"`
	SpreadMultiplier  float64 `mapstructure:"spread_multiplier"`
	CooldownMinutes   int     `mapstructure:"cooldown_minutes"`
	// Owners lists the actor identities allowed to take manual emergency
	// transitions. Kill restore needs confirmations from two of them.
	Owners []string `mapstructure:"owners"`
}

// PipelineConfig contains signal pipeline settings
type PipelineConfig struct {
	SignalTimeoutS     int `mapstructure:"signal_timeout_s"`
	QueueHighWaterMark int `mapstructure:"queue_high_water_mark"`
}

// InstrumentsConfig points at the instrument catalog file
type InstrumentsConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig contains admin REST API settings
type APIConfig struct {
	Host string        `mapstructure:"host"`
	Port int           `mapstructure:"port"`
	Auth APIAuthConfig `mapstructure:"auth"`
}

// APIAuthConfig contains static API key settings for the admin surface.
// Keys are configured as SHA-256 hex digests, each resolving to an actor
// identity used for emergency control attribution.
type APIAuthConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	HeaderName string        `mapstructure:"header_name"`
	Keys       []APIKeyEntry `mapstructure:"keys"`
}

// APIKeyEntry maps one hashed API key to an actor
type APIKeyEntry struct {
	Actor  string `mapstructure:"actor"`
	SHA256 string `mapstructure:"sha256"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// AlertsConfig contains operator alert channel settings
type AlertsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig contains Telegram alerter settings
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// NotificationsConfig contains push notification settings
type NotificationsConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	FCMCredentialsPath  string `mapstructure:"fcm_credentials_path"`
	FCMTopicEmergencies string `mapstructure:"fcm_topic_emergencies"`
}

// VaultConfig contains HashiCorp Vault settings for secret resolution
type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	AuthMethod string `mapstructure:"auth_method"` // "token", "kubernetes", "approle"
	MountPath  string `mapstructure:"mount_path"`
	SecretPath string `mapstructure:"secret_path"`
	Namespace  string `mapstructure:"namespace"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("TRADEGATE")

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "TradeGate")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "tradegate")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")

	// Risk defaults (per-profile record; profile rows may override)
	v.SetDefault("risk.max_positions", 2)
	v.SetDefault("risk.max_risk_per_trade_fraction", 0.02)
	v.SetDefault("risk.max_total_risk_fraction", 0.10)
	v.SetDefault("risk.max_cvar_fraction", 0.05)
	v.SetDefault("risk.dd_reduce_threshold", 0.10)
	v.SetDefault("risk.dd_halt_threshold", 0.15)
	v.SetDefault("risk.kelly_scale", 0.15)
	v.SetDefault("risk.kelly_min_confidence", 0.65)
	v.SetDefault("risk.max_correlation", 0.70)

	// Gate defaults
	v.SetDefault("gate.signal_rate_limit_per_minute", 10)
	v.SetDefault("gate.global_signal_rate_limit", 120)

	// Broker defaults
	v.SetDefault("broker.mode", "paper")
	v.SetDefault("broker.heartbeat_s", 15)
	v.SetDefault("broker.reconnect_max_attempts", 5)
	v.SetDefault("broker.testnet", true)
	v.SetDefault("broker.paper_slippage_pct", 0.0005)

	// Executor defaults
	v.SetDefault("executor.call_timeout_s", 3)
	v.SetDefault("executor.twap_slices", 4)
	v.SetDefault("executor.twap_window_s", 120)

	// Emergency defaults
	v.SetDefault("emergency.flash_crash_pct", 2.0)
	v.SetDefault("emergency.flash_crash_window_s", 60)
	v.SetDefault("emergency.vol_multiplier", 3.0)
	v.SetDefault("emergency.spread_multiplier", 10.0)
	v.SetDefault("emergency.cooldown_minutes", 30)

	// Pipeline defaults
	v.SetDefault("pipeline.signal_timeout_s", 30)
	v.SetDefault("pipeline.queue_high_water_mark", 64)

	// Instruments defaults
	v.SetDefault("instruments.path", "./configs/instruments.yaml")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", APIServerPort)
	v.SetDefault("api.auth.enabled", false)
	v.SetDefault("api.auth.header_name", "X-API-Key")

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", MetricsPort)
	v.SetDefault("monitoring.enable_metrics", true)

	// Alerts defaults
	v.SetDefault("alerts.telegram.enabled", false)

	// Notifications defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.fcm_topic_emergencies", "tradegate-emergencies")

	// Vault defaults
	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", fmt.Sprintf("http://localhost:%d", VaultPort))
	v.SetDefault("vault.auth_method", "token")
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", "tradegate/production")
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the admin API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SignalTimeout returns the per-signal pipeline budget as a Duration
func (c *PipelineConfig) SignalTimeout() time.Duration {
	return time.Duration(c.SignalTimeoutS) * time.Second
}

// HeartbeatInterval returns the broker heartbeat interval as a Duration
func (c *BrokerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatS) * time.Second
}

// FlashCrashWindow returns the flash-crash detection window as a Duration
func (c *EmergencyConfig) FlashCrashWindow() time.Duration {
	return time.Duration(c.FlashCrashWindowS) * time.Second
}

// Cooldown returns the post-trigger cooldown as a Duration
func (c *EmergencyConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}
