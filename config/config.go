package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Exchanges          ExchangesConfig    `json:"exchanges"`
	TradingConfig      TradingConfig      `json:"trading"`
	TrailingConfig     TrailingConfig     `json:"trailing"`
	AgedMonitorConfig  AgedMonitorConfig  `json:"aged_monitor"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	VaultConfig        VaultConfig        `json:"vault"`
	ServerConfig       ServerConfig       `json:"server"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	NotificationConfig NotificationConfig `json:"notification"`
}

// ExchangesConfig holds credentials and endpoints per exchange
type ExchangesConfig struct {
	Binance ExchangeConfig `json:"binance"`
	Bybit   ExchangeConfig `json:"bybit"`
}

type ExchangeConfig struct {
	Enabled   bool   `json:"enabled"`
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	StreamURL string `json:"stream_url"`
	TestNet   bool   `json:"testnet"`
}

type TradingConfig struct {
	MaxOpenPositions int      `json:"max_open_positions"`
	DefaultLeverage  int      `json:"default_leverage"`
	StopLossPercent  float64  `json:"stop_loss_percent"`  // default fixed SL distance from entry
	OrderTimeoutSecs int      `json:"order_timeout_secs"` // per exchange call
	DryRun           bool     `json:"dry_run"`
	TrackedSymbols   []string `json:"tracked_symbols"`
}

// TrailingConfig holds trailing stop behaviour thresholds.
// Percent values are expressed as percentages, e.g. 1.0 = 1%.
type TrailingConfig struct {
	ActivationPercent      float64 `json:"activation_percent"`       // profit % that flips WAITING -> ACTIVE
	CallbackPercent        float64 `json:"callback_percent"`         // distance behind the favorable extreme
	MinUpdateIntervalSecs  int     `json:"min_update_interval_secs"` // exchange-side SL replacement cadence
	EmergencyMovePercent   float64 `json:"emergency_move_percent"`   // improvement that bypasses the interval
	MinImprovementPercent  float64 `json:"min_improvement_percent"`  // below this the push is noise, skip
	PeakSaveIntervalSecs   int     `json:"peak_save_interval_secs"`  // persistence cadence for ratchet progress
	PeakSaveMinMovePercent float64 `json:"peak_save_min_move_percent"`
}

type AgedMonitorConfig struct {
	Enabled                  bool    `json:"enabled"`
	MaxPositionAgeHours      float64 `json:"max_position_age_hours"`
	CheckIntervalSecs        int     `json:"check_interval_secs"`
	BalanceSafetyThreshold   float64 `json:"balance_safety_threshold"` // USDT; below this progressive exits engage
	CommissionPercent        float64 `json:"commission_percent"`       // round-trip, for breakeven targets
	ForceCloseMaxRetries     int     `json:"force_close_max_retries"`
	LimitReplaceIntervalSecs int     `json:"limit_replace_interval_secs"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the trailing-state mirror and
// client order id sequences
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // console writer when false
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

func Load() (*Config, error) {
	// Base config from file, if present
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	// Environment variable overrides take precedence
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that would leave positions unprotected.
func (c *Config) Validate() error {
	if c.TrailingConfig.CallbackPercent <= 0 {
		return fmt.Errorf("trailing callback_percent must be positive, got %v", c.TrailingConfig.CallbackPercent)
	}
	if c.TrailingConfig.ActivationPercent <= 0 {
		return fmt.Errorf("trailing activation_percent must be positive, got %v", c.TrailingConfig.ActivationPercent)
	}
	if c.AgedMonitorConfig.Enabled && c.AgedMonitorConfig.MaxPositionAgeHours <= 0 {
		return fmt.Errorf("aged monitor max_position_age_hours must be positive, got %v", c.AgedMonitorConfig.MaxPositionAgeHours)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	// Binance
	cfg.Exchanges.Binance.Enabled = getEnvOrDefault("BINANCE_ENABLED", "true") == "true"
	cfg.Exchanges.Binance.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.Exchanges.Binance.APIKey)
	cfg.Exchanges.Binance.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.Exchanges.Binance.SecretKey)
	cfg.Exchanges.Binance.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.Exchanges.Binance.BaseURL)
	if cfg.Exchanges.Binance.BaseURL == "" {
		cfg.Exchanges.Binance.BaseURL = "https://fapi.binance.com"
	}
	cfg.Exchanges.Binance.StreamURL = getEnvOrDefault("BINANCE_STREAM_URL", cfg.Exchanges.Binance.StreamURL)
	if cfg.Exchanges.Binance.StreamURL == "" {
		cfg.Exchanges.Binance.StreamURL = "wss://fstream.binance.com"
	}
	cfg.Exchanges.Binance.TestNet = getEnvOrDefault("BINANCE_TESTNET", "false") == "true"

	// Bybit
	cfg.Exchanges.Bybit.Enabled = getEnvOrDefault("BYBIT_ENABLED", "false") == "true"
	cfg.Exchanges.Bybit.APIKey = getEnvOrDefault("BYBIT_API_KEY", cfg.Exchanges.Bybit.APIKey)
	cfg.Exchanges.Bybit.SecretKey = getEnvOrDefault("BYBIT_SECRET_KEY", cfg.Exchanges.Bybit.SecretKey)
	cfg.Exchanges.Bybit.BaseURL = getEnvOrDefault("BYBIT_BASE_URL", cfg.Exchanges.Bybit.BaseURL)
	if cfg.Exchanges.Bybit.BaseURL == "" {
		cfg.Exchanges.Bybit.BaseURL = "https://api.bybit.com"
	}
	cfg.Exchanges.Bybit.TestNet = getEnvOrDefault("BYBIT_TESTNET", "false") == "true"

	// Trading
	cfg.TradingConfig.MaxOpenPositions = getEnvIntOrDefault("TRADING_MAX_OPEN_POSITIONS", defaultInt(cfg.TradingConfig.MaxOpenPositions, 10))
	cfg.TradingConfig.DefaultLeverage = getEnvIntOrDefault("TRADING_DEFAULT_LEVERAGE", defaultInt(cfg.TradingConfig.DefaultLeverage, 5))
	cfg.TradingConfig.StopLossPercent = getEnvFloatOrDefault("TRADING_STOP_LOSS_PERCENT", defaultFloat(cfg.TradingConfig.StopLossPercent, 2.0))
	cfg.TradingConfig.OrderTimeoutSecs = getEnvIntOrDefault("TRADING_ORDER_TIMEOUT_SECS", defaultInt(cfg.TradingConfig.OrderTimeoutSecs, 10))
	cfg.TradingConfig.DryRun = getEnvOrDefault("TRADING_DRY_RUN", "false") == "true"

	// Trailing stops
	cfg.TrailingConfig.ActivationPercent = getEnvFloatOrDefault("TRAILING_ACTIVATION_PERCENT", defaultFloat(cfg.TrailingConfig.ActivationPercent, 1.0))
	cfg.TrailingConfig.CallbackPercent = getEnvFloatOrDefault("TRAILING_CALLBACK_PERCENT", defaultFloat(cfg.TrailingConfig.CallbackPercent, 0.5))
	cfg.TrailingConfig.MinUpdateIntervalSecs = getEnvIntOrDefault("TRAILING_MIN_UPDATE_INTERVAL_SECS", defaultInt(cfg.TrailingConfig.MinUpdateIntervalSecs, 60))
	cfg.TrailingConfig.EmergencyMovePercent = getEnvFloatOrDefault("TRAILING_EMERGENCY_MOVE_PERCENT", defaultFloat(cfg.TrailingConfig.EmergencyMovePercent, 1.0))
	cfg.TrailingConfig.MinImprovementPercent = getEnvFloatOrDefault("TRAILING_MIN_IMPROVEMENT_PERCENT", defaultFloat(cfg.TrailingConfig.MinImprovementPercent, 0.05))
	cfg.TrailingConfig.PeakSaveIntervalSecs = getEnvIntOrDefault("TRAILING_PEAK_SAVE_INTERVAL_SECS", defaultInt(cfg.TrailingConfig.PeakSaveIntervalSecs, 30))
	cfg.TrailingConfig.PeakSaveMinMovePercent = getEnvFloatOrDefault("TRAILING_PEAK_SAVE_MIN_MOVE_PERCENT", defaultFloat(cfg.TrailingConfig.PeakSaveMinMovePercent, 0.1))

	// Aged position monitor
	cfg.AgedMonitorConfig.Enabled = getEnvOrDefault("AGED_MONITOR_ENABLED", "true") == "true"
	cfg.AgedMonitorConfig.MaxPositionAgeHours = getEnvFloatOrDefault("AGED_MAX_POSITION_AGE_HOURS", defaultFloat(cfg.AgedMonitorConfig.MaxPositionAgeHours, 24))
	cfg.AgedMonitorConfig.CheckIntervalSecs = getEnvIntOrDefault("AGED_CHECK_INTERVAL_SECS", defaultInt(cfg.AgedMonitorConfig.CheckIntervalSecs, 300))
	cfg.AgedMonitorConfig.BalanceSafetyThreshold = getEnvFloatOrDefault("AGED_BALANCE_SAFETY_THRESHOLD", defaultFloat(cfg.AgedMonitorConfig.BalanceSafetyThreshold, 100))
	cfg.AgedMonitorConfig.CommissionPercent = getEnvFloatOrDefault("AGED_COMMISSION_PERCENT", defaultFloat(cfg.AgedMonitorConfig.CommissionPercent, 0.1))
	cfg.AgedMonitorConfig.ForceCloseMaxRetries = getEnvIntOrDefault("AGED_FORCE_CLOSE_MAX_RETRIES", defaultInt(cfg.AgedMonitorConfig.ForceCloseMaxRetries, 5))
	cfg.AgedMonitorConfig.LimitReplaceIntervalSecs = getEnvIntOrDefault("AGED_LIMIT_REPLACE_INTERVAL_SECS", defaultInt(cfg.AgedMonitorConfig.LimitReplaceIntervalSecs, 3600))

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultStr(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultStr(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultStr(cfg.DatabaseConfig.Database, "futures_bot"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSL_MODE", defaultStr(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultStr(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultStr(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultStr(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultStr(cfg.VaultConfig.SecretPath, "futures-bot/api-keys"))
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	// Server
	cfg.ServerConfig.Enabled = getEnvOrDefault("SERVER_ENABLED", "true") == "true"
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", defaultStr(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultStr(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", defaultInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", defaultInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	// Notifications
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", "false") == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", "false") == "true"
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
}

// OrderTimeout returns the per-call exchange timeout as a duration.
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.TradingConfig.OrderTimeoutSecs) * time.Second
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func defaultFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
