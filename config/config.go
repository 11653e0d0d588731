package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerConfig    ServerConfig    `json:"server"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	AuthConfig      AuthConfig      `json:"auth"`
	VaultConfig     VaultConfig     `json:"vault"`
	KrakenConfig    KrakenConfig    `json:"kraken"`
	CommerceConfig  CommerceConfig  `json:"commerce"`
	BillingConfig   BillingConfig   `json:"billing"`
	BalanceConfig   BalanceConfig   `json:"balance_check"`
	ReconcileConfig ReconcileConfig `json:"reconcile"`
	RedisConfig     RedisConfig     `json:"redis"`
	MetricsConfig   MetricsConfig   `json:"metrics"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
	ProductionMode  bool   `json:"production_mode"`
}

// AuthConfig holds platform authentication configuration.
// MasterKey authenticates the signal broadcaster and mints admin tokens;
// agent keys are per-user and stored hashed in the database.
type AuthConfig struct {
	MasterKey          string        `json:"master_key"`
	JWTSecret          string        `json:"jwt_secret"`
	AdminTokenDuration time.Duration `json:"admin_token_duration"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for exchange credentials
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// KrakenConfig holds Kraken Futures API configuration.
// Credentials are always per-user; only non-credential settings live here.
type KrakenConfig struct {
	BaseURL        string `json:"base_url"`
	Demo           bool   `json:"demo"`
	MockMode       bool   `json:"mock_mode"` // Use simulated data when the exchange is unavailable
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// CommerceConfig holds Coinbase Commerce payment configuration
type CommerceConfig struct {
	Enabled       bool   `json:"enabled"`
	APIKey        string `json:"api_key"`
	WebhookSecret string `json:"webhook_secret"`
}

// BillingConfig holds the profit-share billing configuration
type BillingConfig struct {
	Enabled           bool    `json:"enabled"`
	CycleLengthDays   int     `json:"cycle_length_days"`   // Rolling cycle length, default 30
	CheckIntervalMins int     `json:"check_interval_mins"` // How often due cycles are evaluated
	StandardRate      float64 `json:"standard_rate"`       // Default 0.10
	VIPRate           float64 `json:"vip_rate"`            // Default 0.05
	TeamRate          float64 `json:"team_rate"`           // Default 0.0
}

// BalanceConfig holds the balance reconciliation configuration
type BalanceConfig struct {
	Enabled              bool    `json:"enabled"`
	IntervalMins         int     `json:"interval_mins"`         // Default 60
	StartupDelaySecs     int     `json:"startup_delay_secs"`    // Default 30, lets migrations finish
	DiscrepancyThreshold float64 `json:"discrepancy_threshold"` // USD, default 10
}

// ReconcileConfig holds the trade backfill configuration
type ReconcileConfig struct {
	LookbackDays       int `json:"lookback_days"`        // Default 30
	DedupToleranceSecs int `json:"dedup_tolerance_secs"` // Default 60
}

// RedisConfig holds Redis configuration for the signal relay
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// MetricsConfig holds Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Note: exchange API keys are NOT read from environment. All credentials are
// per-user, encrypted in the database or stored in Vault.
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", 30)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", 30)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10)
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("PRODUCTION_MODE", "false") == "true"

	// Auth config - ALWAYS apply from environment
	cfg.AuthConfig.MasterKey = getEnvOrDefault("MASTER_KEY", cfg.AuthConfig.MasterKey)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AdminTokenDuration = getEnvDurationOrDefault("AUTH_ADMIN_TOKEN_DURATION", 1*time.Hour)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "follower-platform/exchange-keys")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	// Kraken config
	cfg.KrakenConfig.BaseURL = getEnvOrDefault("KRAKEN_FUTURES_BASE_URL", cfg.KrakenConfig.BaseURL)
	if cfg.KrakenConfig.BaseURL == "" {
		cfg.KrakenConfig.BaseURL = "https://futures.kraken.com"
	}
	cfg.KrakenConfig.Demo = getEnvOrDefault("KRAKEN_DEMO", "false") == "true"
	cfg.KrakenConfig.MockMode = getEnvOrDefault("MOCK_MODE", "false") == "true"
	cfg.KrakenConfig.TimeoutSeconds = getEnvIntOrDefault("KRAKEN_TIMEOUT_SECONDS", 10)

	// Commerce config
	cfg.CommerceConfig.Enabled = getEnvOrDefault("COMMERCE_ENABLED", "false") == "true"
	cfg.CommerceConfig.APIKey = getEnvOrDefault("COINBASE_COMMERCE_API_KEY", cfg.CommerceConfig.APIKey)
	cfg.CommerceConfig.WebhookSecret = getEnvOrDefault("COINBASE_COMMERCE_WEBHOOK_SECRET", cfg.CommerceConfig.WebhookSecret)

	// Billing config
	cfg.BillingConfig.Enabled = getEnvOrDefault("BILLING_ENABLED", "true") == "true"
	cfg.BillingConfig.CycleLengthDays = getEnvIntOrDefault("BILLING_CYCLE_DAYS", 30)
	cfg.BillingConfig.CheckIntervalMins = getEnvIntOrDefault("BILLING_CHECK_INTERVAL_MINS", 60)
	cfg.BillingConfig.StandardRate = getEnvFloatOrDefault("BILLING_STANDARD_RATE", 0.10)
	cfg.BillingConfig.VIPRate = getEnvFloatOrDefault("BILLING_VIP_RATE", 0.05)
	cfg.BillingConfig.TeamRate = getEnvFloatOrDefault("BILLING_TEAM_RATE", 0.0)

	// Balance check config
	cfg.BalanceConfig.Enabled = getEnvOrDefault("BALANCE_CHECK_ENABLED", "true") == "true"
	cfg.BalanceConfig.IntervalMins = getEnvIntOrDefault("BALANCE_CHECK_INTERVAL_MINS", 60)
	cfg.BalanceConfig.StartupDelaySecs = getEnvIntOrDefault("BALANCE_CHECK_STARTUP_DELAY_SECS", 30)
	cfg.BalanceConfig.DiscrepancyThreshold = getEnvFloatOrDefault("BALANCE_DISCREPANCY_THRESHOLD", 10.0)

	// Reconcile config
	cfg.ReconcileConfig.LookbackDays = getEnvIntOrDefault("RECONCILE_LOOKBACK_DAYS", 30)
	cfg.ReconcileConfig.DedupToleranceSecs = getEnvIntOrDefault("RECONCILE_DEDUP_TOLERANCE_SECS", 60)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	// Metrics config
	cfg.MetricsConfig.Enabled = getEnvOrDefault("METRICS_ENABLED", "true") == "true"
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		LoggingConfig: LoggingConfig{
			Level:       "INFO",
			Output:      "stdout",
			JSONFormat:  true,
			IncludeFile: false,
		},
		KrakenConfig: KrakenConfig{
			BaseURL:        "https://futures.kraken.com",
			Demo:           true,
			TimeoutSeconds: 10,
		},
		BillingConfig: BillingConfig{
			Enabled:           true,
			CycleLengthDays:   30,
			CheckIntervalMins: 60,
			StandardRate:      0.10,
			VIPRate:           0.05,
			TeamRate:          0.0,
		},
		BalanceConfig: BalanceConfig{
			Enabled:              true,
			IntervalMins:         60,
			StartupDelaySecs:     30,
			DiscrepancyThreshold: 10.0,
		},
		ReconcileConfig: ReconcileConfig{
			LookbackDays:       30,
			DedupToleranceSecs: 60,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
