package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"
)

type Config struct {
	ListenAddr     string   `json:"listen_addr"`
	AppEnv         string   `json:"app_env"`
	LogLevel       string   `json:"log_level"`
	CORSOrigins    []string `json:"cors_origins"`
	TrustedProxies []string `json:"trusted_proxies"`

	DatabaseURL    string `json:"database_url"`
	DatabaseDebug  bool   `json:"database_debug"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	RedisAddr           string `json:"redis_addr"`
	RedisPassword       string `json:"redis_password"`
	RedisDB             int    `json:"redis_db"`
	RedisPrefix         string `json:"redis_prefix"`
	NotificationChannel string `json:"notification_channel"`

	TxTimeoutSeconds      int    `json:"tx_timeout_seconds"`
	RenewalCeiling        int    `json:"renewal_ceiling"`
	RenewalLookaheadHours int    `json:"renewal_lookahead_hours"`
	ExpirySchedule        string `json:"expiry_schedule"`
	DuplicateSchedule     string `json:"duplicate_schedule"`
	ReminderSchedule      string `json:"reminder_schedule"`
	LockTTLSeconds        int    `json:"lock_ttl_seconds"`

	PreferredGateway     string `json:"preferred_gateway"`
	StripeSecretKey      string `json:"stripe_secret_key"`
	StripePublishableKey string `json:"stripe_publishable_key"`
	StripeWebhookSecret  string `json:"stripe_webhook_secret"`
	PayPalBaseURL        string `json:"paypal_base_url"`
	PayPalClientID       string `json:"paypal_client_id"`
	PayPalClientSecret   string `json:"paypal_client_secret"`
	PayPalWebhookID      string `json:"paypal_webhook_id"`
	PayPalReturnURL      string `json:"paypal_return_url"`
	PayPalCancelURL      string `json:"paypal_cancel_url"`

	ApiKey       string `json:"api_key"`
	ApiKeySecret string `json:"api_key_secret"`

	JWTIssuer string `json:"jwt_issuer"`
}

func LoadConfig(dir string) (*Config, error) {
	cfg := DefaultConfig()

	// Load config (JSON + env overrides)
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = DEFAULT_CONFIG_FILE
	}

	if !strings.HasPrefix(configPath, "/") && dir != "" {
		configPath = path.Join(dir, configPath)
	}

	if _, err := os.Stat(configPath); err == nil {
		fileCfg, err := LoadConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		cfg.applyConfigOverrides(fileCfg)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

func LoadConfigFile(path string) (*Config, error) {
	cfg := &Config{}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:            DEFAULT_LISTEN_ADDR,
		AppEnv:                DEFAULT_APP_ENV,
		LogLevel:              DEFAULT_LOG_LEVEL,
		DBMaxOpenConns:        DEFAULT_DB_MAX_OPEN_CONNS,
		RedisAddr:             DEFAULT_REDIS_ADDR,
		RedisPassword:         DEFAULT_REDIS_PASSWORD,
		RedisPrefix:           DEFAULT_REDIS_PREFIX,
		NotificationChannel:   DEFAULT_NOTIFICATION_CHANNEL,
		TxTimeoutSeconds:      DEFAULT_TX_TIMEOUT_SECONDS,
		RenewalCeiling:        DEFAULT_RENEWAL_CEILING,
		RenewalLookaheadHours: DEFAULT_RENEWAL_LOOKAHEAD_HOURS,
		ExpirySchedule:        DEFAULT_EXPIRY_SCHEDULE,
		DuplicateSchedule:     DEFAULT_DUPLICATE_SCHEDULE,
		ReminderSchedule:      DEFAULT_REMINDER_SCHEDULE,
		LockTTLSeconds:        DEFAULT_LOCK_TTL_SECONDS,
		PreferredGateway:      DEFAULT_PREFERRED_GATEWAY,
		PayPalBaseURL:         DEFAULT_PAYPAL_BASE_URL,
		JWTIssuer:             DEFAULT_JWT_ISSUER,
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.AppEnv = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		c.TrustedProxies = splitList(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("DB_DEBUG"); v != "" {
		c.DatabaseDebug = parseBool(v)
	}
	if v := os.Getenv("DB_MAX_OPEN_CONNS"); v != "" {
		c.DBMaxOpenConns = atoiOrDefault(v, c.DBMaxOpenConns)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		c.RedisDB = atoiOrDefault(v, c.RedisDB)
	}
	if v := os.Getenv("REDIS_PREFIX"); v != "" {
		c.RedisPrefix = v
	}
	if v := os.Getenv("NOTIFICATION_CHANNEL"); v != "" {
		c.NotificationChannel = v
	}
	if v := os.Getenv("TX_TIMEOUT_SECONDS"); v != "" {
		c.TxTimeoutSeconds = atoiOrDefault(v, c.TxTimeoutSeconds)
	}
	if v := os.Getenv("RENEWAL_CEILING"); v != "" {
		c.RenewalCeiling = atoiOrDefault(v, c.RenewalCeiling)
	}
	if v := os.Getenv("RENEWAL_LOOKAHEAD_HOURS"); v != "" {
		c.RenewalLookaheadHours = atoiOrDefault(v, c.RenewalLookaheadHours)
	}
	if v := os.Getenv("EXPIRY_SCHEDULE"); v != "" {
		c.ExpirySchedule = v
	}
	if v := os.Getenv("DUPLICATE_SCHEDULE"); v != "" {
		c.DuplicateSchedule = v
	}
	if v := os.Getenv("REMINDER_SCHEDULE"); v != "" {
		c.ReminderSchedule = v
	}
	if v := os.Getenv("LOCK_TTL_SECONDS"); v != "" {
		c.LockTTLSeconds = atoiOrDefault(v, c.LockTTLSeconds)
	}
	if v := os.Getenv("PREFERRED_GATEWAY"); v != "" {
		c.PreferredGateway = v
	}
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		c.StripeSecretKey = v
	}
	if v := os.Getenv("STRIPE_PUBLISHABLE_KEY"); v != "" {
		c.StripePublishableKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		c.StripeWebhookSecret = v
	}
	if v := os.Getenv("PAYPAL_BASE_URL"); v != "" {
		c.PayPalBaseURL = v
	}
	if v := os.Getenv("PAYPAL_CLIENT_ID"); v != "" {
		c.PayPalClientID = v
	}
	if v := os.Getenv("PAYPAL_CLIENT_SECRET"); v != "" {
		c.PayPalClientSecret = v
	}
	if v := os.Getenv("PAYPAL_WEBHOOK_ID"); v != "" {
		c.PayPalWebhookID = v
	}
	if v := os.Getenv("PAYPAL_RETURN_URL"); v != "" {
		c.PayPalReturnURL = v
	}
	if v := os.Getenv("PAYPAL_CANCEL_URL"); v != "" {
		c.PayPalCancelURL = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.ApiKey = v
	}
	if v := os.Getenv("API_KEY_SECRET"); v != "" {
		c.ApiKeySecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		c.JWTIssuer = v
	}
}

func (c *Config) applyConfigOverrides(cfg *Config) {
	if cfg.ListenAddr != "" {
		c.ListenAddr = cfg.ListenAddr
	}
	if cfg.AppEnv != "" {
		c.AppEnv = cfg.AppEnv
	}
	if cfg.LogLevel != "" {
		c.LogLevel = cfg.LogLevel
	}
	if len(cfg.CORSOrigins) > 0 {
		c.CORSOrigins = cfg.CORSOrigins
	}
	if len(cfg.TrustedProxies) > 0 {
		c.TrustedProxies = cfg.TrustedProxies
	}
	if cfg.DatabaseURL != "" {
		c.DatabaseURL = cfg.DatabaseURL
	}
	c.DatabaseDebug = cfg.DatabaseDebug
	if cfg.DBMaxOpenConns != 0 {
		c.DBMaxOpenConns = cfg.DBMaxOpenConns
	}
	if cfg.RedisAddr != "" {
		c.RedisAddr = cfg.RedisAddr
	}
	if cfg.RedisPassword != "" {
		c.RedisPassword = cfg.RedisPassword
	}
	if cfg.RedisDB != 0 {
		c.RedisDB = cfg.RedisDB
	}
	if cfg.RedisPrefix != "" {
		c.RedisPrefix = cfg.RedisPrefix
	}
	if cfg.NotificationChannel != "" {
		c.NotificationChannel = cfg.NotificationChannel
	}
	if cfg.TxTimeoutSeconds != 0 {
		c.TxTimeoutSeconds = cfg.TxTimeoutSeconds
	}
	if cfg.RenewalCeiling != 0 {
		c.RenewalCeiling = cfg.RenewalCeiling
	}
	if cfg.RenewalLookaheadHours != 0 {
		c.RenewalLookaheadHours = cfg.RenewalLookaheadHours
	}
	if cfg.ExpirySchedule != "" {
		c.ExpirySchedule = cfg.ExpirySchedule
	}
	if cfg.DuplicateSchedule != "" {
		c.DuplicateSchedule = cfg.DuplicateSchedule
	}
	if cfg.ReminderSchedule != "" {
		c.ReminderSchedule = cfg.ReminderSchedule
	}
	if cfg.LockTTLSeconds != 0 {
		c.LockTTLSeconds = cfg.LockTTLSeconds
	}
	if cfg.PreferredGateway != "" {
		c.PreferredGateway = cfg.PreferredGateway
	}
	if cfg.StripeSecretKey != "" {
		c.StripeSecretKey = cfg.StripeSecretKey
	}
	if cfg.StripePublishableKey != "" {
		c.StripePublishableKey = cfg.StripePublishableKey
	}
	if cfg.StripeWebhookSecret != "" {
		c.StripeWebhookSecret = cfg.StripeWebhookSecret
	}
	if cfg.PayPalBaseURL != "" {
		c.PayPalBaseURL = cfg.PayPalBaseURL
	}
	if cfg.PayPalClientID != "" {
		c.PayPalClientID = cfg.PayPalClientID
	}
	if cfg.PayPalClientSecret != "" {
		c.PayPalClientSecret = cfg.PayPalClientSecret
	}
	if cfg.PayPalWebhookID != "" {
		c.PayPalWebhookID = cfg.PayPalWebhookID
	}
	if cfg.PayPalReturnURL != "" {
		c.PayPalReturnURL = cfg.PayPalReturnURL
	}
	if cfg.PayPalCancelURL != "" {
		c.PayPalCancelURL = cfg.PayPalCancelURL
	}
	if cfg.ApiKey != "" {
		c.ApiKey = cfg.ApiKey
	}
	if cfg.ApiKeySecret != "" {
		c.ApiKeySecret = cfg.ApiKeySecret
	}
	if cfg.JWTIssuer != "" {
		c.JWTIssuer = cfg.JWTIssuer
	}
}

// Validate reports settings the service cannot start without
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required"))
	}
	if c.TxTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("tx_timeout_seconds must be positive"))
	}
	if c.RenewalCeiling <= 0 {
		errs = append(errs, errors.New("renewal_ceiling must be positive"))
	}
	switch c.PreferredGateway {
	case "", "stripe", "paypal":
	default:
		errs = append(errs, fmt.Errorf("unknown preferred_gateway %q", c.PreferredGateway))
	}
	if (c.ApiKey == "") != (c.ApiKeySecret == "") {
		errs = append(errs, errors.New("api_key and api_key_secret must be set together"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func (c *Config) TxTimeout() time.Duration {
	return time.Duration(c.TxTimeoutSeconds) * time.Second
}

func (c *Config) RenewalLookahead() time.Duration {
	return time.Duration(c.RenewalLookaheadHours) * time.Hour
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(s string) bool {
	return strings.ToLower(s) == "true" || s == "1"
}

func atoiOrDefault(s string, def int) int {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return def
	}
	return n
}
