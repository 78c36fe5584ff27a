// Package config loads service settings from the environment, an optional
// .env file and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/zyndor1548/storefront-payments/internal/logging"
)

type Config struct {
	HTTPAddr   string
	LogLevel   logging.LogLevel
	LogMaskPII bool

	MySQLDSN   string
	SQLitePath string

	RedisAddr     string
	RedisPassword string

	JWTSecret        string
	AdminAPIKeyHash  string
	RequireIdentity  bool
	RequestTimeout   time.Duration
	DefaultProvider  string
	ReturnURL        string
	CancelURL        string
	StatsCacheTTL    time.Duration
	NotifySQSQueue   string
	AWSRegion        string
	WebhookReplayTTL time.Duration

	Provider  ProviderConfig
	RateLimit RateLimitConfig
	Reconcile ReconcileConfig

	Moneroo  MonerooConfig
	PayDunya PayDunyaConfig
}

type ProviderConfig struct {
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

type RateLimitConfig struct {
	Window    time.Duration
	MaxGlobal int
	MaxUser   int
	MaxStore  int
}

type ReconcileConfig struct {
	Pause      time.Duration
	BatchLimit int
}

type MonerooConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
}

type PayDunyaConfig struct {
	BaseURL       string
	MasterKey     string
	PrivateKey    string
	Token         string
	StoreName     string
	WebhookSecret string
}

var defaults = map[string]interface{}{
	"HTTP_ADDR":                 ":8080",
	"LOG_LEVEL":                 "INFO",
	"LOG_MASK_PII":              true,
	"SQLITE_PATH":               "storefront.db",
	"REDIS_ADDR":                "",
	"REQUIRE_IDENTITY":          false,
	"REQUEST_TIMEOUT_MS":        60000,
	"PROVIDER_TIMEOUT_MS":       30000,
	"PROVIDER_MAX_RETRIES":      3,
	"PROVIDER_RETRY_BACKOFF_MS": 1000,
	"RATE_LIMIT_WINDOW_MS":      60000,
	"RATE_LIMIT_MAX_GLOBAL":     100,
	"RATE_LIMIT_MAX_USER":       20,
	"RATE_LIMIT_MAX_STORE":      50,
	"STATS_CACHE_TTL_MS":        300000,
	"WEBHOOK_REPLAY_TTL_MS":     86400000,
	"MONEROO_BASE_URL":          "https://api.moneroo.io",
	"PAYDUNYA_BASE_URL":         "https://app.paydunya.com/api/v1",
	"PAYDUNYA_STORE_NAME":       "Storefront",
	"DEFAULT_PROVIDER":          "moneroo",
	"AWS_REGION":                "us-east-1",
	"RECONCILE_PAUSE_MS":        200,
	"RECONCILE_BATCH_LIMIT":     100,
}

// Load reads configuration. path names an optional YAML file whose keys
// use the same names as the environment variables; an empty path skips it.
// A missing .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ms(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		HTTPAddr:         v.GetString("HTTP_ADDR"),
		LogLevel:         logging.ParseLevel(v.GetString("LOG_LEVEL")),
		LogMaskPII:       v.GetBool("LOG_MASK_PII"),
		MySQLDSN:         v.GetString("MYSQL_DSN"),
		SQLitePath:       v.GetString("SQLITE_PATH"),
		RedisAddr:        v.GetString("REDIS_ADDR"),
		RedisPassword:    v.GetString("REDIS_PASSWORD"),
		JWTSecret:        v.GetString("JWT_SECRET"),
		AdminAPIKeyHash:  v.GetString("ADMIN_API_KEY_HASH"),
		RequireIdentity:  v.GetBool("REQUIRE_IDENTITY"),
		RequestTimeout:   ms(v, "REQUEST_TIMEOUT_MS"),
		DefaultProvider:  strings.ToLower(v.GetString("DEFAULT_PROVIDER")),
		ReturnURL:        v.GetString("RETURN_URL"),
		CancelURL:        v.GetString("CANCEL_URL"),
		StatsCacheTTL:    ms(v, "STATS_CACHE_TTL_MS"),
		NotifySQSQueue:   v.GetString("NOTIFY_SQS_QUEUE_URL"),
		AWSRegion:        v.GetString("AWS_REGION"),
		WebhookReplayTTL: ms(v, "WEBHOOK_REPLAY_TTL_MS"),
		Provider: ProviderConfig{
			Timeout:      ms(v, "PROVIDER_TIMEOUT_MS"),
			MaxRetries:   v.GetInt("PROVIDER_MAX_RETRIES"),
			RetryBackoff: ms(v, "PROVIDER_RETRY_BACKOFF_MS"),
		},
		RateLimit: RateLimitConfig{
			Window:    ms(v, "RATE_LIMIT_WINDOW_MS"),
			MaxGlobal: v.GetInt("RATE_LIMIT_MAX_GLOBAL"),
			MaxUser:   v.GetInt("RATE_LIMIT_MAX_USER"),
			MaxStore:  v.GetInt("RATE_LIMIT_MAX_STORE"),
		},
		Reconcile: ReconcileConfig{
			Pause:      ms(v, "RECONCILE_PAUSE_MS"),
			BatchLimit: v.GetInt("RECONCILE_BATCH_LIMIT"),
		},
		Moneroo: MonerooConfig{
			BaseURL:       v.GetString("MONEROO_BASE_URL"),
			SecretKey:     v.GetString("MONEROO_SECRET_KEY"),
			WebhookSecret: v.GetString("MONEROO_WEBHOOK_SECRET"),
		},
		PayDunya: PayDunyaConfig{
			BaseURL:       v.GetString("PAYDUNYA_BASE_URL"),
			MasterKey:     v.GetString("PAYDUNYA_MASTER_KEY"),
			PrivateKey:    v.GetString("PAYDUNYA_PRIVATE_KEY"),
			Token:         v.GetString("PAYDUNYA_TOKEN"),
			StoreName:     v.GetString("PAYDUNYA_STORE_NAME"),
			WebhookSecret: v.GetString("PAYDUNYA_WEBHOOK_SECRET"),
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Provider.Timeout <= 0 {
		errs = append(errs, errors.New("PROVIDER_TIMEOUT_MS must be positive"))
	}
	if c.Provider.MaxRetries < 0 {
		errs = append(errs, errors.New("PROVIDER_MAX_RETRIES must not be negative"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW_MS must be positive"))
	}
	for name, n := range map[string]int{
		"RATE_LIMIT_MAX_GLOBAL": c.RateLimit.MaxGlobal,
		"RATE_LIMIT_MAX_USER":   c.RateLimit.MaxUser,
		"RATE_LIMIT_MAX_STORE":  c.RateLimit.MaxStore,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Reconcile.Pause < 0 {
		errs = append(errs, errors.New("RECONCILE_PAUSE_MS must not be negative"))
	}
	switch c.DefaultProvider {
	case "moneroo", "paydunya":
	default:
		errs = append(errs, fmt.Errorf("DEFAULT_PROVIDER %q is not a known provider", c.DefaultProvider))
	}
	return errors.Join(errs...)
}

// MonerooEnabled and PayDunyaEnabled report whether credentials are set.
func (c *Config) MonerooEnabled() bool { return c.Moneroo.SecretKey != "" }

func (c *Config) PayDunyaEnabled() bool {
	return c.PayDunya.MasterKey != "" && c.PayDunya.PrivateKey != "" && c.PayDunya.Token != ""
}
