package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Email delivery modes.
const (
	EmailDirect   = "direct"
	EmailQueue    = "queue"
	EmailDisabled = "disabled"
)

// Config is the process-wide configuration. It is built once in main and
// passed to constructors explicitly.
type Config struct {
	Port     string `mapstructure:"port"`
	RunLocal bool   `mapstructure:"run_local"`

	AWSRegion           string `mapstructure:"aws_region"`
	AWSEndpointOverride string `mapstructure:"aws_endpoint_override"`

	ProductsTable    string `mapstructure:"products_table"`
	CartItemsTable   string `mapstructure:"cart_items_table"`
	OrdersTable      string `mapstructure:"orders_table"`
	OrderItemsTable  string `mapstructure:"order_items_table"`
	IdempotencyTable string `mapstructure:"idempotency_table"`
	EmailQueueURL    string `mapstructure:"email_queue_url"`
	MetricsNamespace string `mapstructure:"metrics_namespace"`

	StripeSecretKey     string `mapstructure:"stripe_secret_key"`
	StripeWebhookSecret string `mapstructure:"stripe_webhook_secret"`
	Currency            string `mapstructure:"currency"`
	SiteURL             string `mapstructure:"site_url"`
	JWTSecret           string `mapstructure:"jwt_secret"`

	EmailDelivery  string `mapstructure:"email_delivery"`
	ResendAPIKey   string `mapstructure:"resend_api_key"`
	OrderFromEmail string `mapstructure:"order_from_email"`

	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	ProductCacheTTL time.Duration `mapstructure:"product_cache_ttl"`

	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

var defaults = map[string]interface{}{
	"port":                  "8080",
	"run_local":             false,
	"aws_region":            "us-east-1",
	"aws_endpoint_override": "",
	"products_table":        "products",
	"cart_items_table":      "cart_items",
	"orders_table":          "orders",
	"order_items_table":     "order_items",
	"idempotency_table":     "idempotency",
	"email_queue_url":       "",
	"metrics_namespace":     "KitStore/Checkout",
	"stripe_secret_key":     "",
	"stripe_webhook_secret": "",
	"currency":              "usd",
	"site_url":              "",
	"jwt_secret":            "",
	"email_delivery":        EmailDirect,
	"resend_api_key":        "",
	"order_from_email":      "",
	"redis_addr":            "",
	"redis_password":        "",
	"redis_db":              0,
	"product_cache_ttl":     "5m",
	"webhook_timeout":       "20s",
	"idempotency_ttl":       "48h",
}

// Load reads configuration from defaults, the environment and, when
// CONFIG_FILE is set, a config file. Environment values win over the file.
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Currency = strings.ToLower(cfg.Currency)
	cfg.SiteURL = strings.TrimRight(cfg.SiteURL, "/")
	return &cfg, nil
}

// Validate checks the settings the API process cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.StripeSecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.SiteURL == "" {
		errs = append(errs, errors.New("SITE_URL is required"))
	}
	errs = append(errs, c.validateEmail()...)
	if c.EmailDelivery == EmailQueue && c.EmailQueueURL == "" {
		errs = append(errs, errors.New("EMAIL_QUEUE_URL is required when EMAIL_DELIVERY=queue"))
	}
	return errors.Join(errs...)
}

// ValidateWorker checks the settings the email worker needs.
func (c *Config) ValidateWorker() error {
	var errs []error
	if c.IdempotencyTable == "" {
		errs = append(errs, errors.New("IDEMPOTENCY_TABLE is required"))
	}
	if c.ResendAPIKey == "" || c.OrderFromEmail == "" {
		errs = append(errs, errors.New("RESEND_API_KEY and ORDER_FROM_EMAIL are required"))
	}
	return errors.Join(errs...)
}

func (c *Config) validateEmail() []error {
	switch c.EmailDelivery {
	case EmailDirect, EmailQueue, EmailDisabled:
		return nil
	default:
		return []error{fmt.Errorf("EMAIL_DELIVERY must be one of direct, queue, disabled; got %q", c.EmailDelivery)}
	}
}
