package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("SITE_URL", "https://shop.example.com/")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.OrdersTable != "orders" || cfg.OrderItemsTable != "order_items" {
		t.Fatalf("unexpected table defaults: %+v", cfg)
	}
	if cfg.WebhookTimeout != 20*time.Second {
		t.Fatalf("expected 20s webhook timeout, got %s", cfg.WebhookTimeout)
	}
	if cfg.SiteURL != "https://shop.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %s", cfg.SiteURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("ORDERS_TABLE", "kit-orders")
	t.Setenv("CURRENCY", "EUR")
	t.Setenv("RUN_LOCAL", "true")
	t.Setenv("PRODUCT_CACHE_TTL", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OrdersTable != "kit-orders" {
		t.Fatalf("expected env table name, got %s", cfg.OrdersTable)
	}
	if cfg.Currency != "eur" {
		t.Fatalf("expected lower-cased currency, got %s", cfg.Currency)
	}
	if !cfg.RunLocal {
		t.Fatalf("expected RunLocal=true")
	}
	if cfg.ProductCacheTTL != 90*time.Second {
		t.Fatalf("expected 90s cache ttl, got %s", cfg.ProductCacheTTL)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "orders_table: file-orders\nemail_delivery: queue\nemail_queue_url: https://sqs.local/q\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	setRequired(t)
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OrdersTable != "file-orders" {
		t.Fatalf("expected file value, got %s", cfg.OrdersTable)
	}
	if cfg.EmailDelivery != EmailQueue {
		t.Fatalf("expected queue delivery, got %s", cfg.EmailDelivery)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_MissingSecrets(t *testing.T) {
	cfg := &Config{EmailDelivery: EmailQueue}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing secrets and queue url")
	}

	cfg = &Config{EmailDelivery: "carrier-pigeon", StripeSecretKey: "k", StripeWebhookSecret: "w", JWTSecret: "j", SiteURL: "s"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown email delivery mode")
	}
}
