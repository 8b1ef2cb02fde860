// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PublicBaseURL  string        `yaml:"public_base_url"` // used to build provider return urls
	CreateLimit    int           `yaml:"create_limit"`    // create-transaction calls per user per window
	CreateWindow   time.Duration `yaml:"create_window"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type AdminConfig struct {
	APIKey string `yaml:"api_key"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type IdentityConfig struct {
	BaseURL    string        `yaml:"base_url"`    // e.g. https://<project>.supabase.co/auth/v1
	ServiceKey string        `yaml:"service_key"` // admin key for metadata updates
	JWTSecret  string        `yaml:"jwt_secret"`  // HS256 secret for access tokens
	Timeout    time.Duration `yaml:"timeout"`
}

type AtmosConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BaseURL        string        `yaml:"base_url"`
	StoreID        string        `yaml:"store_id"`
	ConsumerKey    string        `yaml:"consumer_key"`
	ConsumerSecret string        `yaml:"consumer_secret"`
	APIKey         string        `yaml:"api_key"` // callback signing key
	Lang           string        `yaml:"lang"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	Timeout        time.Duration `yaml:"timeout"`
}

type ClickConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceID      string `yaml:"service_id"`
	MerchantID     string `yaml:"merchant_id"`
	MerchantUserID string `yaml:"merchant_user_id"`
	SecretKey      string `yaml:"secret_key"`
	PayURL         string `yaml:"pay_url"`
	ReturnURL      string `yaml:"return_url"`
}

type PaymeConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MerchantID string        `yaml:"merchant_id"`
	Key        string        `yaml:"key"`
	Test       bool          `yaml:"test"`
	ReturnURL  string        `yaml:"return_url"`
	PrepareTTL time.Duration `yaml:"prepare_ttl"` // CreateTransaction timeout
}

// SandboxConfig swaps every enabled gateway for an in-process simulator.
type SandboxConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SecretKey string `yaml:"secret_key"`
	OTP       string `yaml:"otp"`
}

type PaymentConfig struct {
	Atmos   AtmosConfig   `yaml:"atmos"`
	Click   ClickConfig   `yaml:"click"`
	Payme   PaymeConfig   `yaml:"payme"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Timeout time.Duration `yaml:"timeout"` // provider call timeout
}

type PricingConfig struct {
	Currency     string `yaml:"currency"`
	DefaultPrice int64  `yaml:"default_price"` // minor units
	Description  string `yaml:"description"`
}

type RecoveryConfig struct {
	Interval     time.Duration `yaml:"interval"`
	StuckAfter   time.Duration `yaml:"stuck_after"`
	HardDeadline time.Duration `yaml:"hard_deadline"` // cancel even if provider can't be queried
	BatchSize    int           `yaml:"batch_size"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
}

type TelegramNotifyConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type KafkaNotifyConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NotifyConfig struct {
	Telegram TelegramNotifyConfig `yaml:"telegram"`
	Kafka    KafkaNotifyConfig    `yaml:"kafka"`
	Timeout  time.Duration        `yaml:"timeout"`
}

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Admin    AdminConfig    `yaml:"admin"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Identity IdentityConfig `yaml:"identity"`
	Payment  PaymentConfig  `yaml:"payment"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Notify   NotifyConfig   `yaml:"notify"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, expanding ${VAR} references from the environment.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return cfg, nil
}

// Parse decodes, defaults and validates a configuration document.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	c.HTTP.RequestTimeout = orDuration(c.HTTP.RequestTimeout, 30*time.Second)
	if c.HTTP.CreateLimit <= 0 {
		c.HTTP.CreateLimit = 10
	}
	c.HTTP.CreateWindow = orDuration(c.HTTP.CreateWindow, time.Minute)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	c.Identity.Timeout = orDuration(c.Identity.Timeout, 10*time.Second)

	c.Payment.Timeout = orDuration(c.Payment.Timeout, 15*time.Second)
	if c.Payment.Atmos.BaseURL == "" {
		c.Payment.Atmos.BaseURL = "https://api.atmos.uz"
	}
	if c.Payment.Atmos.Lang == "" {
		c.Payment.Atmos.Lang = "uz"
	}
	c.Payment.Atmos.TokenTTL = orDuration(c.Payment.Atmos.TokenTTL, 55*time.Minute)
	c.Payment.Atmos.Timeout = orDuration(c.Payment.Atmos.Timeout, c.Payment.Timeout)
	if c.Payment.Click.PayURL == "" {
		c.Payment.Click.PayURL = "https://my.click.uz/services/pay"
	}
	c.Payment.Payme.PrepareTTL = orDuration(c.Payment.Payme.PrepareTTL, 12*time.Hour)
	if c.Payment.Sandbox.OTP == "" {
		c.Payment.Sandbox.OTP = "111111"
	}

	if c.Pricing.Currency == "" {
		c.Pricing.Currency = "UZS"
	}
	if c.Pricing.Description == "" {
		c.Pricing.Description = "Premium access"
	}

	c.Recovery.Interval = orDuration(c.Recovery.Interval, 5*time.Minute)
	c.Recovery.StuckAfter = orDuration(c.Recovery.StuckAfter, 2*time.Hour)
	c.Recovery.HardDeadline = orDuration(c.Recovery.HardDeadline, 24*time.Hour)
	if c.Recovery.BatchSize <= 0 {
		c.Recovery.BatchSize = 200
	}
	c.Recovery.LockTTL = orDuration(c.Recovery.LockTTL, 2*time.Minute)

	if c.Notify.Kafka.Topic == "" {
		c.Notify.Kafka.Topic = "payment.events"
	}
	c.Notify.Timeout = orDuration(c.Notify.Timeout, 5*time.Second)
}

// Minimal validation
func (c *Config) validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Redis.URL == "" {
		return errors.New("redis.url is required")
	}
	if c.Identity.JWTSecret == "" {
		return errors.New("identity.jwt_secret is required")
	}
	if c.Pricing.DefaultPrice <= 0 {
		return errors.New("pricing.default_price must be positive")
	}
	if c.Recovery.HardDeadline < c.Recovery.StuckAfter {
		return errors.New("recovery.hard_deadline must not be shorter than recovery.stuck_after")
	}
	if c.Payment.Sandbox.Enabled {
		return nil
	}
	p := c.Payment
	if !p.Atmos.Enabled && !p.Click.Enabled && !p.Payme.Enabled {
		return errors.New("payment: at least one gateway must be enabled")
	}
	var missing []string
	if p.Atmos.Enabled && (p.Atmos.StoreID == "" || p.Atmos.ConsumerKey == "" || p.Atmos.ConsumerSecret == "") {
		missing = append(missing, "payment.atmos.{store_id,consumer_key,consumer_secret}")
	}
	if p.Click.Enabled && (p.Click.ServiceID == "" || p.Click.MerchantID == "" || p.Click.SecretKey == "") {
		missing = append(missing, "payment.click.{service_id,merchant_id,secret_key}")
	}
	if p.Payme.Enabled && (p.Payme.MerchantID == "" || p.Payme.Key == "") {
		missing = append(missing, "payment.payme.{merchant_id,key}")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
