package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Mpesa     MpesaConfig     `yaml:"mpesa"`
	Poller    PollerConfig    `yaml:"poller"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// MpesaConfig carries Daraja credentials and business defaults. Secrets may
// be left blank in the file and supplied through the environment.
type MpesaConfig struct {
	BaseURL          string `yaml:"base_url"`
	ConsumerKey      string `yaml:"consumer_key"`
	ConsumerSecret   string `yaml:"consumer_secret"`
	ShortCode        string `yaml:"shortcode"`
	Passkey          string `yaml:"passkey"`
	PartyB           string `yaml:"party_b"`
	CallbackURL      string `yaml:"callback_url"`
	TransactionType  string `yaml:"transaction_type"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	AccountReference string `yaml:"account_reference"`
	TransactionDesc  string `yaml:"transaction_desc"`
}

type PollerConfig struct {
	IntervalSeconds      int `yaml:"interval_seconds"`
	BatchSize            int `yaml:"batch_size"`
	PendingWindowSeconds int `yaml:"pending_window_seconds"`
}

// Load reads the yaml file and applies env overrides for secrets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if v := os.Getenv("MPESA_CONSUMER_KEY"); v != "" {
		cfg.Mpesa.ConsumerKey = v
	}
	if v := os.Getenv("MPESA_CONSUMER_SECRET"); v != "" {
		cfg.Mpesa.ConsumerSecret = v
	}
	if v := os.Getenv("MPESA_PASSKEY"); v != "" {
		cfg.Mpesa.Passkey = v
	}
	return &cfg, nil
}
