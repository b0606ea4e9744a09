package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Limiter  LimiterConfig  `yaml:"limiter"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Sessions SessionsConfig `yaml:"sessions"`
	Metering MeteringConfig `yaml:"metering"`
	Keys     KeysConfig     `yaml:"keys"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Tools    ToolsConfig    `yaml:"tools"`
}

type ServerConfig struct {
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
	AdminKey string `yaml:"admin_key"`
}

type LimiterConfig struct {
	WindowMs       int64  `yaml:"window_ms"`
	MaxRequests    int    `yaml:"max_requests"`
	SubWindows     int    `yaml:"sub_windows"`
	MaxKeys        int    `yaml:"max_keys"`
	AdminRateLimit int    `yaml:"admin_rate_limit"` // per minute; 0 disables
	RedisAddr      string `yaml:"redis_addr"`       // empty keeps the in-process store
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
}

type LedgerConfig struct {
	DefaultTTLSeconds     int     `yaml:"default_ttl_seconds"`
	MaxReservationsPerKey int     `yaml:"max_reservations_per_key"`
	MaxReservationAmount  float64 `yaml:"max_reservation_amount"`
	AutoExpireIntervalMs  int64   `yaml:"auto_expire_interval_ms"`
	AllowOverdraft        *bool   `yaml:"allow_overdraft"` // unset means true
}

type DedupConfig struct {
	TTLMs         int64  `yaml:"ttl_ms"`
	MaxEntries    int    `yaml:"max_entries"`
	HashAlgorithm string `yaml:"hash_algorithm"` // fast | detailed
}

type SessionsConfig struct {
	MaxActiveSessions int   `yaml:"max_active_sessions"`
	DefaultTTLMs      int64 `yaml:"default_ttl_ms"`
}

type MeteringConfig struct {
	MaxRecords int `yaml:"max_records"`
}

type KeysConfig struct {
	MaxTagsPerKey int `yaml:"max_tags_per_key"`
}

type WebhooksConfig struct {
	MaxRules int `yaml:"max_rules"`
	Workers  int `yaml:"workers"`
}

type ToolsConfig struct {
	Command       string             `yaml:"command"`
	Args          []string           `yaml:"args"`
	Prices        map[string]float64 `yaml:"prices"`
	DefaultPrice  float64            `yaml:"default_price"`
	CallTimeoutMs int64              `yaml:"call_timeout_ms"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Limiter.WindowMs <= 0 {
		c.Limiter.WindowMs = 60_000
	}
	if c.Limiter.SubWindows <= 0 {
		c.Limiter.SubWindows = 6
	}
	if c.Ledger.DefaultTTLSeconds <= 0 {
		c.Ledger.DefaultTTLSeconds = 300
	}
	if c.Ledger.MaxReservationsPerKey <= 0 {
		c.Ledger.MaxReservationsPerKey = 50
	}
	if c.Ledger.AutoExpireIntervalMs <= 0 {
		c.Ledger.AutoExpireIntervalMs = 30_000
	}
	if c.Dedup.TTLMs <= 0 {
		c.Dedup.TTLMs = 300_000
	}
	if c.Dedup.MaxEntries <= 0 {
		c.Dedup.MaxEntries = 10_000
	}
	if c.Dedup.HashAlgorithm == "" {
		c.Dedup.HashAlgorithm = "fast"
	}
	if c.Sessions.MaxActiveSessions <= 0 {
		c.Sessions.MaxActiveSessions = 1000
	}
	if c.Sessions.DefaultTTLMs <= 0 {
		c.Sessions.DefaultTTLMs = 3_600_000
	}
	if c.Metering.MaxRecords <= 0 {
		c.Metering.MaxRecords = 10_000
	}
	if c.Keys.MaxTagsPerKey <= 0 {
		c.Keys.MaxTagsPerKey = 20
	}
	if c.Webhooks.MaxRules <= 0 {
		c.Webhooks.MaxRules = 500
	}
	if c.Webhooks.Workers <= 0 {
		c.Webhooks.Workers = 4
	}
	if c.Tools.DefaultPrice <= 0 {
		c.Tools.DefaultPrice = 1
	}
	if c.Tools.CallTimeoutMs <= 0 {
		c.Tools.CallTimeoutMs = 30_000
	}
}

// AllowOverdraftValue resolves the tri-state toggle; unset means true.
func (c *LedgerConfig) AllowOverdraftValue() bool {
	if c.AllowOverdraft == nil {
		return true
	}
	return *c.AllowOverdraft
}
