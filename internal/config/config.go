// Package config loads the service configuration from a YAML file with
// environment overrides for secrets. Unknown options are rejected at startup.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	DB        DBConfig        `yaml:"db"`
	Cache     CacheConfig     `yaml:"cache"`
	Limits    LimitsConfig    `yaml:"limits"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	AI        AIConfig        `yaml:"ai"`
	NPHIES    NPHIESConfig    `yaml:"nphies"`
	Signer    SignerConfig    `yaml:"signer"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	PoolMin  int    `yaml:"pool_min"`
	PoolMax  int    `yaml:"pool_max"`
}

// DSN renders the lib/pq connection string.
func (d DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Name, d.User, d.Password)
}

type CacheConfig struct {
	RedisAddr       string `yaml:"redis_addr"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	TTLSBSSeconds   int    `yaml:"ttl_sbs_s"`
	TTLAISeconds    int    `yaml:"ttl_ai_s"`
	TTLTierSeconds  int    `yaml:"ttl_tier_s"`
	LocalEntriesMax int    `yaml:"local_entries_max"`
	SharedBudgetMs  int    `yaml:"shared_budget_ms"`
}

type LimitsConfig struct {
	RequestBodyBytes int `yaml:"request_body_bytes"`
	DepthMax         int `yaml:"depth_max"`
	ClaimRPM         int `yaml:"claim_rpm"`
	StatusRPM        int `yaml:"status_rpm"`
}

type PipelineConfig struct {
	InflightMax    int            `yaml:"inflight_max"`
	StageDeadlines StageDeadlines `yaml:"stage_deadlines_ms"`
}

type StageDeadlines struct {
	Normalize int `yaml:"normalize"`
	Price     int `yaml:"price"`
	Sign      int `yaml:"sign"`
	Submit    int `yaml:"submit"`
}

type AIConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Endpoint         string `yaml:"endpoint"`
	TokenRef         string `yaml:"token_ref"`
	TimeoutMs        int    `yaml:"timeout_ms"`
	BreakerFailures  int    `yaml:"breaker_failures"`
	BreakerWindowS   int    `yaml:"breaker_window_s"`
	BreakerCooldownS int    `yaml:"breaker_cooldown_s"`
}

type NPHIESConfig struct {
	BaseURL          string `yaml:"base_url"`
	TokenRef         string `yaml:"token_ref"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
	RetriesMax       int    `yaml:"retries_max"`
	BackoffBaseMs    int    `yaml:"backoff_base_ms"`
	BackoffCapMs     int    `yaml:"backoff_cap_ms"`
	PoolMin          int    `yaml:"pool_min"`
	PoolMax          int    `yaml:"pool_max"`
}

type SignerConfig struct {
	Algorithm    string `yaml:"algorithm"`
	KeySource    string `yaml:"key_source"`
	KeyDir       string `yaml:"key_dir"`
	CertCacheMax int    `yaml:"cert_cache_max"`
}

type RateLimitConfig struct {
	WindowS        int `yaml:"window_s"`
	TrackedKeysMax int `yaml:"tracked_keys_max"`
	CleanupS       int `yaml:"cleanup_s"`
}

type WebhooksConfig struct {
	Workers     int             `yaml:"workers"`
	Subscribers []WebhookTarget `yaml:"subscribers"`
}

type WebhookTarget struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file at path, applies defaults and env overrides, and
// validates the result. Unknown YAML keys fail loading.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config populated with defaults only. Used by tests.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.DB.PoolMin == 0 {
		c.DB.PoolMin = 1
	}
	if c.DB.PoolMax == 0 {
		c.DB.PoolMax = 20
	}
	if c.Cache.TTLSBSSeconds == 0 {
		c.Cache.TTLSBSSeconds = 3600
	}
	if c.Cache.TTLAISeconds == 0 {
		c.Cache.TTLAISeconds = 300
	}
	if c.Cache.TTLTierSeconds == 0 {
		c.Cache.TTLTierSeconds = 3600
	}
	if c.Cache.LocalEntriesMax == 0 {
		c.Cache.LocalEntriesMax = 10000
	}
	if c.Cache.SharedBudgetMs == 0 {
		c.Cache.SharedBudgetMs = 50
	}
	if c.Limits.RequestBodyBytes == 0 {
		c.Limits.RequestBodyBytes = 1 << 20
	}
	if c.Limits.DepthMax == 0 {
		c.Limits.DepthMax = 10
	}
	if c.Limits.ClaimRPM == 0 {
		c.Limits.ClaimRPM = 100
	}
	if c.Limits.StatusRPM == 0 {
		c.Limits.StatusRPM = 300
	}
	if c.Pipeline.InflightMax == 0 {
		c.Pipeline.InflightMax = 200
	}
	if c.Pipeline.StageDeadlines.Normalize == 0 {
		c.Pipeline.StageDeadlines.Normalize = 15000
	}
	if c.Pipeline.StageDeadlines.Price == 0 {
		c.Pipeline.StageDeadlines.Price = 5000
	}
	if c.Pipeline.StageDeadlines.Sign == 0 {
		c.Pipeline.StageDeadlines.Sign = 10000
	}
	if c.Pipeline.StageDeadlines.Submit == 0 {
		c.Pipeline.StageDeadlines.Submit = 45000
	}
	if c.AI.TimeoutMs == 0 {
		c.AI.TimeoutMs = 10000
	}
	if c.AI.BreakerFailures == 0 {
		c.AI.BreakerFailures = 5
	}
	if c.AI.BreakerWindowS == 0 {
		c.AI.BreakerWindowS = 60
	}
	if c.AI.BreakerCooldownS == 0 {
		c.AI.BreakerCooldownS = 30
	}
	if c.NPHIES.ConnectTimeoutMs == 0 {
		c.NPHIES.ConnectTimeoutMs = 5000
	}
	if c.NPHIES.RequestTimeoutMs == 0 {
		c.NPHIES.RequestTimeoutMs = 30000
	}
	if c.NPHIES.RetriesMax == 0 {
		c.NPHIES.RetriesMax = 3
	}
	if c.NPHIES.BackoffBaseMs == 0 {
		c.NPHIES.BackoffBaseMs = 500
	}
	if c.NPHIES.BackoffCapMs == 0 {
		c.NPHIES.BackoffCapMs = 5000
	}
	if c.NPHIES.PoolMin == 0 {
		c.NPHIES.PoolMin = 2
	}
	if c.NPHIES.PoolMax == 0 {
		c.NPHIES.PoolMax = 30
	}
	if c.Signer.Algorithm == "" {
		c.Signer.Algorithm = "SHA256withRSA"
	}
	if c.Signer.KeySource == "" {
		c.Signer.KeySource = "env"
	}
	if c.Signer.CertCacheMax == 0 {
		c.Signer.CertCacheMax = 64
	}
	if c.RateLimit.WindowS == 0 {
		c.RateLimit.WindowS = 60
	}
	if c.RateLimit.TrackedKeysMax == 0 {
		c.RateLimit.TrackedKeysMax = 10000
	}
	if c.RateLimit.CleanupS == 0 {
		c.RateLimit.CleanupS = 300
	}
	if c.Webhooks.Workers == 0 {
		c.Webhooks.Workers = 4
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// applyEnv overrides secret-bearing options from the environment so the YAML
// file never has to carry credentials.
func (c *Config) applyEnv() {
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.DB.Password = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		c.DB.Host = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Cache.RedisPassword = v
	}
	if v := os.Getenv("NPHIES_TOKEN"); v != "" {
		c.NPHIES.TokenRef = v
	}
	if v := os.Getenv("AI_TOKEN"); v != "" {
		c.AI.TokenRef = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
}

// Validate rejects option combinations that cannot run.
func (c *Config) Validate() error {
	if c.DB.PoolMin > c.DB.PoolMax {
		return fmt.Errorf("db.pool_min (%d) exceeds db.pool_max (%d)", c.DB.PoolMin, c.DB.PoolMax)
	}
	if c.Signer.Algorithm != "SHA256withRSA" {
		return fmt.Errorf("signer.algorithm %q unsupported", c.Signer.Algorithm)
	}
	switch c.Signer.KeySource {
	case "env", "file":
	default:
		return fmt.Errorf("signer.key_source %q unsupported", c.Signer.KeySource)
	}
	if c.NPHIES.RetriesMax < 1 {
		return fmt.Errorf("nphies.retries_max must be at least 1")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server.port %q is not numeric", c.Server.Port)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q unsupported", c.Log.Level)
	}
	return nil
}
