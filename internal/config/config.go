package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the remediation engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Store      StoreConfig      `yaml:"store"`
	Cache      CacheConfig      `yaml:"cache"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Detection  DetectionConfig  `yaml:"detection"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Policy     PolicyConfig     `yaml:"policy"`
	Planner    PlannerConfig    `yaml:"planner"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Approvals  ApprovalsConfig  `yaml:"approvals"`
	Notify     NotifyConfig     `yaml:"notify"`
	Auth       AuthConfig       `yaml:"auth"`
}

// ServerConfig controls the HTTP, gRPC and metrics listeners.
type ServerConfig struct {
	HTTPAddress     string        `yaml:"httpAddress"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig selects the durable store backend.
type StoreConfig struct {
	// Driver is one of badger, mysql or sqlite.
	Driver string       `yaml:"driver"`
	Badger BadgerConfig `yaml:"badger"`
	SQL    SQLConfig    `yaml:"sql"`
}

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	Path       string        `yaml:"path"`
	InMemory   bool          `yaml:"inMemory"`
	SyncWrites bool          `yaml:"syncWrites"`
	GCInterval time.Duration `yaml:"gcInterval"`
}

// SQLConfig configures the shared SQL store.
type SQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	LogLevel        string        `yaml:"logLevel"`
	AutoMigrate     bool          `yaml:"autoMigrate"`
}

// CacheConfig controls the Redis-compatible cache used for detection leases.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// RateLimitConfig controls the per-credential ingestion limit.
type RateLimitConfig struct {
	// Backend is local or redis. redis requires cache.enabled.
	Backend string        `yaml:"backend"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
}

// IngestConfig bounds telemetry batches.
type IngestConfig struct {
	MaxRecords   int            `yaml:"maxRecords"`
	MaxBodyBytes int64          `yaml:"maxBodyBytes"`
	MaxClockSkew time.Duration  `yaml:"maxClockSkew"`
	KindCaps     map[string]int `yaml:"kindCaps"`
}

// DetectionConfig controls analysis runs.
type DetectionConfig struct {
	Window            time.Duration `yaml:"window"`
	SuppressionWindow time.Duration `yaml:"suppressionWindow"`
	Retention         time.Duration `yaml:"retention"`
	MinInterval       time.Duration `yaml:"minInterval"`
	LeaseTTL          time.Duration `yaml:"leaseTTL"`
	ClassifierTimeout time.Duration `yaml:"classifierTimeout"`
	SchedulerTick     time.Duration `yaml:"schedulerTick"`
}

// ClassifierConfig selects the issue classifier.
type ClassifierConfig struct {
	// Provider is heuristic or openai.
	Provider  string          `yaml:"provider"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Heuristic HeuristicConfig `yaml:"heuristic"`
}

// OpenAIConfig configures an OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey    string `yaml:"apiKey"`
	BaseURL   string `yaml:"baseURL"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"maxTokens"`
}

// HeuristicConfig tunes the local detector.
type HeuristicConfig struct {
	ZThreshold      float64 `yaml:"zThreshold"`
	RestartWarning  int     `yaml:"restartWarning"`
	ErrorLogsPerMin int     `yaml:"errorLogsPerMin"`
}

// PolicyConfig seeds policies created on first use.
type PolicyConfig struct {
	DefaultApprovalTimeout time.Duration `yaml:"defaultApprovalTimeout"`
	DefaultScanInterval    time.Duration `yaml:"defaultScanInterval"`
}

// PlannerConfig controls remediation rule-pack loading.
type PlannerConfig struct {
	RulesPath string `yaml:"rulesPath"`
}

// DispatchConfig controls command retries.
type DispatchConfig struct {
	MaxRetries       int           `yaml:"maxRetries"`
	BackoffBase      time.Duration `yaml:"backoffBase"`
	BackoffMax       time.Duration `yaml:"backoffMax"`
	ExecutionTimeout time.Duration `yaml:"executionTimeout"`
	SweepInterval    time.Duration `yaml:"sweepInterval"`
	SweepBatch       int           `yaml:"sweepBatch"`
	FetchLimit       int           `yaml:"fetchLimit"`
}

// ApprovalsConfig controls the approval expiry sweep.
type ApprovalsConfig struct {
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// NotifyConfig configures notification sinks.
type NotifyConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subjectPrefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

// AuthConfig configures operator token verification.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwtSecret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"tokenTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_REMEDIATE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "badger":
		if !c.Store.Badger.InMemory && c.Store.Badger.Path == "" {
			return fmt.Errorf("store.badger.path is required unless inMemory is set")
		}
	case "mysql", "sqlite":
		if c.Store.SQL.DSN == "" {
			return fmt.Errorf("store.sql.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.RateLimit.Backend {
	case "local":
	case "redis":
		if !c.Cache.Enabled || c.Cache.Addr == "" {
			return fmt.Errorf("rateLimit.backend=redis requires cache.enabled and cache.addr")
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rateLimit.limit and rateLimit.window must be positive")
	}
	switch c.Classifier.Provider {
	case "heuristic":
	case "openai":
		if c.Classifier.OpenAI.APIKey == "" {
			return fmt.Errorf("classifier.openai.apiKey is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown classifier provider %q", c.Classifier.Provider)
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.maxRetries must not be negative")
	}
	if c.Dispatch.BackoffBase <= 0 {
		return fmt.Errorf("dispatch.backoffBase must be positive")
	}
	return nil
}

// Default returns the built-in configuration without reading files or the environment.
func Default() *Config {
	cfg := defaultConfig()
	return &cfg
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddress:     ":8080",
			GRPCAddress:     ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Store: StoreConfig{
			Driver: "badger",
			Badger: BadgerConfig{
				Path:       "data/remediate",
				SyncWrites: true,
				GCInterval: 5 * time.Minute,
			},
			SQL: SQLConfig{
				MaxOpenConns:    20,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
				LogLevel:        "warn",
				AutoMigrate:     true,
			},
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		RateLimit: RateLimitConfig{Backend: "local", Limit: 120, Window: time.Minute},
		Ingest: IngestConfig{
			MaxRecords:   500,
			MaxBodyBytes: 8 << 20,
			MaxClockSkew: 5 * time.Minute,
		},
		Detection: DetectionConfig{
			Window:            15 * time.Minute,
			SuppressionWindow: 30 * time.Minute,
			Retention:         time.Hour,
			MinInterval:       time.Minute,
			LeaseTTL:          2 * time.Minute,
			ClassifierTimeout: 30 * time.Second,
			SchedulerTick:     30 * time.Second,
		},
		Classifier: ClassifierConfig{
			Provider: "heuristic",
			OpenAI:   OpenAIConfig{Model: "gpt-4o-mini", MaxTokens: 2048},
			Heuristic: HeuristicConfig{
				ZThreshold:      3,
				RestartWarning:  3,
				ErrorLogsPerMin: 20,
			},
		},
		Policy: PolicyConfig{
			DefaultApprovalTimeout: 15 * time.Minute,
			DefaultScanInterval:    5 * time.Minute,
		},
		Dispatch: DispatchConfig{
			MaxRetries:       3,
			BackoffBase:      30 * time.Second,
			BackoffMax:       30 * time.Minute,
			ExecutionTimeout: 10 * time.Minute,
			SweepInterval:    30 * time.Second,
			SweepBatch:       100,
			FetchLimit:       10,
		},
		Approvals: ApprovalsConfig{SweepInterval: time.Minute},
		Notify: NotifyConfig{
			NATS: NATSConfig{SubjectPrefix: "remediate", Timeout: 2 * time.Second},
		},
		Auth: AuthConfig{Issuer: "mirador-remediate", TokenTTL: 12 * time.Hour},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_REMEDIATE_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_GRPC_ADDRESS"); v != "" {
		cfg.Server.GRPCAddress = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_BADGER_PATH"); v != "" {
		cfg.Store.Badger.Path = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_SQL_DSN"); v != "" {
		cfg.Store.SQL.DSN = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_CACHE_TLS"); parseBool(v) {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_RATE_LIMIT_BACKEND"); v != "" {
		cfg.RateLimit.Backend = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_RATE_LIMIT"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.Limit = limit
		}
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_RATE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RateLimit.Window = d
		}
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_CLASSIFIER"); v != "" {
		cfg.Classifier.Provider = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Classifier.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Classifier.OpenAI.BaseURL = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.Classifier.OpenAI.Model = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_RULES_PATH"); v != "" {
		cfg.Planner.RulesPath = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_MAX_RETRIES"); v != "" {
		if retries, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.MaxRetries = retries
		}
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatch.BackoffBase = d
		}
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_NATS_URL"); v != "" {
		cfg.Notify.NATS.URL = v
	}
	if v := os.Getenv("MIRADOR_REMEDIATE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
