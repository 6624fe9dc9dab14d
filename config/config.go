package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration tree for the execution core.
// It is read-only after Load() returns and safe for concurrent reads.
type Config struct {
	Router     RouterConfig     `yaml:"router"`
	Cache      CacheConfig      `yaml:"cache"`
	Predictor  PredictorConfig  `yaml:"predictor"`
	Validator  ValidatorConfig  `yaml:"validator"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Sync       SyncConfig       `yaml:"sync"`
}

// RouterConfig controls placement decisions.
type RouterConfig struct {
	Strategy              string `yaml:"strategy"` // adaptive, privacy_first, latency_optimized, cost_optimized
	BackendThresholdBytes int    `yaml:"backend_threshold_bytes"`
	OutcomeWindow         int    `yaml:"outcome_window"`
}

// CacheConfig controls the two-tier cache.
type CacheConfig struct {
	MaxMemoryEntries int      `yaml:"max_memory_entries"`
	DefaultTTL       Duration `yaml:"default_ttl"`
	WriteThrough     bool     `yaml:"write_through"`
	MaxPendingDeltas int      `yaml:"max_pending_deltas"`
	RetainedUnsynced int      `yaml:"retained_unsynced"`
	Tier             string   `yaml:"tier"` // memory, redis, postgres
	RedisAddr        string   `yaml:"redis_addr"`
	PostgresDSN      string   `yaml:"postgres_dsn"`
}

// PredictorConfig controls learning and prefetch.
type PredictorConfig struct {
	MaxActionsPerUser   int      `yaml:"max_actions_per_user"`
	MaxPrefetchItems    int      `yaml:"max_prefetch_items"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	BigramWeight        float64  `yaml:"bigram_weight"`
	TrigramWeight       float64  `yaml:"trigram_weight"`
	TimeWeight          float64  `yaml:"time_weight"`
	HourWeight          float64  `yaml:"hour_weight"`
	WeekdayWeight       float64  `yaml:"weekday_weight"`
	Adaptive            bool     `yaml:"adaptive"`
	PredictedNeed       Duration `yaml:"predicted_need"`
}

// ValidatorConfig controls the validation cache.
type ValidatorConfig struct {
	CacheTTL     Duration `yaml:"cache_ttl"`
	MaxCacheSize int      `yaml:"max_cache_size"`
}

// ResilienceConfig carries one sub-tree per safeguard.
type ResilienceConfig struct {
	Breaker  BreakerConfig  `yaml:"circuit_breaker"`
	Retry    RetryConfig    `yaml:"retry"`
	Timeout  TimeoutConfig  `yaml:"timeout"`
	Bulkhead BulkheadConfig `yaml:"bulkhead"`
	Limiter  LimiterConfig  `yaml:"rate_limiter"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold     int      `yaml:"failure_threshold"`
	FailureRateThreshold float64  `yaml:"failure_rate_threshold"`
	MinimumCalls         int      `yaml:"minimum_calls"`
	WindowTime           Duration `yaml:"window_time"`
	RecoveryTimeout      Duration `yaml:"recovery_timeout"`
	HalfOpenMaxCalls     int      `yaml:"half_open_max_calls"`
}

// RetryConfig holds backoff settings.
type RetryConfig struct {
	MaxRetries   int      `yaml:"max_retries"`
	Strategy     string   `yaml:"strategy"` // fixed, exponential, exponential_jitter
	BaseDelay    Duration `yaml:"base_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	JitterFactor float64  `yaml:"jitter_factor"`
	MaxDelay     Duration `yaml:"max_delay"`
}

// TimeoutConfig holds the default per-call deadline.
type TimeoutConfig struct {
	Default Duration `yaml:"default"`
}

// BulkheadConfig holds admission limits.
type BulkheadConfig struct {
	MaxConcurrent int      `yaml:"max_concurrent"`
	MaxQueueSize  int      `yaml:"max_queue_size"`
	QueueTimeout  Duration `yaml:"queue_timeout"`
}

// LimiterConfig holds the optional per-endpoint token bucket.
// Disabled unless Rate > 0.
type LimiterConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// SyncConfig controls the delta sync layer.
type SyncConfig struct {
	MaxOfflineQueueSize  int        `yaml:"max_offline_queue_size"`
	MaxBatchSize         int        `yaml:"max_batch_size"`
	CompressionThreshold int        `yaml:"compression_threshold_bytes"`
	RetryDelays          []Duration `yaml:"retry_delays"`
	DefaultResolution    string     `yaml:"default_resolution"` // server_wins, client_wins, last_write_wins, first_write_wins, merge, manual
	Interval             Duration   `yaml:"interval"`           // background sync cadence; 0 disables
}

// Duration wraps time.Duration with YAML string parsing ("300ms", "30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := Defaults()

	configPath := getEnv("EDGECORE_CONFIG_PATH", "config/edgecore.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path. The file must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns a Config populated with the documented defaults.
// Missing YAML knobs inherit these values.
func Defaults() *Config {
	return &Config{
		Router: RouterConfig{
			Strategy:              "adaptive",
			BackendThresholdBytes: 100 * 1024,
			OutcomeWindow:         10000,
		},
		Cache: CacheConfig{
			MaxMemoryEntries: 10000,
			DefaultTTL:       Duration(300 * time.Second),
			WriteThrough:     false,
			MaxPendingDeltas: 10000,
			RetainedUnsynced: 5000,
			Tier:             "memory",
		},
		Predictor: PredictorConfig{
			MaxActionsPerUser:   100,
			MaxPrefetchItems:    20,
			ConfidenceThreshold: 0.5,
			BigramWeight:        0.7,
			TrigramWeight:       1.2,
			TimeWeight:          0.3,
			HourWeight:          0.7,
			WeekdayWeight:       0.3,
			Adaptive:            true,
			PredictedNeed:       Duration(60 * time.Second),
		},
		Validator: ValidatorConfig{
			CacheTTL:     Duration(60 * time.Second),
			MaxCacheSize: 10000,
		},
		Resilience: ResilienceConfig{
			Breaker: BreakerConfig{
				FailureThreshold:     5,
				FailureRateThreshold: 0.5,
				MinimumCalls:         10,
				WindowTime:           Duration(60 * time.Second),
				RecoveryTimeout:      Duration(30 * time.Second),
				HalfOpenMaxCalls:     3,
			},
			Retry: RetryConfig{
				MaxRetries:   3,
				Strategy:     "exponential_jitter",
				BaseDelay:    Duration(100 * time.Millisecond),
				Multiplier:   2.0,
				JitterFactor: 0.5,
				MaxDelay:     Duration(10 * time.Second),
			},
			Timeout: TimeoutConfig{
				Default: Duration(30 * time.Second),
			},
			Bulkhead: BulkheadConfig{
				MaxConcurrent: 10,
				MaxQueueSize:  50,
				QueueTimeout:  Duration(5 * time.Second),
			},
			Limiter: LimiterConfig{
				Rate:  0, // disabled by default
				Burst: 1,
			},
		},
		Sync: SyncConfig{
			MaxOfflineQueueSize:  10000,
			MaxBatchSize:         100,
			CompressionThreshold: 1024,
			RetryDelays: []Duration{
				Duration(1 * time.Second),
				Duration(5 * time.Second),
				Duration(15 * time.Second),
			},
			DefaultResolution: "server_wins",
			Interval:          Duration(30 * time.Second),
		},
	}
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment overrides for deployment knobs.
// Only non-empty values override the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EDGECORE_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("EDGECORE_POSTGRES_DSN"); v != "" {
		cfg.Cache.PostgresDSN = v
	}
	if v := os.Getenv("EDGECORE_CACHE_TIER"); v != "" {
		cfg.Cache.Tier = v
	}
	if v := os.Getenv("EDGECORE_ROUTER_STRATEGY"); v != "" {
		cfg.Router.Strategy = v
	}
	if v := os.Getenv("EDGECORE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Resilience.Bulkhead.MaxConcurrent = n
		}
	}
	if v := os.Getenv("EDGECORE_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Resilience.Timeout.Default = Duration(d)
		}
	}
}

func (c *Config) validate() error {
	switch c.Router.Strategy {
	case "adaptive", "privacy_first", "latency_optimized", "cost_optimized":
	default:
		return fmt.Errorf("unknown router strategy %q", c.Router.Strategy)
	}
	switch c.Cache.Tier {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown cache tier %q", c.Cache.Tier)
	}
	switch c.Sync.DefaultResolution {
	case "server_wins", "client_wins", "last_write_wins", "first_write_wins", "merge", "manual":
	default:
		return fmt.Errorf("unknown conflict resolution %q", c.Sync.DefaultResolution)
	}
	if c.Resilience.Bulkhead.MaxConcurrent < 1 {
		return fmt.Errorf("bulkhead max_concurrent must be >= 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
