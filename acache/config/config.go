package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/ZanzyTHEbar/answercache/acache"
)

// Model backends understood by the model package.
const (
	ModelTypeOpenAI = "openai"
	ModelTypeGemma  = "gemma"
)

// EnvPrefix namespaces environment overrides, e.g. ANSWERCACHE_MODEL_TYPE.
const EnvPrefix = "ANSWERCACHE"

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Cache   CacheConfig   `mapstructure:"cache"`
	Model   ModelConfig   `mapstructure:"model"`
	Wolfram WolframConfig `mapstructure:"wolfram"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Log     LogConfig     `mapstructure:"log"`
}

// CacheConfig stores settings shared by every cache store.
type CacheConfig struct {
	DataDir      string `mapstructure:"data_dir"`      // Directory holding <name>.json files
	PriorityPath string `mapstructure:"priority_path"` // Optional read-only overlay for the model cache
}

// ModelConfig stores the model backend and its response cache settings.
type ModelConfig struct {
	Type               string        `mapstructure:"type"`                 // "openai" or "gemma"
	OpenAIModel        string        `mapstructure:"openai_model"`         // Model name sent to OpenAI
	OpenAIAPIKey       string        `mapstructure:"openai_api_key"`       // Falls back to OPENAI_API_KEY
	KoboldCppBaseURL   string        `mapstructure:"koboldcpp_base_url"`   // Base URL of the KoboldCpp server
	CacheSizeMiB       int           `mapstructure:"cache_size_mib"`       // Max size of the response cache
	CacheStartLifetime time.Duration `mapstructure:"cache_start_lifetime"` // Lifetime of newly cached answers
}

// WolframConfig stores Wolfram|Alpha short answers settings.
type WolframConfig struct {
	AppID                    string        `mapstructure:"app_id"`
	BaseURL                  string        `mapstructure:"base_url"`
	Timeout                  time.Duration `mapstructure:"timeout"`
	AnswerCacheSizeMiB       int           `mapstructure:"answer_cache_size_mib"`
	AnswerCacheStartLifetime time.Duration `mapstructure:"answer_cache_start_lifetime"`
	ErrorCacheSizeMiB        int           `mapstructure:"error_cache_size_mib"`
	ErrorCacheStartLifetime  time.Duration `mapstructure:"error_cache_start_lifetime"`
}

// RetryConfig stores request manager settings.
type RetryConfig struct {
	UnavailableDelay      time.Duration `mapstructure:"unavailable_delay"`        // Fixed wait after service_unavailable
	RateLimitInitialDelay time.Duration `mapstructure:"rate_limit_initial_delay"` // First exponential backoff step
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`          // Per-attempt HTTP timeout
	MaxConcurrency        int           `mapstructure:"max_concurrency"`          // SendAll fan-out bound

	// Local pacing of outbound calls
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	EnableTracing bool `mapstructure:"enable_tracing"`
}

// LogConfig stores logger settings for the CLI.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Loader reads configuration through its own viper instance.
type Loader struct {
	mu     sync.Mutex
	v      *viper.Viper
	logger zerolog.Logger
}

// NewLoader creates a loader with defaults and environment bindings applied.
func NewLoader(logger zerolog.Logger) *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. model.cache_size_mib becomes ANSWERCACHE_MODEL_CACHE_SIZE_MIB
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("model.openai_api_key", EnvPrefix+"_MODEL_OPENAI_API_KEY", "OPENAI_API_KEY")

	return &Loader{v: v, logger: logger}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.data_dir", acache.DefaultDataDir)
	v.SetDefault("cache.priority_path", "")

	v.SetDefault("model.type", ModelTypeGemma)
	v.SetDefault("model.openai_model", "gpt-4o-mini")
	v.SetDefault("model.openai_api_key", "")
	v.SetDefault("model.koboldcpp_base_url", "http://localhost:5001")
	v.SetDefault("model.cache_size_mib", 20)
	v.SetDefault("model.cache_start_lifetime", "168h") // 1 week

	v.SetDefault("wolfram.app_id", "")
	v.SetDefault("wolfram.base_url", "http://api.wolframalpha.com")
	v.SetDefault("wolfram.timeout", "7s")
	v.SetDefault("wolfram.answer_cache_size_mib", 1)
	v.SetDefault("wolfram.answer_cache_start_lifetime", "675s") // answers may carry real-time data
	v.SetDefault("wolfram.error_cache_size_mib", 1)
	v.SetDefault("wolfram.error_cache_start_lifetime", "168h")

	v.SetDefault("retry.unavailable_delay", "3s")
	v.SetDefault("retry.rate_limit_initial_delay", "1s")
	v.SetDefault("retry.request_timeout", "5m")
	v.SetDefault("retry.max_concurrency", 4)
	v.SetDefault("retry.rate_limit_enabled", false)
	v.SetDefault("retry.rate_limit_capacity", 10)
	v.SetDefault("retry.rate_limit_refill_rate", "1s")
	v.SetDefault("retry.enable_tracing", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
}

// Load reads configuration from configPath, or from config.yaml in the
// standard search paths when configPath is empty. A missing file in the
// search paths is not an error; an explicit path that does not exist is.
func (l *Loader) Load(configPath string) (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if configPath != "" {
		l.v.SetConfigFile(configPath)
	} else {
		l.v.AddConfigPath(".")
		l.v.AddConfigPath(filepath.Join("etc", acache.DefaultAppName))
		l.v.AddConfigPath(acache.DefaultConfigPath)
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		l.logger.Debug().Msg("No config file found, using defaults")
	} else {
		l.logger.Debug().Str("file", l.v.ConfigFileUsed()).Msg("Loaded config file")
	}

	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch re-reads the loaded config file whenever it changes and hands the
// new configuration to onChange. Invalid revisions are logged and skipped.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		defer l.mu.Unlock()

		cfg, err := l.decode()
		if err != nil {
			l.logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		l.logger.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config reloaded")
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// ConfigFileUsed returns the file the last Load read, if any.
func (l *Loader) ConfigFileUsed() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v.ConfigFileUsed()
}

// LoadConfig reads configuration without logging.
func LoadConfig(configPath string) (*Config, error) {
	return NewLoader(zerolog.Nop()).Load(configPath)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Model.Type {
	case ModelTypeOpenAI, ModelTypeGemma:
	default:
		return fmt.Errorf("invalid model type %q: want %q or %q", c.Model.Type, ModelTypeOpenAI, ModelTypeGemma)
	}
	sizes := map[string]int{
		"model.cache_size_mib":          c.Model.CacheSizeMiB,
		"wolfram.answer_cache_size_mib": c.Wolfram.AnswerCacheSizeMiB,
		"wolfram.error_cache_size_mib":  c.Wolfram.ErrorCacheSizeMiB,
	}
	for key, size := range sizes {
		if size <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, size)
		}
	}
	lifetimes := map[string]time.Duration{
		"model.cache_start_lifetime":          c.Model.CacheStartLifetime,
		"wolfram.answer_cache_start_lifetime": c.Wolfram.AnswerCacheStartLifetime,
		"wolfram.error_cache_start_lifetime":  c.Wolfram.ErrorCacheStartLifetime,
		"retry.unavailable_delay":             c.Retry.UnavailableDelay,
		"retry.rate_limit_initial_delay":      c.Retry.RateLimitInitialDelay,
	}
	for key, d := range lifetimes {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", key, d)
		}
	}
	if c.Retry.MaxConcurrency < 1 {
		return fmt.Errorf("retry.max_concurrency must be at least 1, got %d", c.Retry.MaxConcurrency)
	}
	if c.Retry.RateLimitEnabled && (c.Retry.RateLimitCapacity < 1 || c.Retry.RateLimitRefillRate <= 0) {
		return fmt.Errorf("rate limiting needs a positive capacity and refill rate")
	}
	return nil
}
