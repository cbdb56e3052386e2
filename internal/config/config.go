package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigRelPath   = ".vidlens/config.yaml"
	defaultRegistryRelPath = ".vidlens/cache_registry.json"
)

type LLMConfig struct {
	Provider        string `yaml:"provider"`
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	Model           string `yaml:"model"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	// Temperature is nil when unset so an explicit 0 survives defaults.
	Temperature    *float64      `yaml:"temperature"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type SessionConfig struct {
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	IdleTTL               time.Duration `yaml:"idle_ttl"`
	MaxTurns              int           `yaml:"max_turns"`
	// MaxHistoryTokens caps the history replayed per turn. Zero replays all
	// retained turns.
	MaxHistoryTokens int `yaml:"max_history_tokens"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// StoreConfig locates the durable session store. An empty Path disables
// persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

type CacheConfig struct {
	RegistryPath    string        `yaml:"registry_path"`
	UpstreamTTL     time.Duration `yaml:"upstream_ttl"`
	ResultCacheSize int           `yaml:"result_cache_size"`
	ResultCacheTTL  time.Duration `yaml:"result_cache_ttl"`
	PrewarmWorkers  int           `yaml:"prewarm_workers"`
}

type BatchConfig struct {
	MaxConcurrency int      `yaml:"max_concurrency"`
	Extensions     []string `yaml:"extensions"`
	ContentTypes   []string `yaml:"content_types"`
	IgnorePaths    []string `yaml:"ignore_paths"`
}

type SanitizeConfig struct {
	QueryParams []string `yaml:"query_params"`
	Replacement string   `yaml:"replacement"`
}

type OutputConfig struct {
	Dir     string   `yaml:"dir"`
	Formats []string `yaml:"formats"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// CORSOrigin is the allowed browser origin; empty allows any.
	CORSOrigin string `yaml:"cors_origin"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Session  SessionConfig  `yaml:"session"`
	Retry    RetryConfig    `yaml:"retry"`
	Store    StoreConfig    `yaml:"store"`
	Cache    CacheConfig    `yaml:"cache"`
	Batch    BatchConfig    `yaml:"batch"`
	Sanitize SanitizeConfig `yaml:"sanitize"`
	Output   OutputConfig   `yaml:"output"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// Load loads YAML config, then applies env overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		configPath = filepath.Join(home, defaultConfigRelPath)
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()
	return cfg, nil
}

// SetDefaults fills zero values. Store.Path is left alone: empty means the
// durable store is disabled.
func (c *Config) SetDefaults() {
	if c.LLM.Provider == "" {
		c.LLM.Provider = "gemini"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gemini-2.5-flash"
	}
	if c.LLM.MaxOutputTokens == 0 {
		c.LLM.MaxOutputTokens = 8192
	}
	if c.LLM.Temperature == nil {
		t := 0.2
		c.LLM.Temperature = &t
	}
	if c.LLM.RequestTimeout == 0 {
		c.LLM.RequestTimeout = 5 * time.Minute
	}
	if c.Session.MaxConcurrentSessions == 0 {
		c.Session.MaxConcurrentSessions = 32
	}
	if c.Session.IdleTTL == 0 {
		c.Session.IdleTTL = time.Hour
	}
	if c.Session.MaxTurns == 0 {
		c.Session.MaxTurns = 24
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Cache.RegistryPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Cache.RegistryPath = filepath.Join(home, defaultRegistryRelPath)
		}
	}
	if c.Cache.UpstreamTTL == 0 {
		c.Cache.UpstreamTTL = time.Hour
	}
	if c.Cache.ResultCacheSize == 0 {
		c.Cache.ResultCacheSize = 256
	}
	if c.Cache.ResultCacheTTL == 0 {
		c.Cache.ResultCacheTTL = 30 * time.Minute
	}
	if c.Cache.PrewarmWorkers == 0 {
		c.Cache.PrewarmWorkers = 2
	}
	if c.Batch.MaxConcurrency == 0 {
		c.Batch.MaxConcurrency = 3
	}
	if len(c.Batch.Extensions) == 0 {
		c.Batch.Extensions = []string{".mp4", ".mov", ".mkv", ".webm", ".avi", ".mpeg", ".mp3", ".wav", ".m4a", ".flac", ".png", ".jpg", ".jpeg", ".webp", ".pdf"}
	}
	if len(c.Batch.ContentTypes) == 0 {
		c.Batch.ContentTypes = []string{"video/*", "audio/*", "image/*", "application/pdf"}
	}
	if len(c.Batch.IgnorePaths) == 0 {
		c.Batch.IgnorePaths = []string{".git/", "node_modules/", ".cache/"}
	}
	if len(c.Sanitize.QueryParams) == 0 {
		c.Sanitize.QueryParams = []string{"key", "api_key", "access_token", "token", "signature"}
	}
	if c.Sanitize.Replacement == "" {
		c.Sanitize.Replacement = "***REDACTED***"
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "./output"
	}
	if len(c.Output.Formats) == 0 {
		c.Output.Formats = []string{"markdown", "yaml"}
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) Validate() error {
	if t := c.LLM.Temperature; t != nil && (*t < 0 || *t > 2) {
		return errors.New("llm.temperature must be between 0 and 2")
	}
	if c.Session.MaxConcurrentSessions < 1 {
		return errors.New("session.max_concurrent_sessions must be >= 1")
	}
	if c.Session.MaxTurns < 1 {
		return errors.New("session.max_turns must be >= 1")
	}
	if c.Session.IdleTTL <= 0 {
		return errors.New("session.idle_ttl must be > 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay <= 0 {
		return errors.New("retry delays must be > 0")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry.max_delay must be >= retry.base_delay")
	}
	if c.Batch.MaxConcurrency < 1 {
		return errors.New("batch.max_concurrency must be >= 1")
	}
	if c.Cache.PrewarmWorkers < 1 {
		return errors.New("cache.prewarm_workers must be >= 1")
	}
	if c.Store.Path != "" {
		if err := os.MkdirAll(filepath.Dir(c.Store.Path), 0o755); err != nil {
			return fmt.Errorf("store.path not writable: %w", err)
		}
	}
	return nil
}

// TemperatureValue returns the configured sampling temperature, 0.2 when
// unset.
func (l LLMConfig) TemperatureValue() float64 {
	if l.Temperature == nil {
		return 0.2
	}
	return *l.Temperature
}

// ValidateProvider enforces requirements for commands that call the model.
func (c *Config) ValidateProvider() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return errors.New("llm.api_key cannot be empty")
	}
	return nil
}

// ValidateOutput checks that the report directory is writable.
func (c *Config) ValidateOutput() error {
	if strings.TrimSpace(c.Output.Dir) == "" {
		return errors.New("output.dir cannot be empty")
	}
	if err := ensureWritableDir(c.Output.Dir); err != nil {
		return fmt.Errorf("output.dir not writable: %w", err)
	}
	return nil
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func applyEnvOverrides(c *Config) {
	setString(&c.LLM.Provider, "VIDLENS_LLM_PROVIDER")
	setString(&c.LLM.APIKey, "VIDLENS_LLM_API_KEY")
	if c.LLM.APIKey == "" {
		setString(&c.LLM.APIKey, "GEMINI_API_KEY")
	}
	setString(&c.LLM.BaseURL, "VIDLENS_LLM_BASE_URL")
	setString(&c.LLM.Model, "VIDLENS_LLM_MODEL")
	setInt(&c.LLM.MaxOutputTokens, "VIDLENS_LLM_MAX_OUTPUT_TOKENS")
	setFloat(&c.LLM.Temperature, "VIDLENS_LLM_TEMPERATURE")
	setInt(&c.Session.MaxConcurrentSessions, "VIDLENS_SESSION_MAX_CONCURRENT")
	setDuration(&c.Session.IdleTTL, "VIDLENS_SESSION_IDLE_TTL")
	setInt(&c.Session.MaxTurns, "VIDLENS_SESSION_MAX_TURNS")
	setInt(&c.Session.MaxHistoryTokens, "VIDLENS_SESSION_MAX_HISTORY_TOKENS")
	setInt(&c.Retry.MaxAttempts, "VIDLENS_RETRY_MAX_ATTEMPTS")
	setDuration(&c.Retry.BaseDelay, "VIDLENS_RETRY_BASE_DELAY")
	setDuration(&c.Retry.MaxDelay, "VIDLENS_RETRY_MAX_DELAY")
	setString(&c.Store.Path, "VIDLENS_STORE_PATH")
	setString(&c.Cache.RegistryPath, "VIDLENS_CACHE_REGISTRY_PATH")
	setInt(&c.Batch.MaxConcurrency, "VIDLENS_BATCH_MAX_CONCURRENCY")
	setString(&c.Output.Dir, "VIDLENS_OUTPUT_DIR")
	setString(&c.Server.Host, "VIDLENS_SERVER_HOST")
	setInt(&c.Server.Port, "VIDLENS_SERVER_PORT")
	setString(&c.Server.CORSOrigin, "VIDLENS_SERVER_CORS_ORIGIN")
	setString(&c.Log.Level, "VIDLENS_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst **float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = &n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
