package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when a loaded configuration fails validation.
var ErrInvalid = errors.New("invalid config")

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Quiz        QuizConfig                `json:"quiz" yaml:"quiz"`
	Tools       ToolsConfig               `json:"tools" yaml:"tools"`
	Media       MediaConfig               `json:"media" yaml:"media"`
	Logging     LoggingConfig             `json:"logging" yaml:"logging"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type BasicConfig struct {
	ServerAddress      string   `json:"server_address" yaml:"server_address"`
	Database           string   `json:"database" yaml:"database"`
	Provider           string   `json:"provider" yaml:"provider"`
	SessionTTL         Duration `json:"session_ttl" yaml:"session_ttl"`
	SweepInterval      Duration `json:"sweep_interval" yaml:"sweep_interval"`
	SessionShards      int      `json:"session_shards" yaml:"session_shards"`
	ShortTurnThreshold float64  `json:"short_turn_threshold" yaml:"short_turn_threshold"`
	GenerationTimeout  Duration `json:"generation_timeout" yaml:"generation_timeout"`
	MinWorkers         int      `json:"min_workers" yaml:"min_workers"`
	MaxWorkers         int      `json:"max_workers" yaml:"max_workers"`
	QueueSize          int      `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout  Duration `json:"worker_idle_timeout" yaml:"worker_idle_timeout"`
	StreamBuffer       int      `json:"stream_buffer" yaml:"stream_buffer"`
	ProvisionalTTL     Duration `json:"provisional_ttl" yaml:"provisional_ttl"`
	CleanInterval      Duration `json:"clean_interval" yaml:"clean_interval"`
	MediaDir           string   `json:"media_dir" yaml:"media_dir"`
	TokenTTL           Duration `json:"token_ttl" yaml:"token_ttl"`
}

type QuizConfig struct {
	Attempts       int   `json:"attempts" yaml:"attempts"`
	ExplainWithLLM *bool `json:"explain_with_llm" yaml:"explain_with_llm"`
}

// ExplainEnabled reports whether wrong answers ask the model for an explanation.
func (q QuizConfig) ExplainEnabled() bool {
	return q.ExplainWithLLM == nil || *q.ExplainWithLLM
}

type ToolsConfig struct {
	WebSearch            bool   `json:"web_search" yaml:"web_search"`
	GoogleAPIKey         string `json:"google_api_key" yaml:"google_api_key"`
	GoogleSearchEngineID string `json:"google_search_engine_id" yaml:"google_search_engine_id"`
}

type MediaConfig struct {
	ImageProvider string `json:"image_provider" yaml:"image_provider"`
	ImageModel    string `json:"image_model" yaml:"image_model"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

// Duration accepts "90s" / "3h" strings or integer seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var secs int64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Defaults applied to zero values after loading.
const (
	DefaultServerAddress      = ":8090"
	DefaultDatabase           = "sqlite3"
	DefaultProvider           = "mistral"
	DefaultSessionTTL         = 3 * time.Hour
	DefaultSweepInterval      = 5 * time.Minute
	DefaultSessionShards      = 32
	DefaultShortTurnThreshold = 0.35
	DefaultGenerationTimeout  = 2 * time.Minute
	DefaultMinWorkers         = 2
	DefaultMaxWorkers         = 16
	DefaultQueueSize          = 64
	DefaultWorkerIdleTimeout  = 30 * time.Second
	DefaultStreamBuffer       = 32
	DefaultProvisionalTTL     = time.Hour
	DefaultCleanInterval      = 10 * time.Minute
	DefaultMediaDir           = "./data/media"
	DefaultTokenTTL           = 24 * time.Hour
	DefaultQuizAttempts       = 2
	mistralBaseURL            = "https://api.mistral.ai/v1"
)

// Load reads configuration from the provided path (defaults to config.json).
// Files ending in .yaml or .yml are decoded as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// relative sqlite paths are resolved next to the config file
	if db, ok := cfg.Databases["sqlite3"]; ok && db.DSN != "" && db.DSN != ":memory:" && !strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
		db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
		cfg.Databases["sqlite3"] = db
	}
	return &cfg, nil
}

// Default returns a configuration with every default filled in and an
// in-memory sqlite database. Used by tests and the migrate command.
func Default() *Config {
	cfg := &Config{
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("EDUTUTOR_DB"); v != "" {
		c.BasicConfig.Database = v
	}
	if v := os.Getenv("EDUTUTOR_ADDR"); v != "" {
		c.BasicConfig.ServerAddress = v
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for name, env := range map[string]string{
		"mistral": "MISTRAL_API_KEY",
		"openai":  "OPENAI_API_KEY",
		"gemini":  "GEMINI_API_KEY",
		"claude":  "ANTHROPIC_API_KEY",
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		p := c.Providers[name]
		p.APIKey = v
		c.Providers[name] = p
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		c.Tools.GoogleAPIKey = v
	}
	if v := os.Getenv("GOOGLE_SEARCH_ENGINE_ID"); v != "" {
		c.Tools.GoogleSearchEngineID = v
	}
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = DefaultServerAddress
	}
	if b.Database == "" {
		b.Database = DefaultDatabase
	}
	if b.Provider == "" {
		b.Provider = DefaultProvider
	}
	if b.SessionTTL <= 0 {
		b.SessionTTL = Duration(DefaultSessionTTL)
	}
	if b.SweepInterval <= 0 {
		b.SweepInterval = Duration(DefaultSweepInterval)
	}
	if b.SessionShards <= 0 {
		b.SessionShards = DefaultSessionShards
	}
	if b.ShortTurnThreshold <= 0 {
		b.ShortTurnThreshold = DefaultShortTurnThreshold
	}
	if b.GenerationTimeout <= 0 {
		b.GenerationTimeout = Duration(DefaultGenerationTimeout)
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = DefaultMinWorkers
	}
	if b.MaxWorkers <= 0 {
		b.MaxWorkers = DefaultMaxWorkers
	}
	if b.QueueSize <= 0 {
		b.QueueSize = DefaultQueueSize
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = Duration(DefaultWorkerIdleTimeout)
	}
	if b.StreamBuffer <= 0 {
		b.StreamBuffer = DefaultStreamBuffer
	}
	if b.ProvisionalTTL <= 0 {
		b.ProvisionalTTL = Duration(DefaultProvisionalTTL)
	}
	if b.CleanInterval <= 0 {
		b.CleanInterval = Duration(DefaultCleanInterval)
	}
	if b.MediaDir == "" {
		b.MediaDir = DefaultMediaDir
	}
	if b.TokenTTL <= 0 {
		b.TokenTTL = Duration(DefaultTokenTTL)
	}
	if c.Quiz.Attempts <= 0 {
		c.Quiz.Attempts = DefaultQuizAttempts
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	if p, ok := c.Providers["mistral"]; ok && p.BaseURL == "" {
		p.BaseURL = mistralBaseURL
		c.Providers["mistral"] = p
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	b := c.BasicConfig
	if b.MaxWorkers < b.MinWorkers {
		return fmt.Errorf("%w: max_workers (%d) < min_workers (%d)", ErrInvalid, b.MaxWorkers, b.MinWorkers)
	}
	if b.ShortTurnThreshold > 1 {
		return fmt.Errorf("%w: short_turn_threshold must be within (0, 1]", ErrInvalid)
	}
	if _, ok := c.Databases[strings.ToLower(b.Database)]; !ok {
		return fmt.Errorf("%w: database config for %s not found", ErrInvalid, b.Database)
	}
	return nil
}

// ActiveProvider returns the configured provider entry selected by basic_config.provider.
func (c *Config) ActiveProvider() (string, ProviderConfig, bool) {
	name := c.BasicConfig.Provider
	p, ok := c.Providers[name]
	return name, p, ok && p.APIKey != ""
}
