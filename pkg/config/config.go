// Package config loads the captionstore configuration from defaults, an
// optional captionstore.yaml, and CAPTIONSTORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by the caption, embed, and index sections.
const (
	BackendGemini = "gemini"
	BackendOpenAI = "openai"
	BackendOllama = "ollama"

	IndexLocal  = "local"
	IndexQdrant = "qdrant"
)

// DefaultPrompt is used when a run names no prompt.
const DefaultPrompt = "Describe what is happening in this image."

type Config struct {
	Catalog CatalogConfig `mapstructure:"catalog"`
	Index   IndexConfig   `mapstructure:"index"`
	Caption ModelConfig   `mapstructure:"caption"`
	Embed   ModelConfig   `mapstructure:"embed"`
	Gemini  GeminiConfig  `mapstructure:"gemini"`
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
	Ollama  OllamaConfig  `mapstructure:"ollama"`
	Pacing  PacingConfig  `mapstructure:"pacing"`
	Workers int           `mapstructure:"workers"`
	Server  ServerConfig  `mapstructure:"server"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Log     LogConfig     `mapstructure:"log"`
	Eval    EvalConfig    `mapstructure:"eval"`
}

type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// IndexConfig selects the vector index. Path is used by the local backend,
// QdrantAddr and Collection by the qdrant backend.
type IndexConfig struct {
	Backend    string `mapstructure:"backend"`
	Path       string `mapstructure:"path"`
	QdrantAddr string `mapstructure:"qdrant_addr"`
	Collection string `mapstructure:"collection"`
	Dimension  int    `mapstructure:"dimension"`
}

type ModelConfig struct {
	Backend string `mapstructure:"backend"`
	Model   string `mapstructure:"model"`
	Prompt  string `mapstructure:"prompt"`
}

type GeminiConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type OllamaConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// PacingConfig bounds calls to the captioning and embedding collaborators.
type PacingConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialWait       time.Duration `mapstructure:"initial_wait"`
	MaxWait           time.Duration `mapstructure:"max_wait"`
	Timeout           time.Duration `mapstructure:"timeout"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
}

type ServerConfig struct {
	Addr         string `mapstructure:"addr"`
	CORSOrigin   string `mapstructure:"cors_origin"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// NATSConfig enables the event bus when URL is set. AutoSync makes
// captiond sync after stored-caption events.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	AutoSync bool   `mapstructure:"auto_sync"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type EvalConfig struct {
	References string `mapstructure:"references"`
	ReportDir  string `mapstructure:"report_dir"`
	TopN       int    `mapstructure:"top_n"`
}

// Dir returns the directory searched for captionstore.yaml besides ".".
func Dir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "captionstore"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "captionstore"), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("catalog.path", "labels.db")
	v.SetDefault("index.backend", IndexLocal)
	v.SetDefault("index.path", "vectors.db")
	v.SetDefault("index.qdrant_addr", "localhost:6334")
	v.SetDefault("index.collection", "image_embeddings")
	v.SetDefault("index.dimension", 3072)
	v.SetDefault("caption.backend", BackendGemini)
	v.SetDefault("caption.model", "gemini-2.0-flash")
	v.SetDefault("caption.prompt", DefaultPrompt)
	v.SetDefault("embed.backend", BackendGemini)
	v.SetDefault("embed.model", "gemini-embedding-exp-03-07")
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.base_url", "")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("pacing.requests_per_minute", 15)
	v.SetDefault("pacing.max_attempts", 4)
	v.SetDefault("pacing.initial_wait", "4s")
	v.SetDefault("pacing.max_wait", "1m")
	v.SetDefault("pacing.timeout", "2m")
	v.SetDefault("pacing.breaker_threshold", 5)
	v.SetDefault("pacing.breaker_cooldown", "30s")
	v.SetDefault("workers", 1)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origin", "*")
	v.SetDefault("server.max_body_bytes", 32<<20)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.auto_sync", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("eval.references", "")
	v.SetDefault("eval.report_dir", "data")
	v.SetDefault("eval.top_n", 5)
}

// Load reads the configuration. file, when non-empty, names the config
// file explicitly; otherwise captionstore.yaml is looked up in "." and Dir.
// A missing config file is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("captionstore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix("CAPTIONSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	resolveKeys(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveKeys falls back to the providers' conventional env vars.
func resolveKeys(cfg *Config) {
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
	}
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = firstEnv("OPENAI_API_KEY")
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Validate rejects configurations no component could run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Catalog.Path == "" {
		errs = append(errs, errors.New("catalog.path is required"))
	}
	switch c.Index.Backend {
	case IndexLocal:
		if c.Index.Path == "" {
			errs = append(errs, errors.New("index.path is required for the local index"))
		}
	case IndexQdrant:
		if c.Index.QdrantAddr == "" || c.Index.Collection == "" {
			errs = append(errs, errors.New("index.qdrant_addr and index.collection are required for qdrant"))
		}
	default:
		errs = append(errs, fmt.Errorf("index.backend %q: want %s or %s", c.Index.Backend, IndexLocal, IndexQdrant))
	}
	if c.Index.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("index.dimension %d must be positive", c.Index.Dimension))
	}
	for name, b := range map[string]string{"caption.backend": c.Caption.Backend, "embed.backend": c.Embed.Backend} {
		if !knownBackend(b) {
			errs = append(errs, fmt.Errorf("%s %q: want gemini, openai or ollama", name, b))
		}
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers %d must be positive", c.Workers))
	}
	if c.Pacing.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("pacing.requests_per_minute must not be negative"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func knownBackend(b string) bool {
	return b == BackendGemini || b == BackendOpenAI || b == BackendOllama
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log.level %q: %w", s, err)
	}
	return l, nil
}

// Logger builds the process logger described by c.Log.
func (c *Config) Logger() *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
