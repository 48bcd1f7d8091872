// Package config loads process configuration with viper.
package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/becomeliminal/nim-recall/engine"
	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder"
	"github.com/becomeliminal/nim-recall/memory/embedder/remote"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
	"github.com/becomeliminal/nim-recall/memory/store/qdrant"
	"github.com/becomeliminal/nim-recall/oracle"
	"github.com/becomeliminal/nim-recall/server"
)

// Config is the process configuration. It is read once at startup and
// handed to components as plain structs.
type Config struct {
	Listen      string          `mapstructure:"listen"`
	CORSOrigins []string        `mapstructure:"cors_origins"`
	LogLevel    string          `mapstructure:"log_level"`
	Embedding   EmbeddingConfig `mapstructure:"embedding"`
	Store       StoreConfig     `mapstructure:"store"`
	Qdrant      QdrantConfig    `mapstructure:"qdrant"`
	LLM         LLMConfig       `mapstructure:"llm"`
	Retrieval   RetrievalConfig `mapstructure:"retrieval"`
}

// EmbeddingConfig covers both the local model and the remote service client.
type EmbeddingConfig struct {
	// URL of the embedding service. Used by serve.
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`

	// Model artifacts. Used by embed-server.
	ModelName     string `mapstructure:"model_name"`
	ModelPath     string `mapstructure:"model_path"`
	TokenizerPath string `mapstructure:"tokenizer_path"`
	LibraryPath   string `mapstructure:"library_path"`
	Threads       int    `mapstructure:"threads"`

	MaxLength     int    `mapstructure:"max_length"`
	Dimensions    int    `mapstructure:"dimensions"`
	QueryPrefix   string `mapstructure:"query_prefix"`
	PassagePrefix string `mapstructure:"passage_prefix"`
	MaxConcurrent int    `mapstructure:"max_concurrent"`
	CacheSize     int64  `mapstructure:"cache_size"`
}

// StoreConfig selects the vector store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`

	// Path persists the chromem backend. Empty keeps it in memory.
	Path string `mapstructure:"path"`
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
	Collection string `mapstructure:"collection"`

	// VectorSize, when set, must agree with embedding.dimensions.
	VectorSize int `mapstructure:"vector_size"`
}

type LLMConfig struct {
	Provider  string `mapstructure:"provider"`
	ModelID   string `mapstructure:"model_id"`
	ModelKey  string `mapstructure:"model_key"`
	BaseURL   string `mapstructure:"base_url"`
	MaxTokens int64  `mapstructure:"max_tokens"`
}

type RetrievalConfig struct {
	MaxRounds   int  `mapstructure:"max_rounds"`
	SearchLimit int  `mapstructure:"search_limit"`
	ScopeToUser bool `mapstructure:"scope_to_user"`
}

const (
	BackendQdrant  = "qdrant"
	BackendChromem = "chromem"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("log_level", "info")

	v.SetDefault("embedding.url", "http://localhost:8081")
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.model_name", "multilingual-e5-small")
	v.SetDefault("embedding.model_path", "")
	v.SetDefault("embedding.tokenizer_path", "")
	v.SetDefault("embedding.library_path", "")
	v.SetDefault("embedding.threads", 0)
	v.SetDefault("embedding.max_length", embedder.DefaultConfig.MaxLength)
	v.SetDefault("embedding.dimensions", embedder.DefaultConfig.Dimensions)
	v.SetDefault("embedding.query_prefix", embedder.DefaultConfig.QueryPrefix)
	v.SetDefault("embedding.passage_prefix", embedder.DefaultConfig.PassagePrefix)
	v.SetDefault("embedding.max_concurrent", embedder.DefaultConfig.MaxConcurrent)
	v.SetDefault("embedding.cache_size", 10000)

	v.SetDefault("store.backend", BackendQdrant)
	v.SetDefault("store.path", "")

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.api_key", "")
	v.SetDefault("qdrant.use_tls", false)
	v.SetDefault("qdrant.collection", "messages")
	v.SetDefault("qdrant.vector_size", 0)

	v.SetDefault("llm.provider", oracle.ProviderOpenAI)
	v.SetDefault("llm.model_id", "")
	v.SetDefault("llm.model_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.max_tokens", oracle.DefaultMaxTokens)

	v.SetDefault("retrieval.max_rounds", engine.DefaultConfig.MaxRounds)
	v.SetDefault("retrieval.search_limit", engine.DefaultConfig.SearchLimit)
	v.SetDefault("retrieval.scope_to_user", false)
}

// Load reads configuration from defaults, an optional file at path, and the
// environment, in increasing precedence. Environment keys are the config keys
// upper-cased with "." replaced by "_", e.g. QDRANT_COLLECTION or LLM_MODEL_ID.
//
// Variables from dotenv files are loaded first and never override variables
// already set. With no files given, ./.env is read if present.
func Load(path string, dotenv ...string) (*Config, error) {
	if err := loadDotEnv(dotenv); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, recallerr.Wrapf(err, recallerr.CodeConfigValidateInvalidValue, "reading config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, recallerr.Wrap(err, recallerr.CodeConfigValidateInvalidValue, "unmarshalling config")
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, recallerr.Wrap(errors.Join(errs...), recallerr.CodeConfigValidateInvalidValue, "validating config")
	}
	return &cfg, nil
}

func loadDotEnv(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return recallerr.Wrap(err, recallerr.CodeConfigValidateInvalidValue, "reading .env")
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return recallerr.Wrapf(err, recallerr.CodeConfigValidateInvalidValue, "reading %s", strings.Join(files, ", "))
	}
	return nil
}

// Validate checks the configuration for logical errors and returns all of them.
// Settings only one command needs, such as model paths or the LLM key, are
// checked by the component that uses them.
func (c *Config) Validate() []error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, recallerr.Errorf(recallerr.CodeConfigValidateInvalidValue, "config: "+format, args...))
	}

	if strings.TrimSpace(c.Listen) == "" {
		invalid("listen must not be empty")
	}

	e := c.Embedding
	if e.MaxLength < 2 {
		invalid("embedding.max_length must be at least 2, got %d", e.MaxLength)
	}
	if e.Dimensions <= 0 {
		invalid("embedding.dimensions must be positive, got %d", e.Dimensions)
	}
	if e.MaxConcurrent < 0 {
		invalid("embedding.max_concurrent must not be negative, got %d", e.MaxConcurrent)
	}
	if e.CacheSize < 0 {
		invalid("embedding.cache_size must not be negative, got %d", e.CacheSize)
	}

	switch c.Store.Backend {
	case BackendQdrant, BackendChromem:
	default:
		invalid("store.backend must be %q or %q, got %q", BackendQdrant, BackendChromem, c.Store.Backend)
	}

	if c.Qdrant.Port <= 0 || c.Qdrant.Port > 65535 {
		invalid("qdrant.port must be in 1..65535, got %d", c.Qdrant.Port)
	}
	if strings.TrimSpace(c.Qdrant.Collection) == "" {
		invalid("qdrant.collection must not be empty")
	}
	if c.Qdrant.VectorSize != 0 && c.Qdrant.VectorSize != e.Dimensions {
		invalid("qdrant.vector_size %d does not match embedding.dimensions %d", c.Qdrant.VectorSize, e.Dimensions)
	}

	switch strings.ToLower(c.LLM.Provider) {
	case oracle.ProviderOpenAI, oracle.ProviderAnthropic:
	default:
		invalid("llm.provider must be %q or %q, got %q", oracle.ProviderOpenAI, oracle.ProviderAnthropic, c.LLM.Provider)
	}
	if c.LLM.MaxTokens < 0 {
		invalid("llm.max_tokens must not be negative, got %d", c.LLM.MaxTokens)
	}

	if c.Retrieval.MaxRounds < 1 {
		invalid("retrieval.max_rounds must be at least 1, got %d", c.Retrieval.MaxRounds)
	}
	if c.Retrieval.SearchLimit < 1 {
		invalid("retrieval.search_limit must be at least 1, got %d", c.Retrieval.SearchLimit)
	}

	return errs
}

func (c *Config) ServerConfig() server.Config {
	cfg := server.DefaultConfig
	cfg.Listen = c.Listen
	cfg.CORSOrigins = c.CORSOrigins
	return cfg
}

func (c *Config) EmbedderConfig() embedder.Config {
	return embedder.Config{
		MaxLength:     c.Embedding.MaxLength,
		Dimensions:    c.Embedding.Dimensions,
		QueryPrefix:   c.Embedding.QueryPrefix,
		PassagePrefix: c.Embedding.PassagePrefix,
		MaxConcurrent: c.Embedding.MaxConcurrent,
	}
}

func (c *Config) RemoteConfig() remote.Config {
	return remote.Config{
		URL:        c.Embedding.URL,
		Dimensions: c.Embedding.Dimensions,
		Timeout:    c.Embedding.Timeout,
	}
}

func (c *Config) QdrantStoreConfig() qdrant.Config {
	return qdrant.Config{
		Host:       c.Qdrant.Host,
		Port:       c.Qdrant.Port,
		APIKey:     c.Qdrant.APIKey,
		UseTLS:     c.Qdrant.UseTLS,
		Collection: c.Qdrant.Collection,
	}
}

func (c *Config) ChromemStoreConfig() chromem.Config {
	return chromem.Config{
		Collection: c.Qdrant.Collection,
		Path:       c.Store.Path,
		Compress:   c.Store.Path != "",
	}
}

func (c *Config) OracleConfig() oracle.Config {
	return oracle.Config{
		Provider:  c.LLM.Provider,
		Model:     c.LLM.ModelID,
		APIKey:    c.LLM.ModelKey,
		BaseURL:   c.LLM.BaseURL,
		MaxTokens: c.LLM.MaxTokens,
	}
}

func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		MaxRounds:   c.Retrieval.MaxRounds,
		SearchLimit: c.Retrieval.SearchLimit,
	}
}

func (c *Config) MemoryConfig() *memory.Config {
	return &memory.Config{
		SearchLimit: c.Retrieval.SearchLimit,
		ScopeToUser: c.Retrieval.ScopeToUser,
	}
}
