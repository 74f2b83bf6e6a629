package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chriskillpack/whiskers/action"
	"github.com/chriskillpack/whiskers/llm"
	"github.com/chriskillpack/whiskers/relay"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultListen      = "127.0.0.1:8080"
	defaultDBPath      = "./whiskers.db"
	defaultLLMTimeout  = llm.DefaultTimeout
	defaultHTTPTimeout = 60 * time.Second
	defaultLlamaSeed   = 385480504
	defaultLogLevel    = "info"
	defaultConcurrency = 2
)

// appConfig is the runtime configuration, read from flags, WHISKERS_* env
// vars and an optional YAML file.
type appConfig struct {
	// Generation endpoint
	OllamaHost  string        `mapstructure:"ollama-host"`
	Auth        string        `mapstructure:"auth"`
	Scheme      string        `mapstructure:"scheme"`
	AuthMode    string        `mapstructure:"auth-mode"`
	LLMTimeout  time.Duration `mapstructure:"llm-timeout"`
	Model       string        `mapstructure:"model"`
	KeepPartial bool          `mapstructure:"keep-partial"`

	// Downstream sink, disabled when StreamHost is empty
	StreamHost string `mapstructure:"stream-host"`
	StreamPort int    `mapstructure:"stream-port"`

	// Captioning and embeddings
	OllamaServer string        `mapstructure:"ollama-server"`
	VisionModel  string        `mapstructure:"vision-model"`
	EmbedModel   string        `mapstructure:"embed-model"`
	LlamaServer  string        `mapstructure:"llama-server"`
	LlamaSeed    int           `mapstructure:"llama-seed"`
	OpenAI       bool          `mapstructure:"openai"`
	HTTPTimeout  time.Duration `mapstructure:"http-timeout"`

	// Vector store
	DBPath      string `mapstructure:"db-path"`
	PostgresDSN string `mapstructure:"postgres-dsn"`
	Collection  string `mapstructure:"collection"`
	Limit       int    `mapstructure:"limit"`

	Listen      string `mapstructure:"listen"`
	LogLevel    string `mapstructure:"log-level"`
	LogFile     string `mapstructure:"log-file"`
	Concurrency int    `mapstructure:"concurrency"`

	ConfigPath string `mapstructure:"-"` // not from config file
}

// legacyEnv lists the unprefixed variables the deployed actions are
// configured with.
var legacyEnv = map[string]string{
	"ollama-host": "OLLAMA_HOST",
	"auth":        "AUTH",
	"stream-host": "STREAM_HOST",
	"stream-port": "STREAM_PORT",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("WHISKERS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	for key, env := range legacyEnv {
		v.BindEnv(key, "WHISKERS_"+strings.ToUpper(strings.ReplaceAll(key, "-", "_")), env)
	}

	v.SetDefault("scheme", llm.DefaultScheme)
	v.SetDefault("auth-mode", "url")
	v.SetDefault("llm-timeout", defaultLLMTimeout)
	v.SetDefault("model", action.DefaultModel)
	v.SetDefault("keep-partial", false)
	v.SetDefault("stream-port", 0)
	v.SetDefault("vision-model", "llava")
	v.SetDefault("embed-model", "nomic-embed-text")
	v.SetDefault("llama-seed", defaultLlamaSeed)
	v.SetDefault("openai", false)
	v.SetDefault("http-timeout", defaultHTTPTimeout)
	v.SetDefault("db-path", defaultDBPath)
	v.SetDefault("collection", action.DefaultCollection)
	v.SetDefault("limit", action.DefaultRAGLimit)
	v.SetDefault("listen", defaultListen)
	v.SetDefault("log-level", defaultLogLevel)
	v.SetDefault("concurrency", defaultConcurrency)

	return v
}

func loadConfig(v *viper.Viper, configPath string) (appConfig, error) {
	var cfg appConfig

	// A missing .env is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("loading .env: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var configFileNotFound viper.ConfigFileNotFoundError
			if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
				return cfg, err
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if cfg.StreamHost != "" && (cfg.StreamPort <= 0 || cfg.StreamPort > 65535) {
		return cfg, fmt.Errorf("invalid stream-port: %d", cfg.StreamPort)
	}
	if cfg.Limit < 1 {
		return cfg, fmt.Errorf("invalid limit: %d", cfg.Limit)
	}
	if _, err := llm.ParseAuthMode(cfg.AuthMode); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// sink returns the relay sink, nil when streaming is disabled.
func (c appConfig) sink() *relay.SinkAddress {
	if c.StreamHost == "" {
		return nil
	}
	return &relay.SinkAddress{Host: c.StreamHost, Port: c.StreamPort}
}

func (c appConfig) ragConfig() action.RAGConfig {
	rc := action.DefaultRAGConfig()
	rc.Collection = c.Collection
	rc.Limit = c.Limit
	rc.Model = c.Model
	return rc
}
