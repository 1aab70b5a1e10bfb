// Package config handles engine configuration loading and management.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	if path == "~" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return homeDir
	}
	return path
}

// Config holds all engine configuration.
type Config struct {
	// Daemon configuration
	DataDir    string `mapstructure:"data_dir"`
	SocketPath string `mapstructure:"socket"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	// API configuration
	API APIConfig `mapstructure:"api"`

	// Engine configuration: the orchestrator, splitter, retry and GC knobs
	// named in the external interfaces section.
	Engine EngineConfig `mapstructure:"engine"`

	// Qdrant vector store connection.
	Qdrant QdrantConfig `mapstructure:"qdrant"`

	// Ollama embedding provider connection.
	Ollama OllamaConfig `mapstructure:"ollama"`

	// Redis holds the optional cache/lease backend (C16). Addr == "" disables
	// it and every caller falls back to in-process coordination.
	Redis RedisConfig `mapstructure:"redis"`
}

// APIConfig holds daemon HTTP server configuration.
type APIConfig struct {
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// EngineConfig mirrors the "Config recognised" table in the external
// interfaces section.
type EngineConfig struct {
	IngestionParallelism  int    `mapstructure:"ingestion_parallelism"`
	EmbedBatchSize        int    `mapstructure:"embed_batch_size"`
	RetryBaseMs           int    `mapstructure:"retry_base_ms"`
	RetryMaxAttempts      int    `mapstructure:"retry_max_attempts"`
	RetryCapMs            int    `mapstructure:"retry_cap_ms"`
	GCIntervalHours       int    `mapstructure:"gc_interval_hours"`
	DefaultCollectionName string `mapstructure:"default_collection_name"`
	VectorDimension       int    `mapstructure:"vector_dimension"`
	SplitterDefault       string `mapstructure:"splitter_default"`
}

// QdrantConfig holds the vector store connection settings.
type QdrantConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	CollectionName string `mapstructure:"collection"`
}

// OllamaConfig holds the embedding provider connection settings.
type OllamaConfig struct {
	Host  string `mapstructure:"host"`
	Model string `mapstructure:"model"`
}

// RedisConfig holds the optional cache/lease backend settings.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".ragengine")
	socketPath := filepath.Join(dataDir, "engine.sock")

	if runtime.GOOS == "windows" {
		socketPath = `\\.\pipe\ragengine`
	}

	return &Config{
		DataDir:    dataDir,
		SocketPath: socketPath,
		LogLevel:   "info",
		LogFormat:  "json",

		API: APIConfig{
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  120 * time.Second,
		},

		Engine: EngineConfig{
			IngestionParallelism:  4,
			EmbedBatchSize:        64,
			RetryBaseMs:           30_000,
			RetryMaxAttempts:      5,
			RetryCapMs:            1_800_000,
			GCIntervalHours:       1,
			DefaultCollectionName: "default",
			VectorDimension:       0, // recorded at first embedding use
			SplitterDefault:       "markdown_headings",
		},

		Qdrant: QdrantConfig{
			Host:           "localhost",
			Port:           6334,
			CollectionName: "ragengine_chunks",
		},

		Ollama: OllamaConfig{
			Host:  "http://localhost:11434",
			Model: "nomic-embed-text",
		},

		Redis: RedisConfig{
			Addr: "",
			DB:   0,
		},
	}
}

// Load loads configuration from files and environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("ragengine")
	v.SetConfigType("yaml")

	// Configuration search paths
	homeDir, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(homeDir, ".ragengine"))
	v.AddConfigPath("/etc/ragengine")
	v.AddConfigPath(".")

	// Environment variable binding
	v.SetEnvPrefix("ENGINE")
	v.AutomaticEnv()

	// Read configuration file if it exists
	if err := v.ReadInConfig(); err != nil {
		// Config file not found is OK, use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// Unmarshal into config struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// Expand tildes in path fields
	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.SocketPath = expandPath(cfg.SocketPath)

	return cfg, nil
}

// DatabasePath returns the path to the SQLite metadata store.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "ragengine.db")
}

// LogPath returns the path to the log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "ragengine.log")
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	return os.MkdirAll(c.DataDir, 0700)
}
