package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should not be empty")
	}
	if cfg.SocketPath == "" {
		t.Error("SocketPath should not be empty")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel should be 'info', got %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat should be 'json', got %s", cfg.LogFormat)
	}
}

func TestDefaultConfig_WindowsSocketPath(t *testing.T) {
	if runtime.GOOS != "windows" {
		t.Skip("Only run on Windows")
	}

	cfg := DefaultConfig()
	if !strings.HasPrefix(cfg.SocketPath, `\\.\pipe\`) {
		t.Errorf("Windows socket path should use named pipes, got %s", cfg.SocketPath)
	}
}

func TestDefaultConfig_UnixSocketPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skip on Windows")
	}

	cfg := DefaultConfig()
	if !strings.HasSuffix(cfg.SocketPath, ".sock") {
		t.Errorf("Unix socket path should end with .sock, got %s", cfg.SocketPath)
	}
}

func TestDefaultConfig_APIDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout should be 30s, got %v", cfg.API.ReadTimeout)
	}
	if cfg.API.WriteTimeout != 10*time.Minute {
		t.Errorf("WriteTimeout should be 10m, got %v", cfg.API.WriteTimeout)
	}
	if cfg.API.IdleTimeout != 120*time.Second {
		t.Errorf("IdleTimeout should be 120s, got %v", cfg.API.IdleTimeout)
	}
}

func TestDefaultConfig_EngineDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Engine.IngestionParallelism != 4 {
		t.Errorf("IngestionParallelism should be 4, got %d", cfg.Engine.IngestionParallelism)
	}
	if cfg.Engine.EmbedBatchSize != 64 {
		t.Errorf("EmbedBatchSize should be 64, got %d", cfg.Engine.EmbedBatchSize)
	}
	if cfg.Engine.RetryBaseMs != 30_000 {
		t.Errorf("RetryBaseMs should be 30000, got %d", cfg.Engine.RetryBaseMs)
	}
	if cfg.Engine.RetryMaxAttempts != 5 {
		t.Errorf("RetryMaxAttempts should be 5, got %d", cfg.Engine.RetryMaxAttempts)
	}
	if cfg.Engine.RetryCapMs != 1_800_000 {
		t.Errorf("RetryCapMs should be 1800000, got %d", cfg.Engine.RetryCapMs)
	}
	if cfg.Engine.GCIntervalHours != 1 {
		t.Errorf("GCIntervalHours should be 1, got %d", cfg.Engine.GCIntervalHours)
	}
	if cfg.Engine.DefaultCollectionName != "default" {
		t.Errorf("DefaultCollectionName should be 'default', got %s", cfg.Engine.DefaultCollectionName)
	}
	if cfg.Engine.SplitterDefault != "markdown_headings" {
		t.Errorf("SplitterDefault should be 'markdown_headings', got %s", cfg.Engine.SplitterDefault)
	}
}

func TestDefaultConfig_QdrantAndOllamaDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Qdrant.Host != "localhost" || cfg.Qdrant.Port != 6334 {
		t.Errorf("unexpected qdrant defaults: %+v", cfg.Qdrant)
	}
	if cfg.Ollama.Model != "nomic-embed-text" {
		t.Errorf("Ollama.Model should be 'nomic-embed-text', got %s", cfg.Ollama.Model)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("Redis.Addr should be empty (disabled) by default, got %s", cfg.Redis.Addr)
	}
}

func TestConfig_DatabasePath(t *testing.T) {
	cfg := DefaultConfig()

	dbPath := cfg.DatabasePath()
	if !strings.HasSuffix(dbPath, "ragengine.db") {
		t.Errorf("DatabasePath should end with 'ragengine.db', got %s", dbPath)
	}
	if !strings.Contains(dbPath, cfg.DataDir) {
		t.Errorf("DatabasePath should be within DataDir")
	}
}

func TestConfig_LogPath(t *testing.T) {
	cfg := DefaultConfig()

	logPath := cfg.LogPath()
	if !strings.HasSuffix(logPath, "ragengine.log") {
		t.Errorf("LogPath should end with 'ragengine.log', got %s", logPath)
	}
	if !strings.Contains(logPath, cfg.DataDir) {
		t.Errorf("LogPath should be within DataDir")
	}
}

func TestConfig_EnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := &Config{DataDir: tmpDir}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	info, err := os.Stat(tmpDir)
	if err != nil {
		t.Fatalf("Directory %s not created: %v", tmpDir, err)
	}
	if !info.IsDir() {
		t.Errorf("%s is not a directory", tmpDir)
	}
}

func TestConfig_EnsureDirectories_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Permission test not applicable on Windows")
	}

	tmpDir := filepath.Join(t.TempDir(), "nested")
	cfg := &Config{DataDir: tmpDir}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	info, err := os.Stat(tmpDir)
	if err != nil {
		t.Fatalf("Failed to stat DataDir: %v", err)
	}

	perm := info.Mode().Perm()
	if perm&0077 != 0 {
		t.Errorf("Data directory should not be world-readable, got %o", perm)
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.LogLevel == "" {
		t.Error("LogLevel should have default value")
	}
	if cfg.Engine.IngestionParallelism == 0 {
		t.Error("Engine.IngestionParallelism should have default value")
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		t.Skip("Cannot determine home directory")
	}

	tests := []struct {
		input    string
		expected string
	}{
		{"~/.ragengine", filepath.Join(homeDir, ".ragengine")},
		{"~/", homeDir},
		{"~", homeDir},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		result := expandPath(tt.input)
		if result != tt.expected {
			t.Errorf("expandPath(%q) = %q, expected %q", tt.input, result, tt.expected)
		}
	}
}
