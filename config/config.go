package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port int
	Host string
	Env  string // "development" or "production"

	// Data directory
	DataDir string

	// Database
	DatabasePath string

	// Claude CLI
	ClaudeBinary string // executable used to spawn conversations
	ClaudeHome   string // directory containing .claude (defaults to user home)

	// Permission server (companion process). When set, a generated MCP config
	// pointing at it is passed to every spawned conversation.
	PermissionServerURL string

	// Debug settings
	DBLogQueries bool
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

// load reads configuration from environment variables
func load() *Config {
	dataDir := getEnv("CONSOLE_DATA_DIR", "./data")
	appDir := filepath.Join(dataDir, "app", "claude-console")

	claudeHome := getEnv("CLAUDE_HOME", "")
	if claudeHome == "" {
		claudeHome, _ = os.UserHomeDir()
	}

	return &Config{
		// Server
		Port: getEnvInt("PORT", 10086),
		Host: getEnv("HOST", "0.0.0.0"),
		Env:  getEnv("ENV", "development"),

		// Data
		DataDir:      dataDir,
		DatabasePath: filepath.Join(appDir, "database.sqlite"),

		// Claude CLI
		ClaudeBinary: getEnv("CLAUDE_BIN", "claude"),
		ClaudeHome:   claudeHome,

		// Permission server
		PermissionServerURL: getEnv("PERMISSION_SERVER_URL", ""),

		// Debug
		DBLogQueries: getEnv("DB_LOG_QUERIES", "") == "1",
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// ProjectsDir returns the directory Claude writes conversation logs into.
func (c *Config) ProjectsDir() string {
	return filepath.Join(c.ClaudeHome, ".claude", "projects")
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
