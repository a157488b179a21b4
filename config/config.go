package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// EnvGithubToken is the environment variable name for the GitHub API
	// token. Unauthenticated use works but is subject to stricter upstream
	// rate limits.
	EnvGithubToken = "GITHUB_TOKEN"

	// EnvDatabasePath overrides the configured database path.
	EnvDatabasePath = "TRACKER_DATABASE_PATH"

	// EnvListenAddr overrides the configured listen address.
	EnvListenAddr = "TRACKER_LISTEN_ADDR"
)

// Config represents the application configuration
type Config struct {
	// GitHub API token for authentication (optional, can be set via GITHUB_TOKEN env var)
	GitHubToken string `json:"github_token"`

	// Path to the SQLite database file
	DatabasePath string `json:"database_path"`

	// Address the HTTP server listens on
	ListenAddr string `json:"listen_addr"`

	// Use the GraphQL API for on-demand fetches (requires a token)
	UseGraphQL bool `json:"use_graphql"`

	// Default poll interval, in seconds, for monitors that don't specify one
	DefaultPollIntervalSeconds int `json:"default_poll_interval_seconds"`

	// Timeout, in seconds, for outbound webhook deliveries
	WebhookTimeoutSeconds int `json:"webhook_timeout_seconds"`

	// Log level: trace, debug, info, warn, error
	LogLevel string `json:"log_level"`
}

// LoadConfig loads the configuration from a JSON file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment overrides
	if envToken := os.Getenv(EnvGithubToken); envToken != "" {
		config.GitHubToken = envToken
	}
	if envPath := os.Getenv(EnvDatabasePath); envPath != "" {
		config.DatabasePath = envPath
	}
	if envAddr := os.Getenv(EnvListenAddr); envAddr != "" {
		config.ListenAddr = envAddr
	}

	config.applyDefaults()

	// Make database path absolute if it's relative
	if !filepath.IsAbs(config.DatabasePath) {
		configDir := filepath.Dir(path)
		config.DatabasePath = filepath.Join(configDir, config.DatabasePath)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.DatabasePath == "" {
		c.DatabasePath = "issue_tracker.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8000"
	}
	if c.DefaultPollIntervalSeconds <= 0 {
		c.DefaultPollIntervalSeconds = 60
	}
	if c.WebhookTimeoutSeconds <= 0 {
		c.WebhookTimeoutSeconds = 10
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// SaveConfig saves the configuration to a JSON file
func SaveConfig(config *Config, path string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	// Check if the file already exists
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	config := &Config{
		GitHubToken:                "",
		DatabasePath:               "issue_tracker.db",
		ListenAddr:                 ":8000",
		DefaultPollIntervalSeconds: 60,
		WebhookTimeoutSeconds:      10,
		LogLevel:                   "info",
	}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return SaveConfig(config, path)
}
