package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all concierge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Completion capability (classification, general knowledge, synthesis)
	LLM LLMConfig `yaml:"llm"`

	// Enterprise-data capability
	Graph GraphConfig `yaml:"graph"`

	// Delegated credential acquisition
	Auth AuthConfig `yaml:"auth"`

	// Query orchestration behavior
	Orchestration OrchestrationConfig `yaml:"orchestration"`

	// Credential vault
	Vault VaultConfig `yaml:"vault"`

	// Serving channel
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the text-completion provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai, azure, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// GraphConfig configures the enterprise-data chat backend.
type GraphConfig struct {
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
	TimeZone string `yaml:"time_zone"` // Location hint sent with chat requests
}

// AuthConfig configures delegated credential acquisition.
type AuthConfig struct {
	TenantID     string   `yaml:"tenant_id"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"` // Overrides the tenant-derived endpoint when set
	Scopes       []string `yaml:"scopes"`
}

// OrchestrationConfig configures the query pipeline.
type OrchestrationConfig struct {
	MaxIntents int    `yaml:"max_intents"`
	Timeout    string `yaml:"timeout"`
	Parallel   bool   `yaml:"parallel"`
}

// VaultConfig configures the credential vault.
type VaultConfig struct {
	// Secret is the long-lived secret the encryption key is derived from.
	// Required at startup; never logged.
	Secret        string `yaml:"secret"`
	RefreshSkew   string `yaml:"refresh_skew"`
	SessionTTL    string `yaml:"session_ttl"`
	SweepInterval string `yaml:"sweep_interval"`
}

// ServerConfig configures the serve channel.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultScopes are the delegated permissions the enterprise-data backend
// needs to answer mail, calendar, file, and people questions.
var DefaultScopes = []string{
	"email",
	"User.Read",
	"Mail.Read",
	"Calendars.Read",
	"Files.Read.All",
	"Sites.Read.All",
	"People.Read.All",
	"Chat.Read",
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "concierge",
		Version: "1.0.0",

		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			BaseURL:  "https://api.openai.com/v1",
			Timeout:  "60s",
		},

		Graph: GraphConfig{
			BaseURL:  "https://graph.microsoft.com/beta",
			Timeout:  "60s",
			TimeZone: "UTC",
		},

		Auth: AuthConfig{
			Scopes: DefaultScopes,
		},

		Orchestration: OrchestrationConfig{
			MaxIntents: 5,
			Timeout:    "30s",
			Parallel:   true,
		},

		Vault: VaultConfig{
			RefreshSkew:   "5m",
			SessionTTL:    "8h",
			SweepInterval: "15m",
		},

		Server: ServerConfig{
			Addr: ":8382",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "concierge.yaml"
	}
	return filepath.Join(home, ".concierge", "config.yaml")
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Completion provider keys, in priority order
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "openai"
		}
	}
	if key := os.Getenv("AZURE_OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "azure"
		if ep := os.Getenv("AZURE_OPENAI_ENDPOINT"); ep != "" {
			c.LLM.BaseURL = ep
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}

	if url := os.Getenv("CONCIERGE_GRAPH_URL"); url != "" {
		c.Graph.BaseURL = url
	}

	if v := os.Getenv("CONCIERGE_TENANT_ID"); v != "" {
		c.Auth.TenantID = v
	}
	if v := os.Getenv("CONCIERGE_CLIENT_ID"); v != "" {
		c.Auth.ClientID = v
	}
	if v := os.Getenv("CONCIERGE_CLIENT_SECRET"); v != "" {
		c.Auth.ClientSecret = v
	}

	if v := os.Getenv("CONCIERGE_VAULT_SECRET"); v != "" {
		c.Vault.Secret = v
	}

	if v := os.Getenv("CONCIERGE_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required (or set OPENAI_API_KEY / AZURE_OPENAI_API_KEY / GEMINI_API_KEY)")
	}
	if c.Vault.Secret == "" {
		return fmt.Errorf("vault.secret is required (or set CONCIERGE_VAULT_SECRET)")
	}
	if c.Orchestration.MaxIntents < 1 {
		return fmt.Errorf("orchestration.max_intents must be at least 1")
	}
	return nil
}

// GetLLMTimeout returns the completion call timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 60*time.Second)
}

// GetGraphTimeout returns the enterprise-data call timeout as a duration.
func (c *Config) GetGraphTimeout() time.Duration {
	return parseDuration(c.Graph.Timeout, 60*time.Second)
}

// GetOrchestrationTimeout returns the per-request deadline as a duration.
func (c *Config) GetOrchestrationTimeout() time.Duration {
	return parseDuration(c.Orchestration.Timeout, 30*time.Second)
}

// GetRefreshSkew returns the credential refresh lead time as a duration.
func (c *Config) GetRefreshSkew() time.Duration {
	return parseDuration(c.Vault.RefreshSkew, 5*time.Minute)
}

// GetSessionTTL returns the hard session lifetime as a duration.
func (c *Config) GetSessionTTL() time.Duration {
	return parseDuration(c.Vault.SessionTTL, 8*time.Hour)
}

// GetSweepInterval returns the vault sweep interval as a duration.
func (c *Config) GetSweepInterval() time.Duration {
	return parseDuration(c.Vault.SweepInterval, 15*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
