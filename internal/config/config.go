package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultPath = "config.json"

// Config represents runtime configuration for the gateway and the chat client.
type Config struct {
	BasicConfig     BasicConfig               `json:"basic_config"`
	Databases       map[string]DatabaseConfig `json:"databases"`
	Redis           RedisConfig               `json:"redis"`
	Providers       map[string]ProviderConfig `json:"providers"`
	DefaultProvider string                    `json:"default_provider"`
	WebSearch       WebSearchConfig           `json:"web_search"`
	Client          ClientConfig              `json:"client"`
}

// WebSearchConfig enables the search tools offered to tool-calling models.
// Google search is only used when both credentials are set.
type WebSearchConfig struct {
	Enabled        bool   `json:"enabled"`
	GoogleAPIKey   string `json:"google_api_key"`
	GoogleEngineID string `json:"google_engine_id"`
}

// ProviderConfig describes one model provider. Kind selects the client
// (openai, claude, gemini, echo) and defaults to the provider's key.
type ProviderConfig struct {
	Kind    string   `json:"kind"`
	BaseURL string   `json:"base_url"`
	Model   string   `json:"model"`
	APIKey  string   `json:"api_key"`
	Models  []string `json:"models"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

// BasicConfig holds gateway settings. Durations are in minutes unless noted.
type BasicConfig struct {
	ServerAddress       string  `json:"server_address"`
	FileBaseDir         string  `json:"file_base_dir"`
	UploadTTL           int     `json:"upload_ttl"`
	UploadCleanInterval int     `json:"upload_clean_interval"`
	TokenTTL            int     `json:"token_ttl"`
	MinWorkers          int     `json:"min_workers"`
	MaxWorkers          int     `json:"max_workers"`
	QueueSize           int     `json:"queue_size"`
	WorkerIdleTimeout   int     `json:"worker_idle_timeout"`
	SignupCredits       float64 `json:"signup_credits"`
	TurnCost            float64 `json:"turn_cost"`
	LowCreditThreshold  float64 `json:"low_credit_threshold"`
}

// ClientConfig holds the chat client settings.
type ClientConfig struct {
	GatewayURL           string `json:"gateway_url"`
	APIBaseURL           string `json:"api_base_url"`
	Token                string `json:"token"`
	Model                string `json:"model"`
	ReconnectDelayMS     int    `json:"reconnect_delay_ms"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts"`
}

// ReconnectDelay returns the configured delay between a drop and the next attempt.
func (c ClientConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

func (b BasicConfig) UploadTTLDuration() time.Duration {
	return time.Duration(b.UploadTTL) * time.Minute
}

func (b BasicConfig) UploadCleanIntervalDuration() time.Duration {
	return time.Duration(b.UploadCleanInterval) * time.Minute
}

func (b BasicConfig) TokenTTLDuration() time.Duration {
	return time.Duration(b.TokenTTL) * time.Minute
}

func (b BasicConfig) WorkerIdleDuration() time.Duration {
	return time.Duration(b.WorkerIdleTimeout) * time.Minute
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults("")
	return cfg
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = defaultPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(absPath))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the default file is absent.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return Default(), nil
		}
	}
	return Load(path)
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	if c.BasicConfig.TurnCost < 0 {
		return fmt.Errorf("turn_cost must not be negative")
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		return fmt.Errorf("max_workers (%d) must be >= min_workers (%d)", c.BasicConfig.MaxWorkers, c.BasicConfig.MinWorkers)
	}
	if c.Client.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative")
	}
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			return fmt.Errorf("default_provider %q is not configured", c.DefaultProvider)
		}
	}
	return nil
}

func (c *Config) applyDefaults(baseDir string) {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8090"
	}
	if b.FileBaseDir == "" {
		b.FileBaseDir = "./data/uploads"
	}
	if b.UploadTTL <= 0 {
		b.UploadTTL = 24 * 60
	}
	if b.UploadCleanInterval <= 0 {
		b.UploadCleanInterval = 60
	}
	if b.TokenTTL <= 0 {
		b.TokenTTL = 24 * 60
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 2
	}
	if b.MaxWorkers <= 0 {
		b.MaxWorkers = 16
		if b.MaxWorkers < b.MinWorkers {
			b.MaxWorkers = b.MinWorkers
		}
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 64
	}
	if b.WorkerIdleTimeout <= 0 {
		b.WorkerIdleTimeout = 5
	}
	if b.SignupCredits == 0 {
		b.SignupCredits = 5
	}
	if b.TurnCost == 0 {
		b.TurnCost = 0.01
	}
	if b.LowCreditThreshold == 0 {
		b.LowCreditThreshold = 0.5
	}
	if baseDir != "" && !filepath.IsAbs(b.FileBaseDir) {
		b.FileBaseDir = filepath.Join(baseDir, b.FileBaseDir)
	}

	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if _, ok := c.Databases["sqlite3"]; !ok {
		c.Databases["sqlite3"] = DatabaseConfig{DSN: "unichat.db"}
	}
	if sqlite := c.Databases["sqlite3"]; baseDir != "" && sqlite.DSN != "" && !isSpecialSQLiteDSN(sqlite.DSN) && !filepath.IsAbs(sqlite.DSN) {
		sqlite.DSN = filepath.Join(baseDir, sqlite.DSN)
		c.Databases["sqlite3"] = sqlite
	}

	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	if c.DefaultProvider == "" && len(c.Providers) == 0 {
		c.DefaultProvider = "echo"
		c.Providers["echo"] = ProviderConfig{Model: "echo"}
	}

	cl := &c.Client
	if cl.GatewayURL == "" {
		cl.GatewayURL = "ws://localhost:8090/ws/chat"
	}
	if cl.APIBaseURL == "" {
		cl.APIBaseURL = "http://localhost:8090"
	}
	if cl.Model == "" {
		cl.Model = "auto"
	}
	if cl.ReconnectDelayMS <= 0 {
		cl.ReconnectDelayMS = 3000
	}
}

func isSpecialSQLiteDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "file:") || strings.HasPrefix(dsn, ":memory:")
}
