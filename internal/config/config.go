package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models todochain.yml (or todochain.toml).
type Config struct {
	Server struct {
		Addr     string `yaml:"addr" toml:"addr"`
		BasePath string `yaml:"base_path" toml:"base_path"`
	} `yaml:"server" toml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
		TokenTTL  string `yaml:"token_ttl" toml:"token_ttl"`
	} `yaml:"auth" toml:"auth"`
	Chain struct {
		RPCURL          string `yaml:"rpc_url" toml:"rpc_url"`
		ContractAddress string `yaml:"contract_address" toml:"contract_address"`
		PrivateKey      string `yaml:"private_key" toml:"private_key"`
		ChainID         int64  `yaml:"chain_id" toml:"chain_id"`
		PollInterval    string `yaml:"poll_interval" toml:"poll_interval"`
		ConfirmTimeout  string `yaml:"confirm_timeout" toml:"confirm_timeout"`
	} `yaml:"chain" toml:"chain"`
	Advisory AdvisoryConfig `yaml:"advisory" toml:"advisory"`
	Push     struct {
		VAPIDPublicKey  string `yaml:"vapid_public_key" toml:"vapid_public_key"`
		VAPIDPrivateKey string `yaml:"vapid_private_key" toml:"vapid_private_key"`
		Subscriber      string `yaml:"subscriber" toml:"subscriber"`
		TTL             int    `yaml:"ttl" toml:"ttl"`
	} `yaml:"push" toml:"push"`
	Reminder struct {
		Enabled  *bool  `yaml:"enabled" toml:"enabled"`
		Schedule string `yaml:"schedule" toml:"schedule"`
	} `yaml:"reminder" toml:"reminder"`
	Webhooks []WebhookConfig `yaml:"webhooks" toml:"webhooks"`
}

type AdvisoryConfig struct {
	Backend   string `yaml:"backend" toml:"backend"`
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	Model     string `yaml:"model" toml:"model"`
	APIKey    string `yaml:"api_key" toml:"api_key"`
	MaxTokens int    `yaml:"max_tokens" toml:"max_tokens"`
	Timeout   string `yaml:"timeout" toml:"timeout"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" toml:"url"`
	Events         []string `yaml:"events" toml:"events"`
	Secret         string   `yaml:"secret" toml:"secret"`
	Enabled        *bool    `yaml:"enabled" toml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

const (
	yamlName = "todochain.yml"
	tomlName = "todochain.toml"
)

// Load reads and validates config from workspace, preferring YAML over TOML.
func Load(workspace string) (*Config, error) {
	path, err := Find(workspace)
	if err != nil {
		return nil, err
	}
	return FromFile(path)
}

// Find returns the first config file present in workspace.
func Find(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	for _, name := range []string{yamlName, tomlName} {
		path := filepath.Join(workspace, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("config not found in %s; create one with todochain config init", workspace)
}

// Path returns the default YAML config path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, yamlName)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if _, err := c.TokenTTL(); err != nil {
		return err
	}
	if c.Chain.RPCURL != "" {
		if _, err := url.Parse(c.Chain.RPCURL); err != nil {
			return fmt.Errorf("config.chain.rpc_url: %w", err)
		}
	}
	if c.Chain.ContractAddress != "" && !common.IsHexAddress(c.Chain.ContractAddress) {
		return fmt.Errorf("config.chain.contract_address %q is not a hex address", c.Chain.ContractAddress)
	}
	if c.Chain.ChainID < 0 {
		return fmt.Errorf("config.chain.chain_id must not be negative")
	}
	if _, err := c.PollInterval(); err != nil {
		return err
	}
	if _, err := c.ConfirmTimeout(); err != nil {
		return err
	}
	switch c.Advisory.Backend {
	case "openai", "ollama":
	default:
		return fmt.Errorf("config.advisory.backend must be 'openai' or 'ollama', got %q", c.Advisory.Backend)
	}
	if c.Advisory.Model == "" {
		return fmt.Errorf("config.advisory.model is required")
	}
	if c.Advisory.BaseURL == "" {
		return fmt.Errorf("config.advisory.base_url is required")
	}
	if c.Advisory.MaxTokens < 0 {
		return fmt.Errorf("config.advisory.max_tokens must not be negative")
	}
	if _, err := c.AdvisoryTimeout(); err != nil {
		return err
	}
	if c.Push.TTL < 0 {
		return fmt.Errorf("config.push.ttl must not be negative")
	}
	if c.Reminder.Schedule != "" {
		if _, err := cron.ParseStandard(c.Reminder.Schedule); err != nil {
			return fmt.Errorf("config.reminder.schedule: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// TokenTTL returns the credential lifetime.
func (c *Config) TokenTTL() (time.Duration, error) {
	return parseDuration("auth.token_ttl", c.Auth.TokenTTL, time.Hour)
}

// PollInterval returns how often transaction receipts are polled.
func (c *Config) PollInterval() (time.Duration, error) {
	return parseDuration("chain.poll_interval", c.Chain.PollInterval, time.Second)
}

// ConfirmTimeout bounds the wait for a sent transaction; zero means none.
func (c *Config) ConfirmTimeout() (time.Duration, error) {
	return parseDuration("chain.confirm_timeout", c.Chain.ConfirmTimeout, 0)
}

// AdvisoryTimeout returns the per-call model timeout; zero means none.
func (c *Config) AdvisoryTimeout() (time.Duration, error) {
	return parseDuration("advisory.timeout", c.Advisory.Timeout, 0)
}

// RemindersEnabled reports whether the reminder job should be scheduled.
func (c *Config) RemindersEnabled() bool {
	return c.Reminder.Enabled == nil || *c.Reminder.Enabled
}

func parseDuration(field, raw string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config.%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config.%s must not be negative", field)
	}
	return d, nil
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromTOML parses and validates config from raw TOML bytes.
func FromTOML(data []byte) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads config from path, picking the decoder by extension.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:5001
  base_path: /api

auth:
  # Prefer TODOCHAIN_JWT_SECRET in the environment.
  jwt_secret: ""
  token_ttl: 1h

chain:
  rpc_url: http://127.0.0.1:8545
  contract_address: ""
  # Prefer TODOCHAIN_PRIVATE_KEY in the environment.
  private_key: ""
  chain_id: 0
  poll_interval: 1s
  # Empty waits until the transaction is mined; otherwise the write reports "pending".
  confirm_timeout: ""

advisory:
  backend: openai
  base_url: http://127.0.0.1:4891/v1
  model: orca-mini-3b-gguf2-q4_0.gguf
  api_key: ""
  max_tokens: 512
  timeout: ""

push:
  vapid_public_key: ""
  vapid_private_key: ""
  subscriber: "mailto:admin@example.com"
  ttl: 60

reminder:
  enabled: true
  schedule: "0 0 * * *"

webhooks: []
`
