package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds runner-agent settings persisted in ~/.tether/agent.yaml.
type AgentConfig struct {
	BrokerURL  string `yaml:"broker_url"`
	RunnerID   string `yaml:"runner_id"`
	Secret     string `yaml:"secret"`
	Shell      string `yaml:"shell,omitempty"`
	Workdir    string `yaml:"workdir,omitempty"`
	HistoryDir string `yaml:"history_dir,omitempty"`
}

// AgentConfigPath returns the default agent config location.
func AgentConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tether", "agent.yaml"), nil
}

// LoadAgent reads the agent config from path. A missing file is not an
// error; environment variables override file values either way.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := &AgentConfig{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read agent config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse agent config: %w", err)
		}
	}

	if v := os.Getenv("TETHER_BROKER_URL"); v != "" {
		cfg.BrokerURL = v
	}
	if v := os.Getenv("TETHER_RUNNER_ID"); v != "" {
		cfg.RunnerID = v
	}
	if v := os.Getenv("TETHER_RUNNER_SECRET"); v != "" {
		cfg.Secret = v
	}
	return cfg, nil
}

// SaveAgent writes the agent config to path, creating the directory if
// needed. The file is written private: it carries the runner secret.
func SaveAgent(path string, cfg *AgentConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks the agent has enough to connect.
func (c *AgentConfig) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("broker_url is required (set TETHER_BROKER_URL)")
	}
	if c.RunnerID == "" {
		return fmt.Errorf("runner_id is required (set TETHER_RUNNER_ID)")
	}
	if c.Secret == "" {
		return fmt.Errorf("secret is required (set TETHER_RUNNER_SECRET)")
	}
	return nil
}
