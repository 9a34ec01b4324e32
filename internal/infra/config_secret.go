package infra

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SecretConfig matches the layout of secrets/demo.yaml and secrets/real.yaml.
type SecretConfig struct {
	Bitget Credentials `yaml:"bitget"`
}

// LoadSecretConfig loads API keys from a separate yaml file.
// A missing file is an error (Fail Fast).
func LoadSecretConfig(path string) (*SecretConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret config: %w", err)
	}

	var cfg SecretConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse secret config: %w", err)
	}
	return &cfg, nil
}

// merge fills the fields base leaves empty.
func (s *SecretConfig) merge(base Credentials) Credentials {
	if base.AccessKey == "" {
		base.AccessKey = s.Bitget.AccessKey
	}
	if base.SecretKey == "" {
		base.SecretKey = s.Bitget.SecretKey
	}
	if base.Passphrase == "" {
		base.Passphrase = s.Bitget.Passphrase
	}
	return base
}
