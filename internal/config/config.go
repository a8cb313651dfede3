// Copyright 2024 The go-equa Authors
// ti-oracle - node configuration loader

// Package config loads the node's YAML configuration (§6/§10.1) and
// merges it with CLI-supplied overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors the YAML keys described in §6 exactly.
type Config struct {
	ListenAddress   string              `yaml:"listen_address"`
	WebAddress      string              `yaml:"web_address"`
	LogLevel        string              `yaml:"log_level"`
	EthRPCURL       string              `yaml:"eth_rpc_url"`
	ContractAddress string              `yaml:"contract_address"`
	PrivateKey      string              `yaml:"private_key"`
	CoinName        string              `yaml:"coin_name"`
	Peers           []string            `yaml:"peers"`
	Mappings        map[string][]string `yaml:"mappings"`
	FeedIntervalSec int64               `yaml:"feed_interval"`
	FeePerGasGwei   float64             `yaml:"fee_per_gas"`

	// LogFile is an ambient, optional addition to §6's key set: when
	// set, log output is rotated through lumberjack instead of going
	// only to the terminal. No Non-goal excludes logging ergonomics.
	LogFile string `yaml:"log_file"`
}

// FeedInterval returns the configured feed interval as a duration.
func (c Config) FeedInterval() time.Duration {
	return time.Duration(c.FeedIntervalSec) * time.Second
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch {
	case c.EthRPCURL == "":
		return fmt.Errorf("config: eth_rpc_url is required")
	case c.ContractAddress == "":
		return fmt.Errorf("config: contract_address is required")
	case c.PrivateKey == "":
		return fmt.Errorf("config: private_key is required")
	case c.CoinName == "":
		return fmt.Errorf("config: coin_name is required")
	case c.FeedIntervalSec <= 0:
		return fmt.Errorf("config: feed_interval must be positive")
	}
	return nil
}

// MergePeers appends extra (typically the -p/--peers CLI flag, comma
// separated) to the config's own peer list, deduplicating.
func (c *Config) MergePeers(extra []string) {
	seen := make(map[string]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		seen[p] = struct{}{}
	}
	for _, p := range extra {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		c.Peers = append(c.Peers, p)
	}
}

// ResolvePrivateKey returns the raw 0x-hex private key material,
// resolving a "$ENV_VAR" reference through os.Getenv when present, per
// §6's "0x-hex or $ENV_VAR reference" rule.
func (c Config) ResolvePrivateKey() (string, error) {
	if strings.HasPrefix(c.PrivateKey, "$") {
		name := strings.TrimPrefix(c.PrivateKey, "$")
		v := os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("config: private_key references unset env var %q", name)
		}
		return v, nil
	}
	return c.PrivateKey, nil
}
