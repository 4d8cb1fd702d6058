package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

// config holds the node settings. Flags given on the command line override the config file.
type config struct {
	Cluster    string        `yaml:"cluster"`
	Name       string        `yaml:"name"`
	LoadFactor int           `yaml:"loadFactor"`
	LeaseTTL   time.Duration `yaml:"leaseTTL"`
	DBURL      string        `yaml:"db"`
	LogLevel   string        `yaml:"logLevel"`
}

// loadConfigFile reads path into cfg, skipping any field whose flag was set explicitly.
func loadConfigFile(path string, cfg *config, flags *pflag.FlagSet) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fromFile config
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	var merge = func(flag string, apply func()) {
		if !flags.Changed(flag) {
			apply()
		}
	}
	if fromFile.Cluster != "" {
		merge("cluster", func() { cfg.Cluster = fromFile.Cluster })
	}
	if fromFile.Name != "" {
		merge("name", func() { cfg.Name = fromFile.Name })
	}
	if fromFile.LoadFactor != 0 {
		merge("load-factor", func() { cfg.LoadFactor = fromFile.LoadFactor })
	}
	if fromFile.LeaseTTL != 0 {
		merge("lease-ttl", func() { cfg.LeaseTTL = fromFile.LeaseTTL })
	}
	if fromFile.DBURL != "" {
		merge("db", func() { cfg.DBURL = fromFile.DBURL })
	}
	if fromFile.LogLevel != "" {
		merge("log-level", func() { cfg.LogLevel = fromFile.LogLevel })
	}

	return nil
}
