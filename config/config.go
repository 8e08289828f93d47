// Package config loads deployment configuration and installs genesis state.
package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// GenesisConfig describes the market's initial state.
type GenesisConfig struct {
	// PackageID is the deployment's package identity, stamped on every
	// emitted event.
	PackageID string `mapstructure:"package_id" json:"package_id"`
	// Alloc maps pubkey hex to initial balance.
	Alloc map[string]uint64 `mapstructure:"alloc" json:"alloc"`
}

// Config holds all deployment configuration.
type Config struct {
	DataDir string        `mapstructure:"data_dir" json:"data_dir"`
	Genesis GenesisConfig `mapstructure:"genesis" json:"genesis"`
}

// DefaultConfig returns a local development configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Genesis: GenesisConfig{
			PackageID: "nftmarket-dev",
			Alloc:     map[string]uint64{},
		},
	}
}

// Load reads a config file from path. The format is inferred from the file
// extension (json, yaml, toml). Missing keys fall back to DefaultConfig.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	def := DefaultConfig()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("genesis.package_id", def.Genesis.PackageID)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if cfg.Genesis.Alloc == nil {
		cfg.Genesis.Alloc = map[string]uint64{}
	}
	if cfg.Genesis.PackageID == "" {
		return nil, errors.New("genesis.package_id must not be empty")
	}
	return cfg, nil
}

// Save writes the config to path. The format is inferred from the file
// extension.
func Save(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.Set("data_dir", cfg.DataDir)
	v.Set("genesis.package_id", cfg.Genesis.PackageID)
	v.Set("genesis.alloc", cfg.Genesis.Alloc)
	return v.WriteConfigAs(path)
}
