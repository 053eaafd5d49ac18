// Package config loads operational configuration for a storage/rollup or
// index node: listen addresses, data directory, and the intervals and
// sizes that drive the block ticker, rollup scheduler, and GC.
//
// This is distinct from the on-chain-admin-controlled SystemConfig
// (rollup_interval, min_rollup_size, network_id, chain_id, contract_addr,
// ...) which is written once via the Setup RPC and lives in the State
// Store's sys/config row — see internal/admin. Config here is how the
// node's own process is told where to listen and where to keep its data;
// SystemConfig is how the network's admin tunes the node's rollup policy.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all process-level configuration for a node binary.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Block   BlockConfig   `mapstructure:"block"`
	Bundler BundlerConfig `mapstructure:"bundler"`
	Chain   ChainConfig   `mapstructure:"chain"`
}

// ServerConfig holds the ops HTTP server configuration (health/ready/metrics).
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"`
}

// StorageConfig holds the on-disk layout for the node's durable state.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// MutationLogPath returns the mutation log's bbolt file path.
func (c StorageConfig) MutationLogPath() string {
	return fmt.Sprintf("%s/mutation_log/log.db", strings.TrimRight(c.DataDir, "/"))
}

// StatePath returns the state store's bbolt file path.
func (c StorageConfig) StatePath() string {
	return fmt.Sprintf("%s/state/state.db", strings.TrimRight(c.DataDir, "/"))
}

// BlockConfig controls the block ticker cadence.
type BlockConfig struct {
	IntervalMS int `mapstructure:"interval_ms"`
}

// Interval returns the block ticker cadence as a Duration.
func (c BlockConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// BundlerConfig holds the bundler upload endpoint the rollup scheduler talks to.
type BundlerConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// ChainConfig holds the settlement-chain RPC endpoint the rollup scheduler
// anchors blob ids to.
type ChainConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	NetworkID      uint64        `mapstructure:"network_id"`
	ChainID        uint64        `mapstructure:"chain_id"`
	ContractAddr   string        `mapstructure:"contract_addr"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// Load reads configuration from an optional YAML file and environment
// variables prefixed MERIDIAN_, falling back to defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/meridiandb")

	v.SetEnvPrefix("MERIDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 7070)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	v.SetDefault("storage.data_dir", "./data")

	v.SetDefault("block.interval_ms", 2000)

	v.SetDefault("bundler.endpoint", "http://localhost:9090")
	v.SetDefault("bundler.timeout", "30s")
	v.SetDefault("bundler.max_retries", 5)

	v.SetDefault("chain.endpoint", "http://localhost:8545")
	v.SetDefault("chain.network_id", 1)
	v.SetDefault("chain.chain_id", 1337)
	v.SetDefault("chain.confirm_timeout", "2m")
	v.SetDefault("chain.poll_interval", "2s")
}
