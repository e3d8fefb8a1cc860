// Package config is the supervisor's (C8) configuration surface: the
// options table spec.md §6 enumerates, loaded from YAML via viper and
// validated the way the teacher validates its own flag-parsed Config
// (clients/go/node/config.go's DefaultConfig/ValidateConfig shape).
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/viper"
)

// BlockchainNode is the `blockchain_node` block of spec.md §6's
// configuration surface: where C1 reaches to read the external chain.
type BlockchainNode struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

// UTXOProvider is the `utxo_provider` block. Kind selects which
// implementation C6 funds transactions from; "rpc" reuses BlockchainNode's
// own RPC connection (the only kind this repo implements — see
// blocksource.RPCSource.UTXOsFor).
type UTXOProvider struct {
	Kind        string `mapstructure:"kind"`
	Credentials string `mapstructure:"credentials"`
}

// Config is the full configuration surface spec.md §6 enumerates, plus the
// ambient fields (network selection, bind address, log level, fee rate)
// every complete daemon needs that the distilled enumeration left implicit.
type Config struct {
	BlockchainNode BlockchainNode `mapstructure:"blockchain_node"`
	UTXOProvider   UTXOProvider   `mapstructure:"utxo_provider"`

	WorkingDir              string `mapstructure:"working_dir"`
	ReindexFrequencySeconds int    `mapstructure:"reindex_frequency_seconds"`
	StartBlock              uint64 `mapstructure:"start_block"`
	ConsensusWindowW        uint64 `mapstructure:"consensus_window_w"`
	PreorderTTL             uint64 `mapstructure:"preorder_ttl"`
	NsPreorderTTL           uint64 `mapstructure:"ns_preorder_ttl"`

	Network  string `mapstructure:"network"`
	BindAddr string `mapstructure:"bind_addr"`
	LogLevel string `mapstructure:"log_level"`
	FeeRate  int64  `mapstructure:"fee_rate"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

var allowedUTXOProviderKinds = map[string]struct{}{
	"rpc": {},
}

// DefaultConfig mirrors node.DefaultConfig's role: a value good enough to
// run a devnet instance against, overridden field-by-field by the loaded
// file.
func DefaultConfig() Config {
	return Config{
		BlockchainNode: BlockchainNode{Host: "127.0.0.1", Port: 8332, UseTLS: false},
		UTXOProvider:   UTXOProvider{Kind: "rpc"},
		WorkingDir:     ".nsd",
		ReindexFrequencySeconds: 10,
		StartBlock:              0,
		ConsensusWindowW:        4320, // spec.md glossary: ~30 days of 10-min blocks
		PreorderTTL:             144,  // ~1 day
		NsPreorderTTL:           144,
		Network:                 "mainnet",
		BindAddr:                "127.0.0.1:8332",
		LogLevel:                "info",
		FeeRate:                 10,
	}
}

// Load reads a YAML file at path into a Config seeded with DefaultConfig,
// the way the teacher seeds its flag.FlagSet from DefaultConfig before
// parsing overrides, just via viper instead of flags (SPEC_FULL.md §2:
// "the §6 configuration surface is parsed from a YAML file via viper").
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	cfg := DefaultConfig()
	setDefaults(v, cfg)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("blockchain_node.host", cfg.BlockchainNode.Host)
	v.SetDefault("blockchain_node.port", cfg.BlockchainNode.Port)
	v.SetDefault("blockchain_node.use_tls", cfg.BlockchainNode.UseTLS)
	v.SetDefault("utxo_provider.kind", cfg.UTXOProvider.Kind)
	v.SetDefault("working_dir", cfg.WorkingDir)
	v.SetDefault("reindex_frequency_seconds", cfg.ReindexFrequencySeconds)
	v.SetDefault("start_block", cfg.StartBlock)
	v.SetDefault("consensus_window_w", cfg.ConsensusWindowW)
	v.SetDefault("preorder_ttl", cfg.PreorderTTL)
	v.SetDefault("ns_preorder_ttl", cfg.NsPreorderTTL)
	v.SetDefault("network", cfg.Network)
	v.SetDefault("bind_addr", cfg.BindAddr)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("fee_rate", cfg.FeeRate)
}

// Validate mirrors node.ValidateConfig's rule-list shape: a list of named
// checks over the fields that have a constraint, returning the first failure.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.BlockchainNode.Host) == "" {
		return errors.New("blockchain_node.host is required")
	}
	if cfg.BlockchainNode.Port <= 0 || cfg.BlockchainNode.Port > 65535 {
		return errors.New("blockchain_node.port must be in 1..65535")
	}
	if _, ok := allowedUTXOProviderKinds[cfg.UTXOProvider.Kind]; !ok {
		return fmt.Errorf("utxo_provider.kind %q not supported", cfg.UTXOProvider.Kind)
	}
	if strings.TrimSpace(cfg.WorkingDir) == "" {
		return errors.New("working_dir is required")
	}
	if cfg.ReindexFrequencySeconds <= 0 {
		return errors.New("reindex_frequency_seconds must be > 0")
	}
	if cfg.ConsensusWindowW == 0 {
		return errors.New("consensus_window_w must be > 0")
	}
	if cfg.PreorderTTL == 0 {
		return errors.New("preorder_ttl must be > 0")
	}
	if cfg.NsPreorderTTL == 0 {
		return errors.New("ns_preorder_ttl must be > 0")
	}
	if _, err := ChainParams(cfg.Network); err != nil {
		return err
	}
	if err := validateAddr(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid bind_addr: %w", err)
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.FeeRate <= 0 {
		return errors.New("fee_rate must be > 0")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	_ = host
	return nil
}

// ChainParams resolves the configured network name to the btcd chain
// parameters C6/chain need for address encoding and script construction.
func ChainParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet3", "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("config: unknown network %q", network)
	}
}

// PIDPath is where cmd/nsd's start/stop/status subcommands keep the
// running daemon's PID, mirroring original_source/blockstore/blockstored.py's
// get_pidfile_path (SPEC_FULL.md §4's supplemented PID-file lifecycle).
func PIDPath(workingDir string) string {
	return filepath.Join(workingDir, "nsd.pid")
}

// SnapshotDir is where C5 (driver) persists snapshots, namespaced under
// the working directory alongside the PID file and UTXO cache.
func SnapshotDir(workingDir string) string {
	return filepath.Join(workingDir, "snapshots")
}
