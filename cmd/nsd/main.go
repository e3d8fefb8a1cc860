// Command nsd is the name-registration daemon: C5 (driver) and C7
// (endpoint) wired together by the supervisor (C8) behind a cobra CLI with
// start/stop/status subcommands, the PID-file lifecycle
// original_source/blockstore/blockstored.py's `blockstored start|stop`
// carries (SPEC_FULL.md §4) that spec.md's distillation left out.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"virtualchain.dev/node/blocksource"
	"virtualchain.dev/node/config"
	"virtualchain.dev/node/consensus"
	"virtualchain.dev/node/driver"
	"virtualchain.dev/node/endpoint"
	"virtualchain.dev/node/store"
	"virtualchain.dev/node/supervisor"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var configPath string

	root := &cobra.Command{
		Use:           "nsd",
		Short:         "name-registration virtual-chain daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&configPath, "config", "nsd.yaml", "path to the YAML config file")

	root.AddCommand(newStartCmd(&configPath, stdout, stderr))
	root.AddCommand(newStopCmd(&configPath, stdout))
	root.AddCommand(newStatusCmd(&configPath, stdout))

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func newStartCmd(configPath *string, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "load the config, resume from the last snapshot, and run until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), *configPath, stdout, stderr)
		},
	}
}

func newStopCmd(configPath *string, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "send SIGTERM to the daemon named in the PID file, then remove it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(*configPath, stdout)
		},
	}
}

func newStatusCmd(configPath *string, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "report whether the PID file names a live process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(*configPath, stdout)
		},
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runStart(ctx context.Context, configPath string, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.WorkingDir, 0o750); err != nil {
		return fmt.Errorf("creating working_dir: %w", err)
	}
	if err := writePIDFile(config.PIDPath(cfg.WorkingDir)); err != nil {
		return err
	}
	defer os.Remove(config.PIDPath(cfg.WorkingDir))

	log := newLogger(cfg.LogLevel)

	chainParams, err := config.ChainParams(cfg.Network)
	if err != nil {
		return err
	}

	src, err := blocksource.NewRPCSource(blocksource.RPCConfig{
		Host:       fmt.Sprintf("%s:%d", cfg.BlockchainNode.Host, cfg.BlockchainNode.Port),
		User:       cfg.BlockchainNode.User,
		Pass:       cfg.BlockchainNode.Password,
		DisableTLS: !cfg.BlockchainNode.UseTLS,
	})
	if err != nil {
		return fmt.Errorf("connecting to blockchain_node: %w", err)
	}

	cache, err := store.OpenUTXOCache(cfg.WorkingDir)
	if err != nil {
		return fmt.Errorf("opening utxo cache: %w", err)
	}

	driverCfg := driver.Config{
		Consensus: consensus.Config{
			ConsensusWindowW: cfg.ConsensusWindowW,
			PreorderTTL:      cfg.PreorderTTL,
			NSPreorderTTL:    cfg.NsPreorderTTL,
		},
		ChainParams: chainParams,
		StartHeight: cfg.StartBlock,
	}
	snapshotDir := config.SnapshotDir(cfg.WorkingDir)
	if err := os.MkdirAll(snapshotDir, 0o750); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}
	d, err := driver.New(src, snapshotDir, cache, consensus.StdProvider{}, driverCfg, log.WithField("component", "driver"))
	if err != nil {
		return fmt.Errorf("constructing driver: %w", err)
	}

	srv := endpoint.NewServer(d, src, src, src, chainParams, cfg.FeeRate, log.WithField("component", "endpoint"))

	lis, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", cfg.BindAddr, err)
	}

	sup := supervisor.New(d, srv, lis, log.WithField("component", "supervisor"))

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(stdout, "nsd: listening on %s, working_dir=%s\n", cfg.BindAddr, cfg.WorkingDir)
	err = sup.Run(runCtx)
	fmt.Fprintln(stdout, "nsd: stopped")
	return err
}

func runStop(configPath string, stdout io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	pidPath := config.PIDPath(cfg.WorkingDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		fmt.Fprintln(stdout, "nsd: not running (no PID file)")
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("signaling pid %d: %w", pid, err)
	}
	os.Remove(pidPath)
	fmt.Fprintf(stdout, "nsd: sent SIGTERM to pid %d\n", pid)
	return nil
}

func runStatus(configPath string, stdout io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	pid, err := readPIDFile(config.PIDPath(cfg.WorkingDir))
	if err != nil {
		fmt.Fprintln(stdout, "nsd: not running")
		return nil
	}
	if err := syscall.Kill(pid, 0); err != nil {
		fmt.Fprintf(stdout, "nsd: stale PID file (pid %d not running)\n", pid)
		return nil
	}
	fmt.Fprintf(stdout, "nsd: running, pid %d\n", pid)
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o640)
}

func readPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("malformed PID file %s: %w", path, err)
	}
	return pid, nil
}

func newLogger(level string) *logrus.Entry {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return logrus.NewEntry(l)
}
