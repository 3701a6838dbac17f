// Command nexusdoc operates a node's data directory offline: it recovers
// and inspects it, writes checkpoints, and changes write authority.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/INLOpen/nexusdoc/config"
	"github.com/INLOpen/nexusdoc/engine"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/hooks/listeners"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// app carries what every subcommand needs once the root command has loaded
// the configuration.
type app struct {
	configPath string
	dataDir    string
	nodeID     string

	cfg     *config.Config
	logger  *slog.Logger
	tracer  *sdktrace.TracerProvider
	closers []func()
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:               "nexusdoc",
		Short:             "Operate a nexusdoc node's data directory",
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) { a.teardown() },
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "config.yaml", "Path to the configuration file")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "Data directory (overrides node.data_dir)")
	root.PersistentFlags().StringVar(&a.nodeID, "node-id", "", "Node id (overrides node.id)")

	root.AddCommand(
		a.recoverCmd(),
		a.statusCmd(),
		a.putCmd(),
		a.getCmd(),
		a.inspectWALCmd(),
		a.checkpointCmd(),
		a.authorityCmd(),
		a.promoteCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.Node.DataDir = a.dataDir
	}
	if a.nodeID != "" {
		cfg.Node.ID = a.nodeID
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	logger, logCloser, err := createLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if logCloser != nil {
		a.closers = append(a.closers, func() { _ = logCloser.Close() })
	}
	a.logger = logger

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	a.tracer = tp
	a.closers = append(a.closers, tracerCleanup)
	return nil
}

func (a *app) teardown() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// engineOptions maps the configuration onto the engine.
func (a *app) engineOptions() (engine.StorageEngineOptions, error) {
	if a.cfg.Node.ID == "" {
		return engine.StorageEngineOptions{}, fmt.Errorf("node id must be set (node.id or --node-id)")
	}
	compression, err := a.cfg.CompressionType()
	if err != nil {
		return engine.StorageEngineOptions{}, err
	}
	return engine.StorageEngineOptions{
		DataDir:                a.cfg.Node.DataDir,
		NodeID:                 a.cfg.Node.ID,
		WALBatchMaxRecords:     a.cfg.WAL.BatchMaxRecords,
		WALBatchMaxBytes:       a.cfg.WAL.BatchMaxBytes,
		WALMaxSegmentSize:      a.cfg.WAL.MaxSegmentSizeBytes,
		WALMaxRecordSize:       a.cfg.WAL.MaxRecordBytes,
		CheckpointPartMaxBytes: a.cfg.Checkpoint.PartMaxBytes,
		CheckpointParallelism:  a.cfg.Checkpoint.Parallelism,
		CheckpointCompression:  compression,
		LockRetries:            a.cfg.Lock.Retries,
		LockRetryInterval:      config.ParseDuration(a.cfg.Lock.RetryInterval, 0, a.logger),
		Logger:                 a.logger,
		TracerProvider:         a.tracer,
	}, nil
}

// withEngine starts the node's engine, runs fn and closes it again.
func (a *app) withEngine(ctx context.Context, fn func(*engine.StorageEngine) error) (err error) {
	opts, err := a.engineOptions()
	if err != nil {
		return err
	}
	hm := hooks.NewHookManager(a.logger)
	hm.Register(hooks.EventPostSubsystemHalt, listeners.NewHaltAlerterListener(a.logger))
	opts.HookManager = hm
	eng, err := engine.NewStorageEngine(opts)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if cerr := eng.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(eng)
}

// auditLogPath resolves promotion.audit_log against the data directory.
func (a *app) auditLogPath() string {
	p := a.cfg.Promotion.AuditLog
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.cfg.Node.DataDir, p)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		stop()
		os.Exit(1)
	}
}
