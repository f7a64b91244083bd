// main.go - veilcashd: the off-ledger proving daemon.
//
// Subcommands:
//   run      schedule the sync, proving and aggregation jobs
//   migrate  apply the Postgres schema
//   status   print per-origin sync, tree and prover state
//   claim    assemble and submit a withdrawal claim
//
// The daemon reads a yaml configuration (written with defaults on first
// run), exposes Prometheus metrics and a JSON health endpoint, and
// coordinates with other processes through store leases. Settlement access
// goes through settlement.Client; this build wires the in-process
// simulator, deployments integrate their ledger by implementing the
// interface.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/veilcash/veilcash/internal/aggregate"
	"github.com/veilcash/veilcash/internal/config"
	"github.com/veilcash/veilcash/internal/events"
	"github.com/veilcash/veilcash/internal/lease"
	"github.com/veilcash/veilcash/internal/merkle"
	"github.com/veilcash/veilcash/internal/pipeline"
	"github.com/veilcash/veilcash/internal/prover"
	"github.com/veilcash/veilcash/internal/settlement"
	"github.com/veilcash/veilcash/internal/store"
	"github.com/veilcash/veilcash/internal/transfer"
	"github.com/veilcash/veilcash/internal/tree"
	"github.com/veilcash/veilcash/internal/worker"
)

const version = "0.4.0"

func main() {
	root := &cobra.Command{
		Use:   "veilcashd",
		Short: "Off-ledger proving daemon for veiled cross-ledger transfers",
	}
	root.CompletionOptions.DisableDefaultCmd = true

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "veilcash.yaml", "configuration file")

	var once bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync, proving and aggregation jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, once)
		},
	}
	runCmd.Flags().BoolVar(&once, "once", false, "run one pass of each job and exit")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(configPath)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print per-origin sync, tree and prover state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(configPath)
		},
	}

	var claimOpts claimOptions
	claimCmd := &cobra.Command{
		Use:   "claim",
		Short: "Assemble and submit a withdrawal claim",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClaim(configPath, claimOpts)
		},
	}
	claimCmd.Flags().Uint32Var(&claimOpts.origin, "origin", 0, "origin the transfers were committed on")
	claimCmd.Flags().StringVar(&claimOpts.secret, "secret", "", "recipient secret, 32 bytes hex")
	claimCmd.Flags().Uint64Var(&claimOpts.blinding, "blinding", 0, "amount to subtract from the revealed total")
	claimCmd.Flags().BoolVar(&claimOpts.global, "global", false, "claim against the latest aggregation broadcast")
	_ = claimCmd.MarkFlagRequired("secret")

	root.AddCommand(runCmd, migrateCmd, statusCmd, claimCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger with a console writer.
func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// openStore opens the configured store backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Storage.Driver == "postgres" {
		return store.NewPostgres(ctx, cfg.Storage.DSN)
	}
	return store.NewMemory(), nil
}

// newBackend selects the proving backend.
func newBackend(cfg *config.Config) (prover.Backend, error) {
	if cfg.Backend == "groth16" {
		return prover.NewGroth16(cfg.Tree.Height, cfg.KeyDir)
	}
	return prover.NewTranscript(), nil
}

func runDaemon(configPath string, once bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}

	origins := make([]transfer.OriginID, len(cfg.Origins))
	for i, o := range cfg.Origins {
		origins[i] = transfer.OriginID(o)
	}
	sim := settlement.NewSim(merkle.ZeroHashes(cfg.Tree.Height)[cfg.Tree.Height])
	for _, origin := range origins {
		sim.RegisterOrigin(origin)
	}
	var client settlement.Client = sim

	tr := tree.New(st, tree.Config{
		Height:        cfg.Tree.Height,
		SnapshotEvery: cfg.Tree.SnapshotEvery,
		IngestBatch:   cfg.Tree.IngestBatch,
	}, log)
	sy := events.NewSyncer(st, client, events.Config{
		SpanBlocks:   cfg.Sync.SpanBlocks,
		ReorgOverlap: cfg.Sync.ReorgOverlap,
		MaxSpans:     cfg.Sync.MaxSpans,
		ScanBatch:    cfg.Sync.ScanBatch,
	}, log)
	pi := pipeline.New(st, tr, backend, client, pipeline.Config{
		CompileBatch:  cfg.Pipeline.CompileBatch,
		SubmitRetries: cfg.Pipeline.SubmitRetries,
	}, log)
	ag := aggregate.New(st, client, aggregate.Config{
		Height:     cfg.Aggregate.Height,
		StaleAfter: time.Duration(cfg.Aggregate.StaleAfter),
	}, log)
	lm := lease.NewManager(st, worker.HolderID(), time.Duration(cfg.Lease.TTL), log)
	runner := worker.NewRunner(origins, sy, tr, pi, ag, lm, worker.Config{
		SyncInterval:         time.Duration(cfg.Sync.Interval),
		PipelineInterval:     time.Duration(cfg.Pipeline.Interval),
		AggregateInterval:    time.Duration(cfg.Aggregate.Interval),
		MaxConcurrentOrigins: cfg.Worker.MaxConcurrentOrigins,
		RetainUpdates:        cfg.Tree.RetainUpdates,
	}, log)

	log.Info().
		Str("version", version).
		Str("backend", cfg.Backend).
		Str("storage", cfg.Storage.Driver).
		Int("origins", len(origins)).
		Msg("veilcashd starting")

	if once {
		return runner.RunOnce(ctx)
	}

	hc := newHealth(version)
	hc.register("store", func(ctx context.Context) error {
		if _, err := st.LatestAggregation(ctx); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	})
	go func() {
		if err := serveHTTP(ctx, cfg.Listen, hc, log); err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("veilcashd stopped")
	return nil
}

func runMigrate(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver != "postgres" {
		return fmt.Errorf("storage driver %q needs no migration", cfg.Storage.Driver)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := store.NewPostgres(ctx, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	fmt.Println("schema applied")
	return nil
}
