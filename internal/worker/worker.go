// worker.go - Periodic lease-guarded jobs: event sync, prove, aggregate.
//
// A Runner owns the scheduling for one process. Each job pass walks the
// configured origins with bounded fan-out; every unit of work runs under a
// store lease so any number of processes can share the same configuration
// without stepping on each other. Per-origin failures are logged, counted
// and reported upward without aborting the rest of the pass.

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/veilcash/veilcash/internal/aggregate"
	"github.com/veilcash/veilcash/internal/events"
	"github.com/veilcash/veilcash/internal/lease"
	"github.com/veilcash/veilcash/internal/pipeline"
	"github.com/veilcash/veilcash/internal/transfer"
	"github.com/veilcash/veilcash/internal/tree"
)

// Config sets job cadence and fan-out.
type Config struct {
	// SyncInterval is the event sync job period.
	SyncInterval time.Duration
	// PipelineInterval is the ingest/compile/submit job period.
	PipelineInterval time.Duration
	// AggregateInterval is the global aggregation job period.
	AggregateInterval time.Duration
	// MaxConcurrentOrigins bounds per-pass origin fan-out.
	MaxConcurrentOrigins int
	// RetainUpdates is the tree history window in leaves; 0 disables
	// pruning.
	RetainUpdates int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval:         15 * time.Second,
		PipelineInterval:     30 * time.Second,
		AggregateInterval:    time.Minute,
		MaxConcurrentOrigins: 4,
	}
}

// HolderID returns a lease holder identity unique to this process.
func HolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "veilcash"
	}
	return host + "/" + uuid.NewString()
}

// Runner schedules the periodic jobs over a fixed origin set.
type Runner struct {
	cfg     Config
	origins []transfer.OriginID
	syncer  *events.Syncer
	tree    *tree.Tree
	pipe    *pipeline.Pipeline
	agg     *aggregate.Aggregator
	leases  *lease.Manager
	log     zerolog.Logger
}

// NewRunner wires a runner over the assembled components.
func NewRunner(origins []transfer.OriginID, s *events.Syncer, t *tree.Tree, p *pipeline.Pipeline, a *aggregate.Aggregator, l *lease.Manager, cfg Config, log zerolog.Logger) *Runner {
	if cfg.MaxConcurrentOrigins <= 0 {
		cfg.MaxConcurrentOrigins = DefaultConfig().MaxConcurrentOrigins
	}
	return &Runner{
		cfg:     cfg,
		origins: origins,
		syncer:  s,
		tree:    t,
		pipe:    p,
		agg:     a,
		leases:  l,
		log:     log.With().Str("component", "worker").Logger(),
	}
}

// RunOnce performs a single pass of every job. Per-origin failures are
// joined into the returned error after the whole pass completes.
func (r *Runner) RunOnce(ctx context.Context) error {
	return errors.Join(
		r.syncPass(ctx),
		r.treePass(ctx),
		r.aggregatePass(ctx),
	)
}

// Run schedules the jobs until the context is cancelled. Each job starts
// with an immediate pass and then follows its own interval.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	loop := func(job string, interval time.Duration, pass func(context.Context) error) {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := pass(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Str("job", job).Msg("job pass failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
	wg.Add(3)
	go loop("sync", r.cfg.SyncInterval, r.syncPass)
	go loop("tree", r.cfg.PipelineInterval, r.treePass)
	go loop("aggregate", r.cfg.AggregateInterval, r.aggregatePass)
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) syncPass(ctx context.Context) error {
	return r.forEachOrigin(ctx, "sync", func(ctx context.Context, origin transfer.OriginID) error {
		key := fmt.Sprintf("sync/%d", origin)
		held, err := r.leases.WithLease(ctx, key, func(ctx context.Context) error {
			rep, err := r.syncer.SyncOrigin(ctx, origin)
			if err != nil {
				return err
			}
			label := originLabel(origin)
			eventsInsertedTotal.WithLabelValues(label).Add(float64(rep.Inserted))
			contiguousIndexGauge.WithLabelValues(label).Set(float64(rep.ContiguousIndex))
			if rep.Stalled {
				syncStallsTotal.WithLabelValues(label).Inc()
			}
			return nil
		})
		if err == nil && !held {
			leaseSkipsTotal.WithLabelValues("sync").Inc()
			r.log.Debug().Str("key", key).Msg("lease held elsewhere, skipping")
		}
		return err
	})
}

func (r *Runner) treePass(ctx context.Context) error {
	return r.forEachOrigin(ctx, "tree", func(ctx context.Context, origin transfer.OriginID) error {
		key := fmt.Sprintf("tree/%d", origin)
		held, err := r.leases.WithLease(ctx, key, func(ctx context.Context) error {
			return r.proveOrigin(ctx, origin)
		})
		if err == nil && !held {
			leaseSkipsTotal.WithLabelValues("tree").Inc()
			r.log.Debug().Str("key", key).Msg("lease held elsewhere, skipping")
		}
		return err
	})
}

// proveOrigin is one origin's full tree job: ingest contiguous events,
// fold them into the running proof, submit when ahead of the reservation,
// then prune history outside the retention window.
func (r *Runner) proveOrigin(ctx context.Context, origin transfer.OriginID) error {
	label := originLabel(origin)

	ingested, err := r.tree.IngestAvailable(ctx, origin)
	if err != nil {
		return err
	}
	leavesIngestedTotal.WithLabelValues(label).Add(float64(ingested))
	head, err := r.tree.Head(ctx, origin)
	if err != nil {
		return err
	}
	treeSizeGauge.WithLabelValues(label).Set(float64(head.Size))

	start := time.Now()
	steps, err := r.pipe.Compile(ctx, origin)
	if err != nil {
		return err
	}
	if steps > 0 {
		stepsFoldedTotal.WithLabelValues(label).Add(float64(steps))
		compileDuration.Observe(time.Since(start).Seconds())
	}

	submitted, err := r.pipe.Submit(ctx, origin)
	if err != nil {
		return err
	}
	if submitted {
		submissionsTotal.WithLabelValues(label).Inc()
	}

	if r.cfg.RetainUpdates > 0 {
		ps, err := r.pipe.State(ctx, origin)
		if err != nil {
			return err
		}
		retain := r.cfg.RetainUpdates
		// The prover folds forward from its submitted boundary; states
		// behind a lagging boundary must stay replayable.
		if lag := head.Size - ps.LastSubmitted; lag > retain {
			retain = lag
		}
		removed, err := r.tree.PruneHistory(ctx, origin, retain)
		if err != nil {
			return err
		}
		historyPrunedTotal.WithLabelValues(label).Add(float64(removed))
	}
	return nil
}

func (r *Runner) aggregatePass(ctx context.Context) error {
	held, err := r.leases.WithLease(ctx, "aggregate", func(ctx context.Context) error {
		snap, err := r.agg.RunOnce(ctx)
		if err != nil {
			return err
		}
		if snap != nil {
			broadcastsTotal.Inc()
			aggSeqGauge.Set(float64(snap.AggSeq))
		}
		return nil
	})
	if err != nil {
		jobErrorsTotal.WithLabelValues("aggregate").Inc()
		r.log.Error().Err(err).Str("job", "aggregate").Msg("aggregation failed")
		return fmt.Errorf("aggregate: %w", err)
	}
	if !held {
		leaseSkipsTotal.WithLabelValues("aggregate").Inc()
		r.log.Debug().Str("key", "aggregate").Msg("lease held elsewhere, skipping")
	}
	return nil
}

// forEachOrigin runs fn for every origin with bounded fan-out. A failing
// origin is dropped from the pass and reported; the others keep going.
func (r *Runner) forEachOrigin(ctx context.Context, job string, fn func(context.Context, transfer.OriginID) error) error {
	sem := make(chan struct{}, r.cfg.MaxConcurrentOrigins)
	errCh := make(chan error, len(r.origins))
	var wg sync.WaitGroup
	for _, origin := range r.origins {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(ctx, origin); err != nil {
				jobErrorsTotal.WithLabelValues(job).Inc()
				r.log.Error().Err(err).
					Uint32("origin", uint32(origin)).
					Str("job", job).
					Msg("origin dropped from pass")
				errCh <- fmt.Errorf("%s origin %d: %w", job, origin, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
