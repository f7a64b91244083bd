// status.go - Per-origin state printout for operators.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/veilcash/veilcash/internal/config"
	"github.com/veilcash/veilcash/internal/store"
	"github.com/veilcash/veilcash/internal/transfer"
)

func runStatus(configPath string) error {
	cfg, err := config.Load(configPath)
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

	for _, o := range cfg.Origins {
		if err := printOrigin(ctx, st, transfer.OriginID(o)); err != nil {
			return err
		}
	}

	agg, err := st.LatestAggregation(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		fmt.Println("global: no aggregation broadcast yet")
	case err != nil:
		return err
	default:
		fmt.Printf("global: agg seq %d over %d origins, root %x\n",
			agg.AggSeq, len(agg.Origins), agg.Root[:8])
	}
	return nil
}

func printOrigin(ctx context.Context, st store.Store, origin transfer.OriginID) error {
	cur, err := st.SyncState(ctx, origin)
	if err != nil {
		return err
	}

	var size int64
	head, err := st.TreeHead(ctx, origin)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// No leaves yet.
	case err != nil:
		return err
	default:
		size = head.Size
	}

	ps, err := st.ProverState(ctx, origin)
	if err != nil {
		return err
	}

	fmt.Printf("origin %d: synced block %d, contiguous %d of %d, tree size %d, compiled %d, submitted %d, base %d\n",
		origin, cur.LastSyncedBlock, cur.ContiguousIndex, cur.LastSeenContractIndex,
		size, ps.LastCompiled, ps.LastSubmitted, ps.BaseIndex)
	return nil
}
