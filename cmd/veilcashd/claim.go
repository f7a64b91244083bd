// claim.go - Withdrawal claim assembly from the command line.

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/veilcash/veilcash/internal/config"
	"github.com/veilcash/veilcash/internal/merkle"
	"github.com/veilcash/veilcash/internal/settlement"
	"github.com/veilcash/veilcash/internal/transfer"
	"github.com/veilcash/veilcash/internal/tree"
	"github.com/veilcash/veilcash/internal/withdraw"
)

// claimOptions carries the claim subcommand's flags.
type claimOptions struct {
	origin   uint32
	secret   string
	blinding uint64
	global   bool
}

func runClaim(configPath string, opts claimOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	raw, err := hex.DecodeString(opts.secret)
	if err != nil {
		return fmt.Errorf("secret is not hex: %w", err)
	}
	secret, err := transfer.DigestFromBytes(raw)
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

	origin := transfer.OriginID(opts.origin)
	sim := settlement.NewSim(merkle.ZeroHashes(cfg.Tree.Height)[cfg.Tree.Height])
	sim.RegisterOrigin(origin)
	var client settlement.Client = sim

	tr := tree.New(st, tree.Config{
		Height:        cfg.Tree.Height,
		SnapshotEvery: cfg.Tree.SnapshotEvery,
		IngestBatch:   cfg.Tree.IngestBatch,
	}, log)
	asm := withdraw.New(st, tr, backend, client, withdraw.Config{
		TreeHeight: cfg.Tree.Height,
		AggHeight:  cfg.Aggregate.Height,
		MaxBatch:   cfg.Withdraw.MaxBatch,
		DummyMin:   1,
		DummyMax:   3,
	}, log)

	claim := withdraw.Claim{Origin: origin, Secret: secret, Blinding: opts.blinding}

	var sub *settlement.WithdrawalSubmission
	if opts.global {
		snap, err := st.LatestAggregation(ctx)
		if err != nil {
			return fmt.Errorf("no aggregation broadcast to claim against: %w", err)
		}
		sub, err = asm.AssembleGlobal(ctx, claim, snap)
		if err != nil {
			return err
		}
	} else {
		head, err := tr.Head(ctx, origin)
		if err != nil {
			return err
		}
		sub, err = asm.AssembleLocal(ctx, claim, head.Root, head.Size)
		if err != nil {
			return err
		}
	}

	if err := asm.Submit(ctx, sub); err != nil {
		return err
	}
	fmt.Printf("claimed %d against root %x\n", sub.TotalValue, sub.RootRef[:8])
	return nil
}
