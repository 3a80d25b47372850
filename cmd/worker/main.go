package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/pairfarm/seqfarm/internal/config"
	"github.com/pairfarm/seqfarm/internal/gc"
	"github.com/pairfarm/seqfarm/internal/heartbeat"
	"github.com/pairfarm/seqfarm/internal/logger"
	"github.com/pairfarm/seqfarm/internal/queue"
	"github.com/pairfarm/seqfarm/internal/scoring"
	"github.com/pairfarm/seqfarm/internal/scoring/builtin"
	"github.com/pairfarm/seqfarm/internal/scratch"
	"github.com/pairfarm/seqfarm/internal/subjob"
	"github.com/pairfarm/seqfarm/internal/telemetry"
	"github.com/pairfarm/seqfarm/internal/worker"
)

func main() {
	cfg, err := config.ParseWorkerFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}

	logMode := cfg.LogMode()
	if cfg.Quiet {
		logMode = "production"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	_, shutdownTracing, err := telemetry.NewTracerProvider("seqfarm-worker")
	if err != nil {
		log.Error("init tracing failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracer shutdown failed", "err", err)
		}
	}()

	qs, err := queue.Open(log, filepath.Join(cfg.WorkDir, "work_db.sqlite"))
	if err != nil {
		log.Error("open work database failed", "err", err)
		os.Exit(1)
	}
	hbReg, err := heartbeat.Open(log, filepath.Join(cfg.WorkDir, "heartbeat_db.sqlite"))
	if err != nil {
		log.Error("open heartbeat database failed", "err", err)
		os.Exit(1)
	}
	sc, err := scratch.Open(log, cfg.WorkDir)
	if err != nil {
		log.Error("open scratch store failed", "err", err)
		os.Exit(1)
	}

	registry := scoring.NewRegistry()
	registry.Register("builtin", builtin.Set())
	// Every named preset in presets.yaml is also registered as an alias
	// pointing at its underlying aligner's Set, so a queue row stamped
	// with the preset name (e.g. a master that submitted with
	// --aligner fast) resolves the same way a row naming the raw
	// aligner engine does.
	if presets, err := config.LoadPresets(); err != nil {
		log.Warn("load presets.yaml failed, continuing with builtin only", "err", err)
	} else {
		for name, preset := range presets {
			if set, ok := registry.Lookup(preset.AlignerName); ok {
				registry.Register(name, set)
			}
		}
	}

	gcCollector := gc.New(log, hbReg, qs, sc, cfg.DeadThreadWait)
	planner := subjob.New(qs, sc, cfg.MaxCPUs, cfg.JobSize)

	id := uuid.NewString()
	w := worker.New(id, worker.Config{
		WorkDir:        cfg.WorkDir,
		HeartRate:      cfg.HeartRate,
		MaxWait:        cfg.MaxWait,
		DeadThreadWait: cfg.DeadThreadWait,
		MaxCPUs:        cfg.MaxCPUs,
		JobSize:        cfg.JobSize,
	}, qs, sc, hbReg, gcCollector, planner, registry, log)

	log.Info("worker starting", "worker_id", id, "workdir", cfg.WorkDir)
	if err := w.Run(ctx); err != nil {
		log.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
	log.Info("worker exited cleanly", "worker_id", id)
}
