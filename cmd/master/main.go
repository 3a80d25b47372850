// cmd/master is a standalone submission CLI around internal/master's
// Client. The original rdmcl masters live embedded inside a larger
// sequence-clustering application that is out of scope here (§1); this
// gives the master-side contract a runnable, testable entrypoint
// without it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pairfarm/seqfarm/internal/bioseq"
	"github.com/pairfarm/seqfarm/internal/config"
	"github.com/pairfarm/seqfarm/internal/heartbeat"
	"github.com/pairfarm/seqfarm/internal/logger"
	"github.com/pairfarm/seqfarm/internal/master"
	"github.com/pairfarm/seqfarm/internal/queue"
	"github.com/pairfarm/seqfarm/internal/scratch"
)

const defaultHeartRate = 60 * time.Second
const awaitPoll = 5 * time.Second

func main() {
	cfg, err := config.ParseMasterFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "master: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New("production")
	if err != nil {
		fmt.Fprintf(os.Stderr, "master: init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	data, err := os.ReadFile(cfg.SeqsPath)
	if err != nil {
		log.Error("read fasta file failed", "err", err)
		os.Exit(1)
	}
	seqs, err := bioseq.ReadFasta(data)
	if err != nil {
		log.Error("parse fasta file failed", "err", err)
		os.Exit(1)
	}

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

	id := uuid.NewString()
	client := master.New(id, qs, sc, hbReg, defaultHeartRate, log)
	if err := client.Start(ctx); err != nil {
		log.Error("start heartbeat failed", "err", err)
		os.Exit(1)
	}
	defer client.Close(context.Background())

	params := queue.JobParams{
		AlignerName:    cfg.AlignerName,
		AlignerParams:  cfg.AlignerParams,
		TrimThresholds: cfg.Trimal,
		GapOpen:        cfg.GapOpen,
		GapExtend:      cfg.GapExtend,
	}

	idHash, err := client.Submit(ctx, seqs, params)
	if err != nil {
		log.Error("submit failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("submitted id_hash=%s\n", idHash)

	if cfg.Wait <= 0 {
		return
	}

	awaitCtx, cancelAwait := context.WithTimeout(ctx, cfg.Wait)
	defer cancelAwait()
	frame, err := client.Await(awaitCtx, idHash, awaitPoll)
	if err != nil {
		log.Error("await failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("completed id_hash=%s pairs=%d\n", idHash, len(frame.Rows))
	for _, row := range frame.Rows {
		fmt.Printf("%s\t%s\t%g\n", row.SeqA, row.SeqB, row.FinalScore)
	}
}
