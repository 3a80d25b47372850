// Package master implements the master-side client surface: submitting
// a primary job by content hash and polling for its completed graph,
// in the style of cmd/backfill_file_signatures/main.go's CLI tool that
// writes inputs to shared storage and then calls a service's Enqueue.
package master

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/pairfarm/seqfarm/internal/bioseq"
	"github.com/pairfarm/seqfarm/internal/heartbeat"
	"github.com/pairfarm/seqfarm/internal/logger"
	"github.com/pairfarm/seqfarm/internal/queue"
	"github.com/pairfarm/seqfarm/internal/scratch"
	"github.com/pairfarm/seqfarm/internal/telemetry"
)

// Client is one master's handle onto the shared work database and
// scratch directory.
type Client struct {
	id        string
	qs        *queue.Store
	sc        *scratch.Store
	hbReg     *heartbeat.Registry
	heartRate time.Duration
	log       *logger.Logger
	tracer    trace.Tracer

	hb *heartbeat.Heartbeat
}

// New builds a Client. id should be a github.com/google/uuid string
// unique to this master.
func New(id string, qs *queue.Store, sc *scratch.Store, hbReg *heartbeat.Registry, heartRate time.Duration, log *logger.Logger) *Client {
	return &Client{
		id:        id,
		qs:        qs,
		sc:        sc,
		hbReg:     hbReg,
		heartRate: heartRate,
		log:       log.With("component", "MasterClient", "master_id", id),
		tracer:    telemetry.Tracer("seqfarm/master"),
	}
}

// Start registers this master's heartbeat, so the garbage collector
// only reclaims its waiting rows once it has genuinely stopped pulsing
// rather than because it never pulsed at all.
func (c *Client) Start(ctx context.Context) error {
	hb, err := c.hbReg.Start(ctx, c.id, heartbeat.ThreadMaster, c.heartRate)
	if err != nil {
		return fmt.Errorf("master: start heartbeat: %w", err)
	}
	c.hb = hb
	return nil
}

// Close stops the heartbeat and removes its row.
func (c *Client) Close(ctx context.Context) error {
	if c.hb == nil {
		return nil
	}
	return c.hb.End(ctx)
}

// Submit writes seqs to scratch under their content-addressed id_hash
// and enqueues a primary job with params, registering this master as a
// waiter. Idempotent: resubmitting identical sequences and parameters
// hashes to the same id_hash and is absorbed by EnqueuePrimary's
// primary-key conflict handling.
func (c *Client) Submit(ctx context.Context, seqs []bioseq.Sequence, params queue.JobParams) (string, error) {
	if len(seqs) < 2 {
		return "", fmt.Errorf("master: job requires at least 2 sequences, got %d", len(seqs))
	}
	params.MasterID = c.id

	var idHash string
	err := telemetry.WithSpan(ctx, c.tracer, "master.submit", nil, func(ctx context.Context) error {
		idHash = bioseq.HashJob(seqs, params.AlignerName, params.AlignerParams, params.TrimThresholds, params.GapOpen, params.GapExtend)
		if err := c.sc.WriteSeqs(idHash, bioseq.WriteFasta(seqs)); err != nil {
			return err
		}
		return c.qs.EnqueuePrimary(ctx, idHash, params)
	})
	if err != nil {
		return "", err
	}
	c.log.Info("submitted job", "id_hash", idHash, "num_seqs", len(seqs))
	return idHash, nil
}

// Await polls the complete table for idHash every poll interval until
// a result appears or ctx is cancelled, then reads and returns the
// final graph and releases this master's waiting reference.
func (c *Client) Await(ctx context.Context, idHash string, poll time.Duration) (bioseq.ScoreFrame, error) {
	for {
		row, err := c.qs.CollectComplete(ctx, idHash)
		if err != nil {
			return bioseq.ScoreFrame{}, err
		}
		if row != nil {
			data, err := c.sc.ReadGraph(idHash)
			if err != nil {
				return bioseq.ScoreFrame{}, err
			}
			frame, err := bioseq.DecodeScoreFrame(data)
			if err != nil {
				return bioseq.ScoreFrame{}, err
			}
			if err := c.qs.Unwait(ctx, idHash, c.id); err != nil {
				return bioseq.ScoreFrame{}, err
			}
			if err := c.qs.DeleteComplete(ctx, idHash); err != nil {
				return bioseq.ScoreFrame{}, err
			}
			if err := c.sc.DeleteArtifacts(idHash); err != nil {
				return bioseq.ScoreFrame{}, err
			}
			return frame, nil
		}
		select {
		case <-ctx.Done():
			return bioseq.ScoreFrame{}, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// Cancel withdraws this master's interest in idHash entirely, removing
// it from every table (not just this master's waiting reference).
func (c *Client) Cancel(ctx context.Context, idHash string) error {
	if err := c.qs.Cancel(ctx, idHash); err != nil {
		return err
	}
	return c.sc.DeleteArtifacts(idHash)
}
