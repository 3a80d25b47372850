// Package gc implements the scheduler's garbage collector: a
// probabilistic, heartbeat-driven sweep that reclaims state left behind
// by masters and workers that stopped pulsing without a clean exit.
// Grounded on the original rdmcl worker's clean_dead_threads: read the
// heartbeat table first, compute who is dead, delete their rows across
// every table, then sweep the matching scratch files.
package gc

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/multierr"

	"github.com/pairfarm/seqfarm/internal/heartbeat"
	"github.com/pairfarm/seqfarm/internal/logger"
	"github.com/pairfarm/seqfarm/internal/queue"
	"github.com/pairfarm/seqfarm/internal/scratch"
)

// DefaultProbability is the per-iteration chance a worker's idle loop
// triggers a collection pass.
const DefaultProbability = 0.05

// Collector ties the heartbeat registry, queue store, and scratch
// store together for one reclaim pass.
type Collector struct {
	hb             *heartbeat.Registry
	qs             *queue.Store
	sc             *scratch.Store
	log            *logger.Logger
	deadThreadWait time.Duration
	probability    float64
}

// New builds a Collector. deadThreadWait is the base staleness window
// before a thread's missing pulse counts as dead (widened further by
// the observed lock Lag at collection time).
func New(log *logger.Logger, hb *heartbeat.Registry, qs *queue.Store, sc *scratch.Store, deadThreadWait time.Duration) *Collector {
	return &Collector{
		hb:             hb,
		qs:             qs,
		sc:             sc,
		log:            log.With("component", "GarbageCollector"),
		deadThreadWait: deadThreadWait,
		probability:    DefaultProbability,
	}
}

// MaybeRun rolls the dice and runs a collection pass only probability
// of the time, the way a worker's idle loop decides whether to bother
// with maintenance on any given tick instead of every tick.
func (c *Collector) MaybeRun(ctx context.Context) error {
	if rand.Float64() >= c.probability {
		return nil
	}
	_, err := c.Run(ctx)
	return err
}

// Result summarizes one pass, useful for tests and operator logging.
type Result struct {
	DeadMasters []string
	DeadWorkers []string
	FreedHashes []string
}

// Run performs one full collection pass unconditionally.
func (c *Collector) Run(ctx context.Context) (Result, error) {
	rows, lag, err := c.hb.Snapshot(ctx)
	if err != nil {
		return Result{}, err
	}
	now := time.Now()
	staleMasters := heartbeat.Stale(rows, heartbeat.ThreadMaster, now, c.deadThreadWait, lag)
	deadWorkers := heartbeat.Stale(rows, heartbeat.ThreadWorker, now, c.deadThreadWait, lag)

	orphanMasters, err := c.orphanMasters(ctx, rows)
	if err != nil {
		return Result{}, err
	}
	deadMasters := dedupe(append(append([]string{}, staleMasters...), orphanMasters...))

	hashesFromMasters, err := c.qs.DeleteByMasterIDs(ctx, deadMasters)
	if err != nil {
		return Result{}, err
	}
	hashesFromWorkers, err := c.qs.DeleteProcessingByWorkerIDs(ctx, deadWorkers)
	if err != nil {
		return Result{}, err
	}

	deadIDs := append(append([]string{}, deadMasters...), deadWorkers...)
	if err := c.hb.Remove(ctx, deadIDs); err != nil {
		return Result{}, err
	}

	freed := dedupe(normalizeHashes(append(hashesFromMasters, hashesFromWorkers...)))
	var sweepErr error
	for _, hash := range freed {
		if err := c.sc.DeleteArtifacts(hash); err != nil {
			sweepErr = multierr.Append(sweepErr, err)
		}
	}
	if sweepErr != nil {
		c.log.Warn("scratch sweep had non-fatal errors", "err", sweepErr)
	}

	if len(deadMasters) > 0 || len(deadWorkers) > 0 {
		c.log.Info("garbage collection pass reclaimed dead threads",
			"dead_masters", len(deadMasters), "dead_workers", len(deadWorkers), "freed_hashes", len(freed))
	}

	return Result{DeadMasters: deadMasters, DeadWorkers: deadWorkers, FreedHashes: freed}, nil
}

// orphanMasters finds master_ids referenced by work-table rows that
// have no heartbeat row at all — a master that crashed before ever
// registering a heartbeat, or whose heartbeat rows were already reaped
// in an earlier pass while its work-table rows lingered. The staleness
// check alone never catches these: it only inspects master_ids that
// do have a heartbeat row to compare against deadThreadWait.
func (c *Collector) orphanMasters(ctx context.Context, rows []heartbeat.Row) ([]string, error) {
	referenced, err := c.qs.DistinctMasterIDs(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if row.ThreadType == string(heartbeat.ThreadMaster) {
			known[row.ThreadID] = struct{}{}
		}
	}
	var orphans []string
	for _, id := range referenced {
		if _, ok := known[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	return orphans, nil
}

// normalizeHashes resolves compound sub-job hashes back to their
// primary hash: sub-job scratch artifacts (pair lists, ss2 copies,
// sim_df chunks) all live under the primary hash's shared sub-job
// directory, so sweeping a bare compound hash would miss them.
func normalizeHashes(hashes []string) []string {
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if _, _, primary, ok := queue.ParseCompoundHash(h); ok {
			out = append(out, primary)
			continue
		}
		out = append(out, h)
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
