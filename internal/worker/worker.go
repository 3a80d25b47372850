// Package worker implements the worker loop state machine: Idle ->
// Check -> {Terminated, GC, Claim} -> Prepare -> Align/ReadAlign ->
// PlanOrRun -> Score -> Publish, combining internal/jobs/worker/worker.go's
// shape (Start spawns goroutines, runLoop ticks, heartbeat goroutine,
// panic recovery, safety-net failure counting) with launch_worker.py's
// Worker.start state machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pairfarm/seqfarm/internal/apperr"
	"github.com/pairfarm/seqfarm/internal/bioseq"
	"github.com/pairfarm/seqfarm/internal/gc"
	"github.com/pairfarm/seqfarm/internal/heartbeat"
	"github.com/pairfarm/seqfarm/internal/logger"
	"github.com/pairfarm/seqfarm/internal/queue"
	"github.com/pairfarm/seqfarm/internal/scoring"
	"github.com/pairfarm/seqfarm/internal/scratch"
	"github.com/pairfarm/seqfarm/internal/subjob"
	"github.com/pairfarm/seqfarm/internal/telemetry"

	"go.opentelemetry.io/otel/trace"
)

// idleBackoff is how long a worker sleeps after finding an empty
// queue, so an idle farm doesn't spin the ExclusiveLock continuously.
const idleBackoff = 500 * time.Millisecond

// maxCrashes and crashWindow bound the worker's tolerance for
// repeated tick failures before it gives up and returns
// apperr.ErrTooManyCrashes, the same "safety net" shape as the
// teacher's runLoop failure counter.
const maxCrashes = 5
const crashWindow = 60 * time.Second

// Config is the subset of resolved configuration the worker loop needs
// (see internal/config.WorkerConfig for the CLI-facing superset).
type Config struct {
	WorkDir        string
	HeartRate      time.Duration
	MaxWait        time.Duration
	DeadThreadWait time.Duration
	MaxCPUs        int
	JobSize        int
}

// Worker runs the claim/prepare/align/score/publish loop until its
// sentinel file is removed or it is asked to stop via ctx.
type Worker struct {
	id  string
	cfg Config

	qs       *queue.Store
	sc       *scratch.Store
	hbReg    *heartbeat.Registry
	gcC      *gc.Collector
	planner  *subjob.Planner
	registry *scoring.Registry
	log      *logger.Logger
	tracer   trace.Tracer

	sentinelPath string

	mu              sync.Mutex
	crashTimes      []time.Time
	lastMasterPulse time.Time
}

// New builds a Worker. id should be a github.com/google/uuid string
// unique to this process.
func New(id string, cfg Config, qs *queue.Store, sc *scratch.Store, hbReg *heartbeat.Registry, gcC *gc.Collector, planner *subjob.Planner, registry *scoring.Registry, log *logger.Logger) *Worker {
	return &Worker{
		id:           id,
		cfg:          cfg,
		qs:           qs,
		sc:           sc,
		hbReg:        hbReg,
		gcC:          gcC,
		planner:      planner,
		registry:     registry,
		log:          log.With("component", "Worker", "worker_id", id),
		tracer:       telemetry.Tracer("seqfarm/worker"),
		sentinelPath: filepath.Join(cfg.WorkDir, "Worker_"+id),
	}
}

// Run starts the heartbeat, writes the sentinel file, and loops until
// the sentinel is removed, ctx is cancelled, or the crash budget is
// exhausted.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.WriteFile(w.sentinelPath, []byte(w.id), 0o644); err != nil {
		return fmt.Errorf("worker: write sentinel: %w", err)
	}

	hb, err := w.hbReg.Start(ctx, w.id, heartbeat.ThreadWorker, w.cfg.HeartRate)
	if err != nil {
		os.Remove(w.sentinelPath)
		return fmt.Errorf("worker: start heartbeat: %w", err)
	}

	reason := "context cancelled"
	defer func() { w.terminate(reason, hb) }()

	w.log.Info("worker started", "sentinel", w.sentinelPath)
	w.lastMasterPulse = time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !w.sentinelExists() {
			reason = "sentinel file deleted"
			return nil
		}
		if stale, since := w.masterInactivityExceeded(ctx); stale {
			reason = fmt.Sprintf("no live master observed for %s (max_wait exceeded)", since)
			return nil
		}

		if err := w.tick(ctx); err != nil {
			if errors.Is(err, apperr.ErrFatalPrimaryJob) {
				reason = fmt.Sprintf("fatal error on primary job: %v", err)
				return nil
			}
			if errors.Is(err, apperr.ErrTooManyCrashes) {
				reason = "too many crashes within the crash window"
				return err
			}
			w.log.Error("worker tick failed", "err", err)
			w.recordCrash()
			if w.crashedTooMuch() {
				reason = "too many crashes within the crash window"
				return apperr.ErrTooManyCrashes
			}
		}
	}
}

// terminate implements spec §7's uniform exit path: every way Run stops
// - clean sentinel/master-silence shutdown, a fatal primary-job error,
// or exhausting the crash budget - releases this worker's processing
// rows, removes its sentinel file, and ends its heartbeat, in that
// order, and logs the "Terminating Worker_<id> because of <reason>"
// diagnostic spec.md calls for.
func (w *Worker) terminate(reason string, hb *heartbeat.Heartbeat) {
	w.log.Info(fmt.Sprintf("Terminating Worker_%s because of %s", w.id, reason))
	ctx := context.Background()
	if _, err := w.qs.DeleteProcessingByWorkerIDs(ctx, []string{w.id}); err != nil {
		w.log.Warn("terminate: failed to release processing rows", "err", err)
	}
	if err := os.Remove(w.sentinelPath); err != nil && !os.IsNotExist(err) {
		w.log.Warn("terminate: failed to remove sentinel", "err", err)
	}
	if err := hb.End(ctx); err != nil {
		w.log.Warn("terminate: failed to end heartbeat", "err", err)
	}
}

func (w *Worker) sentinelExists() bool {
	_, err := os.Stat(w.sentinelPath)
	return err == nil
}

// masterInactivityExceeded implements the Check -> Terminated transition
// for master silence: it refreshes lastMasterPulse from the heartbeat
// table's most recent master row (if any is more recent than what this
// worker has already observed) and reports whether cfg.MaxWait has
// elapsed since any master was last seen alive.
func (w *Worker) masterInactivityExceeded(ctx context.Context) (bool, time.Duration) {
	rows, _, err := w.hbReg.Snapshot(ctx)
	if err != nil {
		w.log.Warn("heartbeat snapshot failed during master-liveness check", "err", err)
	} else if pulse, ok := heartbeat.LatestPulse(rows, heartbeat.ThreadMaster); ok && pulse.After(w.lastMasterPulse) {
		w.lastMasterPulse = pulse
	}
	since := time.Since(w.lastMasterPulse)
	return since > w.cfg.MaxWait, since
}

func (w *Worker) recordCrash() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.crashTimes = append(w.crashTimes, now)
	cutoff := now.Add(-crashWindow)
	kept := w.crashTimes[:0]
	for _, t := range w.crashTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.crashTimes = kept
}

func (w *Worker) crashedTooMuch() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.crashTimes) >= maxCrashes
}

// tick implements Check -> {GC, Claim} -> Prepare -> ... -> Publish for
// one iteration.
func (w *Worker) tick(ctx context.Context) error {
	return telemetry.WithSpan(ctx, w.tracer, "worker.tick", nil, func(ctx context.Context) error {
		if err := w.gcC.MaybeRun(ctx); err != nil {
			w.log.Warn("gc pass failed", "err", err)
		}

		claimed, err := w.qs.ClaimOne(ctx, w.id)
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		if claimed == nil {
			time.Sleep(idleBackoff)
			return nil
		}

		return w.processRecovered(ctx, claimed)
	})
}

// processRecovered wraps process in the same panic-safety-net shape as
// the teacher's worker loop (internal/jobs/worker/worker.go): a panic
// inside a job handler is recovered, logged, and turned into an
// ordinary error so it counts against the crash budget instead of
// taking the whole worker process down.
func (w *Worker) processRecovered(ctx context.Context, claimed *queue.ClaimedJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job handler panic", "hash", claimed.Hash, "panic", r)
			err = fmt.Errorf("%w: recovered panic: %v", apperr.ErrBrokenInvariant, r)
		}
	}()
	return w.process(ctx, claimed)
}

// process applies spec §7's differing failure policy for the same
// error kinds depending on whether the claimed hash is a primary job or
// a sub-job: MissingScratch/UnderSizedJob/AlignerFailure/TrimFailure/
// ParseFailure terminate the worker outright on a primary job, but on a
// sub-job they only abandon that compound hash's processing row so the
// worker loop continues with its next claim.
func (w *Worker) process(ctx context.Context, claimed *queue.ClaimedJob) error {
	log := w.log.With("hash", claimed.Hash)

	k, n, primaryHash, isSub := queue.ParseCompoundHash(claimed.Hash)
	if !isSub {
		if err := w.processPrimary(ctx, claimed.Hash, claimed.Params, log); err != nil {
			if apperr.IsAbandonable(err) {
				return fmt.Errorf("%w: %w", apperr.ErrFatalPrimaryJob, err)
			}
			return err
		}
		return nil
	}

	if err := w.processChunk(ctx, primaryHash, k, n, claimed.Params, log); err != nil {
		if apperr.IsAbandonable(err) {
			log.Warn("sub-job failed, abandoning and continuing", "err", err)
			return w.qs.Abandon(ctx, queue.CompoundHash(k, n, primaryHash), w.id)
		}
		return err
	}
	return nil
}

// processPrimary handles a claimed primary hash: it reads the input
// sequences, produces (or reuses) the shared alignment and psipred
// frames every chunk will score against, then decides whether the
// full pair list fits in one pass or needs splitting. Producing the
// alignment before the split decision, rather than per-chunk, is what
// lets a sub-job later reuse it via ReadAln instead of realigning.
func (w *Worker) processPrimary(ctx context.Context, primaryHash string, params queue.JobParams, log *logger.Logger) error {
	seqs, err := w.readSeqs(primaryHash)
	if err != nil {
		return err
	}
	if len(seqs) < 2 {
		return fmt.Errorf("%w: %s has %d sequences", apperr.ErrUnderSizedJob, primaryHash, len(seqs))
	}

	set, ok := w.registry.Lookup(params.AlignerName)
	if !ok {
		return fmt.Errorf("worker: no scoring.Set registered for aligner %q", params.AlignerName)
	}

	aln, err := w.ensureAlignment(ctx, primaryHash, seqs, params, set)
	if err != nil {
		return err
	}
	ss2Frames, err := w.loadSS2(params.PsiPredDir, seqs, set)
	if err != nil {
		return err
	}
	ss2Frames, err = set.PsipredUpdater.UpdatePsipred(aln, ss2Frames, "post-align")
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrParseFailure, err)
	}

	pairs := bioseq.AllPairs(bioseq.SortedNames(seqs))
	if w.planner.ShouldSplit(len(pairs)) {
		firstChunk, numSubjobs, err := w.planner.Split(ctx, primaryHash, w.id, pairs, ss2Frames, params)
		if err != nil {
			return fmt.Errorf("split: %w", err)
		}
		log.Info("primary job split", "num_subjobs", numSubjobs)
		return w.runChunk(ctx, primaryHash, 1, numSubjobs, aln, ss2Frames, firstChunk, params, set, log)
	}

	return w.runChunk(ctx, primaryHash, 1, 1, aln, ss2Frames, pairs, params, set, log)
}

// processChunk handles a claimed compound (sub-job) hash: k of n. It
// never calls the aligner or the psipred updater — it reads the
// primary's already-produced alignment and its chunk's pair list and
// referenced ss2 frames straight from the shared sub-job scratch
// directory the splitting worker populated.
func (w *Worker) processChunk(ctx context.Context, primaryHash string, k, n int, params queue.JobParams, log *logger.Logger) error {
	set, ok := w.registry.Lookup(params.AlignerName)
	if !ok {
		return fmt.Errorf("worker: no scoring.Set registered for aligner %q", params.AlignerName)
	}

	alnData, err := w.sc.ReadAln(primaryHash)
	if err != nil {
		return err
	}
	alnSeqs, err := bioseq.ReadFasta(alnData)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrParseFailure, err)
	}
	aln := bioseq.Alignment{Sequences: alnSeqs}

	pairsData, err := w.sc.ReadPairList(primaryHash, k, n)
	if err != nil {
		return err
	}
	pairs, err := bioseq.ReadPairs(pairsData)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrParseFailure, err)
	}

	ss2Frames, err := w.loadSubjobSS2(primaryHash, pairs)
	if err != nil {
		return err
	}

	return w.runChunk(ctx, primaryHash, k, n, aln, ss2Frames, pairs, params, set, log)
}

func (w *Worker) readSeqs(hash string) ([]bioseq.Sequence, error) {
	data, err := w.sc.ReadSeqs(hash)
	if err != nil {
		return nil, err
	}
	return bioseq.ReadFasta(data)
}

func (w *Worker) ensureAlignment(ctx context.Context, primaryHash string, seqs []bioseq.Sequence, params queue.JobParams, set scoring.Set) (bioseq.Alignment, error) {
	alnData, err := w.sc.EnsureAln(ctx, primaryHash, func() ([]byte, error) {
		return w.align(ctx, seqs, params, set)
	})
	if err != nil {
		return bioseq.Alignment{}, fmt.Errorf("%w: %v", apperr.ErrAlignerFailure, err)
	}
	alnSeqs, err := bioseq.ReadFasta(alnData)
	if err != nil {
		return bioseq.Alignment{}, fmt.Errorf("%w: %v", apperr.ErrParseFailure, err)
	}
	return bioseq.Alignment{Sequences: alnSeqs}, nil
}

// runChunk implements PlanOrRun -> Score -> Publish for one chunk
// (k=n=1 for an unsplit primary), scoring only pairs against the
// already-prepared aln/ss2.
func (w *Worker) runChunk(ctx context.Context, primaryHash string, k, n int, aln bioseq.Alignment, ss2 map[string]bioseq.SS2Frame, pairs []bioseq.Pair, params queue.JobParams, set scoring.Set, log *logger.Logger) error {
	frame, err := w.score(ctx, aln, ss2, pairs, params, set)
	if err != nil {
		return err
	}
	frame, err = set.ScoreFinalizer.SetFinalSimScores(frame)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrBrokenInvariant, err)
	}

	if n == 1 {
		// An unsplit primary's score frame IS the final graph — there is
		// no fan-in to aggregate, so it is written straight to
		// <id_hash>.graph rather than an intermediate .sim_df.
		if _, err := w.sc.EnsureGraph(ctx, primaryHash, func() ([]byte, error) {
			return bioseq.EncodeScoreFrame(frame), nil
		}); err != nil {
			return err
		}
		return w.publishPrimary(ctx, primaryHash, params, log)
	}

	if err := w.sc.WriteSimDF(primaryHash, k, n, bioseq.EncodeScoreFrame(frame)); err != nil {
		return err
	}
	return w.publishChunk(ctx, primaryHash, k, n, params, log)
}

func (w *Worker) align(ctx context.Context, seqs []bioseq.Sequence, params queue.JobParams, set scoring.Set) ([]byte, error) {
	aln, err := set.Aligner.GenerateMSA(ctx, seqs, params.AlignerParams)
	if err != nil {
		return nil, err
	}
	aln, err = set.Trimmer.Trim(ctx, seqs, params.TrimThresholds, aln)
	if err != nil {
		return nil, err
	}
	return bioseq.WriteFasta(aln.Sequences), nil
}

func (w *Worker) loadSS2(psiPredDir string, seqs []bioseq.Sequence, set scoring.Set) (map[string]bioseq.SS2Frame, error) {
	frames := make(map[string]bioseq.SS2Frame, len(seqs))
	for _, s := range seqs {
		path := filepath.Join(psiPredDir, s.Name+".ss2")
		frame, err := set.SS2Reader.ReadSS2(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrMissingScratch, err)
		}
		frames[s.Name] = frame
	}
	return frames, nil
}

// loadSubjobSS2 reads the ss2 frames referenced by pairs from the
// primary hash's shared sub-job directory — copies the splitting
// worker already wrote via subjob.Planner.Split, post-psipred-update,
// so a chunk worker never touches the external psipred directory or
// the updater itself.
func (w *Worker) loadSubjobSS2(primaryHash string, pairs []bioseq.Pair) (map[string]bioseq.SS2Frame, error) {
	needed := make(map[string]struct{})
	for _, p := range pairs {
		needed[p.A] = struct{}{}
		needed[p.B] = struct{}{}
	}
	frames := make(map[string]bioseq.SS2Frame, len(needed))
	for name := range needed {
		data, err := w.sc.ReadSS2(primaryHash, name)
		if err != nil {
			return nil, err
		}
		frame, err := bioseq.DecodeSS2Frame(name, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrParseFailure, err)
		}
		frames[name] = frame
	}
	return frames, nil
}

// score fans pairwise comparisons out across max(1, cpus-1) goroutines,
// bounded by errgroup.SetLimit, in place of br.run_multicore_function's
// multiprocessing pool. pairs is supplied explicitly by the caller
// rather than derived from aln.Sequences, since a sub-job's chunk only
// covers a subset of the primary's full pair list.
func (w *Worker) score(ctx context.Context, aln bioseq.Alignment, ss2 map[string]bioseq.SS2Frame, pairs []bioseq.Pair, params queue.JobParams, set scoring.Set) (bioseq.ScoreFrame, error) {
	rows := make([]bioseq.ScoreRow, len(pairs))
	limit := w.cfg.MaxCPUs - 1
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for idx, p := range pairs {
		idx, p := idx, p
		g.Go(func() error {
			subsmat, psi, err := set.PairScorer.ScorePair(gctx, p.A, p.B, ss2[p.A], ss2[p.B], aln, params.GapOpen, params.GapExtend)
			if err != nil {
				return fmt.Errorf("%w: %v", apperr.ErrBrokenInvariant, err)
			}
			rows[idx] = bioseq.ScoreRow{SeqA: p.A, SeqB: p.B, SubsMatScore: subsmat, PSIScore: psi}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return bioseq.ScoreFrame{}, err
	}
	return bioseq.ScoreFrame{Rows: rows}, nil
}

func (w *Worker) publishPrimary(ctx context.Context, primaryHash string, params queue.JobParams, log *logger.Logger) error {
	result, err := w.qs.PublishComplete(ctx, primaryHash, w.id, params.MasterID)
	if err != nil {
		return err
	}
	if !result.Wanted {
		log.Info("publish found no waiting masters, discarding result")
		if err := w.qs.Abandon(ctx, primaryHash, w.id); err != nil {
			return err
		}
		return w.sc.DeleteArtifacts(primaryHash)
	}
	if result.Published {
		log.Info("primary job published")
	}
	return nil
}

func (w *Worker) publishChunk(ctx context.Context, primaryHash string, k, n int, params queue.JobParams, log *logger.Logger) error {
	pub, err := w.planner.PublishChunk(ctx, primaryHash, k, n, w.id, params.MasterID)
	if err != nil {
		return err
	}
	if !pub.FanInComplete {
		return nil
	}
	log.Info("fan-in complete, aggregating sub-job results", "num_subjobs", n)
	return w.aggregateAndFinalize(ctx, primaryHash, n, params, log)
}

// aggregateAndFinalize merges every chunk's sim_df into the primary's
// final graph and completes the primary. Any worker that happens to
// publish the last chunk does this work; duplicate aggregation from a
// racing worker is harmless since PublishPrimaryFanIn's complete-row
// insert is idempotent.
func (w *Worker) aggregateAndFinalize(ctx context.Context, primaryHash string, numSubjobs int, params queue.JobParams, log *logger.Logger) error {
	_, err := w.sc.EnsureGraph(ctx, primaryHash, func() ([]byte, error) {
		var merged bioseq.ScoreFrame
		for k := 1; k <= numSubjobs; k++ {
			data, err := w.sc.ReadSimDF(primaryHash, k, numSubjobs)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", apperr.ErrMissingScratch, err)
			}
			frame, err := bioseq.DecodeScoreFrame(data)
			if err != nil {
				return nil, err
			}
			merged.Rows = append(merged.Rows, frame.Rows...)
		}
		return bioseq.EncodeScoreFrame(merged), nil
	})
	if err != nil {
		return err
	}

	result, err := w.qs.PublishPrimaryFanIn(ctx, primaryHash, w.id, params.MasterID)
	if err != nil {
		return err
	}
	if !result.Wanted {
		log.Info("fan-in result has no waiting masters, discarding")
		return w.sc.DeleteArtifacts(primaryHash)
	}
	if err := w.sc.DeleteSubjobDir(primaryHash); err != nil {
		log.Warn("failed to sweep sub-job scratch directory", "hash", primaryHash, "err", err)
	}
	return nil
}
