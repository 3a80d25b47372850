package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pairfarm/seqfarm/internal/apperr"
	"github.com/pairfarm/seqfarm/internal/bioseq"
	"github.com/pairfarm/seqfarm/internal/gc"
	"github.com/pairfarm/seqfarm/internal/heartbeat"
	"github.com/pairfarm/seqfarm/internal/logger"
	"github.com/pairfarm/seqfarm/internal/queue"
	"github.com/pairfarm/seqfarm/internal/scoring"
	"github.com/pairfarm/seqfarm/internal/scoring/builtin"
	"github.com/pairfarm/seqfarm/internal/scratch"
	"github.com/pairfarm/seqfarm/internal/subjob"
)

type testRig struct {
	w         *Worker
	qs        *queue.Store
	sc        *scratch.Store
	hb        *heartbeat.Registry
	psiPred   string
	workDir   string
}

func newTestRig(t *testing.T, cpus, k int) *testRig {
	t.Helper()
	log, err := logger.New("production")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	dir := t.TempDir()
	qs, err := queue.Open(log, filepath.Join(dir, "work_db.sqlite"))
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	hb, err := heartbeat.Open(log, filepath.Join(dir, "heartbeat_db.sqlite"))
	if err != nil {
		t.Fatalf("heartbeat.Open: %v", err)
	}
	sc, err := scratch.Open(log, dir)
	if err != nil {
		t.Fatalf("scratch.Open: %v", err)
	}
	registry := scoring.NewRegistry()
	registry.Register("builtin", builtin.Set())
	gcC := gc.New(log, hb, qs, sc, time.Hour)
	planner := subjob.New(qs, sc, cpus, k)

	psiPred := filepath.Join(dir, "psipred")
	if err := os.MkdirAll(psiPred, 0o755); err != nil {
		t.Fatalf("mkdir psipred: %v", err)
	}

	cfg := Config{
		WorkDir:        dir,
		HeartRate:      time.Hour,
		MaxWait:        time.Hour,
		DeadThreadWait: time.Hour,
		MaxCPUs:        cpus,
		JobSize:        k,
	}
	w := New("worker-1", cfg, qs, sc, hb, gcC, planner, registry, log)
	return &testRig{w: w, qs: qs, sc: sc, hb: hb, psiPred: psiPred, workDir: dir}
}

func writeSS2(t *testing.T, dir, name string) {
	t.Helper()
	data := builtin.WriteSS2Bytes(bioseq.SS2Frame{Helix: []float64{0.5, 0.5, 0.5}})
	if err := os.WriteFile(filepath.Join(dir, name+".ss2"), data, 0o644); err != nil {
		t.Fatalf("write ss2 fixture: %v", err)
	}
}

func seqs3() []bioseq.Sequence {
	return []bioseq.Sequence{
		{Name: "a", Residues: "MKV"},
		{Name: "b", Residues: "MKL"},
		{Name: "c", Residues: "MKQ"},
	}
}

func TestProcessPrimaryUnsplitWritesGraphFile(t *testing.T) {
	rig := newTestRig(t, 8, 8) // split threshold = 64 pairs, well above the 3 pairs of 3 sequences
	ctx := context.Background()
	params := queue.JobParams{MasterID: "m1", AlignerName: "builtin", PsiPredDir: rig.psiPred, GapOpen: -5, GapExtend: -2}

	for _, s := range seqs3() {
		writeSS2(t, rig.psiPred, s.Name)
	}
	if err := rig.qs.EnqueuePrimary(ctx, "foo", params); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := rig.sc.WriteSeqs("foo", bioseq.WriteFasta(seqs3())); err != nil {
		t.Fatalf("write seqs: %v", err)
	}
	claimed, err := rig.qs.ClaimOne(ctx, "worker-1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimOne: %v, %+v", err, claimed)
	}

	if err := rig.w.process(ctx, claimed); err != nil {
		t.Fatalf("process: %v", err)
	}

	graphData, err := rig.sc.ReadGraph("foo")
	if err != nil {
		t.Fatalf("ReadGraph: %v (the unsplit-primary .graph invariant was not honored)", err)
	}
	frame, err := bioseq.DecodeScoreFrame(graphData)
	if err != nil {
		t.Fatalf("DecodeScoreFrame: %v", err)
	}
	if len(frame.Rows) != 3 { // 3 choose 2
		t.Fatalf("graph has %d rows, want 3", len(frame.Rows))
	}

	if row, err := rig.qs.CollectComplete(ctx, "foo"); err != nil || row == nil {
		t.Fatalf("CollectComplete: %v, %+v", err, row)
	}
}

func TestProcessPrimaryMissingScratchIsFatal(t *testing.T) {
	rig := newTestRig(t, 8, 8)
	ctx := context.Background()
	params := queue.JobParams{MasterID: "m1", AlignerName: "builtin", PsiPredDir: rig.psiPred}

	if err := rig.qs.EnqueuePrimary(ctx, "ghost", params); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Deliberately never write ghost.seqs to scratch.
	claimed, err := rig.qs.ClaimOne(ctx, "worker-1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimOne: %v, %+v", err, claimed)
	}

	err = rig.w.process(ctx, claimed)
	if !errors.Is(err, apperr.ErrFatalPrimaryJob) {
		t.Fatalf("process err=%v, want apperr.ErrFatalPrimaryJob for a missing-scratch primary job", err)
	}
	if !errors.Is(err, apperr.ErrMissingScratch) {
		t.Fatalf("process err=%v, want it to also wrap apperr.ErrMissingScratch", err)
	}
}

func TestProcessSubjobMissingScratchAbandonsAndContinues(t *testing.T) {
	rig := newTestRig(t, 8, 8)
	ctx := context.Background()
	params := queue.JobParams{MasterID: "m1", AlignerName: "builtin", PsiPredDir: rig.psiPred}

	hash := queue.CompoundHash(1, 2, "ghost")
	if err := rig.qs.EnqueuePrimary(ctx, hash, params); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Deliberately never write ghost.aln: a sub-job reuses the primary's
	// alignment rather than producing its own, so a missing .aln (not a
	// missing .seqs, since a sub-job no longer has one) is the abandonable
	// failure mode here.
	claimed, err := rig.qs.ClaimOne(ctx, "worker-1")
	if err != nil || claimed == nil {
		t.Fatalf("ClaimOne: %v, %+v", err, claimed)
	}

	if err := rig.w.process(ctx, claimed); err != nil {
		t.Fatalf("process on a missing-scratch sub-job should abandon cleanly, got err=%v", err)
	}

	has, err := rig.qs.HasProcessingRow(ctx, hash)
	if err != nil {
		t.Fatalf("HasProcessingRow: %v", err)
	}
	if has {
		t.Fatalf("processing row for %q still present after abandon, want none", hash)
	}
}

func TestProcessPrimarySplitsAndFansIn(t *testing.T) {
	rig := newTestRig(t, 2, 2) // split threshold = cpus*k = 4 pairs, under the 15 pairs of our 6 sequences
	ctx := context.Background()
	params := queue.JobParams{MasterID: "m1", AlignerName: "builtin", PsiPredDir: rig.psiPred, GapOpen: -5, GapExtend: -2}

	seqs := make([]bioseq.Sequence, 6)
	for i := range seqs {
		name := string(rune('a' + i))
		seqs[i] = bioseq.Sequence{Name: name, Residues: "MKV"}
		writeSS2(t, rig.psiPred, name)
	}

	if err := rig.qs.EnqueuePrimary(ctx, "big", params); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := rig.sc.WriteSeqs("big", bioseq.WriteFasta(seqs)); err != nil {
		t.Fatalf("write seqs: %v", err)
	}

	claimed, err := rig.qs.ClaimOne(ctx, "worker-1")
	if err != nil || claimed == nil {
		t.Fatalf("claim primary: %v, %+v", err, claimed)
	}
	if err := rig.w.process(ctx, claimed); err != nil {
		t.Fatalf("process primary (triggers split): %v", err)
	}

	// Chunk 1 is retained and run by the splitting worker; the remaining
	// chunks must now be claimable from the queue.
	for {
		claimed, err := rig.qs.ClaimOne(ctx, "worker-1")
		if err != nil {
			t.Fatalf("claim chunk: %v", err)
		}
		if claimed == nil {
			break
		}
		if err := rig.w.process(ctx, claimed); err != nil {
			t.Fatalf("process chunk %s: %v", claimed.Hash, err)
		}
	}

	graphData, err := rig.sc.ReadGraph("big")
	if err != nil {
		t.Fatalf("ReadGraph after fan-in: %v", err)
	}
	frame, err := bioseq.DecodeScoreFrame(graphData)
	if err != nil {
		t.Fatalf("DecodeScoreFrame: %v", err)
	}
	if len(frame.Rows) != 15 { // 6 choose 2
		t.Fatalf("merged graph has %d rows, want 15", len(frame.Rows))
	}
	if row, err := rig.qs.CollectComplete(ctx, "big"); err != nil || row == nil {
		t.Fatalf("CollectComplete: %v, %+v", err, row)
	}
}

func TestCrashBudgetReturnsErrTooManyCrashes(t *testing.T) {
	rig := newTestRig(t, 8, 8)
	for i := 0; i < maxCrashes; i++ {
		rig.w.recordCrash()
	}
	if !rig.w.crashedTooMuch() {
		t.Fatal("expected crash budget to be exhausted after maxCrashes crashes")
	}
}

func TestCrashBudgetExpiresOldCrashes(t *testing.T) {
	rig := newTestRig(t, 8, 8)
	rig.w.mu.Lock()
	for i := 0; i < maxCrashes; i++ {
		rig.w.crashTimes = append(rig.w.crashTimes, time.Now().Add(-crashWindow-time.Second))
	}
	rig.w.mu.Unlock()
	rig.w.recordCrash() // one fresh crash; the rest should have aged out
	if rig.w.crashedTooMuch() {
		t.Fatal("expired crashes outside crashWindow must not count toward the budget")
	}
}

func TestSentinelRemovalStopsRun(t *testing.T) {
	rig := newTestRig(t, 8, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rig.w.Run(ctx) }()

	sentinel := filepath.Join(rig.workDir, "Worker_worker-1")
	deadline := time.Now().Add(time.Second)
	for {
		if _, err := os.Stat(sentinel); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sentinel file was never created")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := os.Remove(sentinel); err != nil {
		t.Fatalf("remove sentinel: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil after sentinel removal", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after sentinel removal")
	}
}

func TestMasterInactivityExceededTerminatesWorker(t *testing.T) {
	rig := newTestRig(t, 8, 8)
	rig.w.cfg.MaxWait = 50 * time.Millisecond
	rig.w.lastMasterPulse = time.Now().Add(-time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rig.w.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil after master-silence timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not terminate after exceeding MaxWait with no live master")
	}
}

func TestMasterInactivityRefreshedByLiveMasterHeartbeat(t *testing.T) {
	rig := newTestRig(t, 8, 8)
	ctx := context.Background()

	hb, err := rig.hb.Start(ctx, "master-1", heartbeat.ThreadMaster, time.Hour)
	if err != nil {
		t.Fatalf("start master heartbeat: %v", err)
	}
	defer hb.End(ctx)

	rig.w.lastMasterPulse = time.Now().Add(-time.Hour)
	rig.w.cfg.MaxWait = time.Hour

	stale, since := rig.w.masterInactivityExceeded(ctx)
	if stale {
		t.Fatalf("master-liveness check reported stale (since=%v) despite a live master heartbeat row", since)
	}
	if since > time.Minute {
		t.Fatalf("lastMasterPulse was not refreshed from the live master's heartbeat row, since=%v", since)
	}
}
