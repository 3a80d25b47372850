package master

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pairfarm/seqfarm/internal/apperr"
	"github.com/pairfarm/seqfarm/internal/bioseq"
	"github.com/pairfarm/seqfarm/internal/heartbeat"
	"github.com/pairfarm/seqfarm/internal/logger"
	"github.com/pairfarm/seqfarm/internal/queue"
	"github.com/pairfarm/seqfarm/internal/scratch"
)

func newTestClient(t *testing.T) (*Client, *queue.Store, *scratch.Store) {
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
	hbReg, err := heartbeat.Open(log, filepath.Join(dir, "heartbeat_db.sqlite"))
	if err != nil {
		t.Fatalf("heartbeat.Open: %v", err)
	}
	sc, err := scratch.Open(log, dir)
	if err != nil {
		t.Fatalf("scratch.Open: %v", err)
	}
	return New("master-1", qs, sc, hbReg, time.Hour, log), qs, sc
}

func testSeqs() []bioseq.Sequence {
	return []bioseq.Sequence{
		{Name: "a", Residues: "MKV"},
		{Name: "b", Residues: "MKL"},
	}
}

func TestSubmitIsContentAddressedAndIdempotent(t *testing.T) {
	c, _, sc := newTestClient(t)
	ctx := context.Background()
	params := queue.JobParams{AlignerName: "builtin"}

	hash1, err := c.Submit(ctx, testSeqs(), params)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	hash2, err := c.Submit(ctx, testSeqs(), params)
	if err != nil {
		t.Fatalf("re-Submit of identical job: %v", err)
	}
	if hash1 != hash2 {
		t.Fatalf("hash1=%q hash2=%q, want identical content-addressed hashes", hash1, hash2)
	}
	if _, err := sc.ReadSeqs(hash1); err != nil {
		t.Fatalf("scratch seqs not written: %v", err)
	}
}

func TestSubmitRejectsTooFewSequences(t *testing.T) {
	c, _, _ := newTestClient(t)
	if _, err := c.Submit(context.Background(), []bioseq.Sequence{{Name: "a", Residues: "MKV"}}, queue.JobParams{AlignerName: "builtin"}); err == nil {
		t.Fatal("expected error submitting a single-sequence job")
	}
}

func TestAwaitPollsUntilPublished(t *testing.T) {
	c, qs, sc := newTestClient(t)
	ctx := context.Background()
	params := queue.JobParams{AlignerName: "builtin"}

	idHash, err := c.Submit(ctx, testSeqs(), params)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	frame := bioseq.ScoreFrame{Rows: []bioseq.ScoreRow{{SeqA: "a", SeqB: "b", FinalScore: 0.5}}}
	if _, err := sc.EnsureGraph(ctx, idHash, func() ([]byte, error) {
		return bioseq.EncodeScoreFrame(frame), nil
	}); err != nil {
		t.Fatalf("write graph: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		claimed, err := qs.ClaimOne(ctx, "worker-1")
		if err != nil || claimed == nil {
			t.Errorf("ClaimOne: %v, %+v", err, claimed)
			return
		}
		if _, err := qs.PublishComplete(ctx, idHash, "worker-1", "master-1"); err != nil {
			t.Errorf("PublishComplete: %v", err)
		}
	}()

	ctx2, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := c.Await(ctx2, idHash, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if len(got.Rows) != 1 || got.Rows[0].FinalScore != 0.5 {
		t.Fatalf("Await frame=%+v, want one row with FinalScore 0.5", got)
	}

	if row, err := qs.CollectComplete(ctx, idHash); err != nil || row != nil {
		t.Fatalf("complete row survives Await: row=%+v err=%v", row, err)
	}
	if _, err := sc.ReadGraph(idHash); !errors.Is(err, apperr.ErrMissingScratch) {
		t.Fatalf("graph scratch survives Await: err=%v", err)
	}
}

func TestAwaitRespectsContextCancellation(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Await(ctx, "never-published", 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await err=%v, want context.DeadlineExceeded", err)
	}
}

func TestCancelRemovesQueueAndScratch(t *testing.T) {
	c, qs, sc := newTestClient(t)
	ctx := context.Background()
	params := queue.JobParams{AlignerName: "builtin"}

	idHash, err := c.Submit(ctx, testSeqs(), params)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := c.Cancel(ctx, idHash); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := sc.ReadSeqs(idHash); !errors.Is(err, apperr.ErrMissingScratch) {
		t.Fatalf("scratch artifacts survive Cancel: err=%v", err)
	}
	if claimed, err := qs.ClaimOne(ctx, "worker-1"); err != nil || claimed != nil {
		t.Fatalf("queue row survives Cancel: claimed=%+v err=%v", claimed, err)
	}
}

func TestStartCloseLifecycle(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close before Start must be a no-op, not a nil-pointer panic.
	c2, _, _ := newTestClient(t)
	if err := c2.Close(ctx); err != nil {
		t.Fatalf("Close without Start: %v", err)
	}
}
