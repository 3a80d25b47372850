package subjob

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pairfarm/seqfarm/internal/bioseq"
	"github.com/pairfarm/seqfarm/internal/logger"
	"github.com/pairfarm/seqfarm/internal/queue"
	"github.com/pairfarm/seqfarm/internal/scratch"
)

func newTestPlanner(t *testing.T, cpus, k int) (*Planner, *queue.Store, *scratch.Store) {
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
	sc, err := scratch.Open(log, dir)
	if err != nil {
		t.Fatalf("scratch.Open: %v", err)
	}
	return New(qs, sc, cpus, k), qs, sc
}

func TestShouldSplitArithmetic(t *testing.T) {
	p, _, _ := newTestPlanner(t, 2, 4)
	cases := []struct {
		numPairs int
		want     bool
	}{
		{numPairs: 8, want: false},
		{numPairs: 9, want: true},
		{numPairs: 100, want: true},
	}
	for _, tc := range cases {
		if got := p.ShouldSplit(tc.numPairs); got != tc.want {
			t.Errorf("ShouldSplit(%d)=%v, want %v", tc.numPairs, got, tc.want)
		}
	}
}

func TestNumSubjobsAndJobSize(t *testing.T) {
	p, _, _ := newTestPlanner(t, 2, 4)
	numPairs := 20
	numSubjobs := p.NumSubjobs(numPairs)
	if numSubjobs != 3 { // ceil(20/8) = 3
		t.Fatalf("NumSubjobs(20)=%d, want 3", numSubjobs)
	}
	jobSize := p.JobSize(numPairs, numSubjobs)
	if jobSize != 7 { // ceil(20/3) = 7
		t.Fatalf("JobSize(20,3)=%d, want 7", jobSize)
	}
}

func makeSeqs(n int) []bioseq.Sequence {
	seqs := make([]bioseq.Sequence, n)
	for i := range seqs {
		seqs[i] = bioseq.Sequence{Name: fmtName(i), Residues: "MKV"}
	}
	return seqs
}

func fmtName(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return "seq_" + string(letters[i%len(letters)]) + string(rune('0'+i/len(letters)))
}

func makePairs(n int) []bioseq.Pair {
	names := make([]string, n)
	for i := range names {
		names[i] = fmtName(i)
	}
	return bioseq.AllPairs(names)
}

func makeSS2(n int) map[string]bioseq.SS2Frame {
	ss2 := make(map[string]bioseq.SS2Frame, n)
	for i := 0; i < n; i++ {
		name := fmtName(i)
		ss2[name] = bioseq.SS2Frame{SeqName: name, Coil: []float64{0.5}, Helix: []float64{0.3}, Strand: []float64{0.2}}
	}
	return ss2
}

func TestSplitAndFanIn(t *testing.T) {
	p, qs, sc := newTestPlanner(t, 2, 4) // split threshold = 8 pairs
	ctx := context.Background()
	// 6 sequences -> 15 pairs, well over the threshold of 8.
	pairs := makePairs(6)
	ss2 := makeSS2(6)
	params := queue.JobParams{MasterID: "m1", AlignerName: "builtin"}

	if err := qs.EnqueuePrimary(ctx, "big", params); err != nil {
		t.Fatalf("enqueue primary: %v", err)
	}
	if _, err := qs.ClaimOne(ctx, "splitter"); err != nil {
		t.Fatalf("claim primary: %v", err)
	}

	first, numSubjobs, err := p.Split(ctx, "big", "splitter", pairs, ss2, params)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if numSubjobs != 2 { // ceil(15/8) = 2
		t.Fatalf("numSubjobs=%d, want 2", numSubjobs)
	}
	if len(first) != 8 { // ceil(15/2) = 8
		t.Fatalf("first chunk has %d pairs, want 8", len(first))
	}

	// Every chunk's pair list, including chunk 1, must already be
	// readable from the shared sub-job directory, and every sequence's
	// ss2 frame must have been copied there once.
	total := 0
	for k := 1; k <= numSubjobs; k++ {
		data, err := sc.ReadPairList("big", k, numSubjobs)
		if err != nil {
			t.Fatalf("chunk %d pair list not written: %v", k, err)
		}
		chunkPairs, err := bioseq.ReadPairs(data)
		if err != nil {
			t.Fatalf("chunk %d pair list unparsable: %v", k, err)
		}
		total += len(chunkPairs)
	}
	if total != len(pairs) {
		t.Fatalf("chunks cover %d pairs, want %d", total, len(pairs))
	}
	for name := range ss2 {
		if _, err := sc.ReadSS2("big", name); err != nil {
			t.Fatalf("ss2 frame for %s not copied: %v", name, err)
		}
	}

	pub, err := p.PublishChunk(ctx, "big", 1, numSubjobs, "splitter", "m1")
	if err != nil {
		t.Fatalf("PublishChunk 1: %v", err)
	}
	if pub.FanInComplete {
		t.Fatal("fan-in reported complete after only 1 of 2 chunks")
	}

	for k := 2; k <= numSubjobs; k++ {
		hash := queue.CompoundHash(k, numSubjobs, "big")
		claimed, err := qs.ClaimOne(ctx, "worker2")
		if err != nil || claimed == nil || claimed.Hash != hash {
			t.Fatalf("claim chunk %d: %v, %+v", k, err, claimed)
		}
		pub, err := p.PublishChunk(ctx, "big", k, numSubjobs, "worker2", "m1")
		if err != nil {
			t.Fatalf("PublishChunk %d: %v", k, err)
		}
		if k == numSubjobs && !pub.FanInComplete {
			t.Fatal("fan-in not reported complete after final chunk")
		}
	}
}

func TestSplitRejectsUnsplittableJob(t *testing.T) {
	p, qs, _ := newTestPlanner(t, 100, 100) // split threshold = 10000 pairs
	ctx := context.Background()
	params := queue.JobParams{MasterID: "m1", AlignerName: "builtin"}
	if err := qs.EnqueuePrimary(ctx, "small", params); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := qs.ClaimOne(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := p.Split(ctx, "small", "w1", makePairs(4), makeSS2(4), params); err == nil {
		t.Fatal("expected Split to reject a job under the split threshold")
	}
}
