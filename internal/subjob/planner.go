// Package subjob implements the fan-out/fan-in protocol for primary
// jobs too large for one worker to align and score in a reasonable
// window. Grounded on the original launch_worker.py's
// spawn_subjobs/load_subjob/process_subjob: a primary job with more
// sequence pairs than a single worker should chew on has its pair list
// split into num_subjobs roughly equal chunks, each enqueued as its own compound
// hash "<k>_<n>_<id_hash>"; the splitting worker keeps chunk 1 for
// itself instead of re-claiming it through the queue.
package subjob

import (
	"context"
	"fmt"

	"github.com/pairfarm/seqfarm/internal/bioseq"
	"github.com/pairfarm/seqfarm/internal/queue"
	"github.com/pairfarm/seqfarm/internal/scratch"
)

// Planner holds the sizing constants used to decide whether and how to
// split a primary job.
type Planner struct {
	qs   *queue.Store
	sc   *scratch.Store
	cpus int
	k    int
}

// New returns a Planner. cpus is the worker's configured CPU budget; k
// is the target number of sequence pairs one CPU can comfortably score
// in one pass (the job_size constant).
func New(qs *queue.Store, sc *scratch.Store, cpus, k int) *Planner {
	if cpus < 1 {
		cpus = 1
	}
	if k < 1 {
		k = 1
	}
	return &Planner{qs: qs, sc: sc, cpus: cpus, k: k}
}

// ShouldSplit reports whether a primary job of numPairs pairwise
// comparisons exceeds this worker's single-pass capacity (P > C*K).
// The unit is the pair count, not the sequence count: a job's scoring
// cost scales with n*(n-1)/2 comparisons, so that's what the planner
// partitions across chunks.
func (p *Planner) ShouldSplit(numPairs int) bool {
	return numPairs > p.cpus*p.k
}

// NumSubjobs computes ceil(P / (C*K)).
func (p *Planner) NumSubjobs(numPairs int) int {
	return ceilDiv(numPairs, p.cpus*p.k)
}

// JobSize computes ceil(P / num_subjobs), the chunk size used to slice
// the pair list.
func (p *Planner) JobSize(numPairs, numSubjobs int) int {
	return ceilDiv(numPairs, numSubjobs)
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// Split partitions pairs into numSubjobs roughly-equal chunks. Every
// chunk's pair-id list (1..N, including the splitting worker's own
// chunk 1) is written under the primary hash's shared sub-job
// directory, along with one .ss2 copy per sequence referenced by
// pairs, so a sibling chunk worker never needs to realign or rerun
// psipred: it only reads what's already there. Chunks 2..N are then
// enqueued; chunk 1's pairs are returned for the splitting worker to
// score inline. InsertSubjobs happens only after every scratch write
// lands, so no sibling worker can observe a queue row for a chunk
// whose pair-id file isn't on disk yet.
func (p *Planner) Split(ctx context.Context, primaryHash, splittingWorkerID string, pairs []bioseq.Pair, ss2 map[string]bioseq.SS2Frame, params queue.JobParams) ([]bioseq.Pair, int, error) {
	numSubjobs := p.NumSubjobs(len(pairs))
	if numSubjobs < 2 {
		return nil, 0, fmt.Errorf("subjob: Split called on a job that doesn't need splitting (num_subjobs=%d)", numSubjobs)
	}
	jobSize := p.JobSize(len(pairs), numSubjobs)
	chunks := chunkPairs(pairs, jobSize, numSubjobs)

	for name, frame := range ss2 {
		if err := p.sc.WriteSS2(primaryHash, name, bioseq.EncodeSS2Frame(frame)); err != nil {
			return nil, 0, err
		}
	}
	for k := 1; k <= numSubjobs; k++ {
		if err := p.sc.WritePairList(primaryHash, k, numSubjobs, bioseq.WritePairs(chunks[k-1])); err != nil {
			return nil, 0, err
		}
	}
	if err := p.qs.InsertSubjobs(ctx, primaryHash, splittingWorkerID, numSubjobs, params); err != nil {
		return nil, 0, err
	}
	return chunks[0], numSubjobs, nil
}

func chunkPairs(pairs []bioseq.Pair, jobSize, numSubjobs int) [][]bioseq.Pair {
	chunks := make([][]bioseq.Pair, 0, numSubjobs)
	for i := 0; i < len(pairs); i += jobSize {
		end := i + jobSize
		if end > len(pairs) {
			end = len(pairs)
		}
		chunks = append(chunks, pairs[i:end])
	}
	for len(chunks) < numSubjobs {
		chunks = append(chunks, nil)
	}
	return chunks
}

// PublishResult reports the outcome of publishing one chunk's result,
// including whether this call completed the fan-in for the primary.
type PublishResult struct {
	queue.PublishResult
	FanInComplete bool
}

// PublishChunk records one chunk's completion and reports whether all
// numSubjobs chunks are now complete (the fan-in fence). Grounded on
// process_subjob's conditional insert into `complete` gated by the
// compound hash's primary key: the loser of a race simply observes the
// row already present and moves on without republishing.
func (p *Planner) PublishChunk(ctx context.Context, primaryHash string, k, numSubjobs int, workerID, masterID string) (PublishResult, error) {
	compoundHash := queue.CompoundHash(k, numSubjobs, primaryHash)
	result, siblings, err := p.qs.PublishSubjobComplete(ctx, primaryHash, compoundHash, workerID, masterID)
	if err != nil {
		return PublishResult{}, err
	}
	return PublishResult{PublishResult: result, FanInComplete: siblings >= int64(numSubjobs)}, nil
}
