// Package scoring declares the external collaborators the worker loop
// dispatches to during Align/ReadAlign/Score: the aligner, trim
// filter, psipred reader/updater, pair scorer, and score finalizer.
// Real bioinformatics implementations of these interfaces are
// explicitly out of scope for this repository; a deterministic
// reference implementation lives in scoring/builtin for tests and as
// a registry placeholder.
package scoring

import (
	"context"

	"github.com/pairfarm/seqfarm/internal/bioseq"
)

// Aligner produces a multiple sequence alignment from raw sequences.
type Aligner interface {
	GenerateMSA(ctx context.Context, seqs []bioseq.Sequence, params string) (bioseq.Alignment, error)
}

// Trimmer removes alignment columns/sequences below the given
// confidence thresholds.
type Trimmer interface {
	Trim(ctx context.Context, seqs []bioseq.Sequence, thresholds []float64, aln bioseq.Alignment) (bioseq.Alignment, error)
}

// SS2Reader parses a psipred secondary-structure prediction file.
type SS2Reader interface {
	ReadSS2(path string) (bioseq.SS2Frame, error)
}

// PsipredUpdater reconciles psipred frames against a realigned MSA
// (residues shift as gaps are introduced/removed between stages).
type PsipredUpdater interface {
	UpdatePsipred(aln bioseq.Alignment, dfs map[string]bioseq.SS2Frame, stage string) (map[string]bioseq.SS2Frame, error)
}

// PairScorer computes the two component scores for one sequence pair.
type PairScorer interface {
	ScorePair(ctx context.Context, seq1, seq2 string, ss2A, ss2B bioseq.SS2Frame, aln bioseq.Alignment, gapOpen, gapExtend float64) (subsmat, psi float64, err error)
}

// ScoreFinalizer combines the component scores into the final
// similarity score published on each row of a ScoreFrame.
type ScoreFinalizer interface {
	SetFinalSimScores(frame bioseq.ScoreFrame) (bioseq.ScoreFrame, error)
}

// Set bundles one full collaborator implementation, the unit the
// worker loop and the Registry operate on.
type Set struct {
	Aligner        Aligner
	Trimmer        Trimmer
	SS2Reader      SS2Reader
	PsipredUpdater PsipredUpdater
	PairScorer     PairScorer
	ScoreFinalizer ScoreFinalizer
}

// Registry maps an aligner name (as carried on the queue row) to the
// collaborator Set that should handle it, a job_type -> Handler style
// registry repurposed for aligner-name -> Set dispatch.
type Registry struct {
	sets map[string]Set
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sets: map[string]Set{}}
}

// Register associates name with set, overwriting any prior entry.
func (r *Registry) Register(name string, set Set) {
	r.sets[name] = set
}

// Lookup returns the Set registered for name, or ok=false if none was.
func (r *Registry) Lookup(name string) (Set, bool) {
	set, ok := r.sets[name]
	return set, ok
}
