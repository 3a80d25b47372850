// Package builtin provides a deterministic, dependency-free
// implementation of every scoring.* interface. It does not perform
// real sequence alignment or structure prediction — that is out of
// scope here — but it is a complete, reproducible stand-in that lets
// the worker loop, sub-job planner, and publish path be exercised
// end-to-end in tests without pulling in an actual bioinformatics
// toolkit.
package builtin

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pairfarm/seqfarm/internal/bioseq"
	"github.com/pairfarm/seqfarm/internal/scoring"
)

// Collaborator implements every scoring.* interface with fixed,
// reproducible logic.
type Collaborator struct{}

// Set returns a scoring.Set backed by Collaborator, ready to register
// under an aligner name.
func Set() scoring.Set {
	c := &Collaborator{}
	return scoring.Set{
		Aligner:        c,
		Trimmer:        c,
		SS2Reader:      c,
		PsipredUpdater: c,
		PairScorer:     c,
		ScoreFinalizer: c,
	}
}

// GenerateMSA right-pads every sequence with gap characters to the
// length of the longest input, which is a valid (if uninteresting)
// multiple sequence alignment.
func (c *Collaborator) GenerateMSA(_ context.Context, seqs []bioseq.Sequence, _ string) (bioseq.Alignment, error) {
	if len(seqs) < 2 {
		return bioseq.Alignment{}, fmt.Errorf("builtin: need at least 2 sequences, got %d", len(seqs))
	}
	maxLen := 0
	for _, s := range seqs {
		if len(s.Residues) > maxLen {
			maxLen = len(s.Residues)
		}
	}
	padded := make([]bioseq.Sequence, len(seqs))
	for i, s := range seqs {
		padded[i] = bioseq.Sequence{Name: s.Name, Residues: s.Residues + strings.Repeat("-", maxLen-len(s.Residues))}
	}
	return bioseq.Alignment{Sequences: padded}, nil
}

// Trim is a no-op: the builtin aligner never introduces columns worth
// filtering, so there is nothing for a trim-filter pass to remove.
func (c *Collaborator) Trim(_ context.Context, _ []bioseq.Sequence, _ []float64, aln bioseq.Alignment) (bioseq.Alignment, error) {
	return aln, nil
}

// ReadSS2 parses a minimal plain-text secondary-structure format: one
// "coil helix strand" triple per line, blank lines and lines starting
// with '#' ignored. The sequence name is taken from the file's base
// name with its extension stripped.
func (c *Collaborator) ReadSS2(path string) (bioseq.SS2Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return bioseq.SS2Frame{}, err
	}
	return c.ReadSS2Bytes(path, data)
}

// ReadSS2Bytes parses in-memory ss2 data, letting tests and the
// scratch-backed wrapper avoid a filesystem round trip.
func (c *Collaborator) ReadSS2Bytes(name string, data []byte) (bioseq.SS2Frame, error) {
	frame := bioseq.SS2Frame{SeqName: strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return bioseq.SS2Frame{}, fmt.Errorf("builtin: malformed ss2 line %q", line)
		}
		coil, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return bioseq.SS2Frame{}, err
		}
		helix, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return bioseq.SS2Frame{}, err
		}
		strand, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return bioseq.SS2Frame{}, err
		}
		frame.Coil = append(frame.Coil, coil)
		frame.Helix = append(frame.Helix, helix)
		frame.Strand = append(frame.Strand, strand)
	}
	return frame, scanner.Err()
}

// WriteSS2Bytes encodes a frame back into the plain-text format
// ReadSS2Bytes understands, used by tests to build fixtures.
func WriteSS2Bytes(frame bioseq.SS2Frame) []byte {
	var buf bytes.Buffer
	for i := range frame.Coil {
		fmt.Fprintf(&buf, "%g %g %g\n", frame.Coil[i], frame.Helix[i], frame.Strand[i])
	}
	return buf.Bytes()
}

// UpdatePsipred is a no-op: the builtin aligner only appends trailing
// gaps, so no existing residue shifts position between stages.
func (c *Collaborator) UpdatePsipred(_ bioseq.Alignment, dfs map[string]bioseq.SS2Frame, _ string) (map[string]bioseq.SS2Frame, error) {
	return dfs, nil
}

// ScorePair computes a percent-identity substitution score over the
// aligned columns where neither sequence has a gap, and a structural
// agreement score from the mean absolute difference in helix
// confidence at those same columns.
func (c *Collaborator) ScorePair(_ context.Context, seq1, seq2 string, ss2A, ss2B bioseq.SS2Frame, aln bioseq.Alignment, gapOpen, gapExtend float64) (float64, float64, error) {
	a, err := findSequence(aln, seq1)
	if err != nil {
		return 0, 0, err
	}
	b, err := findSequence(aln, seq2)
	if err != nil {
		return 0, 0, err
	}
	if len(a.Residues) != len(b.Residues) {
		return 0, 0, fmt.Errorf("builtin: aligned sequences have mismatched length")
	}

	matches, compared := 0, 0
	helixDiffSum, helixCompared := 0.0, 0
	for i := 0; i < len(a.Residues); i++ {
		ca, cb := a.Residues[i], b.Residues[i]
		if ca == '-' || cb == '-' {
			continue
		}
		compared++
		if ca == cb {
			matches++
		}
		if i < len(ss2A.Helix) && i < len(ss2B.Helix) {
			helixDiffSum += math.Abs(ss2A.Helix[i] - ss2B.Helix[i])
			helixCompared++
		}
	}

	subsmat := 0.0
	if compared > 0 {
		subsmat = float64(matches) / float64(compared)
	}
	psi := 0.5
	if helixCompared > 0 {
		psi = 1 - (helixDiffSum / float64(helixCompared))
		if psi < 0 {
			psi = 0
		}
	}
	return subsmat, psi, nil
}

func findSequence(aln bioseq.Alignment, name string) (bioseq.Sequence, error) {
	for _, s := range aln.Sequences {
		if s.Name == name {
			return s, nil
		}
	}
	return bioseq.Sequence{}, fmt.Errorf("builtin: sequence %q not found in alignment", name)
}

// SetFinalSimScores sets FinalScore to the mean of the two component
// scores on every row.
func (c *Collaborator) SetFinalSimScores(frame bioseq.ScoreFrame) (bioseq.ScoreFrame, error) {
	out := bioseq.ScoreFrame{Rows: make([]bioseq.ScoreRow, len(frame.Rows))}
	for i, row := range frame.Rows {
		row.FinalScore = (row.SubsMatScore + row.PSIScore) / 2
		out.Rows[i] = row
	}
	return out, nil
}
