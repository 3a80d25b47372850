// Package bioseq holds the small shared value types the scoring
// interfaces and the sub-job planner exchange: sequences, alignments,
// psipred secondary-structure frames, and score frames. None of this
// implements any actual bioinformatics — the real algorithms are the
// external collaborators, deliberately out of scope here. This package
// only gives them a common vocabulary plus a minimal FASTA codec so
// the planner can split and reassemble input.
package bioseq

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Sequence is one named protein sequence.
type Sequence struct {
	Name     string
	Residues string
}

// Alignment is a multiple sequence alignment: same sequences, gapped to
// equal length.
type Alignment struct {
	Sequences []Sequence
}

// SS2Frame is a parsed psipred .ss2 secondary-structure prediction for
// one sequence: one confidence triple (coil, helix, strand) per residue.
type SS2Frame struct {
	SeqName string
	Coil    []float64
	Helix   []float64
	Strand  []float64
}

// ScoreFrame is the pairwise result table a worker produces for one
// job: one row per sequence pair.
type ScoreFrame struct {
	Rows []ScoreRow
}

type ScoreRow struct {
	SeqA, SeqB   string
	SubsMatScore float64
	PSIScore     float64
	FinalScore   float64
}

// WriteFasta encodes seqs in FASTA format.
func WriteFasta(seqs []Sequence) []byte {
	var buf bytes.Buffer
	for _, s := range seqs {
		fmt.Fprintf(&buf, ">%s\n%s\n", s.Name, s.Residues)
	}
	return buf.Bytes()
}

// ReadFasta parses FASTA-encoded data into Sequences, preserving order.
func ReadFasta(data []byte) ([]Sequence, error) {
	var seqs []Sequence
	var cur *Sequence
	var body strings.Builder

	flush := func() {
		if cur != nil {
			cur.Residues = body.String()
			seqs = append(seqs, *cur)
		}
		body.Reset()
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ">") {
			flush()
			cur = &Sequence{Name: strings.TrimSpace(line[1:])}
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("bioseq: fasta data before header")
		}
		body.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	return seqs, nil
}

// Pair is one unordered sequence-name pair scheduled for pairwise
// scoring, the unit the sub-job planner partitions across chunks
// (spec §4.6: the planner splits the pair list, not the sequence
// list).
type Pair struct {
	A, B string
}

// AllPairs returns every unordered pair i<j over names, the full
// all-by-all pair list for a cluster of len(names) sequences
// (n*(n-1)/2 entries).
func AllPairs(names []string) []Pair {
	var pairs []Pair
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			pairs = append(pairs, Pair{A: names[i], B: names[j]})
		}
	}
	return pairs
}

// WritePairs renders pairs as tab-separated "seqA\tseqB" lines, the
// on-disk format for a sub-job's <k>_of_<n>.txt pair-id list.
func WritePairs(pairs []Pair) []byte {
	var buf bytes.Buffer
	for _, p := range pairs {
		fmt.Fprintf(&buf, "%s\t%s\n", p.A, p.B)
	}
	return buf.Bytes()
}

// ReadPairs parses the format WritePairs produces.
func ReadPairs(data []byte) ([]Pair, error) {
	var pairs []Pair
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			return nil, fmt.Errorf("bioseq: malformed pair line %q", line)
		}
		pairs = append(pairs, Pair{A: fields[0], B: fields[1]})
	}
	return pairs, scanner.Err()
}

// EncodeSS2Frame renders frame in the plain-text "coil helix strand"
// per-residue format, used to copy an already-updated psipred
// dataframe into a sub-job's scratch directory so sibling chunk
// workers can reuse it instead of recomputing the psipred update
// themselves.
func EncodeSS2Frame(frame SS2Frame) []byte {
	var buf bytes.Buffer
	for i := range frame.Coil {
		fmt.Fprintf(&buf, "%g %g %g\n", frame.Coil[i], frame.Helix[i], frame.Strand[i])
	}
	return buf.Bytes()
}

// DecodeSS2Frame parses the format EncodeSS2Frame produces, labeling
// the result with seqName (the copied file's base name).
func DecodeSS2Frame(seqName string, data []byte) (SS2Frame, error) {
	frame := SS2Frame{SeqName: seqName}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var coil, helix, strand float64
		if _, err := fmt.Sscanf(line, "%g %g %g", &coil, &helix, &strand); err != nil {
			return SS2Frame{}, fmt.Errorf("bioseq: malformed ss2 line %q", line)
		}
		frame.Coil = append(frame.Coil, coil)
		frame.Helix = append(frame.Helix, helix)
		frame.Strand = append(frame.Strand, strand)
	}
	return frame, scanner.Err()
}

// SortedNames returns sequence names in a stable, deterministic order,
// used by the builtin reference scorer and by tests.
func SortedNames(seqs []Sequence) []string {
	names := make([]string, len(seqs))
	for i, s := range seqs {
		names[i] = s.Name
	}
	sort.Strings(names)
	return names
}

// HashJob derives the content-addressed id_hash for a primary job:
// the same sequences submitted with the same parameters always hash
// to the same id_hash, so two masters submitting identical work
// collapse onto one queue entry instead of computing it twice.
// Sequences are sorted by name first so submission order never affects
// the hash.
func HashJob(seqs []Sequence, alignerName, alignerParams string, trimThresholds []float64, gapOpen, gapExtend float64) string {
	sorted := make([]Sequence, len(seqs))
	copy(sorted, seqs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	for _, s := range sorted {
		fmt.Fprintf(h, ">%s\n%s\n", s.Name, s.Residues)
	}
	fmt.Fprintf(h, "|%s|%s|%v|%g|%g", alignerName, alignerParams, trimThresholds, gapOpen, gapExtend)
	return hex.EncodeToString(h.Sum(nil))
}

// EncodeScoreFrame renders frame as tab-separated rows, the on-disk
// format for both a chunk's .sim_df and a primary's aggregated .graph.
func EncodeScoreFrame(frame ScoreFrame) []byte {
	var buf bytes.Buffer
	for _, row := range frame.Rows {
		fmt.Fprintf(&buf, "%s\t%s\t%g\t%g\t%g\n", row.SeqA, row.SeqB, row.SubsMatScore, row.PSIScore, row.FinalScore)
	}
	return buf.Bytes()
}

// DecodeScoreFrame parses the format EncodeScoreFrame produces.
func DecodeScoreFrame(data []byte) (ScoreFrame, error) {
	var frame ScoreFrame
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 5 {
			return ScoreFrame{}, fmt.Errorf("bioseq: malformed score row %q", line)
		}
		var row ScoreRow
		row.SeqA, row.SeqB = fields[0], fields[1]
		if _, err := fmt.Sscanf(fields[2], "%g", &row.SubsMatScore); err != nil {
			return ScoreFrame{}, err
		}
		if _, err := fmt.Sscanf(fields[3], "%g", &row.PSIScore); err != nil {
			return ScoreFrame{}, err
		}
		if _, err := fmt.Sscanf(fields[4], "%g", &row.FinalScore); err != nil {
			return ScoreFrame{}, err
		}
		frame.Rows = append(frame.Rows, row)
	}
	return frame, scanner.Err()
}
