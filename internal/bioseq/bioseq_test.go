package bioseq

import "testing"

func TestFastaRoundTrip(t *testing.T) {
	seqs := []Sequence{
		{Name: "alpha", Residues: "MKV"},
		{Name: "beta", Residues: "MKVLA"},
	}
	data := WriteFasta(seqs)
	got, err := ReadFasta(data)
	if err != nil {
		t.Fatalf("ReadFasta: %v", err)
	}
	if len(got) != len(seqs) {
		t.Fatalf("got %d sequences, want %d", len(got), len(seqs))
	}
	for i, s := range got {
		if s != seqs[i] {
			t.Fatalf("sequence %d = %+v, want %+v", i, s, seqs[i])
		}
	}
}

func TestReadFastaRejectsBodyBeforeHeader(t *testing.T) {
	if _, err := ReadFasta([]byte("MKV\n")); err == nil {
		t.Fatal("expected error for fasta data before any header")
	}
}

func TestHashJobIgnoresSubmissionOrder(t *testing.T) {
	a := []Sequence{{Name: "alpha", Residues: "MKV"}, {Name: "beta", Residues: "MKVLA"}}
	b := []Sequence{{Name: "beta", Residues: "MKVLA"}, {Name: "alpha", Residues: "MKV"}}

	h1 := HashJob(a, "builtin", "", []float64{0.3}, -5, -2)
	h2 := HashJob(b, "builtin", "", []float64{0.3}, -5, -2)
	if h1 != h2 {
		t.Fatalf("HashJob depends on submission order: %s != %s", h1, h2)
	}
}

func TestHashJobDistinguishesParameters(t *testing.T) {
	seqs := []Sequence{{Name: "alpha", Residues: "MKV"}, {Name: "beta", Residues: "MKVLA"}}
	h1 := HashJob(seqs, "builtin", "", []float64{0.3}, -5, -2)
	h2 := HashJob(seqs, "builtin", "", []float64{0.5}, -5, -2)
	if h1 == h2 {
		t.Fatal("HashJob collapsed two different trim thresholds onto the same hash")
	}
}

func TestScoreFrameCodecRoundTrip(t *testing.T) {
	frame := ScoreFrame{Rows: []ScoreRow{
		{SeqA: "alpha", SeqB: "beta", SubsMatScore: 0.5, PSIScore: 0.25, FinalScore: 0.375},
	}}
	data := EncodeScoreFrame(frame)
	got, err := DecodeScoreFrame(data)
	if err != nil {
		t.Fatalf("DecodeScoreFrame: %v", err)
	}
	if len(got.Rows) != 1 || got.Rows[0] != frame.Rows[0] {
		t.Fatalf("got %+v, want %+v", got.Rows, frame.Rows)
	}
}

func TestDecodeScoreFrameRejectsMalformedRow(t *testing.T) {
	if _, err := DecodeScoreFrame([]byte("alpha\tbeta\tnot-enough-fields\n")); err == nil {
		t.Fatal("expected error for malformed score row")
	}
}

func TestSortedNames(t *testing.T) {
	seqs := []Sequence{{Name: "zeta"}, {Name: "alpha"}, {Name: "mu"}}
	got := SortedNames(seqs)
	want := []string{"alpha", "mu", "zeta"}
	for i, name := range want {
		if got[i] != name {
			t.Fatalf("SortedNames=%v, want %v", got, want)
		}
	}
}
