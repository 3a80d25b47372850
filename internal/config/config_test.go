package config

import (
	"testing"
	"time"
)

func TestParseWorkerFlagsDefaults(t *testing.T) {
	cfg, err := ParseWorkerFlags(nil)
	if err != nil {
		t.Fatalf("ParseWorkerFlags: %v", err)
	}
	if cfg.WorkDir != "." {
		t.Fatalf("WorkDir=%q, want \".\"", cfg.WorkDir)
	}
	if cfg.HeartRate != 60*time.Second {
		t.Fatalf("HeartRate=%v, want 60s", cfg.HeartRate)
	}
	if cfg.LogMode() != "production" {
		t.Fatalf("LogMode()=%q, want production by default", cfg.LogMode())
	}
}

func TestParseWorkerFlagsOverrides(t *testing.T) {
	cfg, err := ParseWorkerFlags([]string{
		"--workdb", "/tmp/farm",
		"--heart_rate", "30",
		"--max_wait", "10",
		"--dead_thread_wait", "90",
		"--max_cpus", "4",
		"--job_size", "16",
		"--aligner_preset", "fast",
		"--log",
	})
	if err != nil {
		t.Fatalf("ParseWorkerFlags: %v", err)
	}
	if cfg.WorkDir != "/tmp/farm" {
		t.Fatalf("WorkDir=%q", cfg.WorkDir)
	}
	if cfg.HeartRate != 30*time.Second || cfg.MaxWait != 10*time.Second || cfg.DeadThreadWait != 90*time.Second {
		t.Fatalf("durations not parsed: %+v", cfg)
	}
	if cfg.MaxCPUs != 4 || cfg.JobSize != 16 {
		t.Fatalf("ints not parsed: %+v", cfg)
	}
	if cfg.AlignerPreset != "fast" {
		t.Fatalf("AlignerPreset=%q", cfg.AlignerPreset)
	}
	if cfg.LogMode() != "development" {
		t.Fatalf("LogMode()=%q, want development with --log set", cfg.LogMode())
	}
}

func TestParseMasterFlagsRequiresSeqs(t *testing.T) {
	if _, err := ParseMasterFlags([]string{}); err == nil {
		t.Fatal("expected an error when --seqs is missing")
	}
}

func TestParseMasterFlagsDefaults(t *testing.T) {
	cfg, err := ParseMasterFlags([]string{"--seqs", "input.fasta"})
	if err != nil {
		t.Fatalf("ParseMasterFlags: %v", err)
	}
	if cfg.AlignerName != "builtin" {
		t.Fatalf("AlignerName=%q, want builtin", cfg.AlignerName)
	}
	if len(cfg.Trimal) != 2 || cfg.Trimal[0] != 0.3 || cfg.Trimal[1] != 0.5 {
		t.Fatalf("Trimal=%v, want [0.3 0.5]", cfg.Trimal)
	}
	if cfg.Wait != 0 {
		t.Fatalf("Wait=%v, want 0 by default", cfg.Wait)
	}
}

func TestParseMasterFlagsTrimalAndWait(t *testing.T) {
	cfg, err := ParseMasterFlags([]string{
		"--seqs", "input.fasta",
		"--trimal", "0.1 0.2 0.3",
		"--wait", "5",
		"--gap-open", "-8",
		"--gap-extend", "-3",
	})
	if err != nil {
		t.Fatalf("ParseMasterFlags: %v", err)
	}
	if len(cfg.Trimal) != 3 {
		t.Fatalf("Trimal=%v, want 3 thresholds", cfg.Trimal)
	}
	if cfg.Wait != 5*time.Second {
		t.Fatalf("Wait=%v, want 5s", cfg.Wait)
	}
	if cfg.GapOpen != -8 || cfg.GapExtend != -3 {
		t.Fatalf("gap penalties=%v/%v", cfg.GapOpen, cfg.GapExtend)
	}
}

func TestParseTrimalFlagSkipsUnparsableFields(t *testing.T) {
	got := parseTrimalFlag("0.3 garbage 0.5")
	if len(got) != 2 || got[0] != 0.3 || got[1] != 0.5 {
		t.Fatalf("parseTrimalFlag=%v, want [0.3 0.5] with the malformed field skipped", got)
	}
}

func TestLoadPresetsEmbedded(t *testing.T) {
	presets, err := LoadPresets()
	if err != nil {
		t.Fatalf("LoadPresets: %v", err)
	}
	fast, ok := presets["fast"]
	if !ok {
		t.Fatal("expected a \"fast\" preset in the embedded presets.yaml")
	}
	if fast.AlignerName != "builtin" {
		t.Fatalf("fast.AlignerName=%q, want builtin", fast.AlignerName)
	}
	if len(fast.TrimThresholds) != 2 {
		t.Fatalf("fast.TrimThresholds=%v, want 2 entries", fast.TrimThresholds)
	}
}
