// Package config holds the scheduler's two CLI entry points' settings:
// the worker's flag.* parsing, matching cmd/backfill_file_signatures's
// own flag-based CLI, and an optional embedded YAML layer of named
// aligner/trim-filter presets, loaded with gopkg.in/yaml.v3 the same
// way this codebase loads its other declarative configuration.
package config

import (
	"embed"
	"flag"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var presetsFS embed.FS

// AlignerPreset bundles the parameters a master would otherwise have
// to specify by hand: an aligner name, its raw parameter string, trim
// thresholds, and gap penalties.
type AlignerPreset struct {
	AlignerName    string    `yaml:"aligner_name"`
	AlignerParams  string    `yaml:"aligner_params"`
	TrimThresholds []float64 `yaml:"trim_thresholds"`
	GapOpen        float64   `yaml:"gap_open"`
	GapExtend      float64   `yaml:"gap_extend"`
}

// Presets maps a preset name (as passed to --aligner_preset) to its
// parameter bundle.
type Presets map[string]AlignerPreset

// LoadPresets parses the embedded presets.yaml.
func LoadPresets() (Presets, error) {
	data, err := presetsFS.ReadFile("presets.yaml")
	if err != nil {
		return nil, err
	}
	var presets Presets
	if err := yaml.Unmarshal(data, &presets); err != nil {
		return nil, fmt.Errorf("config: parse presets.yaml: %w", err)
	}
	return presets, nil
}

// WorkerConfig is the fully resolved configuration for cmd/worker.
type WorkerConfig struct {
	WorkDir        string
	HeartRate      time.Duration
	MaxWait        time.Duration
	DeadThreadWait time.Duration
	MaxCPUs        int
	JobSize        int
	AlignerPreset  string
	Verbose        bool
	Quiet          bool
}

// LogMode maps the --log flag onto the logger package's mode argument.
// Quiet is not consulted here; cmd/worker applies it on top.
func (c WorkerConfig) LogMode() string {
	if c.Verbose {
		return "development"
	}
	return "production"
}

// ParseWorkerFlags parses cmd/worker's flag set from args (typically
// os.Args[1:]): --workdb, --heart_rate, --max_wait, --dead_thread_wait,
// --max_cpus, --job_size, --aligner_preset, --log, --quiet.
func ParseWorkerFlags(args []string) (*WorkerConfig, error) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	workdir := fs.String("workdb", ".", "working directory holding work_db.sqlite, heartbeat_db.sqlite, and .worker_output/")
	heartRate := fs.Int("heart_rate", 60, "seconds between heartbeat pulses")
	maxWait := fs.Int("max_wait", 600, "seconds without a live master heartbeat before the worker terminates")
	deadThreadWait := fs.Int("dead_thread_wait", 120, "seconds of silence before a thread is declared dead")
	maxCPUs := fs.Int("max_cpus", runtime.NumCPU(), "CPU budget for bounded parallel scoring and the sub-job planner")
	jobSize := fs.Int("job_size", runtime.NumCPU(), "target sequence pairs per CPU before a primary job is split")
	alignerPreset := fs.String("aligner_preset", "", "name of a preset from presets.yaml; recorded in the config only, the worker takes aligner/trim/gap parameters from each queue row")
	logFlag := fs.Bool("log", false, "verbose development-mode logging")
	quiet := fs.Bool("quiet", false, "force production-mode (info-level) logging, overriding --log")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return &WorkerConfig{
		WorkDir:        *workdir,
		HeartRate:      time.Duration(*heartRate) * time.Second,
		MaxWait:        time.Duration(*maxWait) * time.Second,
		DeadThreadWait: time.Duration(*deadThreadWait) * time.Second,
		MaxCPUs:        *maxCPUs,
		JobSize:        *jobSize,
		AlignerPreset:  *alignerPreset,
		Verbose:        *logFlag,
		Quiet:          *quiet,
	}, nil
}

// MasterConfig is the resolved configuration for cmd/master's
// standalone submission CLI.
type MasterConfig struct {
	WorkDir       string
	SeqsPath      string
	AlignerName   string
	AlignerParams string
	Trimal        []float64
	GapOpen       float64
	GapExtend     float64
	Wait          time.Duration
}

// ParseMasterFlags parses cmd/master's flag set:
// --workdb, --seqs, --aligner, --trimal, --gap-open, --gap-extend, --wait.
func ParseMasterFlags(args []string) (*MasterConfig, error) {
	fs := flag.NewFlagSet("master", flag.ContinueOnError)
	workdir := fs.String("workdb", ".", "working directory shared with running workers")
	seqs := fs.String("seqs", "", "path to a FASTA file of sequences to submit")
	aligner := fs.String("aligner", "builtin", "registered aligner name")
	alignerParams := fs.String("aligner-params", "", "raw parameter string passed to the aligner")
	trimal := fs.String("trimal", "0.3 0.5", "space-separated trim-filter thresholds")
	gapOpen := fs.Float64("gap-open", -5, "gap-open penalty")
	gapExtend := fs.Float64("gap-extend", -2, "gap-extend penalty")
	wait := fs.Int("wait", 0, "seconds to wait for a result before giving up (0 = submit and exit)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *seqs == "" {
		return nil, fmt.Errorf("config: --seqs is required")
	}
	return &MasterConfig{
		WorkDir:       *workdir,
		SeqsPath:      *seqs,
		AlignerName:   *aligner,
		AlignerParams: *alignerParams,
		Trimal:        parseTrimalFlag(*trimal),
		GapOpen:       *gapOpen,
		GapExtend:     *gapExtend,
		Wait:          time.Duration(*wait) * time.Second,
	}, nil
}

func parseTrimalFlag(s string) []float64 {
	fields := strings.Fields(s)
	out := make([]float64, 0, len(fields))
	for _, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
