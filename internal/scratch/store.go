// Package scratch implements the content-addressed scratch directory
// every master and worker shares: one file (or sub-directory) per hash,
// named so two participants computing the same hash always agree on
// where to find or write it.
package scratch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pairfarm/seqfarm/internal/apperr"
	"github.com/pairfarm/seqfarm/internal/lock"
	"github.com/pairfarm/seqfarm/internal/logger"
)

const dirName = ".worker_output"
const writeLockFile = "write.lock"
const waitPollInterval = 20 * time.Millisecond

// Store roots every scratch path under <workingDir>/.worker_output.
type Store struct {
	root string
	lock *lock.ExclusiveLock
	log  *logger.Logger
}

// Open ensures the scratch directory exists under workingDir.
func Open(log *logger.Logger, workingDir string) (*Store, error) {
	root := filepath.Join(workingDir, dirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("scratch: create root: %w", err)
	}
	return &Store{
		root: root,
		lock: lock.New(filepath.Join(root, writeLockFile)),
		log:  log.With("component", "ScratchStore"),
	}, nil
}

func (s *Store) SeqsPath(hash string) string  { return filepath.Join(s.root, hash+".seqs") }
func (s *Store) AlnPath(hash string) string   { return filepath.Join(s.root, hash+".aln") }
func (s *Store) GraphPath(hash string) string { return filepath.Join(s.root, hash+".graph") }

// SubjobDir is the primary-hash-keyed directory holding every sub-job's
// shared scratch artifacts: one .ss2 copy per referenced sequence and
// one <k>_of_<n>.txt pair list plus <k>_of_<n>.sim_df per chunk. Keying
// by the primary hash (not the compound hash) lets every chunk worker
// of the same primary job find the same directory.
func (s *Store) SubjobDir(primaryHash string) string { return filepath.Join(s.root, primaryHash) }

func (s *Store) SS2Path(primaryHash, seqName string) string {
	return filepath.Join(s.SubjobDir(primaryHash), seqName+".ss2")
}

func (s *Store) PairsPath(primaryHash string, k, n int) string {
	return filepath.Join(s.SubjobDir(primaryHash), fmt.Sprintf("%d_of_%d.txt", k, n))
}

func (s *Store) SimDFPath(primaryHash string, k, n int) string {
	return filepath.Join(s.SubjobDir(primaryHash), fmt.Sprintf("%d_of_%d.sim_df", k, n))
}

// WriteSeqs writes the input fasta for hash. The submitting master
// writes it before the job is enqueued, so no lock is needed.
func (s *Store) WriteSeqs(hash string, data []byte) error {
	return writeAtomic(s.SeqsPath(hash), data)
}

func (s *Store) ReadSeqs(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.SeqsPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrMissingScratch, s.SeqsPath(hash))
	}
	return data, err
}

func (s *Store) WriteSS2(hash, seqName string, data []byte) error {
	if err := os.MkdirAll(s.SubjobDir(hash), 0o755); err != nil {
		return err
	}
	return writeAtomic(s.SS2Path(hash, seqName), data)
}

func (s *Store) ReadSS2(hash, seqName string) ([]byte, error) {
	data, err := os.ReadFile(s.SS2Path(hash, seqName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrMissingScratch, s.SS2Path(hash, seqName))
	}
	return data, err
}

// WritePairList writes the k-th of n pair-id chunks for primaryHash.
func (s *Store) WritePairList(primaryHash string, k, n int, data []byte) error {
	if err := os.MkdirAll(s.SubjobDir(primaryHash), 0o755); err != nil {
		return err
	}
	return writeAtomic(s.PairsPath(primaryHash, k, n), data)
}

func (s *Store) ReadPairList(primaryHash string, k, n int) ([]byte, error) {
	path := s.PairsPath(primaryHash, k, n)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrMissingScratch, path)
	}
	return data, err
}

func (s *Store) WriteSimDF(primaryHash string, k, n int, data []byte) error {
	if err := os.MkdirAll(s.SubjobDir(primaryHash), 0o755); err != nil {
		return err
	}
	return writeAtomic(s.SimDFPath(primaryHash, k, n), data)
}

func (s *Store) ReadSimDF(primaryHash string, k, n int) ([]byte, error) {
	return os.ReadFile(s.SimDFPath(primaryHash, k, n))
}

// ReadGraph reads a primary job's final aggregated graph. Returns
// apperr.ErrMissingScratch if it isn't present yet — callers normally
// only call this after observing a `complete` row for the hash.
func (s *Store) ReadGraph(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.GraphPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrMissingScratch, s.GraphPath(hash))
	}
	return data, err
}

// EnsureAln returns the existing alignment for hash if one is already on
// disk; otherwise it takes the write lock (max_wait=0: a held lock means
// another participant is already producing this file) and invokes
// produce exactly once. A failed non-blocking acquire falls through to
// waitForFile rather than erroring immediately, since the file is
// expected to appear shortly. A second read happens after the lock is
// held, in case the file appeared between the first read and the
// acquire.
func (s *Store) EnsureAln(ctx context.Context, hash string, produce func() ([]byte, error)) ([]byte, error) {
	return s.ensureFile(ctx, s.AlnPath(hash), produce)
}

// ReadAln reads the primary job's alignment without producing or
// locking. A sub-job worker calls this instead of EnsureAln: the
// primary's alignment was already produced by the worker that claimed
// the primary, before it split the job, so a sub-job only ever
// reads it, never regenerates it. Returns apperr.ErrMissingScratch if
// it isn't there yet.
func (s *Store) ReadAln(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.AlnPath(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrMissingScratch, s.AlnPath(hash))
	}
	return data, err
}

// EnsureGraph is EnsureAln's counterpart for the final aggregated graph
// written once per primary job.
func (s *Store) EnsureGraph(ctx context.Context, hash string, produce func() ([]byte, error)) ([]byte, error) {
	return s.ensureFile(ctx, s.GraphPath(hash), produce)
}

func (s *Store) ensureFile(ctx context.Context, path string, produce func() ([]byte, error)) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}

	lease, err := s.lock.Acquire(ctx, 0, false)
	if err != nil {
		if errors.Is(err, apperr.ErrLockTimeout) {
			return s.waitForFile(ctx, path)
		}
		return nil, err
	}
	defer lease.Release()

	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}
	data, err := produce()
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(path, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) waitForFile(ctx context.Context, path string) ([]byte, error) {
	for {
		if data, err := os.ReadFile(path); err == nil {
			return data, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

// DeleteArtifacts removes every scratch path associated with hash.
// Missing files are not an error, matching the original's
// "except FileNotFoundError: pass" cleanup behavior.
func (s *Store) DeleteArtifacts(hash string) error {
	paths := []string{s.SeqsPath(hash), s.AlnPath(hash), s.GraphPath(hash)}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return s.DeleteSubjobDir(hash)
}

// DeleteSubjobDir removes a primary job's shared sub-job directory
// (pair lists, ss2 copies, sim_df chunks) once fan-in has aggregated
// them into the final .graph, leaving the primary's own .seqs/.aln/
// .graph files untouched.
func (s *Store) DeleteSubjobDir(primaryHash string) error {
	return os.RemoveAll(s.SubjobDir(primaryHash))
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
