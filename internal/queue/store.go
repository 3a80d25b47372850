package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pairfarm/seqfarm/internal/lock"
	"github.com/pairfarm/seqfarm/internal/logger"
	"github.com/pairfarm/seqfarm/internal/storage"
)

// JobParams is the full parameter set a master attaches to a primary
// job, carried unchanged through every sub-job spawned from it.
type JobParams struct {
	PsiPredDir     string
	MasterID       string
	AlignerName    string
	AlignerParams  string
	TrimThresholds []float64
	GapOpen        float64
	GapExtend      float64
}

func trimalJSON(thresholds []float64) datatypes.JSON {
	if thresholds == nil {
		thresholds = []float64{}
	}
	data, _ := json.Marshal(thresholds)
	return datatypes.JSON(data)
}

func parseTrimal(raw datatypes.JSON) []float64 {
	if len(raw) == 0 {
		return nil
	}
	var out []float64
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func (p JobParams) toRow(hash string) QueueRow {
	return QueueRow{
		Hash:          hash,
		PsiPredDir:    p.PsiPredDir,
		MasterID:      p.MasterID,
		AlignerName:   p.AlignerName,
		AlignerParams: p.AlignerParams,
		Trimal:        trimalJSON(p.TrimThresholds),
		GapOpen:       p.GapOpen,
		GapExtend:     p.GapExtend,
	}
}

func paramsFromRow(row QueueRow) JobParams {
	return JobParams{
		PsiPredDir:     row.PsiPredDir,
		MasterID:       row.MasterID,
		AlignerName:    row.AlignerName,
		AlignerParams:  row.AlignerParams,
		TrimThresholds: parseTrimal(row.Trimal),
		GapOpen:        row.GapOpen,
		GapExtend:      row.GapExtend,
	}
}

// ClaimedJob is what ClaimOne hands a worker.
type ClaimedJob struct {
	Hash   string
	Params JobParams
}

// PublishResult reports what PublishComplete / PublishSubjobComplete
// actually did, so the worker loop knows whether to tear down scratch
// artifacts for a result nobody is waiting on any more.
type PublishResult struct {
	// Wanted is true if at least one master was still waiting on the
	// primary job at the moment of publish.
	Wanted bool
	// Published is true if this call (as opposed to a racing duplicate)
	// inserted the complete row.
	Published bool
}

// Store is the shared work database: queue, processing, complete, and
// waiting, all serialized through one ExclusiveLock on the DB file.
type Store struct {
	db   *gorm.DB
	lock *lock.ExclusiveLock
	log  *logger.Logger
	path string
}

// Open migrates and returns a Store backed by the sqlite file at path.
func Open(log *logger.Logger, path string) (*Store, error) {
	db, err := storage.Open(log, path, Models()...)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:   db,
		lock: lock.New(path),
		log:  log.With("component", "QueueStore"),
		path: path,
	}, nil
}

// Path returns the underlying database file path, so other components
// (e.g. the lock's observed Lag, or the garbage collector) can share
// the same ExclusiveLock coordinator.
func (s *Store) Path() string { return s.path }

// EnqueuePrimary inserts a primary job into queue and registers masterID
// as a waiter on it. Idempotent: a duplicate submission of the same
// id_hash by the same master is silently absorbed by the primary-key
// constraint on both tables.
func (s *Store) EnqueuePrimary(ctx context.Context, idHash string, params JobParams) error {
	lease, err := s.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return err
	}
	defer lease.Release()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := params.toRow(idHash)
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
		wait := WaitingRow{Hash: idHash, MasterID: params.MasterID}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&wait).Error
	})
}

// ClaimOne atomically removes one ready job from queue and installs a
// processing row owned by workerID. It acquires the lock with
// priority, matching the upstream behavior of giving claim attempts
// precedence over routine maintenance so idle workers don't starve
// behind garbage collection. Returns (nil, nil) when the queue is
// empty. If the claimed hash already has a processing row (a stale
// leftover from a dead worker not yet garbage collected), the claim is
// dropped and the loop retries against the next row rather than
// double-assigning the hash.
func (s *Store) ClaimOne(ctx context.Context, workerID string) (*ClaimedJob, error) {
	for {
		lease, err := s.lock.Acquire(ctx, lock.Infinite, true)
		if err != nil {
			return nil, err
		}

		var claimed *ClaimedJob
		retry := false
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row QueueRow
			ferr := tx.Order("created_at asc, hash asc").First(&row).Error
			if errors.Is(ferr, gorm.ErrRecordNotFound) {
				return nil
			}
			if ferr != nil {
				return ferr
			}
			if derr := tx.Where("hash = ?", row.Hash).Delete(&QueueRow{}).Error; derr != nil {
				return derr
			}

			var existing ProcessingRow
			perr := tx.Where("hash = ?", row.Hash).First(&existing).Error
			if perr == nil {
				retry = true
				return nil
			}
			if !errors.Is(perr, gorm.ErrRecordNotFound) {
				return perr
			}

			proc := ProcessingRow{Hash: row.Hash, WorkerID: workerID, MasterID: row.MasterID}
			if cerr := tx.Create(&proc).Error; cerr != nil {
				return cerr
			}
			claimed = &ClaimedJob{Hash: row.Hash, Params: paramsFromRow(row)}
			return nil
		})
		lease.Release()

		if txErr != nil {
			return nil, txErr
		}
		if retry {
			continue
		}
		return claimed, nil
	}
}

// PublishComplete finishes a primary job: if at least one master is
// still waiting on idHash and the processing row is owned by workerID,
// a complete row is inserted, the processing row is removed, and any
// leftover sub-job complete rows for this primary are swept. If no
// master is waiting, nothing is written and Wanted comes back false —
// the caller is expected to Abandon the processing row and discard the
// scratch result.
func (s *Store) PublishComplete(ctx context.Context, idHash, workerID, masterID string) (PublishResult, error) {
	lease, err := s.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return PublishResult{}, err
	}
	defer lease.Release()

	var result PublishResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var waitingCount int64
		if err := tx.Model(&WaitingRow{}).Where("hash = ?", idHash).Count(&waitingCount).Error; err != nil {
			return err
		}
		result.Wanted = waitingCount > 0

		var proc ProcessingRow
		perr := tx.Where("hash = ? AND worker_id = ?", idHash, workerID).First(&proc).Error
		owned := perr == nil
		if perr != nil && !errors.Is(perr, gorm.ErrRecordNotFound) {
			return perr
		}
		if !result.Wanted || !owned {
			return nil
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&CompleteRow{Hash: idHash, WorkerID: workerID, MasterID: masterID})
		if res.Error != nil {
			return res.Error
		}
		result.Published = res.RowsAffected > 0

		if err := tx.Where("hash = ?", idHash).Delete(&ProcessingRow{}).Error; err != nil {
			return err
		}
		return tx.Where("hash LIKE ?", "%_"+idHash).Delete(&CompleteRow{}).Error
	})
	return result, txErr
}

// PublishSubjobComplete finishes one chunk of a split job. Unlike
// PublishComplete, "waiting" is always checked against the primary
// id_hash (sub-jobs have no waiters of their own), while processing and
// complete are keyed by the full compound hash. Returns the number of
// sibling complete rows now present for the primary, letting the
// sub-job planner decide whether this call completed the fan-in.
func (s *Store) PublishSubjobComplete(ctx context.Context, primaryHash, compoundHash, workerID, masterID string) (PublishResult, int64, error) {
	lease, err := s.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return PublishResult{}, 0, err
	}
	defer lease.Release()

	var result PublishResult
	var siblings int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var waitingCount int64
		if err := tx.Model(&WaitingRow{}).Where("hash = ?", primaryHash).Count(&waitingCount).Error; err != nil {
			return err
		}
		result.Wanted = waitingCount > 0

		var proc ProcessingRow
		perr := tx.Where("hash = ? AND worker_id = ?", compoundHash, workerID).First(&proc).Error
		owned := perr == nil
		if perr != nil && !errors.Is(perr, gorm.ErrRecordNotFound) {
			return perr
		}

		var already int64
		if err := tx.Model(&CompleteRow{}).Where("hash = ?", compoundHash).Count(&already).Error; err != nil {
			return err
		}

		if result.Wanted && owned && already == 0 {
			res := tx.Create(&CompleteRow{Hash: compoundHash, WorkerID: workerID, MasterID: masterID})
			if res.Error != nil {
				return res.Error
			}
			result.Published = true
		}

		if owned {
			if err := tx.Where("hash = ? AND worker_id = ?", compoundHash, workerID).
				Delete(&ProcessingRow{}).Error; err != nil {
				return err
			}
		}

		return tx.Model(&CompleteRow{}).Where("hash LIKE ?", "%_"+primaryHash).Count(&siblings).Error
	})
	return result, siblings, txErr
}

// InsertSubjobs atomically enqueues chunks 2..N of a split job and
// marks chunk 1 as already claimed by splittingWorkerID (the worker
// that performed the split keeps chunk 1 for itself rather than
// re-claiming it through the normal queue, matching the original
// planner's behavior of processing its own first chunk inline).
func (s *Store) InsertSubjobs(ctx context.Context, primaryHash, splittingWorkerID string, numSubjobs int, params JobParams) error {
	lease, err := s.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return err
	}
	defer lease.Release()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		firstHash := CompoundHash(1, numSubjobs, primaryHash)
		proc := ProcessingRow{Hash: firstHash, WorkerID: splittingWorkerID, MasterID: params.MasterID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&proc).Error; err != nil {
			return err
		}
		for k := 2; k <= numSubjobs; k++ {
			row := params.toRow(CompoundHash(k, numSubjobs, primaryHash))
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// CompoundHash builds the "<k>_<n>_<primary>" sub-job hash.
func CompoundHash(k, n int, primaryHash string) string {
	return strconv.Itoa(k) + "_" + strconv.Itoa(n) + "_" + primaryHash
}

// ParseCompoundHash splits a sub-job hash back into its parts. ok is
// false for a bare primary hash (one with no "<k>_<n>_" prefix).
func ParseCompoundHash(hash string) (k, n int, primaryHash string, ok bool) {
	first := strings.IndexByte(hash, '_')
	if first < 0 {
		return 0, 0, "", false
	}
	second := strings.IndexByte(hash[first+1:], '_')
	if second < 0 {
		return 0, 0, "", false
	}
	second += first + 1

	kVal, err := strconv.Atoi(hash[:first])
	if err != nil {
		return 0, 0, "", false
	}
	nVal, err := strconv.Atoi(hash[first+1 : second])
	if err != nil {
		return 0, 0, "", false
	}
	return kVal, nVal, hash[second+1:], true
}

// PublishPrimaryFanIn finishes a split job once every chunk has
// completed: unlike PublishComplete, it does not require workerID to
// own a processing row for primaryHash (that row belongs to the worker
// that claimed and split the primary, which need not be the worker
// publishing the last chunk). It removes that processing row whatever
// its owner, and it unconditionally inserts (idempotent via
// primary-key conflict) the primary's complete row if a master is
// still waiting.
func (s *Store) PublishPrimaryFanIn(ctx context.Context, primaryHash, workerID, masterID string) (PublishResult, error) {
	lease, err := s.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return PublishResult{}, err
	}
	defer lease.Release()

	var result PublishResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var waitingCount int64
		if err := tx.Model(&WaitingRow{}).Where("hash = ?", primaryHash).Count(&waitingCount).Error; err != nil {
			return err
		}
		result.Wanted = waitingCount > 0
		if result.Wanted {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&CompleteRow{Hash: primaryHash, WorkerID: workerID, MasterID: masterID})
			if res.Error != nil {
				return res.Error
			}
			result.Published = res.RowsAffected > 0
		}
		if err := tx.Where("hash = ?", primaryHash).Delete(&ProcessingRow{}).Error; err != nil {
			return err
		}
		return tx.Where("hash LIKE ?", "%_"+primaryHash).Delete(&CompleteRow{}).Error
	})
	return result, txErr
}

// Cancel removes idHash from all four tables. Callers are responsible
// for sweeping the matching scratch artifacts afterward.
func (s *Store) Cancel(ctx context.Context, idHash string) error {
	lease, err := s.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return err
	}
	defer lease.Release()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, err := range []error{
			tx.Where("hash = ?", idHash).Delete(&QueueRow{}).Error,
			tx.Where("hash = ?", idHash).Delete(&ProcessingRow{}).Error,
			tx.Where("hash = ?", idHash).Delete(&CompleteRow{}).Error,
			tx.Where("hash = ?", idHash).Delete(&WaitingRow{}).Error,
		} {
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Abandon removes a processing row a worker no longer intends to
// finish publishing (the result wasn't wanted, or the worker crashed
// recovery path is choosing to drop it rather than retry).
func (s *Store) Abandon(ctx context.Context, hash, workerID string) error {
	lease, err := s.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return err
	}
	defer lease.Release()
	return s.db.WithContext(ctx).
		Where("hash = ? AND worker_id = ?", hash, workerID).
		Delete(&ProcessingRow{}).Error
}

// CollectComplete polls the complete table for idHash on behalf of a
// waiting master, without taking the lock (a plain read is fine; a
// stale read just means the caller polls again after the interval).
func (s *Store) CollectComplete(ctx context.Context, idHash string) (*CompleteRow, error) {
	var row CompleteRow
	err := s.db.WithContext(ctx).Where("hash = ?", idHash).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// HasProcessingRow reports whether a processing row for hash still
// exists, used by tests and diagnostics to confirm a worker released
// (or never released) its claim on a job.
func (s *Store) HasProcessingRow(ctx context.Context, hash string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&ProcessingRow{}).Where("hash = ?", hash).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Unwait removes masterID's reference on idHash once it has collected
// the result, so a later GC pass (or a subsequent resubmission) sees an
// accurate waiter count.
func (s *Store) Unwait(ctx context.Context, idHash, masterID string) error {
	lease, err := s.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return err
	}
	defer lease.Release()
	return s.db.WithContext(ctx).
		Where("hash = ? AND master_id = ?", idHash, masterID).
		Delete(&WaitingRow{}).Error
}

// DeleteComplete removes the complete row for idHash, used by a master
// once it has collected and read the final graph (spec §4.8: the
// master deletes the waiting and complete rows itself after collection).
func (s *Store) DeleteComplete(ctx context.Context, idHash string) error {
	lease, err := s.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return err
	}
	defer lease.Release()
	return s.db.WithContext(ctx).Where("hash = ?", idHash).Delete(&CompleteRow{}).Error
}

// DeleteByMasterIDs removes every row across all four tables that
// belongs to one of the given (now-dead) master IDs and returns the
// affected hashes, for the garbage collector's scratch sweep.
func (s *Store) DeleteByMasterIDs(ctx context.Context, masterIDs []string) ([]string, error) {
	if len(masterIDs) == 0 {
		return nil, nil
	}
	lease, err := s.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	seen := map[string]struct{}{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range []interface{}{&QueueRow{}, &ProcessingRow{}, &CompleteRow{}, &WaitingRow{}} {
			hashes, err := collectHashes(tx, table, "master_id IN ?", masterIDs)
			if err != nil {
				return err
			}
			for _, h := range hashes {
				seen[h] = struct{}{}
			}
			if err := tx.Where("master_id IN ?", masterIDs).Delete(table).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	return out, nil
}

// DeleteProcessingByWorkerIDs removes processing rows owned by dead
// workers, returning the freed hashes so the caller can re-enqueue or
// garbage collect the orphaned scratch state.
func (s *Store) DeleteProcessingByWorkerIDs(ctx context.Context, workerIDs []string) ([]string, error) {
	if len(workerIDs) == 0 {
		return nil, nil
	}
	lease, err := s.lock.Acquire(ctx, lock.Infinite, false)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	var hashes []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		h, err := collectHashes(tx, &ProcessingRow{}, "worker_id IN ?", workerIDs)
		if err != nil {
			return err
		}
		hashes = h
		return tx.Where("worker_id IN ?", workerIDs).Delete(&ProcessingRow{}).Error
	})
	return hashes, txErr
}

// DistinctMasterIDs returns every master_id referenced by any row
// across all four work tables, used by the garbage collector to find
// orphan masters: a master_id with rows in the work tables but no
// heartbeat row at all (never registered, or its heartbeat rows were
// already reaped), which the staleness check alone would never catch
// since it only inspects master_ids that do have a heartbeat row.
func (s *Store) DistinctMasterIDs(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	for _, table := range []interface{}{&QueueRow{}, &ProcessingRow{}, &CompleteRow{}, &WaitingRow{}} {
		var ids []string
		if err := s.db.WithContext(ctx).Model(table).Distinct().Pluck("master_id", &ids).Error; err != nil {
			return nil, err
		}
		for _, id := range ids {
			if id != "" {
				seen[id] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

func collectHashes(tx *gorm.DB, model interface{}, cond string, args ...interface{}) ([]string, error) {
	var hashes []string
	if err := tx.Model(model).Where(cond, args...).Pluck("hash", &hashes).Error; err != nil {
		return nil, err
	}
	return hashes, nil
}
