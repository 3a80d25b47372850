// Package queue implements the four-table queue-state machine described
// in the scheduler's data model: queue -> processing -> complete, with
// waiting acting as a reference count of masters still interested in a
// result. All writes are serialized through an ExclusiveLock on the
// work database file, since SQLite itself cannot coordinate the
// compound read-then-write critical sections this protocol requires.
package queue

import (
	"time"

	"gorm.io/datatypes"
)

// QueueRow is an unclaimed unit of work. Compound (sub-job) hashes are
// encoded as "<subjob_num>_<num_subjobs>_<id_hash>"; primary jobs use
// the bare id_hash.
type QueueRow struct {
	Hash          string `gorm:"column:hash;primaryKey"`
	PsiPredDir    string `gorm:"column:psi_pred_dir"`
	MasterID      string `gorm:"column:master_id;index"`
	AlignerName   string         `gorm:"column:align_m"`
	AlignerParams string         `gorm:"column:align_p"`
	Trimal        datatypes.JSON `gorm:"column:trimal"`
	GapOpen       float64        `gorm:"column:gap_open"`
	GapExtend     float64 `gorm:"column:gap_extend"`
	CreatedAt     time.Time
}

func (QueueRow) TableName() string { return "queue" }

// ProcessingRow records exclusive ownership of a hash by one worker.
type ProcessingRow struct {
	Hash      string `gorm:"column:hash;primaryKey"`
	WorkerID  string `gorm:"column:worker_id;index"`
	MasterID  string `gorm:"column:master_id;index"`
	CreatedAt time.Time
}

func (ProcessingRow) TableName() string { return "processing" }

// CompleteRow marks a hash whose result has been written to scratch and
// is awaiting collection by a master.
type CompleteRow struct {
	Hash      string `gorm:"column:hash;primaryKey"`
	WorkerID  string `gorm:"column:worker_id"`
	MasterID  string `gorm:"column:master_id;index"`
	CreatedAt time.Time
}

func (CompleteRow) TableName() string { return "complete" }

// WaitingRow is a reference: one row per master still awaiting a given
// primary id_hash. Absence of any waiting row means no master cares
// about that hash any more.
type WaitingRow struct {
	Hash      string `gorm:"column:hash;primaryKey"`
	MasterID  string `gorm:"column:master_id;primaryKey"`
	CreatedAt time.Time
}

func (WaitingRow) TableName() string { return "waiting" }

// Models returns every table this store owns, for AutoMigrate.
func Models() []interface{} {
	return []interface{}{&QueueRow{}, &ProcessingRow{}, &CompleteRow{}, &WaitingRow{}}
}
