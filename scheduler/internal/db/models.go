package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/kpipeline/kpipeline/shared/wire"
	"gorm.io/gorm"
)

// logBase gives log rows a time-ordered, portable-across-drivers primary
// key without relying on either backend's autoincrement syntax —
// mirrors the teacher's base/BeforeCreate pattern, scoped to the two log
// tables here rather than every model.
type logBase struct {
	ID uuid.UUID `gorm:"type:text;primaryKey"`
}

func (b *logBase) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// JobDigest is the GORM row backing wire.JobDigest (§3). JobID is the
// primary key — the scheduler allocates it itself (store.NewJob takes
// MAX(job_id)+1), it is never a UUID.
type JobDigest struct {
	JobID                 wire.JobID  `gorm:"primaryKey"`
	CreatedTime           time.Time   `gorm:"not null"`
	ModifiedTime          time.Time   `gorm:"not null;index"`
	Status                wire.Status `gorm:"not null;index"`
	CurrentWorkerHostname string      `gorm:"not null;default:''"`
	CurrentWorker         int         `gorm:"not null;default:0"`
}

func (JobDigest) TableName() string { return "job_digests" }

// JobStage is one row of a job's ordered worker sequence. (JobID,
// StageIndex) is the primary key and defines the stage ordering.
type JobStage struct {
	JobID          wire.JobID      `gorm:"primaryKey"`
	StageIndex     int             `gorm:"primaryKey"`
	WorkerType     string          `gorm:"not null"`
	WorkerArgument json.RawMessage `gorm:"type:text"`
	WorkerResult   json.RawMessage `gorm:"type:text"`
}

func (JobStage) TableName() string { return "job_stages" }

// JobTag is a (JobID, Key) -> Value triple. (JobID, Key) is unique.
type JobTag struct {
	JobID wire.JobID `gorm:"primaryKey"`
	Key   string     `gorm:"primaryKey"`
	Value string     `gorm:"not null"`
}

func (JobTag) TableName() string { return "job_tags" }

// JobLog is an append-only log line attributed to a specific job.
type JobLog struct {
	logBase
	JobID          wire.JobID      `gorm:"not null;index"`
	TimeStamp      time.Time       `gorm:"not null;index"`
	WorkerType     string          `gorm:"not null;default:''"`
	WorkerHostname string          `gorm:"not null;default:''"`
	Content        json.RawMessage `gorm:"type:text;not null"`
}

func (JobLog) TableName() string { return "job_logs" }

// SystemLog is an append-only log line not attributed to any job (worker
// startup/shutdown, scheduler housekeeping).
type SystemLog struct {
	logBase
	TimeStamp      time.Time       `gorm:"not null;index"`
	WorkerType     string          `gorm:"not null;default:''"`
	WorkerHostname string          `gorm:"not null;default:''"`
	Content        json.RawMessage `gorm:"type:text;not null"`
}

func (SystemLog) TableName() string { return "system_logs" }
