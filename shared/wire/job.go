package wire

import (
	"encoding/json"
	"time"
)

// JobDigest is the small, hot row holding everything needed to make
// scheduling decisions without fetching stage bodies.
type JobDigest struct {
	JobID                 JobID     `json:"jobId"`
	CreatedTime           time.Time `json:"createdTime"`
	ModifiedTime          time.Time `json:"modifiedTime"`
	Status                Status    `json:"status"`
	CurrentWorkerHostname string    `json:"currentWorkerHostname"`
	// CurrentWorker is the zero-based stage index the job is (or was last)
	// executing. It always indexes an existing stage for non-terminal jobs.
	CurrentWorker int `json:"currentWorker"`
}

// JobStage is one element of a job's ordered worker sequence, persisted per
// (jobId, stageIndex). WorkerArgument and WorkerResult are opaque blobs
// owned entirely by the stage's worker type — the core validates only
// WorkerType and the presence of WorkerResult after completion.
type JobStage struct {
	WorkerType     string          `json:"workerType"`
	WorkerArgument json.RawMessage `json:"workerArgument,omitempty"`
	WorkerResult   json.RawMessage `json:"workerResult,omitempty"`
}

// JobTag is a (jobId, key) -> value triple. (jobId, key) is unique.
type JobTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// JobContext is the read-only denormalized view handed to a worker at
// claim time: the digest, the full ordered stage sequence, and the tag map.
type JobContext struct {
	Digest JobDigest         `json:"digest"`
	Stages []JobStage        `json:"stages"`
	Tags   map[string]string `json:"tags"`
}

// CurrentStage returns the stage the digest's CurrentWorker index points
// at. It reports false when CurrentWorker does not index an existing
// stage (see §9 — this implementation never persists the past-the-end
// value len(Stages)).
func (c *JobContext) CurrentStage() (JobStage, bool) {
	if c.Digest.CurrentWorker < 0 || c.Digest.CurrentWorker >= len(c.Stages) {
		return JobStage{}, false
	}
	return c.Stages[c.Digest.CurrentWorker], true
}

// LogRecord is an append-only entry in either the job log or system log
// table. JobID is the zero value for system logs.
type LogRecord struct {
	TimeStamp      time.Time       `json:"timeStamp"`
	JobID          *JobID          `json:"jobId,omitempty"`
	WorkerType     string          `json:"workerType"`
	WorkerHostname string          `json:"workerHostname"`
	Content        json.RawMessage `json:"content"`
}

// NewJobRequest is the payload for creating a job: the ordered stage
// workers plus an initial tag set. At least one stage is required — a job
// with zero stages is rejected at creation.
type NewJobRequest struct {
	JobWorkers []NewJobStage     `json:"jobWorkers"`
	Tags       map[string]string `json:"tags"`
}

// NewJobStage is one element of NewJobRequest.JobWorkers.
type NewJobStage struct {
	WorkerType     string          `json:"workerType"`
	WorkerArgument json.RawMessage `json:"workerArgument,omitempty"`
}
