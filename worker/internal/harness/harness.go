// Package harness provides the Task interface and the Harness context
// each stage-specific implementation runs against (§4.6): the claimed
// job context, a scratch directory scoped to the task's lifetime, the
// storage collaborator for resource submission, and a job-log
// publisher. Grounded on the teacher's agent/internal/executor, which
// plays the equivalent role of "the thing that does per-job work and
// reports back" — but the teacher's executor is specific to the backup
// domain (restic/docker/hooks), while harness is domain-agnostic: the
// task itself supplies the stage's logic, harness supplies the
// scaffolding around it.
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kpipeline/kpipeline/shared/storage"
	"github.com/kpipeline/kpipeline/shared/wire"
)

// Task is implemented by stage-specific worker logic. OnTask returns the
// stage's result payload, or an error — return a *JobFailureError to
// signal an expected, job-attributable failure; any other error is
// treated as an unexpected worker-level failure.
type Task interface {
	OnTask(ctx context.Context, h *Harness) (json.RawMessage, error)
}

// Cleaner is an optional extension to Task: OnClean runs on every exit
// path (success, job failure, cancellation) before the scratch
// directory is removed.
type Cleaner interface {
	OnClean(ctx context.Context)
}

// JobLogPublisher is the narrow bus dependency harness needs — a single
// fire-and-forget publish onto scheduler.insert_job_log.
type JobLogPublisher interface {
	PublishJobLog(ctx context.Context, rec wire.LogRecord) error
}

// Resource is the handle returned by SubmitResource.
type Resource struct {
	Key        string `json:"key"`
	StorageURI string `json:"storageUri"`
}

// Harness is constructed fresh for each claimed stage and handed to
// Task.OnTask.
type Harness struct {
	JobID      wire.JobID
	StageIndex int
	WorkerType string
	Hostname   string
	Context    *wire.JobContext
	Argument   json.RawMessage
	ScratchDir string

	storage storage.Backend
	logs    JobLogPublisher
}

// ReportJobLog fire-and-forget publishes content onto the job-log
// intake queue, tagged with this stage's worker type and hostname.
func (h *Harness) ReportJobLog(ctx context.Context, content json.RawMessage) error {
	rec := wire.LogRecord{
		TimeStamp:      time.Now(),
		JobID:          &h.JobID,
		WorkerType:     h.WorkerType,
		WorkerHostname: h.Hostname,
		Content:        content,
	}
	return h.logs.PublishJobLog(ctx, rec)
}

// SubmitResource uploads localPath under the deterministic prefix
// jobs/<jobId>/<stageIndex>_<workerType>/<localName> and returns the
// resulting handle. A zero-byte file is not uploaded and returns
// (nil, nil) — per §4.6.
func (h *Harness) SubmitResource(ctx context.Context, localName, localPath string) (*Resource, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("harness: stat resource %s: %w", localName, err)
	}
	if info.Size() == 0 {
		return nil, nil
	}

	key := fmt.Sprintf("jobs/%s/%d_%s/%s", h.JobID, h.StageIndex, h.WorkerType, localName)
	if err := h.storage.Upload(ctx, localPath, key); err != nil {
		return nil, fmt.Errorf("harness: upload resource %s: %w", localName, err)
	}
	uri, err := h.storage.URLFor(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("harness: resolve url for resource %s: %w", localName, err)
	}
	return &Resource{Key: key, StorageURI: uri}, nil
}

// CancelReason reports why ctx was cancelled, distinguishing the two
// structured codes the runtime may apply. It is read only after OnTask
// has returned and ctx.Err() is non-nil.
type CancelReason func() string

const (
	ReasonAborted = "aborted"
	ReasonYielded = "yielded"
)

// New builds a Harness for one claimed stage. ScratchDir stays empty
// until Run creates a fresh scratch subdirectory under its
// baseScratchDir argument.
func New(jc *wire.JobContext, jobID wire.JobID, stageIndex int, workerType, hostname string, argument json.RawMessage, st storage.Backend, logs JobLogPublisher) *Harness {
	return &Harness{
		JobID:      jobID,
		StageIndex: stageIndex,
		WorkerType: workerType,
		Hostname:   hostname,
		Context:    jc,
		Argument:   argument,
		storage:    st,
		logs:       logs,
	}
}

// Run creates the scratch directory, invokes task.OnTask, always runs
// OnClean (if implemented) and removes the scratch directory, then maps
// the outcome to one of the tagged Outcome variants (§9). reason is
// consulted only when ctx was cancelled, to distinguish an operator
// abort from a graceful shutdown.
func Run(ctx context.Context, task Task, h *Harness, baseScratchDir string, reason CancelReason) Outcome {
	scratch, err := os.MkdirTemp(baseScratchDir, fmt.Sprintf("%s-%08x-*", h.WorkerType, uint32(h.JobID)))
	if err != nil {
		return UnexpectedFailure("harness.ScratchDirError", err.Error())
	}
	h.ScratchDir = scratch
	defer os.RemoveAll(scratch)

	defer func() {
		if cleaner, ok := task.(Cleaner); ok {
			// Cleanup always runs on a fresh context — the task's own
			// ctx may already be cancelled.
			cleanCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			cleaner.OnClean(cleanCtx)
		}
	}()

	result, taskErr := task.OnTask(ctx, h)
	return resolve(ctx, result, taskErr, reason)
}

func resolve(ctx context.Context, result json.RawMessage, taskErr error, reason CancelReason) Outcome {
	if taskErr == nil {
		return Ok(result)
	}

	// A *JobFailureError takes priority over a cancelled ctx: OnTask can
	// return its own deliberate failure in the same instant the runtime
	// cancels ctx out from under it (runtime.cancelCurrent racing with
	// OnTask's return), and that business-level failure must not be
	// discarded in favor of reporting the job as merely aborted/yielded.
	var jf *JobFailureError
	if ok := asJobFailure(taskErr, &jf); ok {
		return JobFailure(jf.Code, jf.Content)
	}

	if ctx.Err() != nil {
		switch reason() {
		case ReasonYielded:
			return YieldedForShutdown()
		default:
			return AbortedByOperator()
		}
	}

	return UnexpectedFailure(typeNameOf(taskErr), taskErr.Error())
}

func asJobFailure(err error, target **JobFailureError) bool {
	if jf, ok := err.(*JobFailureError); ok {
		*target = jf
		return true
	}
	return false
}

func typeNameOf(err error) string {
	return fmt.Sprintf("%T", err)
}
