package wire

import "encoding/json"

// RPC names used by the scheduler server (§4.2).
const (
	RPCGetSystemConfig = "scheduler.get_system_config"
	RPCFocusJob        = "scheduler.focus_job"
	RPCUpdateJob       = "scheduler.update_job"
)

// Log intake queues — fire-and-forget publishes, not request/reply.
const (
	QueueInsertSystemLog = "scheduler.insert_system_log"
	QueueInsertJobLog    = "scheduler.insert_job_log"
)

// Per-worker control queue name patterns. Format with fmt.Sprintf(WorkerAbortQueueFmt, hostname).
const (
	WorkerAbortQueueFmt  = "workers.%s.abort_job"
	WorkerYieldQueueFmt  = "workers.%s.yield_job"
)

// StorageConfig describes which storage backend to use and its
// backend-specific settings, as returned by get_system_config.
type StorageConfig struct {
	Backend string          `json:"backend"` // "local" or "gcs"
	Local   *LocalStorage   `json:"local,omitempty"`
	GCS     *GCSStorage     `json:"gcs,omitempty"`
}

// LocalStorage configures the filesystem storage backend.
type LocalStorage struct {
	BaseDir string `json:"baseDir"`
}

// GCSStorage configures the Google Cloud Storage backend.
type GCSStorage struct {
	Bucket string `json:"bucket"`
}

// SystemConfig is the payload returned by get_system_config: the storage
// configuration plus a per-worker-type config blob the core never
// interprets.
type SystemConfig struct {
	DeploymentName string                     `json:"deploymentName"`
	Storage        StorageConfig              `json:"storage"`
	WorkerConfigs  map[string]json.RawMessage `json:"workerConfigs"`
}

// GetSystemConfigRequest carries no fields — the RPC is a parameterless
// fetch, modeled as an empty struct so it still round-trips through the
// generic RpcClient/RpcServer.
type GetSystemConfigRequest struct{}

// FocusJobRequest is the claim request.
type FocusJobRequest struct {
	JobID    JobID  `json:"jobId"`
	Hostname string `json:"hostname"`
}

// FocusOutcome reports whether a claim attempt succeeded.
type FocusOutcome string

const (
	FocusOutcomeFocused  FocusOutcome = "focused"
	FocusOutcomeRejected FocusOutcome = "rejected"
)

// FocusJobResponse carries the claim outcome and the fresh context
// regardless of outcome, for diagnostic use by the caller.
type FocusJobResponse struct {
	Outcome FocusOutcome `json:"outcome"`
	Context *JobContext  `json:"context,omitempty"`
}

// UpdateJobRequest is the result-delivery request.
type UpdateJobRequest struct {
	Deliverable Deliverable `json:"deliverable"`
}

// UpdateJobResponse carries the dispatch pair when a clean stage
// completion advances the job to a further stage the scheduler must now
// enqueue. Dispatch is nil when there is nothing further to enqueue
// (stage yielded, aborted, or the job finished).
type UpdateJobResponse struct {
	Dispatch *DispatchInstruction `json:"dispatch,omitempty"`
}

// DispatchInstruction tells the scheduler server which queue to publish
// the job id onto next.
type DispatchInstruction struct {
	JobID          JobID  `json:"jobId"`
	NextWorkerType string `json:"nextWorkerType"`
}

// AbortControlRequest is sent by the scheduler server to the per-worker
// abort queue named by WorkerAbortQueueFmt when AbortJob finds a live
// claimant. The worker runtime cancels the running task's context and
// answers at once, without waiting for the task to stop; an answer is
// only published when the request carries a reply-to, which the
// scheduler's one-way publish does not set.
type AbortControlRequest struct {
	JobID JobID `json:"jobId"`
}

// AbortControlResponse acknowledges an AbortControlRequest. Accepted is
// false when the worker is no longer running the named job (e.g. it
// already finished the stage). The scheduler does not read it.
type AbortControlResponse struct {
	Accepted bool `json:"accepted"`
}

// YieldControlRequest is the yield_job counterpart to AbortControlRequest,
// published to WorkerYieldQueueFmt. Unlike the worker's own
// termination-signal handler (which yields the whole process), this
// cancels only the named in-flight job with the Yielded code — a
// targeted operational knob, not a shutdown trigger.
type YieldControlRequest struct {
	JobID JobID `json:"jobId"`
}

// YieldControlResponse acknowledges a YieldControlRequest.
type YieldControlResponse struct {
	Accepted bool `json:"accepted"`
}
