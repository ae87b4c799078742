package wire

import "encoding/json"

// Distinguished WorkerException codes. These three are the only codes the
// worker runtime and scheduler attach special meaning to; any other code
// falls under the uncategorized General bucket.
const (
	WorkerExceptionAborted = "kworker.AbortedException"
	WorkerExceptionYielded = "kworker.YieldedException"
	WorkerExceptionGeneral = "kworker.GeneralException"
)

// JobException is an expected, per-stage failure attributable to the job's
// inputs (e.g. "kbuilder.CheckoutFailed"). It terminates the stage with
// Aborted.
type JobException struct {
	Code      string          `json:"code"`
	Backtrace string          `json:"backtrace,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// WorkerException is a runtime-level failure attributable to the worker or
// its environment, rather than the job's inputs.
type WorkerException struct {
	Code      string `json:"code"`
	Backtrace string `json:"backtrace,omitempty"`
	// TypeName records the original exception/error type name when Code is
	// WorkerExceptionGeneral, so operators can triage uncategorized failures.
	TypeName string `json:"typeName,omitempty"`
}

// Deliverable is the stage result a worker hands back via update_job. At
// most one of WorkerException/JobException is non-nil; when both are nil
// the stage completed cleanly and Result holds the stage's output.
type Deliverable struct {
	Hostname        string           `json:"hostname"`
	WorkerType      string           `json:"workerType"`
	StageIndex      int              `json:"stageIndex"`
	JobID           JobID            `json:"jobId"`
	Result          json.RawMessage  `json:"result,omitempty"`
	WorkerException *WorkerException `json:"workerException,omitempty"`
	JobException    *JobException    `json:"jobException,omitempty"`
}

// Clean reports whether the deliverable represents a successful stage
// completion (no exception of either kind).
func (d *Deliverable) Clean() bool {
	return d.WorkerException == nil && d.JobException == nil
}

// Yielded reports whether the deliverable represents a graceful yield,
// which must not persist a result and must move the job to Waiting rather
// than Aborted.
func (d *Deliverable) Yielded() bool {
	return d.WorkerException != nil && d.WorkerException.Code == WorkerExceptionYielded
}
