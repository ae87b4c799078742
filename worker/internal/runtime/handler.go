package runtime

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kpipeline/kpipeline/shared/wire"
	"github.com/kpipeline/kpipeline/worker/internal/harness"
)

// handleDelivery is the nine-step per-message handler of §4.5.
func (r *Runtime) handleDelivery(ctx context.Context, d amqp.Delivery) {
	// 1. Reject-with-requeue immediately if shutting down.
	if r.isClosing() {
		_ = d.Nack(false, true)
		return
	}

	var jobID wire.JobID
	if err := json.Unmarshal(d.Body, &jobID); err != nil {
		r.log.Error("malformed stage queue message, dropping without requeue", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	log := r.log.With(zap.Stringer("jobId", jobID))

	// 2. Fetch system configuration.
	sysCfg, err := r.getConfig.Call(ctx, wire.GetSystemConfigRequest{})
	if err != nil {
		log.Error("get_system_config failed, requeueing", zap.Error(err))
		_ = d.Nack(false, true)
		return
	}

	// 3. Attempt to claim the job.
	focusResp, err := r.focus.Call(ctx, wire.FocusJobRequest{JobID: jobID, Hostname: r.cfg.Hostname})
	if err != nil {
		log.Error("focus_job failed, requeueing", zap.Error(err))
		_ = d.Nack(false, true)
		return
	}
	if focusResp.Outcome != wire.FocusOutcomeFocused {
		_ = d.Ack(false)
		return
	}
	jc := focusResp.Context
	stage, ok := jc.CurrentStage()
	if !ok {
		log.Error("focused job context has no current stage", zap.Int("currentWorker", jc.Digest.CurrentWorker))
		_ = d.Ack(false)
		return
	}

	backend, err := r.backendFor(ctx, sysCfg.Storage)
	if err != nil {
		log.Error("failed to build storage backend, reporting unexpected failure", zap.Error(err))
		r.reportAndAck(ctx, d, jc, jobID, stage.WorkerType, harness.UnexpectedFailure("runtime.StorageBackendError", err.Error()))
		return
	}

	task, err := r.factory(sysCfg.WorkerConfigs[r.cfg.WorkerType])
	if err != nil {
		log.Error("task factory failed, reporting unexpected failure", zap.Error(err))
		r.reportAndAck(ctx, d, jc, jobID, stage.WorkerType, harness.UnexpectedFailure("runtime.TaskFactoryError", err.Error()))
		return
	}

	// 4. Construct the harness for the claimed stage.
	h := harness.New(jc, jobID, jc.Digest.CurrentWorker, stage.WorkerType, r.cfg.Hostname, stage.WorkerArgument, backend, r)

	taskCtx, cancel := context.WithCancel(ctx)
	handle := &taskHandle{jobID: jobID, cancel: cancel}
	r.mu.Lock()
	r.current = handle
	r.mu.Unlock()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ActiveTasks.Set(1)
	}

	// 5+6. Run the task; harness.Run owns the scratch-directory lifecycle
	// and always invokes OnClean on every exit path.
	start := time.Now()
	outcome := harness.Run(taskCtx, task, h, r.cfg.ScratchBaseDir, handle.getReason)
	cancel()

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ActiveTasks.Set(0)
		r.cfg.Metrics.RecordTask(outcomeLabel(outcome.Kind), time.Since(start))
	}

	// 7-9.
	r.reportAndAck(ctx, d, jc, jobID, stage.WorkerType, outcome)
}

// reportAndAck builds the deliverable from outcome, calls update_job,
// releases the yield blocker if armed, and acks the original message.
func (r *Runtime) reportAndAck(ctx context.Context, d amqp.Delivery, jc *wire.JobContext, jobID wire.JobID, workerType string, outcome harness.Outcome) {
	deliverable := deliverableFrom(outcome, r.cfg.Hostname, workerType, jc.Digest.CurrentWorker, jobID)

	if _, err := r.update.Call(ctx, wire.UpdateJobRequest{Deliverable: deliverable}); err != nil {
		r.log.Error("update_job failed", zap.Stringer("jobId", jobID), zap.Error(err))
	}

	if outcome.Kind == harness.OutcomeYieldedForShutdown {
		r.mu.Lock()
		if r.yieldRelease != nil {
			select {
			case r.yieldRelease <- struct{}{}:
			default:
			}
			r.yieldRelease = nil
		}
		r.mu.Unlock()
	}

	_ = d.Ack(false)
}

func outcomeLabel(kind harness.OutcomeKind) string {
	switch kind {
	case harness.OutcomeOk:
		return "ok"
	case harness.OutcomeJobFailure:
		return "job_failure"
	case harness.OutcomeAbortedByOperator:
		return "aborted"
	case harness.OutcomeYieldedForShutdown:
		return "yielded"
	default:
		return "unexpected_failure"
	}
}

func deliverableFrom(outcome harness.Outcome, hostname, workerType string, stageIndex int, jobID wire.JobID) wire.Deliverable {
	d := wire.Deliverable{Hostname: hostname, WorkerType: workerType, StageIndex: stageIndex, JobID: jobID}
	switch outcome.Kind {
	case harness.OutcomeOk:
		d.Result = outcome.Result
	case harness.OutcomeJobFailure:
		d.JobException = &wire.JobException{Code: outcome.Code, Content: outcome.Content}
	case harness.OutcomeAbortedByOperator:
		d.WorkerException = &wire.WorkerException{Code: wire.WorkerExceptionAborted}
	case harness.OutcomeYieldedForShutdown:
		d.WorkerException = &wire.WorkerException{Code: wire.WorkerExceptionYielded}
	case harness.OutcomeUnexpectedFailure:
		d.WorkerException = &wire.WorkerException{Code: wire.WorkerExceptionGeneral, TypeName: outcome.TypeName, Backtrace: outcome.Backtrace}
	}
	return d
}
