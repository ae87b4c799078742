// Package runtime is the worker process's per-message handler (§4.5):
// claims a job, runs its current stage through the task harness, and
// reports the result back. Structurally it plays the role the teacher
// splits across agent/internal/connection (owns the durable connection,
// reconnects, control RPCs) and agent/internal/executor (owns the
// single-job-at-a-time run loop) — merged into one package here because
// this worker has no separate queue-manager/executor split, just one
// per-message handler bound to a single stage queue.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kpipeline/kpipeline/shared/bus"
	"github.com/kpipeline/kpipeline/shared/rpc"
	"github.com/kpipeline/kpipeline/shared/storage"
	"github.com/kpipeline/kpipeline/shared/wire"
	"github.com/kpipeline/kpipeline/worker/internal/harness"
	"github.com/kpipeline/kpipeline/worker/internal/metrics"
)

// yieldGraceTimeout bounds how long the shutdown sequence waits for an
// in-flight task to observe cancellation and deliver before it gives up
// and tears the connection down anyway.
const yieldGraceTimeout = 2 * time.Minute

// TaskFactory builds a fresh Task for one claimed stage, given the
// worker-type-specific config blob from get_system_config.
type TaskFactory func(workerConfig json.RawMessage) (harness.Task, error)

// Config bundles a Runtime's fixed inputs.
type Config struct {
	WorkerType     string
	Hostname       string
	ScratchBaseDir string
	// Metrics is optional; when nil, task completions go unrecorded.
	Metrics *metrics.Metrics
}

// Runtime is the running worker process for one workerType.
type Runtime struct {
	conn    *bus.Connection
	log     *zap.Logger
	cfg     Config
	factory TaskFactory

	getConfig *rpc.Client[wire.GetSystemConfigRequest, wire.SystemConfig]
	focus     *rpc.Client[wire.FocusJobRequest, wire.FocusJobResponse]
	update    *rpc.Client[wire.UpdateJobRequest, wire.UpdateJobResponse]
	abortSrv  *rpc.Server[wire.AbortControlRequest, wire.AbortControlResponse]
	yieldSrv  *rpc.Server[wire.YieldControlRequest, wire.YieldControlResponse]

	storageMu      sync.Mutex
	storageCfg     wire.StorageConfig
	storageBackend storage.Backend

	mu           sync.Mutex
	closing      bool
	current      *taskHandle
	yieldRelease chan struct{}
}

// taskHandle tracks the in-flight task so the abort/yield control
// handlers and the shutdown sequence can reach it.
type taskHandle struct {
	jobID  wire.JobID
	cancel context.CancelFunc
	reason atomic.Value
}

func (t *taskHandle) setReason(r string) { t.reason.Store(r) }
func (t *taskHandle) getReason() string {
	v, _ := t.reason.Load().(string)
	return v
}

// New wires the three scheduler RPC clients and the two control RPC
// servers, but does not start consuming the stage queue yet — call Run.
func New(ctx context.Context, conn *bus.Connection, log *zap.Logger, cfg Config, factory TaskFactory) (*Runtime, error) {
	log = log.Named("runtime").With(zap.String("workerType", cfg.WorkerType), zap.String("hostname", cfg.Hostname))
	r := &Runtime{conn: conn, log: log, cfg: cfg, factory: factory}

	var err error
	r.getConfig, err = rpc.NewClient[wire.GetSystemConfigRequest, wire.SystemConfig](ctx, conn, log, wire.RPCGetSystemConfig)
	if err != nil {
		return nil, err
	}
	r.focus, err = rpc.NewClient[wire.FocusJobRequest, wire.FocusJobResponse](ctx, conn, log, wire.RPCFocusJob)
	if err != nil {
		return nil, err
	}
	r.update, err = rpc.NewClient[wire.UpdateJobRequest, wire.UpdateJobResponse](ctx, conn, log, wire.RPCUpdateJob)
	if err != nil {
		return nil, err
	}

	abortQueue := fmt.Sprintf(wire.WorkerAbortQueueFmt, cfg.Hostname)
	r.abortSrv, err = rpc.NewServer(conn, log, abortQueue, r.handleAbort)
	if err != nil {
		return nil, err
	}
	yieldQueue := fmt.Sprintf(wire.WorkerYieldQueueFmt, cfg.Hostname)
	r.yieldSrv, err = rpc.NewServer(conn, log, yieldQueue, r.handleYield)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// Run declares the stage queue and consumes it with prefetch 1 until
// ctx is cancelled, at which point it runs the graceful yield sequence
// (§4.5) before returning.
func (r *Runtime) Run(ctx context.Context) error {
	if _, err := r.conn.DeclareWorkQueue(r.cfg.WorkerType); err != nil {
		return fmt.Errorf("runtime: declare stage queue %s: %w", r.cfg.WorkerType, err)
	}
	deliveries, err := r.conn.Consume(r.cfg.WorkerType, 1)
	if err != nil {
		return fmt.Errorf("runtime: consume %s: %w", r.cfg.WorkerType, err)
	}

	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()

	errCh := make(chan error, 3)
	go func() { errCh <- r.abortSrv.Run(workCtx) }()
	go func() { errCh <- r.yieldSrv.Run(workCtx) }()
	go func() {
		for {
			select {
			case <-workCtx.Done():
				errCh <- nil
				return
			case d, ok := <-deliveries:
				if !ok {
					errCh <- nil
					return
				}
				r.handleDelivery(workCtx, d)
			}
		}
	}()

	select {
	case <-ctx.Done():
		r.gracefulYield(context.Background())
		return nil
	case err := <-errCh:
		return err
	}
}

func (r *Runtime) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

// gracefulYield implements §4.5's shutdown sequence (a)-(f) minus the
// "closes the bus connection / exits" steps, which the caller (cmd's
// main) performs once Run returns.
func (r *Runtime) gracefulYield(ctx context.Context) {
	r.mu.Lock()
	r.closing = true
	cur := r.current
	var wait chan struct{}
	if cur != nil {
		wait = make(chan struct{}, 1)
		r.yieldRelease = wait
		cur.setReason(harness.ReasonYielded)
		cur.cancel()
	}
	r.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-time.After(yieldGraceTimeout):
			r.log.Warn("timed out waiting for in-flight task to yield")
		}
	}

	r.publishGoingOffline(ctx)
}

func (r *Runtime) publishGoingOffline(ctx context.Context) {
	body, err := json.Marshal(map[string]string{"event": "going_offline", "hostname": r.cfg.Hostname})
	if err != nil {
		return
	}
	if _, err := r.conn.DeclareWorkQueue(wire.QueueInsertSystemLog); err != nil {
		r.log.Warn("failed to declare system log queue during shutdown", zap.Error(err))
		return
	}
	rec := wire.LogRecord{TimeStamp: time.Now(), WorkerType: r.cfg.WorkerType, WorkerHostname: r.cfg.Hostname, Content: body}
	recBody, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := r.conn.Publish(ctx, wire.QueueInsertSystemLog, recBody, "", ""); err != nil {
		r.log.Warn("failed to publish going-offline system log", zap.Error(err))
	}
}

// PublishJobLog implements harness.JobLogPublisher.
func (r *Runtime) PublishJobLog(ctx context.Context, rec wire.LogRecord) error {
	if _, err := r.conn.DeclareWorkQueue(wire.QueueInsertJobLog); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.conn.Publish(ctx, wire.QueueInsertJobLog, body, "", "")
}

func (r *Runtime) backendFor(ctx context.Context, cfg wire.StorageConfig) (storage.Backend, error) {
	r.storageMu.Lock()
	defer r.storageMu.Unlock()
	if r.storageBackend != nil && reflect.DeepEqual(r.storageCfg, cfg) {
		return r.storageBackend, nil
	}
	b, err := storage.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.storageCfg = cfg
	r.storageBackend = b
	return b, nil
}

func (r *Runtime) handleAbort(_ context.Context, req wire.AbortControlRequest) (wire.AbortControlResponse, error) {
	return r.cancelCurrent(req.JobID, harness.ReasonAborted), nil
}

func (r *Runtime) handleYield(_ context.Context, req wire.YieldControlRequest) (wire.YieldControlResponse, error) {
	resp := r.cancelCurrent(req.JobID, harness.ReasonYielded)
	return wire.YieldControlResponse{Accepted: resp.Accepted}, nil
}

// cancelCurrent cancels the in-flight task if it matches jobID;
// mismatches are silent no-ops (§4.5 — a common race after the task
// already completed).
func (r *Runtime) cancelCurrent(jobID wire.JobID, reason string) wire.AbortControlResponse {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil || cur.jobID != jobID {
		return wire.AbortControlResponse{Accepted: false}
	}
	cur.setReason(reason)
	cur.cancel()
	return wire.AbortControlResponse{Accepted: true}
}
