// Package schedulerserver is the orchestration layer sitting above the
// persistence backend (§4.4): it binds the three bus RPCs to store
// operations, publishes dispatch messages, consumes the two log-intake
// queues, and owns the abort controller. Structurally parallel to the
// teacher's internal/scheduler (a wrapper type coordinating a scheduling
// primitive with dispatch), with gocron repurposed from cron-expression
// policy scheduling to the periodic crash-recovery sweep.
package schedulerserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/kpipeline/kpipeline/scheduler/internal/metrics"
	"github.com/kpipeline/kpipeline/scheduler/internal/store"
	"github.com/kpipeline/kpipeline/shared/bus"
	"github.com/kpipeline/kpipeline/shared/rpc"
	"github.com/kpipeline/kpipeline/shared/wire"
)

// Config bundles the server's fixed inputs.
type Config struct {
	SystemConfig wire.SystemConfig
	// ConfigSource, when set, is consulted on every get_system_config
	// call instead of the static SystemConfig field — wired to a
	// config.Watcher's Current().SystemConfig() by cmd/scheduler so a
	// config-file edit takes effect without a restart.
	ConfigSource func() wire.SystemConfig
	// StaleAfter is how long a digest may sit InProgress before the
	// recurring safety-net sweep reclaims it — an extension beyond the
	// one-shot startup sweep §4.3 specifies; see DESIGN.md.
	StaleAfter time.Duration
	// Metrics is optional; when nil, RPC handlers run unmetered.
	Metrics *metrics.Metrics
}

// Server is the running scheduler process: the three RPC servers, the
// two log-intake consumers, and the periodic crash-recovery sweep.
type Server struct {
	st     store.Store
	conn   *bus.Connection
	log    *zap.Logger
	cfg    Config
	cron   gocron.Scheduler

	getConfigSrv *rpc.Server[wire.GetSystemConfigRequest, wire.SystemConfig]
	focusJobSrv  *rpc.Server[wire.FocusJobRequest, wire.FocusJobResponse]
	updateJobSrv *rpc.Server[wire.UpdateJobRequest, wire.UpdateJobResponse]
}

// New wires the RPC servers and the gocron sweep job, but does not start
// consuming yet — call Run.
func New(conn *bus.Connection, st store.Store, log *zap.Logger, cfg Config) (*Server, error) {
	log = log.Named("schedulerserver")
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("schedulerserver: create gocron scheduler: %w", err)
	}

	s := &Server{st: st, conn: conn, log: log, cfg: cfg, cron: cron}

	s.getConfigSrv, err = rpc.NewServer(conn, log, wire.RPCGetSystemConfig, s.handleGetSystemConfig)
	if err != nil {
		return nil, err
	}
	s.focusJobSrv, err = rpc.NewServer(conn, log, wire.RPCFocusJob, s.handleFocusJob)
	if err != nil {
		return nil, err
	}
	s.updateJobSrv, err = rpc.NewServer(conn, log, wire.RPCUpdateJob, s.handleUpdateJob)
	if err != nil {
		return nil, err
	}

	if cfg.StaleAfter > 0 {
		if _, err := cron.NewJob(
			gocron.DurationJob(cfg.StaleAfter/2),
			gocron.NewTask(func() { s.sweepStale(context.Background()) }),
		); err != nil {
			return nil, fmt.Errorf("schedulerserver: schedule staleness sweep: %w", err)
		}
	}

	return s, nil
}

// Run performs the one-shot startup crash-recovery sweep (§4.3), then
// runs the three RPC servers, the log-intake consumers, and the gocron
// safety-net sweep until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	swept, err := s.st.SweepCrashed(ctx)
	if err != nil {
		return fmt.Errorf("schedulerserver: startup sweep: %w", err)
	}
	if swept > 0 {
		s.log.Info("startup crash-recovery sweep aborted stale digests", zap.Int64("count", swept))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.StaleSweptTotal.Add(float64(swept))
		}
	}

	s.cron.Start()
	defer func() { _ = s.cron.Shutdown() }()

	errCh := make(chan error, 5)
	go func() { errCh <- s.getConfigSrv.Run(ctx) }()
	go func() { errCh <- s.focusJobSrv.Run(ctx) }()
	go func() { errCh <- s.updateJobSrv.Run(ctx) }()
	go func() { errCh <- s.consumeSystemLogs(ctx) }()
	go func() { errCh <- s.consumeJobLogs(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) sweepStale(ctx context.Context) {
	n, err := s.st.SweepCrashed(ctx)
	if err != nil {
		s.log.Warn("staleness sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("staleness sweep aborted stuck digests", zap.Int64("count", n))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.StaleSweptTotal.Add(float64(n))
		}
	}
}

func (s *Server) handleGetSystemConfig(_ context.Context, _ wire.GetSystemConfigRequest) (wire.SystemConfig, error) {
	if s.cfg.ConfigSource != nil {
		return s.cfg.ConfigSource(), nil
	}
	return s.cfg.SystemConfig, nil
}

func (s *Server) handleFocusJob(ctx context.Context, req wire.FocusJobRequest) (wire.FocusJobResponse, error) {
	var result store.FocusResult
	err := s.metered(wire.RPCFocusJob, func() error {
		var innerErr error
		result, innerErr = s.st.FocusJob(ctx, req.JobID, req.Hostname)
		return innerErr
	})
	if err != nil {
		return wire.FocusJobResponse{}, err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordClaimOutcome(string(result.Outcome))
	}
	return wire.FocusJobResponse{Outcome: result.Outcome, Context: result.Context}, nil
}

func (s *Server) handleUpdateJob(ctx context.Context, req wire.UpdateJobRequest) (wire.UpdateJobResponse, error) {
	var dispatch *store.Dispatch
	err := s.metered(wire.RPCUpdateJob, func() error {
		var innerErr error
		dispatch, innerErr = s.st.UpdateJob(ctx, req)
		return innerErr
	})
	if err != nil {
		return wire.UpdateJobResponse{}, err
	}
	if dispatch == nil {
		return wire.UpdateJobResponse{}, nil
	}
	if err := s.enqueue(ctx, dispatch.JobID, dispatch.NextWorkerType); err != nil {
		s.log.Error("failed to dispatch next stage", zap.Error(err), zap.Stringer("jobId", dispatch.JobID), zap.String("nextWorkerType", dispatch.NextWorkerType))
	}
	return wire.UpdateJobResponse{Dispatch: &wire.DispatchInstruction{JobID: dispatch.JobID, NextWorkerType: dispatch.NextWorkerType}}, nil
}

// metered runs fn, recording RPC latency/errors when metrics are
// configured, and is a plain passthrough otherwise.
func (s *Server) metered(rpcName string, fn func() error) error {
	if s.cfg.Metrics == nil {
		return fn()
	}
	return s.cfg.Metrics.ObserveRPC(rpcName, fn)
}

// enqueue publishes the job id onto the named stage queue, declaring it
// first so the publish never targets a missing queue.
func (s *Server) enqueue(ctx context.Context, id wire.JobID, workerType string) error {
	if _, err := s.conn.DeclareWorkQueue(workerType); err != nil {
		return fmt.Errorf("declare queue %s: %w", workerType, err)
	}
	body, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal job id: %w", err)
	}
	if err := s.conn.Publish(ctx, workerType, body, "", ""); err != nil {
		return fmt.Errorf("publish to %s: %w", workerType, err)
	}
	return nil
}

// Dispatch enqueues id onto the given stage's queue — exported so the
// REST layer can call it directly after NewJob and RestartJob, which do
// not go through update_job.
func (s *Server) Dispatch(ctx context.Context, id wire.JobID, workerType string) error {
	return s.enqueue(ctx, id, workerType)
}
