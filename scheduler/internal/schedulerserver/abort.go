package schedulerserver

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kpipeline/kpipeline/shared/wire"
)

// AbortJob implements §4.3's two-path abort: when the digest has no
// current claimant the store transition alone suffices; otherwise the
// scheduler fires a one-way control message at the claiming worker's
// abort queue and returns without awaiting confirmation (§9 — the
// source does this and the behavior is preserved rather than guessed
// into a synchronous confirm/timeout dance).
func (s *Server) AbortJob(ctx context.Context, id wire.JobID) (bool, error) {
	ok, err := s.st.AbortJob(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	jc, err := s.st.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if jc.Digest.Status.Terminal() {
		return false, nil
	}
	if jc.Digest.CurrentWorkerHostname == "" {
		// No claimant (the store call above aborts unclaimed Pending and
		// Waiting jobs); nothing to signal remotely.
		return false, nil
	}

	if err := s.signalWorker(ctx, jc.Digest.CurrentWorkerHostname, wire.WorkerAbortQueueFmt, id); err != nil {
		s.log.Error("failed to publish remote abort signal", zap.Error(err), zap.String("hostname", jc.Digest.CurrentWorkerHostname))
	}
	return false, nil
}

func (s *Server) signalWorker(ctx context.Context, hostname, queueFmt string, id wire.JobID) error {
	queue := fmt.Sprintf(queueFmt, hostname)
	if _, err := s.conn.DeclareWorkQueue(queue); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	body, err := json.Marshal(wire.AbortControlRequest{JobID: id})
	if err != nil {
		return fmt.Errorf("marshal abort control request: %w", err)
	}
	return s.conn.Publish(ctx, queue, body, "", "")
}
