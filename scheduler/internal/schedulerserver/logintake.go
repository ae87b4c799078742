package schedulerserver

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kpipeline/kpipeline/shared/wire"
)

// consumeSystemLogs drains the system-log intake queue, a fire-and-forget
// publish from the worker runtime (§6) with no reply expected.
func (s *Server) consumeSystemLogs(ctx context.Context) error {
	return s.consumeLogQueue(ctx, wire.QueueInsertSystemLog, s.st.InsertSystemLog)
}

// consumeJobLogs drains the job-log intake queue.
func (s *Server) consumeJobLogs(ctx context.Context) error {
	return s.consumeLogQueue(ctx, wire.QueueInsertJobLog, s.st.InsertJobLog)
}

func (s *Server) consumeLogQueue(ctx context.Context, queue string, insert func(context.Context, wire.LogRecord) error) error {
	if _, err := s.conn.DeclareWorkQueue(queue); err != nil {
		return err
	}
	deliveries, err := s.conn.Consume(queue, 0)
	if err != nil {
		return err
	}
	log := s.log.With(zap.String("queue", queue))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			s.handleLogDelivery(ctx, log, d, insert)
		}
	}
}

func (s *Server) handleLogDelivery(ctx context.Context, log *zap.Logger, d amqp.Delivery, insert func(context.Context, wire.LogRecord) error) {
	var rec wire.LogRecord
	if err := json.Unmarshal(d.Body, &rec); err != nil {
		log.Error("malformed log record, dropping without requeue", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if err := insert(ctx, rec); err != nil {
		log.Error("failed to persist log record, requeueing", zap.Error(err))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}
