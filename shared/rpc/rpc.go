// Package rpc implements the request/reply pattern used for the three
// scheduler RPCs (§4.2): a generic client keyed by correlation id and a
// generic server that dispatches each request to a handler function.
// Both are thin generic wrappers over shared/bus, grounded on
// original_source/kcore/rpc.py's GeneralRpcClient/RpcClient/RpcServer.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kpipeline/kpipeline/shared/bus"
)

// Client calls a single named RPC, marshaling Req and unmarshaling Resp
// as JSON. One Client owns one reply queue and may be called
// concurrently from multiple goroutines.
type Client[Req, Resp any] struct {
	conn    *bus.Connection
	rpcName string
	reply   amqp.Queue

	mu      sync.Mutex
	pending map[string]chan []byte
}

// NewClient declares the client's private reply queue and starts the
// background loop that routes responses back to waiting callers.
func NewClient[Req, Resp any](ctx context.Context, conn *bus.Connection, log *zap.Logger, rpcName string) (*Client[Req, Resp], error) {
	q, err := conn.DeclareReplyQueue()
	if err != nil {
		return nil, fmt.Errorf("rpc: declare reply queue for %s: %w", rpcName, err)
	}
	deliveries, err := conn.Consume(q.Name, 0)
	if err != nil {
		return nil, fmt.Errorf("rpc: consume reply queue for %s: %w", rpcName, err)
	}
	c := &Client[Req, Resp]{
		conn:    conn,
		rpcName: rpcName,
		reply:   q,
		pending: make(map[string]chan []byte),
	}
	go c.drain(ctx, log.Named("rpc-client").With(zap.String("rpc", rpcName)), deliveries)
	return c, nil
}

func (c *Client[Req, Resp]) drain(ctx context.Context, log *zap.Logger, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.mu.Lock()
			ch, found := c.pending[d.CorrelationId]
			if found {
				delete(c.pending, d.CorrelationId)
			}
			c.mu.Unlock()
			if !found {
				log.Warn("reply for unknown or already-fulfilled correlation id", zap.String("correlationId", d.CorrelationId))
				_ = d.Ack(false)
				continue
			}
			ch <- d.Body
			_ = d.Ack(false)
		}
	}
}

// Call sends req and blocks until the matching reply arrives or ctx is
// done. Every call allocates a fresh correlation id; a pending slot is
// never reused after fulfillment.
func (c *Client[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var zero Resp
	body, err := json.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("rpc: marshal request for %s: %w", c.rpcName, err)
	}

	correlationID := uuid.NewString()
	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.pending[correlationID] = ch
	c.mu.Unlock()

	if err := c.conn.Publish(ctx, c.rpcName, body, correlationID, c.reply.Name); err != nil {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
		return zero, fmt.Errorf("rpc: publish %s: %w", c.rpcName, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
		return zero, ctx.Err()
	case raw := <-ch:
		var resp Resp
		if err := json.Unmarshal(raw, &resp); err != nil {
			return zero, fmt.Errorf("rpc: unmarshal response for %s: %w", c.rpcName, err)
		}
		return resp, nil
	}
}

// Handler processes one decoded request and returns the response to send
// back, or an error to log and requeue (the request queue redelivers on
// failure — see §4.1's requeue note — so handlers should be idempotent
// or return successfully after partial application).
type Handler[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Server binds a Handler to a named request queue with prefetch 1, the
// single-in-flight-call-per-process shape §4.2 specifies for the
// scheduler's three RPCs.
type Server[Req, Resp any] struct {
	conn    *bus.Connection
	log     *zap.Logger
	rpcName string
	handler Handler[Req, Resp]
}

// NewServer declares rpcName as a durable work queue and returns a
// Server ready to Run.
func NewServer[Req, Resp any](conn *bus.Connection, log *zap.Logger, rpcName string, handler Handler[Req, Resp]) (*Server[Req, Resp], error) {
	if _, err := conn.DeclareWorkQueue(rpcName); err != nil {
		return nil, fmt.Errorf("rpc: declare queue %s: %w", rpcName, err)
	}
	return &Server[Req, Resp]{
		conn:    conn,
		log:     log.Named("rpc-server").With(zap.String("rpc", rpcName)),
		rpcName: rpcName,
		handler: handler,
	}, nil
}

// Run consumes rpcName until ctx is done, invoking handler for each
// request and publishing its response to the request's reply-to queue
// tagged with the same correlation id.
func (s *Server[Req, Resp]) Run(ctx context.Context) error {
	deliveries, err := s.conn.Consume(s.rpcName, 1)
	if err != nil {
		return fmt.Errorf("rpc: consume %s: %w", s.rpcName, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			s.handleOne(ctx, d)
		}
	}
}

func (s *Server[Req, Resp]) handleOne(ctx context.Context, d amqp.Delivery) {
	var req Req
	if err := json.Unmarshal(d.Body, &req); err != nil {
		s.log.Error("malformed request, dropping without requeue", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	resp, err := s.handler(ctx, req)
	if err != nil {
		s.log.Error("handler failed, requeueing", zap.Error(err))
		_ = d.Nack(false, true)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal response, dropping without requeue", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	if d.ReplyTo != "" {
		if err := s.conn.Publish(ctx, d.ReplyTo, body, d.CorrelationId, ""); err != nil {
			s.log.Error("failed to publish response", zap.Error(err))
			_ = d.Nack(false, true)
			return
		}
	}
	_ = d.Ack(false)
}
