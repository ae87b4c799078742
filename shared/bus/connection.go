// Package bus wraps the AMQP 0-9-1 broker connection shared by the
// scheduler and worker processes: a single reconnecting connection per
// process, one channel per publisher/consumer, and the handful of
// declare/publish/consume helpers both the RPC layer (§4.2) and the
// log-intake queues (§6) are built on.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Connection owns a single AMQP connection and reconnects it in the
// background when the broker drops it. Callers obtain channels through
// Channel(); a channel is only valid until the next reconnect, so
// long-lived consumers should watch Closed() and re-declare.
type Connection struct {
	log   *zap.Logger
	url   string
	mu    sync.RWMutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	dead  chan struct{}
}

// Dial connects to the broker at url and starts the background reconnect
// loop. The returned Connection is ready for immediate use.
func Dial(ctx context.Context, log *zap.Logger, url string) (*Connection, error) {
	c := &Connection{log: log.Named("bus"), url: url}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.reconnectLoop(ctx)
	return c, nil
}

func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("bus: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("bus: open channel: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.dead = make(chan struct{})
	c.mu.Unlock()
	return nil
}

// reconnectLoop watches the current connection's close notification and
// redials with capped backoff until ctx is cancelled.
func (c *Connection) reconnectLoop(ctx context.Context) {
	for {
		c.mu.RLock()
		conn := c.conn
		dead := c.dead
		c.mu.RUnlock()

		closeErr := make(chan *amqp.Error, 1)
		conn.NotifyClose(closeErr)

		select {
		case <-ctx.Done():
			conn.Close()
			return
		case err := <-closeErr:
			close(dead)
			c.log.Warn("broker connection lost, reconnecting", zap.NamedError("cause", err))
		}

		backoff := 500 * time.Millisecond
		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.connect(); err != nil {
				c.log.Warn("reconnect attempt failed", zap.Error(err), zap.Duration("backoff", backoff))
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			c.log.Info("broker connection restored")
			break
		}
	}
}

// Channel returns the current live channel. Callers must not cache it
// across a reconnect; re-fetch via Channel() after Closed() fires.
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ch
}

// Closed returns a channel that is closed when the current underlying
// connection drops, signalling that any cached Channel() is stale.
func (c *Connection) Closed() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dead
}

// Close shuts down the connection and stops reconnecting.
func (c *Connection) Close() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// DeclareWorkQueue declares a durable, named queue — the shape used for
// RPC request queues and worker dispatch queues, where messages must
// survive a broker restart.
func (c *Connection) DeclareWorkQueue(name string) (amqp.Queue, error) {
	return c.Channel().QueueDeclare(name, true, false, false, false, nil)
}

// DeclareReplyQueue declares a server-named, exclusive, auto-delete
// queue — the shape used for RPC reply-to queues, scoped to the
// lifetime of the declaring connection.
func (c *Connection) DeclareReplyQueue() (amqp.Queue, error) {
	return c.Channel().QueueDeclare("", false, false, true, false, nil)
}

// Publish sends body to the default exchange with routing key rk,
// optionally tagging correlationID/replyTo for RPC-style request/reply.
func (c *Connection) Publish(ctx context.Context, rk string, body []byte, correlationID, replyTo string) error {
	return c.Channel().PublishWithContext(ctx, "", rk, false, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		CorrelationId: correlationID,
		ReplyTo:       replyTo,
	})
}

// Consume starts a manual-ack consumer on queue with the given prefetch
// count (0 means unlimited, per §5's "Ordering guarantees").
func (c *Connection) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	ch := c.Channel()
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("bus: set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("bus: consume %s: %w", queue, err)
	}
	return deliveries, nil
}
