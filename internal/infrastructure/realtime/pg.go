package realtime

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxNotifyPayload is the Postgres NOTIFY payload limit.
const maxNotifyPayload = 8000

// Reconnect pacing for dropped LISTEN connections.
const (
	reconnectBase = time.Second
	reconnectMax  = 60 * time.Second
)

// PGChannel implements Channel on Postgres LISTEN/NOTIFY, so deployments
// already running the claim store get the hint channel for free. Each
// subscription holds one dedicated pool connection.
type PGChannel struct {
	pool *pgxpool.Pool
}

// NewPGChannel creates a channel on an existing connection pool. The pool
// stays owned by the caller; Close does not touch it.
func NewPGChannel(pool *pgxpool.Pool) *PGChannel {
	return &PGChannel{pool: pool}
}

// Publish sends the payload via pg_notify. Payloads above the NOTIFY limit
// are rejected rather than truncated.
func (c *PGChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("publish to %s: payload %d bytes exceeds notify limit %d",
			topic, len(payload), maxNotifyPayload)
	}

	if _, err := c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", topic, string(payload)); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe acquires a dedicated connection for LISTEN/NOTIFY and delivers
// payloads until ctx ends. A dropped connection is redialed with jittered
// backoff while the returned channel stays open, so consumers keep their
// subscription across database restarts and only miss the hints published
// during the outage.
func (c *PGChannel) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	conn, err := c.listen(ctx, topic)
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, 16)

	go func() {
		defer close(ch)

		for {
			err := pump(ctx, conn, ch)
			unlisten(conn, topic)
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "listen connection lost, reconnecting",
				"topic", topic, "error", err)

			conn = c.redial(ctx, topic)
			if conn == nil {
				return
			}
		}
	}()

	return ch, nil
}

// listen acquires a dedicated connection and starts LISTEN on it.
func (c *PGChannel) listen(ctx context.Context, topic string) (*pgxpool.Conn, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: acquire connection: %w", topic, err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{topic}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	return conn, nil
}

// redial re-establishes the LISTEN connection, backing off between attempts.
// Returns nil once ctx ends.
func (c *PGChannel) redial(ctx context.Context, topic string) *pgxpool.Conn {
	for attempt := 0; ; attempt++ {
		if !sleepCtx(ctx, retryDelay(attempt)) {
			return nil
		}
		conn, err := c.listen(ctx, topic)
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close is a no-op; the pool belongs to the caller and subscriptions end
// with their contexts.
func (c *PGChannel) Close() error { return nil }

// pump delivers notifications until the connection or the context fails.
func pump(ctx context.Context, conn *pgxpool.Conn, ch chan<- []byte) error {
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		select {
		case ch <- []byte(notification.Payload):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// unlisten ends the subscription before returning the connection to the
// pool. Best effort: the pool discards broken connections on release.
func unlisten(conn *pgxpool.Conn, topic string) {
	_, _ = conn.Exec(context.Background(), "UNLISTEN "+pgx.Identifier{topic}.Sanitize())
	conn.Release()
}

// retryDelay computes exponential backoff with full jitter:
// random(0, min(reconnectMax, reconnectBase * 2^attempt)).
func retryDelay(attempt int) time.Duration {
	backoff := float64(reconnectBase) * math.Pow(2, float64(attempt))
	if backoff > float64(reconnectMax) {
		backoff = float64(reconnectMax)
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(backoff)))
	if err != nil {
		return reconnectBase
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
