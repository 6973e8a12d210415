package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// subscriberBuffer bounds how far a slow subscriber may lag before
// messages drop.
const subscriberBuffer = 16

// InProcChannel implements Channel with in-process fan-out. Single-binary
// deployments and tests use it in place of Postgres NOTIFY.
type InProcChannel struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	closed bool
}

// NewInProcChannel creates an in-process channel.
func NewInProcChannel() *InProcChannel {
	return &InProcChannel{subs: make(map[string][]chan []byte)}
}

// Publish fans the payload out to current subscribers. Subscribers with a
// full buffer miss the message; they recover via their next store poll.
func (c *InProcChannel) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("publish to %s: channel closed", topic)
	}

	for _, sub := range c.subs[topic] {
		out := slices.Clone(payload)
		select {
		case sub <- out:
		default:
			slog.DebugContext(ctx, "dropping realtime message, subscriber lagging", "topic", topic)
		}
	}
	return nil
}

// Subscribe registers a subscriber that receives until ctx ends or the
// channel closes.
func (c *InProcChannel) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("subscribe to %s: channel closed", topic)
	}

	ch := make(chan []byte, subscriberBuffer)
	c.subs[topic] = append(c.subs[topic], ch)

	go func() {
		<-ctx.Done()
		c.unsubscribe(topic, ch)
	}()

	return ch, nil
}

func (c *InProcChannel) unsubscribe(topic string, ch chan []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	subs := c.subs[topic]
	for i, sub := range subs {
		if sub == ch {
			c.subs[topic] = slices.Delete(subs, i, i+1)
			close(ch)
			return
		}
	}
}

// Close ends every subscription.
func (c *InProcChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	for _, subs := range c.subs {
		for _, sub := range subs {
			close(sub)
		}
	}
	c.subs = nil
	return nil
}
