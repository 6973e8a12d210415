// Package realtime provides the pub/sub hint channel between the
// orchestrator and robot agents. Delivery is best-effort: subscribers may
// miss, duplicate, or reorder messages, and every consumer must converge
// through the claim store regardless. Treat it as a latency optimization,
// never as the assignment mechanism.
package realtime

import "context"

// Topics shared by the orchestrator and robot agents.
const (
	// TopicJobs carries protocol.JobHint payloads announcing claimable work.
	TopicJobs = "fleet_jobs"

	// TopicControl carries protocol.ControlMessage payloads: assignments,
	// cancellations and fleet commands.
	TopicControl = "fleet_control"

	// TopicEvents carries enveloped protocol messages from robots back to
	// the orchestrator: accepts, progress, completions, failures.
	TopicEvents = "fleet_events"

	// TopicPresence carries protocol.PresenceUpdate payloads.
	TopicPresence = "fleet_presence"
)

// Channel is a topic-based pub/sub transport.
type Channel interface {
	// Publish sends a payload to every current subscriber of the topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns a channel of payloads for the topic. The channel
	// closes when ctx is cancelled.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)

	// Close releases the transport. Pending subscriptions end.
	Close() error
}

// NopChannel is a Channel for poll-only deployments: publishes vanish and
// subscriptions never deliver.
type NopChannel struct{}

// NewNopChannel creates a no-op channel.
func NewNopChannel() *NopChannel { return &NopChannel{} }

func (*NopChannel) Publish(context.Context, string, []byte) error { return nil }

func (*NopChannel) Subscribe(ctx context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (*NopChannel) Close() error { return nil }
