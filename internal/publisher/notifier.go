package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sweeney/asterisk-calltracker/internal/tracker"
)

// DefaultQueueSize bounds the number of changes waiting to be published.
const DefaultQueueSize = 256

const (
	publishTimeout = 5 * time.Second
	flushTimeout   = 2 * time.Second
)

// payload is the JSON structure published to MQTT.
type payload struct {
	Event            string `json:"event"`
	Description      string `json:"description"`
	CallID           string `json:"call_id"`
	Channel          string `json:"channel"`
	Timestamp        string `json:"timestamp"`
	Reason           string `json:"reason,omitempty"`
	Cause            string `json:"cause,omitempty"`
	CauseDescription string `json:"cause_description,omitempty"`
	CauseCode        *int   `json:"cause_code,omitempty"`
}

var stateDescriptions = map[tracker.CallState]string{
	tracker.StateCreated: "Asterisk accepted the originated call and assigned it a channel",
	tracker.StateClosed:  "The call has ended",
}

// Notifier publishes tracker changes to MQTT from its own goroutine so the
// tracker's dispatch path never waits on the broker.
type Notifier struct {
	pub     Publisher
	prefix  string
	log     *slog.Logger
	queue   chan tracker.Change
	dropped atomic.Uint64
}

// NewNotifier creates a Notifier. Call Run to start publishing.
func NewNotifier(pub Publisher, prefix string, queueSize int, logger *slog.Logger) *Notifier {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		pub:    pub,
		prefix: prefix,
		log:    logger.With("component", "notifier"),
		queue:  make(chan tracker.Change, queueSize),
	}
}

// Observe enqueues a change. It never blocks; when the queue is full the
// change is dropped and counted. It satisfies tracker.Observer.
func (n *Notifier) Observe(change tracker.Change) {
	select {
	case n.queue <- change:
	default:
		n.dropped.Add(1)
		n.log.Warn("publish queue full, change dropped", "call_id", change.CallID, "event", change.State)
	}
}

// Dropped returns how many changes were discarded because the queue was full.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

// Run publishes queued changes until ctx is cancelled, then flushes what is
// left with a short grace period. ctx bounds the loop, not individual
// publishes: each one gets its own timeout so a change dequeued during
// shutdown is still delivered.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case change := <-n.queue:
			n.publish(context.Background(), change)
		case <-ctx.Done():
			n.flush()
			return
		}
	}
}

func (n *Notifier) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case change := <-n.queue:
			n.publish(ctx, change)
		default:
			return
		}
	}
}

func (n *Notifier) publish(parent context.Context, change tracker.Change) {
	ctx, cancel := context.WithTimeout(parent, publishTimeout)
	defer cancel()
	if err := PublishChange(ctx, n.pub, n.prefix, change); err != nil {
		n.log.Error("publish error", "call_id", change.CallID, "event", change.State, "error", err)
	}
}

// Topic returns the topic a change is published on: <prefix>/call/<id>/<state>.
func Topic(prefix string, change tracker.Change) string {
	return fmt.Sprintf("%s/call/%s/%s", prefix, change.CallID, change.State)
}

// PublishChange renders a change as JSON and publishes it.
func PublishChange(ctx context.Context, pub Publisher, prefix string, change tracker.Change) error {
	p := payload{
		Event:       string(change.State),
		Description: stateDescriptions[change.State],
		CallID:      change.CallID,
		Channel:     change.Channel,
		Timestamp:   change.Timestamp.UTC().Format(time.RFC3339),
	}

	if change.State == tracker.StateClosed {
		p.Reason = string(change.Reason)
		if change.Reason == tracker.ReasonHangup {
			p.Cause = change.Cause
			p.CauseDescription = change.CauseDescription
			p.CauseCode = &change.CauseCode
		}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	return pub.Publish(ctx, Topic(prefix, change), data, false)
}
