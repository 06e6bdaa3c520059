package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/relayforge/sessiond/internal/event"
)

// PulseClient exposes the subset of goa.design/pulse streaming needed by
// PulseSink, mirrored so it can be faked in tests without a live Redis
// connection.
type PulseClient interface {
	Stream(name string, opts ...streamopts.Stream) (PulseStream, error)
	Close(ctx context.Context) error
}

// PulseStream is the per-stream handle PulseSink publishes onto.
type PulseStream interface {
	Add(ctx context.Context, event string, payload []byte) (string, error)
}

// NewPulseClient wraps a Redis connection as a PulseClient, for deployments
// that run the Subscription Registry's relay fan-out across multiple
// processes behind a shared Redis instance rather than in-process channels.
func NewPulseClient(rdb *redis.Client, opts ...streamopts.Stream) PulseClient {
	return &pulseClient{rdb: rdb, opts: opts}
}

type pulseClient struct {
	rdb  *redis.Client
	opts []streamopts.Stream
}

func (c *pulseClient) Stream(name string, opts ...streamopts.Stream) (PulseStream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	s, err := streaming.NewStream(name, c.rdb, append(append([]streamopts.Stream(nil), c.opts...), opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &pulseStreamHandle{stream: s}, nil
}

func (c *pulseClient) Close(ctx context.Context) error { return nil }

type pulseStreamHandle struct{ stream *streaming.Stream }

func (h *pulseStreamHandle) Add(ctx context.Context, ev string, payload []byte) (string, error) {
	id, err := h.stream.Add(ctx, ev, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

// envelope is the JSON shape published to a Pulse stream for a thread event.
type envelope struct {
	Type     string    `json:"type"`
	ThreadID string    `json:"thread_id"`
	TurnID   string    `json:"turn_id,omitempty"`
	At       time.Time `json:"at"`
	Payload  any       `json:"payload,omitempty"`
}

// PulseSink publishes thread events onto a per-thread Pulse stream, giving
// the Subscription Registry a cross-process relay transport: a connection
// served by a different sessiond process can subscribe by reading the same
// Redis-backed stream instead of requiring its relay goroutine to live in
// the process that owns the thread.Handle.
type PulseSink struct {
	client   PulseClient
	streamID func(event.Event) string
}

// NewPulseSink constructs a PulseSink. streamID defaults to
// "thread/<ThreadID>" when nil.
func NewPulseSink(client PulseClient, streamID func(event.Event) string) *PulseSink {
	if streamID == nil {
		streamID = func(ev event.Event) string { return "thread/" + ev.ThreadID() }
	}
	return &PulseSink{client: client, streamID: streamID}
}

// Send implements event.Sink.
func (s *PulseSink) Send(ctx context.Context, ev event.Event) error {
	stream, err := s.client.Stream(s.streamID(ev))
	if err != nil {
		return err
	}
	env := envelope{Type: string(ev.Type()), ThreadID: ev.ThreadID(), TurnID: ev.TurnID(), At: time.Now().UTC(), Payload: ev.Payload()}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	_, err = stream.Add(ctx, env.Type, payload)
	return err
}

// Close implements event.Sink.
func (s *PulseSink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
