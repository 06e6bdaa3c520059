package thread

import (
	"context"

	"github.com/relayforge/sessiond/internal/event"
)

// Agent is the boundary between the orchestrator and whatever executes a
// turn's model/tool work. The registry never inspects model output itself;
// it hands a Turn to the configured Agent and relays whatever events the
// Agent emits to the thread's event stream. A deployment wires in its own
// Agent implementation; NoopAgent below satisfies the interface for
// orchestration paths that need no model execution (tests, dry runs).
type Agent interface {
	// Run executes items as one turn, emitting events through emit as work
	// progresses, and must return promptly after ctx is canceled. The handle
	// emits the turn's terminal event itself: TurnAborted when Run returns a
	// non-nil error, TurnComplete when Run returns nil and the turn was not
	// interrupted meanwhile.
	Run(ctx context.Context, threadID string, turn *Turn, cfg Config, emit func(event.Event)) error
}

// NoopAgent immediately completes every turn, emitting only one
// AgentMessage event with empty text, useful where the orchestrator runs standalone of a
// model backend (unit tests, transport conformance checks).
type NoopAgent struct{}

// Run implements Agent.
func (NoopAgent) Run(ctx context.Context, threadID string, turn *Turn, cfg Config, emit func(event.Event)) error {
	emit(event.NewBase(event.TypeAgentMessage, threadID, turn.ID, event.AgentMessagePayload{Text: ""}))
	return nil
}
