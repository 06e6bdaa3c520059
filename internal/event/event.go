// Package event defines the thread-event taxonomy fanned out by the
// Subscription Registry's relay tasks and consumed by the Interrupt
// Coordinator and Stream Controller. Stream events differ from the
// dispatcher's RPC notifications: events are the runtime's internal,
// ordered record of what happened in a thread; the relay task translates
// each one into a wire notification.
//
// All event types implement Event and can be sent concurrently through a
// Sink. Implementations are responsible for marshaling events into their
// wire format (here, a `codex/event/<name>` JSON-RPC notification).
package event

import "context"

type (
	// Sink delivers events to a subscriber's transport. Implementations
	// must be safe for concurrent use: the relay task may call Send from
	// multiple thread relays targeting the same connection.
	Sink interface {
		// Send publishes an event. An error stops delivery to this sink for
		// the remainder of the relay's lifetime; the caller removes the
		// subscription and logs a warning rather than retrying silently.
		Send(ctx context.Context, event Event) error
		// Close releases resources owned by the sink. Idempotent.
		Close(ctx context.Context) error
	}

	// Event is one entry in a thread's event stream. Implementations embed
	// Base and are immutable after construction.
	Event interface {
		// Type returns the event type constant used for profile filtering
		// and for the `codex/event/<name>` notification method suffix.
		Type() Type
		// ThreadID returns the thread that produced this event.
		ThreadID() string
		// TurnID returns the turn that produced this event, empty for
		// thread-scoped (not turn-scoped) events.
		TurnID() string
		// Payload returns the event-specific data in JSON-serializable form.
		Payload() any
	}

	// Base provides the common Event plumbing; concrete event types embed it.
	Base struct {
		t  Type
		th string
		tu string
		p  any
	}

	// Type enumerates event payload flavors.
	Type string
)

// NewBase constructs a Base event with the given type, thread id, optional
// turn id, and payload.
func NewBase(t Type, threadID, turnID string, payload any) Base {
	return Base{t: t, th: threadID, tu: turnID, p: payload}
}

// Type implements Event.Type.
func (b Base) Type() Type { return b.t }

// ThreadID implements Event.ThreadID.
func (b Base) ThreadID() string { return b.th }

// TurnID implements Event.TurnID.
func (b Base) TurnID() string { return b.tu }

// Payload implements Event.Payload.
func (b Base) Payload() any { return b.p }

const (
	// TypeAgentMessageDelta streams an incremental assistant message fragment.
	TypeAgentMessageDelta Type = "agent_message_delta"
	// TypeAgentMessage streams the finalized assistant message for a turn.
	TypeAgentMessage Type = "agent_message"
	// TypeReasoningDelta streams an incremental reasoning fragment.
	TypeReasoningDelta Type = "reasoning_delta"
	// TypePlanUpdateDelta streams an incremental plan-content fragment.
	TypePlanUpdateDelta Type = "plan_update_delta"
	// TypeExecBegin marks the start of a sandboxed command execution.
	TypeExecBegin Type = "exec_begin"
	// TypeExecEnd marks the completion of a sandboxed command execution.
	TypeExecEnd Type = "exec_end"
	// TypePatchBegin marks the start of an apply-patch operation.
	TypePatchBegin Type = "patch_begin"
	// TypePatchEnd marks the completion of an apply-patch operation.
	TypePatchEnd Type = "patch_end"
	// TypeToolCallBegin marks the start of an MCP/plugin-tool invocation.
	TypeToolCallBegin Type = "tool_call_begin"
	// TypeToolCallEnd marks the completion of an MCP/plugin-tool invocation.
	TypeToolCallEnd Type = "tool_call_end"
	// TypeApprovalRequested signals a pending exec/patch approval.
	TypeApprovalRequested Type = "approval_requested"
	// TypeElicitationRequested signals a pending tool-originated elicitation.
	TypeElicitationRequested Type = "elicitation_requested"
	// TypeTurnStarted marks the beginning of a turn.
	TypeTurnStarted Type = "turn_started"
	// TypeTurnComplete marks the successful end of a turn.
	TypeTurnComplete Type = "turn_complete"
	// TypeTurnAborted marks a turn ending via interrupt or failure.
	TypeTurnAborted Type = "turn_aborted"
	// TypeThreadRolledBack marks completion of a thread/rollback operation.
	TypeThreadRolledBack Type = "thread_rolled_back"
	// TypeRawResponseItem streams a raw model-provider response item, gated
	// by each subscriber's raw_events flag.
	TypeRawResponseItem Type = "raw_response_item"
)

// AbortReason classifies why a turn ended via TypeTurnAborted.
type AbortReason string

const (
	// AbortInterrupted indicates the turn ended due to an explicit turn/interrupt.
	AbortInterrupted AbortReason = "interrupted"
	// AbortError indicates the turn ended due to an unrecoverable error.
	AbortError AbortReason = "error"
)

type (
	// AgentMessageDeltaPayload carries one fragment of a streaming assistant message.
	AgentMessageDeltaPayload struct {
		Text string `json:"text"`
	}

	// AgentMessagePayload carries the finalized assistant message for a turn.
	AgentMessagePayload struct {
		Text string `json:"text"`
	}

	// ExecBeginPayload describes a sandboxed command about to execute.
	ExecBeginPayload struct {
		CallID  string   `json:"call_id"`
		Command []string `json:"command"`
		Cwd     string   `json:"cwd"`
	}

	// ExecEndPayload describes a completed sandboxed command.
	ExecEndPayload struct {
		CallID     string `json:"call_id"`
		ExitCode   int    `json:"exit_code"`
		DurationMs int64  `json:"duration_ms"`
	}

	// PatchBeginPayload describes a pending apply-patch operation.
	PatchBeginPayload struct {
		CallID string   `json:"call_id"`
		Paths  []string `json:"paths"`
	}

	// PatchEndPayload describes a completed apply-patch operation.
	PatchEndPayload struct {
		CallID  string `json:"call_id"`
		Success bool   `json:"success"`
	}

	// ApprovalRequestedPayload describes a pending exec/patch approval.
	ApprovalRequestedPayload struct {
		CallID string `json:"call_id"`
		Kind   string `json:"kind"` // "exec" | "patch"
	}

	// ElicitationRequestedPayload describes a pending tool-originated elicitation.
	ElicitationRequestedPayload struct {
		CallID  string `json:"call_id"`
		Message string `json:"message"`
	}

	// TurnStartedPayload carries the turn id assigned to a new turn.
	TurnStartedPayload struct {
		TurnID string `json:"turn_id"`
	}

	// TurnCompletePayload carries the terminal state of a completed turn.
	TurnCompletePayload struct {
		TurnID string `json:"turn_id"`
	}

	// TurnAbortedPayload carries the reason a turn ended abnormally.
	TurnAbortedPayload struct {
		TurnID string      `json:"turn_id"`
		Reason AbortReason `json:"reason"`
	}

	// ThreadRolledBackPayload confirms a thread/rollback completed.
	ThreadRolledBackPayload struct {
		NumTurns int `json:"num_turns"`
	}

	// RawResponseItemPayload wraps an opaque provider response item, only
	// delivered to subscribers with raw_events enabled.
	RawResponseItemPayload struct {
		Item any `json:"item"`
	}

	// ReasoningDeltaPayload carries one fragment of streaming reasoning text.
	ReasoningDeltaPayload struct {
		Text string `json:"text"`
	}

	// PlanUpdateDeltaPayload carries one fragment of streaming plan content,
	// paced independently of the main assistant message stream.
	PlanUpdateDeltaPayload struct {
		Text string `json:"text"`
	}
)
