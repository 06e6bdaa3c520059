// Package thread implements the Thread Registry and Thread Runtime Handle
// components: creation, resumption, forking, and removal of conversation
// threads, and the per-thread operation queue / event stream contract that
// the rest of the orchestrator drives.
package thread

import (
	"context"
	"time"

	"github.com/relayforge/sessiond/internal/event"
)

type (
	// Status is the coarse lifecycle state of a Thread, per spec.md §3.1.
	Status string

	// TurnStatus is the lifecycle state of a single Turn.
	TurnStatus string

	// AgentStatus is returned by Handle.AgentStatus.
	AgentStatus string

	// ApprovalPolicy and SandboxPolicy are opaque policy tags the
	// orchestrator threads through to the (externally supplied) agent
	// runtime without interpreting their contents.
	ApprovalPolicy string
	SandboxPolicy  string

	// GitInfo mirrors rollout.GitMeta for the subset the thread config
	// surfaces on the wire.
	GitInfo struct {
		Repo   string `json:"repo,omitempty"`
		Branch string `json:"branch,omitempty"`
		Commit string `json:"commit,omitempty"`
	}

	// Config is the full set of attributes spec.md §3.1 assigns a Thread:
	// everything needed to (re)construct its runtime and describe it on
	// the wire via SessionConfigured-shaped responses.
	Config struct {
		DisplayName          string
		SourceKind           string
		Cwd                  string
		ModelProvider        string
		Model                string
		ReasoningEffort      string
		ApprovalPolicy       ApprovalPolicy
		Sandbox              SandboxPolicy
		Git                  *GitInfo
		Personality          string
		Ephemeral            bool
		PersistExtendedHistory bool
		BaseInstructions     string
		DeveloperInstructions string
	}

	// DynamicTool is a per-thread tool addition validated by tools.go.
	DynamicTool struct {
		Name        string
		Description string
		InputSchema map[string]any
	}

	// ThreadItem is one entry within a Turn: a user message, agent message,
	// tool call, reasoning block, plan update, or exec/patch begin-end pair.
	ThreadItem struct {
		Kind      string
		Timestamp time.Time
		Payload   any
	}

	// Turn is one unit of model interaction.
	Turn struct {
		ID     string
		Items  []ThreadItem
		Status TurnStatus
		Error  string
	}

	// Thread is the in-memory representation of a conversation, mirrored to
	// disk by the Rollout Store.
	Thread struct {
		ID          string
		Config      Config
		Status      Status
		RolloutPath string
		Turns       []Turn
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// ConfigSnapshot is the point-in-time view returned by Handle.ConfigSnapshot.
	ConfigSnapshot struct {
		Model           string
		Provider        string
		Cwd             string
		ApprovalPolicy  ApprovalPolicy
		Sandbox         SandboxPolicy
		ReasoningEffort string
		Personality     string
		SourceKind      string
	}
)

const (
	StatusNotLoaded Status = "not_loaded"
	StatusLoaded    Status = "loaded"
	StatusRunning   Status = "running"
	StatusShutdown  Status = "shutdown"

	TurnInProgress TurnStatus = "in_progress"
	TurnComplete   TurnStatus = "complete"
	TurnAborted    TurnStatus = "aborted"
	TurnFailed     TurnStatus = "failed"

	AgentIdle     AgentStatus = "idle"
	AgentRunning  AgentStatus = "running"
	AgentShutdown AgentStatus = "shutdown"
)

// OpKind enumerates every operation a caller may submit to a Handle, the
// full set named in spec.md §4.3.
type OpKind string

const (
	OpUserInput               OpKind = "user_input"
	OpUserTurn                OpKind = "user_turn"
	OpOverrideTurnContext     OpKind = "override_turn_context"
	OpInterrupt               OpKind = "interrupt"
	OpShutdown                OpKind = "shutdown"
	OpCompact                 OpKind = "compact"
	OpReview                  OpKind = "review"
	OpSetThreadName           OpKind = "set_thread_name"
	OpThreadRollback          OpKind = "thread_rollback"
	OpCleanBackgroundTerminals OpKind = "clean_background_terminals"
	OpListMcpTools            OpKind = "list_mcp_tools"
	OpListCustomPrompts       OpKind = "list_custom_prompts"
	OpListSkills              OpKind = "list_skills"
	OpAddToHistory            OpKind = "add_to_history"
)

// Op is a closed sum type over the operations submittable to a Handle.
// Exactly one of the payload fields is meaningful for a given Kind.
type Op struct {
	Kind OpKind

	// UserInput / UserTurn / AddToHistory payload.
	Items []ThreadItem

	// OverrideTurnContext payload: a non-nil ConfigOverride replaces the
	// thread's whole Config; fields are not merged one by one. Turns started
	// afterwards use it; a turn already running keeps the Config it started
	// with.
	ConfigOverride *Config

	// SetThreadName payload.
	Name string

	// ThreadRollback payload.
	NumTurns int

	// Review payload.
	ReviewTarget   string
	ReviewDelivery string // "inline" | "detached"
}

// SteerError classifies why Handle.SteerInput could not be applied.
type SteerError string

const (
	SteerNoActiveTurn        SteerError = "no_active_turn"
	SteerExpectedTurnMismatch SteerError = "expected_turn_mismatch"
	SteerEmptyInput          SteerError = "empty_input"
)

func (e SteerError) Error() string { return string(e) }

// Handle is the opaque per-thread runtime handle described in spec.md §4.3.
type Handle interface {
	Submit(ctx context.Context, op Op) (turnID string, err error)
	NextEvent(ctx context.Context) (event.Event, error)
	SteerInput(ctx context.Context, items []ThreadItem, expectedTurnID string) (turnID string, err error)
	AgentStatus() AgentStatus
	ConfigSnapshot() ConfigSnapshot
	RolloutPath() (string, bool)
}
