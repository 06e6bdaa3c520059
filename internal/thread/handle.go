package thread

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/relayforge/sessiond/internal/event"
	"github.com/relayforge/sessiond/internal/rollout"
	"github.com/relayforge/sessiond/internal/rpcerr"
	"github.com/relayforge/sessiond/internal/telemetry"
)

// handle is the concrete Handle implementation, one per live Thread. Submit
// and SteerInput run on the caller's goroutine and apply their state
// changes under mu, so concurrent turn/steer and turn/interrupt calls
// observe a single total order; each turn's Agent.Run runs on a goroutine
// of its own.
type handle struct {
	threadID string
	store    rollout.Store
	agent    Agent
	log      telemetry.Logger

	mu          sync.Mutex
	cfg         Config
	status      AgentStatus
	currentTurn *Turn
	rolloutPath string
	turns       []Turn

	events chan event.Event
	done   chan struct{}
}

func newHandle(threadID string, cfg Config, store rollout.Store, agent Agent, log telemetry.Logger, rolloutPath string) *handle {
	if agent == nil {
		agent = NoopAgent{}
	}
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &handle{
		threadID:    threadID,
		store:       store,
		agent:       agent,
		log:         log,
		cfg:         cfg,
		status:      AgentIdle,
		rolloutPath: rolloutPath,
		events:      make(chan event.Event, 64),
		done:        make(chan struct{}),
	}
}

// Submit implements Handle.Submit.
func (h *handle) Submit(ctx context.Context, op Op) (string, error) {
	switch op.Kind {
	case OpUserInput, OpUserTurn:
		return h.startTurn(ctx, op.Items)
	case OpOverrideTurnContext:
		h.mu.Lock()
		if op.ConfigOverride != nil {
			h.cfg = *op.ConfigOverride
		}
		h.mu.Unlock()
		return "", nil
	case OpInterrupt:
		return h.interrupt()
	case OpShutdown:
		h.mu.Lock()
		h.status = AgentShutdown
		h.mu.Unlock()
		close(h.done)
		return "", nil
	case OpThreadRollback:
		return "", h.rollback(op.NumTurns)
	case OpSetThreadName:
		h.mu.Lock()
		h.cfg.DisplayName = op.Name
		h.mu.Unlock()
		return "", nil
	case OpAddToHistory:
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.currentTurn != nil {
			h.currentTurn.Items = append(h.currentTurn.Items, op.Items...)
		}
		return "", nil
	case OpCompact, OpReview, OpCleanBackgroundTerminals, OpListMcpTools, OpListCustomPrompts, OpListSkills:
		// The handle has no behaviour for these operations; Submit accepts
		// them as no-ops so a generic op-queue caller never hits an
		// unknown-kind error.
		return "", nil
	default:
		return "", rpcerr.Parse(fmt.Errorf("unsupported op kind %q", op.Kind))
	}
}

func (h *handle) startTurn(ctx context.Context, items []ThreadItem) (string, error) {
	h.mu.Lock()
	if h.status == AgentShutdown {
		h.mu.Unlock()
		return "", rpcerr.Precondition(fmt.Errorf("thread %s is shut down", h.threadID))
	}
	turnID := uuid.NewString()
	turn := &Turn{ID: turnID, Items: append([]ThreadItem(nil), items...), Status: TurnInProgress}
	h.currentTurn = turn
	h.status = AgentRunning
	cfg := h.cfg
	h.mu.Unlock()

	h.emit(event.NewBase(event.TypeTurnStarted, h.threadID, turnID, event.TurnStartedPayload{TurnID: turnID}))

	go func() {
		err := h.agent.Run(ctx, h.threadID, turn, cfg, h.emit)
		h.mu.Lock()
		defer h.mu.Unlock()
		if err != nil {
			turn.Status = TurnFailed
			turn.Error = err.Error()
			h.emit(event.NewBase(event.TypeTurnAborted, h.threadID, turnID, event.TurnAbortedPayload{TurnID: turnID, Reason: event.AbortError}))
		} else if turn.Status == TurnInProgress {
			turn.Status = TurnComplete
			h.emit(event.NewBase(event.TypeTurnComplete, h.threadID, turnID, event.TurnCompletePayload{TurnID: turnID}))
		}
		h.turns = append(h.turns, *turn)
		h.currentTurn = nil
		h.status = AgentIdle
	}()

	return turnID, nil
}

func (h *handle) interrupt() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.currentTurn == nil {
		return "", rpcerr.Precondition(SteerNoActiveTurn)
	}
	turnID := h.currentTurn.ID
	h.currentTurn.Status = TurnAborted
	h.emit(event.NewBase(event.TypeTurnAborted, h.threadID, turnID, event.TurnAbortedPayload{TurnID: turnID, Reason: event.AbortInterrupted}))
	return turnID, nil
}

func (h *handle) rollback(numTurns int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if numTurns < 0 || numTurns > len(h.turns) {
		return rpcerr.Precondition(fmt.Errorf("cannot roll back %d turns: thread has %d", numTurns, len(h.turns)))
	}
	h.turns = h.turns[:len(h.turns)-numTurns]
	h.emit(event.NewBase(event.TypeThreadRolledBack, h.threadID, "", event.ThreadRolledBackPayload{NumTurns: numTurns}))
	return nil
}

// SteerInput implements Handle.SteerInput: additional input is only
// accepted while a turn is in flight and, when the caller names an expected
// turn, only if it matches the turn actually running — preventing a steer
// call racing a turn's natural completion from silently attaching to the
// wrong turn.
func (h *handle) SteerInput(ctx context.Context, items []ThreadItem, expectedTurnID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.currentTurn == nil || h.currentTurn.Status != TurnInProgress {
		return "", rpcerr.Precondition(SteerNoActiveTurn)
	}
	if expectedTurnID != "" && expectedTurnID != h.currentTurn.ID {
		return "", rpcerr.Precondition(SteerExpectedTurnMismatch)
	}
	if len(items) == 0 {
		return "", rpcerr.Parse(SteerEmptyInput)
	}
	h.currentTurn.Items = append(h.currentTurn.Items, items...)
	return h.currentTurn.ID, nil
}

// NextEvent implements Handle.NextEvent.
func (h *handle) NextEvent(ctx context.Context) (event.Event, error) {
	select {
	case ev, ok := <-h.events:
		if !ok {
			return nil, rpcerr.Precondition(fmt.Errorf("thread %s event stream closed", h.threadID))
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AgentStatus implements Handle.AgentStatus.
func (h *handle) AgentStatus() AgentStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// ConfigSnapshot implements Handle.ConfigSnapshot.
func (h *handle) ConfigSnapshot() ConfigSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ConfigSnapshot{
		Model: h.cfg.Model, Provider: h.cfg.ModelProvider, Cwd: h.cfg.Cwd,
		ApprovalPolicy: h.cfg.ApprovalPolicy, Sandbox: h.cfg.Sandbox,
		ReasoningEffort: h.cfg.ReasoningEffort, Personality: h.cfg.Personality,
		SourceKind: h.cfg.SourceKind,
	}
}

// RolloutPath implements Handle.RolloutPath.
func (h *handle) RolloutPath() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg.Ephemeral {
		return "", false
	}
	return h.rolloutPath, h.rolloutPath != ""
}

func (h *handle) emit(ev event.Event) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn(context.Background(), "event channel full, dropping event", "thread_id", h.threadID, "type", ev.Type())
	}
}
