// Package subscription implements the Subscription Registry component of
// spec.md §4.4: per-thread, ref-counted relay tasks that pull events off a
// thread.Handle and fan them out to every connection currently listening,
// gated by a per-thread raw-events flag.
//
// The relay goroutine started here is the thread's only consumer of
// thread.Handle.NextEvent: spec.md §5 guarantees a single total order over
// a thread's events, which only holds if exactly one goroutine drains the
// channel. Handlers that must react to a specific event (turn/interrupt,
// thread/rollback) therefore never call NextEvent themselves; they
// register with the Interrupt Coordinator and the relay signals completion
// once it observes the event inline with every other subscriber's delivery.
// The relay also hosts the Interrupt/Approval/Elicitation Coordinator's
// defer-during-active-stream gating and the Stream Controller's output
// pacing, since both need to sit on the same ordered event path.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/relayforge/sessiond/internal/event"
	"github.com/relayforge/sessiond/internal/interrupt"
	streamctl "github.com/relayforge/sessiond/internal/stream"
	"github.com/relayforge/sessiond/internal/telemetry"
	"github.com/relayforge/sessiond/internal/thread"
)

// pacingTick drives the Stream Controller's Tick calls. Controller itself
// rate-limits smooth-mode commits internally (default 12/s), so this just
// needs to be frequent enough to not bottleneck catch-up bursts.
const pacingTick = 40 * time.Millisecond

// Registry tracks, per thread, which connections are listening and runs the
// single relay goroutine responsible for draining that thread's event
// stream while at least one connection remains subscribed.
type Registry struct {
	log        telemetry.Logger
	interrupts *interrupt.Coordinator

	mu     sync.Mutex
	relays map[string]*relay
}

type relay struct {
	cancel    context.CancelFunc
	mu        sync.Mutex
	listeners map[string]event.Sink
	rawEvents bool
	turnID    string

	// deferred holds interruptive events (approval/elicitation requests)
	// observed while the coordinator reports an active stream for this
	// thread; they are flushed in arrival order once the stream ends.
	deferred []event.Event

	msgCtl  *streamctl.Controller
	planCtl *streamctl.PlanController
}

// NewRegistry constructs an empty Registry. interrupts must be the same
// Coordinator instance the dispatcher uses for turn/interrupt and
// thread/rollback, since the relay is what actually completes those
// deferred replies; a nil interrupts gets a private Coordinator that never
// correlates with dispatcher-side waiters (suitable only for tests that
// don't exercise the deferred-reply path).
func NewRegistry(interrupts *interrupt.Coordinator, log telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if interrupts == nil {
		interrupts = interrupt.NewCoordinator()
	}
	return &Registry{log: log, interrupts: interrupts, relays: make(map[string]*relay)}
}

// EnsureConnectionSubscribed attaches connID to threadID's relay without
// changing the thread's raw-events flag, starting the relay if this is the
// first listener (auto-attach path: a connection that merely opens a thread
// starts receiving its events without an explicit subscribe call).
func (r *Registry) EnsureConnectionSubscribed(threadID, connID string, h thread.Handle, sink event.Sink) {
	r.attach(threadID, connID, h, sink, nil)
}

// SetListener attaches connID to threadID's relay and sets the thread's
// raw-events flag to rawEvents. Because the flag is thread-scoped rather
// than per-listener, the most recent SetListener call for any connection on
// a thread wins for every listener on that thread (last-write-wins, per
// spec.md §4.4).
func (r *Registry) SetListener(threadID, connID string, h thread.Handle, sink event.Sink, rawEvents bool) {
	r.attach(threadID, connID, h, sink, &rawEvents)
}

func (r *Registry) attach(threadID, connID string, h thread.Handle, sink event.Sink, rawEvents *bool) {
	r.mu.Lock()
	rl, ok := r.relays[threadID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		rl = &relay{
			cancel:    cancel,
			listeners: make(map[string]event.Sink),
			msgCtl:    streamctl.NewController(streamctl.Options{}),
			planCtl:   streamctl.NewPlanController(streamctl.Options{}),
		}
		r.relays[threadID] = rl
		go r.run(ctx, threadID, h, rl)
		go r.pace(ctx, threadID, rl)
	}
	r.mu.Unlock()

	rl.mu.Lock()
	rl.listeners[connID] = sink
	if rawEvents != nil {
		rl.rawEvents = *rawEvents
	}
	rl.mu.Unlock()
}

// RemoveListener detaches connID from threadID. If no listeners remain the
// relay goroutine is canceled and the thread entry is dropped.
func (r *Registry) RemoveListener(threadID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rl, ok := r.relays[threadID]
	if !ok {
		return
	}
	rl.mu.Lock()
	delete(rl.listeners, connID)
	empty := len(rl.listeners) == 0
	rl.mu.Unlock()
	if empty {
		rl.cancel()
		delete(r.relays, threadID)
	}
}

// RemoveConnection detaches connID from every thread it listens to, e.g. on
// transport disconnect.
func (r *Registry) RemoveConnection(connID string) {
	r.mu.Lock()
	threadIDs := make([]string, 0, len(r.relays))
	for id := range r.relays {
		threadIDs = append(threadIDs, id)
	}
	r.mu.Unlock()
	for _, id := range threadIDs {
		r.RemoveListener(id, connID)
	}
}

// ListenerCount reports how many connections currently listen to threadID,
// for tests and diagnostics.
func (r *Registry) ListenerCount(threadID string) int {
	r.mu.Lock()
	rl, ok := r.relays[threadID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.listeners)
}

// run drains h's event stream until ctx is canceled (the relay's ref count
// dropped to zero) or the stream ends, fanning each event out to every
// listener still attached at the moment it arrives. A sink whose Send
// returns an error is dropped from the thread's listener set; per the Sink
// contract the caller is not expected to retry it.
//
// This is the thread's only NextEvent consumer, which makes it the natural
// place to drive the Interrupt Coordinator's active-stream bookkeeping and
// deferred-event gating (spec.md §4.5) and to complete turn/interrupt and
// thread/rollback's deferred replies (spec.md §5 ordering guarantee #3):
// those handlers register with the coordinator and wait, they never race
// this loop for events of their own.
func (r *Registry) run(ctx context.Context, threadID string, h thread.Handle, rl *relay) {
	for {
		ev, err := h.NextEvent(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warn(ctx, "relay stream ended", "thread_id", threadID, "error", err)
			}
			return
		}

		if tid := ev.TurnID(); tid != "" {
			rl.mu.Lock()
			rl.turnID = tid
			rl.mu.Unlock()
		}

		switch ev.Type() {
		case event.TypeTurnStarted:
			r.interrupts.BeginStream(threadID)
		case event.TypeAgentMessageDelta:
			if p, ok := ev.Payload().(event.AgentMessageDeltaPayload); ok {
				rl.mu.Lock()
				rl.msgCtl.Push(p.Text)
				rl.mu.Unlock()
			}
			continue
		case event.TypePlanUpdateDelta:
			if p, ok := ev.Payload().(event.PlanUpdateDeltaPayload); ok {
				rl.mu.Lock()
				rl.planCtl.Push(p.Text)
				rl.mu.Unlock()
			}
			continue
		case event.TypeApprovalRequested, event.TypeElicitationRequested:
			if r.deferOrDeliver(threadID, rl, ev) {
				continue
			}
		case event.TypeTurnComplete:
			r.flushController(ctx, threadID, rl)
			r.endStreamAndFlushDeferred(ctx, threadID, rl)
		case event.TypeTurnAborted:
			rl.mu.Lock()
			rl.msgCtl.Reset()
			rl.planCtl.Reset()
			rl.mu.Unlock()
			r.endStreamAndFlushDeferred(ctx, threadID, rl)
			r.interrupts.CompleteInterrupts(threadID)
		case event.TypeThreadRolledBack:
			r.interrupts.CompleteRollbacks(threadID)
		}

		rl.mu.Lock()
		rawEvents := rl.rawEvents
		targets := make(map[string]event.Sink, len(rl.listeners))
		for id, s := range rl.listeners {
			targets[id] = s
		}
		rl.mu.Unlock()

		if ev.Type() == event.TypeRawResponseItem && !rawEvents {
			continue
		}

		r.deliver(ctx, threadID, rl, targets, ev)
	}
}

// deferOrDeliver consults the coordinator for an interruptive event. If the
// thread's stream is active it is appended to the relay's local deferred
// queue (in addition to the coordinator's own bookkeeping, which tracks the
// pending approval/elicitation by call id) and deferOrDeliver returns true
// so the caller skips immediate delivery; otherwise it returns false and
// the event is delivered inline like any other.
func (r *Registry) deferOrDeliver(threadID string, rl *relay, ev event.Event) bool {
	qev := interrupt.QueuedEvent{}
	switch p := ev.Payload().(type) {
	case event.ApprovalRequestedPayload:
		qev.Kind = interrupt.KindApprovalRequest
		qev.Approval = &interrupt.PendingApproval{CallID: p.CallID, Kind: p.Kind}
	case event.ElicitationRequestedPayload:
		qev.Kind = interrupt.KindElicitation
		qev.Elicitation = &interrupt.PendingElicitation{CallID: p.CallID, Message: p.Message}
	default:
		return false
	}

	if deliverNow := r.interrupts.Enqueue(threadID, qev); deliverNow {
		return false
	}

	rl.mu.Lock()
	rl.deferred = append(rl.deferred, ev)
	rl.mu.Unlock()
	return true
}

// endStreamAndFlushDeferred clears the coordinator's active-stream flag and
// delivers any events the relay held back while it was set, in the order
// they arrived.
func (r *Registry) endStreamAndFlushDeferred(ctx context.Context, threadID string, rl *relay) {
	r.interrupts.EndStream(threadID)

	rl.mu.Lock()
	pending := rl.deferred
	rl.deferred = nil
	rawEvents := rl.rawEvents
	targets := make(map[string]event.Sink, len(rl.listeners))
	for id, s := range rl.listeners {
		targets[id] = s
	}
	rl.mu.Unlock()

	for _, ev := range pending {
		if ev.Type() == event.TypeRawResponseItem && !rawEvents {
			continue
		}
		r.deliver(ctx, threadID, rl, targets, ev)
	}
}

// flushController commits any content the Stream Controllers are still
// buffering at the end of a turn (spec.md §4.6): pending lines plus any
// trailing partial line, so a turn never ends with a fragment the client
// never saw.
func (r *Registry) flushController(ctx context.Context, threadID string, rl *relay) {
	rl.mu.Lock()
	msgCell, msgOK := rl.msgCtl.Finalize()
	planCell, planOK := rl.planCtl.Finalize()
	turnID := rl.turnID
	targets := make(map[string]event.Sink, len(rl.listeners))
	for id, s := range rl.listeners {
		targets[id] = s
	}
	rl.mu.Unlock()

	if msgOK {
		r.deliver(ctx, threadID, rl, targets, event.NewBase(event.TypeAgentMessageDelta, threadID, turnID, event.AgentMessageDeltaPayload{Text: msgCell.Text}))
	}
	if planOK {
		r.deliver(ctx, threadID, rl, targets, event.NewBase(event.TypePlanUpdateDelta, threadID, turnID, event.PlanUpdateDeltaPayload{Text: planCell.Text}))
	}
}

// pace drives the Stream Controllers' Tick on a fixed cadence, translating
// committed lines into paced delta events delivered to the thread's current
// listeners, independent of how fast the underlying model is actually
// producing deltas (spec.md §4.6, the Stream Controller's smooth/catch-up
// pacing).
func (r *Registry) pace(ctx context.Context, threadID string, rl *relay) {
	ticker := time.NewTicker(pacingTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.mu.Lock()
			msgLines := rl.msgCtl.Tick()
			planLines := rl.planCtl.Tick()
			turnID := rl.turnID
			targets := make(map[string]event.Sink, len(rl.listeners))
			for id, s := range rl.listeners {
				targets[id] = s
			}
			rl.mu.Unlock()

			for _, line := range msgLines {
				r.deliver(ctx, threadID, rl, targets, event.NewBase(event.TypeAgentMessageDelta, threadID, turnID, event.AgentMessageDeltaPayload{Text: line}))
			}
			for _, line := range planLines {
				r.deliver(ctx, threadID, rl, targets, event.NewBase(event.TypePlanUpdateDelta, threadID, turnID, event.PlanUpdateDeltaPayload{Text: line}))
			}
		}
	}
}

// deliver sends ev to every sink in targets, dropping any sink whose Send
// fails from rl's live listener set; per the Sink contract the caller is
// not expected to retry it.
func (r *Registry) deliver(ctx context.Context, threadID string, rl *relay, targets map[string]event.Sink, ev event.Event) {
	for connID, sink := range targets {
		if err := sink.Send(ctx, ev); err != nil {
			r.log.Warn(ctx, "dropping subscriber after send error", "thread_id", threadID, "conn_id", connID, "error", err)
			rl.mu.Lock()
			delete(rl.listeners, connID)
			rl.mu.Unlock()
		}
	}
}
