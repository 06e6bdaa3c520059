// Package interrupt implements the Interrupt / Approval / Elicitation
// Coordinator of spec.md §4.5: a per-thread deferred FIFO queue that holds
// events arriving while the relay is mid-stream, draining them in arrival
// order once the stream completes so an ExecBegin always precedes its
// ExecEnd even across a stream boundary.
package interrupt

import "sync"

// EventKind classifies a queued coordinator event.
type EventKind string

const (
	KindApprovalRequest    EventKind = "approval_request"
	KindElicitation        EventKind = "elicitation"
	KindUserInputRequest   EventKind = "user_input_request"
	KindTurnAbortComplete  EventKind = "turn_abort_complete"
	KindRollbackComplete   EventKind = "rollback_complete"
)

// PendingApproval records an outstanding exec/apply-patch approval request.
type PendingApproval struct {
	CallID string
	Kind   string // "exec" | "patch"
}

// PendingElicitation records an outstanding tool-originated elicitation.
type PendingElicitation struct {
	CallID  string
	Message string
}

// RequestKey identifies a specific wire request awaiting exactly one reply,
// used by PendingInterrupt and PendingRollback to avoid double-replying.
type RequestKey struct {
	RequestID  string
	APIVersion string
}

// PendingInterrupt records a turn/interrupt call awaiting the turn's actual
// abort before it can be replied to.
type PendingInterrupt struct {
	Key RequestKey
}

// PendingRollback records a thread/rollback call awaiting completion.
type PendingRollback struct {
	Key RequestKey
}

// Waiter is closed exactly once, when the coordinator observes the event a
// caller registered to wait for.
type Waiter <-chan struct{}

// QueuedEvent is one FIFO entry: exactly one of the payload fields is set,
// selected by Kind.
type QueuedEvent struct {
	Kind        EventKind
	Approval    *PendingApproval
	Elicitation *PendingElicitation
	UserInput   any
}

// threadState is the coordinator's per-thread bookkeeping.
type threadState struct {
	activeStream bool
	queue        []QueuedEvent

	pendingApprovals    map[string]PendingApproval
	pendingElicitations map[string]PendingElicitation
	pendingInterrupts   []PendingInterrupt
	pendingRollbacks    []PendingRollback

	interruptWaiters map[RequestKey]chan struct{}
	rollbackWaiters  map[RequestKey]chan struct{}
}

func newThreadState() *threadState {
	return &threadState{
		pendingApprovals:    make(map[string]PendingApproval),
		pendingElicitations: make(map[string]PendingElicitation),
		interruptWaiters:    make(map[RequestKey]chan struct{}),
		rollbackWaiters:     make(map[RequestKey]chan struct{}),
	}
}

// Coordinator owns the per-thread state described above. All methods are
// safe for concurrent use.
type Coordinator struct {
	mu      sync.Mutex
	threads map[string]*threadState
}

// NewCoordinator constructs an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{threads: make(map[string]*threadState)}
}

func (c *Coordinator) state(threadID string) *threadState {
	st, ok := c.threads[threadID]
	if !ok {
		st = newThreadState()
		c.threads[threadID] = st
	}
	return st
}

// BeginStream marks threadID as being inside an active model-output stream;
// events enqueued by Enqueue while this flag is set are held until
// EndStream is called.
func (c *Coordinator) BeginStream(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(threadID).activeStream = true
}

// EndStream clears the active-stream flag and returns the queue contents in
// FIFO arrival order for the caller to deliver to the client. The queue is
// emptied as part of the call.
func (c *Coordinator) EndStream(threadID string) []QueuedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(threadID)
	st.activeStream = false
	drained := st.queue
	st.queue = nil
	return drained
}

// Enqueue records a coordinator event. If threadID's stream is currently
// active the event is appended to the deferred queue and deliverNow reports
// false (caller must not deliver it yet); otherwise deliverNow reports true and the
// caller should deliver immediately.
func (c *Coordinator) Enqueue(threadID string, ev QueuedEvent) (deliverNow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(threadID)

	switch ev.Kind {
	case KindApprovalRequest:
		st.pendingApprovals[ev.Approval.CallID] = *ev.Approval
	case KindElicitation:
		st.pendingElicitations[ev.Elicitation.CallID] = *ev.Elicitation
	}

	if st.activeStream {
		st.queue = append(st.queue, ev)
		return false
	}
	return true
}

// ResolveApproval removes callID's PendingApproval record, e.g. once the
// client's ApprovalResponse op has been applied to the thread runtime.
func (c *Coordinator) ResolveApproval(threadID, callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state(threadID).pendingApprovals, callID)
}

// ResolveElicitation removes callID's PendingElicitation record.
func (c *Coordinator) ResolveElicitation(threadID, callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state(threadID).pendingElicitations, callID)
}

// RegisterInterrupt records that key is awaiting turn-abort completion for
// threadID and returns a Waiter closed once the relay observes that abort
// and calls CompleteInterrupts. Callers must not drain the thread's event
// stream themselves to detect completion: exactly one goroutine (the
// relay) may consume a handle's events, so waiting here is the only safe
// way for turn/interrupt to block for its reply (spec.md §5 ordering
// guarantee #3).
func (c *Coordinator) RegisterInterrupt(threadID string, key RequestKey) Waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(threadID)
	st.pendingInterrupts = append(st.pendingInterrupts, PendingInterrupt{Key: key})
	ch := make(chan struct{})
	st.interruptWaiters[key] = ch
	return ch
}

// RegisterRollback mirrors RegisterInterrupt for thread/rollback's
// completion wait.
func (c *Coordinator) RegisterRollback(threadID string, key RequestKey) Waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(threadID)
	st.pendingRollbacks = append(st.pendingRollbacks, PendingRollback{Key: key})
	ch := make(chan struct{})
	st.rollbackWaiters[key] = ch
	return ch
}

// DrainInterrupts consults threadID's pending_interrupts list and returns
// every stored key exactly once, clearing the list. Callers reply to each
// key exactly once, satisfying the "replies exactly once" guarantee of
// spec.md §4.5 even if multiple turn/interrupt calls raced.
func (c *Coordinator) DrainInterrupts(threadID string) []RequestKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(threadID)
	keys := make([]RequestKey, len(st.pendingInterrupts))
	for i, p := range st.pendingInterrupts {
		keys[i] = p.Key
	}
	st.pendingInterrupts = nil
	return keys
}

// DrainRollbacks mirrors DrainInterrupts for thread/rollback completions.
func (c *Coordinator) DrainRollbacks(threadID string) []RequestKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(threadID)
	keys := make([]RequestKey, len(st.pendingRollbacks))
	for i, p := range st.pendingRollbacks {
		keys[i] = p.Key
	}
	st.pendingRollbacks = nil
	return keys
}

// CompleteInterrupts closes the Waiter returned by RegisterInterrupt for
// every key currently pending on threadID, then clears the pending list.
// The relay calls this the moment it observes a TurnAborted event, which is
// the only goroutine allowed to consume the thread's event stream.
func (c *Coordinator) CompleteInterrupts(threadID string) {
	c.mu.Lock()
	st := c.state(threadID)
	pending := st.pendingInterrupts
	st.pendingInterrupts = nil
	waiters := st.interruptWaiters
	st.interruptWaiters = make(map[RequestKey]chan struct{})
	c.mu.Unlock()

	for _, p := range pending {
		if ch, ok := waiters[p.Key]; ok {
			close(ch)
		}
	}
}

// CompleteRollbacks mirrors CompleteInterrupts for thread/rollback, called
// by the relay upon observing a ThreadRolledBack event.
func (c *Coordinator) CompleteRollbacks(threadID string) {
	c.mu.Lock()
	st := c.state(threadID)
	pending := st.pendingRollbacks
	st.pendingRollbacks = nil
	waiters := st.rollbackWaiters
	st.rollbackWaiters = make(map[RequestKey]chan struct{})
	c.mu.Unlock()

	for _, p := range pending {
		if ch, ok := waiters[p.Key]; ok {
			close(ch)
		}
	}
}

// IsActiveStream reports whether threadID's relay is currently inside an
// active stream.
func (c *Coordinator) IsActiveStream(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(threadID).activeStream
}

// RemoveThread drops all coordinator state for threadID, e.g. once the
// thread is removed from the registry.
func (c *Coordinator) RemoveThread(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.threads, threadID)
}
