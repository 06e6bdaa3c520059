package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/relayforge/sessiond/internal/config"
	"github.com/relayforge/sessiond/internal/interrupt"
	"github.com/relayforge/sessiond/internal/login"
	"github.com/relayforge/sessiond/internal/rollout"
	"github.com/relayforge/sessiond/internal/rpcerr"
	"github.com/relayforge/sessiond/internal/thread"
)

// deriveConfig runs the four-layer config derivation (spec.md §4.9) over a
// thread start/resume/fork request: the dispatcher's process-wide CLI
// overrides, the raw request body as the free-form map layer, p's typed
// fields as the explicit per-request layer, and the dispatcher's cloud
// residency requirements, then maps the result onto a thread.Config.
func (d *Dispatcher) deriveConfig(raw []byte, p threadStartParams) (thread.Config, error) {
	var reqMap config.RequestMap
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reqMap); err != nil {
			return thread.Config{}, rpcerr.Parse(fmt.Errorf("decode params as request map: %w", err))
		}
	}

	typed := config.TypedOverrides{}
	if p.Model != "" {
		typed.Model = &p.Model
	}
	if p.ModelProvider != "" {
		typed.Provider = &p.ModelProvider
	}
	if p.Cwd != "" {
		typed.Cwd = &p.Cwd
	}
	if p.ApprovalPolicy != "" {
		typed.ApprovalPolicy = &p.ApprovalPolicy
	}
	if p.Sandbox != "" {
		typed.Sandbox = &p.Sandbox
	}
	if p.BaseInstructions != "" {
		typed.BaseInstructions = &p.BaseInstructions
	}
	if p.DeveloperInstructions != "" {
		typed.DeveloperInstructions = &p.DeveloperInstructions
	}
	if p.Personality != "" {
		typed.Personality = &p.Personality
	}
	if p.Ephemeral {
		typed.Ephemeral = &p.Ephemeral
	}

	eff, err := config.Derive(d.cliOverrides, reqMap, typed, d.cloud)
	if err != nil {
		return thread.Config{}, err
	}

	cfg := p.toConfig()
	cfg.Model = eff.Model
	cfg.ModelProvider = eff.Provider
	cfg.Cwd = eff.Cwd
	cfg.ApprovalPolicy = thread.ApprovalPolicy(eff.ApprovalPolicy)
	cfg.Sandbox = thread.SandboxPolicy(eff.Sandbox)
	cfg.BaseInstructions = eff.BaseInstructions
	cfg.DeveloperInstructions = eff.DeveloperInstructions
	cfg.Personality = eff.Personality
	cfg.Ephemeral = eff.Ephemeral
	return cfg, nil
}

func (d *Dispatcher) threadStart(ctx context.Context, conn *Conn, raw []byte) (any, error) {
	p, err := decodeParams[threadStartParams](raw)
	if err != nil {
		return nil, err
	}
	cfg, err := d.deriveConfig(raw, p)
	if err != nil {
		return nil, err
	}
	th, h, err := d.threads.StartThreadWithTools(ctx, cfg, toDynamicTools(p.DynamicTools))
	if err != nil {
		return nil, err
	}

	d.subs.EnsureConnectionSubscribed(th.ID, conn.ID, h, newConnSink(conn))
	d.attachPulseRelay(th.ID, h)
	_ = conn.Notify("thread/started", map[string]any{"thread_id": th.ID})

	return newThreadStartResult(th.ID, h.ConfigSnapshot()), nil
}

func (d *Dispatcher) threadResume(ctx context.Context, conn *Conn, raw []byte) (any, error) {
	p, err := decodeParams[threadStartParams](raw)
	if err != nil {
		return nil, err
	}

	if p.ThreadID != "" {
		if h, ok := d.threads.GetThread(p.ThreadID); ok {
			// Resuming an already-live thread is idempotent; replies from
			// the live config rather than re-reading the rollout file.
			d.subs.EnsureConnectionSubscribed(p.ThreadID, conn.ID, h, newConnSink(conn))
			return newThreadStartResult(p.ThreadID, h.ConfigSnapshot()), nil
		}
	}
	if p.Path == "" {
		return nil, rpcerr.NotFoundf("no rollout found for thread id %s", p.ThreadID)
	}

	cfg, err := d.deriveConfig(raw, p)
	if err != nil {
		return nil, err
	}
	th, h, err := d.threads.ResumeThreadWithHistory(ctx, p.Path, cfg)
	if err != nil {
		return nil, err
	}
	d.subs.EnsureConnectionSubscribed(th.ID, conn.ID, h, newConnSink(conn))
	d.attachPulseRelay(th.ID, h)
	_ = conn.Notify("thread/started", map[string]any{"thread_id": th.ID})
	return newThreadStartResult(th.ID, h.ConfigSnapshot()), nil
}

func (d *Dispatcher) threadFork(ctx context.Context, conn *Conn, raw []byte) (any, error) {
	p, err := decodeParams[threadStartParams](raw)
	if err != nil {
		return nil, err
	}
	path := p.Path
	if path == "" && p.ThreadID != "" {
		if h, ok := d.threads.GetThread(p.ThreadID); ok {
			if rp, ok := h.RolloutPath(); ok {
				path = rp
			}
		}
	}
	if path == "" {
		return nil, rpcerr.NotFoundf("no rollout found for thread id %s", p.ThreadID)
	}

	cfg, err := d.deriveConfig(raw, p)
	if err != nil {
		return nil, err
	}
	th, h, err := d.threads.ForkThread(ctx, path, p.NumTurns, cfg)
	if err != nil {
		return nil, err
	}
	d.subs.EnsureConnectionSubscribed(th.ID, conn.ID, h, newConnSink(conn))
	d.attachPulseRelay(th.ID, h)
	_ = conn.Notify("thread/started", map[string]any{"thread_id": th.ID})
	return newThreadStartResult(th.ID, h.ConfigSnapshot()), nil
}

func (d *Dispatcher) threadArchive(ctx context.Context, conn *Conn, raw []byte) (any, error) {
	p, err := decodeParams[threadIDParams](raw)
	if err != nil {
		return nil, err
	}

	if h, ok := d.threads.GetThread(p.ThreadID); ok {
		if _, err := h.Submit(ctx, thread.Op{Kind: thread.OpShutdown}); err != nil {
			return nil, err
		}
		awaitShutdown(h, archiveShutdownTimeout, d.log)
		_ = d.threads.RemoveThread(p.ThreadID)
		d.interrupts.RemoveThread(p.ThreadID)
	}

	path, ok := d.rolloutPathForThread(ctx, p.ThreadID)
	if !ok {
		return nil, rpcerr.NotFoundf("no rollout found for thread id %s", p.ThreadID)
	}
	if err := d.rollouts.Archive(ctx, p.ThreadID, path); err != nil {
		return nil, err
	}
	_ = conn.Notify("thread/archived", map[string]any{"thread_id": p.ThreadID})
	return map[string]any{}, nil
}

func awaitShutdown(h thread.Handle, timeout time.Duration, log interface {
	Warn(ctx context.Context, msg string, keyvals ...any)
}) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.AgentStatus() == thread.AgentShutdown {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Warn(context.Background(), "timed out waiting for agent shutdown before archive")
}

// rolloutPathForThread resolves a thread id to its rollout file path by
// scanning the active listing, since archive may be called for a thread
// that was never loaded into this process (resumed elsewhere).
func (d *Dispatcher) rolloutPathForThread(ctx context.Context, threadID string) (string, bool) {
	page, err := d.rollouts.ListThreads(ctx, 1, "", rollout.SortCreatedAt, rollout.ListFilter{})
	if err == nil {
		for _, s := range page.Items {
			if s.ThreadID == threadID {
				return s.Path, true
			}
		}
	}
	for cursor := ""; ; {
		page, err := d.rollouts.ListThreads(ctx, 50, cursor, rollout.SortCreatedAt, rollout.ListFilter{})
		if err != nil {
			return "", false
		}
		for _, s := range page.Items {
			if s.ThreadID == threadID {
				return s.Path, true
			}
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			return "", false
		}
		cursor = page.NextCursor
	}
}

func (d *Dispatcher) threadUnarchive(ctx context.Context, conn *Conn, raw []byte) (any, error) {
	p, err := decodeParams[threadIDParams](raw)
	if err != nil {
		return nil, err
	}
	page, err := d.rollouts.ListArchivedThreads(ctx, 1000, "", rollout.SortCreatedAt, rollout.ListFilter{})
	if err != nil {
		return nil, err
	}
	var path string
	for _, s := range page.Items {
		if s.ThreadID == p.ThreadID {
			path = s.Path
			break
		}
	}
	if path == "" {
		return nil, rpcerr.NotFoundf("no archived rollout found for thread id %s", p.ThreadID)
	}
	if err := d.rollouts.Unarchive(ctx, p.ThreadID, path); err != nil {
		return nil, err
	}
	_ = conn.Notify("thread/unarchived", map[string]any{"thread_id": p.ThreadID})
	return map[string]any{}, nil
}

func (d *Dispatcher) threadSetName(ctx context.Context, raw []byte) (any, error) {
	p, err := decodeParams[threadSetNameParams](raw)
	if err != nil {
		return nil, err
	}
	h, ok := d.threads.GetThread(p.ThreadID)
	if !ok {
		return nil, rpcerr.NotFoundf("thread not found: %s", p.ThreadID)
	}
	if _, err := h.Submit(ctx, thread.Op{Kind: thread.OpSetThreadName, Name: p.Name}); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// threadRollback implements thread/rollback's deferred-reply contract: the
// reply is sent only once the corresponding ThreadRolledBack event has been
// observed by the relay, the same wait-on-coordinator pattern turn/interrupt
// uses, for the same reason (the relay is the thread's only event
// consumer). A second rollback on the same thread while one is already in
// flight is rejected immediately (scenario S3).
func (d *Dispatcher) threadRollback(ctx context.Context, raw []byte) (any, error) {
	p, err := decodeParams[threadRollbackParams](raw)
	if err != nil {
		return nil, err
	}
	if p.NumTurns < 1 {
		return nil, rpcerr.Parse(fmt.Errorf("num_turns must be >= 1"))
	}

	d.mu.Lock()
	if d.rollbackInFlight[p.ThreadID] {
		d.mu.Unlock()
		return nil, rpcerr.Precondition(fmt.Errorf("rollback already in progress for this thread"))
	}
	d.rollbackInFlight[p.ThreadID] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.rollbackInFlight, p.ThreadID)
		d.mu.Unlock()
	}()

	h, ok := d.threads.GetThread(p.ThreadID)
	if !ok {
		return nil, rpcerr.NotFoundf("thread not found: %s", p.ThreadID)
	}

	key := newRequestKey()
	done := d.interrupts.RegisterRollback(p.ThreadID, key)
	if _, err := h.Submit(ctx, thread.Op{Kind: thread.OpThreadRollback, NumTurns: p.NumTurns}); err != nil {
		return nil, err
	}

	select {
	case <-done:
		return map[string]any{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) threadCompactStart(ctx context.Context, raw []byte) (any, error) {
	p, err := decodeParams[threadIDParams](raw)
	if err != nil {
		return nil, err
	}
	h, ok := d.threads.GetThread(p.ThreadID)
	if !ok {
		return nil, rpcerr.NotFoundf("thread not found: %s", p.ThreadID)
	}
	if _, err := h.Submit(ctx, thread.Op{Kind: thread.OpCompact}); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (d *Dispatcher) threadCleanBackgroundTerminals(ctx context.Context, raw []byte) (any, error) {
	p, err := decodeParams[threadIDParams](raw)
	if err != nil {
		return nil, err
	}
	h, ok := d.threads.GetThread(p.ThreadID)
	if !ok {
		return nil, rpcerr.NotFoundf("thread not found: %s", p.ThreadID)
	}
	if _, err := h.Submit(ctx, thread.Op{Kind: thread.OpCleanBackgroundTerminals}); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (d *Dispatcher) threadList(ctx context.Context, raw []byte) (any, error) {
	p, err := decodeParams[threadListParams](raw)
	if err != nil {
		return nil, err
	}
	sortKey := rollout.SortCreatedAt
	if p.SortKey == "updatedAt" {
		sortKey = rollout.SortUpdatedAt
	}
	filter := rollout.ListFilter{AllowedSources: p.SourceKinds, Cwd: p.Cwd}
	if len(p.ModelProviders) == 1 {
		filter.ProviderFilter = p.ModelProviders[0]
	}
	limit := p.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var page rollout.Page
	if p.Archived {
		page, err = d.rollouts.ListArchivedThreads(ctx, limit, p.Cursor, sortKey, filter)
	} else {
		page, err = d.rollouts.ListThreads(ctx, limit, p.Cursor, sortKey, filter)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"data": page.Items, "next_cursor": page.NextCursor}, nil
}

func (d *Dispatcher) threadLoadedList(ctx context.Context, raw []byte) (any, error) {
	p, err := decodeParams[threadLoadedListParams](raw)
	if err != nil {
		return nil, err
	}
	ids, next := d.threads.ListLoadedPaged(p.Limit, p.Cursor)
	return map[string]any{"data": ids, "next_cursor": next}, nil
}

func (d *Dispatcher) threadRead(ctx context.Context, raw []byte) (any, error) {
	p, err := decodeParams[threadReadParams](raw)
	if err != nil {
		return nil, err
	}
	path, ok := d.rolloutPathForThread(ctx, p.ThreadID)
	if !ok {
		return nil, rpcerr.NotFoundf("no rollout found for thread id %s", p.ThreadID)
	}
	hist, err := d.rollouts.GetRolloutHistory(ctx, path)
	if err != nil {
		return nil, err
	}
	result := map[string]any{"thread_id": p.ThreadID}
	if p.IncludeTurns {
		result["turns"] = hist.Items
	}
	return result, nil
}

func (d *Dispatcher) turnStart(ctx context.Context, conn *Conn, raw []byte) (any, error) {
	p, err := decodeParams[turnStartParams](raw)
	if err != nil {
		return nil, err
	}
	h, ok := d.threads.GetThread(p.ThreadID)
	if !ok {
		return nil, rpcerr.NotFoundf("thread not found: %s", p.ThreadID)
	}

	// The relay marks the stream active the moment it observes this turn's
	// TurnStarted event, and clears it on TurnComplete/TurnAborted; Submit
	// failing here means no TurnStarted event was ever emitted, so there is
	// no active-stream state to unwind.
	turnID, err := h.Submit(ctx, thread.Op{Kind: thread.OpUserTurn, Items: toThreadItems(p.Input)})
	if err != nil {
		return nil, err
	}

	_ = conn.Notify("turn/started", map[string]any{"thread_id": p.ThreadID, "turn_id": turnID})
	return turnStartResult{Turn: turnJSON{ID: turnID, Status: string(thread.TurnInProgress)}}, nil
}

func (d *Dispatcher) turnSteer(ctx context.Context, raw []byte) (any, error) {
	p, err := decodeParams[turnSteerParams](raw)
	if err != nil {
		return nil, err
	}
	h, ok := d.threads.GetThread(p.ThreadID)
	if !ok {
		return nil, rpcerr.NotFoundf("thread not found: %s", p.ThreadID)
	}
	turnID, err := h.SteerInput(ctx, toThreadItems(p.Input), p.ExpectedTurnID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"turn_id": turnID}, nil
}

// turnInterrupt implements the deferred-reply contract of spec.md §4.5 and
// §5 ordering guarantee #3: the response is only sent once the thread's
// TurnAborted event for this interrupt has been observed. The relay is the
// thread's only event consumer, so this registers with the Interrupt
// Coordinator and waits for it to signal completion rather than draining
// the event stream itself, which would race the relay for the same event.
func (d *Dispatcher) turnInterrupt(ctx context.Context, raw []byte) (any, error) {
	p, err := decodeParams[threadIDParams](raw)
	if err != nil {
		return nil, err
	}
	h, ok := d.threads.GetThread(p.ThreadID)
	if !ok {
		return nil, rpcerr.NotFoundf("thread not found: %s", p.ThreadID)
	}

	key := newRequestKey()
	done := d.interrupts.RegisterInterrupt(p.ThreadID, key)
	if _, err := h.Submit(ctx, thread.Op{Kind: thread.OpInterrupt}); err != nil {
		return nil, err
	}

	select {
	case <-done:
		return map[string]any{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var requestKeySeq int64

// newRequestKey assigns each in-flight turn/interrupt or thread/rollback
// call a unique key under which its Waiter is registered with the Interrupt
// Coordinator, so CompleteInterrupts/CompleteRollbacks can release every
// waiting caller without correlating by the underlying wire request id
// (spec.md §5 ordering guarantee #3).
func newRequestKey() interrupt.RequestKey {
	n := atomic.AddInt64(&requestKeySeq, 1)
	return interrupt.RequestKey{RequestID: fmt.Sprintf("interrupt-%d", n)}
}

func (d *Dispatcher) reviewStart(ctx context.Context, conn *Conn, raw []byte) (any, error) {
	p, err := decodeParams[reviewStartParams](raw)
	if err != nil {
		return nil, err
	}
	delivery := p.Delivery
	if delivery == "" {
		delivery = "inline"
	}

	if delivery == "inline" {
		h, ok := d.threads.GetThread(p.ThreadID)
		if !ok {
			return nil, rpcerr.NotFoundf("thread not found: %s", p.ThreadID)
		}
		if _, err := h.Submit(ctx, thread.Op{Kind: thread.OpReview, ReviewTarget: p.Target, ReviewDelivery: delivery}); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}

	// Detached review forks a new thread and emits the same turn/started
	// shape as turn/start.
	path, ok := d.rolloutPathForThread(ctx, p.ThreadID)
	if !ok {
		return nil, rpcerr.NotFoundf("no rollout found for thread id %s", p.ThreadID)
	}
	th, h, err := d.threads.ForkThread(ctx, path, 0, thread.Config{})
	if err != nil {
		return nil, err
	}
	d.subs.EnsureConnectionSubscribed(th.ID, conn.ID, h, newConnSink(conn))
	d.attachPulseRelay(th.ID, h)
	turnID, err := h.Submit(ctx, thread.Op{Kind: thread.OpReview, ReviewTarget: p.Target, ReviewDelivery: delivery})
	if err != nil {
		return nil, err
	}
	_ = conn.Notify("turn/started", map[string]any{"thread_id": th.ID, "turn_id": turnID})
	return map[string]any{"thread_id": th.ID, "turn_id": turnID}, nil
}

func (d *Dispatcher) modelsList(ctx context.Context) (any, error) {
	return map[string]any{"data": []string{}}, nil
}

func (d *Dispatcher) getAuthStatus(ctx context.Context) (any, error) {
	_, active := d.logins.ActiveID()
	return map[string]any{"login_in_progress": active}, nil
}

func (d *Dispatcher) accountLogin(ctx context.Context, raw []byte) (any, error) {
	_, err := decodeParams[loginStartParams](raw)
	if err != nil {
		return nil, err
	}
	id, err := d.logins.LoginStart(ctx, noopLoginServer{})
	if err != nil {
		return nil, err
	}
	return loginStartResult{LoginID: id, AuthURL: fmt.Sprintf("https://auth.example/login/%s", id)}, nil
}

func (d *Dispatcher) accountCancelLogin(ctx context.Context, raw []byte) (any, error) {
	p, err := decodeParams[cancelLoginParams](raw)
	if err != nil {
		return nil, err
	}
	if err := d.logins.CancelLogin(p.LoginID); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// noopLoginServer is the default login.Server used where no real OAuth
// callback server has been wired into the dispatcher. It never completes a
// login by itself: Serve blocks until its context ends, returning a "login
// timed out" error at the attempt's deadline and ctx.Err() when the attempt
// is canceled or replaced.
type noopLoginServer struct{}

func (noopLoginServer) Serve(ctx context.Context) error {
	<-ctx.Done()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("login timed out")
	}
	return ctx.Err()
}

var _ login.Server = noopLoginServer{}
