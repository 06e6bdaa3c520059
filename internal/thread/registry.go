package thread

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/sessiond/internal/rollout"
	"github.com/relayforge/sessiond/internal/rpcerr"
	"github.com/relayforge/sessiond/internal/telemetry"
)

// Registry is the Thread Registry component of spec.md §4.2: the
// process-wide map from thread id to its runtime handle, backed by the
// Rollout Store for durability across restarts.
type Registry struct {
	store rollout.Store
	agent Agent
	log   telemetry.Logger

	mu        sync.RWMutex
	threads   map[string]*entry
	createdCh []chan string
}

type entry struct {
	thread *Thread
	handle *handle
}

// NewRegistry constructs an empty Registry. agent may be nil, in which case
// every thread runs with NoopAgent.
func NewRegistry(store rollout.Store, agent Agent, log telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Registry{store: store, agent: agent, log: log, threads: make(map[string]*entry)}
}

// StartThread creates a brand-new thread with no dynamic tools.
func (r *Registry) StartThread(ctx context.Context, cfg Config) (*Thread, Handle, error) {
	return r.StartThreadWithTools(ctx, cfg, nil)
}

// StartThreadWithTools creates a new thread, validating any supplied
// dynamic tools before the thread is registered so a rejected batch never
// leaves a half-configured thread behind.
func (r *Registry) StartThreadWithTools(ctx context.Context, cfg Config, tools []DynamicTool) (*Thread, Handle, error) {
	if err := ValidateDynamicTools(tools); err != nil {
		return nil, nil, err
	}

	id := uuid.NewString()
	var path string
	if !cfg.Ephemeral {
		meta := rollout.SessionMeta{ID: id, Timestamp: time.Now().UTC(), ModelProvider: cfg.ModelProvider, Cwd: cfg.Cwd}
		if cfg.Git != nil {
			meta.Git = &rollout.GitMeta{Repo: cfg.Git.Repo, Branch: cfg.Git.Branch, Commit: cfg.Git.Commit}
		}
		p, err := r.store.Append(ctx, id, meta, rollout.Item{SessionMeta: &meta})
		if err != nil {
			return nil, nil, fmt.Errorf("start thread: %w", err)
		}
		path = p
	}

	th := &Thread{ID: id, Config: cfg, Status: StatusLoaded, RolloutPath: path}
	h := newHandle(id, cfg, r.store, r.agent, r.log, path)

	r.mu.Lock()
	r.threads[id] = &entry{thread: th, handle: h}
	subs := append([]chan string(nil), r.createdCh...)
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- id:
		default:
		}
	}

	return th, h, nil
}

// ResumeThreadWithHistory registers a live thread for the rollout file at
// path, taking the thread id from the file's SessionMeta (a fresh id when
// there is none). The file's items are not loaded into the new handle: it
// starts with no turns, so a rollback on it can remove only turns run after
// the resume.
func (r *Registry) ResumeThreadWithHistory(ctx context.Context, path string, cfg Config) (*Thread, Handle, error) {
	hist, err := r.store.GetRolloutHistory(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("resume thread: %w", err)
	}

	id := uuid.NewString()
	for _, item := range hist.Items {
		if item.SessionMeta != nil {
			id = item.SessionMeta.ID
			break
		}
	}

	th := &Thread{ID: id, Config: cfg, Status: StatusLoaded, RolloutPath: path}
	h := newHandle(id, cfg, r.store, r.agent, r.log, path)

	r.mu.Lock()
	r.threads[id] = &entry{thread: th, handle: h}
	r.mu.Unlock()

	return th, h, nil
}

// ForkThread copies a thread's rollout history into a fresh thread id and
// rollout file. numTurns counts rollout lines, not turns: a positive value
// smaller than the source's line count keeps only its last numTurns lines,
// and any other value keeps them all. SessionMeta lines are never copied.
// Lines are not grouped into turns, and the forked file reads back through
// GetRolloutHistory as HistoryResumed like any other file.
func (r *Registry) ForkThread(ctx context.Context, sourcePath string, numTurns int, cfg Config) (*Thread, Handle, error) {
	hist, err := r.store.GetRolloutHistory(ctx, sourcePath)
	if err != nil {
		return nil, nil, fmt.Errorf("fork thread: %w", err)
	}

	id := uuid.NewString()
	meta := rollout.SessionMeta{ID: id, Timestamp: time.Now().UTC(), ModelProvider: cfg.ModelProvider, Cwd: cfg.Cwd}
	path, err := r.store.Append(ctx, id, meta, rollout.Item{SessionMeta: &meta})
	if err != nil {
		return nil, nil, fmt.Errorf("fork thread: %w", err)
	}

	items := hist.Items
	if numTurns > 0 && numTurns < len(items) {
		items = items[len(items)-numTurns:]
	}
	for _, item := range items {
		if item.SessionMeta != nil {
			continue
		}
		if _, err := r.store.Append(ctx, id, meta, item); err != nil {
			return nil, nil, fmt.Errorf("fork thread: copy history: %w", err)
		}
	}

	th := &Thread{ID: id, Config: cfg, Status: StatusLoaded, RolloutPath: path}
	h := newHandle(id, cfg, r.store, r.agent, r.log, path)

	r.mu.Lock()
	r.threads[id] = &entry{thread: th, handle: h}
	r.mu.Unlock()

	return th, h, nil
}

// GetThread returns the handle for an already-loaded thread.
func (r *Registry) GetThread(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.threads[id]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// RemoveThread evicts a thread's in-memory state. It does not touch the
// thread's rollout file; callers that also want the file archived should
// call the Rollout Store's Archive separately.
func (r *Registry) RemoveThread(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[id]; !ok {
		return rpcerr.NotFoundf("thread %s not loaded", id)
	}
	delete(r.threads, id)
	return nil
}

// ListThreadIDs returns every currently-loaded thread id, in no particular order.
func (r *Registry) ListThreadIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.threads))
	for id := range r.threads {
		ids = append(ids, id)
	}
	return ids
}

// ListLoadedPaged is the in-memory counterpart to the disk-backed
// thread/list: it pages over the registry's currently-loaded threads,
// sorted by id for a stable (if arbitrary) order, rather than reading the
// Rollout Store.
func (r *Registry) ListLoadedPaged(limit int, cursor string) (ids []string, nextCursor string) {
	r.mu.RLock()
	all := make([]string, 0, len(r.threads))
	for id := range r.threads {
		all = append(all, id)
	}
	r.mu.RUnlock()

	sort.Strings(all)
	start := 0
	if cursor != "" {
		for i, id := range all {
			if id > cursor {
				start = i
				break
			}
			start = i + 1
		}
	}
	if limit <= 0 || limit > len(all)-start {
		limit = len(all) - start
	}
	if start >= len(all) {
		return nil, ""
	}
	page := all[start : start+limit]
	next := ""
	if start+limit < len(all) {
		next = page[len(page)-1]
	}
	return page, next
}

// SubscribeThreadCreated registers a channel that receives the id of every
// subsequently-created thread. The returned cancel func removes it; callers
// must invoke it to avoid leaking the channel slot.
func (r *Registry) SubscribeThreadCreated() (<-chan string, func()) {
	ch := make(chan string, 16)
	r.mu.Lock()
	r.createdCh = append(r.createdCh, ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, c := range r.createdCh {
			if c == ch {
				r.createdCh = append(r.createdCh[:i], r.createdCh[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}
