// Package rollout implements the append-only per-thread log plus an
// indexed summary store described by the Rollout Store component: durable
// state rooted at a directory containing `sessions/YYYY/MM/DD/*.jsonl` for
// active threads and `archived_sessions/*.jsonl` for archived ones.
package rollout

import (
	"context"
	"time"
)

type (
	// SessionMeta is the first line of every rollout file: stable identity
	// and environment the thread was created under.
	SessionMeta struct {
		ID              string     `json:"id"`
		Timestamp       time.Time  `json:"timestamp"`
		Cwd             string     `json:"cwd"`
		CLIVersion      string     `json:"cli_version"`
		Originator      string     `json:"originator"`
		ModelProvider   string     `json:"model_provider"`
		Git             *GitMeta   `json:"git,omitempty"`
	}

	// GitMeta captures optional repository context recorded at thread creation.
	GitMeta struct {
		Repo   string `json:"repo,omitempty"`
		Branch string `json:"branch,omitempty"`
		Commit string `json:"commit,omitempty"`
	}

	// Item is one line of a rollout file: a tagged union over the kinds a
	// reader may encounter, in emission order.
	Item struct {
		Timestamp    time.Time       `json:"timestamp"`
		SessionMeta  *SessionMeta    `json:"session_meta,omitempty"`
		ResponseItem interface{}     `json:"response_item,omitempty"`
		EventMsg     interface{}     `json:"event_msg,omitempty"`
	}

	// ThreadSummary is the projection of a thread's durable state used for
	// `thread/list` and `conversation/list` responses.
	ThreadSummary struct {
		ThreadID   string    `json:"thread_id"`
		Preview    string    `json:"preview"`
		CreatedAt  time.Time `json:"created_at"`
		UpdatedAt  time.Time `json:"updated_at"`
		Provider   string    `json:"model_provider"`
		Cwd        string    `json:"cwd"`
		SourceKind string    `json:"source_kind"`
		Git        *GitMeta  `json:"git,omitempty"`
		Path       string    `json:"path"`
		Archived   bool      `json:"archived"`
	}

	// SortKey selects the ordering field for list_threads.
	SortKey string

	// Page is one page of a paginated thread listing.
	Page struct {
		Items      []ThreadSummary
		NextCursor string
	}

	// History is the result of replaying a rollout file in full.
	History struct {
		Kind  HistoryKind
		Items []Item
		// ForkedFromTurns is set when Kind == HistoryForked: the number of
		// turns copied from the source file.
		ForkedFromTurns int
	}

	// HistoryKind discriminates the three replay outcomes named in spec.md §4.7.
	HistoryKind string

	// ListFilter narrows list_threads/list_archived_threads results.
	ListFilter struct {
		AllowedSources  []string
		ProviderFilter  string
		FallbackProvider string
		Cwd             string
	}

	// Store is the Rollout Store contract.
	Store interface {
		// ListThreads returns up to limit summaries for active threads,
		// newest-first by sortKey, resuming from cursor if non-empty.
		ListThreads(ctx context.Context, limit int, cursor string, sortKey SortKey, filter ListFilter) (Page, error)
		// ListArchivedThreads mirrors ListThreads over the archive directory.
		ListArchivedThreads(ctx context.Context, limit int, cursor string, sortKey SortKey, filter ListFilter) (Page, error)
		// GetRolloutHistory replays the file at path in full.
		GetRolloutHistory(ctx context.Context, path string) (History, error)
		// ReadHeadForSummary reads the minimum bytes needed to produce a
		// summary (meta + first user message), tolerating a truncated tail.
		ReadHeadForSummary(ctx context.Context, path string) (ThreadSummary, error)
		// Append appends one item to the thread's rollout file, creating it
		// (with its SessionMeta header) on first call.
		Append(ctx context.Context, threadID string, meta SessionMeta, item Item) (path string, err error)
		// Archive moves a thread's file from the sessions root into the
		// archive root. Fails with a path-safety error if path does not
		// canonicalize under the sessions root.
		Archive(ctx context.Context, threadID, path string) error
		// Unarchive moves a thread's file back under sessions/YYYY/MM/DD,
		// inferring the date from the filename timestamp, and refreshes
		// mtime so listings reflect restoration order.
		Unarchive(ctx context.Context, threadID, path string) error
	}
)

const (
	SortCreatedAt SortKey = "createdAt"
	SortUpdatedAt SortKey = "updatedAt"

	HistoryNew     HistoryKind = "new"
	HistoryForked  HistoryKind = "forked"
	HistoryResumed HistoryKind = "resumed"
)
