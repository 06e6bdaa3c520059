package rollout

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relayforge/sessiond/internal/rpcerr"
	"github.com/relayforge/sessiond/internal/telemetry"
)

// Index is the optional indexed summary store consulted by ListThreads
// before falling back to reading file heads directly, per spec.md §4.7:
// "Summaries are derived from (a) a state-DB index when available or (b)
// the head of the file." sqlite- and mongo-backed implementations live in
// index_sqlite.go and index_mongo.go.
type Index interface {
	Upsert(ctx context.Context, s ThreadSummary) error
	Remove(ctx context.Context, threadID string) error
	All(ctx context.Context, archived bool) ([]ThreadSummary, error)
}

// FSStore is the filesystem-backed Store implementation. It owns a root
// directory laid out as described in spec.md §6.4:
//
//	<root>/sessions/YYYY/MM/DD/<ts>-<thread_id>.jsonl
//	<root>/archived_sessions/<ts>-<thread_id>.jsonl
//
// A single writer per thread is assumed by callers (the thread runtime);
// FSStore itself serializes Append, and Archive's closing of the cached
// writer, with one store-wide mutex (Unarchive takes no lock), matching the "rollout file writers are owned exclusively by each thread
// runtime" resource policy of spec.md §5.
type FSStore struct {
	root  string
	index Index
	log   telemetry.Logger

	mu      sync.Mutex
	writers map[string]*os.File // threadID -> open append handle
}

// NewFSStore constructs an FSStore rooted at root, creating the sessions
// and archived_sessions directories if absent. index may be nil, in which
// case every list operation falls back to reading file heads.
func NewFSStore(root string, index Index, log telemetry.Logger) (*FSStore, error) {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	for _, d := range []string{sessionsDir(root), archiveDir(root)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, rpcerr.Transient(fmt.Errorf("create rollout dir %s: %w", d, err))
		}
	}
	return &FSStore{root: root, index: index, log: log, writers: make(map[string]*os.File)}, nil
}

func sessionsDir(root string) string { return filepath.Join(root, "sessions") }
func archiveDir(root string) string  { return filepath.Join(root, "archived_sessions") }

// fileName is the `<ISO8601-compact>-<uuid>.jsonl` convention of spec.md §6.2.
func fileName(threadID string, created time.Time) string {
	return fmt.Sprintf("%s-%s.jsonl", created.UTC().Format("20060102T150405Z0700"), threadID)
}

// sessionPath returns the active-session path for a thread created at ts.
func (s *FSStore) sessionPath(threadID string, ts time.Time) string {
	y, m, d := ts.UTC().Date()
	return filepath.Join(sessionsDir(s.root), fmt.Sprintf("%04d", y), fmt.Sprintf("%02d", m), fmt.Sprintf("%02d", d), fileName(threadID, ts))
}

// Append implements Store.Append.
func (s *FSStore) Append(ctx context.Context, threadID string, meta SessionMeta, item Item) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.writers[threadID]
	if !ok {
		path := s.sessionPath(threadID, meta.Timestamp)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", rpcerr.Transient(fmt.Errorf("create rollout session dir: %w", err))
		}
		newFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return "", rpcerr.Transient(fmt.Errorf("open rollout file: %w", err))
		}
		metaLine := Item{Timestamp: meta.Timestamp, SessionMeta: &meta}
		if err := writeLine(newFile, metaLine); err != nil {
			newFile.Close()
			return "", rpcerr.Transient(fmt.Errorf("write session meta: %w", err))
		}
		f = newFile
		s.writers[threadID] = f
		if s.index != nil {
			_ = s.index.Upsert(ctx, ThreadSummary{
				ThreadID: threadID, CreatedAt: meta.Timestamp, UpdatedAt: meta.Timestamp,
				Provider: meta.ModelProvider, Cwd: meta.Cwd, Git: meta.Git, Path: path,
			})
		}
	}

	if err := writeLine(f, item); err != nil {
		return "", rpcerr.Transient(fmt.Errorf("append rollout item: %w", err))
	}
	return f.Name(), nil
}

func writeLine(w io.Writer, item Item) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// ReadHeadForSummary implements Store.ReadHeadForSummary. It reads lines
// until a SessionMeta and a first user-authored response item have both
// been seen, tolerating a truncated final line on crash per invariant 8.
func (s *FSStore) ReadHeadForSummary(ctx context.Context, path string) (ThreadSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return ThreadSummary{}, rpcerr.NotFoundf("no rollout found at path %s", path)
	}
	defer f.Close()

	info, _ := f.Stat()
	var summary ThreadSummary
	summary.Path = path

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		var it Item
		if err := json.Unmarshal(line, &it); err != nil {
			// tolerate a truncated last line; stop reading further.
			break
		}
		if first {
			if it.SessionMeta == nil {
				return ThreadSummary{}, rpcerr.NotFoundf("rollout file %s missing session meta header", path)
			}
			summary.ThreadID = it.SessionMeta.ID
			summary.CreatedAt = it.SessionMeta.Timestamp
			summary.Provider = it.SessionMeta.ModelProvider
			summary.Cwd = it.SessionMeta.Cwd
			summary.Git = it.SessionMeta.Git
			first = false
			continue
		}
		if preview, ok := firstUserPreview(it); ok {
			summary.Preview = preview
			break
		}
	}
	if info != nil {
		summary.UpdatedAt = info.ModTime()
	}
	return summary, nil
}

// firstUserPreview extracts a clamped preview from a response_item map with
// a non-empty "text" field, stripping the standard IDE-context prefix per
// testable property 2. The item's role is not checked: the first such item
// is taken as the user message. Returns ok=false for any other item kind.
func firstUserPreview(it Item) (string, bool) {
	m, ok := it.ResponseItem.(map[string]any)
	if !ok {
		return "", false
	}
	text, _ := m["text"].(string)
	if text == "" {
		return "", false
	}
	const idePrefix = "<ide-context>"
	if idx := strings.Index(text, "</ide-context>"); idx >= 0 && strings.HasPrefix(text, idePrefix) {
		text = strings.TrimSpace(text[idx+len("</ide-context>"):])
	}
	return clampPreview(text), true
}

// clampPreview normalizes whitespace and clamps previews to a reasonable
// length for UI display, grounded on the teacher's stream subscriber's
// preview-clamping helper (same 140-rune cap, whitespace collapse).
func clampPreview(in string) string {
	if in == "" {
		return ""
	}
	out := make([]rune, 0, len(in))
	prevSpace := false
	for _, r := range in {
		switch r {
		case '\n', '\r', '\t', ' ':
			if !prevSpace {
				out = append(out, ' ')
			}
			prevSpace = true
		default:
			out = append(out, r)
			prevSpace = false
		}
	}
	const max = 140
	if len(out) <= max {
		return string(out)
	}
	return string(out[:max])
}

// GetRolloutHistory implements Store.GetRolloutHistory.
func (s *FSStore) GetRolloutHistory(ctx context.Context, path string) (History, error) {
	f, err := os.Open(path)
	if err != nil {
		return History{}, rpcerr.NotFoundf("no rollout found at path %s", path)
	}
	defer f.Close()

	var items []Item
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var it Item
		if err := json.Unmarshal(sc.Bytes(), &it); err != nil {
			break // truncated last line
		}
		items = append(items, it)
	}
	return History{Kind: HistoryResumed, Items: items}, nil
}

// Archive implements Store.Archive: atomic rename from the sessions root
// into the archive root. Refuses paths that do not canonicalize under the
// sessions root and whose filename does not end in `<threadID>.jsonl`,
// matching testable property 4 (path safety) and invariant 5.
func (s *FSStore) Archive(ctx context.Context, threadID, path string) error {
	s.mu.Lock()
	if f, ok := s.writers[threadID]; ok {
		f.Close()
		delete(s.writers, threadID)
	}
	s.mu.Unlock()

	if err := requireUnder(sessionsDir(s.root), path); err != nil {
		return err
	}
	if err := requireSuffix(path, threadID); err != nil {
		return err
	}
	dest := filepath.Join(archiveDir(s.root), filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return rpcerr.Transient(fmt.Errorf("create archive dir: %w", err))
	}
	if err := os.Rename(path, dest); err != nil {
		return rpcerr.Transient(fmt.Errorf("archive rollout file: %w", err))
	}
	if s.index != nil {
		_ = s.index.Remove(ctx, threadID)
	}
	return nil
}

// Unarchive implements Store.Unarchive: rename back into the correct
// YYYY/MM/DD subfolder inferred from the filename's compact timestamp, and
// refresh mtime so listings reflect restoration order.
func (s *FSStore) Unarchive(ctx context.Context, threadID, path string) error {
	if err := requireUnder(archiveDir(s.root), path); err != nil {
		return err
	}
	if err := requireSuffix(path, threadID); err != nil {
		return err
	}
	ts, err := parseFilenameTimestamp(filepath.Base(path))
	if err != nil {
		return rpcerr.Preconditionf("cannot infer date from rollout filename %s", filepath.Base(path))
	}
	y, m, d := ts.Date()
	dest := filepath.Join(sessionsDir(s.root), fmt.Sprintf("%04d", y), fmt.Sprintf("%02d", m), fmt.Sprintf("%02d", d), filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return rpcerr.Transient(fmt.Errorf("create session dir: %w", err))
	}
	if err := os.Rename(path, dest); err != nil {
		return rpcerr.Transient(fmt.Errorf("unarchive rollout file: %w", err))
	}
	now := time.Now()
	_ = os.Chtimes(dest, now, now)
	if s.index != nil {
		if summary, err := s.ReadHeadForSummary(ctx, dest); err == nil {
			_ = s.index.Upsert(ctx, summary)
		}
	}
	return nil
}

func requireUnder(root, path string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return rpcerr.Transient(err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return rpcerr.Preconditionf("invalid rollout path %s", path)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
	}
	rel, err := filepath.Rel(absRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return rpcerr.Preconditionf("rollout path %s is not under %s", path, root)
	}
	return nil
}

func requireSuffix(path, threadID string) error {
	want := threadID + ".jsonl"
	if !strings.HasSuffix(filepath.Base(path), want) {
		return rpcerr.Preconditionf("rollout path %s does not match thread id %s", path, threadID)
	}
	return nil
}

func parseFilenameTimestamp(name string) (time.Time, error) {
	name = strings.TrimSuffix(name, ".jsonl")
	idx := strings.Index(name, "-")
	if idx <= 0 {
		return time.Time{}, fmt.Errorf("malformed rollout filename %s", name)
	}
	return time.Parse("20060102T150405Z0700", name[:idx])
}

// ListThreads implements Store.ListThreads.
func (s *FSStore) ListThreads(ctx context.Context, limit int, cursor string, sortKey SortKey, filter ListFilter) (Page, error) {
	return s.list(ctx, false, limit, cursor, sortKey, filter)
}

// ListArchivedThreads implements Store.ListArchivedThreads.
func (s *FSStore) ListArchivedThreads(ctx context.Context, limit int, cursor string, sortKey SortKey, filter ListFilter) (Page, error) {
	return s.list(ctx, true, limit, cursor, sortKey, filter)
}

func (s *FSStore) list(ctx context.Context, archived bool, limit int, cursor string, sortKey SortKey, filter ListFilter) (Page, error) {
	if limit <= 0 {
		limit = 20
	}
	var all []ThreadSummary
	if s.index != nil {
		if fromIdx, err := s.index.All(ctx, archived); err == nil {
			all = fromIdx
		}
	}
	if all == nil {
		scanned, err := s.scanHeads(ctx, archived)
		if err != nil {
			return Page{}, err
		}
		all = scanned
	}
	for i := range all {
		all[i].Archived = archived
	}

	keyOf := func(s ThreadSummary) time.Time { return s.CreatedAt }
	if sortKey == SortUpdatedAt {
		keyOf = func(s ThreadSummary) time.Time { return s.UpdatedAt }
	}
	sort.SliceStable(all, func(i, j int) bool {
		ti, tj := keyOf(all[i]), keyOf(all[j])
		if ti.Equal(tj) {
			return all[i].Path > all[j].Path // filename embeds a monotonic timestamp; breaks same-second ties deterministically
		}
		return ti.After(tj)
	})

	match := func(s ThreadSummary) bool {
		if filter.Cwd != "" && s.Cwd != filter.Cwd {
			return false
		}
		if len(filter.AllowedSources) > 0 {
			allowed := false
			for _, src := range filter.AllowedSources {
				if src == s.SourceKind {
					allowed = true
					break
				}
			}
			if !allowed {
				return false
			}
		}
		if filter.ProviderFilter != "" && s.Provider != filter.ProviderFilter && s.Provider != filter.FallbackProvider {
			return false
		}
		return true
	}

	return paginate(all, limit, cursor, keyOf, match)
}

func (s *FSStore) scanHeads(ctx context.Context, archived bool) ([]ThreadSummary, error) {
	root := sessionsDir(s.root)
	if archived {
		root = archiveDir(s.root)
	}
	var out []ThreadSummary
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d == nil || d.IsDir() || !strings.HasSuffix(p, ".jsonl") {
			return nil
		}
		summary, err := s.ReadHeadForSummary(ctx, p)
		if err != nil {
			s.log.Warn(ctx, "skipping unreadable rollout file", "path", p, "error", err.Error())
			return nil
		}
		out = append(out, summary)
		return nil
	})
	if err != nil {
		return nil, rpcerr.Transient(err)
	}
	return out, nil
}
