package rollout

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir(), nil, nil)
	require.NoError(t, err)
	return s
}

func TestAppendCreatesSessionMetaHeader(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	meta := SessionMeta{ID: "t1", Timestamp: time.Now(), ModelProvider: "openai", Cwd: "/work"}
	path, err := s.Append(ctx, "t1", meta, Item{Timestamp: meta.Timestamp, ResponseItem: map[string]any{"text": "hello"}})
	require.NoError(t, err)
	require.FileExists(t, path)

	hist, err := s.GetRolloutHistory(ctx, path)
	require.NoError(t, err)
	require.Len(t, hist.Items, 2)
	require.NotNil(t, hist.Items[0].SessionMeta)
	require.Equal(t, "t1", hist.Items[0].SessionMeta.ID)
}

func TestReadHeadForSummaryEmptyPreviewForFreshThread(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	meta := SessionMeta{ID: "t1", Timestamp: time.Now()}
	path, err := s.Append(ctx, "t1", meta, Item{})
	require.NoError(t, err)

	summary, err := s.ReadHeadForSummary(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "", summary.Preview)
}

func TestReadHeadForSummaryStripsIDEContextPrefix(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	meta := SessionMeta{ID: "t1", Timestamp: time.Now()}
	text := "<ide-context>cwd=/work</ide-context>Count to 5"
	path, err := s.Append(ctx, "t1", meta, Item{ResponseItem: map[string]any{"text": text}})
	require.NoError(t, err)

	summary, err := s.ReadHeadForSummary(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "Count to 5", summary.Preview)
}

func TestArchiveThenUnarchiveRestoresUnderDateBucket(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	created := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	meta := SessionMeta{ID: "t1", Timestamp: created}
	path, err := s.Append(ctx, "t1", meta, Item{})
	require.NoError(t, err)

	require.NoError(t, s.Archive(ctx, "t1", path))
	archivedPath := filepath.Join(archiveDir(s.root), filepath.Base(path))
	require.FileExists(t, archivedPath)

	require.NoError(t, s.Unarchive(ctx, "t1", archivedPath))
	restoredPath := filepath.Join(sessionsDir(s.root), "2026", "03", "04", filepath.Base(path))
	require.FileExists(t, restoredPath)

	// A second archive after unarchive must succeed (property 3).
	require.NoError(t, s.Archive(ctx, "t1", restoredPath))
}

func TestArchiveRejectsPathOutsideSessionsRoot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	err := s.Archive(ctx, "t1", filepath.Join(s.root, "..", "evil-t1.jsonl"))
	require.Error(t, err)
}

func TestUnarchiveRejectsPathOutsideArchiveRoot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	meta := SessionMeta{ID: "t1", Timestamp: time.Now()}
	path, err := s.Append(ctx, "t1", meta, Item{})
	require.NoError(t, err)

	err = s.Unarchive(ctx, "t1", path) // still under sessions/, not archive/
	require.Error(t, err)
}

func TestListThreadsPaginationIsExhaustiveAndNonLooping(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		id := "thread-" + string(rune('a'+i))
		meta := SessionMeta{ID: id, Timestamp: base.Add(time.Duration(i) * time.Hour)}
		_, err := s.Append(ctx, id, meta, Item{})
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	cursor := ""
	for i := 0; i < 20; i++ {
		page, err := s.ListThreads(ctx, 2, cursor, SortCreatedAt, ListFilter{})
		require.NoError(t, err)
		for _, item := range page.Items {
			require.False(t, seen[item.ThreadID], "duplicate item %s", item.ThreadID)
			seen[item.ThreadID] = true
		}
		if page.NextCursor == "" {
			break
		}
		require.NotEqual(t, cursor, page.NextCursor, "cursor must advance or terminate")
		cursor = page.NextCursor
	}
	require.Len(t, seen, 7)
}
