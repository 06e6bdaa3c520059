package thread

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/sessiond/internal/event"
	"github.com/relayforge/sessiond/internal/rollout"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := rollout.NewFSStore(t.TempDir(), nil, nil)
	require.NoError(t, err)
	return NewRegistry(store, nil, nil)
}

func TestStartThreadThenUserTurnReachesTurnComplete(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, h, err := r.StartThread(ctx, Config{ModelProvider: "openai"})
	require.NoError(t, err)

	_, err = h.Submit(ctx, Op{Kind: OpUserTurn, Items: []ThreadItem{{Kind: "user_message", Payload: "hi"}}})
	require.NoError(t, err)

	deadline, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var sawComplete bool
	for i := 0; i < 10; i++ {
		ev, err := h.NextEvent(deadline)
		require.NoError(t, err)
		if ev.Type() == event.TypeTurnComplete {
			sawComplete = true
			break
		}
	}
	require.True(t, sawComplete)
}

func TestStartThreadWithToolsRejectsReservedName(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, _, err := r.StartThreadWithTools(ctx, Config{}, []DynamicTool{
		{Name: "mcp__foo", Description: "x", InputSchema: map[string]any{"type": "object"}},
	})
	require.Error(t, err)
}

func TestStartThreadWithToolsRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, _, err := r.StartThreadWithTools(ctx, Config{}, []DynamicTool{
		{Name: "search", InputSchema: map[string]any{"type": "object"}},
		{Name: "search", InputSchema: map[string]any{"type": "object"}},
	})
	require.Error(t, err)
}

func TestSteerInputRequiresActiveTurn(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, h, err := r.StartThread(ctx, Config{})
	require.NoError(t, err)

	_, err = h.SteerInput(ctx, []ThreadItem{{Kind: "user_message"}}, "")
	require.ErrorIs(t, err, SteerNoActiveTurn)
}

func TestGetThreadAndRemoveThread(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	th, _, err := r.StartThread(ctx, Config{})
	require.NoError(t, err)

	_, ok := r.GetThread(th.ID)
	require.True(t, ok)

	require.NoError(t, r.RemoveThread(th.ID))
	_, ok = r.GetThread(th.ID)
	require.False(t, ok)

	require.Error(t, r.RemoveThread(th.ID))
}

func TestSubscribeThreadCreatedReceivesNewThreadID(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	ch, cancel := r.SubscribeThreadCreated()
	defer cancel()

	th, _, err := r.StartThread(ctx, Config{})
	require.NoError(t, err)

	select {
	case id := <-ch:
		require.Equal(t, th.ID, id)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for thread-created notification")
	}
}

func TestListLoadedPagedIsExhaustiveAndNonLooping(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	for i := 0; i < 5; i++ {
		_, _, err := r.StartThread(ctx, Config{})
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	cursor := ""
	for i := 0; i < 10; i++ {
		page, next := r.ListLoadedPaged(2, cursor)
		for _, id := range page {
			require.False(t, seen[id])
			seen[id] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}
	require.Len(t, seen, 5)
}
