package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/sessiond/internal/event"
	"github.com/relayforge/sessiond/internal/interrupt"
	"github.com/relayforge/sessiond/internal/login"
	"github.com/relayforge/sessiond/internal/rollout"
	"github.com/relayforge/sessiond/internal/subscription"
	"github.com/relayforge/sessiond/internal/thread"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Conn, *bytes.Buffer) {
	t.Helper()
	store, err := rollout.NewFSStore(t.TempDir(), nil, nil)
	require.NoError(t, err)

	threads := thread.NewRegistry(store, nil, nil)
	interrupts := interrupt.NewCoordinator()
	subs := subscription.NewRegistry(interrupts, nil)
	logins := login.NewSession(nil)

	d := NewDispatcher(threads, subs, interrupts, logins, store, nil)

	var out bytes.Buffer
	conn := NewConn("conn1", NewFraming(strings.NewReader(""), &out))
	return d, conn, &out
}

func lastLine(buf *bytes.Buffer) map[string]any {
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var v map[string]any
	_ = json.Unmarshal([]byte(lines[len(lines)-1]), &v)
	return v
}

func rawParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestThreadStartThenListThenArchiveScenarioS1(t *testing.T) {
	ctx := context.Background()
	d, conn, out := newTestDispatcher(t)

	startResult, err := d.dispatch(ctx, conn, Request{Method: "thread/start", Params: rawParams(t, threadStartParams{})})
	require.NoError(t, err)
	res := startResult.(threadStartResult)
	threadID := res.Thread.ID
	require.NotEmpty(t, threadID)

	listResult, err := d.dispatch(ctx, conn, Request{Method: "thread/list", Params: rawParams(t, threadListParams{})})
	require.NoError(t, err)
	data := listResult.(map[string]any)["data"].([]rollout.ThreadSummary)
	require.Len(t, data, 1)
	require.Equal(t, threadID, data[0].ThreadID)
	require.Equal(t, "", data[0].Preview)

	turnResult, err := d.dispatch(ctx, conn, Request{Method: "turn/start", Params: rawParams(t, turnStartParams{
		ThreadID: threadID, Input: []inputItemJSON{{Text: "hello"}},
	})})
	require.NoError(t, err)
	require.Equal(t, string(thread.TurnInProgress), turnResult.(turnStartResult).Turn.Status)

	_, err = d.dispatch(ctx, conn, Request{Method: "thread/archive", Params: rawParams(t, threadIDParams{ThreadID: threadID})})
	require.NoError(t, err)

	notified := lastLine(out)
	require.Equal(t, "thread/archived", notified["method"])
}

func TestThreadRollbackRejectsConcurrentCall(t *testing.T) {
	ctx := context.Background()
	d, conn, _ := newTestDispatcher(t)

	startResult, err := d.dispatch(ctx, conn, Request{Method: "thread/start", Params: rawParams(t, threadStartParams{})})
	require.NoError(t, err)
	threadID := startResult.(threadStartResult).Thread.ID

	d.mu.Lock()
	d.rollbackInFlight[threadID] = true
	d.mu.Unlock()

	_, err = d.dispatch(ctx, conn, Request{Method: "thread/rollback", Params: rawParams(t, threadRollbackParams{ThreadID: threadID, NumTurns: 1})})
	require.Error(t, err)
	require.Contains(t, err.Error(), "rollback already in progress")
}

// blockingAgent never completes on its own, so the thread's only path to a
// terminal turn state is an explicit interrupt.
type blockingAgent struct{}

func (blockingAgent) Run(ctx context.Context, threadID string, turn *thread.Turn, cfg thread.Config, emit func(event.Event)) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTurnInterruptDefersReplyUntilTurnAborted(t *testing.T) {
	ctx := context.Background()
	store, err := rollout.NewFSStore(t.TempDir(), nil, nil)
	require.NoError(t, err)
	threads := thread.NewRegistry(store, blockingAgent{}, nil)
	interrupts := interrupt.NewCoordinator()
	subs := subscription.NewRegistry(interrupts, nil)
	logins := login.NewSession(nil)
	d := NewDispatcher(threads, subs, interrupts, logins, store, nil)

	var out bytes.Buffer
	conn := NewConn("conn1", NewFraming(strings.NewReader(""), &out))

	startResult, err := d.dispatch(ctx, conn, Request{Method: "thread/start", Params: rawParams(t, threadStartParams{})})
	require.NoError(t, err)
	threadID := startResult.(threadStartResult).Thread.ID

	_, err = d.dispatch(ctx, conn, Request{Method: "turn/start", Params: rawParams(t, turnStartParams{
		ThreadID: threadID, Input: []inputItemJSON{{Text: "long running"}},
	})})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, err := d.dispatch(ctx, conn, Request{Method: "turn/interrupt", Params: rawParams(t, threadIDParams{ThreadID: threadID})})
		require.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn/interrupt did not reply after TurnAborted")
	}
}

// TestThreadRollbackWaitsForThreadRolledBackEvent exercises the same
// deferred-reply contract as turn/interrupt: thread/rollback must not reply
// until the relay has observed the corresponding ThreadRolledBack event.
func TestThreadRollbackWaitsForThreadRolledBackEvent(t *testing.T) {
	ctx := context.Background()
	d, conn, _ := newTestDispatcher(t)

	startResult, err := d.dispatch(ctx, conn, Request{Method: "thread/start", Params: rawParams(t, threadStartParams{})})
	require.NoError(t, err)
	threadID := startResult.(threadStartResult).Thread.ID

	_, err = d.dispatch(ctx, conn, Request{Method: "turn/start", Params: rawParams(t, turnStartParams{
		ThreadID: threadID, Input: []inputItemJSON{{Text: "hello"}},
	})})
	require.NoError(t, err)

	h, ok := d.threads.GetThread(threadID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return h.AgentStatus() == thread.AgentIdle
	}, 2*time.Second, 5*time.Millisecond, "turn never reached a terminal status")

	_, err = d.dispatch(ctx, conn, Request{Method: "thread/rollback", Params: rawParams(t, threadRollbackParams{ThreadID: threadID, NumTurns: 1})})
	require.NoError(t, err)
}
