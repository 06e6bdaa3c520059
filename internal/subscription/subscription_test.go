package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relayforge/sessiond/internal/event"
	"github.com/relayforge/sessiond/internal/thread"
)

type fakeHandle struct {
	thread.Handle
	events chan event.Event
}

func (f *fakeHandle) NextEvent(ctx context.Context) (event.Event, error) {
	select {
	case ev, ok := <-f.events:
		if !ok {
			return nil, context.Canceled
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeSink struct {
	mu       sync.Mutex
	received []event.Event
	failing  bool
}

func (s *fakeSink) Send(ctx context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return context.Canceled
	}
	s.received = append(s.received, ev)
	return nil
}

func (s *fakeSink) Close(ctx context.Context) error { return nil }

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func TestEnsureConnectionSubscribedReceivesEvents(t *testing.T) {
	h := &fakeHandle{events: make(chan event.Event, 4)}
	reg := NewRegistry(nil, nil)
	sink := &fakeSink{}

	reg.EnsureConnectionSubscribed("t1", "conn1", h, sink)
	require.Equal(t, 1, reg.ListenerCount("t1"))

	h.events <- event.NewBase(event.TypeAgentMessage, "t1", "turn1", nil)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRawEventsGatedByThreadFlag(t *testing.T) {
	h := &fakeHandle{events: make(chan event.Event, 4)}
	reg := NewRegistry(nil, nil)
	sink := &fakeSink{}

	reg.EnsureConnectionSubscribed("t1", "conn1", h, sink)
	h.events <- event.NewBase(event.TypeRawResponseItem, "t1", "", nil)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, sink.count(), "raw events must be gated off by default")

	reg.SetListener("t1", "conn1", h, sink, true)
	h.events <- event.NewBase(event.TypeRawResponseItem, "t1", "", nil)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRemoveListenerStopsRelayWhenLastConnectionLeaves(t *testing.T) {
	h := &fakeHandle{events: make(chan event.Event, 4)}
	reg := NewRegistry(nil, nil)
	sink := &fakeSink{}

	reg.EnsureConnectionSubscribed("t1", "conn1", h, sink)
	reg.RemoveListener("t1", "conn1")
	require.Equal(t, 0, reg.ListenerCount("t1"))
}

func TestRemoveConnectionDetachesFromAllThreads(t *testing.T) {
	h1 := &fakeHandle{events: make(chan event.Event, 4)}
	h2 := &fakeHandle{events: make(chan event.Event, 4)}
	reg := NewRegistry(nil, nil)
	sink := &fakeSink{}

	reg.EnsureConnectionSubscribed("t1", "conn1", h1, sink)
	reg.EnsureConnectionSubscribed("t2", "conn1", h2, sink)
	reg.RemoveConnection("conn1")

	require.Equal(t, 0, reg.ListenerCount("t1"))
	require.Equal(t, 0, reg.ListenerCount("t2"))
}

func TestFailingSinkIsDroppedFromListeners(t *testing.T) {
	h := &fakeHandle{events: make(chan event.Event, 4)}
	reg := NewRegistry(nil, nil)
	sink := &fakeSink{failing: true}

	reg.EnsureConnectionSubscribed("t1", "conn1", h, sink)
	h.events <- event.NewBase(event.TypeAgentMessage, "t1", "", nil)
	require.Eventually(t, func() bool { return reg.ListenerCount("t1") == 0 }, time.Second, 5*time.Millisecond)
}
