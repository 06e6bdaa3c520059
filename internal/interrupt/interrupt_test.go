package interrupt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventsDeferredDuringActiveStreamDrainInFIFOOrder(t *testing.T) {
	c := NewCoordinator()
	c.BeginStream("t1")

	ok := c.Enqueue("t1", QueuedEvent{Kind: KindApprovalRequest, Approval: &PendingApproval{CallID: "call-1", Kind: "exec"}})
	require.False(t, ok)
	ok = c.Enqueue("t1", QueuedEvent{Kind: KindUserInputRequest, UserInput: "second"})
	require.False(t, ok)

	drained := c.EndStream("t1")
	require.Len(t, drained, 2)
	require.Equal(t, KindApprovalRequest, drained[0].Kind)
	require.Equal(t, "call-1", drained[0].Approval.CallID)
	require.Equal(t, KindUserInputRequest, drained[1].Kind)
}

func TestEnqueueDeliversImmediatelyOutsideActiveStream(t *testing.T) {
	c := NewCoordinator()
	ok := c.Enqueue("t1", QueuedEvent{Kind: KindUserInputRequest, UserInput: "now"})
	require.True(t, ok)
}

func TestDrainInterruptsRepliesExactlyOnceEvenWithMultipleRegistrations(t *testing.T) {
	c := NewCoordinator()
	c.RegisterInterrupt("t1", RequestKey{RequestID: "r1", APIVersion: "v1"})
	c.RegisterInterrupt("t1", RequestKey{RequestID: "r2", APIVersion: "v1"})

	keys := c.DrainInterrupts("t1")
	require.Len(t, keys, 2)

	keys = c.DrainInterrupts("t1")
	require.Empty(t, keys, "a second drain must not re-deliver already-drained keys")
}

func TestApprovalLifecycle(t *testing.T) {
	c := NewCoordinator()
	c.Enqueue("t1", QueuedEvent{Kind: KindApprovalRequest, Approval: &PendingApproval{CallID: "call-1", Kind: "exec"}})
	c.ResolveApproval("t1", "call-1")
	// Resolving twice must not panic.
	c.ResolveApproval("t1", "call-1")
}

func TestRemoveThreadClearsState(t *testing.T) {
	c := NewCoordinator()
	c.BeginStream("t1")
	require.True(t, c.IsActiveStream("t1"))
	c.RemoveThread("t1")
	require.False(t, c.IsActiveStream("t1"))
}

func TestCompleteInterruptsClosesWaiterExactlyOnce(t *testing.T) {
	c := NewCoordinator()
	key := RequestKey{RequestID: "r1"}
	done := c.RegisterInterrupt("t1", key)

	select {
	case <-done:
		t.Fatal("waiter closed before CompleteInterrupts was called")
	default:
	}

	c.CompleteInterrupts("t1")

	select {
	case <-done:
	default:
		t.Fatal("waiter not closed after CompleteInterrupts")
	}

	// A second completion call with nothing pending must not panic or block.
	c.CompleteInterrupts("t1")
}

func TestCompleteRollbacksClosesWaiter(t *testing.T) {
	c := NewCoordinator()
	key := RequestKey{RequestID: "r1"}
	done := c.RegisterRollback("t1", key)

	c.CompleteRollbacks("t1")

	select {
	case <-done:
	default:
		t.Fatal("waiter not closed after CompleteRollbacks")
	}
}
