package login

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type blockingServer struct {
	served chan struct{}
}

func (s *blockingServer) Serve(ctx context.Context) error {
	close(s.served)
	<-ctx.Done()
	return ctx.Err()
}

type instantServer struct{ err error }

func (s *instantServer) Serve(ctx context.Context) error { return s.err }

func TestLoginStartThenCancelRemovesSlot(t *testing.T) {
	sess := NewSession(nil)
	srv := &blockingServer{served: make(chan struct{})}
	id, err := sess.LoginStart(context.Background(), srv)
	require.NoError(t, err)
	<-srv.served

	require.NoError(t, sess.CancelLogin(id))
	_, ok := sess.ActiveID()
	require.False(t, ok)
}

func TestCancelLoginWithWrongIDReturnsNotFound(t *testing.T) {
	sess := NewSession(nil)
	srv := &blockingServer{served: make(chan struct{})}
	_, err := sess.LoginStart(context.Background(), srv)
	require.NoError(t, err)

	err = sess.CancelLogin("does-not-exist")
	require.Error(t, err)
}

func TestNewLoginStartReplacesPriorAttempt(t *testing.T) {
	sess := NewSession(nil)
	srv1 := &blockingServer{served: make(chan struct{})}
	id1, err := sess.LoginStart(context.Background(), srv1)
	require.NoError(t, err)
	<-srv1.served

	srv2 := &blockingServer{served: make(chan struct{})}
	id2, err := sess.LoginStart(context.Background(), srv2)
	require.NoError(t, err)
	<-srv2.served

	require.NotEqual(t, id1, id2)
	active, ok := sess.ActiveID()
	require.True(t, ok)
	require.Equal(t, id2, active)
}

func TestExternalAuthActiveRejectsLoginStart(t *testing.T) {
	sess := NewSession(nil)
	sess.SetExternalAuthActive(true)
	_, err := sess.LoginStart(context.Background(), &instantServer{})
	require.Error(t, err)
}

func TestSuccessfulAttemptPublishesNotification(t *testing.T) {
	sess := NewSession(nil)
	ch, cancel := sess.Subscribe()
	defer cancel()

	_, err := sess.LoginStart(context.Background(), &instantServer{})
	require.NoError(t, err)

	select {
	case n := <-ch:
		require.Equal(t, OutcomeSuccess, n.Outcome)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for login notification")
	}
}

func TestFailedAttemptPublishesErrorOutcome(t *testing.T) {
	sess := NewSession(nil)
	ch, cancel := sess.Subscribe()
	defer cancel()

	_, err := sess.LoginStart(context.Background(), &instantServer{err: errors.New("boom")})
	require.NoError(t, err)

	select {
	case n := <-ch:
		require.Equal(t, OutcomeError, n.Outcome)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for login notification")
	}
}
