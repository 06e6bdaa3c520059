// Package login implements the Login / Auth Session component of
// spec.md §4.8: a single process-wide login attempt, replace-on-new
// semantics, a 10-minute timeout, and mutual exclusion with external-auth
// token login.
package login

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/sessiond/internal/rpcerr"
	"github.com/relayforge/sessiond/internal/telemetry"
)

// Outcome is the terminal result of a login attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
	OutcomeCanceled Outcome = "canceled"
)

// Notification is published once an attempt reaches a terminal Outcome.
type Notification struct {
	ID      string
	Outcome Outcome
	Error   string
}

// Server is the long-running login flow (e.g. a local OAuth callback
// server) an attempt drives; implementations are supplied by the caller.
// Serve must return once ctx is canceled.
type Server interface {
	Serve(ctx context.Context) (err error)
}

const defaultTimeout = 10 * time.Minute

type activeLogin struct {
	id     string
	cancel context.CancelFunc
}

// Session tracks the single in-flight login attempt for the process.
type Session struct {
	log telemetry.Logger

	mu           sync.Mutex
	active       *activeLogin
	externalAuth bool

	subsMu sync.Mutex
	subs   []chan Notification
}

// NewSession constructs an empty Session.
func NewSession(log telemetry.Logger) *Session {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Session{log: log}
}

// SetExternalAuthActive records whether external-auth-token login is
// currently in effect for the process. While true, LoginStart returns
// InvalidRequest: the two flows are mutually exclusive.
func (s *Session) SetExternalAuthActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.externalAuth = active
}

// LoginStart creates a new attempt, replacing (and canceling) any attempt
// already in flight, and starts srv under a 10-minute timeout. Returns the
// new attempt's id.
func (s *Session) LoginStart(ctx context.Context, srv Server) (string, error) {
	s.mu.Lock()
	if s.externalAuth {
		s.mu.Unlock()
		return "", rpcerr.Parse(errExternalAuthActive)
	}
	if s.active != nil {
		s.active.cancel()
	}
	id := uuid.NewString()
	attemptCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	s.active = &activeLogin{id: id, cancel: cancel}
	s.mu.Unlock()

	go s.run(attemptCtx, id, srv)
	return id, nil
}

func (s *Session) run(ctx context.Context, id string, srv Server) {
	err := srv.Serve(ctx)

	outcome := OutcomeSuccess
	msg := ""
	switch {
	case err != nil && ctx.Err() == context.DeadlineExceeded:
		outcome = OutcomeTimeout
		msg = err.Error()
	case err != nil && ctx.Err() == context.Canceled:
		outcome = OutcomeCanceled
		msg = err.Error()
	case err != nil:
		outcome = OutcomeError
		msg = err.Error()
	}

	s.mu.Lock()
	// Only the attempt that is still current clears the slot and
	// publishes; a replaced attempt's late completion is dropped, per
	// spec.md §4.8 ("completion... clears the slot only if the id matches").
	current := s.active != nil && s.active.id == id
	if current {
		s.active = nil
	}
	s.mu.Unlock()

	if current {
		s.publish(Notification{ID: id, Outcome: outcome, Error: msg})
	}
}

// CancelLogin removes the active slot iff its id matches. Returns a
// NotFound-classified error otherwise, per spec.md §4.8.
func (s *Session) CancelLogin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.id != id {
		return rpcerr.NotFoundf("no active login attempt with id %s", id)
	}
	s.active.cancel()
	s.active = nil
	return nil
}

// ActiveID returns the current attempt's id, if any.
func (s *Session) ActiveID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", false
	}
	return s.active.id, true
}

// Subscribe registers a channel that receives the Notification for every
// attempt that reaches a terminal outcome.
func (s *Session) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 4)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (s *Session) publish(n Notification) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const errExternalAuthActive = sentinelError("external-auth-token login is active; API-key login is unavailable")
