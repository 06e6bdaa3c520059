package rpc

import (
	"context"
	"fmt"

	"github.com/relayforge/sessiond/internal/event"
)

// Conn represents one client connection: its wire framing and a stable id
// for subscription bookkeeping.
type Conn struct {
	ID      string
	framing *Framing
}

// NewConn wraps framing with connection id.
func NewConn(id string, framing *Framing) *Conn {
	return &Conn{ID: id, framing: framing}
}

// Notify sends a server-to-client notification on this connection.
func (c *Conn) Notify(method string, params any) error {
	return c.framing.WriteNotification(Notification{Method: method, Params: params})
}

// connSink adapts a Conn into an event.Sink, translating thread events into
// `codex/event/<name>` notifications carrying {conversationId, ...event
// fields}, per spec.md §6.1.
type connSink struct {
	conn *Conn
}

func newConnSink(conn *Conn) *connSink { return &connSink{conn: conn} }

func (s *connSink) Send(ctx context.Context, ev event.Event) error {
	method := fmt.Sprintf("codex/event/%s", ev.Type())
	params := map[string]any{
		"conversationId": ev.ThreadID(),
	}
	if ev.TurnID() != "" {
		params["turnId"] = ev.TurnID()
	}
	if payload := ev.Payload(); payload != nil {
		params["payload"] = payload
	}
	return s.conn.Notify(method, params)
}

func (s *connSink) Close(ctx context.Context) error { return nil }
