// Package rpc implements the Dispatcher and wire protocol of spec.md §6.1:
// framed JSON-RPC 2.0 over a connection, routing every request method
// through one arm of a flat switch on the method name rather than via
// reflection; a method with no arm gets an InvalidRequest error.
package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/relayforge/sessiond/internal/rpcerr"
)

// Request is an incoming JSON-RPC request or notification. A request
// carries a non-nil ID; a notification's ID is nil.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outgoing JSON-RPC reply: exactly one of Result/Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcerr.Error   `json:"error,omitempty"`
}

// Notification is a server-to-client message with no id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Framing is the line-delimited-JSON wire format of spec.md §6.1: one JSON
// object per line, in either direction. Grounded on the retrieval pack's
// JSON-lines message framing idiom (encode via json.Encoder, decode
// line-by-line via bufio.Scanner).
type Framing struct {
	r *bufio.Scanner

	wmu sync.Mutex
	enc *json.Encoder
}

// NewFraming wraps r and w for line-delimited JSON-RPC.
func NewFraming(r io.Reader, w io.Writer) *Framing {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Framing{r: sc, enc: json.NewEncoder(w)}
}

// ReadRequest blocks for the next line and decodes it as a Request. Returns
// io.EOF when the underlying reader is exhausted.
func (f *Framing) ReadRequest() (Request, error) {
	if !f.r.Scan() {
		if err := f.r.Err(); err != nil {
			return Request{}, err
		}
		return Request{}, io.EOF
	}
	var req Request
	if err := json.Unmarshal(f.r.Bytes(), &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// WriteResponse encodes and writes resp as one line. Safe for concurrent
// use alongside WriteNotification.
func (f *Framing) WriteResponse(resp Response) error {
	resp.JSONRPC = "2.0"
	f.wmu.Lock()
	defer f.wmu.Unlock()
	return f.enc.Encode(resp)
}

// WriteNotification encodes and writes n as one line.
func (f *Framing) WriteNotification(n Notification) error {
	n.JSONRPC = "2.0"
	f.wmu.Lock()
	defer f.wmu.Unlock()
	return f.enc.Encode(n)
}

// IsNotification reports whether req carries no id (a fire-and-forget call).
func (r Request) IsNotification() bool { return len(r.ID) == 0 }
