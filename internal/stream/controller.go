// Package stream implements the Stream Controller of spec.md §4.6:
// translating a stream of model-produced token deltas into UI-commit
// batches at a pace acceptable to a terminal/chat surface, switching
// between a smooth per-tick commit rate and a catch-up drain when the
// pending-line backlog grows past a high-water mark.
package stream

import (
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Mode is the controller's current pacing mode.
type Mode string

const (
	ModeSmooth  Mode = "smooth"
	ModeCatchUp Mode = "catch_up"
)

// Cell is one committed batch of content, the unit the controller emits to
// the UI on each tick or at Finalize.
type Cell struct {
	Text string
}

// Controller buffers incoming deltas and, on each externally-driven Tick,
// commits either a single line (smooth mode) or up to CatchUpBurst lines
// (catch-up mode), returning to smooth mode once the backlog is at or below
// the low-water mark. All of its methods are safe for concurrent use.
type Controller struct {
	highWaterMark int
	lowWaterMark  int
	catchUpBurst  int
	limiter       *rate.Limiter

	mu      sync.Mutex
	mode    Mode
	pending []string // complete, not-yet-committed lines
	partial strings.Builder
	active  bool // true once Push has started a commit animation this turn
}

// Options configures a Controller. Zero values fall back to defaults
// appropriate for an interactive terminal UI.
type Options struct {
	// HighWaterMark is the pending-line count at which the controller
	// switches from smooth to catch-up mode. Default 8.
	HighWaterMark int
	// LowWaterMark is the pending-line count at or below which catch-up
	// mode reverts to smooth mode. Default 2.
	LowWaterMark int
	// CatchUpBurst bounds how many lines a single catch-up Tick commits.
	// Default 4.
	CatchUpBurst int
	// TicksPerSecond paces smooth-mode commits via a token-bucket limiter.
	// Default 12.
	TicksPerSecond float64
}

// NewController constructs a Controller in smooth mode.
func NewController(opts Options) *Controller {
	if opts.HighWaterMark <= 0 {
		opts.HighWaterMark = 8
	}
	if opts.LowWaterMark <= 0 {
		opts.LowWaterMark = 2
	}
	if opts.CatchUpBurst <= 0 {
		opts.CatchUpBurst = 4
	}
	if opts.TicksPerSecond <= 0 {
		opts.TicksPerSecond = 12
	}
	return &Controller{
		highWaterMark: opts.HighWaterMark,
		lowWaterMark:  opts.LowWaterMark,
		catchUpBurst:  opts.CatchUpBurst,
		limiter:       rate.NewLimiter(rate.Limit(opts.TicksPerSecond), 1),
		mode:          ModeSmooth,
	}
}

// Push appends delta to the buffer, splitting completed lines into the
// pending queue. It returns true iff this call should (re)start a commit
// animation, i.e. the buffer was empty/idle before this push.
func (c *Controller) Push(delta string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasIdle := !c.active && len(c.pending) == 0 && c.partial.Len() == 0
	c.partial.WriteString(delta)
	c.flushCompleteLines()

	if len(c.pending) > c.highWaterMark {
		c.mode = ModeCatchUp
	}

	if wasIdle {
		c.active = true
		return true
	}
	return false
}

// flushCompleteLines moves every newline-terminated prefix of partial into
// pending, leaving any trailing incomplete line in partial. Caller holds mu.
func (c *Controller) flushCompleteLines() {
	buf := c.partial.String()
	idx := strings.LastIndexByte(buf, '\n')
	if idx < 0 {
		return
	}
	complete := buf[:idx]
	rest := buf[idx+1:]
	for _, line := range strings.Split(complete, "\n") {
		c.pending = append(c.pending, line)
	}
	c.partial.Reset()
	c.partial.WriteString(rest)
}

// Tick is driven externally (by a timer) and commits whatever the current
// mode allows: at most one line in smooth mode, or up to catchUpBurst lines
// in catch-up mode. Returns the committed lines, if any.
func (c *Controller) Tick() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}

	switch c.mode {
	case ModeCatchUp:
		n := c.catchUpBurst
		if n > len(c.pending) {
			n = len(c.pending)
		}
		committed := c.pending[:n]
		c.pending = c.pending[n:]
		if len(c.pending) <= c.lowWaterMark {
			c.mode = ModeSmooth
		}
		return committed
	default:
		if !c.limiter.Allow() {
			return nil
		}
		committed := c.pending[:1]
		c.pending = c.pending[1:]
		return committed
	}
}

// Finalize emits any remaining buffered content (complete and partial
// lines) as a final Cell and resets the controller for the next turn.
// Idempotent: calling Finalize when there is nothing buffered returns
// (Cell{}, false).
func (c *Controller) Finalize() (Cell, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines := c.pending
	if c.partial.Len() > 0 {
		lines = append(lines, c.partial.String())
	}
	c.pending = nil
	c.partial.Reset()
	c.active = false
	c.mode = ModeSmooth

	if len(lines) == 0 {
		return Cell{}, false
	}
	return Cell{Text: strings.Join(lines, "\n")}, true
}

// Reset clears all buffered state without emitting a final cell, for turn
// boundaries that end via interrupt rather than natural completion.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
	c.partial.Reset()
	c.active = false
	c.mode = ModeSmooth
}

// Mode reports the controller's current pacing mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// PlanController is a Controller specialization for streaming plan-update
// content. It embeds its own Controller so plan lines are paced and
// finalized independently and never interleave with the main assistant
// stream's cells.
type PlanController struct {
	*Controller
}

// NewPlanController constructs a PlanController with its own buffering and
// pacing state, independent of any concurrently-running main Controller.
func NewPlanController(opts Options) *PlanController {
	return &PlanController{Controller: NewController(opts)}
}
