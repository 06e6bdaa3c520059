package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relayforge/sessiond/internal/config"
	"github.com/relayforge/sessiond/internal/event"
	"github.com/relayforge/sessiond/internal/interrupt"
	"github.com/relayforge/sessiond/internal/login"
	"github.com/relayforge/sessiond/internal/rollout"
	"github.com/relayforge/sessiond/internal/rpcerr"
	"github.com/relayforge/sessiond/internal/subscription"
	"github.com/relayforge/sessiond/internal/telemetry"
	"github.com/relayforge/sessiond/internal/thread"
)

// archiveShutdownTimeout bounds how long thread/archive waits for a live
// thread's runtime to reach AgentShutdown before proceeding anyway
// (spec.md §5, "Archive: awaits agent status Shutdown... bounded at 10
// seconds; on expiry, logs a warning and proceeds").
const archiveShutdownTimeout = 10 * time.Second

// Dispatcher is the Request Dispatcher of spec.md §4.1: a flat match over
// every supported method, delegating to the Thread Registry, Subscription
// Registry, Interrupt Coordinator, Login Session, and Rollout Store.
type Dispatcher struct {
	threads  *thread.Registry
	subs     *subscription.Registry
	interrupts *interrupt.Coordinator
	logins   *login.Session
	rollouts rollout.Store
	log      telemetry.Logger

	mu               sync.Mutex
	rollbackInFlight map[string]bool

	cliOverrides config.CLIOverrides
	cloud        config.CloudRequirements

	// pulseRelay, when set, subscribes every newly created or resumed thread
	// to a second, process-external listener (e.g. a Pulse stream) in
	// addition to whatever connection started it.
	pulseRelay func(threadID string) event.Sink
}

// SetCLIOverrides installs the process-wide config layer (spec.md §4.9
// layer 1), typically parsed once from CLI flags at startup.
func (d *Dispatcher) SetCLIOverrides(o config.CLIOverrides) { d.cliOverrides = o }

// SetCloudRequirements installs the cloud residency veto layer (spec.md
// §4.9 layer 4).
func (d *Dispatcher) SetCloudRequirements(c config.CloudRequirements) { d.cloud = c }

// SetPulseRelay installs a factory building a second event.Sink for each
// thread, used to mirror thread events onto a cross-process relay (e.g.
// Pulse/Redis) alongside the owning connection's sink.
func (d *Dispatcher) SetPulseRelay(f func(threadID string) event.Sink) { d.pulseRelay = f }

func (d *Dispatcher) attachPulseRelay(threadID string, h thread.Handle) {
	if d.pulseRelay == nil {
		return
	}
	d.subs.EnsureConnectionSubscribed(threadID, "pulse-relay", h, d.pulseRelay(threadID))
}

// NewDispatcher wires the components the dispatcher delegates to.
func NewDispatcher(threads *thread.Registry, subs *subscription.Registry, interrupts *interrupt.Coordinator, logins *login.Session, rollouts rollout.Store, log telemetry.Logger) *Dispatcher {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Dispatcher{
		threads: threads, subs: subs, interrupts: interrupts, logins: logins, rollouts: rollouts, log: log,
		rollbackInFlight: make(map[string]bool),
	}
}

// Handle processes one Request against conn, writing a Response if req
// carries an id. Handlers that must defer their reply (turn/interrupt,
// thread/rollback) block inside their handler function until the
// corresponding event is observed, per spec.md §5's ordering guarantee #3.
func (d *Dispatcher) Handle(ctx context.Context, conn *Conn, req Request) {
	result, err := d.dispatch(ctx, conn, req)
	if req.IsNotification() {
		return
	}
	resp := Response{ID: req.ID}
	if err != nil {
		resp.Error = rpcerr.ToWire(err)
	} else {
		resp.Result = result
	}
	if werr := conn.framing.WriteResponse(resp); werr != nil {
		d.log.Error(ctx, "write response failed", "method", req.Method, "error", werr)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, conn *Conn, req Request) (any, error) {
	switch req.Method {
	case "thread/start":
		return d.threadStart(ctx, conn, req.Params)
	case "thread/resume", "conversation/resume":
		return d.threadResume(ctx, conn, req.Params)
	case "thread/fork", "conversation/fork":
		return d.threadFork(ctx, conn, req.Params)
	case "thread/archive", "conversation/archive":
		return d.threadArchive(ctx, conn, req.Params)
	case "thread/unarchive":
		return d.threadUnarchive(ctx, conn, req.Params)
	case "thread/set_name":
		return d.threadSetName(ctx, req.Params)
	case "thread/rollback":
		return d.threadRollback(ctx, req.Params)
	case "thread/compact_start":
		return d.threadCompactStart(ctx, req.Params)
	case "thread/background_terminals_clean":
		return d.threadCleanBackgroundTerminals(ctx, req.Params)
	case "thread/list", "conversation/list":
		return d.threadList(ctx, req.Params)
	case "thread/loaded_list":
		return d.threadLoadedList(ctx, req.Params)
	case "thread/read", "conversation/get_summary":
		return d.threadRead(ctx, req.Params)
	case "turn/start":
		return d.turnStart(ctx, conn, req.Params)
	case "turn/steer":
		return d.turnSteer(ctx, req.Params)
	case "turn/interrupt":
		return d.turnInterrupt(ctx, req.Params)
	case "review/start":
		return d.reviewStart(ctx, conn, req.Params)
	case "models/list":
		return d.modelsList(ctx)
	case "get_auth_status":
		return d.getAuthStatus(ctx)
	case "account/login":
		return d.accountLogin(ctx, req.Params)
	case "account/cancel_login":
		return d.accountCancelLogin(ctx, req.Params)
	default:
		return nil, rpcerr.Parse(fmt.Errorf("unsupported method %q", req.Method))
	}
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, rpcerr.Parse(fmt.Errorf("decode params: %w", err))
	}
	return v, nil
}
