package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sweeney/asterisk-calltracker/internal/ami"
)

// ErrConnection is returned by Connect when the AMI session cannot be established.
var ErrConnection = errors.New("tracker: AMI connection failed")

// Transport is the call-control client the Controller drives.
// *ami.Client satisfies it.
type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
	SendAction(ctx context.Context, a ami.Action) (ami.Response, error)
	RegisterEventHandler(pattern string, fn func(ami.Event))
	Close() error
}

// Default poller timings.
const (
	DefaultCheckInterval  = time.Second
	DefaultIdleThreshold  = 3 * time.Second
	DefaultStatusInterval = 5 * time.Second
)

// Controller tracks originated calls from OriginateResponse to Hangup and
// polls silent calls with Status queries to catch hangups that were never
// reported.
type Controller struct {
	transport Transport
	log       *slog.Logger
	clock     Clock
	observer  Observer
	limiter   *rate.Limiter

	checkInterval  time.Duration
	idleThreshold  time.Duration
	statusInterval time.Duration
	retention      time.Duration

	originateContext string
	channelFormat    string
	priority         int

	mu      sync.Mutex
	calls   map[string]*callContext // keyed by Uniqueid
	order   []string                // insertion order of calls
	pending map[string]struct{}     // Originate ActionIDs awaiting OriginateResponse
	// Originate ActionIDs whose SendAction has not returned yet; true once
	// their OriginateResponse has already been dispatched.
	inflight map[string]bool
	stats   Stats

	pollCancel context.CancelFunc
	pollDone   chan struct{}
	pollErr    error
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the time source for the controller.
func WithClock(c Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(ctl *Controller) {
		if l != nil {
			ctl.log = l
		}
	}
}

// WithObserver registers a callback for call creation and closure.
func WithObserver(o Observer) Option {
	return func(ctl *Controller) { ctl.observer = o }
}

// WithCheckInterval sets how often the poller wakes up.
func WithCheckInterval(d time.Duration) Option {
	return func(ctl *Controller) { ctl.checkInterval = d }
}

// WithIdleThreshold sets how long a call may stay silent before it is queried.
func WithIdleThreshold(d time.Duration) Option {
	return func(ctl *Controller) { ctl.idleThreshold = d }
}

// WithStatusInterval sets the minimum gap between two Status queries for one call.
func WithStatusInterval(d time.Duration) Option {
	return func(ctl *Controller) { ctl.statusInterval = d }
}

// WithRetention evicts completed calls once they have been closed for longer
// than d. Zero keeps completed calls for the life of the process.
func WithRetention(d time.Duration) Option {
	return func(ctl *Controller) { ctl.retention = d }
}

// WithQueryRate caps the poller's Status queries across all calls.
func WithQueryRate(limit rate.Limit, burst int) Option {
	return func(ctl *Controller) {
		if limit > 0 {
			ctl.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithDialPlan sets where originated calls land once the callee answers.
func WithDialPlan(dialContext, channelFormat string, priority int) Option {
	return func(ctl *Controller) {
		ctl.originateContext = dialContext
		ctl.channelFormat = channelFormat
		ctl.priority = priority
	}
}

// New creates a Controller and subscribes it to every event the transport delivers.
func New(t Transport, opts ...Option) *Controller {
	c := &Controller{
		transport:      t,
		log:            slog.Default(),
		clock:          time.Now,
		checkInterval:  DefaultCheckInterval,
		idleThreshold:  DefaultIdleThreshold,
		statusInterval: DefaultStatusInterval,
		calls:          make(map[string]*callContext),
		pending:        make(map[string]struct{}),
		inflight:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.checkInterval <= 0 {
		c.checkInterval = DefaultCheckInterval
	}
	c.log = c.log.With("component", "tracker")

	t.RegisterEventHandler("*", c.Dispatch)
	return c
}

// Connect establishes the AMI session and starts the liveness poller.
func (c *Controller) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if !c.transport.Connected() {
		return ErrConnection
	}
	c.startPoller()
	return nil
}

// Connected reports whether the transport session is up.
func (c *Controller) Connected() bool {
	return c.transport.Connected()
}

// Disconnect stops the poller and closes the transport. It is idempotent and
// safe to call when Connect was never called.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	cancel, done := c.pollCancel, c.pollDone
	c.pollCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if err := c.transport.Close(); err != nil {
		c.log.Warn("closing AMI transport", "error", err)
	}
}

// Initiate asks Asterisk to originate a call from caller to callee. It returns
// true once the request is accepted; it does not wait for the call to ring
// or be answered. timeout is the answer timeout handed to Asterisk.
func (c *Controller) Initiate(ctx context.Context, caller, callee string, timeout time.Duration) bool {
	if !c.transport.Connected() {
		c.log.Error("call initiation failed: AMI connection is missing", "caller", caller, "callee", callee)
		c.countInitiation(false)
		return false
	}

	action := ami.NewOriginate(ami.OriginateParams{
		Caller:        caller,
		Callee:        callee,
		Timeout:       timeout,
		Context:       c.originateContext,
		ChannelFormat: c.channelFormat,
		Priority:      c.priority,
	})

	// The OriginateResponse event may be dispatched before SendAction
	// returns, so the request is tracked as in flight until then.
	c.mu.Lock()
	c.inflight[action.ID] = false
	c.mu.Unlock()

	resp, err := c.transport.SendAction(ctx, action)

	c.mu.Lock()
	answered := c.inflight[action.ID]
	delete(c.inflight, action.ID)
	if err == nil && resp.Success() && !answered {
		c.pending[action.ID] = struct{}{}
	}
	c.mu.Unlock()

	if err != nil || !resp.Success() {
		c.countInitiation(false)

		if err != nil {
			c.log.Error("call initiation failed", "caller", caller, "callee", callee, "error", err)
		} else {
			c.log.Error("call initiation failed", "caller", caller, "callee", callee, "message", resp.Message())
		}
		return false
	}

	c.countInitiation(true)
	c.log.Info("call initiation accepted", "caller", caller, "callee", callee, "action_id", action.ID)
	return true
}

func (c *Controller) countInitiation(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.stats.InitiationsSucceeded++
	} else {
		c.stats.InitiationsFailed++
	}
}

// Dispatch ingests one AMI event. It never performs I/O and is safe to call
// from the transport's reader goroutine.
func (c *Controller) Dispatch(evt ami.Event) {
	if evt.IsResponse() {
		return
	}

	switch evt.Type() {
	case ami.EventOriginateResponse:
		c.handleOriginateResponse(evt)
	case ami.EventHangup:
		c.handleHangup(evt)
	default:
		c.handleActivity(evt)
	}
}

func (c *Controller) handleOriginateResponse(evt ami.Event) {
	uniqueID := evt.UniqueID()
	actionID := evt.ActionID()

	c.mu.Lock()
	delete(c.pending, actionID)
	if _, ok := c.inflight[actionID]; ok {
		c.inflight[actionID] = true
	}

	if uniqueID == "" || uniqueID == ami.NullUniqueID {
		c.stats.Uncorrelated++
		c.mu.Unlock()
		c.log.Warn("call context not created: Uniqueid is empty",
			"event", evt.Type(), "action_id", actionID, "reason", evt.Get("Reason"), "channel", evt.Channel())
		return
	}

	if _, exists := c.calls[uniqueID]; exists {
		c.mu.Unlock()
		c.log.Debug("duplicate OriginateResponse ignored", "uniqueid", uniqueID)
		return
	}

	cc := newCallContext(uniqueID, evt.Channel(), c.clock)
	c.calls[uniqueID] = cc
	c.order = append(c.order, uniqueID)
	c.stats.Created++
	c.mu.Unlock()

	c.log.Info("call context created", "uniqueid", uniqueID, "channel", cc.channel, "event", evt.Type())
	c.notify(Change{
		State:     StateCreated,
		CallID:    uniqueID,
		Channel:   cc.channel,
		ActionID:  actionID,
		Timestamp: c.clock(),
	})
}

func (c *Controller) handleHangup(evt ami.Event) {
	uniqueID := evt.UniqueID()

	c.mu.Lock()
	cc := c.calls[uniqueID]
	if cc == nil || !cc.close() {
		c.mu.Unlock()
		return
	}
	c.stats.ClosedByHangup++
	c.mu.Unlock()

	code := evt.GetInt("Cause")
	name, desc := hangupCause(code)

	c.log.Info("call context closed", "uniqueid", uniqueID, "event", evt.Type(), "cause", name, "cause_code", code)
	c.notify(Change{
		State:            StateClosed,
		CallID:           uniqueID,
		Channel:          cc.channel,
		Timestamp:        c.clock(),
		Reason:           ReasonHangup,
		Cause:            name,
		CauseDescription: desc,
		CauseCode:        code,
	})
}

// handleActivity treats any event naming a tracked call as proof it is alive.
func (c *Controller) handleActivity(evt ami.Event) {
	uniqueID := evt.UniqueID()
	if uniqueID == "" {
		return
	}

	c.mu.Lock()
	cc := c.calls[uniqueID]
	if cc != nil {
		cc.recordActivity()
	}
	c.mu.Unlock()

	if cc != nil {
		c.log.Debug("call context upheld", "uniqueid", uniqueID, "event", evt.Type())
	}
}

func (c *Controller) notify(change Change) {
	if c.observer != nil {
		c.observer(change)
	}
}

// WaitCompletion blocks until the call closes or ctx is done. Waiting on an
// id the controller does not know returns nil immediately; callers should
// only pass ids taken from ActiveCalls or a creation Change.
func (c *Controller) WaitCompletion(ctx context.Context, uniqueID string) error {
	c.mu.Lock()
	cc := c.calls[uniqueID]
	c.mu.Unlock()

	if cc == nil {
		return nil
	}

	select {
	case <-cc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveCalls returns the ids of calls not yet completed, in creation order.
func (c *Controller) ActiveCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for _, id := range c.order {
		if !c.calls[id].isCompleted() {
			ids = append(ids, id)
		}
	}
	return ids
}

// PendingInitiations returns the ActionIDs of accepted Originate requests
// that have not yet produced an OriginateResponse. A request is listed only
// after Asterisk has accepted it, so a failed send never appears here.
func (c *Controller) PendingInitiations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns a snapshot of the controller counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Pending = len(c.pending)
	for _, cc := range c.calls {
		if !cc.isCompleted() {
			s.Active++
		}
	}
	return s
}
