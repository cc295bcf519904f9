package tracker

import "time"

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// callContext is the per-call record for one Asterisk Uniqueid.
//
// Everything except done is guarded by the owning Controller's mutex.
// done is closed exactly once, by close, and may be read without the lock.
type callContext struct {
	id      string
	channel string
	clock   Clock

	lastActivity time.Time
	lastQuery    time.Time // zero until the first liveness query
	closedAt     time.Time
	closed       bool
	done         chan struct{}
}

func newCallContext(id, channel string, clock Clock) *callContext {
	return &callContext{
		id:           id,
		channel:      channel,
		clock:        clock,
		lastActivity: clock(),
		done:         make(chan struct{}),
	}
}

func (c *callContext) recordActivity() {
	c.lastActivity = c.clock()
}

// livenessQueryDue reports whether the call has been silent for longer than
// idle and is still open.
func (c *callContext) livenessQueryDue(idle time.Duration) bool {
	return !c.closed && c.clock().Sub(c.lastActivity) > idle
}

// livenessQueryAllowed reports whether more than minInterval has passed since
// the last liveness query. A call that was never queried is always allowed.
func (c *callContext) livenessQueryAllowed(minInterval time.Duration) bool {
	if c.lastQuery.IsZero() {
		return true
	}
	return c.clock().Sub(c.lastQuery) > minInterval
}

func (c *callContext) recordLivenessQuery() {
	c.lastQuery = c.clock()
}

// close marks the call completed and releases every waiter. It returns false
// if the call was already closed.
func (c *callContext) close() bool {
	if c.closed {
		return false
	}
	c.closed = true
	c.closedAt = c.clock()
	close(c.done)
	return true
}

func (c *callContext) isCompleted() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
