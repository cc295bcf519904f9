package tracker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sweeney/asterisk-calltracker/internal/ami"
)

// PollerDone is closed when the liveness poller exits, either through
// Disconnect or after an internal fault. It is nil before Connect.
func (c *Controller) PollerDone() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollDone
}

// PollerErr returns the fault that stopped the poller, or nil if it is
// running or was stopped cleanly. The poller is never restarted.
func (c *Controller) PollerErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollErr
}

func (c *Controller) startPoller() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.pollCancel = cancel
	c.pollDone = done
	c.pollErr = nil

	go c.runPoller(ctx, done)
}

func (c *Controller) runPoller(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.pollerFailed(fmt.Errorf("poller panic: %v", r), debug.Stack())
		}
	}()

	c.log.Info("liveness poller started",
		"check_interval", c.checkInterval, "idle_threshold", c.idleThreshold, "status_interval", c.statusInterval)

	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("liveness poller stopped")
			return
		case <-ticker.C:
		}

		if err := c.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				c.log.Info("liveness poller stopped")
				return
			}
			c.pollerFailed(err, nil)
			return
		}
	}
}

func (c *Controller) pollerFailed(err error, stack []byte) {
	c.mu.Lock()
	c.pollErr = err
	c.mu.Unlock()
	if stack != nil {
		c.log.Error("liveness poller failed", "error", err, "stack", string(stack))
		return
	}
	c.log.Error("liveness poller failed", "error", err)
}

// pollOnce runs a single poller tick. Status queries are issued one at a
// time; a returned error means the tick could not complete.
func (c *Controller) pollOnce(ctx context.Context) error {
	c.evictCompleted()

	for _, cc := range c.snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.Lock()
		due := cc.livenessQueryDue(c.idleThreshold) && cc.livenessQueryAllowed(c.statusInterval)
		c.mu.Unlock()
		if !due {
			continue
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("waiting for status query slot: %w", err)
			}
		}

		if err := c.queryLiveness(ctx, cc); err != nil {
			return err
		}
	}
	return nil
}

// queryLiveness sends a Status query for the call's channel and closes the
// call if Asterisk cannot confirm the channel exists. Only cancellation of
// ctx is returned as an error.
func (c *Controller) queryLiveness(ctx context.Context, cc *callContext) error {
	resp, err := c.transport.SendAction(ctx, ami.NewStatus(cc.channel))
	if ctx.Err() != nil {
		return ctx.Err()
	}

	failed := err != nil || !resp.Success()

	c.mu.Lock()
	cc.recordLivenessQuery()
	c.stats.LivenessQueries++
	closed := false
	if failed {
		closed = cc.close()
		if closed {
			c.stats.ClosedByLiveness++
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Debug("channel check result", "uniqueid", cc.id, "channel", cc.channel, "error", err)
	} else {
		c.log.Debug("channel check result", "uniqueid", cc.id, "channel", cc.channel,
			"response", resp.Get("Response"), "message", resp.Message())
	}

	if closed {
		c.log.Info("call context closed: liveness query failed", "uniqueid", cc.id, "channel", cc.channel)
		c.notify(Change{
			State:     StateClosed,
			CallID:    cc.id,
			Channel:   cc.channel,
			Timestamp: c.clock(),
			Reason:    ReasonLivenessFailed,
		})
	}
	return nil
}

func (c *Controller) snapshot() []*callContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*callContext, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.calls[id])
	}
	return out
}

// evictCompleted drops calls that have been closed for longer than the
// retention window. Without a retention window calls are kept forever.
func (c *Controller) evictCompleted() {
	if c.retention <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	kept := c.order[:0]
	for _, id := range c.order {
		cc := c.calls[id]
		if cc.closed && now.Sub(cc.closedAt) > c.retention {
			delete(c.calls, id)
			c.stats.Evicted++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}
