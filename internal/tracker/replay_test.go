package tracker_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sweeney/asterisk-calltracker/internal/ami"
	"github.com/sweeney/asterisk-calltracker/internal/tracker"
)

func replayFixture(t *testing.T, name string, opts ...tracker.Option) (*tracker.Controller, []tracker.Change) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "testdata", "fixtures", name))
	if err != nil {
		t.Fatalf("reading fixture: %v", err)
	}

	var changes []tracker.Change
	opts = append(opts, tracker.WithObserver(func(ch tracker.Change) { changes = append(changes, ch) }))
	c, mt := newController(t, opts...)
	for _, msg := range ami.ParseBytes(data) {
		mt.Emit(msg)
	}
	return c, changes
}

func TestReplayOriginateAnswered(t *testing.T) {
	c, changes := replayFixture(t, "originate-answered.raw")

	if active := c.ActiveCalls(); len(active) != 0 {
		t.Errorf("expected no active calls after replay, got %v", active)
	}

	// The ;2 leg hangs up first but was never originated by us.
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d: %+v", len(changes), changes)
	}
	if changes[0].State != tracker.StateCreated || changes[0].CallID != "1770890000.101" {
		t.Errorf("unexpected first change %+v", changes[0])
	}
	if changes[0].ActionID != "9b7c2e10-0d4e-4a52-9a43-5f0f6c1d2e01" {
		t.Errorf("expected ActionID on created change, got %q", changes[0].ActionID)
	}
	if changes[1].State != tracker.StateClosed || changes[1].Reason != tracker.ReasonHangup || changes[1].CauseCode != 16 {
		t.Errorf("unexpected close change %+v", changes[1])
	}

	s := c.Stats()
	if s.Created != 1 || s.ClosedByHangup != 1 || s.Uncorrelated != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestReplayOriginateFailed(t *testing.T) {
	c, changes := replayFixture(t, "originate-failed.raw")

	if len(changes) != 0 {
		t.Errorf("expected no changes for a failed originate, got %+v", changes)
	}
	if len(c.ActiveCalls()) != 0 {
		t.Error("expected no active calls")
	}
	if s := c.Stats(); s.Uncorrelated != 1 {
		t.Errorf("expected 1 uncorrelated OriginateResponse, got %d", s.Uncorrelated)
	}
}
