package dap

import (
	"errors"
	"testing"
	"time"

	"github.com/dbgpdap/dbgpdap/pkg/dbgp"
	"github.com/dbgpdap/dbgpdap/pkg/logflags"
)

// manualClock records scheduled timeouts so tests can fire them.
type manualClock struct {
	timers []*manualTimer
}

type manualTimer struct {
	f       func()
	stopped bool
}

func (c *manualClock) afterFunc(d time.Duration, f func()) func() bool {
	t := &manualTimer{f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// fire runs timer i even if it was stopped, as a timer that had already
// fired before Stop was called would.
func (c *manualClock) fire(i int) {
	c.timers[i].f()
}

func newTestCorrelator() (*correlator, *manualClock) {
	clock := &manualClock{}
	return newCorrelator(time.Second, clock.afterFunc, logflags.DAPLogger()), clock
}

func TestCorrelatorIssuesMonotonicIDs(t *testing.T) {
	c, _ := newTestCorrelator()
	var got []int
	for i := 0; i < 3; i++ {
		cmd := dbgp.NewCommand(dbgp.CmdStackGet)
		id := c.issue(cmd, nil, func(*dbgp.Response, error) {})
		if cmd.TransactionID != id {
			t.Errorf("command carries id %d, issue returned %d", cmd.TransactionID, id)
		}
		got = append(got, id)
	}
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("got ids %v, want [1 2 3]", got)
	}
	if c.len() != 3 {
		t.Errorf("got %d pending, want 3", c.len())
	}
}

func TestCorrelatorResolve(t *testing.T) {
	c, clock := newTestCorrelator()
	var gotResp *dbgp.Response
	var gotErr error
	id := c.issue(dbgp.NewCommand(dbgp.CmdEval), nil, func(resp *dbgp.Response, err error) {
		gotResp, gotErr = resp, err
	})

	resp := &dbgp.Response{Command: dbgp.CmdEval, TransactionID: id, Error: &dbgp.Error{Code: 206, Message: "Divide by zero"}}
	if !c.resolve(resp) {
		t.Fatal("response was not matched")
	}
	if gotResp != resp || gotErr == nil || gotErr.Error() != "Divide by zero" {
		t.Errorf("got (%v, %v)", gotResp, gotErr)
	}
	if !clock.timers[0].stopped {
		t.Error("timeout timer was not stopped")
	}
	if c.resolve(resp) {
		t.Error("a second response for the same transaction was matched")
	}
	if c.resolve(&dbgp.Response{TransactionID: 99}) {
		t.Error("response for unknown transaction was matched")
	}
}

func TestCorrelatorLateResponseAfterTimeout(t *testing.T) {
	c, clock := newTestCorrelator()
	var errs []error
	id := c.issue(dbgp.NewCommand(dbgp.CmdContextGet), nil, func(_ *dbgp.Response, err error) {
		errs = append(errs, err)
	})
	c.issue(dbgp.NewCommand(dbgp.CmdStackGet), nil, func(*dbgp.Response, error) {})

	clock.fire(0)
	if len(errs) != 1 || !errors.Is(errs[0], ErrTimeout) {
		t.Fatalf("got %v, want one ErrTimeout", errs)
	}
	if c.len() != 1 {
		t.Fatalf("got %d pending after timeout, want 1", c.len())
	}

	// The late response is dropped and leaves the other request alone.
	if c.resolve(&dbgp.Response{Command: dbgp.CmdContextGet, TransactionID: id}) {
		t.Error("late response was matched")
	}
	if c.len() != 1 || len(errs) != 1 {
		t.Errorf("got %d pending and %d callbacks, want 1 and 1", c.len(), len(errs))
	}
	if c.consecutiveTimeouts != 1 {
		t.Errorf("got %d consecutive timeouts, want 1", c.consecutiveTimeouts)
	}

	// A timer that fires after its request was answered does nothing.
	c.resolve(&dbgp.Response{Command: dbgp.CmdStackGet, TransactionID: 2})
	clock.fire(1)
	if c.len() != 0 || c.consecutiveTimeouts != 0 {
		t.Errorf("got %d pending, %d timeouts; want 0, 0", c.len(), c.consecutiveTimeouts)
	}
}

func TestCorrelatorContinuationHasNoTimeout(t *testing.T) {
	c, clock := newTestCorrelator()
	c.issue(dbgp.NewCommand(dbgp.CmdRun), nil, func(*dbgp.Response, error) {})
	if len(clock.timers) != 0 {
		t.Errorf("run scheduled %d timeouts", len(clock.timers))
	}
	if p := c.pendingContinuation(); p == nil || p.command != dbgp.CmdRun {
		t.Errorf("got pending continuation %v", p)
	}
}

func TestCorrelatorCancelAll(t *testing.T) {
	c, _ := newTestCorrelator()
	var order []int
	for i := 0; i < 3; i++ {
		c.issue(dbgp.NewCommand(dbgp.CmdStackGet), nil, func(_ *dbgp.Response, err error) {
			if !errors.Is(err, ErrSessionTerminated) {
				t.Errorf("got %v, want ErrSessionTerminated", err)
			}
			order = append(order, len(order)+1)
		})
	}
	c.cancelAll(ErrSessionTerminated)
	if c.len() != 0 || len(order) != 3 {
		t.Errorf("got %d pending and %d callbacks", c.len(), len(order))
	}
}
