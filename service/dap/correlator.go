package dap

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/go-dap"

	"github.com/dbgpdap/dbgpdap/pkg/dbgp"
	"github.com/dbgpdap/dbgpdap/pkg/logflags"
)

// responseCallback receives the runtime's response to a command, or the
// error that ended the wait for it. err is also set when the runtime
// answered with an <error> element, in which case resp is not nil.
type responseCallback func(resp *dbgp.Response, err error)

type pendingRequest struct {
	txID    int
	command string
	// request is the editor request being served, nil for commands the
	// bridge issues on its own.
	request *dap.Request
	onDone  responseCallback
	// stop cancels the timeout timer.
	stop func() bool
}

// correlator matches DBGp responses to the commands that caused them.
// It is owned by the session loop: afterFunc must arrange for the timer
// callback to run on that loop.
type correlator struct {
	nextID  int
	pending map[int]*pendingRequest
	timeout time.Duration

	afterFunc func(d time.Duration, f func()) (stop func() bool)

	consecutiveTimeouts int

	log logflags.Logger
}

func newCorrelator(timeout time.Duration, afterFunc func(time.Duration, func()) func() bool, log logflags.Logger) *correlator {
	return &correlator{
		pending:   make(map[int]*pendingRequest),
		timeout:   timeout,
		afterFunc: afterFunc,
		log:       log,
	}
}

// issue assigns the next transaction id to cmd and records it as pending.
// Commands that resume the program are not subject to the timeout.
func (c *correlator) issue(cmd *dbgp.Command, request *dap.Request, onDone responseCallback) int {
	c.nextID++
	id := c.nextID
	cmd.TransactionID = id
	p := &pendingRequest{txID: id, command: cmd.Name, request: request, onDone: onDone}
	if c.timeout > 0 && !dbgp.IsContinuation(cmd.Name) {
		p.stop = c.afterFunc(c.timeout, func() { c.expire(id) })
	}
	c.pending[id] = p
	return id
}

// stamp assigns a transaction id to a command whose response is of no
// interest. The response is dropped when it arrives.
func (c *correlator) stamp(cmd *dbgp.Command) {
	c.nextID++
	cmd.TransactionID = c.nextID
}

// resolve completes the request resp answers. It returns false if no
// request with that transaction id is pending.
func (c *correlator) resolve(resp *dbgp.Response) bool {
	p, ok := c.pending[resp.TransactionID]
	if !ok {
		c.log.Warnf("dropping %s response for unknown transaction %d", resp.Command, resp.TransactionID)
		return false
	}
	if resp.Command != "" && resp.Command != p.command {
		c.log.Warnf("transaction %d: expected %s response, got %s", p.txID, p.command, resp.Command)
	}
	delete(c.pending, p.txID)
	if p.stop != nil {
		p.stop()
	}
	c.consecutiveTimeouts = 0
	p.onDone(resp, resp.Err())
	return true
}

// expire fails request id with ErrTimeout if it is still pending.
func (c *correlator) expire(id int) bool {
	p, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	c.consecutiveTimeouts++
	c.log.Warnf("%s (transaction %d) timed out after %v", p.command, id, c.timeout)
	p.onDone(nil, fmt.Errorf("%s: %w", p.command, ErrTimeout))
	return true
}

// cancelAll fails every pending request with err, oldest first.
func (c *correlator) cancelAll(err error) {
	pending := c.pending
	c.pending = make(map[int]*pendingRequest)
	ids := make([]int, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		p := pending[id]
		if p.stop != nil {
			p.stop()
		}
		p.onDone(nil, err)
	}
}

func (c *correlator) len() int {
	return len(c.pending)
}

// pendingContinuation returns the pending run or step command, if any.
func (c *correlator) pendingContinuation() *pendingRequest {
	for _, p := range c.pending {
		if dbgp.IsContinuation(p.command) {
			return p
		}
	}
	return nil
}
