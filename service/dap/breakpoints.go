package dap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	"github.com/dbgpdap/dbgpdap/pkg/dbgp"
)

type breakpointKey struct {
	line         int
	condition    string
	hitCondition string
}

// breakpoint is a source breakpoint as set by the editor.
type breakpoint struct {
	// id is the DAP breakpoint id, stable for as long as the breakpoint
	// stays set.
	id int
	breakpointKey

	// dbgpID is the id assigned by the runtime, empty until breakpoint_set
	// succeeds.
	dbgpID string
	// actualLine is the line the runtime resolved the breakpoint to.
	actualLine int
	verified   bool
	message    string
	// removed is set when the editor dropped the breakpoint while its
	// breakpoint_set was still pending.
	removed bool
}

// breakpointStore records, per source file, the breakpoints the runtime
// was asked to set.
type breakpointStore struct {
	nextID int
	files  map[string][]*breakpoint
}

func newBreakpointStore() *breakpointStore {
	return &breakpointStore{files: make(map[string][]*breakpoint)}
}

// update replaces the breakpoints of path with want. It returns the
// breakpoints now set, in request order, along with those that must be
// removed from and added to the runtime. Breakpoints present before and
// after keep their identity.
func (bs *breakpointStore) update(path string, want []breakpointKey) (result, removed, added []*breakpoint) {
	old := bs.files[path]
	used := make([]bool, len(old))
	for _, k := range want {
		var bp *breakpoint
		for i, o := range old {
			if !used[i] && o.breakpointKey == k {
				used[i] = true
				bp = o
				break
			}
		}
		if bp == nil {
			bs.nextID++
			bp = &breakpoint{id: bs.nextID, breakpointKey: k}
			added = append(added, bp)
		}
		result = append(result, bp)
	}
	for i, o := range old {
		if !used[i] {
			removed = append(removed, o)
		}
	}
	if len(result) == 0 {
		delete(bs.files, path)
	} else {
		bs.files[path] = result
	}
	return result, removed, added
}

// forget drops bp from the record of path, so that the next update sets it
// again.
func (bs *breakpointStore) forget(path string, bp *breakpoint) {
	list := bs.files[path]
	for i, o := range list {
		if o == bp {
			bs.files[path] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// parseHitCondition converts a DAP hit condition into the value and operator of
// breakpoint_set. A bare number means "at least N hits".
func parseHitCondition(s string) (value int, op string, err error) {
	s = strings.TrimSpace(s)
	op = ">="
	for _, prefix := range []string{">=", "==", "%"} {
		if strings.HasPrefix(s, prefix) {
			op = prefix
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	value, err = strconv.Atoi(s)
	if err != nil || value < 0 {
		return 0, "", fmt.Errorf("invalid hit condition %q: expected a number, optionally preceded by >=, == or %%", s)
	}
	return value, op, nil
}

func (s *Session) onSetBreakpointsRequest(request *dap.SetBreakpointsRequest) {
	path := request.Arguments.Source.Path
	if path == "" {
		s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set or clear breakpoints", "empty file path")
		return
	}

	want := make([]breakpointKey, 0, len(request.Arguments.Breakpoints))
	for _, b := range request.Arguments.Breakpoints {
		want = append(want, breakpointKey{line: b.Line, condition: strings.TrimSpace(b.Condition), hitCondition: strings.TrimSpace(b.HitCondition)})
	}
	if len(request.Arguments.Breakpoints) == 0 {
		for _, line := range request.Arguments.Lines {
			want = append(want, breakpointKey{line: line})
		}
	}

	result, removed, added := s.bps.update(path, want)
	uri := s.paths.fileURI(path)

	// outstanding counts the runtime commands in flight, plus one until all
	// of them have been issued.
	outstanding := 1
	var failed error
	done := func() {
		outstanding--
		if outstanding > 0 {
			return
		}
		if failed != nil {
			s.sendErrorResponse(request.Request, errorID(failed, UnableToSetBreakpoints), "Unable to set or clear breakpoints", failed.Error())
			return
		}
		s.sendBreakpoints(request.Request, result)
	}
	track := func(err error) {
		if errors.Is(err, ErrSessionTerminated) && failed == nil {
			failed = err
		}
	}

	for _, bp := range removed {
		if bp.dbgpID == "" {
			bp.removed = true
			continue
		}
		outstanding++
		bp := bp
		s.issue(dbgp.NewCommand(dbgp.CmdBreakpointRemove).Arg('d', bp.dbgpID), &request.Request, func(resp *dbgp.Response, err error) {
			if err != nil {
				s.log.Warnf("could not remove breakpoint %s at %s:%d: %v", bp.dbgpID, path, bp.line, err)
				track(err)
			}
			done()
		})
	}

	for _, bp := range added {
		typ := "line"
		if bp.condition != "" {
			typ = "conditional"
		}
		cmd := dbgp.NewCommand(dbgp.CmdBreakpointSet).Arg('t', typ).Arg('f', uri).IntArg('n', bp.line)
		if bp.hitCondition != "" {
			value, op, err := parseHitCondition(bp.hitCondition)
			if err != nil {
				bp.message = err.Error()
				s.bps.forget(path, bp)
				continue
			}
			cmd.IntArg('h', value).Arg('o', op)
		}
		if bp.condition != "" {
			cmd.WithData([]byte(bp.condition))
		}
		outstanding++
		bp := bp
		s.issue(cmd, &request.Request, func(resp *dbgp.Response, err error) {
			defer done()
			if err != nil {
				track(err)
				bp.message = err.Error()
				s.bps.forget(path, bp)
				return
			}
			bp.dbgpID = resp.ID
			bp.verified = true
			bp.actualLine = resp.Line
			if bp.removed {
				s.issueInternal(dbgp.NewCommand(dbgp.CmdBreakpointRemove).Arg('d', bp.dbgpID))
			}
		})
	}
	done()
}

func (s *Session) sendBreakpoints(request dap.Request, result []*breakpoint) {
	breakpoints := make([]dap.Breakpoint, len(result))
	for i, bp := range result {
		line := bp.line
		if bp.actualLine > 0 {
			line = bp.actualLine
		}
		breakpoints[i] = dap.Breakpoint{
			Id:       bp.id,
			Verified: bp.verified,
			Message:  bp.message,
			Line:     line,
		}
	}
	s.send(&dap.SetBreakpointsResponse{
		Response: *newResponse(request),
		Body:     dap.SetBreakpointsResponseBody{Breakpoints: breakpoints},
	})
}

func (s *Session) onSetExceptionBreakpointsRequest(request *dap.SetExceptionBreakpointsRequest) {
	// No filters are announced, so there is nothing to set.
	s.send(&dap.SetExceptionBreakpointsResponse{Response: *newResponse(request.Request)})
}
