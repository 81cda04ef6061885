package dap

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/google/go-dap"

	"github.com/dbgpdap/dbgpdap/pkg/dbgp"
)

func (s *Session) onThreadsRequest(request *dap.ThreadsRequest) {
	s.send(&dap.ThreadsResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: threadID, Name: threadName}}},
	})
}

// onStackTraceRequest handles 'stackTrace' requests.
// This is a mandatory request to support.
// A request with startFrame 0 starts a new listing and invalidates the
// frame and variable handles of the previous one; later pages extend it.
func (s *Session) onStackTraceRequest(request *dap.StackTraceRequest) {
	if request.Arguments.ThreadId != threadID {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace",
			fmt.Sprintf("unknown thread %d", request.Arguments.ThreadId))
		return
	}
	epoch := s.epoch
	s.issue(dbgp.NewCommand(dbgp.CmdStackGet), &request.Request, func(resp *dbgp.Response, err error) {
		if err == nil && epoch != s.epoch {
			err = errResumed
		}
		if err == nil && len(resp.Stack) == 0 {
			err = &TranslationError{Command: dbgp.CmdStackGet, Reason: "no frames"}
		}
		if err != nil {
			s.sendErrorResponse(request.Request, errorID(err, UnableToProduceStackTrace), "Unable to produce stack trace", err.Error())
			return
		}

		frames := resp.Stack
		sort.SliceStable(frames, func(i, j int) bool { return frames[i].Level < frames[j].Level })

		start := request.Arguments.StartFrame
		if start < 0 {
			start = 0
		}
		if start == 0 {
			s.frames.reset()
			s.vars.reset()
		}
		end := len(frames)
		if levels := request.Arguments.Levels; levels > 0 && start+levels < end {
			end = start + levels
		}

		stackFrames := []dap.StackFrame{}
		for i := start; i < end; i++ {
			f := frames[i]
			path := s.paths.clientPath(f.Filename)
			name := f.Where
			if name == "" {
				name = fmt.Sprintf("%s:%d", filepath.Base(path), f.Lineno)
			}
			stackFrames = append(stackFrames, dap.StackFrame{
				Id:     s.frames.create(stackFrame{depth: f.Level}),
				Name:   name,
				Source: &dap.Source{Name: filepath.Base(path), Path: path},
				Line:   f.Lineno,
				Column: 1,
			})
		}
		s.send(&dap.StackTraceResponse{
			Response: *newResponse(request.Request),
			Body:     dap.StackTraceResponseBody{StackFrames: stackFrames, TotalFrames: len(frames)},
		})
	})
}

// onScopesRequest handles 'scopes' requests.
// This is a mandatory request to support.
// Each DBGp context of the frame becomes a scope.
func (s *Session) onScopesRequest(request *dap.ScopesRequest) {
	sf, ok := s.frames.get(request.Arguments.FrameId)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToListScopes, "Unable to list scopes",
			fmt.Sprintf("unknown frame id %d", request.Arguments.FrameId))
		return
	}
	epoch := s.epoch
	s.issue(dbgp.NewCommand(dbgp.CmdContextNames).IntArg('d', sf.depth), &request.Request, func(resp *dbgp.Response, err error) {
		if err == nil && epoch != s.epoch {
			err = errResumed
		}
		if err == nil && len(resp.Contexts) == 0 {
			err = &TranslationError{Command: dbgp.CmdContextNames, Reason: "no contexts"}
		}
		if err != nil {
			s.sendErrorResponse(request.Request, errorID(err, UnableToListScopes), "Unable to list scopes", err.Error())
			return
		}
		scopes := make([]dap.Scope, 0, len(resp.Contexts))
		for _, c := range resp.Contexts {
			scope := dap.Scope{
				Name:               c.Name,
				VariablesReference: s.vars.create(&varRef{depth: sf.depth, contextID: c.ID}),
			}
			switch c.ID {
			case 0:
				scope.PresentationHint = "locals"
			default:
				// Globals and other contexts may be large.
				scope.Expensive = true
			}
			scopes = append(scopes, scope)
		}
		s.send(&dap.ScopesResponse{
			Response: *newResponse(request.Request),
			Body:     dap.ScopesResponseBody{Scopes: scopes},
		})
	})
}
