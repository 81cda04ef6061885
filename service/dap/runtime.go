package dap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-dap"

	"github.com/dbgpdap/dbgpdap/pkg/dbgp"
	"github.com/dbgpdap/dbgpdap/pkg/logflags"
)

// readRuntime reads packets from the runtime until the connection fails.
func (s *Session) readRuntime(conn *dbgp.Conn) {
	for {
		p, err := conn.ReadPacket()
		if err != nil {
			if dbgp.IsFatal(err) {
				s.post(func() { s.onRuntimeDisconnected(conn, err) })
				return
			}
			s.post(func() { s.log.Warnf("dropping malformed packet from the runtime: %v", err) })
			continue
		}
		if !s.post(func() { s.handlePacket(p) }) {
			return
		}
	}
}

func (s *Session) handlePacket(p dbgp.Packet) {
	switch p := p.(type) {
	case *dbgp.Init:
		s.onInit(p)
	case *dbgp.Response:
		s.corr.resolve(p)
	case *dbgp.Stream:
		s.onStream(p)
	case *dbgp.Notify:
		s.log.Debugf("runtime notification %q", p.Name)
	}
}

func (s *Session) onStream(p *dbgp.Stream) {
	text, err := p.Text()
	if err != nil {
		s.log.Warnf("undecodable %s stream packet: %v", p.Type, err)
		return
	}
	if logflags.RuntimeOutput() {
		logflags.RuntimeLogger().WithField("stream", p.Type).Debug(text)
	}
	category := "stdout"
	if p.Type == "stderr" {
		category = "stderr"
	}
	s.sendOutput(category, text)
}

// onRuntimeDisconnected handles the end of the runtime connection. A
// launched runtime is expected to exit shortly after; the session ends
// when it does, or when it is killed after killGrace.
func (s *Session) onRuntimeDisconnected(conn *dbgp.Conn, err error) {
	if s.runtime != conn {
		return
	}
	conn.Close()
	s.runtime = nil
	if isFramingError(err) {
		s.log.Errorf("closing the runtime connection: %v", err)
		s.sendOutput("stderr", fmt.Sprintf("Closing the runtime connection: %v\n", err))
	} else {
		s.log.Debugf("runtime connection closed: %v", err)
	}
	if s.state.is(stateTerminating, stateTerminated) {
		return
	}
	s.corr.cancelAll(fmt.Errorf("%w: the runtime closed the connection", ErrSessionTerminated))
	if s.pendingLaunch != nil {
		s.failLaunch(errors.New("the runtime closed the connection before it was initialized"))
		return
	}
	if s.proc != nil && s.exitCode == nil {
		s.state.transition(stateTerminating)
		s.killAfterGrace(s.proc)
		return
	}
	s.sendTerminated()
}

// resume sends a run or step command. The stop it eventually causes is
// reported with reason, unless a pause intervened.
func (s *Session) resume(command, reason string) {
	s.clearProcessStateHandles()
	s.state.transition(stateRunning)
	s.pauseRequested = false
	if !s.configured {
		// The editor runs the program before configurationDone.
		s.pausedBeforeStart = false
		s.startedByEditor = true
	}
	s.issue(dbgp.NewCommand(command), nil, func(resp *dbgp.Response, err error) {
		s.onContinuationDone(resp, err, reason)
	})
}

// clearProcessStateHandles invalidates every frame and variable handle
// handed out since the program last stopped.
func (s *Session) clearProcessStateHandles() {
	s.epoch++
	s.frames.reset()
	s.vars.reset()
	s.names = newNameTrie()
}

func (s *Session) onContinuationDone(resp *dbgp.Response, err error, reason string) {
	if resp == nil {
		// The session ended while the program was running.
		s.log.Debugf("continuation abandoned: %v", err)
		return
	}
	if err != nil {
		s.sendOutput("stderr", fmt.Sprintf("The runtime could not resume: %v\n", err))
		s.stop("exception", err.Error())
		return
	}
	switch resp.Status {
	case dbgp.StatusBreak:
		text := ""
		switch resp.Reason {
		case "error", "exception":
			reason = "exception"
			if resp.Message != nil {
				text = strings.TrimSpace(resp.Message.Text)
			}
		}
		if s.pauseRequested {
			reason = "pause"
		}
		s.stop(reason, text)
	case dbgp.StatusStopping, dbgp.StatusStopped:
		s.onProgramFinished()
	default:
		s.log.Warnf("%s answered with status %q", resp.Command, resp.Status)
	}
}

func (s *Session) stop(reason, text string) {
	s.pauseRequested = false
	s.state.transition(stateStopped)
	stopped := &dap.StoppedEvent{Event: *newEvent("stopped")}
	stopped.Body.Reason = reason
	stopped.Body.ThreadId = threadID
	stopped.Body.AllThreadsStopped = true
	stopped.Body.Text = text
	s.send(stopped)
}

// onProgramFinished handles a runtime that ran the program to its end. The
// runtime is told to stop; the session terminates when the connection, and
// for a launched runtime the process, is gone.
func (s *Session) onProgramFinished() {
	s.log.Debug("program finished")
	if s.runtime == nil {
		s.sendTerminated()
		return
	}
	s.issue(dbgp.NewCommand(dbgp.CmdStop), nil, func(resp *dbgp.Response, err error) {
		if err != nil && resp == nil && !s.state.is(stateTerminating, stateTerminated) {
			// No answer: give up on the runtime.
			s.closeRuntime(true)
			if s.proc == nil || s.exitCode != nil {
				s.sendTerminated()
			}
		}
	})
}

func (s *Session) onContinueRequest(request *dap.ContinueRequest) {
	s.send(&dap.ContinueResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ContinueResponseBody{AllThreadsContinued: true},
	})
	s.resume(dbgp.CmdRun, "breakpoint")
}

func (s *Session) onNextRequest(request *dap.NextRequest) {
	s.send(&dap.NextResponse{Response: *newResponse(request.Request)})
	s.resume(dbgp.CmdStepOver, "step")
}

func (s *Session) onStepInRequest(request *dap.StepInRequest) {
	s.send(&dap.StepInResponse{Response: *newResponse(request.Request)})
	s.resume(dbgp.CmdStepInto, "step")
}

func (s *Session) onStepOutRequest(request *dap.StepOutRequest) {
	s.send(&dap.StepOutResponse{Response: *newResponse(request.Request)})
	s.resume(dbgp.CmdStepOut, "step")
}

func (s *Session) onPauseRequest(request *dap.PauseRequest) {
	if s.corr.pendingContinuation() == nil {
		// Nothing is running yet: the runtime waits for configurationDone.
		s.send(&dap.PauseResponse{Response: *newResponse(request.Request)})
		s.stop("pause", "")
		if !s.configured {
			s.pausedBeforeStart = true
		}
		return
	}
	s.pauseRequested = true
	s.issue(dbgp.NewCommand(dbgp.CmdBreak), &request.Request, func(resp *dbgp.Response, err error) {
		if err != nil {
			s.pauseRequested = false
			s.sendErrorResponse(request.Request, errorID(err, UnableToHalt), "Unable to halt execution", err.Error())
			return
		}
		s.send(&dap.PauseResponse{Response: *newResponse(request.Request)})
	})
}
