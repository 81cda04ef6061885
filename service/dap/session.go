// Package dap implements the Debug Adapter Protocol (DAP) side of the
// bridge. A Session translates the requests of one editor into DBGp
// commands for one runtime, and the runtime's responses and notifications
// back into DAP responses and events.
// For DAP details see https://microsoft.github.io/debug-adapter-protocol.
package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/derekparker/trie"
	"github.com/google/go-dap"
	"github.com/google/uuid"
	"github.com/smallnest/chanx"

	"github.com/dbgpdap/dbgpdap/pkg/config"
	"github.com/dbgpdap/dbgpdap/pkg/dbgp"
	"github.com/dbgpdap/dbgpdap/pkg/logflags"
	"github.com/dbgpdap/dbgpdap/pkg/process"
	"github.com/dbgpdap/dbgpdap/service"
)

const (
	// threadID is the only thread the bridge reports. DBGp engines for
	// single threaded languages have no notion of threads.
	threadID   = 1
	threadName = "Main Thread"

	// killGrace is how long a launched runtime is given to exit on its
	// own, after stop or after dropping its connection, before it is
	// killed.
	killGrace = 2 * time.Second
	// flushTimeout bounds writing the last commands to the runtime.
	flushTimeout = time.Second
)

// Session is a single debug session between an editor connection and a
// runtime.
//
// All session state is owned by one goroutine, the session loop started by
// Run. Everything else that happens concurrently, reading from the editor,
// reading from the runtime, waiting for the runtime process, timers, posts
// a closure to the loop. Writes to the editor go through an unbounded queue
// drained by a dedicated writer, which assigns sequence numbers in the
// order messages were queued.
type Session struct {
	id string

	// config is the server configuration the session was created with.
	config *service.Config
	// bridge holds the defaults of the bridge, as loaded from its
	// configuration file and command line.
	bridge *config.Config

	conn Transport
	// out queues messages for the editor writer.
	out *chanx.UnboundedChan[dap.Message]
	// writerDone is closed once the writer has flushed the queue and
	// closed the connection.
	writerDone chan struct{}
	// closing is set once the outgoing queue has been closed.
	closing bool

	ctx    context.Context
	cancel context.CancelFunc
	work   chan func()

	log logflags.Logger

	state  stateMachine
	corr   *correlator
	frames *frameHandlesMap
	vars   *variablesHandlesMap
	bps    *breakpointStore
	paths  *pathMapper
	// names collects the variable names seen since the program last
	// stopped, for completions.
	names *trie.Trie
	// epoch is incremented every time the program resumes. Responses
	// that arrive after the epoch they were requested in changed must not
	// create handles.
	epoch int

	args launchAttachArgs

	runtime  *dbgp.Conn
	listener net.Listener
	init     *dbgp.Init
	proc     process.Process
	// openStreams counts the process output pipes not yet at EOF.
	openStreams int
	exitCode    *int

	// pendingLaunch is the launch or attach request waiting for the
	// runtime to connect.
	pendingLaunch *dap.Request
	configured    bool
	// pausedBeforeStart is set when the editor paused the program before
	// configurationDone; startedByEditor when it then resumed it itself.
	pausedBeforeStart bool
	startedByEditor   bool
	// pauseRequested makes the next stop report "pause".
	pauseRequested bool
	exitedSent     bool
	terminatedSent bool
}

// launchAttachArgs captures arguments from launch/attach request that
// impact handling of subsequent requests.
// The fields can be updated by the 'dbgp config' command.
type launchAttachArgs struct {
	// launched is set when the bridge started the runtime.
	launched bool
	// stopOnEntry is set to automatically stop the debuggee after start.
	stopOnEntry bool
	// maxChildren is the number of children retrieved per property.
	maxChildren int
	// maxData is the maximum length of retrieved values.
	maxData int
	// redirectOutput copies runtime output from DBGp stream packets.
	redirectOutput bool
	// terminateOnDisconnect stops an attached runtime on disconnect.
	terminateOnDisconnect bool
	// requestTimeout bounds the wait for a runtime response.
	requestTimeout time.Duration
	// substitutePath holds the path mapping rules, editor to runtime.
	substitutePath []SubstitutePath
}

// NewSession returns a session serving the editor on conn.
func NewSession(conn Transport, cfg *service.Config) *Session {
	bridge := cfg.Bridge
	if bridge == nil {
		bridge = &config.Config{}
	}
	id := uuid.New().String()
	s := &Session{
		id:         id,
		config:     cfg,
		bridge:     bridge,
		conn:       conn,
		writerDone: make(chan struct{}),
		work:       make(chan func(), 64),
		log:        logflags.DAPLogger().WithField("session", id),
		frames:     newFrameHandlesMap(),
		vars:       newVariablesHandlesMap(),
		bps:        newBreakpointStore(),
		paths:      newPathMapper(nil, ""),
		names:      trie.New(),
		args: launchAttachArgs{
			maxChildren:    bridge.GetMaxChildren(),
			maxData:        bridge.GetMaxData(),
			requestTimeout: bridge.GetRequestTimeout(),
		},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.out = chanx.NewUnboundedChan[dap.Message](s.ctx, 16)
	s.state.onChange = func(from, to sessionState) {
		s.log.Debugf("session state %s -> %s", from, to)
	}
	s.corr = newCorrelator(s.args.requestTimeout, s.afterFunc, logflags.BridgeLogger().WithField("session", id))
	return s
}

// Run serves the editor until it disconnects or the session is stopped.
func (s *Session) Run() {
	go s.readEditor()
	go s.writeEditor()
	s.loop()
	s.cleanup()
	s.cancel()
}

// Stop ends the session from outside the loop, as when the server shuts
// down. It does not wait for Run to return.
func (s *Session) Stop() {
	if !s.post(func() { s.shutdown("the bridge is shutting down") }) {
		s.conn.Close()
	}
}

func (s *Session) loop() {
	for {
		select {
		case f := <-s.work:
			f()
		case <-s.writerDone:
			return
		}
	}
}

// post schedules f to run on the session loop. It returns false if the
// session is over.
func (s *Session) post(f func()) bool {
	select {
	case s.work <- f:
		return true
	case <-s.writerDone:
		return false
	case <-s.ctx.Done():
		return false
	}
}

// afterFunc runs f on the session loop after d.
func (s *Session) afterFunc(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, func() {
		s.post(func() {
			f()
			s.checkUnresponsive()
		})
	})
	return t.Stop
}

// cleanup runs after the loop exits. A launched runtime that is still
// running gets killGrace to exit before it is killed.
func (s *Session) cleanup() {
	if s.runtime != nil {
		s.runtime.Close()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.proc == nil || !s.args.launched {
		return
	}
	select {
	case <-s.proc.Done():
		return
	case <-time.After(killGrace):
	}
	s.log.Debugf("killing runtime process %d", s.proc.Pid())
	if err := s.proc.Kill(); err != nil {
		s.log.Errorf("could not kill runtime process: %v", err)
	}
}

func (s *Session) readEditor() {
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				s.post(func() { s.onUndecodableMessage(de) })
				continue
			}
			s.post(func() { s.onEditorClosed(err) })
			return
		}
		if !s.post(func() { s.handleRequest(msg) }) {
			return
		}
	}
}

func (s *Session) writeEditor() {
	defer close(s.writerDone)
	seq := 0
	failed := false
	for msg := range s.out.Out {
		seq++
		setSeq(msg, seq)
		if failed {
			continue
		}
		if logflags.DAP() {
			jsonmsg, _ := json.Marshal(msg)
			s.log.Debug("[-> to client]", string(jsonmsg))
		}
		if err := s.conn.WriteMessage(msg); err != nil {
			s.log.Debugf("could not write to client: %v", err)
			failed = true
		}
	}
	s.conn.Close()
}

func setSeq(msg dap.Message, seq int) {
	switch m := msg.(type) {
	case dap.ResponseMessage:
		m.GetResponse().Seq = seq
	case dap.EventMessage:
		m.GetEvent().Seq = seq
	case dap.RequestMessage:
		m.GetRequest().Seq = seq
	}
}

// send queues message for the editor.
func (s *Session) send(message dap.Message) {
	if s.closing {
		s.log.Debugf("dropping %T: session is closing", message)
		return
	}
	s.out.In <- message
}

// finish flushes what was queued for the editor and ends the session.
func (s *Session) finish() {
	if s.closing {
		return
	}
	s.closing = true
	close(s.out.In)
}

func (s *Session) onUndecodableMessage(de *DecodeError) {
	s.log.Debugf("DAP decode error: %v", de.Err)
	if de.Type != "request" {
		return
	}
	s.sendUnsupportedErrorResponse(dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: de.Seq, Type: "request"},
		Command:         de.Command,
	})
}

func (s *Session) onEditorClosed(err error) {
	switch {
	case err == io.EOF:
		s.log.Debug("client closed the connection")
	case isFramingError(err):
		s.log.Errorf("DAP error: %v", err)
	default:
		s.log.Debugf("DAP connection error: %v", err)
	}
	s.shutdown("the client disconnected")
}

// shutdown ends the session without an editor to answer to.
func (s *Session) shutdown(reason string) {
	if !s.state.is(stateTerminated) {
		s.state.transition(stateTerminating)
		s.corr.cancelAll(fmt.Errorf("%w: %s", ErrSessionTerminated, reason))
		s.closeRuntime(s.args.launched || s.args.terminateOnDisconnect)
		s.state.transition(stateTerminated)
	}
	s.finish()
}

func (s *Session) handleRequest(request dap.Message) {
	defer func() {
		// In case a handler panics, we catch the panic and send an error response
		// back to the client.
		if ierr := recover(); ierr != nil {
			s.log.Errorf("recovered panic: %s\n%s\n", ierr, debug.Stack())
			s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("%v", ierr))
		}
	}()

	if logflags.DAP() {
		jsonmsg, _ := json.Marshal(request)
		s.log.Debug("[<- from client]", string(jsonmsg))
	}

	req, ok := request.(dap.RequestMessage)
	if !ok {
		s.log.Errorf("unexpected %T from client", request)
		return
	}
	if err := s.state.check(req.GetRequest().Command); err != nil && !isBridgeCommand(request) {
		s.sendErrorResponse(*req.GetRequest(), InvalidState, "Invalid state", err.Error())
		return
	}

	switch request := request.(type) {
	case *dap.InitializeRequest:
		// Required
		s.onInitializeRequest(request)
	case *dap.LaunchRequest:
		// Required
		s.onLaunchRequest(request)
	case *dap.AttachRequest:
		// Required
		s.onAttachRequest(request)
	case *dap.DisconnectRequest:
		// Required
		s.onDisconnectRequest(request)
	case *dap.TerminateRequest:
		// Optional (capability ‘supportsTerminateRequest‘)
		s.onTerminateRequest(request)
	case *dap.SetBreakpointsRequest:
		// Required
		s.onSetBreakpointsRequest(request)
	case *dap.SetExceptionBreakpointsRequest:
		// Optional (capability ‘exceptionBreakpointFilters’)
		s.onSetExceptionBreakpointsRequest(request)
	case *dap.ConfigurationDoneRequest:
		// Optional (capability ‘supportsConfigurationDoneRequest’)
		s.onConfigurationDoneRequest(request)
	case *dap.ContinueRequest:
		// Required
		s.onContinueRequest(request)
	case *dap.NextRequest:
		// Required
		s.onNextRequest(request)
	case *dap.StepInRequest:
		// Required
		s.onStepInRequest(request)
	case *dap.StepOutRequest:
		// Required
		s.onStepOutRequest(request)
	case *dap.PauseRequest:
		// Required
		s.onPauseRequest(request)
	case *dap.ThreadsRequest:
		// Required
		s.onThreadsRequest(request)
	case *dap.StackTraceRequest:
		// Required
		s.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		// Required
		s.onScopesRequest(request)
	case *dap.VariablesRequest:
		// Required
		s.onVariablesRequest(request)
	case *dap.SetVariableRequest:
		// Optional (capability ‘supportsSetVariable’)
		s.onSetVariableRequest(request)
	case *dap.EvaluateRequest:
		// Required
		s.onEvaluateRequest(request)
	case *dap.CompletionsRequest:
		// Optional (capability ‘supportsCompletionsRequest’)
		s.onCompletionsRequest(request)
	case *dap.SourceRequest:
		// Required
		// Sources are always files the editor can open.
		s.sendUnsupportedErrorResponse(request.Request)
	default:
		// Everything else go-dap can decode is an optional request whose
		// capability the bridge does not announce.
		s.sendUnsupportedErrorResponse(*req.GetRequest())
	}
}

func (s *Session) onInitializeRequest(request *dap.InitializeRequest) {
	s.log.Debugf("client %q (%s), adapter %q", request.Arguments.ClientName, request.Arguments.ClientID, request.Arguments.AdapterID)
	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsConditionalBreakpoints = true
	response.Body.SupportsHitConditionalBreakpoints = true
	response.Body.SupportsEvaluateForHovers = true
	response.Body.SupportsSetVariable = true
	response.Body.SupportsCompletionsRequest = true
	response.Body.SupportsDelayedStackTraceLoading = true
	response.Body.SupportsTerminateRequest = true
	response.Body.SupportTerminateDebuggee = true
	s.state.transition(stateInitializing)
	s.send(response)
}

func (s *Session) onDisconnectRequest(request *dap.DisconnectRequest) {
	terminate := s.args.launched || s.args.terminateOnDisconnect
	if request.Arguments != nil && !s.args.launched && request.Arguments.TerminateDebuggee {
		terminate = true
	}
	s.endSession(terminate)
	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
	s.finish()
}

func (s *Session) onTerminateRequest(request *dap.TerminateRequest) {
	s.endSession(true)
	s.send(&dap.TerminateResponse{Response: *newResponse(request.Request)})
}

// endSession fails every pending request, releases the runtime and reports
// the end of the session to the editor.
func (s *Session) endSession(terminate bool) {
	if s.state.is(stateTerminated) {
		return
	}
	s.state.transition(stateTerminating)
	s.corr.cancelAll(ErrSessionTerminated)
	if s.pendingLaunch != nil {
		s.sendErrorResponse(*s.pendingLaunch, launchErrorID(s.pendingLaunch.Command), launchErrorSummary(s.pendingLaunch.Command), ErrSessionTerminated.Error())
		s.pendingLaunch = nil
	}
	s.closeRuntime(terminate)
	s.sendTerminated()
}

// closeRuntime releases the runtime connection. With terminate, the
// runtime is told to stop and a launched process is killed if it does
// not exit on its own; otherwise the runtime is detached.
func (s *Session) closeRuntime(terminate bool) {
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	if s.runtime != nil {
		name := dbgp.CmdDetach
		if terminate {
			name = dbgp.CmdStop
		}
		cmd := dbgp.NewCommand(name)
		s.corr.stamp(cmd)
		if err := s.runtime.Send(cmd); err != nil {
			s.log.Debugf("could not send %s: %v", name, err)
		}
		s.runtime.Shutdown(flushTimeout)
		s.runtime = nil
	}
	if terminate && s.proc != nil && s.exitCode == nil {
		s.killAfterGrace(s.proc)
	}
}

func (s *Session) killAfterGrace(p process.Process) {
	go func() {
		select {
		case <-p.Done():
		case <-time.After(killGrace):
			s.log.Debugf("killing runtime process %d", p.Pid())
			p.Kill()
		}
	}()
}

// sendTerminated reports the end of the session, preceded by the exit
// code of a launched process if it is known.
func (s *Session) sendTerminated() {
	if s.exitCode != nil && !s.exitedSent {
		s.exitedSent = true
		s.send(&dap.ExitedEvent{
			Event: *newEvent("exited"),
			Body:  dap.ExitedEventBody{ExitCode: *s.exitCode},
		})
	}
	if !s.terminatedSent {
		s.terminatedSent = true
		s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
	}
	s.state.transition(stateTerminated)
}

// issue sends cmd to the runtime and arranges for onDone to run on the
// session loop with the result.
func (s *Session) issue(cmd *dbgp.Command, request *dap.Request, onDone responseCallback) {
	if s.runtime == nil {
		onDone(nil, fmt.Errorf("%s: %w", cmd.Name, ErrRuntimeExited))
		return
	}
	s.corr.issue(cmd, request, onDone)
	if err := s.runtime.Send(cmd); err != nil {
		// The reader sees the broken connection and fails the request.
		s.log.Debugf("could not send %s: %v", cmd.Name, err)
	}
}

// issueInternal sends a command the editor did not ask for.
func (s *Session) issueInternal(cmd *dbgp.Command) {
	s.issue(cmd, nil, func(resp *dbgp.Response, err error) {
		if err != nil {
			s.log.Warnf("%s failed: %v", cmd, err)
		}
	})
}

// checkUnresponsive ends the session after too many requests in a row
// timed out.
func (s *Session) checkUnresponsive() {
	max := s.bridge.GetMaxTimeouts()
	if max <= 0 || s.corr.consecutiveTimeouts < max || s.state.is(stateTerminating, stateTerminated) {
		return
	}
	s.sendOutput("stderr", fmt.Sprintf("The runtime did not answer %d requests in a row; ending the session.\n", s.corr.consecutiveTimeouts))
	s.endSession(true)
}

func (s *Session) sendOutput(category, output string) {
	s.send(&dap.OutputEvent{
		Event: *newEvent("output"),
		Body:  dap.OutputEventBody{Category: category, Output: output},
	})
}

func (s *Session) sendErrorResponseWithOpts(request dap.Request, id int, summary, details string, showUser bool) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = summary
	er.Body.Error = &dap.ErrorMessage{
		Id:       id,
		Format:   fmt.Sprintf("%s: %s", summary, details),
		ShowUser: showUser,
	}
	s.log.Debug(er.Body.Error.Format)
	s.send(er)
}

// sendErrorResponse sends an error response with showUser disabled (default).
func (s *Session) sendErrorResponse(request dap.Request, id int, summary, details string) {
	s.sendErrorResponseWithOpts(request, id, summary, details, false /*showUser*/)
}

// sendShowUserErrorResponse sends an error response with showUser enabled.
func (s *Session) sendShowUserErrorResponse(request dap.Request, id int, summary, details string) {
	s.sendErrorResponseWithOpts(request, id, summary, details, true /*showUser*/)
}

// sendInternalErrorResponse sends an "internal error" response back to the client.
// We only take a seq here because we don't want to make assumptions about the
// kind of message received by the server that this error is a reply to.
func (s *Session) sendInternalErrorResponse(seq int, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.RequestSeq = seq
	er.Success = false
	er.Message = "Internal Error"
	er.Body.Error = &dap.ErrorMessage{
		Id:     InternalError,
		Format: fmt.Sprintf("%s: %s", er.Message, details),
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

func (s *Session) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command",
		fmt.Sprintf("cannot process %q request", request.Command))
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}
