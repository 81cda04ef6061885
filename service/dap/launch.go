package dap

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/go-dap"

	"github.com/dbgpdap/dbgpdap/pkg/config"
	"github.com/dbgpdap/dbgpdap/pkg/dbgp"
	"github.com/dbgpdap/dbgpdap/pkg/logflags"
	"github.com/dbgpdap/dbgpdap/pkg/process"
)

const outputChunkSize = 4096

func launchErrorID(command string) int {
	if command == "attach" {
		return FailedToAttach
	}
	return FailedToLaunch
}

func launchErrorSummary(command string) string {
	if command == "attach" {
		return "Failed to attach"
	}
	return "Failed to launch"
}

func (s *Session) onLaunchRequest(request *dap.LaunchRequest) {
	var args LaunchConfig
	if err := unmarshalLaunchAttachArgs(request.Arguments, &args); err != nil {
		s.sendShowUserErrorResponse(request.Request, FailedToLaunch, "Failed to launch", fmt.Sprintf("invalid debug configuration - %v", err))
		return
	}
	if args.Program == "" {
		s.sendShowUserErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
			"The program attribute is missing in debug configuration.")
		return
	}

	program, cwd, err := resolveProgram(args.Program, args.Cwd)
	if err != nil {
		s.sendShowUserErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}

	runtime := args.RuntimeExecutable
	if runtime == "" {
		locator := s.config.Locator
		if locator == nil {
			locator = &process.Locator{Path: s.bridge.RuntimePath, InstallDir: s.bridge.RuntimeInstallDir}
		}
		if runtime, err = locator.Locate(); err != nil {
			s.sendShowUserErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
			return
		}
	}

	s.args.launched = true
	s.setCommonArgs(&args.LaunchAttachCommonConfig, false, cwd)

	host, port := s.dbgpAddr(args.Host, args.Port)
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		s.sendShowUserErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
			fmt.Sprintf("could not listen for the runtime: %v", err))
		return
	}
	_, listenPort, _ := net.SplitHostPort(l.Addr().String())

	launcher := s.config.Launcher
	if launcher == nil {
		launcher = process.ExecLauncher{}
	}
	spec := &process.Spec{
		Runtime:     runtime,
		RuntimeArgs: args.RuntimeArgs,
		Program:     program,
		Args:        args.Args,
		Dir:         cwd,
		Env:         args.Env,
		DebugHost:   host,
		DebugPort:   listenPort,
	}
	proc, err := launcher.Launch(s.ctx, spec)
	if err != nil {
		l.Close()
		s.sendShowUserErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}
	s.log.Debugf("launched %s as process %d, waiting for it on %s", program, proc.Pid(), l.Addr())

	s.listener = l
	s.proc = proc
	s.watchProcess(proc)
	s.state.transition(stateLaunching)
	s.pendingLaunch = &request.Request
	s.acceptRuntime(l)
}

// resolveProgram returns the absolute path of the program and the
// directory to run it in.
func resolveProgram(program, cwd string) (string, string, error) {
	if cwd == "" {
		if !filepath.IsAbs(program) {
			wd, err := os.Getwd()
			if err != nil {
				return "", "", err
			}
			program = filepath.Join(wd, program)
		}
		return program, filepath.Dir(program), nil
	}
	if !filepath.IsAbs(program) {
		program = filepath.Join(cwd, program)
	}
	return program, cwd, nil
}

func (s *Session) onAttachRequest(request *dap.AttachRequest) {
	var args AttachConfig
	if err := unmarshalLaunchAttachArgs(request.Arguments, &args); err != nil {
		s.sendShowUserErrorResponse(request.Request, FailedToAttach, "Failed to attach", fmt.Sprintf("invalid debug configuration - %v", err))
		return
	}
	if !isValidAttachMode(args.Mode) {
		s.sendShowUserErrorResponse(request.Request, FailedToAttach, "Failed to attach",
			fmt.Sprintf("invalid debug configuration - unsupported 'mode' attribute %q", args.Mode))
		return
	}

	s.args.launched = false
	s.args.terminateOnDisconnect = args.TerminateOnDisconnect
	s.setCommonArgs(&args.LaunchAttachCommonConfig, true, "")

	host, port := s.dbgpAddr(args.Host, args.Port)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	s.state.transition(stateAttaching)
	s.pendingLaunch = &request.Request

	if args.Mode == ConnectAttachMode {
		timeout := s.bridge.GetConnectTimeout()
		go func() {
			conn, err := dbgp.Dial(s.ctx, addr, timeout)
			if !s.post(func() { s.onRuntimeConnected(conn, err) }) && conn != nil {
				conn.Close()
			}
		}()
		return
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		s.failLaunch(fmt.Errorf("could not listen for the runtime: %v", err))
		return
	}
	s.listener = l
	s.sendOutput("console", fmt.Sprintf("Waiting for the runtime to connect to %s\n", l.Addr()))
	s.acceptRuntime(l)
}

// setCommonArgs applies the attributes shared by launch and attach.
func (s *Session) setCommonArgs(args *LaunchAttachCommonConfig, redirectDefault bool, base string) {
	s.args.stopOnEntry = args.StopOnEntry
	if args.MaxChildren > 0 {
		s.args.maxChildren = args.MaxChildren
	}
	if args.MaxData > 0 {
		s.args.maxData = args.MaxData
	}
	s.args.redirectOutput = redirectDefault
	if args.RedirectOutput != nil {
		s.args.redirectOutput = *args.RedirectOutput
	}
	if args.RequestTimeout > 0 {
		s.args.requestTimeout = time.Duration(args.RequestTimeout) * time.Millisecond
		s.corr.timeout = s.args.requestTimeout
	}
	s.args.substitutePath = append(configSubstitutePath(s.bridge), args.SubstitutePath...)
	s.paths = newPathMapper(s.args.substitutePath, base)
}

func (s *Session) dbgpAddr(host string, port *int) (string, int) {
	if host == "" {
		host = s.bridge.GetDBGpHost()
	}
	p := s.bridge.GetDBGpPort()
	if port != nil {
		p = *port
	}
	return host, p
}

func configSubstitutePath(c *config.Config) []SubstitutePath {
	rules := make([]SubstitutePath, 0, len(c.SubstitutePath))
	for _, r := range c.SubstitutePath {
		rules = append(rules, SubstitutePath{From: r.From, To: r.To})
	}
	return rules
}

func (s *Session) acceptRuntime(l net.Listener) {
	timeout := s.bridge.GetConnectTimeout()
	go func() {
		conn, err := dbgp.Accept(s.ctx, l, timeout)
		if !s.post(func() { s.onRuntimeConnected(conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Session) onRuntimeConnected(conn net.Conn, err error) {
	if s.state.is(stateTerminating, stateTerminated) {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.failLaunch(err)
		return
	}
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	s.log.Debugf("runtime connected from %s", conn.RemoteAddr())
	s.runtime = dbgp.NewConn(conn, s.bridge.GetWriteQueueBound())
	go s.readRuntime(s.runtime)

	timeout := s.bridge.GetConnectTimeout()
	time.AfterFunc(timeout, func() {
		s.post(func() {
			if s.pendingLaunch != nil && s.init == nil {
				s.failLaunch(fmt.Errorf("the runtime connected but sent no init packet within %v", timeout))
			}
		})
	})
}

// failLaunch answers the pending launch or attach request with err and
// ends the session.
func (s *Session) failLaunch(err error) {
	request := s.pendingLaunch
	if request == nil {
		return
	}
	s.pendingLaunch = nil
	s.sendShowUserErrorResponse(*request, launchErrorID(request.Command), launchErrorSummary(request.Command), err.Error())
	s.state.transition(stateTerminating)
	s.corr.cancelAll(ErrSessionTerminated)
	s.closeRuntime(true)
	s.sendTerminated()
}

// onInit completes the launch or attach request once the runtime
// identified itself.
func (s *Session) onInit(init *dbgp.Init) {
	if s.init != nil {
		s.log.Warnf("ignoring second init packet from %s", init.AppID)
		return
	}
	s.init = init
	s.log.Debugf("runtime %s %s (%s), protocol %s, program %s", init.Engine.Name, init.Engine.Version, init.Language, init.ProtocolVersion, init.FileURI)
	if s.paths.base == "" && init.FileURI != "" {
		s.paths.base = filepath.Dir(s.paths.clientPath(init.FileURI))
	}

	s.issueInternal(dbgp.NewCommand(dbgp.CmdFeatureSet).Arg('n', "max_depth").IntArg('v', 1))
	s.issueInternal(dbgp.NewCommand(dbgp.CmdFeatureSet).Arg('n', "max_children").IntArg('v', s.args.maxChildren))
	s.issueInternal(dbgp.NewCommand(dbgp.CmdFeatureSet).Arg('n', "max_data").IntArg('v', s.args.maxData))
	if s.args.redirectOutput {
		s.issueInternal(dbgp.NewCommand(dbgp.CmdStdout).IntArg('c', 1))
		s.issueInternal(dbgp.NewCommand(dbgp.CmdStderr).IntArg('c', 1))
	}

	next := stateRunning
	if s.args.stopOnEntry {
		next = stateStopped
	}
	s.state.transition(next)

	request := s.pendingLaunch
	s.pendingLaunch = nil
	if request != nil {
		if request.Command == "attach" {
			s.send(&dap.AttachResponse{Response: *newResponse(*request)})
		} else {
			s.send(&dap.LaunchResponse{Response: *newResponse(*request)})
		}
	}
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
}

func (s *Session) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
	if s.configured {
		return
	}
	s.configured = true
	switch {
	case s.startedByEditor:
		return
	case s.pausedBeforeStart:
		s.pausedBeforeStart = false
		s.send(&dap.ContinuedEvent{
			Event: *newEvent("continued"),
			Body:  dap.ContinuedEventBody{ThreadId: threadID, AllThreadsContinued: true},
		})
	}
	if s.args.stopOnEntry {
		s.resume(dbgp.CmdStepInto, "entry")
		return
	}
	s.resume(dbgp.CmdRun, "breakpoint")
}

// watchProcess relays the output of a launched runtime and waits for it to
// exit.
func (s *Session) watchProcess(p process.Process) {
	s.openStreams = 2
	go s.relayOutput(p.Stdout(), "stdout")
	go s.relayOutput(p.Stderr(), "stderr")
	go func() {
		<-p.Done()
		s.post(func() { s.onProcessExit(p.ExitCode()) })
	}()
}

// completeRunes returns the length of the prefix of b that does not end in
// the middle of a UTF-8 sequence.
func completeRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

func (s *Session) relayOutput(r io.Reader, category string) {
	log := logflags.RuntimeLogger().WithField("stream", category)
	buf := make([]byte, outputChunkSize)
	var partial []byte
	emit := func(text string) bool {
		if logflags.RuntimeOutput() {
			log.Debug(text)
		}
		return s.post(func() { s.sendOutput(category, text) })
	}
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(partial, buf[:n]...)
			cut := completeRunes(data)
			text := string(data[:cut])
			partial = append([]byte(nil), data[cut:]...)
			if text != "" && !emit(text) {
				return
			}
		}
		if err != nil {
			if len(partial) > 0 {
				emit(string(partial))
			}
			if !errors.Is(err, io.EOF) {
				log.Debugf("read error: %v", err)
			}
			s.post(func() {
				s.openStreams--
				s.maybeProcessGone()
			})
			return
		}
	}
}

func (s *Session) onProcessExit(code int) {
	s.exitCode = &code
	s.log.Debugf("runtime process exited with status %d", code)
	s.maybeProcessGone()
}

// maybeProcessGone ends the session once the launched process has exited
// and all of its output was relayed.
func (s *Session) maybeProcessGone() {
	if s.exitCode == nil || s.openStreams > 0 || s.state.is(stateTerminated) {
		return
	}
	if s.pendingLaunch != nil {
		s.failLaunch(fmt.Errorf("the runtime exited with status %d before connecting", *s.exitCode))
		return
	}
	s.state.transition(stateTerminating)
	s.corr.cancelAll(fmt.Errorf("%w: %v", ErrSessionTerminated, ErrRuntimeExited))
	if s.runtime != nil {
		s.runtime.Close()
		s.runtime = nil
	}
	s.sendTerminated()
}
