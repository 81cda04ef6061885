package dap

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"

	"github.com/dbgpdap/dbgpdap/pkg/config"
	"github.com/dbgpdap/dbgpdap/pkg/dbgp"
	"github.com/dbgpdap/dbgpdap/pkg/dbgp/dbgptest"
	"github.com/dbgpdap/dbgpdap/pkg/logflags"
	"github.com/dbgpdap/dbgpdap/pkg/process"
	"github.com/dbgpdap/dbgpdap/service"
	"github.com/dbgpdap/dbgpdap/service/dap/daptest"
)

const stopOnEntry bool = true

func TestMain(m *testing.M) {
	var logOutput string
	flag.StringVar(&logOutput, "log-output", "", "configures log output")
	flag.Parse()
	logflags.Setup(logOutput != "", logOutput, "")
	os.Exit(m.Run())
}

// fakeProcess stands in for a runtime process. It lives for as long as
// the engine's connection.
type fakeProcess struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	engine *dbgptest.Engine
	done   chan struct{}
	once   sync.Once
	code   int
}

func newFakeProcess(engine *dbgptest.Engine) *fakeProcess {
	p := &fakeProcess{engine: engine, done: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Pid() int              { return 4242 }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitCode() int         { return p.code }

func (p *fakeProcess) Kill() error {
	p.engine.Close()
	p.exit(-1)
	return nil
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.done)
	})
}

// fakeLauncher "starts" the runtime by connecting engine to the address
// of the launch.
type fakeLauncher struct {
	engine *dbgptest.Engine
	// err fails the launch.
	err error
	// noConnect makes the process exit without connecting.
	noConnect bool
	exitCode  int

	mu   sync.Mutex
	spec *process.Spec
	proc *fakeProcess
}

func (l *fakeLauncher) Launch(ctx context.Context, spec *process.Spec) (process.Process, error) {
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess(l.engine)
	l.mu.Lock()
	l.spec = spec
	l.proc = p
	l.mu.Unlock()
	go func() {
		if l.noConnect {
			p.exit(l.exitCode)
			return
		}
		if err := l.engine.Connect(net.JoinHostPort(spec.DebugHost, spec.DebugPort)); err != nil {
			p.exit(1)
			return
		}
		<-l.engine.Done()
		p.exit(l.exitCode)
	}()
	return p, nil
}

func (l *fakeLauncher) process() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.proc
}

// newEngine returns an engine for a script of the given number of lines,
// along with the path the editor knows the script by.
func newEngine(t *testing.T, lines int) (*dbgptest.Engine, string) {
	program := filepath.Join(t.TempDir(), "hello.ahk")
	return dbgptest.NewEngine(pathToURI(program), lines), program
}

func runTest(t *testing.T, engine *dbgptest.Engine, test func(c *daptest.Client)) {
	runTestWithLauncher(t, &config.Config{}, &fakeLauncher{engine: engine}, test)
}

func runTestWithLauncher(t *testing.T, cfg *config.Config, launcher *fakeLauncher, test func(c *daptest.Client)) {
	// Start the DAP server.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	disconnectChan := make(chan struct{})
	server := NewServer(&service.Config{
		Listener:       listener,
		DisconnectChan: disconnectChan,
		Bridge:         cfg,
		Launcher:       launcher,
	})
	server.Run()

	var stopOnce sync.Once
	// Run a goroutine that stops the server when disconnectChan is signaled.
	go func() {
		<-disconnectChan
		stopOnce.Do(func() { server.Stop() })
	}()

	client, err := daptest.NewClient(listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	defer func() {
		stopOnce.Do(func() { server.Stop() })
	}()

	test(client)
}

func launchArgs(program string, stopOnEntry bool) map[string]interface{} {
	return map[string]interface{}{
		"program":           program,
		"runtimeExecutable": "AutoHotkey64.exe",
		"port":              0,
		"stopOnEntry":       stopOnEntry,
	}
}

// launch goes through initialize and launch, up to the initialized event.
func launch(t *testing.T, client *daptest.Client, program string, stopOnEntry bool) {
	t.Helper()
	client.InitializeRequest()
	client.ExpectInitializeResponse(t)
	client.LaunchRequestWithArgs(launchArgs(program, stopOnEntry))
	client.ExpectLaunchResponse(t)
	client.ExpectInitializedEvent(t)
}

// runToStop sets breakpoints on lines, finishes the configuration and
// waits for the program to stop with reason.
func runToStop(t *testing.T, client *daptest.Client, program string, lines []int, reason string) {
	t.Helper()
	client.SetBreakpointsRequest(program, lines)
	client.ExpectSetBreakpointsResponse(t)
	client.ConfigurationDoneRequest()
	client.ExpectConfigurationDoneResponse(t)
	se := client.ExpectStoppedEvent(t)
	if se.Body.Reason != reason || se.Body.ThreadId != 1 || !se.Body.AllThreadsStopped {
		t.Fatalf("\ngot %#v\nwant Reason=%q ThreadId=1 AllThreadsStopped=true", se, reason)
	}
}

// continuations counts the run and step commands the engine received.
func continuations(engine *dbgptest.Engine) int {
	n := 0
	for _, name := range engine.Received() {
		if dbgp.IsContinuation(name) {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func received(engine *dbgptest.Engine, name string) bool {
	for _, n := range engine.Received() {
		if n == name {
			return true
		}
	}
	return false
}

func findCommand(engine *dbgptest.Engine, name string) []*dbgp.Command {
	var r []*dbgp.Command
	for _, c := range engine.ReceivedCommands() {
		if c.Name == name {
			r = append(r, c)
		}
	}
	return r
}

// TestLaunchStopOnEntry emulates the message exchange that can be observed with
// VS Code for the most basic launch debug session with "stopOnEntry" enabled:
// - User selects "Start Debugging":  1 >> initialize
//                                 :  1 << initialize
//                                 :  2 >> launch
//                                 :  2 << launch
//                                 :    << initialized event
//                                 :  3 >> setBreakpoints (empty)
//                                 :  3 << setBreakpoints
//                                 :  4 >> setExceptionBreakpoints (empty)
//                                 :  4 << setExceptionBreakpoints
//                                 :  5 >> configurationDone
//                                 :  5 << configurationDone
// - Program stops upon launching  :    << stopped event
//                                 :  6 >> threads
//                                 :  6 << threads
//                                 :  7 >> stackTrace
//                                 :  7 << stackTrace
// - User evaluates an expression  :  8 >> evaluate
//                                 :  8 << evaluate
// - User selects "Continue"       :  9 >> continue
//                                 :  9 << continue
// - Program runs to completion    :    << exited event
//                                 :    << terminated event
//                                 : 10 >> disconnect
//                                 : 10 << disconnect
// This test exhaustively tests Seq and RequestSeq on all messages from the
// server. Other tests do not necessarily need to repeat all these checks.
func TestLaunchStopOnEntry(t *testing.T) {
	engine, program := newEngine(t, 10)
	engine.Eval = func(expr string) (*dbgptest.Var, *dbgp.Error) {
		return &dbgptest.Var{Type: "integer", Value: "2"}, nil
	}
	runTest(t, engine, func(client *daptest.Client) {
		seq := 0
		checkSeq := func(got int, what string) {
			t.Helper()
			seq++
			if got != seq {
				t.Errorf("%s: got Seq=%d, want %d", what, got, seq)
			}
		}

		// 1 >> initialize, << initialize
		client.InitializeRequest()
		initResp := client.ExpectInitializeResponse(t)
		checkSeq(initResp.Seq, "initialize")
		if initResp.RequestSeq != 1 {
			t.Errorf("\ngot %#v\nwant RequestSeq=1", initResp)
		}
		if !initResp.Body.SupportsConditionalBreakpoints || !initResp.Body.SupportsSetVariable || !initResp.Body.SupportsCompletionsRequest {
			t.Errorf("\ngot %#v\nwant conditional breakpoints, setVariable and completions", initResp.Body)
		}

		// 2 >> launch, << launch, << initialized
		client.LaunchRequestWithArgs(launchArgs(program, stopOnEntry))
		launchResp := client.ExpectLaunchResponse(t)
		checkSeq(launchResp.Seq, "launch")
		if launchResp.RequestSeq != 2 {
			t.Errorf("\ngot %#v\nwant RequestSeq=2", launchResp)
		}
		initEvent := client.ExpectInitializedEvent(t)
		checkSeq(initEvent.Seq, "initialized")

		// 3 >> setBreakpoints, << setBreakpoints
		client.SetBreakpointsRequest(program, nil)
		sbpResp := client.ExpectSetBreakpointsResponse(t)
		checkSeq(sbpResp.Seq, "setBreakpoints")
		if sbpResp.RequestSeq != 3 || len(sbpResp.Body.Breakpoints) != 0 {
			t.Errorf("\ngot %#v\nwant RequestSeq=3, len(Breakpoints)=0", sbpResp)
		}

		// 4 >> setExceptionBreakpoints, << setExceptionBreakpoints
		client.SetExceptionBreakpointsRequest()
		sebpResp := client.ExpectSetExceptionBreakpointsResponse(t)
		checkSeq(sebpResp.Seq, "setExceptionBreakpoints")
		if sebpResp.RequestSeq != 4 {
			t.Errorf("\ngot %#v\nwant RequestSeq=4", sebpResp)
		}

		// 5 >> configurationDone, << configurationDone, << stopped
		client.ConfigurationDoneRequest()
		cdResp := client.ExpectConfigurationDoneResponse(t)
		checkSeq(cdResp.Seq, "configurationDone")
		if cdResp.RequestSeq != 5 {
			t.Errorf("\ngot %#v\nwant RequestSeq=5", cdResp)
		}
		stopEvent := client.ExpectStoppedEvent(t)
		checkSeq(stopEvent.Seq, "stopped")
		if stopEvent.Body.Reason != "entry" || stopEvent.Body.ThreadId != 1 || !stopEvent.Body.AllThreadsStopped {
			t.Errorf("\ngot %#v\nwant Body={Reason=\"entry\", ThreadId=1, AllThreadsStopped=true}", stopEvent)
		}

		// 6 >> threads, << threads
		client.ThreadsRequest()
		tResp := client.ExpectThreadsResponse(t)
		checkSeq(tResp.Seq, "threads")
		if tResp.RequestSeq != 6 || len(tResp.Body.Threads) != 1 {
			t.Errorf("\ngot %#v\nwant RequestSeq=6 len(Threads)=1", tResp)
		} else if tResp.Body.Threads[0].Id != 1 || tResp.Body.Threads[0].Name != "Main Thread" {
			t.Errorf("\ngot %#v\nwant Id=1, Name=\"Main Thread\"", tResp)
		}

		// 7 >> stackTrace, << stackTrace
		client.StackTraceRequest(1, 0, 20)
		stResp := client.ExpectStackTraceResponse(t)
		checkSeq(stResp.Seq, "stackTrace")
		if stResp.RequestSeq != 7 || len(stResp.Body.StackFrames) != 1 || stResp.Body.TotalFrames != 1 {
			t.Fatalf("\ngot %#v\nwant RequestSeq=7 len(StackFrames)=1 TotalFrames=1", stResp)
		}
		frame := stResp.Body.StackFrames[0]
		if frame.Line != 1 || frame.Name != "auto-execute thread" || frame.Source == nil || frame.Source.Path != program {
			t.Errorf("\ngot %#v\nwant Line=1 Name=\"auto-execute thread\" Source.Path=%q", frame, program)
		}

		// 8 >> evaluate, << evaluate
		client.EvaluateRequest("1+1", frame.Id, "repl")
		evResp := client.ExpectEvaluateResponse(t)
		checkSeq(evResp.Seq, "evaluate")
		if evResp.RequestSeq != 8 || evResp.Body.Result != "2" || evResp.Body.Type != "integer" {
			t.Errorf("\ngot %#v\nwant RequestSeq=8 Result=2 Type=integer", evResp)
		}

		// 9 >> continue, << continue, << exited, << terminated
		client.ContinueRequest(1)
		contResp := client.ExpectContinueResponse(t)
		checkSeq(contResp.Seq, "continue")
		if contResp.RequestSeq != 9 || !contResp.Body.AllThreadsContinued {
			t.Errorf("\ngot %#v\nwant RequestSeq=9 Body.AllThreadsContinued=true", contResp)
		}
		exEvent := client.ExpectExitedEvent(t)
		checkSeq(exEvent.Seq, "exited")
		if exEvent.Body.ExitCode != 0 {
			t.Errorf("\ngot %#v\nwant ExitCode=0", exEvent)
		}
		termEvent := client.ExpectTerminatedEvent(t)
		checkSeq(termEvent.Seq, "terminated")

		// 10 >> disconnect, << disconnect
		client.DisconnectRequest()
		dResp := client.ExpectDisconnectResponse(t)
		checkSeq(dResp.Seq, "disconnect")
		if dResp.RequestSeq != 10 {
			t.Errorf("\ngot %#v\nwant RequestSeq=10", dResp)
		}

		got := engine.Received()
		for _, want := range []string{dbgp.CmdFeatureSet, dbgp.CmdStepInto, dbgp.CmdStackGet, dbgp.CmdEval, dbgp.CmdRun, dbgp.CmdStop} {
			if !received(engine, want) {
				t.Errorf("runtime received %v, want %s among them", got, want)
			}
		}
		if received(engine, dbgp.CmdStdout) {
			t.Errorf("runtime received %v, want no stdout redirection for a launched runtime", got)
		}
	})
}

func TestLaunchSpec(t *testing.T) {
	engine, program := newEngine(t, 3)
	launcher := &fakeLauncher{engine: engine}
	runTestWithLauncher(t, &config.Config{}, launcher, func(client *daptest.Client) {
		client.InitializeRequest()
		client.ExpectInitializeResponse(t)
		args := launchArgs(program, false)
		args["args"] = `one "two three"`
		args["env"] = map[string]string{"GREETING": "hello"}
		args["runtimeArgs"] = []string{"/Debug={addr}"}
		client.LaunchRequestWithArgs(args)
		client.ExpectLaunchResponse(t)
		client.ExpectInitializedEvent(t)

		launcher.mu.Lock()
		spec := launcher.spec
		launcher.mu.Unlock()
		if spec.Runtime != "AutoHotkey64.exe" || spec.Program != program || spec.Dir != filepath.Dir(program) {
			t.Errorf("got %#v, want Runtime=AutoHotkey64.exe Program=%q Dir=%q", spec, program, filepath.Dir(program))
		}
		if spec.DebugHost != "127.0.0.1" || spec.DebugPort == "" || spec.DebugPort == "0" {
			t.Errorf("got DebugHost=%q DebugPort=%q, want the address the bridge listens on", spec.DebugHost, spec.DebugPort)
		}
		if len(spec.Args) != 2 || spec.Args[0] != "one" || spec.Args[1] != "two three" {
			t.Errorf("got Args=%q, want [one \"two three\"]", spec.Args)
		}
		if spec.Env["GREETING"] != "hello" {
			t.Errorf("got Env=%v, want GREETING=hello", spec.Env)
		}
		argv := spec.Argv()
		if argv[1] != "/Debug=127.0.0.1:"+spec.DebugPort {
			t.Errorf("got argv %q, want the {addr} placeholder substituted", argv)
		}
	})
}

func TestLaunchErrors(t *testing.T) {
	t.Run("missing program", func(t *testing.T) {
		engine, _ := newEngine(t, 3)
		runTest(t, engine, func(client *daptest.Client) {
			client.InitializeRequest()
			client.ExpectInitializeResponse(t)
			client.LaunchRequestWithArgs(map[string]interface{}{"runtimeExecutable": "AutoHotkey64.exe"})
			er := client.ExpectErrorResponseWith(t, FailedToLaunch, "The program attribute is missing")
			if !er.Body.Error.ShowUser {
				t.Errorf("got %#v, want ShowUser=true", er.Body.Error)
			}
		})
	})
	t.Run("bad substitutePath", func(t *testing.T) {
		engine, program := newEngine(t, 3)
		runTest(t, engine, func(client *daptest.Client) {
			client.InitializeRequest()
			client.ExpectInitializeResponse(t)
			args := launchArgs(program, false)
			args["substitutePath"] = []map[string]string{{"from": "/a"}}
			client.LaunchRequestWithArgs(args)
			client.ExpectErrorResponseWith(t, FailedToLaunch, "requires both 'from' and 'to'")
		})
	})
	t.Run("launcher fails", func(t *testing.T) {
		engine, program := newEngine(t, 3)
		launcher := &fakeLauncher{engine: engine, err: errors.New("exec: AutoHotkey64.exe: not found")}
		runTestWithLauncher(t, &config.Config{}, launcher, func(client *daptest.Client) {
			client.InitializeRequest()
			client.ExpectInitializeResponse(t)
			client.LaunchRequestWithArgs(launchArgs(program, false))
			client.ExpectErrorResponseWith(t, FailedToLaunch, "not found")
		})
	})
	t.Run("runtime exits before connecting", func(t *testing.T) {
		engine, program := newEngine(t, 3)
		launcher := &fakeLauncher{engine: engine, noConnect: true, exitCode: 2}
		runTestWithLauncher(t, &config.Config{}, launcher, func(client *daptest.Client) {
			client.InitializeRequest()
			client.ExpectInitializeResponse(t)
			client.LaunchRequestWithArgs(launchArgs(program, false))
			client.ExpectErrorResponseWith(t, FailedToLaunch, "exited with status 2 before connecting")
			if ev := client.ExpectExitedEvent(t); ev.Body.ExitCode != 2 {
				t.Errorf("got %#v, want ExitCode=2", ev)
			}
			client.ExpectTerminatedEvent(t)
		})
	})
}

func TestInvalidState(t *testing.T) {
	engine, program := newEngine(t, 3)
	runTest(t, engine, func(client *daptest.Client) {
		client.LaunchRequestWithArgs(launchArgs(program, false))
		client.ExpectErrorResponseWith(t, InvalidState, "'launch' request is not valid while the session is uninitialized")

		client.EvaluateRequest("dbgp help", 0, "repl")
		client.ExpectErrorResponseWith(t, InvalidState, "")

		client.InitializeRequest()
		client.ExpectInitializeResponse(t)

		client.ContinueRequest(1)
		client.ExpectErrorResponseWith(t, InvalidState, "'continue' request is not valid while the session is initializing")

		client.InitializeRequest()
		client.ExpectErrorResponseWith(t, InvalidState, "")

		// Console commands for the bridge work before launch.
		client.EvaluateRequest("dbgp help", 0, "repl")
		client.ExpectEvaluateResponse(t)
	})
}

func TestUnsupportedRequests(t *testing.T) {
	engine, _ := newEngine(t, 3)
	runTest(t, engine, func(client *daptest.Client) {
		client.UnknownRequest()
		er := client.ExpectErrorResponseWith(t, UnsupportedCommand, `cannot process "unknown" request`)
		if er.Command != "unknown" || er.RequestSeq != 1 {
			t.Errorf("got %#v, want Command=unknown RequestSeq=1", er)
		}

		// Malformed messages are dropped.
		client.BadRequest()
		client.InitializeRequest()
		if r := client.ExpectInitializeResponse(t); r.RequestSeq != 2 {
			t.Errorf("got %#v, want RequestSeq=2", r)
		}
	})
}

func TestBreakpointStopAndVariables(t *testing.T) {
	engine, program := newEngine(t, 10)
	engine.Locals = []*dbgptest.Var{
		{Name: "count", Type: "integer", Value: "3"},
		{Name: "greeting", Type: "string", Value: "hi"},
		{Name: "nothing", Type: "undefined"},
		{Name: "obj", Type: "object", ClassName: "Object", Children: []*dbgptest.Var{
			{Name: "a", Type: "integer", Value: "1"},
			{Name: "b", Type: "float", Value: "2.5"},
		}},
	}
	engine.Globals = []*dbgptest.Var{{Name: "A_Index", Type: "integer", Value: "0"}}
	runTest(t, engine, func(client *daptest.Client) {
		launch(t, client, program, false)

		client.SetBreakpointsRequest(program, []int{5})
		sbp := client.ExpectSetBreakpointsResponse(t)
		if len(sbp.Body.Breakpoints) != 1 || !sbp.Body.Breakpoints[0].Verified || sbp.Body.Breakpoints[0].Line != 5 {
			t.Fatalf("\ngot %#v\nwant one verified breakpoint at line 5", sbp)
		}
		client.ConfigurationDoneRequest()
		client.ExpectConfigurationDoneResponse(t)
		if se := client.ExpectStoppedEvent(t); se.Body.Reason != "breakpoint" {
			t.Errorf("got %#v, want Reason=breakpoint", se)
		}

		client.StackTraceRequest(1, 0, 20)
		st := client.ExpectStackTraceResponse(t)
		if len(st.Body.StackFrames) != 1 || st.Body.StackFrames[0].Line != 5 {
			t.Fatalf("got %#v, want one frame at line 5", st)
		}

		client.ScopesRequest(st.Body.StackFrames[0].Id)
		scopes := client.ExpectScopesResponse(t)
		if len(scopes.Body.Scopes) != 2 {
			t.Fatalf("got %#v, want 2 scopes", scopes)
		}
		locals, globals := scopes.Body.Scopes[0], scopes.Body.Scopes[1]
		if locals.Name != "Local" || locals.PresentationHint != "locals" || locals.Expensive || locals.VariablesReference == 0 {
			t.Errorf("got %#v, want cheap Local scope", locals)
		}
		if globals.Name != "Global" || !globals.Expensive || globals.VariablesReference == 0 {
			t.Errorf("got %#v, want expensive Global scope", globals)
		}

		client.VariablesRequest(locals.VariablesReference)
		vars := client.ExpectVariablesResponse(t)
		want := []struct {
			name, value, typ string
			children         bool
		}{
			{"count", "3", "integer", false},
			{"greeting", `"hi"`, "string", false},
			{"nothing", "unset", "undefined", false},
			{"obj", "Object(2)", "Object", true},
		}
		if len(vars.Body.Variables) != len(want) {
			t.Fatalf("got %#v, want %d variables", vars, len(want))
		}
		for i, w := range want {
			v := vars.Body.Variables[i]
			if v.Name != w.name || v.Value != w.value || v.Type != w.typ || (v.VariablesReference != 0) != w.children {
				t.Errorf("variable %d: got %#v, want %+v", i, v, w)
			}
		}
		obj := vars.Body.Variables[3]
		if obj.NamedVariables != 2 || obj.EvaluateName != "obj" {
			t.Errorf("got %#v, want NamedVariables=2 EvaluateName=obj", obj)
		}

		client.VariablesRequest(obj.VariablesReference)
		children := client.ExpectVariablesResponse(t)
		if len(children.Body.Variables) != 2 ||
			children.Body.Variables[0].Name != "a" || children.Body.Variables[0].Value != "1" ||
			children.Body.Variables[1].Name != "b" || children.Body.Variables[1].Type != "float" ||
			children.Body.Variables[1].EvaluateName != "obj.b" {
			t.Errorf("got %#v, want obj.a=1 and obj.b float", children)
		}
		cmds := findCommand(engine, dbgp.CmdPropertyGet)
		if len(cmds) != 1 {
			t.Fatalf("got %d property_get commands, want 1", len(cmds))
		}
		if n, _ := cmds[0].Get('n'); n != "obj" {
			t.Errorf("got property_get -n %q, want obj", n)
		}

		client.VariablesRequest(globals.VariablesReference)
		gvars := client.ExpectVariablesResponse(t)
		if len(gvars.Body.Variables) != 1 || gvars.Body.Variables[0].Name != "A_Index" {
			t.Errorf("got %#v, want A_Index", gvars)
		}

		client.StackTraceRequest(2, 0, 20)
		client.ExpectErrorResponseWith(t, UnableToProduceStackTrace, "unknown thread 2")
	})
}

func TestSetBreakpointsReplacesFile(t *testing.T) {
	engine, program := newEngine(t, 20)
	runTest(t, engine, func(client *daptest.Client) {
		launch(t, client, program, false)

		client.SetBreakpointsRequest(program, []int{5, 7})
		first := client.ExpectSetBreakpointsResponse(t)
		if len(first.Body.Breakpoints) != 2 {
			t.Fatalf("got %#v, want 2 breakpoints", first)
		}

		client.SetBreakpointsRequest(program, []int{7, 9})
		second := client.ExpectSetBreakpointsResponse(t)
		if len(second.Body.Breakpoints) != 2 {
			t.Fatalf("got %#v, want 2 breakpoints", second)
		}
		if second.Body.Breakpoints[0].Id != first.Body.Breakpoints[1].Id {
			t.Errorf("breakpoint at line 7 changed id from %d to %d", first.Body.Breakpoints[1].Id, second.Body.Breakpoints[0].Id)
		}
		if id := second.Body.Breakpoints[1].Id; id == first.Body.Breakpoints[0].Id || id == first.Body.Breakpoints[1].Id {
			t.Errorf("new breakpoint at line 9 reuses id %d", id)
		}

		bps := engine.Breakpoints()
		if len(bps) != 2 {
			t.Errorf("runtime has breakpoints %v, want lines 7 and 9", bps)
		}
		for _, line := range []int{7, 9} {
			if _, ok := bps[line]; !ok {
				t.Errorf("runtime has breakpoints %v, want line %d", bps, line)
			}
		}
		if n := len(findCommand(engine, dbgp.CmdBreakpointSet)); n != 3 {
			t.Errorf("got %d breakpoint_set commands, want 3", n)
		}

		client.SetBreakpointsRequest(program, nil)
		if r := client.ExpectSetBreakpointsResponse(t); len(r.Body.Breakpoints) != 0 {
			t.Errorf("got %#v, want no breakpoints", r)
		}
		if bps := engine.Breakpoints(); len(bps) != 0 {
			t.Errorf("runtime has breakpoints %v, want none", bps)
		}
	})
}

func TestConditionalBreakpoints(t *testing.T) {
	engine, program := newEngine(t, 20)
	engine.RejectCondition = func(cond string) bool { return cond == "x ==" }
	runTest(t, engine, func(client *daptest.Client) {
		launch(t, client, program, false)

		client.SetBreakpointsRequestWithArgs(program, []dap.SourceBreakpoint{
			{Line: 4, Condition: "x > 1"},
			{Line: 5, Condition: "x =="},
			{Line: 6, HitCondition: "== 3"},
			{Line: 7, HitCondition: "often"},
		})
		r := client.ExpectSetBreakpointsResponse(t)
		if len(r.Body.Breakpoints) != 4 {
			t.Fatalf("got %#v, want 4 breakpoints", r)
		}
		bps := r.Body.Breakpoints
		if !bps[0].Verified {
			t.Errorf("got %#v, want verified conditional breakpoint", bps[0])
		}
		if bps[1].Verified || !strings.Contains(bps[1].Message, "Invalid expression") {
			t.Errorf("got %#v, want rejected condition", bps[1])
		}
		if !bps[2].Verified {
			t.Errorf("got %#v, want verified hit condition breakpoint", bps[2])
		}
		if bps[3].Verified || !strings.Contains(bps[3].Message, "invalid hit condition") {
			t.Errorf("got %#v, want invalid hit condition", bps[3])
		}

		if got := engine.Breakpoints(); got[4] != "x > 1" {
			t.Errorf("runtime has breakpoints %v, want condition \"x > 1\" on line 4", got)
		}
		for _, cmd := range findCommand(engine, dbgp.CmdBreakpointSet) {
			n, _ := cmd.Get('n')
			typ, _ := cmd.Get('t')
			switch n {
			case "4", "5":
				if typ != "conditional" {
					t.Errorf("line %s: got -t %s, want conditional", n, typ)
				}
			case "6":
				h, _ := cmd.Get('h')
				o, _ := cmd.Get('o')
				if typ != "line" || h != "3" || o != "==" {
					t.Errorf("line 6: got -t %s -h %s -o %s, want -t line -h 3 -o ==", typ, h, o)
				}
			case "7":
				t.Errorf("breakpoint with an invalid hit condition was sent to the runtime")
			}
		}

		// The rejected breakpoint is set again on the next request.
		client.SetBreakpointsRequestWithArgs(program, []dap.SourceBreakpoint{
			{Line: 4, Condition: "x > 1"},
			{Line: 5, Condition: "x =="},
		})
		r = client.ExpectSetBreakpointsResponse(t)
		if r.Body.Breakpoints[0].Id != bps[0].Id {
			t.Errorf("got id %d, want %d kept", r.Body.Breakpoints[0].Id, bps[0].Id)
		}
		if r.Body.Breakpoints[1].Verified {
			t.Errorf("got %#v, want rejected condition", r.Body.Breakpoints[1])
		}
	})
}

func TestEvaluateError(t *testing.T) {
	engine, program := newEngine(t, 10)
	engine.Eval = func(expr string) (*dbgptest.Var, *dbgp.Error) {
		if expr == "foo" {
			return nil, &dbgp.Error{Code: dbgp.ErrCodeEvaluating, Message: "Unknown variable foo"}
		}
		return &dbgptest.Var{Type: "string", Value: expr}, nil
	}
	runTest(t, engine, func(client *daptest.Client) {
		launch(t, client, program, stopOnEntry)
		runToStop(t, client, program, nil, "entry")

		client.EvaluateRequest("foo", 0, "watch")
		client.ExpectErrorResponseWith(t, UnableToEvaluateExpression, "^Unable to evaluate expression: Unknown variable foo$")

		// The session is still stopped.
		client.EvaluateRequest("bar", 0, "hover")
		if r := client.ExpectEvaluateResponse(t); r.Body.Result != `"bar"` {
			t.Errorf("got %#v, want Result=\"bar\"", r)
		}
		client.StackTraceRequest(1, 0, 0)
		client.ExpectStackTraceResponse(t)

		client.EvaluateRequest("bar", 12345, "hover")
		client.ExpectErrorResponseWith(t, UnableToEvaluateExpression, "unknown frame id 12345")

		for _, cmd := range findCommand(engine, dbgp.CmdEval) {
			if _, ok := cmd.Get('d'); ok {
				t.Errorf("got %s, want no -d for the current frame", cmd)
			}
		}
	})
}

func TestSteppingAndStaleHandles(t *testing.T) {
	engine, program := newEngine(t, 10)
	engine.Locals = []*dbgptest.Var{{Name: "x", Type: "integer", Value: "1"}}
	runTest(t, engine, func(client *daptest.Client) {
		launch(t, client, program, stopOnEntry)
		runToStop(t, client, program, nil, "entry")

		client.StackTraceRequest(1, 0, 20)
		frameID := client.ExpectStackTraceResponse(t).Body.StackFrames[0].Id
		client.ScopesRequest(frameID)
		localsRef := client.ExpectScopesResponse(t).Body.Scopes[0].VariablesReference

		client.NextRequest(1)
		client.ExpectNextResponse(t)
		if se := client.ExpectStoppedEvent(t); se.Body.Reason != "step" {
			t.Errorf("got %#v, want Reason=step", se)
		}

		client.VariablesRequest(localsRef)
		client.ExpectErrorResponseWith(t, UnableToLookupVariable, "unknown reference")
		client.ScopesRequest(frameID)
		client.ExpectErrorResponseWith(t, UnableToListScopes, "unknown frame id")

		client.StepInRequest(1)
		client.ExpectStepInResponse(t)
		client.ExpectStoppedEvent(t)

		client.StackTraceRequest(1, 0, 20)
		st := client.ExpectStackTraceResponse(t)
		if st.Body.StackFrames[0].Line != 3 {
			t.Errorf("got %#v, want line 3", st)
		}
		if st.Body.StackFrames[0].Id == frameID {
			t.Errorf("frame id %d was reused", frameID)
		}

		client.StepOutRequest(1)
		client.ExpectStepOutResponse(t)
		if se := client.ExpectStoppedEvent(t); se.Body.Reason != "step" {
			t.Errorf("got %#v, want Reason=step", se)
		}

		client.ContinueRequest(1)
		client.ExpectContinueResponse(t)
		client.ExpectExitedEvent(t)
		client.ExpectTerminatedEvent(t)

		client.StackTraceRequest(1, 0, 20)
		client.ExpectErrorResponseWith(t, InvalidState, "")
	})
}

func TestSetVariable(t *testing.T) {
	engine, program := newEngine(t, 10)
	engine.Locals = []*dbgptest.Var{
		{Name: "x", Type: "integer", Value: "1"},
		{Name: "obj", Type: "object", ClassName: "Object", Children: []*dbgptest.Var{
			{Name: "name", Type: "string", Value: "old"},
		}},
		{Name: "arr", Type: "array", Children: []*dbgptest.Var{
			{Name: "[1]", Type: "integer", Value: "10"},
			{Name: "[2]", Type: "integer", Value: "20"},
		}},
	}
	runTest(t, engine, func(client *daptest.Client) {
		launch(t, client, program, stopOnEntry)
		runToStop(t, client, program, nil, "entry")

		client.StackTraceRequest(1, 0, 20)
		frameID := client.ExpectStackTraceResponse(t).Body.StackFrames[0].Id
		client.ScopesRequest(frameID)
		localsRef := client.ExpectScopesResponse(t).Body.Scopes[0].VariablesReference
		client.VariablesRequest(localsRef)
		locals := client.ExpectVariablesResponse(t).Body.Variables
		objRef, arrRef := locals[1].VariablesReference, locals[2].VariablesReference

		client.SetVariableRequest(localsRef, "x", "42")
		if r := client.ExpectSetVariableResponse(t); r.Body.Value != "42" || r.Body.Type != "integer" {
			t.Errorf("got %#v, want Value=42 Type=integer", r)
		}

		// Children are set by the full name the runtime listed them with.
		client.SetVariableRequest(objRef, "name", `"new"`)
		client.ExpectErrorResponseWith(t, UnableToSetVariable, "no listed child")

		client.VariablesRequest(objRef)
		client.ExpectVariablesResponse(t)
		client.SetVariableRequest(objRef, "name", `"new"`)
		if r := client.ExpectSetVariableResponse(t); r.Body.Value != `"new"` || r.Body.Type != "string" {
			t.Errorf("got %#v, want Value=\"new\" Type=string", r)
		}

		client.VariablesRequest(arrRef)
		if vars := client.ExpectVariablesResponse(t).Body.Variables; len(vars) != 2 || vars[1].Name != "[2]" || vars[1].EvaluateName != "arr[2]" {
			t.Errorf("got %#v, want [1] and [2] named arr[1] and arr[2]", vars)
		}
		client.SetVariableRequest(arrRef, "[2]", "7")
		if r := client.ExpectSetVariableResponse(t); r.Body.Value != "7" {
			t.Errorf("got %#v, want Value=7", r)
		}

		sets := findCommand(engine, dbgp.CmdPropertySet)
		if len(sets) != 3 {
			t.Fatalf("got %d property_set commands, want 3", len(sets))
		}
		if n, _ := sets[1].Get('n'); n != "obj.name" || string(sets[1].Data) != "new" {
			t.Errorf("got %s, want -n obj.name -- new", sets[1])
		}
		if n, _ := sets[2].Get('n'); n != "arr[2]" || string(sets[2].Data) != "7" {
			t.Errorf("got %s, want -n arr[2] -- 7", sets[2])
		}

		client.SetVariableRequest(localsRef, "missing", "1")
		client.ExpectErrorResponseWith(t, UnableToSetVariable, "")
	})
}

func TestPauseWhileRunning(t *testing.T) {
	engine, program := newEngine(t, 10)
	engine.HoldRun = true
	runTest(t, engine, func(client *daptest.Client) {
		launch(t, client, program, false)
		client.ConfigurationDoneRequest()
		client.ExpectConfigurationDoneResponse(t)

		client.PauseRequest(1)
		client.ExpectPauseResponse(t)
		if se := client.ExpectStoppedEvent(t); se.Body.Reason != "pause" {
			t.Errorf("got %#v, want Reason=pause", se)
		}
		if !received(engine, dbgp.CmdBreak) {
			t.Errorf("runtime received %v, want break", engine.Received())
		}

		client.StackTraceRequest(1, 0, 20)
		if st := client.ExpectStackTraceResponse(t); st.Body.StackFrames[0].Line != 1 {
			t.Errorf("got %#v, want line 1", st)
		}

		client.PauseRequest(1)
		client.ExpectErrorResponseWith(t, InvalidState, "")
	})
}

func TestPauseBeforeConfigurationDone(t *testing.T) {
	engine, program := newEngine(t, 10)
	runTest(t, engine, func(client *daptest.Client) {
		launch(t, client, program, false)
		client.PauseRequest(1)
		client.ExpectPauseResponse(t)
		if se := client.ExpectStoppedEvent(t); se.Body.Reason != "pause" {
			t.Errorf("got %#v, want Reason=pause", se)
		}
		if received(engine, dbgp.CmdBreak) {
			t.Errorf("runtime received %v, want no break", engine.Received())
		}

		// configurationDone starts the program the editor believes stopped.
		client.SetBreakpointsRequest(program, []int{5})
		client.ExpectSetBreakpointsResponse(t)
		client.ConfigurationDoneRequest()
		client.ExpectConfigurationDoneResponse(t)
		if ce := client.ExpectContinuedEvent(t); ce.Body.ThreadId != 1 || !ce.Body.AllThreadsContinued {
			t.Errorf("got %#v, want ThreadId=1 AllThreadsContinued=true", ce)
		}
		if se := client.ExpectStoppedEvent(t); se.Body.Reason != "breakpoint" {
			t.Errorf("got %#v, want Reason=breakpoint", se)
		}
	})
}

func TestContinueBeforeConfigurationDone(t *testing.T) {
	engine, program := newEngine(t, 10)
	runTest(t, engine, func(client *daptest.Client) {
		launch(t, client, program, false)
		client.PauseRequest(1)
		client.ExpectPauseResponse(t)
		client.ExpectStoppedEvent(t)

		client.SetBreakpointsRequest(program, []int{5})
		client.ExpectSetBreakpointsResponse(t)
		client.ContinueRequest(1)
		client.ExpectContinueResponse(t)
		if se := client.ExpectStoppedEvent(t); se.Body.Reason != "breakpoint" {
			t.Errorf("got %#v, want Reason=breakpoint", se)
		}

		// The program already runs under the editor's control.
		client.ConfigurationDoneRequest()
		client.ExpectConfigurationDoneResponse(t)
		client.StackTraceRequest(1, 0, 20)
		if st := client.ExpectStackTraceResponse(t); len(st.Body.StackFrames) == 0 || st.Body.StackFrames[0].Line != 5 {
			t.Errorf("got %#v, want a frame at line 5", st.Body.StackFrames)
		}
		if n := continuations(engine); n != 1 {
			t.Errorf("runtime received %v, want a single run", engine.Received())
		}
	})
}

func TestContinueOnEntryBeforeConfigurationDone(t *testing.T) {
	engine, program := newEngine(t, 10)
	runTest(t, engine, func(client *daptest.Client) {
		launch(t, client, program, stopOnEntry)

		client.SetBreakpointsRequest(program, []int{5})
		client.ExpectSetBreakpointsResponse(t)
		client.ContinueRequest(1)
		client.ExpectContinueResponse(t)
		if se := client.ExpectStoppedEvent(t); se.Body.Reason != "breakpoint" {
			t.Errorf("got %#v, want Reason=breakpoint", se)
		}

		client.ConfigurationDoneRequest()
		client.ExpectConfigurationDoneResponse(t)
		client.StackTraceRequest(1, 0, 20)
		if st := client.ExpectStackTraceResponse(t); len(st.Body.StackFrames) == 0 || st.Body.StackFrames[0].Line != 5 {
			t.Errorf("got %#v, want a frame at line 5", st.Body.StackFrames)
		}
		if n := continuations(engine); n != 1 {
			t.Errorf("runtime received %v, want a single continuation command", engine.Received())
		}
	})
}

func TestDisconnectTerminatesLaunchedRuntime(t *testing.T) {
	engine, program := newEngine(t, 10)
	runTest(t, engine, func(client *daptest.Client) {
		launch(t, client, program, stopOnEntry)
		runToStop(t, client, program, nil, "entry")

		client.DisconnectRequestWithTerminate(false)
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)

		select {
		case <-engine.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("runtime connection still open after disconnect")
		}
		if !received(engine, dbgp.CmdStop) || received(engine, dbgp.CmdDetach) {
			t.Errorf("runtime received %v, want stop", engine.Received())
		}
	})
}

func TestTerminateRequest(t *testing.T) {
	engine, program := newEngine(t, 10)
	runTest(t, engine, func(client *daptest.Client) {
		launch(t, client, program, stopOnEntry)
		runToStop(t, client, program, nil, "entry")

		client.TerminateRequest()
		client.ExpectTerminatedEvent(t)
		client.ExpectTerminateResponse(t)

		client.ThreadsRequest()
		client.ExpectErrorResponseWith(t, InvalidState, "")

		client.DisconnectRequest()
		client.ExpectDisconnectResponse(t)
	})
}

var waitingRE = regexp.MustCompile(`connect to (\S+)\n`)

func attach(t *testing.T, client *daptest.Client, engine *dbgptest.Engine, args map[string]interface{}) {
	t.Helper()
	client.InitializeRequest()
	client.ExpectInitializeResponse(t)
	client.AttachRequest(args)
	out := client.ExpectOutputEventRegex(t, "^Waiting for the runtime to connect to ")
	m := waitingRE.FindStringSubmatch(out.Body.Output)
	if m == nil {
		t.Fatalf("no address in %q", out.Body.Output)
	}
	if err := engine.Connect(m[1]); err != nil {
		t.Fatal(err)
	}
	client.ExpectAttachResponse(t)
	client.ExpectInitializedEvent(t)
}

func TestAttachDetachesOnDisconnect(t *testing.T) {
	engine, _ := newEngine(t, 10)
	runTest(t, engine, func(client *daptest.Client) {
		attach(t, client, engine, map[string]interface{}{"mode": "listen", "port": 0})

		waitFor(t, "output redirection", func() bool { return received(engine, dbgp.CmdStderr) })
		if err := engine.SendStream("stdout", "hello\n"); err != nil {
			t.Fatal(err)
		}
		out := client.ExpectOutputEventRegex(t, "^hello\n$")
		if out.Body.Category != "stdout" {
			t.Errorf("got %#v, want Category=stdout", out)
		}

		client.DisconnectRequest()
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)

		select {
		case <-engine.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("runtime connection still open after disconnect")
		}
		if !received(engine, dbgp.CmdDetach) || received(engine, dbgp.CmdStop) {
			t.Errorf("runtime received %v, want detach", engine.Received())
		}
	})
}

func TestAttachTerminateOnDisconnect(t *testing.T) {
	engine, _ := newEngine(t, 10)
	runTest(t, engine, func(client *daptest.Client) {
		attach(t, client, engine, map[string]interface{}{"port": 0, "terminateOnDisconnect": true, "redirectOutput": false})

		client.DisconnectRequest()
		client.ExpectTerminatedEvent(t)
		client.ExpectDisconnectResponse(t)
		<-engine.Done()
		if !received(engine, dbgp.CmdStop) {
			t.Errorf("runtime received %v, want stop", engine.Received())
		}
		if received(engine, dbgp.CmdStdout) {
			t.Errorf("runtime received %v, want no output redirection", engine.Received())
		}
	})
}

func TestAttachInvalidMode(t *testing.T) {
	engine, _ := newEngine(t, 10)
	runTest(t, engine, func(client *daptest.Client) {
		client.InitializeRequest()
		client.ExpectInitializeResponse(t)
		client.AttachRequest(map[string]interface{}{"mode": "remote"})
		client.ExpectErrorResponseWith(t, FailedToAttach, `unsupported 'mode' attribute "remote"`)
	})
}

func TestRuntimeExitFailsPendingRequests(t *testing.T) {
	engine, program := newEngine(t, 10)
	engine.Silent = map[string]bool{dbgp.CmdStackGet: true}
	launcher := &fakeLauncher{engine: engine, exitCode: 3}
	runTestWithLauncher(t, &config.Config{}, launcher, func(client *daptest.Client) {
		launch(t, client, program, stopOnEntry)
		runToStop(t, client, program, nil, "entry")

		client.StackTraceRequest(1, 0, 20)
		waitFor(t, "stack_get", func() bool { return received(engine, dbgp.CmdStackGet) })
		// The runtime crashes.
		engine.Close()

		client.ExpectErrorResponseWith(t, SessionTerminated, "")
		if ev := client.ExpectExitedEvent(t); ev.Body.ExitCode != 3 {
			t.Errorf("got %#v, want ExitCode=3", ev)
		}
		client.ExpectTerminatedEvent(t)
	})
}

func TestProcessOutput(t *testing.T) {
	engine, program := newEngine(t, 10)
	launcher := &fakeLauncher{engine: engine}
	runTestWithLauncher(t, &config.Config{}, launcher, func(client *daptest.Client) {
		launch(t, client, program, stopOnEntry)

		go launcher.process().stderrW.Write([]byte("warning\n"))
		if out := client.ExpectOutputEventRegex(t, "^warning\n$"); out.Body.Category != "stderr" {
			t.Errorf("got %#v, want Category=stderr", out)
		}

		// A character split across two reads is sent whole.
		go func() {
			w := launcher.process().stdoutW
			w.Write([]byte("caf\xc3"))
			w.Write([]byte("\xa9\n"))
		}()
		client.ExpectOutputEventRegex(t, "^caf$")
		if out := client.ExpectOutputEventRegex(t, "^\u00e9\n$"); out.Body.Category != "stdout" {
			t.Errorf("got %#v, want Category=stdout", out)
		}
	})
}

func TestRequestTimeout(t *testing.T) {
	engine, program := newEngine(t, 10)
	engine.Silent = map[string]bool{dbgp.CmdStackGet: true}
	engine.Eval = func(expr string) (*dbgptest.Var, *dbgp.Error) { return nil, nil }
	maxTimeouts := 2
	cfg := &config.Config{RequestTimeout: "200ms", MaxTimeouts: &maxTimeouts}
	runTestWithLauncher(t, cfg, &fakeLauncher{engine: engine}, func(client *daptest.Client) {
		launch(t, client, program, stopOnEntry)
		runToStop(t, client, program, nil, "entry")

		client.StackTraceRequest(1, 0, 20)
		client.ExpectErrorResponseWith(t, RequestTimeout, "did not answer in time")

		// An answered request resets the count.
		client.EvaluateRequest("1", 0, "watch")
		client.ExpectEvaluateResponse(t)

		client.StackTraceRequest(1, 0, 20)
		client.ExpectErrorResponseWith(t, RequestTimeout, "")
		client.StackTraceRequest(1, 0, 20)
		client.ExpectErrorResponseWith(t, RequestTimeout, "")
		if out := client.ExpectOutputEventRegex(t, "did not answer 2 requests in a row"); out.Body.Category != "stderr" {
			t.Errorf("got %#v, want Category=stderr", out)
		}
		client.ExpectTerminatedEvent(t)
	})
}

func TestBridgeCommands(t *testing.T) {
	engine, program := newEngine(t, 10)
	runTest(t, engine, func(client *daptest.Client) {
		launch(t, client, program, stopOnEntry)
		runToStop(t, client, program, nil, "entry")

		client.EvaluateRequest("dbgp help", 0, "repl")
		if r := client.ExpectEvaluateResponse(t); !strings.Contains(r.Body.Result, "dbgp config") || !strings.Contains(r.Body.Result, "dbgp raw") {
			t.Errorf("got %q, want the command list", r.Body.Result)
		}
		client.EvaluateRequest("dbgp help config", 0, "repl")
		if r := client.ExpectEvaluateResponse(t); r.Body.Result != msgConfig {
			t.Errorf("got %q, want the config help", r.Body.Result)
		}

		client.EvaluateRequest("dbgp config -list", 0, "repl")
		if r := client.ExpectEvaluateResponse(t); !strings.Contains(r.Body.Result, "maxChildren\t1000\n") {
			t.Errorf("got %q, want maxChildren\\t1000", r.Body.Result)
		}

		client.EvaluateRequest("dbgp config maxChildren 10", 0, "repl")
		if ev := client.ExpectInvalidatedEvent(t); len(ev.Body.Areas) != 1 || ev.Body.Areas[0] != "variables" {
			t.Errorf("got %#v, want Areas=[variables]", ev)
		}
		if r := client.ExpectEvaluateResponse(t); r.Body.Result != "maxChildren\t10\nUpdated" {
			t.Errorf("got %q, want the updated value", r.Body.Result)
		}
		waitFor(t, "feature_set max_children 10", func() bool {
			for _, c := range findCommand(engine, dbgp.CmdFeatureSet) {
				if n, _ := c.Get('n'); n == "max_children" {
					if v, _ := c.Get('v'); v == "10" {
						return true
					}
				}
			}
			return false
		})

		client.EvaluateRequest("dbgp config maxChildren none", 0, "repl")
		client.ExpectErrorResponseWith(t, UnableToRunCommand, "must be a positive integer")

		client.EvaluateRequest("dbgp raw status", 0, "repl")
		if r := client.ExpectEvaluateResponse(t); !strings.Contains(r.Body.Result, `status="break"`) {
			t.Errorf("got %q, want the raw status response", r.Body.Result)
		}
		client.EvaluateRequest("dbgp raw run", 0, "repl")
		client.ExpectErrorResponseWith(t, UnableToRunCommand, "resumes the program")
		client.EvaluateRequest("dbgp raw stop", 0, "repl")
		client.ExpectErrorResponseWith(t, UnableToRunCommand, "would end the session")

		client.EvaluateRequest("dbgp frobnicate", 0, "repl")
		client.ExpectErrorResponseWith(t, UnableToRunCommand, `command not available: "frobnicate"`)
	})
}

func TestCompletions(t *testing.T) {
	engine, program := newEngine(t, 10)
	engine.Locals = []*dbgptest.Var{
		{Name: "count", Type: "integer", Value: "3"},
		{Name: "counter", Type: "integer", Value: "4"},
		{Name: "name", Type: "string", Value: "x"},
	}
	runTest(t, engine, func(client *daptest.Client) {
		launch(t, client, program, stopOnEntry)
		runToStop(t, client, program, nil, "entry")

		client.StackTraceRequest(1, 0, 20)
		frameID := client.ExpectStackTraceResponse(t).Body.StackFrames[0].Id
		client.ScopesRequest(frameID)
		client.VariablesRequest(client.ExpectScopesResponse(t).Body.Scopes[0].VariablesReference)
		client.ExpectVariablesResponse(t)

		client.CompletionsRequest("y := co", 8, frameID)
		r := client.ExpectCompletionsResponse(t)
		if len(r.Body.Targets) != 2 || r.Body.Targets[0].Label != "count" || r.Body.Targets[1].Label != "counter" {
			t.Errorf("got %#v, want count and counter", r.Body.Targets)
		}

		client.CompletionsRequest("dbgp co", 8, frameID)
		r = client.ExpectCompletionsResponse(t)
		if len(r.Body.Targets) != 1 || r.Body.Targets[0].Label != "config" || r.Body.Targets[0].Type != "keyword" {
			t.Errorf("got %#v, want config", r.Body.Targets)
		}

		// Names are forgotten once the program resumes.
		client.NextRequest(1)
		client.ExpectNextResponse(t)
		client.ExpectStoppedEvent(t)
		client.CompletionsRequest("co", 3, 0)
		if r := client.ExpectCompletionsResponse(t); len(r.Body.Targets) != 0 {
			t.Errorf("got %#v, want no targets", r.Body.Targets)
		}
	})
}

func TestStdio(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	disconnectChan := make(chan struct{})
	server := NewServer(&service.Config{
		Stdio:          serverConn,
		DisconnectChan: disconnectChan,
	})
	server.Run()
	defer server.Stop()

	client := daptest.NewClientFromConn(clientConn)
	defer client.Close()

	client.InitializeRequest()
	client.ExpectInitializeResponse(t)
	client.DisconnectRequest()
	client.ExpectTerminatedEvent(t)
	client.ExpectDisconnectResponse(t)

	select {
	case <-disconnectChan:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not signal the disconnect")
	}
}
