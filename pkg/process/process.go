// Package process starts and supervises the interpreter running the
// program being debugged.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/dbgpdap/dbgpdap/pkg/logflags"
)

// Spec describes how to start the runtime.
type Spec struct {
	// Runtime is the interpreter executable.
	Runtime string
	// RuntimeArgs replaces the default debugger flags. The placeholders
	// {host}, {port} and {addr} are substituted.
	RuntimeArgs []string
	Program     string
	Args        []string
	Dir         string
	// Env is added to the environment of the bridge.
	Env map[string]string
	// DebugHost and DebugPort are where the runtime must connect to.
	DebugHost string
	DebugPort string
}

// Argv returns the full command line for s.
func (s *Spec) Argv() []string {
	r := strings.NewReplacer("{host}", s.DebugHost, "{port}", s.DebugPort, "{addr}", s.DebugHost+":"+s.DebugPort)
	argv := []string{s.Runtime}
	if s.RuntimeArgs == nil {
		argv = append(argv, "/ErrorStdOut", "/Debug="+s.DebugHost+":"+s.DebugPort)
	} else {
		for _, a := range s.RuntimeArgs {
			argv = append(argv, r.Replace(a))
		}
	}
	argv = append(argv, s.Program)
	return append(argv, s.Args...)
}

func (s *Spec) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}
	return env
}

// Process is a running runtime.
type Process interface {
	Pid() int
	// Stdout and Stderr must be read until EOF for the process to be
	// reaped.
	Stdout() io.Reader
	Stderr() io.Reader
	// Done is closed once the process has exited and its output has been
	// flushed.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed; -1 if the process was killed.
	ExitCode() int
	Kill() error
}

// Launcher starts processes.
type Launcher interface {
	Launch(ctx context.Context, spec *Spec) (Process, error)
}

// ExecLauncher starts the runtime as a child process.
type ExecLauncher struct{}

// Launch implements Launcher.
func (ExecLauncher) Launch(ctx context.Context, spec *Spec) (Process, error) {
	if spec.Runtime == "" {
		return nil, errors.New("no runtime executable configured")
	}
	argv := spec.Argv()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.environ()
	setProcessGroup(cmd)

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	log := logflags.RuntimeLogger()
	log.Debugf("starting %q in %q", argv, spec.Dir)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start %s: %w", spec.Runtime, err)
	}

	p := &execProcess{cmd: cmd, stdout: outR, stderr: errR, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		outW.Close()
		errW.Close()
		p.mu.Lock()
		p.exitCode = exitCode(cmd, err)
		p.mu.Unlock()
		log.Debugf("process %d exited with status %d", cmd.Process.Pid, p.exitCode)
		close(p.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			p.Kill()
		case <-p.done:
		}
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return killProcessGroup(p.cmd)
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
