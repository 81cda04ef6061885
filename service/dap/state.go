package dap

import "fmt"

// sessionState is the lifecycle state of a debug session.
type sessionState int

const (
	stateUninitialized sessionState = iota
	stateInitializing
	stateLaunching
	stateAttaching
	stateRunning
	stateStopped
	stateTerminating
	stateTerminated
)

var stateNames = [...]string{
	stateUninitialized: "uninitialized",
	stateInitializing:  "initializing",
	stateLaunching:     "launching",
	stateAttaching:     "attaching",
	stateRunning:       "running",
	stateStopped:       "stopped",
	stateTerminating:   "terminating",
	stateTerminated:    "terminated",
}

func (s sessionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// legalStates lists, for each request, the states it may be issued in.
// Requests not listed are legal in every state.
var legalStates = map[string][]sessionState{
	"initialize":              {stateUninitialized},
	"launch":                  {stateInitializing},
	"attach":                  {stateInitializing},
	"setBreakpoints":          {stateRunning, stateStopped},
	"setExceptionBreakpoints": {stateRunning, stateStopped},
	"configurationDone":       {stateRunning, stateStopped},
	"threads":                 {stateRunning, stateStopped},
	"completions":             {stateRunning, stateStopped},
	"stackTrace":              {stateStopped},
	"scopes":                  {stateStopped},
	"variables":               {stateStopped},
	"setVariable":             {stateStopped},
	"evaluate":                {stateStopped},
	"continue":                {stateStopped},
	"next":                    {stateStopped},
	"stepIn":                  {stateStopped},
	"stepOut":                 {stateStopped},
	"pause":                   {stateRunning},
}

// transitions lists the legal target states of each state. Every state
// other than terminated may also move to terminating or terminated.
var transitions = map[sessionState][]sessionState{
	stateUninitialized: {stateInitializing},
	stateInitializing:  {stateLaunching, stateAttaching},
	stateLaunching:     {stateRunning, stateStopped},
	stateAttaching:     {stateRunning, stateStopped},
	stateRunning:       {stateStopped},
	stateStopped:       {stateRunning},
}

// stateMachine tracks the lifecycle of a session. It is owned by the
// session loop and is not safe for concurrent use.
type stateMachine struct {
	cur sessionState
	// onChange is called after every transition.
	onChange func(from, to sessionState)
}

func (m *stateMachine) current() sessionState {
	return m.cur
}

func (m *stateMachine) is(states ...sessionState) bool {
	for _, s := range states {
		if m.cur == s {
			return true
		}
	}
	return false
}

// check returns an *InvalidStateError if command may not be issued now.
func (m *stateMachine) check(command string) error {
	states, ok := legalStates[command]
	if !ok || m.is(states...) {
		return nil
	}
	return &InvalidStateError{Command: command, State: m.cur}
}

// transition moves to state to. Moving to the current state is a no-op.
func (m *stateMachine) transition(to sessionState) error {
	from := m.cur
	if from == to {
		return nil
	}
	if !m.canMove(to) {
		return fmt.Errorf("illegal session state transition from %s to %s", from, to)
	}
	m.cur = to
	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

func (m *stateMachine) canMove(to sessionState) bool {
	if m.cur == stateTerminated {
		return false
	}
	if to == stateTerminating {
		return m.cur != stateTerminating
	}
	if to == stateTerminated {
		return true
	}
	for _, s := range transitions[m.cur] {
		if s == to {
			return true
		}
	}
	return false
}
