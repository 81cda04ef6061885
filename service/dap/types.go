package dap

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dbgpdap/dbgpdap/pkg/config"
)

// LaunchConfig is the collection of launch request attributes recognized by
// the bridge.
type LaunchConfig struct {
	// Required. Path to the script to run. If it is not an absolute path,
	// it is interpreted relative to Cwd.
	Program string `json:"program,omitempty"`

	// Command line arguments passed to the debugged program, either a list
	// or a single string split with shell quoting rules.
	Args ArgList `json:"args,omitempty"`

	// Working directory of the program being debugged. If not specified,
	// the directory of Program is used.
	Cwd string `json:"cwd,omitempty"`

	// Env is added to the environment of the runtime.
	Env map[string]string `json:"env,omitempty"`

	// Interpreter to run Program with. Overrides the runtime-path setting.
	RuntimeExecutable string `json:"runtimeExecutable,omitempty"`

	// Replaces the debugger flags passed to the runtime. {host}, {port} and
	// {addr} are replaced with the DBGp address the bridge listens on.
	RuntimeArgs ArgList `json:"runtimeArgs,omitempty"`

	// Address the runtime connects to. Defaults to the dbgp-host and
	// dbgp-port settings; port 0 picks a free port.
	Host string `json:"host,omitempty"`
	Port *int   `json:"port,omitempty"`

	LaunchAttachCommonConfig
}

// LaunchAttachCommonConfig is the attributes common in both launch/attach requests.
type LaunchAttachCommonConfig struct {
	// Automatically stop program after launch or attach.
	StopOnEntry bool `json:"stopOnEntry,omitempty"`

	// Maximum number of children of an object or array retrieved at once.
	MaxChildren int `json:"maxChildren,omitempty"`

	// Maximum length of a value retrieved from the runtime.
	MaxData int `json:"maxData,omitempty"`

	// Copy output the runtime sends over DBGp to the debug console. Default
	// is false for launch, where the process output is captured directly,
	// and true for attach.
	RedirectOutput *bool `json:"redirectOutput,omitempty"`

	// Request timeout, in milliseconds.
	RequestTimeout int `json:"requestTimeout,omitempty"`

	// An array of mappings from a local path (client) to the remote path (runtime).
	// This setting is useful when working in a file system with symbolic links,
	// or when the runtime runs on another machine.
	// The bridge will replace the local path with the remote path in all of the calls.
	SubstitutePath []SubstitutePath `json:"substitutePath,omitempty"`
}

// SubstitutePath defines a mapping from a local path to the remote path.
// Both 'from' and 'to' must be specified and non-empty.
type SubstitutePath struct {
	// The local path to be replaced when passing paths to the runtime.
	From string `json:"from,omitempty"`
	// The remote path to be replaced when passing paths back to the client.
	To string `json:"to,omitempty"`
}

func (m *SubstitutePath) UnmarshalJSON(data []byte) error {
	// use custom unmarshal to check if both from/to are set.
	type tmpType SubstitutePath
	var tmp tmpType

	if err := json.Unmarshal(data, &tmp); err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return fmt.Errorf(`cannot use %s as 'substitutePath' of type {"from":string, "to":string}`, data)
		}
		return err
	}
	if tmp.From == "" || tmp.To == "" {
		return errors.New("'substitutePath' requires both 'from' and 'to' entries")
	}
	*m = SubstitutePath(tmp)
	return nil
}

// ArgList is a list of arguments that may also be given as one string.
type ArgList []string

func (a *ArgList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*a = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("cannot use %s as argument list: want a string or an array of strings", data)
	}
	v, err := config.SplitCommandLine(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// AttachMode is the type of an attach mode.
type AttachMode string

const (
	// "listen": waits for an already running runtime to connect to the
	// bridge. This is the default.
	ListenAttachMode AttachMode = "listen"
	// "connect": connects to a runtime, or a DBGp proxy, listening on
	// host:port.
	ConnectAttachMode AttachMode = "connect"
)

func isValidAttachMode(mode AttachMode) bool {
	switch mode {
	case "", ListenAttachMode, ConnectAttachMode:
		return true
	}
	return false
}

// AttachConfig is the collection of attach request attributes recognized by
// the bridge.
type AttachConfig struct {
	Mode AttachMode `json:"mode,omitempty"`

	Host string `json:"host,omitempty"`
	Port *int   `json:"port,omitempty"`

	// Terminate the runtime, rather than detach from it, on disconnect.
	TerminateOnDisconnect bool `json:"terminateOnDisconnect,omitempty"`

	LaunchAttachCommonConfig
}

// unmarshalLaunchAttachArgs wraps unmarshalling of launch/attach request's
// arguments attribute. Upon unmarshal failure, it returns an error massaged
// to be suitable for end-users.
func unmarshalLaunchAttachArgs(input json.RawMessage, config interface{}) error {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, config); err != nil {
		if uerr, ok := err.(*json.UnmarshalTypeError); ok {
			// Format json.UnmarshalTypeError error string in our own way. E.g.,
			//   "json: cannot unmarshal number into Go struct field LaunchConfig.program of type string"
			//   => "cannot unmarshal number into "program" of type string"
			typ := uerr.Type.String()
			switch uerr.Field {
			case "substitutePath":
				typ = `{"from":string, "to":string}`
			case "mode":
				typ = "string"
			}
			return fmt.Errorf("cannot unmarshal %v into %q of type %v", uerr.Value, uerr.Field, typ)
		}
		return err
	}
	return nil
}
