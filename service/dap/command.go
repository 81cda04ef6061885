package dap

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-dap"

	"github.com/dbgpdap/dbgpdap/pkg/dbgp"
)

// bridgeCommandPrefix starts debug console lines meant for the bridge.
const bridgeCommandPrefix = "dbgp "

// isBridgeCommand reports whether request is a debug console command for
// the bridge. Those are accepted in every state once the session is
// initialized.
func isBridgeCommand(request dap.Message) bool {
	r, ok := request.(*dap.EvaluateRequest)
	return ok && r.Arguments.Context == "repl" && strings.HasPrefix(r.Arguments.Expression, bridgeCommandPrefix)
}

func (s *Session) onBridgeCommand(request *dap.EvaluateRequest) {
	if s.state.is(stateUninitialized) {
		s.sendErrorResponse(request.Request, InvalidState, "Invalid state", (&InvalidStateError{Command: "evaluate", State: s.state.current()}).Error())
		return
	}
	cmdstr := strings.TrimPrefix(request.Arguments.Expression, bridgeCommandPrefix)
	s.bridgeCmd(request, cmdstr)
}

func (s *Session) bridgeCmd(request *dap.EvaluateRequest, cmdstr string) {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	for _, cmd := range bridgeCommands(s) {
		for _, alias := range cmd.aliases {
			if alias == cmdname {
				cmd.cmdFn(request, args)
				return
			}
		}
	}
	s.sendErrorResponse(request.Request, UnableToRunCommand, "Unable to run command", fmt.Sprintf("%v: %q", errNoCmd, cmdname))
}

// cmdfunc runs a console command. It must answer request, possibly after
// waiting for the runtime.
type cmdfunc func(request *dap.EvaluateRequest, args string)

type command struct {
	aliases []string
	helpMsg string
	cmdFn   cmdfunc
}

const (
	msgHelp = `Prints the help message.

dbgp help [command]

Type "dbgp help" followed by the name of a command for more information about it.`

	msgConfig = `Changes configuration parameters.

	dbgp config -list

	Show all configuration parameters.

	dbgp config -list <parameter>

	Show value of a configuration parameter.

	dbgp config <parameter> <value>

	Changes the value of a configuration parameter.

	dbgp config substitutePath <from> <to>
	dbgp config substitutePath <from>

	Adds or removes a path substitution rule.`

	msgRaw = `Sends a command to the runtime and prints its response.

	dbgp raw <command> [-x value]... [-- data]

The transaction id is added by the bridge. Data after "--" is sent base64
encoded. Commands that resume the program are not allowed; use the
debugger controls instead.`
)

// bridgeCommands returns the list of commands available in the debug
// console.
func bridgeCommands(s *Session) []command {
	return []command{
		{aliases: []string{"help", "h"}, cmdFn: s.helpMessage, helpMsg: msgHelp},
		{aliases: []string{"config"}, cmdFn: s.evaluateConfig, helpMsg: msgConfig},
		{aliases: []string{"raw"}, cmdFn: s.rawCommand, helpMsg: msgRaw},
	}
}

var errNoCmd = errors.New("command not available")

func (s *Session) respondText(request *dap.EvaluateRequest, text string) {
	s.send(&dap.EvaluateResponse{
		Response: *newResponse(request.Request),
		Body:     dap.EvaluateResponseBody{Result: text},
	})
}

func (s *Session) helpMessage(request *dap.EvaluateRequest, args string) {
	var buf bytes.Buffer
	if args != "" {
		for _, cmd := range bridgeCommands(s) {
			for _, alias := range cmd.aliases {
				if alias == args {
					s.respondText(request, cmd.helpMsg)
					return
				}
			}
		}
		s.sendErrorResponse(request.Request, UnableToRunCommand, "Unable to run command", fmt.Sprintf("%v: %q", errNoCmd, args))
		return
	}

	fmt.Fprintln(&buf, "The following commands are available:")

	for _, cmd := range bridgeCommands(s) {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(&buf, "    dbgp %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(&buf, "    dbgp %s \t %s\n", cmd.aliases[0], h)
		}
	}

	fmt.Fprintln(&buf)
	fmt.Fprintln(&buf, "Type dbgp help followed by a command for full documentation.")
	s.respondText(request, buf.String())
}

func (s *Session) evaluateConfig(request *dap.EvaluateRequest, expr string) {
	res, err := configure(&s.args, expr)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToRunCommand, "Unable to run command", err.Error())
		return
	}
	if res.updated {
		s.applyConfig(res.name)
		res.text += "\nUpdated"
	}
	s.respondText(request, res.text)
}

// applyConfig propagates a changed parameter to the parts of the session
// that depend on it.
func (s *Session) applyConfig(name string) {
	switch name {
	case "substitutePath":
		s.paths.setRules(s.args.substitutePath)
	case "maxChildren":
		s.issueInternal(dbgp.NewCommand(dbgp.CmdFeatureSet).Arg('n', "max_children").IntArg('v', s.args.maxChildren))
	case "maxData":
		s.issueInternal(dbgp.NewCommand(dbgp.CmdFeatureSet).Arg('n', "max_data").IntArg('v', s.args.maxData))
	case "requestTimeout":
		s.corr.timeout = s.args.requestTimeout
	}
	if name == "maxChildren" || name == "maxData" {
		// Variable data has become invalidated.
		s.send(&dap.InvalidatedEvent{
			Event: *newEvent("invalidated"),
			Body: dap.InvalidatedEventBody{
				Areas: []dap.InvalidatedAreas{"variables"},
			},
		})
	}
}

func (s *Session) rawCommand(request *dap.EvaluateRequest, args string) {
	var data []byte
	if i := strings.Index(args, " -- "); i >= 0 {
		data = []byte(args[i+len(" -- "):])
		args = args[:i]
	}
	cmd, err := dbgp.ParseCommand([]byte(args))
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToRunCommand, "Unable to run command", err.Error())
		return
	}
	if data != nil {
		cmd.WithData(data)
	}
	switch cmd.Name {
	case dbgp.CmdStop, dbgp.CmdDetach:
		s.sendErrorResponse(request.Request, UnableToRunCommand, "Unable to run command",
			fmt.Sprintf("%s would end the session; use disconnect instead", cmd.Name))
		return
	}
	if dbgp.IsContinuation(cmd.Name) {
		s.sendErrorResponse(request.Request, UnableToRunCommand, "Unable to run command",
			fmt.Sprintf("%s resumes the program; use the debugger controls instead", cmd.Name))
		return
	}
	s.issue(cmd, &request.Request, func(resp *dbgp.Response, err error) {
		if resp != nil {
			// Engine errors are part of the output.
			s.respondText(request, string(resp.Raw))
			return
		}
		s.sendErrorResponse(request.Request, errorID(err, UnableToRunCommand), "Unable to run command", err.Error())
	})
}
