package dap

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/dbgpdap/dbgpdap/pkg/config"
)

// configParams lists the parameters of 'dbgp config', in display order.
var configParams = []string{"maxChildren", "maxData", "requestTimeout", "terminateOnDisconnect", "substitutePath"}

type configResult struct {
	name    string
	text    string
	updated bool
}

func listConfig(args *launchAttachArgs) string {
	var buf bytes.Buffer
	for _, name := range configParams {
		fmt.Fprintf(&buf, "%s\t%s\n", name, configValue(args, name))
	}
	return buf.String()
}

func configValue(args *launchAttachArgs, name string) string {
	switch name {
	case "maxChildren":
		return strconv.Itoa(args.maxChildren)
	case "maxData":
		return strconv.Itoa(args.maxData)
	case "requestTimeout":
		return args.requestTimeout.String()
	case "terminateOnDisconnect":
		return strconv.FormatBool(args.terminateOnDisconnect)
	case "substitutePath":
		var buf bytes.Buffer
		fmt.Fprint(&buf, "[")
		for _, r := range args.substitutePath {
			fmt.Fprintf(&buf, "\n\t%q => %q", r.From, r.To)
		}
		if len(args.substitutePath) > 0 {
			fmt.Fprint(&buf, "\n")
		}
		fmt.Fprint(&buf, "]")
		return buf.String()
	}
	return ""
}

func isConfigParam(name string) bool {
	for _, p := range configParams {
		if p == name {
			return true
		}
	}
	return false
}

// configure runs 'dbgp config' with the given arguments.
func configure(sargs *launchAttachArgs, expr string) (configResult, error) {
	v := config.Split2PartsBySpace(expr)
	name := v[0]
	if name == "-list" {
		if len(v) > 1 {
			if !isConfigParam(v[1]) {
				return configResult{}, fmt.Errorf("%q is not a configuration parameter", v[1])
			}
			return configResult{name: v[1], text: fmt.Sprintf("%s\t%s", v[1], configValue(sargs, v[1]))}, nil
		}
		return configResult{text: listConfig(sargs)}, nil
	}
	if !isConfigParam(name) {
		return configResult{}, fmt.Errorf("%q is not a configuration parameter", name)
	}

	// If there were no arguments provided, just list the value.
	if len(v) == 1 {
		return configResult{name: name, text: fmt.Sprintf("%s\t%s", name, configValue(sargs, name))}, nil
	}

	if err := configureSet(sargs, name, v[1]); err != nil {
		return configResult{}, err
	}
	return configResult{name: name, text: fmt.Sprintf("%s\t%s", name, configValue(sargs, name)), updated: true}, nil
}

func configureSet(args *launchAttachArgs, name, rest string) error {
	switch name {
	case "maxChildren", "maxData":
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", name, rest)
		}
		if name == "maxChildren" {
			args.maxChildren = n
		} else {
			args.maxData = n
		}
	case "requestTimeout":
		d, err := time.ParseDuration(rest)
		if err != nil || d <= 0 {
			return fmt.Errorf("requestTimeout must be a positive duration such as 5s, got %q", rest)
		}
		args.requestTimeout = d
	case "terminateOnDisconnect":
		b, err := strconv.ParseBool(rest)
		if err != nil {
			return fmt.Errorf("terminateOnDisconnect must be true or false, got %q", rest)
		}
		args.terminateOnDisconnect = b
	case "substitutePath":
		return configureSetSubstitutePath(args, rest)
	}
	return nil
}

func configureSetSubstitutePath(args *launchAttachArgs, rest string) error {
	argv, err := config.SplitCommandLine(rest)
	if err != nil {
		return err
	}
	switch len(argv) {
	case 1: // delete substitute-path rule
		for i := range args.substitutePath {
			if args.substitutePath[i].From == argv[0] {
				args.substitutePath = append(args.substitutePath[:i:i], args.substitutePath[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("could not find rule for %q", argv[0])
	case 2: // add substitute-path rule
		for i := range args.substitutePath {
			if args.substitutePath[i].From == argv[0] {
				args.substitutePath[i].To = argv[1]
				return nil
			}
		}
		args.substitutePath = append(args.substitutePath, SubstitutePath{From: argv[0], To: argv[1]})
	default:
		return fmt.Errorf("too many arguments to \"config substitutePath\"")
	}
	return nil
}
