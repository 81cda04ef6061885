package dbgp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Commands understood by DBGp engines.
const (
	CmdFeatureSet       = "feature_set"
	CmdStdout           = "stdout"
	CmdStderr           = "stderr"
	CmdBreakpointSet    = "breakpoint_set"
	CmdBreakpointRemove = "breakpoint_remove"
	CmdRun              = "run"
	CmdStepInto         = "step_into"
	CmdStepOver         = "step_over"
	CmdStepOut          = "step_out"
	CmdBreak            = "break"
	CmdStop             = "stop"
	CmdDetach           = "detach"
	CmdStackGet         = "stack_get"
	CmdContextNames     = "context_names"
	CmdContextGet       = "context_get"
	CmdPropertyGet      = "property_get"
	CmdPropertySet      = "property_set"
	CmdEval             = "eval"
	CmdStatus           = "status"
)

// IsContinuation reports whether the response to the named command is
// only sent once the program stops again.
func IsContinuation(name string) bool {
	switch name {
	case CmdRun, CmdStepInto, CmdStepOver, CmdStepOut:
		return true
	}
	return false
}

type arg struct {
	flag  byte
	value string
}

// Command is an IDE to engine command. The transaction id is assigned when
// the command is issued.
type Command struct {
	Name          string
	TransactionID int
	args          []arg
	Data          []byte
}

// NewCommand returns a command with the given name and no arguments.
func NewCommand(name string) *Command {
	return &Command{Name: name}
}

// Arg appends the option -flag value. Options are encoded in the order
// they were added.
func (c *Command) Arg(flag byte, value string) *Command {
	c.args = append(c.args, arg{flag, value})
	return c
}

// IntArg is Arg with an integer value.
func (c *Command) IntArg(flag byte, value int) *Command {
	return c.Arg(flag, strconv.Itoa(value))
}

// WithData sets the payload sent base64 encoded after "--".
func (c *Command) WithData(data []byte) *Command {
	c.Data = data
	return c
}

// Get returns the value of option -flag.
func (c *Command) Get(flag byte) (string, bool) {
	for _, a := range c.args {
		if a.flag == flag {
			return a.value, true
		}
	}
	return "", false
}

// Encode returns the wire form of c, NUL terminated.
func (c *Command) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(c.Name)
	buf.WriteString(" -i ")
	buf.WriteString(strconv.Itoa(c.TransactionID))
	for _, a := range c.args {
		buf.WriteString(" -")
		buf.WriteByte(a.flag)
		buf.WriteByte(' ')
		buf.WriteString(quoteArg(a.value))
	}
	if c.Data != nil {
		buf.WriteString(" -- ")
		buf.WriteString(base64.StdEncoding.EncodeToString(c.Data))
	}
	buf.WriteByte(0)
	return buf.Bytes()
}

// String returns the command without its terminator, for logging.
func (c *Command) String() string {
	b := c.Encode()
	return string(b[:len(b)-1])
}

func quoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"\\\x00") {
		return s
	}
	var buf strings.Builder
	buf.WriteByte('"')
	for _, ch := range s {
		if ch == '"' || ch == '\\' {
			buf.WriteByte('\\')
		}
		buf.WriteRune(ch)
	}
	buf.WriteByte('"')
	return buf.String()
}

// ParseCommand parses the wire form of a command, with or without the
// trailing NUL. It is the inverse of Encode.
func ParseCommand(line []byte) (*Command, error) {
	line = bytes.TrimSuffix(line, []byte{0})
	s := string(line)
	var data string
	hasData := false
	if i := strings.Index(s, " -- "); i >= 0 {
		data = s[i+4:]
		s = s[:i]
		hasData = true
	}
	words, err := splitArgs(s)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	c := &Command{Name: words[0]}
	for i := 1; i < len(words); i += 2 {
		w := words[i]
		if len(w) != 2 || w[0] != '-' {
			return nil, fmt.Errorf("malformed option %q in %q", w, line)
		}
		if i+1 >= len(words) {
			return nil, fmt.Errorf("option %s without value in %q", w, line)
		}
		if w[1] == 'i' {
			c.TransactionID, err = strconv.Atoi(words[i+1])
			if err != nil {
				return nil, fmt.Errorf("bad transaction id %q", words[i+1])
			}
			continue
		}
		c.args = append(c.args, arg{w[1], words[i+1]})
	}
	if hasData {
		c.Data, err = base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("bad command data: %w", err)
		}
	}
	return c, nil
}

func splitArgs(s string) ([]string, error) {
	var words []string
	var cur strings.Builder
	inWord, inQuote, escaped := false, false, false
	for _, ch := range s {
		switch {
		case escaped:
			cur.WriteRune(ch)
			escaped = false
		case inQuote && ch == '\\':
			escaped = true
		case ch == '"':
			inQuote = !inQuote
			inWord = true
		case !inQuote && (ch == ' ' || ch == '\t'):
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(ch)
			inWord = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}
