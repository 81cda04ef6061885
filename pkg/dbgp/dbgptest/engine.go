// Package dbgptest provides an in-process DBGp engine that runs a
// simulated program, for testing clients of the protocol.
package dbgptest

import (
	"bufio"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/dbgpdap/dbgpdap/pkg/dbgp"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>`

// Var is a variable of the simulated program.
type Var struct {
	Name      string
	Type      string
	ClassName string
	Value     string
	Children  []*Var
}

type breakpoint struct {
	id        string
	file      string
	line      int
	condition string
}

// Engine simulates a program of Lines lines in a single file. run moves to
// the next line holding a breakpoint, steps move one line, and running past
// the last line ends the program.
type Engine struct {
	FileURI string
	Lines   int

	// Locals and Globals are served for contexts 0 and 1.
	Locals  []*Var
	Globals []*Var

	// Eval answers eval commands. A nil Var with a nil error answers an
	// empty result.
	Eval func(expr string) (*Var, *dbgp.Error)
	// RejectCondition makes breakpoint_set fail for conditions it
	// returns true for.
	RejectCondition func(cond string) bool
	// Silent lists commands that are never answered.
	Silent map[string]bool
	// HoldRun delays the response to run until a break command arrives.
	HoldRun bool

	mu          sync.Mutex
	conn        net.Conn
	line        int
	nextBP      int
	breakpoints map[string]*breakpoint
	received    []*dbgp.Command
	held        *dbgp.Command
	closed      chan struct{}
}

// NewEngine returns an engine for a program of the given length.
func NewEngine(fileURI string, lines int) *Engine {
	return &Engine{
		FileURI:     fileURI,
		Lines:       lines,
		breakpoints: map[string]*breakpoint{},
		closed:      make(chan struct{}),
	}
}

// Connect dials the IDE at addr, sends the init packet and serves commands
// in a new goroutine.
func (e *Engine) Connect(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	init := fmt.Sprintf(`<init xmlns="urn:debugger_protocol_v1" appid="fake" idekey="" session="" thread="1" parent="" language="AutoHotkey" protocol_version="1.0" fileuri="%s"><engine version="0.1">fake</engine></init>`, xmlEscape(e.FileURI))
	if err := e.write(init); err != nil {
		return err
	}
	go e.serve(bufio.NewReader(conn))
	return nil
}

// Close drops the connection as a crashing runtime would.
func (e *Engine) Close() {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Done is closed when the connection ends.
func (e *Engine) Done() <-chan struct{} {
	return e.closed
}

// Received returns the names of the commands received so far.
func (e *Engine) Received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := make([]string, len(e.received))
	for i, c := range e.received {
		r[i] = c.Name
	}
	return r
}

// ReceivedCommands returns the commands received so far.
func (e *Engine) ReceivedCommands() []*dbgp.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*dbgp.Command(nil), e.received...)
}

// Breakpoints returns the lines holding a breakpoint.
func (e *Engine) Breakpoints() map[int]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := map[int]string{}
	for _, bp := range e.breakpoints {
		r[bp.line] = bp.condition
	}
	return r
}

// Line returns the current line.
func (e *Engine) Line() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.line
}

// SendStream sends program output the way engines do after a stdout or
// stderr command.
func (e *Engine) SendStream(typ, text string) error {
	return e.write(fmt.Sprintf(`<stream xmlns="urn:debugger_protocol_v1" type="%s" encoding="base64">%s</stream>`, typ, base64.StdEncoding.EncodeToString([]byte(text))))
}

func (e *Engine) write(doc string) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	_, err := conn.Write(dbgp.EncodePacket([]byte(xmlHeader + "\n" + doc)))
	return err
}

func (e *Engine) serve(rd *bufio.Reader) {
	defer close(e.closed)
	for {
		line, err := rd.ReadBytes(0)
		if err != nil {
			return
		}
		cmd, err := dbgp.ParseCommand(line)
		if err != nil {
			e.write(fmt.Sprintf(`<response command="" transaction_id="0"><error code="1"><message>%s</message></error></response>`, xmlEscape(err.Error())))
			continue
		}
		e.mu.Lock()
		e.received = append(e.received, cmd)
		silent := e.Silent[cmd.Name]
		e.mu.Unlock()
		if silent {
			continue
		}
		if !e.handle(cmd) {
			e.Close()
			return
		}
	}
}

func (e *Engine) respond(cmd *dbgp.Command, attrs, body string) {
	e.write(fmt.Sprintf(`<response xmlns="urn:debugger_protocol_v1" command="%s" transaction_id="%d"%s>%s</response>`, cmd.Name, cmd.TransactionID, attrs, body))
}

func (e *Engine) respondError(cmd *dbgp.Command, code int, msg string) {
	e.respond(cmd, "", fmt.Sprintf(`<error code="%d"><message><![CDATA[%s]]></message></error>`, code, msg))
}

func (e *Engine) handle(cmd *dbgp.Command) bool {
	switch cmd.Name {
	case dbgp.CmdFeatureSet, dbgp.CmdStdout, dbgp.CmdStderr:
		e.respond(cmd, ` success="1"`, "")
	case dbgp.CmdStatus:
		e.respond(cmd, ` status="break" reason="ok"`, "")
	case dbgp.CmdBreakpointSet:
		e.breakpointSet(cmd)
	case dbgp.CmdBreakpointRemove:
		id, _ := cmd.Get('d')
		e.mu.Lock()
		_, ok := e.breakpoints[id]
		delete(e.breakpoints, id)
		e.mu.Unlock()
		if !ok {
			e.respondError(cmd, dbgp.ErrCodeNoSuchBreakpoint, "No such breakpoint")
			return true
		}
		e.respond(cmd, "", "")
	case dbgp.CmdRun:
		e.mu.Lock()
		if e.HoldRun {
			e.held = cmd
			e.mu.Unlock()
			return true
		}
		e.mu.Unlock()
		e.resume(cmd, false)
	case dbgp.CmdStepInto, dbgp.CmdStepOver, dbgp.CmdStepOut:
		e.resume(cmd, true)
	case dbgp.CmdBreak:
		e.respond(cmd, ` success="1"`, "")
		e.mu.Lock()
		held := e.held
		e.held = nil
		if held != nil && e.line == 0 {
			e.line = 1
		}
		e.mu.Unlock()
		if held != nil {
			e.respond(held, ` status="break" reason="ok"`, "")
		}
	case dbgp.CmdStop:
		e.respond(cmd, ` status="stopped" reason="ok"`, "")
		return false
	case dbgp.CmdDetach:
		e.respond(cmd, ` status="stopping" reason="ok"`, "")
		return false
	case dbgp.CmdStackGet:
		e.mu.Lock()
		line := e.line
		e.mu.Unlock()
		e.respond(cmd, "", fmt.Sprintf(`<stack level="0" type="file" filename="%s" lineno="%d" where="auto-execute thread"/>`, xmlEscape(e.FileURI), line))
	case dbgp.CmdContextNames:
		e.respond(cmd, "", `<context name="Local" id="0"/><context name="Global" id="1"/>`)
	case dbgp.CmdContextGet:
		var buf strings.Builder
		for _, v := range e.context(cmd) {
			writeVar(&buf, v, v.Name, v.Name, 1)
		}
		e.respond(cmd, "", buf.String())
	case dbgp.CmdPropertyGet:
		name, _ := cmd.Get('n')
		v := findVar(e.context(cmd), name)
		if v == nil {
			e.respondError(cmd, dbgp.ErrCodePropertyUnavailable, "Property does not exist")
			return true
		}
		var buf strings.Builder
		writeVar(&buf, v, baseName(name), name, 1)
		e.respond(cmd, "", buf.String())
	case dbgp.CmdPropertySet:
		name, _ := cmd.Get('n')
		v := findVar(e.context(cmd), name)
		if v == nil {
			e.respondError(cmd, dbgp.ErrCodePropertyUnavailable, "Property does not exist")
			return true
		}
		e.mu.Lock()
		v.Value = string(cmd.Data)
		if t, ok := cmd.Get('t'); ok {
			v.Type = t
		}
		e.mu.Unlock()
		e.respond(cmd, ` success="1"`, "")
	case dbgp.CmdEval:
		if e.Eval == nil {
			e.respondError(cmd, dbgp.ErrCodeUnimplemented, "eval not supported")
			return true
		}
		v, derr := e.Eval(string(cmd.Data))
		if derr != nil {
			e.respondError(cmd, derr.Code, derr.Message)
			return true
		}
		var buf strings.Builder
		if v != nil {
			writeVar(&buf, v, baseName(string(cmd.Data)), string(cmd.Data), 1)
		}
		e.respond(cmd, "", buf.String())
	default:
		e.respondError(cmd, dbgp.ErrCodeUnimplemented, "Unimplemented command "+cmd.Name)
	}
	return true
}

func (e *Engine) breakpointSet(cmd *dbgp.Command) {
	file, _ := cmd.Get('f')
	n, _ := cmd.Get('n')
	line, err := strconv.Atoi(n)
	if err != nil || line <= 0 {
		e.respondError(cmd, dbgp.ErrCodeBreakpointLine, "Invalid line")
		return
	}
	cond := string(cmd.Data)
	if cond != "" && e.RejectCondition != nil && e.RejectCondition(cond) {
		e.respondError(cmd, dbgp.ErrCodeInvalidExpression, "Invalid expression: "+cond)
		return
	}
	e.mu.Lock()
	e.nextBP++
	id := strconv.Itoa(e.nextBP)
	e.breakpoints[id] = &breakpoint{id: id, file: file, line: line, condition: cond}
	e.mu.Unlock()
	e.respond(cmd, fmt.Sprintf(` state="enabled" id="%s"`, id), "")
}

func (e *Engine) resume(cmd *dbgp.Command, step bool) {
	e.mu.Lock()
	next := e.line + 1
	if !step {
		for ; next <= e.Lines; next++ {
			if e.hasBreakpoint(next) {
				break
			}
		}
	}
	e.line = next
	ended := next > e.Lines
	e.mu.Unlock()
	if ended {
		e.respond(cmd, ` status="stopping" reason="ok"`, "")
		return
	}
	e.respond(cmd, ` status="break" reason="ok"`, "")
}

func (e *Engine) hasBreakpoint(line int) bool {
	for _, bp := range e.breakpoints {
		if bp.line == line {
			return true
		}
	}
	return false
}

func (e *Engine) context(cmd *dbgp.Command) []*Var {
	if c, _ := cmd.Get('c'); c == "1" {
		return e.Globals
	}
	return e.Locals
}

// Children whose name starts with '[' are elements: their full name is the
// parent's followed by the name, as in "arr[1]". Other children are joined
// with a dot.
func joinName(parent, child string) string {
	if strings.HasPrefix(child, "[") {
		return parent + child
	}
	return parent + "." + child
}

// splitName splits a full name such as "obj.list[2].x" into the names of
// the variables along its path: "obj", "list", "[2]", "x".
func splitName(fullname string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(fullname); i++ {
		switch fullname[i] {
		case '.':
			if i > start {
				parts = append(parts, fullname[start:i])
			}
			start = i + 1
		case '[':
			if i > start {
				parts = append(parts, fullname[start:i])
			}
			j := strings.IndexByte(fullname[i:], ']')
			if j < 0 {
				return append(parts, fullname[i:])
			}
			parts = append(parts, fullname[i:i+j+1])
			i += j
			start = i + 1
		}
	}
	if start < len(fullname) {
		parts = append(parts, fullname[start:])
	}
	return parts
}

func baseName(fullname string) string {
	parts := splitName(fullname)
	if len(parts) == 0 {
		return fullname
	}
	return parts[len(parts)-1]
}

// findVar resolves a full name such as "obj.inner.x" or "arr[1]".
func findVar(vars []*Var, fullname string) *Var {
	var cur *Var
	for _, part := range splitName(fullname) {
		cur = nil
		for _, v := range vars {
			if v.Name == part {
				cur = v
				break
			}
		}
		if cur == nil {
			return nil
		}
		vars = cur.Children
	}
	return cur
}

func writeVar(buf *strings.Builder, v *Var, name, fullname string, depth int) {
	children := 0
	if len(v.Children) > 0 {
		children = 1
	}
	typ := v.Type
	if typ == "" {
		typ = "string"
	}
	fmt.Fprintf(buf, `<property name="%s" fullname="%s" type="%s"`, xmlEscape(name), xmlEscape(fullname), typ)
	if v.ClassName != "" {
		fmt.Fprintf(buf, ` classname="%s"`, xmlEscape(v.ClassName))
	}
	fmt.Fprintf(buf, ` children="%d"`, children)
	if children == 1 {
		fmt.Fprintf(buf, ` numchildren="%d" page="0" pagesize="%d">`, len(v.Children), len(v.Children))
		if depth > 0 {
			for _, c := range v.Children {
				writeVar(buf, c, c.Name, joinName(fullname, c.Name), depth-1)
			}
		}
		buf.WriteString(`</property>`)
		return
	}
	fmt.Fprintf(buf, ` size="%d" encoding="base64">%s</property>`, len(v.Value), base64.StdEncoding.EncodeToString([]byte(v.Value)))
}

func xmlEscape(s string) string {
	var buf strings.Builder
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
