package dap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/go-dap"

	"github.com/dbgpdap/dbgpdap/pkg/dbgp"
)

// onVariablesRequest handles 'variables' requests.
// This is a mandatory request to support.
func (s *Session) onVariablesRequest(request *dap.VariablesRequest) {
	ref := request.Arguments.VariablesReference
	v, ok := s.vars.get(ref)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToLookupVariable, "Unable to lookup variable", fmt.Sprintf("unknown reference %d", ref))
		return
	}

	var cmd *dbgp.Command
	if v.isScope() {
		cmd = dbgp.NewCommand(dbgp.CmdContextGet).IntArg('d', v.depth).IntArg('c', v.contextID)
	} else {
		cmd = dbgp.NewCommand(dbgp.CmdPropertyGet).IntArg('d', v.depth).IntArg('c', v.contextID).Arg('n', v.fullName)
	}
	epoch := s.epoch
	s.issue(cmd, &request.Request, func(resp *dbgp.Response, err error) {
		if err == nil && epoch != s.epoch {
			err = errResumed
		}
		var props []dbgp.Property
		if err == nil {
			props = resp.Properties
			if !v.isScope() {
				if len(props) == 0 {
					err = &TranslationError{Command: dbgp.CmdPropertyGet, Reason: "no property for " + v.fullName}
				} else {
					props = props[0].Properties
				}
			}
		}
		if err != nil {
			id := UnableToLookupVariable
			if v.isScope() {
				id = UnableToListLocals
			}
			s.sendErrorResponse(request.Request, errorID(err, id), "Unable to lookup variable", err.Error())
			return
		}

		children := make([]dap.Variable, 0, len(props))
		v.children = make(map[string]string, len(props))
		for i := range props {
			children = append(children, s.convertProperty(&props[i], v.depth, v.contextID))
			v.children[props[i].Name] = propertyFullName(&props[i])
		}
		if start, count := request.Arguments.Start, request.Arguments.Count; start > 0 || count > 0 {
			children = page(children, start, count)
		}
		s.send(&dap.VariablesResponse{
			Response: *newResponse(request.Request),
			Body:     dap.VariablesResponseBody{Variables: children},
		})
	})
}

func page(vars []dap.Variable, start, count int) []dap.Variable {
	if start >= len(vars) {
		return []dap.Variable{}
	}
	vars = vars[start:]
	if count > 0 && count < len(vars) {
		vars = vars[:count]
	}
	return vars
}

// convertProperty converts a DBGp property into a DAP variable. Only
// properties with children get a variables reference; it resolves to the
// property in the context and frame it was listed in.
func (s *Session) convertProperty(p *dbgp.Property, depth, contextID int) dap.Variable {
	fullName := propertyFullName(p)
	s.names.Add(p.Name, nil)

	v := dap.Variable{
		Name:         p.Name,
		Type:         variableType(p),
		EvaluateName: fullName,
	}
	if p.Children || p.NumChildren > 0 {
		v.VariablesReference = s.vars.create(&varRef{depth: depth, contextID: contextID, fullName: fullName, numChildren: p.NumChildren})
		v.Value = compositeValue(p)
		if p.Type == "array" {
			v.IndexedVariables = p.NumChildren
		} else {
			v.NamedVariables = p.NumChildren
		}
		return v
	}
	v.Value = scalarValue(p)
	return v
}

func propertyFullName(p *dbgp.Property) string {
	if p.FullName == "" {
		return p.Name
	}
	return p.FullName
}

// variableType maps DBGp data types onto the names shown in the editor.
func variableType(p *dbgp.Property) string {
	switch p.Type {
	case "string":
		return "string"
	case "int", "integer":
		return "integer"
	case "float", "double":
		return "float"
	case "bool", "boolean":
		return "boolean"
	case "array", "hash", "object":
		if p.ClassName != "" {
			return p.ClassName
		}
		return p.Type
	case "undefined", "null", "uninitialized", "":
		return "undefined"
	}
	return p.Type
}

func compositeValue(p *dbgp.Property) string {
	name := p.ClassName
	if name == "" {
		name = p.Type
	}
	if p.NumChildren > 0 {
		return fmt.Sprintf("%s(%d)", name, p.NumChildren)
	}
	return name
}

func scalarValue(p *dbgp.Property) string {
	raw, err := p.Value()
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	switch variableType(p) {
	case "string":
		return strconv.Quote(raw)
	case "undefined":
		if raw == "" {
			return "unset"
		}
	}
	return raw
}

// onSetVariableRequest handles 'setVariable' requests.
// The new value is written with property_set and read back with
// property_get so that the editor shows what the runtime made of it.
func (s *Session) onSetVariableRequest(request *dap.SetVariableRequest) {
	arg := request.Arguments
	parent, ok := s.vars.get(arg.VariablesReference)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToSetVariable, "Unable to set variable", fmt.Sprintf("unknown reference %d", arg.VariablesReference))
		return
	}
	fullName, listed := parent.children[arg.Name]
	if !listed {
		if !parent.isScope() {
			s.sendErrorResponse(request.Request, UnableToSetVariable, "Unable to set variable", fmt.Sprintf("%s has no listed child %q", parent.fullName, arg.Name))
			return
		}
		fullName = arg.Name
	}

	cmd := dbgp.NewCommand(dbgp.CmdPropertySet).IntArg('d', parent.depth).IntArg('c', parent.contextID).Arg('n', fullName)
	value, typ := literal(arg.Value)
	if typ != "" {
		cmd.Arg('t', typ)
	}
	cmd.WithData([]byte(value))

	epoch := s.epoch
	fail := func(err error) {
		s.sendErrorResponse(request.Request, errorID(err, UnableToSetVariable), "Unable to set variable", err.Error())
	}
	s.issue(cmd, &request.Request, func(resp *dbgp.Response, err error) {
		if err == nil && resp.Success == "0" {
			err = &TranslationError{Command: dbgp.CmdPropertySet, Reason: "the runtime refused the new value"}
		}
		if err != nil {
			fail(err)
			return
		}
		get := dbgp.NewCommand(dbgp.CmdPropertyGet).IntArg('d', parent.depth).IntArg('c', parent.contextID).Arg('n', fullName)
		s.issue(get, &request.Request, func(resp *dbgp.Response, err error) {
			if err == nil && epoch != s.epoch {
				err = errResumed
			}
			if err == nil && len(resp.Properties) == 0 {
				err = &TranslationError{Command: dbgp.CmdPropertyGet, Reason: "no property for " + fullName}
			}
			if err != nil {
				fail(err)
				return
			}
			v := s.convertProperty(&resp.Properties[0], parent.depth, parent.contextID)
			s.send(&dap.SetVariableResponse{
				Response: *newResponse(request.Request),
				Body: dap.SetVariableResponseBody{
					Value:              v.Value,
					Type:               v.Type,
					VariablesReference: v.VariablesReference,
					NamedVariables:     v.NamedVariables,
					IndexedVariables:   v.IndexedVariables,
				},
			})
		})
	})
}

// literal interprets a value typed in the editor. Quoted strings and
// numbers are sent with their type; anything else is left for the runtime
// to evaluate.
func literal(s string) (value, typ string) {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if u, err := strconv.Unquote(s); err == nil {
			return u, "string"
		}
		return s[1 : len(s)-1], "string"
	}
	if _, err := strconv.ParseInt(s, 0, 64); err == nil {
		return s, "integer"
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return s, "float"
	}
	return s, ""
}

// onEvaluateRequest handles 'evaluate' requests.
// Expressions are evaluated in the frame given by frameId, or in the
// current frame. Lines starting with "dbgp " in the debug console are
// commands for the bridge itself.
func (s *Session) onEvaluateRequest(request *dap.EvaluateRequest) {
	if isBridgeCommand(request) {
		s.onBridgeCommand(request)
		return
	}
	const summary = "Unable to evaluate expression"

	depth := 0
	if id := request.Arguments.FrameId; id != 0 {
		sf, ok := s.frames.get(id)
		if !ok {
			s.sendErrorResponse(request.Request, UnableToEvaluateExpression, summary, fmt.Sprintf("unknown frame id %d", id))
			return
		}
		depth = sf.depth
	}

	cmd := dbgp.NewCommand(dbgp.CmdEval)
	if depth > 0 {
		cmd.IntArg('d', depth)
	}
	cmd.WithData([]byte(request.Arguments.Expression))

	epoch := s.epoch
	s.issue(cmd, &request.Request, func(resp *dbgp.Response, err error) {
		if err == nil && epoch != s.epoch {
			err = errResumed
		}
		if err != nil {
			// The runtime's message is shown as is.
			s.sendErrorResponse(request.Request, errorID(err, UnableToEvaluateExpression), summary, err.Error())
			return
		}
		response := &dap.EvaluateResponse{Response: *newResponse(request.Request)}
		if len(resp.Properties) > 0 {
			p := &resp.Properties[0]
			if p.FullName == "" {
				p.FullName = request.Arguments.Expression
			}
			v := s.convertProperty(p, depth, 0)
			response.Body = dap.EvaluateResponseBody{
				Result:             v.Value,
				Type:               v.Type,
				VariablesReference: v.VariablesReference,
				NamedVariables:     v.NamedVariables,
				IndexedVariables:   v.IndexedVariables,
			}
		}
		s.send(response)
	})
}
