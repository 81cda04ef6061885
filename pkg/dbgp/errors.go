package dbgp

// Error codes defined by the DBGp protocol.
const (
	ErrCodeParse               = 1
	ErrCodeDuplicateArgs       = 2
	ErrCodeInvalidOptions      = 3
	ErrCodeUnimplemented       = 4
	ErrCodeNotAvailable        = 5
	ErrCodeCantOpenFile        = 100
	ErrCodeStreamRedirect      = 101
	ErrCodeBreakpointNotSet    = 200
	ErrCodeBreakpointType      = 201
	ErrCodeBreakpointLine      = 202
	ErrCodeBreakpointNoCode    = 203
	ErrCodeBreakpointState     = 204
	ErrCodeNoSuchBreakpoint    = 205
	ErrCodeEvaluating          = 206
	ErrCodeInvalidExpression   = 207
	ErrCodePropertyUnavailable = 300
	ErrCodeStackDepth          = 301
	ErrCodeContext             = 302
	ErrCodeEncoding            = 900
	ErrCodeInternal            = 998
	ErrCodeUnknown             = 999
)

var errorText = map[int]string{
	ErrCodeParse:               "parse error in command",
	ErrCodeDuplicateArgs:       "duplicate arguments in command",
	ErrCodeInvalidOptions:      "invalid or missing options",
	ErrCodeUnimplemented:       "unimplemented command",
	ErrCodeNotAvailable:        "command is not available",
	ErrCodeCantOpenFile:        "can not open file",
	ErrCodeStreamRedirect:      "stream redirect failed",
	ErrCodeBreakpointNotSet:    "breakpoint could not be set",
	ErrCodeBreakpointType:      "breakpoint type not supported",
	ErrCodeBreakpointLine:      "invalid breakpoint line",
	ErrCodeBreakpointNoCode:    "no code on breakpoint line",
	ErrCodeBreakpointState:     "invalid breakpoint state",
	ErrCodeNoSuchBreakpoint:    "no such breakpoint",
	ErrCodeEvaluating:          "error evaluating code",
	ErrCodeInvalidExpression:   "invalid expression",
	ErrCodePropertyUnavailable: "can not get property",
	ErrCodeStackDepth:          "stack depth invalid",
	ErrCodeContext:             "context invalid",
	ErrCodeEncoding:            "encoding not supported",
	ErrCodeInternal:            "an internal exception in the debugger occurred",
	ErrCodeUnknown:             "unknown error",
}
