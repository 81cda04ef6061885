package dap

// Unique identifiers for messages returned for errors from requests.
// These values are not mandated by DAP (other than the uniqueness
// requirement), so each implementation is free to choose their own.
const (
	UnsupportedCommand int = 9999
	InternalError      int = 8888

	// Session level failures.
	InvalidState      = 4000
	RequestTimeout    = 4001
	SessionTerminated = 4002
	RuntimeExited     = 4003
	ProtocolFraming   = 4004

	// Where applicable and for consistency only,
	// values below are inspired the original vscode-go debug adaptor.
	FailedToLaunch             = 3000
	FailedToAttach             = 3001
	UnableToSetBreakpoints     = 2002
	UnableToDisplayThreads     = 2003
	UnableToProduceStackTrace  = 2004
	UnableToListLocals         = 2005
	UnableToListScopes         = 2006
	UnableToLookupVariable     = 2008
	UnableToEvaluateExpression = 2009
	UnableToSetVariable        = 2010
	UnableToResume             = 2011
	UnableToHalt               = 2012
	UnableToRunCommand         = 2013
	UnableToComplete           = 2014
)
