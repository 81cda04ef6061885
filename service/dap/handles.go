package dap

const startHandle = 1000

// handlesMap maps arbitrary values to unique sequential ids.
// This provides convenient abstraction of references, offering
// opacity and allowing simplification of complex identifiers.
// Based on
// https://github.com/microsoft/vscode-debugadapter-node/blob/master/adapter/src/handles.ts
//
// Unlike the original, reset does not rewind the counter: a handle is never
// reused within a session, so a stale handle can only miss.
type handlesMap struct {
	nextHandle  int
	handleToVal map[int]interface{}
}

func newHandlesMap() *handlesMap {
	return &handlesMap{startHandle, make(map[int]interface{})}
}

func (hs *handlesMap) reset() {
	hs.handleToVal = make(map[int]interface{})
}

func (hs *handlesMap) create(value interface{}) int {
	next := hs.nextHandle
	hs.nextHandle++
	hs.handleToVal[next] = value
	return next
}

func (hs *handlesMap) get(handle int) (interface{}, bool) {
	v, ok := hs.handleToVal[handle]
	return v, ok
}

func (hs *handlesMap) len() int {
	return len(hs.handleToVal)
}

// stackFrame identifies a frame of the stopped program by its depth.
type stackFrame struct {
	depth int
}

type frameHandlesMap struct {
	m *handlesMap
}

func newFrameHandlesMap() *frameHandlesMap {
	return &frameHandlesMap{newHandlesMap()}
}

func (hs *frameHandlesMap) create(value stackFrame) int {
	return hs.m.create(value)
}

func (hs *frameHandlesMap) get(handle int) (stackFrame, bool) {
	v, ok := hs.m.get(handle)
	if !ok {
		return stackFrame{}, false
	}
	return v.(stackFrame), true
}

func (hs *frameHandlesMap) reset() {
	hs.m.reset()
}

// varRef is what a variables reference resolves to: a DBGp context of a
// frame, or a property within it when fullName is set.
type varRef struct {
	depth     int
	contextID int
	fullName  string
	// numChildren is the child count reported by the runtime.
	numChildren int
	// children maps the names listed by the last variables request to
	// the runtime's full names.
	children map[string]string
}

func (v *varRef) isScope() bool {
	return v.fullName == ""
}

type variablesHandlesMap struct {
	m *handlesMap
}

func newVariablesHandlesMap() *variablesHandlesMap {
	return &variablesHandlesMap{newHandlesMap()}
}

func (hs *variablesHandlesMap) create(value *varRef) int {
	return hs.m.create(value)
}

func (hs *variablesHandlesMap) get(handle int) (*varRef, bool) {
	v, ok := hs.m.get(handle)
	if !ok {
		return nil, false
	}
	return v.(*varRef), true
}

func (hs *variablesHandlesMap) reset() {
	hs.m.reset()
}
