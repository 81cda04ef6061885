package dbgp

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// Status values reported by the engine.
const (
	StatusStarting = "starting"
	StatusStopping = "stopping"
	StatusStopped  = "stopped"
	StatusRunning  = "running"
	StatusBreak    = "break"
)

// Packet is one document received from the engine: *Init, *Response,
// *Stream or *Notify.
type Packet interface {
	packet()
}

// Init is the first packet sent by an engine after connecting.
type Init struct {
	XMLName         xml.Name `xml:"init"`
	AppID           string   `xml:"appid,attr"`
	IDEKey          string   `xml:"idekey,attr"`
	Session         string   `xml:"session,attr"`
	Thread          string   `xml:"thread,attr"`
	Parent          string   `xml:"parent,attr"`
	Language        string   `xml:"language,attr"`
	ProtocolVersion string   `xml:"protocol_version,attr"`
	FileURI         string   `xml:"fileuri,attr"`
	Engine          struct {
		Version string `xml:"version,attr"`
		Name    string `xml:",chardata"`
	} `xml:"engine"`
}

// Response answers a command.
type Response struct {
	XMLName       xml.Name `xml:"response"`
	Command       string   `xml:"command,attr"`
	TransactionID int      `xml:"transaction_id,attr"`
	Status        string   `xml:"status,attr"`
	Reason        string   `xml:"reason,attr"`
	Success       string   `xml:"success,attr"`
	Feature       string   `xml:"feature,attr"`

	// breakpoint_set
	ID    string `xml:"id,attr"`
	State string `xml:"state,attr"`
	Line  int    `xml:"line,attr"`

	Error       *Error       `xml:"error"`
	Message     *Message     `xml:"message"`
	Stack       []Stack      `xml:"stack"`
	Contexts    []Context    `xml:"context"`
	Properties  []Property   `xml:"property"`
	Breakpoints []Breakpoint `xml:"breakpoint"`

	// Raw is the undecoded document.
	Raw []byte `xml:"-"`
}

// Err returns the engine error carried by r, if any.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Error is the <error> element of a failed command.
type Error struct {
	Code    int    `xml:"code,attr"`
	AppErr  string `xml:"apperr,attr"`
	Message string `xml:"message"`
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = errorText[e.Code]
	}
	if msg == "" {
		return fmt.Sprintf("error %d", e.Code)
	}
	return msg
}

// Message is the location reported by some engines along with a break
// status.
type Message struct {
	Filename string `xml:"filename,attr"`
	Lineno   int    `xml:"lineno,attr"`
	Text     string `xml:",chardata"`
}

// Stack is one frame of a stack_get response.
type Stack struct {
	Level    int    `xml:"level,attr"`
	Type     string `xml:"type,attr"`
	Filename string `xml:"filename,attr"`
	Lineno   int    `xml:"lineno,attr"`
	Where    string `xml:"where,attr"`
	CmdBegin string `xml:"cmdbegin,attr"`
	CmdEnd   string `xml:"cmdend,attr"`
}

// Context is one entry of a context_names response.
type Context struct {
	Name string `xml:"name,attr"`
	ID   int    `xml:"id,attr"`
}

// Property is a variable, or the result of an eval.
type Property struct {
	Name        string     `xml:"name,attr"`
	FullName    string     `xml:"fullname,attr"`
	Type        string     `xml:"type,attr"`
	ClassName   string     `xml:"classname,attr"`
	Facet       string     `xml:"facet,attr"`
	Size        int        `xml:"size,attr"`
	Children    bool       `xml:"children,attr"`
	NumChildren int        `xml:"numchildren,attr"`
	Page        int        `xml:"page,attr"`
	PageSize    int        `xml:"pagesize,attr"`
	Encoding    string     `xml:"encoding,attr"`
	Properties  []Property `xml:"property"`
	Data        string     `xml:",chardata"`
}

// Value returns the decoded scalar value of p.
func (p *Property) Value() (string, error) {
	data := strings.TrimSpace(p.Data)
	if p.Encoding != "base64" {
		return data, nil
	}
	v, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("property %s: %w", p.FullName, err)
	}
	return string(v), nil
}

// Breakpoint is an entry of a breakpoint_get or breakpoint_list response.
type Breakpoint struct {
	ID       string `xml:"id,attr"`
	Type     string `xml:"type,attr"`
	State    string `xml:"state,attr"`
	Filename string `xml:"filename,attr"`
	Lineno   int    `xml:"lineno,attr"`
	HitCount int    `xml:"hit_count,attr"`
}

// Stream carries program output copied by the engine after a stdout or
// stderr command.
type Stream struct {
	XMLName  xml.Name `xml:"stream"`
	Type     string   `xml:"type,attr"`
	Encoding string   `xml:"encoding,attr"`
	Data     string   `xml:",chardata"`
}

// Text returns the decoded stream content.
func (s *Stream) Text() (string, error) {
	if s.Encoding != "base64" {
		return s.Data, nil
	}
	v, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s.Data))
	return string(v), err
}

// Notify is an unsolicited notification.
type Notify struct {
	XMLName  xml.Name `xml:"notify"`
	Name     string   `xml:"name,attr"`
	Encoding string   `xml:"encoding,attr"`
	Data     string   `xml:",innerxml"`
}

func (*Init) packet()     {}
func (*Response) packet() {}
func (*Stream) packet()   {}
func (*Notify) packet()   {}

// ParsePacket decodes the XML payload of a packet.
func ParsePacket(payload []byte) (Packet, error) {
	root, err := rootElement(payload)
	if err != nil {
		return nil, err
	}
	var p Packet
	switch root {
	case "init":
		p = &Init{}
	case "response":
		p = &Response{Raw: append([]byte(nil), payload...)}
	case "stream":
		p = &Stream{}
	case "notify":
		p = &Notify{}
	default:
		return nil, fmt.Errorf("unknown DBGp packet <%s>", root)
	}
	if err := newDecoder(payload).Decode(p); err != nil {
		return nil, fmt.Errorf("could not decode <%s> packet: %w", root, err)
	}
	return p, nil
}

func rootElement(payload []byte) (string, error) {
	d := newDecoder(payload)
	for {
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("empty DBGp packet")
			}
			return "", fmt.Errorf("could not decode DBGp packet: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

func newDecoder(payload []byte) *xml.Decoder {
	d := xml.NewDecoder(bytes.NewReader(payload))
	d.CharsetReader = charsetReader
	return d
}

// charsetReader converts documents declared in a legacy encoding, which
// engines running on Windows produce, to UTF-8.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", label, err)
	}
	return enc.NewDecoder().Reader(input), nil
}
