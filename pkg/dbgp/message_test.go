package dbgp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseInit(t *testing.T) {
	p, err := ParsePacket([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<init xmlns="urn:debugger_protocol_v1" appid="AutoHotkey" ide_key="" session="" thread="7364" parent="" language="AutoHotkey" protocol_version="1.0" fileuri="file:///C:/scripts/a.ahk"/>`))
	require.NoError(t, err)
	init, ok := p.(*Init)
	require.True(t, ok, "got %T", p)
	require.Equal(t, "file:///C:/scripts/a.ahk", init.FileURI)
	require.Equal(t, "AutoHotkey", init.Language)
	require.Equal(t, "7364", init.Thread)
}

func TestParseResponseWithProperties(t *testing.T) {
	p, err := ParsePacket([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<response command="context_get" context="0" transaction_id="12">
<property name="s" fullname="s" type="string" facet="" size="5" encoding="base64">aGVsbG8=</property>
<property name="obj" fullname="obj" type="object" classname="Object" facet="" address="1" size="0" page="0" pagesize="2" children="1" numchildren="2">
<property name="a" fullname="obj.a" type="integer" facet="" size="1" encoding="base64">MQ==</property>
</property>
</response>`))
	require.NoError(t, err)
	resp := p.(*Response)
	require.Equal(t, "context_get", resp.Command)
	require.Equal(t, 12, resp.TransactionID)
	require.NoError(t, resp.Err())
	require.Len(t, resp.Properties, 2)

	v, err := resp.Properties[0].Value()
	require.NoError(t, err)
	require.Equal(t, "hello", v)

	obj := resp.Properties[1]
	require.True(t, obj.Children)
	require.Equal(t, 2, obj.NumChildren)
	require.Equal(t, "Object", obj.ClassName)
	require.Len(t, obj.Properties, 1)
	require.Equal(t, "obj.a", obj.Properties[0].FullName)
	require.NotEmpty(t, resp.Raw)
}

func TestParseErrorResponse(t *testing.T) {
	p, err := ParsePacket([]byte(`<response command="eval" transaction_id="4"><error code="206"><message><![CDATA[Divide by zero.]]></message></error></response>`))
	require.NoError(t, err)
	resp := p.(*Response)
	require.EqualError(t, resp.Err(), "Divide by zero.")
	require.Equal(t, ErrCodeEvaluating, resp.Error.Code)

	p, err = ParsePacket([]byte(`<response command="stack_get" transaction_id="5"><error code="301"/></response>`))
	require.NoError(t, err)
	require.EqualError(t, p.(*Response).Err(), "stack depth invalid")
}

func TestParseStreamAndStack(t *testing.T) {
	p, err := ParsePacket([]byte(`<stream type="stdout" encoding="base64">aGkK</stream>`))
	require.NoError(t, err)
	text, err := p.(*Stream).Text()
	require.NoError(t, err)
	require.Equal(t, "hi\n", text)

	p, err = ParsePacket([]byte(`<response command="stack_get" transaction_id="9"><stack level="0" type="file" filename="file:///a.ahk" lineno="5" where="f()"/><stack level="1" type="file" filename="file:///a.ahk" lineno="12" where="auto-execute thread"/></response>`))
	require.NoError(t, err)
	stack := p.(*Response).Stack
	require.Len(t, stack, 2)
	require.Equal(t, 5, stack[0].Lineno)
	require.Equal(t, "f()", stack[0].Where)
	require.Equal(t, 1, stack[1].Level)
}

func TestParseLegacyEncoding(t *testing.T) {
	// "café" in windows-1252.
	payload := []byte("<?xml version=\"1.0\" encoding=\"windows-1252\"?>\n<stream type=\"stderr\">caf\xe9</stream>")
	p, err := ParsePacket(payload)
	require.NoError(t, err)
	text, err := p.(*Stream).Text()
	require.NoError(t, err)
	require.Equal(t, "café", text)
}

func TestParseUnknownPacket(t *testing.T) {
	_, err := ParsePacket([]byte(`<bogus/>`))
	require.Error(t, err)
	_, err = ParsePacket([]byte(``))
	require.Error(t, err)
	_, err = ParsePacket([]byte(`<response command="run"`))
	require.Error(t, err)
}
