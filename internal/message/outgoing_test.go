package message

import (
	"encoding/base64"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2stream/internal/stream"
	"example.com/h2stream/internal/testutil"
)

func TestOutgoing_Headers(t *testing.T) {
	m := NewOutgoing()
	m.SetHeader("X-B", "1").
		SetHeader("x-a", "2").
		AddHeader("x-b", "3").
		SetHeaders(map[string]string{"x-d": "4", "x-c": "5"})

	assert.True(t, m.HasHeader("X-A"))
	assert.Equal(t, "1", m.GetHeader("x-b"))
	assert.Equal(t, []HeaderField{
		{Name: "x-b", Values: []string{"1", "3"}},
		{Name: "x-a", Values: []string{"2"}},
		{Name: "x-c", Values: []string{"5"}},
		{Name: "x-d", Values: []string{"4"}},
	}, m.GetHeaders())

	m.SetHeader("x-b", "only")
	assert.Equal(t, []string{"only"}, m.HeaderObject()["x-b"])
	assert.Equal(t, "x-b", m.GetHeaders()[0].Name, "replacing keeps the original position")
}

func TestOutgoing_SetHeadersReplaces(t *testing.T) {
	m := NewOutgoing()
	m.AddHeader("x-a", "1").AddHeader("x-a", "2")
	m.SetHeaders(map[string]string{"X-A": "3", "x-b": "4"})

	assert.Equal(t, []HeaderField{
		{Name: "x-a", Values: []string{"3"}},
		{Name: "x-b", Values: []string{"4"}},
	}, m.GetHeaders())
}

func TestOutgoing_EncodedHeaders(t *testing.T) {
	m := NewOutgoing()
	m.SetEncodedHeader("X-User", "Zoë")
	m.SetEncodedHeader("x-note", "a,b")
	m.SetEncodedHeader("x-user", "Zoë again")

	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("Zoë again")), m.GetHeader("x-user"))
	assert.Equal(t, "x-user,x-note", m.GetHeader(EncodedHeaderFields))

	// Round trip through the incoming side.
	s, _ := testutil.AttachedStream(1, stream.Headers(m.HeaderObject()))
	in := NewIncoming(s)
	assert.Equal(t, "Zoë again", in.GetHeader("x-user"))
	assert.Equal(t, "a,b", in.GetHeader("x-note"))
}

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type label string

func (l label) String() string { return "label:" + string(l) }

func TestOutgoing_PrepareData(t *testing.T) {
	tests := []struct {
		name            string
		data            interface{}
		presetType      string
		wantContentType string
		wantPayload     []byte
		wantErr         bool
	}{
		{name: "bytes", data: []byte{0x01, 0xff}, wantContentType: ContentTypeOctetStream, wantPayload: []byte{0x01, 0xff}},
		{name: "string", data: "hello", wantContentType: ContentTypeText, wantPayload: []byte("hello")},
		{name: "number", data: 42, wantContentType: ContentTypeText, wantPayload: []byte("42")},
		{name: "bool", data: true, wantContentType: ContentTypeText, wantPayload: []byte("true")},
		{name: "struct", data: point{X: 1, Y: 2}, wantContentType: ContentTypeJSON, wantPayload: []byte(`{"x":1,"y":2}`)},
		{name: "map", data: map[string]int{"a": 1}, wantContentType: ContentTypeJSON, wantPayload: []byte(`{"a":1}`)},
		{name: "not json encodable", data: map[string]interface{}{"f": math.Inf(1)}, wantContentType: ContentTypeText, wantPayload: []byte("map[f:+Inf]")},
		{name: "preset json", data: point{X: 3}, presetType: "application/json", wantContentType: "application/json", wantPayload: []byte(`{"x":3,"y":0}`)},
		{name: "preset json unencodable", data: math.NaN(), presetType: "application/json", wantErr: true},
		{name: "preset other", data: label("x"), presetType: "text/plain", wantContentType: "text/plain", wantPayload: []byte("label:x")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := NewOutgoing().SetData(tc.data)
			if tc.presetType != "" {
				m.SetHeader("content-type", tc.presetType)
			}
			err := m.PrepareData()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantContentType, m.GetHeader("content-type"))

			payload, err := m.Payload()
			require.NoError(t, err)
			assert.Equal(t, tc.wantPayload, payload)
		})
	}
}

func TestOutgoing_NoData(t *testing.T) {
	for _, data := range []interface{}{nil, "", []byte{}} {
		m := NewOutgoing().SetData(data)
		assert.False(t, m.HasData())
		require.NoError(t, m.PrepareData())
		assert.False(t, m.HasHeader("content-type"))
		payload, err := m.Payload()
		require.NoError(t, err)
		assert.Nil(t, payload)
	}
}

func TestOutgoing_Status(t *testing.T) {
	m := NewOutgoing()
	assert.Equal(t, 200, m.Status())
	m.SetStatus(418)
	assert.Equal(t, 418, m.Status())
}

func TestOutgoing_StreamTracking(t *testing.T) {
	m := NewOutgoing()
	assert.False(t, m.StreamIsClosed(), "unattached message is not closed")
	assert.Nil(t, m.Stream())

	s, ft := testutil.AttachedStream(7, stream.Headers{":method": {"GET"}})
	m.Attach(s)
	assert.Same(t, s, m.Stream())
	assert.False(t, m.StreamIsClosed())

	ft.Abort()
	assert.True(t, m.StreamIsClosed())
	assert.ErrorIs(t, m.Err(), stream.ErrAborted)
}
