package wire

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		Method:       "POST",
		Scheme:       "https",
		Authority:    "example.com",
		PathAndQuery: "/widgets?id=1",
		Headers: []Header{
			{Name: []byte("content-type"), Value: []byte("application/json")},
			{Name: []byte("x-request-id"), Value: []byte("abc123")},
		},
		Body: []byte(`{"ok":true}`),
		Meta: Meta{
			TraceID:    "trace-1",
			DeadlineMs: 5000,
			ClientIP:   "10.0.0.1",
		},
	}

	data, err := EncodeRequest(req)
	require.NoError(t, err)

	got, err := DecodeRequest(data)
	require.NoError(t, err)

	assert.Equal(t, req.Method, got.Method)
	assert.Equal(t, req.Scheme, got.Scheme)
	assert.Equal(t, req.Authority, got.Authority)
	assert.Equal(t, req.PathAndQuery, got.PathAndQuery)
	assert.Equal(t, req.Headers, got.Headers)
	assert.Equal(t, req.Body, got.Body)
	assert.Equal(t, req.Meta.TraceID, got.Meta.TraceID)
	assert.Equal(t, req.Meta.DeadlineMs, got.Meta.DeadlineMs)
	assert.Equal(t, req.Meta.ClientIP, got.Meta.ClientIP)
	assert.True(t, got.Meta.HasDeadline())
}

func TestRequestRoundTripOmitsAbsentOptionals(t *testing.T) {
	req := Request{
		Method:       "GET",
		PathAndQuery: "/",
		Body:         []byte{},
	}

	data, err := EncodeRequest(req)
	require.NoError(t, err)

	got, err := DecodeRequest(data)
	require.NoError(t, err)

	assert.Equal(t, "", got.Scheme)
	assert.Equal(t, "", got.Authority)
	assert.False(t, got.Meta.HasDeadline())
	assert.Equal(t, "", got.Meta.TraceID)
}

func TestHeadersPreserveOrderAndDuplicates(t *testing.T) {
	req := Request{
		Method:       "GET",
		PathAndQuery: "/",
		Headers: []Header{
			{Name: []byte("set-cookie"), Value: []byte("a=1")},
			{Name: []byte("set-cookie"), Value: []byte("b=2")},
			{Name: []byte("accept"), Value: []byte("*/*")},
		},
	}

	data, err := EncodeRequest(req)
	require.NoError(t, err)

	got, err := DecodeRequest(data)
	require.NoError(t, err)

	require.Len(t, got.Headers, 3)
	assert.Equal(t, "set-cookie", string(got.Headers[0].Name))
	assert.Equal(t, "a=1", string(got.Headers[0].Value))
	assert.Equal(t, "set-cookie", string(got.Headers[1].Name))
	assert.Equal(t, "b=2", string(got.Headers[1].Value))
	assert.Equal(t, "accept", string(got.Headers[2].Name))
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{
		Status: 201,
		Headers: []Header{
			{Name: []byte("location"), Value: []byte("/widgets/1")},
		},
		Body: []byte("created"),
	}

	data, err := EncodeResponse(resp)
	require.NoError(t, err)

	got, err := DecodeResponse(data)
	require.NoError(t, err)

	assert.Equal(t, resp.Status, got.Status)
	assert.Equal(t, resp.Headers, got.Headers)
	assert.Equal(t, resp.Body, got.Body)
}

func TestDecodeRequestRejectsGarbage(t *testing.T) {
	_, err := DecodeRequest([]byte{0xff, 0x00, 0x01})
	require.Error(t, err)
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
}

func TestDecodeResponseIgnoresUnknownKeys(t *testing.T) {
	data, err := EncodeResponse(Response{Status: 200, Body: []byte("ok")})
	require.NoError(t, err)

	// re-encode the decoded map with an extra unknown key to simulate a
	// newer wire producer
	var m map[int]interface{}
	require.NoError(t, cbor.Unmarshal(data, &m))
	m[99] = "future-field"
	data2, err := cbor.Marshal(m)
	require.NoError(t, err)

	got, err := DecodeResponse(data2)
	require.NoError(t, err)
	assert.Equal(t, uint16(200), got.Status)
	assert.Equal(t, []byte("ok"), got.Body)
}
