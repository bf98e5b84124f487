// Package wire implements the self-describing binary encoding that crosses
// the host/plugin ABI boundary (spec §4.A). Values are CBOR maps keyed by
// small integers rather than field names, so the wire form is independent
// of Go identifiers and stays compact. Field order inside the encoded map
// is irrelevant; only the integer keys are part of the contract. Decoders
// ignore unknown keys and treat absent optional keys as the zero value,
// which is what makes adding a new optional field backward compatible.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Map keys for WireRequest. Values 0-15 stay in CBOR's compact integer range.
const (
	reqKeyMethod        = 0
	reqKeyScheme         = 1
	reqKeyAuthority      = 2
	reqKeyPathAndQuery   = 3
	reqKeyHeaders        = 4
	reqKeyBody           = 5
	reqKeyMetaTraceID    = 6
	reqKeyMetaDeadlineMs = 7
	reqKeyMetaClientIP   = 8
)

// Map keys for WireResponse.
const (
	respKeyStatus  = 0
	respKeyHeaders = 1
	respKeyBody    = 2
)

// Header is an ordered (name, value) pair. Values are raw bytes; the host
// must not assume UTF-8 and must not canonicalise them.
type Header struct {
	Name  []byte
	Value []byte
}

// headerWire is the CBOR-level shape of a Header: a two-element array,
// not a map, so that order and duplicate names survive the round trip.
type headerWire struct {
	_     struct{} `cbor:",toarray"`
	Name  []byte
	Value []byte
}

// Meta carries optional per-request metadata that does not belong on the
// HTTP surface itself.
type Meta struct {
	TraceID    string
	DeadlineMs uint64
	ClientIP   string

	hasTraceID    bool
	hasDeadlineMs bool
	hasClientIP   bool
}

// HasDeadline reports whether a deadline was present on the wire.
func (m Meta) HasDeadline() bool { return m.hasDeadlineMs }

// Request is the request value object crossing the host/plugin boundary.
type Request struct {
	Method       string
	Scheme       string
	Authority    string
	PathAndQuery string
	Headers      []Header
	Body         []byte
	Meta         Meta

	hasScheme    bool
	hasAuthority bool
}

// Response is the response value object crossing the host/plugin boundary.
type Response struct {
	Status  uint16
	Headers []Header
	Body    []byte
}

// DecodeError wraps a failure to decode a wire value.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return "wire: decode failed: " + e.Reason }

// EncodeRequest serializes a Request to its wire form.
func EncodeRequest(r Request) ([]byte, error) {
	m := map[int]any{
		reqKeyMethod:      r.Method,
		reqKeyPathAndQuery: r.PathAndQuery,
		reqKeyHeaders:     headersToWire(r.Headers),
		reqKeyBody:        r.Body,
	}
	if r.hasScheme || r.Scheme != "" {
		m[reqKeyScheme] = r.Scheme
	}
	if r.hasAuthority || r.Authority != "" {
		m[reqKeyAuthority] = r.Authority
	}
	if r.Meta.hasTraceID || r.Meta.TraceID != "" {
		m[reqKeyMetaTraceID] = r.Meta.TraceID
	}
	if r.Meta.hasDeadlineMs || r.Meta.DeadlineMs != 0 {
		m[reqKeyMetaDeadlineMs] = r.Meta.DeadlineMs
	}
	if r.Meta.hasClientIP || r.Meta.ClientIP != "" {
		m[reqKeyMetaClientIP] = r.Meta.ClientIP
	}
	return cbor.Marshal(m)
}

// DecodeRequest parses the wire form of a Request. Unknown keys are
// ignored; absent optionals decode to the zero value.
func DecodeRequest(data []byte) (Request, error) {
	var m map[int]cbor.RawMessage
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Request{}, &DecodeError{Reason: err.Error()}
	}

	var r Request
	if err := decodeField(m, reqKeyMethod, &r.Method); err != nil {
		return Request{}, err
	}
	if err := decodeField(m, reqKeyPathAndQuery, &r.PathAndQuery); err != nil {
		return Request{}, err
	}
	if raw, ok := m[reqKeyHeaders]; ok {
		var hw []headerWire
		if err := cbor.Unmarshal(raw, &hw); err != nil {
			return Request{}, &DecodeError{Reason: "headers: " + err.Error()}
		}
		r.Headers = wireToHeaders(hw)
	}
	if err := decodeField(m, reqKeyBody, &r.Body); err != nil {
		return Request{}, err
	}
	if raw, ok := m[reqKeyScheme]; ok {
		if err := cbor.Unmarshal(raw, &r.Scheme); err != nil {
			return Request{}, &DecodeError{Reason: "scheme: " + err.Error()}
		}
		r.hasScheme = true
	}
	if raw, ok := m[reqKeyAuthority]; ok {
		if err := cbor.Unmarshal(raw, &r.Authority); err != nil {
			return Request{}, &DecodeError{Reason: "authority: " + err.Error()}
		}
		r.hasAuthority = true
	}
	if raw, ok := m[reqKeyMetaTraceID]; ok {
		if err := cbor.Unmarshal(raw, &r.Meta.TraceID); err != nil {
			return Request{}, &DecodeError{Reason: "meta.trace_id: " + err.Error()}
		}
		r.Meta.hasTraceID = true
	}
	if raw, ok := m[reqKeyMetaDeadlineMs]; ok {
		if err := cbor.Unmarshal(raw, &r.Meta.DeadlineMs); err != nil {
			return Request{}, &DecodeError{Reason: "meta.deadline_ms: " + err.Error()}
		}
		r.Meta.hasDeadlineMs = true
	}
	if raw, ok := m[reqKeyMetaClientIP]; ok {
		if err := cbor.Unmarshal(raw, &r.Meta.ClientIP); err != nil {
			return Request{}, &DecodeError{Reason: "meta.client_ip: " + err.Error()}
		}
		r.Meta.hasClientIP = true
	}
	return r, nil
}

// EncodeResponse serializes a Response to its wire form.
func EncodeResponse(r Response) ([]byte, error) {
	m := map[int]any{
		respKeyStatus:  r.Status,
		respKeyHeaders: headersToWire(r.Headers),
		respKeyBody:    r.Body,
	}
	return cbor.Marshal(m)
}

// DecodeResponse parses the wire form of a Response.
func DecodeResponse(data []byte) (Response, error) {
	var m map[int]cbor.RawMessage
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Response{}, &DecodeError{Reason: err.Error()}
	}

	var r Response
	if err := decodeField(m, respKeyStatus, &r.Status); err != nil {
		return Response{}, err
	}
	if raw, ok := m[respKeyHeaders]; ok {
		var hw []headerWire
		if err := cbor.Unmarshal(raw, &hw); err != nil {
			return Response{}, &DecodeError{Reason: "headers: " + err.Error()}
		}
		r.Headers = wireToHeaders(hw)
	}
	if err := decodeField(m, respKeyBody, &r.Body); err != nil {
		return Response{}, err
	}
	return r, nil
}

func decodeField(m map[int]cbor.RawMessage, key int, dst any) error {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	if err := cbor.Unmarshal(raw, dst); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("key %d: %s", key, err)}
	}
	return nil
}

func headersToWire(hs []Header) []headerWire {
	out := make([]headerWire, len(hs))
	for i, h := range hs {
		out[i] = headerWire{Name: h.Name, Value: h.Value}
	}
	return out
}

func wireToHeaders(hw []headerWire) []Header {
	out := make([]Header, len(hw))
	for i, h := range hw {
		out[i] = Header{Name: h.Name, Value: h.Value}
	}
	return out
}
