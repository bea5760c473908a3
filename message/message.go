// Package message defines the wire messages exchanged between client and server.
//
// There are two message families: invocation messages (Request/Response) that
// carry an actual remote call, and handshake control messages exchanged once,
// right after a connection is opened, to negotiate whether the connection is
// kept alive for reuse. All of them are serialized by the codec layer and
// wrapped in a protocol frame for transmission.
package message

import (
	"encoding/json"
	"fmt"
)

// Status is the outcome field carried by every response. It is an enumerated
// type compared by value — never compare the wire strings directly.
type Status uint8

const (
	StatusUnknown Status = iota // zero value: field absent or unrecognized
	StatusOK
	StatusError
)

// Wire representations of Status.
const (
	statusOKText    = "OK"
	statusErrorText = "ERROR"
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return statusOKText
	case StatusError:
		return statusErrorText
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the status as its wire string.
func (s Status) MarshalJSON() ([]byte, error) {
	switch s {
	case StatusOK, StatusError:
		return []byte(`"` + s.String() + `"`), nil
	default:
		return nil, fmt.Errorf("message: cannot marshal status %d", s)
	}
}

// UnmarshalJSON decodes the wire string into a Status value. Unrecognized
// strings decode to StatusUnknown rather than failing — the caller decides
// whether an unknown status is a protocol violation.
func (s *Status) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"` + statusOKText + `"`:
		*s = StatusOK
	case `"` + statusErrorText + `"`:
		*s = StatusError
	default:
		*s = StatusUnknown
	}
	return nil
}

// Request is a single invocation request.
//
// Args is kept as raw JSON: the client serializes the caller's argument value
// into it, and the server defers decoding until the target method's argument
// type is known.
type Request struct {
	Service string          `json:"serviceId"` // name of the remote service
	Method  string          `json:"method"`    // name of the method on that service
	Args    json.RawMessage `json:"args,omitempty"`
}

// Response is the reply to a Request.
//
//   - Status == StatusOK:    Value holds the result payload.
//   - Status == StatusError: Error holds the remote-supplied detail.
type Response struct {
	Status Status          `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Connection modes negotiated by the handshake.
const (
	ModeKeepAlive = "keep-alive"
	ModeClose     = "close"
)

// ControlConnect is the control type of the handshake exchange.
const ControlConnect = "connect"

// HandshakeOptions carries the requested or negotiated connection mode.
type HandshakeOptions struct {
	Connection string `json:"connection"`
}

// HandshakeRequest is sent by the client immediately after opening a
// connection, asking the server to keep the connection alive.
type HandshakeRequest struct {
	Type    string           `json:"type"`
	Options HandshakeOptions `json:"options"`
}

// HandshakeResponse echoes the control type and carries the mode the server
// actually granted. The connection is persistent only if the echoed mode is
// ModeKeepAlive.
type HandshakeResponse struct {
	Status  Status           `json:"status"`
	Type    string           `json:"type"`
	Options HandshakeOptions `json:"options"`
}
