package client

import "errors"

// Failure kinds surfaced by Invoke, usable with errors.Is. Connection-level
// failures (transport.ErrConnectFailed, transport.ErrHandshakeFailed)
// propagate from the transport package unchanged.
var (
	// ErrSendFailed reports that writing the request failed on a cached
	// connection and the single reset-and-retry failed as well.
	ErrSendFailed = errors.New("client: send failed")

	// ErrTimeout reports that no response arrived within the bound. The
	// cached entry is left in place — the channel may still be usable.
	ErrTimeout = errors.New("client: timed out awaiting response")

	// ErrRemoteInvocation reports a response with status ERROR; the wrapped
	// message carries the remote-supplied detail.
	ErrRemoteInvocation = errors.New("client: remote invocation failed")

	// ErrMalformedResponse reports a protocol violation: a response that
	// cannot be decoded, or status OK without a result payload.
	ErrMalformedResponse = errors.New("client: malformed response")
)
