package transport

import (
	"errors"
	"fmt"

	"keepalive-rpc/codec"
	"keepalive-rpc/message"
)

// ErrHandshakeFailed reports that the keep-alive negotiation on a newly
// opened connection did not complete with status OK.
var ErrHandshakeFailed = errors.New("transport: handshake failed")

// Handshake performs the control exchange on a newly opened channel: it asks
// the peer for a keep-alive connection and waits (bounded by the channel's
// timeout) for the negotiated answer.
//
// The returned flag is true only if the peer echoed keep-alive; the peer may
// downgrade the request to a one-shot connection. On error the caller must
// close the channel — a half-open connection is never left behind.
func Handshake(ch Channel, cdc codec.Codec) (persistent bool, err error) {
	req := message.HandshakeRequest{
		Type:    message.ControlConnect,
		Options: message.HandshakeOptions{Connection: message.ModeKeepAlive},
	}
	payload, err := cdc.Encode(&req)
	if err != nil {
		return false, err
	}
	if err := ch.Send(payload); err != nil {
		return false, fmt.Errorf("%w: send: %v", ErrHandshakeFailed, err)
	}

	raw, err := ch.Recv()
	if err != nil {
		return false, fmt.Errorf("%w: recv: %v", ErrHandshakeFailed, err)
	}
	var resp message.HandshakeResponse
	if err := cdc.Decode(raw, &resp); err != nil {
		return false, fmt.Errorf("%w: decode: %v", ErrHandshakeFailed, err)
	}
	if resp.Status != message.StatusOK {
		return false, fmt.Errorf("%w: expected status OK, got %s (%s)",
			ErrHandshakeFailed, resp.Status, resp.Options.Connection)
	}
	return resp.Options.Connection == message.ModeKeepAlive, nil
}
