// Package protocol implements the frame format used on the byte-stream channel.
//
// It solves TCP's sticky packet problem with a fixed-size 9-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │ft│ bodyLen │    body ...   │
//	│ krp  │01│  │ uint32  │ bodyLen bytes │
//	└──────┴──┴──┴─────────┴───────────────┘
//
// There is no sequence number: a connection carries one request/response
// exchange at a time, so frames pair up by order alone.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "krp" (keepalive-rpc protocol).
// Used to reject non-protocol connections (e.g., HTTP clients hitting the
// wrong port) before attempting to parse a body.
const (
	MagicByte1 byte = 0x6b // 'k'
	MagicByte2 byte = 0x72 // 'r'
	MagicByte3 byte = 0x70 // 'p'
	Version    byte = 0x01
	HeaderSize int  = 9 // 3 (magic) + 1 (version) + 1 (frameType) + 4 (bodyLen)
)

// FrameType distinguishes data frames from liveness probes.
type FrameType byte

const (
	// FrameData carries one serialized message as its body.
	FrameData FrameType = 0
	// FrameProbe is a zero-length liveness probe. It has no body; receivers
	// discard it. The connection cache writes one before reusing a cached
	// connection that just failed, to decide whether the peer is still there.
	FrameProbe FrameType = 1
)

// Encode writes a complete frame (header + body) to w.
// Probe frames must carry a nil or empty body.
func Encode(w io.Writer, ft FrameType, body []byte) error {
	if ft == FrameProbe && len(body) > 0 {
		return fmt.Errorf("protocol: probe frame cannot carry a body")
	}

	buf := make([]byte, HeaderSize)
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = MagicByte3
	buf[3] = Version
	buf[4] = byte(ft)
	// Body length: 4 bytes, big-endian (network byte order)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, and frame type.
// Uses io.ReadFull to guarantee exactly N bytes are read.
func Decode(r io.Reader) (FrameType, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return 0, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return 0, nil, fmt.Errorf("protocol: invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return 0, nil, fmt.Errorf("protocol: unsupported version: %d", headerBuf[3])
	}

	ft := FrameType(headerBuf[4])
	if ft != FrameData && ft != FrameProbe {
		return 0, nil, fmt.Errorf("protocol: unsupported frame type: %d", headerBuf[4])
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[5:9])
	if bodyLen == 0 {
		return ft, nil, nil
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return ft, body, nil
}
