// Package protocol frames IPC envelopes on the pool service's unix socket.
//
// A fixed 14-byte header precedes every body, so the reader knows exactly how
// many bytes belong to one envelope. The sequence number lets many requests
// share one connection and be answered out of order.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ gup  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes "gup" (gps uplink protocol) reject peers speaking anything else.
const (
	MagicNumber byte   = 0x67 // 'g'
	MagicByte2  byte   = 0x75 // 'u'
	MagicByte3  byte   = 0x70 // 'p'
	Version     byte   = 0x01
	HeaderSize  int    = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)
	MaxBodyLen  uint32 = 1 << 20
)

// MsgType distinguishes request and response frames.
type MsgType byte

const (
	MsgTypeRequest  MsgType = 0 // Client → service
	MsgTypeResponse MsgType = 1 // Service → client
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON byte = 0
)

// Header is the fixed frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // Matches a response to its request
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w in a single write.
// Callers sharing w must serialize calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
func Decode(r io.Reader) (*Header, []byte, error) {
	// Step 1: read the fixed header
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	// Step 2: validate
	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := headerBuf[5]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	// Step 3: read exactly bodyLen bytes
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
