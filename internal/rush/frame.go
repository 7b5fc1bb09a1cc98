// Package rush implements the incremental decoder for the Rush binary
// framing protocol, the QUIC-native wire format used by publishers sending
// audio/video frames.
package rush

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed prefix every Rush frame carries: an 8-byte
// length, an 8-byte id, and a 1-byte message type.
const HeaderSize = 17

// minFrameBytes is the short-frame guard. The header itself only needs
// HeaderSize (17) bytes, but existing publishers expect the parser to hold
// off until 20 are buffered, so we match that to stay wire-compatible.
const minFrameBytes = 20

// MessageType classifies the single type byte in a Rush header.
type MessageType uint8

const (
	Connect    MessageType = 0x00
	ConnectAck MessageType = 0x01
	VideoFrame MessageType = 0x0D
	AudioFrame MessageType = 0x14
)

// classify maps a raw type byte onto a MessageType, reporting whether it is
// one of the four recognized constants; any other value is unknown.
func classify(b byte) (MessageType, bool) {
	switch MessageType(b) {
	case Connect, ConnectAck, VideoFrame, AudioFrame:
		return MessageType(b), true
	default:
		return MessageType(b), false
	}
}

// Header is the fixed 17-byte prefix of a Rush frame.
type Header struct {
	Length      uint64
	ID          uint64
	MessageType MessageType
}

// Frame is a parsed Rush frame: its header plus the payload bytes that
// followed it (buffer[HeaderSize:Length]).
type Frame struct {
	Header  Header
	Payload []byte
}

// ErrNeedMore indicates the buffer does not yet hold a complete frame.
// Callers should read more bytes and retry; no bytes were consumed.
var ErrNeedMore = errors.New("rush: need more data")

// ErrMalformed indicates the buffer's prefix cannot be interpreted as a
// Rush frame the relay forwards (too short, or an unknown/ConnectAck type).
// Callers treat this as non-fatal: log it and keep reading, never tear down
// the session.
var ErrMalformed = errors.New("rush: malformed frame")

// Parse attempts to decode one Rush frame from the front of buf. It
// returns the parsed Frame and the number of bytes consumed, ErrNeedMore if
// buf does not yet contain a full frame, or ErrMalformed if buf's prefix is
// not a frame the relay understands.
func Parse(buf []byte) (Frame, int, error) {
	if len(buf) < minFrameBytes {
		return Frame{}, 0, ErrNeedMore
	}

	length := binary.BigEndian.Uint64(buf[0:8])
	if uint64(len(buf)) < length {
		return Frame{}, 0, ErrNeedMore
	}
	if length < HeaderSize {
		// A frame claiming to be shorter than its own header is never
		// valid. Report one byte consumed so the incremental-parse loop
		// can resync instead of spinning forever on the same prefix.
		return Frame{}, 1, ErrMalformed
	}

	id := binary.BigEndian.Uint64(buf[8:16])
	typeByte := buf[16]

	mt, ok := classify(typeByte)
	if !ok {
		// Unknown type byte: surfaced as malformed so the caller discards
		// the bytes and keeps the stream open.
		return Frame{}, int(length), ErrMalformed
	}
	if mt == ConnectAck {
		// A publisher-facing relay never expects an ack; treat like Unknown.
		return Frame{}, int(length), ErrMalformed
	}

	header := Header{Length: length, ID: id, MessageType: mt}
	frame := Frame{
		Header:  header,
		Payload: buf[HeaderSize:length],
	}
	return frame, int(length), nil
}

// ParseAll runs the incremental-parse loop: call Parse repeatedly against
// buf, removing consumed bytes from the front each time, until ErrNeedMore. Malformed frames are reported via onMalformed and
// skipped (their bytes are still consumed); well-formed frames are reported
// via onFrame. It returns the unconsumed remainder of buf.
func ParseAll(buf []byte, onFrame func(Frame), onMalformed func(error)) []byte {
	for {
		frame, consumed, err := Parse(buf)
		switch {
		case err == nil:
			onFrame(frame)
			buf = buf[consumed:]
		case errors.Is(err, ErrMalformed):
			if onMalformed != nil {
				onMalformed(err)
			}
			if consumed == 0 {
				// Parse reports at least one byte for every malformed
				// prefix (one for length < header size); this guard only
				// stops a zero count from spinning on the same bytes.
				return buf
			}
			buf = buf[consumed:]
		default: // ErrNeedMore
			return buf
		}
	}
}
