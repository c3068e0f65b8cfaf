package link

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType is the 16-bit type field of a frame.
type PacketType uint16

const (
	PacketCommand PacketType = iota
	PacketMetadata
	PacketMetadataContinuation
	PacketData
	PacketAck
	PacketNack
)

func (t PacketType) String() string {
	switch t {
	case PacketCommand:
		return "command"
	case PacketMetadata:
		return "metadata"
	case PacketMetadataContinuation:
		return "metadata-cont"
	case PacketData:
		return "data"
	case PacketAck:
		return "ack"
	case PacketNack:
		return "nack"
	default:
		return fmt.Sprintf("type(%d)", uint16(t))
	}
}

// Command codes understood by a Kestrel 5-series instrument.
const (
	CmdGetDataSnapshot     uint16 = 0x00
	CmdGetLogCountAt       uint16 = 0x03
	CmdGetLogDataAt        uint16 = 0x05
	CmdGetSerialNumber     uint16 = 0x06
	CmdEndOfData           uint16 = 0x12
	CmdTotalRecordsWritten uint16 = 0x38

	// AckAny acknowledges metadata and log-data packets, which carry no
	// command code of their own.
	AckAny uint16 = 0xFFFF
)

const (
	headerLen = 4 // type + len
	crcLen    = 2
	// minFrameLen is an empty-payload frame including both markers.
	minFrameLen = 1 + headerLen + crcLen + 1
)

var (
	ErrShortFrame     = errors.New("link: frame too short")
	ErrLengthMismatch = errors.New("link: payload length mismatch")
	ErrCRCMismatch    = errors.New("link: crc mismatch")
	ErrPayloadTooLong = errors.New("link: payload too long")
)

// Frame is a verified, unescaped frame.
type Frame struct {
	Type    PacketType
	Payload []byte
}

// EncodeFrame builds the wire form of a frame:
//
//	MARKER escape(type:u16 LE | len:u16 LE | payload | crc:u16 LE) MARKER
//
// len is the unescaped payload length and the CRC covers type, len and
// payload before escaping. Unlike payload-only stuffing, the header and CRC
// are escaped too, so a 0x7E in the length or checksum cannot end the frame
// early. The instrument escapes its CRC bytes the same way.
func EncodeFrame(t PacketType, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, ErrPayloadTooLong
	}
	body := make([]byte, headerLen+len(payload)+crcLen)
	binary.LittleEndian.PutUint16(body[0:2], uint16(t))
	binary.LittleEndian.PutUint16(body[2:4], uint16(len(payload)))
	copy(body[headerLen:], payload)
	crc := Checksum(body[:headerLen+len(payload)])
	binary.LittleEndian.PutUint16(body[headerLen+len(payload):], crc)

	escaped := EscapeBytes(body)
	out := make([]byte, 0, len(escaped)+2)
	out = append(out, Marker)
	out = append(out, escaped...)
	out = append(out, Marker)
	return out, nil
}

// DecodeFrame unescapes a raw marker-delimited frame and verifies its
// length field and CRC.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < minFrameLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(raw))
	}
	if raw[0] != Marker || raw[len(raw)-1] != Marker {
		return Frame{}, fmt.Errorf("%w: missing markers", ErrShortFrame)
	}
	body, err := UnescapeBytes(raw[1 : len(raw)-1])
	if err != nil {
		return Frame{}, err
	}
	if len(body) < headerLen+crcLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(body))
	}
	t := PacketType(binary.LittleEndian.Uint16(body[0:2]))
	n := int(binary.LittleEndian.Uint16(body[2:4]))
	if len(body) != headerLen+n+crcLen {
		return Frame{}, fmt.Errorf("%w: header says %d, frame carries %d",
			ErrLengthMismatch, n, len(body)-headerLen-crcLen)
	}
	got := binary.LittleEndian.Uint16(body[headerLen+n:])
	want := Checksum(body[:headerLen+n])
	if got != want {
		return Frame{}, fmt.Errorf("%w: received 0x%04X, computed 0x%04X", ErrCRCMismatch, got, want)
	}
	return Frame{Type: t, Payload: body[headerLen : headerLen+n]}, nil
}

// PadFrame zero-fills a wire frame up to size bytes. Frames already at or
// above size are returned unchanged.
func PadFrame(frame []byte, size int) []byte {
	if size <= len(frame) {
		return frame
	}
	out := make([]byte, size)
	copy(out, frame)
	return out
}

// CommandFrame builds a Command frame for code with optional arguments.
func CommandFrame(code uint16, args []byte) ([]byte, error) {
	payload := make([]byte, 2+len(args))
	binary.LittleEndian.PutUint16(payload, code)
	copy(payload[2:], args)
	return EncodeFrame(PacketCommand, payload)
}

// AckFrame builds an Ack frame for code.
func AckFrame(code uint16) ([]byte, error) {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, code)
	return EncodeFrame(PacketAck, payload)
}

// NackFrame builds a Nack frame for code with a reason.
func NackFrame(code, reason uint16) ([]byte, error) {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], code)
	binary.LittleEndian.PutUint16(payload[2:4], reason)
	return EncodeFrame(PacketNack, payload)
}
