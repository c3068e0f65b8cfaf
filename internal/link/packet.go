package link

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrUnknownPacket = errors.New("link: unknown packet type")
	ErrShortPayload  = errors.New("link: payload too short")
	ErrMetadata      = errors.New("link: malformed metadata")
)

// metadataEntryLen is one (field_id, unit_id, byte_width) triple.
const metadataEntryLen = 6

// FieldSpec is one raw metadata triple as sent by the device.
type FieldSpec struct {
	FieldID uint16
	UnitID  uint16
	Width   uint16
}

// Packet is the typed view of a Frame. Which fields are set depends on
// Type: Code for command/ack/nack, Reason for nack, Args for command,
// Payload for data, Sequence and Fields for metadata.
type Packet struct {
	Type     PacketType
	Code     uint16
	Reason   uint16
	Args     []byte
	Payload  []byte
	First    bool
	Sequence uint16
	Fields   []FieldSpec
}

// ParsePacket interprets a verified frame.
func ParsePacket(f Frame) (Packet, error) {
	p := Packet{Type: f.Type}
	b := f.Payload
	switch f.Type {
	case PacketCommand, PacketAck:
		if len(b) < 2 {
			return p, fmt.Errorf("%w: %s with %d bytes", ErrShortPayload, f.Type, len(b))
		}
		p.Code = binary.LittleEndian.Uint16(b)
		if f.Type == PacketCommand {
			p.Args = b[2:]
		}
	case PacketNack:
		if len(b) < 2 {
			return p, fmt.Errorf("%w: nack with %d bytes", ErrShortPayload, len(b))
		}
		p.Code = binary.LittleEndian.Uint16(b)
		if len(b) >= 4 {
			p.Reason = binary.LittleEndian.Uint16(b[2:])
		}
	case PacketData:
		p.Payload = b
	case PacketMetadata:
		p.First = true
		fields, err := parseFieldSpecs(b)
		if err != nil {
			return p, err
		}
		p.Fields = fields
	case PacketMetadataContinuation:
		if len(b) < 2 {
			return p, fmt.Errorf("%w: metadata continuation with %d bytes", ErrShortPayload, len(b))
		}
		p.Sequence = binary.LittleEndian.Uint16(b)
		fields, err := parseFieldSpecs(b[2:])
		if err != nil {
			return p, err
		}
		p.Fields = fields
	default:
		return p, fmt.Errorf("%w: %d", ErrUnknownPacket, uint16(f.Type))
	}
	return p, nil
}

func parseFieldSpecs(b []byte) ([]FieldSpec, error) {
	if len(b)%metadataEntryLen != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMetadata, len(b)%metadataEntryLen)
	}
	specs := make([]FieldSpec, 0, len(b)/metadataEntryLen)
	for i := 0; i+metadataEntryLen <= len(b); i += metadataEntryLen {
		specs = append(specs, FieldSpec{
			FieldID: binary.LittleEndian.Uint16(b[i:]),
			UnitID:  binary.LittleEndian.Uint16(b[i+2:]),
			Width:   binary.LittleEndian.Uint16(b[i+4:]),
		})
	}
	return specs, nil
}

// MetadataPayload encodes field specs the way the device sends them. A
// continuation payload is prefixed with its sequence number.
func MetadataPayload(first bool, seq uint16, fields []FieldSpec) []byte {
	off := 0
	if !first {
		off = 2
	}
	b := make([]byte, off+len(fields)*metadataEntryLen)
	if !first {
		binary.LittleEndian.PutUint16(b, seq)
	}
	for i, f := range fields {
		o := off + i*metadataEntryLen
		binary.LittleEndian.PutUint16(b[o:], f.FieldID)
		binary.LittleEndian.PutUint16(b[o+2:], f.UnitID)
		binary.LittleEndian.PutUint16(b[o+4:], f.Width)
	}
	return b
}
