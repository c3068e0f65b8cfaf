package link

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoTemplate      = errors.New("link: no log template")
	ErrTemplateInvalid = errors.New("link: log template invalid")
	ErrRecordLength    = errors.New("link: record length mismatch")
)

// FieldDescriptor is one named, typed and scaled column of a log record.
type FieldDescriptor struct {
	ID    uint16
	Name  string
	Unit  Unit
	Width int
}

// Supported reports whether the field has a decoder.
func (d FieldDescriptor) Supported() bool { return d.Unit.Supported() }

// Template is the ordered field layout of one fixed-size log record. It is
// built from a Metadata packet and any MetadataContinuation packets that
// follow it.
type Template struct {
	Fields   []FieldDescriptor
	Location *time.Location

	stride int
	err    error
}

// NewTemplate returns an empty template decoding dates in loc (UTC when nil).
func NewTemplate(loc *time.Location) *Template {
	if loc == nil {
		loc = time.UTC
	}
	return &Template{Location: loc}
}

// Append resolves specs against the field and unit tables and adds them.
// A name already in the template gets the field id appended, so record keys
// stay unique. The first inconsistency marks the template invalid for good.
func (t *Template) Append(specs []FieldSpec) {
	for _, s := range specs {
		name := t.uniqueName(s.FieldID)
		d := FieldDescriptor{
			ID:    s.FieldID,
			Name:  name,
			Unit:  LookupUnit(s.UnitID),
			Width: int(s.Width),
		}
		t.Fields = append(t.Fields, d)
		t.stride += d.Width
		if t.err != nil {
			continue
		}
		if d.Width == 0 {
			t.err = fmt.Errorf("%w: field %s has zero width", ErrTemplateInvalid, d.Name)
			continue
		}
		if w := d.Unit.Codec.Width(); w != 0 && w != d.Width {
			t.err = fmt.Errorf("%w: field %s is %d bytes, unit %s needs %d",
				ErrTemplateInvalid, d.Name, d.Width, d.Unit.Name, w)
		}
	}
}

func (t *Template) uniqueName(id uint16) string {
	base, _ := FieldName(id)
	name := base
	for n := 1; t.hasName(name); n++ {
		if n == 1 {
			name = fmt.Sprintf("%s_%d", base, id)
		} else {
			name = fmt.Sprintf("%s_%d_%d", base, id, n)
		}
	}
	return name
}

func (t *Template) hasName(name string) bool {
	for _, f := range t.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Invalidate marks the template unusable.
func (t *Template) Invalidate(err error) {
	if t.err == nil {
		t.err = fmt.Errorf("%w: %v", ErrTemplateInvalid, err)
	}
}

// Expect checks the stride against the record size the device reports.
func (t *Template) Expect(recordSize int) {
	if recordSize > 0 && t.stride != recordSize {
		t.Invalidate(fmt.Errorf("stride %d, device record size %d", t.stride, recordSize))
	}
}

// Stride is the byte size of one record.
func (t *Template) Stride() int { return t.stride }

// Err returns why the template cannot decode records, or nil.
func (t *Template) Err() error {
	if t == nil || len(t.Fields) == 0 {
		return ErrNoTemplate
	}
	return t.err
}

// Names lists field names in record order.
func (t *Template) Names() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// Unsupported lists the fields that have no decoder.
func (t *Template) Unsupported() []FieldDescriptor {
	var out []FieldDescriptor
	for _, f := range t.Fields {
		if !f.Supported() {
			out = append(out, f)
		}
	}
	return out
}

// Record is one decoded log record. Numeric fields are float64 when the
// unit has a scale and int64 otherwise; dates are time.Time. Bad values and
// unsupported fields are absent from Fields.
type Record struct {
	Fields      map[string]any
	Unsupported []string
}

// Decode reads one record starting at off and returns the offset of the
// next one.
func (t *Template) Decode(b []byte, off int) (Record, int, error) {
	if err := t.Err(); err != nil {
		return Record{}, off, err
	}
	if off < 0 || off+t.stride > len(b) {
		return Record{}, off, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrRecordLength, t.stride, off, len(b)-off)
	}
	rec := Record{Fields: make(map[string]any, len(t.Fields))}
	cur := off
	for _, f := range t.Fields {
		raw := b[cur : cur+f.Width]
		cur += f.Width
		if !f.Supported() {
			rec.Unsupported = append(rec.Unsupported, f.Name)
			continue
		}
		if v, ok := t.decodeField(f, raw); ok {
			rec.Fields[f.Name] = v
		}
	}
	return rec, cur, nil
}

// DecodeAll decodes consecutive records until fewer than one stride of
// bytes remain. Leftover bytes are reported with ErrRecordLength alongside
// the records that did decode.
func (t *Template) DecodeAll(b []byte) ([]Record, error) {
	if err := t.Err(); err != nil {
		return nil, err
	}
	var recs []Record
	off := 0
	for off+t.stride <= len(b) {
		rec, next, err := t.Decode(b, off)
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
		off = next
	}
	if off != len(b) {
		return recs, fmt.Errorf("%w: %d trailing bytes, stride %d", ErrRecordLength, len(b)-off, t.stride)
	}
	return recs, nil
}

func (t *Template) decodeField(f FieldDescriptor, b []byte) (any, bool) {
	if f.Unit.Codec == CodecDateTime {
		return decodeDateTime(b, t.Location)
	}
	raw, fv := readInteger(f.Unit.Codec, b)
	if isBadValue(f.Unit.Signed, f.Width, raw) {
		return nil, false
	}
	if f.Unit.Scale == 0 {
		return raw, true
	}
	return fv / f.Unit.Scale, true
}

// readInteger decodes a little-endian integer. The float64 copy keeps
// uint64 values above MaxInt64 meaningful.
func readInteger(c Codec, b []byte) (int64, float64) {
	switch c {
	case CodecUint8:
		return int64(b[0]), float64(b[0])
	case CodecInt8:
		v := int64(int8(b[0]))
		return v, float64(v)
	case CodecUint16:
		v := int64(uint16(b[0]) | uint16(b[1])<<8)
		return v, float64(v)
	case CodecInt16:
		v := int64(int16(uint16(b[0]) | uint16(b[1])<<8))
		return v, float64(v)
	case CodecUint24:
		v := int64(uint24(b))
		return v, float64(v)
	case CodecInt24:
		u := uint24(b)
		v := int64(u)
		if u&0x800000 != 0 {
			v -= 0x1000000
		}
		return v, float64(v)
	case CodecUint32:
		v := int64(uint32(uint24(b)) | uint32(b[3])<<24)
		return v, float64(v)
	case CodecInt32:
		v := int64(int32(uint32(uint24(b)) | uint32(b[3])<<24))
		return v, float64(v)
	case CodecUint64:
		u := uint64At(b)
		return int64(u), float64(u)
	case CodecInt64:
		v := int64(uint64At(b))
		return v, float64(v)
	}
	return 0, 0
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func uint64At(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// isBadValue matches the "no reading" sentinels the device writes.
func isBadValue(signed bool, width int, raw int64) bool {
	switch {
	case !signed && width == 2:
		return raw == 0xFFFF
	case !signed && width == 3:
		return raw == 0xFFFFFF
	case signed && width == 2:
		return raw == -32767
	case signed && width == 3:
		return raw == -8388607
	}
	return false
}

// decodeDateTime reads seconds, minutes, hours, day, month and a u16 LE
// year. Out-of-range components mean the slot was never written.
func decodeDateTime(b []byte, loc *time.Location) (time.Time, bool) {
	ss, mm, hh, dd, mo := int(b[0]), int(b[1]), int(b[2]), int(b[3]), int(b[4])
	yy := int(b[5]) | int(b[6])<<8
	if ss > 59 || mm > 59 || hh > 23 || dd < 1 || dd > 31 || mo < 1 || mo > 12 || yy == 0xFFFF {
		return time.Time{}, false
	}
	return time.Date(yy, time.Month(mo), dd, hh, mm, ss, 0, loc), true
}
