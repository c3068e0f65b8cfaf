package link

import (
	"encoding/json"
	"time"
)

// EventKind discriminates Event.
type EventKind int

const (
	EventReading EventKind = iota + 1
	EventLogRecord
	EventTemplate
	EventRecordCount
	EventLogSize
	EventTransferComplete
	EventCRCError
	EventFrameError
	EventNack
	EventUnsupportedField
	EventUnexpectedData
	EventTimeout
	EventWriteError
)

var eventNames = map[EventKind]string{
	EventReading:          "reading",
	EventLogRecord:        "log_record",
	EventTemplate:         "template",
	EventRecordCount:      "record_count",
	EventLogSize:          "log_size",
	EventTransferComplete: "transfer_complete",
	EventCRCError:         "crc_error",
	EventFrameError:       "frame_error",
	EventNack:             "nack",
	EventUnsupportedField: "unsupported_field",
	EventUnexpectedData:   "unexpected_data",
	EventTimeout:          "timeout",
	EventWriteError:       "write_error",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON renders the kind by name.
func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Event is one unit of work produced by the engine. Only the fields that
// belong to Kind are set.
type Event struct {
	Kind EventKind `json:"kind"`
	Time time.Time `json:"time"`

	// reading, log_record
	Fields      map[string]any `json:"fields,omitempty"`
	Unsupported []string       `json:"unsupported,omitempty"`
	Sequence    uint16         `json:"sequence,omitempty"`

	// template
	Names []string `json:"names,omitempty"`

	// record_count, log_size
	Count uint32 `json:"count,omitempty"`

	// nack, unexpected_data, timeout
	Code   uint16 `json:"code,omitempty"`
	Reason uint16 `json:"reason,omitempty"`

	// unsupported_field
	Name string `json:"name,omitempty"`
	Unit string `json:"unit,omitempty"`

	// crc_error, frame_error
	Err error `json:"-"`
}

// MarshalJSON adds the error text, which encoding/json would otherwise drop.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(e)}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}
