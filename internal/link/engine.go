// Package link implements the Kestrel LiNK binary protocol: byte stuffing,
// CRC-16/X.25 framing, frame synchronisation over a chunked stream, the
// command/ack flow and the metadata-driven log record decoder.
//
// An Engine is bound to one connection and is not safe for concurrent use.
package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrUnexpectedData = errors.New("link: data without a matching ack")
	ErrWrite          = errors.New("link: transport write failed")
	ErrTransferActive = errors.New("link: log transfer in progress")
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The engine tags entries with component=link.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithBufferSize sets the input buffer capacity.
func WithBufferSize(n int) Option {
	return func(e *Engine) { e.bufSize = n }
}

// WithFramePadding zero-pads every outgoing frame to n bytes.
func WithFramePadding(n int) Option {
	return func(e *Engine) { e.padTo = n }
}

// WithRecordSize rejects templates whose stride is not n bytes.
func WithRecordSize(n int) Option {
	return func(e *Engine) { e.recordSize = n }
}

// WithLocation sets the time zone of decoded device dates.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns all protocol state of one connection: the input buffer,
// the command queue, the active log template and the last acked command.
type Engine struct {
	w          io.Writer
	log        logrus.FieldLogger
	bufSize    int
	padTo      int
	recordSize int
	loc        *time.Location
	now        func() time.Time

	sync     *Synchronizer
	queue    CommandQueue
	template *Template
	metaSeq  uint16

	sentAt   time.Time
	acked    uint16
	hasAcked bool
	logStart uint32
	logSeq   uint16
	hasLog   bool
	// downloading is set from DownloadLog until the chain ends.
	downloading bool
	lastRx      time.Time

	failed error
	events []Event
}

// NewEngine returns an engine writing outgoing frames to w.
func NewEngine(w io.Writer, opts ...Option) *Engine {
	e := &Engine{
		w:       w,
		log:     logrus.StandardLogger(),
		bufSize: DefaultBufferSize,
		loc:     time.UTC,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithField("component", "link")
	e.sync = NewSynchronizer(e.bufSize)
	return e
}

// Feed consumes one chunk from the transport and returns the events it
// produced, in order. A non-nil error is fatal for the connection: the
// engine refuses further input until Reset.
func (e *Engine) Feed(chunk []byte) ([]Event, error) {
	if e.failed != nil {
		return nil, e.failed
	}
	err := e.sync.Feed(chunk, e.handleFrame)
	events := e.events
	e.events = nil
	if err != nil {
		e.failed = err
		e.log.WithField("buffered", e.sync.Buffered()).Errorf("aborting decode: %v", err)
		return events, err
	}
	return events, nil
}

// Enqueue queues a command and sends it right away when nothing is in
// flight.
func (e *Engine) Enqueue(c Command) error {
	e.queue.Push(c)
	return e.processNext()
}

// RequestSnapshot asks the instrument for its current readings. It fails
// with ErrTransferActive during a log download, whose data packets are
// interpreted by the last acked command.
func (e *Engine) RequestSnapshot() error {
	if e.downloading {
		return ErrTransferActive
	}
	return e.Enqueue(Command{Code: CmdGetDataSnapshot})
}

// DownloadLog starts a log transfer from record index start.
func (e *Engine) DownloadLog(start uint32) error {
	if e.downloading {
		return ErrTransferActive
	}
	e.logStart = start
	e.hasLog = false
	e.downloading = true
	e.lastRx = e.now()
	if err := e.Enqueue(Command{Code: CmdTotalRecordsWritten}); err != nil {
		e.downloading = false
		return err
	}
	return nil
}

// Downloading reports whether a log transfer is in progress.
func (e *Engine) Downloading() bool { return e.downloading }

// TransferStalled reports a download with nothing in flight that has
// received no frame for at least idle. The device streams log data after
// acking GetLogDataAt, so only silence reveals a lost EndOfData.
func (e *Engine) TransferStalled(idle time.Duration) bool {
	return e.downloading && !e.queue.Busy() && e.now().Sub(e.lastRx) >= idle
}

// AbortTransfer gives up on the current log download.
func (e *Engine) AbortTransfer() { e.endTransfer("aborted") }

func (e *Engine) endTransfer(reason string) {
	if !e.downloading {
		return
	}
	e.downloading = false
	e.log.WithField("reason", reason).Debug("log transfer ended")
}

// ResetQueue abandons the in-flight command and sends the next one. The
// engine has no timers; callers use this to enforce a response timeout.
func (e *Engine) ResetQueue() (Command, bool, error) {
	c, ok := e.queue.Done()
	if ok {
		e.log.WithField("code", fmt.Sprintf("0x%02X", c.Code)).Warn("dropping un-acked command")
		if transferCommand(c.Code) {
			e.endTransfer("timeout")
		}
	}
	return c, ok, e.processNext()
}

// Reset clears all connection state, including a fatal overflow.
func (e *Engine) Reset() {
	e.sync.Reset()
	e.queue.Clear()
	e.template = nil
	e.hasAcked = false
	e.hasLog = false
	e.downloading = false
	e.failed = nil
	e.events = nil
}

// Busy reports whether a command is awaiting its ack.
func (e *Engine) Busy() bool { return e.queue.Busy() }

// InFlight returns the command awaiting its ack.
func (e *Engine) InFlight() (Command, bool) { return e.queue.InFlight() }

// InFlightSince returns when the in-flight command went out.
func (e *Engine) InFlightSince() (time.Time, bool) {
	if !e.queue.Busy() {
		return time.Time{}, false
	}
	return e.sentAt, true
}

// Pending is the number of queued commands not yet sent.
func (e *Engine) Pending() int { return e.queue.Len() }

// Template returns the active log template, or nil.
func (e *Engine) Template() *Template { return e.template }

// LastAcked returns the command code of the most recent ack.
func (e *Engine) LastAcked() (uint16, bool) { return e.acked, e.hasAcked }

// Failed returns the fatal error that stopped the engine, if any.
func (e *Engine) Failed() error { return e.failed }

func (e *Engine) processNext() error {
	c, ok := e.queue.Next()
	if !ok {
		return nil
	}
	frame, err := CommandFrame(c.Code, c.Args)
	if err != nil {
		e.queue.Done()
		return err
	}
	e.log.WithField("code", fmt.Sprintf("0x%02X", c.Code)).Debug("sending command")
	if err := e.write(frame); err != nil {
		e.queue.Done()
		return err
	}
	e.sentAt = e.now()
	return nil
}

func (e *Engine) sendAck(code uint16) {
	frame, err := AckFrame(code)
	if err == nil {
		err = e.write(frame)
	}
	if err != nil {
		e.emit(Event{Kind: EventWriteError, Code: code, Err: err})
	}
}

func (e *Engine) write(frame []byte) error {
	if e.padTo > 0 && len(frame) > e.padTo {
		e.log.Warnf("frame of %d bytes exceeds %d-byte padding", len(frame), e.padTo)
	}
	if _, err := e.w.Write(PadFrame(frame, e.padTo)); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (e *Engine) emit(ev Event) {
	ev.Time = e.now()
	e.events = append(e.events, ev)
}

func (e *Engine) handleFrame(raw []byte) {
	e.log.Debugf("rx frame % X", raw)
	e.lastRx = e.now()
	f, err := DecodeFrame(raw)
	if err != nil {
		if errors.Is(err, ErrCRCMismatch) {
			e.log.Warn(err)
			e.emit(Event{Kind: EventCRCError, Err: err})
			return
		}
		e.log.Warn(err)
		e.emit(Event{Kind: EventFrameError, Err: err})
		return
	}
	p, err := ParsePacket(f)
	if err != nil {
		e.log.Warn(err)
		e.emit(Event{Kind: EventFrameError, Err: err})
		if f.Type == PacketMetadata || f.Type == PacketMetadataContinuation {
			// Data after a broken layout must not decode under the old one.
			if e.template == nil || f.Type == PacketMetadata {
				e.template = NewTemplate(e.loc)
			}
			e.template.Invalidate(err)
			e.sendAck(AckAny)
		}
		return
	}
	e.dispatch(p)
}

func (e *Engine) dispatch(p Packet) {
	switch p.Type {
	case PacketCommand:
		if p.Code != CmdEndOfData {
			e.log.Debugf("ignoring device command 0x%02X", p.Code)
			return
		}
		e.sendAck(p.Code)
		e.endTransfer("end of data")
		e.log.Info("log transfer closed")
		e.emit(Event{Kind: EventTransferComplete})

	case PacketAck:
		e.acked = p.Code
		e.hasAcked = true
		e.queue.Done()
		e.advance()

	case PacketNack:
		e.log.WithField("reason", p.Reason).Warnf("nack for 0x%02X", p.Code)
		e.emit(Event{Kind: EventNack, Code: p.Code, Reason: p.Reason})
		if transferCommand(p.Code) {
			e.endTransfer("nack")
		}
		e.queue.Done()
		e.advance()

	case PacketData:
		e.handleData(p.Payload)

	case PacketMetadata:
		e.template = NewTemplate(e.loc)
		e.metaSeq = 0
		e.extendTemplate(p.Fields)
		e.sendAck(AckAny)

	case PacketMetadataContinuation:
		if e.template == nil {
			e.emit(Event{Kind: EventFrameError,
				Err: fmt.Errorf("%w: continuation %d without metadata", ErrNoTemplate, p.Sequence)})
		} else {
			if p.Sequence != e.metaSeq+1 {
				e.log.Warnf("metadata continuation %d, expected %d", p.Sequence, e.metaSeq+1)
			}
			e.metaSeq = p.Sequence
			e.extendTemplate(p.Fields)
		}
		e.sendAck(AckAny)
	}
}

func transferCommand(code uint16) bool {
	switch code {
	case CmdTotalRecordsWritten, CmdGetLogCountAt, CmdGetLogDataAt:
		return true
	}
	return false
}

func (e *Engine) advance() {
	if err := e.processNext(); err != nil {
		e.emit(Event{Kind: EventWriteError, Err: err})
	}
}

func (e *Engine) extendTemplate(specs []FieldSpec) {
	before := len(e.template.Fields)
	e.template.Append(specs)
	for _, f := range e.template.Fields[before:] {
		e.log.WithFields(logrus.Fields{
			"field": f.Name,
			"unit":  f.Unit.Name,
			"size":  f.Width,
		}).Debug("template field")
		if !f.Supported() {
			e.emit(Event{Kind: EventUnsupportedField, Name: f.Name, Unit: f.Unit.Name})
		}
	}
	e.emit(Event{Kind: EventTemplate, Names: e.template.Names()})
	if err := e.template.Err(); err != nil {
		e.log.Warn(err)
	}
}

func (e *Engine) handleData(b []byte) {
	if !e.hasAcked {
		e.emit(Event{Kind: EventUnexpectedData, Err: ErrUnexpectedData})
		return
	}
	switch e.acked {
	case CmdTotalRecordsWritten:
		n, ok := e.readCount(b)
		if !ok {
			e.endTransfer("bad record count")
			return
		}
		e.emit(Event{Kind: EventRecordCount, Count: n})
		if err := e.Enqueue(Command{Code: CmdGetLogCountAt, Args: Uint32Args(e.logStart)}); err != nil {
			e.endTransfer("write failed")
			e.emit(Event{Kind: EventWriteError, Code: CmdGetLogCountAt, Err: err})
		}

	case CmdGetLogCountAt:
		n, ok := e.readCount(b)
		if !ok {
			e.endTransfer("bad log size")
			return
		}
		e.emit(Event{Kind: EventLogSize, Count: n})
		if err := e.Enqueue(Command{Code: CmdGetLogDataAt, Args: Uint32Args(e.logStart)}); err != nil {
			e.endTransfer("write failed")
			e.emit(Event{Kind: EventWriteError, Code: CmdGetLogDataAt, Err: err})
		}

	case CmdGetLogDataAt:
		e.handleLogData(b)
		e.sendAck(AckAny)

	case CmdGetDataSnapshot:
		t, err := e.usableTemplate()
		if err == nil {
			var rec Record
			rec, _, err = t.Decode(b, 0)
			if err == nil {
				e.emit(Event{Kind: EventReading, Fields: rec.Fields, Unsupported: rec.Unsupported})
				return
			}
		}
		e.emit(Event{Kind: EventFrameError, Err: fmt.Errorf("snapshot: %w", err)})

	default:
		e.log.Warnf("unknown data response to 0x%02X", e.acked)
		e.emit(Event{Kind: EventUnexpectedData, Code: e.acked, Err: ErrUnexpectedData})
	}
}

func (e *Engine) handleLogData(b []byte) {
	if len(b) < 2 {
		e.emit(Event{Kind: EventFrameError, Err: fmt.Errorf("%w: log data with %d bytes", ErrShortPayload, len(b))})
		return
	}
	seq := binary.LittleEndian.Uint16(b)
	if e.hasLog && seq != e.logSeq+1 {
		e.log.Warnf("log sequence %d, expected %d", seq, e.logSeq+1)
	}
	e.logSeq, e.hasLog = seq, true

	t, err := e.usableTemplate()
	if err != nil {
		e.emit(Event{Kind: EventFrameError, Err: fmt.Errorf("log data %d: %w", seq, err)})
		return
	}
	recs, err := t.DecodeAll(b[2:])
	for _, rec := range recs {
		e.emit(Event{Kind: EventLogRecord, Sequence: seq, Fields: rec.Fields, Unsupported: rec.Unsupported})
	}
	if err != nil {
		e.emit(Event{Kind: EventFrameError, Err: fmt.Errorf("log data %d: %w", seq, err)})
	}
}

func (e *Engine) usableTemplate() (*Template, error) {
	if e.template == nil {
		return nil, ErrNoTemplate
	}
	e.template.Expect(e.recordSize)
	return e.template, e.template.Err()
}

func (e *Engine) readCount(b []byte) (uint32, bool) {
	if len(b) < 4 {
		e.emit(Event{Kind: EventFrameError,
			Err: fmt.Errorf("%w: count response with %d bytes", ErrShortPayload, len(b))})
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}
