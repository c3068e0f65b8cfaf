package link

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *bytes.Buffer) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	out := &bytes.Buffer{}
	opts = append([]Option{
		WithLogger(logger),
		WithClock(func() time.Time { return testTime }),
	}, opts...)
	return NewEngine(out, opts...), out
}

// sent decodes and drains every frame the engine has written.
func sent(t *testing.T, out *bytes.Buffer) []Packet {
	t.Helper()
	var pkts []Packet
	s := NewSynchronizer(4096)
	require.NoError(t, s.Feed(out.Bytes(), func(raw []byte) {
		f, err := DecodeFrame(raw)
		require.NoError(t, err)
		p, err := ParsePacket(f)
		require.NoError(t, err)
		pkts = append(pkts, p)
	}))
	out.Reset()
	return pkts
}

func feed(t *testing.T, e *Engine, frames ...[]byte) []Event {
	t.Helper()
	var all []Event
	for _, f := range frames {
		evs, err := e.Feed(f)
		require.NoError(t, err)
		all = append(all, evs...)
	}
	return all
}

func ackOf(t *testing.T, code uint16) []byte {
	t.Helper()
	f, err := AckFrame(code)
	require.NoError(t, err)
	return f
}

func dataOf(t *testing.T, payload []byte) []byte {
	return mustFrame(t, PacketData, payload)
}

func metadataOf(t *testing.T, fields ...FieldSpec) []byte {
	return mustFrame(t, PacketMetadata, MetadataPayload(true, 0, fields))
}

func kinds(evs []Event) []EventKind {
	out := make([]EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func TestEngineLogDataEndToEnd(t *testing.T) {
	e, out := newTestEngine(t)

	evs := feed(t, e, metadataOf(t, FieldSpec{FieldTemperature, 27, 2}))
	assert.Equal(t, []EventKind{EventTemplate}, kinds(evs))
	assert.Equal(t, []string{"temperature"}, evs[0].Names)
	pkts := sent(t, out)
	require.Len(t, pkts, 1)
	assert.Equal(t, PacketAck, pkts[0].Type)
	assert.Equal(t, AckAny, pkts[0].Code)

	feed(t, e, ackOf(t, CmdGetLogDataAt))

	payload := append(u16(0), u16(2500)...)
	payload = append(payload, u16(0xFFFF)...)
	payload = append(payload, u16(1800)...)
	evs = feed(t, e, dataOf(t, payload))

	require.Equal(t, []EventKind{EventLogRecord, EventLogRecord, EventLogRecord}, kinds(evs))
	assert.InDelta(t, 25.0, evs[0].Fields["temperature"], 1e-9)
	assert.Empty(t, evs[1].Fields)
	assert.InDelta(t, 18.0, evs[2].Fields["temperature"], 1e-9)
	for _, ev := range evs {
		assert.Equal(t, testTime, ev.Time)
	}

	pkts = sent(t, out)
	require.Len(t, pkts, 1)
	assert.Equal(t, PacketAck, pkts[0].Type)
	assert.Equal(t, AckAny, pkts[0].Code)
}

func TestEngineQueueOrder(t *testing.T) {
	e, out := newTestEngine(t)

	require.NoError(t, e.Enqueue(Command{Code: 0xA}))
	require.NoError(t, e.Enqueue(Command{Code: 0xB}))
	require.NoError(t, e.Enqueue(Command{Code: 0xC}))

	var order []uint16
	for _, code := range []uint16{0xA, 0xB, 0xC} {
		pkts := sent(t, out)
		require.Len(t, pkts, 1, "exactly one command on the wire before its ack")
		assert.Equal(t, PacketCommand, pkts[0].Type)
		order = append(order, pkts[0].Code)
		feed(t, e, ackOf(t, code))
	}
	assert.Equal(t, []uint16{0xA, 0xB, 0xC}, order)
	assert.False(t, e.Busy())
	assert.Empty(t, sent(t, out))
}

func TestEngineCRCErrorDropsFrame(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.RequestSnapshot())
	sent(t, out)

	bad := ackOf(t, CmdGetDataSnapshot)
	bad[len(bad)-2] ^= 0x01
	evs := feed(t, e, bad)

	require.Equal(t, []EventKind{EventCRCError}, kinds(evs))
	assert.ErrorIs(t, evs[0].Err, ErrCRCMismatch)
	assert.True(t, e.Busy(), "corrupt ack must not advance the queue")
	assert.Empty(t, sent(t, out), "no nack is sent for a corrupt frame")
}

func TestEngineNackAdvancesQueue(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.Enqueue(Command{Code: CmdGetSerialNumber}))
	require.NoError(t, e.RequestSnapshot())
	sent(t, out)

	nack, err := NackFrame(CmdGetSerialNumber, 3)
	require.NoError(t, err)
	evs := feed(t, e, nack)

	require.Equal(t, []EventKind{EventNack}, kinds(evs))
	assert.Equal(t, CmdGetSerialNumber, evs[0].Code)
	assert.Equal(t, uint16(3), evs[0].Reason)

	pkts := sent(t, out)
	require.Len(t, pkts, 1)
	assert.Equal(t, CmdGetDataSnapshot, pkts[0].Code)
}

func TestEngineEndOfData(t *testing.T) {
	e, out := newTestEngine(t)

	eod, err := CommandFrame(CmdEndOfData, nil)
	require.NoError(t, err)
	evs := feed(t, e, eod)

	assert.Equal(t, []EventKind{EventTransferComplete}, kinds(evs))
	pkts := sent(t, out)
	require.Len(t, pkts, 1)
	assert.Equal(t, PacketAck, pkts[0].Type)
	assert.Equal(t, CmdEndOfData, pkts[0].Code)
}

func TestEngineDownloadChain(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.DownloadLog(0))

	pkts := sent(t, out)
	require.Len(t, pkts, 1)
	assert.Equal(t, CmdTotalRecordsWritten, pkts[0].Code)

	evs := feed(t, e, ackOf(t, CmdTotalRecordsWritten), dataOf(t, Uint32Args(1200)))
	require.Equal(t, []EventKind{EventRecordCount}, kinds(evs))
	assert.Equal(t, uint32(1200), evs[0].Count)

	pkts = sent(t, out)
	require.Len(t, pkts, 1)
	assert.Equal(t, CmdGetLogCountAt, pkts[0].Code)
	assert.Equal(t, Uint32Args(0), pkts[0].Args)

	evs = feed(t, e, ackOf(t, CmdGetLogCountAt), dataOf(t, Uint32Args(40)))
	require.Equal(t, []EventKind{EventLogSize}, kinds(evs))
	assert.Equal(t, uint32(40), evs[0].Count)

	pkts = sent(t, out)
	require.Len(t, pkts, 1)
	assert.Equal(t, CmdGetLogDataAt, pkts[0].Code)

	evs = feed(t, e,
		ackOf(t, CmdGetLogDataAt),
		metadataOf(t, FieldSpec{FieldTemperature, 27, 2}),
		dataOf(t, append(u16(0), u16(2100)...)),
	)
	assert.Equal(t, []EventKind{EventTemplate, EventLogRecord}, kinds(evs))
	assert.Equal(t, uint16(0), evs[1].Sequence)
}

func TestEngineSnapshot(t *testing.T) {
	e, out := newTestEngine(t)
	feed(t, e, metadataOf(t,
		FieldSpec{FieldTemperature, 28, 2},
		FieldSpec{FieldRelHumidity, 27, 2},
	))
	require.NoError(t, e.RequestSnapshot())
	sent(t, out)

	payload := append(u16(uint16(0xFFFF-250+1)), u16(6543)...) // -2.50 C, 65.43 %
	evs := feed(t, e, ackOf(t, CmdGetDataSnapshot), dataOf(t, payload))

	require.Equal(t, []EventKind{EventReading}, kinds(evs))
	assert.InDelta(t, -2.5, evs[0].Fields["temperature"], 1e-9)
	assert.InDelta(t, 65.43, evs[0].Fields["rel_humidity"], 1e-9)
}

func TestEngineDataBeforeAnyAck(t *testing.T) {
	e, _ := newTestEngine(t)
	evs := feed(t, e, dataOf(t, []byte{1, 2, 3, 4}))
	require.Equal(t, []EventKind{EventUnexpectedData}, kinds(evs))
	assert.ErrorIs(t, evs[0].Err, ErrUnexpectedData)
}

func TestEngineLogDataWithoutTemplate(t *testing.T) {
	e, out := newTestEngine(t)
	evs := feed(t, e, ackOf(t, CmdGetLogDataAt), dataOf(t, append(u16(0), 1, 2)))

	require.Equal(t, []EventKind{EventFrameError}, kinds(evs))
	assert.ErrorIs(t, evs[0].Err, ErrNoTemplate)
	pkts := sent(t, out)
	require.Len(t, pkts, 1, "log data is acked even when it cannot be decoded")
	assert.Equal(t, AckAny, pkts[0].Code)
}

func TestEngineRecordSizeMismatch(t *testing.T) {
	e, _ := newTestEngine(t, WithRecordSize(41))
	evs := feed(t, e,
		metadataOf(t, FieldSpec{FieldTemperature, 27, 2}),
		ackOf(t, CmdGetLogDataAt),
		dataOf(t, append(u16(0), u16(100)...)),
	)
	require.Equal(t, []EventKind{EventTemplate, EventFrameError}, kinds(evs))
	assert.ErrorIs(t, evs[1].Err, ErrTemplateInvalid)
}

func TestEngineMetadataContinuation(t *testing.T) {
	e, out := newTestEngine(t)
	cont := mustFrame(t, PacketMetadataContinuation,
		MetadataPayload(false, 1, []FieldSpec{{FieldBarometer, 31, 2}, {FieldTemperature, 8, 4}}))

	evs := feed(t, e, metadataOf(t, FieldSpec{FieldRelHumidity, 27, 2}), cont)
	require.Equal(t, []EventKind{EventTemplate, EventUnsupportedField, EventTemplate}, kinds(evs))
	assert.Equal(t, "temperature", evs[1].Name)
	assert.Equal(t, []string{"rel_humidity", "barometer", "temperature"}, evs[2].Names)
	assert.Equal(t, 8, e.Template().Stride())
	assert.Len(t, sent(t, out), 2)
}

func TestEngineContinuationWithoutMetadata(t *testing.T) {
	e, out := newTestEngine(t)
	cont := mustFrame(t, PacketMetadataContinuation,
		MetadataPayload(false, 1, []FieldSpec{{FieldBarometer, 31, 2}}))

	evs := feed(t, e, cont)
	require.Equal(t, []EventKind{EventFrameError}, kinds(evs))
	assert.ErrorIs(t, evs[0].Err, ErrNoTemplate)
	assert.Len(t, sent(t, out), 1)
}

func TestEngineOverflowIsFatal(t *testing.T) {
	e, _ := newTestEngine(t, WithBufferSize(64))

	_, err := e.Feed(append([]byte{Marker}, bytes.Repeat([]byte{0x01}, 100)...))
	assert.ErrorIs(t, err, ErrBufferOverflow)
	assert.ErrorIs(t, e.Failed(), ErrBufferOverflow)

	_, err = e.Feed(ackOf(t, CmdGetDataSnapshot))
	assert.ErrorIs(t, err, ErrBufferOverflow)

	e.Reset()
	require.NoError(t, e.Failed())
	evs, err := e.Feed(ackOf(t, CmdGetDataSnapshot))
	require.NoError(t, err)
	assert.Empty(t, evs)
	code, ok := e.LastAcked()
	assert.True(t, ok)
	assert.Equal(t, CmdGetDataSnapshot, code)
}

func TestEngineFramePadding(t *testing.T) {
	e, out := newTestEngine(t, WithFramePadding(20))
	require.NoError(t, e.RequestSnapshot())

	assert.Equal(t, 20, out.Len())
	pkts := sent(t, out)
	require.Len(t, pkts, 1)
	assert.Equal(t, CmdGetDataSnapshot, pkts[0].Code)
}

func TestEngineResetQueue(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.Enqueue(Command{Code: CmdGetSerialNumber}))
	require.NoError(t, e.RequestSnapshot())
	sent(t, out)

	dropped, ok, err := e.ResetQueue()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, CmdGetSerialNumber, dropped.Code)

	pkts := sent(t, out)
	require.Len(t, pkts, 1)
	assert.Equal(t, CmdGetDataSnapshot, pkts[0].Code)
	assert.Equal(t, 0, e.Pending())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("port closed") }

func TestEngineWriteFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	e := NewEngine(failingWriter{}, WithLogger(logger))

	err := e.RequestSnapshot()
	assert.ErrorIs(t, err, ErrWrite)
	assert.False(t, e.Busy())

	evs, err := e.Feed(metadataOf(t, FieldSpec{FieldTemperature, 27, 2}))
	require.NoError(t, err)
	require.Equal(t, []EventKind{EventTemplate, EventWriteError}, kinds(evs))
	assert.Equal(t, AckAny, evs[1].Code)
}

func TestEngineLogsWithComponent(t *testing.T) {
	logger, hook := test.NewNullLogger()
	e := NewEngine(&bytes.Buffer{}, WithLogger(logger))

	bad := ackOf(t, 0)
	bad[len(bad)-2] ^= 0xFF
	_, err := e.Feed(bad)
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "link", entry.Data["component"])
}

func TestEventJSON(t *testing.T) {
	ev := Event{Kind: EventFrameError, Time: testTime, Err: ErrShortFrame}
	b, err := ev.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"kind":"frame_error","time":"2024-05-01T12:00:00Z","error":"`+ErrShortFrame.Error()+`"}`,
		string(b))
}

func TestMetadataPayloadSequence(t *testing.T) {
	b := MetadataPayload(false, 7, []FieldSpec{{1, 2, 3}})
	assert.Equal(t, uint16(7), binary.LittleEndian.Uint16(b))
	assert.Len(t, b, 8)
}

func TestEngineInFlightSince(t *testing.T) {
	e, _ := newTestEngine(t)
	_, ok := e.InFlightSince()
	assert.False(t, ok)

	require.NoError(t, e.RequestSnapshot())
	at, ok := e.InFlightSince()
	assert.True(t, ok)
	assert.Equal(t, testTime, at)

	feed(t, e, ackOf(t, CmdGetDataSnapshot))
	_, ok = e.InFlightSince()
	assert.False(t, ok)
}

func TestEngineMalformedMetadataRejectsData(t *testing.T) {
	e, out := newTestEngine(t)
	feed(t, e, metadataOf(t, FieldSpec{FieldTemperature, 27, 2}))
	sent(t, out)

	broken := append(MetadataPayload(true, 0, []FieldSpec{{FieldRelHumidity, 28, 2}}), 0x00)
	evs := feed(t, e, mustFrame(t, PacketMetadata, broken))
	require.Equal(t, []EventKind{EventFrameError}, kinds(evs))
	assert.ErrorIs(t, evs[0].Err, ErrMetadata)

	pkts := sent(t, out)
	require.Len(t, pkts, 1, "metadata is acked even when it cannot be parsed")
	assert.Equal(t, PacketAck, pkts[0].Type)
	assert.Equal(t, AckAny, pkts[0].Code)

	evs = feed(t, e, ackOf(t, CmdGetLogDataAt), dataOf(t, append(u16(0), u16(10000)...)))
	require.Equal(t, []EventKind{EventFrameError}, kinds(evs))
	assert.Error(t, evs[0].Err)

	evs = feed(t, e,
		metadataOf(t, FieldSpec{FieldRelHumidity, 27, 2}),
		dataOf(t, append(u16(1), u16(4200)...)),
	)
	require.Equal(t, []EventKind{EventTemplate, EventLogRecord}, kinds(evs))
	assert.InDelta(t, 42.0, evs[1].Fields["rel_humidity"], 1e-9)
}

func TestEngineMalformedContinuationInvalidatesTemplate(t *testing.T) {
	e, _ := newTestEngine(t)
	broken := append(MetadataPayload(false, 1, []FieldSpec{{FieldBarometer, 31, 2}}), 0x01, 0x02)

	evs := feed(t, e,
		metadataOf(t, FieldSpec{FieldTemperature, 27, 2}),
		mustFrame(t, PacketMetadataContinuation, broken),
		ackOf(t, CmdGetLogDataAt),
		dataOf(t, append(u16(0), u16(100)...)),
	)
	require.Equal(t, []EventKind{EventTemplate, EventFrameError, EventFrameError}, kinds(evs))
	assert.ErrorIs(t, evs[2].Err, ErrTemplateInvalid)
}

func TestEngineSnapshotRefusedDuringDownload(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.DownloadLog(0))
	assert.True(t, e.Downloading())
	sent(t, out)

	assert.ErrorIs(t, e.RequestSnapshot(), ErrTransferActive)
	assert.ErrorIs(t, e.DownloadLog(5), ErrTransferActive)

	evs := feed(t, e, ackOf(t, CmdTotalRecordsWritten))
	assert.Empty(t, evs)
	assert.Empty(t, sent(t, out), "nothing goes out between an ack and its data")

	assert.ErrorIs(t, e.RequestSnapshot(), ErrTransferActive)
	evs = feed(t, e, dataOf(t, Uint32Args(1200)))
	require.Equal(t, []EventKind{EventRecordCount}, kinds(evs))
	pkts := sent(t, out)
	require.Len(t, pkts, 1)
	assert.Equal(t, CmdGetLogCountAt, pkts[0].Code)

	feed(t, e, ackOf(t, CmdGetLogCountAt), dataOf(t, Uint32Args(3)))
	pkts = sent(t, out)
	require.Len(t, pkts, 1)
	assert.Equal(t, CmdGetLogDataAt, pkts[0].Code)

	eod, err := CommandFrame(CmdEndOfData, nil)
	require.NoError(t, err)
	evs = feed(t, e, ackOf(t, CmdGetLogDataAt), eod)
	assert.Equal(t, []EventKind{EventTransferComplete}, kinds(evs))
	assert.False(t, e.Downloading())

	require.NoError(t, e.RequestSnapshot())
}

func TestEngineTransferEnds(t *testing.T) {
	t.Run("nack", func(t *testing.T) {
		e, _ := newTestEngine(t)
		require.NoError(t, e.DownloadLog(0))
		nack, err := NackFrame(CmdTotalRecordsWritten, 1)
		require.NoError(t, err)
		feed(t, e, nack)
		assert.False(t, e.Downloading())
	})

	t.Run("unrelated nack", func(t *testing.T) {
		e, _ := newTestEngine(t)
		require.NoError(t, e.Enqueue(Command{Code: CmdGetSerialNumber}))
		require.NoError(t, e.DownloadLog(0))
		nack, err := NackFrame(CmdGetSerialNumber, 1)
		require.NoError(t, err)
		feed(t, e, nack)
		assert.True(t, e.Downloading())
	})

	t.Run("timeout", func(t *testing.T) {
		e, _ := newTestEngine(t)
		require.NoError(t, e.DownloadLog(0))
		_, _, err := e.ResetQueue()
		require.NoError(t, err)
		assert.False(t, e.Downloading())
	})

	t.Run("short count", func(t *testing.T) {
		e, _ := newTestEngine(t)
		require.NoError(t, e.DownloadLog(0))
		evs := feed(t, e, ackOf(t, CmdTotalRecordsWritten), dataOf(t, []byte{1}))
		require.Equal(t, []EventKind{EventFrameError}, kinds(evs))
		assert.False(t, e.Downloading())
	})

	t.Run("reset", func(t *testing.T) {
		e, _ := newTestEngine(t)
		require.NoError(t, e.DownloadLog(0))
		e.Reset()
		assert.False(t, e.Downloading())
	})
}

func TestEngineTransferStalled(t *testing.T) {
	now := testTime
	e, _ := newTestEngine(t, WithClock(func() time.Time { return now }))
	require.NoError(t, e.DownloadLog(0))

	now = now.Add(time.Minute)
	assert.False(t, e.TransferStalled(time.Second), "a command in flight is the watchdog's job")

	feed(t, e, ackOf(t, CmdTotalRecordsWritten))
	assert.False(t, e.TransferStalled(time.Second))

	now = now.Add(2 * time.Second)
	assert.True(t, e.TransferStalled(time.Second))

	e.AbortTransfer()
	assert.False(t, e.Downloading())
	assert.False(t, e.TransferStalled(time.Second))
}
