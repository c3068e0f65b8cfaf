package kestrel

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/kestrel-dash/internal/link"
)

func newSimKestrel(t *testing.T, records int, cfg Config) (*Kestrel, *Simulator) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	sim := NewSimulator(records, time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC))
	cfg.Logger = logger
	cfg.Dialer = func() (io.ReadWriteCloser, error) { return sim, nil }
	k := New(cfg)
	require.NoError(t, k.Connect())
	t.Cleanup(func() { k.Close() })
	return k, sim
}

// waitFor collects events until one of kind arrives.
func waitFor(t *testing.T, k Provider, kind link.EventKind, timeout time.Duration) []link.Event {
	t.Helper()
	var got []link.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-k.Events():
			got = append(got, ev)
			if ev.Kind == kind {
				return got
			}
		case <-deadline:
			t.Fatalf("no %s event within %v (got %d events)", kind, timeout, len(got))
			return nil
		}
	}
}

func countKind(evs []link.Event, kind link.EventKind) int {
	n := 0
	for _, ev := range evs {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestRequestsRequireConnection(t *testing.T) {
	k := New(Config{PortPath: "/dev/null-kestrel"})
	assert.False(t, k.IsConnected())
	assert.ErrorIs(t, k.RequestSnapshot(), ErrNotConnected)
	assert.ErrorIs(t, k.DownloadLog(0), ErrNotConnected)
	assert.NoError(t, k.Close())
}

func TestSnapshotAgainstSimulator(t *testing.T) {
	k, _ := newSimKestrel(t, 0, Config{FramePadding: 20, RecordSize: SimRecordSize})
	assert.True(t, k.IsConnected())

	require.NoError(t, k.RequestSnapshot())
	evs := waitFor(t, k, link.EventReading, 2*time.Second)
	reading := evs[len(evs)-1]

	assert.Contains(t, reading.Fields, "temperature")
	assert.Contains(t, reading.Fields, "rel_humidity")
	assert.Contains(t, reading.Fields, "barometer")
	assert.IsType(t, time.Time{}, reading.Fields["timestamp"])
	assert.Equal(t, 2, countKind(evs, link.EventTemplate))
	assert.Zero(t, countKind(evs, link.EventCRCError))
}

func TestLogDownloadAgainstSimulator(t *testing.T) {
	const records = 25
	k, _ := newSimKestrel(t, records, Config{FramePadding: 20})

	require.NoError(t, k.DownloadLog(0))
	evs := waitFor(t, k, link.EventTransferComplete, 5*time.Second)

	assert.Equal(t, records, countKind(evs, link.EventLogRecord))
	assert.Zero(t, countKind(evs, link.EventFrameError))

	var size, total uint32
	var missingWind int
	for _, ev := range evs {
		switch ev.Kind {
		case link.EventRecordCount:
			total = ev.Count
		case link.EventLogSize:
			size = ev.Count
		case link.EventLogRecord:
			if _, ok := ev.Fields["windspeed"]; !ok {
				missingWind++
			}
		}
	}
	assert.Equal(t, uint32(records), total)
	assert.Equal(t, uint32(records), size)
	assert.Equal(t, 2, missingWind, "entries 9 and 19 carry the no-reading sentinel")

	first := evs[0]
	for _, ev := range evs {
		if ev.Kind == link.EventLogRecord {
			first = ev
			break
		}
	}
	assert.Equal(t, time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC), first.Fields["timestamp"])

	n, busy := k.Pending()
	assert.Zero(t, n)
	assert.False(t, busy)
	assert.False(t, k.Downloading())
}

func TestUnknownCommandIsNacked(t *testing.T) {
	k, _ := newSimKestrel(t, 0, Config{})
	require.NoError(t, k.do(func(e *link.Engine) error {
		return e.Enqueue(link.Command{Code: link.CmdGetSerialNumber})
	}))
	evs := waitFor(t, k, link.EventNack, 2*time.Second)
	assert.Equal(t, link.CmdGetSerialNumber, evs[len(evs)-1].Code)
}

// silentPort swallows writes and never answers.
type silentPort struct {
	once   sync.Once
	closed chan struct{}
}

func newSilentPort() *silentPort { return &silentPort{closed: make(chan struct{})} }

func (p *silentPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *silentPort) Read([]byte) (int, error) {
	<-p.closed
	return 0, io.EOF
}

func (p *silentPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestResponseTimeoutAdvancesQueue(t *testing.T) {
	logger, _ := test.NewNullLogger()
	port := newSilentPort()
	k := New(Config{
		Logger:          logger,
		ResponseTimeout: 40 * time.Millisecond,
		Dialer:          func() (io.ReadWriteCloser, error) { return port, nil },
	})
	require.NoError(t, k.Connect())
	defer k.Close()

	require.NoError(t, k.RequestSnapshot())
	require.NoError(t, k.DownloadLog(0))

	evs := waitFor(t, k, link.EventTimeout, time.Second)
	assert.Equal(t, link.CmdGetDataSnapshot, evs[len(evs)-1].Code)

	evs = waitFor(t, k, link.EventTimeout, time.Second)
	assert.Equal(t, link.CmdTotalRecordsWritten, evs[len(evs)-1].Code)
}

func TestCloseAndReconnect(t *testing.T) {
	logger, _ := test.NewNullLogger()
	k := NewDemo(5, Config{Logger: logger})
	assert.Equal(t, "Demo (Simulated)", k.Name())

	require.NoError(t, k.Connect())
	assert.ErrorIs(t, k.Connect(), errAlreadyConnected)
	require.NoError(t, k.Close())
	assert.False(t, k.IsConnected())

	require.NoError(t, k.Connect())
	defer k.Close()
	require.NoError(t, k.RequestSnapshot())
	waitFor(t, k, link.EventReading, 2*time.Second)
}

func TestSimulatorChunksResponses(t *testing.T) {
	sim := NewSimulator(3, time.Unix(0, 0))
	f, err := link.CommandFrame(link.CmdTotalRecordsWritten, nil)
	require.NoError(t, err)
	_, err = sim.Write(link.PadFrame(f, 20))
	require.NoError(t, err)

	buf := make([]byte, 256)
	n, err := sim.Read(buf)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 20)

	require.NoError(t, sim.Close())
	for {
		if _, err = sim.Read(buf); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, io.EOF)
}

// ackOnlyPort acks every write with code and never sends data.
type ackOnlyPort struct {
	code   uint16
	out    chan []byte
	once   sync.Once
	closed chan struct{}
}

func newAckOnlyPort(code uint16) *ackOnlyPort {
	return &ackOnlyPort{code: code, out: make(chan []byte, 8), closed: make(chan struct{})}
}

func (p *ackOnlyPort) Write(b []byte) (int, error) {
	f, err := link.AckFrame(p.code)
	if err != nil {
		return 0, err
	}
	select {
	case p.out <- f:
	default:
	}
	return len(b), nil
}

func (p *ackOnlyPort) Read(b []byte) (int, error) {
	select {
	case f := <-p.out:
		return copy(b, f), nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *ackOnlyPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestStalledTransferIsAbandoned(t *testing.T) {
	logger, _ := test.NewNullLogger()
	port := newAckOnlyPort(link.CmdTotalRecordsWritten)
	k := New(Config{
		Logger:          logger,
		ResponseTimeout: 150 * time.Millisecond,
		Dialer:          func() (io.ReadWriteCloser, error) { return port, nil },
	})
	require.NoError(t, k.Connect())
	defer k.Close()

	require.NoError(t, k.DownloadLog(0))
	assert.True(t, k.Downloading())
	assert.ErrorIs(t, k.RequestSnapshot(), link.ErrTransferActive)

	evs := waitFor(t, k, link.EventTimeout, 2*time.Second)
	assert.Equal(t, link.CmdTotalRecordsWritten, evs[len(evs)-1].Code)
	assert.False(t, k.Downloading())
	assert.NoError(t, k.RequestSnapshot())
}
