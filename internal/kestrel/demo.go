package kestrel

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/shaunagostinho/kestrel-dash/internal/link"
)

// Simulator is an in-memory Kestrel instrument. Frames written to it are
// answered the way a real unit answers them; responses are read back in
// chunks no larger than the BLE characteristic size.
type Simulator struct {
	mu     sync.Mutex
	cond   *sync.Cond
	out    []byte
	closed bool

	in        *link.Synchronizer
	records   int
	start     time.Time
	perPacket int
	chunk     int
	t         float64 // virtual time for snapshots
}

const (
	simChunk     = 20
	simPerPacket = 8
	nackUnknown  = 1
)

// simFields is the record layout the simulator reports, split over one
// metadata packet and one continuation.
var simFields = [][]link.FieldSpec{
	{
		{FieldID: link.FieldTimestamp, UnitID: 36, Width: 7},
		{FieldID: link.FieldTemperature, UnitID: 62, Width: 3},
		{FieldID: link.FieldRelHumidity, UnitID: 27, Width: 2},
		{FieldID: link.FieldBarometer, UnitID: 31, Width: 2},
	},
	{
		{FieldID: link.FieldWindSpeed, UnitID: 56, Width: 2},
		{FieldID: link.FieldDewPoint, UnitID: 28, Width: 2},
		{FieldID: link.FieldCompassTrue, UnitID: 59, Width: 2},
		{FieldID: link.FieldBatteryPercent, UnitID: 0, Width: 1},
	},
}

// SimRecordSize is the byte size of one simulated log record.
const SimRecordSize = 7 + 3 + 2 + 2 + 2 + 2 + 2 + 1

// NewSimulator returns an instrument holding records log entries, one a
// minute from start.
func NewSimulator(records int, start time.Time) *Simulator {
	s := &Simulator{
		in:        link.NewSynchronizer(link.DefaultBufferSize),
		records:   records,
		start:     start.UTC(),
		perPacket: simPerPacket,
		chunk:     simChunk,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// NewDemo returns a provider wired to a fresh Simulator on every connect.
func NewDemo(records int, cfg Config) *Kestrel {
	if cfg.Name == "" {
		cfg.Name = "Demo (Simulated)"
	}
	start := time.Now().Add(-time.Duration(records) * time.Minute).Truncate(time.Minute)
	cfg.Dialer = func() (io.ReadWriteCloser, error) {
		return NewSimulator(records, start), nil
	}
	return New(cfg)
}

// Write accepts host frames, padding included.
func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if err := s.in.Feed(p, s.handle); err != nil {
		s.in.Reset()
	}
	return len(p), nil
}

// Read blocks until a response is available or the simulator is closed.
func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.out) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.out) == 0 {
		return 0, io.EOF
	}
	if len(p) > s.chunk {
		p = p[:s.chunk]
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
	return nil
}

func (s *Simulator) handle(raw []byte) {
	f, err := link.DecodeFrame(raw)
	if err != nil {
		return
	}
	p, err := link.ParsePacket(f)
	if err != nil || p.Type != link.PacketCommand {
		// host acks need no answer
		return
	}
	switch p.Code {
	case link.CmdGetDataSnapshot:
		s.ack(p.Code)
		s.sendMetadata()
		s.t++
		s.send(link.PacketData, s.record(-1))

	case link.CmdTotalRecordsWritten:
		s.ack(p.Code)
		s.send(link.PacketData, link.Uint32Args(uint32(s.records)))

	case link.CmdGetLogCountAt:
		s.ack(p.Code)
		s.send(link.PacketData, link.Uint32Args(uint32(s.records-s.startIndex(p.Args))))

	case link.CmdGetLogDataAt:
		s.ack(p.Code)
		s.sendMetadata()
		seq := uint16(0)
		for i := s.startIndex(p.Args); i < s.records; i += s.perPacket {
			payload := binary.LittleEndian.AppendUint16(nil, seq)
			for j := i; j < i+s.perPacket && j < s.records; j++ {
				payload = append(payload, s.record(j)...)
			}
			s.send(link.PacketData, payload)
			seq++
		}
		eod, _ := link.CommandFrame(link.CmdEndOfData, nil)
		s.queue(eod)

	default:
		nack, _ := link.NackFrame(p.Code, nackUnknown)
		s.queue(nack)
	}
}

func (s *Simulator) startIndex(args []byte) int {
	if len(args) < 4 {
		return 0
	}
	i := int(binary.LittleEndian.Uint32(args))
	if i > s.records {
		return s.records
	}
	return i
}

func (s *Simulator) sendMetadata() {
	for i, fields := range simFields {
		if i == 0 {
			s.send(link.PacketMetadata, link.MetadataPayload(true, 0, fields))
			continue
		}
		s.send(link.PacketMetadataContinuation, link.MetadataPayload(false, uint16(i), fields))
	}
}

func (s *Simulator) ack(code uint16) {
	f, _ := link.AckFrame(code)
	s.queue(f)
}

func (s *Simulator) send(t link.PacketType, payload []byte) {
	f, err := link.EncodeFrame(t, payload)
	if err != nil {
		return
	}
	s.queue(f)
}

func (s *Simulator) queue(frame []byte) {
	s.out = append(s.out, frame...)
	s.cond.Broadcast()
}

// record encodes log entry i, or the live reading when i is negative.
// Every 10th entry has no wind reading.
func (s *Simulator) record(i int) []byte {
	var (
		when  time.Time
		phase float64
	)
	if i < 0 {
		when = time.Now().UTC()
		phase = s.t * 0.05
	} else {
		when = s.start.Add(time.Duration(i) * time.Minute)
		phase = float64(i) * 0.1
	}

	temp := 18.0 + 6*math.Sin(phase)
	rh := 55.0 + 20*math.Cos(phase*0.7)
	baro := 1013.0 + 4*math.Sin(phase*0.3)
	wind := 2.5 + 2*math.Abs(math.Sin(phase*1.3))
	dew := temp - (100-rh)/5

	b := make([]byte, 0, SimRecordSize)
	b = append(b, byte(when.Second()), byte(when.Minute()), byte(when.Hour()),
		byte(when.Day()), byte(when.Month()))
	b = binary.LittleEndian.AppendUint16(b, uint16(when.Year()))
	t24 := uint32(int32(math.Round(temp*100))) & 0xFFFFFF
	b = append(b, byte(t24), byte(t24>>8), byte(t24>>16))
	b = binary.LittleEndian.AppendUint16(b, uint16(math.Round(rh*100)))
	b = binary.LittleEndian.AppendUint16(b, uint16(math.Round(baro*10)))
	if i >= 0 && i%10 == 9 {
		b = binary.LittleEndian.AppendUint16(b, 0xFFFF)
	} else {
		b = binary.LittleEndian.AppendUint16(b, uint16(math.Round(wind*1000)))
	}
	b = binary.LittleEndian.AppendUint16(b, uint16(int16(math.Round(dew*100))))
	b = binary.LittleEndian.AppendUint16(b, uint16(i*7+90)%360)
	b = append(b, 80)
	return b
}
