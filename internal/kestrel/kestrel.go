package kestrel

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/shaunagostinho/kestrel-dash/internal/link"
)

const (
	defaultBaudRate        = 115200
	defaultResponseTimeout = 3 * time.Second
	defaultEventBuffer     = 256
	readChunk              = 256
	portReadTimeout        = 200 * time.Millisecond
)

var errAlreadyConnected = errors.New("kestrel: already connected")

// Config holds connection configuration for a Kestrel instrument.
type Config struct {
	PortPath        string
	BaudRate        int
	ResponseTimeout time.Duration
	FramePadding    int // 20 for the BLE serial bridge
	RecordSize      int // expected log record size, 0 to skip the check
	BufferSize      int
	Location        *time.Location
	EventBuffer     int

	// Name overrides the provider name.
	Name string
	// Dialer replaces the serial port, e.g. with a Simulator.
	Dialer func() (io.ReadWriteCloser, error)
	Logger logrus.FieldLogger
}

// Kestrel drives one instrument over a byte transport. All engine access
// is serialised by mu; a single goroutine reads the transport and a
// watchdog abandons commands that stay un-acked past ResponseTimeout.
type Kestrel struct {
	cfg Config
	log logrus.FieldLogger

	mu        sync.Mutex
	port      io.ReadWriteCloser
	engine    *link.Engine
	connected bool
	done      chan struct{}
	wg        sync.WaitGroup

	events chan link.Event
}

// New creates a Kestrel provider. Nothing is opened until Connect.
func New(cfg Config) *Kestrel {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = link.DefaultBufferSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Name == "" {
		cfg.Name = "Kestrel"
	}
	l := cfg.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Kestrel{
		cfg:    cfg,
		log:    l.WithField("component", "kestrel"),
		events: make(chan link.Event, cfg.EventBuffer),
	}
}

func (k *Kestrel) Name() string { return k.cfg.Name }

func (k *Kestrel) Events() <-chan link.Event { return k.events }

func (k *Kestrel) IsConnected() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.connected
}

// Connect opens the transport, binds a fresh engine to it and starts the
// reader and watchdog goroutines.
func (k *Kestrel) Connect() error {
	if k.IsConnected() {
		return errAlreadyConnected
	}
	// goroutines of a dropped connection must be gone before we rebind
	k.wg.Wait()

	port, err := k.dial()
	if err != nil {
		return err
	}

	k.mu.Lock()
	if k.connected {
		k.mu.Unlock()
		port.Close()
		return errAlreadyConnected
	}
	k.port = port
	k.engine = link.NewEngine(port,
		link.WithLogger(k.log),
		link.WithBufferSize(k.cfg.BufferSize),
		link.WithFramePadding(k.cfg.FramePadding),
		link.WithRecordSize(k.cfg.RecordSize),
		link.WithLocation(k.cfg.Location),
	)
	k.done = make(chan struct{})
	k.connected = true
	done := k.done
	k.mu.Unlock()

	k.wg.Add(2)
	go k.readLoop(port, done)
	go k.watchdog(done)

	k.log.WithField("port", k.describePort()).Info("connected")
	return nil
}

func (k *Kestrel) dial() (io.ReadWriteCloser, error) {
	if k.cfg.Dialer != nil {
		return k.cfg.Dialer()
	}
	mode := &serial.Mode{
		BaudRate: k.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(k.cfg.PortPath, mode)
	if err != nil {
		return nil, fmt.Errorf("kestrel: failed to open %s: %w", k.cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(portReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("kestrel: failed to set timeout: %w", err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		k.log.Warnf("could not flush input on %s: %v", k.cfg.PortPath, err)
	}
	return port, nil
}

func (k *Kestrel) describePort() string {
	if k.cfg.Dialer != nil {
		return "custom"
	}
	return fmt.Sprintf("%s@%d", k.cfg.PortPath, k.cfg.BaudRate)
}

// Close stops the goroutines and closes the transport.
func (k *Kestrel) Close() error {
	err := k.drop()
	k.wg.Wait()
	return err
}

// drop tears the connection down without waiting for the goroutines, so
// the reader can call it on a fatal error.
func (k *Kestrel) drop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.connected {
		return nil
	}
	k.connected = false
	close(k.done)
	err := k.port.Close()
	k.port = nil
	return err
}

func (k *Kestrel) RequestSnapshot() error {
	return k.do(func(e *link.Engine) error { return e.RequestSnapshot() })
}

func (k *Kestrel) DownloadLog(start uint32) error {
	k.log.WithField("start", start).Info("starting log download")
	return k.do(func(e *link.Engine) error { return e.DownloadLog(start) })
}

// Pending returns the number of queued commands and whether one is in
// flight.
func (k *Kestrel) Pending() (int, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.engine == nil {
		return 0, false
	}
	return k.engine.Pending(), k.engine.Busy()
}

// Downloading reports whether a log transfer is in progress.
func (k *Kestrel) Downloading() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.connected && k.engine.Downloading()
}

func (k *Kestrel) do(fn func(*link.Engine) error) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.connected {
		return ErrNotConnected
	}
	return fn(k.engine)
}

func (k *Kestrel) readLoop(port io.Reader, done <-chan struct{}) {
	defer k.wg.Done()
	buf := make([]byte, readChunk)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			k.mu.Lock()
			var (
				evs  []link.Event
				ferr error
			)
			if k.connected {
				evs, ferr = k.engine.Feed(buf[:n])
			}
			k.mu.Unlock()
			k.publish(evs)

			if ferr != nil {
				k.publish([]link.Event{{Kind: link.EventFrameError, Time: time.Now(), Err: ferr}})
				k.log.Errorf("link failed, dropping connection: %v", ferr)
				k.drop()
				return
			}
		}
		if err != nil {
			select {
			case <-done:
			default:
				k.log.Warnf("read failed: %v", err)
				k.drop()
			}
			return
		}
	}
}

func (k *Kestrel) watchdog(done <-chan struct{}) {
	defer k.wg.Done()
	tick := k.cfg.ResponseTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			k.checkTimeout()
		}
	}
}

// checkTimeout abandons the in-flight command once it has waited longer
// than ResponseTimeout and sends the next queued one. With nothing in
// flight it abandons a log transfer that has gone silent as long.
func (k *Kestrel) checkTimeout() {
	k.mu.Lock()
	if !k.connected {
		k.mu.Unlock()
		return
	}
	since, busy := k.engine.InFlightSince()
	if !busy {
		stalled := k.engine.TransferStalled(k.cfg.ResponseTimeout)
		code, _ := k.engine.LastAcked()
		if stalled {
			k.engine.AbortTransfer()
		}
		k.mu.Unlock()
		if stalled {
			k.log.WithField("code", fmt.Sprintf("0x%02X", code)).Warn("log transfer stalled, abandoned")
			k.publish([]link.Event{{Kind: link.EventTimeout, Time: time.Now(), Code: code}})
		}
		return
	}
	if time.Since(since) < k.cfg.ResponseTimeout {
		k.mu.Unlock()
		return
	}
	c, _, err := k.engine.ResetQueue()
	k.mu.Unlock()

	now := time.Now()
	evs := []link.Event{{Kind: link.EventTimeout, Time: now, Code: c.Code}}
	if err != nil {
		evs = append(evs, link.Event{Kind: link.EventWriteError, Time: now, Err: err})
	}
	k.log.WithField("code", fmt.Sprintf("0x%02X", c.Code)).Warn("no response, command abandoned")
	k.publish(evs)
}

// publish forwards events without blocking the reader. A slow consumer
// loses events rather than stalling the link.
func (k *Kestrel) publish(evs []link.Event) {
	for _, ev := range evs {
		select {
		case k.events <- ev:
		default:
			k.log.WithField("kind", ev.Kind).Warn("event channel full, dropping event")
		}
	}
}
