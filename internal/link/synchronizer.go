package link

import (
	"bytes"
	"errors"
)

// DefaultBufferSize holds the largest transport chunk plus one partial
// frame. The instrument never sends more than 256 bytes at a time.
const DefaultBufferSize = 512

// ErrBufferOverflow means the input buffer filled up without yielding a
// complete frame. The byte stream cannot be trusted past this point.
var ErrBufferOverflow = errors.New("link: input buffer overflow")

type syncState int

const (
	stateIdle    syncState = iota // no start marker seen
	stateSyncing                  // start marker at buf[0], waiting for the end marker
)

// Synchronizer cuts an unbounded byte stream into marker-delimited raw
// frames using a fixed-capacity buffer.
type Synchronizer struct {
	buf   []byte
	n     int
	state syncState
}

// NewSynchronizer returns a Synchronizer with a buffer of size bytes.
func NewSynchronizer(size int) *Synchronizer {
	if size < minFrameLen {
		size = DefaultBufferSize
	}
	return &Synchronizer{buf: make([]byte, size)}
}

// Feed appends chunk to the buffer and calls emit for every complete raw
// frame (markers included). The slice passed to emit is a copy. Feed
// returns ErrBufferOverflow when chunk cannot be buffered even after all
// complete frames have been drained.
func (s *Synchronizer) Feed(chunk []byte, emit func(raw []byte)) error {
	for {
		n := copy(s.buf[s.n:], chunk)
		s.n += n
		chunk = chunk[n:]

		for {
			raw, ok := s.next()
			if !ok {
				break
			}
			emit(raw)
		}

		if len(chunk) == 0 {
			return nil
		}
		if s.n == len(s.buf) {
			return ErrBufferOverflow
		}
	}
}

// next extracts one complete frame if the buffer holds one.
func (s *Synchronizer) next() ([]byte, bool) {
	if s.state == stateIdle {
		i := bytes.IndexByte(s.buf[:s.n], Marker)
		if i < 0 {
			// Noise outside any frame.
			s.n = 0
			return nil, false
		}
		s.discard(i)
		s.state = stateSyncing
	}

	// Adjacent markers: the first one closed a frame whose start we never
	// saw, the second one opens the next frame.
	for s.n > 1 && s.buf[1] == Marker {
		s.discard(1)
	}

	j := bytes.IndexByte(s.buf[1:s.n], Marker)
	if j < 0 {
		return nil, false
	}
	end := j + 2
	raw := append([]byte(nil), s.buf[:end]...)
	s.discard(end)
	s.state = stateIdle
	return raw, true
}

func (s *Synchronizer) discard(k int) {
	copy(s.buf, s.buf[k:s.n])
	s.n -= k
}

// Buffered returns the number of bytes waiting for a frame to complete.
func (s *Synchronizer) Buffered() int { return s.n }

// Syncing reports whether a start marker has been seen.
func (s *Synchronizer) Syncing() bool { return s.state == stateSyncing }

// Reset drops all buffered bytes.
func (s *Synchronizer) Reset() {
	s.n = 0
	s.state = stateIdle
}
