package link

import "encoding/binary"

// Command is one queued request to the instrument.
type Command struct {
	Code uint16
	Args []byte
}

// Uint32Args encodes v as a 4-byte little-endian argument.
func Uint32Args(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// CommandQueue is a FIFO with at most one command in flight. It never
// reorders or coalesces entries.
type CommandQueue struct {
	pending  []Command
	inFlight *Command
}

// Push appends c to the tail.
func (q *CommandQueue) Push(c Command) {
	q.pending = append(q.pending, c)
}

// Next pops the head and marks it in flight. It returns false when a
// command is already in flight or nothing is pending.
func (q *CommandQueue) Next() (Command, bool) {
	if q.inFlight != nil || len(q.pending) == 0 {
		return Command{}, false
	}
	c := q.pending[0]
	q.pending[0] = Command{}
	q.pending = q.pending[1:]
	q.inFlight = &c
	return c, true
}

// Done clears the in-flight command and returns it.
func (q *CommandQueue) Done() (Command, bool) {
	if q.inFlight == nil {
		return Command{}, false
	}
	c := *q.inFlight
	q.inFlight = nil
	return c, true
}

// InFlight returns the command awaiting a response.
func (q *CommandQueue) InFlight() (Command, bool) {
	if q.inFlight == nil {
		return Command{}, false
	}
	return *q.inFlight, true
}

// Busy reports whether a command is awaiting a response.
func (q *CommandQueue) Busy() bool { return q.inFlight != nil }

// Len is the number of commands not yet sent.
func (q *CommandQueue) Len() int { return len(q.pending) }

// Clear drops everything, including the in-flight command.
func (q *CommandQueue) Clear() {
	q.pending = nil
	q.inFlight = nil
}
