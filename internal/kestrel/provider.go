package kestrel

import (
	"errors"

	"github.com/shaunagostinho/kestrel-dash/internal/link"
)

// ErrNotConnected is returned by requests made while the link is down.
var ErrNotConnected = errors.New("kestrel: not connected")

// Provider is the interface every instrument backend implements. The
// serial driver and the simulated instrument both satisfy it.
type Provider interface {
	// Name returns the human-readable name of this provider.
	Name() string
	// Connect opens the transport and starts decoding.
	Connect() error
	// Close shuts the transport down. Events() stays open.
	Close() error
	// IsConnected returns whether the transport is up.
	IsConnected() bool

	// Events delivers decoded protocol events. The channel is shared
	// across reconnects and never closed.
	Events() <-chan link.Event

	// RequestSnapshot queues a current-readings request.
	RequestSnapshot() error
	// DownloadLog queues a log transfer starting at record index start.
	DownloadLog(start uint32) error
	// Downloading reports whether a log transfer is in progress.
	Downloading() bool
}
