package bluetooth

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotReady is returned when a send or observe is attempted with
	// no live connection. Callers must reconnect first; the transport
	// never blocks waiting for a link to appear.
	ErrNotReady = errors.New("bluetooth: not connected to peripheral")

	// ErrScanTimeout is returned when no advertisement matching the
	// device name filter arrives within the scan window.
	ErrScanTimeout = errors.New("bluetooth: scan timeout, no matching device found")
)

// Phase is the coarse lifecycle phase reported by the link layer.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScanning
	PhaseConnecting
	PhaseConnected
	PhaseDisconnecting
	PhaseDisconnected
	PhaseReconnecting
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseScanning:
		return "Scanning"
	case PhaseConnecting:
		return "Connecting"
	case PhaseConnected:
		return "Connected"
	case PhaseDisconnecting:
		return "Disconnecting"
	case PhaseDisconnected:
		return "Disconnected"
	case PhaseReconnecting:
		return "Reconnecting"
	case PhaseError:
		return "Error"
	}
	return "Unknown"
}

// PhaseEvent is one entry in a connection's state feed. Detail carries
// the fine-grained connecting sub-phase ("bluetooth", "services",
// "observes") for observability; it never changes the coarse phase.
type PhaseEvent struct {
	Phase  Phase
	Detail string
	At     time.Time
}

// Device identifies a discovered peripheral.
type Device struct {
	Name    string
	Address string
}

// Conn is a live link to one peripheral. It is owned by the Controller;
// other components only ever hold it indirectly through the controller
// and must treat a nil or stale handle as ErrNotReady.
type Conn interface {
	// MTU reports the negotiated maximum transmission unit.
	MTU() uint16

	// Write performs one acknowledged characteristic write. The call
	// does not return until the peripheral's link layer confirms
	// receipt.
	Write(ctx context.Context, data []byte) error

	// Observe returns the stream of raw notification chunks from the
	// order characteristic. The channel closes when the link drops.
	Observe(ctx context.Context) (<-chan []byte, error)

	// StateFeed returns the link's own lifecycle events, in emission
	// order. The channel closes when the connection is torn down.
	StateFeed(ctx context.Context) <-chan PhaseEvent

	// Close releases the link.
	Close() error
}

// Transport abstracts the radio so the controller can be exercised
// against a fake in tests. The production implementation is BlueZ over
// the system D-Bus (bluez.go).
type Transport interface {
	// Scan blocks until an advertisement with the given name is seen
	// or the timeout elapses (ErrScanTimeout).
	Scan(ctx context.Context, nameFilter string, timeout time.Duration) (Device, error)

	// Connect establishes the link, resolves the order service and
	// characteristic, enables notifications and negotiates the MTU.
	// MTU negotiation is best effort; on failure the returned Conn
	// reports the default ATT minimum.
	Connect(ctx context.Context, dev Device) (Conn, error)
}

// IsFault133 reports whether an error carries the vendor fault code 133
// link corruption signature. A write that fails this way needs a forced
// disconnect and fresh reconnect, not a plain retry. The match is
// anchored so codes embedded in longer numbers or unit suffixes
// ("1337", "133ms") do not trigger a reset.
func IsFault133(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for i := 0; ; i++ {
		j := strings.Index(s[i:], "133")
		if j < 0 {
			return false
		}
		i += j
		if codeBoundary(s, i-1) && codeBoundary(s, i+3) {
			return true
		}
	}
}

func codeBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	b := s[i]
	return !(b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z')
}
