// Package capture is the packet interception and injection facility the
// redirect engine runs on.
//
// A Handle hands out captured packets and takes back rewritten ones. On
// Linux, Open installs nftables rules that steer TCP traffic into an
// NFQUEUE and re-injects rewritten packets through a marked raw socket. Sim
// is an in-memory Handle for tests and dry runs.
package capture

import (
	"context"
	"net/netip"
	"time"

	"github.com/die-net/divert/internal/errors"
	"github.com/die-net/divert/internal/packet"
)

const (
	// DefaultQueueLength is the number of packets buffered between the
	// kernel queue and the workers.
	DefaultQueueLength = 8192
	// DefaultQueueTime is how long a buffered packet stays eligible for
	// delivery.
	DefaultQueueTime = 1024 * time.Millisecond
	// DefaultMark tags packets the redirector injects or dials itself.
	DefaultMark = 0x1a4
)

var (
	// ErrNoMoreData is returned by Recv once the handle has been shut down
	// and its queue is drained, and by Send once the handle is closed.
	ErrNoMoreData  = errors.New(errors.KindUnavailable, "capture: no more data")
	ErrUnsupported = errors.New(errors.KindUnavailable, "capture: not supported on this platform")
)

// Packet is one captured packet and its routing metadata.
type Packet struct {
	Data []byte
	Addr packet.Address

	id       uint32
	received time.Time
}

// Handle is an open capture facility. All methods are safe for concurrent
// use by multiple workers.
type Handle interface {
	// SetQueueParams sets the buffered queue length and the maximum time a
	// packet may wait in it. It must be called before the first Recv.
	SetQueueParams(length int, maxAge time.Duration) error
	// Recv blocks until a packet is available, ctx is done, or the handle
	// is shut down and drained, in which case it returns ErrNoMoreData.
	Recv(ctx context.Context) (*Packet, error)
	// Send recomputes pkt's checksums and injects it in place of the
	// captured original.
	Send(pkt *Packet) error
	// Discard drops pkt.
	Discard(pkt *Packet) error
	// ShutdownRecv stops capturing new packets. Packets already queued are
	// still delivered.
	ShutdownRecv() error
	// Close releases the handle.
	Close() error
}

// Config selects what traffic is captured.
type Config struct {
	// ListenAddr and ListenPort are the redirect listener. Traffic to the
	// listener port passes untouched; traffic from it is captured.
	ListenAddr netip.Addr
	ListenPort uint16
	// Gateway is the upstream proxy. Traffic to it is never captured.
	Gateway netip.AddrPort

	QueueNum        uint16
	Mark            uint32
	ExcludeLoopback bool
}

// Opener opens a Handle.
type Opener func(cfg Config) (Handle, error)

// Open opens the platform capture facility.
func Open(cfg Config) (Handle, error) {
	return open(cfg)
}
