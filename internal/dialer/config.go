package dialer

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	// Mark is set as SO_MARK on outbound sockets where supported. Zero
	// leaves sockets unmarked.
	Mark uint32
}
