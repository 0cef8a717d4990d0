//go:build linux

package capture

import (
	"log/slog"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// checkListenRoute warns when the listener address does not route to this
// host, since redirected packets would then leave the machine.
func checkListenRoute(addr netip.Addr) {
	if !addr.IsValid() {
		return
	}
	routes, err := netlink.RouteGet(net.IP(addr.AsSlice()))
	if err != nil {
		slog.Warn("route lookup for listen address failed", "addr", addr, "err", err)
		return
	}
	for _, r := range routes {
		if r.Type == unix.RTN_LOCAL {
			return
		}
	}
	slog.Warn("listen address is not local to this host", "addr", addr)
}

func loopbackIndex() int {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return 0
	}
	return link.Attrs().Index
}
