//go:build linux

package capture

import (
	"golang.org/x/sys/unix"

	"github.com/die-net/divert/internal/errors"
	"github.com/die-net/divert/internal/packet"
)

// injector writes complete IP packets through raw sockets that carry the
// bypass mark, so the capture rules let them through.
type injector struct {
	fd4 int
	fd6 int
}

func newInjector(mark uint32) (*injector, error) {
	fd4, err := rawSocket(unix.AF_INET, mark)
	if err != nil {
		return nil, err
	}
	fd6, err := rawSocket(unix.AF_INET6, mark)
	if err != nil {
		_ = unix.Close(fd4)
		return nil, err
	}
	return &injector{fd4: fd4, fd6: fd6}, nil
}

func rawSocket(family int, mark uint32) (int, error) {
	// IPPROTO_RAW implies the caller supplies the IP header.
	fd, err := unix.Socket(family, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return -1, errors.Wrap(err, errors.KindUnavailable, "capture: raw socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(mark)); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, errors.KindUnavailable, "capture: set SO_MARK")
	}
	return fd, nil
}

func (i *injector) send(data []byte, flow packet.Flow) error {
	var err error
	switch dst := flow.RemoteAddr; {
	case dst.Is4():
		err = unix.Sendto(i.fd4, data, 0, &unix.SockaddrInet4{Addr: dst.As4()})
	case dst.Is6():
		err = unix.Sendto(i.fd6, data, 0, &unix.SockaddrInet6{Addr: dst.As16()})
	default:
		return errors.New(errors.KindValidation, "capture: packet has no destination")
	}
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "capture: inject to %s", flow.RemoteAddr)
	}
	return nil
}

func (i *injector) Close() error {
	return errors.Join(unix.Close(i.fd4), unix.Close(i.fd6))
}
