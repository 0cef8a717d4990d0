package packet

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/die-net/divert/internal/errors"
)

// FixChecksums recomputes the IPv4 header checksum and the TCP checksum of
// data in place. Lengths are left as they are.
func FixChecksums(data []byte) error {
	p := NewParser()
	if _, err := p.Parse(data); err != nil {
		return err
	}

	var network gopacket.SerializableLayer
	if data[0]>>4 == 4 {
		network = &p.ip4
		if err := p.tcp.SetNetworkLayerForChecksum(&p.ip4); err != nil {
			return errors.Wrap(err, errors.KindInternal, "packet: checksum")
		}
	} else {
		network = &p.ip6
		if err := p.tcp.SetNetworkLayerForChecksum(&p.ip6); err != nil {
			return errors.Wrap(err, errors.KindInternal, "packet: checksum")
		}
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, network, &p.tcp, gopacket.Payload(p.tcp.Payload)); err != nil {
		return errors.Wrap(err, errors.KindInternal, "packet: serialize")
	}

	out := buf.Bytes()
	if len(out) > len(data) {
		return errors.Errorf(errors.KindInternal, "packet: serialized %d bytes into %d", len(out), len(data))
	}
	copy(data, out)
	return nil
}

// Dump renders every decoded layer of data, for diagnostics.
func Dump(data []byte) string {
	first := layers.LayerTypeIPv4
	if len(data) > 0 && data[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	return gopacket.NewPacket(data, first, gopacket.Default).Dump()
}
