package xsk

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/psaab/bpfpp/pkg/packet"
)

// Endpoints addresses the heartbeat frames the driver originates.
type Endpoints struct {
	SrcMAC net.HardwareAddr
	DstMAC net.HardwareAddr
	SrcIP  netip.Addr
	DstIP  netip.Addr
	Port   uint16
}

// BuildHeartbeat returns an Ethernet+IPv4+UDP header chain with an empty
// payload. The IPv4 and UDP checksums are left zero.
func BuildHeartbeat(ep Endpoints) ([]byte, error) {
	if len(ep.SrcMAC) != packet.MACLen || len(ep.DstMAC) != packet.MACLen {
		return nil, fmt.Errorf("heartbeat: invalid MAC %s -> %s", ep.SrcMAC, ep.DstMAC)
	}
	if !ep.SrcIP.Is4() || !ep.DstIP.Is4() {
		return nil, fmt.Errorf("heartbeat: %s -> %s is not IPv4", ep.SrcIP, ep.DstIP)
	}

	eth := &layers.Ethernet{
		SrcMAC:       ep.SrcMAC,
		DstMAC:       ep.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    ep.SrcIP.AsSlice(),
		DstIP:    ep.DstIP.AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(ep.Port),
		DstPort: layers.UDPPort(ep.Port),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp); err != nil {
		return nil, fmt.Errorf("heartbeat: serialize: %w", err)
	}
	// Drop any Ethernet minimum-size padding.
	out := buf.Bytes()
	if len(out) < packet.HeadersLen {
		return nil, fmt.Errorf("heartbeat: short template (%d bytes)", len(out))
	}
	return append([]byte(nil), out[:packet.HeadersLen]...), nil
}
