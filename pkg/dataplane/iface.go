package dataplane

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// Interface is the addressing of the link the hook is attached to.
type Interface struct {
	Name  string
	Index int
	MAC   net.HardwareAddr
	Addr  netip.Addr // first IPv4 address, invalid if none
}

// LookupInterface resolves a link by name.
func LookupInterface(name string) (Interface, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return Interface{}, fmt.Errorf("link %s: %w", name, err)
	}
	attrs := link.Attrs()
	ifc := Interface{
		Name:  attrs.Name,
		Index: attrs.Index,
		MAC:   attrs.HardwareAddr,
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return Interface{}, fmt.Errorf("addresses of %s: %w", name, err)
	}
	for _, a := range addrs {
		if ip, ok := netip.AddrFromSlice(a.IP.To4()); ok {
			ifc.Addr = ip
			break
		}
	}
	return ifc, nil
}

// ResolveNeighbor returns the MAC address the kernel has cached for ip on
// the link ifindex.
func ResolveNeighbor(ifindex int, ip netip.Addr) (net.HardwareAddr, error) {
	neighs, err := netlink.NeighList(ifindex, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("neighbors of ifindex %d: %w", ifindex, err)
	}
	for _, n := range neighs {
		if len(n.HardwareAddr) == 0 {
			continue
		}
		if nip, ok := netip.AddrFromSlice(n.IP.To4()); ok && nip == ip {
			return n.HardwareAddr, nil
		}
	}
	return nil, fmt.Errorf("no neighbor entry for %s on ifindex %d", ip, ifindex)
}
