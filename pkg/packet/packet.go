// Package packet validates and exposes the fixed Ethernet -> IPv4 -> UDP
// header chain of a probe frame.
//
// Every view returned by this package aliases the caller's frame; nothing is
// copied. Header fields are stored in network byte order and accessors
// convert on the way in and out.
package packet

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// Header sizes. IPv4 options are not supported; the IP header is always
// 20 bytes so the UDP header sits at a fixed offset.
const (
	EthernetLen = 14
	IPv4Len     = 20
	UDPLen      = 8

	// HeadersLen is the offset of the UDP payload inside a frame.
	HeadersLen = EthernetLen + IPv4Len + UDPLen

	MACLen      = 6
	IPv4AddrLen = 4
)

// Protocol constants.
const (
	EtherTypeIPv4 = 0x0800
	ProtocolUDP   = 17
)

var (
	// ErrTruncated means a header does not fit inside the frame bounds.
	ErrTruncated = errors.New("packet truncated")
	// ErrUnrecognized means the frame is not UDP over plain IPv4.
	ErrUnrecognized = errors.New("unrecognized packet")
	// ErrOutOfBounds is returned by the in-place swaps when a field would
	// extend past the end of its view.
	ErrOutOfBounds = errors.New("field out of bounds")
)

// Ethernet is a fixed-size view of an Ethernet II header.
type Ethernet []byte

// Dst returns the destination MAC bytes.
func (e Ethernet) Dst() []byte { return e[0:6] }

// Src returns the source MAC bytes.
func (e Ethernet) Src() []byte { return e[6:12] }

// EtherType returns the ethertype in host order.
func (e Ethernet) EtherType() uint16 { return binary.BigEndian.Uint16(e[12:14]) }

// IPv4 is a fixed-size view of an option-less IPv4 header.
type IPv4 []byte

func (ip IPv4) Version() uint8  { return ip[0] >> 4 }
func (ip IPv4) IHL() uint8      { return ip[0] & 0x0f }
func (ip IPv4) Protocol() uint8 { return ip[9] }

// Checksum returns the header checksum field.
func (ip IPv4) Checksum() uint16 { return binary.BigEndian.Uint16(ip[10:12]) }

// SetChecksum overwrites the header checksum field.
func (ip IPv4) SetChecksum(v uint16) { binary.BigEndian.PutUint16(ip[10:12], v) }

// Src returns the source address.
func (ip IPv4) Src() netip.Addr { return netip.AddrFrom4([4]byte(ip[12:16])) }

// Dst returns the destination address.
func (ip IPv4) Dst() netip.Addr { return netip.AddrFrom4([4]byte(ip[16:20])) }

// UDP is a fixed-size view of a UDP header.
type UDP []byte

func (u UDP) SrcPort() uint16 { return binary.BigEndian.Uint16(u[0:2]) }
func (u UDP) DstPort() uint16 { return binary.BigEndian.Uint16(u[2:4]) }
func (u UDP) Length() uint16  { return binary.BigEndian.Uint16(u[4:6]) }

// SetDstPort overwrites the destination port.
func (u UDP) SetDstPort(p uint16) { binary.BigEndian.PutUint16(u[2:4], p) }

// Headers holds the three header views of one frame plus the frame itself.
// It is only valid while the underlying frame is.
type Headers struct {
	Eth   Ethernet
	IP    IPv4
	UDP   UDP
	frame []byte
}

// Payload returns the rest of the frame after the UDP header. The UDP
// length field is not consulted; only the frame end bounds the payload.
func (h Headers) Payload() []byte {
	return h.frame[HeadersLen:]
}

// Parse walks the header chain of frame. Each header is bounds-checked
// before any of its fields is read.
func Parse(frame []byte) (Headers, error) {
	if len(frame) < EthernetLen {
		return Headers{}, ErrTruncated
	}
	eth := Ethernet(frame[:EthernetLen:EthernetLen])
	if eth.EtherType() != EtherTypeIPv4 {
		return Headers{}, ErrUnrecognized
	}

	if len(frame) < EthernetLen+IPv4Len {
		return Headers{}, ErrTruncated
	}
	ip := IPv4(frame[EthernetLen : EthernetLen+IPv4Len : EthernetLen+IPv4Len])
	if ip.Version() != 4 || ip.IHL() != IPv4Len/4 || ip.Protocol() != ProtocolUDP {
		return Headers{}, ErrUnrecognized
	}

	if len(frame) < HeadersLen {
		return Headers{}, ErrTruncated
	}
	udp := UDP(frame[EthernetLen+IPv4Len : HeadersLen : HeadersLen])

	return Headers{Eth: eth, IP: ip, UDP: udp, frame: frame}, nil
}

// swap exchanges view[a:a+size] with view[b:b+size]. The loop is bounded by
// size, which callers pass as a constant.
func swap(view []byte, a, b, size int) error {
	if a < 0 || b < 0 || a+size > len(view) || b+size > len(view) {
		return ErrOutOfBounds
	}
	for i := 0; i < size; i++ {
		view[a+i], view[b+i] = view[b+i], view[a+i]
	}
	return nil
}

// SwapEthernetAddrs exchanges the source and destination MACs in place.
func SwapEthernetAddrs(eth Ethernet) error {
	return swap(eth, 0, MACLen, MACLen)
}

// SwapIPv4Addrs exchanges the source and destination addresses in place.
func SwapIPv4Addrs(ip IPv4) error {
	return swap(ip, 12, 16, IPv4AddrLen)
}
