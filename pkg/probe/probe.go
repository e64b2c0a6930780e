// Package probe encodes and decodes the fixed-layout ping-pong probe record
// carried in the UDP payload.
//
// Wire layout (padding-free, 34 bytes):
//
//	,---------------------------------------------------.
//	| role u16 | round u64 | ts1 u64 | ts2 u64 | ts3 u64 |
//	'---------------------------------------------------'
//	  0          2           10        18        26
//
// Payload integers are little-endian. Both ends of a deployment must use this
// layout; a peer speaking a different field order is a protocol violation and
// is not detected.
package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Role identifies the direction of a probe.
type Role uint16

const (
	RolePing Role = 0
	RolePong Role = 1
)

func (r Role) String() string {
	switch r {
	case RolePing:
		return "PING"
	case RolePong:
		return "PONG"
	default:
		return fmt.Sprintf("role(%d)", uint16(r))
	}
}

// Field offsets and record size.
const (
	offRole  = 0
	offRound = 2
	offTS1   = 10
	offTS2   = 18
	offTS3   = 26

	Size = 34
)

// ErrTruncated means the payload is too short to hold a record.
var ErrTruncated = errors.New("probe record truncated")

var order = binary.LittleEndian

// Record is an in-place view of a probe record inside a frame.
type Record []byte

// View returns the record that starts skip bytes into payload.
func View(payload []byte, skip int) (Record, error) {
	if skip < 0 || skip > len(payload) || len(payload)-skip < Size {
		return nil, ErrTruncated
	}
	return Record(payload[skip : skip+Size : skip+Size]), nil
}

func (r Record) Role() Role      { return Role(order.Uint16(r[offRole:])) }
func (r Record) Round() uint64   { return order.Uint64(r[offRound:]) }
func (r Record) TS1() uint64     { return order.Uint64(r[offTS1:]) }
func (r Record) TS2() uint64     { return order.Uint64(r[offTS2:]) }
func (r Record) TS3() uint64     { return order.Uint64(r[offTS3:]) }
func (r Record) SetRole(v Role)  { order.PutUint16(r[offRole:], uint16(v)) }
func (r Record) SetTS2(v uint64) { order.PutUint64(r[offTS2:], v) }
func (r Record) SetTS3(v uint64) { order.PutUint64(r[offTS3:], v) }

// Decode copies the record out of the frame.
func (r Record) Decode() Probe {
	return Probe{
		Role:  r.Role(),
		Round: r.Round(),
		TS1:   r.TS1(),
		TS2:   r.TS2(),
		TS3:   r.TS3(),
	}
}

// Probe is a decoded probe record.
type Probe struct {
	Role  Role
	Round uint64
	TS1   uint64
	TS2   uint64
	TS3   uint64
}

// MarshalTo writes p into buf, which must hold at least Size bytes.
func (p Probe) MarshalTo(buf []byte) error {
	if len(buf) < Size {
		return fmt.Errorf("marshal probe: buffer of %d bytes, need %d", len(buf), Size)
	}
	order.PutUint16(buf[offRole:], uint16(p.Role))
	order.PutUint64(buf[offRound:], p.Round)
	order.PutUint64(buf[offTS1:], p.TS1)
	order.PutUint64(buf[offTS2:], p.TS2)
	order.PutUint64(buf[offTS3:], p.TS3)
	return nil
}

// Marshal returns the wire encoding of p.
func (p Probe) Marshal() []byte {
	buf := make([]byte, Size)
	_ = p.MarshalTo(buf)
	return buf
}
