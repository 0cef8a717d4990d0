package conntrack

import "net/netip"

// State is the handshake phase of a tracked connection.
type State uint8

const (
	StateClosed State = iota
	StateSynSeen
	StateSynAckSeen
	StateOpen
	StateClosing
)

// Valid reports whether s is one of the lifecycle states.
func (s State) Valid() bool {
	return s <= StateClosing
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateSynSeen:
		return "syn"
	case StateSynAckSeen:
		return "syn-ack"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "invalid"
	}
}

// Family is the address family of a tracked connection.
type Family uint8

const (
	FamilyNone Family = iota
	FamilyIPv4
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "none"
	}
}

// FamilyOf returns the family of addr.
func FamilyOf(addr netip.Addr) Family {
	switch {
	case addr.Is4():
		return FamilyIPv4
	case addr.Is6():
		return FamilyIPv6
	default:
		return FamilyNone
	}
}

// Endpoint is the address/port pair as issued by the local application.
type Endpoint struct {
	Family  Family
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
}

// Record is a snapshot of one table slot.
//
// The Original endpoint is meaningful only while State is not StateClosed.
type Record struct {
	State    State
	Original Endpoint
}

// Captured reports whether the original endpoint has been recorded. A zero
// source port is the "not yet captured" sentinel.
func (r Record) Captured() bool {
	return r.Original.SrcPort != 0
}
