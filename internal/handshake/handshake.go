// Package handshake decides, per packet, whether a redirected TCP flow may
// advance and whether the packet may be rewritten.
//
// It tracks only the handshake phase of a port, not sequence numbers. The
// two directions have separate transition functions because local and
// proxy-originated packets carry different flags for the same phase. A
// Drop decision never advances state: the endpoints' own retransmission is
// relied upon to recover. A RST from either side releases the port at once.
package handshake

import "github.com/die-net/divert/internal/conntrack"

// Flags are the TCP control bits the transition functions look at.
type Flags struct {
	SYN bool
	ACK bool
	FIN bool
	RST bool
	PSH bool
}

func (f Flags) String() string {
	b := []byte("-----")
	if f.SYN {
		b[0] = 'S'
	}
	if f.ACK {
		b[1] = 'A'
	}
	if f.FIN {
		b[2] = 'F'
	}
	if f.PSH {
		b[3] = 'P'
	}
	if f.RST {
		b[4] = 'R'
	}
	return string(b)
}

// Verdict is what to do with the packet.
type Verdict uint8

const (
	Drop Verdict = iota
	Redirect
)

func (v Verdict) String() string {
	if v == Redirect {
		return "redirect"
	}
	return "drop"
}

// Drop reasons reported in Decision.Reason.
const (
	ReasonOutOfSequence = "out-of-sequence packet for handshake"
	ReasonInboundOpen   = "connection can only be established from the local side"
	ReasonInvalidState  = "invalid connection state"
	ReasonReopen        = "SYN on a port that is already tracked"
)

// Decision is the outcome of a transition function. Next is meaningful only
// when Verdict is Redirect.
type Decision struct {
	Next    conntrack.State
	Verdict Verdict
	Reason  string
}

// Changes reports whether applying d moves the port away from cur.
func (d Decision) Changes(cur conntrack.State) bool {
	return d.Verdict == Redirect && d.Next != cur
}

func redirect(next conntrack.State) Decision {
	return Decision{Next: next, Verdict: Redirect}
}

func drop(cur conntrack.State, reason string) Decision {
	return Decision{Next: cur, Verdict: Drop, Reason: reason}
}

// reset releases a tracked port on RST. The packet still goes through so the
// peer sees the abort; an unknown state is left alone.
func reset(cur conntrack.State) Decision {
	if !cur.Valid() {
		return drop(cur, ReasonInvalidState)
	}
	return redirect(conntrack.StateClosed)
}

// Outbound handles a packet sent by a local application towards its
// original destination.
func Outbound(cur conntrack.State, f Flags) Decision {
	if cur != conntrack.StateClosed && f.RST {
		return reset(cur)
	}
	if cur != conntrack.StateClosed && f.SYN {
		return drop(cur, ReasonReopen)
	}

	switch cur {
	case conntrack.StateClosed:
		if !f.SYN || f.RST {
			return drop(cur, ReasonOutOfSequence)
		}
		return redirect(conntrack.StateSynSeen)

	case conntrack.StateSynSeen:
		if f.FIN {
			return redirect(conntrack.StateClosing)
		}
		return drop(cur, ReasonOutOfSequence)

	case conntrack.StateSynAckSeen:
		// Separate from the SynSeen FIN branch until the shared handling is
		// confirmed.
		if f.FIN {
			return redirect(conntrack.StateClosing)
		}
		if f.ACK {
			return redirect(conntrack.StateOpen)
		}
		return drop(cur, ReasonOutOfSequence)

	case conntrack.StateClosing:
		if f.ACK {
			return redirect(conntrack.StateClosed)
		}
		return drop(cur, ReasonOutOfSequence)

	case conntrack.StateOpen:
		if f.FIN {
			return redirect(conntrack.StateClosing)
		}
		return redirect(conntrack.StateOpen)
	}

	return drop(cur, ReasonInvalidState)
}

// Inbound handles a packet sent by the proxy listener back to a local
// application.
func Inbound(cur conntrack.State, f Flags) Decision {
	if cur != conntrack.StateClosed && f.RST {
		return reset(cur)
	}

	switch cur {
	case conntrack.StateClosed:
		return drop(cur, ReasonInboundOpen)

	case conntrack.StateSynSeen:
		if f.FIN {
			return redirect(conntrack.StateClosing)
		}
		if f.SYN && f.ACK {
			return redirect(conntrack.StateSynAckSeen)
		}
		return drop(cur, ReasonOutOfSequence)

	case conntrack.StateSynAckSeen:
		if f.FIN {
			return redirect(conntrack.StateClosing)
		}
		if f.ACK {
			return redirect(conntrack.StateSynAckSeen)
		}
		return drop(cur, ReasonOutOfSequence)

	case conntrack.StateClosing:
		if f.ACK {
			return redirect(conntrack.StateClosed)
		}
		return drop(cur, ReasonOutOfSequence)

	case conntrack.StateOpen:
		if f.FIN {
			return redirect(conntrack.StateClosing)
		}
		return redirect(conntrack.StateOpen)
	}

	return drop(cur, ReasonInvalidState)
}
