package engine

import (
	"context"

	"github.com/die-net/divert/internal/capture"
	"github.com/die-net/divert/internal/conntrack"
	"github.com/die-net/divert/internal/errors"
	"github.com/die-net/divert/internal/handshake"
	"github.com/die-net/divert/internal/packet"
)

type direction string

const (
	// outbound packets come from a local application.
	outbound direction = "outbound"
	// inbound packets come from the redirect listener.
	inbound direction = "inbound"
)

// work is one dispatch worker. It returns when the facility runs out of
// data or ctx is cancelled.
func (e *Engine) work(ctx context.Context, inst *instance, id int) error {
	parser := packet.NewParser()

	for {
		pkt, err := inst.handle.Recv(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrNoMoreData) || ctx.Err() != nil {
				return nil
			}
			e.metrics.recvErrors.Inc()
			e.logf(id, "receive: %v", err)
			continue
		}

		if err := e.dispatch(inst, parser, id, pkt); errors.Is(err, capture.ErrNoMoreData) {
			return nil
		}
	}
}

// dispatch handles one packet. Every packet ends up either sent or
// discarded. Only ErrNoMoreData is returned.
func (e *Engine) dispatch(inst *instance, parser *packet.Parser, id int, pkt *capture.Packet) error {
	e.metrics.received.Inc()
	diag := e.diagnostics.Load()

	h, err := parser.Parse(pkt.Data)
	if err != nil {
		return e.drop(inst, id, pkt, reasonParse)
	}
	if !pkt.Addr.Outbound {
		return e.drop(inst, id, pkt, reasonInbound)
	}

	dir, port := outbound, h.SrcPort
	if h.SrcPort == inst.listen.Port() {
		dir, port = inbound, h.DstPort
	}

	if diag {
		e.logf(id, "received %s packet: %s -> %s seq %d [%s]", dir, h.Src(), h.Dst(), h.Seq, h.Flags)
		e.logf(id, "%s", packet.Dump(pkt.Data))
	}

	if port == 0 {
		return e.drop(inst, id, pkt, reasonPort)
	}

	rec, err := inst.table.Get(port)
	if err != nil {
		return e.drop(inst, id, pkt, reasonLock)
	}

	var d handshake.Decision
	if dir == outbound {
		if conntrack.FamilyOf(inst.listen.Addr()) != h.Family {
			return e.drop(inst, id, pkt, reasonFamily)
		}
		d = handshake.Outbound(rec.State, h.Flags)
	} else {
		d = handshake.Inbound(rec.State, h.Flags)
		if d.Verdict == handshake.Redirect && (!rec.Captured() || rec.Original.Family != h.Family) {
			return e.drop(inst, id, pkt, reasonNotCaptured)
		}
	}
	if d.Verdict == handshake.Drop {
		return e.drop(inst, id, pkt, d.Reason)
	}

	if d.Changes(rec.State) {
		if rec.State == conntrack.StateClosed {
			err = inst.table.Begin(port, h.Endpoint())
		} else {
			err = inst.table.CompareAndSetState(port, rec.State, d.Next)
		}
		switch {
		case errors.Is(err, conntrack.ErrLockTimeout):
			return e.drop(inst, id, pkt, reasonLock)
		case err != nil:
			return e.drop(inst, id, pkt, reasonRace)
		}

		e.metrics.transitions.WithLabelValues(rec.State.String(), d.Next.String()).Inc()
		if diag {
			e.logf(id, "port %d: %s -> %s", port, rec.State, d.Next)
		}
	}

	if dir == outbound {
		err = packet.RedirectOutbound(pkt.Data, &pkt.Addr, h, inst.listen)
	} else {
		// rec is the snapshot from before any transition, so the endpoint
		// is still there when this packet closed the connection.
		err = packet.RestoreInbound(pkt.Data, &pkt.Addr, h, rec.Original)
	}
	if err != nil {
		return e.drop(inst, id, pkt, reasonFamily)
	}

	if diag {
		if rh, err := parser.Parse(pkt.Data); err == nil {
			e.logf(id, "redirected %s packet: %s -> %s seq %d [%s]", dir, rh.Src(), rh.Dst(), rh.Seq, rh.Flags)
		}
	}

	if err := inst.handle.Send(pkt); err != nil {
		if errors.Is(err, capture.ErrNoMoreData) {
			return err
		}
		e.metrics.injectErrors.Inc()
		e.logf(id, "inject %s packet on port %d: %v", dir, port, err)
		e.rollback(inst, id, port, rec.State, d)
		return e.drop(inst, id, pkt, reasonInject)
	}

	e.metrics.redirected.WithLabelValues(string(dir)).Inc()
	return nil
}

// rollback undoes d after its packet could not be injected, so the sender's
// retransmission finds the port where it left it. A close cannot be undone
// since the record is already cleared.
func (e *Engine) rollback(inst *instance, id int, port uint16, prev conntrack.State, d handshake.Decision) {
	if !d.Changes(prev) || d.Next == conntrack.StateClosed {
		return
	}
	if err := inst.table.CompareAndSetState(port, d.Next, prev); err != nil {
		e.logf(id, "port %d: restore %s: %v", port, prev, err)
		return
	}
	e.metrics.transitions.WithLabelValues(d.Next.String(), prev.String()).Inc()
}

func (e *Engine) drop(inst *instance, id int, pkt *capture.Packet, reason string) error {
	e.metrics.dropped.WithLabelValues(reason).Inc()
	if e.diagnostics.Load() {
		e.logf(id, "dropped: %s", reason)
	}

	err := inst.handle.Discard(pkt)
	if errors.Is(err, capture.ErrNoMoreData) {
		return err
	}
	return nil
}
