//go:build linux

package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/florianl/go-nfqueue/v2"

	"github.com/die-net/divert/internal/errors"
	"github.com/die-net/divert/internal/packet"
)

// Netfilter hook numbers as reported in nfqueue attributes.
const (
	hookLocalOut    = 3
	hookPostRouting = 4
)

type nfqHandle struct {
	cfg    Config
	nf     *nfqueue.Nfqueue
	rules  *ruleset
	inj    *injector
	loIdx  int
	cancel context.CancelFunc

	mu       sync.RWMutex
	queue    chan *Packet
	maxAge   time.Duration
	shutdown bool
	closed   bool
}

func open(cfg Config) (Handle, error) {
	checkListenRoute(cfg.ListenAddr)

	inj, err := newInjector(cfg.Mark)
	if err != nil {
		return nil, err
	}

	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      cfg.QueueNum,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  DefaultQueueLength,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		_ = inj.Close()
		return nil, errors.Wrapf(err, errors.KindUnavailable, "capture: open nfqueue %d", cfg.QueueNum)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &nfqHandle{
		cfg:    cfg,
		nf:     nf,
		inj:    inj,
		loIdx:  loopbackIndex(),
		cancel: cancel,
		queue:  make(chan *Packet, DefaultQueueLength),
		maxAge: DefaultQueueTime,
	}

	if err := nf.RegisterWithErrorFunc(ctx, h.hook, h.hookError); err != nil {
		h.release()
		return nil, errors.Wrap(err, errors.KindUnavailable, "capture: register nfqueue hook")
	}

	h.rules, err = installRules(cfg, h.loIdx)
	if err != nil {
		h.release()
		return nil, err
	}

	return h, nil
}

func (h *nfqHandle) hook(a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	id := *a.PacketID

	if a.Payload == nil || (a.Mark != nil && *a.Mark == h.cfg.Mark) {
		_ = h.nf.SetVerdict(id, nfqueue.NfAccept)
		return 0
	}

	pkt := &Packet{
		Data:     append([]byte(nil), *a.Payload...),
		id:       id,
		received: time.Now(),
	}
	if a.Hook != nil {
		pkt.Addr.Outbound = *a.Hook == hookLocalOut || *a.Hook == hookPostRouting
	}
	if a.OutDev != nil {
		pkt.Addr.IfIndex = int(*a.OutDev)
		pkt.Addr.Loopback = h.loIdx != 0 && pkt.Addr.IfIndex == h.loIdx
	}
	pkt.Addr.Flow, _ = packet.FlowOf(pkt.Data)

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.shutdown {
		_ = h.nf.SetVerdict(id, nfqueue.NfAccept)
		return 0
	}
	select {
	case h.queue <- pkt:
	default:
		_ = h.nf.SetVerdict(id, nfqueue.NfDrop)
	}
	return 0
}

func (h *nfqHandle) hookError(err error) int {
	h.mu.RLock()
	shutdown := h.shutdown
	h.mu.RUnlock()

	if !shutdown {
		slog.Warn("nfqueue receive error", "queue", h.cfg.QueueNum, "err", err)
	}
	return 0
}

func (h *nfqHandle) SetQueueParams(length int, maxAge time.Duration) error {
	if length <= 0 || maxAge <= 0 {
		return errors.Errorf(errors.KindValidation, "capture: invalid queue params %d/%s", length, maxAge)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.queue) == 0 && !h.shutdown {
		h.queue = make(chan *Packet, length)
	}
	h.maxAge = maxAge
	return nil
}

func (h *nfqHandle) Recv(ctx context.Context) (*Packet, error) {
	h.mu.RLock()
	queue, maxAge := h.queue, h.maxAge
	h.mu.RUnlock()

	for {
		select {
		case pkt, ok := <-queue:
			if !ok {
				return nil, ErrNoMoreData
			}
			if time.Since(pkt.received) > maxAge {
				_ = h.Discard(pkt)
				continue
			}
			return pkt, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *nfqHandle) Send(pkt *Packet) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrNoMoreData
	}

	if err := packet.FixChecksums(pkt.Data); err != nil {
		return err
	}
	if err := h.inj.send(pkt.Data, pkt.Addr.Flow); err != nil {
		return err
	}
	if err := h.nf.SetVerdict(pkt.id, nfqueue.NfDrop); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "capture: drop original")
	}
	return nil
}

func (h *nfqHandle) Discard(pkt *Packet) error {
	if err := h.nf.SetVerdict(pkt.id, nfqueue.NfDrop); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "capture: discard")
	}
	return nil
}

func (h *nfqHandle) ShutdownRecv() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shutdown {
		return nil
	}
	h.shutdown = true
	close(h.queue)

	return h.rules.remove()
}

func (h *nfqHandle) Close() error {
	err := h.ShutdownRecv()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return err
	}
	h.closed = true
	h.mu.Unlock()

	return errors.Join(err, h.release())
}

func (h *nfqHandle) release() error {
	h.cancel()
	var errs []error
	if err := h.nf.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, errors.KindInternal, "capture: close nfqueue"))
	}
	if err := h.inj.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
