package capture

import (
	"context"
	"sync"
	"time"

	"github.com/die-net/divert/internal/errors"
	"github.com/die-net/divert/internal/packet"
)

var errSimFull = errors.New(errors.KindUnavailable, "capture: simulated output full")

// Sim is an in-memory Handle. Packets enter through Deliver and leave
// through Injected or Discarded.
type Sim struct {
	mu       sync.Mutex
	cfg      Config
	opened   bool
	shutdown bool
	closed   bool
	maxAge   time.Duration
	queue    chan *Packet
	sendErr  error

	injected  chan *Packet
	discarded chan *Packet
}

// NewSim returns a Sim with the default queue parameters.
func NewSim() *Sim {
	return &Sim{
		maxAge:    DefaultQueueTime,
		queue:     make(chan *Packet, DefaultQueueLength),
		injected:  make(chan *Packet, DefaultQueueLength),
		discarded: make(chan *Packet, DefaultQueueLength),
	}
}

// Open is an Opener that returns s itself.
func (s *Sim) Open(cfg Config) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New(errors.KindUnavailable, "capture: simulated handle closed")
	}
	s.cfg = cfg
	s.opened = true
	return s, nil
}

// Config returns the Config s was opened with.
func (s *Sim) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Sim) SetQueueParams(length int, maxAge time.Duration) error {
	if length <= 0 || maxAge <= 0 {
		return errors.Errorf(errors.KindValidation, "capture: invalid queue params %d/%s", length, maxAge)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 && !s.shutdown {
		s.queue = make(chan *Packet, length)
	}
	s.maxAge = maxAge
	return nil
}

// Deliver queues a copy of data as a captured packet.
func (s *Sim) Deliver(data []byte, addr packet.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return ErrNoMoreData
	}

	pkt := &Packet{
		Data:     append([]byte(nil), data...),
		Addr:     addr,
		received: time.Now(),
	}
	select {
	case s.queue <- pkt:
		return nil
	default:
		return errSimFull
	}
}

func (s *Sim) Recv(ctx context.Context) (*Packet, error) {
	s.mu.Lock()
	queue, maxAge := s.queue, s.maxAge
	s.mu.Unlock()

	for {
		select {
		case pkt, ok := <-queue:
			if !ok {
				return nil, ErrNoMoreData
			}
			if time.Since(pkt.received) > maxAge {
				_ = s.Discard(pkt)
				continue
			}
			return pkt, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Sim) Send(pkt *Packet) error {
	s.mu.Lock()
	closed, sendErr := s.closed, s.sendErr
	s.mu.Unlock()

	if closed {
		return ErrNoMoreData
	}
	if sendErr != nil {
		return sendErr
	}
	if err := packet.FixChecksums(pkt.Data); err != nil {
		return err
	}

	select {
	case s.injected <- pkt:
		return nil
	default:
		return errSimFull
	}
}

func (s *Sim) Discard(pkt *Packet) error {
	select {
	case s.discarded <- pkt:
	default:
	}
	return nil
}

func (s *Sim) ShutdownRecv() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.shutdown {
		s.shutdown = true
		close(s.queue)
	}
	return nil
}

func (s *Sim) Close() error {
	if err := s.ShutdownRecv(); err != nil {
		return err
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// FailSend makes every following Send return err without injecting. A nil
// err restores normal sending.
func (s *Sim) FailSend(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// Injected yields the packets sent through s, with checksums fixed.
func (s *Sim) Injected() <-chan *Packet {
	return s.injected
}

// Discarded yields the packets dropped through s, including ones that aged
// out of the queue.
func (s *Sim) Discarded() <-chan *Packet {
	return s.discarded
}
