package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-relaymesh/pkg/message"
)

// Proto selects which socket Sender uses for an outbound request.
type Proto int

const (
	ProtoUDP Proto = iota
	ProtoTCP
)

// Sender sends outbound Messages and correlates responses to pending
// requests keyed by message ID, each exposed as a cancellable Future.
type Sender struct {
	udpConn     net.PacketConn
	reservation *ReservationPool
	timeout     time.Duration
	clock       clock.Clock

	mu      sync.Mutex
	pending map[uint32]*Future
}

// NewSender returns a Sender that writes UDP datagrams on udpConn and
// dials a fresh TCP connection per TCP request, bounding concurrent
// outbound attempts with reservation.
func NewSender(udpConn net.PacketConn, reservation *ReservationPool, timeout time.Duration) *Sender {
	return &Sender{
		udpConn:     udpConn,
		reservation: reservation,
		timeout:     timeout,
		clock:       clock.New(),
		pending:     make(map[uint32]*Future),
	}
}

// SetClock overrides the clock used to arm request timeouts. Tests use
// this to advance time deterministically instead of sleeping.
func (s *Sender) SetClock(c clock.Clock) { s.clock = c }

// SendRequest encodes and sends m to addr over proto, returning a Future
// that resolves with the matching response Message, ErrTimeout, or
// ErrCancelled.
func (s *Sender) SendRequest(ctx context.Context, m *message.Message, proto Proto, addr net.Addr) (*Future, error) {
	if err := s.reservation.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("transport: acquire reservation: %w", err)
	}

	f := newFuture(func() {
		s.mu.Lock()
		delete(s.pending, m.ID)
		s.mu.Unlock()
	})

	s.mu.Lock()
	s.pending[m.ID] = f
	s.mu.Unlock()

	out, err := message.Encode(m)
	if err != nil {
		s.reservation.Release()
		f.fail(err)
		return f, fmt.Errorf("transport: encode request: %w", err)
	}

	if err := s.write(proto, addr, out); err != nil {
		s.reservation.Release()
		f.fail(err)
		return f, fmt.Errorf("transport: send request: %w", err)
	}
	s.reservation.Release()

	if !m.Type.IsFireAndForget() {
		s.armTimeout(m.ID, f)
	} else {
		f.complete(nil, nil)
	}
	return f, nil
}

func (s *Sender) write(proto Proto, addr net.Addr, out []byte) error {
	if proto == ProtoUDP {
		_, err := s.udpConn.WriteTo(out, addr)
		return err
	}
	conn, err := net.DialTimeout("tcp", addr.String(), s.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(out)
	return err
}

func (s *Sender) armTimeout(id uint32, f *Future) {
	timer := s.clock.AfterFunc(s.timeout, func() {
		f.fail(ErrTimeout)
	})
	go func() {
		<-f.Done()
		timer.Stop()
	}()
}

// OnResponse delivers an inbound Message to its matching pending
// request, if any, and reports whether it was consumed. The channel
// server should call this before falling back to the dispatcher.
func (s *Sender) OnResponse(m *message.Message) bool {
	s.mu.Lock()
	f, ok := s.pending[m.ID]
	if ok {
		delete(s.pending, m.ID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	f.complete(m, nil)
	return true
}

// CancelAll fails every outstanding request with ErrCancelled. Called
// during shutdown.
func (s *Sender) CancelAll() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint32]*Future)
	s.mu.Unlock()

	for _, f := range pending {
		f.Cancel()
	}
}
