package peer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler runs periodic tasks against a clock.Clock, standing in for the
// shared timer the Java original hangs off connection_bean (one per
// master, used for connection-bean-wide upkeep like NAT lease refresh) and
// the per-peer maintenance/replication executors hung off peer_bean (one
// pair per peer, master or slave). Tests substitute a clock.Mock to drive
// ticks deterministically instead of sleeping real time.
type Scheduler struct {
	clock clock.Clock

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// NewScheduler returns a Scheduler driven by c. A nil c uses the real
// wall clock.
func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{clock: c}
}

// Every runs task once per interval, starting at the first tick, until
// Shutdown is called. A no-op once the scheduler is already shut down.
func (s *Scheduler) Every(interval time.Duration, task func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels = append(s.cancels, cancel)
	s.wg.Add(1)
	s.mu.Unlock()

	// The ticker is registered before Every returns, so a clock advance
	// made right after this call already counts toward the first tick.
	ticker := s.clock.Ticker(interval)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task(ctx)
			}
		}
	}()
}

// Shutdown cancels every task registered via Every and waits for its
// goroutine to exit. Idempotent.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
}
