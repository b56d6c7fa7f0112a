package peer

import (
	"github.com/dep2p/go-relaymesh/internal/dispatch"
	"github.com/dep2p/go-relaymesh/internal/nat"
	"github.com/dep2p/go-relaymesh/internal/transport"
)

// ConnectionBean bundles the I/O resources a master peer owns and every
// slave in its tree borrows: the dispatcher, sender, channel server,
// worker/boss pools, reservation pool, NAT helper, and shared timer.
// Slaves hold a plain pointer to the master's bean and must never call
// its Shutdown.
type ConnectionBean struct {
	Dispatcher      *dispatch.Dispatcher
	ChannelServer   *transport.ChannelServer
	Sender          *transport.Sender
	Reservation     *transport.ReservationPool
	ReservationSize int64
	WorkerPool      *WorkerPool
	BossPool        *WorkerPool
	NAT             nat.NATUtils

	// Timer is the shared scheduler every connection-bean-wide periodic
	// task runs on, currently the NAT lease refresh NewMaster installs
	// when NAT traversal is enabled. Never nil on a master.
	Timer *Scheduler
}

// Shutdown tears the bundle down in the master shutdown order: stop the
// shared timer first, so nothing it drives (the NAT lease refresh) can
// race the NAT release below, then close the channel server, gracefully
// stop the worker pool, then the boss pool, then (blocking) release NAT
// mappings. Draining the reservation pool and cancelling outstanding
// requests happens first, in peer.Shutdown, since it needs a deadline
// derived from the caller's context.
func (c *ConnectionBean) Shutdown() error {
	c.Timer.Shutdown()
	if err := c.ChannelServer.Close(); err != nil {
		return err
	}
	c.WorkerPool.Shutdown()
	c.BossPool.Shutdown()
	if c.NAT != nil {
		c.NAT.Shutdown()
	}
	return nil
}
