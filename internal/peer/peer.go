// Package peer builds master and slave peers on top of the dispatch and
// transport packages, and implements the shutdown ordering the overlay
// relies on to tear down a master's shared resources exactly once.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	goprocess "github.com/jbenet/goprocess"
	"go.uber.org/multierr"

	"github.com/dep2p/go-relaymesh/config"
	"github.com/dep2p/go-relaymesh/internal/dispatch"
	"github.com/dep2p/go-relaymesh/internal/nat"
	"github.com/dep2p/go-relaymesh/internal/transport"
	"github.com/dep2p/go-relaymesh/internal/util/logger"
	"github.com/dep2p/go-relaymesh/pkg/id160"
	"github.com/dep2p/go-relaymesh/pkg/message"
	"github.com/dep2p/go-relaymesh/pkg/peeraddress"
)

var log = logger.Named("peer")

// ErrNotListening is returned by NewMaster when no externally visible
// network interface could be discovered to publish in the master's
// PeerAddress.
var ErrNotListening = errors.New("peer: not listening to anything")

// Peer is either a master (owns a ConnectionBean) or a slave (borrows its
// parent's). Both expose the same lifecycle surface so the dispatcher and
// DistributedRelay can treat them uniformly.
type Peer struct {
	bean *PeerBean
	conn *ConnectionBean

	isMaster bool
	parent   *Peer

	mu       sync.Mutex
	children map[id160.Id160]*Peer

	// proc mirrors this peer's place in the master/slave tree as a
	// goprocess.Process, purely so code outside this package can observe
	// or compose with the shutdown via the standard goprocess
	// Closing()/Closed() channels. The dispatcher-deregister/children/
	// reservation-pool ordering above is what Shutdown actually depends
	// on; proc.Close is invoked after that ordering is already settled.
	proc goprocess.Process

	shutdownOnce sync.Once
	done         chan struct{}
	shutdownErr  error
}

// inboundRouter is the InboundHandler bound to the channel server before
// the Sender exists (the Sender itself needs the channel server's bound
// UDP socket). senderRef is filled in once the Sender is constructed.
// Requests always go to the dispatcher; a response arriving in the
// narrow window before senderRef is set is dropped.
type inboundRouter struct {
	dispatcher *dispatch.Dispatcher
	senderRef  atomic.Pointer[transport.Sender]
}

func (r *inboundRouter) handle(m *message.Message) *message.Message {
	if !m.Type.IsRequest() {
		if s := r.senderRef.Load(); s != nil {
			s.OnResponse(m)
		}
		return nil
	}
	return r.dispatcher.Dispatch(m)
}

// Bean returns this peer's identity and published-address state.
func (p *Peer) Bean() *PeerBean { return p.bean }

// Connection returns the shared I/O bundle, owned by the master at the
// root of this peer's tree.
func (p *Peer) Connection() *ConnectionBean { return p.conn }

// IsMaster reports whether this peer owns its ConnectionBean.
func (p *Peer) IsMaster() bool { return p.isMaster }

// NewMaster builds a master peer: its own worker/boss pools, dispatcher,
// reservation pool, bound channel server, sender, and NAT helper. Binding
// the configured ports or finding no externally visible address both
// abort construction, matching the "startup must succeed or the whole
// construction fails" rule.
func NewMaster(ctx context.Context, cfg config.Config, bean *PeerBean) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("peer: invalid config: %w", err)
	}

	d := dispatch.New(cfg.HeartbeatInterval)
	reservation := transport.NewReservationPool(cfg.ReservationPoolSize)
	workerPool := NewWorkerPool(cfg.WorkerPoolSize)
	bossPool := NewWorkerPool(cfg.BossPoolSize)

	p := &Peer{bean: bean, isMaster: true, children: make(map[id160.Id160]*Peer), done: make(chan struct{})}
	p.proc = goprocess.WithTeardown(func() error { return nil })

	router := &inboundRouter{dispatcher: d}
	channelServer, err := transport.Bind(cfg.ListenTCPPort, cfg.ListenUDPPort, router.handle)
	if err != nil {
		workerPool.Shutdown()
		bossPool.Shutdown()
		return nil, fmt.Errorf("peer: master construction: %w", err)
	}

	sender := transport.NewSender(channelServer.UDPConn(), reservation, cfg.RequestTimeout)
	router.senderRef.Store(sender)

	timer := NewScheduler(clock.New())

	externalTCPPort := channelServer.LocalTCPPort()
	externalUDPPort := channelServer.LocalUDPPort()

	var natHelper nat.NATUtils
	if cfg.NAT.Enabled {
		mgr := nat.NewMapManager(cfg.NAT.MappingLeaseTime)
		mapCtx, cancel := context.WithTimeout(ctx, cfg.NAT.DiscoveryTimeout)
		mappings, err := mgr.MapPorts(mapCtx, channelServer.LocalTCPPort(), channelServer.LocalUDPPort())
		if err != nil {
			log.Debug("nat port mapping unavailable", "err", err)
		}
		cancel()
		natHelper = mgr

		for _, mapping := range mappings {
			switch mapping.Protocol {
			case "tcp":
				externalTCPPort = mapping.ExternalPort
			case "udp":
				externalUDPPort = mapping.ExternalPort
			}
		}

		// UPnP leases expire; NAT-PMP mappings created above already
		// carry the lease, but re-asking never hurts and keeps both
		// backends renewed the same way. Refresh at half the lease
		// lifetime so a single missed tick doesn't let it lapse.
		tcpPort, udpPort := channelServer.LocalTCPPort(), channelServer.LocalUDPPort()
		timer.Every(cfg.NAT.MappingLeaseTime/2, func(taskCtx context.Context) {
			refreshCtx, cancel := context.WithTimeout(taskCtx, cfg.NAT.DiscoveryTimeout)
			defer cancel()
			if _, err := mgr.MapPorts(refreshCtx, tcpPort, udpPort); err != nil {
				log.Debug("nat lease refresh failed", "err", err)
			}
		})
	}

	externalIP, ok := externalIPFor(natHelper)
	if !ok {
		timer.Shutdown()
		channelServer.Close()
		workerPool.Shutdown()
		bossPool.Shutdown()
		return nil, ErrNotListening
	}

	flags := peeraddress.Flags{FirewalledTCP: cfg.NAT.FirewalledTCP, FirewalledUDP: cfg.NAT.FirewalledUDP}
	addr := peeraddress.New(bean.ID(), externalIP, uint16(externalTCPPort), uint16(externalUDPPort), flags, nil)
	bean.SetPeerAddress(addr)

	p.conn = &ConnectionBean{
		Dispatcher:      d,
		ChannelServer:   channelServer,
		Sender:          sender,
		Reservation:     reservation,
		ReservationSize: cfg.ReservationPoolSize,
		WorkerPool:      workerPool,
		BossPool:        bossPool,
		NAT:             natHelper,
		Timer:           timer,
	}
	return p, nil
}

// NewSlave attaches a logical peer with its own id+keypair to parent,
// sharing every I/O resource in parent's ConnectionBean. Its published
// address is the parent's with the id swapped in.
func NewSlave(parent *Peer, bean *PeerBean) (*Peer, error) {
	if parent == nil {
		return nil, errors.New("peer: slave requires a parent")
	}
	addr := parent.bean.PeerAddress().ChangeID(bean.ID())
	bean.SetPeerAddress(addr)

	p := &Peer{
		bean:     bean,
		conn:     parent.conn,
		isMaster: false,
		parent:   parent,
		children: make(map[id160.Id160]*Peer),
		done:     make(chan struct{}),
	}
	p.proc = goprocess.WithParent(parent.proc)

	parent.mu.Lock()
	parent.children[bean.ID()] = p
	parent.mu.Unlock()
	return p, nil
}

// Register installs handler in the shared dispatcher for this peer's id.
func (p *Peer) Register(commands []message.Command, handler dispatch.Handler) {
	p.conn.Dispatcher.Register(p.bean.ID(), commands, handler)
}

// Shutdown tears the peer down per the idempotent, ordered sequence:
// deregister from the dispatcher, then stop this peer's own maintenance
// and replication schedulers. A slave then recursively shuts down its
// own children and returns. A master does not recurse into any attached
// slaves at all — matching the source, which only walks the child list
// on the slave branch — and instead goes on to drain the reservation
// pool, shut down the shared timer, close the channel server, shut the
// worker pool down gracefully, then the boss pool, then block on the
// NAT helper's release. Safe to call more than once; every call after
// the first observes the same result.
func (p *Peer) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = p.shutdownLocked(ctx)
		close(p.done)
	})
	return p.shutdownErr
}

// Done returns a channel that closes once Shutdown has completed.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) shutdownLocked(ctx context.Context) error {
	p.conn.Dispatcher.Remove(p.bean.ID())
	p.bean.StopSchedulers()

	var errs error

	if !p.isMaster {
		p.mu.Lock()
		children := make([]*Peer, 0, len(p.children))
		for _, c := range p.children {
			children = append(children, c)
		}
		p.children = make(map[id160.Id160]*Peer)
		p.mu.Unlock()

		for _, c := range children {
			if err := c.Shutdown(ctx); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("child %s: %w", c.bean.ID(), err))
			}
		}

		if p.parent != nil {
			p.parent.mu.Lock()
			delete(p.parent.children, p.bean.ID())
			p.parent.mu.Unlock()
		}
		errs = multierr.Append(errs, p.proc.Close())
		return errs
	}

	p.conn.Sender.CancelAll()

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	drainErr := p.conn.Reservation.Drain(drainCtx, p.conn.ReservationSize)
	cancel()
	if drainErr != nil {
		errs = multierr.Append(errs, fmt.Errorf("reservation pool did not drain cleanly: %w", drainErr))
	}

	errs = multierr.Append(errs, p.conn.Shutdown())
	errs = multierr.Append(errs, p.proc.Close())
	return errs
}

// externalIPFor returns the IP a master should publish: the NAT helper's
// discovered external address if one is available, otherwise the first
// non-loopback address bound to a real interface.
func externalIPFor(helper nat.NATUtils) (net.IP, bool) {
	if helper != nil {
		if ip, ok := helper.ExternalIP(); ok {
			return ip, true
		}
	}
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return nil, false
	}
	for _, a := range ifaces {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4, true
		}
	}
	return nil, false
}
