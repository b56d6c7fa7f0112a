// Package relay implements DistributedRelay: the control loop that keeps
// an unreachable peer's outbound relay connections topped up to the
// configured target, reacting to candidate failure and connection loss,
// and republishing the peer's advertised address whenever the live set
// changes.
//
// The source this is modeled on drives the setup loop through
// tail-recursive future callbacks. Here it is a goroutine reading events
// off a bounded channel and mutating state under a mutex, per the
// re-entrancy design note: a `tryFill` event attempts to occupy one more
// relay slot, a `lost` event reports that an active connection closed,
// and a `setupDone` event (this rendering's stand-in for a callback
// firing) reports the outcome of one in-flight setup attempt.
package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dep2p/go-relaymesh/config"
	"github.com/dep2p/go-relaymesh/internal/peer"
	"github.com/dep2p/go-relaymesh/internal/util/logger"
	"github.com/dep2p/go-relaymesh/pkg/id160"
	"github.com/dep2p/go-relaymesh/pkg/peeraddress"
)

var log = logger.Named("relay")

// PeerConnection is a live relay connection. Closed reports completion
// by closing its channel; a connection that fails on the remote side or
// drops at the transport layer closes it exactly the same as a
// deliberate local Close.
type PeerConnection interface {
	Close() error
	Closed() <-chan struct{}
}

// RoutingLayer is the external collaborator DistributedRelay asks for
// relay candidates when no manual relay list is configured.
type RoutingLayer interface {
	Neighbors() []peeraddress.PeerAddress
}

// RelayRPC performs the wire-level "set up a relay" handshake with one
// candidate. A real implementation sends a RELAY/REQUEST message over
// the shared Sender and waits for the matching OK/DENIED response.
type RelayRPC interface {
	SendSetupMessage(ctx context.Context, candidate peeraddress.PeerAddress, cfg config.RelayConfig) (PeerConnection, error)
}

// RelayCallback is notified as relay connections join and leave the
// active set, mirroring the source's relayCallback.onRelayAdded/
// onRelayRemoved hooks. Optional: DistributedRelay works with no
// callback registered at all.
type RelayCallback interface {
	OnRelayAdded(candidate peeraddress.PeerAddress, conn PeerConnection)
	OnRelayRemoved(candidate peeraddress.PeerAddress)
}

type event struct {
	kind      eventKind
	candidate peeraddress.PeerAddress
	conn      PeerConnection
	err       error
}

type eventKind int

const (
	eventTryFill eventKind = iota
	eventLost
	eventSetupDone
)

// Metrics are package-level, in the common Prometheus idiom, since a
// process runs at most one overlay node's worth of DistributedRelay
// instances; every instance reports into the same series.
var (
	metricActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaymesh_relay_active_connections",
		Help: "Number of live outbound relay connections currently maintained.",
	})
	metricSetups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaymesh_relay_setup_attempts_total",
		Help: "Relay setup attempts by outcome.",
	}, []string{"outcome"})
	metricFailed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaymesh_relay_failed_candidates",
		Help: "Number of candidates currently held in the failed-relay set.",
	})
)

// DistributedRelay maintains up to cfg.MaxRelays live outbound relay
// connections for bean, asking routing for candidates (or using a fixed
// manual list) and republishing bean's PeerAddress whenever the active
// relay set changes.
type DistributedRelay struct {
	bean     *peer.PeerBean
	rpc      RelayRPC
	routing  RoutingLayer
	cfg      config.RelayConfig
	callback RelayCallback

	mu       sync.Mutex
	active   map[id160.Id160]activeRelay
	activity int64 // outstanding setup-loop invocations not yet terminally resolved; guarded by mu

	failed *expirable.LRU[id160.Id160, struct{}]

	shutdown atomic.Bool

	events chan event

	doneOnce sync.Once
	done     chan struct{}

}

type activeRelay struct {
	addr peeraddress.PeerAddress
	conn PeerConnection
}

// New returns a DistributedRelay for bean, not yet running. Call Run in
// its own goroutine, then send an initial tryFill via Start.
func New(bean *peer.PeerBean, rpc RelayRPC, routing RoutingLayer, cfg config.RelayConfig) *DistributedRelay {
	return &DistributedRelay{
		bean:    bean,
		rpc:     rpc,
		routing: routing,
		cfg:     cfg,
		active:  make(map[id160.Id160]activeRelay),
		failed:  expirable.NewLRU[id160.Id160, struct{}](1024, nil, cfg.FailedRelayTTL),
		events:  make(chan event, 64),
		done:    make(chan struct{}),
	}
}

// Start kicks off the setup loop by requesting an initial fill attempt.
// Run must already be consuming events in its own goroutine.
func (d *DistributedRelay) Start() {
	d.pushEvent(event{kind: eventTryFill})
}

// SetCallback registers cb to be notified of future relay-added/
// relay-removed transitions. Must be called before Start; not
// safe to change concurrently with a running setup loop.
func (d *DistributedRelay) SetCallback(cb RelayCallback) {
	d.callback = cb
}

// Done returns a channel that closes once Shutdown has released every
// active relay connection.
func (d *DistributedRelay) Done() <-chan struct{} { return d.done }

// ActiveCount returns the current number of live relay connections.
func (d *DistributedRelay) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *DistributedRelay) pushEvent(e event) {
	select {
	case d.events <- e:
	case <-d.done:
	}
}

// Run drains the event channel until ctx is cancelled; Shutdown
// completing does not stop it. It must be started in its own goroutine
// immediately after New.
func (d *DistributedRelay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-d.events:
			if !ok {
				return
			}
			d.handle(ctx, e)
		}
	}
}

func (d *DistributedRelay) handle(ctx context.Context, e event) {
	switch e.kind {
	case eventTryFill:
		d.tryFill(ctx)
	case eventLost:
		d.onLost(e.candidate)
	case eventSetupDone:
		d.onSetupDone(e.candidate, e.conn, e.err)
	}
}

// tryFill is start_connections_open from the spec: bump activity under
// the lock, check the shutdown/empty completion predicate, bail if the
// active set is already full, pick the next candidate, and fire off its
// setup attempt asynchronously. The attempt's own completion re-enters
// this loop via an eventSetupDone, which is the Go rendering of the
// source's recursive callback continuation. Every branch below is a
// terminal branch for this invocation's activity count and runs
// completeIfDone before returning, except the dispatch branch, whose
// activity slot is released later by onSetupDone.
func (d *DistributedRelay) tryFill(ctx context.Context) {
	d.mu.Lock()
	d.activity++
	if d.shutdown.Load() && len(d.active) == 0 {
		d.mu.Unlock()
		d.completeIfDone()
		return
	}
	if len(d.active) >= d.cfg.MaxRelays {
		d.mu.Unlock()
		d.completeIfDone()
		return
	}
	candidate, ok := d.pickCandidateLocked()
	d.mu.Unlock()

	if !ok {
		d.completeIfDone()
		return
	}

	attemptID := uuid.New()
	log.Debug("attempting relay setup", "candidate", candidate.ID(), "attempt", attemptID)

	go func() {
		setupCtx, cancel := context.WithTimeout(ctx, d.cfg.SetupTimeout)
		defer cancel()
		conn, err := d.rpc.SendSetupMessage(setupCtx, candidate, d.cfg)
		d.pushEvent(event{kind: eventSetupDone, candidate: candidate, conn: conn, err: err})
	}()
}

// pickCandidateLocked selects the next relay candidate. Must be called
// with mu held.
func (d *DistributedRelay) pickCandidateLocked() (peeraddress.PeerAddress, bool) {
	if len(d.cfg.ManualRelays) > 0 {
		return d.pickManualLocked()
	}
	if d.routing == nil {
		return peeraddress.PeerAddress{}, false
	}
	for _, n := range d.routing.Neighbors() {
		if n.IsRelayed() {
			continue
		}
		if _, active := d.active[n.ID()]; active {
			continue
		}
		if d.failed.Contains(n.ID()) {
			continue
		}
		return n, true
	}
	return peeraddress.PeerAddress{}, false
}

// pickManualLocked resolves the next configured manual relay id that
// isn't already active. ManualRelays holds hex-encoded ids (id160.Hex);
// manual relays bypass the failed-set filter — the operator owns that
// decision.
func (d *DistributedRelay) pickManualLocked() (peeraddress.PeerAddress, bool) {
	for _, raw := range d.cfg.ManualRelays {
		id, err := id160.FromHex(raw)
		if err != nil {
			log.Debug("skipping malformed manual relay id", "raw", raw, "err", err)
			continue
		}
		if _, active := d.active[id]; active {
			continue
		}
		return peeraddress.New(id, nil, 0, 0, peeraddress.Flags{}, nil), true
	}
	return peeraddress.PeerAddress{}, false
}

func (d *DistributedRelay) onSetupDone(candidate peeraddress.PeerAddress, conn PeerConnection, err error) {
	if err != nil || conn == nil {
		metricSetups.WithLabelValues("failed").Inc()
		d.mu.Lock()
		d.failed.Add(candidate.ID(), struct{}{})
		metricFailed.Set(float64(d.failed.Len()))
		d.mu.Unlock()
		log.Debug("relay setup failed", "candidate", candidate.ID(), "err", err)
		d.tryFill(context.Background())
		d.completeIfDone()
		return
	}

	d.mu.Lock()
	if d.shutdown.Load() {
		d.mu.Unlock()
		// Shutdown already walked the active set by the time this setup
		// resolved; joining it now would leave a connection nothing ever
		// goes on to close. Close it here instead of recording it.
		if closeErr := conn.Close(); closeErr != nil {
			log.Debug("error closing relay connection set up after shutdown", "candidate", candidate.ID(), "err", closeErr)
		}
		d.completeIfDone()
		return
	}

	metricSetups.WithLabelValues("ok").Inc()
	d.active[candidate.ID()] = activeRelay{addr: candidate, conn: conn}
	metricActive.Set(float64(len(d.active)))
	d.mu.Unlock()

	d.republish()
	log.Info("relay connection established", "candidate", candidate.ID())
	if d.callback != nil {
		d.callback.OnRelayAdded(candidate, conn)
	}

	go func() {
		<-conn.Closed()
		d.pushEvent(event{kind: eventLost, candidate: candidate})
	}()

	d.tryFill(context.Background())
	d.completeIfDone()
}

func (d *DistributedRelay) onLost(candidate peeraddress.PeerAddress) {
	d.mu.Lock()
	delete(d.active, candidate.ID())
	d.failed.Add(candidate.ID(), struct{}{})
	metricActive.Set(float64(len(d.active)))
	metricFailed.Set(float64(d.failed.Len()))
	d.mu.Unlock()

	d.republish()
	log.Info("relay connection lost", "candidate", candidate.ID())
	if d.callback != nil {
		d.callback.OnRelayRemoved(candidate)
	}

	// The recursive restart's own terminal branch applies the
	// completion predicate; this listener carries no activity slot of
	// its own to release.
	d.tryFill(context.Background())
}

// completeIfDone implements step 7 of the setup loop: release the
// activity slot this invocation's tryFill call claimed, then — under
// the same lock — check whether the active set is empty, shutdown has
// been requested, and no other invocation is still in flight. This is
// the single completion predicate; Shutdown evaluates the same two
// conditions directly instead of special-casing emptiness itself, so a
// setup that is still outstanding when Shutdown runs can never cause a
// premature completion.
func (d *DistributedRelay) completeIfDone() {
	d.mu.Lock()
	d.activity--
	done := d.activity == 0 && d.shutdown.Load() && len(d.active) == 0
	d.mu.Unlock()
	if done {
		d.doneOnce.Do(func() { close(d.done) })
	}
}

// republish rebuilds bean's PeerAddress from the current active relay
// set: adds each active relay's socket (capped at MaxRelays), sets
// firewalled_tcp/udp to the negation of "has any relay", sets relayed
// accordingly, and marks the address slow if any relay is a slow-type
// relay.
func (d *DistributedRelay) republish() {
	d.mu.Lock()
	sockets := make([]peeraddress.PeerSocketAddress, 0, len(d.active))
	for _, r := range d.active {
		sockets = append(sockets, peeraddress.PeerSocketAddress{
			IP:      r.addr.IP(),
			TCPPort: r.addr.TCPPort(),
			UDPPort: r.addr.UDPPort(),
		})
		if len(sockets) >= peeraddress.MaxRelays {
			break
		}
	}
	hasRelays := len(sockets) > 0
	d.mu.Unlock()

	current := d.bean.PeerAddress()
	updated := current.
		ChangePeerSocketAddresses(sockets).
		ChangeFirewalledTCP(!hasRelays).
		ChangeFirewalledUDP(!hasRelays).
		ChangeRelayed(hasRelays).
		ChangeSlow(hasRelays && d.cfg.SlowRelayType)
	d.bean.SetPeerAddress(updated)
}

// Shutdown marks the relay manager as shutting down and closes every
// active connection; each connection's close callback removes it from
// the active set and restarts the setup loop, which applies the
// completion predicate on its own terminal branch. Shutdown evaluates
// that same predicate itself, under the same lock used everywhere else
// it is checked, rather than a narrower len(active)==0 special case: a
// setup still outstanding at this moment holds a nonzero activity
// count, so this check correctly defers completion to onSetupDone
// instead of firing early and leaking the connection it eventually
// adds. Shutdown itself returns immediately — wait on Done for the
// actual release.
func (d *DistributedRelay) Shutdown() {
	if !d.shutdown.CompareAndSwap(false, true) {
		return
	}
	d.mu.Lock()
	conns := make([]PeerConnection, 0, len(d.active))
	for _, r := range d.active {
		conns = append(conns, r.conn)
	}
	done := d.activity == 0 && len(d.active) == 0
	d.mu.Unlock()

	if done {
		d.doneOnce.Do(func() { close(d.done) })
	}
	for _, c := range conns {
		if err := c.Close(); err != nil {
			log.Debug("error closing relay connection during shutdown", "err", err)
		}
	}
}
