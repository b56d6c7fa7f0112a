package peer

import (
	"context"
	"crypto/dsa"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-relaymesh/pkg/id160"
	"github.com/dep2p/go-relaymesh/pkg/peeraddress"
)

// StatusListener is notified whenever a peer's published PeerAddress
// changes, most commonly when DistributedRelay republishes it after
// gaining or losing a relay.
type StatusListener interface {
	OnPeerAddressChanged(addr peeraddress.PeerAddress)
}

// PeerBean holds per-peer identity and state: the keypair, the
// currently published PeerAddress, and status listeners. It is owned
// exclusively by one Peer (master or slave) — never shared.
type PeerBean struct {
	id         id160.Id160
	privateKey *dsa.PrivateKey
	publicKey  *dsa.PublicKey

	mu      sync.RWMutex
	address peeraddress.PeerAddress

	listenersMu sync.Mutex
	listeners   []StatusListener

	schedMu     sync.Mutex
	maintenance *Scheduler
	replication *Scheduler
}

// NewPeerBean returns a PeerBean for id, publishing initialAddress.
func NewPeerBean(id id160.Id160, priv *dsa.PrivateKey, pub *dsa.PublicKey, initialAddress peeraddress.PeerAddress) *PeerBean {
	return &PeerBean{id: id, privateKey: priv, publicKey: pub, address: initialAddress}
}

func (b *PeerBean) ID() id160.Id160          { return b.id }
func (b *PeerBean) PrivateKey() *dsa.PrivateKey { return b.privateKey }
func (b *PeerBean) PublicKey() *dsa.PublicKey   { return b.publicKey }

// PeerAddress returns the currently published address.
func (b *PeerBean) PeerAddress() peeraddress.PeerAddress {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.address
}

// SetPeerAddress installs a new published address and notifies every
// registered StatusListener. DistributedRelay's republish logic is the
// primary caller.
func (b *PeerBean) SetPeerAddress(addr peeraddress.PeerAddress) {
	b.mu.Lock()
	b.address = addr
	b.mu.Unlock()

	b.listenersMu.Lock()
	listeners := append([]StatusListener(nil), b.listeners...)
	b.listenersMu.Unlock()
	for _, l := range listeners {
		l.OnPeerAddressChanged(addr)
	}
}

// AddStatusListener registers l to be notified of future address changes.
func (b *PeerBean) AddStatusListener(l StatusListener) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	b.listeners = append(b.listeners, l)
}

// StartMaintenance runs task every interval on this peer's maintenance
// scheduler, standing in for the routing layer's bucket-refresh task; the
// routing layer owns task, PeerBean only owns its lifecycle. A nil clock
// uses the real wall clock.
func (b *PeerBean) StartMaintenance(c clock.Clock, interval time.Duration, task func(ctx context.Context)) {
	b.schedMu.Lock()
	defer b.schedMu.Unlock()
	if b.maintenance == nil {
		b.maintenance = NewScheduler(c)
	}
	b.maintenance.Every(interval, task)
}

// StartReplication runs task every interval on this peer's replication
// scheduler, standing in for indirect-replication of locally stored
// tracker data to closer peers; PeerBean only owns its lifecycle.
func (b *PeerBean) StartReplication(c clock.Clock, interval time.Duration, task func(ctx context.Context)) {
	b.schedMu.Lock()
	defer b.schedMu.Unlock()
	if b.replication == nil {
		b.replication = NewScheduler(c)
	}
	b.replication.Every(interval, task)
}

// StopSchedulers shuts down the maintenance and replication schedulers.
// Safe to call even when neither was ever started.
func (b *PeerBean) StopSchedulers() {
	b.schedMu.Lock()
	maintenance, replication := b.maintenance, b.replication
	b.schedMu.Unlock()

	if maintenance != nil {
		maintenance.Shutdown()
	}
	if replication != nil {
		replication.Shutdown()
	}
}
