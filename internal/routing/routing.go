// Package routing provides a minimal in-memory stand-in for the DHT
// routing table the core treats as an external collaborator: it is
// asked for the current neighbor list and nothing else. A production
// overlay would back this with an actual Kademlia routing table and
// iterative lookup; that algorithm is explicitly out of scope here.
package routing

import (
	"sync"

	"github.com/dep2p/go-relaymesh/pkg/id160"
	"github.com/dep2p/go-relaymesh/pkg/peeraddress"
)

// Table tracks the peers this node currently knows about, keyed by id.
// It supplies DistributedRelay's candidate pool via Neighbors.
type Table struct {
	mu    sync.RWMutex
	peers map[id160.Id160]peeraddress.PeerAddress
}

// New returns an empty Table.
func New() *Table {
	return &Table{peers: make(map[id160.Id160]peeraddress.PeerAddress)}
}

// Add inserts or replaces addr, keyed by its id.
func (t *Table) Add(addr peeraddress.PeerAddress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[addr.ID()] = addr
}

// Remove drops id from the table, if present.
func (t *Table) Remove(id id160.Id160) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// Neighbors returns every known peer address, satisfying
// relay.RoutingLayer. A real routing table would return the closest-by
// XOR-distance subset instead of everything.
func (t *Table) Neighbors() []peeraddress.PeerAddress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]peeraddress.PeerAddress, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// PeerMap returns the full id-to-address table, for handlers that serve
// PEX/neighbor-exchange requests.
func (t *Table) PeerMap() map[id160.Id160]peeraddress.PeerAddress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[id160.Id160]peeraddress.PeerAddress, len(t.peers))
	for k, v := range t.peers {
		out[k] = v
	}
	return out
}

// Size reports how many peers are currently known.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
