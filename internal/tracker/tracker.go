// Package tracker provides a minimal in-memory stand-in for the DHT
// tracker storage the core treats as an external collaborator: put/get
// entries under a (location, domain) key, bounded per-key by MaxEntries
// and TTL-expired per entry. Insertion policy and TTL semantics beyond
// "entries expire, storage is bounded" are explicitly out of scope for
// the core and left to this collaborator.
package tracker

import (
	"sync"
	"time"

	"github.com/dep2p/go-relaymesh/pkg/data"
	"github.com/dep2p/go-relaymesh/pkg/id160"
	"github.com/dep2p/go-relaymesh/pkg/peeraddress"
)

// MaxEntries bounds how many (PeerAddress, Data) pairs may be stored
// under a single (location, domain) key.
const MaxEntries = 128

type bucketKey struct {
	loc id160.Id160
	dom id160.Id160
}

type entry struct {
	data    data.Data
	expires time.Time
}

// Store is the tracker's in-memory table.
type Store struct {
	mu      sync.Mutex
	buckets map[bucketKey]map[id160.Id160]entry // peer id -> entry, within one (loc,dom) bucket
	peers   map[bucketKey]map[id160.Id160]peeraddress.PeerAddress
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		buckets: make(map[bucketKey]map[id160.Id160]entry),
		peers:   make(map[bucketKey]map[id160.Id160]peeraddress.PeerAddress),
	}
}

// Put records that peer announced d under (loc, dom), replacing any
// prior entry for that peer in the same bucket. It returns false if the
// bucket is full and peer is not already present.
func (s *Store) Put(loc, dom id160.Id160, peer peeraddress.PeerAddress, d data.Data) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey{loc: loc, dom: dom}
	bucket := s.buckets[key]
	if bucket == nil {
		bucket = make(map[id160.Id160]entry)
		s.buckets[key] = bucket
	}
	peers := s.peers[key]
	if peers == nil {
		peers = make(map[id160.Id160]peeraddress.PeerAddress)
		s.peers[key] = peers
	}

	s.expireLocked(bucket, peers)

	if _, exists := bucket[peer.ID()]; !exists && len(bucket) >= MaxEntries {
		return false
	}

	expires := time.Time{}
	if d.TTLSeconds > 0 {
		expires = timeNow().Add(time.Duration(d.TTLSeconds) * time.Second)
	}
	bucket[peer.ID()] = entry{data: d, expires: expires}
	peers[peer.ID()] = peer
	return true
}

// Entry pairs one stored value with the peer that announced it.
// PeerAddress embeds a net.IP and a relay slice, neither comparable, so
// results are returned as a slice rather than keyed by PeerAddress.
type Entry struct {
	Peer peeraddress.PeerAddress
	Data data.Data
}

// Get returns every live (PeerAddress, Data) pair stored under (loc,
// dom). The second return value is false if the bucket has no entries.
func (s *Store) Get(loc, dom id160.Id160) ([]Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey{loc: loc, dom: dom}
	bucket := s.buckets[key]
	peers := s.peers[key]
	s.expireLocked(bucket, peers)
	if len(bucket) == 0 {
		return nil, false
	}

	out := make([]Entry, 0, len(bucket))
	for id, e := range bucket {
		out = append(out, Entry{Peer: peers[id], Data: e.data})
	}
	return out, true
}

// Size reports how many live entries are stored under (loc, dom).
func (s *Store) Size(loc, dom id160.Id160) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bucketKey{loc: loc, dom: dom}
	bucket := s.buckets[key]
	s.expireLocked(bucket, s.peers[key])
	return len(bucket)
}

// MaxSize returns the per-bucket capacity.
func (s *Store) MaxSize() int { return MaxEntries }

// expireLocked drops every entry whose TTL has passed. Must be called
// with mu held.
func (s *Store) expireLocked(bucket map[id160.Id160]entry, peers map[id160.Id160]peeraddress.PeerAddress) {
	if bucket == nil {
		return
	}
	now := timeNow()
	for id, e := range bucket {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(bucket, id)
			delete(peers, id)
		}
	}
}

// timeNow is a seam for deterministic tests; production code always
// calls time.Now.
var timeNow = time.Now
