package message

import (
	"bytes"
	"crypto/dsa"
	"fmt"
	"math"

	"github.com/dep2p/go-relaymesh/pkg/data"
	"github.com/dep2p/go-relaymesh/pkg/id160"
	"github.com/dep2p/go-relaymesh/pkg/peeraddress"
)

// MaxContentSlots is the number of typed payload slots a Message carries.
const MaxContentSlots = 4

// PeerDataEntry is one (PeerAddress, Data) pair. PeerAddress embeds a
// net.IP, which is not comparable, so MAP_PEER_DATA is modeled as an
// ordered slice of entries rather than a Go map.
type PeerDataEntry struct {
	Peer peeraddress.PeerAddress
	Data data.Data
}

// payload holds the decoded value for one content slot. Exactly the
// fields relevant to Content are populated; the rest are zero.
type payload struct {
	content     Content
	key1        id160.Id160
	key2        id160.Id160
	dataMap     map[id160.Id160]data.Data
	keyMap      map[id160.Id160]id160.Id160
	keySet      []id160.Id160
	neighbors   []peeraddress.PeerAddress
	buffer      []byte
	long        int64
	integer     int32
	peerDataMap []PeerDataEntry
	publicKey   *dsa.PublicKey
}

// Message is the in-memory envelope for every wire exchange: header
// fields plus up to four typed payload slots and an optional signature.
type Message struct {
	Version   uint32
	ID        uint32
	Command   Command
	Type      Type
	Sender    peeraddress.PeerAddress
	Recipient peeraddress.PeerAddress

	// RealSender is the address the transport actually observed the
	// packet arrive from; it never goes on the wire but is used to
	// detect port-forwarding / NAT mismatches against Sender.
	RealSender peeraddress.PeerAddress

	// ContentLength is the declared payload size in bytes, including the
	// 40 signature bytes when signing is requested. Decode sets it from
	// the header; Encode computes the header value itself and leaves this
	// field unchanged.
	ContentLength uint32

	// UseAtMostNeighbors caps how many neighbors AddNeighbors will emit,
	// in addition to the wire-level 255 cap. Zero means unlimited.
	UseAtMostNeighbors int

	slots [MaxContentSlots]payload

	// sign, when true, causes Encode to append a DSA-SHA1 signature over
	// every byte emitted so far once all payload slots are written.
	sign       bool
	privateKey *dsa.PrivateKey

	// PublicKey is populated either by AddPublicKey/AddPublicKeySignature
	// on the sending side, or by Decode on the receiving side once a
	// PUBLIC_KEY_SIGNATURE slot's signature has verified.
	PublicKey *dsa.PublicKey
}

// New returns an empty Message with all four content slots EMPTY.
func New() *Message {
	m := &Message{}
	for i := range m.slots {
		m.slots[i].content = ContentEmpty
	}
	return m
}

func (m *Message) nextSlot() (int, error) {
	for i, s := range m.slots {
		if s.content == ContentEmpty {
			return i, nil
		}
	}
	return -1, fmt.Errorf("message: all %d content slots are in use", MaxContentSlots)
}

// ContentTypes returns the content type of each of the four slots, in
// wire order.
func (m *Message) ContentTypes() [MaxContentSlots]Content {
	var out [MaxContentSlots]Content
	for i, s := range m.slots {
		out[i] = s.content
	}
	return out
}

// SlotContent returns the content type of slot i.
func (m *Message) SlotContent(i int) Content { return m.slots[i].content }

// AddKey appends a KEY slot.
func (m *Message) AddKey(k id160.Id160) (*Message, error) {
	i, err := m.nextSlot()
	if err != nil {
		return m, err
	}
	m.slots[i] = payload{content: ContentKey, key1: k}
	return m, nil
}

// Key returns the value of the first KEY slot, if any.
func (m *Message) Key() (id160.Id160, bool) {
	for _, s := range m.slots {
		if s.content == ContentKey {
			return s.key1, true
		}
	}
	return id160.Zero, false
}

// AddKeyKey appends a KEY_KEY slot.
func (m *Message) AddKeyKey(k1, k2 id160.Id160) (*Message, error) {
	i, err := m.nextSlot()
	if err != nil {
		return m, err
	}
	m.slots[i] = payload{content: ContentKeyKey, key1: k1, key2: k2}
	return m, nil
}

// KeyKey returns the value of the first KEY_KEY slot, if any.
func (m *Message) KeyKey() (id160.Id160, id160.Id160, bool) {
	for _, s := range m.slots {
		if s.content == ContentKeyKey {
			return s.key1, s.key2, true
		}
	}
	return id160.Zero, id160.Zero, false
}

// AddDataMap appends a MAP_KEY_DATA slot.
func (m *Message) AddDataMap(dm map[id160.Id160]data.Data) (*Message, error) {
	i, err := m.nextSlot()
	if err != nil {
		return m, err
	}
	m.slots[i] = payload{content: ContentMapKeyData, dataMap: dm}
	return m, nil
}

// DataMap returns the value of the first MAP_KEY_DATA slot, if any.
func (m *Message) DataMap() (map[id160.Id160]data.Data, bool) {
	for _, s := range m.slots {
		if s.content == ContentMapKeyData {
			return s.dataMap, true
		}
	}
	return nil, false
}

// AddKeyMap appends a MAP_KEY_KEY slot.
func (m *Message) AddKeyMap(km map[id160.Id160]id160.Id160) (*Message, error) {
	i, err := m.nextSlot()
	if err != nil {
		return m, err
	}
	m.slots[i] = payload{content: ContentMapKeyKey, keyMap: km}
	return m, nil
}

// KeyMap returns the value of the first MAP_KEY_KEY slot, if any.
func (m *Message) KeyMap() (map[id160.Id160]id160.Id160, bool) {
	for _, s := range m.slots {
		if s.content == ContentMapKeyKey {
			return s.keyMap, true
		}
	}
	return nil, false
}

// AddKeySet appends a SET_KEYS slot.
func (m *Message) AddKeySet(keys []id160.Id160) (*Message, error) {
	i, err := m.nextSlot()
	if err != nil {
		return m, err
	}
	m.slots[i] = payload{content: ContentSetKeys, keySet: keys}
	return m, nil
}

// KeySet returns the value of the first SET_KEYS slot, if any.
func (m *Message) KeySet() ([]id160.Id160, bool) {
	for _, s := range m.slots {
		if s.content == ContentSetKeys {
			return s.keySet, true
		}
	}
	return nil, false
}

// AddNeighbors appends a SET_NEIGHBORS slot.
func (m *Message) AddNeighbors(neighbors []peeraddress.PeerAddress) (*Message, error) {
	i, err := m.nextSlot()
	if err != nil {
		return m, err
	}
	m.slots[i] = payload{content: ContentSetNeighbors, neighbors: neighbors}
	return m, nil
}

// Neighbors returns the value of the first SET_NEIGHBORS slot, if any.
func (m *Message) Neighbors() ([]peeraddress.PeerAddress, bool) {
	for _, s := range m.slots {
		if s.content == ContentSetNeighbors {
			return s.neighbors, true
		}
	}
	return nil, false
}

// AddBuffer appends a CHANNEL_BUFFER slot.
func (m *Message) AddBuffer(b []byte) (*Message, error) {
	i, err := m.nextSlot()
	if err != nil {
		return m, err
	}
	m.slots[i] = payload{content: ContentChannelBuffer, buffer: b}
	return m, nil
}

// Buffer returns the value of the first CHANNEL_BUFFER slot, if any.
func (m *Message) Buffer() ([]byte, bool) {
	for _, s := range m.slots {
		if s.content == ContentChannelBuffer {
			return s.buffer, true
		}
	}
	return nil, false
}

// AddLong appends a LONG slot.
func (m *Message) AddLong(v int64) (*Message, error) {
	i, err := m.nextSlot()
	if err != nil {
		return m, err
	}
	m.slots[i] = payload{content: ContentLong, long: v}
	return m, nil
}

// Long returns the value of the first LONG slot, if any.
func (m *Message) Long() (int64, bool) {
	for _, s := range m.slots {
		if s.content == ContentLong {
			return s.long, true
		}
	}
	return 0, false
}

// AddInteger appends an INTEGER slot.
func (m *Message) AddInteger(v int32) (*Message, error) {
	i, err := m.nextSlot()
	if err != nil {
		return m, err
	}
	m.slots[i] = payload{content: ContentInteger, integer: v}
	return m, nil
}

// Integer returns the value of the first INTEGER slot, if any.
func (m *Message) Integer() (int32, bool) {
	for _, s := range m.slots {
		if s.content == ContentInteger {
			return s.integer, true
		}
	}
	return 0, false
}

// AddPeerDataMap appends a MAP_PEER_DATA slot.
func (m *Message) AddPeerDataMap(entries []PeerDataEntry) (*Message, error) {
	i, err := m.nextSlot()
	if err != nil {
		return m, err
	}
	m.slots[i] = payload{content: ContentMapPeerData, peerDataMap: entries}
	return m, nil
}

// PeerDataMap returns the value of the first MAP_PEER_DATA slot, if any.
func (m *Message) PeerDataMap() ([]PeerDataEntry, bool) {
	for _, s := range m.slots {
		if s.content == ContentMapPeerData {
			return s.peerDataMap, true
		}
	}
	return nil, false
}

// AddPublicKey appends a PUBLIC_KEY slot (key exchange, no signature).
func (m *Message) AddPublicKey(pub *dsa.PublicKey) (*Message, error) {
	i, err := m.nextSlot()
	if err != nil {
		return m, err
	}
	m.slots[i] = payload{content: ContentPublicKey, publicKey: pub}
	m.PublicKey = pub
	return m, nil
}

// AddPublicKeySignature appends a PUBLIC_KEY_SIGNATURE slot and arms the
// encoder to sign the message with priv once every slot is written.
// Per the codec design note, the length accounting for the trailing 40
// signature bytes is computed up front, not patched in after signing.
func (m *Message) AddPublicKeySignature(pub *dsa.PublicKey, priv *dsa.PrivateKey) (*Message, error) {
	i, err := m.nextSlot()
	if err != nil {
		return m, err
	}
	m.slots[i] = payload{content: ContentPublicKeySignature, publicKey: pub}
	m.PublicKey = pub
	m.privateKey = priv
	m.sign = true
	return m, nil
}

// IsSigned reports whether this message is (or, once decoded, was)
// carried with a DSA-SHA1 signature.
func (m *Message) IsSigned() bool { return m.sign }

// Equal compares two Messages for round-trip testing. It intentionally
// treats InheritsKey Data atoms as described in data.Data.Equal: a
// verified-and-patched atom does not compare equal to its unverified
// source, which is the expected outcome of a decode-before-verify round
// trip rather than a bug.
func (m *Message) Equal(other *Message) bool {
	if m.Version != other.Version || m.ID != other.ID {
		return false
	}
	if m.Command != other.Command || m.Type != other.Type {
		return false
	}
	if !m.Sender.Equal(other.Sender) || !m.Recipient.Equal(other.Recipient) {
		return false
	}
	for i := range m.slots {
		if !m.slots[i].equal(other.slots[i]) {
			return false
		}
	}
	return true
}

func (p payload) equal(o payload) bool {
	if p.content != o.content {
		return false
	}
	switch p.content {
	case ContentKey:
		return p.key1.Equal(o.key1)
	case ContentKeyKey:
		return p.key1.Equal(o.key1) && p.key2.Equal(o.key2)
	case ContentMapKeyData:
		if len(p.dataMap) != len(o.dataMap) {
			return false
		}
		for k, v := range p.dataMap {
			ov, ok := o.dataMap[k]
			if !ok || !v.Equal(ov) {
				return false
			}
		}
		return true
	case ContentMapKeyKey:
		if len(p.keyMap) != len(o.keyMap) {
			return false
		}
		for k, v := range p.keyMap {
			ov, ok := o.keyMap[k]
			if !ok || !v.Equal(ov) {
				return false
			}
		}
		return true
	case ContentSetKeys:
		if len(p.keySet) != len(o.keySet) {
			return false
		}
		for i := range p.keySet {
			if !p.keySet[i].Equal(o.keySet[i]) {
				return false
			}
		}
		return true
	case ContentSetNeighbors:
		if len(p.neighbors) != len(o.neighbors) {
			return false
		}
		for i := range p.neighbors {
			if !p.neighbors[i].Equal(o.neighbors[i]) {
				return false
			}
		}
		return true
	case ContentChannelBuffer:
		return bytes.Equal(p.buffer, o.buffer)
	case ContentLong:
		return p.long == o.long
	case ContentInteger:
		return p.integer == o.integer
	case ContentMapPeerData:
		if len(p.peerDataMap) != len(o.peerDataMap) {
			return false
		}
		for i := range p.peerDataMap {
			if !p.peerDataMap[i].Peer.Equal(o.peerDataMap[i].Peer) || !p.peerDataMap[i].Data.Equal(o.peerDataMap[i].Data) {
				return false
			}
		}
		return true
	case ContentPublicKey, ContentPublicKeySignature:
		return (p.publicKey == nil) == (o.publicKey == nil)
	default:
		return true
	}
}

// effectiveNeighborLimit returns the cap AddNeighbors-equivalent wire
// encoding should apply: min(UseAtMostNeighbors, 255, len(neighbors)),
// treating UseAtMostNeighbors == 0 as "unlimited".
func effectiveNeighborLimit(configured, available int) int {
	limit := available
	if configured > 0 && configured < limit {
		limit = configured
	}
	if limit > math.MaxUint8 {
		limit = math.MaxUint8
	}
	return limit
}
