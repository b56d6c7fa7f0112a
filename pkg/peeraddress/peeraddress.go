// Package peeraddress models a peer's identity plus the transport
// coordinates, NAT flags, and relay endpoints needed to reach it.
package peeraddress

import (
	"fmt"
	"net"

	"github.com/dep2p/go-relaymesh/pkg/id160"
)

// MaxRelays bounds the number of relay sockets a PeerAddress may carry.
const MaxRelays = 5

// PeerSocketAddress is a bare (ip, tcpPort, udpPort) tuple, used both for
// relay endpoints embedded in a PeerAddress and standalone.
type PeerSocketAddress struct {
	IP      net.IP
	TCPPort uint16
	UDPPort uint16
}

// IsIPv6 reports whether IP is a 16-byte (non-4-in-6) address.
func (s PeerSocketAddress) IsIPv6() bool {
	return s.IP.To4() == nil
}

func (s PeerSocketAddress) String() string {
	return fmt.Sprintf("%s:tcp=%d/udp=%d", s.IP, s.TCPPort, s.UDPPort)
}

// Flags are the NAT / reachability bits a PeerAddress publishes.
type Flags struct {
	FirewalledTCP bool
	FirewalledUDP bool
	Relayed       bool
	Slow          bool
	Forwarded     bool
}

// PeerAddress is an immutable tuple of peer identity, transport
// coordinates, NAT flags, and up to MaxRelays relay sockets. All
// "changes" return a new value rather than mutating the receiver.
type PeerAddress struct {
	id      id160.Id160
	ip      net.IP
	tcpPort uint16
	udpPort uint16
	flags   Flags
	relays  []PeerSocketAddress
}

// New builds a PeerAddress. relays is copied and truncated to MaxRelays.
func New(id id160.Id160, ip net.IP, tcpPort, udpPort uint16, flags Flags, relays []PeerSocketAddress) PeerAddress {
	if len(relays) > MaxRelays {
		relays = relays[:MaxRelays]
	}
	cp := make([]PeerSocketAddress, len(relays))
	copy(cp, relays)
	return PeerAddress{id: id, ip: ip, tcpPort: tcpPort, udpPort: udpPort, flags: flags, relays: cp}
}

func (p PeerAddress) ID() id160.Id160               { return p.id }
func (p PeerAddress) IP() net.IP                    { return p.ip }
func (p PeerAddress) TCPPort() uint16                { return p.tcpPort }
func (p PeerAddress) UDPPort() uint16                { return p.udpPort }
func (p PeerAddress) Flags() Flags                   { return p.flags }
func (p PeerAddress) IsIPv6() bool                    { return p.ip.To4() == nil }
func (p PeerAddress) IsRelayed() bool                 { return p.flags.Relayed }

// RelaySockets returns a copy of the relay socket list.
func (p PeerAddress) RelaySockets() []PeerSocketAddress {
	out := make([]PeerSocketAddress, len(p.relays))
	copy(out, p.relays)
	return out
}

// ChangeID returns a copy of p with a different id; used to derive a
// slave peer's address from its master's.
func (p PeerAddress) ChangeID(id id160.Id160) PeerAddress {
	p.id = id
	return p
}

// ChangeFirewalledTCP returns a copy of p with FirewalledTCP set.
func (p PeerAddress) ChangeFirewalledTCP(v bool) PeerAddress {
	p.flags.FirewalledTCP = v
	return p
}

// ChangeFirewalledUDP returns a copy of p with FirewalledUDP set.
func (p PeerAddress) ChangeFirewalledUDP(v bool) PeerAddress {
	p.flags.FirewalledUDP = v
	return p
}

// ChangeRelayed returns a copy of p with Relayed set.
func (p PeerAddress) ChangeRelayed(v bool) PeerAddress {
	p.flags.Relayed = v
	return p
}

// ChangeSlow returns a copy of p with Slow set.
func (p PeerAddress) ChangeSlow(v bool) PeerAddress {
	p.flags.Slow = v
	return p
}

// ChangePeerSocketAddresses returns a copy of p with a new relay socket
// list, truncated to MaxRelays.
func (p PeerAddress) ChangePeerSocketAddresses(relays []PeerSocketAddress) PeerAddress {
	if len(relays) > MaxRelays {
		relays = relays[:MaxRelays]
	}
	cp := make([]PeerSocketAddress, len(relays))
	copy(cp, relays)
	p.relays = cp
	return p
}

// ipLen returns 4 for an IPv4 address, 16 otherwise.
func ipLen(ip net.IP) int {
	if ip.To4() != nil {
		return 4
	}
	return 16
}

// SerializedSize returns the exact wire size of this PeerAddress as
// encoded by the message codec: 20 (id) + 2 (tcp) + 2 (udp) + 1 (type)
// + (4 or 16) (ip), extended by one relay-count byte plus, per relay,
// 2 (tcp) + 2 (udp) + (4 or 16) (ip) when Relayed is set. Relay sockets
// are assumed to share the main address's IP family, so decode can size
// each relay entry without a per-relay type byte.
func (p PeerAddress) SerializedSize() int {
	size := id160.Size + 2 + 2 + 1 + ipLen(p.ip)
	if p.flags.Relayed {
		size++ // relay count byte
		size += len(p.relays) * (2 + 2 + ipLen(p.ip))
	}
	return size
}

func (p PeerAddress) Equal(other PeerAddress) bool {
	if !p.id.Equal(other.id) {
		return false
	}
	if !p.ip.Equal(other.ip) {
		return false
	}
	if p.tcpPort != other.tcpPort || p.udpPort != other.udpPort {
		return false
	}
	if p.flags != other.flags {
		return false
	}
	if len(p.relays) != len(other.relays) {
		return false
	}
	for i := range p.relays {
		if !p.relays[i].IP.Equal(other.relays[i].IP) ||
			p.relays[i].TCPPort != other.relays[i].TCPPort ||
			p.relays[i].UDPPort != other.relays[i].UDPPort {
			return false
		}
	}
	return true
}

// Wire bits for the one-byte "address type" field shared by the message
// header's sender encoding and the full PeerAddress encoding used in
// SET_NEIGHBORS / MAP_PEER_DATA.
const (
	typeBitIPv6          = 1 << 0
	typeBitFirewalledTCP = 1 << 1
	typeBitFirewalledUDP = 1 << 2
	typeBitRelayed       = 1 << 3
	typeBitSlow          = 1 << 4
	typeBitForwarded     = 1 << 5
)

// EncodeTypeByte packs f and the IPv6-ness of ip into the one-byte "address
// type" field.
func EncodeTypeByte(f Flags, isIPv6 bool) byte {
	var b byte
	if isIPv6 {
		b |= typeBitIPv6
	}
	if f.FirewalledTCP {
		b |= typeBitFirewalledTCP
	}
	if f.FirewalledUDP {
		b |= typeBitFirewalledUDP
	}
	if f.Relayed {
		b |= typeBitRelayed
	}
	if f.Slow {
		b |= typeBitSlow
	}
	if f.Forwarded {
		b |= typeBitForwarded
	}
	return b
}

// DecodeTypeByte unpacks b into Flags and an isIPv6 indicator.
func DecodeTypeByte(b byte) (f Flags, isIPv6 bool) {
	isIPv6 = b&typeBitIPv6 != 0
	f.FirewalledTCP = b&typeBitFirewalledTCP != 0
	f.FirewalledUDP = b&typeBitFirewalledUDP != 0
	f.Relayed = b&typeBitRelayed != 0
	f.Slow = b&typeBitSlow != 0
	f.Forwarded = b&typeBitForwarded != 0
	return f, isIPv6
}

func (p PeerAddress) String() string {
	return fmt.Sprintf("PeerAddress{id=%s, %s:tcp=%d/udp=%d, relayed=%v, relays=%d}",
		p.id, p.ip, p.tcpPort, p.udpPort, p.flags.Relayed, len(p.relays))
}
