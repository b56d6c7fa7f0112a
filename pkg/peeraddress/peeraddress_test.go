package peeraddress

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-relaymesh/pkg/id160"
)

func TestSerializedSizeIPv4NoRelays(t *testing.T) {
	pa := New(id160.Random(), net.IPv4(127, 0, 0, 1), 7070, 7070, Flags{}, nil)
	require.Equal(t, 20+2+2+1+4, pa.SerializedSize())
}

func TestSerializedSizeWithRelays(t *testing.T) {
	relays := []PeerSocketAddress{
		{IP: net.IPv4(10, 0, 0, 1), TCPPort: 1, UDPPort: 2},
		{IP: net.IPv4(10, 0, 0, 2), TCPPort: 3, UDPPort: 4},
	}
	pa := New(id160.Random(), net.IPv4(127, 0, 0, 1), 7070, 7070, Flags{Relayed: true}, relays)
	base := 20 + 2 + 2 + 1 + 4
	want := base + 1 + 2*(2+2+4)
	require.Equal(t, want, pa.SerializedSize())
}

func TestChangesAreImmutable(t *testing.T) {
	pa := New(id160.Random(), net.IPv4(127, 0, 0, 1), 1, 2, Flags{}, nil)
	changed := pa.ChangeFirewalledTCP(true)
	require.False(t, pa.Flags().FirewalledTCP)
	require.True(t, changed.Flags().FirewalledTCP)
}

func TestChangePeerSocketAddressesTruncates(t *testing.T) {
	relays := make([]PeerSocketAddress, MaxRelays+3)
	for i := range relays {
		relays[i] = PeerSocketAddress{IP: net.IPv4(127, 0, 0, byte(i+1))}
	}
	pa := New(id160.Random(), net.IPv4(127, 0, 0, 1), 1, 2, Flags{}, nil)
	pa = pa.ChangePeerSocketAddresses(relays)
	require.Len(t, pa.RelaySockets(), MaxRelays)
}

func TestChangeIDPreservesRest(t *testing.T) {
	pa := New(id160.Random(), net.IPv4(1, 2, 3, 4), 10, 20, Flags{FirewalledTCP: true}, nil)
	other := id160.Random()
	changed := pa.ChangeID(other)
	require.True(t, changed.ID().Equal(other))
	require.True(t, changed.Flags().FirewalledTCP)
}
