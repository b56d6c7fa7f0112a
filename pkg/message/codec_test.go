package message

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-relaymesh/pkg/data"
	"github.com/dep2p/go-relaymesh/pkg/id160"
	"github.com/dep2p/go-relaymesh/pkg/peeraddress"
)

func buildSender(ip net.IP, tcp, udp uint16) peeraddress.PeerAddress {
	return peeraddress.New(id160.Zero, ip, tcp, udp, peeraddress.Flags{}, nil)
}

func TestHeaderRoundTrip(t *testing.T) {
	m := New()
	m.Version = 0x01020304
	m.ID = 0x05060708
	m.Command = CommandPing
	m.Type = TypeRequest1
	m.Sender = peeraddress.New(id160.Zero, net.IPv4(127, 0, 0, 1), 7070, 7070, peeraddress.Flags{}, nil)
	m.Recipient = peeraddress.New(id160.Max, nil, 0, 0, peeraddress.Flags{}, nil)

	buf, err := Encode(m)
	require.NoError(t, err)
	require.Len(t, buf, HeaderSize)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, buf[0:4])
	require.Equal(t, byte(0x00), buf[8])
	require.Equal(t, []byte{0, 0, 0, 0}, buf[60:64])

	decoded, err := Decode(buf, net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, m.Version, decoded.Version)
	require.Equal(t, m.ID, decoded.ID)
	require.Equal(t, CommandPing, decoded.Command)
	require.Equal(t, TypeRequest1, decoded.Type)
	require.True(t, decoded.Recipient.ID().Equal(id160.Max))
}

// TestContentTypeNibblesMatchBigEndianLayout pins the literal byte
// values at header offsets 57/58, since a round-trip encode/decode
// alone is symmetric under a consistent byte-swap and won't catch one.
// For the 16-bit value (ct4<<12)|(ct3<<8)|(ct2<<4)|ct1, big-endian
// write order puts the high byte (ct4<<4)|ct3 first, at offset 57.
func TestContentTypeNibblesMatchBigEndianLayout(t *testing.T) {
	m := New()
	m.Sender = peeraddress.New(id160.Zero, net.IPv4(127, 0, 0, 1), 0, 0, peeraddress.Flags{}, nil)
	m.Recipient = peeraddress.New(id160.Zero, nil, 0, 0, peeraddress.Flags{}, nil)
	_, err := m.AddKey(id160.Zero) // slot 0: ContentKey (1)
	require.NoError(t, err)
	_, err = m.AddKeyKey(id160.Zero, id160.Zero) // slot 1: ContentKeyKey (2)
	require.NoError(t, err)
	_, err = m.AddLong(0) // slot 2: ContentLong (8)
	require.NoError(t, err)
	_, err = m.AddInteger(0) // slot 3: ContentInteger (9)
	require.NoError(t, err)

	buf, err := Encode(m)
	require.NoError(t, err)
	require.Equal(t, byte(0x98), buf[57], "offset 57 should pack (ct4<<4)|ct3")
	require.Equal(t, byte(0x21), buf[58], "offset 58 should pack (ct2<<4)|ct1")

	decoded, err := Decode(buf, net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, ContentKey, decoded.SlotContent(0))
	require.Equal(t, ContentKeyKey, decoded.SlotContent(1))
	require.Equal(t, ContentLong, decoded.SlotContent(2))
	require.Equal(t, ContentInteger, decoded.SlotContent(3))
}

func TestSetNeighborsOverflow(t *testing.T) {
	neighbors := make([]peeraddress.PeerAddress, 300)
	for i := range neighbors {
		id := id160.Random()
		neighbors[i] = peeraddress.New(id, net.IPv4(10, 0, 0, byte(i%255)), 1000, 2000, peeraddress.Flags{}, nil)
	}

	m := New()
	m.Sender = buildSender(net.IPv4(127, 0, 0, 1), 1, 1)
	_, err := m.AddNeighbors(neighbors)
	require.NoError(t, err)

	buf, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(buf, net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	got, ok := decoded.Neighbors()
	require.True(t, ok)
	require.Len(t, got, 255)
}

func TestMapKeyDataRoundTrip(t *testing.T) {
	m := New()
	m.Sender = buildSender(net.IPv4(127, 0, 0, 1), 1, 1)
	k := id160.Random()
	d := data.New([]byte("hello")).WithTTL(60).WithProtected(true)
	_, err := m.AddDataMap(map[id160.Id160]data.Data{k: d})
	require.NoError(t, err)

	buf, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(buf, net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	dm, ok := decoded.DataMap()
	require.True(t, ok)
	require.Len(t, dm, 1)
	got, ok := dm[k]
	require.True(t, ok)
	require.True(t, got.Equal(d))
}

func TestChannelBufferRoundTrip(t *testing.T) {
	m := New()
	m.Sender = buildSender(net.IPv4(127, 0, 0, 1), 1, 1)
	_, err := m.AddBuffer([]byte("payload bytes"))
	require.NoError(t, err)
	_, err = m.AddInteger(7)
	require.NoError(t, err)

	buf, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(buf, net.IPv4(127, 0, 0, 1))
	require.NoError(t, err)
	b, ok := decoded.Buffer()
	require.True(t, ok)
	require.Equal(t, []byte("payload bytes"), b)
	n, ok := decoded.Integer()
	require.True(t, ok)
	require.Equal(t, int32(7), n)
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode(make([]byte, 10), net.IPv4(127, 0, 0, 1))
	require.ErrorIs(t, err, ErrBufferTooShort)
}
