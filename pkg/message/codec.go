package message

import (
	"crypto/dsa"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/dep2p/go-relaymesh/pkg/id160"
	"github.com/dep2p/go-relaymesh/pkg/peeraddress"
)

// HeaderSize is the fixed wire size of a Message header.
const HeaderSize = 64

// reader walks buf with bounds-checked reads, tracking the byte offset
// every decode step needs when the payload later turns out to carry a
// DSA-SHA1 signature over everything read so far.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) need(n int) error {
	if n < 0 || r.remaining() < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrTruncatedPayload, n, r.remaining())
	}
	return nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (byte, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) id() (id160.Id160, error) {
	b, err := r.bytes(id160.Size)
	if err != nil {
		return id160.Zero, err
	}
	return id160.MustFromBytes(b), nil
}

// Encode renders m as its wire bytes, computing content_length up front
// (per the "compute before writing the header" design note) and, when m
// carries a PUBLIC_KEY_SIGNATURE slot, signing the full emitted buffer
// and appending the 40-byte trailer.
func Encode(m *Message) ([]byte, error) {
	slotBytes := make([][]byte, MaxContentSlots)
	contentLength := uint32(0)
	for i, s := range m.slots {
		b, err := encodeSlot(s, m.UseAtMostNeighbors)
		if err != nil {
			return nil, fmt.Errorf("message: encode slot %d (%s): %w", i, s.content, err)
		}
		slotBytes[i] = b
		contentLength += uint32(len(b))
		if s.content == ContentPublicKeySignature {
			contentLength += signatureSize
		}
	}

	header, err := encodeHeader(m, contentLength)
	if err != nil {
		return nil, err
	}

	total := make([]byte, 0, HeaderSize+int(contentLength))
	total = append(total, header...)
	for _, b := range slotBytes {
		total = append(total, b...)
	}

	if m.sign {
		if m.privateKey == nil {
			return nil, fmt.Errorf("message: signed message has no private key")
		}
		rBytes, sBytes, err := sha1DSA(m.privateKey, total)
		if err != nil {
			return nil, err
		}
		total = append(total, rBytes...)
		total = append(total, sBytes...)
	}
	return total, nil
}

func encodeHeader(m *Message, contentLength uint32) ([]byte, error) {
	h := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(h[0:4], m.Version)
	binary.BigEndian.PutUint32(h[4:8], m.ID)
	h[8] = byte(m.Type)<<4 | byte(m.Command)

	senderID := m.Sender.ID()
	copy(h[9:29], senderID.Bytes())
	binary.BigEndian.PutUint16(h[29:31], m.Sender.TCPPort())
	binary.BigEndian.PutUint16(h[31:33], m.Sender.UDPPort())

	recipientID := m.Recipient.ID()
	copy(h[33:53], recipientID.Bytes())

	binary.BigEndian.PutUint32(h[53:57], contentLength)

	types := m.ContentTypes()
	h[57] = byte(types[3])<<4 | byte(types[2])
	h[58] = byte(types[1])<<4 | byte(types[0])

	h[59] = peeraddress.EncodeTypeByte(m.Sender.Flags(), m.Sender.IsIPv6())

	if m.Sender.Flags().Forwarded && !m.Sender.IsIPv6() {
		ip4 := m.Sender.IP().To4()
		if ip4 == nil {
			return nil, fmt.Errorf("%w: forwarded flag set on non-IPv4 sender", ErrUnknownAddressType)
		}
		copy(h[60:64], ip4)
	}
	return h, nil
}

// Decode parses buf into a Message. realSender is the IP the transport
// observed the datagram/stream arrive from, substituted for the sender's
// address whenever the header's forwarded-IP field is absent.
func Decode(buf []byte, realSender net.IP) (*Message, error) {
	if len(buf) < HeaderSize {
		return nil, ErrBufferTooShort
	}
	m := New()

	m.Version = binary.BigEndian.Uint32(buf[0:4])
	m.ID = binary.BigEndian.Uint32(buf[4:8])
	m.Command = Command(buf[8] & 0x0F)
	m.Type = Type(buf[8] >> 4)

	senderID := id160.MustFromBytes(buf[9:29])
	tcpPort := binary.BigEndian.Uint16(buf[29:31])
	udpPort := binary.BigEndian.Uint16(buf[31:33])
	recipientID := id160.MustFromBytes(buf[33:53])
	contentLength := binary.BigEndian.Uint32(buf[53:57])

	ct4 := Content(buf[57] >> 4)
	ct3 := Content(buf[57] & 0x0F)
	ct2 := Content(buf[58] >> 4)
	ct1 := Content(buf[58] & 0x0F)

	flags, isIPv6 := peeraddress.DecodeTypeByte(buf[59])
	forwardedIP := buf[60:64]
	senderIP := realSender
	zero4 := true
	for _, b := range forwardedIP {
		if b != 0 {
			zero4 = false
			break
		}
	}
	if flags.Forwarded && !zero4 {
		senderIP = net.IP(append([]byte(nil), forwardedIP...))
	}
	if senderIP == nil {
		senderIP = net.IPv4zero
	}

	_ = isIPv6 // IsIPv6 is re-derived from senderIP itself; the header bit only round-trips it.
	m.Sender = peeraddress.New(senderID, senderIP, tcpPort, udpPort, flags, nil)
	m.Recipient = peeraddress.New(recipientID, net.IPv4zero, 0, 0, peeraddress.Flags{}, nil)
	m.RealSender = peeraddress.New(senderID, realSender, tcpPort, udpPort, peeraddress.Flags{}, nil)
	m.ContentLength = contentLength

	r := &reader{buf: buf, pos: HeaderSize}
	types := [MaxContentSlots]Content{ct1, ct2, ct3, ct4}

	signSlot := -1
	for i, ct := range types {
		p, err := decodeSlot(r, ct)
		if err != nil {
			return nil, fmt.Errorf("message: decode slot %d (%s): %w", i, ct, err)
		}
		m.slots[i] = p
		switch ct {
		case ContentPublicKeySignature:
			signSlot = i
		case ContentPublicKey:
			m.PublicKey = p.publicKey
		}
	}

	if signSlot >= 0 {
		m.sign = true
		signedRange := buf[:r.pos]
		rBytes, err := r.bytes(signatureHalfSize)
		if err != nil {
			return nil, fmt.Errorf("message: read signature r: %w", err)
		}
		sBytes, err := r.bytes(signatureHalfSize)
		if err != nil {
			return nil, fmt.Errorf("message: read signature s: %w", err)
		}
		pub := m.slots[signSlot].publicKey
		if verifySHA1DSA(pub, signedRange, rBytes, sBytes) {
			m.PublicKey = pub
			patchInheritedKeys(m, pub)
		}
	}

	return m, nil
}

// patchInheritedKeys fills pub into every decoded Data atom flagged
// InheritsKey, per the pubkey_len=0xFFFF sentinel design note.
func patchInheritedKeys(m *Message, pub *dsa.PublicKey) {
	for i := range m.slots {
		for k, d := range m.slots[i].dataMap {
			if d.InheritsKey {
				d.PublicKey = pub
				m.slots[i].dataMap[k] = d
			}
		}
		for j, e := range m.slots[i].peerDataMap {
			if e.Data.InheritsKey {
				e.Data.PublicKey = pub
				m.slots[i].peerDataMap[j] = e
			}
		}
	}
}
