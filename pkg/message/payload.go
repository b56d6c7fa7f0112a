package message

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"

	"github.com/dep2p/go-relaymesh/pkg/data"
	"github.com/dep2p/go-relaymesh/pkg/id160"
	"github.com/dep2p/go-relaymesh/pkg/peeraddress"
)

// encodeSlot renders one content slot's payload bytes per the §4.1
// per-variant rules. For PUBLIC_KEY_SIGNATURE it returns only the
// public-key bytes; the trailing 40 signature bytes are appended once,
// globally, by Encode after every slot has been written.
func encodeSlot(p payload, neighborLimit int) ([]byte, error) {
	switch p.content {
	case ContentEmpty, ContentReserved1, ContentReserved2, ContentReserved3:
		return nil, nil

	case ContentKey:
		return append([]byte(nil), p.key1.Bytes()...), nil

	case ContentKeyKey:
		out := make([]byte, 0, 2*id160.Size)
		out = append(out, p.key1.Bytes()...)
		out = append(out, p.key2.Bytes()...)
		return out, nil

	case ContentMapKeyData:
		out := binary.BigEndian.AppendUint32(nil, uint32(len(p.dataMap)))
		for k, v := range p.dataMap {
			out = append(out, k.Bytes()...)
			enc, err := encodeData(v)
			if err != nil {
				return nil, err
			}
			out = append(out, enc...)
		}
		return out, nil

	case ContentMapKeyKey:
		out := binary.BigEndian.AppendUint32(nil, uint32(len(p.keyMap)))
		for k, v := range p.keyMap {
			out = append(out, k.Bytes()...)
			out = append(out, v.Bytes()...)
		}
		return out, nil

	case ContentSetKeys:
		out := binary.BigEndian.AppendUint32(nil, uint32(len(p.keySet)))
		for _, k := range p.keySet {
			out = append(out, k.Bytes()...)
		}
		return out, nil

	case ContentSetNeighbors:
		n := effectiveNeighborLimit(neighborLimit, len(p.neighbors))
		out := []byte{byte(n)}
		for i := 0; i < n; i++ {
			out = append(out, encodePeerAddress(p.neighbors[i])...)
		}
		return out, nil

	case ContentChannelBuffer:
		out := binary.BigEndian.AppendUint32(nil, uint32(len(p.buffer)))
		return append(out, p.buffer...), nil

	case ContentLong:
		return binary.BigEndian.AppendUint64(nil, uint64(p.long)), nil

	case ContentInteger:
		return binary.BigEndian.AppendUint32(nil, uint32(p.integer)), nil

	case ContentMapPeerData:
		n := len(p.peerDataMap)
		if n > math.MaxUint8 {
			n = math.MaxUint8
		}
		out := []byte{byte(n)}
		for i := 0; i < n; i++ {
			out = append(out, encodePeerAddress(p.peerDataMap[i].Peer)...)
			enc, err := encodeData(p.peerDataMap[i].Data)
			if err != nil {
				return nil, err
			}
			out = append(out, enc...)
		}
		return out, nil

	case ContentPublicKey, ContentPublicKeySignature:
		keyBytes, err := marshalPublicKey(p.publicKey)
		if err != nil {
			return nil, err
		}
		out := binary.BigEndian.AppendUint16(nil, uint16(len(keyBytes)))
		return append(out, keyBytes...), nil

	default:
		return nil, nil
	}
}

// decodeSlot parses one content slot's payload bytes, advancing r.
func decodeSlot(r *reader, ct Content) (payload, error) {
	p := payload{content: ct}
	switch ct {
	case ContentEmpty, ContentReserved1, ContentReserved2, ContentReserved3:
		return p, nil

	case ContentKey:
		k, err := r.id()
		if err != nil {
			return p, err
		}
		p.key1 = k
		return p, nil

	case ContentKeyKey:
		k1, err := r.id()
		if err != nil {
			return p, err
		}
		k2, err := r.id()
		if err != nil {
			return p, err
		}
		p.key1, p.key2 = k1, k2
		return p, nil

	case ContentMapKeyData:
		n, err := r.u32()
		if err != nil {
			return p, err
		}
		m := make(map[id160.Id160]data.Data, n)
		for i := uint32(0); i < n; i++ {
			k, err := r.id()
			if err != nil {
				return p, err
			}
			d, err := decodeData(r)
			if err != nil {
				return p, err
			}
			m[k] = d
		}
		p.dataMap = m
		return p, nil

	case ContentMapKeyKey:
		n, err := r.u32()
		if err != nil {
			return p, err
		}
		m := make(map[id160.Id160]id160.Id160, n)
		for i := uint32(0); i < n; i++ {
			k, err := r.id()
			if err != nil {
				return p, err
			}
			v, err := r.id()
			if err != nil {
				return p, err
			}
			m[k] = v
		}
		p.keyMap = m
		return p, nil

	case ContentSetKeys:
		n, err := r.u32()
		if err != nil {
			return p, err
		}
		set := make([]id160.Id160, 0, n)
		for i := uint32(0); i < n; i++ {
			k, err := r.id()
			if err != nil {
				return p, err
			}
			set = append(set, k)
		}
		p.keySet = set
		return p, nil

	case ContentSetNeighbors:
		n, err := r.u8()
		if err != nil {
			return p, err
		}
		neighbors := make([]peeraddress.PeerAddress, 0, n)
		for i := byte(0); i < n; i++ {
			pa, err := decodePeerAddress(r)
			if err != nil {
				return p, err
			}
			neighbors = append(neighbors, pa)
		}
		p.neighbors = neighbors
		return p, nil

	case ContentChannelBuffer:
		n, err := r.u32()
		if err != nil {
			return p, err
		}
		b, err := r.bytes(int(n))
		if err != nil {
			return p, err
		}
		p.buffer = append([]byte(nil), b...)
		return p, nil

	case ContentLong:
		v, err := r.u64()
		if err != nil {
			return p, err
		}
		p.long = int64(v)
		return p, nil

	case ContentInteger:
		v, err := r.u32()
		if err != nil {
			return p, err
		}
		p.integer = int32(v)
		return p, nil

	case ContentMapPeerData:
		n, err := r.u8()
		if err != nil {
			return p, err
		}
		entries := make([]PeerDataEntry, 0, n)
		for i := byte(0); i < n; i++ {
			pa, err := decodePeerAddress(r)
			if err != nil {
				return p, err
			}
			d, err := decodeData(r)
			if err != nil {
				return p, err
			}
			entries = append(entries, PeerDataEntry{Peer: pa, Data: d})
		}
		p.peerDataMap = entries
		return p, nil

	case ContentPublicKey, ContentPublicKeySignature:
		n, err := r.u16()
		if err != nil {
			return p, err
		}
		der, err := r.bytes(int(n))
		if err != nil {
			return p, err
		}
		pub, err := parsePublicKey(der)
		if err != nil {
			return p, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
		}
		p.publicKey = pub
		return p, nil

	default:
		return p, nil
	}
}

// encodeData renders d per the encode_data(d) rule: an 11-byte prefix
// followed by value, optional key, optional signature bytes.
func encodeData(d data.Data) ([]byte, error) {
	ttl := d.TTLSeconds
	if d.Protected {
		ttl |= 1 << 31
	}

	var pubkeyLen uint16
	var keyBytes []byte
	switch {
	case d.InheritsKey:
		pubkeyLen = 0xFFFF
	case d.PublicKey != nil:
		var err error
		keyBytes, err = marshalPublicKey(d.PublicKey)
		if err != nil {
			return nil, err
		}
		pubkeyLen = uint16(len(keyBytes))
	}

	if len(d.Signature) > math.MaxUint8 {
		return nil, fmt.Errorf("message: data signature too long: %d bytes", len(d.Signature))
	}

	out := make([]byte, 0, 11+len(d.Bytes)+len(keyBytes)+len(d.Signature))
	out = binary.BigEndian.AppendUint32(out, ttl)
	out = binary.BigEndian.AppendUint32(out, uint32(len(d.Bytes)))
	out = binary.BigEndian.AppendUint16(out, pubkeyLen)
	out = append(out, byte(len(d.Signature)))
	out = append(out, d.Bytes...)
	out = append(out, keyBytes...)
	out = append(out, d.Signature...)
	return out, nil
}

// decodeData is the inverse of encodeData.
func decodeData(r *reader) (data.Data, error) {
	var d data.Data

	ttlRaw, err := r.u32()
	if err != nil {
		return d, err
	}
	d.Protected = ttlRaw&(1<<31) != 0
	d.TTLSeconds = ttlRaw &^ (1 << 31)

	valueLen, err := r.u32()
	if err != nil {
		return d, err
	}
	pubkeyLen, err := r.u16()
	if err != nil {
		return d, err
	}
	sigLen, err := r.u8()
	if err != nil {
		return d, err
	}

	value, err := r.bytes(int(valueLen))
	if err != nil {
		return d, err
	}
	d.Bytes = append([]byte(nil), value...)

	switch {
	case pubkeyLen == 0xFFFF:
		d.InheritsKey = true
	case pubkeyLen > 0:
		der, err := r.bytes(int(pubkeyLen))
		if err != nil {
			return d, err
		}
		pub, err := parsePublicKey(der)
		if err != nil {
			return d, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
		}
		d.PublicKey = pub
	}

	if sigLen > 0 {
		sig, err := r.bytes(int(sigLen))
		if err != nil {
			return d, err
		}
		d.Signature = append([]byte(nil), sig...)
	}
	return d, nil
}

// encodePeerAddress renders a full PeerAddress: id + ports + type byte +
// ip, extended by relay sockets (sharing the main address's IP family)
// when Relayed is set.
func encodePeerAddress(p peeraddress.PeerAddress) []byte {
	out := make([]byte, 0, p.SerializedSize())
	out = append(out, p.ID().Bytes()...)
	out = binary.BigEndian.AppendUint16(out, p.TCPPort())
	out = binary.BigEndian.AppendUint16(out, p.UDPPort())
	out = append(out, peeraddress.EncodeTypeByte(p.Flags(), p.IsIPv6()))
	out = append(out, ipBytes(p.IP(), p.IsIPv6())...)

	if p.Flags().Relayed {
		relays := p.RelaySockets()
		out = append(out, byte(len(relays)))
		for _, rs := range relays {
			out = binary.BigEndian.AppendUint16(out, rs.TCPPort)
			out = binary.BigEndian.AppendUint16(out, rs.UDPPort)
			out = append(out, ipBytes(rs.IP, p.IsIPv6())...)
		}
	}
	return out
}

// decodePeerAddress is the inverse of encodePeerAddress.
func decodePeerAddress(r *reader) (peeraddress.PeerAddress, error) {
	var zero peeraddress.PeerAddress

	id, err := r.id()
	if err != nil {
		return zero, err
	}
	tcpPort, err := r.u16()
	if err != nil {
		return zero, err
	}
	udpPort, err := r.u16()
	if err != nil {
		return zero, err
	}
	typeByte, err := r.u8()
	if err != nil {
		return zero, err
	}
	flags, isIPv6 := peeraddress.DecodeTypeByte(typeByte)

	ip, err := readIP(r, isIPv6)
	if err != nil {
		return zero, err
	}

	var relays []peeraddress.PeerSocketAddress
	if flags.Relayed {
		count, err := r.u8()
		if err != nil {
			return zero, err
		}
		relays = make([]peeraddress.PeerSocketAddress, 0, count)
		for i := byte(0); i < count; i++ {
			rtcp, err := r.u16()
			if err != nil {
				return zero, err
			}
			rudp, err := r.u16()
			if err != nil {
				return zero, err
			}
			rip, err := readIP(r, isIPv6)
			if err != nil {
				return zero, err
			}
			relays = append(relays, peeraddress.PeerSocketAddress{IP: rip, TCPPort: rtcp, UDPPort: rudp})
		}
	}

	return peeraddress.New(id, ip, tcpPort, udpPort, flags, relays), nil
}

func ipBytes(ip net.IP, isIPv6 bool) []byte {
	if isIPv6 {
		return ip.To16()
	}
	return ip.To4()
}

func readIP(r *reader, isIPv6 bool) (net.IP, error) {
	n := 4
	if isIPv6 {
		n = 16
	}
	b, err := r.bytes(n)
	if err != nil {
		return nil, err
	}
	return net.IP(append([]byte(nil), b...)), nil
}
