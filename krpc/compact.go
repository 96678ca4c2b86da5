package krpc

import (
	"net"

	"github.com/pkg/errors"

	"mldht/nodeid"
)

// compact contact sizes, per BEP-5.
const (
	compactPeerLen = 6  // 4 byte IPv4 + 2 byte port
	compactNodeLen = nodeid.Len + compactPeerLen
)

// EncodeCompactPeer packs an IPv4 UDP address into BEP-5's 6-byte format.
func EncodeCompactPeer(addr net.UDPAddr) ([]byte, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, errors.New("krpc: address is not IPv4")
	}
	b := make([]byte, compactPeerLen)
	copy(b[0:4], ip4)
	b[4] = byte(addr.Port >> 8)
	b[5] = byte(addr.Port)
	return b, nil
}

// DecodeCompactPeer unpacks a single 6-byte compact peer contact.
func DecodeCompactPeer(b []byte) (net.UDPAddr, error) {
	if len(b) != compactPeerLen {
		return net.UDPAddr{}, errors.Errorf("krpc: compact peer must be %d bytes, got %d", compactPeerLen, len(b))
	}
	ip := net.IPv4(b[0], b[1], b[2], b[3])
	port := int(b[4])<<8 | int(b[5])
	return net.UDPAddr{IP: ip, Port: port}, nil
}

// DecodeCompactPeers splits a concatenated string of 6-byte contacts.
func DecodeCompactPeers(b []byte) ([]net.UDPAddr, error) {
	if len(b)%compactPeerLen != 0 {
		return nil, errors.Errorf("krpc: compact peer list length %d is not a multiple of %d", len(b), compactPeerLen)
	}
	peers := make([]net.UDPAddr, 0, len(b)/compactPeerLen)
	for i := 0; i < len(b); i += compactPeerLen {
		addr, err := DecodeCompactPeer(b[i : i+compactPeerLen])
		if err != nil {
			return nil, err
		}
		peers = append(peers, addr)
	}
	return peers, nil
}

// EncodeCompactNode packs a node ID plus IPv4 UDP address into BEP-5's
// 26-byte format.
func EncodeCompactNode(n CompactNode) ([]byte, error) {
	peer, err := EncodeCompactPeer(n.Addr)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, compactNodeLen)
	b = append(b, n.ID[:]...)
	b = append(b, peer...)
	return b, nil
}

// EncodeCompactNodes concatenates compact encodings of every node.
func EncodeCompactNodes(nodes []CompactNode) ([]byte, error) {
	b := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, n := range nodes {
		enc, err := EncodeCompactNode(n)
		if err != nil {
			return nil, err
		}
		b = append(b, enc...)
	}
	return b, nil
}

// DecodeCompactNodes splits a concatenated string of 26-byte node contacts.
// Malformed trailing bytes (length not a multiple of compactNodeLen) are an
// ErrMalformedMessage, matching the codec's error taxonomy.
func DecodeCompactNodes(b []byte) ([]CompactNode, error) {
	if len(b)%compactNodeLen != 0 {
		return nil, errors.Wrapf(ErrMalformedMessage, "compact node list length %d is not a multiple of %d", len(b), compactNodeLen)
	}
	nodes := make([]CompactNode, 0, len(b)/compactNodeLen)
	for i := 0; i < len(b); i += compactNodeLen {
		id, err := nodeid.FromBytes(b[i : i+nodeid.Len])
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		addr, err := DecodeCompactPeer(b[i+nodeid.Len : i+compactNodeLen])
		if err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
		nodes = append(nodes, CompactNode{ID: id, Addr: addr})
	}
	return nodes, nil
}
