// Package krpc implements the KRPC message model used by the Mainline DHT
// (BEP-5): message variants, compact node/peer contacts, and a bencode wire
// codec built on top of github.com/jackpal/bencode-go.
package krpc

import (
	"net"

	"mldht/nodeid"
)

// Type tags the top-level shape of a Message.
type Type int

const (
	// TypeQuery is a "q" message.
	TypeQuery Type = iota
	// TypeResponse is an "r" message.
	TypeResponse
	// TypeError is an "e" message.
	TypeError
)

// QueryMethod names one of the four supported KRPC queries.
type QueryMethod int

const (
	MethodPing QueryMethod = iota
	MethodFindNode
	MethodGetPeers
	MethodAnnouncePeer
)

func (m QueryMethod) String() string {
	switch m {
	case MethodPing:
		return "ping"
	case MethodFindNode:
		return "find_node"
	case MethodGetPeers:
		return "get_peers"
	case MethodAnnouncePeer:
		return "announce_peer"
	default:
		return "unknown"
	}
}

// ResponseShape tags which of the three response variants a Response holds.
type ResponseShape int

const (
	// ResponseOnlyID is the reply to ping and announce_peer: just an id.
	ResponseOnlyID ResponseShape = iota
	// ResponseNextHop is the reply to find_node, and to get_peers when the
	// responder doesn't know any peers for the info-hash.
	ResponseNextHop
	// ResponseGetPeers is the reply to get_peers when peers are known.
	ResponseGetPeers
)

// BEP-5 error codes.
const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)

// CompactNode is a routing-table entry as carried in the wire format: a node
// ID paired with its IPv4 UDP address.
type CompactNode struct {
	ID   nodeid.ID
	Addr net.UDPAddr
}

// Query is the argument payload of a "q" message. Only the fields relevant
// to Method are meaningful.
type Query struct {
	Method      QueryMethod
	ID          nodeid.ID
	Target      nodeid.ID // find_node
	InfoHash    nodeid.ID // get_peers, announce_peer
	ImpliedPort bool      // announce_peer
	Port        int       // announce_peer, when ImpliedPort is false
	HasPort     bool      // whether Port was present on the wire
	Token       []byte    // announce_peer
}

// Response is the payload of an "r" message. Which fields are meaningful is
// determined by Shape.
type Response struct {
	Shape ResponseShape
	ID    nodeid.ID
	Token []byte // optional, present on get_peers / find_node replies that hand out a token
	Nodes []CompactNode
	Peers []net.UDPAddr
}

// Message is the top-level KRPC envelope, mirroring spec.md §3's Message
// record.
type Message struct {
	TransactionID string
	Version       []byte
	IP            *net.UDPAddr // observed-address hint ("ip" key)
	ReadOnly      bool

	Type Type

	Query    *Query // set when Type == TypeQuery
	Response *Response
	ErrCode  int
	ErrText  string
}

// NewPingQuery builds a ping query message.
func NewPingQuery(txID string, id nodeid.ID) Message {
	return Message{
		TransactionID: txID,
		Type:          TypeQuery,
		Query:         &Query{Method: MethodPing, ID: id},
	}
}

// NewFindNodeQuery builds a find_node query message.
func NewFindNodeQuery(txID string, id, target nodeid.ID) Message {
	return Message{
		TransactionID: txID,
		Type:          TypeQuery,
		Query:         &Query{Method: MethodFindNode, ID: id, Target: target},
	}
}

// NewGetPeersQuery builds a get_peers query message.
func NewGetPeersQuery(txID string, id, infoHash nodeid.ID) Message {
	return Message{
		TransactionID: txID,
		Type:          TypeQuery,
		Query:         &Query{Method: MethodGetPeers, ID: id, InfoHash: infoHash},
	}
}

// NewAnnouncePeerQuery builds an announce_peer query message.
func NewAnnouncePeerQuery(txID string, id, infoHash nodeid.ID, impliedPort bool, port int, token []byte) Message {
	q := &Query{
		Method:      MethodAnnouncePeer,
		ID:          id,
		InfoHash:    infoHash,
		ImpliedPort: impliedPort,
		Token:       token,
	}
	if !impliedPort {
		q.Port = port
		q.HasPort = true
	}
	return Message{TransactionID: txID, Type: TypeQuery, Query: q}
}

// NewOnlyIDResponse builds a reply carrying only the responder's id.
func NewOnlyIDResponse(txID string, id nodeid.ID) Message {
	return Message{
		TransactionID: txID,
		Type:          TypeResponse,
		Response:      &Response{Shape: ResponseOnlyID, ID: id},
	}
}

// NewNextHopResponse builds a find_node-shaped reply.
func NewNextHopResponse(txID string, id nodeid.ID, token []byte, nodes []CompactNode) Message {
	return Message{
		TransactionID: txID,
		Type:          TypeResponse,
		Response:      &Response{Shape: ResponseNextHop, ID: id, Token: token, Nodes: nodes},
	}
}

// NewGetPeersResponse builds a get_peers reply carrying peer contacts.
func NewGetPeersResponse(txID string, id nodeid.ID, token []byte, peers []net.UDPAddr) Message {
	return Message{
		TransactionID: txID,
		Type:          TypeResponse,
		Response:      &Response{Shape: ResponseGetPeers, ID: id, Token: token, Peers: peers},
	}
}

// NewError builds an "e" message.
func NewError(txID string, code int, text string) Message {
	return Message{
		TransactionID: txID,
		Type:          TypeError,
		ErrCode:       code,
		ErrText:       text,
	}
}
