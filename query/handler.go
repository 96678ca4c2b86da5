// Package query implements the server side of the four KRPC queries, the
// part of the node that answers other peers rather than making requests of
// its own, grounded on the original implementation's handle_request
// dispatch.
package query

import (
	"net"

	"mldht/krpc"
	"mldht/logger"
	"mldht/nodeid"
	"mldht/peerstore"
	"mldht/routingtable"
	"mldht/throttle"
	"mldht/transport"
)

// Handler answers inbound KRPC queries using a routing table and peer
// store shared with the rest of the node.
type Handler struct {
	localID nodeid.ID

	routingTable *routingtable.RoutingTable
	peerStore    *peerstore.Store
	transport    *transport.Transport
	throttle     *throttle.Throttle

	log logger.DebugLogger
}

// New builds a query handler over the given shared state. th may be nil, in
// which case no per-source rate limiting is applied.
func New(localID nodeid.ID, rt *routingtable.RoutingTable, peers *peerstore.Store, tr *transport.Transport, th *throttle.Throttle, log logger.DebugLogger) *Handler {
	return &Handler{
		localID:      localID,
		routingTable: rt,
		peerStore:    peers,
		transport:    tr,
		throttle:     th,
		log:          log,
	}
}

// Serve consumes inbound queries from the transport until stop is closed,
// answering each one on its own goroutine so a slow client can't stall
// others. This is the handler-facing half of the receive dispatch
// described in spec.md §4.5.
func (h *Handler) Serve(stop <-chan struct{}) {
	for {
		select {
		case p, ok := <-h.transport.Queries:
			if !ok {
				return
			}
			go h.respond(p)
		case <-stop:
			return
		}
	}
}

// respond builds a reply for one inbound query and sends it back. A panic
// while holding the routing table or peer store lock (the closest Go
// analogue to the original's lock-poisoning condition) is recovered here:
// it fails this one query but never brings down the serve loop.
func (h *Handler) respond(p transport.Packet) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Errorf("query: recovered panic handling request from %s: %v", p.Addr, r)
		}
	}()
	if h.throttle != nil && !h.throttle.Allow(p.Addr.IP.String()) {
		h.log.Debugf("query: dropping query from throttled host %s", p.Addr)
		return
	}
	reply := h.handle(p)
	if err := h.transport.Send(p.Addr, reply); err != nil {
		h.log.Debugf("query: failed to reply to %s: %v", p.Addr, err)
	}
}

// handle dispatches p.Msg to the matching query-specific logic and builds
// the response or error message to send back, matching spec.md §4.6.
func (h *Handler) handle(p transport.Packet) krpc.Message {
	msg := p.Msg
	if msg.Type != krpc.TypeQuery || msg.Query == nil {
		return krpc.NewError(msg.TransactionID, codeProtocol, "expected a query message")
	}
	q := msg.Query

	var resp *krpc.Response
	var err error
	switch q.Method {
	case krpc.MethodPing:
		resp, err = h.handlePing(p.Addr, q, msg.ReadOnly)
	case krpc.MethodFindNode:
		resp, err = h.handleFindNode(p.Addr, q, msg.ReadOnly)
	case krpc.MethodGetPeers:
		resp, err = h.handleGetPeers(p.Addr, q, msg.ReadOnly)
	case krpc.MethodAnnouncePeer:
		resp, err = h.handleAnnouncePeer(p.Addr, q, msg.ReadOnly)
	default:
		err = ErrUnimplementedQuery
	}

	if err != nil {
		return krpc.NewError(msg.TransactionID, codeFor(err), err.Error())
	}
	return krpc.Message{TransactionID: msg.TransactionID, Type: krpc.TypeResponse, Response: resp}
}

// recordRequest registers the caller as a known node unless its message was
// read-only, per spec.md §4.6. A full, unsplittable bucket is a soft
// failure here too: the query is still answered. Insertion and the
// liveness mark happen in one routing-table-locked call so no other
// goroutine can observe the node between the two.
func (h *Handler) recordRequest(id nodeid.ID, from net.UDPAddr, readOnly bool) {
	if readOnly {
		return
	}
	if err := h.routingTable.RecordRequestFrom(id, from); err != nil {
		h.log.Debugf("query: routing table did not accept %s: %v", id, err)
	}
}

func (h *Handler) handlePing(from net.UDPAddr, q *krpc.Query, readOnly bool) (*krpc.Response, error) {
	h.recordRequest(q.ID, from, readOnly)
	return &krpc.Response{Shape: krpc.ResponseOnlyID, ID: h.localID}, nil
}

func (h *Handler) handleFindNode(from net.UDPAddr, q *krpc.Query, readOnly bool) (*krpc.Response, error) {
	h.recordRequest(q.ID, from, readOnly)
	nodes := toCompactNodes(h.routingTable.FindNode(q.Target).UnwrapOrNodes())
	return &krpc.Response{Shape: krpc.ResponseNextHop, ID: h.localID, Nodes: nodes}, nil
}

func (h *Handler) handleGetPeers(from net.UDPAddr, q *krpc.Query, readOnly bool) (*krpc.Response, error) {
	h.recordRequest(q.ID, from, readOnly)
	token := h.routingTable.GenerateToken(from)

	if peers := h.peerStore.PeerContacts(q.InfoHash); len(peers) > 0 {
		return &krpc.Response{Shape: krpc.ResponseGetPeers, ID: h.localID, Token: token, Peers: peers}, nil
	}
	nodes := toCompactNodes(h.routingTable.FindNodes(q.InfoHash))
	return &krpc.Response{Shape: krpc.ResponseNextHop, ID: h.localID, Token: token, Nodes: nodes}, nil
}

func (h *Handler) handleAnnouncePeer(from net.UDPAddr, q *krpc.Query, readOnly bool) (*krpc.Response, error) {
	if !h.routingTable.VerifyToken(q.Token, from) {
		return nil, ErrInvalidToken
	}

	effective := from
	if !q.ImpliedPort {
		if !q.HasPort {
			return nil, ErrInsufficientAddress
		}
		effective.Port = q.Port
	}

	h.recordRequest(q.ID, from, readOnly)

	if _, err := h.peerStore.AddContact(q.InfoHash, effective); err != nil {
		h.log.Debugf("query: failed to store announced peer %s for %s: %v", effective, q.InfoHash, err)
	}
	return &krpc.Response{Shape: krpc.ResponseOnlyID, ID: h.localID}, nil
}

func toCompactNodes(nodes []*routingtable.Node) []krpc.CompactNode {
	out := make([]krpc.CompactNode, len(nodes))
	for i, n := range nodes {
		out[i] = krpc.CompactNode{ID: n.ID, Addr: n.Addr}
	}
	return out
}
