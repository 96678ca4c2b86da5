package query

import (
	"net"
	"testing"

	"mldht/krpc"
	"mldht/logger"
	"mldht/nodeid"
	"mldht/peerstore"
	"mldht/routingtable"
)

func newTestHandler(t *testing.T) (*Handler, nodeid.ID) {
	t.Helper()
	localID, _ := nodeid.Random()
	rt := routingtable.New(localID, logger.NullLogger{})
	peers := peerstore.New(64, 64)
	return New(localID, rt, peers, nil, nil, logger.NullLogger{}), localID
}

func addrFor(port int) net.UDPAddr {
	return net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestHandlePingRecordsCallerAndReplies(t *testing.T) {
	h, localID := newTestHandler(t)
	callerID, _ := nodeid.Random()
	q := &krpc.Query{Method: krpc.MethodPing, ID: callerID}

	resp, err := h.handlePing(addrFor(7001), q, false)
	if err != nil {
		t.Fatalf("handlePing: %v", err)
	}
	if resp.ID != localID {
		t.Fatalf("expected reply id %s, got %s", localID, resp.ID)
	}
	if h.routingTable.Len() != 1 {
		t.Fatalf("expected caller recorded in routing table, got %d nodes", h.routingTable.Len())
	}
}

func TestHandlePingReadOnlyDoesNotRecord(t *testing.T) {
	h, _ := newTestHandler(t)
	callerID, _ := nodeid.Random()
	q := &krpc.Query{Method: krpc.MethodPing, ID: callerID}

	if _, err := h.handlePing(addrFor(7001), q, true); err != nil {
		t.Fatalf("handlePing: %v", err)
	}
	if h.routingTable.Len() != 0 {
		t.Fatalf("read-only query should not be recorded, got %d nodes", h.routingTable.Len())
	}
}

func TestHandleFindNodeFallsBackToClosest(t *testing.T) {
	h, _ := newTestHandler(t)
	callerID, _ := nodeid.Random()
	target, _ := nodeid.Random()
	for i := 0; i < 4; i++ {
		id, _ := nodeid.Random()
		h.routingTable.GetOrAdd(id, addrFor(8000+i))
	}

	resp, err := h.handleFindNode(addrFor(7001), &krpc.Query{Method: krpc.MethodFindNode, ID: callerID, Target: target}, false)
	if err != nil {
		t.Fatalf("handleFindNode: %v", err)
	}
	if resp.Shape != krpc.ResponseNextHop {
		t.Fatalf("expected next-hop shape, got %v", resp.Shape)
	}
	if len(resp.Nodes) == 0 {
		t.Fatalf("expected fallback nodes in response")
	}
}

func TestAnnouncePeerWithoutPriorGetPeersFailsInvalidToken(t *testing.T) {
	h, _ := newTestHandler(t)
	callerID, ih := mustRandomPair(t)
	q := &krpc.Query{
		Method:      krpc.MethodAnnouncePeer,
		ID:          callerID,
		InfoHash:    ih,
		ImpliedPort: true,
		Token:       make([]byte, 20), // never-issued, all-zero token
	}

	_, err := h.handleAnnouncePeer(addrFor(7000), q, false)
	if err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if h.peerStore.Count(ih) != 0 {
		t.Fatalf("peer store should remain empty after rejected announce")
	}
}

func TestAnnouncePeerAfterGetPeersSucceeds(t *testing.T) {
	h, _ := newTestHandler(t)
	callerID, ih := mustRandomPair(t)
	from := addrFor(7000)

	getPeersResp, err := h.handleGetPeers(from, &krpc.Query{Method: krpc.MethodGetPeers, ID: callerID, InfoHash: ih}, false)
	if err != nil {
		t.Fatalf("handleGetPeers: %v", err)
	}
	token := getPeersResp.Token

	announceQ := &krpc.Query{
		Method:      krpc.MethodAnnouncePeer,
		ID:          callerID,
		InfoHash:    ih,
		ImpliedPort: true,
		Token:       token,
	}
	if _, err := h.handleAnnouncePeer(from, announceQ, false); err != nil {
		t.Fatalf("handleAnnouncePeer: %v", err)
	}
	if h.peerStore.Count(ih) != 1 {
		t.Fatalf("expected 1 stored peer, got %d", h.peerStore.Count(ih))
	}

	thirdPartyResp, err := h.handleGetPeers(addrFor(9000), &krpc.Query{Method: krpc.MethodGetPeers, ID: callerID, InfoHash: ih}, false)
	if err != nil {
		t.Fatalf("handleGetPeers (third party): %v", err)
	}
	if thirdPartyResp.Shape != krpc.ResponseGetPeers || len(thirdPartyResp.Peers) != 1 {
		t.Fatalf("expected the announced peer to come back, got %+v", thirdPartyResp)
	}
	if thirdPartyResp.Peers[0].Port != from.Port {
		t.Fatalf("expected announced port %d, got %d", from.Port, thirdPartyResp.Peers[0].Port)
	}
}

func TestAnnouncePeerExplicitPortWithoutPortFails(t *testing.T) {
	h, _ := newTestHandler(t)
	callerID, ih := mustRandomPair(t)
	from := addrFor(7000)

	getPeersResp, _ := h.handleGetPeers(from, &krpc.Query{Method: krpc.MethodGetPeers, ID: callerID, InfoHash: ih}, false)

	q := &krpc.Query{
		Method:      krpc.MethodAnnouncePeer,
		ID:          callerID,
		InfoHash:    ih,
		ImpliedPort: false,
		HasPort:     false,
		Token:       getPeersResp.Token,
	}
	_, err := h.handleAnnouncePeer(from, q, false)
	if err != ErrInsufficientAddress {
		t.Fatalf("expected ErrInsufficientAddress, got %v", err)
	}
}

func mustRandomPair(t *testing.T) (nodeid.ID, nodeid.ID) {
	t.Helper()
	a, err := nodeid.Random()
	if err != nil {
		t.Fatalf("nodeid.Random: %v", err)
	}
	b, err := nodeid.Random()
	if err != nil {
		t.Fatalf("nodeid.Random: %v", err)
	}
	return a, b
}
