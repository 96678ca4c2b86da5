package krpc

import (
	"net"
	"testing"

	"mldht/nodeid"
)

func mustRandomID(t *testing.T) nodeid.ID {
	t.Helper()
	id, err := nodeid.Random()
	if err != nil {
		t.Fatalf("nodeid.Random: %v", err)
	}
	return id
}

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	encoded, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.TransactionID != msg.TransactionID {
		t.Errorf("transaction id not preserved: got %q, want %q", decoded.TransactionID, msg.TransactionID)
	}
	return decoded
}

func TestRoundTripPingQuery(t *testing.T) {
	id := mustRandomID(t)
	decoded := roundTrip(t, NewPingQuery("aa", id))
	if decoded.Type != TypeQuery || decoded.Query.Method != MethodPing {
		t.Fatalf("expected ping query, got %+v", decoded)
	}
	if decoded.Query.ID != id {
		t.Errorf("id mismatch: got %x, want %x", decoded.Query.ID, id)
	}
}

func TestRoundTripFindNodeQuery(t *testing.T) {
	id, target := mustRandomID(t), mustRandomID(t)
	decoded := roundTrip(t, NewFindNodeQuery("bb", id, target))
	if decoded.Query.Method != MethodFindNode || decoded.Query.Target != target {
		t.Fatalf("find_node target not preserved: %+v", decoded.Query)
	}
}

func TestRoundTripGetPeersQuery(t *testing.T) {
	id, ih := mustRandomID(t), mustRandomID(t)
	decoded := roundTrip(t, NewGetPeersQuery("cc", id, ih))
	if decoded.Query.Method != MethodGetPeers || decoded.Query.InfoHash != ih {
		t.Fatalf("get_peers info_hash not preserved: %+v", decoded.Query)
	}
}

func TestRoundTripAnnouncePeerQueryImpliedPort(t *testing.T) {
	id, ih := mustRandomID(t), mustRandomID(t)
	decoded := roundTrip(t, NewAnnouncePeerQuery("dd", id, ih, true, 0, []byte("tok123")))
	q := decoded.Query
	if q.Method != MethodAnnouncePeer || !q.ImpliedPort || string(q.Token) != "tok123" {
		t.Fatalf("announce_peer fields not preserved: %+v", q)
	}
}

func TestRoundTripAnnouncePeerQueryExplicitPort(t *testing.T) {
	id, ih := mustRandomID(t), mustRandomID(t)
	decoded := roundTrip(t, NewAnnouncePeerQuery("ee", id, ih, false, 6881, []byte("tok")))
	q := decoded.Query
	if q.ImpliedPort {
		t.Fatalf("expected explicit port, got implied_port=true")
	}
	if q.Port != 6881 {
		t.Errorf("port mismatch: got %d, want 6881", q.Port)
	}
}

func TestRoundTripOnlyIDResponse(t *testing.T) {
	id := mustRandomID(t)
	decoded := roundTrip(t, NewOnlyIDResponse("ff", id))
	if decoded.Type != TypeResponse || decoded.Response.Shape != ResponseOnlyID {
		t.Fatalf("expected only-id response, got %+v", decoded)
	}
	if decoded.Response.ID != id {
		t.Errorf("id mismatch: got %x, want %x", decoded.Response.ID, id)
	}
}

func TestRoundTripNextHopResponse(t *testing.T) {
	id := mustRandomID(t)
	nodes := []CompactNode{
		{ID: mustRandomID(t), Addr: net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}},
		{ID: mustRandomID(t), Addr: net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 6882}},
	}
	decoded := roundTrip(t, NewNextHopResponse("gg", id, []byte("tok"), nodes))
	if len(decoded.Response.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(decoded.Response.Nodes))
	}
	for i, n := range nodes {
		got := decoded.Response.Nodes[i]
		if got.ID != n.ID {
			t.Errorf("node %d id mismatch: got %x want %x", i, got.ID, n.ID)
		}
		if !got.Addr.IP.Equal(n.Addr.IP) || got.Addr.Port != n.Addr.Port {
			t.Errorf("node %d addr mismatch: got %v want %v", i, got.Addr, n.Addr)
		}
	}
	if string(decoded.Response.Token) != "tok" {
		t.Errorf("token not preserved: got %q", decoded.Response.Token)
	}
}

func TestRoundTripGetPeersResponse(t *testing.T) {
	id := mustRandomID(t)
	peers := []net.UDPAddr{
		{IP: net.IPv4(192, 168, 1, 1), Port: 51413},
		{IP: net.IPv4(8, 8, 8, 8), Port: 6881},
	}
	decoded := roundTrip(t, NewGetPeersResponse("hh", id, []byte("tok2"), peers))
	if decoded.Response.Shape != ResponseGetPeers {
		t.Fatalf("expected get_peers response shape")
	}
	if len(decoded.Response.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(decoded.Response.Peers))
	}
	for i, p := range peers {
		got := decoded.Response.Peers[i]
		if !got.IP.Equal(p.IP) || got.Port != p.Port {
			t.Errorf("peer %d mismatch: got %v want %v", i, got, p)
		}
	}
}

func TestRoundTripError(t *testing.T) {
	decoded := roundTrip(t, NewError("ii", ErrorProtocol, "invalid token"))
	if decoded.Type != TypeError || decoded.ErrCode != ErrorProtocol || decoded.ErrText != "invalid token" {
		t.Fatalf("error fields not preserved: %+v", decoded)
	}
}

func TestDecodeRejectsMalformedMessage(t *testing.T) {
	if _, err := Decode([]byte("not bencode")); err == nil {
		t.Fatal("expected decode error for malformed input")
	}
}

func TestDecodeRejectsUnknownQueryType(t *testing.T) {
	id := mustRandomID(t)
	encoded, err := Encode(NewPingQuery("jj", id))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Swap the query method in the raw dict by re-encoding through a
	// deliberately unknown method name.
	bogus, err := Encode(Message{
		TransactionID: "jj",
		Type:          TypeQuery,
		Query:         &Query{Method: 99, ID: id},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(bogus); err == nil {
		t.Fatal("expected unknown query type error")
	}
	_ = encoded
}

func TestRoundTripPreservesVersion(t *testing.T) {
	id := mustRandomID(t)
	msg := NewPingQuery("kk", id)
	msg.Version = []byte("ML01")
	decoded := roundTrip(t, msg)
	if string(decoded.Version) != "ML01" {
		t.Errorf("version not preserved: got %q", decoded.Version)
	}
}
