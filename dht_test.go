package mldht

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mldht/krpc"
	"mldht/logger"
	"mldht/nodeid"
	"mldht/transport"
)

func newTestNode(t *testing.T) *DHT {
	t.Helper()
	cfg := NewConfig()
	cfg.Address = "127.0.0.1"
	cfg.Port = 0
	node, err := New(cfg, logger.NullLogger{})
	require.NoError(t, err)
	require.NoError(t, node.Start())
	t.Cleanup(func() { node.Stop() })
	return node
}

func newTestClient(t *testing.T) *transport.Transport {
	t.Helper()
	tr, err := transport.Listen("127.0.0.1:0", logger.NullLogger{})
	require.NoError(t, err)
	tr.Start()
	t.Cleanup(func() { tr.Close() })
	return tr
}

// Scenario 1: ping round-trip.
func TestScenarioPingRoundTrip(t *testing.T) {
	b := newTestNode(t)
	a := newTestClient(t)
	aID, _ := nodeid.Random()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := a.Request(ctx, net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.Port()}, func(txID string) krpc.Message {
		return krpc.NewPingQuery(txID, aID)
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Response)
	require.Equal(t, b.ID(), resp.Response.ID)
	require.Equal(t, 1, b.RoutingTableSize())
}

// Scenario 2: find_node falls back to the three known nodes sorted by
// ascending distance to the target.
func TestScenarioFindNodeFallback(t *testing.T) {
	b := newTestNode(t)
	a := newTestClient(t)

	id1, _ := nodeid.FromHex("0000000000000000000000000000000000000001")
	id2, _ := nodeid.FromHex("0000000000000000000000000000000000000002")
	idFE, _ := nodeid.FromHex("00000000000000000000000000000000000000FE")
	for i, id := range []nodeid.ID{id1, id2, idFE} {
		_, err := b.routingTable.GetOrAdd(id, net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000 + i})
		require.NoError(t, err)
	}

	target, _ := nodeid.FromHex("0000000000000000000000000000000000000003")
	aID, _ := nodeid.Random()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := a.Request(ctx, net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.Port()}, func(txID string) krpc.Message {
		// Read-only, so B answers from the three seeded nodes without also
		// recording A as a fourth.
		msg := krpc.NewFindNodeQuery(txID, aID, target)
		msg.ReadOnly = true
		return msg
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Response)
	require.Len(t, resp.Response.Nodes, 3)
	require.Equal(t, id2, resp.Response.Nodes[0].ID)
	require.Equal(t, id1, resp.Response.Nodes[1].ID)
	require.Equal(t, idFE, resp.Response.Nodes[2].ID)
}

// Scenario 3: announce_peer without a prior get_peers carries a token that
// was never issued, so it is rejected with error code 201.
func TestScenarioAnnouncePeerWithoutPriorGetPeers(t *testing.T) {
	b := newTestNode(t)
	a := newTestClient(t)

	aID, _ := nodeid.Random()
	ih, _ := nodeid.Random()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := a.Request(ctx, net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.Port()}, func(txID string) krpc.Message {
		return krpc.NewAnnouncePeerQuery(txID, aID, ih, true, 0, make([]byte, 20))
	})
	require.NoError(t, err)
	require.Equal(t, krpc.TypeError, resp.Type)
	require.Equal(t, 201, resp.ErrCode)
	require.Empty(t, b.GetPeers(ih))
}

// Scenario 4: announce_peer after get_peers succeeds, and a third node's
// subsequent get_peers returns the announced address.
func TestScenarioAnnouncePeerAfterGetPeers(t *testing.T) {
	b := newTestNode(t)
	a := newTestClient(t)
	c := newTestClient(t)

	ih, _ := nodeid.Random()
	aID, _ := nodeid.Random()
	bAddr := net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.Port()}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	getPeersResp, err := a.Request(ctx, bAddr, func(txID string) krpc.Message {
		return krpc.NewGetPeersQuery(txID, aID, ih)
	})
	require.NoError(t, err)
	require.NotNil(t, getPeersResp.Response)
	token := getPeersResp.Response.Token
	require.NotEmpty(t, token)

	announceResp, err := a.Request(ctx, bAddr, func(txID string) krpc.Message {
		return krpc.NewAnnouncePeerQuery(txID, aID, ih, true, 0, token)
	})
	require.NoError(t, err)
	require.Equal(t, krpc.TypeResponse, announceResp.Type)

	cID, _ := nodeid.Random()
	thirdResp, err := c.Request(ctx, bAddr, func(txID string) krpc.Message {
		return krpc.NewGetPeersQuery(txID, cID, ih)
	})
	require.NoError(t, err)
	require.NotNil(t, thirdResp.Response)
	require.Equal(t, krpc.ResponseGetPeers, thirdResp.Response.Shape)
	require.Len(t, thirdResp.Response.Peers, 1)
	require.Equal(t, a.LocalAddr().Port, thirdResp.Response.Peers[0].Port)
}

// Scenario 5: a read-only ping is answered but not inserted into the
// routing table.
func TestScenarioReadOnlyRequestDoesNotPolluteRouting(t *testing.T) {
	b := newTestNode(t)
	a := newTestClient(t)
	aID, _ := nodeid.Random()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := a.Request(ctx, net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: b.Port()}, func(txID string) krpc.Message {
		msg := krpc.NewPingQuery(txID, aID)
		msg.ReadOnly = true
		return msg
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Response)
	require.Equal(t, 0, b.RoutingTableSize())
}

// Scenario 6: a ping to an unreachable address times out and the bootstrap
// that sent it completes anyway without adding a node.
func TestScenarioBootstrapTimeoutDoesNotHang(t *testing.T) {
	a := newTestNode(t)

	unreachable := net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.Bootstrap(ctx, []string{unreachable.String()})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Bootstrap did not return after its context expired")
	}
	require.Equal(t, 0, a.RoutingTableSize())
}
