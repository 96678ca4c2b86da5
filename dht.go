// Package mldht implements a Mainline BitTorrent DHT node (BEP-5): a UDP
// transport with KRPC transaction correlation, the four DHT queries, a
// Kademlia routing table and an announced-peer store.
//
// Reference: http://www.bittorrent.org/beps/bep_0005.html
package mldht

import (
	"context"
	"expvar"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"mldht/krpc"
	"mldht/logger"
	"mldht/nodeid"
	"mldht/peerstore"
	"mldht/query"
	"mldht/routingtable"
	"mldht/throttle"
	"mldht/transport"
)

var (
	totalBootstrapPings   = expvar.NewInt("mldht.totalBootstrapPings")
	totalBootstrapSuccess = expvar.NewInt("mldht.totalBootstrapSuccess")
	totalQueriesThrottled = expvar.NewInt("mldht.totalQueriesThrottled")
)

// DHT is a running (or not-yet-started) Mainline DHT node.
type DHT struct {
	localID nodeid.ID
	config  Config
	log     logger.DebugLogger

	routingTable *routingtable.RoutingTable
	peerStore    *peerstore.Store
	throttle     *throttle.Throttle
	transport    *transport.Transport
	handler      *query.Handler

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a DHT node bound to config.Address:config.Port. The socket is
// opened immediately so Port() is meaningful right away; the receive and
// maintenance loops only start on Start(). If config is nil, DefaultConfig
// is used. If log is nil, a NullLogger is used.
func New(config *Config, log logger.DebugLogger) (*DHT, error) {
	if config == nil {
		config = DefaultConfig
	}
	if log == nil {
		log = logger.NullLogger{}
	}
	cfg := *config

	localID, err := nodeid.Random()
	if err != nil {
		return nil, errors.Wrap(err, "mldht: generate local node id")
	}

	addr := net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	tr, err := transport.Listen(addr, log)
	if err != nil {
		return nil, errors.Wrap(ErrBindFailed, err.Error())
	}

	rt := routingtable.New(localID, log)
	peers := peerstore.New(cfg.MaxInfoHashes, cfg.MaxInfoHashPeers)
	th := throttle.New(cfg.ThrottlerTrackedClients, cfg.ClientPerMinuteLimit)
	handler := query.New(localID, rt, peers, tr, th, log)

	return &DHT{
		localID:      localID,
		config:       cfg,
		log:          log,
		routingTable: rt,
		peerStore:    peers,
		throttle:     th,
		transport:    tr,
		handler:      handler,
		stop:         make(chan struct{}),
	}, nil
}

// ID returns the node's own 160-bit identifier.
func (d *DHT) ID() nodeid.ID {
	return d.localID
}

// Port returns the UDP port this node is bound to.
func (d *DHT) Port() int {
	return d.transport.LocalAddr().Port
}

// RoutingTableSize returns the number of nodes currently known.
func (d *DHT) RoutingTableSize() int {
	return d.routingTable.Len()
}

// Start launches the receive loop, the query handler, and the periodic
// maintenance loop (token secret rotation, per spec.md §4.3). Calling Start
// twice returns ErrAlreadyStarted.
func (d *DHT) Start() error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.mu.Unlock()

	d.transport.Start()

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.handler.Serve(d.stop)
	}()
	go func() {
		defer d.wg.Done()
		d.maintain()
	}()
	return nil
}

// maintain rotates the routing table's token secret on CleanupPeriod until
// Stop is called, matching the teacher's secretRotateTicker.
func (d *DHT) maintain() {
	ticker := time.NewTicker(d.config.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.routingTable.RotateSecrets()
		case <-d.stop:
			return
		}
	}
}

// Stop shuts the node down: the receive loop, the query handler and the
// maintenance loop all exit, and the UDP socket is closed. Calling Stop
// before Start returns ErrNotStarted.
func (d *DHT) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return ErrNotStarted
	}
	d.mu.Unlock()

	close(d.stop)
	err := d.transport.Close()
	d.wg.Wait()
	return err
}

// Bootstrap pings every address in addrs concurrently, adding every node
// that replies to the routing table. It completes once every ping has
// terminated (success or failure); no single failure aborts the bootstrap,
// matching spec.md §4.7.
func (d *DHT) Bootstrap(ctx context.Context, addrs []string) {
	var wg sync.WaitGroup
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			d.bootstrapOne(ctx, addr)
		}(a)
	}
	wg.Wait()
}

func (d *DHT) bootstrapOne(ctx context.Context, addr string) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		d.log.Debugf("mldht: bootstrap address %s did not resolve: %v", addr, err)
		return
	}

	totalBootstrapPings.Add(1)
	resp, err := d.transport.Request(ctx, *udpAddr, func(txID string) krpc.Message {
		return krpc.NewPingQuery(txID, d.localID)
	})
	if err != nil {
		d.log.Debugf("mldht: bootstrap ping to %s failed: %v", addr, err)
		return
	}
	if resp.Response == nil {
		d.log.Debugf("mldht: bootstrap ping to %s got a non-response message", addr)
		return
	}

	if err := d.routingTable.RecordSuccessfulPing(resp.Response.ID, *udpAddr); err != nil {
		d.log.Debugf("mldht: routing table rejected bootstrap node %s: %v", addr, err)
		return
	}
	totalBootstrapSuccess.Add(1)
}

// BootstrapFromConfig bootstraps against the comma-separated router list in
// the node's Config.
func (d *DHT) BootstrapFromConfig(ctx context.Context) {
	d.Bootstrap(ctx, strings.Split(d.config.DHTRouters, ","))
}

// GetPeers returns the peer contacts currently known locally for ih. It
// does not perform the iterative network lookup BEP-5 describes for
// get_peers: per spec.md §4.7/§9, the iterative lookup across multiple
// hops is an open design area left to a higher-level caller, so this is
// intentionally a local-only best effort, not a stub returning nothing.
func (d *DHT) GetPeers(ih nodeid.ID) []net.UDPAddr {
	return d.peerStore.PeerContacts(ih)
}

// Announce records in the peer store that this node is itself serving ih on
// port. get_peers replies for ih do not include this node's own address.
// Like GetPeers, this does not drive a network-wide iterative announce.
func (d *DHT) Announce(ih nodeid.ID, port int) {
	d.peerStore.AddLocalDownload(ih, port)
}
