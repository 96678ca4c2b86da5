// Package routingtable implements the Kademlia-style bucket list, node
// liveness bookkeeping and get_peers/announce_peer token issuance described
// in spec.md §4.3.
package routingtable

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"sync"

	"github.com/pkg/errors"

	"mldht/nodeid"
)

// ErrBucketFull is returned by GetOrAdd when the target bucket has no room,
// is not splittable, and holds no Bad node to evict. Per spec.md §4.3 and
// §9, this is a soft failure: callers treat it as a no-op, never a hard
// error that should propagate to a client.
var ErrBucketFull = errors.New("routingtable: bucket full")

// secretLen matches the 20-byte rolling secret spec.md's TokenSecret calls
// for.
const secretLen = 20

// FindNodeResult is the sum type returned by FindNode: either the exact node
// requested, or the K closest known nodes.
type FindNodeResult struct {
	Exact *Node
	Nodes []*Node
}

// UnwrapOrNodes returns []*Node{Exact} if there was an exact match, else
// Nodes, matching the Rust original's unwrap_or_nodes().
func (r FindNodeResult) UnwrapOrNodes() []*Node {
	if r.Exact != nil {
		return []*Node{r.Exact}
	}
	return r.Nodes
}

// RoutingTable is a flat list of Kademlia buckets plus token-secret rotation state
// for one local node. All access is serialized by a single exclusive lock,
// per spec.md §5's stated lock-ordering ("routing_table before peer_store").
type RoutingTable struct {
	mu sync.Mutex

	localID nodeid.ID
	buckets []*bucket

	secretCurrent  [secretLen]byte
	secretPrevious [secretLen]byte

	log Logger
}

// Logger is the subset of logger.DebugLogger the routing table needs,
// declared locally to avoid an import cycle back into the logger package's
// consumers.
type Logger interface {
	Debugf(format string, args ...interface{})
}

// New creates an empty routing table for localID. A fresh random token
// secret is generated immediately so the first GetPeers reply is already
// verifiable.
func New(localID nodeid.ID, log Logger) *RoutingTable {
	rt := &RoutingTable{
		localID: localID,
		buckets: []*bucket{newRootBucket()},
		log:     log,
	}
	rt.rotateLocked()
	rt.rotateLocked() // seed both current and previous so early tokens verify
	return rt
}

// LocalID returns the table's own node id.
func (rt *RoutingTable) LocalID() nodeid.ID {
	return rt.localID
}

// findBucket returns the index and bucket covering id. Exactly one bucket
// always covers any id, since bucket ranges are disjoint and exhaustive.
func (rt *RoutingTable) findBucket(id nodeid.ID) (int, *bucket) {
	for i, b := range rt.buckets {
		if b.covers(id) {
			return i, b
		}
	}
	// Unreachable: the root bucket alone covers the whole space, and every
	// split preserves full coverage.
	return -1, nil
}

// GetOrAdd returns the existing node for id if present; otherwise it inserts
// a new node at addr into the bucket selected by the id's distance to the
// local id, splitting that bucket first if it is full, splittable and
// covers the local id, or evicting a Bad node if one exists. If none of
// those apply, it fails soft with ErrBucketFull.
func (rt *RoutingTable) GetOrAdd(id nodeid.ID, addr net.UDPAddr) (*Node, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.getOrAddLocked(id, addr)
}

func (rt *RoutingTable) getOrAddLocked(id nodeid.ID, addr net.UDPAddr) (*Node, error) {
	idx, b := rt.findBucket(id)
	if existing := b.find(id); existing != nil {
		return existing, nil
	}
	if !b.full() {
		n := NewNode(id, addr)
		b.append(n)
		return n, nil
	}
	if b.covers(rt.localID) {
		zero, one := b.split()
		rt.buckets = append(rt.buckets[:idx], append([]*bucket{zero, one}, rt.buckets[idx+1:]...)...)
		return rt.getOrAddLocked(id, addr)
	}
	if bad := b.firstBad(); bad != nil {
		b.remove(bad.ID)
		n := NewNode(id, addr)
		b.append(n)
		if rt.log != nil {
			rt.log.Debugf("routingtable: evicted bad node %s for %s", bad.ID, id)
		}
		return n, nil
	}
	return nil, ErrBucketFull
}

// RecordRequestFrom inserts (or finds) the node at id/addr and marks it as
// having just sent us a well-formed request, all within one critical
// section. Node liveness fields are only ever mutated under rt.mu (per
// node.go's stated invariant), so callers must go through this instead of
// pulling a *Node out of GetOrAdd and mutating it themselves afterwards.
func (rt *RoutingTable) RecordRequestFrom(id nodeid.ID, addr net.UDPAddr) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n, err := rt.getOrAddLocked(id, addr)
	if err != nil {
		return err
	}
	n.MarkSuccessfulRequestFrom()
	return nil
}

// RecordSuccessfulPing inserts (or finds) the node at id/addr and marks it as
// having just answered a ping WE sent, all within one critical section. Used
// by bootstrap instead of GetOrAdd-then-mutate.
func (rt *RoutingTable) RecordSuccessfulPing(id nodeid.ID, addr net.UDPAddr) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n, err := rt.getOrAddLocked(id, addr)
	if err != nil {
		return err
	}
	n.MarkSuccessfulRequest()
	return nil
}

// allNodesLocked collects every node currently in the table.
func (rt *RoutingTable) allNodesLocked() []*Node {
	total := 0
	for _, b := range rt.buckets {
		total += len(b.nodes)
	}
	nodes := make([]*Node, 0, total)
	for _, b := range rt.buckets {
		nodes = append(nodes, b.nodes...)
	}
	return nodes
}

// closestLocked returns up to K nodes closest to target by XOR distance,
// ties broken by id.
func (rt *RoutingTable) closestLocked(target nodeid.ID) []*Node {
	nodes := rt.allNodesLocked()
	ids := make([]nodeid.ID, len(nodes))
	byID := make(map[nodeid.ID]*Node, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
		byID[n.ID] = n
	}
	nodeid.SortByDistance(target, ids)
	if len(ids) > K {
		ids = ids[:K]
	}
	out := make([]*Node, len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out
}

// FindNode returns the exact node with id == target if the table holds one;
// otherwise the K closest nodes by XOR distance to target.
func (rt *RoutingTable) FindNode(target nodeid.ID) FindNodeResult {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, b := rt.findBucket(target)
	if n := b.find(target); n != nil {
		return FindNodeResult{Exact: n}
	}
	return FindNodeResult{Nodes: rt.closestLocked(target)}
}

// FindNodes always returns the K closest known nodes to target, even if an
// exact match exists (used when get_peers falls back to returning nodes).
func (rt *RoutingTable) FindNodes(target nodeid.ID) []*Node {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closestLocked(target)
}

// Len returns the total node count across all buckets.
func (rt *RoutingTable) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.allNodesLocked())
}

// GenerateToken derives an anti-spoofing token for addr under the current
// secret: H(secret || addr), where H is SHA-1. The value needs no
// cryptographic secrecy, only unforgeability by observers who don't know the
// secret.
func (rt *RoutingTable) GenerateToken(addr net.UDPAddr) []byte {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return tokenFor(rt.secretCurrent, addr)
}

// VerifyToken reports whether token was derived from addr under either the
// current or the previous secret, so tokens remain valid across one
// rotation boundary.
func (rt *RoutingTable) VerifyToken(token []byte, addr net.UDPAddr) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	current := tokenFor(rt.secretCurrent, addr)
	previous := tokenFor(rt.secretPrevious, addr)
	return constantTimeEqual(token, current) || constantTimeEqual(token, previous)
}

func tokenFor(secret [secretLen]byte, addr net.UDPAddr) []byte {
	h := sha1.New()
	h.Write(secret[:])
	h.Write([]byte(addr.String()))
	return h.Sum(nil)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// RotateSecrets advances the token secret: the current secret becomes
// previous, and a fresh one is drawn. Callers should invoke this on a coarse
// schedule, per spec.md §4.3 (every 5-15 minutes).
func (rt *RoutingTable) RotateSecrets() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.rotateLocked()
}

func (rt *RoutingTable) rotateLocked() {
	rt.secretPrevious = rt.secretCurrent
	var fresh [secretLen]byte
	if _, err := rand.Read(fresh[:]); err != nil && rt.log != nil {
		rt.log.Debugf("routingtable: failed to generate token secret: %v", err)
	}
	rt.secretCurrent = fresh
}
