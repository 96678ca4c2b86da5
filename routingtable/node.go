package routingtable

import (
	"net"
	"time"

	"mldht/nodeid"
)

// State is a node's advisory liveness classification, per spec.md §4.3. It
// only ever affects eviction-candidate selection; it is never exposed on the
// wire.
type State int

const (
	Good State = iota
	Questionable
	Bad
)

func (s State) String() string {
	switch s {
	case Good:
		return "good"
	case Questionable:
		return "questionable"
	case Bad:
		return "bad"
	default:
		return "unknown"
	}
}

// GoodWindow is how recently a node must have responded (or queried us) to be
// classified good, per spec.md §4.3.
const GoodWindow = 15 * time.Minute

// MaxConsecutiveFailures is how many outbound requests in a row may go
// unanswered before a node is classified bad and becomes an eviction
// candidate. BEP-5 recommends becoming suspicious after a single miss and
// bad after several; two misses is the value this implementation uses.
const MaxConsecutiveFailures = 2

// Node is a routing-table entry: a remote node's identity, address and
// liveness bookkeeping. Node.ID is immutable once assigned; everything else
// is mutated by the table's single exclusive lock, so Node itself carries no
// internal lock.
type Node struct {
	ID   nodeid.ID
	Addr net.UDPAddr

	LastSuccessfulRequest time.Time // zero value: none
	LastRequestReceived   time.Time // zero value: none

	consecutiveFailures int
}

// NewNode creates a freshly-seen node with no liveness history yet
// (classified Questionable until it proves otherwise).
func NewNode(id nodeid.ID, addr net.UDPAddr) *Node {
	return &Node{ID: id, Addr: addr}
}

// MarkSuccessfulRequest records that a request WE sent to this node got a
// reply, promoting it towards Good.
func (n *Node) MarkSuccessfulRequest() {
	n.LastSuccessfulRequest = time.Now()
	n.consecutiveFailures = 0
}

// MarkSuccessfulRequestFrom records that this node sent US a well-formed
// request, which is itself evidence of liveness per BEP-5.
func (n *Node) MarkSuccessfulRequestFrom() {
	n.LastRequestReceived = time.Now()
	n.consecutiveFailures = 0
}

// MarkFailedRequest records that a request we sent to this node went
// unanswered.
func (n *Node) MarkFailedRequest() {
	n.consecutiveFailures++
}

// State classifies the node's current liveness.
func (n *Node) State() State {
	now := time.Now()
	if !n.LastSuccessfulRequest.IsZero() && now.Sub(n.LastSuccessfulRequest) < GoodWindow {
		return Good
	}
	if !n.LastRequestReceived.IsZero() && now.Sub(n.LastRequestReceived) < GoodWindow {
		return Good
	}
	if n.consecutiveFailures >= MaxConsecutiveFailures {
		return Bad
	}
	return Questionable
}
