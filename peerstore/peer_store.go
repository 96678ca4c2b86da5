// Package peerstore tracks which peers have announced for which info-hashes,
// adapted from the teacher's groupcache/lru + container/ring contact set.
package peerstore

import (
	"container/ring"
	"net"
	"sync"

	"github.com/golang/groupcache/lru"

	"mldht/krpc"
	"mldht/nodeid"
)

// contactsPerReply bounds how many peer contacts get_peers returns in one
// response, per spec.md §4.6.
const contactsPerReply = 8

// contactSet holds the known peer contacts for one info-hash. Contacts are
// keyed by their compact (6-byte) binary form so the same address from two
// net.UDPAddr values collapses to one entry. The ring lets repeated next()
// calls rotate through contacts instead of always returning the same ones.
type contactSet struct {
	set  map[string]bool // compact contact -> alive
	ring *ring.Ring
}

func newContactSet() *contactSet {
	return &contactSet{set: make(map[string]bool)}
}

// next returns up to contactsPerReply alive contacts, rotating the starting
// point on each call so repeated queries don't always see the same subset.
func (c *contactSet) next() []net.UDPAddr {
	count := contactsPerReply
	if count > len(c.set) {
		count = len(c.set)
	}
	if count == 0 || c.ring == nil {
		return nil
	}
	picked := make(map[string]bool, count)
	for i := 0; i < c.ring.Len() && len(picked) < count; i++ {
		c.ring = c.ring.Move(1)
		contact := c.ring.Value.(string)
		if c.set[contact] && !picked[contact] {
			picked[contact] = true
		}
	}
	out := make([]net.UDPAddr, 0, len(picked))
	for contact := range picked {
		addr, err := krpc.DecodeCompactPeer([]byte(contact))
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// put adds addr to the set. Returns false if already present.
func (c *contactSet) put(addr net.UDPAddr) (bool, error) {
	contact, err := krpc.EncodeCompactPeer(addr)
	if err != nil {
		return false, err
	}
	key := string(contact)
	if c.set[key] {
		return false, nil
	}
	c.set[key] = true
	r := &ring.Ring{Value: key}
	if c.ring == nil {
		c.ring = r
	} else {
		c.ring.Link(r)
	}
	return true, nil
}

// dropDead removes and returns the first contact marked not alive, making
// room for a newly announced peer once the set is at capacity.
func (c *contactSet) dropDead() (string, bool) {
	if c.ring == nil {
		return "", false
	}
	r := c.ring
	for i := 0; i < r.Len(); i++ {
		contact := r.Value.(string)
		if !c.set[contact] {
			delete(c.set, contact)
			if r.Len() == 1 {
				c.ring = nil
			} else {
				if c.ring == r {
					c.ring = r.Next()
				}
				r.Prev().Unlink(1)
			}
			return contact, true
		}
		r = r.Next()
	}
	return "", false
}

// kill marks a contact as no longer alive without removing it, so it becomes
// an eviction candidate on the next dropDead.
func (c *contactSet) kill(addr net.UDPAddr) {
	contact, err := krpc.EncodeCompactPeer(addr)
	if err != nil {
		return
	}
	if _, ok := c.set[string(contact)]; ok {
		c.set[string(contact)] = false
	}
}

func (c *contactSet) size() int { return len(c.set) }

func (c *contactSet) alive() int {
	n := 0
	for _, ok := range c.set {
		if ok {
			n++
		}
	}
	return n
}

// Store caches peer contacts per info-hash and tracks which info-hashes this
// node is itself downloading, per spec.md §4.6's AddLocalDownload scenario.
// The query handler dispatches every inbound query on its own goroutine, so
// every method here runs under mu, the same single-exclusive-lock pattern
// routingtable.RoutingTable and throttle.Throttle use.
type Store struct {
	mu sync.Mutex

	infoHashes           *lru.Cache
	maxContactsPerHash   int
	localActiveDownloads map[nodeid.ID]int
}

// New creates a peer store bounded to maxInfoHashes distinct info-hashes,
// each holding at most maxContactsPerHash peer contacts.
func New(maxInfoHashes, maxContactsPerHash int) *Store {
	return &Store{
		infoHashes:           lru.New(maxInfoHashes),
		maxContactsPerHash:   maxContactsPerHash,
		localActiveDownloads: make(map[nodeid.ID]int),
	}
}

func (s *Store) get(ih nodeid.ID) *contactSet {
	v, ok := s.infoHashes.Get(ih)
	if !ok {
		return nil
	}
	cs, ok := v.(*contactSet)
	if !ok {
		return nil
	}
	return cs
}

// Count returns the number of known contacts (alive or not) for ih.
func (s *Store) Count(ih nodeid.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs := s.get(ih); cs != nil {
		return cs.size()
	}
	return 0
}

// Alive returns the number of contacts for ih not yet marked dead.
func (s *Store) Alive(ih nodeid.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs := s.get(ih); cs != nil {
		return cs.alive()
	}
	return 0
}

// PeerContacts returns up to contactsPerReply peers known for ih, used to
// answer get_peers.
func (s *Store) PeerContacts(ih nodeid.ID) []net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs := s.get(ih); cs != nil {
		return cs.next()
	}
	return nil
}

// AddContact records addr as a peer for ih, announced via announce_peer.
// Returns false if the contact was already known or the set was full and no
// dead contact could be evicted to make room.
func (s *Store) AddContact(ih nodeid.ID, addr net.UDPAddr) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.get(ih)
	if cs == nil {
		cs = newContactSet()
	}
	if cs.size() >= s.maxContactsPerHash {
		contact, err := krpc.EncodeCompactPeer(addr)
		if err != nil {
			return false, err
		}
		if cs.set[string(contact)] {
			s.infoHashes.Add(ih, cs)
			return false, nil
		}
		if _, ok := cs.dropDead(); !ok {
			s.infoHashes.Add(ih, cs)
			return false, nil
		}
	}
	added, err := cs.put(addr)
	s.infoHashes.Add(ih, cs)
	return added, err
}

// KillContact marks addr as no longer alive across every info-hash this node
// is actively downloading, used when a send to that address fails.
func (s *Store) KillContact(addr net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ih := range s.localActiveDownloads {
		if cs := s.get(ih); cs != nil {
			cs.kill(addr)
		}
	}
}

// AddLocalDownload records that this node is itself downloading ih on port.
// KillContact only marks contacts under info-hashes recorded here. The
// recorded port is not added to the contacts PeerContacts returns.
func (s *Store) AddLocalDownload(ih nodeid.ID, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localActiveDownloads[ih] = port
}

// HasLocalDownload reports the port this node announced for ih, or zero if
// it isn't tracking a local download of ih.
func (s *Store) HasLocalDownload(ih nodeid.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localActiveDownloads[ih]
}

// RemoveLocalDownload stops tracking ih as a local download.
func (s *Store) RemoveLocalDownload(ih nodeid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.localActiveDownloads, ih)
}
