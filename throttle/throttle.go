// Package throttle rate-limits inbound queries per source IP, reconstructed
// from the teacher's client throttle (an LRU of per-host counters) since the
// teacher's own util.ClientThrottle type was not present in the retrieved
// source tree.
package throttle

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// window is the length of each counting period for perMinuteLimit. A
// client's window starts at its first request after the previous window
// expired; it is a fixed window, not a rolling one.
const window = time.Minute

// clientState tracks one source IP's request count within the current
// window.
type clientState struct {
	count       int
	windowStart time.Time
}

// Throttle is an LRU-bounded per-IP rate limiter: at most perMinuteLimit
// Allow() calls succeed for a given IP within each window. The count resets
// when a window expires, so up to twice that many can succeed within one
// window-length interval that spans a reset. Tracking at most maxClients distinct IPs bounds memory even
// under a flood from many distinct forged sources.
type Throttle struct {
	mu             sync.Mutex
	clients        *lru.Cache
	perMinuteLimit int
}

// New creates a throttle tracking up to maxClients distinct source IPs, each
// allowed up to perMinuteLimit requests per one-minute window. A non-positive
// perMinuteLimit disables throttling (Allow always returns true).
func New(maxClients int, perMinuteLimit int) *Throttle {
	return &Throttle{
		clients:        lru.New(maxClients),
		perMinuteLimit: perMinuteLimit,
	}
}

// Allow reports whether a new request from ip should be processed, and
// records it towards ip's count if so.
func (t *Throttle) Allow(ip string) bool {
	if t.perMinuteLimit <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var state *clientState
	if v, ok := t.clients.Get(ip); ok {
		state = v.(*clientState)
		if now.Sub(state.windowStart) >= window {
			state.windowStart = now
			state.count = 0
		}
	} else {
		state = &clientState{windowStart: now}
	}

	if state.count >= t.perMinuteLimit {
		t.clients.Add(ip, state)
		return false
	}
	state.count++
	t.clients.Add(ip, state)
	return true
}

// Blocked reports whether ip has used up its limit for the current window,
// so that Allow would refuse its next request. It does not record a new
// request.
func (t *Throttle) Blocked(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.clients.Get(ip)
	if !ok {
		return false
	}
	state := v.(*clientState)
	if time.Since(state.windowStart) >= window {
		return false
	}
	return state.count >= t.perMinuteLimit
}
