package handler

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/emhane/discv5/enode"
)

// DefaultRequestTimeout and DefaultMaxRetries size the retry loop: a
// RequestCall gets re-sent up to DefaultMaxRetries times, each after
// DefaultRequestTimeout of silence, before it fails.
const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultMaxRetries     = 3
)

var (
	ErrNoActiveRequest   = errors.New("handler: no active request for that address")
	ErrRequestIDMismatch = errors.New("handler: response request id does not match the active call")
)

// ActiveRequests is C2: at most one in-flight RequestCall per
// NodeAddress (spec's "head-of-line" request), with everything else for
// that address queued in PendingRequests until the head resolves.
type ActiveRequests struct {
	mu      sync.Mutex
	active  map[enode.Addr]*RequestCall
	pending map[enode.Addr][]*PendingRequest
}

// NewActiveRequests creates an empty C2 store.
func NewActiveRequests() *ActiveRequests {
	return &ActiveRequests{
		active:  make(map[enode.Addr]*RequestCall),
		pending: make(map[enode.Addr][]*PendingRequest),
	}
}

// HasActive reports whether addr already has an in-flight call (the
// send_request step 2 check: enqueue behind it rather than send now).
func (a *ActiveRequests) HasActive(addr enode.Addr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[addr]
	return ok
}

// Insert records call as addr's in-flight request. Callers must check
// HasActive first; Insert overwrites silently otherwise.
func (a *ActiveRequests) Insert(addr enode.Addr, call *RequestCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active[addr] = call
}

// Enqueue appends p behind addr's in-flight call.
func (a *ActiveRequests) Enqueue(addr enode.Addr, p *PendingRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[addr] = append(a.pending[addr], p)
}

// Get returns addr's in-flight call without removing it.
func (a *ActiveRequests) Get(addr enode.Addr) (*RequestCall, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.active[addr]
	return c, ok
}

// Match pops addr's in-flight call if its request id equals reqID,
// the check every inbound Response must pass before it's accepted.
func (a *ActiveRequests) Match(addr enode.Addr, reqID []byte) (*RequestCall, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.active[addr]
	if !ok {
		return nil, ErrNoActiveRequest
	}
	if string(c.ReqID) != string(reqID) {
		return nil, ErrRequestIDMismatch
	}
	delete(a.active, addr)
	return c, nil
}

// Remove drops addr's in-flight call unconditionally (used on terminal
// failure), returning it if present.
func (a *ActiveRequests) Remove(addr enode.Addr) (*RequestCall, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.active[addr]
	delete(a.active, addr)
	return c, ok
}

// PopPending removes and returns the next queued request for addr, if
// any, for the caller to promote into the now-empty active slot. It
// returns nothing while addr still has an in-flight call.
func (a *ActiveRequests) PopPending(addr enode.Addr) (*PendingRequest, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.active[addr]; busy {
		return nil, false
	}
	q := a.pending[addr]
	if len(q) == 0 {
		return nil, false
	}
	p := q[0]
	q = q[1:]
	if len(q) == 0 {
		delete(a.pending, addr)
	} else {
		a.pending[addr] = q
	}
	return p, true
}

// FindByNonce locates the in-flight call whose Packet was sent to
// (ip, port) under nonce, the correlation a WHOAREYOU's echoed nonce
// lets us make even though the peer's NodeId isn't in the datagram.
func (a *ActiveRequests) FindByNonce(ip string, port int, nonce [12]byte) (enode.Addr, *RequestCall, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for addr, c := range a.active {
		if addr.IP != ip || addr.Port != port {
			continue
		}
		if c.nonce == nonce {
			return addr, c, true
		}
	}
	return enode.Addr{}, nil, false
}

// Expiry pairs an address with its expired RequestCall.
type Expiry struct {
	Addr enode.Addr
	Call *RequestCall
}

// Expired returns every in-flight call whose deadline has passed, for
// the caller to retry or fail.
func (a *ActiveRequests) Expired(now time.Time) []Expiry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Expiry
	for addr, c := range a.active {
		if !now.Before(c.Deadline) {
			out = append(out, Expiry{Addr: addr, Call: c})
		}
	}
	return out
}
