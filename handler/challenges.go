package handler

import (
	"sync"
	"time"

	"github.com/emhane/discv5/enode"
)

// DefaultHandshakeTimeout bounds how long an issued WHOAREYOU challenge
// stays live waiting for the peer's Handshake reply.
const DefaultHandshakeTimeout = 5 * time.Second

// challenges tracks outstanding WHOAREYOU challenges by NodeAddress,
// the "active_challenges: HashMapDelay" field of the original Handler.
type challenges struct {
	mu      sync.Mutex
	timeout time.Duration
	entries map[enode.Addr]*Challenge
}

func newChallenges(timeout time.Duration) *challenges {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	return &challenges{timeout: timeout, entries: make(map[enode.Addr]*Challenge)}
}

func (c *challenges) insert(addr enode.Addr, ch *Challenge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch.CreatedAt = time.Now()
	c.entries[addr] = ch
}

func (c *challenges) get(addr enode.Addr) (*Challenge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.entries[addr]
	return ch, ok
}

func (c *challenges) take(addr enode.Addr) (*Challenge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.entries[addr]
	delete(c.entries, addr)
	return ch, ok
}

func (c *challenges) remove(addr enode.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, addr)
}

// sweepExpired drops challenges older than the handshake timeout,
// returning the addresses they belonged to.
func (c *challenges) sweepExpired(now time.Time) []enode.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []enode.Addr
	for addr, ch := range c.entries {
		if now.Sub(ch.CreatedAt) >= c.timeout {
			expired = append(expired, addr)
			delete(c.entries, addr)
		}
	}
	return expired
}
