// Package filter implements the first-stage packet admission filter
// (C1): a per-process token bucket rate limit, per-source expected-
// response accounting, and a ban list that overrides everything else.
// No teacher file does first-hop UDP filtering (out of scope in the
// teacher's simplified V5Protocol, which reads every packet), so this
// package is grounded directly in spec.md §4.1 rather than adapted from
// existing code; it follows the log/errors idiom the rest of this
// module's packages share.
package filter

import (
	"sync"
	"time"

	"github.com/emhane/discv5/enode"
)

// DefaultRate and DefaultBurst size the global token bucket: packets
// admitted per second, and how many can arrive in a burst before the
// rate limit starts dropping.
const (
	DefaultRate  = 50
	DefaultBurst = 100
)

type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newTokenBucket(rate, burst float64) *tokenBucket {
	return &tokenBucket{tokens: burst, max: burst, rate: rate, lastFill: time.Now()}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(b.lastFill).Seconds()
	b.lastFill = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.max {
		b.tokens = b.max
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

type ban struct {
	permanent bool
	until     time.Time
}

func (b ban) active(now time.Time) bool { return b.permanent || now.Before(b.until) }

// Filter is the packet-level admission gate the Service's socket read
// loop consults before handing any datagram to the Handler.
type Filter struct {
	mu                sync.Mutex
	global            *tokenBucket
	expectedResponses map[enode.Addr]int
	bansByIP          map[string]ban
	bansByNode        map[enode.ID]ban
	banTimeout        time.Duration
}

// New creates a Filter with the given global rate/burst and default
// ban timeout.
func New(rate, burst float64, banTimeout time.Duration) *Filter {
	if banTimeout <= 0 {
		banTimeout = 10 * time.Minute
	}
	return &Filter{
		global:            newTokenBucket(rate, burst),
		expectedResponses: make(map[enode.Addr]int),
		bansByIP:          make(map[string]ban),
		bansByNode:        make(map[enode.ID]ban),
		banTimeout:        banTimeout,
	}
}

// ExpectResponse records that an outbound request was just sent to
// addr, credit the Handler must release via Resolve once it matches,
// times out, or otherwise stops waiting.
func (f *Filter) ExpectResponse(addr enode.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expectedResponses[addr]++
}

// Resolve releases exactly one unit of expected-response credit for
// addr. It is the single call site every completion path (match,
// timeout, decryption failure) must funnel through, so a response can
// never be double-counted as credit against two different completions.
func (f *Filter) Resolve(addr enode.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expectedResponses[addr] <= 1 {
		delete(f.expectedResponses, addr)
		return
	}
	f.expectedResponses[addr]--
}

// HasExpectedResponse reports whether addr currently holds any
// expected-response credit, letting the caller tell an ordinary
// unsolicited packet from the reply to a request it sent.
func (f *Filter) HasExpectedResponse(addr enode.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expectedResponses[addr] > 0
}

// Ban blocks addr's (IP, NodeId) pair for duration (0 = permanent),
// matching spec §7's "timed ban of the offender's (IP, NodeId)": both
// dimensions are recorded, so the offender is still blocked if it
// reconnects from the same IP under a different claimed NodeId, or
// the same NodeId from a different IP.
func (f *Filter) Ban(addr enode.Addr, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := ban{permanent: duration <= 0}
	if !b.permanent {
		b.until = time.Now().Add(duration)
	}
	f.bansByIP[addr.IP] = b
	var zero enode.ID
	if addr.ID != zero {
		f.bansByNode[addr.ID] = b
	}
}

// BanDuration returns this Filter's default ban length, for callers
// enforcing spec §7's protocol-misbehavior bans that don't have a more
// specific duration of their own to apply.
func (f *Filter) BanDuration() time.Duration {
	return f.banTimeout
}

// IsBanned reports whether addr's IP or claimed NodeId is currently
// under a ban.
func (f *Filter) IsBanned(addr enode.Addr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	if b, ok := f.bansByIP[addr.IP]; ok && b.active(now) {
		return true
	}
	var zero enode.ID
	if addr.ID != zero {
		if b, ok := f.bansByNode[addr.ID]; ok && b.active(now) {
			return true
		}
	}
	return false
}

// Admit decides whether an inbound packet from addr should proceed to
// decoding. isInitialRandom permits the first, un-challengeable packet
// of a fresh handshake; isUnsolicitedWhoAreYou permits a WHOAREYOU that
// arrives without a matching expected-response credit, since those are
// how hole-punch targets learn to open their NAT mapping.
func (f *Filter) Admit(addr enode.Addr, isInitialRandom, isUnsolicitedWhoAreYou bool) bool {
	if f.IsBanned(addr) {
		return false
	}
	if !f.global.allow() {
		return false
	}
	if isInitialRandom || isUnsolicitedWhoAreYou {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expectedResponses[addr] > 0
}
