// Package ipvote infers this node's externally visible socket address
// from PONG responses reported by peers (C7, discv5 §4.7). It is a
// direct Go port of the original Rust IpVote (service/ip_vote.rs),
// generalized to use enode.ID/Addr instead of the original's enr/
// SocketAddr types, and the IPv4/IPv6 split expressed as two
// independent Vote instances rather than one struct tracking both
// families inline.
package ipvote

import (
	"net"
	"time"
)

// MinimumThreshold is the floor spec.md's B4 requires: a majority
// vote below 2 distinct reporters is never accepted, since any single
// peer could otherwise steer our advertised address.
const MinimumThreshold = 2

type vote struct {
	addr    net.UDPAddr
	expires time.Time
}

// Vote tallies socket-address reports from distinct peers for one
// address family, evicting expired entries before every tally.
type Vote struct {
	votes              map[[32]byte]vote
	minimumThreshold   int
	voteDuration       time.Duration
	includeSymmetricNAT bool
}

// New creates a Vote tracker. threshold is clamped up to
// MinimumThreshold if given lower, matching the Rust constructor's
// panic-on-misconfiguration guard but failing safe instead of panicking.
func New(threshold int, voteDuration time.Duration, includeSymmetricNAT bool) *Vote {
	if threshold < MinimumThreshold {
		threshold = MinimumThreshold
	}
	return &Vote{
		votes:              make(map[[32]byte]vote),
		minimumThreshold:   threshold,
		voteDuration:       voteDuration,
		includeSymmetricNAT: includeSymmetricNAT,
	}
}

// Insert records (or replaces) voter's reported address, valid until
// voteDuration elapses.
func (v *Vote) Insert(voter [32]byte, addr net.UDPAddr) {
	v.votes[voter] = vote{addr: addr, expires: time.Now().Add(v.voteDuration)}
}

// Result is a majority verdict: either a fully reachable socket, or
// (only when includeSymmetricNAT is set) just an IP, indicating this
// node sits behind a symmetric NAT that remaps ports unpredictably.
type Result struct {
	Socket       *net.UDPAddr
	SymmetricNAT net.IP
}

// Majority eagerly expires stale votes, then returns the socket address
// with the most distinct voters, provided it clears minimumThreshold.
// If no socket clears the threshold and includeSymmetricNAT is set, it
// falls back to a majority on IP alone.
func (v *Vote) Majority() Result {
	now := time.Now()
	for k, e := range v.votes {
		if !e.expires.After(now) {
			delete(v.votes, k)
		}
	}

	type key struct {
		ip   string
		port int
	}
	socketCount := make(map[key]int)
	ipCount := make(map[string]int)

	for _, e := range v.votes {
		k := key{ip: e.addr.IP.String(), port: e.addr.Port}
		socketCount[k]++
		if v.includeSymmetricNAT {
			ipCount[e.addr.IP.String()]++
		}
	}

	if sk, ok := majorityKey(socketCount, v.minimumThreshold); ok {
		return Result{Socket: &net.UDPAddr{IP: net.ParseIP(sk.ip), Port: sk.port}}
	}

	if v.includeSymmetricNAT {
		if ip, ok := majorityKey(ipCount, v.minimumThreshold); ok {
			return Result{SymmetricNAT: net.ParseIP(ip)}
		}
	}
	return Result{}
}

// majorityKey returns the key with the highest count, provided that
// count meets threshold; ties are broken by map iteration order, which
// is intentionally unspecified (mirrors the Rust max_by_key behavior on
// a HashMap, which gives no tie-breaking guarantee either).
func majorityKey[K comparable](counts map[K]int, threshold int) (K, bool) {
	var best K
	bestCount := 0
	found := false
	for k, c := range counts {
		if c >= threshold && c > bestCount {
			best, bestCount, found = k, c, true
		}
	}
	return best, found
}
