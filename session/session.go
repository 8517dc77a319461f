// Package session holds per-peer AEAD session state: the keys derived
// from the WHOAREYOU handshake's ECDH exchange, the outbound message
// nonce counter, and the bounded cache that evicts idle sessions. The
// teacher's discover/v5.go Session struct recorded only a RemoteKey and
// an Established flag; this package replaces that with the full
// discv5 key schedule (separate read/write keys, HKDF-derived, keyed by
// NodeAddress) the AEAD wire codec in v5wire needs.
package session

import (
	"crypto/sha256"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/emhane/discv5/enode"
	"github.com/emhane/discv5/v5wire"
)

// DefaultCacheSize bounds the number of concurrently held sessions; the
// LRU evicts the least-recently-used entry beyond this, same role as
// the teacher's sessions map but bounded instead of unbounded.
const DefaultCacheSize = 1024

// hkdfInfo is the domain-separation string mixed into every key
// derivation, preventing key reuse across protocol versions.
const hkdfInfo = "discovery v5 key agreement"

// Keys is the pair of AEAD keys a completed handshake produces: one for
// traffic this node sends (WriteKey) and one for traffic it receives
// (ReadKey). Recipient and initiator compute the same pair but with the
// two keys swapped, since each side's write is the other's read.
type Keys struct {
	WriteKey []byte
	ReadKey  []byte
}

// DeriveKeys runs HKDF-SHA256 over an ECDH shared secret, expanding it
// into a read/write key pair. idNonce and ephemeralPubkeys bind the
// derivation to this specific handshake so a replayed shared secret
// from an earlier exchange can't be reused.
//
// forInitiator selects which expanded key is "mine": the initiator's
// write key is the recipient's read key, and vice versa. The pubkeys
// form the HKDF salt, so both sides pass them in the same order: the
// initiator's ephemeral key as localPubkey and the recipient's static
// key as remotePubkey, whichever side is computing.
func DeriveKeys(secret, idNonce, localPubkey, remotePubkey []byte, forInitiator bool) Keys {
	salt := append(append([]byte{}, idNonce...), localPubkey...)
	salt = append(salt, remotePubkey...)
	r := hkdf.New(sha256.New, secret, salt, []byte(hkdfInfo))

	buf := make([]byte, 2*v5wire.KeySize)
	// hkdf.Read never errors for a valid Reader; a short read would mean
	// the stdlib hash itself is broken.
	if _, err := fullRead(r, buf); err != nil {
		panic(err)
	}
	initiatorKey, recipientKey := buf[:v5wire.KeySize], buf[v5wire.KeySize:]
	if forInitiator {
		return Keys{WriteKey: initiatorKey, ReadKey: recipientKey}
	}
	return Keys{WriteKey: recipientKey, ReadKey: initiatorKey}
}

func fullRead(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// Session is the live AEAD state for one peer. A freshly derived
// NextKeys may briefly coexist with Keys during a concurrent
// re-handshake (spec: "decryption tries new keys first and commits on
// success").
type Session struct {
	mu sync.Mutex

	Keys     Keys
	NextKeys *Keys // non-nil while a parallel handshake is pending

	writeNonceCounter uint64

	// AwaitingENR holds the request id of a synthesized distance-0
	// FINDNODE sent to fetch a peer's ENR after a session was
	// established without one (WHOAREYOU with unknown peer).
	AwaitingENR []byte
}

// NextNonce returns a fresh, process-unique 12-byte outbound nonce: an
// 8-byte monotonic counter zero-extended to the wire's nonce size. A
// reused nonce under the same key would break AES-GCM's confidentiality
// guarantee, so the counter must never be reset while Keys is unchanged.
func (s *Session) NextNonce() [12]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeNonceCounter++
	var n [12]byte
	c := s.writeNonceCounter
	for i := 11; i >= 4; i-- {
		n[i] = byte(c)
		c >>= 8
	}
	return n
}

// BeginRehandshake records a second key pair derived from a concurrent
// WHOAREYOU/Handshake exchange for the same peer, without discarding
// the still-usable current Keys.
func (s *Session) BeginRehandshake(next Keys) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NextKeys = &next
}

// PromoteNextKeys commits NextKeys as Keys, called once a message
// successfully decrypts under the pending pair.
func (s *Session) PromoteNextKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.NextKeys != nil {
		s.Keys = *s.NextKeys
		s.NextKeys = nil
	}
}

// Sessions is an LRU-bounded map from NodeAddress to Session.
type Sessions struct {
	cache *lru.Cache[enode.Addr, *Session]
}

// NewSessions builds a Sessions cache holding at most size entries.
func NewSessions(size int) (*Sessions, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[enode.Addr, *Session](size)
	if err != nil {
		return nil, err
	}
	return &Sessions{cache: c}, nil
}

// Get returns the session for addr, if any.
func (s *Sessions) Get(addr enode.Addr) (*Session, bool) {
	return s.cache.Get(addr)
}

// Put installs (or replaces) the session for addr.
func (s *Sessions) Put(addr enode.Addr, sess *Session) {
	s.cache.Add(addr, sess)
}

// Remove evicts addr's session, e.g. after InvalidRemotePacket.
func (s *Sessions) Remove(addr enode.Addr) {
	s.cache.Remove(addr)
}

// Len reports the number of live sessions.
func (s *Sessions) Len() int { return s.cache.Len() }
