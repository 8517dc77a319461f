package session

import (
	"bytes"
	"testing"

	"github.com/emhane/discv5/enode"
)

func TestDeriveKeysAreComplementary(t *testing.T) {
	secret := bytes.Repeat([]byte{0x01}, 32)
	idNonce := bytes.Repeat([]byte{0x02}, 16)
	localPub := bytes.Repeat([]byte{0x03}, 33)
	remotePub := bytes.Repeat([]byte{0x04}, 33)

	// Both ends pass the pubkeys in the same (initiator-ephemeral,
	// recipient-static) order, as the handshake does; only forInitiator
	// differs.
	initiator := DeriveKeys(secret, idNonce, localPub, remotePub, true)
	recipient := DeriveKeys(secret, idNonce, localPub, remotePub, false)

	if !bytes.Equal(initiator.WriteKey, recipient.ReadKey) {
		t.Fatal("initiator's write key differs from recipient's read key")
	}
	if len(initiator.WriteKey) != 16 || len(initiator.ReadKey) != 16 {
		t.Fatalf("unexpected key length")
	}
	if !bytes.Equal(initiator.ReadKey, recipient.WriteKey) {
		t.Fatal("initiator's read key differs from recipient's write key")
	}
}

func TestSessionNonceIsMonotonic(t *testing.T) {
	s := &Session{}
	seen := map[[12]byte]bool{}
	for i := 0; i < 100; i++ {
		n := s.NextNonce()
		if seen[n] {
			t.Fatalf("nonce reused at iteration %d", i)
		}
		seen[n] = true
	}
}

func TestRehandshakePromotesNextKeys(t *testing.T) {
	s := &Session{Keys: Keys{WriteKey: []byte("old-write-key...")}}
	next := Keys{WriteKey: []byte("new-write-key...")}
	s.BeginRehandshake(next)
	if s.NextKeys == nil {
		t.Fatal("expected pending next keys")
	}
	s.PromoteNextKeys()
	if !bytes.Equal(s.Keys.WriteKey, next.WriteKey) {
		t.Fatalf("keys not promoted")
	}
	if s.NextKeys != nil {
		t.Fatalf("next keys not cleared after promotion")
	}
}

func TestSessionsCacheEviction(t *testing.T) {
	sessions, err := NewSessions(2)
	if err != nil {
		t.Fatal(err)
	}
	a1 := enode.Addr{IP: "127.0.0.1", Port: 1}
	a2 := enode.Addr{IP: "127.0.0.1", Port: 2}
	a3 := enode.Addr{IP: "127.0.0.1", Port: 3}
	sessions.Put(a1, &Session{})
	sessions.Put(a2, &Session{})
	sessions.Put(a3, &Session{}) // evicts a1 (LRU)

	if _, ok := sessions.Get(a1); ok {
		t.Fatal("expected a1 to be evicted")
	}
	if _, ok := sessions.Get(a3); !ok {
		t.Fatal("expected a3 to be present")
	}
}
