package enode

import (
	"sync"

	"github.com/emhane/discv5/enr"
	"github.com/emhane/discv5/internal/identity"
)

// LocalNode is the mutable record for this process's own identity. Every
// socket update (IP Vote majority, §4.7) bumps Seq and re-signs.
type LocalNode struct {
	mu  sync.RWMutex
	key *identity.PrivateKey
	rec *enr.Record
	id  ID
}

// NewLocal creates a LocalNode from a freshly signed, empty record.
func NewLocal(key *identity.PrivateKey) (*LocalNode, error) {
	rec := &enr.Record{}
	if err := enr.Sign(rec, key); err != nil {
		return nil, err
	}
	return &LocalNode{key: key, rec: rec, id: ID(rec.NodeID())}, nil
}

// ID returns the local node id.
func (l *LocalNode) ID() ID { return l.id }

// Node returns a snapshot of the current signed record.
func (l *LocalNode) Node() *Node {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Node{ID: l.id, Record: l.rec}
}

// Seq returns the current sequence number.
func (l *LocalNode) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rec.Seq
}

// Set updates a key/value pair, bumps Seq, and re-signs. Used for socket
// updates (IP Vote), topic-list changes, and the NAT flag.
func (l *LocalNode) Set(key string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rec.Set(key, value)
	l.rec.SetSeq(l.rec.Seq + 1)
	return enr.Sign(l.rec, l.key)
}

// PrivateKey exposes the identity key for ECDH during the handshake.
func (l *LocalNode) PrivateKey() *identity.PrivateKey { return l.key }
