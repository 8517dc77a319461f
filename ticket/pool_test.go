package ticket

import (
	"testing"
	"time"

	"github.com/emhane/discv5/enode"
)

func node(b byte) *enode.Node {
	var id enode.ID
	id[31] = b
	return &enode.Node{ID: id}
}

func TestPoolPicksLowestIDAsWinner(t *testing.T) {
	p := NewPool()
	var topic Topic
	topic[0] = 9

	past := time.Now().Add(-RegistrationWindow - time.Millisecond)
	mk := func(b byte) Ticket {
		return Ticket{Topic: topic, ReqTime: past, WaitTime: 0}
	}
	p.Insert(node(3), []byte("r3"), mk(3))
	p.Insert(node(1), []byte("r1"), mk(1))
	p.Insert(node(2), []byte("r2"), mk(2))

	winners := p.Due()
	if len(winners) != 1 {
		t.Fatalf("got %d winners, want 1", len(winners))
	}
	w := winners[0]
	if w.Topic != topic {
		t.Fatalf("winner topic mismatch")
	}
	if w.Node.ID != node(1).ID {
		t.Fatalf("winner = %x, want lowest id (node 1)", w.Node.ID)
	}
	if string(w.ReqID) != "r1" {
		t.Fatalf("reqID = %q, want %q", w.ReqID, "r1")
	}

	if left := p.Due(); len(left) != 0 {
		t.Fatalf("expected window to be fully drained, got %d more", len(left))
	}
}

func TestPoolWindowNotYetDue(t *testing.T) {
	p := NewPool()
	var topic Topic
	p.Insert(node(1), []byte("r1"), Ticket{Topic: topic, ReqTime: time.Now(), WaitTime: 0})

	if winners := p.Due(); len(winners) != 0 {
		t.Fatalf("got %d winners before the registration window closed, want 0", len(winners))
	}
}

func TestPoolDropsStaleEntry(t *testing.T) {
	p := NewPool()
	var topic Topic
	longAgo := time.Now().Add(-2 * RegistrationWindow)
	p.Insert(node(1), []byte("r1"), Ticket{Topic: topic, ReqTime: longAgo, WaitTime: 0})

	if pool := p.pools[topic]; len(pool) != 0 {
		t.Fatalf("expected stale REGTOPIC to be dropped, pool has %d entries", len(pool))
	}
}

func TestPoolSeparatesTopics(t *testing.T) {
	p := NewPool()
	var t1, t2 Topic
	t1[0], t2[0] = 1, 2
	past := time.Now().Add(-RegistrationWindow - time.Millisecond)
	p.Insert(node(1), []byte("a"), Ticket{Topic: t1, ReqTime: past, WaitTime: 0})
	p.Insert(node(2), []byte("b"), Ticket{Topic: t2, ReqTime: past, WaitTime: 0})

	winners := p.Due()
	if len(winners) != 2 {
		t.Fatalf("got %d winners, want 2 (one per topic)", len(winners))
	}
}
