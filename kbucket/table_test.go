package kbucket

import (
	"testing"

	"github.com/emhane/discv5/enode"
)

func idAt(b byte) enode.ID {
	var id enode.ID
	id[0] = b
	return id
}

func TestInsertOrUpdateFillsBucketThenFailsFull(t *testing.T) {
	local := enode.ID{}
	tbl := New(local)

	// All these ids share the top bit that local lacks, so they all land
	// in the same (farthest) bucket and differ only in the low byte.
	var ids []enode.ID
	for i := 0; i < K; i++ {
		var id enode.ID
		id[0] = 0x80
		id[31] = byte(i + 1)
		ids = append(ids, id)
		outcome := tbl.InsertOrUpdate(id, Value{}, Status{State: Connected})
		if outcome != Inserted {
			t.Fatalf("entry %d: got %v, want Inserted", i, outcome)
		}
	}

	var extra enode.ID
	extra[0] = 0x80
	extra[31] = 200
	if outcome := tbl.InsertOrUpdate(extra, Value{}, Status{State: Connected}); outcome != FailedFull {
		t.Fatalf("bucket full + all connected: got %v, want FailedFull", outcome)
	}
}

func TestPendingPromotionViaDisconnectedHead(t *testing.T) {
	local := enode.ID{}
	tbl := New(local)

	var head enode.ID
	head[0] = 0x80
	head[31] = 1
	tbl.InsertOrUpdate(head, Value{}, Status{State: Disconnected})

	for i := 2; i <= K; i++ {
		var id enode.ID
		id[0] = 0x80
		id[31] = byte(i)
		tbl.InsertOrUpdate(id, Value{}, Status{State: Connected})
	}

	var candidate enode.ID
	candidate[0] = 0x80
	candidate[31] = 100
	outcome := tbl.InsertOrUpdate(candidate, Value{}, Status{State: Connected})
	if outcome != PendingDisconnected {
		t.Fatalf("got %v, want PendingDisconnected", outcome)
	}

	idx := bucketIndex(local, head)
	_, presence := tbl.Entry(candidate)
	if presence != PendingPresence {
		t.Fatalf("candidate presence = %v, want PendingPresence", presence)
	}

	tbl.Remove(head)
	promoted, replaced := tbl.TakeAppliedPending(idx)
	if promoted == nil || promoted.Key != candidate {
		t.Fatalf("expected candidate promoted, got %v", promoted)
	}
	if replaced != nil {
		t.Fatalf("head already removed, expected no replaced entry, got %v", replaced)
	}

	_, presence = tbl.Entry(candidate)
	if presence != Present {
		t.Fatalf("candidate presence after promotion = %v, want Present", presence)
	}
}

func TestDiversityFilterRejectsOversharedSubnet(t *testing.T) {
	local := enode.ID{}
	tbl := New(local)

	for i := 0; i < MaxNodesPerSubnetBucket; i++ {
		var id enode.ID
		id[0] = 0x80
		id[31] = byte(i + 1)
		v := Value{Subnet: [3]byte{10, 0, 0}}
		if outcome := tbl.InsertOrUpdate(id, v, Status{State: Connected}); outcome != Inserted {
			t.Fatalf("entry %d: got %v, want Inserted", i, outcome)
		}
	}

	var extra enode.ID
	extra[0] = 0x80
	extra[31] = 99
	v := Value{Subnet: [3]byte{10, 0, 0}}
	if outcome := tbl.InsertOrUpdate(extra, v, Status{State: Connected}); outcome != FailedDiversity {
		t.Fatalf("got %v, want FailedDiversity", outcome)
	}
}

func TestUpdateStatusPromotesDisconnectedToConnected(t *testing.T) {
	local := enode.ID{}
	tbl := New(local)
	var id enode.ID
	id[31] = 1
	tbl.InsertOrUpdate(id, Value{}, Status{State: Disconnected})

	if outcome := tbl.UpdateStatus(id, Status{State: Connected}); outcome != Promoted {
		t.Fatalf("got %v, want Promoted", outcome)
	}
	e, presence := tbl.Entry(id)
	if presence != Present || e.Status.State != Connected {
		t.Fatalf("entry not updated: %+v, %v", e, presence)
	}
}

func TestClosestValuesOrdering(t *testing.T) {
	local := enode.ID{}
	tbl := New(local)
	for i := 1; i <= 5; i++ {
		var id enode.ID
		id[31] = byte(i)
		tbl.InsertOrUpdate(id, Value{}, Status{State: Connected})
	}
	var target enode.ID
	target[31] = 1
	closest := tbl.ClosestValuesPredicate(target, 3, nil)
	if len(closest) != 3 {
		t.Fatalf("got %d entries, want 3", len(closest))
	}
	if closest[0].Key != target {
		t.Fatalf("closest[0] = %v, want exact target match first", closest[0].Key)
	}
}
