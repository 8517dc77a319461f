package ad

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

func TestRegConfirmationRequiresZeroWait(t *testing.T) {
	tbl, err := New(time.Minute, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	var topic Topic
	topic[0] = 1
	if err := tbl.RegConfirmation(node(1), topic, time.Second); err == nil {
		t.Fatal("expected error for nonzero wait time")
	}
	if err := tbl.RegConfirmation(node(1), topic, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDuplicateAdvertiserRejected(t *testing.T) {
	tbl, err := New(time.Minute, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	var topic Topic
	tbl.RegConfirmation(node(1), topic, 0)
	if err := tbl.RegConfirmation(node(1), topic, 0); err != ErrAlreadyAdvertising {
		t.Fatalf("got %v, want ErrAlreadyAdvertising", err)
	}
}

func TestTicketWaitTimeWhenTopicFull(t *testing.T) {
	tbl, err := New(time.Hour, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	var topic Topic
	tbl.RegConfirmation(node(1), topic, 0)

	wait := tbl.TicketWaitTime(topic)
	if wait == nil {
		t.Fatal("expected a wait time once the per-topic cap is reached")
	}
	if *wait <= 0 || *wait > time.Hour {
		t.Fatalf("wait = %v, want in (0, 1h]", *wait)
	}
}

func TestTicketWaitTimeNilWhenRoom(t *testing.T) {
	tbl, err := New(time.Hour, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	var topic Topic
	if wait := tbl.TicketWaitTime(topic); wait != nil {
		t.Fatalf("got %v, want nil (no ads yet)", wait)
	}
}

func TestRemoveExpiredKeepsInvariantI3(t *testing.T) {
	tbl, err := New(time.Millisecond, 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	var t1, t2 Topic
	t1[0], t2[0] = 1, 2
	tbl.RegConfirmation(node(1), t1, 0)
	tbl.RegConfirmation(node(2), t2, 0)
	time.Sleep(5 * time.Millisecond)

	tbl.RemoveExpired()
	if tbl.TotalAds() != 0 {
		t.Fatalf("totalAds = %d, want 0 after expiry", tbl.TotalAds())
	}
	if len(tbl.expirations) != 0 {
		t.Fatalf("expirations = %d, want 0", len(tbl.expirations))
	}
	sum := 0
	for _, nodes := range tbl.ads {
		sum += len(nodes)
	}
	if sum != 0 {
		t.Fatalf("per-topic sum = %d, want 0", sum)
	}
}

func TestNewRejectsInvalidCaps(t *testing.T) {
	if _, err := New(time.Minute, 20, 10); err == nil {
		t.Fatal("expected error when maxAdsPerTopic exceeds maxAds")
	}
}
