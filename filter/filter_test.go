package filter

import (
	"testing"
	"time"

	"github.com/emhane/discv5/enode"
)

func TestAdmitRequiresExpectedResponseOrInitial(t *testing.T) {
	f := New(DefaultRate, DefaultBurst, time.Minute)
	addr := enode.Addr{IP: "127.0.0.1", Port: 1}

	if f.Admit(addr, false, false) {
		t.Fatal("expected unsolicited, non-initial packet to be dropped")
	}
	if !f.Admit(addr, true, false) {
		t.Fatal("expected initial random packet to be admitted")
	}

	f.ExpectResponse(addr)
	if !f.Admit(addr, false, false) {
		t.Fatal("expected packet with outstanding credit to be admitted")
	}
}

func TestResolveDecrementsExactlyOnce(t *testing.T) {
	f := New(DefaultRate, DefaultBurst, time.Minute)
	addr := enode.Addr{IP: "127.0.0.1", Port: 1}

	f.ExpectResponse(addr)
	f.ExpectResponse(addr)
	f.Resolve(addr)
	if !f.Admit(addr, false, false) {
		t.Fatal("one credit should remain after a single Resolve")
	}
	f.Resolve(addr)
	if f.Admit(addr, false, false) {
		t.Fatal("no credit should remain after both units are resolved")
	}
}

func TestBanOverridesAdmission(t *testing.T) {
	f := New(DefaultRate, DefaultBurst, time.Minute)
	addr := enode.Addr{IP: "10.0.0.5", Port: 1}
	f.ExpectResponse(addr)
	f.Ban(addr, 0)

	if f.Admit(addr, true, true) {
		t.Fatal("banned source must be dropped even for initial/unsolicited packets")
	}
}

func TestBanByNodeIdSurvivesIPChange(t *testing.T) {
	f := New(DefaultRate, DefaultBurst, time.Minute)
	id := enode.ID{0x01}
	original := enode.Addr{IP: "10.0.0.5", Port: 1, ID: id}
	f.Ban(original, 0)

	moved := enode.Addr{IP: "10.0.0.6", Port: 1, ID: id}
	if f.Admit(moved, true, true) {
		t.Fatal("banned NodeId must stay blocked after reconnecting from a new IP")
	}
}

func TestBanTimesOut(t *testing.T) {
	f := New(DefaultRate, DefaultBurst, time.Minute)
	addr := enode.Addr{IP: "10.0.0.7", Port: 1}
	f.Ban(addr, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if f.IsBanned(addr) {
		t.Fatal("expected timed ban to have expired")
	}
}

func TestTokenBucketLimitsBurst(t *testing.T) {
	f := New(1, 1, time.Minute)
	addr := enode.Addr{IP: "127.0.0.1", Port: 1}

	if !f.Admit(addr, true, false) {
		t.Fatal("first packet within burst should be admitted")
	}
	if f.Admit(addr, true, false) {
		t.Fatal("second packet should exceed the 1-token burst")
	}
}
