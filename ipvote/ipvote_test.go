package ipvote

import (
	"net"
	"testing"
	"time"
)

func id(b byte) [32]byte {
	var out [32]byte
	out[0] = b
	return out
}

func TestThreeWayVoteDraw(t *testing.T) {
	v := New(2, 10*time.Second, false)

	s1 := net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	s2 := net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2}
	s3 := net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 3}

	v.Insert(id(1), s1)
	v.Insert(id(2), s1)
	v.Insert(id(3), s1)
	v.Insert(id(4), s2)
	v.Insert(id(5), s2)
	v.Insert(id(6), s2)
	v.Insert(id(7), s3)
	v.Insert(id(8), s3)
	v.Insert(id(9), s3)

	res := v.Majority()
	if res.Socket == nil {
		t.Fatal("expected a majority socket")
	}
	// All three sockets tie at 3 votes each; any one is an acceptable
	// winner (map iteration order is unspecified), but a result must
	// be produced and it must be one of the three candidates.
	switch res.Socket.Port {
	case 1, 2, 3:
	default:
		t.Fatalf("unexpected winning port %d", res.Socket.Port)
	}
}

func TestMajorityVote(t *testing.T) {
	v := New(2, 10*time.Second, false)
	s1 := net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	s2 := net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2}
	s3 := net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 3}

	v.Insert(id(1), s1)
	v.Insert(id(2), s1)
	v.Insert(id(3), s2)
	v.Insert(id(4), s3)

	res := v.Majority()
	if res.Socket == nil || res.Socket.Port != 1 {
		t.Fatalf("got %+v, want port 1", res.Socket)
	}
}

func TestBelowThreshold(t *testing.T) {
	v := New(3, 10*time.Second, false)
	s1 := net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	s2 := net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2}
	s3 := net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 3}

	v.Insert(id(1), s1)
	v.Insert(id(2), s1)
	v.Insert(id(3), s2)
	v.Insert(id(4), s3)

	res := v.Majority()
	if res.Socket != nil {
		t.Fatalf("got %+v, want no majority below threshold", res.Socket)
	}
}

func TestThresholdFloorsAtTwo(t *testing.T) {
	v := New(1, time.Second, false)
	if v.minimumThreshold != MinimumThreshold {
		t.Fatalf("threshold = %d, want floor of %d", v.minimumThreshold, MinimumThreshold)
	}
}

func TestExpiredVotesAreEagerlyDropped(t *testing.T) {
	v := New(2, time.Millisecond, false)
	s1 := net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	v.Insert(id(1), s1)
	v.Insert(id(2), s1)
	time.Sleep(5 * time.Millisecond)

	res := v.Majority()
	if res.Socket != nil {
		t.Fatalf("expected expired votes to be dropped, got %+v", res.Socket)
	}
	if len(v.votes) != 0 {
		t.Fatalf("expected votes map to be emptied by eager expiry, got %d entries", len(v.votes))
	}
}

func TestSymmetricNATFallback(t *testing.T) {
	v := New(2, 10*time.Second, true)
	ip := net.ParseIP("203.0.113.5")
	v.Insert(id(1), net.UDPAddr{IP: ip, Port: 1})
	v.Insert(id(2), net.UDPAddr{IP: ip, Port: 2})

	res := v.Majority()
	if res.Socket != nil {
		t.Fatalf("expected no socket majority with all-distinct ports, got %+v", res.Socket)
	}
	if res.SymmetricNAT == nil || !res.SymmetricNAT.Equal(ip) {
		t.Fatalf("got %v, want symmetric-NAT majority on %v", res.SymmetricNAT, ip)
	}
}
