package discv5

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/emhane/discv5/ad"
	"github.com/emhane/discv5/enode"
	"github.com/emhane/discv5/handler"
	"github.com/emhane/discv5/internal/identity"
	"github.com/emhane/discv5/kbucket"
	"github.com/emhane/discv5/topic"
)

// testService wires up a real Service over a loopback UDP socket, the
// same shape handler_test.go's testNode assembles one layer down.
type testService struct {
	t    *testing.T
	conn *net.UDPConn
	svc  *Service
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listening on loopback: %v", err)
	}
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generating identity key: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	addr := enode.Addr{IP: "127.0.0.1", Port: port}

	svc, err := New(key, conn, []enode.Addr{addr}, Config{
		RequestTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("building service: %v", err)
	}
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], uint16(port))
	if err := svc.local.Set("udp", portBytes[:]); err != nil {
		t.Fatalf("setting local socket: %v", err)
	}
	if err := svc.local.Set("ip", net.ParseIP("127.0.0.1").To4()); err != nil {
		t.Fatalf("setting local ip: %v", err)
	}

	svc.Start()
	n := &testService{t: t, conn: conn, svc: svc}
	t.Cleanup(svc.Close)
	return n
}

func (n *testService) port() int { return n.conn.LocalAddr().(*net.UDPAddr).Port }

func (n *testService) contact() handler.Contact {
	return handler.Contact{
		Addr:      enode.Addr{IP: "127.0.0.1", Port: n.port(), ID: n.svc.local.ID()},
		PublicKey: n.svc.local.PrivateKey().CompressedPubkey(),
	}
}

func (n *testService) node() *enode.Node { return n.svc.local.Node() }

// drainEvents pulls events off svc.Events until match returns true or the
// deadline passes, failing the test on timeout.
func drainEvents(t *testing.T, svc *Service, deadline time.Duration, match func(Event) bool) {
	t.Helper()
	timeout := time.After(deadline)
	for {
		select {
		case ev := <-svc.Events:
			if match(ev) {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for expected event")
		}
	}
}

// TestServiceFindEnrRoundTrip drives a distance-0 FINDNODE between two
// live Services over real loopback sockets, exercising the handshake,
// FindEnr's blocking call, and connectionUpdated folding the peer into
// the routing table.
func TestServiceFindEnrRoundTrip(t *testing.T) {
	a := newTestService(t)
	b := newTestService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	node, err := a.svc.FindEnr(ctx, b.contact())
	if err != nil {
		t.Fatalf("FindEnr: %v", err)
	}
	if node.ID != b.svc.local.ID() {
		t.Fatalf("got node %v, want %v", node.ID, b.svc.local.ID())
	}

	drainEvents(t, a.svc, 3*time.Second, func(ev Event) bool {
		se, ok := ev.(SessionEstablished)
		return ok && se.Node.ID == b.svc.local.ID()
	})
}

// TestServicePingPongTriggersIPVote has self ping two independent peers.
// Both report the same observed socket back in their Pong, which
// reaches IP Vote's minimum threshold of agreeing voters and fires
// SocketUpdated once the local ENR is re-signed.
func TestServicePingPongTriggersIPVote(t *testing.T) {
	self := newTestService(t)
	peer1 := newTestService(t)
	peer2 := newTestService(t)

	for _, peer := range []*testService{peer1, peer2} {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if _, err := self.svc.FindEnr(ctx, peer.contact()); err != nil {
			cancel()
			t.Fatalf("FindEnr: %v", err)
		}
		cancel()
		drainEvents(t, self.svc, 3*time.Second, func(ev Event) bool {
			se, ok := ev.(SessionEstablished)
			return ok && se.Node.ID == peer.svc.local.ID()
		})
	}

	// Advertise a stale address so the socket the peers vote for differs
	// from the local ENR's and the record gets re-signed.
	if err := self.svc.local.Set("ip", net.ParseIP("0.0.0.0").To4()); err != nil {
		t.Fatalf("setting stale local ip: %v", err)
	}
	for _, peer := range []*testService{peer1, peer2} {
		self.svc.pingPeer(peer.node())
	}

	drainEvents(t, self.svc, 5*time.Second, func(ev Event) bool {
		_, ok := ev.(SocketUpdated)
		return ok
	})
}

// TestServiceRegisterTopicTicketFlow drives a full fresh-REGTOPIC round
// trip: the host answers with a Ticket quoting a zero wait time (an
// empty ad table has nothing to rate-limit on), the registrant folds it
// straight into a replay, and the replay wins its registration window
// and is admitted onto the host's ad table.
func TestServiceRegisterTopicTicketFlow(t *testing.T) {
	host := newTestService(t)
	registrant := newTestService(t)

	name := "test-topic"
	tp := registrant.svc.RegisterTopic(name)
	tp.AddUncontacted(host.node())

	registrant.svc.tickRegistrations()

	deadline := time.After(15 * time.Second)
	hash := topic.HashTopic(name)
	for {
		nodes, err := host.svc.ads.GetAdNodes(ad.Topic(hash))
		if err == nil {
			for _, n := range nodes {
				if n.ID == registrant.svc.local.ID() {
					return
				}
			}
		}
		select {
		case <-deadline:
			t.Fatalf("registrant was never admitted to the host's ad table")
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// TestServiceTopicQueryReturnsAdNodes exercises the host side of
// TOPICQUERY once a node is already sitting on the ad table.
func TestServiceTopicQueryReturnsAdNodes(t *testing.T) {
	host := newTestService(t)
	querier := newTestService(t)

	name := "query-topic"
	hash := topic.HashTopic(name)
	if err := host.svc.ads.RegConfirmation(querier.node(), ad.Topic(hash), 0); err != nil {
		t.Fatalf("seeding ad table: %v", err)
	}

	qt := querier.svc.RegisterTopic(name)
	qt.Observe(host.node(), kbucket.Status{State: kbucket.Connected, Direction: kbucket.Outgoing})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	results := querier.svc.TopicQuery(ctx, hash, 1)
	found := false
	for _, n := range results {
		if n.ID == querier.svc.local.ID() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected querier's own node back from the host's ad table, got %v", results)
	}
}
