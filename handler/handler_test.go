package handler

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/emhane/discv5/enode"
	"github.com/emhane/discv5/enr"
	"github.com/emhane/discv5/filter"
	"github.com/emhane/discv5/internal/identity"
	"github.com/emhane/discv5/session"
	"github.com/emhane/discv5/v5wire"
)

// testNode wires up everything a Handler needs over a real loopback UDP
// socket, the same shape the Service in package discv5 assembles.
type testNode struct {
	t       *testing.T
	conn    *net.UDPConn
	local   *enode.LocalNode
	handler *Handler
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listening on loopback: %v", err)
	}
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generating identity key: %v", err)
	}
	local, err := enode.NewLocal(key)
	if err != nil {
		t.Fatalf("building local node: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], uint16(port))
	if err := local.Set("udp", portBytes[:]); err != nil {
		t.Fatalf("setting local socket: %v", err)
	}
	if err := local.Set("ip", net.ParseIP("127.0.0.1").To4()); err != nil {
		t.Fatalf("setting local ip: %v", err)
	}

	sess, err := session.NewSessions(16)
	if err != nil {
		t.Fatalf("building session cache: %v", err)
	}
	filt := filter.New(filter.DefaultRate, filter.DefaultBurst, time.Minute)
	cfg := Config{
		RequestTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		ListenAddrs:      []enode.Addr{{IP: "127.0.0.1", Port: port, ID: local.ID()}},
	}
	h := New(local, sess, filt, conn, cfg, nil)

	n := &testNode{t: t, conn: conn, local: local, handler: h}
	go h.Run()
	go n.readLoop()
	t.Cleanup(func() {
		h.Close()
		conn.Close()
	})
	return n
}

func (n *testNode) readLoop() {
	buf := make([]byte, v5wire.MaxPacketSize)
	for {
		nBytes, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:nBytes]...)
		n.handler.HandlePacket(from, data)
	}
}

func (n *testNode) port() int {
	return n.conn.LocalAddr().(*net.UDPAddr).Port
}

func (n *testNode) contact() Contact {
	return Contact{Addr: enode.Addr{IP: "127.0.0.1", Port: n.port(), ID: n.local.ID()}, PublicKey: n.local.PrivateKey().CompressedPubkey()}
}

// TestHandlerPingPongHandshake drives a full WHOAREYOU round trip over
// real loopback sockets: A sends a Ping to a peer it only knows by
// public key, B challenges it, A completes the handshake, and B answers
// the bundled Ping — then A's synthesized ENR-fetch FINDNODE resolves
// and A finally reports the session Established.
func TestHandlerPingPongHandshake(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	reqID := []byte{0x01}
	a.handler.Commands <- SendRequest{
		Contact: b.contact(),
		ReqID:   reqID,
		Body:    v5wire.Ping{ReqID: reqID, ENRSeq: 0},
	}

	timeout := time.After(3 * time.Second)
	var gotPing, gotEstablished bool
	for !gotPing || !gotEstablished {
		select {
		case ev := <-b.handler.Events:
			switch e := ev.(type) {
			case WhoAreYouEvent:
				b.handler.Commands <- WhoAreYouAnswer{Ref: e.Ref}
			case RequestReceived:
				switch body := e.Body.(type) {
				case v5wire.Ping:
					gotPing = true
					b.handler.Commands <- SendResponse{Addr: e.From, Body: v5wire.Pong{ReqID: body.ReqID, ENRSeq: 0}}
				case v5wire.FindNode:
					enc, err := enr.Encode(b.local.Node().Record)
					if err != nil {
						t.Fatalf("encoding b's own record: %v", err)
					}
					b.handler.Commands <- SendResponse{Addr: e.From, Body: v5wire.Nodes{ReqID: body.ReqID, Total: 1, ENRs: [][]byte{enc}}}
				}
			}
		case ev := <-a.handler.Events:
			if _, ok := ev.(Established); ok {
				gotEstablished = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for handshake to complete (ping=%v established=%v)", gotPing, gotEstablished)
		}
	}
}

func TestContactPubkeyPrefersRecordOverRawKey(t *testing.T) {
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	rec := &enr.Record{}
	if err := enr.Sign(rec, key); err != nil {
		t.Fatalf("signing record: %v", err)
	}
	pub, err := contactPubkey(Contact{Record: rec, PublicKey: []byte{0xff}})
	if err != nil {
		t.Fatalf("contactPubkey: %v", err)
	}
	if string(pub) != string(key.CompressedPubkey()) {
		t.Fatal("expected the record's pubkey to win over the raw fallback")
	}

	if _, err := contactPubkey(Contact{}); err != errNoContactPubkey {
		t.Fatalf("expected errNoContactPubkey for an empty contact, got %v", err)
	}
}
