package discv5

import (
	"github.com/emhane/discv5/enode"
	"github.com/emhane/discv5/enr"
	"github.com/emhane/discv5/handler"
	"github.com/emhane/discv5/topic"
)

// Event is one item of the host's event stream (spec §6 `event_stream`).
type Event interface{ isEvent() }

// SessionEstablished fires once a session is confirmed with a peer,
// either direction.
type SessionEstablished struct {
	Node *enode.Node
	Addr enode.Addr
}

func (SessionEstablished) isEvent() {}

// SocketUpdated fires when IP Vote's majority moves our externally
// visible socket, after the local ENR has already been re-signed.
type SocketUpdated struct {
	Addr enode.Addr
}

func (SocketUpdated) isEvent() {}

// PeerBanned fires whenever the packet filter bans an (IP, NodeId) pair
// for protocol-level misbehavior (spec §7), whether the violation was
// caught inside the Handler's handshake/request logic or here in the
// Service's REGTOPIC handling.
type PeerBanned struct {
	Addr   enode.Addr
	Reason string
}

func (PeerBanned) isEvent() {}

// NodeInserted fires when a peer is newly added to the main routing
// table.
type NodeInserted struct {
	Node *enode.Node
}

func (NodeInserted) isEvent() {}

// NodeInsertedTopic fires when a peer is newly added to a topic's
// routing table.
type NodeInsertedTopic struct {
	Topic topic.Hash
	Node  *enode.Node
}

func (NodeInsertedTopic) isEvent() {}

// Discovered fires for every untrusted ENR a query surfaces, before any
// session has been established with it.
type Discovered struct {
	Node *enode.Node
}

func (Discovered) isEvent() {}

// DiscoveredPeerTopic fires for every ENR surfaced while filling a
// topic's k-buckets via FINDNODE-to-topic-hash.
type DiscoveredPeerTopic struct {
	Topic topic.Hash
	Node  *enode.Node
}

func (DiscoveredPeerTopic) isEvent() {}

// TalkRequest is an inbound TALKREQ for the host application to answer.
// Enr carries the sender's last-known record if one is on file, even
// when this TALKREQ arrived over a session established before any ENR
// exchange took place. If Respond is never called, an empty
// TalkResponse is sent once this value is garbage collected is NOT
// guaranteed in Go (unlike the original's Drop impl) — callers that
// don't want a reply must call Respond(nil) explicitly.
type TalkRequest struct {
	From     enode.Addr
	Protocol string
	Body     []byte
	Enr      *enr.Record

	reqID []byte
	svc   *Service
}

func (TalkRequest) isEvent() {}

// Respond answers the TALKREQ with body (possibly empty).
func (t TalkRequest) Respond(body []byte) {
	t.svc.h.Commands <- handler.SendResponse{Addr: t.From, Body: buildTalkResponse(t.reqID, body)}
}
