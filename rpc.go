package discv5

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/emhane/discv5/ad"
	"github.com/emhane/discv5/enode"
	"github.com/emhane/discv5/enr"
	"github.com/emhane/discv5/handler"
	"github.com/emhane/discv5/kbucket"
	"github.com/emhane/discv5/ticket"
	"github.com/emhane/discv5/topic"
	"github.com/emhane/discv5/v5wire"
)

// handleRPCRequest dispatches a decoded inbound Request to the handler
// for its kind (spec §4.6).
func (s *Service) handleRPCRequest(from enode.Addr, reqID []byte, body v5wire.Message) {
	switch m := body.(type) {
	case v5wire.Ping:
		s.handlePing(from, reqID, m)
	case v5wire.FindNode:
		s.handleFindNode(from, reqID, m)
	case v5wire.TalkRequest:
		s.emit(TalkRequest{From: from, Protocol: m.Protocol, Body: m.Body, Enr: recordOf(s.enrs.Find(from.ID)), reqID: reqID, svc: s})
	case v5wire.RegisterTopic:
		s.handleRegisterTopic(from, reqID, m)
	case v5wire.TopicQuery:
		s.handleTopicQuery(from, reqID, m)
	}
}

// handlePing answers with the observed socket and, if the peer's
// advertised enr_seq is ahead of what we have on file, kicks off an
// async fresh-ENR fetch (spec §4.6).
func (s *Service) handlePing(from enode.Addr, reqID []byte, m v5wire.Ping) {
	ip := net.ParseIP(from.IP)
	pong := v5wire.Pong{ReqID: reqID, ENRSeq: s.local.Seq(), ToIP: ip, ToPort: uint16(from.Port)}
	s.h.Commands <- handler.SendResponse{Addr: from, Body: pong}

	known := s.enrs.Find(from.ID)
	if known == nil || m.ENRSeq > known.Seq() {
		go s.refreshEnr(from, known)
	}
}

// refreshEnr fetches a peer's current ENR with a distance-0 FINDNODE and
// folds the result into the routing state once it arrives.
func (s *Service) refreshEnr(addr enode.Addr, known *enode.Node) {
	contact := handler.Contact{Addr: addr}
	if known != nil {
		contact.Record = known.Record
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.requestDeadline())
	defer cancel()
	node, err := s.FindEnr(ctx, contact)
	if err != nil || node == nil {
		return
	}
	s.connectionUpdated(node, s.enrs.Status(addr.ID))
}

// handleFindNode answers with up to DefaultMaxNodesPerFindNode ENRs
// drawn from the requested bucket distances, split across as many
// NODES frames as the 1280-byte MTU requires (spec §4.6, §6).
func (s *Service) handleFindNode(from enode.Addr, reqID []byte, m v5wire.FindNode) {
	encoded := s.collectFindNodeResults(m.Distances)
	frames := packNodesFrames(encoded, v5wire.MaxPacketSize-v5wire.Overhead, handler.MaxNodesFrames)
	total := uint8(len(frames))
	for _, f := range frames {
		s.h.Commands <- handler.SendResponse{Addr: from, Body: v5wire.Nodes{ReqID: reqID, Total: total, ENRs: f}}
	}
}

func (s *Service) collectFindNodeResults(distances []uint16) [][]byte {
	seen := make(map[enode.ID]bool)
	var out [][]byte

	var distanceInts []int
	for _, d := range distances {
		if d == 0 {
			if !seen[s.local.ID()] {
				if enc, err := enr.Encode(s.local.Node().Record); err == nil {
					out = append(out, enc)
					seen[s.local.ID()] = true
				}
			}
			continue
		}
		distanceInts = append(distanceInts, int(d))
	}
	if len(out) >= DefaultMaxNodesPerFindNode {
		return out[:DefaultMaxNodesPerFindNode]
	}

	for _, e := range s.table.NodesByDistances(distanceInts, DefaultMaxNodesPerFindNode) {
		if seen[e.Key] || e.Value.Record == nil || e.Value.Record.Record == nil {
			continue
		}
		enc, err := enr.Encode(e.Value.Record.Record)
		if err != nil {
			continue
		}
		out = append(out, enc)
		seen[e.Key] = true
		if len(out) >= DefaultMaxNodesPerFindNode {
			break
		}
	}
	return out
}

// packNodesFrames greedily packs encoded ENRs into frames no larger
// than budget bytes, capped at maxFrames total (spec §6: responders
// must split large NODES into frames bounded by MAX_PACKET_SIZE-104).
func packNodesFrames(enrs [][]byte, budget, maxFrames int) [][][]byte {
	var frames [][][]byte
	var cur [][]byte
	size := 0
	for _, e := range enrs {
		if len(cur) > 0 && size+len(e) > budget {
			frames = append(frames, cur)
			cur, size = nil, 0
			if len(frames) == maxFrames {
				break
			}
		}
		cur = append(cur, e)
		size += len(e)
	}
	if len(cur) > 0 && len(frames) < maxFrames {
		frames = append(frames, cur)
	}
	if len(frames) == 0 {
		frames = append(frames, [][]byte{})
	}
	return frames
}

// handleRegisterTopic serves an inbound REGTOPIC in our role as topic
// host: a fresh attempt (no ticket) gets a wait-time quote sealed into
// a Ticket response; a replay carrying a previously issued ticket is
// validated and folded into that topic's registration window, where it
// competes silently until the window closes (spec §4.9, §4.10).
func (s *Service) handleRegisterTopic(from enode.Addr, reqID []byte, m v5wire.RegisterTopic) {
	rec, err := enr.Decode(m.ENR)
	if err != nil {
		return
	}
	node := enode.New(rec)
	if node.ID != from.ID {
		// regtopic naming a foreign peer: the embedded ENR doesn't
		// belong to whoever actually sent the packet.
		s.filt.Ban(from, s.filt.BanDuration())
		s.emit(PeerBanned{Addr: from, Reason: "regtopic names a foreign peer"})
		return
	}
	hash := topic.HashTopic(m.Topic)
	adTopic := ad.Topic(hash)
	ticketTopic := ticket.Topic(hash)
	s.hostTopicNames.Store(hash, m.Topic)

	if len(m.Ticket) > 0 {
		t, err := s.ticketSealer.Open(m.Ticket)
		if err != nil || t.SrcNodeID != node.ID || t.Topic != ticketTopic {
			// undecryptable ticket, or one minted for a different
			// node/topic than this one.
			s.filt.Ban(from, s.filt.BanDuration())
			s.emit(PeerBanned{Addr: from, Reason: "undecryptable or mismatched ticket"})
			return
		}
		due := t.ReqTime.Add(t.WaitTime)
		now := time.Now()
		if now.Before(due.Add(-ticket.GraceWindow)) || now.After(due.Add(ticket.GraceWindow)) {
			// regtopic outside the ticket's granted wait window.
			s.filt.Ban(from, s.filt.BanDuration())
			s.emit(PeerBanned{Addr: from, Reason: "regtopic outside ticket grace window"})
			return
		}
		s.ticketPool.Insert(node, reqID, t)
		return
	}

	var waitTime time.Duration
	if w := s.ads.TicketWaitTime(adTopic); w != nil {
		waitTime = *w
	}
	sealed, err := s.ticketSealer.Seal(ticket.Ticket{
		SrcNodeID: node.ID,
		SrcIP:     net.ParseIP(from.IP),
		Topic:     ticketTopic,
		ReqTime:   time.Now(),
		WaitTime:  waitTime,
	})
	if err != nil {
		return
	}
	s.h.Commands <- handler.SendResponse{Addr: from, Body: v5wire.Ticket{
		ReqID:           reqID,
		Ticket:          sealed,
		WaitTimeSeconds: uint32(waitTime / time.Second),
		Topic:           m.Topic,
	}}
}

// handleTopicQuery answers with the ad table's current advertisers for
// the queried topic, framed like a FINDNODE response.
func (s *Service) handleTopicQuery(from enode.Addr, reqID []byte, m v5wire.TopicQuery) {
	nodes, err := s.ads.GetAdNodes(ad.Topic(topic.HashTopic(m.Topic)))
	if err != nil {
		nodes = nil
	}
	var encoded [][]byte
	for _, n := range nodes {
		if len(encoded) >= DefaultMaxNodesPerFindNode {
			break
		}
		if enc, err := enr.Encode(n.Record); err == nil {
			encoded = append(encoded, enc)
		}
	}
	frames := packNodesFrames(encoded, v5wire.MaxPacketSize-v5wire.Overhead, handler.MaxNodesFrames)
	total := uint8(len(frames))
	for _, f := range frames {
		s.h.Commands <- handler.SendResponse{Addr: from, Body: v5wire.Nodes{ReqID: reqID, Total: total, ENRs: f}}
	}
}

// handleRPCResponse delivers a matching Response to its pending call,
// accumulating multi-frame NODES as they arrive, and feeds Pong
// observations into IP Vote (spec §4.6, §4.7).
func (s *Service) handleRPCResponse(from enode.Addr, reqID []byte, body v5wire.Message) {
	if pong, ok := body.(v5wire.Pong); ok {
		s.feedIPVote(from, pong)
	}

	key := reqKey(reqID)
	s.pendingMu.Lock()
	c, ok := s.pending[key]
	s.pendingMu.Unlock()
	if !ok {
		return
	}

	if nodes, isNodes := body.(v5wire.Nodes); isNodes {
		s.accumulateNodes(c, nodes)
		return
	}

	s.pendingMu.Lock()
	delete(s.pending, key)
	s.pendingMu.Unlock()
	c.respCh <- callResult{body: body}
}

func (s *Service) accumulateNodes(c *call, nodes v5wire.Nodes) {
	if c.nodesTotal == 0 {
		total := int(nodes.Total)
		if total <= 0 || total > handler.MaxNodesFrames {
			total = handler.MaxNodesFrames
		}
		c.nodesTotal = total
	}
	c.nodesSeen++
	c.enrs = append(c.enrs, nodes.ENRs...)
	if c.nodesSeen < c.nodesTotal {
		return
	}
	key := reqKey(nodes.ReqID)
	s.pendingMu.Lock()
	delete(s.pending, key)
	s.pendingMu.Unlock()
	c.respCh <- callResult{body: v5wire.Nodes{ReqID: nodes.ReqID, Total: uint8(c.nodesTotal), ENRs: c.enrs}}
}

// feedIPVote applies the "Connected, non-incoming peer" gate from spec
// §4.6 before crediting an observed socket to IP Vote, then re-checks
// majority.
func (s *Service) feedIPVote(from enode.Addr, pong v5wire.Pong) {
	status := s.enrs.Status(from.ID)
	if status.State != kbucket.Connected || status.Direction == kbucket.Incoming {
		return
	}
	if pong.ToIP == nil {
		return
	}
	voter := [32]byte(from.ID)
	if ip4 := pong.ToIP.To4(); ip4 != nil {
		s.ipv4.Insert(voter, net.UDPAddr{IP: ip4, Port: int(pong.ToPort)})
	} else {
		s.ipv6.Insert(voter, net.UDPAddr{IP: pong.ToIP.To16(), Port: int(pong.ToPort)})
	}
	s.applyIPVoteMajority()
}

func (s *Service) applyIPVoteMajority() {
	changed := false
	if r := s.ipv4.Majority(); r.Socket != nil {
		if s.updateLocalSocket(4, r.Socket.IP, r.Socket.Port) {
			changed = true
		}
	} else if r.SymmetricNAT != nil && s.cfg.IncludeSymmetricNAT {
		if s.markNAT() {
			changed = true
		}
	}
	if r := s.ipv6.Majority(); r.Socket != nil {
		if s.updateLocalSocket(6, r.Socket.IP, r.Socket.Port) {
			changed = true
		}
	}
	if changed {
		s.emit(SocketUpdated{Addr: s.localAddr()})
	}
}

func (s *Service) updateLocalSocket(family int, ip net.IP, port int) bool {
	ipKey, portKey := enr.KeyIP, enr.KeyUDP
	ipBytes := ip.To4()
	if family == 6 {
		ipKey, portKey = enr.KeyIP6, enr.KeyUDP6
		ipBytes = ip.To16()
	}
	rec := s.local.Node().Record
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], uint16(port))
	if bytes.Equal(rec.Get(ipKey), ipBytes) && bytes.Equal(rec.Get(portKey), portBytes[:]) {
		return false
	}
	s.local.Set(ipKey, ipBytes)
	s.local.Set(portKey, portBytes[:])
	return true
}

func (s *Service) markNAT() bool {
	rec := s.local.Node().Record
	if len(rec.Get(enr.KeyNAT)) > 0 {
		return false
	}
	s.local.Set(enr.KeyNAT, []byte{1})
	return true
}

func (s *Service) localAddr() enode.Addr {
	n := s.local.Node()
	if ip := n.IP(4); ip != nil {
		return enode.Addr{IP: ip.String(), Port: int(n.UDPPort(4)), ID: s.local.ID()}
	}
	if ip := n.IP(6); ip != nil {
		return enode.Addr{IP: ip.String(), Port: int(n.UDPPort(6)), ID: s.local.ID()}
	}
	return enode.Addr{ID: s.local.ID()}
}

// failPending delivers a terminal error to a pending call, e.g. once
// the Handler exhausts a request's retries.
func (s *Service) failPending(reqID []byte, err error) {
	key := reqKey(reqID)
	s.pendingMu.Lock()
	c, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()
	if ok {
		c.respCh <- callResult{err: err}
	}
}

// connectionUpdated mutates the main routing table and the shared ENR
// bank consistently, and maintains the ping-schedule wheel: first
// Connected insertion schedules a liveness ping, Disconnected cancels it
// (spec §4.6). Per-topic tables are not updated here: a topic's table
// gains entries only through Topic.Observe, which the Service itself
// does not call.
func (s *Service) connectionUpdated(node *enode.Node, status kbucket.Status) {
	s.enrs.Update(node, status)
	outcome := s.table.InsertOrUpdate(node.ID, kbucket.ValueForNode(node), status)
	if outcome == kbucket.Inserted || outcome == kbucket.Promoted {
		s.emit(NodeInserted{Node: node})
	}

	s.pingMu.Lock()
	if status.State == kbucket.Connected {
		s.peersToPing[node.ID] = time.Now().Add(s.cfg.PingInterval)
	} else {
		delete(s.peersToPing, node.ID)
	}
	s.pingMu.Unlock()
}

// pingDuePeers sends a liveness Ping to every Connected peer whose
// schedule has come due, evicting it from the table on failure.
func (s *Service) pingDuePeers(now time.Time) {
	s.pingMu.Lock()
	var due []enode.ID
	for id, at := range s.peersToPing {
		if !now.Before(at) {
			due = append(due, id)
			s.peersToPing[id] = now.Add(s.cfg.PingInterval)
		}
	}
	s.pingMu.Unlock()

	for _, id := range due {
		node := s.enrs.Find(id)
		if node == nil {
			continue
		}
		go s.pingPeer(node)
	}
}

func (s *Service) pingPeer(node *enode.Node) {
	addr, ok := nodeAddr(node)
	if !ok {
		return
	}
	reqID := s.nextReqID()
	ctx, cancel := context.WithTimeout(context.Background(), s.requestDeadline())
	defer cancel()
	_, err := s.sendAndWait(ctx, handler.Contact{Addr: addr, Record: node.Record}, reqID, v5wire.Ping{ReqID: reqID, ENRSeq: s.local.Seq()})
	if err != nil {
		status := s.enrs.Status(node.ID)
		status.State = kbucket.Disconnected
		s.connectionUpdated(node, status)
		s.table.Remove(node.ID)
	}
}

// nodeAddr builds the enode.Addr a node is reached at from its
// advertised socket.
func nodeAddr(node *enode.Node) (enode.Addr, bool) {
	udp := node.UDPAddr()
	if udp == nil {
		return enode.Addr{}, false
	}
	return enode.AddrFrom(udp, node.ID), true
}

// requestDeadline bounds how long the Service waits for a request
// (including every retry the Handler performs internally) before giving
// up on it.
func (s *Service) requestDeadline() time.Duration {
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = handler.DefaultRequestTimeout
	}
	return timeout * time.Duration(handler.DefaultMaxRetries+2)
}

// buildTalkResponse wraps an application TALKREQ reply body for the
// Handler to send.
func buildTalkResponse(reqID, body []byte) v5wire.TalkResponse {
	return v5wire.TalkResponse{ReqID: reqID, Body: body}
}
