package discv5

import (
	"context"
	"time"

	"github.com/emhane/discv5/ad"
	"github.com/emhane/discv5/enode"
	"github.com/emhane/discv5/enr"
	"github.com/emhane/discv5/handler"
	"github.com/emhane/discv5/lookup"
	"github.com/emhane/discv5/ticket"
	"github.com/emhane/discv5/topic"
	"github.com/emhane/discv5/v5wire"
)

// RegisterTopic starts advertising/tracking name (spec §6 register_topic):
// the REGISTER_INTERVAL loop (tickRegistrations) takes it from here.
func (s *Service) RegisterTopic(name string) *topic.Topic {
	return s.topics.Register(name)
}

// RemoveTopic stops tracking a topic (spec §6 remove_topic).
func (s *Service) RemoveTopic(h topic.Hash) {
	s.topics.Remove(h)
}

func (s *Service) topicQueryFn(name string) topic.QueryFunc {
	return func(ctx context.Context, n *enode.Node, h topic.Hash) ([]*enode.Node, error) {
		addr, ok := nodeAddr(n)
		if !ok {
			return nil, ErrNoSocket
		}
		reqID := s.nextReqID()
		resp, err := s.sendAndWait(ctx, handler.Contact{Addr: addr, Record: n.Record}, reqID, v5wire.TopicQuery{ReqID: reqID, Topic: name})
		if err != nil {
			return nil, err
		}
		nodes, ok := resp.(v5wire.Nodes)
		if !ok {
			return nil, ErrUnexpectedResponse
		}
		out := make([]*enode.Node, 0, len(nodes.ENRs))
		for _, enc := range nodes.ENRs {
			rec, err := enr.Decode(enc)
			if err != nil {
				continue
			}
			out = append(out, enode.New(rec))
		}
		return out, nil
	}
}

// TopicQuery runs a topic-scoped lookup for h, farthest bucket first
// (spec §4.11, §6 topic_query), emitting DiscoveredPeerTopic for every
// ad node it surfaces.
func (s *Service) TopicQuery(ctx context.Context, h topic.Hash, numResults int) []*enode.Node {
	t := s.topics.Get(h)
	if t == nil {
		return nil
	}
	results := topic.Query(ctx, t, s.topicQueryFn(t.Name), lookup.DefaultAlpha, numResults)
	for _, n := range results {
		s.emit(DiscoveredPeerTopic{Topic: h, Node: n})
	}
	return results
}

// tickRegistrations drives one REGISTER_INTERVAL pass: every REGTOPIC
// the topic engine wants sent this tick goes out as a fresh (no ticket)
// attempt, asynchronously so a slow peer can't stall the tick (spec
// §4.11).
func (s *Service) tickRegistrations() {
	for _, att := range s.topics.Tick() {
		go s.sendRegisterTopic(att.Topic, att.Node, nil)
	}
}

// tickTickets reissues every inbound ticket whose wait time has
// elapsed, and closes any registration window whose 10 seconds are up,
// admitting its winner onto the ad table and notifying it by
// REGCONFIRMATION (spec §4.9, §4.10).
func (s *Service) tickTickets() {
	for _, active := range s.ticketInbound.Due() {
		go s.reissueTicket(active)
	}
	for _, winner := range s.ticketPool.Due() {
		s.admitWinner(winner)
	}
}

func (s *Service) sendRegisterTopic(t *topic.Topic, n *enode.Node, rawTicket []byte) {
	addr, ok := nodeAddr(n)
	if !ok {
		t.SetState(n.ID, topic.NotAttempted)
		return
	}
	enc, err := enr.Encode(s.local.Node().Record)
	if err != nil {
		return
	}
	reqID := s.nextReqID()
	ctx, cancel := context.WithTimeout(context.Background(), s.requestDeadline())
	defer cancel()
	resp, err := s.sendAndWait(ctx, handler.Contact{Addr: addr, Record: n.Record}, reqID, v5wire.RegisterTopic{
		ReqID:  reqID,
		Topic:  t.Name,
		ENR:    enc,
		Ticket: rawTicket,
	})
	if err != nil {
		t.SetState(n.ID, topic.NotAttempted)
		return
	}

	switch m := resp.(type) {
	case v5wire.Ticket:
		t.SetState(n.ID, topic.WaitingOnTicket)
		waitTime := time.Duration(m.WaitTimeSeconds) * time.Second
		tk := ticket.Ticket{SrcNodeID: s.local.ID(), Topic: ticket.Topic(t.Hash), ReqTime: time.Now(), WaitTime: waitTime}
		if err := s.ticketInbound.Insert(addr, n.ID, tk, m.Ticket, waitTime); err != nil {
			t.SetState(n.ID, topic.NotAttempted)
		}
	case v5wire.RegConfirmation:
		t.SetState(n.ID, topic.Registered)
	}
}

func (s *Service) reissueTicket(active *ticket.ActiveTicket) {
	h := topic.Hash(active.Ticket.Topic)
	t := s.topics.Get(h)
	if t == nil {
		return
	}
	node := &enode.Node{ID: active.Contact.ID}
	if known := s.enrs.Find(active.Contact.ID); known != nil {
		node = known
	}
	s.sendRegisterTopic(t, node, active.Raw)
}

func (s *Service) admitWinner(w ticket.Winner) {
	if err := s.ads.RegConfirmation(w.Node, ad.Topic(w.Topic), 0); err != nil {
		return
	}
	addr, ok := nodeAddr(w.Node)
	if !ok {
		return
	}
	name := ""
	if v, ok := s.hostTopicNames.Load(topic.Hash(w.Topic)); ok {
		name = v.(string)
	}
	s.h.Commands <- handler.SendResponse{Addr: addr, Body: v5wire.RegConfirmation{ReqID: w.ReqID, Topic: name}}
}
