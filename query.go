package discv5

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/emhane/discv5/enode"
	"github.com/emhane/discv5/enr"
	"github.com/emhane/discv5/handler"
	"github.com/emhane/discv5/kbucket"
	"github.com/emhane/discv5/lookup"
	"github.com/emhane/discv5/v5wire"
)

var (
	ErrUnexpectedResponse = errors.New("discv5: peer answered with the wrong response kind")
	ErrNoSocket           = errors.New("discv5: node has no advertised socket to reach it at")
	ErrNoEnr              = errors.New("discv5: peer returned no enr")
)

// Query describes a start_query request (spec §6): an ordinary FINDNODE
// lookup when Pred is nil, or a predicate query terminating early once
// NumResults matches accumulate.
type Query struct {
	Pred       func(*enode.Node) bool
	NumResults int
}

// sendAndWait dispatches body to contact and blocks until a matching
// Response arrives, ctx is done, or the Handler reports the request
// failed. Multi-frame NODES responses are delivered only once fully
// accumulated (handleRPCResponse's job).
func (s *Service) sendAndWait(ctx context.Context, contact handler.Contact, reqID []byte, body v5wire.Message) (v5wire.Message, error) {
	c := &call{respCh: make(chan callResult, 1)}
	key := reqKey(reqID)
	s.pendingMu.Lock()
	s.pending[key] = c
	s.pendingMu.Unlock()

	s.h.Commands <- handler.SendRequest{Contact: contact, ReqID: reqID, Body: body}

	select {
	case r := <-c.respCh:
		return r.body, r.err
	case <-ctx.Done():
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// findNodeQueryFn builds the lookup.QueryFunc an iterative query drives:
// one FINDNODE per visited peer, decoding and surfacing every ENR it
// answers with as a Discovered event before handing it back to the
// query pool.
func (s *Service) findNodeQueryFn() lookup.QueryFunc {
	return func(ctx context.Context, n *enode.Node, distances []int) ([]*enode.Node, error) {
		addr, ok := nodeAddr(n)
		if !ok {
			return nil, ErrNoSocket
		}
		ds := make([]uint16, len(distances))
		for i, d := range distances {
			ds[i] = uint16(d)
		}
		reqID := s.nextReqID()
		resp, err := s.sendAndWait(ctx, handler.Contact{Addr: addr, Record: n.Record}, reqID, v5wire.FindNode{ReqID: reqID, Distances: ds})
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
			cand := enode.New(rec)
			s.emit(Discovered{Node: cand})
			out = append(out, cand)
		}
		return out, nil
	}
}

// StartQuery runs an iterative lookup toward target (spec §6
// start_query): an ordinary FINDNODE lookup, or a predicate query that
// can terminate early once q.NumResults candidates satisfy q.Pred.
func (s *Service) StartQuery(ctx context.Context, target enode.ID, q Query) []*enode.Node {
	var seeds []*enode.Node
	for _, e := range s.table.ClosestValues(target, kbucket.K) {
		if e.Value.Record != nil {
			seeds = append(seeds, e.Value.Record)
		}
	}
	result := lookup.Run(ctx, target, seeds, s.findNodeQueryFn(), lookup.Config{
		ResultSize: kbucket.K,
		NumResults: q.NumResults,
		Pred:       lookup.Predicate(q.Pred),
	})
	return result.Closest
}

// FindEnr performs a distance-0 FINDNODE indirection to fetch contact's
// own current ENR (spec §6 find_enr).
func (s *Service) FindEnr(ctx context.Context, contact handler.Contact) (*enode.Node, error) {
	reqID := s.nextReqID()
	resp, err := s.sendAndWait(ctx, contact, reqID, v5wire.FindNode{ReqID: reqID, Distances: []uint16{0}})
	if err != nil {
		return nil, err
	}
	nodes, ok := resp.(v5wire.Nodes)
	if !ok || len(nodes.ENRs) == 0 {
		return nil, ErrNoEnr
	}
	rec, err := enr.Decode(nodes.ENRs[0])
	if err != nil {
		return nil, err
	}
	return enode.New(rec), nil
}

// Talk sends a TALKREQ to contact and returns the TALKRESP body (spec
// §6 talk).
func (s *Service) Talk(ctx context.Context, contact handler.Contact, protocol string, body []byte) ([]byte, error) {
	reqID := s.nextReqID()
	resp, err := s.sendAndWait(ctx, contact, reqID, v5wire.TalkRequest{ReqID: reqID, Protocol: protocol, Body: body})
	if err != nil {
		return nil, err
	}
	tr, ok := resp.(v5wire.TalkResponse)
	if !ok {
		return nil, ErrUnexpectedResponse
	}
	return tr.Body, nil
}
