package ticket

import (
	"bytes"
	"time"

	"github.com/emhane/discv5/enode"
)

// Winner is the result of a closed registration window: the peer
// admitted onto the topic's ad table, and the request id its
// REGCONFIRMATION should carry.
type Winner struct {
	Topic  Topic
	Node   *enode.Node
	ReqID  []byte
}

type poolEntry struct {
	node   *enode.Node
	reqID  []byte
	ticket Ticket
}

type registrationWindow struct {
	topic    Topic
	openTime time.Time
}

// Pool collects competing REGTOPICs for each topic during their
// 10-second registration window and, once a window closes, picks a
// single deterministic winner.
//
// Winner selection: lowest enode.ID among the window's entrants. The
// original implementation picked whatever its HashMap iteration handed
// it first, an arbitrary and non-reproducible choice; lowest-ID gives
// the same answer on every node observing the same entrant set, and
// costs nothing more to compute.
type Pool struct {
	pools       map[Topic]map[enode.ID]poolEntry
	expirations []registrationWindow
}

// NewPool creates an empty TicketPool.
func NewPool() *Pool {
	return &Pool{pools: make(map[Topic]map[enode.ID]poolEntry)}
}

// Insert adds a REGTOPIC replay carrying a now-elapsed ticket to its
// topic's registration window. Entries arriving after the window has
// already been closed for more than RegistrationWindow are dropped
// silently, mirroring a late, already-resolved registration attempt.
func (p *Pool) Insert(node *enode.Node, reqID []byte, t Ticket) {
	openTime := t.ReqTime.Add(t.WaitTime)
	if time.Since(openTime) > 2*RegistrationWindow {
		return
	}
	pool, ok := p.pools[t.Topic]
	if !ok {
		pool = make(map[enode.ID]poolEntry)
		p.pools[t.Topic] = pool
		p.expirations = append(p.expirations, registrationWindow{topic: t.Topic, openTime: openTime})
	}
	pool[node.ID] = poolEntry{node: node, reqID: reqID, ticket: t}
}

// Due closes every registration window whose RegistrationWindow has
// elapsed, returning one Winner per closed topic. Runners-up are
// dropped along with the rest of that topic's pool.
func (p *Pool) Due() []Winner {
	var winners []Winner
	i := 0
	for ; i < len(p.expirations); i++ {
		w := p.expirations[i]
		if time.Since(w.openTime) < RegistrationWindow {
			break
		}
		pool := p.pools[w.topic]
		delete(p.pools, w.topic)
		if len(pool) == 0 {
			continue
		}
		winners = append(winners, Winner{Topic: w.topic, Node: selectWinner(pool)})
		winners[len(winners)-1].ReqID = pool[winners[len(winners)-1].Node.ID].reqID
	}
	p.expirations = p.expirations[i:]
	return winners
}

func selectWinner(pool map[enode.ID]poolEntry) *enode.Node {
	var best *enode.Node
	for id, e := range pool {
		if best == nil || bytes.Compare(id[:], best.ID[:]) < 0 {
			best = e.node
		}
	}
	return best
}
