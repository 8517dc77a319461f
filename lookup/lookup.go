// Package lookup runs iterative, α-parallel FINDNODE and predicate
// queries (the Query Pool, C6). It generalizes the teacher's
// discover/lookup.go closestSet/IterativeLookup machinery, which
// assumed a single fixed result size and no predicate or timeout, to
// the spec's terminal conditions: K-closest-all-settled, num_results
// satisfied, or a caller-supplied deadline.
package lookup

import (
	"context"
	"sort"
	"sync"

	"github.com/emhane/discv5/enode"
)

// DefaultAlpha is the standard Kademlia query concurrency factor.
const DefaultAlpha = 3

// DefaultDistancesPerPeer is how many log2-distances a FINDNODE asks a
// given peer for, centered on that peer's distance to the target.
const DefaultDistancesPerPeer = 3

// QueryFunc queries one remote peer for its closest known nodes to
// target, honoring ctx cancellation.
type QueryFunc func(ctx context.Context, n *enode.Node, distances []int) ([]*enode.Node, error)

// Predicate filters candidate nodes during a predicate query; nil
// accepts every candidate (an ordinary FINDNODE lookup).
type Predicate func(*enode.Node) bool

// Config controls one Query instance.
type Config struct {
	Alpha      int
	ResultSize int // K in "the K closest peers have all settled"
	NumResults int // terminal condition for predicate queries; 0 = disabled
	Pred       Predicate
}

func (c *Config) applyDefaults() {
	if c.Alpha <= 0 {
		c.Alpha = DefaultAlpha
	}
	if c.ResultSize <= 0 {
		c.ResultSize = 16
	}
}

// Result is the outcome of a completed query.
type Result struct {
	Target  enode.ID
	Closest []*enode.Node
	Queried int
}

type peerState int

const (
	peerCandidate peerState = iota
	peerQueried
	peerSettled
)

type candidate struct {
	node  *enode.Node
	state peerState
}

// closestSet is a bounded, distance-sorted, deduplicated candidate list,
// adapted from the teacher's lookup.go closestSet.
type closestSet struct {
	target enode.ID
	nodes  []*candidate
	seen   map[enode.ID]*candidate
	limit  int
}

func newClosestSet(target enode.ID, limit int) *closestSet {
	return &closestSet{target: target, seen: make(map[enode.ID]*candidate), limit: limit}
}

func (cs *closestSet) push(n *enode.Node) *candidate {
	if c, ok := cs.seen[n.ID]; ok {
		return c
	}
	c := &candidate{node: n}
	cs.seen[n.ID] = c

	if len(cs.nodes) < cs.limit {
		cs.insertSorted(c)
		return c
	}
	farthest := cs.nodes[len(cs.nodes)-1]
	if enode.DistCmp(cs.target, n.ID, farthest.node.ID) >= 0 {
		delete(cs.seen, n.ID)
		return nil
	}
	delete(cs.seen, farthest.node.ID)
	cs.nodes = cs.nodes[:len(cs.nodes)-1]
	cs.insertSorted(c)
	return c
}

func (cs *closestSet) insertSorted(c *candidate) {
	i := sort.Search(len(cs.nodes), func(i int) bool {
		return enode.DistCmp(cs.target, c.node.ID, cs.nodes[i].node.ID) < 0
	})
	cs.nodes = append(cs.nodes, nil)
	copy(cs.nodes[i+1:], cs.nodes[i:])
	cs.nodes[i] = c
}

// allSettled reports whether every tracked candidate has either
// succeeded or failed (no candidate still peerCandidate or peerQueried).
func (cs *closestSet) allSettled() bool {
	for _, c := range cs.nodes {
		if c.state != peerSettled {
			return false
		}
	}
	return true
}

func (cs *closestSet) matchCount(pred Predicate) int {
	if pred == nil {
		return len(cs.nodes)
	}
	n := 0
	for _, c := range cs.nodes {
		if pred(c.node) {
			n++
		}
	}
	return n
}

func (cs *closestSet) result() []*enode.Node {
	out := make([]*enode.Node, 0, len(cs.nodes))
	for _, c := range cs.nodes {
		out = append(out, c.node)
	}
	return out
}

// Run executes an iterative query: seeds is the locally known closest
// set, queryFn performs a single remote FINDNODE, and cfg controls
// concurrency and terminal conditions. The query stops when the K
// closest tracked peers have all settled, num_results predicate matches
// accumulate (if configured), or ctx is done.
func Run(ctx context.Context, target enode.ID, seeds []*enode.Node, queryFn QueryFunc, cfg Config) *Result {
	cfg.applyDefaults()
	closest := newClosestSet(target, cfg.ResultSize)
	for _, s := range seeds {
		closest.push(s)
	}

	queried := 0
	for {
		select {
		case <-ctx.Done():
			return &Result{Target: target, Closest: closest.result(), Queried: queried}
		default:
		}

		if cfg.NumResults > 0 && closest.matchCount(cfg.Pred) >= cfg.NumResults {
			break
		}
		if closest.allSettled() {
			break
		}

		var batch []*candidate
		for _, c := range closest.nodes {
			if c.state == peerCandidate {
				c.state = peerQueried
				batch = append(batch, c)
				if len(batch) >= cfg.Alpha {
					break
				}
			}
		}
		if len(batch) == 0 {
			break // nothing left to ask, but not everything settled: dry
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, c := range batch {
			wg.Add(1)
			go func(c *candidate) {
				defer wg.Done()
				distances := distancesAround(enode.LogDistance(c.node.ID, target), DefaultDistancesPerPeer)
				found, err := queryFn(ctx, c.node, distances)
				mu.Lock()
				defer mu.Unlock()
				c.state = peerSettled
				if err != nil {
					return
				}
				for _, n := range found {
					if n.ID == target && cfg.Pred != nil && !cfg.Pred(n) {
						continue
					}
					closest.push(n)
				}
			}(c)
		}
		wg.Wait()
		queried += len(batch)
	}

	return &Result{Target: target, Closest: closest.result(), Queried: queried}
}

// distancesAround builds the small distance set a FINDNODE sends a
// given peer: the peer's own distance to the target plus its immediate
// neighbors, clamped to [1, 256].
func distancesAround(center, n int) []int {
	out := make([]int, 0, n)
	half := n / 2
	for d := center - half; len(out) < n; d++ {
		if d >= 1 && d <= 256 {
			out = append(out, d)
		}
		if d > center+n {
			break
		}
	}
	return out
}
