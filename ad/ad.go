// Package ad implements the Ad Table (C9): the set of peers this node
// is advertising on each topic, with a global FIFO expiration queue and
// per-topic/global caps. It is a close Go port of the original Rust
// advertisement/mod.rs Ads type, trading its VecDeque-based expirations
// list for a plain slice consumed from the front, and its NodeId-equality AdNode
// dedup for a direct enode.ID comparison.
package ad

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/emhane/discv5/enode"
)

// Topic is a 32-byte topic hash (SHA-256 of the topic's UTF-8 string,
// see DESIGN.md's Open Question decision).
type Topic [32]byte

var ErrNoAdsForTopic = errors.New("ad: no ads registered for this topic")
var ErrAlreadyAdvertising = errors.New("ad: node is already advertising this topic")
var ErrWaitTimeRequired = errors.New("ad: wait time must be zero to admit immediately")

type adNode struct {
	node       *enode.Node
	insertTime time.Time
}

type adTopic struct {
	topic      Topic
	insertTime time.Time
}

// Table is the Ad Table: per-topic FIFOs of advertising nodes, a global
// expiration FIFO across all topics, and lifetime/capacity limits.
type Table struct {
	expirations  []adTopic
	ads          map[Topic][]adNode
	totalAds     int
	adLifetime   time.Duration
	maxAdsPerTopic int
	maxAds       int
}

// New creates a Table. maxAdsPerTopic must not exceed maxAds.
func New(adLifetime time.Duration, maxAdsPerTopic, maxAds int) (*Table, error) {
	if maxAdsPerTopic > maxAds {
		return nil, errors.New("ad: maxAdsPerTopic must not exceed maxAds")
	}
	return &Table{
		ads:            make(map[Topic][]adNode),
		adLifetime:     adLifetime,
		maxAdsPerTopic: maxAdsPerTopic,
		maxAds:         maxAds,
	}, nil
}

// GetAdNodes returns the nodes currently advertising topic.
func (t *Table) GetAdNodes(topic Topic) ([]*enode.Node, error) {
	nodes, ok := t.ads[topic]
	if !ok {
		return nil, ErrNoAdsForTopic
	}
	out := make([]*enode.Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.node
	}
	return out, nil
}

// TicketWaitTime reports how long a new REGTOPIC for topic must wait
// before it can be admitted, or nil if it can be admitted immediately.
func (t *Table) TicketWaitTime(topic Topic) *time.Duration {
	t.RemoveExpired()
	now := time.Now()

	if t.totalAds < t.maxAds {
		nodes, ok := t.ads[topic]
		if !ok {
			return nil
		}
		if len(nodes) < t.maxAdsPerTopic {
			return nil
		}
		elapsed := now.Sub(nodes[0].insertTime)
		wait := saturatingSub(t.adLifetime, elapsed)
		return &wait
	}

	if len(t.expirations) == 0 {
		return nil
	}
	elapsed := now.Sub(t.expirations[0].insertTime)
	wait := saturatingSub(t.adLifetime, elapsed)
	return &wait
}

func saturatingSub(a, b time.Duration) time.Duration {
	if b >= a {
		return 0
	}
	return a - b
}

// RemoveExpired evicts every ad whose lifetime has elapsed, keeping
// totalAds, the per-topic FIFOs, and the global expirations FIFO in
// sync (invariant I3).
func (t *Table) RemoveExpired() {
	now := time.Now()
	expiredPerTopic := make(map[Topic]int)

	i := 0
	for ; i < len(t.expirations); i++ {
		if now.Sub(t.expirations[i].insertTime) < t.adLifetime {
			break
		}
		expiredPerTopic[t.expirations[i].topic]++
	}
	t.expirations = t.expirations[i:]

	for topic, count := range expiredPerTopic {
		nodes := t.ads[topic]
		if count > len(nodes) {
			count = len(nodes)
		}
		nodes = nodes[count:]
		if len(nodes) == 0 {
			delete(t.ads, topic)
		} else {
			t.ads[topic] = nodes
		}
		t.totalAds -= count
	}
}

// RegConfirmation admits node onto topic's ad list. waitTime must be
// zero — a caller holding a positive wait time has no business calling
// this yet (the registration window hasn't finished).
func (t *Table) RegConfirmation(node *enode.Node, topic Topic, waitTime time.Duration) error {
	if waitTime > 0 {
		return ErrWaitTimeRequired
	}
	return t.insert(node, topic)
}

func (t *Table) insert(node *enode.Node, topic Topic) error {
	t.RemoveExpired()
	now := time.Now()
	for _, n := range t.ads[topic] {
		if n.node.ID == node.ID {
			return ErrAlreadyAdvertising
		}
	}
	t.ads[topic] = append(t.ads[topic], adNode{node: node, insertTime: now})
	t.expirations = append(t.expirations, adTopic{topic: topic, insertTime: now})
	t.totalAds++
	return nil
}

// TotalAds returns the table-wide ad count (invariant I3).
func (t *Table) TotalAds() int { return t.totalAds }
