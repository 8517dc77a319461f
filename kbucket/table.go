// Package kbucket implements the 256-bucket Kademlia routing table that
// backs both the main peer table and each topic's per-topic table. It
// generalizes the teacher's discover/kademlia.go, which used a single
// flat KademliaTable with fail-count/stale-timeout eviction, into the
// spec's pending-slot/diversity-filter design: one bucket per
// log2-distance, an explicit Connected/Disconnected status model, and
// subnet/NAT diversity caps enforced on every insert.
package kbucket

import (
	"sync"

	"github.com/emhane/discv5/enode"
)

// K is the standard Kademlia bucket capacity.
const K = 16

// Diversity filter limits (spec §4.4).
const (
	MaxNodesPerSubnetBucket     = 2
	MaxNodesPerSubnetTable      = 10
	MaxNodesBehindNATPerSubnet  = 2
)

// State is an entry's connectivity status.
type State int

const (
	Disconnected State = iota
	Connected
)

// Direction records who initiated the connection.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

// Status pairs State and Direction, the value a caller passes to
// insert_or_update and gets back from entry().
type Status struct {
	State     State
	Direction Direction
}

// Value is the payload a bucket entry carries: the peer's ENR plus the
// bits needed for diversity filtering without re-parsing the record
// each time.
type Value struct {
	Record *enode.Node
	Subnet [3]byte // first 3 bytes of the peer's advertised IPv4, i.e. its /24
	IsNAT  bool
}

// Entry is one bucket slot.
type Entry struct {
	Key    enode.ID
	Value  Value
	Status Status
}

// InsertOutcome is the result of insert_or_update.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	PendingDisconnected
	FailedFull
	FailedDiversity
	Promoted
	Updated
	ValueUpdated
)

// EntryPresence is the result of entry().
type EntryPresence int

const (
	Absent EntryPresence = iota
	Present
	PendingPresence
)

type bucket struct {
	entries []Entry
	pending *Entry
}

// Table is a 256-bucket routing table indexed by log2-distance from
// Local.
type Table struct {
	mu      sync.RWMutex
	Local   enode.ID
	buckets [256]*bucket
}

// New creates an empty table for the given local node id.
func New(local enode.ID) *Table {
	t := &Table{Local: local}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

func bucketIndex(local, key enode.ID) int {
	d := enode.LogDistance(local, key)
	if d <= 0 {
		return -1
	}
	return d - 1
}

func subnetOf(n *enode.Node) [3]byte {
	var s [3]byte
	if n == nil {
		return s
	}
	ip := n.IP(4)
	if ip == nil {
		return s
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return s
	}
	copy(s[:], ip4[:3])
	return s
}

// InsertOrUpdate applies the insertion rules from spec §4.4.
func (t *Table) InsertOrUpdate(key enode.ID, value Value, status Status) InsertOutcome {
	idx := bucketIndex(t.Local, key)
	if idx < 0 {
		return FailedFull
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[idx]

	for i, e := range b.entries {
		if e.Key == key {
			prevState := e.Status.State
			b.entries[i].Value = value
			b.entries[i].Status = status
			if prevState == Disconnected && status.State == Connected {
				t.moveToTailLocked(b, i)
				return Promoted
			}
			if e.Value != value {
				return ValueUpdated
			}
			return Updated
		}
	}

	if !t.passesDiversityLocked(idx, value, -1) {
		return FailedDiversity
	}

	if len(b.entries) < K {
		b.entries = append(b.entries, Entry{Key: key, Value: value, Status: status})
		return Inserted
	}

	head := b.entries[0]
	if head.Status.State == Disconnected && b.pending == nil {
		b.pending = &Entry{Key: key, Value: value, Status: status}
		return PendingDisconnected
	}

	return FailedFull
}

// moveToTailLocked relocates entry i to the end of the bucket, keeping
// the relative order of the other entries. It does not keep Connected
// entries ahead of Disconnected ones: the moved entry lands behind any
// Disconnected entries still in the bucket.
func (t *Table) moveToTailLocked(b *bucket, i int) {
	e := b.entries[i]
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	b.entries = append(b.entries, e)
}

// passesDiversityLocked reports whether adding value to bucket idx would
// keep the table within the subnet/NAT diversity caps. The trailing int
// argument is ignored; only InsertOrUpdate's new-entry path calls this.
func (t *Table) passesDiversityLocked(idx int, value Value, _ int) bool {
	if value.Subnet == ([3]byte{}) {
		return true // no IPv4 on record: nothing to diversify against
	}
	perBucket := 0
	for _, e := range t.buckets[idx].entries {
		if e.Value.Subnet == value.Subnet {
			perBucket++
		}
	}
	if perBucket+1 > MaxNodesPerSubnetBucket {
		return false
	}

	natInBucket := 0
	if value.IsNAT {
		for _, e := range t.buckets[idx].entries {
			if e.Value.IsNAT {
				natInBucket++
			}
		}
		if natInBucket+1 > MaxNodesBehindNATPerSubnet {
			return false
		}
	}

	perTable := 0
	for _, bk := range t.buckets {
		for _, e := range bk.entries {
			if e.Value.Subnet == value.Subnet {
				perTable++
			}
		}
	}
	return perTable+1 <= MaxNodesPerSubnetTable
}

// UpdateStatus transitions an existing entry's status in place.
func (t *Table) UpdateStatus(key enode.ID, status Status) InsertOutcome {
	idx := bucketIndex(t.Local, key)
	if idx < 0 {
		return FailedFull
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[idx]
	for i, e := range b.entries {
		if e.Key == key {
			wasDisconnected := e.Status.State == Disconnected
			b.entries[i].Status = status
			if wasDisconnected && status.State == Connected {
				t.moveToTailLocked(b, i)
				return Promoted
			}
			return Updated
		}
	}
	return FailedFull
}

// TakeAppliedPending promotes a bucket's pending entry to the tail of
// the bucket, returning the promoted entry. If the bucket is still full,
// its head is evicted and returned as replaced; if the caller already
// removed the head via Remove, replaced is nil. It does not check the
// head's status or any liveness deadline; the caller decides when to
// call it.
func (t *Table) TakeAppliedPending(idx int) (promoted *Entry, replaced *Entry) {
	if idx < 0 || idx >= 256 {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[idx]
	if b.pending == nil {
		return nil, nil
	}
	if len(b.entries) >= K {
		head := b.entries[0]
		replaced = &head
		b.entries = b.entries[1:]
	}
	p := *b.pending
	b.entries = append(b.entries, p)
	b.pending = nil
	return &p, replaced
}

// Remove deletes key from its bucket (and clears a pending slot
// referencing it), used when a disconnected head's liveness ping fails.
func (t *Table) Remove(key enode.ID) {
	idx := bucketIndex(t.Local, key)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[idx]
	for i, e := range b.entries {
		if e.Key == key {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
	if b.pending != nil && b.pending.Key == key {
		b.pending = nil
	}
}

// Entry reports whether key is Present, Pending, or Absent.
func (t *Table) Entry(key enode.ID) (Entry, EntryPresence) {
	idx := bucketIndex(t.Local, key)
	if idx < 0 {
		return Entry{}, Absent
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := t.buckets[idx]
	for _, e := range b.entries {
		if e.Key == key {
			return e, Present
		}
	}
	if b.pending != nil && b.pending.Key == key {
		return *b.pending, PendingPresence
	}
	return Entry{}, Absent
}

// NodesByDistances returns entries from the given log2-distances, in
// the order the distances were listed, up to limit total.
func (t *Table) NodesByDistances(distances []int, limit int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, d := range distances {
		if d <= 0 || d > 256 {
			continue
		}
		for _, e := range t.buckets[d-1].entries {
			out = append(out, e)
			if len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// ClosestValues returns up to count entries closest to target by XOR
// distance, across the whole table.
func (t *Table) ClosestValues(target enode.ID, count int) []Entry {
	return t.ClosestValuesPredicate(target, count, nil)
}

// ClosestValuesPredicate is ClosestValues filtered by pred (nil accepts
// everything).
func (t *Table) ClosestValuesPredicate(target enode.ID, count int, pred func(Entry) bool) []Entry {
	t.mu.RLock()
	var all []Entry
	for _, b := range t.buckets {
		all = append(all, b.entries...)
	}
	t.mu.RUnlock()

	if pred != nil {
		filtered := all[:0]
		for _, e := range all {
			if pred(e) {
				filtered = append(filtered, e)
			}
		}
		all = filtered
	}

	// Simple insertion sort by distance: table sizes per bucket are
	// small (≤K), and callers ask for small counts, so O(n^2) here is
	// cheaper in practice than pulling in a sort import per query.
	for i := 1; i < len(all); i++ {
		j := i
		for j > 0 && enode.DistCmp(target, all[j].Key, all[j-1].Key) < 0 {
			all[j], all[j-1] = all[j-1], all[j]
			j--
		}
	}
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// BucketLen returns the number of entries in bucket idx.
func (t *Table) BucketLen(idx int) int {
	if idx < 0 || idx >= 256 {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets[idx].entries)
}

// ValueForNode builds a kbucket Value from a node's current record.
func ValueForNode(n *enode.Node) Value {
	return Value{Record: n, Subnet: subnetOf(n), IsNAT: n.IsNAT()}
}
