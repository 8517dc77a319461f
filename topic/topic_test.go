package topic

import (
	"context"
	"testing"

	"github.com/emhane/discv5/enode"
	"github.com/emhane/discv5/kbucket"
)

func node(b byte) *enode.Node {
	var id enode.ID
	id[31] = b
	return &enode.Node{ID: id}
}

func TestHashTopicDeterministic(t *testing.T) {
	h1 := HashTopic("attestation")
	h2 := HashTopic("attestation")
	if h1 != h2 {
		t.Fatal("HashTopic is not deterministic")
	}
	if h1 == HashTopic("block") {
		t.Fatal("distinct topic strings hashed to the same value")
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	e := NewEngine()
	a := e.Register("x")
	b := e.Register("x")
	if a != b {
		t.Fatal("Register should return the same Topic for a repeated name")
	}
}

func TestTickCapsAttemptsPerInterval(t *testing.T) {
	e := NewEngine()
	tp := e.Register("x")
	for i := byte(1); i <= byte(MaxRegTopicsPerInterval+10); i++ {
		tp.AddUncontacted(node(i))
	}
	attempts := e.Tick()
	if len(attempts) > MaxRegTopicsPerInterval {
		t.Fatalf("got %d attempts, want at most %d", len(attempts), MaxRegTopicsPerInterval)
	}
	if len(attempts) == 0 {
		t.Fatal("expected at least one attempt with uncontacted peers available")
	}
}

func TestTickDoesNotReattemptLiveNode(t *testing.T) {
	e := NewEngine()
	tp := e.Register("x")
	tp.AddUncontacted(node(1))

	first := e.Tick()
	if len(first) != 1 {
		t.Fatalf("got %d attempts on first tick, want 1", len(first))
	}
	second := e.Tick()
	for _, a := range second {
		if a.Node.ID == first[0].Node.ID {
			t.Fatal("node with a live attempt should not be re-attempted")
		}
	}
}

func TestQueryVisitsTrackedPeer(t *testing.T) {
	tp := newTopic("x")
	near := node(1)
	tp.Observe(near, kbucket.Status{State: kbucket.Connected})

	var visited []enode.ID
	qf := func(ctx context.Context, n *enode.Node, h Hash) ([]*enode.Node, error) {
		visited = append(visited, n.ID)
		return nil, nil
	}
	Query(context.Background(), tp, qf, 1, 0)
	if len(visited) != 1 || visited[0] != near.ID {
		t.Fatalf("expected the single tracked peer to be visited, got %v", visited)
	}
}

func TestQueryStopsAtNumResults(t *testing.T) {
	tp := newTopic("x")
	for i := byte(1); i <= 5; i++ {
		tp.Observe(node(i), kbucket.Status{State: kbucket.Connected})
	}
	qf := func(ctx context.Context, n *enode.Node, h Hash) ([]*enode.Node, error) {
		return []*enode.Node{n}, nil
	}
	results := Query(context.Background(), tp, qf, 3, 2)
	if len(results) < 2 {
		t.Fatalf("got %d results, want at least numResults=2", len(results))
	}
}
