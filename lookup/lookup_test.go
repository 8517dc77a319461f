package lookup

import (
	"context"
	"testing"
	"time"

	"github.com/emhane/discv5/enode"
)

func nodeWithID(b byte) *enode.Node {
	var id enode.ID
	id[31] = b
	return &enode.Node{ID: id}
}

func TestRunTerminatesWhenAllSettled(t *testing.T) {
	target := nodeWithID(0).ID
	seeds := []*enode.Node{nodeWithID(1), nodeWithID(2), nodeWithID(3)}

	queried := map[enode.ID]bool{}
	queryFn := func(_ context.Context, n *enode.Node, _ []int) ([]*enode.Node, error) {
		queried[n.ID] = true
		return nil, nil // no new candidates: the query should settle and stop
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res := Run(ctx, target, seeds, queryFn, Config{Alpha: 2, ResultSize: 16})
	if res.Queried != len(seeds) {
		t.Fatalf("queried %d peers, want %d", res.Queried, len(seeds))
	}
	for _, s := range seeds {
		if !queried[s.ID] {
			t.Fatalf("seed %v was never queried", s.ID)
		}
	}
}

func TestRunStopsAtNumResults(t *testing.T) {
	target := nodeWithID(0).ID
	seeds := []*enode.Node{nodeWithID(1)}

	// Every query returns a fresh, closer node so the set keeps growing;
	// NumResults should cut the query short before it runs dry.
	next := byte(2)
	queryFn := func(_ context.Context, n *enode.Node, _ []int) ([]*enode.Node, error) {
		found := []*enode.Node{nodeWithID(next)}
		next++
		return found, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res := Run(ctx, target, seeds, queryFn, Config{Alpha: 1, ResultSize: 16, NumResults: 3})
	if len(res.Closest) < 3 {
		t.Fatalf("got %d results, want at least 3", len(res.Closest))
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	target := nodeWithID(0).ID
	seeds := []*enode.Node{nodeWithID(1)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already done

	next := byte(2)
	queryFn := func(_ context.Context, n *enode.Node, _ []int) ([]*enode.Node, error) {
		found := []*enode.Node{nodeWithID(next)}
		next++
		return found, nil
	}

	res := Run(ctx, target, seeds, queryFn, Config{Alpha: 1, ResultSize: 16})
	if res.Queried != 0 {
		t.Fatalf("expected no queries after cancellation, got %d", res.Queried)
	}
}
