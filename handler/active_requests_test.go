package handler

import (
	"testing"
	"time"

	"github.com/emhane/discv5/enode"
	"github.com/emhane/discv5/v5wire"
)

func TestActiveRequestsEnqueueBehindInFlightCall(t *testing.T) {
	a := NewActiveRequests()
	addr := enode.Addr{IP: "127.0.0.1", Port: 9001}
	a.Insert(addr, &RequestCall{ReqID: []byte{1}})

	if !a.HasActive(addr) {
		t.Fatal("expected an active call")
	}
	a.Enqueue(addr, &PendingRequest{ReqID: []byte{2}})

	if _, ok := a.PopPending(addr); ok {
		t.Fatal("pending request should not surface while a call is still active")
	}

	call, ok := a.Remove(addr)
	if !ok || string(call.ReqID) != string([]byte{1}) {
		t.Fatalf("unexpected active call: %+v", call)
	}
	p, ok := a.PopPending(addr)
	if !ok || string(p.ReqID) != string([]byte{2}) {
		t.Fatalf("expected the queued request to surface once active slot freed, got %+v", p)
	}
}

func TestActiveRequestsMatchRejectsWrongReqID(t *testing.T) {
	a := NewActiveRequests()
	addr := enode.Addr{IP: "127.0.0.1", Port: 9002}
	a.Insert(addr, &RequestCall{ReqID: []byte{0xaa}})

	if _, err := a.Match(addr, []byte{0xbb}); err != ErrRequestIDMismatch {
		t.Fatalf("expected ErrRequestIDMismatch, got %v", err)
	}
	if !a.HasActive(addr) {
		t.Fatal("a mismatched Match must not remove the call")
	}
	if _, err := a.Match(addr, []byte{0xaa}); err != nil {
		t.Fatalf("expected the matching reqID to succeed: %v", err)
	}
	if a.HasActive(addr) {
		t.Fatal("a successful Match must remove the call")
	}
}

func TestActiveRequestsFindByNonce(t *testing.T) {
	a := NewActiveRequests()
	addr := enode.Addr{IP: "127.0.0.1", Port: 9003, ID: enode.ID{0x01}}
	var nonce [12]byte
	nonce[0] = 0x42
	a.Insert(addr, &RequestCall{ReqID: []byte{1}, nonce: nonce})

	_, _, ok := a.FindByNonce("127.0.0.1", 9003, [12]byte{0x01})
	if ok {
		t.Fatal("expected no match for the wrong nonce")
	}
	found, call, ok := a.FindByNonce("127.0.0.1", 9003, nonce)
	if !ok || found != addr || call.nonce != nonce {
		t.Fatalf("expected to find the call by its nonce, got %+v %v", call, ok)
	}
}

func TestActiveRequestsExpired(t *testing.T) {
	a := NewActiveRequests()
	addr := enode.Addr{IP: "127.0.0.1", Port: 9004}
	a.Insert(addr, &RequestCall{ReqID: []byte{1}, Deadline: time.Now().Add(-time.Second)})

	exp := a.Expired(time.Now())
	if len(exp) != 1 || exp[0].Addr != addr {
		t.Fatalf("expected one expired entry for addr, got %+v", exp)
	}

	stillFresh := NewActiveRequests()
	stillFresh.Insert(addr, &RequestCall{ReqID: []byte{1}, Deadline: time.Now().Add(time.Minute)})
	if exp := stillFresh.Expired(time.Now()); len(exp) != 0 {
		t.Fatalf("expected no expired entries, got %+v", exp)
	}
}

func TestChallengesSweepExpired(t *testing.T) {
	c := newChallenges(10 * time.Millisecond)
	addr := enode.Addr{IP: "127.0.0.1", Port: 9005}
	c.insert(addr, &Challenge{})

	if exp := c.sweepExpired(time.Now()); len(exp) != 0 {
		t.Fatalf("challenge should not be expired immediately, got %+v", exp)
	}
	if exp := c.sweepExpired(time.Now().Add(time.Second)); len(exp) != 1 || exp[0] != addr {
		t.Fatalf("expected addr's challenge to expire, got %+v", exp)
	}
	if _, ok := c.get(addr); ok {
		t.Fatal("expired challenge should have been removed")
	}
}

func TestIsResponseKindClassifiesRequestsAndResponses(t *testing.T) {
	cases := []struct {
		kind   v5wire.Kind
		isResp bool
	}{
		{v5wire.KindPing, false},
		{v5wire.KindPong, true},
		{v5wire.KindFindNode, false},
		{v5wire.KindNodes, true},
		{v5wire.KindTalkRequest, false},
		{v5wire.KindTalkResponse, true},
		{v5wire.KindRegisterTopic, false},
		{v5wire.KindTicket, true},
		{v5wire.KindRegConfirmation, true},
		{v5wire.KindTopicQuery, false},
	}
	for _, c := range cases {
		if got := isResponseKind(c.kind); got != c.isResp {
			t.Errorf("isResponseKind(%v) = %v, want %v", c.kind, got, c.isResp)
		}
	}
}
