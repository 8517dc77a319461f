package ticket

import (
	"time"

	"github.com/emhane/discv5/enode"
)

// ActiveTicket is a ticket we were handed by another node (as the
// response to our own REGTOPIC), paired with enough contact info to
// reissue the REGTOPIC once its wait time elapses. Raw is the opaque
// blob as the issuer sealed it: we have no key to open it ourselves, so
// it must be replayed byte-for-byte.
type ActiveTicket struct {
	Contact enode.Addr
	Ticket  Ticket
	Raw     []byte
	dueAt   time.Time
}

// Inbound holds tickets received from peers we're trying to advertise
// through, each due for reissue at ReqTime+WaitTime, plus the rate
// limiter bounding how often we can be re-admitted to one peer's queue.
type Inbound struct {
	tickets map[ActiveTopic]*ActiveTicket
	history *History
}

// NewInbound creates an Inbound ticket store with the given rate-limit
// window.
func NewInbound(cacheDuration time.Duration) *Inbound {
	return &Inbound{tickets: make(map[ActiveTopic]*ActiveTicket), history: NewHistory(cacheDuration)}
}

// Insert records a ticket due for reissue at waitTime from now,
// rejecting it if the (peer, topic) pair has already hit its
// acceptance limit within the rate-limit window.
func (in *Inbound) Insert(contact enode.Addr, peer enode.ID, t Ticket, raw []byte, waitTime time.Duration) error {
	active := ActiveTopic{NodeID: peer, Topic: t.Topic}
	if err := in.history.Insert(active); err != nil {
		return err
	}
	in.tickets[active] = &ActiveTicket{Contact: contact, Ticket: t, Raw: raw, dueAt: time.Now().Add(waitTime)}
	return nil
}

// Due returns every ticket whose wait time has elapsed, removing them
// from the store. The caller reissues a REGTOPIC for each.
func (in *Inbound) Due() []*ActiveTicket {
	now := time.Now()
	var due []*ActiveTicket
	for k, t := range in.tickets {
		if !now.Before(t.dueAt) {
			due = append(due, t)
			delete(in.tickets, k)
		}
	}
	return due
}
