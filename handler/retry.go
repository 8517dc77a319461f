package handler

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/emhane/discv5/enode"
)

// ErrRequestTimeout is the terminal failure a RequestCall gets once it
// has exhausted its retries (and, if one was available, its hole-punch
// attempt) without a response.
var ErrRequestTimeout = errors.New("handler: request timed out")

// sweepExpired is the Run loop's periodic housekeeping tick: resend
// calls that still have retries left, fall back to a relay-assisted
// hole punch for ones that don't (if we know one), otherwise fail them;
// and drop WHOAREYOU challenges nobody answered in time.
func (h *Handler) sweepExpired() {
	now := time.Now()
	for _, e := range h.active.Expired(now) {
		h.retryOrFail(e, now)
	}
	h.chal.sweepExpired(now)
}

func (h *Handler) retryOrFail(e Expiry, now time.Time) {
	if e.Call.Retries < h.cfg.MaxRetries {
		e.Call.Retries++
		e.Call.Deadline = now.Add(h.cfg.RequestTimeout)
		if _, err := h.conn.WriteTo(e.Call.Packet, e.Call.Contact.UDPAddr()); err != nil {
			h.failCall(e.Addr, err)
		}
		return
	}

	if relay, ok := h.relays[e.Addr.ID]; ok && !e.Call.HolePunchAttempted {
		e.Call.HolePunchAttempted = true
		e.Call.Retries = 0
		e.Call.Deadline = now.Add(h.cfg.RequestTimeout)
		h.active.Insert(e.Addr, e.Call)
		h.initiateHolePunch(relay, e.Addr, e.Call)
		return
	}

	h.failCall(e.Addr, ErrRequestTimeout)
}

// failCall removes addr's call, releases its expected-response credit,
// and reports the failure to the application layer.
func (h *Handler) failCall(addr enode.Addr, err error) {
	call, ok := h.active.Remove(addr)
	if !ok {
		return
	}
	h.filt.Resolve(addr)
	h.emit(RequestFailed{ReqID: call.ReqID, Addr: addr, Err: err})
}
