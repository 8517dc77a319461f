package handler

import (
	"github.com/cockroachdb/errors"

	"github.com/emhane/discv5/enode"
	"github.com/emhane/discv5/enr"
	"github.com/emhane/discv5/internal/identity"
	"github.com/emhane/discv5/v5wire"
)

var errRelayInitTooShort = errors.New("handler: relay-init body shorter than target+nonce")

// Hole-punch control messages ride ordinary TALKREQ/TALKRESP rather than
// a dedicated packet kind (spec §4.3 describes the three roles and their
// payloads but not a wire sub-format): the Initiator's relay-init and the
// Relay's forwarded relay-msg are both TalkRequests distinguished by
// protocol string, the same trick randomPacket uses to reuse FlagMessage
// instead of inventing a fourth Flag.
const (
	relayInitProtocol = "discv5-hole-punch/relay-init"
	relayMsgProtocol  = "discv5-hole-punch/relay-msg"
)

// SetRelay records addr as a peer known to have an established session
// with target, making it eligible as a hole-punch relay the next time a
// request to target times out. Nothing in this module calls it: the
// Service does not register relays, so a hole punch is only attempted
// for targets a caller has set a relay for here.
func (h *Handler) SetRelay(target enode.ID, addr enode.Addr) {
	h.relays[target] = addr
}

// initiateHolePunch plays the Initiator role (spec §4.3 step 1): ask
// relay, a peer we already have a session with, to forward our timed-out
// nonce to target so it issues a fresh WHOAREYOU our way.
func (h *Handler) initiateHolePunch(relay, target enode.Addr, call *RequestCall) {
	body := make([]byte, 0, 32+12)
	body = append(body, target.ID[:]...)
	body = append(body, call.nonce[:]...)
	body = append(body, recordENR(h.local.Node().Record)...)

	reqID, err := identity.RandomNonce(8)
	if err != nil {
		return
	}
	h.sendRequest(Contact{Addr: relay}, reqID, v5wire.TalkRequest{
		ReqID:    reqID,
		Protocol: relayInitProtocol,
		Body:     body,
	}, internal)
}

// handleRelayInit plays the Relay role (spec §4.3 step 2): validate the
// Initiator's claimed identity, then ask the application layer (which
// holds the routing table) for the target's ENR.
func (h *Handler) handleRelayInit(from enode.Addr, tr v5wire.TalkRequest) {
	h.sendResponse(from, v5wire.TalkResponse{ReqID: tr.ReqID})

	target, nonce, initiatorENR, err := decodeRelayInit(tr.Body)
	if err != nil {
		return
	}
	if initiatorENR == nil || initiatorENR.NodeID() != from.ID {
		h.log.Debug("banning hole-punch relay-init with mismatched enr", "from", from)
		h.filt.Ban(from, h.filt.BanDuration())
		h.sess.Remove(from)
		h.emit(PeerBanned{Addr: from, Reason: "relay-init initiator enr mismatch"})
		return
	}
	h.emit(FindHolePunchEnr{Target: target, Msg: RelayMsg{InitiatorENR: initiatorENR, Nonce: nonce}})
}

// relayHolePunch completes the Relay role once the application layer has
// answered a FindHolePunchEnr: forward the Initiator's identity and
// timed-out nonce on to the target.
func (h *Handler) relayHolePunch(c HolePunchAnswer) {
	if c.Record == nil {
		return
	}
	n := &enode.Node{Record: c.Record}
	udp := n.UDPAddr()
	if udp == nil {
		return
	}
	targetAddr := enode.Addr{IP: udp.IP.String(), Port: udp.Port, ID: c.Target}

	body := make([]byte, 0, 32+len(recordENR(c.Msg.InitiatorENR)))
	body = append(body, c.Msg.Nonce[:]...)
	body = append(body, recordENR(c.Msg.InitiatorENR)...)

	reqID, err := identity.RandomNonce(8)
	if err != nil {
		return
	}
	h.sendRequest(Contact{Addr: targetAddr, Record: c.Record}, reqID, v5wire.TalkRequest{
		ReqID:    reqID,
		Protocol: relayMsgProtocol,
		Body:     body,
	}, internal)
}

// handleRelayMsg plays the Target role (spec §4.3 step 3): unless we
// already have a session or a live challenge with the Initiator, issue a
// WHOAREYOU toward it using the nonce the Relay forwarded.
func (h *Handler) handleRelayMsg(from enode.Addr, tr v5wire.TalkRequest) {
	h.sendResponse(from, v5wire.TalkResponse{ReqID: tr.ReqID})

	if len(tr.Body) < 12 {
		return
	}
	var nonce [12]byte
	copy(nonce[:], tr.Body[:12])
	initiatorENR, err := enr.Decode(tr.Body[12:])
	if err != nil {
		return
	}
	initiatorAddr := enodeAddrFromRecord(initiatorENR)

	if _, ok := h.sess.Get(initiatorAddr); ok {
		return
	}
	if _, ok := h.chal.get(initiatorAddr); ok {
		return
	}
	h.issueChallenge(WhoAreYouRef{Addr: initiatorAddr, Nonce: nonce}, initiatorENR)
}

func decodeRelayInit(body []byte) (enode.ID, [12]byte, *enr.Record, error) {
	var target enode.ID
	var nonce [12]byte
	if len(body) < 32+12 {
		return target, nonce, nil, errRelayInitTooShort
	}
	copy(target[:], body[:32])
	copy(nonce[:], body[32:44])
	rec, err := enr.Decode(body[44:])
	if err != nil {
		return target, nonce, nil, err
	}
	return target, nonce, rec, nil
}

func enodeAddrFromRecord(r *enr.Record) enode.Addr {
	n := &enode.Node{Record: r}
	udp := n.UDPAddr()
	if udp == nil {
		return enode.Addr{ID: enode.ID(r.NodeID())}
	}
	return enode.Addr{IP: udp.IP.String(), Port: udp.Port, ID: enode.ID(r.NodeID())}
}
