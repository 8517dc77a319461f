package handler

import (
	"net"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/emhane/discv5/enode"
	"github.com/emhane/discv5/enr"
	"github.com/emhane/discv5/internal/identity"
	"github.com/emhane/discv5/session"
	"github.com/emhane/discv5/v5wire"
)

var (
	// ErrInvalidRemotePacket is the failure a RequestCall gets when the
	// peer sends a second WHOAREYOU after we already answered the first.
	ErrInvalidRemotePacket = errors.New("handler: peer sent a second whoareyou for the same request")
	errNoContactPubkey     = errors.New("handler: contact has neither a record nor a raw public key")
	errNoHandshakeRecord   = errors.New("handler: handshake carries no enr and none was already known")
	// ErrOversizedEnrSet is the failure a RequestCall gets when a
	// distance-0 FINDNODE (which only ever has one legitimate answer,
	// the peer's own ENR) comes back with more than one (spec §7).
	ErrOversizedEnrSet = errors.New("handler: peer returned more than one enr for a distance-0 query")
)

// MaxNodesFrames bounds how many NODES frames a single FINDNODE response
// is allowed to span, regardless of what Total claims (spec §4.2): up to
// max_nodes_response/3 + 1 frames, max_nodes_response pinned at K.
const MaxNodesFrames = 16/3 + 1

// handleWhoAreYou answers a WHOAREYOU that references one of our
// outstanding RequestCalls: derive session keys, sign the id-nonce, and
// resend the original request body wrapped in a Handshake packet.
func (h *Handler) handleWhoAreYou(from *net.UDPAddr, pkt *v5wire.DecodedPacket) {
	addr, call, ok := h.active.FindByNonce(from.IP.String(), from.Port, pkt.Raw.Header.Nonce)
	if !ok {
		h.log.Debug("dropping unsolicited whoareyou", "from", from)
		return
	}
	if call.HandshakeSent {
		h.active.Remove(addr)
		h.sess.Remove(addr)
		h.filt.Resolve(addr)
		h.emit(RequestFailed{ReqID: call.ReqID, Addr: addr, Err: ErrInvalidRemotePacket})
		return
	}

	remoteStatic, err := contactPubkey(call.Contact)
	if err != nil {
		h.active.Remove(addr)
		h.filt.Resolve(addr)
		h.emit(RequestFailed{ReqID: call.ReqID, Addr: addr, Err: err})
		return
	}

	ephPriv, err := identity.GenerateKey()
	if err != nil {
		h.emit(RequestFailed{ReqID: call.ReqID, Addr: addr, Err: err})
		return
	}
	ephPub := ephPriv.CompressedPubkey()

	secret, err := ephPriv.ECDH(remoteStatic)
	if err != nil {
		h.emit(RequestFailed{ReqID: call.ReqID, Addr: addr, Err: err})
		return
	}
	// Both handshake sides key the HKDF salt as (initiator-ephemeral,
	// recipient-static) regardless of which side is computing; only
	// forInitiator differs. We are the initiator here.
	keys := session.DeriveKeys(secret, pkt.WhoAreYou.IDNonce[:], ephPub, remoteStatic, true)
	sess := &session.Session{Keys: keys}
	h.sess.Put(addr, sess)

	sigHash := identity.Keccak256(v5wire.IDSignatureInput(pkt.WhoAreYou.IDNonce, ephPub))
	sig, err := h.local.PrivateKey().Sign(sigHash)
	if err != nil {
		h.emit(RequestFailed{ReqID: call.ReqID, Addr: addr, Err: err})
		return
	}

	var record []byte
	if pkt.WhoAreYou.ENRSeq < h.local.Seq() {
		record = recordENR(h.local.Node().Record)
	}

	plaintext, err := v5wire.EncodeMessageBody(call.Body)
	if err != nil {
		h.emit(RequestFailed{ReqID: call.ReqID, Addr: addr, Err: err})
		return
	}
	nonceBytes, err := identity.RandomNonce(12)
	if err != nil {
		h.emit(RequestFailed{ReqID: call.ReqID, Addr: addr, Err: err})
		return
	}
	var nonce [12]byte
	copy(nonce[:], nonceBytes)
	destID := [32]byte(addr.ID)
	srcID := [32]byte(h.local.ID())
	hsData := v5wire.HandshakeData{SrcID: srcID, Signature: sig, EphemeralPubkey: ephPub, Record: record}
	packet, err := v5wire.EncodeHandshake(destID, nonce, hsData, keys.WriteKey, plaintext)
	if err != nil {
		h.emit(RequestFailed{ReqID: call.ReqID, Addr: addr, Err: err})
		return
	}
	if _, err := h.conn.WriteTo(packet, call.Contact.UDPAddr()); err != nil {
		h.emit(RequestFailed{ReqID: call.ReqID, Addr: addr, Err: err})
		return
	}

	call.HandshakeSent = true
	call.Packet = packet
	call.nonce = nonce
	call.Deadline = time.Now().Add(h.cfg.RequestTimeout)

	if call.Contact.Record != nil {
		h.emit(Established{Node: enode.New(call.Contact.Record), Addr: addr, Direction: Outgoing})
		return
	}
	// Peer's ENR is still unknown: fetch it with a synthesized
	// distance-0 FINDNODE once this call resolves.
	reqID, err := identity.RandomNonce(8)
	if err != nil {
		return
	}
	sess.AwaitingENR = reqID
	h.sendRequest(call.Contact, reqID, v5wire.FindNode{ReqID: reqID, Distances: []uint16{0}}, internal)
}

// handleHandshake completes a Handshake we challenged with WHOAREYOU:
// verify the id-nonce signature under the peer's claimed ENR, derive
// session keys, and decrypt the bundled message.
func (h *Handler) handleHandshake(from *net.UDPAddr, pkt *v5wire.DecodedPacket) {
	addr := enode.AddrFrom(from, enode.ID(pkt.SrcID))
	ch, ok := h.chal.take(addr)
	if !ok {
		h.log.Debug("dropping handshake with no matching challenge", "from", from)
		return
	}

	record, err := resolveHandshakeRecord(pkt.Handshake.Record, ch.RemoteENR)
	if err != nil {
		h.log.Debug("dropping handshake with unresolvable enr", "from", from, "err", err)
		return
	}
	sigHash := identity.Keccak256(v5wire.IDSignatureInput(ch.IDNonce, pkt.Handshake.EphemeralPubkey))
	pub := record.Get(enr.KeySecp256k1)
	ok, err = identity.VerifySignature(pub, sigHash, pkt.Handshake.Signature)
	if err != nil || !ok {
		// Peer may retry with a corrected signature before the
		// challenge's own timeout elapses.
		h.chal.insert(addr, ch)
		return
	}

	secret, err := h.local.PrivateKey().ECDH(pkt.Handshake.EphemeralPubkey)
	if err != nil {
		return
	}
	keys := session.DeriveKeys(secret, ch.IDNonce[:], pkt.Handshake.EphemeralPubkey, h.local.PrivateKey().CompressedPubkey(), false)

	socketMatches := recordSocketMatches(record, from)
	sess := &session.Session{Keys: keys}

	plaintext, derr := v5wire.DecryptMessage(keys.ReadKey, pkt.Raw.Header.Nonce[:], pkt.Raw.Ciphertext, pkt.Raw.HeaderBytes)

	if !socketMatches {
		// Signature checked out but the claimed ENR's socket doesn't
		// match where the packet actually came from: don't persist the
		// session, but still answer an embedded Ping once so the peer
		// learns its real external address. The mismatch itself is the
		// "mismatched source on WHOAREYOU" misbehavior spec §7 bans.
		if derr == nil {
			if msg, merr := v5wire.DecodeMessageBody(plaintext); merr == nil {
				if ping, isPing := msg.(v5wire.Ping); isPing {
					h.replyPingOneTime(addr, from, sess, ping)
				}
			}
		}
		h.filt.Ban(addr, h.filt.BanDuration())
		h.emit(PeerBanned{Addr: addr, Reason: "handshake record socket mismatch"})
		return
	}

	h.sess.Put(addr, sess)
	h.emit(Established{Node: enode.New(record), Addr: addr, Direction: Incoming})
	if derr == nil {
		if msg, merr := v5wire.DecodeMessageBody(plaintext); merr == nil {
			h.dispatchInboundMessage(addr, msg)
		}
	}
	h.drainPending(addr)
}

// replyPingOneTime answers an embedded Ping under a session that will
// not be retained, purely so the sender learns the socket we observed it
// from (the discv5 NAT-discovery trick this one-time path exists for).
func (h *Handler) replyPingOneTime(addr enode.Addr, from *net.UDPAddr, sess *session.Session, ping v5wire.Ping) {
	plaintext, err := v5wire.EncodeMessageBody(v5wire.Pong{
		ReqID:  ping.ReqID,
		ENRSeq: h.local.Seq(),
		ToIP:   from.IP,
		ToPort: uint16(from.Port),
	})
	if err != nil {
		return
	}
	nonce := sess.NextNonce()
	destID := [32]byte(addr.ID)
	srcID := [32]byte(h.local.ID())
	packet, err := v5wire.EncodeMessage(destID, srcID, nonce, sess.Keys.WriteKey, plaintext)
	if err != nil {
		return
	}
	h.conn.WriteTo(packet, from)
}

// handleMessage decrypts an ordinary Message packet under the session
// for its sender, or — lacking one — asks the application layer whether
// to challenge the sender with WHOAREYOU.
func (h *Handler) handleMessage(from *net.UDPAddr, pkt *v5wire.DecodedPacket) {
	addr := enode.AddrFrom(from, enode.ID(pkt.SrcID))
	sess, ok := h.sess.Get(addr)
	if !ok {
		h.requestChallenge(addr, pkt)
		return
	}

	plaintext, err := v5wire.DecryptMessage(sess.Keys.ReadKey, pkt.Raw.Header.Nonce[:], pkt.Raw.Ciphertext, pkt.Raw.HeaderBytes)
	if err != nil && sess.NextKeys != nil {
		if pt, nerr := v5wire.DecryptMessage(sess.NextKeys.ReadKey, pkt.Raw.Header.Nonce[:], pkt.Raw.Ciphertext, pkt.Raw.HeaderBytes); nerr == nil {
			sess.PromoteNextKeys()
			plaintext, err = pt, nil
		}
	}
	if err != nil {
		h.requestChallenge(addr, pkt)
		return
	}

	msg, err := v5wire.DecodeMessageBody(plaintext)
	if err != nil {
		h.log.Debug("dropping undecodable message", "from", addr, "err", err)
		return
	}
	h.dispatchInboundMessage(addr, msg)
}

// requestChallenge surfaces a WhoAreYouEvent unless one is already in
// flight for addr, so a flurry of undecryptable packets from the same
// peer doesn't issue a fresh WHOAREYOU for each one.
func (h *Handler) requestChallenge(addr enode.Addr, pkt *v5wire.DecodedPacket) {
	if _, ok := h.chal.get(addr); ok {
		return
	}
	h.emit(WhoAreYouEvent{Ref: WhoAreYouRef{Addr: addr, Nonce: pkt.Raw.Header.Nonce}})
}

// issueChallenge sends the actual WHOAREYOU packet for a WhoAreYouEvent
// the application layer answered, recording the challenge so the
// eventual Handshake reply can be matched back to it.
func (h *Handler) issueChallenge(ref WhoAreYouRef, record *enr.Record) {
	idNonce, err := identity.RandomNonce(16)
	if err != nil {
		return
	}
	var nonceArr [16]byte
	copy(nonceArr[:], idNonce)
	var enrSeq uint64
	if record != nil {
		enrSeq = record.Seq
	}
	destID := [32]byte(ref.Addr.ID)
	packet, err := v5wire.EncodeWhoAreYou(destID, ref.Nonce, nonceArr, enrSeq)
	if err != nil {
		return
	}
	udpAddr := Contact{Addr: ref.Addr}.UDPAddr()
	if _, err := h.conn.WriteTo(packet, udpAddr); err != nil {
		return
	}
	h.chal.insert(ref.Addr, &Challenge{IDNonce: nonceArr, ENRSeq: enrSeq, RemoteENR: record})
}

// dispatchInboundMessage routes a decrypted RPC body to either the
// ActiveRequests matcher (a Response) or straight out as a
// RequestReceived event (a Request), accumulating multi-part NODES
// frames along the way.
func (h *Handler) dispatchInboundMessage(addr enode.Addr, msg v5wire.Message) {
	if tr, ok := msg.(v5wire.TalkRequest); ok {
		switch tr.Protocol {
		case relayInitProtocol:
			h.handleRelayInit(addr, tr)
			return
		case relayMsgProtocol:
			h.handleRelayMsg(addr, tr)
			return
		}
	}

	reqID := v5wire.RequestIDOf(msg)
	if !isResponseKind(msg.Kind()) {
		h.emit(RequestReceived{From: addr, ReqID: reqID, Body: msg})
		return
	}

	call, err := h.active.Match(addr, reqID)
	if err != nil {
		h.log.Debug("dropping unmatched response", "from", addr, "err", err)
		return
	}

	if nodes, ok := msg.(v5wire.Nodes); ok {
		h.handleNodesFrame(addr, call, nodes)
		return
	}

	h.filt.Resolve(addr)
	h.emit(ResponseReceived{From: addr, ReqID: reqID, Body: msg})
	h.promoteNext(addr)
}

// handleNodesFrame forwards each NODES frame as it arrives and finalizes
// the call once MaxNodesFrames have been seen or the sender's declared
// Total is satisfied, whichever comes first (spec §4.2).
func (h *Handler) handleNodesFrame(addr enode.Addr, call *RequestCall, nodes v5wire.Nodes) {
	if call.RemainingNodes == 0 {
		frames := int(nodes.Total)
		if frames <= 0 || frames > MaxNodesFrames {
			frames = MaxNodesFrames
		}
		call.RemainingNodes = frames
	}
	call.RemainingNodes--
	call.CollectedENRs = append(call.CollectedENRs, nodes.ENRs...)

	if isDistanceZeroQuery(call.Body) && len(call.CollectedENRs) > 1 {
		h.log.Debug("banning oversized enr set for a distance-0 query", "from", addr)
		h.filt.Ban(addr, h.filt.BanDuration())
		h.filt.Resolve(addr)
		h.emit(PeerBanned{Addr: addr, Reason: "oversized enr set for distance-0 query"})
		h.emit(RequestFailed{ReqID: nodes.ReqID, Addr: addr, Err: ErrOversizedEnrSet})
		h.promoteNext(addr)
		return
	}

	h.emit(ResponseReceived{From: addr, ReqID: nodes.ReqID, Body: nodes})

	if call.RemainingNodes > 0 {
		h.active.Insert(addr, call)
		return
	}
	h.filt.Resolve(addr)
	if call.kind == internal {
		h.finishENRFetch(addr, nodes.ReqID, call.CollectedENRs)
	}
	h.promoteNext(addr)
}

// finishENRFetch completes the synthesized distance-0 FINDNODE a fresh
// handshake sent when the peer's ENR wasn't already known (spec §4.2):
// once its NODES answer arrives, the session is finally reported
// Established with that ENR attached.
func (h *Handler) finishENRFetch(addr enode.Addr, reqID []byte, collected [][]byte) {
	sess, ok := h.sess.Get(addr)
	if !ok || string(sess.AwaitingENR) != string(reqID) {
		return
	}
	sess.AwaitingENR = nil
	for _, enc := range collected {
		rec, err := enr.Decode(enc)
		if err != nil || enode.ID(rec.NodeID()) != addr.ID {
			continue
		}
		h.emit(Established{Node: enode.New(rec), Addr: addr, Direction: Outgoing})
		return
	}
}

func (h *Handler) promoteNext(addr enode.Addr) {
	p, ok := h.active.PopPending(addr)
	if !ok {
		return
	}
	h.dispatchRequest(p.Contact, p.ReqID, p.Body, p.kind)
}

func (h *Handler) drainPending(addr enode.Addr) {
	if h.active.HasActive(addr) {
		return
	}
	h.promoteNext(addr)
}

// isDistanceZeroQuery reports whether body was a FINDNODE asking only
// for the peer's own record (distances=[0]), the one case a NODES
// answer is capped at a single ENR.
func isDistanceZeroQuery(body v5wire.Message) bool {
	fn, ok := body.(v5wire.FindNode)
	return ok && len(fn.Distances) == 1 && fn.Distances[0] == 0
}

func isResponseKind(k v5wire.Kind) bool {
	switch k {
	case v5wire.KindPong, v5wire.KindNodes, v5wire.KindTalkResponse, v5wire.KindTicket, v5wire.KindRegConfirmation:
		return true
	default:
		return false
	}
}

func contactPubkey(c Contact) ([]byte, error) {
	if c.Record != nil {
		if pub := c.Record.Get(enr.KeySecp256k1); len(pub) > 0 {
			return pub, nil
		}
	}
	if len(c.PublicKey) > 0 {
		return c.PublicKey, nil
	}
	return nil, errNoContactPubkey
}

func resolveHandshakeRecord(embedded []byte, known *enr.Record) (*enr.Record, error) {
	if len(embedded) > 0 {
		return enr.Decode(embedded)
	}
	if known != nil {
		return known, nil
	}
	return nil, errNoHandshakeRecord
}

// recordSocketMatches reports whether record declares no socket (an
// unknown-ENR contact we're meeting for the first time) or one equal to
// where the packet actually arrived from.
func recordSocketMatches(record *enr.Record, from *net.UDPAddr) bool {
	ip := record.Get(enr.KeyIP)
	port := record.Get(enr.KeyUDP)
	if len(ip) == 0 && len(port) == 0 {
		return true
	}
	n := &enode.Node{Record: record}
	declared := n.UDPAddr()
	if declared == nil {
		return true
	}
	return declared.IP.Equal(from.IP) && declared.Port == from.Port
}

