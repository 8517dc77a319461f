package handler

import (
	"net"
	"time"

	"github.com/emhane/discv5/enode"
	"github.com/emhane/discv5/enr"
	"github.com/emhane/discv5/filter"
	"github.com/emhane/discv5/log"
	"github.com/emhane/discv5/session"
	"github.com/emhane/discv5/v5wire"
)

// PacketSender is the narrow slice of net.PacketConn the Handler needs,
// letting tests substitute a stub instead of binding a real socket.
type PacketSender interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Config controls retry/timeout behavior and the handler's advertised
// listen sockets (used to reject SelfRequest).
type Config struct {
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	MaxRetries       int
	ListenAddrs      []enode.Addr
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

// Handler drives the 3-packet handshake, encrypts/decrypts messages,
// tracks in-flight requests, and coordinates NAT hole-punching (C4).
type Handler struct {
	cfg   Config
	local *enode.LocalNode
	sess  *session.Sessions
	filt  *filter.Filter
	conn  PacketSender
	log   *log.Logger

	active *ActiveRequests
	chal   *challenges

	relays map[enode.ID]enode.Addr // cached hole-punch relays per target, set through SetRelay

	Commands chan Command
	Events   chan Event
	closeCh  chan struct{}
}

// New builds a Handler. conn is the already-bound UDP socket (or a
// stub satisfying PacketSender in tests); sess and filt are shared with
// the rest of the node.
func New(local *enode.LocalNode, sess *session.Sessions, filt *filter.Filter, conn PacketSender, cfg Config, logger *log.Logger) *Handler {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.Nop()
	}
	return &Handler{
		cfg:      cfg,
		local:    local,
		sess:     sess,
		filt:     filt,
		conn:     conn,
		log:      logger,
		active:   NewActiveRequests(),
		chal:     newChallenges(cfg.HandshakeTimeout),
		relays:   make(map[enode.ID]enode.Addr),
		Commands: make(chan Command, 64),
		Events:   make(chan Event, 64),
		closeCh:  make(chan struct{}),
	}
}

// Close shuts down the Handler's background loop.
func (h *Handler) Close() { close(h.closeCh) }

// Run is the Handler's single cooperative task (spec §5): it services
// commands from the application layer, sweeps expired requests and
// challenges on a timer, and returns once Close is called. Inbound
// packets arrive via HandlePacket, called from the socket's own read
// loop (owned by the caller, per the teacher's readLoop convention).
func (h *Handler) Run() {
	ticker := time.NewTicker(h.cfg.RequestTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-h.closeCh:
			return
		case cmd := <-h.Commands:
			h.handleCommand(cmd)
		case <-ticker.C:
			h.sweepExpired()
		}
	}
}

func (h *Handler) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case SendRequest:
		h.sendRequest(c.Contact, c.ReqID, c.Body, external)
	case SendResponse:
		h.sendResponse(c.Addr, c.Body)
	case WhoAreYouAnswer:
		h.issueChallenge(c.Ref, c.Record)
	case HolePunchAnswer:
		h.relayHolePunch(c)
	}
}

func (h *Handler) emit(ev Event) {
	select {
	case h.Events <- ev:
	case <-h.closeCh:
	}
}

// HandlePacket processes one inbound UDP datagram. Called from the
// caller's socket read loop, after the Packet Filter (C1) has already
// admitted it.
func (h *Handler) HandlePacket(from *net.UDPAddr, data []byte) {
	destID := [32]byte(h.local.ID())
	pkt, err := v5wire.Decode(destID, data)
	if err != nil {
		h.log.Debug("dropping malformed packet", "from", from, "err", err)
		return
	}
	switch pkt.Raw.Header.Flag {
	case v5wire.FlagWhoAreYou:
		h.handleWhoAreYou(from, pkt)
	case v5wire.FlagHandshake:
		h.handleHandshake(from, pkt)
	case v5wire.FlagMessage:
		h.handleMessage(from, pkt)
	}
}

// isSelfRequest reports whether addr names one of our own listen
// sockets (send_request step 1).
func (h *Handler) isSelfRequest(addr enode.Addr) bool {
	for _, l := range h.cfg.ListenAddrs {
		if l == addr {
			return true
		}
	}
	return false
}

func recordENR(rec *enr.Record) []byte {
	if rec == nil {
		return nil
	}
	enc, err := enr.Encode(rec)
	if err != nil {
		return nil
	}
	return enc
}
