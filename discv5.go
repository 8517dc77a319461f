// Package discv5 is the Service (C8): the coordinator that owns the
// routing table, the iterative query pool, IP Vote, the topic
// advertisement engine, and the ping-liveness schedule, and that routes
// every decoded RPC between them and the Session Handler.
//
// Grounded on original_source/src/service.rs for the struct's shape
// (Service owns kbuckets/queries/ip_votes/ads/tickets/topics_kbuckets
// exactly as this type does) and on the teacher's top-level discovery
// type for the Go idiom: a single goroutine owns everything that isn't
// independently thread-safe, driven by one big select loop, with
// concurrent callers reaching in only through channels and the handful
// of types documented as safe for concurrent use (kbucket.Table,
// topic.Engine, the pending-call table here, and EnrBank).
package discv5

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emhane/discv5/ad"
	"github.com/emhane/discv5/enode"
	"github.com/emhane/discv5/enr"
	"github.com/emhane/discv5/filter"
	"github.com/emhane/discv5/handler"
	"github.com/emhane/discv5/internal/identity"
	"github.com/emhane/discv5/ipvote"
	"github.com/emhane/discv5/kbucket"
	"github.com/emhane/discv5/log"
	"github.com/emhane/discv5/session"
	"github.com/emhane/discv5/ticket"
	"github.com/emhane/discv5/topic"
	"github.com/emhane/discv5/v5wire"
)

// Defaults mirror the constants original_source/src/service.rs pins at
// module scope.
const (
	DefaultPingInterval          = 5 * time.Minute
	DefaultRegisterInterval      = topic.RegisterInterval
	DefaultAdLifetime            = 15 * time.Minute
	DefaultTicketCacheDuration   = ticket.DefaultTicketCacheDuration
	DefaultMaxAdsPerTopic        = 5
	DefaultMaxAds                = 100
	DefaultIPVoteMinThreshold    = ipvote.MinimumThreshold
	DefaultIPVoteDuration        = 30 * time.Minute
	DefaultMaxNodesPerFindNode   = kbucket.K
)

// Config controls the Service's tunables. Zero values take the defaults
// above.
type Config struct {
	PingInterval        time.Duration
	RequestTimeout      time.Duration
	HandshakeTimeout    time.Duration
	AdLifetime          time.Duration
	TicketCacheDuration time.Duration
	IPVoteThreshold     int
	IPVoteDuration      time.Duration
	IncludeSymmetricNAT bool
	FilterRate          float64
	FilterBurst         float64
	Logger              *log.Logger
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.AdLifetime <= 0 {
		c.AdLifetime = DefaultAdLifetime
	}
	if c.TicketCacheDuration <= 0 {
		c.TicketCacheDuration = DefaultTicketCacheDuration
	}
	if c.IPVoteThreshold <= 0 {
		c.IPVoteThreshold = DefaultIPVoteMinThreshold
	}
	if c.IPVoteDuration <= 0 {
		c.IPVoteDuration = DefaultIPVoteDuration
	}
	if c.FilterRate <= 0 {
		c.FilterRate = filter.DefaultRate
	}
	if c.FilterBurst <= 0 {
		c.FilterBurst = filter.DefaultBurst
	}
	if c.Logger == nil {
		c.Logger = log.Nop()
	}
}

// call is an in-flight request awaiting its response, including partial
// progress on a multi-frame NODES answer.
type call struct {
	respCh      chan callResult
	nodesTotal  int
	nodesSeen   int
	enrs        [][]byte
}

type callResult struct {
	body v5wire.Message
	err  error
}

// Service is the discv5 coordinator (C8).
type Service struct {
	cfg   Config
	local *enode.LocalNode
	key   *identity.PrivateKey
	log   *log.Logger

	table  *kbucket.Table
	topics *topic.Engine
	enrs   *EnrBank

	ads           *ad.Table
	ticketSealer  *ticket.Sealer
	ticketInbound *ticket.Inbound
	ticketPool    *ticket.Pool
	// hostTopicNames recovers a topic's human-readable name from its
	// hash for the REGCONFIRMATION we send a ticket pool's winner: the
	// ad table and ticket pool only ever see the hash, but the wire
	// message carries the string.
	hostTopicNames sync.Map

	ipv4 *ipvote.Vote
	ipv6 *ipvote.Vote

	h    *handler.Handler
	conn *net.UDPConn
	filt *filter.Filter

	reqCounter uint64
	pendingMu  sync.Mutex
	pending    map[string]*call

	pingMu      sync.Mutex
	peersToPing map[enode.ID]time.Time

	// Events is the host's event stream (spec §6 `event_stream()`),
	// unicast like the original: one consumer drains it.
	Events chan Event

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New builds a Service bound to conn, with identity key deriving the
// local ENR. The caller must call Start to begin processing.
func New(key *identity.PrivateKey, conn *net.UDPConn, listenAddrs []enode.Addr, cfg Config) (*Service, error) {
	cfg.applyDefaults()
	local, err := enode.NewLocal(key)
	if err != nil {
		return nil, err
	}
	sess, err := session.NewSessions(256)
	if err != nil {
		return nil, err
	}
	filt := filter.New(cfg.FilterRate, cfg.FilterBurst, 10*time.Minute)
	adTable, err := ad.New(cfg.AdLifetime, DefaultMaxAdsPerTopic, DefaultMaxAds)
	if err != nil {
		return nil, err
	}
	ticketKey := make([]byte, v5wire.KeySize)
	if _, err := copyRandom(ticketKey); err != nil {
		return nil, err
	}
	sealer, err := ticket.NewSealer(ticketKey)
	if err != nil {
		return nil, err
	}

	hcfg := handler.Config{
		RequestTimeout:   cfg.RequestTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ListenAddrs:      listenAddrs,
	}
	h := handler.New(local, sess, filt, conn, hcfg, cfg.Logger)

	s := &Service{
		cfg:           cfg,
		local:         local,
		key:           key,
		log:           cfg.Logger,
		table:         kbucket.New(local.ID()),
		topics:        topic.NewEngine(),
		enrs:          NewEnrBank(),
		ads:           adTable,
		ticketSealer:  sealer,
		ticketInbound: ticket.NewInbound(cfg.TicketCacheDuration),
		ticketPool:    ticket.NewPool(),
		ipv4:          ipvote.New(cfg.IPVoteThreshold, cfg.IPVoteDuration, cfg.IncludeSymmetricNAT),
		ipv6:          ipvote.New(cfg.IPVoteThreshold, cfg.IPVoteDuration, cfg.IncludeSymmetricNAT),
		h:             h,
		conn:          conn,
		filt:          filt,
		pending:       make(map[string]*call),
		peersToPing:   make(map[enode.ID]time.Time),
		Events:        make(chan Event, 256),
		closeCh:       make(chan struct{}),
	}
	return s, nil
}

// copyRandom fills buf with cryptographically random bytes via the
// identity package's nonce helper, since this package otherwise has no
// business importing crypto/rand directly for a one-off key.
func copyRandom(buf []byte) (int, error) {
	b, err := identity.RandomNonce(len(buf))
	if err != nil {
		return 0, err
	}
	copy(buf, b)
	return len(b), nil
}

// LocalNode exposes the local identity, e.g. so callers can persist its
// ENR across restarts (spec §6: "Local ENR is loaded from and rewritten
// to a caller-supplied source" by the host, not this package).
func (s *Service) LocalNode() *enode.LocalNode { return s.local }

// Table exposes the main routing table, e.g. for host-side inspection.
func (s *Service) Table() *kbucket.Table { return s.table }

// AddEnr manually inserts a trusted ENR into the main routing table
// without requiring a live session (spec §6 note: only established
// sessions get added automatically; manual additions use this entry
// point).
func (s *Service) AddEnr(n *enode.Node) {
	s.connectionUpdated(n, kbucket.Status{State: kbucket.Disconnected, Direction: kbucket.Outgoing})
}

// Start spawns the Handler's and the Service's own background loops,
// and begins reading inbound packets off conn.
func (s *Service) Start() {
	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.h.Run() }()
	go func() { defer s.wg.Done(); s.readLoop() }()
	go func() { defer s.wg.Done(); s.run() }()
}

// Close shuts the Service and its Handler down.
func (s *Service) Close() {
	close(s.closeCh)
	s.h.Close()
	s.conn.Close()
	s.wg.Wait()
}

// readLoop is the socket's own read task (spec §5): it applies the
// Packet Filter (C1) ahead of the Handler's AEAD decode, since a
// dropped packet should never cost a decrypt attempt.
func (s *Service) readLoop() {
	destID := [32]byte(s.local.ID())
	buf := make([]byte, v5wire.MaxPacketSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)

		raw, err := v5wire.DecodeRawPacket(destID, data)
		if err != nil {
			continue // let the Handler's own decode produce the debug log
		}
		addr := enode.AddrFrom(from, srcIDFromAuthdata(raw))
		isInitialRandom := raw.Header.Flag == v5wire.FlagMessage && !s.hasCredit(addr)
		isUnsolicitedWhoAreYou := raw.Header.Flag == v5wire.FlagWhoAreYou
		// A Handshake answers a WHOAREYOU this node sent, which holds no
		// expected-response credit; the Handler drops any Handshake that
		// has no matching outstanding challenge.
		isHandshake := raw.Header.Flag == v5wire.FlagHandshake
		if !s.filt.Admit(addr, isInitialRandom || isHandshake, isUnsolicitedWhoAreYou) {
			continue
		}
		s.h.HandlePacket(from, data)
	}
}

// srcIDFromAuthdata recovers the sender's claimed NodeId from the
// plaintext authdata Message and Handshake packets both carry up
// front; a WHOAREYOU carries none, since the whole point is the
// responder doesn't yet know who it's challenging.
func srcIDFromAuthdata(raw *v5wire.RawPacket) enode.ID {
	if raw.Header.Flag == v5wire.FlagWhoAreYou || len(raw.Authdata) < 32 {
		return enode.ID{}
	}
	var id enode.ID
	copy(id[:], raw.Authdata[:32])
	return id
}

func (s *Service) hasCredit(addr enode.Addr) bool {
	return s.filt.HasExpectedResponse(addr)
}

func (s *Service) nextReqID() []byte {
	v := atomic.AddUint64(&s.reqCounter, 1)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func reqKey(id []byte) string { return string(id) }

// run is the Service's single cooperative task (spec §5): it processes
// Handler events, sweeps due tickets/registrations, and pings connected
// peers on their schedule.
func (s *Service) run() {
	pingTicker := time.NewTicker(s.cfg.PingInterval / 4)
	defer pingTicker.Stop()
	regTicker := time.NewTicker(topic.RegisterInterval)
	defer regTicker.Stop()
	ticketTicker := time.NewTicker(time.Second)
	defer ticketTicker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case ev := <-s.h.Events:
			s.handleHandlerEvent(ev)
		case now := <-pingTicker.C:
			s.pingDuePeers(now)
		case <-regTicker.C:
			s.tickRegistrations()
		case <-ticketTicker.C:
			s.tickTickets()
		}
	}
}

func (s *Service) handleHandlerEvent(ev handler.Event) {
	switch e := ev.(type) {
	case handler.Established:
		dir := kbucket.Outgoing
		if e.Direction == handler.Incoming {
			dir = kbucket.Incoming
		}
		s.connectionUpdated(e.Node, kbucket.Status{State: kbucket.Connected, Direction: dir})
		s.emit(SessionEstablished{Node: e.Node, Addr: e.Addr})
	case handler.WhoAreYouEvent:
		known := s.enrs.Find(e.Ref.Addr.ID)
		s.h.Commands <- handler.WhoAreYouAnswer{Ref: e.Ref, Record: recordOf(known)}
	case handler.RequestReceived:
		s.handleRPCRequest(e.From, e.ReqID, e.Body)
	case handler.ResponseReceived:
		s.handleRPCResponse(e.From, e.ReqID, e.Body)
	case handler.RequestFailed:
		s.failPending(e.ReqID, e.Err)
	case handler.FindHolePunchEnr:
		known := s.enrs.Find(e.Target)
		s.h.Commands <- handler.HolePunchAnswer{Target: e.Target, Record: recordOf(known), Msg: e.Msg}
	case handler.PeerBanned:
		s.emit(PeerBanned{Addr: e.Addr, Reason: e.Reason})
	}
}

func recordOf(n *enode.Node) *enr.Record {
	if n == nil {
		return nil
	}
	return n.Record
}

func (s *Service) emit(ev Event) {
	select {
	case s.Events <- ev:
	case <-s.closeCh:
	}
}
