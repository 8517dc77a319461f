// Package ticket implements discv5's topic-registration admission
// control (C10, C11): the opaque AEAD-sealed Ticket a REGTOPIC carries,
// the TicketHistory rate limiter bounding how often one peer can be
// admitted to wait for a topic, the reissue clock for tickets we were
// handed by others, and the registration-window TicketPool that decides
// a winner once several REGTOPICs compete for the same topic slot.
//
// It is a close port of the original Rust advertisement/ticket.rs, with
// delay_map::HashMapDelay's poll-driven expiry replaced by an explicit
// Due query the Service calls from its own timer wheel, and the
// ticket's AEAD sealing (left as a stub in the original) implemented
// for real with stdlib AES-GCM.
package ticket

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/emhane/discv5/enode"
	"github.com/emhane/discv5/v5wire"
)

// Topic is a 32-byte topic hash.
type Topic [32]byte

// MaxAcceptancesPerWindow is the I5 cap: at most this many accepted
// tickets per (peer, topic) within TicketCacheDuration.
const MaxAcceptancesPerWindow = 3

// DefaultTicketCacheDuration is the TicketHistory sliding window.
const DefaultTicketCacheDuration = 15 * time.Minute

// RegistrationWindow is how long winners have to show up once their
// ticket's wait time elapses before the pool picks among them.
const RegistrationWindow = 10 * time.Second

// GraceWindow bounds how early or late a REGTOPIC replay may arrive
// relative to req_time+wait_time before it's treated as misbehavior (B3).
const GraceWindow = 5 * time.Second

var (
	ErrTicketLimitReached = errors.New("ticket: max acceptances reached for this (peer, topic)")
	ErrTicketExpired      = errors.New("ticket: registration window already closed")
)

// ActiveTopic identifies one peer's outstanding registration attempt
// for one topic.
type ActiveTopic struct {
	NodeID enode.ID
	Topic  Topic
}

// Ticket is the plaintext content sealed into the opaque blob handed to
// a REGTOPIC sender; decoding it (with our process key) reproduces R3.
type Ticket struct {
	SrcNodeID enode.ID
	SrcIP     net.IP
	Topic     Topic
	ReqTime   time.Time
	WaitTime  time.Duration
}

// Sealer holds the process-local AEAD parameters used to protect issued
// tickets: one key, supplied at construction, and a fixed all-zero nonce
// seal every ticket the Sealer issues, whatever its topic or peer.
type Sealer struct {
	key   []byte
	nonce [12]byte
}

// NewSealer creates a ticket sealer holding a copy of key, which must be
// v5wire.KeySize bytes long.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != v5wire.KeySize {
		return nil, errors.Newf("ticket: key must be %d bytes, got %d", v5wire.KeySize, len(key))
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// Seal AEAD-encrypts a Ticket into the opaque blob returned in a TICKET
// response.
func (s *Sealer) Seal(t Ticket) ([]byte, error) {
	pt := encodeTicket(t)
	return v5wire.EncryptMessage(s.key, s.nonce[:], pt, nil)
}

// Open reverses Seal, reproducing the original Ticket fields (R3).
func (s *Sealer) Open(blob []byte) (Ticket, error) {
	pt, err := v5wire.DecryptMessage(s.key, s.nonce[:], blob, nil)
	if err != nil {
		return Ticket{}, errors.Wrap(err, "ticket: opening sealed ticket")
	}
	return decodeTicket(pt)
}

// encodeTicket/decodeTicket use a fixed-layout binary encoding rather
// than the RLP codec: tickets never cross the wire unencrypted or get
// inspected by peers, so there's no interop requirement, and a fixed
// layout avoids reflection overhead on the hot REGTOPIC path.
func encodeTicket(t Ticket) []byte {
	ip4 := t.SrcIP.To4()
	isV4 := ip4 != nil
	ipBytes := ip4
	if !isV4 {
		ipBytes = t.SrcIP.To16()
	}
	buf := make([]byte, 0, 32+1+len(ipBytes)+32+8+8)
	buf = append(buf, t.SrcNodeID[:]...)
	if isV4 {
		buf = append(buf, 4)
	} else {
		buf = append(buf, 16)
	}
	buf = append(buf, ipBytes...)
	buf = append(buf, t.Topic[:]...)
	buf = appendUint64(buf, uint64(t.ReqTime.UnixNano()))
	buf = appendUint64(buf, uint64(t.WaitTime))
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func decodeTicket(b []byte) (Ticket, error) {
	if len(b) < 32+1 {
		return Ticket{}, errors.New("ticket: truncated ticket body")
	}
	var t Ticket
	copy(t.SrcNodeID[:], b[:32])
	pos := 32
	ipLen := int(b[pos])
	pos++
	if ipLen != 4 && ipLen != 16 || pos+ipLen+32+8+8 > len(b) {
		return Ticket{}, errors.New("ticket: malformed ticket body")
	}
	t.SrcIP = net.IP(append([]byte(nil), b[pos:pos+ipLen]...))
	pos += ipLen
	copy(t.Topic[:], b[pos:pos+32])
	pos += 32
	t.ReqTime = time.Unix(0, int64(binary.BigEndian.Uint64(b[pos:pos+8])))
	pos += 8
	t.WaitTime = time.Duration(binary.BigEndian.Uint64(b[pos : pos+8]))
	return t, nil
}
