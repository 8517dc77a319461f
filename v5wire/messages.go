package v5wire

import (
	"net"

	"github.com/cockroachdb/errors"

	"github.com/emhane/discv5/rlp"
)

// Kind is the discv5 RPC message-type byte, the teacher's MsgPing-style
// tag prefixing the RLP body.
type Kind byte

const (
	KindPing            Kind = 0x01
	KindPong            Kind = 0x02
	KindFindNode        Kind = 0x03
	KindNodes           Kind = 0x04
	KindTalkRequest     Kind = 0x05
	KindTalkResponse    Kind = 0x06
	KindRegisterTopic   Kind = 0x07
	KindTicket          Kind = 0x08
	KindRegConfirmation Kind = 0x09
	KindTopicQuery      Kind = 0x0a
)

// MaxRequestIDSize bounds request-id byte strings (spec: opaque, ≤ 8 bytes).
const MaxRequestIDSize = 8

// MaxDistances bounds FINDNODE's requested distance set.
const MaxDistances = 5

var ErrRequestIDTooLong = errors.New("v5wire: request id exceeds 8 bytes")

// Message is an RPC body that can identify its own wire Kind.
type Message interface {
	Kind() Kind
}

type Ping struct {
	ReqID  []byte
	ENRSeq uint64
}

func (Ping) Kind() Kind { return KindPing }

type Pong struct {
	ReqID  []byte
	ENRSeq uint64
	ToIP   net.IP
	ToPort uint16
}

func (Pong) Kind() Kind { return KindPong }

type FindNode struct {
	ReqID     []byte
	Distances []uint16
}

func (FindNode) Kind() Kind { return KindFindNode }

type Nodes struct {
	ReqID []byte
	Total uint8
	ENRs  [][]byte // RLP-encoded ENR records
}

func (Nodes) Kind() Kind { return KindNodes }

type TalkRequest struct {
	ReqID    []byte
	Protocol string
	Body     []byte
}

func (TalkRequest) Kind() Kind { return KindTalkRequest }

type TalkResponse struct {
	ReqID []byte
	Body  []byte
}

func (TalkResponse) Kind() Kind { return KindTalkResponse }

type RegisterTopic struct {
	ReqID  []byte
	Topic  string
	ENR    []byte // RLP-encoded ENR
	Ticket []byte // opaque, empty on first attempt
}

func (RegisterTopic) Kind() Kind { return KindRegisterTopic }

type Ticket struct {
	ReqID           []byte
	Ticket          []byte // opaque AEAD-sealed ticket blob
	WaitTimeSeconds uint32
	Topic           string
}

func (Ticket) Kind() Kind { return KindTicket }

type RegConfirmation struct {
	ReqID []byte
	Topic string
}

func (RegConfirmation) Kind() Kind { return KindRegConfirmation }

type TopicQuery struct {
	ReqID []byte
	Topic string
}

func (TopicQuery) Kind() Kind { return KindTopicQuery }

// EncodeMessageBody RLP-encodes msg and prefixes it with its kind byte,
// the plaintext later AEAD-sealed by EncodeMessage/EncodeHandshake.
func EncodeMessageBody(msg Message) ([]byte, error) {
	if id := requestID(msg); len(id) > MaxRequestIDSize {
		return nil, ErrRequestIDTooLong
	}
	body, err := rlp.EncodeToBytes(msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(msg.Kind()))
	out = append(out, body...)
	return out, nil
}

// DecodeMessageBody parses a kind byte plus RLP body back into a Message.
func DecodeMessageBody(data []byte) (Message, error) {
	if len(data) < 1 {
		return nil, errors.New("v5wire: empty message body")
	}
	kind := Kind(data[0])
	body := data[1:]
	var msg Message
	switch kind {
	case KindPing:
		var m Ping
		msg = &m
	case KindPong:
		var m Pong
		msg = &m
	case KindFindNode:
		var m FindNode
		msg = &m
	case KindNodes:
		var m Nodes
		msg = &m
	case KindTalkRequest:
		var m TalkRequest
		msg = &m
	case KindTalkResponse:
		var m TalkResponse
		msg = &m
	case KindRegisterTopic:
		var m RegisterTopic
		msg = &m
	case KindTicket:
		var m Ticket
		msg = &m
	case KindRegConfirmation:
		var m RegConfirmation
		msg = &m
	case KindTopicQuery:
		var m TopicQuery
		msg = &m
	default:
		return nil, errors.Newf("v5wire: unknown message kind 0x%02x", kind)
	}
	if err := rlp.DecodeBytes(body, msg); err != nil {
		return nil, err
	}
	return derefMessage(msg), nil
}

// RequestIDOf extracts the request id carried by any RPC message,
// request or response alike, for response-matching in the handler.
func RequestIDOf(msg Message) []byte { return requestID(msg) }

func requestID(msg Message) []byte {
	switch m := msg.(type) {
	case *Ping:
		return m.ReqID
	case Ping:
		return m.ReqID
	case *Pong:
		return m.ReqID
	case Pong:
		return m.ReqID
	case *FindNode:
		return m.ReqID
	case FindNode:
		return m.ReqID
	case *Nodes:
		return m.ReqID
	case Nodes:
		return m.ReqID
	case *TalkRequest:
		return m.ReqID
	case TalkRequest:
		return m.ReqID
	case *TalkResponse:
		return m.ReqID
	case TalkResponse:
		return m.ReqID
	case *RegisterTopic:
		return m.ReqID
	case RegisterTopic:
		return m.ReqID
	case *Ticket:
		return m.ReqID
	case Ticket:
		return m.ReqID
	case *RegConfirmation:
		return m.ReqID
	case RegConfirmation:
		return m.ReqID
	case *TopicQuery:
		return m.ReqID
	case TopicQuery:
		return m.ReqID
	default:
		return nil
	}
}

// derefMessage returns the pointed-to value so callers get the same
// value shape (Message, not *Message) regardless of decode path.
func derefMessage(msg Message) Message {
	switch m := msg.(type) {
	case *Ping:
		return *m
	case *Pong:
		return *m
	case *FindNode:
		return *m
	case *Nodes:
		return *m
	case *TalkRequest:
		return *m
	case *TalkResponse:
		return *m
	case *RegisterTopic:
		return *m
	case *Ticket:
		return *m
	case *RegConfirmation:
		return *m
	case *TopicQuery:
		return *m
	default:
		return msg
	}
}
