// Package enr implements Ethereum Node Records (EIP-778): a signed,
// versioned key/value structure that binds a NodeId to the node's network
// endpoints and capability flags. Discovery v5 treats ENRs as an external
// collaborator (spec: "ENR signing/serialization... out of scope") but the
// core needs a concrete, narrow type to hold and compare them; this package
// is that adapter, built on real secp256k1 + keccak rather than placeholder
// crypto.
package enr

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/emhane/discv5/internal/identity"
	"github.com/emhane/discv5/rlp"
)

// SizeLimit is the maximum encoded size of a record (EIP-778 §Record Size).
const SizeLimit = 300

// Standard key names used by the node-discovery wire format.
const (
	KeyID        = "id"
	KeySecp256k1 = "secp256k1"
	KeyIP        = "ip"
	KeyTCP       = "tcp"
	KeyUDP       = "udp"
	KeyIP6       = "ip6"
	KeyTCP6      = "tcp6"
	KeyUDP6      = "udp6"
	KeyNAT       = "nat" // non-standard flag this implementation adds: node is behind a NAT
)

var (
	ErrInvalidSig   = errors.New("enr: invalid signature")
	ErrTooBig       = errors.New("enr: record exceeds size limit")
	ErrNotSigned    = errors.New("enr: record not signed")
	ErrNotSorted    = errors.New("enr: pairs not sorted by key")
	ErrDuplicateKey = errors.New("enr: duplicate key")
	ErrNoPubkey     = errors.New("enr: missing secp256k1 key")
)

// Pair is a single key/value entry. Values are stored as raw byte
// strings (see Set) and RLP-encoded as byte strings each time the record
// is signed, verified or encoded.
type Pair struct {
	Key   string
	Value []byte
}

// Record is a signed Ethereum Node Record. Two records for the same NodeId
// are ordered by Seq; a record mutated via Set/SetSeq has its Signature
// cleared until Sign is called again.
type Record struct {
	Seq       uint64
	Pairs     []Pair
	Signature []byte
}

// Set adds or replaces a key/value pair, keeping Pairs sorted by key, and
// invalidates any existing signature.
func (r *Record) Set(key string, value []byte) {
	r.Signature = nil
	v := append([]byte(nil), value...)
	i := sort.Search(len(r.Pairs), func(i int) bool { return r.Pairs[i].Key >= key })
	if i < len(r.Pairs) && r.Pairs[i].Key == key {
		r.Pairs[i].Value = v
		return
	}
	r.Pairs = append(r.Pairs, Pair{})
	copy(r.Pairs[i+1:], r.Pairs[i:])
	r.Pairs[i] = Pair{Key: key, Value: v}
}

// Get returns the raw value for key, or nil if absent.
func (r *Record) Get(key string) []byte {
	i := sort.Search(len(r.Pairs), func(i int) bool { return r.Pairs[i].Key >= key })
	if i < len(r.Pairs) && r.Pairs[i].Key == key {
		return r.Pairs[i].Value
	}
	return nil
}

// SetSeq sets the sequence number and invalidates the signature.
func (r *Record) SetSeq(seq uint64) {
	r.Signature = nil
	r.Seq = seq
}

// IsNAT reports the record's NAT flag (absent means false; spec §3 ENR).
func (r *Record) IsNAT() bool {
	v := r.Get(KeyNAT)
	return len(v) == 1 && v[0] == 1
}

// NodeID returns keccak256 of the 64-byte uncompressed public key (X||Y),
// or the zero id if the record carries no valid secp256k1 key.
func (r *Record) NodeID() [32]byte {
	pub := r.Get(KeySecp256k1)
	if len(pub) == 0 {
		return [32]byte{}
	}
	pk, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return [32]byte{}
	}
	return identity.Keccak256Array(pk.SerializeUncompressed()[1:])
}

// seqAndPairs returns the concatenated RLP encoding of seq, k1, v1, k2, v2,
// ... without an outer list wrapper, so callers can wrap it together with
// whatever else belongs in the same list (the signature, for Encode; nothing
// else, for the signed content).
func (r *Record) seqAndPairs() ([]byte, error) {
	var payload []byte
	seqEnc, err := rlp.EncodeToBytes(r.Seq)
	if err != nil {
		return nil, err
	}
	payload = append(payload, seqEnc...)
	for _, p := range r.Pairs {
		keyEnc, err := rlp.EncodeToBytes(p.Key)
		if err != nil {
			return nil, err
		}
		valEnc, err := rlp.EncodeToBytes(p.Value)
		if err != nil {
			return nil, err
		}
		payload = append(payload, keyEnc...)
		payload = append(payload, valEnc...)
	}
	return payload, nil
}

// contentForSigning builds the RLP list [seq, k1, v1, k2, v2, ...] that gets
// hashed and signed.
func (r *Record) contentForSigning() ([]byte, error) {
	payload, err := r.seqAndPairs()
	if err != nil {
		return nil, err
	}
	return rlp.WrapList(payload), nil
}

// Encode produces the full wire form: RLP list [sig, seq, k1, v1, ...].
func Encode(r *Record) ([]byte, error) {
	if r.Signature == nil {
		return nil, ErrNotSigned
	}
	sigEnc, err := rlp.EncodeToBytes(r.Signature)
	if err != nil {
		return nil, err
	}
	rest, err := r.seqAndPairs()
	if err != nil {
		return nil, err
	}
	data := rlp.WrapList(append(sigEnc, rest...))
	if len(data) > SizeLimit {
		return nil, errors.Wrapf(ErrTooBig, "encoded size %d", len(data))
	}
	return data, nil
}

// Decode parses the wire form produced by Encode.
func Decode(data []byte) (*Record, error) {
	if len(data) > SizeLimit {
		return nil, ErrTooBig
	}
	s := rlp.NewStreamFromBytes(data)
	if _, err := s.List(); err != nil {
		return nil, err
	}
	sig, err := s.Bytes()
	if err != nil {
		return nil, err
	}
	seq, err := s.Uint64()
	if err != nil {
		return nil, err
	}
	var pairs []Pair
	var prevKey string
	for i := 0; s.MoreInList(); i++ {
		keyBytes, err := s.Bytes()
		if err != nil {
			return nil, err
		}
		if !s.MoreInList() {
			return nil, errors.New("enr: dangling key without value")
		}
		valBytes, err := s.Bytes()
		if err != nil {
			return nil, err
		}
		key := string(keyBytes)
		if i > 0 {
			if key == prevKey {
				return nil, ErrDuplicateKey
			}
			if key < prevKey {
				return nil, ErrNotSorted
			}
		}
		pairs = append(pairs, Pair{Key: key, Value: append([]byte(nil), valBytes...)})
		prevKey = key
	}
	if err := s.ListEnd(); err != nil {
		return nil, err
	}
	return &Record{Seq: seq, Pairs: pairs, Signature: sig}, nil
}

// Sign signs the record under the "v4" identity scheme (secp256k1-keccak),
// setting the "id" and "secp256k1" pairs as a side effect.
func Sign(r *Record, key *identity.PrivateKey) error {
	r.Set(KeyID, []byte("v4"))
	r.Set(KeySecp256k1, key.CompressedPubkey())

	content, err := r.contentForSigning()
	if err != nil {
		return err
	}
	hash := identity.Keccak256(content)
	sig, err := key.Sign(hash)
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// Verify checks the record's signature against its own embedded pubkey.
func Verify(r *Record) error {
	if len(r.Signature) == 0 {
		return ErrInvalidSig
	}
	pub := r.Get(KeySecp256k1)
	if len(pub) == 0 {
		return ErrNoPubkey
	}
	content, err := r.contentForSigning()
	if err != nil {
		return err
	}
	hash := identity.Keccak256(content)
	ok, err := identity.VerifySignature(pub, hash, r.Signature)
	if err != nil {
		return errors.Wrap(err, "enr: parsing pubkey")
	}
	if !ok {
		return ErrInvalidSig
	}
	return nil
}
