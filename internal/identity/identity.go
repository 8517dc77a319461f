// Package identity wraps the secp256k1/keccak primitives discv5's identity
// scheme ("v4") needs: NodeId derivation, ENR/id-nonce signing and
// verification, and ECDH key agreement for the WHOAREYOU handshake. Per
// spec.md §1 these primitives are an external collaborator; this package is
// the narrow adapter the core (enr, v5wire, session) is built against, using
// the real secp256k1 curve instead of a placeholder.
package identity

import (
	"crypto/rand"
	"encoding/asn1"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// Keccak256 returns the Keccak-256 digest of the concatenation of data.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Keccak256Array is Keccak256 with the result fixed to 32 bytes, the shape
// NodeId and Topic hashes need.
func Keccak256Array(data ...[]byte) [32]byte {
	var out [32]byte
	copy(out[:], Keccak256(data...))
	return out
}

// PrivateKey is a local secp256k1 identity key.
type PrivateKey struct {
	inner *secp256k1.PrivateKey
}

// GenerateKey creates a new random identity key.
func GenerateKey() (*PrivateKey, error) {
	k, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "identity: generating key")
	}
	return &PrivateKey{inner: k}, nil
}

// PrivateKeyFromBytes parses a 32-byte scalar into a PrivateKey.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, errors.Newf("identity: private key must be 32 bytes, got %d", len(b))
	}
	return &PrivateKey{inner: secp256k1.PrivKeyFromBytes(b)}, nil
}

// Bytes returns the raw 32-byte scalar.
func (k *PrivateKey) Bytes() []byte { return k.inner.Serialize() }

// CompressedPubkey returns the 33-byte compressed public key.
func (k *PrivateKey) CompressedPubkey() []byte {
	return k.inner.PubKey().SerializeCompressed()
}

// Sign produces a 64-byte compact (r||s) signature over hash, the form ENR
// and id-nonce signatures use on the wire (no recovery byte).
func (k *PrivateKey) Sign(hash []byte) ([]byte, error) {
	sig := ecdsa.Sign(k.inner, hash)
	return compactFromDER(sig), nil
}

// ECDH performs secp256k1 ECDH against a compressed remote public key,
// returning the raw shared-secret x-coordinate (as discv5's handshake KDF
// input). The caller is expected to run this through HKDF before use as a
// key (see the session package) — a raw ECDH point must never be used
// directly as a symmetric key.
func (k *PrivateKey) ECDH(remoteCompressed []byte) ([]byte, error) {
	remote, err := secp256k1.ParsePubKey(remoteCompressed)
	if err != nil {
		return nil, errors.Wrap(err, "identity: parsing remote pubkey")
	}
	return secp256k1.GenerateSharedSecret(k.inner, remote), nil
}

// VerifySignature verifies a 64-byte compact signature under a compressed
// public key.
func VerifySignature(compressedPubkey, hash, sig []byte) (bool, error) {
	pub, err := secp256k1.ParsePubKey(compressedPubkey)
	if err != nil {
		return false, err
	}
	parsed, err := compactToDER(sig)
	if err != nil {
		return false, err
	}
	return parsed.Verify(hash, pub), nil
}

// RandomNonce fills a fresh cryptographically random nonce of the given
// length, used for WHOAREYOU id-nonces and AEAD message nonces.
func RandomNonce(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, errors.Wrap(err, "identity: reading randomness")
	}
	return buf, nil
}

// derSignature mirrors the two-INTEGER ASN.1 SEQUENCE that
// ecdsa.Signature.Serialize produces, letting us convert to/from the wire's
// fixed 64-byte r||s form without reaching into the library's unexported
// scalar fields.
type derSignature struct{ R, S *big.Int }

// compactFromDER re-encodes a decred ecdsa.Signature as the fixed 64-byte
// r||s form used on the wire (no DER, no recovery id).
func compactFromDER(sig *ecdsa.Signature) []byte {
	var ds derSignature
	// Serialize() always succeeds for a library-constructed signature; a
	// parse failure here would mean the dependency itself is broken.
	if _, err := asn1.Unmarshal(sig.Serialize(), &ds); err != nil {
		panic(errors.Wrap(err, "identity: unmarshalling our own DER signature"))
	}
	out := make([]byte, 64)
	ds.R.FillBytes(out[:32])
	ds.S.FillBytes(out[32:])
	return out
}

// compactToDER parses a 64-byte r||s signature back into decred's type.
func compactToDER(sig []byte) (*ecdsa.Signature, error) {
	if len(sig) != 64 {
		return nil, errors.Newf("identity: signature must be 64 bytes, got %d", len(sig))
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return nil, errors.New("identity: signature r overflows curve order")
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return nil, errors.New("identity: signature s overflows curve order")
	}
	return ecdsa.NewSignature(&r, &s), nil
}
