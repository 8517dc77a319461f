package v5wire

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// WhoAreYouData is the authdata of a WhoAreYou packet: id-nonce || enr-seq.
type WhoAreYouData struct {
	IDNonce [16]byte
	ENRSeq  uint64
}

func (d WhoAreYouData) encode() []byte {
	b := make([]byte, whoareyouAuthdataSize)
	copy(b[:16], d.IDNonce[:])
	binary.BigEndian.PutUint64(b[16:], d.ENRSeq)
	return b
}

func decodeWhoAreYouData(b []byte) (WhoAreYouData, error) {
	if len(b) != whoareyouAuthdataSize {
		return WhoAreYouData{}, errors.Newf("v5wire: whoareyou authdata must be %d bytes, got %d", whoareyouAuthdataSize, len(b))
	}
	var d WhoAreYouData
	copy(d.IDNonce[:], b[:16])
	d.ENRSeq = binary.BigEndian.Uint64(b[16:])
	return d, nil
}

// HandshakeData is the authdata of a Handshake packet: the sender's id,
// its id-nonce signature, its ephemeral public key, and (optionally) its
// current ENR.
type HandshakeData struct {
	SrcID           [32]byte
	Signature       []byte // 64-byte compact secp256k1 signature
	EphemeralPubkey []byte // 33-byte compressed secp256k1 point
	Record          []byte // RLP-encoded ENR, or nil
}

func (d HandshakeData) encode() []byte {
	b := make([]byte, 0, 32+1+len(d.Signature)+1+len(d.EphemeralPubkey)+len(d.Record))
	b = append(b, d.SrcID[:]...)
	b = append(b, byte(len(d.Signature)))
	b = append(b, d.Signature...)
	b = append(b, byte(len(d.EphemeralPubkey)))
	b = append(b, d.EphemeralPubkey...)
	b = append(b, d.Record...)
	return b
}

func decodeHandshakeData(b []byte) (HandshakeData, error) {
	if len(b) < 32+1+1 {
		return HandshakeData{}, ErrPacketTooSmall
	}
	var d HandshakeData
	copy(d.SrcID[:], b[:32])
	pos := 32
	sigLen := int(b[pos])
	pos++
	if pos+sigLen > len(b) {
		return HandshakeData{}, ErrInvalidHeader
	}
	d.Signature = append([]byte(nil), b[pos:pos+sigLen]...)
	pos += sigLen

	if pos >= len(b) {
		return HandshakeData{}, ErrPacketTooSmall
	}
	ephLen := int(b[pos])
	pos++
	if pos+ephLen > len(b) {
		return HandshakeData{}, ErrInvalidHeader
	}
	d.EphemeralPubkey = append([]byte(nil), b[pos:pos+ephLen]...)
	pos += ephLen

	if pos < len(b) {
		d.Record = append([]byte(nil), b[pos:]...)
	}
	return d, nil
}

// IDSignatureInput builds the input hashed and signed to prove identity
// during the handshake: a fixed domain separator (carried over from the
// teacher's identity-proof convention) over the challenge id-nonce and
// the sender's ephemeral public key, so a replayed signature can't be
// bound to a different ephemeral key.
func IDSignatureInput(idNonce [16]byte, ephemeralPubkey []byte) []byte {
	const domain = "discovery v5 identity proof"
	out := make([]byte, 0, len(domain)+16+len(ephemeralPubkey))
	out = append(out, domain...)
	out = append(out, idNonce[:]...)
	out = append(out, ephemeralPubkey...)
	return out
}

// EncodeWhoAreYou builds a complete WhoAreYou packet.
func EncodeWhoAreYou(destID [32]byte, nonce [nonceSize]byte, idNonce [16]byte, enrSeq uint64) ([]byte, error) {
	authdata := WhoAreYouData{IDNonce: idNonce, ENRSeq: enrSeq}.encode()
	return buildFrame(destID, FlagWhoAreYou, nonce, authdata, nil)
}

// EncodeHandshake builds a complete Handshake packet, AEAD-encrypting
// messagePT under writeKey with the unmasked header as associated data.
func EncodeHandshake(destID [32]byte, nonce [nonceSize]byte, data HandshakeData, writeKey, messagePT []byte) ([]byte, error) {
	authdata := data.encode()
	sh := StaticHeader{Flag: FlagHandshake, Nonce: nonce, AuthdataSize: uint16(len(authdata))}
	headerBytes := append(sh.encode(), authdata...)
	ct, err := EncryptMessage(writeKey, nonce[:], messagePT, headerBytes)
	if err != nil {
		return nil, err
	}
	return buildFrame(destID, FlagHandshake, nonce, authdata, ct)
}

// EncodeMessage builds a complete ordinary Message (or SessionMessage)
// packet.
func EncodeMessage(destID [32]byte, srcID [32]byte, nonce [nonceSize]byte, writeKey, messagePT []byte) ([]byte, error) {
	authdata := srcID[:]
	sh := StaticHeader{Flag: FlagMessage, Nonce: nonce, AuthdataSize: uint16(len(authdata))}
	headerBytes := append(sh.encode(), authdata...)
	ct, err := EncryptMessage(writeKey, nonce[:], messagePT, headerBytes)
	if err != nil {
		return nil, err
	}
	return buildFrame(destID, FlagMessage, nonce, authdata, ct)
}

// DecodedPacket is the fully parsed form of an inbound datagram: header,
// flag-specific authdata, and (for Message/Handshake) the still-encrypted
// body ready for AEAD decryption once the caller resolves a session key.
type DecodedPacket struct {
	Raw       *RawPacket
	WhoAreYou *WhoAreYouData
	Handshake *HandshakeData
	SrcID     [32]byte // populated for FlagMessage
}

// Decode unmasks a datagram and parses its flag-specific authdata.
func Decode(destID [32]byte, data []byte) (*DecodedPacket, error) {
	raw, err := DecodeRawPacket(destID, data)
	if err != nil {
		return nil, err
	}
	out := &DecodedPacket{Raw: raw}
	switch raw.Header.Flag {
	case FlagMessage:
		if len(raw.Authdata) != messageAuthdataSize {
			return nil, errors.Newf("v5wire: message authdata must be %d bytes, got %d", messageAuthdataSize, len(raw.Authdata))
		}
		copy(out.SrcID[:], raw.Authdata)
	case FlagWhoAreYou:
		wru, err := decodeWhoAreYouData(raw.Authdata)
		if err != nil {
			return nil, err
		}
		out.WhoAreYou = &wru
	case FlagHandshake:
		hs, err := decodeHandshakeData(raw.Authdata)
		if err != nil {
			return nil, err
		}
		out.Handshake = &hs
		out.SrcID = hs.SrcID
	default:
		return nil, ErrUnknownFlag
	}
	return out, nil
}
