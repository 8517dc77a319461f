package v5wire

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randID(t *testing.T) [32]byte {
	t.Helper()
	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatal(err)
	}
	return id
}

func randNonce(t *testing.T) [nonceSize]byte {
	t.Helper()
	var n [nonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestWhoAreYouRoundTrip(t *testing.T) {
	dest := randID(t)
	nonce := randNonce(t)
	var idNonce [16]byte
	copy(idNonce[:], bytes.Repeat([]byte{0x42}, 16))

	packet, err := EncodeWhoAreYou(dest, nonce, idNonce, 7)
	if err != nil {
		t.Fatal(err)
	}

	dec, err := Decode(dest, packet)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Raw.Header.Flag != FlagWhoAreYou {
		t.Fatalf("flag = %v, want FlagWhoAreYou", dec.Raw.Header.Flag)
	}
	if dec.WhoAreYou == nil {
		t.Fatal("missing WhoAreYou authdata")
	}
	if dec.WhoAreYou.IDNonce != idNonce {
		t.Fatalf("id-nonce mismatch")
	}
	if dec.WhoAreYou.ENRSeq != 7 {
		t.Fatalf("enr-seq = %d, want 7", dec.WhoAreYou.ENRSeq)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	dest := randID(t)
	src := randID(t)
	nonce := randNonce(t)
	key := bytes.Repeat([]byte{0x11}, KeySize)

	body, err := EncodeMessageBody(Ping{ReqID: []byte{1, 2, 3}, ENRSeq: 9})
	if err != nil {
		t.Fatal(err)
	}

	packet, err := EncodeMessage(dest, src, nonce, key, body)
	if err != nil {
		t.Fatal(err)
	}
	if len(packet) > MaxPacketSize {
		t.Fatalf("packet exceeds MaxPacketSize: %d", len(packet))
	}

	dec, err := Decode(dest, packet)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Raw.Header.Flag != FlagMessage {
		t.Fatalf("flag = %v, want FlagMessage", dec.Raw.Header.Flag)
	}
	if dec.SrcID != src {
		t.Fatalf("src id mismatch")
	}

	pt, err := DecryptMessage(key, dec.Raw.Header.Nonce[:], dec.Raw.Ciphertext, dec.Raw.HeaderBytes)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := DecodeMessageBody(pt)
	if err != nil {
		t.Fatal(err)
	}
	ping, ok := msg.(Ping)
	if !ok {
		t.Fatalf("decoded %T, want Ping", msg)
	}
	if ping.ENRSeq != 9 {
		t.Fatalf("enr-seq = %d, want 9", ping.ENRSeq)
	}
}

func TestMessageWrongKeyFails(t *testing.T) {
	dest := randID(t)
	src := randID(t)
	nonce := randNonce(t)
	key := bytes.Repeat([]byte{0x11}, KeySize)
	wrongKey := bytes.Repeat([]byte{0x22}, KeySize)

	body, err := EncodeMessageBody(Ping{ReqID: []byte{1}, ENRSeq: 1})
	if err != nil {
		t.Fatal(err)
	}
	packet, err := EncodeMessage(dest, src, nonce, key, body)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := Decode(dest, packet)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptMessage(wrongKey, dec.Raw.Header.Nonce[:], dec.Raw.Ciphertext, dec.Raw.HeaderBytes); err == nil {
		t.Fatal("expected AEAD failure with wrong key")
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	dest := randID(t)
	src := randID(t)
	nonce := randNonce(t)
	key := bytes.Repeat([]byte{0x33}, KeySize)

	data := HandshakeData{
		SrcID:           src,
		Signature:       bytes.Repeat([]byte{0xaa}, 64),
		EphemeralPubkey: bytes.Repeat([]byte{0xbb}, 33),
		Record:          []byte{0xc0}, // minimal RLP empty-list stand-in
	}
	body, err := EncodeMessageBody(Ping{ReqID: []byte{9}, ENRSeq: 1})
	if err != nil {
		t.Fatal(err)
	}
	packet, err := EncodeHandshake(dest, nonce, data, key, body)
	if err != nil {
		t.Fatal(err)
	}

	dec, err := Decode(dest, packet)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Handshake == nil {
		t.Fatal("missing handshake authdata")
	}
	if dec.Handshake.SrcID != src {
		t.Fatalf("src id mismatch")
	}
	if !bytes.Equal(dec.Handshake.Signature, data.Signature) {
		t.Fatalf("signature mismatch")
	}
	if !bytes.Equal(dec.Handshake.EphemeralPubkey, data.EphemeralPubkey) {
		t.Fatalf("ephemeral pubkey mismatch")
	}
	if !bytes.Equal(dec.Handshake.Record, data.Record) {
		t.Fatalf("record mismatch")
	}
}

func TestDecodeRejectsWrongProtocolID(t *testing.T) {
	dest := randID(t)
	nonce := randNonce(t)
	var idNonce [16]byte
	packet, err := EncodeWhoAreYou(dest, nonce, idNonce, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt the masked header so the decoded protocol id won't match.
	corrupt := append([]byte(nil), packet...)
	corrupt[maskingIVSize] ^= 0xff
	if _, err := Decode(dest, corrupt); err == nil {
		t.Fatal("expected error decoding corrupted packet")
	}
}
