package v5wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/cockroachdb/errors"
)

// KeySize is the AES-128-GCM key size the discv5 v5.1 suite pins.
const KeySize = 16

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, "v5wire: reading randomness")
	}
	return b, nil
}

// EncryptMessage AEAD-encrypts a message body under key, using nonce as
// the GCM nonce and headerBytes (the unmasked static-header||authdata) as
// associated data, binding the ciphertext to the packet it travels in.
func EncryptMessage(key, nonce, plaintext, headerBytes []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, headerBytes), nil
}

// DecryptMessage is the inverse of EncryptMessage.
func DecryptMessage(key, nonce, ciphertext, headerBytes []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, headerBytes)
	if err != nil {
		return nil, errors.Wrap(err, "v5wire: AEAD open failed")
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.Newf("v5wire: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "v5wire: building AES cipher")
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, errors.Wrap(err, "v5wire: building GCM")
	}
	return aead, nil
}
