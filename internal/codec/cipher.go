// Package codec implements the wire-level primitives shared by every
// higher layer of the protocol: authenticated encryption and variable-length
// integer coding.
package codec

import (
	"crypto/cipher"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// PrivateKeySize is the length of the shared secret used to key the AEAD.
const PrivateKeySize = chacha20poly1305.KeySize

// NonceSize is the length of the wire nonce (the frame id, little-endian).
// It is zero-extended to the cipher's 12-byte nonce internally.
const NonceSize = 8

// TagSize is the length of the authentication tag appended to ciphertext.
const TagSize = chacha20poly1305.Overhead

// MaxBufferSize bounds any single plaintext or ciphertext buffer this codec
// touches, matching the one-UDP-datagram target for the whole frame.
const MaxBufferSize = 2048

// ErrDecryptFailed is returned for any authentication failure: wrong key,
// tampered ciphertext, or mismatched associated data. The cipher
// deliberately does not distinguish between these cases.
var ErrDecryptFailed = errors.New("codec: decryption failed")

// Cipher encrypts and decrypts frame bodies with ChaCha20-Poly1305, keyed by
// a member's private key (the shared secret established out of band by the
// authentication service).
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher for the given 32-byte private key.
func NewCipher(privateKey [PrivateKeySize]byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(privateKey[:])
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals msg under ad (associated, unencrypted data) and an 8-byte
// nonce, returning ciphertext with a 16-byte tag appended.
func (c *Cipher) Encrypt(msg, ad []byte, nonce [NonceSize]byte) []byte {
	full := extendNonce(nonce)
	return c.aead.Seal(nil, full[:], msg, ad)
}

// Decrypt opens a previously-sealed buffer. Any failure — wrong key, bad
// associated data, or a tampered body — returns ErrDecryptFailed and nothing
// else; the caller cannot and must not distinguish the cause.
func (c *Cipher) Decrypt(sealed, ad []byte, nonce [NonceSize]byte) ([]byte, error) {
	full := extendNonce(nonce)
	out, err := c.aead.Open(nil, full[:], sealed, ad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return out, nil
}

// extendNonce zero-extends the 8-byte wire nonce to the 12 bytes
// ChaCha20-Poly1305 requires: low 8 bytes from the frame, high 4 bytes zero.
func extendNonce(nonce [NonceSize]byte) [chacha20poly1305.NonceSize]byte {
	var full [chacha20poly1305.NonceSize]byte
	copy(full[:NonceSize], nonce[:])
	return full
}
