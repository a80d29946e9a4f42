// Package cryptobox implements the Crypto Envelope: authenticated
// encryption of arbitrary bytes under a symmetric key, and sealing of
// per-item keys under a user's master key, built on
// golang.org/x/crypto/nacl/secretbox.
package cryptobox

import (
	"crypto/rand"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize is the length in bytes of every key used by this package, both
// per-item keys and the user master key.
const KeySize = 32

// nonceSize is fixed by NaCl's secretbox construction.
const nonceSize = 24

// Key is a symmetric encryption key.
type Key [KeySize]byte

// GenKey returns a fresh random Key.
func GenKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("cryptobox.GenKey: %v", err)
	}
	return k, nil
}

// KeyFromBytes validates and wraps an externally-supplied key, such as one
// recovered from sealed blob metadata.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("cryptobox.KeyFromBytes: want %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// ErrIntegrity means a ciphertext failed authentication: either it was
// corrupted, truncated, or sealed under a different key. Never retried.
var ErrIntegrity = fmt.Errorf("cryptobox: message authentication failed")

// Seal authenticates and encrypts plaintext under k, producing a
// self-delimited ciphertext (a fresh random nonce followed by the sealed
// box).
func Seal(plaintext []byte, k Key) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("cryptobox.Seal: %v", err)
	}
	out := make([]byte, 0, nonceSize+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, (*[KeySize]byte)(&k))
	return out, nil
}

// Open authenticates and decrypts a ciphertext produced by Seal under the
// same key. It returns ErrIntegrity on any authentication failure,
// including truncated input.
func Open(ciphertext []byte, k Key) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, ErrIntegrity
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	out, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, (*[KeySize]byte)(&k))
	if !ok {
		return nil, ErrIntegrity
	}
	return out, nil
}

// SealSerialize encodes value with MessagePack and seals the result under k.
// This is the structured form used for the namespace directory row, which
// needs a compact, self-describing, versionable encoding rather than a raw
// byte seal. Journal ops and checkpoints are encoded by their state package
// and sealed with Seal.
func SealSerialize(value interface{}, k Key) ([]byte, error) {
	plaintext, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("cryptobox.SealSerialize: marshal: %v", err)
	}
	return Seal(plaintext, k)
}

// OpenDeserialize is the inverse of SealSerialize: it opens ciphertext under
// k and decodes the MessagePack payload into out (a pointer).
func OpenDeserialize(ciphertext []byte, k Key, out interface{}) error {
	plaintext, err := Open(ciphertext, k)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("cryptobox.OpenDeserialize: unmarshal: %v", err)
	}
	return nil
}
