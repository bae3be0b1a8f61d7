// Package envelope seals credential payloads under a per-user data key with
// AES-256-GCM. Blobs are framed as iv(12) || tag(16) || ciphertext.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	KeyLength = 32
	IVLength  = 12
	TagLength = 16
)

var ErrInvalidInput = errors.New("envelope: invalid input")

// Seal encrypts plaintext under dek and returns iv || tag || ciphertext.
func Seal(plaintext, dek []byte) ([]byte, error) {
	if len(dek) != KeyLength {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidInput, KeyLength, len(dek))
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-TagLength]
	tag := sealed[len(sealed)-TagLength:]

	blob := make([]byte, 0, IVLength+TagLength+len(ct))
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return blob, nil
}

// Open decrypts a blob produced by Seal, verifying the authentication tag.
func Open(blob, dek []byte) ([]byte, error) {
	if len(dek) != KeyLength {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidInput, KeyLength, len(dek))
	}
	if len(blob) < IVLength+TagLength {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", ErrInvalidInput, len(blob))
	}

	iv := blob[:IVLength]
	tag := blob[IVLength : IVLength+TagLength]
	ct := blob[IVLength+TagLength:]

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+TagLength)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	return gcm.Open(nil, iv, sealed, nil)
}

// Zero overwrites b. Call on every plaintext key or payload buffer before it
// goes out of scope.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Unwrapper unwraps a wrapped data key to plaintext.
type Unwrapper func(wrapped []byte) ([]byte, error)

// WithDecryptedCredential unwraps the DEK, opens the blob, parses the JSON
// payload and invokes fn with it. The plaintext DEK and payload buffer are
// zeroed on every path, success or failure.
func WithDecryptedCredential(wrappedDEK, blob []byte, unwrap Unwrapper, fn func(payload map[string]any) error) error {
	dek, err := unwrap(wrappedDEK)
	if err != nil {
		return err
	}
	defer Zero(dek)

	plaintext, err := Open(blob, dek)
	if err != nil {
		return err
	}
	defer Zero(plaintext)

	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return fmt.Errorf("decoding credential payload: %w", err)
	}

	return fn(payload)
}
