package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/agenr-ai/agenr/pkg/log"
)

const (
	mockVersion = 0x01
	mockKeyID   = "local-mock"

	// Salt appended to the configured secret when deriving the wrapping key.
	mockKeyDefault = "agenr-local-kek"
)

// mock is the local backend. The wrapping key is derived from the configured
// secret, and wrapped blobs are framed as version(1) || iv(12) || tag(16) || ct.
type mock struct {
	kek  [32]byte
	once sync.Once
}

// NewMock returns a Client that wraps keys locally. Not for production.
func NewMock(secret string) Client {
	m := &mock{}
	m.kek = sha256.Sum256([]byte(secret + mockKeyDefault))
	return m
}

func (m *mock) warnOnce() {
	m.once.Do(func() {
		log.Log("kms: using local mock backend; data keys are wrapped with a derived key, not a managed KMS")
	})
}

func (m *mock) GenerateDataKey(ctx context.Context) ([]byte, []byte, error) {
	m.warnOnce()

	plaintext := make([]byte, DataKeyLength)
	if _, err := rand.Read(plaintext); err != nil {
		return nil, nil, err
	}

	wrapped, err := m.wrap(plaintext)
	if err != nil {
		return nil, nil, err
	}
	return plaintext, wrapped, nil
}

func (m *mock) DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	m.warnOnce()

	if len(wrapped) < 1+12+16 {
		return nil, fmt.Errorf("wrapped key too short: %d bytes", len(wrapped))
	}
	if wrapped[0] != mockVersion {
		return nil, fmt.Errorf("unsupported wrapped key version %d", wrapped[0])
	}

	iv := wrapped[1 : 1+12]
	tag := wrapped[1+12 : 1+12+16]
	ct := wrapped[1+12+16:]

	block, err := aes.NewCipher(m.kek[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// Go's GCM expects ciphertext || tag.
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrapping data key: %w", err)
	}
	return plaintext, nil
}

func (m *mock) KeyID() string {
	return mockKeyID
}

func (m *mock) wrap(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.kek[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, 12)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-16]
	tag := sealed[len(sealed)-16:]

	out := make([]byte, 0, 1+12+16+len(ct))
	out = append(out, mockVersion)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}
