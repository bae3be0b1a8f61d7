// Package kms wraps and unwraps the per-user data encryption keys. Two
// backends: a managed one backed by AWS KMS and a local mock for development
// and tests.
package kms

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// DataKeyLength is the length of every plaintext data key: AES-256.
const DataKeyLength = 32

// Client wraps 32-byte data keys under a key-encryption key.
type Client interface {
	// GenerateDataKey returns a fresh plaintext data key and its wrapped form.
	GenerateDataKey(ctx context.Context) (plaintext, wrapped []byte, err error)
	// DecryptDataKey unwraps a previously wrapped data key.
	DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error)
	// KeyID identifies the wrapping key for bookkeeping.
	KeyID() string
}

type managed struct {
	client *awskms.Client
	keyID  string
}

// NewManaged returns a Client backed by AWS KMS using the given key id.
func NewManaged(ctx context.Context, keyID string) (Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &managed{client: awskms.NewFromConfig(cfg), keyID: keyID}, nil
}

func (m *managed) GenerateDataKey(ctx context.Context) ([]byte, []byte, error) {
	out, err := m.client.GenerateDataKey(ctx, &awskms.GenerateDataKeyInput{
		KeyId:   aws.String(m.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, err
	}
	return out.Plaintext, out.CiphertextBlob, nil
}

func (m *managed) DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	out, err := m.client.Decrypt(ctx, &awskms.DecryptInput{
		KeyId:          aws.String(m.keyID),
		CiphertextBlob: wrapped,
	})
	if err != nil {
		return nil, err
	}
	return out.Plaintext, nil
}

func (m *managed) KeyID() string {
	return m.keyID
}
