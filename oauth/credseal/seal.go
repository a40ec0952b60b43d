package credseal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-jose/go-jose/v3"
)

// Sealer turns a credential value into a compact JWE string and back.
// The payload is JSON, encrypted with RSA-OAEP-256 key management and
// A256GCM content encryption under the manager's active key.
type Sealer struct {
	km *KeyManager
}

func NewSealer(km *KeyManager) *Sealer {
	return &Sealer{km: km}
}

// Seal encrypts v under the active sealing key.
func (s *Sealer) Seal(ctx context.Context, v any) (string, error) {
	kp, err := s.km.Active(ctx)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding credential: %w", err)
	}

	opts := (&jose.EncrypterOptions{}).
		WithType("JWE").
		WithHeader("kid", kp.ID())

	encrypter, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{
			Algorithm: jose.RSA_OAEP_256,
			Key:       kp.Public(),
		},
		opts,
	)
	if err != nil {
		return "", fmt.Errorf("creating encrypter: %w", err)
	}

	obj, err := encrypter.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("sealing credential: %w", err)
	}

	compact, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serializing sealed credential: %w", err)
	}

	return compact, nil
}

// Unseal decrypts a compact JWE produced by Seal into v. The key is
// selected by the kid header, so ciphertext sealed under an older key
// stays readable after rotation.
func (s *Sealer) Unseal(ctx context.Context, sealed string, v any) error {
	parsed, err := jose.ParseEncrypted(sealed)
	if err != nil {
		return fmt.Errorf("parsing sealed credential: %w", err)
	}

	kp, err := s.keyForHeader(ctx, parsed)
	if err != nil {
		return err
	}

	payload, err := parsed.Decrypt(kp.private)
	if err != nil {
		return fmt.Errorf("unsealing credential: %w", err)
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding credential: %w", err)
	}

	return nil
}

func (s *Sealer) keyForHeader(ctx context.Context, parsed *jose.JSONWebEncryption) (*KeyPair, error) {
	if kid := parsed.Header.KeyID; kid != "" {
		return s.km.FindByID(ctx, kid)
	}

	if kid, ok := parsed.Header.ExtraHeaders["kid"].(string); ok && kid != "" {
		return s.km.FindByID(ctx, kid)
	}

	return s.km.Active(ctx)
}
