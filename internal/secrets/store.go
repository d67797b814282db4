package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	secretPrefix = "dispatchd:secret:"
	secretIndex  = "dispatchd:secrets"
)

// ErrSecretNotFound is returned when a handle has no stored secret
// (spec §6.5 "resolve(handle) → secretBytes | NOT_FOUND").
var ErrSecretNotFound = errors.New("secrets: handle not found")

// Store manages encrypted secrets in Redis, keyed by an opaque handle
// rather than a human-facing name — the spec's SecretSource contract
// resolves by handle only (spec §6.5), so the vault terminology follows.
type Store struct {
	redis  *redis.Client
	cipher *Cipher
}

// NewStore creates a new secrets store.
func NewStore(redisClient *redis.Client, cipher *Cipher) *Store {
	return &Store{redis: redisClient, cipher: cipher}
}

// Set encrypts and stores the secret for handle.
func (s *Store) Set(ctx context.Context, handle string, value []byte) error {
	encrypted, err := s.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(encrypted)

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, secretPrefix+handle, encoded, 0)
	pipe.HSet(ctx, secretIndex, handle, time.Now().Format(time.RFC3339))
	_, err = pipe.Exec(ctx)
	return err
}

// Resolve retrieves and decrypts the secret for handle. It implements
// runtime.SecretSource (spec §6.5); resolved bytes must never be logged by
// callers.
func (s *Store) Resolve(ctx context.Context, handle string) ([]byte, error) {
	encoded, err := s.redis.Get(ctx, secretPrefix+handle).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, err
	}

	encrypted, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	plaintext, err := s.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	return plaintext, nil
}

// Delete removes the secret stored for handle.
func (s *Store) Delete(ctx context.Context, handle string) error {
	pipe := s.redis.Pipeline()
	pipe.Del(ctx, secretPrefix+handle)
	pipe.HDel(ctx, secretIndex, handle)
	_, err := pipe.Exec(ctx)
	return err
}

// List returns all known handles with their creation times. Never
// includes secret values — only handles, per spec §6.5 "audit log records
// handles only".
func (s *Store) List(ctx context.Context) (map[string]string, error) {
	return s.redis.HGetAll(ctx, secretIndex).Result()
}

// Exists checks whether a secret is stored for handle.
func (s *Store) Exists(ctx context.Context, handle string) (bool, error) {
	n, err := s.redis.Exists(ctx, secretPrefix+handle).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
