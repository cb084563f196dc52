package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	apiKeyPrefix    = "leasegate:apikey:"
	apiKeySecretLen = 32
)

// APIKeyStore stores and validates API keys
type APIKeyStore interface {
	ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error)
	CreateKey(ctx context.Context, info APIKeyInfo) (string, error)
	RevokeKey(ctx context.Context, keyID string) error
	ListKeys(ctx context.Context, ownerID string) ([]APIKeyInfo, error)
}

// APIKeyInfo contains metadata about an API key. Scopes are resource path
// prefixes, with the same meaning as Claims.Scopes.
type APIKeyInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	KeyHash   string   `json:"key_hash,omitempty"` // SHA-256 hash of the key
	OwnerID   string   `json:"owner_id"`
	Role      Role     `json:"role"`
	Scopes    []string `json:"scopes,omitempty"`
	CreatedAt int64    `json:"created_at"`
	ExpiresAt int64    `json:"expires_at,omitempty"` // 0 = never expires
	LastUsed  int64    `json:"last_used,omitempty"`
}

// Claims converts the key into request claims.
func (i *APIKeyInfo) Claims() *Claims {
	return &Claims{
		UserID:   i.OwnerID,
		Username: i.Name,
		Role:     i.Role,
		Scopes:   i.Scopes,
	}
}

// RedisAPIKeyStore is a Redis-backed API key store. Keys live until revoked
// or until their ExpiresAt, which is mirrored as the redis TTL.
type RedisAPIKeyStore struct {
	client *redis.Client
	now    func() time.Time
}

var _ APIKeyStore = (*RedisAPIKeyStore)(nil)

// NewRedisAPIKeyStore creates a new Redis-backed API key store
func NewRedisAPIKeyStore(client *redis.Client) *RedisAPIKeyStore {
	return &RedisAPIKeyStore{client: client, now: time.Now}
}

// ValidateKey checks if an API key is valid and returns its info
func (s *RedisAPIKeyStore) ValidateKey(ctx context.Context, key string) (*APIKeyInfo, error) {
	keyHash := hashKey(key)

	data, err := s.client.Get(ctx, hashKeyName(keyHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("failed to lookup key: %w", err)
	}

	var info APIKeyInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key info: %w", err)
	}

	now := s.now()
	if info.ExpiresAt > 0 && info.ExpiresAt < now.Unix() {
		return nil, ErrExpiredToken
	}

	info.LastUsed = now.Unix()
	if data, err := json.Marshal(info); err == nil {
		// Best effort; a failed touch does not reject the key.
		_ = s.client.SetArgs(ctx, hashKeyName(keyHash), data, redis.SetArgs{KeepTTL: true}).Err()
	}

	return &info, nil
}

// CreateKey stores a new API key and returns the plaintext key (only shown once)
func (s *RedisAPIKeyStore) CreateKey(ctx context.Context, info APIKeyInfo) (string, error) {
	if !info.Role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidClaims, info.Role)
	}

	secret := make([]byte, apiKeySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}

	// Format: lg_<hex-encoded-secret>
	plainKey := "lg_" + hex.EncodeToString(secret)

	// Store hash, never the plaintext
	info.KeyHash = hashKey(plainKey)
	info.CreatedAt = s.now().Unix()
	if info.ID == "" {
		info.ID = "key_" + uuid.NewString()
	}

	var ttl time.Duration
	if info.ExpiresAt > 0 {
		ttl = time.Unix(info.ExpiresAt, 0).Sub(s.now())
		if ttl <= 0 {
			return "", ErrExpiredToken
		}
	}

	data, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("failed to marshal key info: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, hashKeyName(info.KeyHash), data, ttl)
	pipe.Set(ctx, idKeyName(info.ID), info.KeyHash, ttl)
	pipe.SAdd(ctx, ownerKeyName(info.OwnerID), info.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to store key: %w", err)
	}

	return plainKey, nil
}

// RevokeKey removes an API key
func (s *RedisAPIKeyStore) RevokeKey(ctx context.Context, keyID string) error {
	keyHash, err := s.client.Get(ctx, idKeyName(keyID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrInvalidToken
		}
		return fmt.Errorf("failed to lookup key: %w", err)
	}

	data, err := s.client.Get(ctx, hashKeyName(keyHash)).Bytes()
	if err != nil {
		return fmt.Errorf("failed to get key info: %w", err)
	}

	var info APIKeyInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("failed to unmarshal key info: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, hashKeyName(keyHash))
	pipe.Del(ctx, idKeyName(keyID))
	pipe.SRem(ctx, ownerKeyName(info.OwnerID), keyID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}

	return nil
}

// ListKeys returns all keys for an owner (without exposing the hashes).
// Expired keys drop out of the owner set on read.
func (s *RedisAPIKeyStore) ListKeys(ctx context.Context, ownerID string) ([]APIKeyInfo, error) {
	keyIDs, err := s.client.SMembers(ctx, ownerKeyName(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	keys := make([]APIKeyInfo, 0, len(keyIDs))
	for _, keyID := range keyIDs {
		keyHash, err := s.client.Get(ctx, idKeyName(keyID)).Result()
		if errors.Is(err, redis.Nil) {
			s.client.SRem(ctx, ownerKeyName(ownerID), keyID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lookup key %s: %w", keyID, err)
		}

		data, err := s.client.Get(ctx, hashKeyName(keyHash)).Bytes()
		if err != nil {
			continue
		}

		var info APIKeyInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		info.KeyHash = ""
		keys = append(keys, info)
	}

	return keys, nil
}

// hashKey creates a SHA-256 hash of an API key
func hashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func hashKeyName(hash string) string { return apiKeyPrefix + hash }

func idKeyName(id string) string { return apiKeyPrefix + "id:" + id }

func ownerKeyName(owner string) string { return apiKeyPrefix + "owner:" + owner }
