package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_RoundTrip(t *testing.T) {
	svc, err := NewJWTService(JWTConfig{SecretKey: "s3cret"})
	require.NoError(t, err)

	token, err := svc.GenerateToken("u-1", "deployer", RoleOperator, []string{"/locks/deploy"})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, "leasegate", claims.Issuer)
	assert.Equal(t, []string{"/locks/deploy"}, claims.Scopes)
}

func TestJWT_Rejections(t *testing.T) {
	_, err := NewJWTService(JWTConfig{})
	assert.Error(t, err)

	svc, _ := NewJWTService(JWTConfig{SecretKey: "a", TokenExpiry: -time.Minute})
	// NewJWTService replaces a non-positive expiry, so build an expired one directly.
	expired := &JWTService{config: JWTConfig{SecretKey: "a", Issuer: "leasegate", TokenExpiry: -time.Minute}}
	token, err := expired.GenerateToken("u", "n", RoleViewer, nil)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other, _ := NewJWTService(JWTConfig{SecretKey: "b"})
	token, err = other.GenerateToken("u", "n", RoleViewer, nil)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign, _ := NewJWTService(JWTConfig{SecretKey: "a", Issuer: "someone-else"})
	token, err = foreign.GenerateToken("u", "n", RoleViewer, nil)
	require.NoError(t, err)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.GenerateToken("u", "n", Role("root"), nil)
	assert.ErrorIs(t, err, ErrInvalidClaims)
}

func TestRole_HasPermission(t *testing.T) {
	assert.True(t, RoleAdmin.HasPermission(RoleOperator))
	assert.True(t, RoleOperator.HasPermission(RoleViewer))
	assert.False(t, RoleViewer.HasPermission(RoleOperator))
	assert.False(t, Role("").HasPermission(RoleViewer))
}

func TestClaims_Allows(t *testing.T) {
	open := &Claims{}
	assert.True(t, open.Allows("/anything"))

	scoped := &Claims{Scopes: []string{"/locks/db", "/jobs/"}}
	assert.True(t, scoped.Allows("/locks/db"))
	assert.True(t, scoped.Allows("/locks/db/migrate"))
	assert.True(t, scoped.Allows("/jobs/nightly"))
	assert.False(t, scoped.Allows("/locks/dbx"))
	assert.False(t, scoped.Allows("/locks"))
}

func newKeyStore(t *testing.T) (*RedisAPIKeyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisAPIKeyStore(client), mr
}

func TestAPIKey_Lifecycle(t *testing.T) {
	store, mr := newKeyStore(t)
	ctx := context.Background()

	key, err := store.CreateKey(ctx, APIKeyInfo{
		Name:    "ci-runner",
		OwnerID: "team-ci",
		Role:    RoleOperator,
		Scopes:  []string{"/locks/ci"},
	})
	require.NoError(t, err)
	assert.Regexp(t, "^lg_[0-9a-f]{64}$", key)
	assert.False(t, mr.Exists(apiKeyPrefix+key), "plaintext is never stored")

	info, err := store.ValidateKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "ci-runner", info.Name)
	assert.NotZero(t, info.LastUsed)
	assert.True(t, info.Claims().Allows("/locks/ci/build"))

	keys, err := store.ListKeys(ctx, "team-ci")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Empty(t, keys[0].KeyHash)

	require.NoError(t, store.RevokeKey(ctx, info.ID))
	_, err = store.ValidateKey(ctx, key)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, store.RevokeKey(ctx, info.ID), ErrInvalidToken)

	keys, err = store.ListKeys(ctx, "team-ci")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAPIKey_Expiry(t *testing.T) {
	store, mr := newKeyStore(t)
	ctx := context.Background()

	key, err := store.CreateKey(ctx, APIKeyInfo{
		Name:      "short",
		OwnerID:   "o",
		Role:      RoleViewer,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = store.ValidateKey(ctx, key)
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)
	_, err = store.ValidateKey(ctx, key)
	assert.ErrorIs(t, err, ErrInvalidToken)

	keys, err := store.ListKeys(ctx, "o")
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = store.CreateKey(ctx, APIKeyInfo{OwnerID: "o", Role: RoleViewer, ExpiresAt: time.Now().Add(-time.Minute).Unix()})
	assert.ErrorIs(t, err, ErrExpiredToken)
	_, err = store.CreateKey(ctx, APIKeyInfo{OwnerID: "o", Role: "root"})
	assert.ErrorIs(t, err, ErrInvalidClaims)
}
