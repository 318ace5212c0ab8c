package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

func TestAdminTokenRoundTrip(t *testing.T) {
	mgr := NewJWTManager("test-secret")

	token, err := mgr.GenerateAdminToken("ops", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := mgr.ValidateAdminToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.True(t, claims.ExpiresAt.After(time.Now()))
}

func TestAdminTokenAcceptsBearerPrefix(t *testing.T) {
	mgr := NewJWTManager("test-secret")

	token, err := mgr.GenerateAdminToken("ops", time.Hour)
	require.NoError(t, err)

	claims, err := mgr.ValidateAdminToken("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
}

func TestAdminTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-a").GenerateAdminToken("ops", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTManager("secret-b").ValidateAdminToken(token)
	assert.Error(t, err)
}

func TestAdminTokenRejectsExpired(t *testing.T) {
	mgr := NewJWTManager("test-secret")

	token, err := mgr.GenerateAdminToken("ops", -time.Minute)
	require.NoError(t, err)

	_, err = mgr.ValidateAdminToken(token)
	assert.Error(t, err)
}

func TestAdminTokenRejectsGarbage(t *testing.T) {
	_, err := NewJWTManager("test-secret").ValidateAdminToken("not-a-jwt")
	assert.Error(t, err)
}

func TestMintKeyFormat(t *testing.T) {
	key, err := MintKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, APIKeyPrefix))
	assert.Len(t, key, len(APIKeyPrefix)+48)

	other, err := MintKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestHashKeyIsStable(t *testing.T) {
	key := APIKeyPrefix + "abc"

	h1 := HashKey(key)
	h2 := HashKey(key)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, HashKey(key+"x"))
}

// fakeKeyRepo scripts GetByHash and records TouchLastUsed calls.
type fakeKeyRepo struct {
	byHash  map[string]*typ.APIKey
	touched []string
}

func (f *fakeKeyRepo) GetByHash(_ context.Context, hash string) (*typ.APIKey, error) {
	return f.byHash[hash], nil
}

func (f *fakeKeyRepo) TouchLastUsed(_ context.Context, id string, _ time.Time) error {
	f.touched = append(f.touched, id)
	return nil
}

func TestVerifierAcceptsKnownKey(t *testing.T) {
	key, err := MintKey()
	require.NoError(t, err)

	repo := &fakeKeyRepo{byHash: map[string]*typ.APIKey{
		HashKey(key): {ID: "key-1", Name: "ci", IsActive: true},
	}}
	v := NewVerifier(repo)

	rec, err := v.Verify(context.Background(), "Bearer "+key)
	require.NoError(t, err)
	assert.Equal(t, "key-1", rec.ID)
	assert.Equal(t, []string{"key-1"}, repo.touched)
}

func TestVerifierRejectsMalformedKey(t *testing.T) {
	v := NewVerifier(&fakeKeyRepo{byHash: map[string]*typ.APIKey{}})

	_, err := v.Verify(context.Background(), "sk-wrong-vendor")
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestVerifierRejectsUnknownKey(t *testing.T) {
	v := NewVerifier(&fakeKeyRepo{byHash: map[string]*typ.APIKey{}})

	key, err := MintKey()
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), key)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestVerifierRejectsDisabledKey(t *testing.T) {
	key, err := MintKey()
	require.NoError(t, err)

	repo := &fakeKeyRepo{byHash: map[string]*typ.APIKey{
		HashKey(key): {ID: "key-1", IsActive: false},
	}}
	v := NewVerifier(repo)

	_, err = v.Verify(context.Background(), key)
	assert.ErrorIs(t, err, ErrKeyDisabled)
	assert.Empty(t, repo.touched)
}
