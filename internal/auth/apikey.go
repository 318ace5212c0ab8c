package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/tingly-relay/internal/typ"
)

// APIKeyPrefix starts every client key the relay mints.
const APIKeyPrefix = "tingly-relay-"

// Verification failures the transport maps to 401 responses.
var (
	ErrMalformedKey = errors.New("malformed api key")
	ErrUnknownKey   = errors.New("unknown api key")
	ErrKeyDisabled  = errors.New("api key is disabled")
)

// MintKey returns a fresh client key in its presentable form. The key is
// shown once at creation; only its hash is stored.
func MintKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

// HashKey returns the sha256 hex digest under which a key is stored.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// KeyRepo is the API-key persistence surface Verify needs. Implemented by
// db.APIKeyStore.
type KeyRepo interface {
	GetByHash(ctx context.Context, hash string) (*typ.APIKey, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// Verifier authenticates presented client keys against their stored hashes.
type Verifier struct {
	keys KeyRepo
}

// NewVerifier creates a verifier over the given key repo.
func NewVerifier(keys KeyRepo) *Verifier {
	return &Verifier{keys: keys}
}

// Verify resolves a presented key (with or without a "Bearer " prefix) to
// its stored record. The last-used stamp is refreshed best-effort.
func (v *Verifier) Verify(ctx context.Context, key string) (*typ.APIKey, error) {
	key = strings.TrimSpace(StripBearer(key))
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return nil, ErrMalformedKey
	}

	rec, err := v.keys.GetByHash(ctx, HashKey(key))
	if err != nil {
		return nil, fmt.Errorf("api key lookup: %w", err)
	}
	if rec == nil {
		return nil, ErrUnknownKey
	}
	if !rec.IsActive {
		return nil, ErrKeyDisabled
	}

	if err := v.keys.TouchLastUsed(ctx, rec.ID, time.Now()); err != nil {
		logrus.Debugf("touch last-used for key %s: %v", rec.ID, err)
	}

	return rec, nil
}
