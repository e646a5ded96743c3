package bff

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
)

var (
	// ErrOAuthStateNotFound indicates the state was never issued, already redeemed, or expired.
	ErrOAuthStateNotFound = errors.New("oauth_state.not_found")
	// ErrOAuthStateProviderMismatch indicates a state issued for a different provider.
	ErrOAuthStateProviderMismatch = errors.New("oauth_state.provider_mismatch")
)

// OAuthStateStore issues one-time state values binding an authorize redirect to its callback.
type OAuthStateStore interface {
	Issue(ctx context.Context, provider string) (string, error)
	Consume(ctx context.Context, provider string, state string) error
}

type memoryOAuthStateStore struct {
	entries   *cache.Cache
	tokenSize int
}

// NewMemoryOAuthStateStore keeps issued states in process memory for ttl.
func NewMemoryOAuthStateStore(ttl time.Duration) OAuthStateStore {
	if ttl <= 0 {
		ttl = DefaultOAuthStateTTL
	}
	return &memoryOAuthStateStore{
		entries:   cache.New(ttl, 2*ttl),
		tokenSize: 32,
	}
}

func (store *memoryOAuthStateStore) Issue(ctx context.Context, provider string) (string, error) {
	buffer := make([]byte, store.tokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	state := base64.RawURLEncoding.EncodeToString(buffer)
	store.entries.SetDefault(state, provider)
	return state, nil
}

func (store *memoryOAuthStateStore) Consume(ctx context.Context, provider string, state string) error {
	if state == "" {
		return ErrOAuthStateNotFound
	}
	value, found := store.entries.Get(state)
	if !found {
		return ErrOAuthStateNotFound
	}
	store.entries.Delete(state)
	if issuedFor, _ := value.(string); issuedFor != provider {
		return ErrOAuthStateProviderMismatch
	}
	return nil
}
