package sandbox

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryRefreshTokenStore is an in-memory store intended for tests and dev.
type MemoryRefreshTokenStore struct {
	mutex      sync.Mutex
	byID       map[string]*memoryRecord
	byHash     map[string]string
	sequenceID uint64
	now        func() time.Time
}

type memoryRecord struct {
	TokenID         string
	UserID          int64
	Hash            string
	ExpiresUnix     int64
	RevokedAtUnix   int64
	PreviousTokenID string
	IssuedAtUnix    int64
}

// NewMemoryRefreshTokenStore creates a new in-memory token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		byID:   make(map[string]*memoryRecord),
		byHash: make(map[string]string),
		now:    time.Now,
	}
}

// Issue creates a new token, optionally linked to a previous token.
func (store *MemoryRefreshTokenStore) Issue(ctx context.Context, userID int64, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return "", "", err
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.sequenceID++
	nowValue := store.now().UTC()
	tokenID := newRefreshTokenID(nowValue, store.sequenceID)
	record := &memoryRecord{
		TokenID:         tokenID,
		UserID:          userID,
		Hash:            hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    nowValue.Unix(),
	}
	store.byID[tokenID] = record
	store.byHash[hashValue] = tokenID
	return tokenID, opaque, nil
}

// Validate checks the opaque token and returns user, token id, and expiry.
func (store *MemoryRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (int64, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return 0, "", 0, ErrRefreshTokenEmptyOpaque
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID, ok := store.byHash[hashOpaque(tokenOpaque)]
	if !ok {
		return 0, "", 0, ErrRefreshTokenNotFound
	}
	record := store.byID[tokenID]
	if record == nil {
		return 0, "", 0, ErrRefreshTokenNotFound
	}
	if record.RevokedAtUnix != 0 {
		return 0, "", 0, ErrRefreshTokenRevoked
	}
	if !store.now().UTC().Before(time.Unix(record.ExpiresUnix, 0)) {
		return 0, "", 0, ErrRefreshTokenExpired
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke marks a token as revoked.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[tokenID]
	if record == nil {
		return ErrRefreshTokenNotFound
	}
	if record.RevokedAtUnix != 0 {
		return ErrRefreshTokenAlreadyRevoked
	}
	record.RevokedAtUnix = store.now().UTC().Unix()
	return nil
}

// RevokeUser revokes every live token of userID.
func (store *MemoryRefreshTokenStore) RevokeUser(ctx context.Context, userID int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	nowUnix := store.now().UTC().Unix()
	for _, record := range store.byID {
		if record.UserID == userID && record.RevokedAtUnix == 0 {
			record.RevokedAtUnix = nowUnix
		}
	}
	return nil
}
