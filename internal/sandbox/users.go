package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrUserProfileNotFound is returned when a profile is missing in the store.
var ErrUserProfileNotFound = errors.New("user_profile_not_found")

// MemoryUsers is a user store used for tests and local runs.
type MemoryUsers struct {
	mutex     sync.Mutex
	nextID    int64
	profiles  map[int64]Profile
	bySubject map[string]int64
}

// NewMemoryUsers constructs an empty store.
func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{
		profiles:  make(map[int64]Profile),
		bySubject: make(map[string]int64),
	}
}

// CreateGuest inserts a new anonymous account.
func (store *MemoryUsers) CreateGuest(ctx context.Context) (Profile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.nextID++
	profile := Profile{ID: store.nextID, IsGuest: true}
	store.profiles[profile.ID] = profile
	return profile, nil
}

// UpsertOAuthUser returns the account linked to provider and subject, creating it on first sight.
func (store *MemoryUsers) UpsertOAuthUser(ctx context.Context, provider string, subject string) (Profile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	key := provider + ":" + subject
	if userID, ok := store.bySubject[key]; ok {
		if profile, found := store.profiles[userID]; found {
			return profile, nil
		}
	}
	store.nextID++
	profile := Profile{ID: store.nextID, Name: displayName(provider, subject), Nickname: subject}
	store.profiles[profile.ID] = profile
	store.bySubject[key] = profile.ID
	return profile, nil
}

// FindOAuthUser reports whether provider and subject are already linked to an account.
func (store *MemoryUsers) FindOAuthUser(ctx context.Context, provider string, subject string) (Profile, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	userID, ok := store.bySubject[provider+":"+subject]
	if !ok {
		return Profile{}, false, nil
	}
	profile, found := store.profiles[userID]
	return profile, found, nil
}

// GetProfile returns a profile by user id.
func (store *MemoryUsers) GetProfile(ctx context.Context, userID int64) (Profile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	profile, ok := store.profiles[userID]
	if !ok {
		return Profile{}, ErrUserProfileNotFound
	}
	return profile, nil
}

// Delete removes an account.
func (store *MemoryUsers) Delete(ctx context.Context, userID int64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, ok := store.profiles[userID]; !ok {
		return ErrUserProfileNotFound
	}
	delete(store.profiles, userID)
	for key, linkedID := range store.bySubject {
		if linkedID == userID {
			delete(store.bySubject, key)
		}
	}
	return nil
}

func displayName(provider string, subject string) string {
	if subject == "" {
		return provider + " user"
	}
	return strings.ToUpper(subject[:1]) + subject[1:]
}
