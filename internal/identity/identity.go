package identity

import (
	"fmt"
	"strings"
)

// Kind distinguishes anonymous guests from OAuth-authenticated users.
type Kind string

const (
	// KindGuest is an anonymous identity issued on demand.
	KindGuest Kind = "guest"
	// KindUser is an identity bound to a real account.
	KindUser Kind = "user"
)

// ParseKind converts a stored or wire value into a Kind.
func ParseKind(value string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindGuest:
		return KindGuest, true
	case KindUser:
		return KindUser, true
	default:
		return "", false
	}
}

// Valid reports whether the kind is one of the known identity kinds.
func (kind Kind) Valid() bool {
	return kind == KindGuest || kind == KindUser
}

// KindFromGuestFlag maps the upstream isGuest flag to a Kind.
func KindFromGuestFlag(isGuest bool) Kind {
	if isGuest {
		return KindGuest
	}
	return KindUser
}

// CredentialSet holds the credentials of the active identity.
type CredentialSet struct {
	AccessToken  string
	RefreshToken string
	Kind         Kind
	UserID       int64
}

// Validate enforces that a user credential set always carries a refresh token.
func (set CredentialSet) Validate() error {
	if strings.TrimSpace(set.AccessToken) == "" {
		return fmt.Errorf("credentials.validate: %w: empty access token", ErrInvalidCredentials)
	}
	if !set.Kind.Valid() {
		return fmt.Errorf("credentials.validate: %w: unknown kind %q", ErrInvalidCredentials, set.Kind)
	}
	if set.Kind == KindUser && strings.TrimSpace(set.RefreshToken) == "" {
		return fmt.Errorf("credentials.validate: %w: user credentials require a refresh token", ErrInvalidCredentials)
	}
	return nil
}

// CanRefresh reports whether the set may be exchanged for a new token pair.
// Guests never rotate.
func (set CredentialSet) CanRefresh() bool {
	return set.Kind != KindGuest && strings.TrimSpace(set.RefreshToken) != ""
}
