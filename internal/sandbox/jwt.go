package sandbox

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

var errEmptySubject = errors.New("subject must be positive")

// AccessClaims are embedded in sandbox access tokens.
type AccessClaims struct {
	UserID  int64 `json:"user_id"`
	IsGuest bool  `json:"is_guest"`
	jwt.RegisteredClaims
}

// MintAccessToken creates a signed HS256 access token. Every token carries a
// unique ID so two tokens minted in the same second never compare equal.
func MintAccessToken(clock Clock, userID int64, isGuest bool, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	if userID <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", errEmptySubject)
	}
	if clock == nil {
		clock = systemClock{}
	}
	issuedAt := clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		UserID:  userID,
		IsGuest: isGuest,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return signed, expiresAt, nil
}
