package sandbox

import (
	"testing"
	"time"
)

type fixedClock struct {
	timestamp time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.timestamp
}

func TestMintAccessTokenRejectsEmptySubject(t *testing.T) {
	t.Parallel()

	_, _, err := MintAccessToken(fixedClock{timestamp: time.Unix(1700000000, 0)}, 0, true, "issuer", []byte("signing-key"), time.Minute)
	if err == nil {
		t.Fatalf("expected error when user ID is empty")
	}

	expected := "jwt.mint.failure: subject must be positive"
	if err.Error() != expected {
		t.Fatalf("expected error %q, got %q", expected, err.Error())
	}
}

func TestMintAccessTokenCarriesClockTimestamps(t *testing.T) {
	t.Parallel()

	reference := time.Unix(1700000000, 0).UTC()
	first, expiresAt, err := MintAccessToken(fixedClock{timestamp: reference}, 7, false, "issuer", []byte("signing-key"), 2*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == "" {
		t.Fatalf("expected signed token")
	}
	expectedExpiry := reference.Add(2 * time.Minute)
	if !expiresAt.Equal(expectedExpiry) {
		t.Fatalf("expected expiry %v, got %v", expectedExpiry, expiresAt)
	}
	second, _, _ := MintAccessToken(fixedClock{timestamp: reference}, 7, false, "issuer", []byte("signing-key"), 2*time.Minute)
	if first == second {
		t.Fatalf("tokens minted at the same instant must differ")
	}
}
