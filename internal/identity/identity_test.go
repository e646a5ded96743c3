package identity

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseKind(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input    string
		expected Kind
		ok       bool
	}{
		{input: "guest", expected: KindGuest, ok: true},
		{input: " USER ", expected: KindUser, ok: true},
		{input: "admin", expected: "", ok: false},
		{input: "", expected: "", ok: false},
	}
	for _, testCase := range testCases {
		kind, ok := ParseKind(testCase.input)
		if kind != testCase.expected || ok != testCase.ok {
			t.Fatalf("ParseKind(%q) = %q, %v; want %q, %v", testCase.input, kind, ok, testCase.expected, testCase.ok)
		}
	}
}

func TestCredentialSetValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		set     CredentialSet
		wantErr bool
	}{
		{name: "guest without refresh", set: CredentialSet{AccessToken: "a", Kind: KindGuest, UserID: 1}},
		{name: "user with refresh", set: CredentialSet{AccessToken: "a", RefreshToken: "r", Kind: KindUser, UserID: 2}},
		{name: "user without refresh", set: CredentialSet{AccessToken: "a", Kind: KindUser}, wantErr: true},
		{name: "empty access", set: CredentialSet{Kind: KindGuest}, wantErr: true},
		{name: "unknown kind", set: CredentialSet{AccessToken: "a", Kind: "robot"}, wantErr: true},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			err := testCase.set.Validate()
			if testCase.wantErr {
				if err == nil || !errors.Is(err, ErrInvalidCredentials) {
					t.Fatalf("expected ErrInvalidCredentials, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestCanRefresh(t *testing.T) {
	t.Parallel()

	if (CredentialSet{AccessToken: "a", RefreshToken: "r", Kind: KindGuest}).CanRefresh() {
		t.Fatalf("guests must never refresh")
	}
	if !(CredentialSet{AccessToken: "a", RefreshToken: "r", Kind: KindUser}).CanRefresh() {
		t.Fatalf("users with a refresh token must refresh")
	}
	if (CredentialSet{AccessToken: "a", Kind: KindUser}).CanRefresh() {
		t.Fatalf("missing refresh token cannot refresh")
	}
}

func TestSessionExpiredErrorMatchesSentinelAndCause(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("upstream.refresh: %w", ErrRefreshFailed)
	err := fmt.Errorf("pipeline: %w", &SessionExpiredError{Cause: cause})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired match")
	}
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("expected cause to remain reachable")
	}
	var expired *SessionExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("expected SessionExpiredError")
	}
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: ""},
		{name: "oauth reason verbatim", err: &OAuthRejectedError{Status: 400, Reason: "consent declined"}, expected: "consent declined"},
		{name: "session expired", err: &SessionExpiredError{}, expected: SessionExpiredMessage},
		{name: "refresh failed", err: ErrRefreshFailed, expected: SessionExpiredMessage},
		{name: "api reason", err: &APIError{Status: 409, Reason: "duplicate"}, expected: "duplicate"},
		{name: "api without reason", err: &APIError{Status: 500}, expected: GenericMessage},
		{name: "unavailable", err: ErrUpstreamUnavailable, expected: GenericMessage},
		{name: "initialization", err: &InitializationError{Message: "boom"}, expected: "boom"},
	}
	for _, testCase := range testCases {
		if got := UserMessage(testCase.err); got != testCase.expected {
			t.Fatalf("%s: expected %q, got %q", testCase.name, testCase.expected, got)
		}
	}
}
