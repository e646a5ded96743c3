package identity

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUpstreamUnavailable covers network failures, timeouts, and non-2xx replies without a usable reason.
	ErrUpstreamUnavailable = errors.New("upstream.unavailable")
	// ErrSessionExpired signals a 401 that survived one refresh-and-retry cycle.
	ErrSessionExpired = errors.New("auth.session_expired")
	// ErrRefreshFailed indicates the refresh endpoint rejected the refresh credential.
	ErrRefreshFailed = errors.New("auth.refresh_failed")
	// ErrUnsupportedProvider indicates an OAuth provider outside the supported set.
	ErrUnsupportedProvider = errors.New("oauth.unsupported_provider")
	// ErrInvalidCredentials indicates a credential set that violates its invariants.
	ErrInvalidCredentials = errors.New("credentials.invalid")
	// ErrNoIdentity indicates an operation that requires an active identity ran without one.
	ErrNoIdentity = errors.New("auth.no_identity")
)

const (
	// GenericMessage is shown when the upstream gave no readable reason.
	GenericMessage = "Something went wrong while processing your request."
	// SessionExpiredMessage is shown after a terminal session failure.
	SessionExpiredMessage = "Your session has expired. Please sign in again."
	// InitializationMessage is shown when the auth core could not establish any identity.
	InitializationMessage = "Authentication could not be initialized."
)

// APIError describes a non-2xx upstream reply.
type APIError struct {
	Status    int
	Reason    string
	ErrorCode string
}

func (apiError *APIError) Error() string {
	if apiError.Reason != "" {
		return fmt.Sprintf("upstream.status_%d: %s", apiError.Status, apiError.Reason)
	}
	return fmt.Sprintf("upstream.status_%d", apiError.Status)
}

// UserMessage returns the upstream reason or the generic fallback.
func (apiError *APIError) UserMessage() string {
	if strings.TrimSpace(apiError.Reason) != "" {
		return apiError.Reason
	}
	return GenericMessage
}

// OAuthRejectedError carries the upstream's human-readable rejection reason.
type OAuthRejectedError struct {
	Status    int
	Reason    string
	ErrorCode string
}

func (rejected *OAuthRejectedError) Error() string {
	return fmt.Sprintf("oauth.rejected: %s", rejected.UserMessage())
}

// UserMessage returns the reason verbatim.
func (rejected *OAuthRejectedError) UserMessage() string {
	if strings.TrimSpace(rejected.Reason) != "" {
		return rejected.Reason
	}
	return "Sign-in was rejected."
}

// SessionExpiredError is the terminal result of the authenticated request pipeline.
// It matches both ErrSessionExpired and its cause under errors.Is.
type SessionExpiredError struct {
	Cause error
}

func (expired *SessionExpiredError) Error() string {
	if expired.Cause == nil {
		return ErrSessionExpired.Error()
	}
	return fmt.Sprintf("%s: %v", ErrSessionExpired.Error(), expired.Cause)
}

func (expired *SessionExpiredError) Unwrap() []error {
	if expired.Cause == nil {
		return []error{ErrSessionExpired}
	}
	return []error{ErrSessionExpired, expired.Cause}
}

// InitializationError blocks the application when no identity could be established.
type InitializationError struct {
	Message string
	Cause   error
}

func (initErr *InitializationError) Error() string {
	if initErr.Cause == nil {
		return "auth.initialize: " + initErr.Message
	}
	return fmt.Sprintf("auth.initialize: %s: %v", initErr.Message, initErr.Cause)
}

func (initErr *InitializationError) Unwrap() error {
	return initErr.Cause
}

// UserMessage maps any error from the auth core to the text a user should see.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var rejected *OAuthRejectedError
	if errors.As(err, &rejected) {
		return rejected.UserMessage()
	}
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrRefreshFailed) {
		return SessionExpiredMessage
	}
	var initErr *InitializationError
	if errors.As(err, &initErr) {
		if initErr.Message != "" {
			return initErr.Message
		}
		return InitializationMessage
	}
	var apiError *APIError
	if errors.As(err, &apiError) {
		return apiError.UserMessage()
	}
	return GenericMessage
}
