package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oopsrest/oopsauth/internal/identity"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{BaseURL: server.URL, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

func TestNewClientRejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{}); !errors.Is(err, errEmptyBaseURL) {
		t.Fatalf("expected empty base url error, got %v", err)
	}
	if _, err := NewClient(Config{BaseURL: "not a url"}); !errors.Is(err, errInvalidBaseURL) {
		t.Fatalf("expected invalid base url error, got %v", err)
	}
}

func TestIssueGuest(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost || request.URL.Path != "/api/v1/auth/guest-users/sign-up" {
			t.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		if request.Header.Get(AuthHeader) != "" {
			t.Errorf("guest issuance must not carry a token")
		}
		writeJSON(writer, http.StatusOK, map[string]any{"data": map[string]any{"accessToken": "guest-token", "userId": 7}})
	}))

	grant, err := client.IssueGuest(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if grant.AccessToken != "guest-token" || grant.UserID != 7 {
		t.Fatalf("unexpected grant: %+v", grant)
	}
}

func TestIssueGuestNon2xxIsUnavailable(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusServiceUnavailable, map[string]any{"reason": "maintenance"})
	}))

	_, err := client.IssueGuest(context.Background())
	if !errors.Is(err, identity.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestExchangeOAuthCode(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/api/v1/oauth/google/signup" {
			t.Errorf("unexpected path %s", request.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(request.Body).Decode(&body)
		if body["authorizationCode"] != "code-1" || body["redirectUri"] != "https://app/callback" {
			t.Errorf("unexpected body %v", body)
		}
		writeJSON(writer, http.StatusOK, map[string]any{"data": map[string]any{
			"userId": 42,
			"tokens": map[string]any{"accessToken": "a", "refreshToken": "r", "accessTokenExpiresAt": "2030-01-01T00:00:00Z"},
		}})
	}))

	grant, err := client.ExchangeOAuthCode(context.Background(), ProviderGoogle, "code-1", "https://app/callback")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if grant.UserID != 42 || grant.AccessToken != "a" || grant.RefreshToken != "r" {
		t.Fatalf("unexpected grant: %+v", grant)
	}
}

func TestExchangeOAuthCodeRejectedCarriesReason(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusBadRequest, map[string]any{"reason": "authorization code expired", "errorCode": "OAUTH_CODE_EXPIRED"})
	}))

	_, err := client.ExchangeOAuthCode(context.Background(), ProviderKakao, "old", "https://app/callback")
	var rejected *identity.OAuthRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected OAuthRejectedError, got %v", err)
	}
	if rejected.Reason != "authorization code expired" || rejected.ErrorCode != "OAUTH_CODE_EXPIRED" {
		t.Fatalf("unexpected rejection: %+v", rejected)
	}
}

func TestExchangeOAuthCodeUnsupportedProvider(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		calls.Add(1)
	}))
	_, err := client.ExchangeOAuthCode(context.Background(), "github", "code", "uri")
	if !errors.Is(err, identity.ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("unsupported provider must not reach upstream")
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(request.Body).Decode(&body)
		if body["refreshToken"] != "r1" {
			writeJSON(writer, http.StatusUnauthorized, map[string]any{"reason": "stale refresh token"})
			return
		}
		writeJSON(writer, http.StatusOK, map[string]any{"data": map[string]any{"accessToken": "a2", "refreshToken": "r2"}})
	}))

	pair, err := client.Refresh(context.Background(), "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pair.AccessToken != "a2" || pair.RefreshToken != "r2" {
		t.Fatalf("unexpected pair: %+v", pair)
	}

	_, staleErr := client.Refresh(context.Background(), "r0")
	if !errors.Is(staleErr, identity.ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", staleErr)
	}
	var apiError *identity.APIError
	if !errors.As(staleErr, &apiError) || apiError.Reason != "stale refresh token" {
		t.Fatalf("expected upstream reason to be kept, got %v", staleErr)
	}
}

func TestRefreshWithoutRotatedTokenFails(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeJSON(writer, http.StatusOK, map[string]any{"data": map[string]any{"accessToken": "a2"}})
	}))
	if _, err := client.Refresh(context.Background(), "r1"); !errors.Is(err, identity.ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
}

func TestLookupIdentityIsFailureSafe(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		switch request.Header.Get(AuthHeader) {
		case "valid":
			writeJSON(writer, http.StatusOK, map[string]any{"data": map[string]any{"id": 9, "isGuest": true, "name": nil}})
		case "garbage":
			writer.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(writer, "not json")
		default:
			writeJSON(writer, http.StatusUnauthorized, map[string]any{"reason": "expired"})
		}
	}))

	found, ok := client.LookupIdentity(context.Background(), "valid")
	if !ok || found.UserID != 9 || !found.IsGuest {
		t.Fatalf("unexpected identity %+v ok=%v", found, ok)
	}
	if _, ok := client.LookupIdentity(context.Background(), "expired"); ok {
		t.Fatalf("expired token must be reported absent")
	}
	if _, ok := client.LookupIdentity(context.Background(), "garbage"); ok {
		t.Fatalf("unparseable body must be reported absent")
	}
	if _, ok := client.LookupIdentity(context.Background(), ""); ok {
		t.Fatalf("empty token must be reported absent")
	}

	unreachable, err := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := unreachable.LookupIdentity(context.Background(), "valid"); ok {
		t.Fatalf("network failure must be reported absent")
	}
}

func TestTimeoutSurfacesAsUnavailable(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client, err := NewClient(Config{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, issueErr := client.IssueGuest(context.Background())
	if !errors.Is(issueErr, identity.ErrUpstreamUnavailable) {
		t.Fatalf("expected timeout to map to ErrUpstreamUnavailable, got %v", issueErr)
	}
}

func TestLogoutSwallowsFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		calls.Add(1)
		if request.Header.Get(AuthHeader) != "token" {
			t.Errorf("logout must carry the access token")
		}
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	client.Logout(context.Background(), "token")
	client.Logout(context.Background(), "")
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one upstream logout, got %d", calls.Load())
	}
}

func TestDeleteAccount(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodDelete || request.URL.Path != "/api/v1/my-info" {
			t.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		if request.Header.Get(AuthHeader) == "blocked" {
			writeJSON(writer, http.StatusForbidden, map[string]any{"reason": "account locked"})
			return
		}
		writer.WriteHeader(http.StatusNoContent)
	}))

	if err := client.DeleteAccount(context.Background(), "ok"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := client.DeleteAccount(context.Background(), "blocked")
	var apiError *identity.APIError
	if !errors.As(err, &apiError) || apiError.Status != http.StatusForbidden || apiError.Reason != "account locked" {
		t.Fatalf("expected APIError with reason, got %v", err)
	}
}

func TestCheckOAuthSignup(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/api/v1/oauth/google/signup/check" {
			t.Errorf("unexpected path %s", request.URL.Path)
		}
		exists := request.URL.Query().Get("authorizationCode") == "known"
		writeJSON(writer, http.StatusOK, map[string]any{"data": map[string]any{"isExists": exists}})
	}))

	exists, err := client.CheckOAuthSignup(context.Background(), ProviderGoogle, "known", "https://app/callback")
	if err != nil || !exists {
		t.Fatalf("expected existing account, got %v %v", exists, err)
	}
	exists, err = client.CheckOAuthSignup(context.Background(), ProviderGoogle, "new", "https://app/callback")
	if err != nil || exists {
		t.Fatalf("expected new account, got %v %v", exists, err)
	}
}

func TestDoPassesStatusThrough(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.RawQuery != "page=2" {
			t.Errorf("expected query to be forwarded, got %q", request.URL.RawQuery)
		}
		writeJSON(writer, http.StatusUnauthorized, map[string]any{"reason": "expired", "errorCode": "AUTH_EXPIRED"})
	}))

	response, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/v1/posts", Query: map[string][]string{"page": {"2"}}}, "token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if response.StatusCode != http.StatusUnauthorized || response.OK() {
		t.Fatalf("expected 401 response, got %d", response.StatusCode)
	}
	apiError := NewAPIError(response)
	if apiError.Reason != "expired" || apiError.ErrorCode != "AUTH_EXPIRED" {
		t.Fatalf("unexpected api error %+v", apiError)
	}
}

func TestDoForwardsRequestID(t *testing.T) {
	t.Parallel()

	var received atomic.Value
	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		received.Store(request.Header.Get(RequestIDHeader))
		writer.WriteHeader(http.StatusNoContent)
	}))

	ctx := WithRequestID(context.Background(), "req-123")
	if _, err := client.Do(ctx, Request{Path: "/api/v1/posts"}, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := received.Load().(string); got != "req-123" {
		t.Fatalf("expected forwarded request id, got %q", got)
	}
}

func TestDoRejectsOversizedResponse(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write(make([]byte, maxResponseBytes+1))
	}))

	response, err := client.Do(context.Background(), Request{Path: "/api/v1/export"}, "token")
	if !errors.Is(err, identity.ErrUpstreamUnavailable) {
		t.Fatalf("expected oversized body to be unavailable, got %v", err)
	}
	if response != nil {
		t.Fatalf("expected no truncated response, got %d bytes", len(response.Body))
	}
}
