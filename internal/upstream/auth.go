package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/oopsrest/oopsauth/internal/identity"
	"go.uber.org/zap"
)

// Supported OAuth providers.
const (
	ProviderGoogle = "google"
	ProviderKakao  = "kakao"
)

// SupportedProvider reports whether provider is accepted by the upstream OAuth exchange.
func SupportedProvider(provider string) bool {
	switch provider {
	case ProviderGoogle, ProviderKakao:
		return true
	default:
		return false
	}
}

// GuestGrant is the result of guest issuance.
type GuestGrant struct {
	AccessToken string `json:"accessToken"`
	UserID      int64  `json:"userId"`
}

// TokenPair is a freshly rotated access and refresh credential.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// UserGrant is the result of an OAuth exchange.
type UserGrant struct {
	UserID       int64
	AccessToken  string
	RefreshToken string
}

// Identity is the subset of /my-info used to check token validity.
type Identity struct {
	UserID  int64
	IsGuest bool
}

type oauthSignupData struct {
	UserID int64 `json:"userId"`
	Tokens struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	} `json:"tokens"`
}

type myInfoData struct {
	ID       int64   `json:"id"`
	Name     *string `json:"name"`
	Nickname *string `json:"nickname"`
	IsGuest  bool    `json:"isGuest"`
}

type oauthCheckData struct {
	IsExists bool `json:"isExists"`
}

// IssueGuest creates a new anonymous identity.
func (client *Client) IssueGuest(ctx context.Context) (GuestGrant, error) {
	request, _ := jsonRequest(http.MethodPost, client.authPath("auth/guest-users/sign-up"), nil)
	response, err := client.Do(ctx, request, "")
	if err != nil {
		return GuestGrant{}, fmt.Errorf("upstream.issue_guest: %w", err)
	}
	if !response.OK() {
		return GuestGrant{}, fmt.Errorf("upstream.issue_guest: %w: %w", identity.ErrUpstreamUnavailable, NewAPIError(response))
	}
	grant, decodeErr := decodeData[GuestGrant](response)
	if decodeErr != nil {
		return GuestGrant{}, fmt.Errorf("upstream.issue_guest: %w", decodeErr)
	}
	if strings.TrimSpace(grant.AccessToken) == "" {
		return GuestGrant{}, fmt.Errorf("upstream.issue_guest: %w: empty access token", identity.ErrUpstreamUnavailable)
	}
	return grant, nil
}

// ExchangeOAuthCode trades an authorization code for a user identity.
func (client *Client) ExchangeOAuthCode(ctx context.Context, provider string, authorizationCode string, redirectURI string) (UserGrant, error) {
	if !SupportedProvider(provider) {
		return UserGrant{}, fmt.Errorf("upstream.oauth_exchange: %w: %s", identity.ErrUnsupportedProvider, provider)
	}
	request, encodeErr := jsonRequest(http.MethodPost, client.authPath("oauth/"+provider+"/signup"), map[string]string{
		"authorizationCode": authorizationCode,
		"redirectUri":       redirectURI,
	})
	if encodeErr != nil {
		return UserGrant{}, encodeErr
	}
	response, err := client.Do(ctx, request, "")
	if err != nil {
		return UserGrant{}, fmt.Errorf("upstream.oauth_exchange: %w", err)
	}
	if !response.OK() {
		parsed := parseErrorBody(response.Body)
		return UserGrant{}, &identity.OAuthRejectedError{
			Status:    response.StatusCode,
			Reason:    parsed.Reason,
			ErrorCode: parsed.ErrorCode,
		}
	}
	data, decodeErr := decodeData[oauthSignupData](response)
	if decodeErr != nil {
		return UserGrant{}, fmt.Errorf("upstream.oauth_exchange: %w", decodeErr)
	}
	if data.Tokens.AccessToken == "" || data.Tokens.RefreshToken == "" {
		return UserGrant{}, fmt.Errorf("upstream.oauth_exchange: %w: incomplete token pair", identity.ErrUpstreamUnavailable)
	}
	return UserGrant{
		UserID:       data.UserID,
		AccessToken:  data.Tokens.AccessToken,
		RefreshToken: data.Tokens.RefreshToken,
	}, nil
}

// CheckOAuthSignup reports whether the authorization code belongs to an existing account.
func (client *Client) CheckOAuthSignup(ctx context.Context, provider string, authorizationCode string, redirectURI string) (bool, error) {
	if !SupportedProvider(provider) {
		return false, fmt.Errorf("upstream.oauth_check: %w: %s", identity.ErrUnsupportedProvider, provider)
	}
	request := Request{
		Method: http.MethodGet,
		Path:   client.authPath("oauth/" + provider + "/signup/check"),
		Query: url.Values{
			"authorizationCode": []string{authorizationCode},
			"redirectUri":       []string{redirectURI},
		},
	}
	response, err := client.Do(ctx, request, "")
	if err != nil {
		return false, fmt.Errorf("upstream.oauth_check: %w", err)
	}
	if !response.OK() {
		parsed := parseErrorBody(response.Body)
		return false, &identity.OAuthRejectedError{Status: response.StatusCode, Reason: parsed.Reason, ErrorCode: parsed.ErrorCode}
	}
	data, decodeErr := decodeData[oauthCheckData](response)
	if decodeErr != nil {
		return false, fmt.Errorf("upstream.oauth_check: %w", decodeErr)
	}
	return data.IsExists, nil
}

// Refresh exchanges a refresh token for a rotated token pair. The old refresh
// token must not be reused afterwards; the upstream enforces that.
func (client *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenPair{}, fmt.Errorf("upstream.refresh: %w: empty refresh token", identity.ErrRefreshFailed)
	}
	request, encodeErr := jsonRequest(http.MethodPost, client.authPath("auth/token/refresh"), map[string]string{
		"refreshToken": refreshToken,
	})
	if encodeErr != nil {
		return TokenPair{}, encodeErr
	}
	response, err := client.Do(ctx, request, "")
	if err != nil {
		return TokenPair{}, fmt.Errorf("upstream.refresh: %w", err)
	}
	if !response.OK() {
		return TokenPair{}, fmt.Errorf("upstream.refresh: %w: %w", identity.ErrRefreshFailed, NewAPIError(response))
	}
	pair, decodeErr := decodeData[TokenPair](response)
	if decodeErr != nil {
		return TokenPair{}, fmt.Errorf("upstream.refresh: %w", decodeErr)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return TokenPair{}, fmt.Errorf("upstream.refresh: %w: rotation returned no refresh token", identity.ErrRefreshFailed)
	}
	return pair, nil
}

// MyInfoRequest builds the identity lookup call for use with a request pipeline.
func (client *Client) MyInfoRequest() Request {
	return Request{Method: http.MethodGet, Path: client.authPath("my-info")}
}

// LogoutRequest builds the logout call for use with a request pipeline.
func (client *Client) LogoutRequest() Request {
	return Request{Method: http.MethodPost, Path: client.authPath("auth/logout")}
}

// DeleteAccountRequest builds the account deletion call for use with a request pipeline.
func (client *Client) DeleteAccountRequest() Request {
	return Request{Method: http.MethodDelete, Path: client.authPath("my-info")}
}

// DecodeIdentity reads a successful /my-info reply.
func DecodeIdentity(response *Response) (Identity, bool) {
	if !response.OK() {
		return Identity{}, false
	}
	data, err := decodeData[myInfoData](response)
	if err != nil {
		return Identity{}, false
	}
	return Identity{UserID: data.ID, IsGuest: data.IsGuest}, true
}

// LookupIdentity checks accessToken against /my-info. Every failure yields false; it never returns an error.
func (client *Client) LookupIdentity(ctx context.Context, accessToken string) (Identity, bool) {
	if strings.TrimSpace(accessToken) == "" {
		return Identity{}, false
	}
	response, err := client.Do(ctx, client.MyInfoRequest(), accessToken)
	if err != nil {
		client.logger.Debug("identity lookup failed",
			zap.String("code", "upstream.lookup_identity.transport"),
			zap.Error(err))
		return Identity{}, false
	}
	found, ok := DecodeIdentity(response)
	if !ok {
		client.logger.Debug("identity lookup rejected",
			zap.String("code", "upstream.lookup_identity.rejected"),
			zap.Int("status", response.StatusCode))
	}
	return found, ok
}

// Logout ends the upstream session. Failures are logged and swallowed.
func (client *Client) Logout(ctx context.Context, accessToken string) {
	if strings.TrimSpace(accessToken) == "" {
		return
	}
	response, err := client.Do(ctx, client.LogoutRequest(), accessToken)
	if err != nil {
		client.logger.Debug("logout failed",
			zap.String("code", "upstream.logout.transport"),
			zap.Error(err))
		return
	}
	if !response.OK() {
		client.logger.Debug("logout rejected",
			zap.String("code", "upstream.logout.rejected"),
			zap.Int("status", response.StatusCode))
	}
}

// DeleteAccount removes the account behind accessToken.
func (client *Client) DeleteAccount(ctx context.Context, accessToken string) error {
	response, err := client.Do(ctx, client.DeleteAccountRequest(), accessToken)
	if err != nil {
		return fmt.Errorf("upstream.delete_account: %w", err)
	}
	if !response.OK() {
		return fmt.Errorf("upstream.delete_account: %w", NewAPIError(response))
	}
	return nil
}
