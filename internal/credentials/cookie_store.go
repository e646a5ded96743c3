package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oopsrest/oopsauth/internal/identity"
)

const (
	// AccessTokenCookieName holds the short-lived access credential.
	AccessTokenCookieName = "oops_access_token"
	// RefreshTokenCookieName holds the rotating refresh credential (users only).
	RefreshTokenCookieName = "oops_refresh_token"
	// UserTypeCookieName holds the identity kind.
	UserTypeCookieName = "oops_user_type"
	// UserIDCookieName holds the numeric user id.
	UserIDCookieName = "oops_user_id"

	defaultGuestTTL   = 10 * 365 * 24 * time.Hour
	defaultAccessTTL  = 3 * time.Hour
	defaultRefreshTTL = 90 * 24 * time.Hour
)

var (
	errNilJar            = errors.New("credentials.jar.nil")
	errInvalidExpiryTTL  = errors.New("credentials.policy.invalid_ttl")
	errRefreshNotLonger  = errors.New("credentials.policy.refresh_not_longer_than_access")
	errNoStoredIdentity  = errors.New("credentials.no_identity")
	errEmptyRefreshToken = errors.New("credentials.empty_refresh_token")
)

// ExpiryPolicy assigns lifetimes to stored credential cookies.
// Guests are effectively permanent; user refresh must outlive user access.
type ExpiryPolicy struct {
	GuestTTL   time.Duration
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// DefaultExpiryPolicy returns the stock lifetimes.
func DefaultExpiryPolicy() ExpiryPolicy {
	return ExpiryPolicy{
		GuestTTL:   defaultGuestTTL,
		AccessTTL:  defaultAccessTTL,
		RefreshTTL: defaultRefreshTTL,
	}
}

// Validate ensures every TTL is positive and RefreshTTL > AccessTTL.
func (policy ExpiryPolicy) Validate() error {
	if policy.GuestTTL <= 0 || policy.AccessTTL <= 0 || policy.RefreshTTL <= 0 {
		return errInvalidExpiryTTL
	}
	if policy.RefreshTTL <= policy.AccessTTL {
		return errRefreshNotLonger
	}
	return nil
}

// CookieStore keeps credentials in client-held cookies.
type CookieStore struct {
	jar    Jar
	policy ExpiryPolicy
	now    func() time.Time
}

// NewCookieStore validates policy and binds the store to jar.
func NewCookieStore(jar Jar, policy ExpiryPolicy) (*CookieStore, error) {
	if jar == nil {
		return nil, errNilJar
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &CookieStore{jar: jar, policy: policy, now: time.Now}, nil
}

// Read reports an identity when either the access or the refresh cookie survives.
func (store *CookieStore) Read(ctx context.Context) (identity.CredentialSet, bool, error) {
	accessToken, err := store.value(ctx, AccessTokenCookieName)
	if err != nil {
		return identity.CredentialSet{}, false, err
	}
	refreshToken, err := store.value(ctx, RefreshTokenCookieName)
	if err != nil {
		return identity.CredentialSet{}, false, err
	}
	if accessToken == "" && refreshToken == "" {
		return identity.CredentialSet{}, false, nil
	}
	kindValue, err := store.value(ctx, UserTypeCookieName)
	if err != nil {
		return identity.CredentialSet{}, false, err
	}
	userIDValue, err := store.value(ctx, UserIDCookieName)
	if err != nil {
		return identity.CredentialSet{}, false, err
	}
	set := identity.CredentialSet{AccessToken: accessToken, RefreshToken: refreshToken}
	if kind, ok := identity.ParseKind(kindValue); ok {
		set.Kind = kind
	}
	if userIDValue != "" {
		if parsed, parseErr := strconv.ParseInt(userIDValue, 10, 64); parseErr == nil {
			set.UserID = parsed
		}
	}
	return set, true, nil
}

// Save replaces every stored field with set. Stale refresh cookies from a
// previous user are deleted when saving a guest.
func (store *CookieStore) Save(ctx context.Context, set identity.CredentialSet) error {
	if err := set.Validate(); err != nil {
		return err
	}
	now := store.now()
	var cookies []*http.Cookie
	switch set.Kind {
	case identity.KindGuest:
		expiresAt := now.Add(store.policy.GuestTTL)
		cookies = append(cookies,
			store.cookie(AccessTokenCookieName, set.AccessToken, expiresAt),
			deletion(RefreshTokenCookieName),
			store.cookie(UserTypeCookieName, string(set.Kind), expiresAt),
			store.cookie(UserIDCookieName, strconv.FormatInt(set.UserID, 10), expiresAt),
		)
	default:
		refreshExpiresAt := now.Add(store.policy.RefreshTTL)
		cookies = append(cookies,
			store.cookie(AccessTokenCookieName, set.AccessToken, now.Add(store.policy.AccessTTL)),
			store.cookie(RefreshTokenCookieName, set.RefreshToken, refreshExpiresAt),
			store.cookie(UserTypeCookieName, string(set.Kind), refreshExpiresAt),
			store.cookie(UserIDCookieName, strconv.FormatInt(set.UserID, 10), refreshExpiresAt),
		)
	}
	if err := store.jar.SetAll(ctx, cookies); err != nil {
		return fmt.Errorf("credentials.save: %w", err)
	}
	return nil
}

// Clear deletes every credential cookie in one jar write.
func (store *CookieStore) Clear(ctx context.Context) error {
	cookies := []*http.Cookie{
		deletion(AccessTokenCookieName),
		deletion(RefreshTokenCookieName),
		deletion(UserTypeCookieName),
		deletion(UserIDCookieName),
	}
	if err := store.jar.SetAll(ctx, cookies); err != nil {
		return fmt.Errorf("credentials.clear: %w", err)
	}
	return nil
}

// UpdateAccessToken rewrites only the access cookie using the stored kind's expiry class.
func (store *CookieStore) UpdateAccessToken(ctx context.Context, accessToken string) error {
	if strings.TrimSpace(accessToken) == "" {
		return fmt.Errorf("credentials.update_access: %w: empty access token", identity.ErrInvalidCredentials)
	}
	kindValue, err := store.value(ctx, UserTypeCookieName)
	if err != nil {
		return err
	}
	kind, ok := identity.ParseKind(kindValue)
	if !ok {
		return fmt.Errorf("credentials.update_access: %w", errNoStoredIdentity)
	}
	ttl := store.policy.AccessTTL
	if kind == identity.KindGuest {
		ttl = store.policy.GuestTTL
	}
	cookie := store.cookie(AccessTokenCookieName, accessToken, store.now().Add(ttl))
	if err := store.jar.SetAll(ctx, []*http.Cookie{cookie}); err != nil {
		return fmt.Errorf("credentials.update_access: %w", err)
	}
	return nil
}

// ReplaceTokens stores a rotated pair and extends the user cookies to the new refresh lifetime.
func (store *CookieStore) ReplaceTokens(ctx context.Context, accessToken string, refreshToken string) error {
	if strings.TrimSpace(accessToken) == "" {
		return fmt.Errorf("credentials.replace_tokens: %w: empty access token", identity.ErrInvalidCredentials)
	}
	if strings.TrimSpace(refreshToken) == "" {
		return fmt.Errorf("credentials.replace_tokens: %w", errEmptyRefreshToken)
	}
	kindValue, err := store.value(ctx, UserTypeCookieName)
	if err != nil {
		return err
	}
	userIDValue, err := store.value(ctx, UserIDCookieName)
	if err != nil {
		return err
	}
	now := store.now()
	refreshExpiresAt := now.Add(store.policy.RefreshTTL)
	cookies := []*http.Cookie{
		store.cookie(AccessTokenCookieName, accessToken, now.Add(store.policy.AccessTTL)),
		store.cookie(RefreshTokenCookieName, refreshToken, refreshExpiresAt),
	}
	if kindValue != "" {
		cookies = append(cookies, store.cookie(UserTypeCookieName, kindValue, refreshExpiresAt))
	}
	if userIDValue != "" {
		cookies = append(cookies, store.cookie(UserIDCookieName, userIDValue, refreshExpiresAt))
	}
	if err := store.jar.SetAll(ctx, cookies); err != nil {
		return fmt.Errorf("credentials.replace_tokens: %w", err)
	}
	return nil
}

func (store *CookieStore) value(ctx context.Context, name string) (string, error) {
	cookie, found, err := store.jar.Get(ctx, name)
	if err != nil {
		return "", fmt.Errorf("credentials.read.%s: %w", name, err)
	}
	if !found || cookie == nil {
		return "", nil
	}
	return cookie.Value, nil
}

func (store *CookieStore) cookie(name string, value string, expiresAt time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expiresAt.UTC(),
		SameSite: http.SameSiteLaxMode,
	}
}

func deletion(name string) *http.Cookie {
	return &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1}
}
