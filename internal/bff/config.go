package bff

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/oopsrest/oopsauth/internal/upstream"
)

// DefaultOAuthStateTTL bounds how long an issued OAuth state stays redeemable.
const DefaultOAuthStateTTL = 10 * time.Minute

var (
	errCORSWithoutOrigins        = errors.New("bff.config.cors_without_origins")
	errWildcardOrigin            = errors.New("bff.config.wildcard_cors_origin")
	errInvalidOrigin             = errors.New("bff.config.invalid_cors_origin")
	errInsecureOrigin            = errors.New("bff.config.insecure_cors_origin")
	errOriginOutsideCookieDomain = errors.New("bff.config.origin_outside_cookie_domain")
	errUnsupportedProvider       = errors.New("bff.config.unsupported_provider")
	errMissingClientID           = errors.New("bff.config.missing_client_id")
	errInvalidRedirectURI        = errors.New("bff.config.invalid_redirect_uri")
	errStateWithoutProviders     = errors.New("bff.config.state_without_providers")
)

// OAuthProvider configures the authorize URL handed to the browser for one provider.
type OAuthProvider struct {
	ClientID    string
	RedirectURI string
	Scopes      []string
}

// ServerConfig configures the BFF routes.
type ServerConfig struct {
	AllowInsecureHTTP  bool
	EnableCORS         bool
	CORSAllowedOrigins []string
	// CookieDomain mirrors the session cookie domain; CORS origins must sit under it.
	CookieDomain   string
	OAuthProviders map[string]OAuthProvider
	// VerifyOAuthState requires POST /auth/oauth/:provider to present a state
	// issued by the authorize route.
	VerifyOAuthState bool
	OAuthStateTTL    time.Duration
}

// Validate reports the first configuration problem.
func (configuration ServerConfig) Validate() error {
	if configuration.EnableCORS {
		if _, err := configuration.sessionOrigins(); err != nil {
			return err
		}
	}
	for provider, settings := range configuration.OAuthProviders {
		if !upstream.SupportedProvider(provider) {
			return fmt.Errorf("%w: %s", errUnsupportedProvider, provider)
		}
		if strings.TrimSpace(settings.ClientID) == "" {
			return fmt.Errorf("%w: %s", errMissingClientID, provider)
		}
		parsed, parseErr := url.Parse(settings.RedirectURI)
		if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%w: %s", errInvalidRedirectURI, provider)
		}
	}
	if configuration.VerifyOAuthState && len(configuration.OAuthProviders) == 0 {
		return errStateWithoutProviders
	}
	return nil
}

func (configuration ServerConfig) stateTTL() time.Duration {
	if configuration.OAuthStateTTL > 0 {
		return configuration.OAuthStateTTL
	}
	return DefaultOAuthStateTTL
}
