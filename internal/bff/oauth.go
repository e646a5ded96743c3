package bff

import (
	"github.com/oopsrest/oopsauth/internal/upstream"
	"golang.org/x/oauth2"
)

var providerEndpoints = map[string]oauth2.Endpoint{
	upstream.ProviderGoogle: {
		AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
	},
	upstream.ProviderKakao: {
		AuthURL:  "https://kauth.kakao.com/oauth/authorize",
		TokenURL: "https://kauth.kakao.com/oauth/token",
	},
}

var defaultScopes = map[string][]string{
	upstream.ProviderGoogle: {"openid", "email", "profile"},
}

// authorizeURL builds the consent page URL. The code it yields is exchanged by
// the upstream, so only the authorize half of the OAuth config is used here.
func authorizeURL(provider string, settings OAuthProvider, state string) string {
	scopes := settings.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes[provider]
	}
	config := oauth2.Config{
		ClientID:    settings.ClientID,
		RedirectURL: settings.RedirectURI,
		Endpoint:    providerEndpoints[provider],
		Scopes:      scopes,
	}
	options := []oauth2.AuthCodeOption{}
	if provider == upstream.ProviderGoogle {
		options = append(options, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	}
	return config.AuthCodeURL(state, options...)
}
