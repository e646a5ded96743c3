package bff

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

type providerConfig struct {
	Name         string `json:"name"`
	ClientID     string `json:"clientId"`
	RedirectURI  string `json:"redirectUri"`
	AuthorizeURL string `json:"authorizeUrl"`
}

type clientConfig struct {
	BaseURL          string           `json:"baseUrl"`
	Providers        []providerConfig `json:"providers"`
	VerifyOAuthState bool             `json:"verifyOAuthState"`
}

// handleClientConfig tells a frontend which sign-in buttons to render and where the BFF lives.
func (server *Server) handleClientConfig(contextGin *gin.Context) {
	names := make([]string, 0, len(server.configuration.OAuthProviders))
	for name := range server.configuration.OAuthProviders {
		names = append(names, name)
	}
	sort.Strings(names)

	providers := make([]providerConfig, 0, len(names))
	for _, name := range names {
		settings := server.configuration.OAuthProviders[name]
		providers = append(providers, providerConfig{
			Name:         name,
			ClientID:     settings.ClientID,
			RedirectURI:  settings.RedirectURI,
			AuthorizeURL: "/auth/oauth/" + name + "/authorize",
		})
	}

	contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	contextGin.Header("Pragma", "no-cache")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.JSON(http.StatusOK, clientConfig{
		BaseURL:          fmt.Sprintf("%s://%s", forwardedProto(contextGin.Request), requestHost(contextGin.Request)),
		Providers:        providers,
		VerifyOAuthState: server.configuration.VerifyOAuthState,
	})
}

func forwardedProto(request *http.Request) string {
	if headerValue := request.Header.Get("X-Forwarded-Proto"); headerValue != "" {
		return headerValue
	}
	if request.TLS != nil {
		return "https"
	}
	return "http"
}

func requestHost(request *http.Request) string {
	if forwarded := request.Header.Get("X-Forwarded-Host"); forwarded != "" {
		return forwarded
	}
	if request.Host != "" {
		return request.Host
	}
	return "localhost"
}
