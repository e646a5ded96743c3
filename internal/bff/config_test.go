package bff

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestServerConfigValidate(t *testing.T) {
	validProvider := OAuthProvider{ClientID: "client", RedirectURI: "https://oops.rest/auth/google/callback"}
	testCases := []struct {
		name          string
		configuration ServerConfig
		expected      error
	}{
		{name: "empty", configuration: ServerConfig{}},
		{name: "cors without origins", configuration: ServerConfig{EnableCORS: true}, expected: errCORSWithoutOrigins},
		{name: "unsupported provider", configuration: ServerConfig{OAuthProviders: map[string]OAuthProvider{"github": validProvider}}, expected: errUnsupportedProvider},
		{name: "missing client id", configuration: ServerConfig{OAuthProviders: map[string]OAuthProvider{"google": {RedirectURI: validProvider.RedirectURI}}}, expected: errMissingClientID},
		{name: "relative redirect", configuration: ServerConfig{OAuthProviders: map[string]OAuthProvider{"kakao": {ClientID: "client", RedirectURI: "/callback"}}}, expected: errInvalidRedirectURI},
		{name: "state without providers", configuration: ServerConfig{VerifyOAuthState: true}, expected: errStateWithoutProviders},
		{name: "complete", configuration: ServerConfig{EnableCORS: true, CORSAllowedOrigins: []string{"https://oops.rest"}, VerifyOAuthState: true, OAuthProviders: map[string]OAuthProvider{"google": validProvider}}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := testCase.configuration.Validate()
			if testCase.expected == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if testCase.expected != nil && !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestSessionCORSPreflight(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	configuration := ServerConfig{EnableCORS: true, CORSAllowedOrigins: []string{"http://localhost:3000", "http://localhost:3000/"}}
	origins, err := configuration.sessionOrigins()
	if err != nil {
		t.Fatalf("unexpected error normalizing origins: %v", err)
	}
	router := gin.New()
	router.Use(sessionCORS(origins))
	router.OPTIONS("/auth/me", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/auth/me", nil)
	request.Header.Set("Origin", "http://localhost:3000")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:3000" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentialed CORS")
	}
}

func TestServerConfigValidateSessionOrigins(t *testing.T) {
	testCases := []struct {
		name          string
		configuration ServerConfig
		expected      error
	}{
		{name: "blank only", configuration: ServerConfig{CORSAllowedOrigins: []string{"  "}}, expected: errCORSWithoutOrigins},
		{name: "wildcard", configuration: ServerConfig{CORSAllowedOrigins: []string{"*"}}, expected: errWildcardOrigin},
		{name: "path", configuration: ServerConfig{CORSAllowedOrigins: []string{"https://oops.rest/app"}}, expected: errInvalidOrigin},
		{name: "scheme", configuration: ServerConfig{CORSAllowedOrigins: []string{"ftp://oops.rest"}}, expected: errInvalidOrigin},
		{name: "query", configuration: ServerConfig{CORSAllowedOrigins: []string{"https://oops.rest?x=1"}}, expected: errInvalidOrigin},
		{name: "plain http in production", configuration: ServerConfig{CORSAllowedOrigins: []string{"http://oops.rest"}}, expected: errInsecureOrigin},
		{name: "plain http with insecure dev mode", configuration: ServerConfig{AllowInsecureHTTP: true, CORSAllowedOrigins: []string{"http://oops.test"}}},
		{name: "loopback http", configuration: ServerConfig{CORSAllowedOrigins: []string{"http://127.0.0.1:5173"}}},
		{name: "origin outside cookie domain", configuration: ServerConfig{CookieDomain: ".oops.rest", CORSAllowedOrigins: []string{"https://oops.example"}}, expected: errOriginOutsideCookieDomain},
		{name: "suffix is not a subdomain", configuration: ServerConfig{CookieDomain: "oops.rest", CORSAllowedOrigins: []string{"https://notoops.rest"}}, expected: errOriginOutsideCookieDomain},
		{name: "subdomain of cookie domain", configuration: ServerConfig{CookieDomain: ".oops.rest", CORSAllowedOrigins: []string{"https://app.oops.rest", "https://oops.rest"}}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			testCase.configuration.EnableCORS = true
			err := testCase.configuration.Validate()
			if testCase.expected == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if testCase.expected != nil && !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}

	origins, err := ServerConfig{CORSAllowedOrigins: []string{"HTTPS://Oops.Rest", "https://oops.rest/", "http://localhost:3000"}}.sessionOrigins()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(origins) != 2 || origins[0] != "https://oops.rest" {
		t.Fatalf("expected normalized origins without duplicates, got %v", origins)
	}
}

func TestIsHTTPS(t *testing.T) {
	testCases := []struct {
		name     string
		prepare  func(request *http.Request)
		expected bool
	}{
		{name: "plain", prepare: func(request *http.Request) {}, expected: false},
		{name: "forwarded proto", prepare: func(request *http.Request) { request.Header.Set("X-Forwarded-Proto", "https") }, expected: true},
		{name: "forwarded header", prepare: func(request *http.Request) { request.Header.Set("Forwarded", "for=1.2.3.4;proto=https") }, expected: true},
		{name: "localhost", prepare: func(request *http.Request) { request.Host = "localhost:8080" }, expected: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "http://oops.rest/auth/me", nil)
			testCase.prepare(request)
			if got := isHTTPS(request); got != testCase.expected {
				t.Fatalf("expected %v, got %v", testCase.expected, got)
			}
		})
	}
}
