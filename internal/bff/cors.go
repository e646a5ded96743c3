package bff

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/oopsrest/oopsauth/internal/upstream"
)

// sessionCORS lets the listed browser origins call the auth and proxy routes
// with the session cookie attached.
func sessionCORS(origins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Requested-With", upstream.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Type", upstream.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// sessionOrigins normalizes CORSAllowedOrigins to scheme://host form.
// Every origin must be able to carry the SameSite=Lax session cookie: it is
// never a wildcard, it is served over https unless insecure HTTP is allowed or
// it is a loopback host, and when a cookie domain is set it lives under it.
func (configuration ServerConfig) sessionOrigins() ([]string, error) {
	cookieDomain := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(configuration.CookieDomain), "."))
	seen := make(map[string]struct{}, len(configuration.CORSAllowedOrigins))
	origins := make([]string, 0, len(configuration.CORSAllowedOrigins))
	for _, raw := range configuration.CORSAllowedOrigins {
		candidate := strings.TrimSpace(raw)
		if candidate == "" {
			continue
		}
		if candidate == "*" {
			return nil, errWildcardOrigin
		}
		parsed, parseErr := url.Parse(candidate)
		if parseErr != nil || parsed.Host == "" || parsed.User != nil ||
			(parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" {
			return nil, fmt.Errorf("%w: %s", errInvalidOrigin, candidate)
		}
		scheme := strings.ToLower(parsed.Scheme)
		host := strings.ToLower(parsed.Hostname())
		switch scheme {
		case "https":
		case "http":
			if !configuration.AllowInsecureHTTP && !isLoopbackHost(host) {
				return nil, fmt.Errorf("%w: %s", errInsecureOrigin, candidate)
			}
		default:
			return nil, fmt.Errorf("%w: %s", errInvalidOrigin, candidate)
		}
		if cookieDomain != "" && host != cookieDomain && !strings.HasSuffix(host, "."+cookieDomain) {
			return nil, fmt.Errorf("%w: %s is outside %s", errOriginOutsideCookieDomain, candidate, cookieDomain)
		}
		normalized := scheme + "://" + strings.ToLower(parsed.Host)
		if _, duplicate := seen[normalized]; duplicate {
			continue
		}
		seen[normalized] = struct{}{}
		origins = append(origins, normalized)
	}
	if len(origins) == 0 {
		return nil, errCORSWithoutOrigins
	}
	return origins, nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	address := net.ParseIP(host)
	return address != nil && address.IsLoopback()
}
