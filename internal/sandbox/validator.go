package sandbox

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oopsrest/oopsauth/internal/upstream"
)

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "sandbox_claims"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("sandbox.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("sandbox.validator.missing_issuer")
	ErrMissingToken      = errors.New("sandbox.validator.missing_token")
	ErrInvalidToken      = errors.New("sandbox.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("sandbox.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("sandbox.validator.expired")
)

// ValidatorConfig configures the Validator.
type ValidatorConfig struct {
	SigningKey []byte
	Issuer     string
	Clock      Clock
}

// Validator checks access tokens presented in the auth header.
type Validator struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// NewValidator constructs a Validator after validating the supplied configuration.
func NewValidator(configuration ValidatorConfig) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("sandbox.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("sandbox.validator.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		clock:      clock,
	}, nil
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
func (validator *Validator) ValidateToken(tokenString string) (*AccessClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("sandbox.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("sandbox.validator.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("sandbox.validator.validate_token: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("sandbox.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*AccessClaims)
	if !ok || claims.UserID <= 0 {
		return nil, fmt.Errorf("sandbox.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("sandbox.validator.validate_token: %w", ErrInvalidIssuer)
	}
	return claims, nil
}

// ValidateRequest reads the auth header from the request and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*AccessClaims, error) {
	if request == nil {
		return nil, fmt.Errorf("sandbox.validator.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateToken(request.Header.Get(upstream.AuthHeader))
}

// GinMiddleware validates the auth header and injects claims under contextKey.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			reason := "Authentication is required."
			if errors.Is(err, ErrTokenExpired) {
				reason = "The access token has expired."
			}
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"reason": reason, "errorCode": "AUTH_UNAUTHORIZED"})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
