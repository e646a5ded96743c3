package sandbox

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oopsrest/oopsauth/internal/upstream"
	"go.uber.org/zap"
)

const (
	// DefaultIssuer signs sandbox access tokens.
	DefaultIssuer = "oops-sandbox"
	// AuthorizationCodePrefix marks codes the sandbox accepts; the rest of the code is the subject.
	AuthorizationCodePrefix = "sandbox-"
	// DeniedAuthorizationCode emulates a user who declined consent.
	DeniedAuthorizationCode = "denied"

	// ErrorCodeRefreshReused is returned when a rotated refresh token is presented again.
	ErrorCodeRefreshReused  = "AUTH_REFRESH_REUSED"
	errorCodeRefreshInvalid = "AUTH_REFRESH_INVALID"
	errorCodeOAuthRejected  = "OAUTH_REJECTED"
	errorCodeBadRequest     = "BAD_REQUEST"
	errorCodeInternal       = "INTERNAL"

	defaultAccessTTL  = 3 * time.Hour
	defaultRefreshTTL = 90 * 24 * time.Hour
)

var errMissingSigningKey = errors.New("sandbox.config.missing_signing_key")

// Config configures the sandbox upstream.
type Config struct {
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	BasePath   string
	Clock      Clock
	Logger     *zap.Logger
}

// Server emulates the upstream auth contract for local development and contract tests.
type Server struct {
	configuration Config
	users         UserStore
	refreshTokens RefreshTokenStore
	validator     *Validator
	logger        *zap.Logger
}

// NewServer validates configuration and binds the stores.
func NewServer(configuration Config, users UserStore, refreshTokens RefreshTokenStore) (*Server, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, errMissingSigningKey
	}
	if users == nil || refreshTokens == nil {
		panic("sandbox stores are required")
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		configuration.Issuer = DefaultIssuer
	}
	if configuration.AccessTTL <= 0 {
		configuration.AccessTTL = defaultAccessTTL
	}
	if configuration.RefreshTTL <= 0 {
		configuration.RefreshTTL = defaultRefreshTTL
	}
	if configuration.BasePath == "" {
		configuration.BasePath = upstream.DefaultBasePath
	}
	if configuration.Clock == nil {
		configuration.Clock = systemClock{}
	}
	if configuration.Logger == nil {
		configuration.Logger = zap.NewNop()
	}
	validator, err := NewValidator(ValidatorConfig{
		SigningKey: configuration.SigningKey,
		Issuer:     configuration.Issuer,
		Clock:      configuration.Clock,
	})
	if err != nil {
		return nil, err
	}
	return &Server{
		configuration: configuration,
		users:         users,
		refreshTokens: refreshTokens,
		validator:     validator,
		logger:        configuration.Logger,
	}, nil
}

// Handler returns a standalone gin engine serving the sandbox routes.
func (server *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	server.Mount(router)
	return router
}

// Mount registers the upstream auth routes under the configured base path.
func (server *Server) Mount(router gin.IRouter) {
	api := router.Group(server.configuration.BasePath)
	api.POST("/auth/guest-users/sign-up", server.handleGuestSignUp)
	api.POST("/oauth/:provider/signup", server.handleOAuthSignUp)
	api.GET("/oauth/:provider/signup/check", server.handleOAuthCheck)
	api.POST("/auth/token/refresh", server.handleRefresh)

	authenticated := api.Group("", server.validator.GinMiddleware(DefaultContextKey))
	authenticated.GET("/my-info", server.handleMyInfo)
	authenticated.DELETE("/my-info", server.handleDeleteAccount)
	authenticated.POST("/auth/logout", server.handleLogout)
}

func (server *Server) handleGuestSignUp(contextGin *gin.Context) {
	profile, err := server.users.CreateGuest(contextGin)
	if err != nil {
		server.fail(contextGin, http.StatusInternalServerError, "sandbox.guest.create_failed", err)
		return
	}
	accessToken, _, mintErr := server.mint(profile)
	if mintErr != nil {
		server.fail(contextGin, http.StatusInternalServerError, "sandbox.guest.mint_failed", mintErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{"accessToken": accessToken, "userId": profile.ID}})
}

type oauthRequest struct {
	AuthorizationCode string `json:"authorizationCode" form:"authorizationCode"`
	RedirectURI       string `json:"redirectUri" form:"redirectUri"`
}

func (server *Server) handleOAuthSignUp(contextGin *gin.Context) {
	provider := contextGin.Param("provider")
	var inbound oauthRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		reject(contextGin, http.StatusBadRequest, "The request body is invalid.", errorCodeBadRequest)
		return
	}
	subject, ok := server.resolveCode(contextGin, provider, inbound)
	if !ok {
		return
	}
	profile, err := server.users.UpsertOAuthUser(contextGin, provider, subject)
	if err != nil {
		server.fail(contextGin, http.StatusInternalServerError, "sandbox.oauth.upsert_failed", err)
		return
	}
	accessToken, _, mintErr := server.mint(profile)
	if mintErr != nil {
		server.fail(contextGin, http.StatusInternalServerError, "sandbox.oauth.mint_failed", mintErr)
		return
	}
	_, refreshOpaque, issueErr := server.refreshTokens.Issue(contextGin, profile.ID, server.refreshExpiry(), "")
	if issueErr != nil {
		server.fail(contextGin, http.StatusInternalServerError, "sandbox.oauth.issue_refresh_failed", issueErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{
		"userId": profile.ID,
		"tokens": gin.H{"accessToken": accessToken, "refreshToken": refreshOpaque},
	}})
}

func (server *Server) handleOAuthCheck(contextGin *gin.Context) {
	provider := contextGin.Param("provider")
	var inbound oauthRequest
	if err := contextGin.ShouldBindQuery(&inbound); err != nil {
		reject(contextGin, http.StatusBadRequest, "The request query is invalid.", errorCodeBadRequest)
		return
	}
	subject, ok := server.resolveCode(contextGin, provider, inbound)
	if !ok {
		return
	}
	_, found, err := server.users.FindOAuthUser(contextGin, provider, subject)
	if err != nil {
		server.fail(contextGin, http.StatusInternalServerError, "sandbox.oauth.check_failed", err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{"isExists": found}})
}

// resolveCode maps an authorization code to a provider subject, writing the rejection when it fails.
func (server *Server) resolveCode(contextGin *gin.Context, provider string, inbound oauthRequest) (string, bool) {
	if !upstream.SupportedProvider(provider) {
		reject(contextGin, http.StatusBadRequest, "Unsupported OAuth provider.", errorCodeOAuthRejected)
		return "", false
	}
	code := strings.TrimSpace(inbound.AuthorizationCode)
	switch {
	case code == DeniedAuthorizationCode:
		reject(contextGin, http.StatusBadRequest, "The user declined to grant access.", errorCodeOAuthRejected)
		return "", false
	case strings.HasPrefix(code, AuthorizationCodePrefix) && len(code) > len(AuthorizationCodePrefix):
		return strings.TrimPrefix(code, AuthorizationCodePrefix), true
	default:
		reject(contextGin, http.StatusBadRequest, "The authorization code is invalid or expired.", errorCodeOAuthRejected)
		return "", false
	}
}

func (server *Server) handleRefresh(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
		reject(contextGin, http.StatusBadRequest, "A refresh token is required.", errorCodeBadRequest)
		return
	}

	userID, currentTokenID, _, validateErr := server.refreshTokens.Validate(contextGin, inbound.RefreshToken)
	if validateErr != nil {
		if errors.Is(validateErr, ErrRefreshTokenRevoked) {
			server.logger.Warn("rotated refresh token presented again",
				zap.String("code", "sandbox.refresh.reused"))
			reject(contextGin, http.StatusUnauthorized, "The refresh token has already been used.", ErrorCodeRefreshReused)
			return
		}
		reject(contextGin, http.StatusUnauthorized, "The refresh token is invalid or expired.", errorCodeRefreshInvalid)
		return
	}
	if revokeErr := server.refreshTokens.Revoke(contextGin, currentTokenID); revokeErr != nil {
		if errors.Is(revokeErr, ErrRefreshTokenAlreadyRevoked) {
			reject(contextGin, http.StatusUnauthorized, "The refresh token has already been used.", ErrorCodeRefreshReused)
			return
		}
		server.fail(contextGin, http.StatusInternalServerError, "sandbox.refresh.revoke_failed", revokeErr)
		return
	}

	profile, profileErr := server.users.GetProfile(contextGin, userID)
	if profileErr != nil {
		reject(contextGin, http.StatusUnauthorized, "The account no longer exists.", errorCodeRefreshInvalid)
		return
	}
	accessToken, _, mintErr := server.mint(profile)
	if mintErr != nil {
		server.fail(contextGin, http.StatusInternalServerError, "sandbox.refresh.mint_failed", mintErr)
		return
	}
	_, newOpaque, issueErr := server.refreshTokens.Issue(contextGin, userID, server.refreshExpiry(), currentTokenID)
	if issueErr != nil {
		server.fail(contextGin, http.StatusInternalServerError, "sandbox.refresh.issue_failed", issueErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{"accessToken": accessToken, "refreshToken": newOpaque}})
}

func (server *Server) handleMyInfo(contextGin *gin.Context) {
	claims := contextGin.MustGet(DefaultContextKey).(*AccessClaims)
	profile, err := server.users.GetProfile(contextGin, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserProfileNotFound) {
			reject(contextGin, http.StatusUnauthorized, "The account no longer exists.", "AUTH_UNAUTHORIZED")
			return
		}
		server.fail(contextGin, http.StatusInternalServerError, "sandbox.my_info.lookup_failed", err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"data": gin.H{
		"id":       profile.ID,
		"name":     optional(profile.Name),
		"nickname": optional(profile.Nickname),
		"isGuest":  profile.IsGuest,
	}})
}

func (server *Server) handleLogout(contextGin *gin.Context) {
	claims := contextGin.MustGet(DefaultContextKey).(*AccessClaims)
	if err := server.refreshTokens.RevokeUser(contextGin, claims.UserID); err != nil {
		server.fail(contextGin, http.StatusInternalServerError, "sandbox.logout.revoke_failed", err)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (server *Server) handleDeleteAccount(contextGin *gin.Context) {
	claims := contextGin.MustGet(DefaultContextKey).(*AccessClaims)
	if err := server.users.Delete(contextGin, claims.UserID); err != nil {
		if errors.Is(err, ErrUserProfileNotFound) {
			reject(contextGin, http.StatusNotFound, "The account does not exist.", "USER_NOT_FOUND")
			return
		}
		server.fail(contextGin, http.StatusInternalServerError, "sandbox.delete.failed", err)
		return
	}
	if err := server.refreshTokens.RevokeUser(contextGin, claims.UserID); err != nil {
		server.logger.Warn("failed to revoke tokens of deleted account",
			zap.String("code", "sandbox.delete.revoke_failed"),
			zap.Error(err))
	}
	contextGin.Status(http.StatusNoContent)
}

func (server *Server) mint(profile Profile) (string, time.Time, error) {
	return MintAccessToken(server.configuration.Clock, profile.ID, profile.IsGuest, server.configuration.Issuer, server.configuration.SigningKey, server.configuration.AccessTTL)
}

func (server *Server) refreshExpiry() int64 {
	return server.configuration.Clock.Now().UTC().Add(server.configuration.RefreshTTL).Unix()
}

func (server *Server) fail(contextGin *gin.Context, status int, code string, err error) {
	server.logger.Error("sandbox request failed", zap.String("code", code), zap.Error(err))
	reject(contextGin, status, "", errorCodeInternal)
}

func reject(contextGin *gin.Context, status int, reason string, errorCode string) {
	body := gin.H{"errorCode": errorCode}
	if reason != "" {
		body["reason"] = reason
	}
	contextGin.AbortWithStatusJSON(status, body)
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
