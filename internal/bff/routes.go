package bff

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oopsrest/oopsauth/internal/identity"
	"github.com/oopsrest/oopsauth/internal/metrics"
	"github.com/oopsrest/oopsauth/internal/session"
	"github.com/oopsrest/oopsauth/internal/upstream"
	"go.uber.org/zap"
)

const (
	maxProxyBodyBytes = 8 << 20

	messageGuestFailed       = "Failed to create a guest session."
	messageGuestReissue      = "Failed to create a new guest session."
	messageAuthRequired      = "Authentication is required."
	messageUnsupported       = "Unsupported OAuth provider."
	messageMissingCode       = "An authorization code is required."
	messageStateRejected     = "The sign-in request expired. Please try again."
	messageNotConfigured     = "OAuth provider is not configured."
	messageUpstreamUnhealthy = "The service is temporarily unavailable."
	messageBodyTooLarge      = "The request body is too large."
)

type oauthLoginRequest struct {
	AuthorizationCode string `json:"authorizationCode"`
	RedirectURI       string `json:"redirectUri"`
	State             string `json:"state"`
}

func (server *Server) handleGuest(contextGin *gin.Context) {
	grant, err := server.issueGuestSession(contextGin)
	if err != nil {
		writeError(contextGin, http.StatusBadGateway, messageGuestFailed)
		return
	}
	writeIdentity(contextGin, grant.UserID, identity.KindGuest)
}

func (server *Server) handleLogout(contextGin *gin.Context) {
	data := server.sessions.Read(contextGin)
	if data.AccessToken != "" {
		server.client.Logout(contextGin.Request.Context(), data.AccessToken)
	}
	server.sessions.Destroy(contextGin)
	server.metrics.Increment(metrics.EventLogout)

	grant, err := server.issueGuestSession(contextGin)
	if err != nil {
		writeError(contextGin, http.StatusInternalServerError, messageGuestReissue)
		return
	}
	writeIdentity(contextGin, grant.UserID, identity.KindGuest)
}

func (server *Server) handleDeleteAccount(contextGin *gin.Context) {
	if !server.sessions.Read(contextGin).HasIdentity() {
		writeError(contextGin, http.StatusUnauthorized, messageAuthRequired)
		return
	}
	ctx := contextGin.Request.Context()
	response, err := server.pipeline.Do(ctx, server.sessions.Boundary(contextGin), server.client.DeleteAccountRequest())
	if err != nil {
		server.writeUpstreamFailure(contextGin, response, err, "bff.delete_account.failed")
		return
	}
	server.sessions.Destroy(contextGin)
	server.metrics.Increment(metrics.EventAccountDeleted)

	grant, guestErr := server.issueGuestSession(contextGin)
	if guestErr != nil {
		writeError(contextGin, http.StatusInternalServerError, messageGuestReissue)
		return
	}
	writeIdentity(contextGin, grant.UserID, identity.KindGuest)
}

func (server *Server) handleMe(contextGin *gin.Context) {
	if !server.sessions.Read(contextGin).HasIdentity() {
		writeNoIdentity(contextGin)
		return
	}
	ctx := contextGin.Request.Context()
	response, err := server.pipeline.Do(ctx, server.sessions.Boundary(contextGin), server.client.MyInfoRequest())
	if err != nil && !errors.Is(err, identity.ErrSessionExpired) && response == nil {
		server.logger.Warn("identity lookup unavailable",
			zap.String("code", "bff.me.unavailable"),
			zap.Error(err))
		writeError(contextGin, http.StatusBadGateway, messageUpstreamUnhealthy)
		return
	}
	found, ok := upstream.DecodeIdentity(response)
	if err != nil || !ok {
		server.sessions.Destroy(contextGin)
		writeNoIdentity(contextGin)
		return
	}
	kind, known := identity.ParseKind(server.sessions.Read(contextGin).UserType)
	if !known {
		kind = identity.KindFromGuestFlag(found.IsGuest)
	}
	writeIdentity(contextGin, found.UserID, kind)
}

func (server *Server) handleOAuthLogin(contextGin *gin.Context) {
	provider := contextGin.Param("provider")
	if !upstream.SupportedProvider(provider) {
		writeError(contextGin, http.StatusBadRequest, messageUnsupported)
		return
	}
	var inbound oauthLoginRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.AuthorizationCode) == "" {
		writeError(contextGin, http.StatusBadRequest, messageMissingCode)
		return
	}
	ctx := contextGin.Request.Context()
	if server.configuration.VerifyOAuthState {
		if stateErr := server.oauthStates.Consume(ctx, provider, inbound.State); stateErr != nil {
			server.logger.Info("oauth state rejected",
				zap.String("code", "bff.oauth.state_rejected"),
				zap.String("provider", provider),
				zap.Error(stateErr))
			writeError(contextGin, http.StatusBadRequest, messageStateRejected)
			return
		}
	}

	grant, err := server.client.ExchangeOAuthCode(ctx, provider, inbound.AuthorizationCode, server.redirectURI(provider, inbound.RedirectURI))
	if err != nil {
		server.metrics.Increment(metrics.EventLoginFailure)
		var rejected *identity.OAuthRejectedError
		if errors.As(err, &rejected) {
			status := rejected.Status
			if status < http.StatusBadRequest {
				status = http.StatusBadRequest
			}
			writeError(contextGin, status, rejected.UserMessage())
			return
		}
		server.logger.Warn("oauth exchange failed",
			zap.String("code", "bff.oauth.exchange_failed"),
			zap.String("provider", provider),
			zap.Error(err))
		writeError(contextGin, http.StatusBadGateway, identity.UserMessage(err))
		return
	}

	if writeErr := server.sessions.Write(contextGin, session.Data{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		UserID:       grant.UserID,
		UserType:     string(identity.KindUser),
	}); writeErr != nil {
		server.logger.Error("failed to write session",
			zap.String("code", "bff.oauth.session_write_failed"),
			zap.Error(writeErr))
		writeError(contextGin, http.StatusInternalServerError, identity.GenericMessage)
		return
	}
	server.metrics.Increment(metrics.EventLoginSuccess)
	writeIdentity(contextGin, grant.UserID, identity.KindUser)
}

func (server *Server) handleOAuthCheck(contextGin *gin.Context) {
	provider := contextGin.Param("provider")
	if !upstream.SupportedProvider(provider) {
		writeError(contextGin, http.StatusBadRequest, messageUnsupported)
		return
	}
	code := strings.TrimSpace(contextGin.Query("authorizationCode"))
	if code == "" {
		writeError(contextGin, http.StatusBadRequest, messageMissingCode)
		return
	}
	exists, err := server.client.CheckOAuthSignup(contextGin.Request.Context(), provider, code, server.redirectURI(provider, contextGin.Query("redirectUri")))
	if err != nil {
		var rejected *identity.OAuthRejectedError
		if errors.As(err, &rejected) && rejected.Status >= http.StatusBadRequest {
			writeError(contextGin, rejected.Status, rejected.UserMessage())
			return
		}
		writeError(contextGin, http.StatusBadGateway, identity.UserMessage(err))
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"isExists": exists})
}

func (server *Server) handleOAuthAuthorize(contextGin *gin.Context) {
	provider := contextGin.Param("provider")
	settings, ok := server.configuration.OAuthProviders[provider]
	if !ok {
		writeError(contextGin, http.StatusNotFound, messageNotConfigured)
		return
	}
	state, err := server.oauthStates.Issue(contextGin.Request.Context(), provider)
	if err != nil {
		server.logger.Error("failed to issue oauth state",
			zap.String("code", "bff.oauth.state_issue_failed"),
			zap.Error(err))
		writeError(contextGin, http.StatusInternalServerError, identity.GenericMessage)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"authorizeUrl": authorizeURL(provider, settings, state),
		"state":        state,
	})
}

// handleProxy forwards the call through the pipeline and returns the upstream
// reply verbatim. Only a terminal session failure or a transport failure is
// answered by the BFF itself.
func (server *Server) handleProxy(contextGin *gin.Context) {
	var body []byte
	if contextGin.Request.Body != nil && contextGin.Request.Method != http.MethodGet && contextGin.Request.Method != http.MethodHead {
		payload, readErr := io.ReadAll(io.LimitReader(contextGin.Request.Body, maxProxyBodyBytes+1))
		if readErr != nil {
			writeError(contextGin, http.StatusBadRequest, identity.GenericMessage)
			return
		}
		if len(payload) > maxProxyBodyBytes {
			writeError(contextGin, http.StatusRequestEntityTooLarge, messageBodyTooLarge)
			return
		}
		body = payload
	}
	header := http.Header{}
	if contentType := contextGin.GetHeader("Content-Type"); contentType != "" {
		header.Set("Content-Type", contentType)
	}
	request := upstream.Request{
		Method: contextGin.Request.Method,
		Path:   contextGin.Param("path"),
		Query:  contextGin.Request.URL.Query(),
		Header: header,
		Body:   body,
	}

	response, err := server.pipeline.Do(contextGin.Request.Context(), server.sessions.Boundary(contextGin), request)
	if response != nil {
		contextGin.Data(response.StatusCode, response.ContentType(), response.Body)
		return
	}
	server.writeUpstreamFailure(contextGin, nil, err, "bff.proxy.failed")
}

func (server *Server) issueGuestSession(contextGin *gin.Context) (upstream.GuestGrant, error) {
	grant, err := server.client.IssueGuest(contextGin.Request.Context())
	if err != nil {
		server.metrics.Increment(metrics.EventGuestIssueFailure)
		server.logger.Warn("guest issuance failed",
			zap.String("code", "bff.guest.issue_failed"),
			zap.Error(err))
		return upstream.GuestGrant{}, err
	}
	if writeErr := server.sessions.Write(contextGin, session.Data{
		AccessToken: grant.AccessToken,
		UserID:      grant.UserID,
		UserType:    string(identity.KindGuest),
	}); writeErr != nil {
		server.logger.Error("failed to write session",
			zap.String("code", "bff.guest.session_write_failed"),
			zap.Error(writeErr))
		return upstream.GuestGrant{}, writeErr
	}
	server.metrics.Increment(metrics.EventGuestIssued)
	return grant, nil
}

func (server *Server) redirectURI(provider string, requested string) string {
	if strings.TrimSpace(requested) != "" {
		return requested
	}
	return server.configuration.OAuthProviders[provider].RedirectURI
}

// writeUpstreamFailure answers a failed pipeline call. An upstream reply is
// relayed with its status and reason; an expired session becomes 401.
func (server *Server) writeUpstreamFailure(contextGin *gin.Context, response *upstream.Response, err error, code string) {
	if errors.Is(err, identity.ErrSessionExpired) {
		writeError(contextGin, http.StatusUnauthorized, identity.SessionExpiredMessage)
		return
	}
	var apiError *identity.APIError
	if response != nil && errors.As(err, &apiError) {
		writeError(contextGin, response.StatusCode, apiError.UserMessage())
		return
	}
	server.logger.Warn("upstream call failed",
		zap.String("code", code),
		zap.Error(err))
	writeError(contextGin, http.StatusBadGateway, messageUpstreamUnhealthy)
}

func writeIdentity(contextGin *gin.Context, userID int64, kind identity.Kind) {
	contextGin.JSON(http.StatusOK, gin.H{"userId": userID, "userType": string(kind)})
}

func writeNoIdentity(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, gin.H{"userId": nil, "userType": nil})
}

func writeError(contextGin *gin.Context, status int, message string) {
	contextGin.AbortWithStatusJSON(status, gin.H{"error": message})
}
