package bff

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oopsrest/oopsauth/internal/metrics"
	"github.com/oopsrest/oopsauth/internal/pipeline"
	"github.com/oopsrest/oopsauth/internal/session"
	"github.com/oopsrest/oopsauth/internal/upstream"
	"go.uber.org/zap"
)

// AuthClient is the upstream surface the BFF needs.
type AuthClient interface {
	pipeline.Dispatcher
	IssueGuest(ctx context.Context) (upstream.GuestGrant, error)
	ExchangeOAuthCode(ctx context.Context, provider string, authorizationCode string, redirectURI string) (upstream.UserGrant, error)
	CheckOAuthSignup(ctx context.Context, provider string, authorizationCode string, redirectURI string) (bool, error)
	Logout(ctx context.Context, accessToken string)
	MyInfoRequest() upstream.Request
	DeleteAccountRequest() upstream.Request
}

// Dependencies are the collaborators wired into Server.
type Dependencies struct {
	Client    AuthClient
	Sessions  *session.Manager
	Refresher pipeline.Refresher
	// OAuthStates is required when ServerConfig.VerifyOAuthState is set;
	// a memory store is used when it is nil.
	OAuthStates    OAuthStateStore
	MetricsHandler http.Handler
	Metrics        metrics.Recorder
	Logger         *zap.Logger
}

// Server is the backend-for-frontend: it holds credentials in the sealed
// session cookie and forwards same-origin calls to the upstream API.
type Server struct {
	configuration  ServerConfig
	client         AuthClient
	sessions       *session.Manager
	pipeline       *pipeline.Pipeline
	oauthStates    OAuthStateStore
	corsMiddleware gin.HandlerFunc
	metricsHandler http.Handler
	metrics        metrics.Recorder
	logger         *zap.Logger
}

// NewServer validates configuration and assembles the request pipeline.
func NewServer(configuration ServerConfig, dependencies Dependencies) (*Server, error) {
	if err := configuration.Validate(); err != nil {
		return nil, err
	}
	if dependencies.Client == nil || dependencies.Sessions == nil || dependencies.Refresher == nil {
		panic("bff client, sessions and refresher are required")
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		configuration:  configuration,
		client:         dependencies.Client,
		sessions:       dependencies.Sessions,
		oauthStates:    dependencies.OAuthStates,
		metricsHandler: dependencies.MetricsHandler,
		metrics:        metrics.OrNop(dependencies.Metrics),
		logger:         logger,
	}
	if server.oauthStates == nil && len(configuration.OAuthProviders) > 0 {
		server.oauthStates = NewMemoryOAuthStateStore(configuration.stateTTL())
	}
	if configuration.EnableCORS {
		origins, _ := configuration.sessionOrigins()
		server.corsMiddleware = sessionCORS(origins)
	}
	server.pipeline = pipeline.New(pipeline.Config{
		Dispatcher: dependencies.Client,
		Refresher:  dependencies.Refresher,
		Logger:     logger,
		Metrics:    server.metrics,
	})
	return server, nil
}

// Engine builds the gin engine with middleware and every route.
func (server *Server) Engine() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(ZapLogger(server.logger))
	if server.corsMiddleware != nil {
		router.Use(server.corsMiddleware)
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if server.metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(server.metricsHandler))
	}

	withSession := router.Group("", server.sessions.MirrorMiddleware())
	server.MountAuthRoutes(withSession)
	withSession.Any("/proxy/*path", server.handleProxy)
	return router
}

// MountAuthRoutes registers the /auth endpoints.
func (server *Server) MountAuthRoutes(router gin.IRouter) {
	auth := router.Group("/auth", RequireHTTPS(server.configuration.AllowInsecureHTTP))
	auth.POST("/guest", server.handleGuest)
	auth.POST("/logout", server.handleLogout)
	auth.DELETE("/delete-account", server.handleDeleteAccount)
	auth.GET("/me", server.handleMe)
	auth.GET("/config", server.handleClientConfig)
	auth.POST("/oauth/:provider", server.handleOAuthLogin)
	auth.GET("/oauth/:provider/check", server.handleOAuthCheck)
	auth.GET("/oauth/:provider/authorize", server.handleOAuthAuthorize)
}
