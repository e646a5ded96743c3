package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/oopsrest/oopsauth/internal/bff"
	"github.com/oopsrest/oopsauth/internal/metrics"
	"github.com/oopsrest/oopsauth/internal/refresh"
	"github.com/oopsrest/oopsauth/internal/sandbox"
	"github.com/oopsrest/oopsauth/internal/session"
	"github.com/oopsrest/oopsauth/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "oopsbff",
		Short:             "Backend-for-frontend holding oops credentials in a sealed session cookie",
		SilenceUsage:      true,
		PersistentPreRunE: loadDotEnv,
	}
	rootCmd.PersistentFlags().String("env_file", ".env", "Optional dotenv file loaded before reading OOPS_* variables")
	rootCmd.AddCommand(newServeCommand(), newSandboxCommand())

	_ = viper.BindPFlag("env_file", rootCmd.PersistentFlags().Lookup("env_file"))
	viper.SetEnvPrefix("OOPS")
	viper.AutomaticEnv()

	return rootCmd
}

func newServeCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the BFF in front of the upstream API",
		PreRunE: prepareServeConfig,
		RunE:    runServe,
	}
	serveCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("upstream_base_url", "", "Upstream API origin, e.g. https://api.oops.rest")
	serveCmd.Flags().Duration("upstream_timeout", upstream.DefaultTimeout, "Timeout for every upstream call")
	serveCmd.Flags().String("session_secret", "", "Secret sealing the session cookie (at least 32 characters)")
	serveCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	serveCmd.Flags().Duration("refresh_ttl", session.DefaultMaxAge, "Session cookie lifetime")
	serveCmd.Flags().Duration("refresh_grace", refresh.DefaultGraceWindow, "Window in which a consumed refresh token reuses its rotation result; negative disables")
	serveCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	serveCmd.Flags().Bool("enable_cors", false, "Enable credentialed CORS for cross-origin clients")
	serveCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	serveCmd.Flags().String("google_client_id", "", "Google OAuth client id for the authorize URL")
	serveCmd.Flags().String("google_redirect_uri", "", "Google OAuth redirect URI")
	serveCmd.Flags().String("kakao_client_id", "", "Kakao OAuth client id for the authorize URL")
	serveCmd.Flags().String("kakao_redirect_uri", "", "Kakao OAuth redirect URI")
	serveCmd.Flags().Bool("verify_oauth_state", false, "Require the state issued by the authorize route on OAuth sign-in")
	serveCmd.Flags().Duration("oauth_state_ttl", bff.DefaultOAuthStateTTL, "Lifetime of an issued OAuth state")
	return serveCmd
}

func newSandboxCommand() *cobra.Command {
	sandboxCmd := &cobra.Command{
		Use:     "sandbox",
		Short:   "Run an in-process emulator of the upstream auth API for local development",
		PreRunE: prepareSandboxConfig,
		RunE:    runSandbox,
	}
	sandboxCmd.Flags().String("listen_addr", ":8081", "HTTP listen address")
	sandboxCmd.Flags().String("sandbox_signing_key", "", "HS256 signing secret for sandbox access tokens")
	sandboxCmd.Flags().String("sandbox_database_url", "", "Database URL for sandbox accounts and refresh tokens (postgres:// or sqlite://; empty for in-memory)")
	sandboxCmd.Flags().Duration("access_ttl", 3*time.Hour, "Access token TTL")
	sandboxCmd.Flags().Duration("refresh_ttl", 90*24*time.Hour, "Refresh token TTL")
	return sandboxCmd
}

const (
	configCodeMissingUpstreamBaseURL   = "config.missing_upstream_base_url"
	configCodeInvalidUpstreamTimeout   = "config.invalid_upstream_timeout"
	configCodeMissingSessionSecret     = "config.missing_session_secret"
	configCodeShortSessionSecret       = "config.short_session_secret"
	configCodeInvalidRefreshTTL        = "config.invalid_refresh_ttl"
	configCodeIncompleteOAuthProvider  = "config.incomplete_oauth_provider"
	configCodeInvalidServerConfig      = "config.invalid_server_config"
	configCodeMissingSandboxSigningKey = "config.missing_sandbox_signing_key"
	configCodeInvalidAccessTTL         = "config.invalid_access_ttl"
	configCodeRefreshNotLonger         = "config.refresh_not_longer_than_access"
	configCodeUninitializedConfig      = "config.uninitialized_config"
	configCodeDotEnv                   = "config.dotenv"
)

type contextKey string

const (
	serveConfigContextKey   contextKey = "serveConfig"
	sandboxConfigContextKey contextKey = "sandboxConfig"
)

// ServeConfig is the validated configuration of the serve command.
type ServeConfig struct {
	ListenAddr   string
	Upstream     upstream.Config
	Session      session.Config
	RefreshGrace time.Duration
	Server       bff.ServerConfig
}

// SandboxConfig is the validated configuration of the sandbox command.
type SandboxConfig struct {
	ListenAddr  string
	DatabaseURL string
	Sandbox     sandbox.Config
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func loadDotEnv(command *cobra.Command, arguments []string) error {
	envFile := viper.GetString("env_file")
	if strings.TrimSpace(envFile) == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return configError(configCodeDotEnv, err.Error())
	}
	return nil
}

func prepareServeConfig(command *cobra.Command, arguments []string) error {
	if err := viper.BindPFlags(command.Flags()); err != nil {
		return err
	}
	serveConfig, loadErr := LoadServeConfig()
	if loadErr != nil {
		return loadErr
	}
	command.SetContext(context.WithValue(commandContext(command), serveConfigContextKey, serveConfig))
	return nil
}

func prepareSandboxConfig(command *cobra.Command, arguments []string) error {
	if err := viper.BindPFlags(command.Flags()); err != nil {
		return err
	}
	sandboxConfig, loadErr := LoadSandboxConfig()
	if loadErr != nil {
		return loadErr
	}
	command.SetContext(context.WithValue(commandContext(command), sandboxConfigContextKey, sandboxConfig))
	return nil
}

func commandContext(command *cobra.Command) context.Context {
	if existing := command.Context(); existing != nil {
		return existing
	}
	return context.Background()
}

// LoadServeConfig reads and validates the serve configuration from viper.
func LoadServeConfig() (ServeConfig, error) {
	baseURL := viper.GetString("upstream_base_url")
	if strings.TrimSpace(baseURL) == "" {
		return ServeConfig{}, configError(configCodeMissingUpstreamBaseURL, "upstream_base_url must be provided")
	}
	timeout := viper.GetDuration("upstream_timeout")
	if timeout <= 0 {
		return ServeConfig{}, configError(configCodeInvalidUpstreamTimeout, "upstream_timeout must be greater than zero")
	}
	secret := viper.GetString("session_secret")
	if secret == "" {
		return ServeConfig{}, configError(configCodeMissingSessionSecret, "session_secret must be provided")
	}
	if len(secret) < session.MinSecretLength {
		return ServeConfig{}, configError(configCodeShortSessionSecret, fmt.Sprintf("session_secret must be at least %d characters", session.MinSecretLength))
	}
	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return ServeConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	providers := map[string]bff.OAuthProvider{}
	for _, provider := range []string{upstream.ProviderGoogle, upstream.ProviderKakao} {
		clientID := viper.GetString(provider + "_client_id")
		redirectURI := viper.GetString(provider + "_redirect_uri")
		if clientID == "" && redirectURI == "" {
			continue
		}
		if clientID == "" || redirectURI == "" {
			return ServeConfig{}, configError(configCodeIncompleteOAuthProvider, fmt.Sprintf("%s_client_id and %s_redirect_uri must be provided together", provider, provider))
		}
		providers[provider] = bff.OAuthProvider{ClientID: clientID, RedirectURI: redirectURI}
	}

	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	cookieDomain := viper.GetString("cookie_domain")
	serverConfig := bff.ServerConfig{
		AllowInsecureHTTP:  devInsecureHTTP,
		EnableCORS:         viper.GetBool("enable_cors"),
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
		CookieDomain:       cookieDomain,
		OAuthProviders:     providers,
		VerifyOAuthState:   viper.GetBool("verify_oauth_state"),
		OAuthStateTTL:      viper.GetDuration("oauth_state_ttl"),
	}
	if err := serverConfig.Validate(); err != nil {
		return ServeConfig{}, configError(configCodeInvalidServerConfig, err.Error())
	}

	return ServeConfig{
		ListenAddr: viper.GetString("listen_addr"),
		Upstream: upstream.Config{
			BaseURL: baseURL,
			Timeout: timeout,
		},
		Session: session.Config{
			Secret:       secret,
			CookieDomain: cookieDomain,
			MaxAge:       refreshTTL,
			Secure:       !devInsecureHTTP,
		},
		RefreshGrace: viper.GetDuration("refresh_grace"),
		Server:       serverConfig,
	}, nil
}

// LoadSandboxConfig reads and validates the sandbox configuration from viper.
func LoadSandboxConfig() (SandboxConfig, error) {
	signingKey := viper.GetString("sandbox_signing_key")
	if signingKey == "" {
		return SandboxConfig{}, configError(configCodeMissingSandboxSigningKey, "sandbox_signing_key must be provided")
	}
	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return SandboxConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}
	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return SandboxConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}
	if refreshTTL <= accessTTL {
		return SandboxConfig{}, configError(configCodeRefreshNotLonger, "refresh_ttl must be longer than access_ttl")
	}
	return SandboxConfig{
		ListenAddr:  viper.GetString("listen_addr"),
		DatabaseURL: viper.GetString("sandbox_database_url"),
		Sandbox: sandbox.Config{
			SigningKey: []byte(signingKey),
			AccessTTL:  accessTTL,
			RefreshTTL: refreshTTL,
		},
	}, nil
}

func runServe(command *cobra.Command, arguments []string) error {
	serveConfig, ok := commandContext(command).Value(serveConfigContextKey).(ServeConfig)
	if !ok {
		return configError(configCodeUninitializedConfig, "serve configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	prometheusMetrics, metricsErr := metrics.NewPrometheusMetrics(prometheus.DefaultRegisterer)
	if metricsErr != nil {
		return metricsErr
	}

	serveConfig.Upstream.Logger = logger
	client, clientErr := upstream.NewClient(serveConfig.Upstream)
	if clientErr != nil {
		return clientErr
	}
	serveConfig.Session.Logger = logger
	serveConfig.Session.Metrics = prometheusMetrics
	sessions, sessionErr := session.NewManager(serveConfig.Session)
	if sessionErr != nil {
		return sessionErr
	}
	coordinator := refresh.NewCoordinator(refresh.Config{
		Upstream:      client,
		GraceWindow:   serveConfig.RefreshGrace,
		FlightTimeout: serveConfig.Upstream.Timeout,
		Logger:        logger,
		Metrics:       prometheusMetrics,
	})

	server, serverErr := bff.NewServer(serveConfig.Server, bff.Dependencies{
		Client:         client,
		Sessions:       sessions,
		Refresher:      coordinator,
		MetricsHandler: promhttp.Handler(),
		Metrics:        prometheusMetrics,
		Logger:         logger,
	})
	if serverErr != nil {
		return serverErr
	}

	gin.SetMode(gin.ReleaseMode)
	logger.Info("proxying upstream",
		zap.String("upstream", serveConfig.Upstream.BaseURL),
		zap.Bool("insecure_http", serveConfig.Server.AllowInsecureHTTP))
	return listenAndServe(logger, serveConfig.ListenAddr, server.Engine())
}

func runSandbox(command *cobra.Command, arguments []string) error {
	sandboxConfig, ok := commandContext(command).Value(sandboxConfigContextKey).(SandboxConfig)
	if !ok {
		return configError(configCodeUninitializedConfig, "sandbox configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	var users sandbox.UserStore
	var refreshTokens sandbox.RefreshTokenStore
	if sandboxConfig.DatabaseURL != "" {
		databaseUsers, databaseTokens, storeErr := sandbox.OpenDatabaseStores(command.Context(), sandboxConfig.DatabaseURL)
		if storeErr != nil {
			return storeErr
		}
		users, refreshTokens = databaseUsers, databaseTokens
		logger.Info("using persistent sandbox stores", zap.String("driver", databaseTokens.Driver()))
	} else {
		users, refreshTokens = sandbox.NewMemoryUsers(), sandbox.NewMemoryRefreshTokenStore()
		logger.Info("using in-memory sandbox stores")
	}

	sandboxConfig.Sandbox.Logger = logger
	sandboxServer, sandboxErr := sandbox.NewServer(sandboxConfig.Sandbox, users, refreshTokens)
	if sandboxErr != nil {
		return sandboxErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(bff.ZapLogger(logger))
	sandboxServer.Mount(router)
	return listenAndServe(logger, sandboxConfig.ListenAddr, router)
}

func listenAndServe(logger *zap.Logger, listenAddr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}
