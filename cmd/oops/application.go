package main

import (
	"context"

	"github.com/oopsrest/oopsauth/internal/authstate"
	"github.com/oopsrest/oopsauth/internal/credentials"
	"github.com/oopsrest/oopsauth/internal/identity"
	"github.com/oopsrest/oopsauth/internal/metrics"
	"github.com/oopsrest/oopsauth/internal/pipeline"
	"github.com/oopsrest/oopsauth/internal/refresh"
	"github.com/oopsrest/oopsauth/internal/storage"
	"github.com/oopsrest/oopsauth/internal/upstream"
	"go.uber.org/zap"
)

// application is the client-side auth core of a single CLI invocation.
// Credentials live in the durable jar so consecutive invocations share them.
type application struct {
	logger   *zap.Logger
	counters *metrics.CounterMetrics
	jar      *credentials.DatabaseJar
	store    *credentials.CookieStore
	client   *upstream.Client
	pipeline *pipeline.Pipeline
	machine  *authstate.Machine
}

func newApplication(ctx context.Context, cliConfig CLIConfig, logger *zap.Logger) (*application, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := storage.EnsureSQLiteDirectory(cliConfig.CredentialsURL); err != nil {
		return nil, err
	}
	jar, jarErr := credentials.NewDatabaseJar(ctx, cliConfig.CredentialsURL)
	if jarErr != nil {
		return nil, jarErr
	}
	store, storeErr := credentials.NewCookieStore(jar, cliConfig.Policy)
	if storeErr != nil {
		_ = jar.Close()
		return nil, storeErr
	}
	cliConfig.Upstream.Logger = logger
	client, clientErr := upstream.NewClient(cliConfig.Upstream)
	if clientErr != nil {
		_ = jar.Close()
		return nil, clientErr
	}

	counters := metrics.NewCounterMetrics()
	coordinator := refresh.NewCoordinator(refresh.Config{
		Upstream:      client,
		GraceWindow:   cliConfig.RefreshGrace,
		FlightTimeout: cliConfig.Upstream.Timeout,
		Logger:        logger,
		Metrics:       counters,
	})
	app := &application{
		logger:   logger,
		counters: counters,
		jar:      jar,
		store:    store,
		client:   client,
	}
	app.machine = authstate.NewMachine(authstate.Config{
		API:       client,
		Refresher: coordinator,
		Boundary:  store,
		Logger:    logger,
		Metrics:   counters,
	})
	app.pipeline = pipeline.New(pipeline.Config{
		Dispatcher: client,
		Refresher:  coordinator,
		Logger:     logger,
		Metrics:    counters,
		OnTerminal: app.sessionExpired,
	})
	logger.Debug("credential jar opened", zap.String("driver", jar.Driver()))
	return app, nil
}

func (app *application) sessionExpired(ctx context.Context, expired *identity.SessionExpiredError) {
	if err := app.machine.HandleSessionExpired(ctx); err != nil {
		app.logger.Warn("guest re-issue after session expiry failed",
			zap.String("code", "oops.session_expired_guest"),
			zap.Error(err))
	}
}

// Do sends request through the authenticated pipeline. A guest is obtained
// first when the jar holds no credentials; stored ones go out as they are and
// the pipeline recovers them on a 401.
func (app *application) Do(ctx context.Context, request upstream.Request) (*upstream.Response, error) {
	_, found, err := app.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		if _, initErr := app.machine.Initialize(ctx); initErr != nil {
			return nil, initErr
		}
	}
	return app.pipeline.Do(ctx, app.store, request)
}

func (app *application) Close() error {
	app.logger.Debug("auth events", zap.Any("events", app.counters.Snapshot()))
	_ = app.logger.Sync()
	return app.jar.Close()
}
