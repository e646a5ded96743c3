package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/oopsrest/oopsauth/internal/credentials"
	"github.com/oopsrest/oopsauth/internal/identity"
	"github.com/oopsrest/oopsauth/internal/metrics"
	"github.com/oopsrest/oopsauth/internal/upstream"
	"go.uber.org/zap"
)

// Attempt marks how far a request has progressed through 401 recovery.
// Each 401 moves the request strictly forward, so recovery cannot loop.
type Attempt int

const (
	// FirstAttempt is the original dispatch.
	FirstAttempt Attempt = iota
	// RetriedWithRotatedToken replays with an access token another request already rotated in.
	RetriedWithRotatedToken
	// RetriedAfterRefresh replays after this request's own refresh. A 401 here is terminal.
	RetriedAfterRefresh
)

func (attempt Attempt) String() string {
	switch attempt {
	case FirstAttempt:
		return "first"
	case RetriedWithRotatedToken:
		return "rotated"
	case RetriedAfterRefresh:
		return "refreshed"
	default:
		return fmt.Sprintf("attempt(%d)", int(attempt))
	}
}

// Dispatcher sends one upstream request.
type Dispatcher interface {
	Do(ctx context.Context, request upstream.Request, accessToken string) (*upstream.Response, error)
}

// Refresher rotates a refresh credential.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (upstream.TokenPair, error)
}

// TerminalObserver is notified after credentials were cleared because the session expired.
type TerminalObserver func(ctx context.Context, expired *identity.SessionExpiredError)

// Config configures Pipeline.
type Config struct {
	Dispatcher Dispatcher
	Refresher  Refresher
	Logger     *zap.Logger
	Metrics    metrics.Recorder
	OnTerminal TerminalObserver
}

// Pipeline attaches credentials to upstream calls and recovers from expired access tokens.
type Pipeline struct {
	dispatcher Dispatcher
	refresher  Refresher
	logger     *zap.Logger
	metrics    metrics.Recorder
	onTerminal TerminalObserver
}

// New constructs a Pipeline.
func New(configuration Config) *Pipeline {
	if configuration.Dispatcher == nil || configuration.Refresher == nil {
		panic("pipeline dispatcher and refresher are required")
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		dispatcher: configuration.Dispatcher,
		refresher:  configuration.Refresher,
		logger:     logger,
		metrics:    metrics.OrNop(configuration.Metrics),
		onTerminal: configuration.OnTerminal,
	}
}

// Do sends request with the credentials held by boundary.
//
// A 2xx reply returns (response, nil). Any other reply that is not a session
// expiry returns the response together with an *identity.APIError, including
// a guest's 401 which is never refreshed. When a user's 401 cannot be
// recovered by one refresh the boundary is cleared and the error is an
// *identity.SessionExpiredError. A refresh that never reached the upstream
// keeps the credentials and returns the transport error.
func (pipeline *Pipeline) Do(ctx context.Context, boundary credentials.Boundary, request upstream.Request) (*upstream.Response, error) {
	set, found, readErr := boundary.Read(ctx)
	if readErr != nil {
		return nil, fmt.Errorf("pipeline.read_credentials: %w", readErr)
	}
	accessToken := set.AccessToken
	attempt := FirstAttempt

	for {
		response, err := pipeline.dispatcher.Do(ctx, request, accessToken)
		if err != nil {
			return nil, err
		}
		if response.StatusCode != http.StatusUnauthorized {
			if !response.OK() {
				return response, upstream.NewAPIError(response)
			}
			return response, nil
		}

		if !found || !set.CanRefresh() {
			pipeline.metrics.Increment(metrics.EventPipelineGuest401)
			return response, upstream.NewAPIError(response)
		}
		if attempt == RetriedAfterRefresh {
			return nil, pipeline.terminate(ctx, boundary, upstream.NewAPIError(response))
		}

		if attempt == FirstAttempt {
			current, currentFound, currentErr := boundary.Read(ctx)
			if currentErr == nil && currentFound && current.AccessToken != "" && current.AccessToken != accessToken {
				pipeline.metrics.Increment(metrics.EventPipelineAdopted)
				pipeline.logger.Debug("adopting rotated access token",
					zap.String("code", "pipeline.adopt_rotated"),
					zap.String("path", request.Path))
				set = current
				accessToken = current.AccessToken
				attempt = RetriedWithRotatedToken
				continue
			}
			if currentErr == nil && currentFound {
				set = current
			}
		}

		pair, refreshErr := pipeline.refresher.Refresh(ctx, set.RefreshToken)
		if refreshErr != nil {
			if !errors.Is(refreshErr, identity.ErrRefreshFailed) {
				pipeline.logger.Info("refresh did not reach a verdict, keeping credentials",
					zap.String("code", "pipeline.refresh_unreachable"),
					zap.String("path", request.Path),
					zap.Error(refreshErr))
				return nil, fmt.Errorf("pipeline.refresh: %w", refreshErr)
			}
			return nil, pipeline.terminate(ctx, boundary, refreshErr)
		}
		if storeErr := boundary.ReplaceTokens(ctx, pair.AccessToken, pair.RefreshToken); storeErr != nil {
			return nil, fmt.Errorf("pipeline.store_tokens: %w", storeErr)
		}
		set.AccessToken = pair.AccessToken
		set.RefreshToken = pair.RefreshToken
		accessToken = pair.AccessToken
		attempt = RetriedAfterRefresh
		pipeline.metrics.Increment(metrics.EventPipelineRetry)
	}
}

func (pipeline *Pipeline) terminate(ctx context.Context, boundary credentials.Boundary, cause error) error {
	expired := &identity.SessionExpiredError{Cause: cause}
	if clearErr := boundary.Clear(ctx); clearErr != nil {
		pipeline.logger.Error("failed to clear credentials after session expiry",
			zap.String("code", "pipeline.clear_failed"),
			zap.Error(clearErr))
	}
	pipeline.metrics.Increment(metrics.EventPipelineExpired)
	pipeline.logger.Info("session expired",
		zap.String("code", "pipeline.session_expired"),
		zap.Error(cause))
	if pipeline.onTerminal != nil {
		pipeline.onTerminal(ctx, expired)
	}
	return expired
}
