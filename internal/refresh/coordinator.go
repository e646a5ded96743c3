package refresh

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/oopsrest/oopsauth/internal/identity"
	"github.com/oopsrest/oopsauth/internal/metrics"
	"github.com/oopsrest/oopsauth/internal/upstream"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultGraceWindow is how long a completed rotation is replayed to late callers.
const DefaultGraceWindow = 30 * time.Second

// DefaultFlightTimeout bounds a single upstream refresh.
const DefaultFlightTimeout = 15 * time.Second

// Upstream performs the actual token rotation.
type Upstream interface {
	Refresh(ctx context.Context, refreshToken string) (upstream.TokenPair, error)
}

// Config configures Coordinator.
type Config struct {
	Upstream Upstream
	// GraceWindow keeps successful rotations keyed by the consumed refresh token.
	// Zero uses DefaultGraceWindow; a negative value disables the cache.
	GraceWindow   time.Duration
	FlightTimeout time.Duration
	Logger        *zap.Logger
	Metrics       metrics.Recorder
}

// Coordinator guarantees at most one in-flight upstream refresh per refresh
// credential within the process. Concurrent callers share the flight's result.
// Failures are handed to every waiter and are never retried or cached.
type Coordinator struct {
	upstream      Upstream
	flights       singleflight.Group
	grace         *gocache.Cache
	flightTimeout time.Duration
	logger        *zap.Logger
	metrics       metrics.Recorder
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(configuration Config) *Coordinator {
	if configuration.Upstream == nil {
		panic("refresh upstream is required")
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	flightTimeout := configuration.FlightTimeout
	if flightTimeout <= 0 {
		flightTimeout = DefaultFlightTimeout
	}
	graceWindow := configuration.GraceWindow
	if graceWindow == 0 {
		graceWindow = DefaultGraceWindow
	}
	var grace *gocache.Cache
	if graceWindow > 0 {
		grace = gocache.New(graceWindow, 2*graceWindow)
	}
	return &Coordinator{
		upstream:      configuration.Upstream,
		grace:         grace,
		flightTimeout: flightTimeout,
		logger:        logger,
		metrics:       metrics.OrNop(configuration.Metrics),
	}
}

// Refresh rotates refreshToken, joining an in-flight rotation for the same
// token when one exists. The upstream call is detached from ctx cancellation
// so an abandoned caller never strands a half-applied rotation.
func (coordinator *Coordinator) Refresh(ctx context.Context, refreshToken string) (upstream.TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return upstream.TokenPair{}, fmt.Errorf("refresh.coordinator: %w: missing refresh token", identity.ErrRefreshFailed)
	}
	key := fingerprint(refreshToken)

	if pair, ok := coordinator.recent(key); ok {
		coordinator.metrics.Increment(metrics.EventRefreshGraceHit)
		return pair, nil
	}

	result, err, shared := coordinator.flights.Do(key, func() (interface{}, error) {
		if pair, ok := coordinator.recent(key); ok {
			return pair, nil
		}
		coordinator.metrics.Increment(metrics.EventRefreshStarted)
		flightContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), coordinator.flightTimeout)
		defer cancel()

		pair, refreshErr := coordinator.upstream.Refresh(flightContext, refreshToken)
		if refreshErr != nil {
			coordinator.metrics.Increment(metrics.EventRefreshFailure)
			coordinator.logger.Warn("token refresh failed",
				zap.String("code", "refresh.failed"),
				zap.Error(refreshErr))
			return nil, refreshErr
		}
		if coordinator.grace != nil {
			coordinator.grace.SetDefault(key, pair)
		}
		coordinator.metrics.Increment(metrics.EventRefreshSuccess)
		return pair, nil
	})
	if shared {
		coordinator.metrics.Increment(metrics.EventRefreshShared)
	}
	if err != nil {
		return upstream.TokenPair{}, err
	}
	return result.(upstream.TokenPair), nil
}

func (coordinator *Coordinator) recent(key string) (upstream.TokenPair, bool) {
	if coordinator.grace == nil {
		return upstream.TokenPair{}, false
	}
	cached, ok := coordinator.grace.Get(key)
	if !ok {
		return upstream.TokenPair{}, false
	}
	pair, ok := cached.(upstream.TokenPair)
	return pair, ok
}

func fingerprint(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
