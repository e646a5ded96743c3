package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oopsrest/oopsauth/internal/identity"
	"github.com/oopsrest/oopsauth/internal/metrics"
	"github.com/oopsrest/oopsauth/internal/upstream"
	"go.uber.org/zap/zaptest"
)

type fakeUpstream struct {
	calls   atomic.Int32
	gate    chan struct{}
	delay   time.Duration
	failure error
}

func (fake *fakeUpstream) Refresh(ctx context.Context, refreshToken string) (upstream.TokenPair, error) {
	call := fake.calls.Add(1)
	if fake.gate != nil {
		<-fake.gate
	}
	if fake.delay > 0 {
		time.Sleep(fake.delay)
	}
	if fake.failure != nil {
		return upstream.TokenPair{}, fake.failure
	}
	return upstream.TokenPair{
		AccessToken:  fmt.Sprintf("access-%d", call),
		RefreshToken: fmt.Sprintf("refresh-%d", call),
	}, nil
}

func TestCoordinatorSingleFlight(t *testing.T) {
	t.Parallel()

	fake := &fakeUpstream{delay: 20 * time.Millisecond}
	recorder := metrics.NewCounterMetrics()
	coordinator := NewCoordinator(Config{Upstream: fake, Logger: zaptest.NewLogger(t), Metrics: recorder})

	const callers = 25
	results := make([]upstream.TokenPair, callers)
	errs := make([]error, callers)
	var waitGroup sync.WaitGroup
	for index := 0; index < callers; index++ {
		waitGroup.Add(1)
		go func(position int) {
			defer waitGroup.Done()
			results[position], errs[position] = coordinator.Refresh(context.Background(), "refresh-0")
		}(index)
	}
	waitGroup.Wait()

	if fake.calls.Load() != 1 {
		t.Fatalf("expected exactly one upstream refresh, got %d", fake.calls.Load())
	}
	for index := 0; index < callers; index++ {
		if errs[index] != nil {
			t.Fatalf("caller %d failed: %v", index, errs[index])
		}
		if results[index] != results[0] {
			t.Fatalf("caller %d got %+v, want %+v", index, results[index], results[0])
		}
	}
	if recorder.Count(metrics.EventRefreshStarted) != 1 {
		t.Fatalf("expected one started event, got %d", recorder.Count(metrics.EventRefreshStarted))
	}
}

func TestCoordinatorLateCallerReusesRotation(t *testing.T) {
	t.Parallel()

	fake := &fakeUpstream{}
	coordinator := NewCoordinator(Config{Upstream: fake})

	first, err := coordinator.Refresh(context.Background(), "refresh-0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := coordinator.Refresh(context.Background(), "refresh-0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second || fake.calls.Load() != 1 {
		t.Fatalf("expected grace window to replay the rotation; calls=%d", fake.calls.Load())
	}

	if _, err := coordinator.Refresh(context.Background(), first.RefreshToken); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.calls.Load() != 2 {
		t.Fatalf("a new refresh token must start a new flight")
	}
}

func TestCoordinatorWithoutGraceStartsNewFlight(t *testing.T) {
	t.Parallel()

	fake := &fakeUpstream{}
	coordinator := NewCoordinator(Config{Upstream: fake, GraceWindow: -1})

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := coordinator.Refresh(context.Background(), "refresh-0"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if fake.calls.Load() != 2 {
		t.Fatalf("expected two flights without a grace window, got %d", fake.calls.Load())
	}
}

func TestCoordinatorSharesFailureAndDoesNotCacheIt(t *testing.T) {
	t.Parallel()

	rejection := fmt.Errorf("upstream.refresh: %w", identity.ErrRefreshFailed)
	fake := &fakeUpstream{gate: make(chan struct{}), failure: rejection}
	coordinator := NewCoordinator(Config{Upstream: fake})

	const callers = 5
	errs := make(chan error, callers)
	for index := 0; index < callers; index++ {
		go func() {
			_, err := coordinator.Refresh(context.Background(), "refresh-0")
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(fake.gate)

	for index := 0; index < callers; index++ {
		if err := <-errs; !errors.Is(err, identity.ErrRefreshFailed) {
			t.Fatalf("expected shared failure, got %v", err)
		}
	}
	if fake.calls.Load() != 1 {
		t.Fatalf("expected one upstream attempt for concurrent failure, got %d", fake.calls.Load())
	}

	if _, err := coordinator.Refresh(context.Background(), "refresh-0"); err == nil {
		t.Fatalf("expected failure on retry")
	}
	if fake.calls.Load() != 2 {
		t.Fatalf("failures must not be cached; calls=%d", fake.calls.Load())
	}
}

func TestCoordinatorCompletesForCancelledCaller(t *testing.T) {
	t.Parallel()

	fake := &fakeUpstream{delay: 20 * time.Millisecond}
	coordinator := NewCoordinator(Config{Upstream: fake})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pair, err := coordinator.Refresh(ctx, "refresh-0")
	if err != nil {
		t.Fatalf("cancelled caller must still receive the rotation, got %v", err)
	}
	if pair.RefreshToken == "" {
		t.Fatalf("expected rotated refresh token")
	}
}

func TestCoordinatorRejectsEmptyToken(t *testing.T) {
	t.Parallel()

	fake := &fakeUpstream{}
	coordinator := NewCoordinator(Config{Upstream: fake})
	if _, err := coordinator.Refresh(context.Background(), " "); !errors.Is(err, identity.ErrRefreshFailed) {
		t.Fatalf("expected ErrRefreshFailed, got %v", err)
	}
	if fake.calls.Load() != 0 {
		t.Fatalf("empty token must not reach upstream")
	}
}
