package metrics

import "sync"

// Auth lifecycle events.
const (
	EventGuestIssued          = "auth.guest.issued"
	EventGuestIssueFailure    = "auth.guest.failure"
	EventLoginSuccess         = "auth.login.success"
	EventLoginFailure         = "auth.login.failure"
	EventLogout               = "auth.logout"
	EventAccountDeleted       = "auth.account.deleted"
	EventInitializeSuccess    = "auth.initialize.success"
	EventInitializeFailure    = "auth.initialize.failure"
	EventRefreshStarted       = "auth.refresh.started"
	EventRefreshShared        = "auth.refresh.shared"
	EventRefreshGraceHit      = "auth.refresh.grace_hit"
	EventRefreshSuccess       = "auth.refresh.success"
	EventRefreshFailure       = "auth.refresh.failure"
	EventPipelineRetry        = "pipeline.retry"
	EventPipelineGuest401     = "pipeline.guest_unauthorized"
	EventPipelineAdopted      = "pipeline.adopted_rotated_token"
	EventPipelineExpired      = "pipeline.session_expired"
	EventSessionInvalidCookie = "session.invalid_cookie"
)

// Recorder increments counters for auth events.
type Recorder interface {
	Increment(event string)
}

// OrNop returns recorder, or a recorder that drops events when recorder is nil.
func OrNop(recorder Recorder) Recorder {
	if recorder == nil {
		return nopRecorder{}
	}
	return recorder
}

type nopRecorder struct{}

func (nopRecorder) Increment(string) {}

// CounterMetrics implements Recorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// Fanout forwards every event to all recorders.
type Fanout []Recorder

// Increment forwards event to each non-nil recorder.
func (fanout Fanout) Increment(event string) {
	for _, recorder := range fanout {
		if recorder != nil {
			recorder.Increment(event)
		}
	}
}
