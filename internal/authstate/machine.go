package authstate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oopsrest/oopsauth/internal/credentials"
	"github.com/oopsrest/oopsauth/internal/identity"
	"github.com/oopsrest/oopsauth/internal/metrics"
	"github.com/oopsrest/oopsauth/internal/upstream"
	"go.uber.org/zap"
)

// AuthAPI is the upstream surface the machine drives.
type AuthAPI interface {
	IssueGuest(ctx context.Context) (upstream.GuestGrant, error)
	ExchangeOAuthCode(ctx context.Context, provider string, authorizationCode string, redirectURI string) (upstream.UserGrant, error)
	LookupIdentity(ctx context.Context, accessToken string) (upstream.Identity, bool)
	Logout(ctx context.Context, accessToken string)
	DeleteAccount(ctx context.Context, accessToken string) error
}

// Refresher rotates a refresh credential, typically a refresh.Coordinator.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (upstream.TokenPair, error)
}

// State is a snapshot of the process's auth lifecycle.
type State struct {
	IsInitialized bool
	IsLoading     bool
	Kind          *identity.Kind
	UserID        *int64
	Error         string
}

// HasIdentity reports whether the state carries a guest or user identity.
func (state State) HasIdentity() bool {
	return state.Kind != nil
}

// IsUser reports whether the active identity is an authenticated user.
func (state State) IsUser() bool {
	return state.Kind != nil && *state.Kind == identity.KindUser
}

// Config configures Machine.
type Config struct {
	API       AuthAPI
	Refresher Refresher
	Boundary  credentials.Boundary
	Logger    *zap.Logger
	Metrics   metrics.Recorder
}

// Machine owns the auth lifecycle of one process. Mutating operations are
// serialized; readers use State or Subscribe.
type Machine struct {
	api       AuthAPI
	refresher Refresher
	boundary  credentials.Boundary
	logger    *zap.Logger
	metrics   metrics.Recorder

	initOnce  sync.Once
	operation sync.Mutex

	mutex       sync.Mutex
	state       State
	subscribers map[int]chan State
	nextID      int
}

// NewMachine constructs an uninitialized Machine.
func NewMachine(configuration Config) *Machine {
	if configuration.API == nil || configuration.Refresher == nil || configuration.Boundary == nil {
		panic("auth machine requires api, refresher, and boundary")
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		api:         configuration.API,
		refresher:   configuration.Refresher,
		boundary:    configuration.Boundary,
		logger:      logger,
		metrics:     metrics.OrNop(configuration.Metrics),
		subscribers: make(map[int]chan State),
	}
}

// State returns the current snapshot.
func (machine *Machine) State() State {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()
	return machine.state
}

// Subscribe delivers every subsequent snapshot. Slow subscribers only see the
// latest one. The returned function unsubscribes and closes the channel.
func (machine *Machine) Subscribe() (<-chan State, func()) {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()
	subscriberID := machine.nextID
	machine.nextID++
	channel := make(chan State, 1)
	machine.subscribers[subscriberID] = channel
	var once sync.Once
	return channel, func() {
		once.Do(func() {
			machine.mutex.Lock()
			defer machine.mutex.Unlock()
			delete(machine.subscribers, subscriberID)
			close(channel)
		})
	}
}

func (machine *Machine) update(mutate func(*State)) {
	machine.mutex.Lock()
	defer machine.mutex.Unlock()
	mutate(&machine.state)
	snapshot := machine.state
	for _, channel := range machine.subscribers {
		select {
		case channel <- snapshot:
		default:
			select {
			case <-channel:
			default:
			}
			channel <- snapshot
		}
	}
}

func (machine *Machine) setLoading(loading bool) {
	machine.update(func(state *State) { state.IsLoading = loading })
}

func (machine *Machine) adopt(kind identity.Kind, userID int64) {
	machine.update(func(state *State) {
		state.IsInitialized = true
		state.IsLoading = false
		state.Kind = &kind
		state.UserID = &userID
		state.Error = ""
	})
}

func (machine *Machine) fail(message string) {
	machine.update(func(state *State) {
		state.IsInitialized = true
		state.IsLoading = false
		state.Kind = nil
		state.UserID = nil
		state.Error = message
	})
}

// Initialize establishes an identity exactly once per Machine. Later and
// concurrent callers wait for and receive the settled state without any
// upstream work. The returned error is an *identity.InitializationError when
// no identity could be established; the machine is still initialized.
func (machine *Machine) Initialize(ctx context.Context) (State, error) {
	machine.initOnce.Do(func() {
		machine.operation.Lock()
		defer machine.operation.Unlock()
		machine.initialize(ctx)
	})
	state := machine.State()
	if state.Error != "" && !state.HasIdentity() {
		return state, &identity.InitializationError{Message: state.Error}
	}
	return state, nil
}

func (machine *Machine) initialize(ctx context.Context) {
	machine.setLoading(true)
	switch machine.restore(ctx) {
	case restored:
		machine.metrics.Increment(metrics.EventInitializeSuccess)
		return
	case upstreamUnreachable:
		machine.metrics.Increment(metrics.EventInitializeFailure)
		machine.logger.Warn("upstream unreachable, keeping stored credentials",
			zap.String("code", "authstate.initialize_unreachable"))
		machine.fail(identity.InitializationMessage)
		return
	}
	if err := machine.issueGuest(ctx); err != nil {
		machine.metrics.Increment(metrics.EventInitializeFailure)
		machine.logger.Error("auth initialization failed",
			zap.String("code", "authstate.initialize_failed"),
			zap.Error(err))
		machine.fail(identity.InitializationMessage)
		return
	}
	machine.metrics.Increment(metrics.EventInitializeSuccess)
}

type restoreOutcome int

const (
	// nothingRestored means no usable credentials remain; a guest may be issued.
	nothingRestored restoreOutcome = iota
	restored
	// upstreamUnreachable means the refresh never reached a verdict. The
	// stored credentials are kept for a later attempt.
	upstreamUnreachable
)

// restore adopts stored credentials when the upstream still accepts them,
// refreshing once if the access token is no longer valid. Credentials are
// cleared only after the upstream rejected the refresh credential.
func (machine *Machine) restore(ctx context.Context) restoreOutcome {
	set, found, err := machine.boundary.Read(ctx)
	if err != nil {
		machine.logger.Warn("stored credentials unreadable",
			zap.String("code", "authstate.read_failed"),
			zap.Error(err))
		return nothingRestored
	}
	if !found {
		return nothingRestored
	}
	if set.AccessToken != "" {
		if current, ok := machine.api.LookupIdentity(ctx, set.AccessToken); ok {
			machine.adopt(resolveKind(set, current), current.UserID)
			return restored
		}
	}
	if set.CanRefresh() {
		pair, refreshErr := machine.refresher.Refresh(ctx, set.RefreshToken)
		if refreshErr == nil {
			if storeErr := machine.boundary.ReplaceTokens(ctx, pair.AccessToken, pair.RefreshToken); storeErr != nil {
				machine.logger.Warn("failed to store rotated credentials",
					zap.String("code", "authstate.store_failed"),
					zap.Error(storeErr))
			} else if current, ok := machine.api.LookupIdentity(ctx, pair.AccessToken); ok {
				machine.adopt(resolveKind(set, current), current.UserID)
				return restored
			} else {
				return upstreamUnreachable
			}
		} else if !errors.Is(refreshErr, identity.ErrRefreshFailed) {
			machine.logger.Info("refresh did not reach the upstream",
				zap.String("code", "authstate.refresh_unreachable"),
				zap.Error(refreshErr))
			return upstreamUnreachable
		} else {
			machine.logger.Info("stored refresh credential rejected",
				zap.String("code", "authstate.refresh_rejected"),
				zap.Error(refreshErr))
		}
	}
	if clearErr := machine.boundary.Clear(ctx); clearErr != nil {
		machine.logger.Warn("failed to clear stale credentials",
			zap.String("code", "authstate.clear_failed"),
			zap.Error(clearErr))
	}
	return nothingRestored
}

func resolveKind(set identity.CredentialSet, current upstream.Identity) identity.Kind {
	if set.Kind.Valid() {
		return set.Kind
	}
	return identity.KindFromGuestFlag(current.IsGuest)
}

func (machine *Machine) issueGuest(ctx context.Context) error {
	grant, err := machine.api.IssueGuest(ctx)
	if err != nil {
		machine.metrics.Increment(metrics.EventGuestIssueFailure)
		return err
	}
	set := identity.CredentialSet{AccessToken: grant.AccessToken, Kind: identity.KindGuest, UserID: grant.UserID}
	if err := machine.boundary.Save(ctx, set); err != nil {
		return fmt.Errorf("authstate.save_guest: %w", err)
	}
	machine.metrics.Increment(metrics.EventGuestIssued)
	machine.adopt(identity.KindGuest, grant.UserID)
	return nil
}

func (machine *Machine) replaceWithGuest(ctx context.Context) error {
	if err := machine.boundary.Clear(ctx); err != nil {
		machine.setLoading(false)
		return fmt.Errorf("authstate.clear: %w", err)
	}
	if err := machine.issueGuest(ctx); err != nil {
		machine.fail(identity.UserMessage(err))
		return err
	}
	return nil
}

// LoginAsGuest discards any stored credentials and issues a fresh guest.
func (machine *Machine) LoginAsGuest(ctx context.Context) error {
	machine.operation.Lock()
	defer machine.operation.Unlock()
	machine.setLoading(true)
	return machine.replaceWithGuest(ctx)
}

// LoginAsUser stores a user identity. Prior credentials, guest ones
// included, are cleared first so nothing of them survives.
func (machine *Machine) LoginAsUser(ctx context.Context, userID int64, accessToken string, refreshToken string) error {
	machine.operation.Lock()
	defer machine.operation.Unlock()
	return machine.loginAsUser(ctx, userID, accessToken, refreshToken)
}

func (machine *Machine) loginAsUser(ctx context.Context, userID int64, accessToken string, refreshToken string) error {
	set := identity.CredentialSet{AccessToken: accessToken, RefreshToken: refreshToken, Kind: identity.KindUser, UserID: userID}
	if err := set.Validate(); err != nil {
		machine.metrics.Increment(metrics.EventLoginFailure)
		return err
	}
	machine.setLoading(true)
	if err := machine.boundary.Clear(ctx); err != nil {
		machine.setLoading(false)
		return fmt.Errorf("authstate.clear: %w", err)
	}
	if err := machine.boundary.Save(ctx, set); err != nil {
		machine.metrics.Increment(metrics.EventLoginFailure)
		machine.fail(identity.UserMessage(err))
		return fmt.Errorf("authstate.save_user: %w", err)
	}
	machine.metrics.Increment(metrics.EventLoginSuccess)
	machine.adopt(identity.KindUser, userID)
	return nil
}

// CompleteOAuth exchanges an authorization code and logs the user in.
// A rejection leaves the current identity untouched.
func (machine *Machine) CompleteOAuth(ctx context.Context, provider string, authorizationCode string, redirectURI string) error {
	machine.operation.Lock()
	defer machine.operation.Unlock()
	grant, err := machine.api.ExchangeOAuthCode(ctx, provider, authorizationCode, redirectURI)
	if err != nil {
		machine.metrics.Increment(metrics.EventLoginFailure)
		machine.logger.Info("oauth exchange failed",
			zap.String("code", "authstate.oauth_failed"),
			zap.String("provider", provider),
			zap.Error(err))
		return err
	}
	return machine.loginAsUser(ctx, grant.UserID, grant.AccessToken, grant.RefreshToken)
}

// Logout ends the upstream session on a best-effort basis and always
// replaces the identity with a new guest.
func (machine *Machine) Logout(ctx context.Context) error {
	machine.operation.Lock()
	defer machine.operation.Unlock()
	machine.setLoading(true)
	if set, found, err := machine.boundary.Read(ctx); err == nil && found {
		machine.api.Logout(ctx, set.AccessToken)
	}
	machine.metrics.Increment(metrics.EventLogout)
	return machine.replaceWithGuest(ctx)
}

// DeleteAccount removes the upstream account and replaces the identity with
// a new guest. An upstream rejection leaves the identity untouched.
func (machine *Machine) DeleteAccount(ctx context.Context) error {
	machine.operation.Lock()
	defer machine.operation.Unlock()
	set, found, err := machine.boundary.Read(ctx)
	if err != nil {
		return fmt.Errorf("authstate.delete_account: %w", err)
	}
	if !found || set.AccessToken == "" {
		return fmt.Errorf("authstate.delete_account: %w", identity.ErrNoIdentity)
	}
	machine.setLoading(true)
	if deleteErr := machine.api.DeleteAccount(ctx, set.AccessToken); deleteErr != nil {
		machine.setLoading(false)
		return deleteErr
	}
	machine.metrics.Increment(metrics.EventAccountDeleted)
	return machine.replaceWithGuest(ctx)
}

// HandleSessionExpired reacts to a terminal pipeline failure by starting over
// as a fresh guest. Credentials are cleared again in case the caller did not.
func (machine *Machine) HandleSessionExpired(ctx context.Context) error {
	machine.operation.Lock()
	defer machine.operation.Unlock()
	machine.setLoading(true)
	machine.logger.Info("session expired, re-issuing guest",
		zap.String("code", "authstate.session_expired"))
	return machine.replaceWithGuest(ctx)
}

// IsSessionExpired reports whether err is the pipeline's terminal failure.
func IsSessionExpired(err error) bool {
	var expired *identity.SessionExpiredError
	return errors.As(err, &expired) || errors.Is(err, identity.ErrSessionExpired)
}
