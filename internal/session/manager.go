package session

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oopsrest/oopsauth/internal/identity"
	"github.com/oopsrest/oopsauth/internal/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultCookieName is the encrypted httpOnly session cookie.
	DefaultCookieName = "oops_session"
	// DefaultMirrorCookieName is the client-readable auth state cookie.
	DefaultMirrorCookieName = "oops_auth_state"
	// DefaultMaxAge matches the refresh credential lifetime.
	DefaultMaxAge = 90 * 24 * time.Hour

	contextKeySession = "oops_session_data"
)

// Data is the server-held credential payload.
type Data struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	UserID       int64  `json:"userId,omitempty"`
	UserType     string `json:"userType,omitempty"`
}

// HasIdentity reports whether the session carries any credential.
func (data Data) HasIdentity() bool {
	return data.AccessToken != "" || data.RefreshToken != ""
}

type mirrorState struct {
	UserID   *int64  `json:"userId"`
	UserType *string `json:"userType"`
}

// Config configures Manager.
type Config struct {
	Secret           string
	CookieName       string
	MirrorCookieName string
	CookieDomain     string
	MaxAge           time.Duration
	// Secure marks cookies Secure. Disable only for plain-HTTP development.
	Secure  bool
	Logger  *zap.Logger
	Metrics metrics.Recorder
}

// Manager reads and writes the sealed session cookie on a gin request.
type Manager struct {
	sealer           *Sealer
	cookieName       string
	mirrorCookieName string
	cookieDomain     string
	maxAge           time.Duration
	secure           bool
	logger           *zap.Logger
	metrics          metrics.Recorder
}

// NewManager validates the secret and constructs a Manager.
func NewManager(configuration Config) (*Manager, error) {
	sealer, err := NewSealer(configuration.Secret)
	if err != nil {
		return nil, err
	}
	cookieName := configuration.CookieName
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	mirrorCookieName := configuration.MirrorCookieName
	if mirrorCookieName == "" {
		mirrorCookieName = DefaultMirrorCookieName
	}
	maxAge := configuration.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sealer:           sealer,
		cookieName:       cookieName,
		mirrorCookieName: mirrorCookieName,
		cookieDomain:     configuration.CookieDomain,
		maxAge:           maxAge,
		secure:           configuration.Secure,
		logger:           logger,
		metrics:          metrics.OrNop(configuration.Metrics),
	}, nil
}

// CookieName returns the sealed cookie name.
func (manager *Manager) CookieName() string {
	return manager.cookieName
}

// Read returns the request's session. Missing or invalid cookies yield an empty session.
func (manager *Manager) Read(contextGin *gin.Context) Data {
	if cached, ok := contextGin.Get(contextKeySession); ok {
		if data, ok := cached.(Data); ok {
			return data
		}
	}
	data := manager.readCookie(contextGin)
	contextGin.Set(contextKeySession, data)
	return data
}

func (manager *Manager) readCookie(contextGin *gin.Context) Data {
	cookie, err := contextGin.Request.Cookie(manager.cookieName)
	if err != nil || cookie.Value == "" {
		return Data{}
	}
	plaintext, openErr := manager.sealer.Open(manager.cookieName, cookie.Value)
	if openErr != nil {
		manager.metrics.Increment(metrics.EventSessionInvalidCookie)
		manager.logger.Debug("session cookie rejected",
			zap.String("code", "session.invalid_cookie"),
			zap.Error(openErr))
		return Data{}
	}
	var data Data
	if decodeErr := json.Unmarshal(plaintext, &data); decodeErr != nil {
		manager.metrics.Increment(metrics.EventSessionInvalidCookie)
		manager.logger.Debug("session payload rejected",
			zap.String("code", "session.invalid_payload"),
			zap.Error(decodeErr))
		return Data{}
	}
	return data
}

// Write replaces the session with data and re-seals the cookie.
func (manager *Manager) Write(contextGin *gin.Context, data Data) error {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return err
	}
	sealed, err := manager.sealer.Seal(manager.cookieName, plaintext)
	if err != nil {
		return err
	}
	manager.replaceCookie(contextGin, &http.Cookie{
		Name:     manager.cookieName,
		Value:    sealed,
		Path:     "/",
		Domain:   manager.cookieDomain,
		MaxAge:   int(manager.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   manager.secure,
		SameSite: http.SameSiteLaxMode,
	})
	contextGin.Set(contextKeySession, data)
	manager.writeMirror(contextGin, data)
	return nil
}

// Update applies mutate to the current session and writes the result.
func (manager *Manager) Update(contextGin *gin.Context, mutate func(*Data)) error {
	data := manager.Read(contextGin)
	mutate(&data)
	return manager.Write(contextGin, data)
}

// Destroy removes the session cookie and the mirror cookie.
func (manager *Manager) Destroy(contextGin *gin.Context) {
	manager.replaceCookie(contextGin, &http.Cookie{
		Name:     manager.cookieName,
		Value:    "",
		Path:     "/",
		Domain:   manager.cookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   manager.secure,
		SameSite: http.SameSiteLaxMode,
	})
	contextGin.Set(contextKeySession, Data{})
	manager.writeMirror(contextGin, Data{})
}

// MirrorMiddleware keeps the client-readable auth state cookie in step with the session.
func (manager *Manager) MirrorMiddleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		data := manager.Read(contextGin)
		current, _ := contextGin.Request.Cookie(manager.mirrorCookieName)
		switch {
		case data.HasIdentity():
			manager.writeMirror(contextGin, data)
		case current != nil:
			manager.writeMirror(contextGin, Data{})
		}
		contextGin.Next()
	}
}

func (manager *Manager) writeMirror(contextGin *gin.Context, data Data) {
	cookie := &http.Cookie{
		Name:     manager.mirrorCookieName,
		Path:     "/",
		Domain:   manager.cookieDomain,
		Secure:   manager.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if !data.HasIdentity() {
		cookie.MaxAge = -1
		manager.replaceCookie(contextGin, cookie)
		return
	}
	state := mirrorState{}
	if data.UserID != 0 {
		userID := data.UserID
		state.UserID = &userID
	}
	if data.UserType != "" {
		userType := data.UserType
		state.UserType = &userType
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return
	}
	cookie.Value = url.QueryEscape(string(encoded))
	cookie.MaxAge = int(manager.maxAge.Seconds())
	manager.replaceCookie(contextGin, cookie)
}

// replaceCookie drops any Set-Cookie already queued for the same name so the
// last write in a request wins.
func (manager *Manager) replaceCookie(contextGin *gin.Context, cookie *http.Cookie) {
	header := contextGin.Writer.Header()
	prefix := cookie.Name + "="
	existing := header.Values("Set-Cookie")
	kept := make([]string, 0, len(existing)+1)
	for _, value := range existing {
		if !strings.HasPrefix(value, prefix) {
			kept = append(kept, value)
		}
	}
	kept = append(kept, cookie.String())
	header["Set-Cookie"] = kept
}

// ParseMirror decodes an auth state cookie value.
func ParseMirror(value string) (int64, identity.Kind, bool) {
	decoded, err := url.QueryUnescape(value)
	if err != nil {
		return 0, "", false
	}
	var state mirrorState
	if json.Unmarshal([]byte(decoded), &state) != nil {
		return 0, "", false
	}
	var userID int64
	if state.UserID != nil {
		userID = *state.UserID
	}
	var kind identity.Kind
	if state.UserType != nil {
		parsed, ok := identity.ParseKind(*state.UserType)
		if !ok {
			return 0, "", false
		}
		kind = parsed
	}
	return userID, kind, true
}
