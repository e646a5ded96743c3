package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/oopsrest/oopsauth/internal/identity"
	"github.com/oopsrest/oopsauth/internal/metrics"
	"go.uber.org/zap/zaptest"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestManager(t *testing.T, recorder metrics.Recorder) *Manager {
	t.Helper()
	manager, err := NewManager(Config{Secret: testSecret, Logger: zaptest.NewLogger(t), Metrics: recorder})
	if err != nil {
		t.Fatalf("manager error: %v", err)
	}
	return manager
}

func newTestContext(cookies ...*http.Cookie) (*gin.Context, *httptest.ResponseRecorder) {
	recorder := httptest.NewRecorder()
	contextGin, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, cookie := range cookies {
		request.AddCookie(cookie)
	}
	contextGin.Request = request
	return contextGin, recorder
}

func responseCookie(recorder *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func TestSealerRoundTripAndTamper(t *testing.T) {
	sealer, err := NewSealer(testSecret)
	if err != nil {
		t.Fatalf("sealer error: %v", err)
	}
	sealed, err := sealer.Seal("oops_session", []byte(`{"accessToken":"a1"}`))
	if err != nil {
		t.Fatalf("seal error: %v", err)
	}
	if !strings.HasPrefix(sealed, "v1.") {
		t.Fatalf("expected versioned seal, got %s", sealed)
	}
	plaintext, err := sealer.Open("oops_session", sealed)
	if err != nil || string(plaintext) != `{"accessToken":"a1"}` {
		t.Fatalf("unexpected open result %q (%v)", plaintext, err)
	}

	if _, err := sealer.Open("other_cookie", sealed); !errors.Is(err, ErrMalformedSeal) {
		t.Fatalf("expected cookie name binding, got %v", err)
	}
	tampered := sealed[:len(sealed)-2] + "AA"
	if tampered == sealed {
		tampered = sealed[:len(sealed)-2] + "BB"
	}
	if _, err := sealer.Open("oops_session", tampered); !errors.Is(err, ErrMalformedSeal) {
		t.Fatalf("expected tamper detection, got %v", err)
	}
	if _, err := sealer.Open("oops_session", "v2.abc"); !errors.Is(err, ErrMalformedSeal) {
		t.Fatalf("expected version rejection, got %v", err)
	}

	otherSealer, _ := NewSealer(strings.Repeat("z", 40))
	if _, err := otherSealer.Open("oops_session", sealed); !errors.Is(err, ErrMalformedSeal) {
		t.Fatalf("expected key mismatch rejection, got %v", err)
	}
}

func TestNewSealerRejectsShortSecret(t *testing.T) {
	if _, err := NewSealer("short"); !errors.Is(err, ErrSecretTooShort) {
		t.Fatalf("expected short secret error, got %v", err)
	}
	if _, err := NewManager(Config{Secret: "short"}); !errors.Is(err, ErrSecretTooShort) {
		t.Fatalf("expected manager to reject short secret, got %v", err)
	}
}

func TestManagerWriteThenRead(t *testing.T) {
	manager := newTestManager(t, nil)
	contextGin, recorder := newTestContext()
	data := Data{AccessToken: "a1", RefreshToken: "r1", UserID: 42, UserType: "user"}
	if err := manager.Write(contextGin, data); err != nil {
		t.Fatalf("write error: %v", err)
	}
	cookie := responseCookie(recorder, DefaultCookieName)
	if cookie == nil || !cookie.HttpOnly || cookie.SameSite != http.SameSiteLaxMode {
		t.Fatalf("expected httpOnly lax session cookie, got %+v", cookie)
	}
	if cookie.MaxAge != int(DefaultMaxAge.Seconds()) {
		t.Fatalf("unexpected max age %d", cookie.MaxAge)
	}
	if strings.Contains(cookie.Value, "a1") {
		t.Fatalf("session cookie must not expose tokens")
	}

	nextContext, _ := newTestContext(cookie)
	if got := manager.Read(nextContext); got != data {
		t.Fatalf("expected %+v, got %+v", data, got)
	}

	mirror := responseCookie(recorder, DefaultMirrorCookieName)
	if mirror == nil || mirror.HttpOnly {
		t.Fatalf("expected client-readable mirror cookie, got %+v", mirror)
	}
	userID, kind, ok := ParseMirror(mirror.Value)
	if !ok || userID != 42 || kind != identity.KindUser {
		t.Fatalf("unexpected mirror state %d %s %v", userID, kind, ok)
	}
}

func TestManagerInvalidCookieYieldsEmptySession(t *testing.T) {
	recorder := metrics.NewCounterMetrics()
	manager := newTestManager(t, recorder)
	contextGin, _ := newTestContext(&http.Cookie{Name: DefaultCookieName, Value: "v1.garbage"})
	if got := manager.Read(contextGin); got.HasIdentity() {
		t.Fatalf("expected empty session, got %+v", got)
	}
	if recorder.Count(metrics.EventSessionInvalidCookie) != 1 {
		t.Fatalf("expected invalid cookie metric")
	}
}

func TestManagerWritesCollapseToOneSetCookie(t *testing.T) {
	manager := newTestManager(t, nil)
	contextGin, recorder := newTestContext()
	_ = manager.Write(contextGin, Data{AccessToken: "g1", UserID: 1, UserType: "guest"})
	_ = manager.Update(contextGin, func(data *Data) { data.AccessToken = "g2" })

	count := 0
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == DefaultCookieName {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected a single session Set-Cookie, got %d", count)
	}
	if got := manager.Read(contextGin); got.AccessToken != "g2" || got.UserType != "guest" {
		t.Fatalf("expected merged session, got %+v", got)
	}
}

func TestManagerDestroy(t *testing.T) {
	manager := newTestManager(t, nil)
	contextGin, recorder := newTestContext()
	_ = manager.Write(contextGin, Data{AccessToken: "g1", UserID: 1, UserType: "guest"})
	manager.Destroy(contextGin)
	cookie := responseCookie(recorder, DefaultCookieName)
	if cookie == nil || cookie.MaxAge >= 0 {
		t.Fatalf("expected session deletion cookie, got %+v", cookie)
	}
	mirror := responseCookie(recorder, DefaultMirrorCookieName)
	if mirror == nil || mirror.MaxAge >= 0 {
		t.Fatalf("expected mirror deletion cookie, got %+v", mirror)
	}
	if manager.Read(contextGin).HasIdentity() {
		t.Fatalf("expected empty session after destroy")
	}
}

func TestMirrorMiddlewareClearsStaleMirror(t *testing.T) {
	manager := newTestManager(t, nil)
	router := gin.New()
	router.Use(manager.MirrorMiddleware())
	router.GET("/", func(contextGin *gin.Context) { contextGin.Status(http.StatusNoContent) })

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.AddCookie(&http.Cookie{Name: DefaultMirrorCookieName, Value: "stale"})
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	mirror := responseCookie(recorder, DefaultMirrorCookieName)
	if mirror == nil || mirror.MaxAge >= 0 {
		t.Fatalf("expected stale mirror to be deleted, got %+v", mirror)
	}
}

func TestBoundaryLifecycle(t *testing.T) {
	manager := newTestManager(t, nil)
	contextGin, _ := newTestContext()
	boundary := manager.Boundary(contextGin)
	ctx := context.Background()

	if _, found, _ := boundary.Read(ctx); found {
		t.Fatalf("expected empty boundary")
	}
	if err := boundary.UpdateAccessToken(ctx, "a0"); !errors.Is(err, identity.ErrNoIdentity) {
		t.Fatalf("expected no identity error, got %v", err)
	}
	userSet := identity.CredentialSet{AccessToken: "a1", RefreshToken: "r1", Kind: identity.KindUser, UserID: 5}
	if err := boundary.Save(ctx, userSet); err != nil {
		t.Fatalf("save error: %v", err)
	}
	if err := boundary.ReplaceTokens(ctx, "a2", "r2"); err != nil {
		t.Fatalf("replace error: %v", err)
	}
	got, found, _ := boundary.Read(ctx)
	if !found || got.AccessToken != "a2" || got.RefreshToken != "r2" || got.Kind != identity.KindUser || got.UserID != 5 {
		t.Fatalf("unexpected set after rotation: %+v", got)
	}

	guestSet := identity.CredentialSet{AccessToken: "g1", RefreshToken: "ignored", Kind: identity.KindGuest, UserID: 6}
	if err := boundary.Save(ctx, guestSet); err != nil {
		t.Fatalf("guest save error: %v", err)
	}
	got, _, _ = boundary.Read(ctx)
	if got.RefreshToken != "" || got.Kind != identity.KindGuest {
		t.Fatalf("guest session must not keep a refresh token: %+v", got)
	}
	if err := boundary.Clear(ctx); err != nil {
		t.Fatalf("clear error: %v", err)
	}
	if _, found, _ := boundary.Read(ctx); found {
		t.Fatalf("expected cleared boundary")
	}
}
