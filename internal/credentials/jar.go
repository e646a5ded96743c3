package credentials

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Jar is a durable cookie medium. Cookies with MaxAge < 0 passed to SetAll
// are deletions. SetAll applies all changes or none.
type Jar interface {
	Get(ctx context.Context, name string) (*http.Cookie, bool, error)
	SetAll(ctx context.Context, cookies []*http.Cookie) error
}

// MemoryJar keeps cookies in process memory. Intended for tests and one-shot runs.
type MemoryJar struct {
	mutex   sync.Mutex
	cookies map[string]http.Cookie
	now     func() time.Time
}

// NewMemoryJar constructs an empty MemoryJar.
func NewMemoryJar() *MemoryJar {
	return &MemoryJar{cookies: make(map[string]http.Cookie), now: time.Now}
}

// Get returns an unexpired cookie by name.
func (jar *MemoryJar) Get(ctx context.Context, name string) (*http.Cookie, bool, error) {
	jar.mutex.Lock()
	defer jar.mutex.Unlock()
	stored, ok := jar.cookies[name]
	if !ok {
		return nil, false, nil
	}
	if !stored.Expires.IsZero() && !jar.now().Before(stored.Expires) {
		delete(jar.cookies, name)
		return nil, false, nil
	}
	clone := stored
	return &clone, true, nil
}

// SetAll writes or deletes every cookie under one lock.
func (jar *MemoryJar) SetAll(ctx context.Context, cookies []*http.Cookie) error {
	jar.mutex.Lock()
	defer jar.mutex.Unlock()
	for _, cookie := range cookies {
		if cookie == nil {
			continue
		}
		if cookie.MaxAge < 0 {
			delete(jar.cookies, cookie.Name)
			continue
		}
		jar.cookies[cookie.Name] = *cookie
	}
	return nil
}

// Names lists stored cookie names, expired ones included.
func (jar *MemoryJar) Names() []string {
	jar.mutex.Lock()
	defer jar.mutex.Unlock()
	names := make([]string, 0, len(jar.cookies))
	for name := range jar.cookies {
		names = append(names, name)
	}
	return names
}
