package credentials

import (
	"context"

	"github.com/oopsrest/oopsauth/internal/identity"
)

// Boundary is where the active identity's credentials live. A deployment
// picks exactly one implementation: client-held cookies (CookieStore) or the
// server-held encrypted session (session.Boundary).
type Boundary interface {
	// Read returns the stored credentials. A missing identity is (_, false, nil).
	Read(ctx context.Context) (identity.CredentialSet, bool, error)
	// Save replaces every stored field with set.
	Save(ctx context.Context, set identity.CredentialSet) error
	// Clear removes every stored field at once.
	Clear(ctx context.Context) error
	// UpdateAccessToken replaces only the access credential.
	UpdateAccessToken(ctx context.Context, accessToken string) error
	// ReplaceTokens stores a rotated pair; the previous refresh token is discarded.
	ReplaceTokens(ctx context.Context, accessToken string, refreshToken string) error
}
