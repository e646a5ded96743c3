package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oopsrest/oopsauth/internal/identity"
)

// Boundary exposes one request's session as a credentials.Boundary.
// It is bound to a single gin.Context and must not outlive the request.
type Boundary struct {
	manager    *Manager
	contextGin *gin.Context
}

// Boundary binds the manager to contextGin.
func (manager *Manager) Boundary(contextGin *gin.Context) *Boundary {
	return &Boundary{manager: manager, contextGin: contextGin}
}

// Read returns the session credentials.
func (boundary *Boundary) Read(ctx context.Context) (identity.CredentialSet, bool, error) {
	data := boundary.manager.Read(boundary.contextGin)
	if !data.HasIdentity() {
		return identity.CredentialSet{}, false, nil
	}
	set := identity.CredentialSet{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		UserID:       data.UserID,
	}
	if kind, ok := identity.ParseKind(data.UserType); ok {
		set.Kind = kind
	}
	return set, true, nil
}

// Save replaces the session with set.
func (boundary *Boundary) Save(ctx context.Context, set identity.CredentialSet) error {
	if err := set.Validate(); err != nil {
		return err
	}
	data := Data{
		AccessToken: set.AccessToken,
		UserID:      set.UserID,
		UserType:    string(set.Kind),
	}
	if set.Kind == identity.KindUser {
		data.RefreshToken = set.RefreshToken
	}
	if err := boundary.manager.Write(boundary.contextGin, data); err != nil {
		return fmt.Errorf("session.save: %w", err)
	}
	return nil
}

// Clear destroys the session.
func (boundary *Boundary) Clear(ctx context.Context) error {
	boundary.manager.Destroy(boundary.contextGin)
	return nil
}

// UpdateAccessToken replaces only the access credential.
func (boundary *Boundary) UpdateAccessToken(ctx context.Context, accessToken string) error {
	if strings.TrimSpace(accessToken) == "" {
		return fmt.Errorf("session.update_access: %w: empty access token", identity.ErrInvalidCredentials)
	}
	if !boundary.manager.Read(boundary.contextGin).HasIdentity() {
		return fmt.Errorf("session.update_access: %w", identity.ErrNoIdentity)
	}
	return boundary.manager.Update(boundary.contextGin, func(data *Data) {
		data.AccessToken = accessToken
	})
}

// ReplaceTokens stores a rotated pair.
func (boundary *Boundary) ReplaceTokens(ctx context.Context, accessToken string, refreshToken string) error {
	if strings.TrimSpace(accessToken) == "" || strings.TrimSpace(refreshToken) == "" {
		return fmt.Errorf("session.replace_tokens: %w: empty token", identity.ErrInvalidCredentials)
	}
	return boundary.manager.Update(boundary.contextGin, func(data *Data) {
		data.AccessToken = accessToken
		data.RefreshToken = refreshToken
	})
}
