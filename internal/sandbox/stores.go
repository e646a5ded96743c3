package sandbox

import "context"

// Profile is a sandbox account.
type Profile struct {
	ID       int64
	Name     string
	Nickname string
	IsGuest  bool
}

// UserStore persists sandbox accounts.
type UserStore interface {
	CreateGuest(ctx context.Context) (Profile, error)
	UpsertOAuthUser(ctx context.Context, provider string, subject string) (Profile, error)
	FindOAuthUser(ctx context.Context, provider string, subject string) (Profile, bool, error)
	GetProfile(ctx context.Context, userID int64) (Profile, error)
	Delete(ctx context.Context, userID int64) error
}

// RefreshTokenStore manages rotating refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, userID int64, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (userID int64, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
	RevokeUser(ctx context.Context, userID int64) error
}
