package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oopsrest/oopsauth/internal/storage"
	"gorm.io/gorm"
)

// DatabaseRefreshTokenStore persists rotating refresh tokens using GORM.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
}

// DatabaseUserStore persists sandbox accounts using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

type refreshTokenRecord struct {
	TokenID         string `gorm:"column:token_id;primaryKey"`
	UserID          int64  `gorm:"column:user_id;index;not null"`
	TokenHash       string `gorm:"column:token_hash;uniqueIndex;not null"`
	ExpiresUnix     int64  `gorm:"column:expires_unix;not null"`
	RevokedAtUnix   int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	PreviousTokenID string `gorm:"column:previous_token_id;not null;default:''"`
	IssuedAtUnix    int64  `gorm:"column:issued_at_unix;not null"`
}

func (refreshTokenRecord) TableName() string {
	return "sandbox_refresh_tokens"
}

type userRecord struct {
	ID            int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Provider      string `gorm:"column:provider;not null;default:'';index:idx_sandbox_users_subject"`
	Subject       string `gorm:"column:subject;not null;default:'';index:idx_sandbox_users_subject"`
	Name          string `gorm:"column:name;not null;default:''"`
	Nickname      string `gorm:"column:nickname;not null;default:''"`
	IsGuest       bool   `gorm:"column:is_guest;not null"`
	CreatedAtUnix int64  `gorm:"column:created_at_unix;not null"`
}

func (userRecord) TableName() string {
	return "sandbox_users"
}

func (record userRecord) profile() Profile {
	return Profile{ID: record.ID, Name: record.Name, Nickname: record.Nickname, IsGuest: record.IsGuest}
}

// OpenDatabaseStores opens databaseURL and returns user and refresh token stores sharing one handle.
func OpenDatabaseStores(ctx context.Context, databaseURL string) (*DatabaseUserStore, *DatabaseRefreshTokenStore, error) {
	gormDB, driverLabel, err := storage.Open(ctx, databaseURL, &userRecord{}, &refreshTokenRecord{})
	if err != nil {
		return nil, nil, fmt.Errorf("sandbox.open: %w", err)
	}
	return &DatabaseUserStore{db: gormDB, driverLabel: driverLabel},
		&DatabaseRefreshTokenStore{db: gormDB, driverLabel: driverLabel},
		nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseRefreshTokenStore) Driver() string {
	return store.driverLabel
}

// Issue inserts a new refresh token record and returns its identifiers.
func (store *DatabaseRefreshTokenStore) Issue(ctx context.Context, userID int64, expiresUnix int64, previousTokenID string) (string, string, error) {
	now := time.Now().UTC()
	tokenID := newRefreshTokenID(now, uint64(now.UnixNano()))
	opaqueToken, hashValue, randomErr := generateRefreshOpaque()
	if randomErr != nil {
		return "", "", fmt.Errorf("refresh_store.issue.%s: %w", store.driverLabel, randomErr)
	}
	record := refreshTokenRecord{
		TokenID:         tokenID,
		UserID:          userID,
		TokenHash:       hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    now.Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", "", fmt.Errorf("refresh_store.issue.%s: %w", store.driverLabel, err)
	}
	return tokenID, opaqueToken, nil
}

// Validate locates a refresh token by its opaque value.
func (store *DatabaseRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (int64, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return 0, "", 0, fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshTokenEmptyOpaque)
	}
	var record refreshTokenRecord
	err := store.db.WithContext(ctx).Where("token_hash = ?", hashOpaque(tokenOpaque)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, "", 0, fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
		}
		return 0, "", 0, fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, err)
	}
	if record.RevokedAtUnix != 0 {
		return 0, "", 0, fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshTokenRevoked)
	}
	if !time.Now().UTC().Before(time.Unix(record.ExpiresUnix, 0)) {
		return 0, "", 0, fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshTokenExpired)
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke marks a refresh token as revoked.
func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_id = ? AND revoked_at_unix = 0", tokenID).
		Update("revoked_at_unix", time.Now().UTC().Unix())
	if result.Error != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var record refreshTokenRecord
	findErr := store.db.WithContext(ctx).Where("token_id = ?", tokenID).Take(&record).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, ErrRefreshTokenNotFound)
	}
	if findErr != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, findErr)
	}
	return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, ErrRefreshTokenAlreadyRevoked)
}

// RevokeUser revokes every live token of userID.
func (store *DatabaseRefreshTokenStore) RevokeUser(ctx context.Context, userID int64) error {
	err := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("user_id = ? AND revoked_at_unix = 0", userID).
		Update("revoked_at_unix", time.Now().UTC().Unix()).Error
	if err != nil {
		return fmt.Errorf("refresh_store.revoke_user.%s: %w", store.driverLabel, err)
	}
	return nil
}

// CreateGuest inserts a new anonymous account.
func (store *DatabaseUserStore) CreateGuest(ctx context.Context) (Profile, error) {
	record := userRecord{IsGuest: true, CreatedAtUnix: time.Now().UTC().Unix()}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return Profile{}, fmt.Errorf("user_store.create_guest.%s: %w", store.driverLabel, err)
	}
	return record.profile(), nil
}

// UpsertOAuthUser returns the account linked to provider and subject, creating it on first sight.
func (store *DatabaseUserStore) UpsertOAuthUser(ctx context.Context, provider string, subject string) (Profile, error) {
	var profile Profile
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var record userRecord
		findErr := transaction.Where("provider = ? AND subject = ?", provider, subject).Take(&record).Error
		if findErr == nil {
			profile = record.profile()
			return nil
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}
		record = userRecord{
			Provider:      provider,
			Subject:       subject,
			Name:          displayName(provider, subject),
			Nickname:      subject,
			CreatedAtUnix: time.Now().UTC().Unix(),
		}
		if createErr := transaction.Create(&record).Error; createErr != nil {
			return createErr
		}
		profile = record.profile()
		return nil
	})
	if err != nil {
		return Profile{}, fmt.Errorf("user_store.upsert.%s: %w", store.driverLabel, err)
	}
	return profile, nil
}

// FindOAuthUser reports whether provider and subject are already linked to an account.
func (store *DatabaseUserStore) FindOAuthUser(ctx context.Context, provider string, subject string) (Profile, bool, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("provider = ? AND subject = ?", provider, subject).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, fmt.Errorf("user_store.find.%s: %w", store.driverLabel, err)
	}
	return record.profile(), true, nil
}

// GetProfile returns a profile by user id.
func (store *DatabaseUserStore) GetProfile(ctx context.Context, userID int64) (Profile, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrUserProfileNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("user_store.get.%s: %w", store.driverLabel, err)
	}
	return record.profile(), nil
}

// Delete removes an account.
func (store *DatabaseUserStore) Delete(ctx context.Context, userID int64) error {
	result := store.db.WithContext(ctx).Where("id = ?", userID).Delete(&userRecord{})
	if result.Error != nil {
		return fmt.Errorf("user_store.delete.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserProfileNotFound
	}
	return nil
}
