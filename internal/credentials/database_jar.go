package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/oopsrest/oopsauth/internal/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseJar persists credential cookies using GORM so they survive process restarts.
type DatabaseJar struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

type credentialCookieRecord struct {
	Name        string `gorm:"column:name;primaryKey"`
	Value       string `gorm:"column:value;not null"`
	ExpiresUnix int64  `gorm:"column:expires_unix;not null;default:0"`
	UpdatedUnix int64  `gorm:"column:updated_unix;not null"`
}

func (credentialCookieRecord) TableName() string {
	return "credential_cookies"
}

// NewDatabaseJar opens databaseURL (sqlite:// or postgres://) and migrates the cookie table.
func NewDatabaseJar(ctx context.Context, databaseURL string) (*DatabaseJar, error) {
	gormDB, driverLabel, err := storage.Open(ctx, databaseURL, &credentialCookieRecord{})
	if err != nil {
		return nil, fmt.Errorf("credentials.jar.open: %w", err)
	}
	return &DatabaseJar{db: gormDB, driverLabel: driverLabel, now: time.Now}, nil
}

// Driver exposes the selected database driver label.
func (jar *DatabaseJar) Driver() string {
	return jar.driverLabel
}

// Get returns an unexpired cookie by name.
func (jar *DatabaseJar) Get(ctx context.Context, name string) (*http.Cookie, bool, error) {
	var record credentialCookieRecord
	err := jar.db.WithContext(ctx).Where("name = ?", name).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("credentials.jar.get.%s: %w", jar.driverLabel, err)
	}
	cookie := &http.Cookie{Name: record.Name, Value: record.Value, Path: "/"}
	if record.ExpiresUnix != 0 {
		cookie.Expires = time.Unix(record.ExpiresUnix, 0).UTC()
		if !jar.now().Before(cookie.Expires) {
			return nil, false, nil
		}
	}
	return cookie, true, nil
}

// SetAll upserts or deletes every cookie in a single transaction.
func (jar *DatabaseJar) SetAll(ctx context.Context, cookies []*http.Cookie) error {
	nowUnix := jar.now().UTC().Unix()
	err := jar.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, cookie := range cookies {
			if cookie == nil {
				continue
			}
			if cookie.MaxAge < 0 {
				if deleteErr := transaction.Where("name = ?", cookie.Name).Delete(&credentialCookieRecord{}).Error; deleteErr != nil {
					return deleteErr
				}
				continue
			}
			record := credentialCookieRecord{
				Name:        cookie.Name,
				Value:       cookie.Value,
				UpdatedUnix: nowUnix,
			}
			if !cookie.Expires.IsZero() {
				record.ExpiresUnix = cookie.Expires.UTC().Unix()
			}
			upsertErr := transaction.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "expires_unix", "updated_unix"}),
			}).Create(&record).Error
			if upsertErr != nil {
				return upsertErr
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("credentials.jar.set.%s: %w", jar.driverLabel, err)
	}
	return nil
}

// PurgeExpired deletes expired rows.
func (jar *DatabaseJar) PurgeExpired(ctx context.Context) (int64, error) {
	result := jar.db.WithContext(ctx).
		Where("expires_unix <> 0 AND expires_unix <= ?", jar.now().UTC().Unix()).
		Delete(&credentialCookieRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("credentials.jar.purge.%s: %w", jar.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

// Close releases the underlying connection pool.
func (jar *DatabaseJar) Close() error {
	sqlDB, err := jar.db.DB()
	if err != nil {
		return fmt.Errorf("credentials.jar.close.%s: %w", jar.driverLabel, err)
	}
	return sqlDB.Close()
}
