package credstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credstore.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("credstore.empty_database_url")
	errSQLiteEmptyPath     = errors.New("credstore.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credstore.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credstore.unsupported_no_scheme")
)

// DatabasePlainStore implements the plaintext tier on a local database file
// (sqlite on devices) or a shared server (postgres for the clinic console),
// selected by URL scheme.
type DatabasePlainStore struct {
	db          *gorm.DB
	driverLabel string
}

type sessionRecord struct {
	RecordKey   string `gorm:"column:record_key;primaryKey"`
	RecordValue string `gorm:"column:record_value;not null"`
	UpdatedUnix int64  `gorm:"column:updated_unix;not null"`
}

func (sessionRecord) TableName() string {
	return "session_records"
}

// NewDatabasePlainStore opens the database and migrates the record table.
func NewDatabasePlainStore(ctx context.Context, databaseURL string) (*DatabasePlainStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("credstore.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("credstore.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&sessionRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("credstore.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabasePlainStore{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabasePlainStore) Driver() string {
	return store.driverLabel
}

// Get returns the stored value or ErrRecordNotFound.
func (store *DatabasePlainStore) Get(ctx context.Context, key string) (string, error) {
	var record sessionRecord
	err := store.db.WithContext(ctx).Where("record_key = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrRecordNotFound
		}
		return "", fmt.Errorf("credstore.get.%s: %w", store.driverLabel, err)
	}
	return record.RecordValue, nil
}

// Set upserts the value under the given key.
func (store *DatabasePlainStore) Set(ctx context.Context, key string, value string) error {
	record := sessionRecord{
		RecordKey:   key,
		RecordValue: value,
		UpdatedUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"record_value", "updated_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("credstore.set.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Remove deletes the given keys. Missing keys are ignored.
func (store *DatabasePlainStore) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	err := store.db.WithContext(ctx).Where("record_key IN ?", keys).Delete(&sessionRecord{}).Error
	if err != nil {
		return fmt.Errorf("credstore.remove.%s: %w", store.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credstore.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credstore.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credstore.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credstore.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
