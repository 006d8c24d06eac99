package database

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Maphikza/truth-machine/internal/logger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store is the token pool and commitment record store.
type Store struct {
	db  *gorm.DB
	box *secretBox
}

// Open opens (creating if needed) the SQLite database at dbPath. When
// passphrase is not empty token secrets are encrypted at rest.
func Open(dbPath, passphrase string) (*Store, error) {
	if !strings.HasPrefix(dbPath, ":memory:") && !strings.HasPrefix(dbPath, "file:") {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := ensureDir(dir); err != nil {
				return nil, fmt.Errorf("failed to create directory: %v", err)
			}
		}
	}

	// Configure GORM to be less verbose
	config := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Error),
	}

	db, err := gorm.Open(sqlite.Open(dbPath), config)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// Single connection: writers serialise and :memory: stays one database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&SQLiteToken{},
		&SQLiteRecord{},
		&SQLiteStatusEvent{},
		&SQLiteMetadata{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %v", err)
	}

	s := &Store{db: db}
	if passphrase != "" {
		if err := s.initSecretBox(passphrase); err != nil {
			return nil, err
		}
	}

	logger.Info("SQLite database initialized", "path", dbPath)
	return s, nil
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

func (s *Store) initSecretBox(passphrase string) error {
	ctx := context.Background()
	encoded, err := s.GetMetadata(ctx, SecretSaltKey)
	var salt []byte
	switch {
	case errors.Is(err, ErrRecordNotFound):
		if salt, err = newSalt(); err != nil {
			return err
		}
		if err := s.SetMetadata(ctx, SecretSaltKey, base64.StdEncoding.EncodeToString(salt)); err != nil {
			return fmt.Errorf("failed to store salt: %v", err)
		}
	case err != nil:
		return err
	default:
		if salt, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return fmt.Errorf("invalid stored salt: %v", err)
		}
	}
	box, err := newSecretBox(passphrase, salt)
	if err != nil {
		return err
	}
	s.box = box
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SetMetadata upserts a metadata value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	metadata := SQLiteMetadata{Key: key, Value: value}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&metadata).Error
}

// GetMetadata returns a metadata value or ErrRecordNotFound.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var metadata SQLiteMetadata
	result := s.db.WithContext(ctx).Where("key = ?", key).First(&metadata)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", ErrRecordNotFound
		}
		return "", result.Error
	}
	return metadata.Value, nil
}
