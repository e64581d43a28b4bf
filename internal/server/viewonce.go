package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/chatroom/internal/database"
)

// ErrViewOnceUnavailable indicates a token that is unknown or already consumed.
var ErrViewOnceUnavailable = errors.New("server: view-once media unavailable")

// ViewOnceMedia is an uploaded blob that may be served exactly once.
type ViewOnceMedia struct {
	Token       string     `gorm:"column:token;primaryKey;size:64;not null"`
	FileName    string     `gorm:"column:file_name;size:255;not null"`
	ContentType string     `gorm:"column:content_type;size:255;not null"`
	StoredPath  string     `gorm:"column:stored_path;size:1024;not null"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
	ConsumedAt  *time.Time `gorm:"column:consumed_at"`
}

// TableName exposes the table backing view-once media.
func (ViewOnceMedia) TableName() string {
	return "view_once_media"
}

// ViewOnceSchema describes the tables the view-once store needs.
func ViewOnceSchema() database.Schema {
	return database.Schema{Models: []any{&ViewOnceMedia{}}}
}

// ViewOnceStoreConfig describes the dependencies of a ViewOnceStore.
type ViewOnceStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// ViewOnceStore issues view-once tokens and consumes them atomically.
type ViewOnceStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewViewOnceStore constructs a ViewOnceStore.
func NewViewOnceStore(cfg ViewOnceStoreConfig) (*ViewOnceStore, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("server: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &ViewOnceStore{db: cfg.Database, now: clock}, nil
}

// NewToken returns a fresh random lowercase hex token.
func (s *ViewOnceStore) NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Register records media under its token.
func (s *ViewOnceStore) Register(ctx context.Context, media ViewOnceMedia) error {
	if media.Token == "" || media.StoredPath == "" {
		return fmt.Errorf("server: view-once media requires token and stored path")
	}
	media.CreatedAt = s.now().UTC()
	media.ConsumedAt = nil
	if err := s.db.WithContext(ctx).Create(&media).Error; err != nil {
		return fmt.Errorf("server: register view-once media: %w", err)
	}
	return nil
}

// Consume marks token consumed and returns its media. Only the first call for a token succeeds;
// every later call returns ErrViewOnceUnavailable.
func (s *ViewOnceStore) Consume(ctx context.Context, token string) (ViewOnceMedia, error) {
	var media ViewOnceMedia
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		consumedAt := s.now().UTC()
		result := tx.Model(&ViewOnceMedia{}).
			Where("token = ? AND consumed_at IS NULL", token).
			Update("consumed_at", consumedAt)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return ErrViewOnceUnavailable
		}
		return tx.Where("token = ?", token).Take(&media).Error
	})
	if err != nil {
		if errors.Is(err, ErrViewOnceUnavailable) {
			return ViewOnceMedia{}, err
		}
		return ViewOnceMedia{}, fmt.Errorf("server: consume view-once media: %w", err)
	}
	return media, nil
}
