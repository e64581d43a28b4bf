// Package prefs persists the client's local preferences: the stored login identity and the
// privacy notice acknowledgement.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/chatroom/internal/database"
	"github.com/MarcoPoloResearchLab/chatroom/internal/session"
)

const (
	keyUsername            = "identity.username"
	keyPrivacyAcknowledged = "privacy.acknowledged"

	migrationTrimStoredUsername = "2026-10-01_trim_stored_username"
)

// ErrIdentityNotFound indicates that no login identity has been stored yet.
var ErrIdentityNotFound = errors.New("prefs: identity not found")

// Preference is one stored key/value record.
type Preference struct {
	Key       string    `gorm:"column:pref_key;primaryKey;size:64;not null"`
	Value     string    `gorm:"column:pref_value;size:512;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing client preferences.
func (Preference) TableName() string {
	return "client_preferences"
}

// Schema describes the tables and migrations the store needs.
func Schema() database.Schema {
	return database.Schema{
		Models: []any{&Preference{}},
		Migrations: []database.Migration{
			{Name: migrationTrimStoredUsername, Apply: trimStoredUsername},
		},
	}
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store reads and writes client preferences.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore constructs a Store over an opened database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("prefs: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, now: clock}, nil
}

// SaveIdentity stores identity as the login used by later joins.
func (s *Store) SaveIdentity(ctx context.Context, identity session.Identity) error {
	validated, err := session.NewIdentity(identity.Username)
	if err != nil {
		return err
	}
	return s.put(ctx, keyUsername, validated.Username)
}

// Identity returns the stored login identity or ErrIdentityNotFound.
func (s *Store) Identity(ctx context.Context) (session.Identity, error) {
	value, found, err := s.get(ctx, keyUsername)
	if err != nil {
		return session.Identity{}, err
	}
	if !found {
		return session.Identity{}, ErrIdentityNotFound
	}
	identity, err := session.NewIdentity(value)
	if err != nil {
		return session.Identity{}, ErrIdentityNotFound
	}
	return identity, nil
}

// ClearIdentity forgets the stored login identity.
func (s *Store) ClearIdentity(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("pref_key = ?", keyUsername).Delete(&Preference{}).Error; err != nil {
		return fmt.Errorf("prefs: clear identity: %w", err)
	}
	return nil
}

// AcknowledgePrivacy records that the privacy notice has been accepted.
func (s *Store) AcknowledgePrivacy(ctx context.Context) error {
	return s.put(ctx, keyPrivacyAcknowledged, strconv.FormatBool(true))
}

// PrivacyAcknowledged reports whether the privacy notice has been accepted.
func (s *Store) PrivacyAcknowledged(ctx context.Context) (bool, error) {
	value, found, err := s.get(ctx, keyPrivacyAcknowledged)
	if err != nil || !found {
		return false, err
	}
	acknowledged, parseErr := strconv.ParseBool(value)
	if parseErr != nil {
		return false, nil
	}
	return acknowledged, nil
}

func (s *Store) put(ctx context.Context, key, value string) error {
	preference := Preference{Key: key, Value: value, UpdatedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pref_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"pref_value", "updated_at"}),
		}).
		Create(&preference).Error
	if err != nil {
		return fmt.Errorf("prefs: store %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	var preference Preference
	err := s.db.WithContext(ctx).Where("pref_key = ?", key).Take(&preference).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("prefs: load %s: %w", key, err)
	}
	return preference.Value, true, nil
}

func trimStoredUsername(db *gorm.DB) error {
	return db.Model(&Preference{}).
		Where("pref_key = ?", keyUsername).
		Update("pref_value", gorm.Expr("trim(pref_value)")).Error
}
