package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"rerhythm/pkg/domain"
)

const migrateLockID int64 = 51830417

const sqlitePrefix = "sqlite://"

// GormStore implements Store using GORM on Postgres or SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
// DSNs starting with sqlite:// open a SQLite file; anything else is Postgres.
func NewGormStore(dsn string) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	cfg := &gorm.Config{
		Logger:         gormLog,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	}

	if strings.HasPrefix(dsn, sqlitePrefix) {
		path := strings.TrimPrefix(dsn, sqlitePrefix)
		db, err := gorm.Open(sqlite.Open(path), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
		if err := autoMigrate(db); err != nil {
			return nil, err
		}
		return &GormStore{db: db}, nil
	}

	db, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := autoMigrate(tx); err != nil {
			return err
		}
		if err := tx.Exec(`
			DO $$
			DECLARE
				t text;
			BEGIN
				FOREACH t IN ARRAY ARRAY['check_ins', 'wearable_snapshots', 'journal_entries', 'intervention_completions', 'conversations']
				LOOP
					EXECUTE format('DELETE FROM %I c WHERE NOT EXISTS (SELECT 1 FROM users u WHERE u.id = c.user_id)', t);
					IF NOT EXISTS (
						SELECT 1 FROM information_schema.table_constraints
						WHERE table_schema = 'public'
						AND table_name = t
						AND constraint_name = t || '_user_id_fkey'
					) THEN
						EXECUTE format('ALTER TABLE %I ADD CONSTRAINT %I FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE', t, t || '_user_id_fkey');
					END IF;
				END LOOP;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure user foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func autoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&UserModel{},
		&CheckInModel{},
		&WearableSnapshotModel{},
		&JournalEntryModel{},
		&InterventionCompletionModel{},
		&ConversationModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateUser inserts a new user.
func (s *GormStore) CreateUser(u domain.User) error {
	model := userToModel(u)
	return translateUserErr(s.db.Create(&model).Error)
}

// SaveUser updates a user in place, or inserts it when missing.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"device_id", "email", "password_hash", "is_anonymous", "updated_at"}),
	}).Create(&model).Error
	return translateUserErr(err)
}

// Ids are generated UUIDs and SaveUser upserts on id, so the only unique
// index a user write can hit is the email one.
func translateUserErr(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrEmailTaken
	}
	return err
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(email string) (bool, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByDeviceID returns the oldest user registered for a device.
func (s *GormStore) GetUserByDeviceID(deviceID string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("device_id = ?", deviceID).Order("created_at ASC").First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// DeleteUser removes a user and everything the user owns in one transaction.
func (s *GormStore) DeleteUser(id string) (bool, error) {
	deleted := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, owned := range []any{
			&CheckInModel{},
			&WearableSnapshotModel{},
			&JournalEntryModel{},
			&InterventionCompletionModel{},
			&ConversationModel{},
		} {
			if err := tx.Delete(owned, "user_id = ?", id).Error; err != nil {
				return err
			}
		}
		res := tx.Delete(&UserModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// CreateCheckIn records an analyzed check-in.
func (s *GormStore) CreateCheckIn(c domain.CheckIn) error {
	model := checkInToModel(c)
	return s.db.Create(&model).Error
}

// ListCheckIns returns a user's check-ins, newest first.
func (s *GormStore) ListCheckIns(userID string, limit int) ([]domain.CheckIn, error) {
	query := s.db.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []CheckInModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.CheckIn, 0, len(models))
	for _, m := range models {
		items = append(items, checkInFromModel(m))
	}
	return items, nil
}

// CreateWearableSnapshot stores a raw wearable payload.
func (s *GormStore) CreateWearableSnapshot(w domain.WearableSnapshot) error {
	model := WearableSnapshotModel{ID: w.ID, UserID: w.UserID, Payload: w.Payload, CreatedAt: w.CreatedAt}
	return s.db.Create(&model).Error
}

// LatestWearableSnapshot returns the most recent snapshot for a user.
func (s *GormStore) LatestWearableSnapshot(userID string) (domain.WearableSnapshot, bool, error) {
	var model WearableSnapshotModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at DESC").First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.WearableSnapshot{}, false, nil
		}
		return domain.WearableSnapshot{}, false, err
	}
	return wearableFromModel(model), true, nil
}

// ListWearableSnapshots returns snapshots newest first; limit <= 0 returns all.
func (s *GormStore) ListWearableSnapshots(userID string, limit int) ([]domain.WearableSnapshot, error) {
	query := s.db.Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []WearableSnapshotModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.WearableSnapshot, 0, len(models))
	for _, m := range models {
		items = append(items, wearableFromModel(m))
	}
	return items, nil
}

// CreateJournalEntry stores a journal entry.
func (s *GormStore) CreateJournalEntry(j domain.JournalEntry) error {
	model := journalToModel(j)
	return s.db.Create(&model).Error
}

// ListActiveJournalEntries deletes the user's expired entries, then returns the
// rest newest first.
func (s *GormStore) ListActiveJournalEntries(userID string, now time.Time) ([]domain.JournalEntry, error) {
	var models []JournalEntryModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := purgeExpiredJournals(tx, userID, now); err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error
	})
	if err != nil {
		return nil, err
	}
	return journalsFromModels(models), nil
}

// GetActiveJournalEntries purges expired entries and returns those of ids the
// user still owns, in creation order.
func (s *GormStore) GetActiveJournalEntries(userID string, ids []string, now time.Time) ([]domain.JournalEntry, error) {
	if len(ids) == 0 {
		return []domain.JournalEntry{}, nil
	}
	var models []JournalEntryModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := purgeExpiredJournals(tx, userID, now); err != nil {
			return err
		}
		return tx.Where("user_id = ? AND id IN ?", userID, ids).Order("created_at ASC").Find(&models).Error
	})
	if err != nil {
		return nil, err
	}
	return journalsFromModels(models), nil
}

func purgeExpiredJournals(tx *gorm.DB, userID string, now time.Time) error {
	return tx.Where("user_id = ? AND expires_at IS NOT NULL AND expires_at <= ?", userID, now.UTC()).
		Delete(&JournalEntryModel{}).Error
}

// GetJournalEntry returns one entry by ID.
func (s *GormStore) GetJournalEntry(id string) (domain.JournalEntry, bool, error) {
	var model JournalEntryModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.JournalEntry{}, false, nil
		}
		return domain.JournalEntry{}, false, err
	}
	return journalFromModel(model), true, nil
}

// DeleteJournalEntry removes one entry.
func (s *GormStore) DeleteJournalEntry(id string) error {
	return s.db.Delete(&JournalEntryModel{}, "id = ?", id).Error
}

// RecordInterventionCompletion inserts the first completion or increments the
// existing counter for (userID, interventionID).
func (s *GormStore) RecordInterventionCompletion(userID, interventionID string, at time.Time) (domain.InterventionCompletion, error) {
	at = at.UTC()
	model := InterventionCompletionModel{
		ID:              uuid.NewString(),
		UserID:          userID,
		InterventionID:  interventionID,
		TimesCompleted:  1,
		LastCompletedAt: &at,
	}
	var out InterventionCompletionModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "intervention_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"times_completed":   gorm.Expr("intervention_completions.times_completed + 1"),
				"last_completed_at": at,
			}),
		}).Create(&model).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ? AND intervention_id = ?", userID, interventionID).First(&out).Error
	})
	if err != nil {
		return domain.InterventionCompletion{}, err
	}
	return completionFromModel(out), nil
}

// ListInterventionCompletions returns every completion counter of a user.
func (s *GormStore) ListInterventionCompletions(userID string) ([]domain.InterventionCompletion, error) {
	var models []InterventionCompletionModel
	if err := s.db.Where("user_id = ?", userID).Order("intervention_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.InterventionCompletion, 0, len(models))
	for _, m := range models {
		items = append(items, completionFromModel(m))
	}
	return items, nil
}

// CreateConversation creates a new conversation record.
func (s *GormStore) CreateConversation(c domain.Conversation) error {
	model, err := conversationToModel(c)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	conv, err := conversationFromModel(model)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	return conv, true, nil
}

// ListConversationsByUser returns latest conversations of a user.
func (s *GormStore) ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ConversationModel
	if err := s.db.Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		conv, err := conversationFromModel(model)
		if err != nil {
			return nil, err
		}
		items = append(items, conv)
	}
	return items, nil
}

// UpdateConversationMessages replaces the transcript if the stored version
// still equals expectedVersion. It returns the new version, or
// ErrVersionConflict when another writer got there first.
func (s *GormStore) UpdateConversationMessages(id string, messages []domain.Message, expectedVersion int, at time.Time) (int, error) {
	raw, err := json.Marshal(messages)
	if err != nil {
		return 0, fmt.Errorf("encode transcript: %w", err)
	}
	res := s.db.Model(&ConversationModel{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(map[string]any{
			"messages":   datatypes.JSON(raw),
			"version":    expectedVersion + 1,
			"updated_at": at.UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

func userToModel(u domain.User) UserModel {
	var email *string
	if v := strings.TrimSpace(u.Email); v != "" {
		email = &v
	}
	return UserModel{
		ID:           u.ID,
		DeviceID:     u.DeviceID,
		Email:        email,
		PasswordHash: u.PasswordHash,
		IsAnonymous:  u.IsAnonymous,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	email := ""
	if m.Email != nil {
		email = *m.Email
	}
	return domain.User{
		ID:           m.ID,
		DeviceID:     m.DeviceID,
		Email:        email,
		PasswordHash: m.PasswordHash,
		IsAnonymous:  m.IsAnonymous,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func checkInToModel(c domain.CheckIn) CheckInModel {
	return CheckInModel{
		ID:                         c.ID,
		UserID:                     c.UserID,
		Input:                      c.Input,
		SanitizedText:              c.SanitizedText,
		RecommendedInterventionIDs: c.RecommendedInterventionIDs,
		Reasoning:                  c.Reasoning,
		CreatedAt:                  c.CreatedAt,
	}
}

func checkInFromModel(m CheckInModel) domain.CheckIn {
	return domain.CheckIn{
		ID:                         m.ID,
		UserID:                     m.UserID,
		Input:                      m.Input,
		SanitizedText:              m.SanitizedText,
		RecommendedInterventionIDs: m.RecommendedInterventionIDs,
		Reasoning:                  m.Reasoning,
		CreatedAt:                  m.CreatedAt,
	}
}

func wearableFromModel(m WearableSnapshotModel) domain.WearableSnapshot {
	return domain.WearableSnapshot{ID: m.ID, UserID: m.UserID, Payload: m.Payload, CreatedAt: m.CreatedAt}
}

func journalToModel(j domain.JournalEntry) JournalEntryModel {
	var expiresAt *time.Time
	if j.ExpiresAt != nil {
		v := j.ExpiresAt.UTC()
		expiresAt = &v
	}
	return JournalEntryModel{
		ID:         j.ID,
		UserID:     j.UserID,
		Text:       j.Text,
		Expiration: string(j.Expiration),
		ExpiresAt:  expiresAt,
		CreatedAt:  j.CreatedAt.UTC(),
	}
}

func journalFromModel(m JournalEntryModel) domain.JournalEntry {
	return domain.JournalEntry{
		ID:         m.ID,
		UserID:     m.UserID,
		Text:       m.Text,
		Expiration: domain.ExpirationType(m.Expiration),
		ExpiresAt:  m.ExpiresAt,
		CreatedAt:  m.CreatedAt,
	}
}

func journalsFromModels(models []JournalEntryModel) []domain.JournalEntry {
	items := make([]domain.JournalEntry, 0, len(models))
	for _, m := range models {
		items = append(items, journalFromModel(m))
	}
	return items
}

func completionFromModel(m InterventionCompletionModel) domain.InterventionCompletion {
	return domain.InterventionCompletion{
		ID:              m.ID,
		UserID:          m.UserID,
		InterventionID:  m.InterventionID,
		TimesCompleted:  m.TimesCompleted,
		LastCompletedAt: m.LastCompletedAt,
	}
}

func conversationToModel(c domain.Conversation) (ConversationModel, error) {
	msgs := c.Messages
	if msgs == nil {
		msgs = []domain.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return ConversationModel{}, fmt.Errorf("encode transcript: %w", err)
	}
	version := c.Version
	if version <= 0 {
		version = 1
	}
	return ConversationModel{
		ID:        c.ID,
		UserID:    c.UserID,
		Messages:  raw,
		Version:   version,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}, nil
}

func conversationFromModel(m ConversationModel) (domain.Conversation, error) {
	var msgs []domain.Message
	if len(m.Messages) > 0 {
		if err := json.Unmarshal(m.Messages, &msgs); err != nil {
			return domain.Conversation{}, fmt.Errorf("decode transcript %s: %w", m.ID, err)
		}
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return domain.Conversation{
		ID:        m.ID,
		UserID:    m.UserID,
		Messages:  msgs,
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}
