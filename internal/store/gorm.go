package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore 把会话保存在 stored_sessions 表中，以 key 为主键。
type GormStore struct {
	db  *gorm.DB
	key string
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB, key string) *GormStore {
	return &GormStore{db: db, key: key}
}

func (s *GormStore) Load(ctx context.Context) (*Session, error) {
	var rec models.StoredSession
	if err := s.db.WithContext(ctx).First(&rec, "key = ?", s.key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(rec.Payload), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *GormStore) Save(ctx context.Context, sess Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	rec := models.StoredSession{Key: s.key, Payload: string(payload), UpdatedAt: time.Now()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (s *GormStore) Remove(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Delete(&models.StoredSession{}, "key = ?", s.key).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
