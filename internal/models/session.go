package models

import "time"

// StoredSession 是凭据在关系库中的持久化形式，一个命名空间键对应一行。
type StoredSession struct {
	Key       string    `gorm:"primaryKey;size:128"`
	Payload   string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}
