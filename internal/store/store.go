// Package store 持久化当前会话凭据。整个客户端只有 Token Authority 读写它。
package store

import (
	"context"
	"errors"

	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
)

// ErrNotFound 表示存储中没有会话。
var ErrNotFound = errors.New("store: session not found")

// Session 是持久化的内容，字段固定为 accessToken、refreshToken、user。
type Session struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	User         *models.User `json:"user"`
}

// Store 在一个命名空间键下保存唯一的会话。
type Store interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s Session) error
	Remove(ctx context.Context) error
}
