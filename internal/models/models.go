package models

import (
	"strings"
	"time"
)

// MessageStatus 是消息的审核状态。
type MessageStatus string

const (
	StatusPending  MessageStatus = "PENDING"
	StatusApproved MessageStatus = "APPROVED"
	StatusRejected MessageStatus = "REJECTED"
)

// Terminal 表示审核已经结束（通过或拒绝）。
func (s MessageStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "ADMIN"
	RoleMember ParticipantRole = "MEMBER"
)

// User 是从 access token 解出的会话用户。
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"name"`
}

// Label 返回展示用名称，没有名字时退回到邮箱。
func (u User) Label() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Email
}

// NameFromEmail 取邮箱 @ 之前的部分作为默认昵称。
func NameFromEmail(email string) string {
	if i := strings.Index(email, "@"); i > 0 {
		return email[:i]
	}
	return email
}

type Author struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Message struct {
	ID        string        `json:"id"`
	Content   string        `json:"content"`
	Status    MessageStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	Author    Author        `json:"author"`
}

// RejectedMessage 是 message_rejected 事件携带的内容。
type RejectedMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsPrivate bool      `json:"is_private"`
	CreatedAt time.Time `json:"created_at"`
}

type CreateRoom struct {
	Name      string `json:"name"`
	IsPrivate *bool  `json:"is_private,omitempty"`
}

type Participant struct {
	User      Author          `json:"user"`
	Role      ParticipantRole `json:"role"`
	CreatedAt time.Time       `json:"created_at"`
}

// MessagePage 是游标分页的消息列表，后端按最新在前返回。
type MessagePage struct {
	Results  []Message `json:"results"`
	Next     string    `json:"next,omitempty"`
	Previous string    `json:"previous,omitempty"`
}

type RoomPage struct {
	Results  []Room `json:"results"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// TokenPair 是登录接口返回的凭据对。
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}
