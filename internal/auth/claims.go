package auth

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
)

// Claims 是 access token 中客户端关心的字段。签名不在客户端校验。
type Claims struct {
	UserID userID `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// userID 兼容后端把 user_id 编码成字符串或数字两种情况。
type userID string

func (u *userID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = userID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*u = userID(n.String())
	return nil
}

var errNoExpiry = errors.New("auth: token has no exp claim")

// DecodeClaims 解析 token 的 payload，不校验签名。
func DecodeClaims(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("auth: empty token")
	}
	var c Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// expiry 返回 token 的过期时间；无法解析或缺少 exp 时返回错误。
func expiry(token string) (time.Time, error) {
	c, err := DecodeClaims(token)
	if err != nil {
		return time.Time{}, err
	}
	if c.ExpiresAt == nil {
		return time.Time{}, errNoExpiry
	}
	return c.ExpiresAt.Time, nil
}

// userFromClaims 构造会话用户，缺失的字段用登录邮箱补齐。
func userFromClaims(c *Claims, email string) models.User {
	id := string(c.UserID)
	if id == "" {
		id = c.Subject
	}
	if c.Email != "" {
		email = c.Email
	}
	name := c.Name
	if name == "" {
		name = models.NameFromEmail(email)
	}
	return models.User{ID: id, Email: email, DisplayName: name}
}
