package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
)

// 登录与刷新接口的路径，重试桥按这两个前缀识别认证请求。
const (
	LoginPath   = "auth/login/"
	RefreshPath = "auth/refresh/"
	LogoutPath  = "auth/logout/"
)

// ErrIncompleteTokens 表示后端返回 200 但缺少 token。
var ErrIncompleteTokens = errors.New("api: auth response is missing tokens")

func (c *Client) Login(ctx context.Context, email, password string) (models.TokenPair, error) {
	req := map[string]string{"email": email, "password": password}
	var pair models.TokenPair
	if err := c.do(ctx, http.MethodPost, LoginPath, nil, req, &pair); err != nil {
		return models.TokenPair{}, err
	}
	if pair.Access == "" || pair.Refresh == "" {
		return models.TokenPair{}, ErrIncompleteTokens
	}
	return pair, nil
}

// Refresh 用 refresh token 换取新的 access token，refresh token 本身不变。
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	req := map[string]string{"refresh": refreshToken}
	var out struct {
		Access string `json:"access"`
	}
	if err := c.do(ctx, http.MethodPost, RefreshPath, nil, req, &out); err != nil {
		return "", err
	}
	if out.Access == "" {
		return "", ErrIncompleteTokens
	}
	return out.Access, nil
}

func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	req := map[string]string{"refresh": refreshToken}
	return c.do(ctx, http.MethodPost, LogoutPath, nil, req, nil)
}
