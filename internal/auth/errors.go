package auth

import (
	"errors"
	"net/http"

	"github.com/lucasbezerra26/moderated-chat-client/internal/api"
)

type ErrorKind string

const (
	InvalidCredentials ErrorKind = "invalid_credentials"
	ValidationError    ErrorKind = "validation_error"
	ServerError        ErrorKind = "server_error"
	RateLimited        ErrorKind = "rate_limited"
	NetworkError       ErrorKind = "network_error"
)

var defaultMessages = map[ErrorKind]string{
	InvalidCredentials: "Invalid credentials. Check your email and password.",
	ValidationError:    "Invalid login data.",
	ServerError:        "Internal server error. Try again later.",
	RateLimited:        "Too many login attempts. Wait a few minutes.",
	NetworkError:       "Connection error. Check your internet connection and try again.",
}

// LoginError 是登录失败时返回给调用方的错误，Message 可直接展示给用户。
type LoginError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *LoginError) Error() string { return e.Message }

func (e *LoginError) Unwrap() error { return e.Err }

func newLoginError(kind ErrorKind, err error) *LoginError {
	return &LoginError{Kind: kind, Message: defaultMessages[kind], Err: err}
}

// classifyLogin 把后端错误映射成 LoginError。
func classifyLogin(err error) *LoginError {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		if errors.Is(err, api.ErrIncompleteTokens) {
			return newLoginError(ServerError, err)
		}
		return newLoginError(NetworkError, err)
	}
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized:
		return newLoginError(InvalidCredentials, err)
	case apiErr.StatusCode == http.StatusBadRequest:
		le := newLoginError(ValidationError, err)
		if msg := apiErr.Message(); msg != "" {
			le.Message = msg
		}
		return le
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return newLoginError(RateLimited, err)
	case apiErr.StatusCode >= 500:
		return newLoginError(ServerError, err)
	default:
		return newLoginError(NetworkError, err)
	}
}
