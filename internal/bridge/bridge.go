// Package bridge 在出站 HTTP 请求上挂 bearer token，并在 401 时协调一次刷新后重放请求。
package bridge

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lucasbezerra26/moderated-chat-client/internal/api"
	"github.com/lucasbezerra26/moderated-chat-client/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Session 是重试桥依赖的凭据来源，auth.Authority 实现了它。
type Session interface {
	AccessToken() string
	Refresh(ctx context.Context) bool
	Logout(ctx context.Context)
}

type retriedKey struct{}

// refreshTimeout 是领头请求等待一次刷新的上限。
const refreshTimeout = 15 * time.Second

// Transport 是带认证重试的 http.RoundTripper。
//
// 同一时刻最多只有一次刷新在进行；刷新期间收到 401 的请求排进等待队列，
// 刷新结束后按 FIFO 顺序统一放行或拒绝。
type Transport struct {
	Base    http.RoundTripper
	Session Session

	// OnSessionExpired 在刷新失败、会话被登出后调用，用于跳转到登录入口。
	OnSessionExpired func()

	mu         sync.Mutex
	refreshing bool
	queue      []chan bool
}

func New(base http.RoundTripper, session Session, onExpired func()) *Transport {
	return &Transport{Base: base, Session: session, OnSessionExpired: onExpired}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// IsAuthExchange 判断请求是否是登录或刷新本身，这类请求不参与重试。
func IsAuthExchange(req *http.Request) bool {
	p := req.URL.Path
	return strings.Contains(p, api.LoginPath) || strings.Contains(p, api.RefreshPath)
}

func isRetried(req *http.Request) bool {
	v, _ := req.Context().Value(retriedKey{}).(bool)
	return v
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token := t.Session.AccessToken()
	resp, err := t.base().RoundTrip(authorize(req, token))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if IsAuthExchange(req) || isRetried(req) {
		return resp, nil
	}

	// 请求发出后 token 已被别人换掉：直接用新 token 重放，不再刷新。
	if current := t.Session.AccessToken(); current != "" && current != token {
		return t.replay(req, resp, current)
	}

	t.mu.Lock()
	if t.refreshing {
		wait := make(chan bool, 1)
		t.queue = append(t.queue, wait)
		t.mu.Unlock()

		var ok bool
		select {
		case ok = <-wait:
		case <-req.Context().Done():
			return resp, nil
		}
		if !ok {
			metrics.RequestReplays.WithLabelValues("rejected").Inc()
			return resp, nil
		}
		return t.replay(req, resp, t.Session.AccessToken())
	}
	t.refreshing = true
	t.mu.Unlock()

	// 刷新不随请求取消：请求方放弃不代表会话失效，不能因此登出。
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), refreshTimeout)
	ok := t.refresh(ctx)
	cancel()
	if !ok {
		metrics.RequestReplays.WithLabelValues("rejected").Inc()
		log.Warn().Str("path", req.URL.Path).Msg("session refresh failed")
		t.Session.Logout(req.Context())
		if t.OnSessionExpired != nil {
			t.OnSessionExpired()
		}
		return resp, nil
	}
	return t.replay(req, resp, t.Session.AccessToken())
}

// refresh 执行唯一的一次刷新；无论结果如何都会清除 in-flight 标记并放行队列。
func (t *Transport) refresh(ctx context.Context) (ok bool) {
	defer func() { t.release(ok) }()
	ok = t.Session.Refresh(ctx)
	return ok
}

func (t *Transport) release(ok bool) {
	t.mu.Lock()
	waiters := t.queue
	t.queue = nil
	t.refreshing = false
	t.mu.Unlock()
	for _, w := range waiters {
		w <- ok
	}
}

// replay 用新 token 重发原请求。请求体无法重建时返回原始 401。
func (t *Transport) replay(req *http.Request, failed *http.Response, token string) (*http.Response, error) {
	retry := req.Clone(context.WithValue(req.Context(), retriedKey{}, true))
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return failed, nil
		}
		body, err := req.GetBody()
		if err != nil {
			return failed, nil
		}
		retry.Body = body
	}
	drain(failed)
	metrics.RequestReplays.WithLabelValues("replayed").Inc()
	return t.RoundTrip(retry)
}

func authorize(req *http.Request, token string) *http.Request {
	if token == "" {
		return req
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// pending 返回等待队列长度。
func (t *Transport) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}
