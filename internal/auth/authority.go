// Package auth 持有当前用户的 access/refresh 凭据，负责登录、刷新、登出与启动恢复。
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lucasbezerra26/moderated-chat-client/internal/metrics"
	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
	"github.com/lucasbezerra26/moderated-chat-client/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultValidityBuffer 是建立实时连接前要求 access token 至少剩余的有效期。
const DefaultValidityBuffer = 60 * time.Second

// RefreshTimeout 限制一次刷新交换的总时长。
const RefreshTimeout = 15 * time.Second

// Backend 是认证后端的接口，api.Client 实现了它。
type Backend interface {
	Login(ctx context.Context, email, password string) (models.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (string, error)
	Logout(ctx context.Context, refreshToken string) error
}

type Authority struct {
	backend Backend
	store   store.Store
	now     func() time.Time

	mu       sync.RWMutex
	access   string
	refresh  string
	user     *models.User
	onLogout []func()

	refreshes singleflight.Group

	// persistMu 串行化存储写入，持有期间不占用 mu。
	persistMu sync.Mutex
}

type Option func(*Authority)

// WithClock 替换时间来源，测试用。
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

func New(backend Backend, st store.Store, opts ...Option) *Authority {
	a := &Authority{backend: backend, store: st, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authority) AccessToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.access
}

func (a *Authority) HasRefreshToken() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.refresh != ""
}

// User 返回当前会话用户的副本，未登录时为 nil。
func (a *Authority) User() *models.User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.user == nil {
		return nil
	}
	u := *a.user
	return &u
}

func (a *Authority) IsAuthenticated() bool {
	return a.AccessToken() != ""
}

// IsExpired 在没有 access token、无法解析或 exp 不晚于当前时间时返回 true。
func (a *Authority) IsExpired() bool {
	token := a.AccessToken()
	if token == "" {
		return true
	}
	exp, err := expiry(token)
	if err != nil {
		return true
	}
	return !exp.After(a.now())
}

// CheckValidity 仅当 access token 在 buffer 之后仍然有效时返回 true。
func (a *Authority) CheckValidity(buffer time.Duration) bool {
	token := a.AccessToken()
	if token == "" {
		return false
	}
	exp, err := expiry(token)
	if err != nil {
		return false
	}
	return exp.Sub(a.now()) > buffer
}

// OnLogout 注册会话清空时的回调。
func (a *Authority) OnLogout(fn func()) {
	a.mu.Lock()
	a.onLogout = append(a.onLogout, fn)
	a.mu.Unlock()
}

// Login 用邮箱密码登录。失败时返回 *LoginError，其 Message 可直接展示。
func (a *Authority) Login(ctx context.Context, email, password string) error {
	pair, err := a.backend.Login(ctx, email, password)
	if err != nil {
		le := classifyLogin(err)
		log.Warn().Err(err).Str("kind", string(le.Kind)).Msg("login")
		return le
	}
	claims, err := DecodeClaims(pair.Access)
	if err != nil {
		log.Warn().Err(err).Msg("login decode access token")
		return newLoginError(ServerError, err)
	}
	user := userFromClaims(claims, email)

	a.mu.Lock()
	a.access = pair.Access
	a.refresh = pair.Refresh
	a.user = &user
	a.mu.Unlock()
	a.persist(ctx)
	log.Info().Str("user_id", user.ID).Msg("logged in")
	return nil
}

// Refresh 用 refresh token 换新的 access token。任何失败都返回 false，不改变现有状态。
//
// 并发调用共享同一次交换。交换不受发起者 ctx 取消的影响，只受 RefreshTimeout 限制；
// ctx 结束时当前调用返回 false，交换本身继续完成并服务其他等待者。
func (a *Authority) Refresh(ctx context.Context) bool {
	ch := a.refreshes.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RefreshTimeout)
		defer cancel()
		return a.doRefresh(rctx), nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return false
	}
}

func (a *Authority) doRefresh(ctx context.Context) bool {
	a.mu.RLock()
	rt := a.refresh
	a.mu.RUnlock()
	if rt == "" {
		metrics.TokenRefreshes.WithLabelValues("no_token").Inc()
		return false
	}
	// refresh token 不一定是 JWT；能解析且已过期时不再请求后端。
	if exp, err := expiry(rt); err == nil && !exp.After(a.now()) {
		metrics.TokenRefreshes.WithLabelValues("expired").Inc()
		return false
	}

	access, err := a.backend.Refresh(ctx, rt)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Msg("refresh token")
		return false
	}

	a.mu.Lock()
	if a.refresh != rt {
		// 刷新期间会话被登出或替换。
		a.mu.Unlock()
		metrics.TokenRefreshes.WithLabelValues("stale").Inc()
		return false
	}
	a.access = access
	a.mu.Unlock()
	a.persist(ctx)
	metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	return true
}

// Logout 尽力通知后端，然后无条件清空本地凭据。
func (a *Authority) Logout(ctx context.Context) {
	a.mu.RLock()
	rt := a.refresh
	a.mu.RUnlock()
	if rt != "" {
		if err := a.backend.Logout(ctx, rt); err != nil {
			log.Debug().Err(err).Msg("logout notify")
		}
	}
	a.Clear(ctx)
}

// Clear 清空内存与存储中的凭据，已登录时触发 OnLogout 回调。
func (a *Authority) Clear(ctx context.Context) {
	a.mu.Lock()
	wasAuthenticated := a.access != ""
	a.access = ""
	a.refresh = ""
	a.user = nil
	hooks := append([]func(){}, a.onLogout...)
	a.mu.Unlock()
	a.persist(ctx)

	if wasAuthenticated {
		for _, fn := range hooks {
			fn()
		}
	}
}

// Restore 在进程启动时从存储恢复会话。access token 过期时尝试刷新一次；
// 任何一步失败都清空本地状态。返回是否恢复出可用会话。
func (a *Authority) Restore(ctx context.Context) bool {
	sess, err := a.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Msg("restore session")
			a.Clear(ctx)
		}
		return false
	}
	if sess.AccessToken == "" || sess.RefreshToken == "" {
		a.Clear(ctx)
		return false
	}
	user := sess.User
	if user == nil {
		claims, err := DecodeClaims(sess.AccessToken)
		if err != nil {
			log.Warn().Err(err).Msg("restore decode access token")
			a.Clear(ctx)
			return false
		}
		u := userFromClaims(claims, "")
		user = &u
	}

	a.mu.Lock()
	a.access = sess.AccessToken
	a.refresh = sess.RefreshToken
	a.user = user
	a.mu.Unlock()

	if a.IsExpired() {
		if !a.Refresh(ctx) {
			log.Info().Msg("stored session expired")
			a.Clear(ctx)
			return false
		}
	}
	return true
}

// persist 把当前凭据同步到存储：两个 token 都在时写入，否则删除。
// 调用方不持有 a.mu。每次都写入取锁时的最新状态，写入之间按 persistMu 排队，
// 因此存储最终总是与内存一致。
func (a *Authority) persist(ctx context.Context) {
	a.persistMu.Lock()
	defer a.persistMu.Unlock()
	a.mu.RLock()
	access, refresh, user := a.access, a.refresh, a.user
	a.mu.RUnlock()

	if access != "" && refresh != "" {
		err := a.store.Save(ctx, store.Session{AccessToken: access, RefreshToken: refresh, User: user})
		if err != nil {
			log.Error().Err(err).Msg("persist session")
		}
		return
	}
	if err := a.store.Remove(ctx); err != nil {
		log.Error().Err(err).Msg("remove session")
	}
}
