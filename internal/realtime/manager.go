// Package realtime 管理到单个聊天室的 WebSocket 连接：鉴权、断线检测、线性退避重连与主动关闭。
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lucasbezerra26/moderated-chat-client/internal/metrics"
	"github.com/rs/zerolog/log"
)

// 服务端保留的鉴权类关闭码。
const (
	CloseTokenInvalid = 4001
	CloseTokenExpired = 4002
)

const (
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxAttempts = 5
)

var (
	ErrUnauthenticated  = errors.New("realtime: not authenticated")
	ErrAuthFailure      = errors.New("realtime: authentication failed")
	ErrNotConnected     = errors.New("realtime: not connected")
	ErrRetriesExhausted = errors.New("realtime: max reconnection attempts reached")
)

// IsAuthClose 判断关闭码是否表示 token 无效、过期或策略违规。
func IsAuthClose(code int) bool {
	return code == CloseTokenInvalid || code == CloseTokenExpired || code == websocket.ClosePolicyViolation
}

// TokenSource 是连接管理器对凭据的全部依赖，auth.Authority 实现了它。
type TokenSource interface {
	IsAuthenticated() bool
	AccessToken() string
	CheckValidity(buffer time.Duration) bool
	Refresh(ctx context.Context) bool
}

type Config struct {
	// URL 是房间的 WebSocket 地址，见 RoomURL。
	URL    string
	RoomID string

	BaseDelay        time.Duration
	MaxAttempts      int
	RefreshBuffer    time.Duration
	HandshakeTimeout time.Duration

	Scheduler Scheduler
	Dialer    *websocket.Dialer
}

// RoomURL 拼出房间的实时地址：{base}/ws/chat/{room}/。
func RoomURL(wsBase, roomID string) (string, error) {
	u, err := url.Parse(wsBase)
	if err != nil {
		return "", fmt.Errorf("parse ws base url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported ws scheme %q", u.Scheme)
	}
	if roomID == "" {
		return "", errors.New("empty room id")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/chat/" + roomID + "/"
	return u.String(), nil
}

// Manager 持有一个房间的一条逻辑连接。所有方法都可以并发调用。
type Manager struct {
	cfg    Config
	tokens TokenSource
	events *Registry

	mu          sync.Mutex
	ctx         context.Context
	state       State
	sess        *session
	gen         uint64
	retries     int
	timer       Timer
	timerSeq    uint64
	intentional bool
}

func New(cfg Config, tokens TokenSource) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = 60 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = realScheduler{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.HandshakeTimeout}
	}
	return &Manager{
		cfg:    cfg,
		tokens: tokens,
		events: NewRegistry(),
		ctx:    context.Background(),
		state:  Disconnected,
	}
}

func (m *Manager) On(t EventType, fn Listener) Subscription { return m.events.On(t, fn) }

func (m *Manager) Off(sub Subscription) { m.events.Off(sub) }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts 返回当前这一轮已安排的重连次数。
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

// Connect 建立连接并阻塞到握手结束。ctx 同时作为后续自动重连与刷新使用的上下文。
// 已连接或正在握手时直接返回 nil；手动调用会清零重试计数并取消待执行的重连。
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Connected || m.state == Authenticating {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.retries = 0
	m.intentional = false
	m.ctx = ctx
	m.gen++
	gen := m.gen
	m.mu.Unlock()
	return m.connect(ctx, gen)
}

// connect 以 gen 的名义建立连接。gen 只在持有锁时递增：每个发起连接的入口
// （Connect、定时重连、鉴权关闭后的刷新）各自领取一个 gen，被后来者取代的尝试
// 在拨号前放弃，拨号完成后关闭多余的传输。
func (m *Manager) connect(ctx context.Context, gen uint64) error {
	if !m.tokens.IsAuthenticated() {
		log.Warn().Str("room_id", m.cfg.RoomID).Msg("realtime connect without session")
		m.mu.Lock()
		m.setLocked(trStop)
		m.mu.Unlock()
		return ErrUnauthenticated
	}
	if !m.tokens.CheckValidity(m.cfg.RefreshBuffer) {
		log.Debug().Str("room_id", m.cfg.RoomID).Msg("access token near expiry, refreshing before connect")
		if !m.tokens.Refresh(ctx) {
			m.authFailed(gen)
			return ErrAuthFailure
		}
	}

	m.mu.Lock()
	if gen != m.gen || m.intentional || !m.setLocked(trDial) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	target, err := withToken(m.cfg.URL, m.tokens.AccessToken())
	if err != nil {
		m.mu.Lock()
		m.setLocked(trStop)
		m.mu.Unlock()
		return err
	}
	conn, resp, err := m.cfg.Dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		code := websocket.CloseAbnormalClosure
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			code = CloseTokenInvalid
		}
		log.Warn().Err(err).Str("room_id", m.cfg.RoomID).Int("code", code).Msg("realtime dial")
		m.emit(Payload{Type: EventError, Error: fmt.Sprintf("websocket error: %v", err)})
		m.handleClose(gen, code)
		return fmt.Errorf("dial %s: %w", m.cfg.RoomID, err)
	}

	m.mu.Lock()
	if gen != m.gen || m.intentional || !m.setLocked(trOpen) {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	m.retries = 0
	s := newSession(conn)
	m.sess = s
	m.mu.Unlock()

	metrics.Connected.WithLabelValues(m.cfg.RoomID).Set(1)
	log.Info().Str("room_id", m.cfg.RoomID).Msg("realtime connected")
	go s.writePump()
	go m.readPump(s, gen)
	m.emit(Payload{Type: EventConnect})
	return nil
}

// handleClose 处理一次传输关闭。gen 过期的关闭直接忽略。
func (m *Manager) handleClose(gen uint64, code int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	intentional := m.intentional
	if intentional {
		m.setLocked(trStop)
	}
	ctx := m.ctx
	m.mu.Unlock()

	metrics.Connected.WithLabelValues(m.cfg.RoomID).Set(0)
	log.Info().Str("room_id", m.cfg.RoomID).Int("code", code).Bool("intentional", intentional).Msg("realtime closed")
	m.emit(Payload{Type: EventDisconnect, Code: code})
	if intentional {
		return
	}

	if IsAuthClose(code) {
		// 刷新期间的手动 Connect 会领取新 gen，Close 会置 intentional，两种情况下刷新结果都作废。
		m.mu.Lock()
		m.setLocked(trRetry)
		m.gen++
		gen = m.gen
		m.mu.Unlock()
		if m.tokens.Refresh(ctx) {
			_ = m.connect(ctx, gen)
			return
		}
		m.authFailed(gen)
		return
	}
	m.scheduleReconnect()
}

func (m *Manager) authFailed(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.intentional {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.setLocked(trStop)
	m.mu.Unlock()
	log.Warn().Str("room_id", m.cfg.RoomID).Msg("realtime authentication failed")
	m.emit(Payload{Type: EventAuthFailure, Error: ErrAuthFailure.Error()})
	m.emit(Payload{Type: EventError, Error: "authentication failed, please log in again"})
}

// scheduleReconnect 安排下一次重连，等待 BaseDelay × 次数。
// 已有待执行的重连或次数用尽时不再安排。
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.intentional || m.timer != nil {
		m.mu.Unlock()
		return
	}
	if m.retries >= m.cfg.MaxAttempts {
		m.setLocked(trStop)
		m.mu.Unlock()
		log.Warn().Str("room_id", m.cfg.RoomID).Int("attempts", m.cfg.MaxAttempts).Msg("realtime retries exhausted")
		m.emit(Payload{Type: EventError, Error: ErrRetriesExhausted.Error()})
		m.emit(Payload{Type: EventRetriesExhausted, Attempt: m.cfg.MaxAttempts})
		return
	}
	m.retries++
	attempt := m.retries
	delay := LinearBackoff(m.cfg.BaseDelay, attempt)
	m.setLocked(trRetry)
	m.timerSeq++
	seq := m.timerSeq
	m.timer = m.cfg.Scheduler.AfterFunc(delay, func() { m.fire(seq) })
	m.mu.Unlock()

	metrics.ReconnectAttempts.WithLabelValues(m.cfg.RoomID).Inc()
	log.Info().Str("room_id", m.cfg.RoomID).Int("attempt", attempt).Dur("delay", delay).Msg("realtime reconnect scheduled")
	m.emit(Payload{Type: EventReconnecting, Attempt: attempt, Delay: delay})
}

func (m *Manager) fire(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || m.timer == nil || m.intentional {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.gen++
	gen := m.gen
	ctx := m.ctx
	m.mu.Unlock()
	_ = m.connect(ctx, gen)
}

// Send 序列化并发送一帧。未连接时发出 error 事件并丢弃，不做缓冲。
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	s := m.sess
	connected := m.state == Connected
	m.mu.Unlock()
	if !connected || s == nil {
		m.emit(Payload{Type: EventError, Error: "cannot send message: not connected"})
		return ErrNotConnected
	}
	if err := s.enqueue(v); err != nil {
		m.emit(Payload{Type: EventError, Error: fmt.Sprintf("cannot send message: %v", err)})
		return err
	}
	return nil
}

// Close 主动关闭连接，之后的任何关闭事件都不会触发重连。
func (m *Manager) Close() {
	m.mu.Lock()
	m.intentional = true
	m.stopTimerLocked()
	m.retries = 0
	s := m.sess
	m.setLocked(trStop)
	m.mu.Unlock()
	if s != nil {
		s.shutdown(websocket.CloseNormalClosure)
	}
}

func (m *Manager) emit(p Payload) { m.events.Emit(p) }

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerSeq++
}

// setLocked 按转移表切换状态，非法转移时保持原状态并返回 false。调用方持有 m.mu。
func (m *Manager) setLocked(t trigger) bool {
	to, ok := transition(m.state, t)
	if !ok {
		log.Warn().Str("room_id", m.cfg.RoomID).Str("state", string(m.state)).Str("trigger", string(t)).Msg("realtime illegal transition")
		return false
	}
	if to != m.state {
		log.Debug().Str("room_id", m.cfg.RoomID).Str("from", string(m.state)).Str("to", string(to)).Msg("realtime state")
	}
	m.state = to
	return true
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse room url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
