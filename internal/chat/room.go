// Package chat 把一个房间的实时连接和消息日志绑在一起，对外提供发送、翻页与状态快照。
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/lucasbezerra26/moderated-chat-client/internal/chatlog"
	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
	"github.com/lucasbezerra26/moderated-chat-client/internal/realtime"
	"github.com/rs/zerolog/log"
)

var ErrEmptyMessage = errors.New("chat: empty message")

// Conn 是房间对实时连接的依赖，realtime.Manager 实现了它。
type Conn interface {
	Connect(ctx context.Context) error
	Send(v any) error
	Close()
	State() realtime.State
	Attempts() int
	On(t realtime.EventType, fn realtime.Listener) realtime.Subscription
	Off(sub realtime.Subscription)
}

// Status 是房间会话的只读快照。
type Status struct {
	RoomID         string `json:"room_id"`
	State          string `json:"state"`
	Connected      bool   `json:"connected"`
	Attempts       int    `json:"reconnect_attempts"`
	Messages       int    `json:"messages"`
	HasMore        bool   `json:"has_more"`
	PendingUpdates int    `json:"pending_updates"`
	LastError      string `json:"last_error,omitempty"`
}

type Room struct {
	id   string
	conn Conn
	log  *chatlog.Log

	mu        sync.RWMutex
	subs      []realtime.Subscription
	connected bool
	lastError string
}

// New 绑定连接与日志并注册事件处理。
func New(roomID string, conn Conn, messages *chatlog.Log) *Room {
	r := &Room{id: roomID, conn: conn, log: messages}
	r.subs = []realtime.Subscription{
		conn.On(realtime.EventConnect, r.onConnect),
		conn.On(realtime.EventDisconnect, r.onDisconnect),
		conn.On(realtime.EventError, r.onError),
		conn.On(realtime.EventChatMessage, r.onChatMessage),
		conn.On(realtime.EventMessageQueued, r.onQueued),
		conn.On(realtime.EventMessageRejected, r.onRejected),
	}
	return r
}

func (r *Room) ID() string { return r.id }

// Open 先拉取最新一页历史，再建立实时连接。历史拉取失败不阻止连接。
func (r *Room) Open(ctx context.Context) error {
	if err := r.log.LoadInitial(ctx); err != nil {
		log.Warn().Err(err).Str("room_id", r.id).Msg("load history")
		r.setError("failed to load messages")
	}
	return r.conn.Connect(ctx)
}

// Connect 只重新建立实时连接，不重新拉取历史。重连预算会被重置。
func (r *Room) Connect(ctx context.Context) error { return r.conn.Connect(ctx) }

// SendMessage 发送一条聊天消息。内容去掉首尾空白后不能为空。
func (r *Room) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	// 发送失败时连接会发出 error 事件，lastError 由 onError 记录。
	return r.conn.Send(realtime.NewChatMessage(text))
}

// LoadMore 拉取更早的一页，anchor 可以为 nil。
func (r *Room) LoadMore(ctx context.Context, anchor chatlog.ScrollAnchor) (int, error) {
	return r.log.LoadMore(ctx, anchor)
}

func (r *Room) Messages() []models.Message { return r.log.Messages() }

func (r *Room) HasMore() bool { return r.log.HasMore() }

// On 透传到底层连接，供展示层订阅同一批事件。
func (r *Room) On(t realtime.EventType, fn realtime.Listener) realtime.Subscription {
	return r.conn.On(t, fn)
}

func (r *Room) Off(sub realtime.Subscription) { r.conn.Off(sub) }

func (r *Room) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

func (r *Room) LastError() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastError
}

func (r *Room) Status() Status {
	r.mu.RLock()
	connected, lastError := r.connected, r.lastError
	r.mu.RUnlock()
	return Status{
		RoomID:         r.id,
		State:          string(r.conn.State()),
		Connected:      connected,
		Attempts:       r.conn.Attempts(),
		Messages:       r.log.Len(),
		HasMore:        r.log.HasMore(),
		PendingUpdates: r.log.PendingUpdates(),
		LastError:      lastError,
	}
}

// Close 主动断开连接，不会再重连。
func (r *Room) Close() {
	r.conn.Close()
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
}

// Detach 注销房间注册的事件处理，之后连接上的事件不再写入日志。
func (r *Room) Detach() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		r.conn.Off(sub)
	}
}

// CloseOnLogout 在用户登出时关闭房间连接。
func (r *Room) CloseOnLogout(src interface{ OnLogout(func()) }) {
	src.OnLogout(func() {
		log.Info().Str("room_id", r.id).Msg("logout, closing room")
		r.Close()
	})
}

func (r *Room) setError(msg string) {
	r.mu.Lock()
	r.lastError = msg
	r.mu.Unlock()
}

func (r *Room) onConnect(realtime.Payload) {
	r.mu.Lock()
	r.connected = true
	r.lastError = ""
	r.mu.Unlock()
}

func (r *Room) onDisconnect(realtime.Payload) {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
}

func (r *Room) onError(p realtime.Payload) { r.setError(p.Error) }

// onChatMessage 处理审核通过的广播：已有的消息原地更新，否则追加。
func (r *Room) onChatMessage(p realtime.Payload) {
	if p.Message == nil {
		return
	}
	if !r.log.Add(*p.Message) {
		r.log.Update(*p.Message)
	}
}

func (r *Room) onQueued(p realtime.Payload) {
	if p.Message == nil {
		return
	}
	r.log.Add(*p.Message)
}

func (r *Room) onRejected(p realtime.Payload) {
	if p.Rejected == nil {
		return
	}
	r.log.SetStatus(p.Rejected.ID, models.StatusRejected)
}
