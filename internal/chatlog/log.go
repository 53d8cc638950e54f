// Package chatlog 维护一个房间按时间升序、按 id 去重的消息日志，
// 合并分页拉取的历史与实时推送的新消息。
package chatlog

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
	"github.com/rs/zerolog/log"
)

// Fetcher 拉取一页消息，结果按时间倒序（最新在前）。api.Client 实现了它。
type Fetcher interface {
	ListMessages(ctx context.Context, roomID, cursor string) (*models.MessagePage, error)
}

// ScrollAnchor 是展示层的滚动容器。LoadMore 在前插历史前后读取内容高度，
// 并把滚动位置移回原来那条消息。
type ScrollAnchor interface {
	ScrollHeight() int
	SetScrollTop(top int)
}

type Option func(*Log)

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithOrphanLimit 设置孤立更新缓冲的容量与存活时间。
func WithOrphanLimit(limit int, ttl time.Duration) Option {
	return func(l *Log) { l.orphans = newOrphanBuffer(limit, ttl) }
}

type Log struct {
	roomID string
	fetch  Fetcher
	now    func() time.Time

	mu          sync.Mutex
	messages    []models.Message
	ids         map[string]struct{}
	cursor      string
	hasMore     bool
	loading     bool
	loadingMore bool
	orphans     *orphanBuffer
}

func New(roomID string, fetch Fetcher, opts ...Option) *Log {
	l := &Log{
		roomID:  roomID,
		fetch:   fetch,
		now:     time.Now,
		ids:     make(map[string]struct{}),
		hasMore: true,
		orphans: newOrphanBuffer(DefaultOrphanLimit, DefaultOrphanTTL),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadInitial 拉取最新一页并整体替换日志。拉取期间经实时推送加入的消息会接在末尾保留下来。
func (l *Log) LoadInitial(ctx context.Context) error {
	l.mu.Lock()
	l.loading = true
	before := make(map[string]struct{}, len(l.ids))
	for id := range l.ids {
		before[id] = struct{}{}
	}
	l.mu.Unlock()

	page, err := l.fetch.ListMessages(ctx, l.roomID, "")

	l.mu.Lock()
	defer l.mu.Unlock()
	l.loading = false
	if err != nil {
		return fmt.Errorf("load messages for room %s: %w", l.roomID, err)
	}
	if page == nil {
		page = &models.MessagePage{}
	}

	known := make(map[string]models.Message, len(l.messages))
	for _, m := range l.messages {
		known[m.ID] = m
	}
	fetched := chronological(page.Results)
	messages := make([]models.Message, 0, len(fetched)+len(l.messages))
	ids := make(map[string]struct{}, len(fetched)+len(l.messages))
	for _, m := range fetched {
		if prev, ok := known[m.ID]; ok {
			m.Status = mergeStatus(prev.Status, m.Status)
		}
		messages = append(messages, l.adoptLocked(m))
		ids[m.ID] = struct{}{}
	}
	live := 0
	for _, m := range l.messages {
		if _, old := before[m.ID]; old {
			continue
		}
		if _, dup := ids[m.ID]; dup {
			continue
		}
		messages = append(messages, m)
		ids[m.ID] = struct{}{}
		live++
	}
	l.messages = messages
	l.ids = ids
	l.cursor = extractCursor(page.Next)
	l.hasMore = page.Next != ""
	log.Debug().Str("room_id", l.roomID).Int("fetched", len(fetched)).Int("live", live).Bool("has_more", l.hasMore).Msg("chatlog initial")
	return nil
}

// LoadMore 拉取更早的一页并插到日志头部，返回新增条数。
// 没有游标或已有加载在进行时什么也不做，返回 (0, nil)。
func (l *Log) LoadMore(ctx context.Context, anchor ScrollAnchor) (int, error) {
	l.mu.Lock()
	if l.cursor == "" || l.loadingMore {
		l.mu.Unlock()
		return 0, nil
	}
	l.loadingMore = true
	cursor := l.cursor
	l.mu.Unlock()

	oldHeight := 0
	if anchor != nil {
		oldHeight = anchor.ScrollHeight()
	}
	page, err := l.fetch.ListMessages(ctx, l.roomID, cursor)

	l.mu.Lock()
	l.loadingMore = false
	if err != nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("load older messages for room %s: %w", l.roomID, err)
	}
	if page == nil {
		page = &models.MessagePage{}
	}
	older := make([]models.Message, 0, len(page.Results))
	for _, m := range chronological(page.Results) {
		if _, ok := l.ids[m.ID]; ok {
			l.mergeExistingLocked(m)
			continue
		}
		older = append(older, l.adoptLocked(m))
		l.ids[m.ID] = struct{}{}
	}
	l.messages = append(older, l.messages...)
	l.cursor = extractCursor(page.Next)
	l.hasMore = page.Next != ""
	l.mu.Unlock()

	if anchor != nil && len(older) > 0 {
		anchor.SetScrollTop(anchor.ScrollHeight() - oldHeight)
	}
	log.Debug().Str("room_id", l.roomID).Int("prepended", len(older)).Msg("chatlog older page")
	return len(older), nil
}

// Add 把实时消息追加到末尾；同 id 已存在时忽略。返回是否追加。
func (l *Log) Add(m models.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[m.ID]; ok {
		return false
	}
	l.messages = append(l.messages, l.adoptLocked(m))
	l.ids[m.ID] = struct{}{}
	return true
}

// Update 原地替换同 id 的消息。目标还不在日志中时先缓冲，等消息到达后再应用。
func (l *Log) Update(m models.Message) bool {
	return l.patch(orphan{msg: m})
}

// SetStatus 只更新状态，用于只携带 id 的审核结果。
func (l *Log) SetStatus(id string, status models.MessageStatus) bool {
	return l.patch(orphan{msg: models.Message{ID: id, Status: status}, statusOnly: true})
}

func (l *Log) patch(o orphan) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.messages {
		if l.messages[i].ID == o.msg.ID {
			l.messages[i] = o.apply(l.messages[i])
			return true
		}
	}
	now := l.now()
	l.orphans.expire(now)
	o.at = now
	if evicted := l.orphans.put(o); evicted != "" {
		log.Debug().Str("room_id", l.roomID).Str("message_id", evicted).Msg("chatlog orphan update evicted")
	}
	log.Debug().Str("room_id", l.roomID).Str("message_id", o.msg.ID).Msg("chatlog orphan update buffered")
	return false
}

// adoptLocked 应用等待该消息的孤立更新。
func (l *Log) adoptLocked(m models.Message) models.Message {
	if o, ok := l.orphans.take(m.ID, l.now()); ok {
		return o.apply(m)
	}
	return m
}

// mergeExistingLocked 处理拉取结果里已在日志中的消息：位置不动，只合并状态。
func (l *Log) mergeExistingLocked(m models.Message) {
	for i := range l.messages {
		if l.messages[i].ID == m.ID {
			l.messages[i].Status = mergeStatus(l.messages[i].Status, m.Status)
			return
		}
	}
}

// Messages 返回日志的副本，按时间升序。
func (l *Log) Messages() []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Message(nil), l.messages...)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

func (l *Log) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasMore
}

func (l *Log) Cursor() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursor
}

func (l *Log) Loading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loading || l.loadingMore
}

// PendingUpdates 返回缓冲中未过期的孤立更新数量。
func (l *Log) PendingUpdates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orphans.expire(l.now())
	return l.orphans.len()
}

// Reset 清空日志，回到未加载状态。
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
	l.ids = make(map[string]struct{})
	l.cursor = ""
	l.hasMore = true
	l.orphans.reset()
}

// chronological 把后端的倒序页翻转为升序，并去掉页内重复的 id。
func chronological(page []models.Message) []models.Message {
	out := make([]models.Message, 0, len(page))
	seen := make(map[string]struct{}, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		m := page[i]
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// extractCursor 从 next 中取出 cursor 参数。next 可能是完整 URL 或裸查询串，都取不到时原样返回。
func extractCursor(next string) string {
	if next == "" {
		return ""
	}
	if u, err := url.Parse(next); err == nil {
		if c := u.Query().Get("cursor"); c != "" {
			return c
		}
	}
	if q, err := url.ParseQuery(strings.TrimPrefix(next, "?")); err == nil {
		if c := q.Get("cursor"); c != "" {
			return c
		}
	}
	return next
}
