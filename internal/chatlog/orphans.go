package chatlog

import (
	"time"

	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
)

const (
	DefaultOrphanLimit = 128
	DefaultOrphanTTL   = 5 * time.Minute
)

// orphan 是一条目标消息尚未进入日志的更新。statusOnly 的更新只携带状态。
type orphan struct {
	msg        models.Message
	statusOnly bool
	at         time.Time
}

// orphanBuffer 按到达顺序保存孤立更新，超过 limit 时淘汰最早的一条，超过 ttl 的条目取出时丢弃。
type orphanBuffer struct {
	limit int
	ttl   time.Duration
	order []string
	byID  map[string]orphan
}

func newOrphanBuffer(limit int, ttl time.Duration) *orphanBuffer {
	return &orphanBuffer{limit: limit, ttl: ttl, byID: make(map[string]orphan)}
}

// put 记录一条更新，同一 id 只保留最新的一条。返回被淘汰的 id。
func (b *orphanBuffer) put(o orphan) (evicted string) {
	id := o.msg.ID
	if prev, ok := b.byID[id]; ok {
		b.drop(id)
		if o.statusOnly && !prev.statusOnly {
			// 先到的完整内容加上后到的状态。
			m := prev.msg
			m.Status = mergeStatus(m.Status, o.msg.Status)
			o = orphan{msg: m, at: o.at}
		}
	}
	if b.limit > 0 && len(b.order) >= b.limit {
		evicted = b.order[0]
		b.drop(evicted)
	}
	b.order = append(b.order, id)
	b.byID[id] = o
	return evicted
}

// take 取出并删除 id 的更新；已过期的返回 false。
func (b *orphanBuffer) take(id string, now time.Time) (orphan, bool) {
	o, ok := b.byID[id]
	if !ok {
		return orphan{}, false
	}
	b.drop(id)
	if b.ttl > 0 && now.Sub(o.at) > b.ttl {
		return orphan{}, false
	}
	return o, true
}

// expire 删除所有过期条目，返回删除数量。
func (b *orphanBuffer) expire(now time.Time) int {
	if b.ttl <= 0 {
		return 0
	}
	n := 0
	for len(b.order) > 0 {
		o := b.byID[b.order[0]]
		if now.Sub(o.at) <= b.ttl {
			break
		}
		b.drop(b.order[0])
		n++
	}
	return n
}

func (b *orphanBuffer) len() int { return len(b.order) }

func (b *orphanBuffer) reset() {
	b.order = nil
	b.byID = make(map[string]orphan)
}

func (b *orphanBuffer) drop(id string) {
	delete(b.byID, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// apply 把更新合并到已有消息上。终态不会被 PENDING 覆盖。
func (o orphan) apply(m models.Message) models.Message {
	if o.statusOnly {
		m.Status = mergeStatus(m.Status, o.msg.Status)
		return m
	}
	next := o.msg
	next.Status = mergeStatus(m.Status, o.msg.Status)
	return next
}

// mergeStatus 返回合并后的状态：新状态为空或把终态降回 PENDING 时保留旧状态。
func mergeStatus(current, incoming models.MessageStatus) models.MessageStatus {
	if incoming == "" {
		return current
	}
	if incoming == models.StatusPending && current.Terminal() {
		return current
	}
	return incoming
}
