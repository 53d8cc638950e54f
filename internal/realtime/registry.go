package realtime

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type Listener func(Payload)

// Subscription 标识一次注册，用于 Off。
type Subscription struct {
	typ EventType
	id  uint64
}

type entry struct {
	id uint64
	fn Listener
}

// Registry 按事件类型保存有序的监听器列表。
// Emit 先对列表做快照再逐个调用，分发过程中的增删只影响下一次分发。
type Registry struct {
	mu     sync.RWMutex
	next   uint64
	byType map[EventType][]entry
}

func NewRegistry() *Registry {
	return &Registry{byType: make(map[EventType][]entry)}
}

func (r *Registry) On(t EventType, fn Listener) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.byType[t] = append(r.byType[t], entry{id: r.next, fn: fn})
	return Subscription{typ: t, id: r.next}
}

func (r *Registry) Off(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.byType[sub.typ]
	for i, e := range list {
		if e.id == sub.id {
			// 复制而不是原地修改，正在分发的快照不受影响。
			next := make([]entry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.byType, sub.typ)
			} else {
				r.byType[sub.typ] = next
			}
			return
		}
	}
}

func (r *Registry) Len(t EventType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byType[t])
}

// Emit 按注册顺序同步调用监听器。单个监听器 panic 不会中断分发。
func (r *Registry) Emit(p Payload) {
	r.mu.RLock()
	snapshot := r.byType[p.Type]
	r.mu.RUnlock()
	for _, e := range snapshot {
		call(e.fn, p)
	}
}

func call(fn Listener, p Payload) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("event", string(p.Type)).Msg("realtime listener")
		}
	}()
	fn(p)
}
