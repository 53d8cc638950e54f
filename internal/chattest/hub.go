package chattest

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// hub 管理房间级别的子 hub，按需创建。
type hub struct {
	mu    sync.RWMutex
	rooms map[string]*roomHub
}

func newHub() *hub { return &hub{rooms: make(map[string]*roomHub)} }

func (h *hub) room(roomID string) *roomHub {
	h.mu.RLock()
	rh := h.rooms[roomID]
	h.mu.RUnlock()
	if rh != nil {
		return rh
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if rh = h.rooms[roomID]; rh != nil {
		return rh
	}
	rh = newRoomHub(roomID)
	h.rooms[roomID] = rh
	go rh.run()
	return rh
}

func (h *hub) online(roomID string) int {
	h.mu.RLock()
	rh := h.rooms[roomID]
	h.mu.RUnlock()
	if rh == nil {
		return 0
	}
	return rh.online()
}

func (h *hub) all() []*roomHub {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*roomHub, 0, len(h.rooms))
	for _, rh := range h.rooms {
		out = append(out, rh)
	}
	return out
}

func (h *hub) stop() {
	for _, rh := range h.all() {
		rh.stop()
	}
}

type roomHub struct {
	roomID     string
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	control    chan func(map[*client]bool)
	quit       chan struct{}
	once       sync.Once
	count      int32
}

func newRoomHub(roomID string) *roomHub {
	return &roomHub{
		roomID:     roomID,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		control:    make(chan func(map[*client]bool)),
		quit:       make(chan struct{}),
	}
}

func (rh *roomHub) run() {
	for {
		select {
		case <-rh.quit:
			return
		case c := <-rh.register:
			rh.clients[c] = true
			atomic.StoreInt32(&rh.count, int32(len(rh.clients)))
		case c := <-rh.unregister:
			if _, ok := rh.clients[c]; ok {
				delete(rh.clients, c)
				close(c.send)
				atomic.StoreInt32(&rh.count, int32(len(rh.clients)))
			}
		case msg := <-rh.broadcast:
			for c := range rh.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(rh.clients, c)
					atomic.StoreInt32(&rh.count, int32(len(rh.clients)))
				}
			}
		case fn := <-rh.control:
			fn(rh.clients)
		}
	}
}

// do 在 run 循环内执行 fn 并等待其返回。
func (rh *roomHub) do(fn func(map[*client]bool)) {
	done := make(chan struct{})
	select {
	case rh.control <- func(m map[*client]bool) { fn(m); close(done) }:
		<-done
	case <-rh.quit:
	}
}

func (rh *roomHub) publish(frame any) {
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case rh.broadcast <- b:
	case <-rh.quit:
	}
}

// closeAll 向房间内所有连接发送带状态码的关闭帧。
func (rh *roomHub) closeAll(code int, reason string) {
	var conns []*websocket.Conn
	rh.do(func(m map[*client]bool) {
		for c := range m {
			conns = append(conns, c.conn)
		}
	})
	msg := websocket.FormatCloseMessage(code, reason)
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
}

func (rh *roomHub) online() int { return int(atomic.LoadInt32(&rh.count)) }

func (rh *roomHub) stop() { rh.once.Do(func() { close(rh.quit) }) }
