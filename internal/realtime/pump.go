package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lucasbezerra26/moderated-chat-client/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	closeGrace   = time.Second
	maxFrameSize = 1 << 20 // 1MB
	sendBuffer   = 64
)

var errSendBufferFull = errors.New("realtime: send buffer full")

// session 是一次已建立的传输。读写各一个 goroutine，写操作只在 writePump 中进行。
type session struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newSession(conn *websocket.Conn) *session {
	return &session{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

func (s *session) stop() { s.once.Do(func() { close(s.done) }) }

func (s *session) enqueue(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}
	select {
	case s.send <- b:
		return nil
	default:
		return errSendBufferFull
	}
}

// shutdown 发送关闭帧并给对端 closeGrace 的时间回应，超时后读循环自行退出。
func (s *session) shutdown(code int) {
	msg := websocket.FormatCloseMessage(code, "")
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		log.Debug().Err(err).Msg("realtime write close")
	}
	s.stop()
	_ = s.conn.UnderlyingConn().SetReadDeadline(time.Now().Add(closeGrace))
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Msg("realtime write")
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (m *Manager) readPump(s *session, gen uint64) {
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			code := closeCode(err)
			if code == websocket.CloseAbnormalClosure && !m.closing() {
				m.emit(Payload{Type: EventError, Error: fmt.Sprintf("websocket error: %v", err)})
			}
			s.stop()
			_ = s.conn.Close()
			m.handleClose(gen, code)
			return
		}
		m.dispatch(data)
	}
}

func (m *Manager) dispatch(data []byte) {
	p, err := DecodePayload(data)
	if err != nil {
		metrics.RealtimeFrames.WithLabelValues("invalid").Inc()
		log.Warn().Err(err).Str("room_id", m.cfg.RoomID).Msg("realtime decode frame")
		m.emit(Payload{Type: EventError, Error: fmt.Sprintf("failed to parse message: %v", err)})
		return
	}
	metrics.RealtimeFrames.WithLabelValues(string(p.Type)).Inc()
	m.emit(p)
}

func (m *Manager) closing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.intentional
}

// closeCode 取出关闭帧中的状态码；没有关闭帧的断开视为 1006。
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
