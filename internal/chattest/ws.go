package chattest

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	room *roomHub
	conn *websocket.Conn
	send chan []byte
	user user
}

type inbound struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type frame struct {
	Type    string `json:"type"`
	Message any    `json:"message"`
}

// serveWS 在握手前校验 query 中的 token：无效返回 401，房间不存在返回 404。
func (s *Server) serveWS(c *gin.Context) {
	s.dials.Add(1)
	u, ok := s.userForToken(c.Query("token"))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "invalid token"})
		return
	}
	roomID := c.Param("id")
	s.mu.Lock()
	_, exists := s.rooms[roomID]
	s.mu.Unlock()
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"detail": "room not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	rh := s.hub.room(roomID)
	cl := &client{room: rh, conn: conn, send: make(chan []byte, 256), user: u}
	select {
	case rh.register <- cl:
	case <-rh.quit:
		_ = conn.Close()
		return
	}

	go cl.writePump()
	s.readPump(cl)
}

func (s *Server) readPump(c *client) {
	defer func() {
		select {
		case c.room.unregister <- c:
		case <-c.room.quit:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Type != "chat_message" {
			continue
		}
		content := strings.TrimSpace(in.Message)
		if content == "" {
			continue
		}
		m, ok := s.storeMessage(c.room.roomID, c.user, content)
		if !ok {
			continue
		}
		c.deliver(frame{Type: "message_queued", Message: m})

		status, reason := s.moderate(content)
		switch status {
		case models.StatusApproved:
			s.setStatus(c.room.roomID, m.ID, status)
			m.Status = status
			c.room.publish(frame{Type: "chat_message", Message: m})
		case models.StatusRejected:
			s.setStatus(c.room.roomID, m.ID, status)
			c.deliver(frame{Type: "message_rejected", Message: models.RejectedMessage{
				ID: m.ID, Content: m.Content, Reason: reason, CreatedAt: m.CreatedAt,
			}})
		}
	}
}

// deliver 只发给当前连接。
func (c *client) deliver(f frame) {
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.room.do(func(clients map[*client]bool) {
		if !clients[c] {
			return
		}
		select {
		case c.send <- b:
		default:
		}
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.room.quit:
			return
		}
	}
}
