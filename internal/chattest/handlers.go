package chattest

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
)

const ctxUser = "chattest.user"

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	login := []gin.HandlerFunc{s.login}
	if s.loginLimit != nil {
		login = append([]gin.HandlerFunc{rateLimit(s.loginLimit)}, login...)
	}
	api.POST("/auth/login/", login...)
	api.POST("/auth/refresh/", s.refreshToken)
	api.POST("/auth/logout/", s.logout)

	authed := api.Group("/chat")
	authed.Use(s.authMiddleware)
	authed.GET("/rooms/", s.listRooms)
	authed.POST("/rooms/", s.createRoom)
	authed.GET("/rooms/:id/", s.getRoom)
	authed.GET("/rooms/:id/messages/", s.listMessages)
	authed.POST("/rooms/:id/participants/", s.addParticipant)
	authed.DELETE("/rooms/:id/participants/:user/", s.removeParticipant)

	r.GET("/ws/chat/:id/", s.serveWS)
	return r
}

// authMiddleware 校验 Bearer token，ForceUnauthorized 设置的次数优先消耗。
func (s *Server) authMiddleware(c *gin.Context) {
	s.mu.Lock()
	forced := s.forced401 > 0
	if forced {
		s.forced401--
	}
	s.mu.Unlock()
	if forced {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Given token not valid for any token type"})
		return
	}

	authz := c.GetHeader("Authorization")
	if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Authentication credentials were not provided."})
		return
	}
	u, ok := s.userForToken(authz[7:])
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Given token not valid for any token type"})
		return
	}
	c.Set(ctxUser, u)
	c.Next()
}

func (s *Server) userForToken(token string) (user, bool) {
	claims, err := s.parseAccess(token)
	if err != nil {
		return user{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[claims.Email]
	return u, ok
}

func (s *Server) login(c *gin.Context) {
	s.logins.Add(1)
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid payload"})
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"non_field_errors": []string{"Email and password are required."}})
		return
	}
	s.mu.Lock()
	u, ok := s.users[req.Email]
	s.mu.Unlock()
	if !ok || !verifyPassword(u.hash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "No active account found with the given credentials"})
		return
	}
	access, err := s.signAccess(u, s.accessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access": access, "refresh": s.IssueRefresh(u.Email)})
}

func (s *Server) refreshToken(c *gin.Context) {
	s.refreshes.Add(1)
	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Refresh == "" {
		c.JSON(http.StatusBadRequest, gin.H{"refresh": []string{"This field is required."}})
		return
	}
	s.mu.Lock()
	email, ok := s.refresh[req.Refresh]
	fail := s.failRefresh
	u := s.users[email]
	s.mu.Unlock()
	if !ok || fail {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Token is invalid or expired"})
		return
	}
	access, err := s.signAccess(u, s.accessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "refresh failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access": access})
}

func (s *Server) logout(c *gin.Context) {
	s.logouts.Add(1)
	var req struct {
		Refresh string `json:"refresh"`
	}
	_ = c.ShouldBindJSON(&req)
	s.mu.Lock()
	delete(s.refresh, req.Refresh)
	s.mu.Unlock()
	c.Status(http.StatusResetContent)
}

func (s *Server) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, models.RoomPage{Results: s.roomList()})
}

func (s *Server) createRoom(c *gin.Context) {
	var req models.CreateRoom
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"name": []string{"Ensure this field is valid."}})
		return
	}
	info := s.AddRoom(req.Name)
	u := c.MustGet(ctxUser).(user)
	s.mu.Lock()
	r := s.rooms[info.ID]
	if req.IsPrivate != nil {
		r.info.IsPrivate = *req.IsPrivate
		info = r.info
	}
	r.participants[u.ID] = models.Participant{User: u.author(), Role: models.RoleAdmin, CreatedAt: time.Now().UTC()}
	s.mu.Unlock()
	c.JSON(http.StatusCreated, info)
}

func (s *Server) getRoom(c *gin.Context) {
	s.mu.Lock()
	r := s.rooms[c.Param("id")]
	s.mu.Unlock()
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	c.JSON(http.StatusOK, r.info)
}

// listMessages 按最新在前分页。cursor 编码了已跳过的条数，next 是完整 URL。
func (s *Server) listMessages(c *gin.Context) {
	offset := 0
	if raw := c.Query("cursor"); raw != "" {
		n, ok := decodeCursor(raw)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Invalid cursor"})
			return
		}
		offset = n
	}
	s.mu.Lock()
	r := s.rooms[c.Param("id")]
	var msgs []models.Message
	if r != nil {
		msgs = r.messages
	}
	total := len(msgs)
	end := total - offset
	if end < 0 {
		end = 0
	}
	start := end - s.pageSize
	if start < 0 {
		start = 0
	}
	page := make([]models.Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		page = append(page, msgs[i])
	}
	s.mu.Unlock()
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}

	out := models.MessagePage{Results: page}
	if start > 0 {
		out.Next = s.pageURL(c, offset+len(page))
	}
	if offset > 0 {
		prev := offset - s.pageSize
		if prev < 0 {
			prev = 0
		}
		out.Previous = s.pageURL(c, prev)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) pageURL(c *gin.Context, offset int) string {
	u := url.URL{Scheme: "http", Host: c.Request.Host, Path: c.Request.URL.Path}
	u.RawQuery = url.Values{"cursor": {encodeCursor(offset)}}.Encode()
	return u.String()
}

func encodeCursor(offset int) string {
	return base64.URLEncoding.EncodeToString([]byte("o=" + strconv.Itoa(offset)))
}

func decodeCursor(raw string) (int, bool) {
	b, err := base64.URLEncoding.DecodeString(raw)
	if err != nil || !strings.HasPrefix(string(b), "o=") {
		return 0, false
	}
	n, err := strconv.Atoi(string(b[2:]))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) addParticipant(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"user_id": []string{"This field is required."}})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[c.Param("id")]
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	var target *user
	for _, u := range s.users {
		if u.ID == req.UserID {
			target = &u
			break
		}
	}
	if target == nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "user not found"})
		return
	}
	p := models.Participant{User: target.author(), Role: models.RoleMember, CreatedAt: time.Now().UTC()}
	r.participants[target.ID] = p
	c.JSON(http.StatusCreated, p)
}

func (s *Server) removeParticipant(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[c.Param("id")]
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	if _, ok := r.participants[c.Param("user")]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	delete(r.participants, c.Param("user"))
	c.Status(http.StatusNoContent)
}

// storeMessage 写入一条待审核消息并返回它。
func (s *Server) storeMessage(roomID string, u user, content string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	if r == nil {
		return models.Message{}, false
	}
	m := models.Message{
		ID:        uuid.NewString(),
		Content:   content,
		Status:    models.StatusPending,
		CreatedAt: time.Now().UTC(),
		Author:    u.author(),
	}
	r.messages = append(r.messages, m)
	return m, true
}

func (s *Server) setStatus(roomID, id string, status models.MessageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	if r == nil {
		return
	}
	for i := range r.messages {
		if r.messages[i].ID == id {
			r.messages[i].Status = status
			return
		}
	}
}
