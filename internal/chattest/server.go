// Package chattest 提供进程内的聊天后端替身：认证、房间、消息分页与实时通道，
// 并暴露若干开关用于制造 token 过期、强制 401、服务端断开等场景。只用于测试。
package chattest

import (
	"fmt"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
	"golang.org/x/time/rate"
)

// Moderator 决定一条新消息的审核结果。
type Moderator func(content string) (models.MessageStatus, string)

// ApproveAll 通过所有消息。
func ApproveAll(string) (models.MessageStatus, string) { return models.StatusApproved, "" }

type user struct {
	ID    string
	Email string
	Name  string
	hash  []byte
}

func (u user) author() models.Author {
	return models.Author{ID: u.ID, Name: u.Name, Email: u.Email}
}

type room struct {
	info         models.Room
	messages     []models.Message
	participants map[string]models.Participant
}

type Option func(*Server)

// WithAccessTTL 设置签发的 access token 有效期，默认 5 分钟。
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTTL = d }
}

// WithPageSize 设置消息分页大小，默认 20。
func WithPageSize(n int) Option {
	return func(s *Server) { s.pageSize = n }
}

func WithModerator(m Moderator) Option {
	return func(s *Server) { s.moderate = m }
}

// WithLoginRateLimit 为登录接口加令牌桶限速。
func WithLoginRateLimit(r rate.Limit, burst int) Option {
	return func(s *Server) { s.loginLimit = newLimiterSet(r, burst, 2*time.Minute) }
}

type Server struct {
	*httptest.Server

	secret     []byte
	hub        *hub
	accessTTL  time.Duration
	pageSize   int
	moderate   Moderator
	loginLimit *limiterSet

	mu          sync.Mutex
	users       map[string]user
	refresh     map[string]string
	rooms       map[string]*room
	forced401   int
	failRefresh bool

	logins    atomic.Int32
	refreshes atomic.Int32
	logouts   atomic.Int32
	dials     atomic.Int32
}

func New(opts ...Option) *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		secret:    []byte(randomToken()),
		hub:       newHub(),
		accessTTL: 5 * time.Minute,
		pageSize:  20,
		moderate:  ApproveAll,
		users:     make(map[string]user),
		refresh:   make(map[string]string),
		rooms:     make(map[string]*room),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

// Close 断开所有实时连接并关闭 HTTP 服务。
func (s *Server) Close() {
	for _, rh := range s.hub.all() {
		rh.closeAll(1001, "server shutdown")
	}
	s.hub.stop()
	s.Server.Close()
}

// APIBase 返回 REST 接口根地址，末尾带斜杠。
func (s *Server) APIBase() string { return s.URL + "/api/" }

// WSBase 返回实时通道根地址。
func (s *Server) WSBase() string { return "ws" + strings.TrimPrefix(s.URL, "http") }

// AddUser 注册一个用户并返回其会话信息。
func (s *Server) AddUser(email, name, password string) models.User {
	hash, err := hashPassword(password)
	if err != nil {
		panic(fmt.Sprintf("chattest: hash password: %v", err))
	}
	u := user{ID: uuid.NewString(), Email: email, Name: name, hash: hash}
	s.mu.Lock()
	s.users[email] = u
	s.mu.Unlock()
	return models.User{ID: u.ID, Email: email, DisplayName: name}
}

// AddRoom 创建一个房间。
func (s *Server) AddRoom(name string) models.Room {
	r := &room{
		info:         models.Room{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()},
		participants: make(map[string]models.Participant),
	}
	s.mu.Lock()
	s.rooms[r.info.ID] = r
	s.mu.Unlock()
	return r.info
}

// Seed 以 author 的身份向房间写入 n 条已通过的历史消息，按时间升序返回。
func (s *Server) Seed(roomID, email string, n int) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, u := s.rooms[roomID], s.users[email]
	if r == nil {
		panic("chattest: unknown room " + roomID)
	}
	base := time.Now().UTC().Add(-time.Duration(n) * time.Minute)
	out := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		m := models.Message{
			ID:        uuid.NewString(),
			Content:   fmt.Sprintf("message %d", len(r.messages)+1),
			Status:    models.StatusApproved,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Author:    u.author(),
		}
		r.messages = append(r.messages, m)
		out = append(out, m)
	}
	return out
}

// IssueAccess 为已注册用户签发指定有效期的 access token，可为负数以得到已过期的 token。
func (s *Server) IssueAccess(email string, ttl time.Duration) string {
	s.mu.Lock()
	u := s.users[email]
	s.mu.Unlock()
	tok, err := s.signAccess(u, ttl)
	if err != nil {
		panic(fmt.Sprintf("chattest: sign token: %v", err))
	}
	return tok
}

// IssueRefresh 为已注册用户签发一个 refresh token。
func (s *Server) IssueRefresh(email string) string {
	tok := randomToken()
	s.mu.Lock()
	s.refresh[tok] = email
	s.mu.Unlock()
	return tok
}

// ForceUnauthorized 让接下来 n 个需要认证的 REST 请求返回 401。
func (s *Server) ForceUnauthorized(n int) {
	s.mu.Lock()
	s.forced401 = n
	s.mu.Unlock()
}

// FailRefresh 控制 refresh 接口是否一律拒绝。
func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	s.failRefresh = fail
	s.mu.Unlock()
}

// CloseRoom 以指定关闭码断开房间内的所有实时连接。
func (s *Server) CloseRoom(roomID string, code int) {
	s.hub.room(roomID).closeAll(code, "")
}

// Push 向房间内所有实时连接广播一帧。
func (s *Server) Push(roomID string, frame any) {
	s.hub.room(roomID).publish(frame)
}

// Online 返回房间当前的实时连接数。
func (s *Server) Online(roomID string) int { return s.hub.online(roomID) }

// Messages 返回房间内存储的消息，按时间升序。
func (s *Server) Messages(roomID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	if r == nil {
		return nil
	}
	return append([]models.Message(nil), r.messages...)
}

func (s *Server) Logins() int    { return int(s.logins.Load()) }
func (s *Server) Refreshes() int { return int(s.refreshes.Load()) }
func (s *Server) Logouts() int   { return int(s.logouts.Load()) }
func (s *Server) Dials() int     { return int(s.dials.Load()) }

func (s *Server) roomList() []models.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
