package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasbezerra26/moderated-chat-client/internal/api"
	"github.com/lucasbezerra26/moderated-chat-client/internal/auth"
	"github.com/lucasbezerra26/moderated-chat-client/internal/bridge"
	"github.com/lucasbezerra26/moderated-chat-client/internal/chat"
	"github.com/lucasbezerra26/moderated-chat-client/internal/chatlog"
	"github.com/lucasbezerra26/moderated-chat-client/internal/chattest"
	"github.com/lucasbezerra26/moderated-chat-client/internal/config"
	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
	"github.com/lucasbezerra26/moderated-chat-client/internal/realtime"
	"github.com/lucasbezerra26/moderated-chat-client/internal/store"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for the listener goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type staticRooms struct {
	page *models.RoomPage
	err  error
}

func (s staticRooms) ListRooms(context.Context) (*models.RoomPage, error) { return s.page, s.err }

func TestListRooms(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, listRooms(context.Background(), &out, staticRooms{page: &models.RoomPage{}}))
	require.Equal(t, "no rooms\n", out.String())

	out.Reset()
	page := &models.RoomPage{Results: []models.Room{{ID: "r1", Name: "general"}, {ID: "r2", Name: "staff", IsPrivate: true}}}
	require.NoError(t, listRooms(context.Background(), &out, staticRooms{page: page}))
	require.Contains(t, out.String(), "r1  general\n")
	require.Contains(t, out.String(), "r2  staff (private)\n")

	err := listRooms(context.Background(), &out, staticRooms{err: errors.New("boom")})
	require.ErrorContains(t, err, "list rooms")
}

func TestSignIn(t *testing.T) {
	srv := chattest.New()
	defer srv.Close()
	srv.AddUser("ana@example.com", "Ana", "secret")
	client, err := api.New(srv.APIBase())
	require.NoError(t, err)
	st := store.NewMemoryStore()

	err = signIn(context.Background(), config.Config{}, auth.New(client, st))
	require.ErrorContains(t, err, "no stored session")

	cfg := config.Config{Email: "ana@example.com", Password: "secret"}
	require.NoError(t, signIn(context.Background(), cfg, auth.New(client, st)))
	require.Equal(t, 1, srv.Logins())

	// A second start restores from the store without logging in.
	restored := auth.New(client, st)
	require.NoError(t, signIn(context.Background(), config.Config{}, restored))
	require.Equal(t, 1, srv.Logins())
	require.Equal(t, "Ana", restored.User().Label())
}

type recordingLogout struct{ calls int }

func (r *recordingLogout) Logout(context.Context) { r.calls++ }

func TestReadInput_SendsAndQuits(t *testing.T) {
	srv := chattest.New(chattest.WithPageSize(2))
	defer srv.Close()
	srv.AddUser("ana@example.com", "Ana", "secret")
	info := srv.AddRoom("general")
	srv.Seed(info.ID, "ana@example.com", 3)

	client, err := api.New(srv.APIBase())
	require.NoError(t, err)
	authority := auth.New(client, store.NewMemoryStore())
	require.NoError(t, authority.Login(context.Background(), "ana@example.com", "secret"))
	chatAPI, err := api.New(srv.APIBase(), api.WithHTTPClient(&http.Client{Transport: bridge.New(nil, authority, nil)}))
	require.NoError(t, err)
	wsURL, err := realtime.RoomURL(srv.WSBase(), info.ID)
	require.NoError(t, err)
	room := chat.New(info.ID, realtime.New(realtime.Config{URL: wsURL, RoomID: info.ID}, authority), chatlog.New(info.ID, chatAPI))
	defer room.Close()

	var out syncBuffer
	p := newPrinter(&out, authority.User())
	p.attach(room)
	require.NoError(t, room.Open(context.Background()))
	require.Eventually(t, room.Connected, 3*time.Second, 5*time.Millisecond)

	in := strings.NewReader("hello there\n/more\n/more\n/bogus\n/quit\nnot sent\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logout := &recordingLogout{}
	require.NoError(t, readInput(ctx, in, p, room, logout, cancel))
	require.Error(t, ctx.Err())
	require.Zero(t, logout.calls)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "(approved) hello there")
	}, 3*time.Second, 5*time.Millisecond)
	require.Contains(t, out.String(), "(pending) hello there")
	require.Contains(t, out.String(), "* 1 older messages")
	require.Contains(t, out.String(), "* no older messages")
	require.Contains(t, out.String(), "unknown command /bogus")

	stored := srv.Messages(info.ID)
	require.Len(t, stored, 4)
	require.Equal(t, "hello there", stored[3].Content)
}
