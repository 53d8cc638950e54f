package chattest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getAuthed(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestLoginAndRefresh(t *testing.T) {
	srv := New()
	defer srv.Close()
	srv.AddUser("ana@example.com", "Ana", "secret")

	resp := postJSON(t, srv.APIBase()+"auth/login/", map[string]string{"email": "ana@example.com", "password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, srv.APIBase()+"auth/login/", map[string]string{"email": "ana@example.com", "password": "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pair models.TokenPair
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pair))
	require.NotEmpty(t, pair.Access)
	require.NotEmpty(t, pair.Refresh)

	resp = postJSON(t, srv.APIBase()+"auth/refresh/", map[string]string{"refresh": pair.Refresh})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, srv.Refreshes())

	srv.FailRefresh(true)
	resp = postJSON(t, srv.APIBase()+"auth/refresh/", map[string]string{"refresh": pair.Refresh})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginRateLimit(t *testing.T) {
	srv := New(WithLoginRateLimit(rate.Every(time.Hour), 1))
	defer srv.Close()

	body := map[string]string{"email": "x@example.com", "password": "pw"}
	require.Equal(t, http.StatusUnauthorized, postJSON(t, srv.APIBase()+"auth/login/", body).StatusCode)
	require.Equal(t, http.StatusTooManyRequests, postJSON(t, srv.APIBase()+"auth/login/", body).StatusCode)
}

func TestMessagesPagination(t *testing.T) {
	srv := New(WithPageSize(2))
	defer srv.Close()
	srv.AddUser("ana@example.com", "Ana", "secret")
	room := srv.AddRoom("general")
	seeded := srv.Seed(room.ID, "ana@example.com", 5)
	token := srv.IssueAccess("ana@example.com", time.Minute)

	var got []string
	next := srv.APIBase() + "chat/rooms/" + room.ID + "/messages/"
	for next != "" {
		resp := getAuthed(t, next, token)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var page models.MessagePage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
		for _, m := range page.Results {
			got = append(got, m.ID)
		}
		next = page.Next
	}

	want := make([]string, 0, len(seeded))
	for i := len(seeded) - 1; i >= 0; i-- {
		want = append(want, seeded[i].ID)
	}
	require.Equal(t, want, got)
}

func TestExpiredTokenRejected(t *testing.T) {
	srv := New()
	defer srv.Close()
	srv.AddUser("ana@example.com", "Ana", "secret")

	resp := getAuthed(t, srv.APIBase()+"chat/rooms/", srv.IssueAccess("ana@example.com", -time.Minute))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	srv.ForceUnauthorized(1)
	valid := srv.IssueAccess("ana@example.com", time.Minute)
	require.Equal(t, http.StatusUnauthorized, getAuthed(t, srv.APIBase()+"chat/rooms/", valid).StatusCode)
	require.Equal(t, http.StatusOK, getAuthed(t, srv.APIBase()+"chat/rooms/", valid).StatusCode)
}

func TestWebSocketModeration(t *testing.T) {
	srv := New(WithModerator(func(content string) (models.MessageStatus, string) {
		if content == "bad" {
			return models.StatusRejected, "offensive"
		}
		return models.StatusApproved, ""
	}))
	defer srv.Close()
	srv.AddUser("ana@example.com", "Ana", "secret")
	room := srv.AddRoom("general")
	token := srv.IssueAccess("ana@example.com", time.Minute)

	_, resp, err := websocket.DefaultDialer.Dial(srv.WSBase()+"/ws/chat/"+room.ID+"/?token=bogus", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(srv.WSBase()+"/ws/chat/"+room.ID+"/?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Online(room.ID) == 1 }, time.Second, 5*time.Millisecond)

	read := func() map[string]any {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f map[string]any
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "chat_message", "message": "hello"}))
	require.Equal(t, "message_queued", read()["type"])
	require.Equal(t, "chat_message", read()["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "chat_message", "message": "bad"}))
	require.Equal(t, "message_queued", read()["type"])
	rejected := read()
	require.Equal(t, "message_rejected", rejected["type"])
	require.Equal(t, "offensive", rejected["message"].(map[string]any)["reason"])

	stored := srv.Messages(room.ID)
	require.Len(t, stored, 2)
	require.Equal(t, models.StatusApproved, stored[0].Status)
	require.Equal(t, models.StatusRejected, stored[1].Status)

	srv.CloseRoom(room.ID, 4001)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, 4001), "got %v", err)
}
