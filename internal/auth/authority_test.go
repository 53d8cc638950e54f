package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lucasbezerra26/moderated-chat-client/internal/api"
	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
	"github.com/lucasbezerra26/moderated-chat-client/internal/store"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func accessToken(t *testing.T, exp time.Time) string {
	return signToken(t, jwt.MapClaims{"user_id": 42, "email": "ana@example.com", "exp": exp.Unix(), "iat": epoch.Unix()})
}

type fakeBackend struct {
	loginPair models.TokenPair
	loginErr  error

	refreshAccess string
	refreshErr    error
	refreshCalls  atomic.Int32
	refreshGate   chan struct{}
	// refreshAborted counts exchanges whose context had ended by the time
	// the backend answered.
	refreshAborted atomic.Int32

	logoutErr   error
	logoutCalls atomic.Int32
}

func (f *fakeBackend) Login(ctx context.Context, email, password string) (models.TokenPair, error) {
	return f.loginPair, f.loginErr
}

func (f *fakeBackend) Refresh(ctx context.Context, refreshToken string) (string, error) {
	f.refreshCalls.Add(1)
	if f.refreshGate != nil {
		<-f.refreshGate
	}
	if err := ctx.Err(); err != nil {
		f.refreshAborted.Add(1)
		return "", err
	}
	return f.refreshAccess, f.refreshErr
}

func (f *fakeBackend) Logout(ctx context.Context, refreshToken string) error {
	f.logoutCalls.Add(1)
	return f.logoutErr
}

func newAuthority(b Backend, st store.Store, now *time.Time) *Authority {
	return New(b, st, WithClock(func() time.Time { return *now }))
}

func TestLogin_Success(t *testing.T) {
	now := epoch
	st := store.NewMemoryStore()
	backend := &fakeBackend{loginPair: models.TokenPair{Access: accessToken(t, epoch.Add(5*time.Minute)), Refresh: "r1"}}
	a := newAuthority(backend, st, &now)

	require.NoError(t, a.Login(context.Background(), "ana@example.com", "pw"))
	require.True(t, a.IsAuthenticated())
	require.Equal(t, &models.User{ID: "42", Email: "ana@example.com", DisplayName: "ana"}, a.User())

	sess, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, backend.loginPair.Access, sess.AccessToken)
	require.Equal(t, "r1", sess.RefreshToken)
	require.Equal(t, "42", sess.User.ID)
}

func TestLogin_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind ErrorKind
		wantMsg  string
	}{
		{"unauthorized", &api.Error{StatusCode: http.StatusUnauthorized}, InvalidCredentials, defaultMessages[InvalidCredentials]},
		{"bad request with detail", &api.Error{StatusCode: http.StatusBadRequest, Detail: "Email is required"}, ValidationError, "Email is required"},
		{"bad request with non field error", &api.Error{StatusCode: http.StatusBadRequest, NonFieldErrors: []string{"Account disabled"}}, ValidationError, "Account disabled"},
		{"bad request bare", &api.Error{StatusCode: http.StatusBadRequest}, ValidationError, defaultMessages[ValidationError]},
		{"rate limited", &api.Error{StatusCode: http.StatusTooManyRequests}, RateLimited, defaultMessages[RateLimited]},
		{"server error", &api.Error{StatusCode: http.StatusInternalServerError}, ServerError, defaultMessages[ServerError]},
		{"bad gateway", &api.Error{StatusCode: http.StatusBadGateway}, ServerError, defaultMessages[ServerError]},
		{"transport", errors.New("dial tcp: connection refused"), NetworkError, defaultMessages[NetworkError]},
		{"incomplete tokens", api.ErrIncompleteTokens, ServerError, defaultMessages[ServerError]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := epoch
			st := store.NewMemoryStore()
			a := newAuthority(&fakeBackend{loginErr: tt.err}, st, &now)

			err := a.Login(context.Background(), "ana@example.com", "pw")
			var le *LoginError
			require.ErrorAs(t, err, &le)
			require.Equal(t, tt.wantKind, le.Kind)
			require.Equal(t, tt.wantMsg, le.Message)
			require.False(t, a.IsAuthenticated())
			require.Equal(t, 0, st.Writes())
		})
	}
}

func TestLogin_MalformedAccessToken(t *testing.T) {
	now := epoch
	a := newAuthority(&fakeBackend{loginPair: models.TokenPair{Access: "not-a-jwt", Refresh: "r"}}, store.NewMemoryStore(), &now)

	err := a.Login(context.Background(), "ana@example.com", "pw")
	var le *LoginError
	require.ErrorAs(t, err, &le)
	require.False(t, a.IsAuthenticated())
}

func TestIsExpired(t *testing.T) {
	now := epoch
	a := newAuthority(&fakeBackend{}, store.NewMemoryStore(), &now)
	require.True(t, a.IsExpired(), "no token")

	a.access = accessToken(t, epoch.Add(time.Minute))
	require.False(t, a.IsExpired())

	now = epoch.Add(time.Minute)
	require.True(t, a.IsExpired(), "expiry at now counts as expired")

	a.access = "garbage"
	now = epoch
	require.True(t, a.IsExpired(), "undecodable token is expired")
}

// Given an access token expiring at T, CheckValidity(60s) is false within
// [T-60s, T) and true before T-60s.
func TestCheckValidity_Window(t *testing.T) {
	expAt := epoch.Add(10 * time.Minute)
	now := epoch
	a := newAuthority(&fakeBackend{}, store.NewMemoryStore(), &now)
	a.access = accessToken(t, expAt)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"well before window", expAt.Add(-5 * time.Minute), true},
		{"one second before window", expAt.Add(-61 * time.Second), true},
		{"window start", expAt.Add(-60 * time.Second), false},
		{"inside window", expAt.Add(-30 * time.Second), false},
		{"just before expiry", expAt.Add(-time.Second), false},
		{"expired", expAt.Add(time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now = tt.now
			require.Equal(t, tt.want, a.CheckValidity(DefaultValidityBuffer))
		})
	}
}

func TestCheckValidity_NoToken(t *testing.T) {
	now := epoch
	a := newAuthority(&fakeBackend{}, store.NewMemoryStore(), &now)
	require.False(t, a.CheckValidity(DefaultValidityBuffer))
}

func TestRefresh_ReplacesAccessOnly(t *testing.T) {
	now := epoch
	st := store.NewMemoryStore()
	fresh := accessToken(t, epoch.Add(time.Hour))
	backend := &fakeBackend{refreshAccess: fresh}
	a := newAuthority(backend, st, &now)
	a.access, a.refresh = accessToken(t, epoch), "r1"

	require.True(t, a.Refresh(context.Background()))
	require.Equal(t, fresh, a.AccessToken())

	sess, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, fresh, sess.AccessToken)
	require.Equal(t, "r1", sess.RefreshToken)
}

func TestRefresh_FailuresLeaveStateUntouched(t *testing.T) {
	old := accessToken(t, epoch)
	tests := []struct {
		name      string
		refresh   string
		backend   *fakeBackend
		wantCalls int32
	}{
		{"no refresh token", "", &fakeBackend{}, 0},
		{"expired jwt refresh token", "", &fakeBackend{}, 0},
		{"backend rejects", "r1", &fakeBackend{refreshErr: &api.Error{StatusCode: http.StatusUnauthorized}}, 1},
		{"network failure", "r1", &fakeBackend{refreshErr: errors.New("timeout")}, 1},
		{"empty response", "r1", &fakeBackend{refreshErr: api.ErrIncompleteTokens}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := epoch
			st := store.NewMemoryStore()
			a := newAuthority(tt.backend, st, &now)
			rt := tt.refresh
			if tt.name == "expired jwt refresh token" {
				rt = signToken(t, jwt.MapClaims{"exp": epoch.Add(-time.Hour).Unix()})
			}
			a.access, a.refresh = old, rt

			require.False(t, a.Refresh(context.Background()))
			require.Equal(t, old, a.AccessToken())
			require.Equal(t, tt.wantCalls, tt.backend.refreshCalls.Load())
			require.Equal(t, 0, st.Writes())
		})
	}
}

func TestRefresh_ConcurrentCallsShareExchange(t *testing.T) {
	now := epoch
	backend := &fakeBackend{refreshAccess: accessToken(t, epoch.Add(time.Hour)), refreshGate: make(chan struct{})}
	a := newAuthority(backend, store.NewMemoryStore(), &now)
	a.access, a.refresh = accessToken(t, epoch), "r1"

	var wg sync.WaitGroup
	results := make([]bool, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = a.Refresh(context.Background())
		}(i)
	}
	// Let the goroutines pile up behind the first exchange.
	require.Eventually(t, func() bool { return backend.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(backend.refreshGate)
	wg.Wait()

	require.Equal(t, int32(1), backend.refreshCalls.Load())
	for _, ok := range results {
		require.True(t, ok)
	}
}

// A caller that stops waiting leaves the shared exchange running for everyone
// else.
func TestRefresh_CallerCancelDoesNotAbortExchange(t *testing.T) {
	now := epoch
	fresh := accessToken(t, epoch.Add(time.Hour))
	backend := &fakeBackend{refreshAccess: fresh, refreshGate: make(chan struct{})}
	a := newAuthority(backend, store.NewMemoryStore(), &now)
	a.access, a.refresh = accessToken(t, epoch), "r1"

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan bool, 1)
	go func() { first <- a.Refresh(ctx) }()
	require.Eventually(t, func() bool { return backend.refreshCalls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan bool, 1)
	go func() { second <- a.Refresh(context.Background()) }()
	cancel()
	require.False(t, <-first)

	close(backend.refreshGate)
	require.True(t, <-second)
	require.Equal(t, fresh, a.AccessToken())
	require.Zero(t, backend.refreshAborted.Load())
}

// blockingStore holds every Save until release is closed.
type blockingStore struct {
	*store.MemoryStore
	saving  chan struct{}
	release chan struct{}
}

func (s *blockingStore) Save(ctx context.Context, sess store.Session) error {
	s.saving <- struct{}{}
	<-s.release
	return s.MemoryStore.Save(ctx, sess)
}

func TestLogin_SlowStoreDoesNotBlockReaders(t *testing.T) {
	now := epoch
	access := accessToken(t, epoch.Add(time.Hour))
	backend := &fakeBackend{loginPair: models.TokenPair{Access: access, Refresh: "r1"}}
	st := &blockingStore{MemoryStore: store.NewMemoryStore(), saving: make(chan struct{}, 1), release: make(chan struct{})}
	a := newAuthority(backend, st, &now)

	done := make(chan error, 1)
	go func() { done <- a.Login(context.Background(), "ana@example.com", "secret") }()
	select {
	case <-st.saving:
	case <-time.After(time.Second):
		t.Fatal("login never reached the store")
	}

	read := make(chan string, 1)
	go func() { read <- a.AccessToken() }()
	select {
	case got := <-read:
		require.Equal(t, access, got)
	case <-time.After(time.Second):
		t.Fatal("AccessToken blocked while the session was being saved")
	}
	require.True(t, a.CheckValidity(time.Minute))

	close(st.release)
	require.NoError(t, <-done)
	sess, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, access, sess.AccessToken)
}

// Writes issued back to back leave the store matching the final in-memory
// state.
func TestPersist_StoreFollowsLatestState(t *testing.T) {
	now := epoch
	access := accessToken(t, epoch.Add(time.Hour))
	backend := &fakeBackend{loginPair: models.TokenPair{Access: access, Refresh: "r1"}}
	st := &blockingStore{MemoryStore: store.NewMemoryStore(), saving: make(chan struct{}, 1), release: make(chan struct{})}
	a := newAuthority(backend, st, &now)

	done := make(chan error, 1)
	go func() { done <- a.Login(context.Background(), "ana@example.com", "secret") }()
	<-st.saving

	// Clear runs while the login write is still pending.
	cleared := make(chan struct{})
	go func() {
		a.Clear(context.Background())
		close(cleared)
	}()
	require.Eventually(t, func() bool { return !a.IsAuthenticated() }, time.Second, time.Millisecond)

	close(st.release)
	require.NoError(t, <-done)
	<-cleared

	_, err := st.Load(context.Background())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLogout_ClearsEvenWhenServerFails(t *testing.T) {
	now := epoch
	st := store.NewMemoryStore()
	backend := &fakeBackend{
		loginPair: models.TokenPair{Access: accessToken(t, epoch.Add(time.Hour)), Refresh: "r1"},
		logoutErr: errors.New("offline"),
	}
	a := newAuthority(backend, st, &now)
	require.NoError(t, a.Login(context.Background(), "ana@example.com", "pw"))

	var hooks int
	a.OnLogout(func() { hooks++ })
	a.Logout(context.Background())

	require.False(t, a.IsAuthenticated())
	require.Nil(t, a.User())
	require.Equal(t, int32(1), backend.logoutCalls.Load())
	require.Equal(t, 1, hooks)
	_, err := st.Load(context.Background())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestore(t *testing.T) {
	valid := accessToken(t, epoch.Add(time.Hour))
	expired := accessToken(t, epoch.Add(-time.Minute))
	fresh := accessToken(t, epoch.Add(2*time.Hour))
	user := &models.User{ID: "42", Email: "ana@example.com", DisplayName: "Ana"}

	tests := []struct {
		name        string
		stored      *store.Session
		backend     *fakeBackend
		want        bool
		wantAccess  string
		wantCleared bool
	}{
		{"nothing stored", nil, &fakeBackend{}, false, "", false},
		{"valid session", &store.Session{AccessToken: valid, RefreshToken: "r1", User: user}, &fakeBackend{}, true, valid, false},
		{"expired refreshes", &store.Session{AccessToken: expired, RefreshToken: "r1", User: user}, &fakeBackend{refreshAccess: fresh}, true, fresh, false},
		{"expired refresh fails", &store.Session{AccessToken: expired, RefreshToken: "r1", User: user}, &fakeBackend{refreshErr: errors.New("401")}, false, "", true},
		{"missing refresh token", &store.Session{AccessToken: valid, User: user}, &fakeBackend{}, false, "", true},
		{"missing user decodes claims", &store.Session{AccessToken: valid, RefreshToken: "r1"}, &fakeBackend{}, true, valid, false},
		{"garbage token without user", &store.Session{AccessToken: "garbage", RefreshToken: "r1"}, &fakeBackend{}, false, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := epoch
			st := store.NewMemoryStore()
			if tt.stored != nil {
				require.NoError(t, st.Save(context.Background(), *tt.stored))
			}
			a := newAuthority(tt.backend, st, &now)

			require.Equal(t, tt.want, a.Restore(context.Background()))
			require.Equal(t, tt.wantAccess, a.AccessToken())
			if tt.wantCleared {
				_, err := st.Load(context.Background())
				require.ErrorIs(t, err, store.ErrNotFound)
				require.Nil(t, a.User())
			}
			if tt.want {
				require.NotNil(t, a.User())
				require.Equal(t, "42", a.User().ID)
			}
		})
	}
}

func TestDecodeClaims_NumericAndStringIDs(t *testing.T) {
	numeric := signToken(t, jwt.MapClaims{"user_id": 7, "exp": epoch.Unix()})
	str := signToken(t, jwt.MapClaims{"user_id": "b1c2", "exp": epoch.Unix()})

	c, err := DecodeClaims(numeric)
	require.NoError(t, err)
	require.Equal(t, userID("7"), c.UserID)

	c, err = DecodeClaims(str)
	require.NoError(t, err)
	require.Equal(t, userID("b1c2"), c.UserID)

	_, err = DecodeClaims("")
	require.Error(t, err)
	_, err = DecodeClaims("a.b.c")
	require.Error(t, err)
}
