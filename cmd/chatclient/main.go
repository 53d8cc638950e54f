package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lucasbezerra26/moderated-chat-client/internal/api"
	"github.com/lucasbezerra26/moderated-chat-client/internal/auth"
	"github.com/lucasbezerra26/moderated-chat-client/internal/bridge"
	"github.com/lucasbezerra26/moderated-chat-client/internal/chat"
	"github.com/lucasbezerra26/moderated-chat-client/internal/chatlog"
	"github.com/lucasbezerra26/moderated-chat-client/internal/config"
	clog "github.com/lucasbezerra26/moderated-chat-client/internal/log"
	"github.com/lucasbezerra26/moderated-chat-client/internal/metrics"
	"github.com/lucasbezerra26/moderated-chat-client/internal/realtime"
	"github.com/lucasbezerra26/moderated-chat-client/internal/server"
	"github.com/lucasbezerra26/moderated-chat-client/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// main 负责加载配置、恢复或建立会话，然后进入房间或列出房间。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("chatclient")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	st, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()

	authAPI, err := api.New(cfg.APIBaseURL,
		api.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout, Transport: metrics.InstrumentRoundTripper(nil)}),
		api.WithRateLimit(cfg.RateLimitRPS, burst(cfg.RateLimitRPS)))
	if err != nil {
		return err
	}
	authority := auth.New(authAPI, st)
	if err := signIn(ctx, cfg, authority); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	transport := bridge.New(metrics.InstrumentRoundTripper(nil), authority, func() {
		fmt.Fprintln(os.Stdout, "session expired, please log in again")
		cancel()
	})
	chatAPI, err := api.New(cfg.APIBaseURL,
		api.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout, Transport: transport}),
		api.WithRateLimit(cfg.RateLimitRPS, burst(cfg.RateLimitRPS)))
	if err != nil {
		return err
	}

	if cfg.RoomID == "" {
		return listRooms(ctx, os.Stdout, chatAPI)
	}

	wsURL, err := realtime.RoomURL(cfg.WSBaseURL, cfg.RoomID)
	if err != nil {
		return err
	}
	mgr := realtime.New(realtime.Config{
		URL:           wsURL,
		RoomID:        cfg.RoomID,
		BaseDelay:     cfg.ReconnectBase,
		MaxAttempts:   cfg.MaxReconnectAttempts,
		RefreshBuffer: cfg.RefreshBuffer,
	}, authority)
	room := chat.New(cfg.RoomID, mgr, chatlog.New(cfg.RoomID, chatAPI))
	room.CloseOnLogout(authority)

	p := newPrinter(os.Stdout, authority.User())
	p.attach(room)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.StatusAddr != "" {
		g.Go(func() error {
			return server.Serve(gctx, cfg.StatusAddr, server.SetupRouter(cfg.Env, room))
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		room.Close()
		return nil
	})
	g.Go(func() error {
		if err := room.Open(gctx); err != nil {
			// 连接失败已通过事件打印；鉴权类失败无法自行恢复。
			if errors.Is(err, realtime.ErrUnauthenticated) || errors.Is(err, realtime.ErrAuthFailure) {
				cancel()
				return err
			}
		}
		p.history(room.Messages())
		return readInput(gctx, os.Stdin, p, room, authority, cancel)
	})
	return g.Wait()
}

// signIn 优先恢复已保存的会话，否则用配置里的账号登录。
func signIn(ctx context.Context, cfg config.Config, a *auth.Authority) error {
	if a.Restore(ctx) {
		log.Info().Str("user", a.User().Label()).Msg("session restored")
		return nil
	}
	if cfg.Email == "" {
		return errors.New("no stored session: set CHAT_EMAIL and CHAT_PASSWORD to log in")
	}
	if err := a.Login(ctx, cfg.Email, cfg.Password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

func burst(rps float64) int {
	if rps < 1 {
		return 1
	}
	return int(rps)
}
