package main

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/lucasbezerra26/moderated-chat-client/internal/chat"
)

type logouter interface {
	Logout(ctx context.Context)
}

// readInput 逐行读取输入：普通文本作为消息发送，斜杠开头的是命令。
// 输入结束或收到 /quit 时调用 cancel 并返回。
func readInput(ctx context.Context, in io.Reader, p *printer, room *chat.Room, session logouter, cancel context.CancelFunc) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			cancel()
			return nil
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case line == "/quit":
			cancel()
			return nil
		case line == "/logout":
			session.Logout(ctx)
			cancel()
			return nil
		case line == "/more":
			older(ctx, p, room)
		case line == "/reconnect":
			if err := room.Connect(ctx); err != nil {
				p.printf("! %v\n", err)
			}
		case line == "/status":
			st := room.Status()
			p.printf("* %s, %d messages, %d reconnect attempts\n", st.State, st.Messages, st.Attempts)
		case strings.HasPrefix(line, "/"):
			p.printf("! unknown command %s (try /more, /reconnect, /status, /logout, /quit)\n", line)
		default:
			// 失败原因已经通过 error 事件打印。
			_ = room.SendMessage(line)
		}
	}
}

func older(ctx context.Context, p *printer, room *chat.Room) {
	if !room.HasMore() {
		p.printf("* no older messages\n")
		return
	}
	n, err := room.LoadMore(ctx, nil)
	switch {
	case err != nil:
		p.printf("! failed to load older messages: %v\n", err)
	case n == 0:
	default:
		// 更早的消息总是插在最前面。
		p.printf("* %d older messages\n", n)
		p.history(room.Messages()[:n])
	}
}
