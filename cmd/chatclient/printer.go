package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/lucasbezerra26/moderated-chat-client/internal/chat"
	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
	"github.com/lucasbezerra26/moderated-chat-client/internal/realtime"
)

// printer 把房间事件写到终端。监听器可能来自读协程，写入加锁。
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	self string
}

func newPrinter(out io.Writer, self *models.User) *printer {
	p := &printer{out: out}
	if self != nil {
		p.self = self.ID
	}
	return p
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) attach(room *chat.Room) {
	room.On(realtime.EventConnect, func(realtime.Payload) { p.printf("* connected to %s\n", room.ID()) })
	room.On(realtime.EventDisconnect, func(e realtime.Payload) { p.printf("* disconnected (code %d)\n", e.Code) })
	room.On(realtime.EventReconnecting, func(e realtime.Payload) {
		p.printf("* reconnecting in %s (attempt %d)\n", e.Delay, e.Attempt)
	})
	room.On(realtime.EventRetriesExhausted, func(realtime.Payload) {
		p.printf("* gave up reconnecting, type /reconnect to try again\n")
	})
	room.On(realtime.EventAuthFailure, func(realtime.Payload) { p.printf("* authentication failed, please log in again\n") })
	room.On(realtime.EventError, func(e realtime.Payload) { p.printf("! %s\n", e.Error) })
	room.On(realtime.EventChatMessage, func(e realtime.Payload) {
		// 自己的消息已经以 queued 形式打印过，这里只提示审核结果。
		if e.Message.Author.ID == p.self {
			p.printf("  (approved) %s\n", e.Message.Content)
			return
		}
		p.message(*e.Message)
	})
	room.On(realtime.EventMessageQueued, func(e realtime.Payload) { p.printf("  (pending) %s\n", e.Message.Content) })
	room.On(realtime.EventMessageRejected, func(e realtime.Payload) {
		p.printf("  (rejected: %s) %s\n", e.Rejected.Reason, e.Rejected.Content)
	})
}

func (p *printer) message(m models.Message) {
	name := m.Author.Name
	if name == "" {
		name = models.NameFromEmail(m.Author.Email)
	}
	mark := ""
	if m.Status != models.StatusApproved {
		mark = " [" + string(m.Status) + "]"
	}
	p.printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04"), name, m.Content, mark)
}

func (p *printer) history(msgs []models.Message) {
	for _, m := range msgs {
		p.message(m)
	}
}

type roomLister interface {
	ListRooms(ctx context.Context) (*models.RoomPage, error)
}

func listRooms(ctx context.Context, out io.Writer, c roomLister) error {
	page, err := c.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	if len(page.Results) == 0 {
		fmt.Fprintln(out, "no rooms")
		return nil
	}
	for _, r := range page.Results {
		private := ""
		if r.IsPrivate {
			private = " (private)"
		}
		fmt.Fprintf(out, "%s  %s%s\n", r.ID, r.Name, private)
	}
	fmt.Fprintln(out, "set CHAT_ROOM_ID to join a room")
	return nil
}
