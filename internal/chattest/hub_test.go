package chattest

import (
	"testing"
	"time"
)

func startRoomHub(t *testing.T) *roomHub {
	t.Helper()
	rh := newRoomHub("room-1")
	go rh.run()
	t.Cleanup(rh.stop)
	return rh
}

func fakeClient(rh *roomHub) *client {
	return &client{room: rh, send: make(chan []byte, 4), user: user{ID: "u1", Name: "ana"}}
}

func TestHub_OnlineUnknownRoom(t *testing.T) {
	h := newHub()
	if n := h.online("missing"); n != 0 {
		t.Errorf("online() for unknown room = %d, want 0", n)
	}
}

func TestHub_RoomIsCreatedOnce(t *testing.T) {
	h := newHub()
	defer h.stop()
	a, b := h.room("x"), h.room("x")
	if a != b {
		t.Error("room() returned different hubs for the same id")
	}
	if len(h.all()) != 1 {
		t.Errorf("all() = %d hubs, want 1", len(h.all()))
	}
}

func TestRoomHub_RegisterUnregister(t *testing.T) {
	rh := startRoomHub(t)
	c := fakeClient(rh)

	rh.register <- c
	rh.do(func(map[*client]bool) {})
	if rh.online() != 1 {
		t.Fatalf("online() after register = %d, want 1", rh.online())
	}

	rh.unregister <- c
	rh.do(func(map[*client]bool) {})
	if rh.online() != 0 {
		t.Errorf("online() after unregister = %d, want 0", rh.online())
	}
	if _, ok := <-c.send; ok {
		t.Error("send channel should be closed after unregister")
	}
}

func TestRoomHub_BroadcastReachesEveryClient(t *testing.T) {
	rh := startRoomHub(t)
	a, b := fakeClient(rh), fakeClient(rh)
	rh.register <- a
	rh.register <- b

	rh.publish(frame{Type: "chat_message", Message: "hi"})
	for _, c := range []*client{a, b} {
		select {
		case got := <-c.send:
			if string(got) != `{"type":"chat_message","message":"hi"}` {
				t.Errorf("unexpected frame %s", got)
			}
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}

func TestRoomHub_SlowClientDropped(t *testing.T) {
	rh := startRoomHub(t)
	c := &client{room: rh, send: make(chan []byte)}
	rh.register <- c

	rh.publish(frame{Type: "chat_message"})
	rh.do(func(map[*client]bool) {})
	if rh.online() != 0 {
		t.Errorf("online() = %d, want slow client dropped", rh.online())
	}
}

func TestRoomHub_StopUnblocksCallers(t *testing.T) {
	rh := newRoomHub("room-1")
	go rh.run()
	rh.stop()
	rh.stop()

	done := make(chan struct{})
	go func() {
		rh.do(func(map[*client]bool) {})
		rh.publish(frame{Type: "chat_message"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("do/publish blocked after stop")
	}
}
