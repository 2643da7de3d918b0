package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cpmentor/notification-service/internal/notifications"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func testClient(h *Hub, id, userID string, buf int) *Client {
	return &Client{ID: id, UserID: userID, send: make(chan []byte, buf), hub: h}
}

func waitConnected(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Connected() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connected clients, have %d", want, h.Connected())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receive(t *testing.T, c *Client) Push {
	t.Helper()
	select {
	case data := <-c.send:
		var p Push
		if err := json.Unmarshal(data, &p); err != nil {
			t.Fatalf("decoding push: %v", err)
		}
		return p
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.ID)
	}
	return Push{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("client %s should not receive %s", c.ID, data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	h := runHub(t)
	c := testClient(h, "c1", "u1", 4)

	h.Register(c)
	waitConnected(t, h, 1)

	h.Unregister(c)
	waitConnected(t, h, 0)

	if _, ok := <-c.send; ok {
		t.Fatal("send channel should be closed after unregister")
	}

	// A second unregister must not close the channel again.
	h.Unregister(c)
	waitConnected(t, h, 0)
}

func TestHubDeliversOnlyToOwner(t *testing.T) {
	h := runHub(t)
	a1 := testClient(h, "a1", "alice", 4)
	a2 := testClient(h, "a2", "alice", 4)
	b := testClient(h, "b1", "bob", 4)
	for _, c := range []*Client{a1, a2, b} {
		h.Register(c)
	}
	waitConnected(t, h, 3)

	h.Deliver(notifications.Notification{ID: 7, UserID: "alice", Content: "New task assigned: DP"})

	for _, c := range []*Client{a1, a2} {
		p := receive(t, c)
		if p.Type != "notification" || p.Notification.ID != 7 {
			t.Fatalf("unexpected push %+v", p)
		}
	}
	expectNothing(t, b)
}

func TestHubBroadcastReachesEveryone(t *testing.T) {
	h := runHub(t)
	a := testClient(h, "a1", "alice", 4)
	b := testClient(h, "b1", "bob", 4)
	h.Register(a)
	h.Register(b)
	waitConnected(t, h, 2)

	h.Notify(context.Background(), []notifications.Notification{
		{ID: 1, UserID: notifications.SystemUserID, Content: "Upcoming Codeforces contest"},
	})

	for _, c := range []*Client{a, b} {
		if p := receive(t, c); p.Notification.UserID != notifications.SystemUserID {
			t.Fatalf("unexpected push %+v", p)
		}
	}
}

func TestHubSlowClientDoesNotBlock(t *testing.T) {
	h := runHub(t)
	slow := testClient(h, "slow", "u1", 1)
	fast := testClient(h, "fast", "u1", 16)
	h.Register(slow)
	h.Register(fast)
	waitConnected(t, h, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Deliver(notifications.Notification{ID: int64(i), UserID: "u1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliveries blocked on a slow client")
	}

	deadline := time.After(2 * time.Second)
	for got := 0; got < 10; got++ {
		select {
		case <-fast.send:
		case <-deadline:
			t.Fatalf("fast client received %d of 10 pushes", got)
		}
	}
}

func TestHubRunClosesClientsOnShutdown(t *testing.T) {
	h := NewHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	c := testClient(h, "c1", "u1", 1)
	h.Register(c)
	waitConnected(t, h, 1)

	cancel()
	<-stopped
	if _, ok := <-c.send; ok {
		t.Fatal("send channel should be closed on shutdown")
	}
	if h.Connected() != 0 {
		t.Fatalf("expected no clients after shutdown, have %d", h.Connected())
	}
}

func TestHubDeliverAfterStopDoesNotBlock(t *testing.T) {
	h := NewHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	done := make(chan struct{})
	go func() {
		// More than the delivery buffer holds.
		for i := 0; i < 1000; i++ {
			h.Deliver(notifications.Notification{ID: int64(i), UserID: "u1"})
		}
		h.Notify(context.Background(), []notifications.Notification{{ID: 1000, UserID: "u1"}})
		c := testClient(h, "late", "u1", 1)
		h.Register(c)
		if _, ok := <-c.send; ok {
			t.Error("late client's send channel should be closed")
		}
		h.Unregister(c)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub calls blocked after Run returned")
	}
}
