package realtime

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/cpmentor/notification-service/internal/notifications"
)

func TestRedisRelayFansOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)

	// Two instances share one Redis; each has its own hub.
	hubA, hubB := runHub(t), runHub(t)
	relayA, err := NewRedisRelay("redis://"+mr.Addr()+"/0", hubA, quietLogger())
	if err != nil {
		t.Fatalf("NewRedisRelay: %v", err)
	}
	relayB := NewRedisRelayWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), hubB, quietLogger())
	t.Cleanup(func() {
		relayA.Close()
		relayB.Close()
	})

	if err := relayA.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go relayA.Run(ctx) //nolint:errcheck
	go relayB.Run(ctx) //nolint:errcheck

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub(DefaultRelayChannel)[DefaultRelayChannel] < 2 {
		if time.Now().After(deadline) {
			t.Fatal("relays never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	onB := testClient(hubB, "b1", "alice", 4)
	hubB.Register(onB)
	waitConnected(t, hubB, 1)

	relayA.Notify(context.Background(), []notifications.Notification{{ID: 11, UserID: "alice", Content: "hello"}})

	if p := receive(t, onB); p.Notification.ID != 11 {
		t.Fatalf("unexpected push %+v", p)
	}
}

func TestRedisRelayWaitsForRedis(t *testing.T) {
	// Reserve an address with nothing listening on it yet.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	hub := runHub(t)
	relay := NewRedisRelayWithClient(redis.NewClient(&redis.Options{Addr: addr}), hub, quietLogger()).
		WithBackoff(20 * time.Millisecond)
	t.Cleanup(func() { relay.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	// Let a few subscribe attempts fail first.
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("Run gave up while redis was down: %v", err)
	default:
	}

	mr := miniredis.NewMiniRedis()
	if err := mr.StartAddr(addr); err != nil {
		t.Fatalf("starting redis on %s: %v", addr, err)
	}
	t.Cleanup(mr.Close)

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub(DefaultRelayChannel)[DefaultRelayChannel] < 1 {
		if time.Now().After(deadline) {
			t.Fatal("relay never subscribed after redis came up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c := testClient(hub, "c1", "alice", 4)
	hub.Register(c)
	waitConnected(t, hub, 1)

	relay.Notify(context.Background(), []notifications.Notification{{ID: 21, UserID: "alice", Content: "late"}})
	if p := receive(t, c); p.Notification.ID != 21 {
		t.Fatalf("unexpected push %+v", p)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewRedisRelayRejectsBadURL(t *testing.T) {
	if _, err := NewRedisRelay("not-a-url", NewHub(quietLogger()), nil); err == nil {
		t.Fatal("expected error for malformed url")
	}
}
