// Package realtime pushes newly created notifications to connected
// websocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/cpmentor/notification-service/internal/notifications"
)

// Push is the frame written to sockets for each new notification.
type Push struct {
	Type         string                     `json:"type"`
	Notification notifications.Notification `json:"notification"`
}

const pushTypeNotification = "notification"

type delivery struct {
	userID    string
	broadcast bool
	data      []byte
}

// Hub tracks the sockets of connected users and fans pushes out to them.
// Register, Unregister and Deliver only enqueue; Run applies them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	byUser  map[string]map[string]*Client

	register   chan *Client
	unregister chan *Client
	deliveries chan delivery
	done       chan struct{}
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		byUser:     make(map[string]map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		deliveries: make(chan delivery, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client's send channel. Run must be called at most once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.byUser = make(map[string]map[string]*Client)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.ID] = c
			if h.byUser[c.UserID] == nil {
				h.byUser[c.UserID] = make(map[string]*Client)
			}
			h.byUser[c.UserID][c.ID] = c
			h.mu.Unlock()
			h.logger.Debug("realtime: client registered", "client_id", c.ID, "user_id", c.UserID)

		case c := <-h.unregister:
			h.remove(c)

		case d := <-h.deliveries:
			h.fanOut(d)
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	if conns := h.byUser[c.UserID]; conns != nil {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.byUser, c.UserID)
		}
	}
	close(c.send)
	h.logger.Debug("realtime: client unregistered", "client_id", c.ID)
}

func (h *Hub) fanOut(d delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := h.byUser[d.userID]
	if d.broadcast {
		targets = h.clients
	}
	for _, c := range targets {
		select {
		case c.send <- d.data:
		default:
			h.logger.Warn("realtime: client too slow, dropping push", "client_id", c.ID, "user_id", c.UserID)
		}
	}
}

// Register adds c to the hub. Once the hub has stopped, c's send channel is
// closed instead.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
}

// Unregister removes c from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Connected returns the number of sockets currently registered.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver queues n for the sockets of its owner, or for every socket when n
// is a broadcast.
func (h *Hub) Deliver(n notifications.Notification) {
	data, err := json.Marshal(Push{Type: pushTypeNotification, Notification: n})
	if err != nil {
		h.logger.Error("realtime: encoding push", "error", err)
		return
	}
	select {
	case h.deliveries <- delivery{userID: n.UserID, broadcast: n.IsBroadcast(), data: data}:
	case <-h.done:
		h.logger.Debug("realtime: hub stopped, dropping push", "notification_id", n.ID, "user_id", n.UserID)
	}
}

// Notify implements notifications.Notifier for single-instance deployments.
func (h *Hub) Notify(_ context.Context, created []notifications.Notification) {
	for _, n := range created {
		h.Deliver(n)
	}
}
