package main

import (
	"context"
	"sync"
)

// Logger is the subset of the shared logger the fanout service uses.
type Logger interface {
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
}

// Message is one event taken off a Redis channel, forwarded verbatim.
type Message struct {
	Channel string
	Data    []byte
}

// Hub tracks which WebSocket clients are subscribed to which event
// channels and fans incoming messages out to them. All map mutations
// happen on the Run goroutine; the mutex exists so the health endpoint
// can read counts concurrently.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message

	log Logger
}

// NewHub creates an empty hub.
func NewHub(log Logger) *Hub {
	return &Hub{
		subscribers: make(map[string][]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		log:         log,
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.add(client)

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, name := range client.channels {
		h.subscribers[name] = append(h.subscribers[name], client)
	}

	h.log.Debug("websocket client registered",
		"channels", len(client.channels),
		"total_channels", len(h.subscribers))
}

// remove detaches the client from every channel and closes its send
// queue. Safe to call more than once for the same client.
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client.closed {
		return
	}
	client.closed = true
	close(client.send)

	for _, name := range client.channels {
		subs := h.subscribers[name]
		for i, c := range subs {
			if c == client {
				h.subscribers[name] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(h.subscribers[name]) == 0 {
			delete(h.subscribers, name)
		}
	}
}

// fanOut delivers a message to every subscriber of its channel. Clients
// whose send queue is full are dropped rather than allowed to stall the
// hub.
func (h *Hub) fanOut(msg *Message) {
	h.mu.RLock()
	subs := h.subscribers[msg.Channel]
	var slow []*Client
	for _, client := range subs {
		select {
		case client.send <- msg.Data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.log.Warn("dropping slow websocket client", "channel", msg.Channel)
		h.remove(client)
	}
}

// Stats reports the number of connected clients and subscribed channels.
func (h *Hub) Stats() (clients, channels int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, subs := range h.subscribers {
		for _, c := range subs {
			seen[c] = struct{}{}
		}
	}
	return len(seen), len(h.subscribers)
}
