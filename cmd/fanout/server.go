package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway carries no credentials and events are scoped by
	// channel; origin checks belong to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the WebSocket endpoint and the health handler.
type Server struct {
	hub *Hub
	log Logger
}

// NewServer creates the HTTP-facing half of the fanout service.
func NewServer(hub *Hub, log Logger) *Server {
	return &Server{
		hub: hub,
		log: log,
	}
}

// HandleWebSocket upgrades GET /ws?channels=execution:<id>,workflow:<slug>
// and registers the connection for every requested channel.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	channels, err := parseChannels(r.URL.Query().Get("channels"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, channels)
	s.hub.register <- client

	s.log.Info("websocket client connected",
		"channels", strings.Join(channels, ","),
		"remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump()
}

// HandleHealth reports liveness plus live connection counts.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	clients, channels := s.hub.Stats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"service":  "fanout",
		"clients":  clients,
		"channels": channels,
	})
}

// parseChannels validates the comma-separated channel list. Only the
// two channel families the engine publishes are subscribable.
func parseChannels(raw string) ([]string, error) {
	var channels []string
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		family, id, found := strings.Cut(name, ":")
		if !found || id == "" || (family != "execution" && family != "workflow") {
			return nil, fmt.Errorf("unknown channel %q", name)
		}
		channels = append(channels, name)
	}
	if len(channels) == 0 {
		return nil, errors.New("channels query parameter required")
	}
	return channels, nil
}
