// The fanout service is the WebSocket gateway for execution events. It
// subscribes to the engine's Redis PubSub channels and pushes every event
// to the browsers watching the matching execution or workflow.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/lyzr/nodeflow/common/bootstrap"
	"github.com/lyzr/nodeflow/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := bootstrap.Setup(ctx, "fanout", bootstrap.WithoutDB(), bootstrap.WithoutQueue())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer svc.Shutdown(ctx)

	hub := NewHub(svc.Logger)
	go hub.Run(ctx)

	subscriber := NewSubscriber(svc.Redis.GetUnderlying(), hub, svc.Logger)
	go func() {
		if err := subscriber.Start(ctx); err != nil {
			svc.Logger.Error("event subscriber failed", "error", err)
			svc.Shutdown(ctx)
			os.Exit(1)
		}
	}()

	srv := NewServer(hub, svc.Logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	mux.HandleFunc("/health", srv.HandleHealth)

	httpServer := server.New("fanout", svc.Config.Service.Port, mux, svc.Logger,
		server.WithLongLivedConnections())
	if err := httpServer.Start(); err != nil {
		svc.Logger.Error("fanout server exited", "error", err)
		os.Exit(1)
	}
}
