package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/streams"
)

// Server ties the REST surface and the websocket endpoint together over one
// listener. Stream events reach websocket subscribers through the Hub; the
// REST side talks straight to the store.
type Server struct {
	addr       string
	store      conversation.Store
	manager    *streams.Manager
	hub        *Hub
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

func NewServer(addr string, store conversation.Store, manager *streams.Manager, hub *Hub) *Server {
	s := &Server{
		addr:    addr,
		store:   store,
		manager: manager,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Navigation and auth are out of scope, local clients included.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	api := NewAPIHandler(store, manager)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.WebsocketHandler)
	mux.HandleFunc("/api/conversations", api.ConversationsHandler)
	mux.HandleFunc("/api/conversations/", api.ConversationHandler)
	mux.HandleFunc("/api/messages/", api.MessageHandler)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the assembled mux, mostly so tests can mount it on an
// ephemeral listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// WebsocketHandler upgrades the request and runs the connection's pumps. The
// read pump blocks until the connection dies; subscriptions are cleaned up on
// the way out.
func (s *Server) WebsocketHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(ws, s.hub, s.manager)
	log.Debug().Str("remote", ws.RemoteAddr().String()).Msg("websocket connected")

	go conn.writePump()
	conn.readPump()

	log.Debug().Str("remote", ws.RemoteAddr().String()).Msg("websocket disconnected")
}

// Run serves until the context is cancelled, then drains with a short
// deadline. The manager's shutdown sweep runs separately so partials are
// persisted before the process exits.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	log.Info().Str("addr", s.addr).Msg("server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
