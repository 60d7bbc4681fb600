// Copyright 2024-2026 Aiku AI

package push

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server accepts push subscribers over websocket on "/" and "/ws".
type Server struct {
	hub      *Hub
	addr     string
	log      zerolog.Logger
	upgrader websocket.Upgrader
	srv      *http.Server
	listener net.Listener
}

// NewServer creates a push server bound to host:port. It does not listen
// until Start is called.
func NewServer(hub *Hub, host string, port int, log zerolog.Logger) *Server {
	s := &Server{
		hub:  hub,
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		log:  log.With().Str("component", "push_server").Logger(),
		upgrader: websocket.Upgrader{
			// Subscribers are backend services, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	mux.HandleFunc("/ws", s.handleWS)
	s.srv = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("Starting push channel")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Push channel server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes the listener and disconnects every subscriber.
func (s *Server) Stop(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.hub.Close()
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	c, err := s.hub.AddClient(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejecting push subscriber")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	s.log.Debug().Str("remote_addr", r.RemoteAddr).Msg("Push subscriber connected")

	// Subscribers never send anything meaningful; reading only detects close.
	go func() {
		defer func() {
			s.hub.RemoveClient(c)
			s.log.Debug().Str("remote_addr", r.RemoteAddr).Msg("Push subscriber disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
