package broadcast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/smohantty/hyperliquid-trading-bot/internal/logger"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from a different origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes the broadcaster over a WebSocket endpoint plus small
// HTTP status routes for the dashboard.
type Server struct {
	broadcaster *Broadcaster
	httpServer  *http.Server
}

// NewServer wires the routes. Call ListenAndServe on a goroutine.
func NewServer(b *Broadcaster, host string, port int) *Server {
	s := &Server{broadcaster: b}

	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWS)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: handler,
	}
	return s
}

// ListenAndServe blocks serving clients until Close.
func (s *Server) ListenAndServe() error {
	logger.S().Infof("WebSocket status server listening on ws://%s/ws", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the HTTP server down.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.S().Warnf("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	logger.S().Infof("New WebSocket connection: %s", r.RemoteAddr)

	events, cancel := s.broadcaster.Subscribe()
	done := make(chan struct{})

	// Reader: clients only send heartbeats; any error ends the session.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer cancel()
		defer conn.Close()

		// Replay cached state so the client renders immediately.
		for _, event := range s.broadcaster.ReplayState() {
			if err := writeEvent(conn, event); err != nil {
				return
			}
		}

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(conn, event); err != nil {
					logger.S().Debugf("Client %s write failed: %v", r.RemoteAddr, err)
					return
				}
			case <-done:
				logger.S().Infof("Client %s disconnected", r.RemoteAddr)
				return
			}
		}
	}()
}

func writeEvent(conn *websocket.Conn, event Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(event)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if last := s.broadcaster.LastSummary(); last != nil {
		json.NewEncoder(w).Encode(last)
		return
	}
	w.Write([]byte(`{}`))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
