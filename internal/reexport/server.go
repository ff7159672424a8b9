package reexport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Server exposes subscriptions over websocket and Server-Sent Events.
type Server struct {
	exp       *Exporter
	log       *slog.Logger
	keepalive time.Duration
	upgrader  websocket.Upgrader
	conns     sync.WaitGroup
}

// NewServer wraps exp. keepalive drives websocket pings and SSE comments.
func NewServer(exp *Exporter, keepalive time.Duration, log *slog.Logger) *Server {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		exp:       exp,
		log:       log,
		keepalive: keepalive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler routes GET /subscribe/{pipeline} (websocket) and GET /events/{pipeline} (SSE).
// The optional key query parameter selects a routing key.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /subscribe/{pipeline}", s.serveWebsocket)
	mux.HandleFunc("GET /events/{pipeline}", s.serveSSE)
	return mux
}

// Wait blocks until every streaming connection has returned.
func (s *Server) Wait() {
	s.conns.Wait()
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) (*Subscription, bool) {
	sub, err := s.exp.Subscribe(r.PathValue("pipeline"), r.URL.Query().Get("key"))
	switch {
	case errors.Is(err, ErrUnknownPipeline):
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return nil, false
	}
	return sub, true
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()
	defer conn.Close()
	defer sub.Close()

	// Client frames are ignored; a read error means the peer went away.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case msg := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-sub.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, ok := s.subscribe(w, r)
	if !ok {
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case msg := <-sub.C():
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-sub.Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}
