package server

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// upgrader creates a WebSocket upgrader with origin checking from the
// configured allowed origins.
func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin validates a request origin against the configured allowed
// origins. Prefix matching admits any port on an allowed host. Requests
// without an Origin header (direct WebSocket clients, curl, workers) pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.opts.AllowedOrigins) == 0 {
		// No configuration: localhost only
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost") ||
			strings.HasPrefix(origin, "http://127.0.0.1") ||
			strings.HasPrefix(origin, "https://127.0.0.1")
	}

	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
