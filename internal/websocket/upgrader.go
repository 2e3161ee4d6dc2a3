package websocket

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// NewUpgrader accepts the listed origins. "*" or an empty list accepts any
// origin; localhost variations are always accepted for development.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}
}

func originAllowed(origin string, allowedOrigins []string) bool {
	// Non-browser clients send no Origin header
	if origin == "" || len(allowedOrigins) == 0 {
		return true
	}

	for _, allowedOrigin := range allowedOrigins {
		if allowedOrigin == "*" || origin == allowedOrigin {
			return true
		}
	}

	return strings.Contains(origin, "://localhost") || strings.Contains(origin, "://127.0.0.1")
}
