package ws

import (
	"fmt"
	stdhttp "net/http"

	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/config"
)

// NewServer builds the HTTP server carrying the WebSocket endpoint.
func NewServer(hooks Handler, cfg config.Config, logger *zerolog.Logger) *stdhttp.Server {
	mux := stdhttp.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/ws", NewWSHandler(hooks, logger))

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(w stdhttp.ResponseWriter, _ *stdhttp.Request) {
	_, _ = fmt.Fprint(w, "ok")
}
