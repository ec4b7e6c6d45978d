package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/core"
	"github.com/relaychat/relaychat-server/internal/proto"
)

// Handler is the set of callbacks the transport drives. The core registers
// these once at startup and otherwise knows nothing about sockets or
// framing.
type Handler interface {
	OnConnect(conn core.Conn)
	OnEnvelope(ctx context.Context, conn core.Conn, env *proto.Envelope)
	OnDisconnect(ctx context.Context, conn core.Conn)
}

// WSHandler upgrades HTTP connections and bridges them to the core's
// envelope callbacks.
type WSHandler struct {
	hooks Handler
	log   *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hooks Handler, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{hooks: hooks, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	handle := newWSConn()
	h.hooks.OnConnect(handle)
	// The request context is tearing down by the time the disconnect hook
	// runs; give the presence cleanup its own context.
	defer h.hooks.OnDisconnect(context.Background(), handle)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, handle)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, handle)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, handle *wsConn) error {
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return err
		}

		env, err := proto.Decode(raw)
		if err != nil {
			// Protocol error: logged, no crash, no response.
			h.log.Warn().Err(err).Str("conn_id", handle.ID()).Msg("malformed envelope")
			continue
		}

		h.hooks.OnEnvelope(ctx, handle, env)
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, handle *wsConn) error {
	for {
		select {
		case env := <-handle.out:
			if err := wsjson.Write(ctx, conn, env); err != nil {
				h.log.Error().Err(err).Str("conn_id", handle.ID()).Msg("write ws envelope")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
