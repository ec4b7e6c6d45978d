package core

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/proto"
)

// Handler executes the business rule for one envelope kind. It may send at
// most one ack back on the originating connection and must not block on
// another connection's I/O.
type Handler func(ctx context.Context, env *proto.Envelope, conn Conn)

// Dispatcher routes parsed envelopes to the handler registered for their
// kind. It is populated once at construction time and read-only afterwards,
// so Dispatch needs no locking.
type Dispatcher struct {
	handlers map[proto.Kind]Handler
	log      zerolog.Logger
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher(logger *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[proto.Kind]Handler),
		log:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Register binds a handler to an envelope kind.
func (d *Dispatcher) Register(kind proto.Kind, h Handler) {
	d.handlers[kind] = h
}

// Dispatch invokes the handler for the envelope's kind. An unknown kind is
// logged and produces no side effect.
func (d *Dispatcher) Dispatch(ctx context.Context, env *proto.Envelope, conn Conn) {
	h, ok := d.handlers[env.Kind]
	if !ok {
		d.log.Error().Str("kind", string(env.Kind)).Msg("no handler for envelope kind")
		return
	}
	h(ctx, env, conn)
}
