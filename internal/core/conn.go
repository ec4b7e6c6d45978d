package core

import "github.com/relaychat/relaychat-server/internal/proto"

// Conn is the handle the core holds for one transport connection. The
// transport owns the socket and its lifetime; the core only references the
// handle, it never closes it.
type Conn interface {
	// ID identifies the connection, not the user behind it.
	ID() string

	// Send queues an envelope for delivery on this connection.
	Send(env *proto.Envelope) error
}
