package ws

import (
	"fmt"

	"github.com/relaychat/relaychat-server/internal/proto"
	"github.com/relaychat/relaychat-server/internal/utils"
)

// sendQueueSize bounds the per-connection outbound queue. A full queue
// means a slow consumer; Send fails rather than blocking a handler.
const sendQueueSize = 64

// wsConn is the connection handle given to the core. The socket itself
// stays with the handler goroutines; the handle only queues envelopes.
type wsConn struct {
	id  string
	out chan *proto.Envelope
}

func newWSConn() *wsConn {
	return &wsConn{
		id:  utils.NewID(),
		out: make(chan *proto.Envelope, sendQueueSize),
	}
}

// ID identifies the connection.
func (c *wsConn) ID() string {
	return c.id
}

// Send queues an envelope for the write loop.
func (c *wsConn) Send(env *proto.Envelope) error {
	select {
	case c.out <- env:
		return nil
	default:
		return fmt.Errorf("conn %s: send queue full", c.id)
	}
}
