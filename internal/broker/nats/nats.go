package nats

import (
	"fmt"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/core"
)

// Broker implements core.Broker over a NATS connection. Every subscribed
// user channel feeds one shared inbox channel, which the bridge's listener
// loop drains.
type Broker struct {
	conn *natsgo.Conn
	log  zerolog.Logger

	inbox chan *natsgo.Msg
	msgs  chan core.BrokerMessage
	done  chan struct{}

	mu   sync.Mutex
	subs map[string]*natsgo.Subscription
}

// Connect dials the NATS server and starts the pump feeding Messages().
func Connect(url string, logger *zerolog.Logger) (*Broker, error) {
	b := &Broker{
		log:   logger.With().Str("component", "nats").Logger(),
		inbox: make(chan *natsgo.Msg, 256),
		msgs:  make(chan core.BrokerMessage, 256),
		done:  make(chan struct{}),
		subs:  make(map[string]*natsgo.Subscription),
	}

	conn, err := natsgo.Connect(url,
		natsgo.Name("relaychat-server"),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
		natsgo.ClosedHandler(func(*natsgo.Conn) {
			close(b.done)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	b.conn = conn

	go b.pump()

	b.log.Info().Str("url", conn.ConnectedUrl()).Msg("connected to nats")
	return b, nil
}

// pump converts raw NATS messages into broker messages and closes the
// stream when the connection is torn down.
func (b *Broker) pump() {
	for {
		select {
		case <-b.done:
			close(b.msgs)
			return
		case msg := <-b.inbox:
			b.msgs <- core.BrokerMessage{Channel: msg.Subject, Payload: msg.Data}
		}
	}
}

// Publish sends a payload to the named channel.
func (b *Broker) Publish(channel string, payload []byte) error {
	if err := b.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers interest in a channel. Subscribing twice to the same
// channel is a no-op.
func (b *Broker) Subscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[channel]; ok {
		return nil
	}

	sub, err := b.conn.ChanSubscribe(channel, b.inbox)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	b.subs[channel] = sub
	return nil
}

// Unsubscribe drops interest in a channel.
func (b *Broker) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[channel]
	if !ok {
		return nil
	}
	delete(b.subs, channel)

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	return nil
}

// Messages delivers every message published to any subscribed channel. The
// channel closes when the NATS connection is closed.
func (b *Broker) Messages() <-chan core.BrokerMessage {
	return b.msgs
}

// Close tears the NATS connection down, which also ends the message stream.
func (b *Broker) Close() {
	b.conn.Close()
}
