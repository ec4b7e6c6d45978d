package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/proto"
	"github.com/relaychat/relaychat-server/internal/store"
)

// BrokerMessage is one message received from a subscribed channel.
type BrokerMessage struct {
	Channel string
	Payload []byte
}

// Broker is the pub/sub client the bridge relays through. Implementations
// must be safe for concurrent independent calls. Messages delivers every
// message published to any currently subscribed channel; the channel is
// closed when the broker connection is torn down.
type Broker interface {
	Publish(channel string, payload []byte) error
	Subscribe(channel string) error
	Unsubscribe(channel string) error
	Messages() <-chan BrokerMessage
}

const userChannelPrefix = "chat.user."

// UserChannel names the per-user broker channel.
func UserChannel(userID int64) string {
	return userChannelPrefix + strconv.FormatInt(userID, 10)
}

func userIDFromChannel(channel string) (int64, error) {
	raw, ok := strings.CutPrefix(channel, userChannelPrefix)
	if !ok {
		return 0, fmt.Errorf("channel %q: not a user channel", channel)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("channel %q: %w", channel, err)
	}
	return id, nil
}

// Bridge fans chat messages out to peer instances. It publishes to the
// channel named after the recipient and keeps one subscription per locally
// logged-in user, so envelopes published by peers reach this instance's
// connections. A nil broker leaves the bridge disabled: the subscribe set
// stays empty and the service degrades to registry-only local delivery.
type Bridge struct {
	broker   Broker
	registry *Registry
	offline  store.OfflineStore
	log      zerolog.Logger
}

// NewBridge constructs the bridge. broker may be nil when the broker was
// unreachable at startup.
func NewBridge(broker Broker, registry *Registry, offline store.OfflineStore, logger *zerolog.Logger) *Bridge {
	return &Bridge{
		broker:   broker,
		registry: registry,
		offline:  offline,
		log:      logger.With().Str("component", "bridge").Logger(),
	}
}

// Enabled reports whether a broker is connected.
func (b *Bridge) Enabled() bool {
	return b.broker != nil
}

// Subscribe registers this instance's interest in the user's channel.
// Called on login, paired with the registry insert.
func (b *Bridge) Subscribe(userID int64) error {
	if b.broker == nil {
		return nil
	}
	if err := b.broker.Subscribe(UserChannel(userID)); err != nil {
		return fmt.Errorf("subscribe user %d: %w", userID, err)
	}
	return nil
}

// Unsubscribe deregisters the user's channel. Called on logout and
// disconnect, paired with the registry removal.
func (b *Bridge) Unsubscribe(userID int64) error {
	if b.broker == nil {
		return nil
	}
	if err := b.broker.Unsubscribe(UserChannel(userID)); err != nil {
		return fmt.Errorf("unsubscribe user %d: %w", userID, err)
	}
	return nil
}

// Publish relays a serialized envelope to whichever peer instance holds the
// recipient's connection. Fire and forget: a failure is the caller's to log,
// never retried.
func (b *Bridge) Publish(userID int64, payload []byte) error {
	if b.broker == nil {
		return fmt.Errorf("publish user %d: bridge disabled", userID)
	}
	if err := b.broker.Publish(UserChannel(userID), payload); err != nil {
		return fmt.Errorf("publish user %d: %w", userID, err)
	}
	return nil
}

// Run is the listener loop. It blocks on broker messages and feeds each one
// back through the local registry, or into the offline queue when the target
// disconnected between the peer's publish and our receive. The publish path
// is never re-entered here: a message arriving on a channel means this
// instance holds (or just held) the subscription for that user.
//
// Run returns when ctx is cancelled or the broker message stream closes;
// the loop is not restarted by the core.
func (b *Bridge) Run(ctx context.Context) {
	if b.broker == nil {
		return
	}

	b.log.Info().Msg("bridge listener started")
	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("bridge listener stopped")
			return
		case msg, ok := <-b.broker.Messages():
			if !ok {
				b.log.Error().Msg("broker message stream closed, bridge listener exiting")
				return
			}
			b.handleMessage(ctx, msg)
		}
	}
}

func (b *Bridge) handleMessage(ctx context.Context, msg BrokerMessage) {
	userID, err := userIDFromChannel(msg.Channel)
	if err != nil {
		b.log.Error().Err(err).Msg("discarding broker message")
		return
	}

	env, err := proto.Decode(msg.Payload)
	if err != nil {
		b.log.Error().Err(err).Int64("user_id", userID).Msg("discarding undecodable broker payload")
		return
	}

	if conn, ok := b.registry.Lookup(userID); ok {
		if err := conn.Send(env); err != nil {
			b.log.Warn().Err(err).Int64("user_id", userID).Msg("relay send failed")
		}
		return
	}

	// Target dropped between the peer's state check and our receive.
	if err := b.offline.AppendOfflineMessage(ctx, userID, msg.Payload); err != nil {
		b.log.Error().Err(err).Int64("user_id", userID).Msg("failed to queue relayed message offline")
	}
}
