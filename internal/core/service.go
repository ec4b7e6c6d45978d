package core

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/proto"
	"github.com/relaychat/relaychat-server/internal/store"
)

// Service implements the business rules behind every envelope kind. It is
// constructed once at startup and handed to the transport; handlers for
// different connections run concurrently, so all shared state lives behind
// the registry's lock or in the store.
type Service struct {
	store      store.Store
	registry   *Registry
	bridge     *Bridge
	dispatcher *Dispatcher
	tokens     *auth.TokenIssuer // nil disables session tokens
	log        zerolog.Logger
}

// NewService wires the handler table. The registration mirrors the envelope
// kinds one to one; unknown kinds die in the dispatcher.
func NewService(st store.Store, registry *Registry, bridge *Bridge, tokens *auth.TokenIssuer, logger *zerolog.Logger) *Service {
	s := &Service{
		store:      st,
		registry:   registry,
		bridge:     bridge,
		dispatcher: NewDispatcher(logger),
		tokens:     tokens,
		log:        logger.With().Str("component", "service").Logger(),
	}

	s.dispatcher.Register(proto.KindLogin, s.login)
	s.dispatcher.Register(proto.KindLogout, s.logout)
	s.dispatcher.Register(proto.KindRegister, s.register)
	s.dispatcher.Register(proto.KindChat, s.chat)
	s.dispatcher.Register(proto.KindAddFriend, s.addFriend)
	s.dispatcher.Register(proto.KindCreateGroup, s.createGroup)
	s.dispatcher.Register(proto.KindJoinGroup, s.joinGroup)
	s.dispatcher.Register(proto.KindGroupChat, s.groupChat)

	return s
}

// Registry exposes the connection registry, mainly for the bridge and tests.
func (s *Service) Registry() *Registry {
	return s.registry
}

// OnConnect is invoked by the transport for every accepted connection. The
// core tracks nothing until the connection logs in.
func (s *Service) OnConnect(conn Conn) {
	s.log.Debug().Str("conn_id", conn.ID()).Msg("connection accepted")
}

// OnEnvelope is invoked by the transport once per parsed envelope.
func (s *Service) OnEnvelope(ctx context.Context, conn Conn, env *proto.Envelope) {
	s.dispatcher.Dispatch(ctx, env, conn)
}

// OnDisconnect handles an ungraceful connection loss. If the connection was
// bound to a user, the binding, the bridge subscription and the persisted
// state are all released.
func (s *Service) OnDisconnect(ctx context.Context, conn Conn) {
	userID, ok := s.registry.RemoveByConn(conn)
	if !ok {
		return
	}

	if err := s.bridge.Unsubscribe(userID); err != nil {
		s.log.Error().Err(err).Int64("user_id", userID).Msg("unsubscribe on disconnect failed")
	}
	if err := s.store.MarkOffline(ctx, userID); err != nil {
		s.log.Error().Err(err).Int64("user_id", userID).Msg("mark offline on disconnect failed")
	}
	s.log.Info().Int64("user_id", userID).Str("conn_id", conn.ID()).Msg("user disconnected")
}

// ResetOnlineStates forces every persisted online state back to offline. An
// instance that crashed could not run its own disconnect handlers, so the
// sweep runs on startup and again on controlled shutdown.
func (s *Service) ResetOnlineStates(ctx context.Context) error {
	n, err := s.store.ResetAllOnline(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info().Int64("users", n).Msg("reset stale online states")
	}
	return nil
}

// login authenticates the connection and claims the user's single session.
// The persisted state is claimed first with a conditional update, then the
// registry insert and bridge subscribe both complete before the offline
// queue is drained, so a peer publish in the race window cannot be missed.
func (s *Service) login(ctx context.Context, env *proto.Envelope, conn Conn) {
	user, err := s.store.GetUserByID(ctx, env.ID)
	if errors.Is(err, store.ErrNotFound) {
		s.sendAck(conn, proto.ErrAck(proto.KindLoginAck, proto.ErrCodeInvalidCredentials, "user id or password wrong"))
		return
	}
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", env.ID).Msg("login user query failed")
		return
	}

	if auth.ComparePassword(user.PasswordHash, env.Password) != nil {
		s.sendAck(conn, proto.ErrAck(proto.KindLoginAck, proto.ErrCodeInvalidCredentials, "user id or password wrong"))
		return
	}

	claimed, err := s.store.MarkOnline(ctx, user.ID)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", user.ID).Msg("login state claim failed")
		return
	}
	if !claimed {
		s.sendAck(conn, proto.ErrAck(proto.KindLoginAck, proto.ErrCodeAlreadyLoggedIn, "this account is already logged in"))
		return
	}

	s.registry.Insert(user.ID, conn)
	if err := s.bridge.Subscribe(user.ID); err != nil {
		// Registry without subscription: messages from peers won't reach
		// this user until relogin. Logged, not retried.
		s.log.Error().Err(err).Int64("user_id", user.ID).Msg("bridge subscribe failed")
	}

	ack := &proto.Envelope{Kind: proto.KindLoginAck, ID: user.ID, Name: user.Name}

	if payloads, err := s.store.OfflineMessages(ctx, user.ID); err != nil {
		s.log.Error().Err(err).Int64("user_id", user.ID).Msg("offline queue query failed")
	} else if len(payloads) > 0 {
		ack.OfflineMsgs = make([]json.RawMessage, 0, len(payloads))
		for _, p := range payloads {
			ack.OfflineMsgs = append(ack.OfflineMsgs, json.RawMessage(p))
		}
		if err := s.store.DeleteOfflineMessages(ctx, user.ID); err != nil {
			s.log.Error().Err(err).Int64("user_id", user.ID).Msg("offline queue delete failed")
		}
	}

	if friends, err := s.store.ListFriends(ctx, user.ID); err != nil {
		s.log.Error().Err(err).Int64("user_id", user.ID).Msg("friend list query failed")
	} else {
		for _, f := range friends {
			ack.Friends = append(ack.Friends, proto.FriendInfo{ID: f.ID, Name: f.Name, State: string(f.State)})
		}
	}

	if s.tokens != nil {
		token, err := s.tokens.Issue(user.ID, user.Name)
		if err != nil {
			s.log.Error().Err(err).Int64("user_id", user.ID).Msg("session token issue failed")
		} else {
			ack.Token = token
		}
	}

	s.sendAck(conn, ack)
	s.log.Info().Int64("user_id", user.ID).Str("conn_id", conn.ID()).Msg("user logged in")
}

// logout releases the session. No ack; a logout for a user that was never
// registered locally is a no-op beyond the state write.
func (s *Service) logout(ctx context.Context, env *proto.Envelope, _ Conn) {
	s.registry.Remove(env.ID)

	if err := s.bridge.Unsubscribe(env.ID); err != nil {
		s.log.Error().Err(err).Int64("user_id", env.ID).Msg("unsubscribe on logout failed")
	}
	if err := s.store.MarkOffline(ctx, env.ID); err != nil {
		s.log.Error().Err(err).Int64("user_id", env.ID).Msg("mark offline on logout failed")
	}
	s.log.Info().Int64("user_id", env.ID).Msg("user logged out")
}

// register creates a new offline account and acks the assigned id.
func (s *Service) register(ctx context.Context, env *proto.Envelope, conn Conn) {
	hash, err := auth.HashPassword(env.Password)
	if err != nil {
		s.log.Error().Err(err).Msg("password hash failed")
		s.sendAck(conn, proto.ErrAck(proto.KindRegisterAck, proto.ErrCodeRegisterFailed, "registration failed"))
		return
	}

	user, err := s.store.CreateUser(ctx, env.Name, hash)
	if err != nil {
		s.log.Warn().Err(err).Str("name", env.Name).Msg("register failed")
		s.sendAck(conn, proto.ErrAck(proto.KindRegisterAck, proto.ErrCodeRegisterFailed, "registration failed"))
		return
	}

	s.sendAck(conn, &proto.Envelope{Kind: proto.KindRegisterAck, ID: user.ID})
	s.log.Info().Int64("user_id", user.ID).Str("name", user.Name).Msg("user registered")
}

// chat delivers a one-to-one message along exactly one of the three paths.
func (s *Service) chat(ctx context.Context, env *proto.Envelope, _ Conn) {
	s.deliver(ctx, env.To, env)
}

// addFriend stores a friend edge. Best effort: duplicates are swallowed and
// no ack is sent.
func (s *Service) addFriend(ctx context.Context, env *proto.Envelope, _ Conn) {
	err := s.store.AddFriend(ctx, env.ID, env.FriendID)
	if errors.Is(err, store.ErrDuplicate) {
		s.log.Debug().Int64("user_id", env.ID).Int64("friend_id", env.FriendID).Msg("friend edge already exists")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", env.ID).Msg("add friend failed")
	}
}

// createGroup creates a uniquely named group and records the caller as its
// creator. On a name collision nothing is written.
func (s *Service) createGroup(ctx context.Context, env *proto.Envelope, _ Conn) {
	group, err := s.store.CreateGroup(ctx, env.GroupName, env.GroupDesc)
	if err != nil {
		s.log.Warn().Err(err).Str("group_name", env.GroupName).Msg("create group failed")
		return
	}

	if err := s.store.AddGroupMember(ctx, group.ID, env.ID, store.RoleCreator); err != nil {
		s.log.Error().Err(err).Int64("group_id", group.ID).Msg("record group creator failed")
		return
	}
	s.log.Info().Int64("group_id", group.ID).Str("group_name", group.Name).Int64("creator", env.ID).Msg("group created")
}

// joinGroup adds the caller as a normal member.
func (s *Service) joinGroup(ctx context.Context, env *proto.Envelope, _ Conn) {
	err := s.store.AddGroupMember(ctx, env.GroupID, env.ID, store.RoleNormal)
	if errors.Is(err, store.ErrDuplicate) {
		return
	}
	if err != nil {
		s.log.Error().Err(err).Int64("group_id", env.GroupID).Int64("user_id", env.ID).Msg("join group failed")
	}
}

// groupChat resolves the membership and runs one independent delivery
// decision per member. The sender is part of the member list and receives
// its own message back.
func (s *Service) groupChat(ctx context.Context, env *proto.Envelope, _ Conn) {
	memberIDs, err := s.store.GroupMemberIDs(ctx, env.GroupID)
	if err != nil {
		s.log.Error().Err(err).Int64("group_id", env.GroupID).Msg("group member query failed")
		return
	}

	for _, memberID := range memberIDs {
		s.deliver(ctx, memberID, env)
	}
}

// deliver routes one envelope to one recipient: local connection first, then
// the bridge when a peer instance holds the session, else the offline queue.
// Exactly one of the three paths executes.
func (s *Service) deliver(ctx context.Context, to int64, env *proto.Envelope) {
	if conn, ok := s.registry.Lookup(to); ok {
		if err := conn.Send(env); err != nil {
			s.log.Warn().Err(err).Int64("to", to).Msg("local delivery failed")
		}
		return
	}

	payload, err := env.Encode()
	if err != nil {
		s.log.Error().Err(err).Int64("to", to).Msg("envelope encode failed")
		return
	}

	user, err := s.store.GetUserByID(ctx, to)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Error().Err(err).Int64("to", to).Msg("recipient state query failed")
		return
	}

	if user != nil && user.State == store.StateOnline {
		// Connected to a peer instance; relay through its subscription.
		if err := s.bridge.Publish(to, payload); err != nil {
			s.log.Error().Err(err).Int64("to", to).Msg("bridge publish failed")
		}
		return
	}

	if err := s.store.AppendOfflineMessage(ctx, to, payload); err != nil {
		s.log.Error().Err(err).Int64("to", to).Msg("offline enqueue failed")
	}
}

func (s *Service) sendAck(conn Conn, env *proto.Envelope) {
	if err := conn.Send(env); err != nil {
		s.log.Warn().Err(err).Str("conn_id", conn.ID()).Msg("ack send failed")
	}
}
