package core

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/proto"
	"github.com/relaychat/relaychat-server/internal/store"
)

// fakeConn records every envelope sent on it.
type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent []*proto.Envelope
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(env *proto.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) sentEnvelopes() []*proto.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*proto.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) lastSent(t *testing.T) *proto.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatalf("conn %s: no envelope sent", c.id)
	}
	return c.sent[len(c.sent)-1]
}

// fakeStore is an in-memory store.Store.
type fakeStore struct {
	mu      sync.Mutex
	nextID  int64
	users   map[int64]*store.User
	names   map[string]int64
	friends map[int64][]int64
	groups  map[int64]*store.Group
	gnames  map[string]int64
	members map[int64]map[int64]store.GroupRole
	offline map[int64][][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[int64]*store.User),
		names:   make(map[string]int64),
		friends: make(map[int64][]int64),
		groups:  make(map[int64]*store.Group),
		gnames:  make(map[string]int64),
		members: make(map[int64]map[int64]store.GroupRole),
		offline: make(map[int64][][]byte),
	}
}

func (s *fakeStore) CreateUser(_ context.Context, name, passwordHash string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; ok {
		return nil, fmt.Errorf("user %q: %w", name, store.ErrDuplicate)
	}
	s.nextID++
	u := &store.User{ID: s.nextID, Name: name, PasswordHash: passwordHash, State: store.StateOffline}
	s.users[u.ID] = u
	s.names[name] = u.ID
	return u, nil
}

func (s *fakeStore) GetUserByID(_ context.Context, id int64) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) MarkOnline(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return false, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	if u.State == store.StateOnline {
		return false, nil
	}
	u.State = store.StateOnline
	return true, nil
}

func (s *fakeStore) MarkOffline(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.State = store.StateOffline
	}
	return nil
}

func (s *fakeStore) ResetAllOnline(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, u := range s.users {
		if u.State == store.StateOnline {
			u.State = store.StateOffline
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) AddFriend(_ context.Context, userID, friendID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.friends[userID] {
		if id == friendID {
			return fmt.Errorf("friend edge: %w", store.ErrDuplicate)
		}
	}
	s.friends[userID] = append(s.friends[userID], friendID)
	return nil
}

func (s *fakeStore) ListFriends(_ context.Context, userID int64) ([]*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.User
	for _, id := range s.friends[userID] {
		if u, ok := s.users[id]; ok {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateGroup(_ context.Context, name, description string) (*store.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gnames[name]; ok {
		return nil, fmt.Errorf("group %q: %w", name, store.ErrDuplicate)
	}
	s.nextID++
	g := &store.Group{ID: s.nextID, Name: name, Description: description}
	s.groups[g.ID] = g
	s.gnames[name] = g.ID
	return g, nil
}

func (s *fakeStore) AddGroupMember(_ context.Context, groupID, userID int64, role store.GroupRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[groupID] == nil {
		s.members[groupID] = make(map[int64]store.GroupRole)
	}
	if _, ok := s.members[groupID][userID]; ok {
		return fmt.Errorf("group member: %w", store.ErrDuplicate)
	}
	s.members[groupID][userID] = role
	return nil
}

func (s *fakeStore) GroupMemberIDs(_ context.Context, groupID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id := range s.members[groupID] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeStore) AppendOfflineMessage(_ context.Context, userID int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline[userID] = append(s.offline[userID], payload)
	return nil
}

func (s *fakeStore) OfflineMessages(_ context.Context, userID int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.offline[userID]))
	copy(out, s.offline[userID])
	return out, nil
}

func (s *fakeStore) DeleteOfflineMessages(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offline, userID)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) offlineCount(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offline[userID])
}

func (s *fakeStore) userState(t *testing.T, userID int64) store.UserState {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		t.Fatalf("user %d not found", userID)
	}
	return u.State
}

// fakeBroker records publishes and subscriptions and feeds Messages from a
// test-controlled channel.
type fakeBroker struct {
	mu        sync.Mutex
	subs      map[string]bool
	published map[string][][]byte
	msgs      chan BrokerMessage
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		subs:      make(map[string]bool),
		published: make(map[string][][]byte),
		msgs:      make(chan BrokerMessage, 16),
	}
}

func (b *fakeBroker) Publish(channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBroker) Subscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = true
	return nil
}

func (b *fakeBroker) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, channel)
	return nil
}

func (b *fakeBroker) Messages() <-chan BrokerMessage { return b.msgs }

func (b *fakeBroker) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[channel]
}

func (b *fakeBroker) publishedTo(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

func testLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

// newTestService wires a service over in-memory fakes.
func newTestService() (*Service, *fakeStore, *fakeBroker) {
	st := newFakeStore()
	brk := newFakeBroker()
	registry := NewRegistry()
	bridge := NewBridge(brk, registry, st, testLogger())
	svc := NewService(st, registry, bridge, nil, testLogger())
	return svc, st, brk
}
