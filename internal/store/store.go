package store

import (
	"context"
	"time"
)

// UserState is the persisted presence of a user. It is the single source of
// truth for "is this user connected to some instance".
type UserState string

const (
	StateOnline  UserState = "online"
	StateOffline UserState = "offline"
)

// User represents a registered account.
type User struct {
	ID           int64
	Name         string
	PasswordHash string
	State        UserState
	CreatedAt    time.Time
}

// Group is a named chat group. Names are unique.
type Group struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
}

// GroupRole describes a member's role inside a group.
type GroupRole string

const (
	RoleCreator GroupRole = "creator"
	RoleNormal  GroupRole = "normal"
)

// OfflineMessage is one queued envelope awaiting its recipient's next login.
type OfflineMessage struct {
	UserID  int64
	Payload []byte
}

// UserStore handles account rows and presence state.
type UserStore interface {
	// CreateUser inserts a new user with state offline and returns it with
	// the assigned id.
	CreateUser(ctx context.Context, name, passwordHash string) (*User, error)

	// GetUserByID retrieves a user by id.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// MarkOnline transitions the user offline→online. It reports false when
	// the user is already online, so two racing logins cannot both claim the
	// session.
	MarkOnline(ctx context.Context, id int64) (bool, error)

	// MarkOffline unconditionally sets the user's state to offline.
	MarkOffline(ctx context.Context, id int64) error

	// ResetAllOnline forces every online user back to offline. Used by the
	// crash-recovery sweep: an instance that died could not run its own
	// disconnect handlers.
	ResetAllOnline(ctx context.Context) (int64, error)
}

// FriendStore handles friend edges.
type FriendStore interface {
	// AddFriend inserts a friend edge. Duplicate edges are an error the
	// caller may ignore.
	AddFriend(ctx context.Context, userID, friendID int64) error

	// ListFriends returns the users the given user has added as friends.
	ListFriends(ctx context.Context, userID int64) ([]*User, error)
}

// GroupStore handles groups and membership.
type GroupStore interface {
	// CreateGroup inserts a group keyed by unique name and returns it with
	// the assigned id. Name collisions fail and create nothing.
	CreateGroup(ctx context.Context, name, description string) (*Group, error)

	// AddGroupMember inserts a (group, user, role) membership row.
	AddGroupMember(ctx context.Context, groupID, userID int64, role GroupRole) error

	// GroupMemberIDs returns the ids of every member of the group, the
	// sender of a message being fanned out included.
	GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error)
}

// OfflineStore is the per-recipient FIFO queue of undeliverable envelopes.
type OfflineStore interface {
	// AppendOfflineMessage enqueues a serialized envelope for the user.
	AppendOfflineMessage(ctx context.Context, userID int64, payload []byte) error

	// OfflineMessages returns the user's queued payloads in enqueue order.
	OfflineMessages(ctx context.Context, userID int64) ([][]byte, error)

	// DeleteOfflineMessages drops every queued payload for the user.
	DeleteOfflineMessages(ctx context.Context, userID int64) error
}

// Store aggregates all persistence interfaces consumed by the core.
type Store interface {
	UserStore
	FriendStore
	GroupStore
	OfflineStore

	// Close closes the underlying database connection.
	Close() error
}
