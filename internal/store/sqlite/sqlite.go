package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/relaychat/relaychat-server/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	state         TEXT NOT NULL DEFAULT 'offline',
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS friends (
	user_id   INTEGER NOT NULL,
	friend_id INTEGER NOT NULL,
	PRIMARY KEY (user_id, friend_id)
);

CREATE TABLE IF NOT EXISTS chat_groups (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id INTEGER NOT NULL,
	user_id  INTEGER NOT NULL,
	role     TEXT NOT NULL DEFAULT 'normal',
	PRIMARY KEY (group_id, user_id)
);

CREATE TABLE IF NOT EXISTS offline_messages (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	payload BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_offline_messages_user
	ON offline_messages (user_id);
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser inserts a new user with state offline.
func (s *SQLiteStore) CreateUser(ctx context.Context, name, passwordHash string) (*store.User, error) {
	query := `
		INSERT INTO users (name, password_hash, state)
		VALUES (?, ?, 'offline')
	`
	result, err := s.db.ExecContext(ctx, query, name, passwordHash)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert user %q: %w", name, store.ErrDuplicate)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by id.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	query := `
		SELECT id, name, password_hash, state, created_at
		FROM users
		WHERE id = ?
	`
	var u store.User
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&u.ID, &u.Name, &u.PasswordHash, &u.State, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// MarkOnline claims the session with a conditional update so that two
// racing logins cannot both observe offline and both win.
func (s *SQLiteStore) MarkOnline(ctx context.Context, id int64) (bool, error) {
	query := `UPDATE users SET state = 'online' WHERE id = ? AND state = 'offline'`
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("mark online: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkOffline unconditionally releases the session.
func (s *SQLiteStore) MarkOffline(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET state = 'offline' WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	return nil
}

// ResetAllOnline forces every online user back to offline.
func (s *SQLiteStore) ResetAllOnline(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET state = 'offline' WHERE state = 'online'`)
	if err != nil {
		return 0, fmt.Errorf("reset online users: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// ==== FriendStore implementation ====

// AddFriend inserts a friend edge.
func (s *SQLiteStore) AddFriend(ctx context.Context, userID, friendID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO friends (user_id, friend_id) VALUES (?, ?)`, userID, friendID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("friend edge %d->%d: %w", userID, friendID, store.ErrDuplicate)
		}
		return fmt.Errorf("insert friend edge: %w", err)
	}
	return nil
}

// ListFriends returns the users the given user has added as friends.
func (s *SQLiteStore) ListFriends(ctx context.Context, userID int64) ([]*store.User, error) {
	query := `
		SELECT u.id, u.name, u.password_hash, u.state, u.created_at
		FROM friends f
		JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = ?
		ORDER BY u.id
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query friends: %w", err)
	}
	defer rows.Close()

	var friends []*store.User
	for rows.Next() {
		var u store.User
		if err := rows.Scan(&u.ID, &u.Name, &u.PasswordHash, &u.State, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		friends = append(friends, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate friends: %w", err)
	}
	return friends, nil
}

// ==== GroupStore implementation ====

// CreateGroup inserts a group keyed by unique name.
func (s *SQLiteStore) CreateGroup(ctx context.Context, name, description string) (*store.Group, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_groups (name, description) VALUES (?, ?)`, name, description)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("group %q: %w", name, store.ErrDuplicate)
		}
		return nil, fmt.Errorf("insert group: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	var g store.Group
	err = s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM chat_groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("query group: %w", err)
	}
	return &g, nil
}

// AddGroupMember inserts a membership row.
func (s *SQLiteStore) AddGroupMember(ctx context.Context, groupID, userID int64, role store.GroupRole) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id, role) VALUES (?, ?, ?)`,
		groupID, userID, string(role))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("member %d of group %d: %w", userID, groupID, store.ErrDuplicate)
		}
		return fmt.Errorf("insert group member: %w", err)
	}
	return nil
}

// GroupMemberIDs returns every member id of the group.
func (s *SQLiteStore) GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return ids, nil
}

// ==== OfflineStore implementation ====

// AppendOfflineMessage enqueues a serialized envelope for the user.
func (s *SQLiteStore) AppendOfflineMessage(ctx context.Context, userID int64, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_messages (user_id, payload) VALUES (?, ?)`, userID, payload)
	if err != nil {
		return fmt.Errorf("insert offline message: %w", err)
	}
	return nil
}

// OfflineMessages returns queued payloads in enqueue (rowid) order.
func (s *SQLiteStore) OfflineMessages(ctx context.Context, userID int64) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM offline_messages WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query offline messages: %w", err)
	}
	defer rows.Close()

	var payloads [][]byte
	for rows.Next() {
		var p []byte
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan offline message: %w", err)
		}
		payloads = append(payloads, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offline messages: %w", err)
	}
	return payloads, nil
}

// DeleteOfflineMessages drops every queued payload for the user.
func (s *SQLiteStore) DeleteOfflineMessages(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM offline_messages WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete offline messages: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	// Fallback for wrapped driver errors.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
