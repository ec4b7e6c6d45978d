package core

import "sync"

// Registry maps locally connected user ids to their connection handle. An
// entry exists if and only if the user holds an active session on this
// instance. Every operation takes the one exclusive lock for exactly the
// map access, never across a send or a store call.
type Registry struct {
	mu     sync.Mutex
	byUser map[int64]Conn
	byConn map[string]int64 // reverse index for disconnects
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[int64]Conn),
		byConn: make(map[string]int64),
	}
}

// Insert binds the user id to the connection. A stale binding for the same
// user is replaced and its reverse entry dropped.
func (r *Registry) Insert(userID int64, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byUser[userID]; ok {
		delete(r.byConn, old.ID())
	}
	r.byUser[userID] = conn
	r.byConn[conn.ID()] = userID
}

// Remove drops the user's binding if present.
func (r *Registry) Remove(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.byUser[userID]; ok {
		delete(r.byConn, conn.ID())
		delete(r.byUser, userID)
	}
}

// Lookup returns the connection bound to the user id, if any.
func (r *Registry) Lookup(userID int64) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byUser[userID]
	return conn, ok
}

// RemoveByConn drops whatever user binding the connection holds and returns
// the user id it was bound to. Used on ungraceful disconnect, where the
// transport knows the handle but not the user.
func (r *Registry) RemoveByConn(conn Conn) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[conn.ID()]
	if !ok {
		return 0, false
	}
	delete(r.byConn, conn.ID())
	delete(r.byUser, userID)
	return userID, true
}

// Len reports the number of locally connected users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}
