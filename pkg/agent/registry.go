// Copyright 2024-2026 Aiku AI

package agent

import (
	"fmt"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-wechat-agent/pkg/agent/wechat"
)

// Registry holds the live sessions indexed by owner and by process id. A pid
// is present iff its owner is present and points at it.
type Registry struct {
	mu      sync.RWMutex
	byPID   map[uint32]wechat.Session
	byOwner map[id.UserID]uint32
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byPID:   make(map[uint32]wechat.Session),
		byOwner: make(map[id.UserID]uint32),
	}
}

// Store registers sess for owner, replacing the owner's previous session
// and any other owner of the same pid.
func (r *Registry) Store(owner id.UserID, sess wechat.Session) {
	sess.Owner = owner
	r.mu.Lock()
	defer r.mu.Unlock()
	if oldPID, ok := r.byOwner[owner]; ok {
		delete(r.byPID, oldPID)
	}
	if prev, ok := r.byPID[sess.PID]; ok {
		delete(r.byOwner, prev.Owner)
	}
	r.byPID[sess.PID] = sess
	r.byOwner[owner] = sess.PID
}

// GetByOwner returns the session of owner.
func (r *Registry) GetByOwner(owner id.UserID) (wechat.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pid, ok := r.byOwner[owner]
	if !ok {
		return wechat.Session{}, fmt.Errorf("%w for %s", ErrNotFound, owner)
	}
	return r.byPID[pid], nil
}

// GetByPID returns the session of the process pid.
func (r *Registry) GetByPID(pid uint32) (wechat.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byPID[pid]
	if !ok {
		return wechat.Session{}, fmt.Errorf("%w for pid %d", ErrNotFound, pid)
	}
	return sess, nil
}

// Drop removes the session of owner and returns it.
func (r *Registry) Drop(owner id.UserID) (wechat.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid, ok := r.byOwner[owner]
	if !ok {
		return wechat.Session{}, fmt.Errorf("%w for %s", ErrNotFound, owner)
	}
	sess := r.byPID[pid]
	delete(r.byOwner, owner)
	delete(r.byPID, pid)
	return sess, nil
}

// dropPID removes the session of pid if it is still registered.
func (r *Registry) dropPID(pid uint32) (wechat.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byPID[pid]
	if !ok {
		return wechat.Session{}, false
	}
	delete(r.byPID, pid)
	delete(r.byOwner, sess.Owner)
	return sess, true
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []wechat.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wechat.Session, 0, len(r.byPID))
	for _, sess := range r.byPID {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPID)
}
