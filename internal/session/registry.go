// Package session maps transport connection ids to stable logical session
// ids. A session lives exactly as long as its connection: it survives
// reconnect attempts within the same connection instance and is dropped
// on close.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Registry is injected wherever session resolution is needed so tests can
// substitute an in-memory fake and deployments can share one backend
// across instances.
type Registry interface {
	// Resolve returns the session id for a connection, creating one if
	// none exists yet.
	Resolve(ctx context.Context, connectionID string) (string, error)
	// Lookup returns the session id for a connection, or "" if none.
	Lookup(ctx context.Context, connectionID string) (string, error)
	// Drop removes the mapping for a connection.
	Drop(ctx context.Context, connectionID string) error
}

type MemoryRegistry struct {
	mu       sync.Mutex
	sessions map[string]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]string)}
}

func (r *MemoryRegistry) Resolve(_ context.Context, connectionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sessionID, ok := r.sessions[connectionID]; ok {
		return sessionID, nil
	}
	sessionID := uuid.NewString()
	r.sessions[connectionID] = sessionID
	return sessionID, nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, connectionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[connectionID], nil
}

func (r *MemoryRegistry) Drop(_ context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, connectionID)
	return nil
}
