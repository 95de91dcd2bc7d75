// Package directory provides actor directory implementations: an in-memory
// registry for development and tests, and an HTTP client for a remote
// directory service.
package directory

import (
	"context"
	"sync"

	"custodycore/pkg/domain"
)

// Memory is a process-local actor registry.
type Memory struct {
	mu     sync.RWMutex
	actors map[string]domain.Actor
}

var _ domain.ActorDirectory = (*Memory)(nil)

// NewMemory constructs an empty registry.
func NewMemory() *Memory {
	return &Memory{actors: make(map[string]domain.Actor)}
}

// Register adds or replaces an actor entry.
func (m *Memory) Register(actor domain.Actor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actors[actor.Wallet] = actor
}

// Deactivate flips an actor to inactive while keeping its role.
func (m *Memory) Deactivate(wallet string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if actor, ok := m.actors[wallet]; ok {
		actor.Active = false
		m.actors[wallet] = actor
	}
}

// Resolve returns the actor registered for the wallet.
func (m *Memory) Resolve(_ context.Context, wallet string) (domain.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	actor, ok := m.actors[wallet]
	if !ok {
		return domain.Actor{}, domain.Errorf(domain.KindNotFound, "wallet %s not registered", wallet)
	}
	return actor, nil
}
