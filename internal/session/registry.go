package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jittakal/eventpipe/internal/errors"
)

// ID identifies a session in a Registry. The generation changes every time
// an index is reused, so an ID held across a Delete no longer resolves.
type ID struct {
	Index      uint32
	Generation uint32
}

func (id ID) String() string {
	return fmt.Sprintf("%d.%d", id.Index, id.Generation)
}

type registrySlot struct {
	generation uint32
	session    *Session
}

// Registry owns the sessions of one process.
type Registry struct {
	mu     sync.RWMutex
	slots  []registrySlot
	free   []uint32
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Create makes a new uninitialized session and returns its id.
func (r *Registry) Create(opts Options) (ID, *Session) {
	s := New(opts)

	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, registrySlot{generation: 1})
		idx = uint32(len(r.slots) - 1)
	}
	r.slots[idx].session = s

	id := ID{Index: idx, Generation: r.slots[idx].generation}
	r.logger.Debug("session created", "session", s.Name(), "id", id.String())
	return id, s
}

// Lookup returns the session for id. Stale ids fail with ErrSessionNotFound.
func (r *Registry) Lookup(id ID) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(id)
}

func (r *Registry) lookupLocked(id ID) (*Session, error) {
	if int(id.Index) >= len(r.slots) {
		return nil, fmt.Errorf("%w: %s", errors.ErrSessionNotFound, id)
	}
	slot := r.slots[id.Index]
	if slot.session == nil || slot.generation != id.Generation {
		return nil, fmt.Errorf("%w: %s", errors.ErrSessionNotFound, id)
	}
	return slot.session, nil
}

// Delete deletes the session and retires its id. The session is removed
// even when deleting it returned a sink error.
func (r *Registry) Delete(id ID) (Outcome, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return OutcomeNoOp, err
	}

	outcome, err := s.Delete()

	r.mu.Lock()
	if slot := &r.slots[id.Index]; slot.session == s {
		slot.session = nil
		slot.generation++
		r.free = append(r.free, id.Index)
	}
	r.mu.Unlock()
	return outcome, err
}

// Sessions returns every live session.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.slots))
	for _, slot := range r.slots {
		if slot.session != nil {
			out = append(out, slot.session)
		}
	}
	return out
}

// Liveness always reports true; a faulted sink does not need a restart.
func (r *Registry) Liveness() bool {
	return true
}

// Readiness reports whether at least one session is enabled and healthy.
func (r *Registry) Readiness(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	for _, s := range r.Sessions() {
		if s.State() == StateEnabled && !s.Faulted() {
			return true
		}
	}
	return false
}

// IsHealthy reports whether no session is faulted.
func (r *Registry) IsHealthy() bool {
	for _, s := range r.Sessions() {
		if s.Faulted() {
			return false
		}
	}
	return true
}

// GetStatus returns the state of every session by name.
func (r *Registry) GetStatus() map[string]string {
	status := make(map[string]string)
	for _, s := range r.Sessions() {
		st := s.State().String()
		if s.Faulted() {
			st += " (faulted)"
		}
		status[s.Name()] = st
	}
	return status
}
