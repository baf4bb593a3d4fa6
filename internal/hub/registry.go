package hub

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/amoylab/wshub/pkg/protocol"
)

type registryEntry struct {
	record *ConnectionRecord
	// cancel stops the session owning the record
	cancel context.CancelFunc
}

// Registry is the lock protected map of live connections. It is the only
// source of truth for who is connected and what they are subscribed to.
type Registry struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	entries map[protocol.ConnectionID]*registryEntry
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("hub.registry"),
		entries: make(map[protocol.ConnectionID]*registryEntry),
	}
}

// Insert registers rec. cancel, if not nil, is called once the record is
// removed so the owning session stops.
func (r *Registry) Insert(rec *ConnectionRecord, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, rec.ID)
	}
	r.entries[rec.ID] = &registryEntry{record: rec, cancel: cancel}
	return nil
}

// Remove deletes the record for id. It is idempotent: only the first call
// for an id returns true.
func (r *Registry) Remove(id protocol.ConnectionID) (ConnectionRecord, bool) {
	return r.RemoveIf(id, nil)
}

// RemoveIf deletes the record for id when pred, evaluated under the write
// lock, returns true. A nil pred always removes.
func (r *Registry) RemoveIf(id protocol.ConnectionID, pred func(*ConnectionRecord) bool) (ConnectionRecord, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || (pred != nil && !pred(e.record)) {
		r.mu.Unlock()
		return ConnectionRecord{}, false
	}
	delete(r.entries, id)
	r.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	return *e.record, true
}

// Get returns a copy of the record for id
func (r *Registry) Get(id protocol.ConnectionID) (ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return ConnectionRecord{}, false
	}
	return e.record.clone(), true
}

// Update applies fn to the record for id under the write lock. A missing
// record is reported as ErrConnectionNotFound; this happens routinely when a
// session races its own teardown.
func (r *Registry) Update(id protocol.ConnectionID, fn func(*ConnectionRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		r.logger.Debug("update skipped, connection not found", zap.Stringer("connection_id", id))
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	fn(e.record)
	return nil
}

// List returns a snapshot of every record
func (r *Registry) List() []ConnectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ConnectionRecord, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.record.clone())
	}
	return out
}

// IDs returns a snapshot of the registered connection ids
func (r *Registry) IDs() []protocol.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]protocol.ConnectionID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Matches reports whether connection id should receive a message published
// on topic. Unknown ids never match.
func (r *Registry) Matches(id protocol.ConnectionID, topic protocol.Topic) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	return e.record.Matches(topic)
}
