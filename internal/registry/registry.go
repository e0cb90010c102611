// Package registry owns the channel id to session map shared by the bus
// goroutine, timers and lookup workers.
package registry

import (
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/sweeney/callctl/internal/session"
)

type entry struct {
	sess *session.Session
	seq  uint64
}

// Registry holds at most one session per live channel id. Iteration always
// works on a copy so callers may mutate the registry while walking it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	seq     uint64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Add inserts s under its channel id. It returns false and leaves the
// registry unchanged if the channel is already tracked.
func (r *Registry) Add(s *session.Session) bool {
	ch := s.Channel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[ch]; exists {
		return false
	}
	r.seq++
	r.entries[ch] = entry{sess: s, seq: r.seq}
	return true
}

// Get returns the session tracked for ch.
func (r *Registry) Get(ch string) (*session.Session, bool) {
	r.mu.RLock()
	e, ok := r.entries[ch]
	r.mu.RUnlock()
	return e.sess, ok
}

// Remove drops ch from the registry and returns the removed session.
func (r *Registry) Remove(ch string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ch]
	if !ok {
		return nil, false
	}
	delete(r.entries, ch)
	return e.sess, true
}

// Swap replaces the session tracked under oldCh with s in a single step.
// s takes the position of the old entry in iteration order. If s's channel
// is already tracked by a third session, nothing changes and ok is false.
func (r *Registry) Swap(oldCh string, s *session.Session) (old *session.Session, ok bool) {
	newCh := s.Channel()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, exists := r.entries[oldCh]
	if !exists {
		return nil, false
	}
	if newCh != oldCh {
		if _, taken := r.entries[newCh]; taken {
			return nil, false
		}
	}
	delete(r.entries, oldCh)
	r.entries[newCh] = entry{sess: s, seq: e.seq}
	return e.sess, true
}

// Rename moves the session tracked under oldCh to newCh, updating the
// session's own channel id.
func (r *Registry) Rename(oldCh, newCh string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[oldCh]
	if !ok {
		return false
	}
	if _, taken := r.entries[newCh]; taken {
		return false
	}
	delete(r.entries, oldCh)
	e.sess.Rename(newCh)
	r.entries[newCh] = e
	return true
}

// All returns the tracked sessions in insertion order.
func (r *Registry) All() []*session.Session {
	r.mu.RLock()
	entries := lo.Values(r.entries)
	r.mu.RUnlock()
	slices.SortFunc(entries, func(a, b entry) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return lo.Map(entries, func(e entry, _ int) *session.Session { return e.sess })
}

// Find returns the first session in insertion order matching pred.
func (r *Registry) Find(pred func(*session.Session) bool) (*session.Session, bool) {
	return lo.Find(r.All(), pred)
}

// Snapshots returns a copy of every tracked session's state.
func (r *Registry) Snapshots() []session.Snapshot {
	return lo.Map(r.All(), func(s *session.Session, _ int) session.Snapshot { return s.Snapshot() })
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
