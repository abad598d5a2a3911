package serverside

import (
	"sort"
	"sync"

	"github.com/kj5hst/airrelay/internal/wire"
)

// Roster is the server-side id -> Session map (spec §3). Insertion order is
// irrelevant; Snapshot returns entries sorted by id purely so repeated
// CLIENTS_UPDATE broadcasts are deterministic, not because order matters to
// the protocol.
type Roster struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRoster creates an empty Roster.
func NewRoster() *Roster {
	return &Roster{sessions: make(map[string]*Session)}
}

// Add registers sess under its ID.
func (r *Roster) Add(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID] = sess
}

// Remove unregisters the session with the given id, if present.
func (r *Roster) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the session registered under id, if any.
func (r *Roster) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of registered sessions.
func (r *Roster) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns a stable-ordered copy of the currently registered
// sessions, safe to range over without holding the roster lock.
func (r *Roster) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BuildClientsUpdate assembles a CLIENTS_UPDATE control message describing
// the current roster (spec §4.7).
func (r *Roster) BuildClientsUpdate(max int, txOwnerID string) wire.ControlMessage {
	snapshot := r.Snapshot()
	entries := make([]wire.ClientsUpdateEntry, 0, len(snapshot))
	for _, s := range snapshot {
		entries = append(entries, wire.ClientsUpdateEntry{ID: s.ID, Info: s.Info})
	}
	return wire.ControlMessage{
		Tag:       wire.TagClientsUpdate,
		Count:     uint8(len(entries)),
		Max:       uint8(max),
		TxOwnerID: txOwnerID,
		Clients:   entries,
	}
}

// Broadcast sends msg to every session's control channel. Per-session send
// failures are tolerated (spec §4.7) — a failing session will be reaped by
// its own main loop or receive worker, not by this broadcast.
func (r *Roster) Broadcast(msg wire.ControlMessage) {
	for _, s := range r.Snapshot() {
		s.Handler.SendControl(msg)
	}
}
