package server

import (
	"sort"
	"sync"
	"time"
)

// SessionInfo is a snapshot of one live session.
type SessionInfo struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	Engine     string    `json:"engine"`
	StartedAt  time.Time `json:"started_at"`
	Received   uint64    `json:"received"`
	Processed  uint64    `json:"processed"`
	Dropped    uint64    `json:"dropped"`
	Rejected   uint64    `json:"rejected"`
	QueueDepth int       `json:"queue_depth"`
}

// RegistryStats aggregates live and finished sessions.
type RegistryStats struct {
	Active    int    `json:"active"`
	Total     uint64 `json:"total"`
	Received  uint64 `json:"received"`
	Processed uint64 `json:"processed"`
	Dropped   uint64 `json:"dropped"`
	Rejected  uint64 `json:"rejected"`
}

// Registry tracks the sessions of a server.
type Registry struct {
	sessions map[string]*session
	finished RegistryStats
	mutex    sync.RWMutex
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

func (r *Registry) register(s *session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.sessions[s.id] = s
	r.finished.Total++
}

// remove drops a session and folds its counters into the totals.
func (r *Registry) remove(s *session) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.sessions[s.id]; !ok {
		return
	}
	delete(r.sessions, s.id)

	info := s.info()
	r.finished.Received += info.Received
	r.finished.Processed += info.Processed
	r.finished.Dropped += info.Dropped
	r.finished.Rejected += info.Rejected
}

// Get returns a live session by ID.
func (r *Registry) Get(id string) (SessionInfo, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// List returns live sessions, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Stats returns counts over live and finished sessions.
func (r *Registry) Stats() RegistryStats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := r.finished
	stats.Active = len(r.sessions)
	for _, s := range r.sessions {
		info := s.info()
		stats.Received += info.Received
		stats.Processed += info.Processed
		stats.Dropped += info.Dropped
		stats.Rejected += info.Rejected
	}
	return stats
}

// closeAll closes every live connection; sessions then unregister themselves.
func (r *Registry) closeAll() {
	r.mutex.RLock()
	live := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mutex.RUnlock()

	for _, s := range live {
		s.close()
	}
}
