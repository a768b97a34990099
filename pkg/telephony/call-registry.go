package telephony

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// ============================================
// CALL REGISTRY
// In-memory store of live call sessions
// ============================================

// CallRegistry owns every CallSession this process is tracking.
// Queries return copies; callers never share memory with the map.
type CallRegistry struct {
	mu      sync.RWMutex
	calls   map[string]*registryEntry
	nextSeq uint64
}

type registryEntry struct {
	session CallSession
	seq     uint64 // first-seen order, breaks CreatedAt ties
}

// NewCallRegistry creates an empty registry
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{
		calls: make(map[string]*registryEntry),
	}
}

// Track inserts or overwrites the session stored under id.
func (r *CallRegistry) Track(id string, session CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session.ID = id
	if existing, ok := r.calls[id]; ok {
		existing.session = session.clone()
		return
	}
	r.nextSeq++
	r.calls[id] = &registryEntry{session: session.clone(), seq: r.nextSeq}
}

// Update merges the non-nil fields of u into the session. Unknown ids are
// ignored and reported with ok=false.
func (r *CallRegistry) Update(id string, u CallUpdate) (CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.calls[id]
	if !ok {
		return CallSession{}, false
	}
	if u.Status != nil {
		entry.session.Status = *u.Status
	}
	if u.Duration != nil {
		d := *u.Duration
		entry.session.Duration = &d
	}
	if !u.LastUpdated.IsZero() {
		entry.session.LastUpdated = u.LastUpdated
	}
	return entry.session.clone(), true
}

// Remove deletes id; removing an absent id is a no-op.
func (r *CallRegistry) Remove(id string) (CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.calls[id]
	if !ok {
		return CallSession{}, false
	}
	delete(r.calls, id)
	return entry.session, true
}

// Get returns the session stored under id.
func (r *CallRegistry) Get(id string) (CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.calls[id]
	if !ok {
		return CallSession{}, false
	}
	return entry.session.clone(), true
}

// List returns every tracked session in first-seen order.
func (r *CallRegistry) List() []CallSession {
	return r.filter(func(CallSession) bool { return true })
}

// ListByStatus returns the tracked sessions currently in status.
func (r *CallRegistry) ListByStatus(status CallStatus) []CallSession {
	return r.filter(func(s CallSession) bool { return s.Status == status })
}

func (r *CallRegistry) filter(keep func(CallSession) bool) []CallSession {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.calls))
	for _, entry := range r.calls {
		if keep(entry.session) {
			entries = append(entries, entry)
		}
	}
	out := make([]CallSession, 0, len(entries))
	slices.SortFunc(entries, func(a, b *registryEntry) int { return cmp.Compare(a.seq, b.seq) })
	for _, entry := range entries {
		out = append(out, entry.session.clone())
	}
	r.mu.RUnlock()
	return out
}

// Oldest returns the session with the earliest CreatedAt.
func (r *CallRegistry) Oldest() (CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *registryEntry
	for _, entry := range r.calls {
		if oldest == nil ||
			entry.session.CreatedAt.Before(oldest.session.CreatedAt) ||
			(entry.session.CreatedAt.Equal(oldest.session.CreatedAt) && entry.seq < oldest.seq) {
			oldest = entry
		}
	}
	if oldest == nil {
		return CallSession{}, false
	}
	return oldest.session.clone(), true
}

// RemoveCreatedBefore evicts sessions created before cutoff and returns them.
func (r *CallRegistry) RemoveCreatedBefore(cutoff time.Time) []CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []CallSession
	for id, entry := range r.calls {
		if entry.session.CreatedAt.Before(cutoff) {
			delete(r.calls, id)
			removed = append(removed, entry.session)
		}
	}
	return removed
}

// Statistics summarizes the currently tracked sessions.
func (r *CallRegistry) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{
		TotalActiveCalls: len(r.calls),
		CallsByStatus:    make(map[CallStatus]int),
		CallsByType:      make(map[Direction]int),
	}

	var total, completed int
	for _, entry := range r.calls {
		s := entry.session
		stats.CallsByStatus[s.Status]++
		stats.CallsByType[s.Direction]++
		if s.Status == StatusCompleted && s.Duration != nil {
			total += *s.Duration
			completed++
		}
	}
	if completed > 0 {
		stats.AverageCallDuration = float64(total) / float64(completed)
	}
	return stats
}

// Len returns the number of tracked sessions.
func (r *CallRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Clear drops every session.
func (r *CallRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = make(map[string]*registryEntry)
}
