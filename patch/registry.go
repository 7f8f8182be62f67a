package patch

import (
	"sync"
	"time"
)

// DefaultRegistryLimit is how many documents a Registry remembers.
const DefaultRegistryLimit = 16

// DocState is what a feature knows about one frame document.
type DocState struct {
	Document  string    `json:"document"`
	Patched   int       `json:"patched"`
	Sequences int       `json:"sequences"`
	Failures  int       `json:"failures"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Registry keeps per-document state keyed by document identity, so nothing
// has to be stashed on the page itself. Only the most recently seen
// documents are kept.
type Registry struct {
	mu    sync.Mutex
	limit int
	now   func() time.Time
	docs  map[string]*DocState
	order []string // least recently seen first
}

func NewRegistry(limit int) *Registry {
	if limit <= 0 {
		limit = DefaultRegistryLimit
	}
	return &Registry{limit: limit, now: time.Now, docs: make(map[string]*DocState)}
}

// touchLocked returns the state for id, creating it and evicting the oldest
// document when the registry is full.
func (r *Registry) touchLocked(id string) *DocState {
	now := r.now()
	if st, ok := r.docs[id]; ok {
		st.LastSeen = now
		for i, v := range r.order {
			if v == id {
				r.order = append(append(r.order[:i:i], r.order[i+1:]...), id)
				break
			}
		}
		return st
	}
	for len(r.order) >= r.limit {
		delete(r.docs, r.order[0])
		r.order = r.order[1:]
	}
	st := &DocState{Document: id, FirstSeen: now, LastSeen: now}
	r.docs[id] = st
	r.order = append(r.order, id)
	return st
}

func (r *Registry) notePatched(id string, n int) {
	r.mu.Lock()
	r.touchLocked(id).Patched += n
	r.mu.Unlock()
}

func (r *Registry) noteSequence(id string, ok bool) {
	r.mu.Lock()
	st := r.touchLocked(id)
	st.Sequences++
	if !ok {
		st.Failures++
	}
	r.mu.Unlock()
}

// Get returns a copy of the state for id.
func (r *Registry) Get(id string) (DocState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.docs[id]
	if !ok {
		return DocState{}, false
	}
	return *st, true
}

// Snapshot returns all remembered documents, most recent last.
func (r *Registry) Snapshot() []DocState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DocState, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.docs[id])
	}
	return out
}
