package httpapi

import (
	"sync"

	"github.com/voxwire/voxwire/internal/session"
)

// callRegistry tracks the session managers of live calls so the ops
// endpoints can inspect and steer them while the websocket handler owns
// their lifecycle.
type callRegistry struct {
	mu    sync.RWMutex
	calls map[string]*session.Manager
}

func newCallRegistry() *callRegistry {
	return &callRegistry{calls: make(map[string]*session.Manager)}
}

func (r *callRegistry) add(mgr *session.Manager) {
	r.mu.Lock()
	r.calls[mgr.CallID()] = mgr
	r.mu.Unlock()
}

func (r *callRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.calls, id)
	r.mu.Unlock()
}

func (r *callRegistry) get(id string) (*session.Manager, bool) {
	r.mu.RLock()
	mgr, ok := r.calls[id]
	r.mu.RUnlock()
	return mgr, ok
}

func (r *callRegistry) snapshot() []*session.Manager {
	r.mu.RLock()
	out := make([]*session.Manager, 0, len(r.calls))
	for _, mgr := range r.calls {
		out = append(out, mgr)
	}
	r.mu.RUnlock()
	return out
}
