package quill

import "sync"

// Guard is a concurrent set of ids currently being transferred. The
// uploader and reconciler share one Guard so the same asset is never
// uploaded and downloaded at the same time. It is an injectable value
// rather than package state so tests can run coordinators side by side.
type Guard struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{ids: make(map[string]struct{})}
}

// TryAcquire claims id. It returns false when id is already held.
func (g *Guard) TryAcquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.ids[id]; held {
		return false
	}
	g.ids[id] = struct{}{}
	return true
}

// Release returns id to the pool. Releasing an unheld id is a no-op.
func (g *Guard) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.ids, id)
}

// Held reports whether id is currently claimed.
func (g *Guard) Held(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.ids[id]
	return held
}
