package tracking

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TrailBuffer keeps a bounded history of recent positions per aircraft for
// rendering flight trails. The per-aircraft map itself is LRU-bounded so
// aircraft that stop reporting eventually fall out. Purely in-memory.
type TrailBuffer struct {
	mu     sync.Mutex
	trails *lru.Cache[string, []TrailPoint]
	maxLen int
}

// NewTrailBuffer creates a buffer holding up to maxLen points for each of at
// most maxAircraft aircraft.
func NewTrailBuffer(maxLen, maxAircraft int) (*TrailBuffer, error) {
	trails, err := lru.New[string, []TrailPoint](maxAircraft)
	if err != nil {
		return nil, err
	}
	return &TrailBuffer{trails: trails, maxLen: maxLen}, nil
}

// Append pushes a new sample for id, trimming to the most recent maxLen.
func (t *TrailBuffer) Append(id string, point TrailPoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	trail, _ := t.trails.Get(id)
	trail = append(trail, point)
	if len(trail) > t.maxLen {
		trail = trail[len(trail)-t.maxLen:]
	}
	t.trails.Add(id, trail)
}

// Get returns the trail for id, oldest first. The returned slice is a copy.
func (t *TrailBuffer) Get(id string) []TrailPoint {
	t.mu.Lock()
	defer t.mu.Unlock()

	trail, ok := t.trails.Get(id)
	if !ok {
		return nil
	}
	out := make([]TrailPoint, len(trail))
	copy(out, trail)
	return out
}

// Clear drops the trail for id.
func (t *TrailBuffer) Clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trails.Remove(id)
}

// SetMaxLength changes the per-aircraft bound and re-trims existing trails.
func (t *TrailBuffer) SetMaxLength(n int) {
	if n <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.maxLen = n
	for _, id := range t.trails.Keys() {
		trail, ok := t.trails.Peek(id)
		if !ok || len(trail) <= n {
			continue
		}
		t.trails.Add(id, trail[len(trail)-n:])
	}
}

// MaxLength returns the current per-aircraft bound.
func (t *TrailBuffer) MaxLength() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxLen
}
