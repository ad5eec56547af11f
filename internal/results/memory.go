package results

import (
	"context"
	"sync"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process [Store] keeping the most recent results up to a
// fixed capacity.
type Memory struct {
	mu       sync.Mutex
	items    []Result
	capacity int
}

// NewMemory returns a Memory holding at most capacity results. A capacity
// below 1 selects [MaxLimit].
func NewMemory(capacity int) *Memory {
	if capacity < 1 {
		capacity = MaxLimit
	}
	return &Memory{capacity: capacity}
}

// Record implements [Store].
func (m *Memory) Record(_ context.Context, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, r)
	if over := len(m.items) - m.capacity; over > 0 {
		m.items = append(m.items[:0:0], m.items[over:]...)
	}
	return nil
}

// Recent implements [Store].
func (m *Memory) Recent(ctx context.Context, q Query) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := q.limit()
	out := make([]Result, 0, min(limit, len(m.items)))
	for i := len(m.items) - 1; i >= 0 && len(out) < limit; i-- {
		if q.Game != "" && m.items[i].Game != q.Game {
			continue
		}
		out = append(out, m.items[i])
	}
	return out, nil
}
