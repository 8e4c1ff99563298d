package dispatch

import (
	"sync"

	"github.com/terminal-bench/settledrain/internal/guard"
)

// Backlog is the in-memory FIFO of stalled settlement items waiting to
// be drained. Items pushed back after a transient rejection go to the
// tail so the rest of the queue keeps moving.
type Backlog struct {
	mu    sync.Mutex
	items []guard.Item
}

func NewBacklog() *Backlog {
	return &Backlog{}
}

// Push appends an item to the tail.
func (b *Backlog) Push(item guard.Item) {
	b.mu.Lock()
	b.items = append(b.items, item)
	b.mu.Unlock()
}

// Pop removes and returns the head item. The second return is false
// when the backlog is empty.
func (b *Backlog) Pop() (guard.Item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return guard.Item{}, false
	}
	item := b.items[0]
	b.items = b.items[1:]
	return item, true
}

// Len returns the current depth.
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Items returns a snapshot of the queue in drain order.
func (b *Backlog) Items() []guard.Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]guard.Item, len(b.items))
	copy(out, b.items)
	return out
}
