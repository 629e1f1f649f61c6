package syncqueue

import "sync"

// Budget decides whether an item of n bytes may be transferred in this run.
type Budget interface {
	Take(n int64) bool
}

type unlimited struct{}

func (unlimited) Take(int64) bool { return true }

// Unlimited never defers.
var Unlimited Budget = unlimited{}

// ByteBudget is a fixed per-run allowance. One item larger than the whole
// allowance is admitted per run, consuming whatever remains, so a large item
// is never starved.
type ByteBudget struct {
	mu        sync.Mutex
	total     int64
	remaining int64
	spent     int64
	oversized bool
}

// NewByteBudget returns a budget of total bytes.
func NewByteBudget(total int64) *ByteBudget {
	if total < 0 {
		total = 0
	}
	return &ByteBudget{total: total, remaining: total}
}

func (b *ByteBudget) Take(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= b.remaining {
		b.remaining -= n
		b.spent += n
		return true
	}
	if n > b.total && !b.oversized {
		b.oversized = true
		b.spent += n
		b.remaining = 0
		return true
	}
	return false
}

// Spent returns the bytes admitted so far.
func (b *ByteBudget) Spent() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent
}
