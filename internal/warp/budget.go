package warp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
)

// ErrOutOfMemory is returned when a reservation does not fit the pool.
var ErrOutOfMemory = errors.New("out of device memory")

// MemoryInfo is a point-in-time view of a Budget.
type MemoryInfo struct {
	Total int64 `json:"total_bytes"`
	Used  int64 `json:"used_bytes"`
	Free  int64 `json:"free_bytes"`
	Peak  int64 `json:"peak_bytes"`
}

func (m MemoryInfo) String() string {
	return fmt.Sprintf("%s used of %s (peak %s)",
		humanize.IBytes(uint64(m.Used)), humanize.IBytes(uint64(m.Total)), humanize.IBytes(uint64(m.Peak)))
}

// Budget models a fixed pool of device memory shared by concurrent tiles.
type Budget struct {
	mu    sync.Mutex
	total int64
	used  int64
	peak  int64
}

// NewBudget returns a pool of total bytes.
func NewBudget(total int64) *Budget {
	return &Budget{total: total}
}

// Reserve claims n bytes or fails with ErrOutOfMemory.
func (b *Budget) Reserve(n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 || b.used+n > b.total {
		return fmt.Errorf("reserve %s with %s free: %w",
			humanize.IBytes(uint64(max(n, 0))), humanize.IBytes(uint64(b.total-b.used)), ErrOutOfMemory)
	}
	b.used += n
	b.peak = max(b.peak, b.used)
	return nil
}

// Release returns n bytes to the pool.
func (b *Budget) Release(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used = max(0, b.used-n)
}

// Total is the pool capacity.
func (b *Budget) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Info reports capacity and usage.
func (b *Budget) Info() MemoryInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return MemoryInfo{Total: b.total, Used: b.used, Free: b.total - b.used, Peak: b.peak}
}
