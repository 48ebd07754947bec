// Package auditlog provides the bounded, append-only logs used for audit
// entries and violations.
package auditlog

import "sync"

// DefaultCapacity is the reference cap for audit logs.
const DefaultCapacity = 5000

// Log is a bounded append-only log. When the number of stored entries
// reaches twice the capacity, the oldest entries are evicted so that the
// newest Capacity entries remain.
type Log[T any] struct {
	mu       sync.RWMutex
	entries  []T
	capacity int
	total    uint64
}

// New creates a log with the given capacity; non-positive means DefaultCapacity.
func New[T any](capacity int) *Log[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log[T]{capacity: capacity}
}

// Append adds an entry and returns its 1-based sequence number.
func (l *Log[T]) Append(entry T) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.push(entry)
	return l.total
}

// AppendSeq builds an entry from its sequence number and appends it.
func (l *Log[T]) AppendSeq(build func(seq uint64) T) T {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := build(l.total + 1)
	l.push(entry)
	return entry
}

func (l *Log[T]) push(entry T) {
	l.total++
	l.entries = append(l.entries, entry)
	if len(l.entries) >= 2*l.capacity {
		kept := make([]T, l.capacity)
		copy(kept, l.entries[len(l.entries)-l.capacity:])
		l.entries = kept
	}
}

// Last returns up to n of the newest entries, oldest first. n <= 0 returns all.
func (l *Log[T]) Last(n int) []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := 0
	if n > 0 && n < len(l.entries) {
		start = len(l.entries) - n
	}
	out := make([]T, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// Filter returns up to n of the newest entries matching keep, oldest first.
func (l *Log[T]) Filter(n int, keep func(T) bool) []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []T
	for i := len(l.entries) - 1; i >= 0; i-- {
		if keep(l.entries[i]) {
			out = append(out, l.entries[i])
			if n > 0 && len(out) == n {
				break
			}
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the number of stored entries.
func (l *Log[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Total returns how many entries were ever appended.
func (l *Log[T]) Total() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Capacity returns the configured capacity.
func (l *Log[T]) Capacity() int {
	return l.capacity
}
