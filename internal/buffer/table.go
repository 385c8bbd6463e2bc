// Package buffer provides a capacity-bounded in-memory table with
// time-based eviction, used for ephemeral records that are never persisted.
package buffer

import (
	"sync"
	"time"
)

// DefaultCapacity is used when a non-positive capacity is requested
const DefaultCapacity = 1000

// Entry is a timestamped record
type Entry[T any] struct {
	Time  time.Time
	Value T
}

// Table keeps the most recent entries in insertion order. When full the
// oldest entry is dropped.
type Table[T any] struct {
	mu       sync.RWMutex
	entries  []Entry[T]
	capacity int
}

// New creates a Table holding at most capacity entries
func New[T any](capacity int) *Table[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table[T]{
		entries:  make([]Entry[T], 0, capacity),
		capacity: capacity,
	}
}

// Add appends value stamped with t
func (b *Table[T]) Add(t time.Time, value T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= b.capacity {
		// Remove the oldest element
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
	b.entries = append(b.entries, Entry[T]{Time: t, Value: value})
}

// Since returns a copy of the entries stamped at or after t
func (b *Table[T]) Since(t time.Time) []Entry[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Entry[T]
	for _, e := range b.entries {
		if !e.Time.Before(t) {
			result = append(result, e)
		}
	}
	return result
}

// Recent returns a copy of the last count entries, or all when count <= 0
func (b *Table[T]) Recent(count int) []Entry[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if count <= 0 || count > len(b.entries) {
		count = len(b.entries)
	}
	result := make([]Entry[T], count)
	copy(result, b.entries[len(b.entries)-count:])
	return result
}

// Evict removes entries stamped before cutoff and returns how many were
// removed
func (b *Table[T]) Evict(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.entries[:0]
	for _, e := range b.entries {
		if !e.Time.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(b.entries) - len(kept)
	var zero Entry[T]
	for i := len(kept); i < len(b.entries); i++ {
		b.entries[i] = zero
	}
	b.entries = kept
	return removed
}

// Len returns the number of entries
func (b *Table[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
