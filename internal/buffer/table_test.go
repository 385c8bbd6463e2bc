package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestAddDropsOldestAtCapacity(t *testing.T) {
	b := New[int](3)
	for i := 0; i < 5; i++ {
		b.Add(base.Add(time.Duration(i)*time.Second), i)
	}

	require.Equal(t, 3, b.Len())
	recent := b.Recent(0)
	assert.Equal(t, 2, recent[0].Value)
	assert.Equal(t, 4, recent[2].Value)
}

func TestRecent(t *testing.T) {
	b := New[string](10)
	b.Add(base, "a")
	b.Add(base, "b")
	b.Add(base, "c")

	got := b.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Value)
	assert.Len(t, b.Recent(50), 3)
}

func TestSince(t *testing.T) {
	b := New[int](10)
	for i := 0; i < 4; i++ {
		b.Add(base.Add(time.Duration(i)*time.Minute), i)
	}

	got := b.Since(base.Add(2 * time.Minute))
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Value)
	assert.Empty(t, b.Since(base.Add(time.Hour)))
}

func TestEvict(t *testing.T) {
	b := New[int](10)
	for i := 0; i < 5; i++ {
		b.Add(base.Add(time.Duration(i)*time.Minute), i)
	}

	assert.Equal(t, 3, b.Evict(base.Add(3*time.Minute)))
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 3, b.Recent(0)[0].Value)
	assert.Zero(t, b.Evict(base))
}

func TestDefaultCapacity(t *testing.T) {
	b := New[int](0)
	assert.Equal(t, DefaultCapacity, b.capacity)
}

func TestConcurrentAccess(t *testing.T) {
	b := New[int](100)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Add(base.Add(time.Duration(j)*time.Second), n)
				b.Since(base)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 100, b.Len())
}
