// Package history keeps a fixed-size rolling window of sensor samples and
// reports its smoothed mean.
package history

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrInvalidCapacity is returned by New for a capacity below one.
var ErrInvalidCapacity = errors.New("history capacity must be at least 1")

// Buffer is a circular buffer of samples with overwrite-oldest semantics.
// Every slot is always populated: a new buffer is filled with its seed value.
// A Buffer is safe for one writer and any number of concurrent readers.
type Buffer struct {
	mu       sync.RWMutex
	values   []float64
	cursor   int
	capacity int
}

// New creates a buffer of the given capacity with every slot set to seed.
// The seed is not validated; callers supply a real first reading.
func New(seed float64, capacity int) (*Buffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	values := make([]float64, capacity)
	for i := range values {
		values[i] = seed
	}
	return &Buffer{
		values:   values,
		cursor:   capacity % capacity,
		capacity: capacity,
	}, nil
}

// IsValidSample reports whether v can be stored. NaN marks a failed read;
// infinities are kept.
func IsValidSample(v float64) bool {
	return !math.IsNaN(v)
}

// Round1 rounds x to one decimal place, half away from zero for both signs.
func Round1(x float64) float64 {
	return math.Round(x*10) / 10
}

// Update stores v in the next slot, evicting the oldest sample. Invalid
// samples are rejected and leave the buffer untouched.
func (b *Buffer) Update(v float64) bool {
	if !IsValidSample(v) {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = (b.cursor + 1) % b.capacity
	b.values[b.cursor] = v
	return true
}

// Average returns the mean of all slots rounded to one decimal.
func (b *Buffer) Average() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var sum float64
	for _, v := range b.values {
		sum += v
	}
	return roundedMean(sum, b.capacity)
}

// roundedMean returns sum/n rounded to one decimal, scaling before the
// division.
func roundedMean(sum float64, n int) float64 {
	return math.Round(10*sum/float64(n)) / 10
}

// Capacity returns the fixed number of slots.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Snapshot returns a copy of the slots in storage order.
func (b *Buffer) Snapshot() []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ret := make([]float64, len(b.values))
	copy(ret, b.values)
	return ret
}
