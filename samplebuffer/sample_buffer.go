// Package samplebuffer provides a fixed-capacity rolling buffer of integer
// sensor samples. The buffer keeps the most recent samples, reports their
// rounded mean, and signals once it has been filled to capacity.
package samplebuffer

import (
	"math"
	"sync"
)

// SampleBuffer is a ring of the last N samples added. All methods are safe
// for concurrent use; each mutation is atomic with respect to readers, so an
// Average never observes a half-applied Add or Resize.
type SampleBuffer struct {
	mu       sync.RWMutex
	samples  []int
	start    int
	size     int
	full     chan struct{}
	signaled bool
}

// NewSampleBuffer creates an empty buffer holding at most capacity samples.
// A negative capacity is treated as zero.
//
// Parameters:
//   - capacity: Maximum number of samples retained
//
// Returns:
//   - A new, empty SampleBuffer
func NewSampleBuffer(capacity int) *SampleBuffer {
	b := &SampleBuffer{}
	b.reset(capacity)
	return b
}

// reset replaces the storage; caller must hold b.mu or own b exclusively.
func (b *SampleBuffer) reset(capacity int) {
	if capacity < 0 {
		capacity = 0
	}

	b.samples = make([]int, capacity)
	b.start = 0
	b.size = 0
	b.full = make(chan struct{})
	b.signaled = false
}

// Add appends a sample, overwriting the oldest one once the buffer is at
// capacity. With capacity zero the call does nothing.
//
// Parameters:
//   - sample: The value to append
func (b *SampleBuffer) Add(sample int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.samples)
	if capacity == 0 {
		return
	}

	if b.size < capacity {
		b.samples[(b.start+b.size)%capacity] = sample
		b.size++
	} else {
		b.samples[b.start] = sample
		b.start = (b.start + 1) % capacity
	}

	if b.size == capacity && !b.signaled {
		b.signaled = true
		close(b.full)
	}
}

// Average returns the arithmetic mean of the held samples rounded to the
// nearest integer (halves away from zero).
//
// Returns:
//   - The rounded mean
//   - false if the buffer holds no samples, in which case the mean is 0
func (b *SampleBuffer) Average() (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return 0, false
	}

	var sum int64
	capacity := len(b.samples)
	for i := 0; i < b.size; i++ {
		sum += int64(b.samples[(b.start+i)%capacity])
	}

	return int(math.Round(float64(sum) / float64(b.size))), true
}

// Resize discards all samples and sets a new capacity. The buffer is not
// full afterwards, whatever the old size was, and a fresh Full channel is
// armed.
//
// Parameters:
//   - capacity: The new maximum number of samples; negative means zero
func (b *SampleBuffer) Resize(capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset(capacity)
}

// IsFull reports whether the buffer holds capacity samples and capacity is
// greater than zero.
func (b *SampleBuffer) IsFull() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples) > 0 && b.size == len(b.samples)
}

// Full returns a channel that is closed when the buffer first reaches
// capacity after construction or the latest Resize. For a zero-capacity
// buffer the channel is never closed.
func (b *SampleBuffer) Full() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.full
}

// Len returns the number of samples currently held.
func (b *SampleBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *SampleBuffer) Cap() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Samples returns a copy of the held samples, oldest first.
func (b *SampleBuffer) Samples() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]int, b.size)
	capacity := len(b.samples)
	for i := 0; i < b.size; i++ {
		out[i] = b.samples[(b.start+i)%capacity]
	}

	return out
}
