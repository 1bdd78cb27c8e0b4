// Package perfmonitor measures wall-clock time between a start and a stop
// mark. The server uses it to report how long a request or a calibration
// took.
package perfmonitor

import (
	"sync"
	"time"
)

// PerformanceMonitor records a start and an end instant. The zero times mean
// "not set". It is safe for concurrent use.
type PerformanceMonitor struct {
	mu        sync.Mutex
	startTime time.Time
	endTime   time.Time
}

// NewPerformanceMonitor returns a monitor with neither mark set.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{}
}

// StartNew returns a monitor that has already been started.
func StartNew() *PerformanceMonitor {
	pm := NewPerformanceMonitor()
	pm.Start()
	return pm
}

// Start sets the start mark to now, overwriting any previous start.
func (pm *PerformanceMonitor) Start() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.startTime = time.Now()
}

// Stop sets the end mark to now. It does nothing if Start was not called.
func (pm *PerformanceMonitor) Stop() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.startTime.IsZero() {
		return
	}
	pm.endTime = time.Now()
}

// Reset clears both marks.
func (pm *PerformanceMonitor) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.startTime = time.Time{}
	pm.endTime = time.Time{}
}

// Elapsed returns the time between the marks, or zero if either is unset.
func (pm *PerformanceMonitor) Elapsed() time.Duration {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.startTime.IsZero() || pm.endTime.IsZero() {
		return 0
	}
	return pm.endTime.Sub(pm.startTime)
}

// ElapsedMilliseconds returns Elapsed in fractional milliseconds.
func (pm *PerformanceMonitor) ElapsedMilliseconds() float64 {
	return float64(pm.Elapsed()) / float64(time.Millisecond)
}
