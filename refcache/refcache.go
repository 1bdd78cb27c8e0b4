// Package refcache stores calibration reference pairs per session name so
// that a recent calibration can be reused, and collapses concurrent
// calibrations of the same session into a single run.
package refcache

import (
	"context"
	"time"

	"github.com/cyberinferno/bandbridge/bandsession"
)

// CalibrateFunc runs a calibration when no reusable reference is cached.
type CalibrateFunc func(ctx context.Context) (bandsession.Reference, error)

// Cache is implemented by the reference stores. Implementations are safe for
// concurrent use.
type Cache interface {
	// GetOrCalibrate returns the cached reference of name, or runs calibrate
	// and stores its result for ttl. A ttl of zero or less never stores, but
	// concurrent callers for the same name still share one calibration.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - name: Session name the reference belongs to
	//   - ttl: How long the reference may be reused
	//   - calibrate: Function producing a fresh reference on a miss
	//
	// Returns:
	//   - The cached or freshly calibrated reference
	//   - An error if the lookup or the calibration fails
	GetOrCalibrate(
		ctx context.Context,
		name string,
		ttl time.Duration,
		calibrate CalibrateFunc,
	) (bandsession.Reference, error)

	// Forget drops the reference of name.
	Forget(ctx context.Context, name string) error

	// Clear drops every stored reference.
	Clear(ctx context.Context) error

	// Count returns the number of stored references.
	Count(ctx context.Context) (int, error)
}
