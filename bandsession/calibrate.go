package bandsession

import (
	"context"
	"fmt"
	"time"

	"github.com/cyberinferno/bandbridge/logger"
	"github.com/cyberinferno/bandbridge/sensor"
	"github.com/google/uuid"
)

// Calibrate runs a calibration cycle with the session's configured live and
// calibration buffer sizes. See CalibrateSizes.
func (s *Session) Calibrate(ctx context.Context) (Reference, error) {
	return s.CalibrateSizes(ctx, s.liveBufferSize, s.calibrationBufferSize)
}

// CalibrateSizes derives reference values for both channels. The streams are
// stopped, both buffers are resized to calibrationSize and the streams are
// restarted. Once the heart-rate buffer signals it is full, the average of
// each buffer is captured. The streams are then stopped again, the buffers
// are resized back to liveSize and the streams restarted, whatever the
// outcome of the wait.
//
// Only one calibration runs at a time per session; concurrent callers queue.
//
// Parameters:
//   - ctx: Cancels the wait for the calibration buffer to fill
//   - liveSize: Buffer capacity restored after calibration
//   - calibrationSize: Number of samples averaged into the reference
//
// Returns:
//   - The reference pair, heart rate first
//   - ErrSensorTimeout if the buffer did not fill within the calibration timeout
//   - ctx.Err() if ctx ended first
//   - ErrClosed if the session has been closed
func (s *Session) CalibrateSizes(ctx context.Context, liveSize, calibrationSize int) (Reference, error) {
	if liveSize <= 0 || calibrationSize <= 0 {
		return Reference{}, fmt.Errorf("%w: live %d, calibration %d", ErrInvalidBufferSize, liveSize, calibrationSize)
	}

	s.calibrating.Lock()
	defer s.calibrating.Unlock()

	if s.isClosed() {
		return Reference{}, ErrClosed
	}

	started := time.Now()
	log := s.logger.With(logger.Field{Key: "run_id", Value: uuid.NewString()})
	log.Info("calibration started", logger.Field{Key: "calibration_size", Value: calibrationSize})

	s.Stop()
	s.resize(calibrationSize)
	full := s.buffers[sensor.HeartRate].Full()
	defer s.restore(liveSize)
	if err := s.Start(); err != nil {
		return Reference{}, err
	}

	timer := time.NewTimer(s.calibrationTimeout)
	defer timer.Stop()

	select {
	case <-full:
	case <-s.done:
		return Reference{}, ErrClosed
	case <-ctx.Done():
		log.Warn("calibration cancelled", logger.Err(ctx.Err()))
		return Reference{}, ctx.Err()
	case <-timer.C:
		log.Warn("calibration timed out",
			logger.Field{Key: "timeout", Value: s.calibrationTimeout.String()},
			logger.Field{Key: "samples", Value: s.buffers[sensor.HeartRate].Len()},
		)
		return Reference{}, ErrSensorTimeout
	}

	hr, _ := s.buffers[sensor.HeartRate].Average()
	gsr, _ := s.buffers[sensor.SkinResponse].Average()
	ref := Reference{HR: hr, GSR: gsr}

	log.Info("calibration finished",
		logger.Field{Key: "hr", Value: ref.HR},
		logger.Field{Key: "gsr", Value: ref.GSR},
		logger.Field{Key: "elapsed_ms", Value: time.Since(started).Milliseconds()},
	)
	s.emit(Event{Kind: Calibrated})

	return ref, nil
}

func (s *Session) restore(liveSize int) {
	s.Stop()
	s.resize(liveSize)
	if s.isClosed() {
		return
	}
	if err := s.Start(); err != nil {
		s.logger.Warn("restart after calibration failed", logger.Err(err))
	}
}

func (s *Session) resize(capacity int) {
	for _, ch := range sensor.Channels {
		s.buffers[ch].Resize(capacity)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
