// Package bandsession owns one band device's live readings: the latest
// instantaneous value and a rolling sample buffer per channel, the
// start/stop lifecycle of the device streams, and the calibration cycle
// that derives reference values from a temporarily resized buffer.
package bandsession

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/bandbridge/logger"
	"github.com/cyberinferno/bandbridge/samplebuffer"
	"github.com/cyberinferno/bandbridge/sensor"
	"github.com/google/uuid"
)

const (
	DefaultLiveBufferSize        = 16
	DefaultCalibrationBufferSize = 200
	DefaultSampleInterval        = 16 * time.Millisecond
	DefaultCalibrationTimeout    = 30 * time.Second
)

var (
	ErrSensorTimeout     = errors.New("bandsession: sensor timeout")
	ErrClosed            = errors.New("bandsession: session closed")
	ErrInvalidName       = errors.New("bandsession: empty session name")
	ErrInvalidBufferSize = errors.New("bandsession: buffer size must be positive")
)

// EventKind tells what changed in a session.
type EventKind int

const (
	ReadingChanged EventKind = iota
	StreamsStarted
	StreamsStopped
	Calibrated
	SessionClosed
)

// String returns a human-readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case ReadingChanged:
		return "reading"
	case StreamsStarted:
		return "started"
	case StreamsStopped:
		return "stopped"
	case Calibrated:
		return "calibrated"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is delivered to the change callback. HR and GSR hold the latest
// instantaneous readings at the time of the event.
type Event struct {
	Session string
	Kind    EventKind
	Channel sensor.Channel
	HR      int
	GSR     int
}

// ChangeFunc receives session events. It runs on the goroutine that caused
// the change, often the sensor source's delivery goroutine, and must not block.
type ChangeFunc func(Event)

// Reference is the pair of calibration reference values, heart rate first.
type Reference struct {
	HR  int `json:"hr"`
	GSR int `json:"gsr"`
}

// Session is one bound band device. All methods are safe for concurrent use.
type Session struct {
	id     uuid.UUID
	name   string
	source sensor.Source
	logger logger.Logger

	liveBufferSize        int
	calibrationBufferSize int
	sampleInterval        time.Duration
	calibrationTimeout    time.Duration
	onChange              ChangeFunc

	buffers  map[sensor.Channel]*samplebuffer.SampleBuffer
	readings map[sensor.Channel]*atomic.Int64

	mu      sync.Mutex
	reading bool
	closed  bool
	done    chan struct{}

	calibrating sync.Mutex
}

// Cfg configures a Session.
type Cfg func(*Session) error

// WithLiveBufferSize sets the rolling window used for live averages.
func WithLiveBufferSize(n int) Cfg {
	return func(s *Session) error {
		if n <= 0 {
			return fmt.Errorf("%w: live %d", ErrInvalidBufferSize, n)
		}
		s.liveBufferSize = n
		return nil
	}
}

// WithCalibrationBufferSize sets how many samples a calibration averages.
func WithCalibrationBufferSize(n int) Cfg {
	return func(s *Session) error {
		if n <= 0 {
			return fmt.Errorf("%w: calibration %d", ErrInvalidBufferSize, n)
		}
		s.calibrationBufferSize = n
		return nil
	}
}

// WithSampleInterval sets the interval requested from the source.
func WithSampleInterval(d time.Duration) Cfg {
	return func(s *Session) error {
		s.sampleInterval = d
		return nil
	}
}

// WithCalibrationTimeout bounds how long a calibration waits for the
// calibration buffer to fill.
func WithCalibrationTimeout(d time.Duration) Cfg {
	return func(s *Session) error {
		if d <= 0 {
			return fmt.Errorf("bandsession: calibration timeout must be positive, got %s", d)
		}
		s.calibrationTimeout = d
		return nil
	}
}

// WithLogger sets the session logger.
func WithLogger(l logger.Logger) Cfg {
	return func(s *Session) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithOnChange sets the change callback.
func WithOnChange(f ChangeFunc) Cfg {
	return func(s *Session) error {
		s.onChange = f
		return nil
	}
}

// New creates a session for the device called name reading from source.
// Streams are not started; call Start.
func New(name string, source sensor.Source, cfgs ...Cfg) (*Session, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidName
	}
	if source == nil {
		return nil, errors.New("bandsession: nil sensor source")
	}

	s := &Session{
		id:                    uuid.New(),
		name:                  name,
		source:                source,
		logger:                logger.NewNopLogger(),
		liveBufferSize:        DefaultLiveBufferSize,
		calibrationBufferSize: DefaultCalibrationBufferSize,
		sampleInterval:        DefaultSampleInterval,
		calibrationTimeout:    DefaultCalibrationTimeout,
		buffers:               make(map[sensor.Channel]*samplebuffer.SampleBuffer),
		readings:              make(map[sensor.Channel]*atomic.Int64),
		done:                  make(chan struct{}),
	}
	for _, cfg := range cfgs {
		if err := cfg(s); err != nil {
			return nil, fmt.Errorf("apply Session cfg failed: %w", err)
		}
	}

	s.logger = s.logger.With(
		logger.Field{Key: "session", Value: s.name},
		logger.Field{Key: "session_id", Value: s.id.String()},
	)
	for _, ch := range sensor.Channels {
		s.buffers[ch] = samplebuffer.NewSampleBuffer(s.liveBufferSize)
		s.readings[ch] = &atomic.Int64{}
	}

	return s, nil
}

// ID returns the unique instance id of the session.
func (s *Session) ID() uuid.UUID { return s.id }

// Name returns the device name; it is the session's key.
func (s *Session) Name() string { return s.name }

// LiveBufferSize returns the configured live window size.
func (s *Session) LiveBufferSize() int { return s.liveBufferSize }

// CalibrationBufferSize returns the configured calibration window size.
func (s *Session) CalibrationBufferSize() int { return s.calibrationBufferSize }

// Buffer returns the rolling buffer of ch.
func (s *Session) Buffer(ch sensor.Channel) *samplebuffer.SampleBuffer {
	return s.buffers[ch]
}

// Reading returns the latest instantaneous reading of ch.
func (s *Session) Reading(ch sensor.Channel) int {
	r, ok := s.readings[ch]
	if !ok {
		return 0
	}
	return int(r.Load())
}

// Average returns the live buffer average of ch; ok is false when the
// buffer is still empty.
func (s *Session) Average(ch sensor.Channel) (int, bool) {
	b, ok := s.buffers[ch]
	if !ok {
		return 0, false
	}
	return b.Average()
}

// IsReading reports whether the device streams are started.
func (s *Session) IsReading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading
}

// Start subscribes to both channels and starts sampling. Calling Start on a
// started session does nothing, so a channel is never subscribed twice.
// Source failures are logged and otherwise ignored.
//
// Returns:
//   - ErrClosed if the session has been closed
func (s *Session) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.reading {
		s.mu.Unlock()
		s.logger.Debug("sensor streams already started")
		return nil
	}
	s.reading = true
	s.mu.Unlock()

	for _, ch := range sensor.Channels {
		if err := s.source.Subscribe(ch, s.handler(ch)); err != nil {
			s.logger.Warn("subscribe failed", logger.Field{Key: "channel", Value: ch.String()}, logger.Err(err))
		}
		if err := s.source.StartSampling(ch, s.sampleInterval); err != nil {
			s.logger.Warn("start sampling failed", logger.Field{Key: "channel", Value: ch.String()}, logger.Err(err))
		}
	}

	s.logger.Debug("started reading sensor data")
	s.emit(Event{Kind: StreamsStarted})
	return nil
}

// Stop stops sampling and unsubscribes both channels. It is best-effort:
// failures, including stopping a channel that is not active, are logged and
// swallowed.
func (s *Session) Stop() {
	s.mu.Lock()
	wasReading := s.reading
	s.reading = false
	s.mu.Unlock()

	if !wasReading {
		s.logger.Debug("sensor streams already stopped")
		return
	}

	for _, ch := range sensor.Channels {
		if err := s.source.StopSampling(ch); err != nil {
			s.logger.Warn("stop sampling failed", logger.Field{Key: "channel", Value: ch.String()}, logger.Err(err))
		}
		if err := s.source.Unsubscribe(ch); err != nil {
			s.logger.Warn("unsubscribe failed", logger.Field{Key: "channel", Value: ch.String()}, logger.Err(err))
		}
	}

	s.logger.Debug("stopped reading sensor data")
	s.emit(Event{Kind: StreamsStopped})
}

// Close stops the streams and marks the session unusable. Safe to call
// multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.Stop()
	s.emit(Event{Kind: SessionClosed})
	return nil
}

func (s *Session) handler(ch sensor.Channel) sensor.ReadingHandler {
	return func(value int) {
		s.readings[ch].Store(int64(value))
		s.buffers[ch].Add(value)
		s.emit(Event{Kind: ReadingChanged, Channel: ch})
	}
}

func (s *Session) emit(ev Event) {
	if s.onChange == nil {
		return
	}

	ev.Session = s.name
	ev.HR = s.Reading(sensor.HeartRate)
	ev.GSR = s.Reading(sensor.SkinResponse)
	s.onChange(ev)
}
