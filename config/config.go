// Package config holds the bridge settings: defaults, the TOML settings
// file and the text fields an operator edits (port and buffer sizes).
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cyberinferno/bandbridge/logger"
)

const (
	DefaultHost                  = "0.0.0.0"
	DefaultPort                  = 2055
	DefaultMaxFrameSize          = 2048
	DefaultReadChunkSize         = 256
	DefaultLiveBufferSize        = 16
	DefaultCalibrationBufferSize = 200
	DefaultSampleInterval        = 16 * time.Millisecond
	DefaultCalibrationTimeout    = 30 * time.Second
	DefaultReadTimeout           = 30 * time.Second
	DefaultWriteTimeout          = 10 * time.Second
	DefaultDeviceName            = "band_0"

	CacheMemory = "memory"
	CacheRedis  = "redis"
)

var ErrInvalidValue = errors.New("invalid value")

// FieldError reports an invalid setting.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...any) error {
	return &FieldError{Field: field, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalidValue}, args...)...)}
}

// Settings is the full bridge configuration.
type Settings struct {
	Host          string
	Port          int
	MaxFrameSize  int
	ReadChunkSize int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration

	DeviceName            string
	LiveBufferSize        int
	CalibrationBufferSize int
	SampleInterval        time.Duration
	CalibrationTimeout    time.Duration
	CalibrationReuse      time.Duration
	SyntheticSeed         int64

	CacheBackend   string
	RedisAddress   string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	LogLevel string
	LogDir   string
}

// Default returns the settings the bridge runs with when nothing is
// configured.
func Default() Settings {
	return Settings{
		Host:                  DefaultHost,
		Port:                  DefaultPort,
		MaxFrameSize:          DefaultMaxFrameSize,
		ReadChunkSize:         DefaultReadChunkSize,
		ReadTimeout:           DefaultReadTimeout,
		WriteTimeout:          DefaultWriteTimeout,
		DeviceName:            DefaultDeviceName,
		LiveBufferSize:        DefaultLiveBufferSize,
		CalibrationBufferSize: DefaultCalibrationBufferSize,
		SampleInterval:        DefaultSampleInterval,
		CalibrationTimeout:    DefaultCalibrationTimeout,
		SyntheticSeed:         1,
		CacheBackend:          CacheMemory,
		RedisAddress:          "localhost:6379",
		LogLevel:              "info",
	}
}

// Address returns the listen address built from Host and Port.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Validate checks every setting and returns the first invalid one as a
// *FieldError. Port 0 binds an ephemeral port.
func (s Settings) Validate() error {
	switch {
	case s.Port < 0 || s.Port > 65535:
		return invalid("port", "%d out of range 0-65535", s.Port)
	case s.MaxFrameSize < 1:
		return invalid("max_frame_size", "%d must be positive", s.MaxFrameSize)
	case s.ReadChunkSize < 1:
		return invalid("read_chunk_size", "%d must be positive", s.ReadChunkSize)
	case s.ReadTimeout < 0:
		return invalid("read_timeout", "%s is negative", s.ReadTimeout)
	case s.WriteTimeout < 0:
		return invalid("write_timeout", "%s is negative", s.WriteTimeout)
	case strings.TrimSpace(s.DeviceName) == "":
		return invalid("device_name", "empty")
	case s.LiveBufferSize < 1:
		return invalid("live_buffer_size", "%d must be at least 1", s.LiveBufferSize)
	case s.CalibrationBufferSize < 1:
		return invalid("calibration_buffer_size", "%d must be at least 1", s.CalibrationBufferSize)
	case s.SampleInterval < 0:
		return invalid("sample_interval", "%s is negative", s.SampleInterval)
	case s.CalibrationTimeout <= 0:
		return invalid("calibration_timeout", "%s must be positive", s.CalibrationTimeout)
	case s.CalibrationReuse < 0:
		return invalid("calibration_reuse", "%s is negative", s.CalibrationReuse)
	case s.CacheBackend != CacheMemory && s.CacheBackend != CacheRedis:
		return invalid("cache_backend", "%q is not %q or %q", s.CacheBackend, CacheMemory, CacheRedis)
	case s.CacheBackend == CacheRedis && strings.TrimSpace(s.RedisAddress) == "":
		return invalid("redis_address", "required for the redis cache backend")
	}

	if _, err := logger.ParseLevel(s.LogLevel); err != nil {
		return &FieldError{Field: "log_level", Err: err}
	}

	return nil
}

// TextSettings are the operator-editable settings.
type TextSettings struct {
	Port                  int
	LiveBufferSize        int
	CalibrationBufferSize int
}

// ParseText parses the operator text fields. Each value is trimmed and
// parsed as a base-10 integer.
//
// Parameters:
//   - port: Listen port, 1-65535
//   - liveBufferSize: Live window size, at least 1
//   - calibrationBufferSize: Calibration window size, at least 1
//
// Returns:
//   - The parsed settings
//   - A *FieldError naming the first invalid field
func ParseText(port, liveBufferSize, calibrationBufferSize string) (TextSettings, error) {
	var ts TextSettings
	var err error

	if ts.Port, err = parseInt("port", port); err != nil {
		return TextSettings{}, err
	}
	if ts.Port < 1 || ts.Port > 65535 {
		return TextSettings{}, invalid("port", "%d out of range 1-65535", ts.Port)
	}

	if ts.LiveBufferSize, err = parseInt("live_buffer_size", liveBufferSize); err != nil {
		return TextSettings{}, err
	}
	if ts.LiveBufferSize < 1 {
		return TextSettings{}, invalid("live_buffer_size", "%d must be at least 1", ts.LiveBufferSize)
	}

	if ts.CalibrationBufferSize, err = parseInt("calibration_buffer_size", calibrationBufferSize); err != nil {
		return TextSettings{}, err
	}
	if ts.CalibrationBufferSize < 1 {
		return TextSettings{}, invalid("calibration_buffer_size", "%d must be at least 1", ts.CalibrationBufferSize)
	}

	return ts, nil
}

// Apply returns s with the text settings applied.
func (s Settings) Apply(ts TextSettings) Settings {
	s.Port = ts.Port
	s.LiveBufferSize = ts.LiveBufferSize
	s.CalibrationBufferSize = ts.CalibrationBufferSize
	return s
}

func parseInt(field, text string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0, invalid(field, "%q is not an integer", text)
	}
	return v, nil
}
