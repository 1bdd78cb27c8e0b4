// Package bridge is the operational surface of the service: it owns the
// connection server, binds band devices to it, stages settings changes
// until the next listen cycle and fans session changes out to listeners.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/bandbridge/bandsession"
	"github.com/cyberinferno/bandbridge/config"
	"github.com/cyberinferno/bandbridge/logger"
	"github.com/cyberinferno/bandbridge/refcache"
	"github.com/cyberinferno/bandbridge/router"
	"github.com/cyberinferno/bandbridge/sensor"
	"github.com/cyberinferno/bandbridge/tcpserver"
)

var ErrNilSource = errors.New("bridge: nil sensor source")

// Bridge is safe for concurrent use.
type Bridge struct {
	logger logger.Logger
	refs   refcache.Cache
	server *tcpserver.Server

	mu      sync.Mutex
	staged  config.Settings
	applied config.Settings

	listenersMu sync.RWMutex
	listeners   []bandsession.ChangeFunc
}

// Cfg configures a Bridge.
type Cfg func(*Bridge) error

// WithLogger sets the bridge logger; the server, router and sessions log
// through it.
func WithLogger(l logger.Logger) Cfg {
	return func(b *Bridge) error {
		if l != nil {
			b.logger = l
		}
		return nil
	}
}

// WithReferenceCache sets the calibration reference store. Without it an
// in-memory store is used.
func WithReferenceCache(refs refcache.Cache) Cfg {
	return func(b *Bridge) error {
		if refs == nil {
			return errors.New("bridge: nil reference cache")
		}
		b.refs = refs
		return nil
	}
}

// WithListener registers a session change listener.
func WithListener(f bandsession.ChangeFunc) Cfg {
	return func(b *Bridge) error {
		b.AddListener(f)
		return nil
	}
}

// New creates a stopped bridge with settings staged for the first Start.
// The calibration reuse window is fixed for the life of the bridge.
func New(settings config.Settings, cfgs ...Cfg) (*Bridge, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	b := &Bridge{
		logger:  logger.NewNopLogger(),
		staged:  settings,
		applied: settings,
	}
	for _, cfg := range cfgs {
		if err := cfg(b); err != nil {
			return nil, fmt.Errorf("apply Bridge cfg failed: %w", err)
		}
	}
	if b.refs == nil {
		b.refs = refcache.NewMemoryCache(time.Minute)
	}

	r, err := router.New(
		router.WithLogger(b.logger),
		router.WithReferenceCache(b.refs, settings.CalibrationReuse),
	)
	if err != nil {
		return nil, err
	}

	b.server, err = tcpserver.NewServer(serverConfig(settings), r, b.logger)
	if err != nil {
		return nil, err
	}

	return b, nil
}

func serverConfig(s config.Settings) tcpserver.Config {
	cfg := tcpserver.DefaultConfig(s.Address())
	cfg.MaxFrameSize = s.MaxFrameSize
	cfg.ReadChunkSize = s.ReadChunkSize
	cfg.ReadTimeout = s.ReadTimeout
	cfg.WriteTimeout = s.WriteTimeout
	cfg.LiveBufferSize = s.LiveBufferSize
	cfg.CalibrationBufferSize = s.CalibrationBufferSize
	return cfg
}

// Settings returns the staged settings, which the next Start applies.
func (b *Bridge) Settings() config.Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.staged
}

// ActiveSettings returns the settings of the current or last listen cycle.
func (b *Bridge) ActiveSettings() config.Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applied
}

// UpdateSettings stages the operator text fields. Nothing changes until the
// next Start; a running server and a bound session keep their settings.
//
// Returns:
//   - A *config.FieldError naming the first invalid field
func (b *Bridge) UpdateSettings(port, liveBufferSize, calibrationBufferSize string) error {
	ts, err := config.ParseText(port, liveBufferSize, calibrationBufferSize)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.staged = b.staged.Apply(ts)
	b.mu.Unlock()

	b.logger.Info("settings staged for next start",
		logger.Field{Key: "port", Value: ts.Port},
		logger.Field{Key: "live_buffer_size", Value: ts.LiveBufferSize},
		logger.Field{Key: "calibration_buffer_size", Value: ts.CalibrationBufferSize},
	)
	return nil
}

// Start applies the staged settings and starts listening.
//
// Returns:
//   - tcpserver.ErrAlreadyRunning if already listening
//   - The bind error, which the operator must see
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.server.IsRunning() {
		return tcpserver.ErrAlreadyRunning
	}
	if err := b.server.Reconfigure(serverConfig(b.staged)); err != nil {
		return err
	}
	if err := b.server.Start(); err != nil {
		return err
	}

	b.applied = b.staged
	return nil
}

// Stop stops listening. A bound device stays bound.
func (b *Bridge) Stop() {
	b.server.Stop()
}

// IsRunning reports whether the bridge is listening.
func (b *Bridge) IsRunning() bool {
	return b.server.IsRunning()
}

// Addr returns the listen address, or nil when stopped.
func (b *Bridge) Addr() net.Addr {
	return b.server.Addr()
}

// Session returns the bound session, or nil.
func (b *Bridge) Session() *bandsession.Session {
	return b.server.Session()
}

// BindDevice creates a session for the device called name, starts its
// streams and makes it the active session. A previously bound device is
// stopped and its cached calibration forgotten. The session starts with the
// buffer sizes of the last applied settings; calibrations always use the
// sizes of the current listen cycle.
//
// Returns:
//   - The new session
//   - An error if the session cannot be created
func (b *Bridge) BindDevice(name string, src sensor.Source) (*bandsession.Session, error) {
	if src == nil {
		return nil, ErrNilSource
	}

	settings := b.ActiveSettings()
	sess, err := bandsession.New(name, src,
		bandsession.WithLiveBufferSize(settings.LiveBufferSize),
		bandsession.WithCalibrationBufferSize(settings.CalibrationBufferSize),
		bandsession.WithSampleInterval(settings.SampleInterval),
		bandsession.WithCalibrationTimeout(settings.CalibrationTimeout),
		bandsession.WithLogger(b.logger),
		bandsession.WithOnChange(b.notify),
	)
	if err != nil {
		return nil, err
	}

	if err := sess.Start(); err != nil {
		return nil, err
	}

	b.forget(name)
	if prev := b.server.Bind(sess); prev != nil {
		b.forget(prev.Name())
	}

	return sess, nil
}

// UnbindDevice stops and removes the bound session. It reports whether a
// session was bound.
func (b *Bridge) UnbindDevice() bool {
	prev := b.server.Unbind()
	if prev == nil {
		return false
	}

	b.forget(prev.Name())
	return true
}

// Close stops listening and unbinds the device.
func (b *Bridge) Close() error {
	b.Stop()
	b.UnbindDevice()
	return nil
}

// AddListener registers f for session change events. Listeners run on the
// goroutine delivering the change and must not block.
func (b *Bridge) AddListener(f bandsession.ChangeFunc) {
	if f == nil {
		return
	}

	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	b.listeners = append(b.listeners, f)
}

func (b *Bridge) notify(ev bandsession.Event) {
	b.listenersMu.RLock()
	listeners := b.listeners
	b.listenersMu.RUnlock()

	for _, f := range listeners {
		f(ev)
	}
}

func (b *Bridge) forget(name string) {
	if err := b.refs.Forget(context.Background(), name); err != nil {
		b.logger.Warn("forget calibration reference failed", logger.Field{Key: "session", Value: name}, logger.Err(err))
	}
}
