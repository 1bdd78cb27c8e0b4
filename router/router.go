// Package router maps a decoded request to its response, reading from and,
// for calibration requests, commanding the active sensor session.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/bandbridge/bandsession"
	"github.com/cyberinferno/bandbridge/logger"
	"github.com/cyberinferno/bandbridge/perfmonitor"
	"github.com/cyberinferno/bandbridge/protocol"
	"github.com/cyberinferno/bandbridge/refcache"
	"github.com/cyberinferno/bandbridge/sensor"
)

// Session is the view of the active sensor session the router needs.
// *bandsession.Session implements it.
type Session interface {
	Name() string
	Average(ch sensor.Channel) (int, bool)
	Calibrate(ctx context.Context) (bandsession.Reference, error)
}

// Router answers requests. It holds no session state of its own and is safe
// for concurrent use.
type Router struct {
	logger logger.Logger
	refs   refcache.Cache
	reuse  time.Duration
}

// Cfg configures a Router.
type Cfg func(*Router) error

// WithLogger sets the router logger.
func WithLogger(l logger.Logger) Cfg {
	return func(r *Router) error {
		if l != nil {
			r.logger = l
		}
		return nil
	}
}

// WithReferenceCache routes calibrations through refs. References are
// reused for the reuse window; a window of zero still collapses concurrent
// calibrations of one session.
func WithReferenceCache(refs refcache.Cache, reuse time.Duration) Cfg {
	return func(r *Router) error {
		if reuse < 0 {
			return fmt.Errorf("router: negative calibration reuse window %s", reuse)
		}
		r.refs = refs
		r.reuse = reuse
		return nil
	}
}

// New creates a Router.
func New(cfgs ...Cfg) (*Router, error) {
	r := &Router{logger: logger.NewNopLogger()}
	for _, cfg := range cfgs {
		if err := cfg(r); err != nil {
			return nil, fmt.Errorf("apply Router cfg failed: %w", err)
		}
	}
	return r, nil
}

// Route returns the response to msg. sess is the active session, or nil
// when no device is bound. Route never fails: requests that cannot be
// served get a response without payload.
//
// Parameters:
//   - ctx: Bounds a calibration request
//   - sess: The active session, or nil
//   - msg: The decoded request
//
// Returns:
//   - The response message
func (r *Router) Route(ctx context.Context, sess Session, msg protocol.Message) protocol.Message {
	switch msg.Code {
	case protocol.ShowListAsk:
		return r.listSessions(sess)
	case protocol.GetDataAsk:
		return r.getData(sess, msg)
	case protocol.CalibAsk:
		return r.calibrate(ctx, sess, msg)
	default:
		r.logger.Debug("unroutable request", logger.Field{Key: "code", Value: msg.Code.String()})
		return protocol.Message{Code: protocol.CtrMsg}
	}
}

func (r *Router) listSessions(sess Session) protocol.Message {
	names := protocol.Names{}
	if sess != nil {
		names = append(names, sess.Name())
	}
	return protocol.Message{Code: protocol.ShowListAns, Payload: names}
}

func (r *Router) getData(sess Session, msg protocol.Message) protocol.Message {
	if !matches(sess, msg) {
		return protocol.Message{Code: protocol.GetDataAns}
	}

	hr, _ := sess.Average(sensor.HeartRate)
	gsr, _ := sess.Average(sensor.SkinResponse)
	return protocol.Message{Code: protocol.GetDataAns, Payload: readings(hr, gsr)}
}

func (r *Router) calibrate(ctx context.Context, sess Session, msg protocol.Message) protocol.Message {
	if !matches(sess, msg) {
		return protocol.Message{Code: protocol.CalibAns}
	}

	pm := perfmonitor.StartNew()
	ref, err := r.runCalibration(ctx, sess)
	pm.Stop()

	fields := []logger.Field{
		{Key: "session", Value: sess.Name()},
		{Key: "elapsed_ms", Value: pm.ElapsedMilliseconds()},
	}
	switch {
	case errors.Is(err, bandsession.ErrSensorTimeout):
		r.logger.Warn("calibration timed out", append(fields, logger.Err(err))...)
		return protocol.Message{Code: protocol.CtrMsg, Payload: protocol.SensorTimeoutText}
	case err != nil:
		r.logger.Warn("calibration failed", append(fields, logger.Err(err))...)
		return protocol.Message{Code: protocol.CalibAns}
	}

	r.logger.Info("calibration answered", append(fields,
		logger.Field{Key: "hr", Value: ref.HR},
		logger.Field{Key: "gsr", Value: ref.GSR},
	)...)
	return protocol.Message{Code: protocol.CalibAns, Payload: readings(ref.HR, ref.GSR)}
}

func (r *Router) runCalibration(ctx context.Context, sess Session) (bandsession.Reference, error) {
	if r.refs == nil {
		return sess.Calibrate(ctx)
	}
	return r.refs.GetOrCalibrate(ctx, sess.Name(), r.reuse, sess.Calibrate)
}

// matches reports whether msg names the active session.
func matches(sess Session, msg protocol.Message) bool {
	if sess == nil {
		return false
	}
	name, ok := msg.Name()
	return ok && name == sess.Name()
}

func readings(hr, gsr int) protocol.Readings {
	return protocol.Readings{
		{Code: protocol.SensorHR, Value: hr},
		{Code: protocol.SensorGSR, Value: gsr},
	}
}
