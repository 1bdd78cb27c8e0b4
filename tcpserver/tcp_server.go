// Package tcpserver serves the bridge protocol over TCP. Connections are
// handled one at a time: one request frame is read, routed against the
// bound sensor session, answered with one response frame, and the
// connection is closed before the next one is accepted.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/bandbridge/bandsession"
	"github.com/cyberinferno/bandbridge/framecodec"
	"github.com/cyberinferno/bandbridge/logger"
	"github.com/cyberinferno/bandbridge/perfmonitor"
	"github.com/cyberinferno/bandbridge/protocol"
	"github.com/cyberinferno/bandbridge/router"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

var (
	ErrAlreadyRunning = errors.New("tcpserver: already running")
	ErrNilRouter      = errors.New("tcpserver: nil router")
)

// State is the position of the server in its accept cycle.
type State int

const (
	Idle State = iota
	Listening
	AwaitingConnection
	Receiving
	Responding
	Closed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Listening:
		return "Listening"
	case AwaitingConnection:
		return "AwaitingConnection"
	case Receiving:
		return "Receiving"
	case Responding:
		return "Responding"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Config holds the listen cycle settings of the server.
type Config struct {
	// Name is used in log messages.
	Name string
	// Address is the "host:port" to listen on.
	Address string
	// MaxFrameSize bounds the declared body length of a request frame.
	MaxFrameSize int
	// ReadChunkSize is the size of each transport read.
	ReadChunkSize int
	// ReadTimeout bounds the wait for a complete request; 0 means no timeout.
	ReadTimeout time.Duration
	// WriteTimeout bounds writing the response; 0 means no timeout.
	WriteTimeout time.Duration
	// LiveBufferSize is the capacity restored after a calibration; 0 keeps
	// the bound session's own size.
	LiveBufferSize int
	// CalibrationBufferSize is the number of samples a calibration averages;
	// 0 keeps the bound session's own size.
	CalibrationBufferSize int
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The "host:port" to listen on
//
// Returns:
//   - A Config with defaults: MaxFrameSize 2048, ReadChunkSize 256,
//     ReadTimeout 30s, WriteTimeout 10s, session buffer sizes.
func DefaultConfig(address string) Config {
	return Config{
		Name:          "bandbridge",
		Address:       address,
		MaxFrameSize:  framecodec.DefaultMaxFrameSize,
		ReadChunkSize: 256,
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

// Server is the connection server. It owns the active sensor session; the
// router only reads and commands it. It is safe for concurrent use.
type Server struct {
	logger logger.Logger
	router *router.Router

	mu       sync.Mutex
	config   Config
	listener net.Listener
	done     chan struct{}
	state    State

	running atomic.Bool
	session atomic.Pointer[bandsession.Session]
	connIDs atomic.Uint32
}

// NewServer creates a stopped server.
//
// Parameters:
//   - config: Listen cycle settings (e.g. from DefaultConfig)
//   - r: Router answering requests
//   - l: Logger; nil uses a nop logger
//
// Returns:
//   - A new *Server, or ErrNilRouter
func NewServer(config Config, r *router.Router, l logger.Logger) (*Server, error) {
	if r == nil {
		return nil, ErrNilRouter
	}
	if l == nil {
		l = logger.NewNopLogger()
	}

	return &Server{
		logger: l,
		router: r,
		config: config,
		state:  Idle,
	}, nil
}

// Reconfigure replaces the listen cycle settings. Only a stopped server can
// be reconfigured; the settings apply from the next Start.
func (s *Server) Reconfigure(config Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return ErrAlreadyRunning
	}
	s.config = config
	return nil
}

// Config returns the current listen cycle settings.
func (s *Server) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Start binds the configured address and runs the accept loop in a
// goroutine. A bind failure is the one error of the server reported to the
// operator.
//
// Returns:
//   - ErrAlreadyRunning if the server is running
//   - An error wrapping the listen failure
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		s.logger.Error("server already running")
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		s.logger.Error("server failed to start", logger.Err(err), logger.Field{Key: "addr", Value: s.config.Address})
		return fmt.Errorf("server %s failed to start: %w", s.config.Name, err)
	}

	s.listener = ln
	s.done = make(chan struct{})
	s.state = Listening
	s.running.Store(true)

	s.logger.Info(fmt.Sprintf("%s server started", s.config.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})
	go s.acceptLoop(ln, s.config, s.done)

	return nil
}

// Stop closes the listener and waits for the accept loop to exit. A
// connection already accepted is served to the end, so Stop can wait for a
// running calibration. The bound session is kept for the next Start. Safe to
// call when the server is not running.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		s.logger.Debug(fmt.Sprintf("%s server not running", s.config.Name))
		return
	}

	s.running.Store(false)
	_ = s.listener.Close()
	done := s.done
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	s.listener = nil
	s.state = Idle
	s.mu.Unlock()

	s.logger.Info(fmt.Sprintf("%s server stopped", s.config.Name))
}

// IsRunning reports whether the server is listening.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// State returns the current position in the accept cycle.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Bind makes sess the active session. A previously bound session is closed
// and returned so the caller can release what it keyed on it. Binding nil
// is Unbind.
func (s *Server) Bind(sess *bandsession.Session) *bandsession.Session {
	if sess == nil {
		return s.Unbind()
	}

	prev := s.session.Swap(sess)
	if prev != nil && prev != sess {
		_ = prev.Close()
		s.logger.Info("session replaced",
			logger.Field{Key: "session", Value: sess.Name()},
			logger.Field{Key: "previous", Value: prev.Name()},
		)
		return prev
	}

	s.logger.Info("session bound", logger.Field{Key: "session", Value: sess.Name()})
	return nil
}

// Unbind closes and removes the active session, returning it. It returns
// nil when no session was bound.
func (s *Server) Unbind() *bandsession.Session {
	prev := s.session.Swap(nil)
	if prev != nil {
		_ = prev.Close()
		s.logger.Info("session unbound", logger.Field{Key: "session", Value: prev.Name()})
	}
	return prev
}

// Session returns the active session, or nil.
func (s *Server) Session() *bandsession.Session {
	return s.session.Load()
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ln net.Listener, config Config, done chan struct{}) {
	defer close(done)
	defer s.setState(Closed)

	var backoff time.Duration
	for s.running.Load() {
		s.setState(AwaitingConnection)
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}

			backoff = nextBackoff(backoff)
			s.logger.Error(fmt.Sprintf("%s server accept error", config.Name),
				logger.Err(err),
				logger.Field{Key: "retry_in", Value: backoff.String()},
			)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.running.Load() {
			_ = conn.Close()
			return
		}
		s.handle(conn, config)
	}
}

// nextBackoff doubles the wait after a failed Accept, from minAcceptBackoff
// up to maxAcceptBackoff.
func nextBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptBackoff
	}
	if next := prev * 2; next < maxAcceptBackoff {
		return next
	}
	return maxAcceptBackoff
}

// handle serves one request on conn and closes it.
func (s *Server) handle(conn net.Conn, config Config) {
	id := s.connIDs.Add(1)
	log := s.logger.With(
		logger.Field{Key: "conn_id", Value: id},
		logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
	)
	pm := perfmonitor.StartNew()

	defer func() {
		if err := conn.Close(); err != nil && s.running.Load() {
			log.Debug("close failed", logger.Err(err))
		}
	}()

	s.setState(Receiving)
	log.Debug("connection accepted")

	if config.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(config.ReadTimeout)); err != nil {
			log.Warn("set read deadline failed", logger.Err(err))
			return
		}
	}

	decoder := framecodec.NewDecoder(config.MaxFrameSize)
	frames, err := framecodec.ReadFrame(conn, decoder, config.ReadChunkSize)
	if err != nil {
		switch {
		case errors.Is(err, framecodec.ErrFrameTooLarge):
			log.Warn("protocol violation, closing connection", logger.Err(err))
		case errors.Is(err, io.EOF):
			log.Debug("connection closed before a request arrived")
		default:
			if s.running.Load() {
				log.Warn("read failed", logger.Err(err))
			}
		}
		return
	}
	if len(frames) > 1 {
		log.Debug("ignoring pipelined frames", logger.Field{Key: "count", Value: len(frames) - 1})
	}

	req, err := protocol.Unmarshal(frames[0])
	if err != nil {
		log.Warn("protocol error, closing connection", logger.Err(err))
		return
	}

	// A nil *Session must reach the router as a nil interface.
	var sess router.Session
	if active := s.session.Load(); active != nil {
		sess = sized(active, config)
	}
	resp := s.router.Route(context.Background(), sess, req)

	s.setState(Responding)
	if err := s.respond(conn, resp, config); err != nil {
		log.Warn("send failed", logger.Err(err), logger.Field{Key: "code", Value: resp.Code.String()})
		return
	}

	pm.Stop()
	log.Info("request served",
		logger.Field{Key: "code", Value: req.Code.String()},
		logger.Field{Key: "response", Value: resp.Code.String()},
		logger.Field{Key: "elapsed_ms", Value: pm.ElapsedMilliseconds()},
	)
}

func (s *Server) respond(conn net.Conn, resp protocol.Message, config Config) error {
	body, err := protocol.Marshal(resp)
	if err != nil {
		return err
	}

	frame, err := framecodec.Encode(body, config.MaxFrameSize)
	if err != nil {
		return err
	}

	if config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout)); err != nil {
			return err
		}
	}

	_, err = conn.Write(frame)
	return err
}

// sizedSession calibrates with the buffer sizes of the listen cycle that
// accepted the request.
type sizedSession struct {
	*bandsession.Session
	live        int
	calibration int
}

func sized(sess *bandsession.Session, config Config) router.Session {
	live, calibration := config.LiveBufferSize, config.CalibrationBufferSize
	if live <= 0 {
		live = sess.LiveBufferSize()
	}
	if calibration <= 0 {
		calibration = sess.CalibrationBufferSize()
	}
	return sizedSession{Session: sess, live: live, calibration: calibration}
}

// Calibrate implements router.Session.
func (s sizedSession) Calibrate(ctx context.Context) (bandsession.Reference, error) {
	return s.CalibrateSizes(ctx, s.live, s.calibration)
}
