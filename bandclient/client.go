// Package bandclient is a client for the bridge protocol. Each request
// opens a connection, sends one frame and waits for the single response
// frame the server writes before closing.
package bandclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cyberinferno/bandbridge/framecodec"
	"github.com/cyberinferno/bandbridge/logger"
	"github.com/cyberinferno/bandbridge/protocol"
)

var (
	ErrNoResponse         = errors.New("bandclient: connection closed without a response")
	ErrSessionNotFound    = errors.New("bandclient: no active session with that name")
	ErrSensorTimeout      = errors.New("bandclient: sensor timeout")
	ErrNoReference        = errors.New("bandclient: no reference: session not found or calibration did not complete")
	ErrUnexpectedResponse = errors.New("bandclient: unexpected response")
)

// Config holds configuration for the client.
type Config struct {
	// Address is the "host:port" of the bridge.
	Address string
	// ConnectionTimeout is the max duration for establishing a connection.
	ConnectionTimeout time.Duration
	// WriteTimeout is the max duration for sending a request; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout is the max duration to wait for the response; 0 means no
	// timeout. Calibration answers arrive only once the calibration window
	// has been sampled, so keep it above the server's calibration timeout.
	ReadTimeout time.Duration
	// MaxFrameSize bounds the response body length.
	MaxFrameSize int
	// ReadBufferSize is the size of each transport read.
	ReadBufferSize int
}

// DefaultConfig returns a Config with default values for the given address.
//
// Parameters:
//   - address: The "host:port" of the bridge
//
// Returns:
//   - A Config with defaults: ConnectionTimeout 10s, WriteTimeout 10s,
//     ReadTimeout 60s, MaxFrameSize 2048, ReadBufferSize 256.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		ConnectionTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		MaxFrameSize:      framecodec.DefaultMaxFrameSize,
		ReadBufferSize:    256,
	}
}

// Client sends requests to a bridge. It holds no connection between
// requests and is safe for concurrent use.
type Client struct {
	config Config
	logger logger.Logger
}

// NewClient creates a client. A nil logger uses a nop logger.
func NewClient(config Config, l logger.Logger) *Client {
	if l == nil {
		l = logger.NewNopLogger()
	}
	return &Client{config: config, logger: l}
}

// Do sends msg and returns the response.
//
// Parameters:
//   - ctx: Cancels the exchange; its deadline bounds the whole exchange
//   - msg: The request
//
// Returns:
//   - The decoded response
//   - ErrNoResponse if the server closed the connection without answering
//   - An error if dialing, sending, reading or decoding fails
func (c *Client) Do(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	body, err := protocol.Marshal(msg)
	if err != nil {
		return protocol.Message{}, err
	}
	frame, err := framecodec.Encode(body, c.config.MaxFrameSize)
	if err != nil {
		return protocol.Message{}, err
	}

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("dial %s: %w", c.config.Address, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.send(conn, frame); err != nil {
		return protocol.Message{}, c.ctxErr(ctx, fmt.Errorf("send request: %w", err))
	}

	resp, err := c.receive(conn)
	if err != nil {
		return protocol.Message{}, c.ctxErr(ctx, err)
	}

	c.logger.Debug("response received",
		logger.Field{Key: "code", Value: msg.Code.String()},
		logger.Field{Key: "response", Value: resp.Code.String()},
	)
	return resp, nil
}

func (c *Client) send(conn net.Conn, frame []byte) error {
	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := conn.Write(frame)
	return err
}

func (c *Client) receive(conn net.Conn) (protocol.Message, error) {
	if c.config.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
			return protocol.Message{}, err
		}
	}

	frames, err := framecodec.ReadFrame(conn, framecodec.NewDecoder(c.config.MaxFrameSize), c.config.ReadBufferSize)
	if errors.Is(err, io.EOF) {
		return protocol.Message{}, ErrNoResponse
	}
	if err != nil {
		return protocol.Message{}, fmt.Errorf("read response: %w", err)
	}

	return protocol.Unmarshal(frames[0])
}

// ctxErr prefers the context error when the context ended the exchange.
func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// ListSessions returns the names of the bridge's active sessions.
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	resp, err := c.Do(ctx, protocol.Message{Code: protocol.ShowListAsk})
	if err != nil {
		return nil, err
	}
	if resp.Code != protocol.ShowListAns {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Code)
	}

	names, _ := resp.Payload.(protocol.Names)
	return []string(names), nil
}

// GetData returns the live averages of the named session, heart rate first.
//
// Returns:
//   - ErrSessionNotFound if the bridge has no such session
func (c *Client) GetData(ctx context.Context, name string) (protocol.Readings, error) {
	resp, err := c.Do(ctx, protocol.Message{Code: protocol.GetDataAsk, Payload: protocol.Text(name)})
	if err != nil {
		return nil, err
	}
	return readingsOf(resp, protocol.GetDataAns)
}

// Calibrate asks the bridge to calibrate the named session and returns the
// reference readings, heart rate first. It blocks for the whole calibration
// window.
//
// Returns:
//   - ErrNoReference if the bridge has no such session or the calibration
//     ended without a result (session closed, cancelled); the wire does not
//     tell these apart
//   - ErrSensorTimeout if the sensor did not deliver enough samples in time
func (c *Client) Calibrate(ctx context.Context, name string) (protocol.Readings, error) {
	resp, err := c.Do(ctx, protocol.Message{Code: protocol.CalibAsk, Payload: protocol.Text(name)})
	if err != nil {
		return nil, err
	}
	if text, ok := resp.Name(); ok && resp.Code == protocol.CtrMsg && protocol.Text(text) == protocol.SensorTimeoutText {
		return nil, ErrSensorTimeout
	}
	readings, err := readingsOf(resp, protocol.CalibAns)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, ErrNoReference
	}
	return readings, err
}

func readingsOf(resp protocol.Message, want protocol.Code) (protocol.Readings, error) {
	if resp.Code != want {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Code)
	}
	if !resp.HasPayload() {
		return nil, ErrSessionNotFound
	}

	readings, ok := resp.Payload.(protocol.Readings)
	if !ok {
		return nil, fmt.Errorf("%w: payload of %s", ErrUnexpectedResponse, resp.Code)
	}
	return readings, nil
}
