package tcpserver

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cyberinferno/bandbridge/bandsession"
	"github.com/cyberinferno/bandbridge/framecodec"
	"github.com/cyberinferno/bandbridge/protocol"
	"github.com/cyberinferno/bandbridge/router"
	"github.com/cyberinferno/bandbridge/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) *Server {
	t.Helper()

	r, err := router.New()
	require.NoError(t, err)

	cfg := DefaultConfig("127.0.0.1:0")
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second

	s, err := NewServer(cfg, r, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	return s
}

func bindSession(t *testing.T, s *Server, cfgs ...bandsession.Cfg) (*bandsession.Session, *sensor.Synthetic) {
	t.Helper()

	src := sensor.NewSynthetic(nil)
	t.Cleanup(func() { _ = src.Close() })

	sess, err := bandsession.New("band_0", src, cfgs...)
	require.NoError(t, err)
	require.NoError(t, sess.Start())
	s.Bind(sess)

	return sess, src
}

func encodeRequest(t *testing.T, msg protocol.Message) []byte {
	t.Helper()

	body, err := protocol.Marshal(msg)
	require.NoError(t, err)
	frame, err := framecodec.Encode(body, framecodec.DefaultMaxFrameSize)
	require.NoError(t, err)
	return frame
}

// roundTrip writes raw to the server and returns everything it sends back
// before closing the connection.
func roundTrip(t *testing.T, s *Server, raw ...[]byte) []byte {
	t.Helper()

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	for _, part := range raw {
		_, err := conn.Write(part)
		require.NoError(t, err)
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	data, _ := io.ReadAll(conn)
	return data
}

func exchange(t *testing.T, s *Server, msg protocol.Message) protocol.Message {
	t.Helper()

	data := roundTrip(t, s, encodeRequest(t, msg))
	frames, err := framecodec.NewDecoder(0).Feed(data)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	resp, err := protocol.Unmarshal(frames[0])
	require.NoError(t, err)
	return resp
}

func TestServer_StartStop(t *testing.T) {
	t.Run("rejects a nil router", func(t *testing.T) {
		_, err := NewServer(DefaultConfig("127.0.0.1:0"), nil, nil)
		assert.ErrorIs(t, err, ErrNilRouter)
	})

	t.Run("second start fails while running", func(t *testing.T) {
		s := startServer(t)

		assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)
		assert.ErrorIs(t, s.Reconfigure(DefaultConfig("127.0.0.1:0")), ErrAlreadyRunning)
	})

	t.Run("bind failure is reported", func(t *testing.T) {
		s := startServer(t)

		r, err := router.New()
		require.NoError(t, err)
		other, err := NewServer(DefaultConfig(s.Addr().String()), r, nil)
		require.NoError(t, err)

		assert.Error(t, other.Start())
		assert.False(t, other.IsRunning())
	})

	t.Run("stop is safe when not running", func(t *testing.T) {
		r, err := router.New()
		require.NoError(t, err)
		s, err := NewServer(DefaultConfig("127.0.0.1:0"), r, nil)
		require.NoError(t, err)

		assert.NotPanics(t, s.Stop)
		assert.Equal(t, Idle, s.State())
		assert.Nil(t, s.Addr())
	})

	t.Run("restarts with new settings after stop", func(t *testing.T) {
		s := startServer(t)
		s.Stop()
		assert.False(t, s.IsRunning())
		assert.Nil(t, s.Addr())

		cfg := DefaultConfig("127.0.0.1:0")
		cfg.Name = "restarted"
		require.NoError(t, s.Reconfigure(cfg))
		require.NoError(t, s.Start())

		assert.Equal(t, "restarted", s.Config().Name)
		resp := exchange(t, s, protocol.Message{Code: protocol.ShowListAsk})
		assert.Equal(t, protocol.ShowListAns, resp.Code)
	})

	t.Run("session survives a restart", func(t *testing.T) {
		s := startServer(t)
		sess, _ := bindSession(t, s)

		s.Stop()
		require.NoError(t, s.Start())

		assert.Same(t, sess, s.Session())
		resp := exchange(t, s, protocol.Message{Code: protocol.ShowListAsk})
		assert.Equal(t, protocol.Names{"band_0"}, resp.Payload)
	})
}

func TestServer_ShowList(t *testing.T) {
	t.Run("no session answers an empty list", func(t *testing.T) {
		s := startServer(t)

		resp := exchange(t, s, protocol.Message{Code: protocol.ShowListAsk})

		assert.Equal(t, protocol.ShowListAns, resp.Code)
		assert.Equal(t, protocol.Names{}, resp.Payload)
	})

	t.Run("bound session is listed", func(t *testing.T) {
		s := startServer(t)
		bindSession(t, s)

		resp := exchange(t, s, protocol.Message{Code: protocol.ShowListAsk})

		assert.Equal(t, protocol.ShowListAns, resp.Code)
		assert.Equal(t, protocol.Names{"band_0"}, resp.Payload)
	})

	t.Run("unbound session is gone", func(t *testing.T) {
		s := startServer(t)
		sess, src := bindSession(t, s)

		assert.Same(t, sess, s.Unbind())
		assert.Nil(t, s.Unbind())
		assert.False(t, src.IsSampling(sensor.HeartRate))

		resp := exchange(t, s, protocol.Message{Code: protocol.ShowListAsk})
		assert.Equal(t, protocol.Names{}, resp.Payload)
	})
}

func TestServer_GetData(t *testing.T) {
	s := startServer(t)
	_, src := bindSession(t, s, bandsession.WithLiveBufferSize(4))

	for _, v := range []int{70, 72, 74, 76} {
		src.Emit(sensor.HeartRate, v)
	}
	src.Emit(sensor.SkinResponse, 250)

	t.Run("matching name answers live averages", func(t *testing.T) {
		resp := exchange(t, s, protocol.Message{Code: protocol.GetDataAsk, Payload: protocol.Text("band_0")})

		assert.Equal(t, protocol.GetDataAns, resp.Code)
		assert.Equal(t, protocol.Readings{
			{Code: protocol.SensorHR, Value: 73},
			{Code: protocol.SensorGSR, Value: 250},
		}, resp.Payload)
	})

	t.Run("unknown name answers without payload", func(t *testing.T) {
		resp := exchange(t, s, protocol.Message{Code: protocol.GetDataAsk, Payload: protocol.Text("band_7")})

		assert.Equal(t, protocol.GetDataAns, resp.Code)
		assert.False(t, resp.HasPayload())
	})
}

func TestServer_Calibrate(t *testing.T) {
	s := startServer(t)
	sess, src := bindSession(t, s,
		bandsession.WithLiveBufferSize(16),
		bandsession.WithCalibrationBufferSize(5),
		bandsession.WithCalibrationTimeout(3*time.Second),
	)

	done := make(chan protocol.Message, 1)
	go func() {
		done <- exchange(t, s, protocol.Message{Code: protocol.CalibAsk, Payload: protocol.Text("band_0")})
	}()

	require.Eventually(t, func() bool {
		return sess.Buffer(sensor.HeartRate).Cap() == 5 &&
			src.IsSampling(sensor.HeartRate) &&
			src.IsSampling(sensor.SkinResponse)
	}, 3*time.Second, time.Millisecond)

	for _, v := range []int{400, 410, 420, 430, 440} {
		require.True(t, src.Emit(sensor.SkinResponse, v))
	}
	for _, v := range []int{80, 82, 84, 86, 88} {
		require.True(t, src.Emit(sensor.HeartRate, v))
	}

	select {
	case resp := <-done:
		assert.Equal(t, protocol.CalibAns, resp.Code)
		assert.Equal(t, protocol.Readings{
			{Code: protocol.SensorHR, Value: 84},
			{Code: protocol.SensorGSR, Value: 420},
		}, resp.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no calibration response")
	}

	assert.Equal(t, 16, sess.Buffer(sensor.HeartRate).Cap())
	assert.Equal(t, 16, sess.Buffer(sensor.SkinResponse).Cap())
}

func TestServer_CalibrateTimeout(t *testing.T) {
	s := startServer(t)
	bindSession(t, s,
		bandsession.WithCalibrationBufferSize(5),
		bandsession.WithCalibrationTimeout(50*time.Millisecond),
	)

	resp := exchange(t, s, protocol.Message{Code: protocol.CalibAsk, Payload: protocol.Text("band_0")})

	assert.Equal(t, protocol.CtrMsg, resp.Code)
	assert.Equal(t, protocol.SensorTimeoutText, resp.Payload)
}

func TestServer_Framing(t *testing.T) {
	t.Run("oversized frame closes the connection without a response", func(t *testing.T) {
		s := startServer(t)

		prefix := make([]byte, framecodec.PrefixLen)
		binary.LittleEndian.PutUint32(prefix, 5000)

		data := roundTrip(t, s, prefix, make([]byte, 16))
		assert.Empty(t, data)

		resp := exchange(t, s, protocol.Message{Code: protocol.ShowListAsk})
		assert.Equal(t, protocol.ShowListAns, resp.Code)
	})

	t.Run("malformed body closes the connection without a response", func(t *testing.T) {
		s := startServer(t)

		frame, err := framecodec.Encode([]byte("not json"), 0)
		require.NoError(t, err)

		assert.Empty(t, roundTrip(t, s, frame))
	})

	t.Run("request split across many writes is reassembled", func(t *testing.T) {
		s := startServer(t)
		frame := encodeRequest(t, protocol.Message{Code: protocol.ShowListAsk})

		parts := make([][]byte, 0, len(frame))
		for i := range frame {
			parts = append(parts, frame[i:i+1])
		}

		data := roundTrip(t, s, parts...)
		frames, err := framecodec.NewDecoder(0).Feed(data)
		require.NoError(t, err)
		require.Len(t, frames, 1)
	})

	t.Run("keepalive before the request is skipped", func(t *testing.T) {
		s := startServer(t)

		data := roundTrip(t, s, make([]byte, framecodec.PrefixLen), encodeRequest(t, protocol.Message{Code: protocol.ShowListAsk}))
		frames, err := framecodec.NewDecoder(0).Feed(data)
		require.NoError(t, err)
		require.Len(t, frames, 1)

		resp, err := protocol.Unmarshal(frames[0])
		require.NoError(t, err)
		assert.Equal(t, protocol.ShowListAns, resp.Code)
	})

	t.Run("unknown code answers a bare control message", func(t *testing.T) {
		s := startServer(t)

		resp := exchange(t, s, protocol.Message{Code: protocol.Code(99)})

		assert.Equal(t, protocol.CtrMsg, resp.Code)
		assert.False(t, resp.HasPayload())
	})

	t.Run("connections are served one after another", func(t *testing.T) {
		s := startServer(t)

		for i := 0; i < 5; i++ {
			resp := exchange(t, s, protocol.Message{Code: protocol.ShowListAsk})
			assert.Equal(t, protocol.ShowListAns, resp.Code)
		}
		assert.Equal(t, uint32(5), s.connIDs.Load())
	})
}

func TestServer_StopDuringCalibration(t *testing.T) {
	s := startServer(t)
	sess, src := bindSession(t, s,
		bandsession.WithLiveBufferSize(8),
		bandsession.WithCalibrationBufferSize(5),
		bandsession.WithCalibrationTimeout(time.Minute),
	)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(encodeRequest(t, protocol.Message{Code: protocol.CalibAsk, Payload: protocol.Text("band_0")}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sess.Buffer(sensor.HeartRate).Cap() == 5 && src.IsSampling(sensor.SkinResponse)
	}, 3*time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	require.Eventually(t, func() bool { return !s.IsRunning() }, 3*time.Second, time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("stop returned before the calibration was answered")
	case <-time.After(50 * time.Millisecond):
	}

	for _, v := range []int{500, 500, 500, 500, 500} {
		require.True(t, src.Emit(sensor.SkinResponse, v))
	}
	for _, v := range []int{90, 90, 90, 90, 90} {
		require.True(t, src.Emit(sensor.HeartRate, v))
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	data, _ := io.ReadAll(conn)
	frames, err := framecodec.NewDecoder(0).Feed(data)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	resp, err := protocol.Unmarshal(frames[0])
	require.NoError(t, err)

	assert.Equal(t, protocol.CalibAns, resp.Code)
	assert.Equal(t, protocol.Readings{
		{Code: protocol.SensorHR, Value: 90},
		{Code: protocol.SensorGSR, Value: 500},
	}, resp.Payload)

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not return after the calibration was answered")
	}

	assert.Equal(t, 8, sess.Buffer(sensor.HeartRate).Cap())
	assert.Equal(t, Idle, s.State())
	assert.Same(t, sess, s.Session())
}

func TestServer_CalibrationSizes(t *testing.T) {
	t.Run("listen cycle sizes override the session sizes", func(t *testing.T) {
		r, err := router.New()
		require.NoError(t, err)

		cfg := DefaultConfig("127.0.0.1:0")
		cfg.LiveBufferSize = 12
		cfg.CalibrationBufferSize = 3
		s, err := NewServer(cfg, r, nil)
		require.NoError(t, err)
		require.NoError(t, s.Start())
		t.Cleanup(s.Stop)

		sess, src := bindSession(t, s,
			bandsession.WithLiveBufferSize(16),
			bandsession.WithCalibrationBufferSize(200),
			bandsession.WithCalibrationTimeout(3*time.Second),
		)

		done := make(chan protocol.Message, 1)
		go func() {
			done <- exchange(t, s, protocol.Message{Code: protocol.CalibAsk, Payload: protocol.Text("band_0")})
		}()

		require.Eventually(t, func() bool {
			return sess.Buffer(sensor.HeartRate).Cap() == 3 && src.IsSampling(sensor.HeartRate)
		}, 3*time.Second, time.Millisecond)

		for _, v := range []int{300, 310, 320} {
			require.True(t, src.Emit(sensor.SkinResponse, v))
		}
		for _, v := range []int{70, 71, 72} {
			require.True(t, src.Emit(sensor.HeartRate, v))
		}

		select {
		case resp := <-done:
			assert.Equal(t, protocol.Readings{
				{Code: protocol.SensorHR, Value: 71},
				{Code: protocol.SensorGSR, Value: 310},
			}, resp.Payload)
		case <-time.After(5 * time.Second):
			t.Fatal("no calibration response")
		}

		assert.Equal(t, 12, sess.Buffer(sensor.HeartRate).Cap())
	})

	t.Run("zero sizes fall back to the session", func(t *testing.T) {
		src := sensor.NewSynthetic(nil)
		sess, err := bandsession.New("band_0", src,
			bandsession.WithLiveBufferSize(16),
			bandsession.WithCalibrationBufferSize(200),
		)
		require.NoError(t, err)

		got := sized(sess, DefaultConfig("127.0.0.1:0")).(sizedSession)
		assert.Equal(t, 16, got.live)
		assert.Equal(t, 200, got.calibration)
		assert.Equal(t, "band_0", got.Name())
	})
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, minAcceptBackoff, nextBackoff(0))
	assert.Equal(t, 2*minAcceptBackoff, nextBackoff(minAcceptBackoff))
	assert.Equal(t, maxAcceptBackoff, nextBackoff(maxAcceptBackoff))
	assert.Equal(t, maxAcceptBackoff, nextBackoff(900*time.Millisecond))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AwaitingConnection", AwaitingConnection.String())
	assert.Equal(t, "Unknown", State(99).String())
}
