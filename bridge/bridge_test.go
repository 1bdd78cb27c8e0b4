package bridge

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/bandbridge/bandclient"
	"github.com/cyberinferno/bandbridge/bandsession"
	"github.com/cyberinferno/bandbridge/config"
	"github.com/cyberinferno/bandbridge/protocol"
	"github.com/cyberinferno/bandbridge/sensor"
	"github.com/cyberinferno/bandbridge/tcpserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() config.Settings {
	s := config.Default()
	s.Host = "127.0.0.1"
	s.Port = 0
	s.ReadTimeout = 2 * time.Second
	s.WriteTimeout = 2 * time.Second
	s.CalibrationTimeout = 3 * time.Second
	return s
}

func newBridge(t *testing.T, settings config.Settings, cfgs ...Cfg) *Bridge {
	t.Helper()

	b, err := New(settings, cfgs...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newSource(t *testing.T) *sensor.Synthetic {
	t.Helper()

	src := sensor.NewSynthetic(nil)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func clientFor(b *Bridge) *bandclient.Client {
	return bandclient.NewClient(bandclient.DefaultConfig(b.Addr().String()), nil)
}

func TestNew(t *testing.T) {
	t.Run("rejects invalid settings", func(t *testing.T) {
		s := testSettings()
		s.LiveBufferSize = 0

		_, err := New(s)
		assert.ErrorIs(t, err, config.ErrInvalidValue)
	})

	t.Run("rejects a nil reference cache", func(t *testing.T) {
		_, err := New(testSettings(), WithReferenceCache(nil))
		assert.Error(t, err)
	})

	t.Run("starts stopped", func(t *testing.T) {
		b := newBridge(t, testSettings())

		assert.False(t, b.IsRunning())
		assert.Nil(t, b.Addr())
		assert.Nil(t, b.Session())
	})
}

func TestStartStop(t *testing.T) {
	t.Run("listens until stopped", func(t *testing.T) {
		b := newBridge(t, testSettings())

		require.NoError(t, b.Start())
		assert.True(t, b.IsRunning())
		assert.ErrorIs(t, b.Start(), tcpserver.ErrAlreadyRunning)

		names, err := clientFor(b).ListSessions(context.Background())
		require.NoError(t, err)
		assert.Empty(t, names)

		b.Stop()
		assert.False(t, b.IsRunning())
	})

	t.Run("bind failure is reported", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		s := testSettings()
		s.Port = ln.Addr().(*net.TCPAddr).Port
		b := newBridge(t, s)

		assert.Error(t, b.Start())
		assert.False(t, b.IsRunning())
	})
}

func TestUpdateSettings(t *testing.T) {
	t.Run("invalid text is rejected", func(t *testing.T) {
		b := newBridge(t, testSettings())

		err := b.UpdateSettings("port", "16", "200")
		var fe *config.FieldError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, "port", fe.Field)
		assert.Equal(t, testSettings(), b.Settings())
	})

	t.Run("changes apply on the next listen cycle only", func(t *testing.T) {
		b := newBridge(t, testSettings())
		require.NoError(t, b.Start())

		port := freePort(t)
		require.NoError(t, b.UpdateSettings(strconv.Itoa(port), "4", "5"))

		assert.Equal(t, 4, b.Settings().LiveBufferSize)
		assert.Equal(t, config.DefaultLiveBufferSize, b.ActiveSettings().LiveBufferSize)

		sess, err := b.BindDevice("band_0", newSource(t))
		require.NoError(t, err)
		assert.Equal(t, config.DefaultLiveBufferSize, sess.Buffer(sensor.HeartRate).Cap())

		b.Stop()
		require.NoError(t, b.Start())

		assert.Equal(t, port, b.Addr().(*net.TCPAddr).Port)
		assert.Equal(t, 4, b.ActiveSettings().LiveBufferSize)
		assert.Equal(t, config.DefaultLiveBufferSize, sess.Buffer(sensor.HeartRate).Cap())

		next, err := b.BindDevice("band_1", newSource(t))
		require.NoError(t, err)
		assert.Equal(t, 4, next.Buffer(sensor.HeartRate).Cap())
		assert.Equal(t, 5, next.CalibrationBufferSize())
	})
}

func TestRestagedCalibrationSizes(t *testing.T) {
	b := newBridge(t, testSettings())
	require.NoError(t, b.Start())

	src := newSource(t)
	sess, err := b.BindDevice("band_0", src)
	require.NoError(t, err)
	require.Equal(t, config.DefaultCalibrationBufferSize, sess.CalibrationBufferSize())

	b.Stop()
	require.NoError(t, b.UpdateSettings(strconv.Itoa(freePort(t)), "16", "5"))
	require.NoError(t, b.Start())

	done := make(chan protocol.Readings, 1)
	go func() {
		readings, err := clientFor(b).Calibrate(context.Background(), "band_0")
		assert.NoError(t, err)
		done <- readings
	}()

	require.Eventually(t, func() bool {
		return sess.Buffer(sensor.HeartRate).Cap() == 5 && src.IsSampling(sensor.SkinResponse)
	}, 3*time.Second, time.Millisecond)
	for _, v := range []int{200, 210, 220, 230, 240} {
		src.Emit(sensor.SkinResponse, v)
	}
	for _, v := range []int{60, 61, 62, 63, 64} {
		src.Emit(sensor.HeartRate, v)
	}

	select {
	case readings := <-done:
		assert.Equal(t, protocol.Readings{
			{Code: protocol.SensorHR, Value: 62},
			{Code: protocol.SensorGSR, Value: 220},
		}, readings)
	case <-time.After(5 * time.Second):
		t.Fatal("calibration did not finish with the restaged size")
	}
	assert.Equal(t, 16, sess.Buffer(sensor.HeartRate).Cap())
}

func TestBindDevice(t *testing.T) {
	t.Run("binds and serves the device", func(t *testing.T) {
		b := newBridge(t, testSettings())
		require.NoError(t, b.Start())
		src := newSource(t)

		sess, err := b.BindDevice("band_0", src)
		require.NoError(t, err)

		assert.Same(t, sess, b.Session())
		assert.True(t, src.IsSampling(sensor.HeartRate))

		names, err := clientFor(b).ListSessions(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"band_0"}, names)
	})

	t.Run("replacing a device stops the previous one", func(t *testing.T) {
		b := newBridge(t, testSettings())
		first := newSource(t)
		second := newSource(t)

		_, err := b.BindDevice("band_0", first)
		require.NoError(t, err)
		_, err = b.BindDevice("band_1", second)
		require.NoError(t, err)

		assert.False(t, first.IsSampling(sensor.HeartRate))
		assert.True(t, second.IsSampling(sensor.HeartRate))
		assert.Equal(t, "band_1", b.Session().Name())
	})

	t.Run("rejects bad input", func(t *testing.T) {
		b := newBridge(t, testSettings())

		_, err := b.BindDevice("band_0", nil)
		assert.ErrorIs(t, err, ErrNilSource)

		_, err = b.BindDevice("", newSource(t))
		assert.ErrorIs(t, err, bandsession.ErrInvalidName)
		assert.Nil(t, b.Session())
	})

	t.Run("unbind releases the device", func(t *testing.T) {
		b := newBridge(t, testSettings())
		src := newSource(t)

		assert.False(t, b.UnbindDevice())
		_, err := b.BindDevice("band_0", src)
		require.NoError(t, err)

		assert.True(t, b.UnbindDevice())
		assert.Nil(t, b.Session())
		assert.False(t, src.IsSubscribed(sensor.SkinResponse))
	})
}

func TestListeners(t *testing.T) {
	var mu sync.Mutex
	var first, second []bandsession.Event
	b := newBridge(t, testSettings(),
		WithListener(func(ev bandsession.Event) {
			mu.Lock()
			defer mu.Unlock()
			first = append(first, ev)
		}),
	)
	b.AddListener(func(ev bandsession.Event) {
		mu.Lock()
		defer mu.Unlock()
		second = append(second, ev)
	})
	b.AddListener(nil)

	src := newSource(t)
	_, err := b.BindDevice("band_0", src)
	require.NoError(t, err)
	src.Emit(sensor.HeartRate, 77)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)

	last := first[len(first)-1]
	assert.Equal(t, bandsession.ReadingChanged, last.Kind)
	assert.Equal(t, "band_0", last.Session)
	assert.Equal(t, 77, last.HR)
}

func TestCalibrationReuse(t *testing.T) {
	s := testSettings()
	s.LiveBufferSize = 6
	s.CalibrationBufferSize = 3
	s.CalibrationReuse = time.Minute
	b := newBridge(t, s)
	require.NoError(t, b.Start())

	src := newSource(t)
	sess, err := b.BindDevice("band_0", src)
	require.NoError(t, err)
	c := clientFor(b)

	done := make(chan protocol.Readings, 1)
	go func() {
		readings, err := c.Calibrate(context.Background(), "band_0")
		assert.NoError(t, err)
		done <- readings
	}()

	require.Eventually(t, func() bool {
		return sess.Buffer(sensor.HeartRate).Cap() == 3 && src.IsSampling(sensor.SkinResponse)
	}, 3*time.Second, time.Millisecond)
	for _, v := range []int{300, 300, 300} {
		src.Emit(sensor.SkinResponse, v)
	}
	for _, v := range []int{70, 75, 80} {
		src.Emit(sensor.HeartRate, v)
	}

	want := protocol.Readings{
		{Code: protocol.SensorHR, Value: 75},
		{Code: protocol.SensorGSR, Value: 300},
	}
	assert.Equal(t, want, <-done)
	assert.Equal(t, 6, sess.Buffer(sensor.HeartRate).Cap())

	t.Run("recent reference is reused without calibrating", func(t *testing.T) {
		readings, err := c.Calibrate(context.Background(), "band_0")
		require.NoError(t, err)
		assert.Equal(t, want, readings)
		assert.Equal(t, 3, src.StartCount(sensor.HeartRate))
	})

	t.Run("rebinding forgets the reference", func(t *testing.T) {
		_, err := b.BindDevice("band_0", newSource(t))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err = c.Calibrate(ctx, "band_0")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
