package acquire

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/itohio/bsstream/pkg/config"
	"github.com/itohio/bsstream/pkg/device"
	"github.com/itohio/bsstream/pkg/protocol"
	"github.com/itohio/bsstream/pkg/sample"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder keeps a copy of everything written to it.
type recorder struct {
	mu      sync.Mutex
	samples []sample.Scaled
	batches int
	closed  bool
	fail    bool
}

func (r *recorder) Write(_ context.Context, batch []sample.Scaled) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("sink down")
	}
	r.samples = append(r.samples, batch...)
	r.batches++
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func testOptions(channels int, res protocol.Resolution, chunk int) Options {
	return Options{
		Device: protocol.DeviceConfig{
			SampleRateHz: 50000,
			Channels:     channels,
			Resolution:   res,
			FrameToken:   protocol.DefaultFrameToken,
			TriggerHigh:  protocol.DefaultTriggerHigh,
			TriggerLow:   protocol.DefaultTriggerLow,
		},
		ChunkSize:     chunk,
		StrictFraming: true,
		Idle:          IdleSpin,
		Scaling:       config.Default().Scaling,
	}
}

func newSession(t *testing.T, opts Options) (*Session, *device.Mock, *recorder) {
	t.Helper()
	m := device.NewMock(nil)
	conn := device.NewConn(m, 20*time.Millisecond, 50*time.Millisecond, nil)
	rec := &recorder{}
	s, err := New(conn, rec, opts, nil, nil)
	require.NoError(t, err)
	return s, m, rec
}

func runFor(t *testing.T, s *Session, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Run(ctx)
}

func TestSession_Stream(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		res      protocol.Resolution
		idle     IdlePolicy
	}{
		{name: "1ch low", channels: 1, res: protocol.LowRes8, idle: IdleSpin},
		{name: "1ch macro", channels: 1, res: protocol.HighRes12Macro, idle: IdleSpin},
		{name: "2ch low", channels: 2, res: protocol.LowRes8, idle: IdlePark},
		{name: "2ch macro", channels: 2, res: protocol.HighRes12Macro, idle: IdlePark},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(tt.channels, tt.res, 400)
			opts.Idle = tt.idle
			s, m, rec := newSession(t, opts)

			require.NoError(t, runFor(t, s, 200*time.Millisecond))
			assert.Equal(t, Stopped, s.State())
			assert.True(t, rec.closed)
			assert.False(t, m.Streaming())

			st := s.Stats()
			assert.Greater(t, st.ChunksRead, uint64(0))
			assert.Equal(t, st.ChunksRead, st.ChunksDecoded+st.ChunksDropped)
			assert.Equal(t, s.queue.Pushed(), s.queue.Popped())
			assert.Equal(t, 0, st.Pending)
			assert.Equal(t, uint64(len(rec.samples)), st.Samples)
			require.NotEmpty(t, rec.samples)

			for i, v := range rec.samples {
				assert.Equal(t, uint64(i), v.Index)
				assert.GreaterOrEqual(t, v.Value, -5e6)
				assert.LessOrEqual(t, v.Value, 5e6)
			}
		})
	}
}

func TestSession_Registers(t *testing.T) {
	s, m, _ := newSession(t, testOptions(2, protocol.HighRes12Macro, 400))
	require.NoError(t, runFor(t, s, 50*time.Millisecond))

	regs := m.Registers()
	assert.Equal(t, byte(0x03), regs[protocol.RegStreamMode])
	assert.Equal(t, byte(0x03), regs[protocol.RegAnalogEnable])
	// 40e6 / (50000 * 3) = 266.67 -> 267 = 0x010b
	assert.Equal(t, byte(0x0b), regs[protocol.RegClockTicks])
	assert.Equal(t, byte(0x01), regs[protocol.RegClockTicks+1])
	assert.Equal(t, byte(protocol.DefaultFrameToken), regs[protocol.RegStreamToken])
}

func TestSession_ProtocolTimeoutIsFatal(t *testing.T) {
	s, m, rec := newSession(t, testOptions(1, protocol.HighRes12Macro, 400))
	m.SetEcho(false)

	err := runFor(t, s, time.Second)
	assert.ErrorIs(t, err, device.ErrProtocolTimeout)
	assert.Equal(t, Stopped, s.State())
	assert.True(t, rec.closed)
	assert.Zero(t, s.Stats().ChunksRead)
}

func TestSession_MalformedChunksAreDropped(t *testing.T) {
	s, _, rec := newSession(t, testOptions(1, protocol.HighRes12Macro, 4))

	// A misaligned partial chunk between two whole ones, as left by a
	// short final read.
	s.push([]byte{0x10, 0x00, 0x20, 0x00})
	s.push([]byte{0x30, 0x00, 0x40})
	s.push([]byte{0x50, 0x00, 0x60, 0x00})
	done := make(chan struct{})
	close(done)

	require.NoError(t, s.process(context.Background(), done))

	st := s.Stats()
	assert.Equal(t, uint64(3), st.ChunksRead)
	assert.Equal(t, uint64(2), st.ChunksDecoded)
	assert.Equal(t, uint64(1), st.ChunksDropped)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.ChunksDropped.WithLabelValues("malformed")))
	assert.Equal(t, s.queue.Pushed(), s.queue.Popped())

	// The dropped chunk consumes no indices.
	require.Len(t, rec.samples, 4)
	for i, v := range rec.samples {
		assert.Equal(t, uint64(i), v.Index)
	}
}

func TestSession_SinkErrorsAreCounted(t *testing.T) {
	s, _, rec := newSession(t, testOptions(1, protocol.LowRes8, 200))
	rec.fail = true

	require.NoError(t, runFor(t, s, 100*time.Millisecond))

	st := s.Stats()
	assert.Greater(t, st.SinkErrors, uint64(0))
	assert.Equal(t, st.ChunksDecoded, st.SinkErrors)
	assert.Zero(t, st.Samples)
}

func TestSession_ReadTimeoutsAreRetried(t *testing.T) {
	s, m, rec := newSession(t, testOptions(1, protocol.LowRes8, 200))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Stats().ChunksRead > 0 }, time.Second, time.Millisecond)
	m.SetStalled(true)
	require.Eventually(t, func() bool { return s.Stats().ReadTimeouts > 1 }, time.Second, time.Millisecond)
	before := s.Stats().ChunksRead
	m.SetStalled(false)
	require.Eventually(t, func() bool { return s.Stats().ChunksRead > before }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.NotEmpty(t, rec.samples)
}

func TestSession_LinkFailureEndsRun(t *testing.T) {
	s, m, rec := newSession(t, testOptions(1, protocol.LowRes8, 200))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return s.Stats().ChunksRead > 0 }, time.Second, time.Millisecond)
	require.NoError(t, m.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the link failed")
	}
	assert.Equal(t, Stopped, s.State())
	assert.True(t, rec.closed)
}

func TestSession_RunTwice(t *testing.T) {
	s, _, _ := newSession(t, testOptions(1, protocol.LowRes8, 200))
	require.NoError(t, runFor(t, s, 20*time.Millisecond))
	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRun)
}

func TestNew_Invalid(t *testing.T) {
	conn := device.NewConn(device.NewMock(nil), time.Millisecond, time.Millisecond, nil)

	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{name: "channels", modify: func(o *Options) { o.Device.Channels = 3 }},
		{name: "rate", modify: func(o *Options) { o.Device.SampleRateHz = 0 }},
		{name: "chunk", modify: func(o *Options) { o.ChunkSize = 0 }},
		{name: "chunk misaligned", modify: func(o *Options) {
			o.Device.Channels = 2
			o.ChunkSize = 402
		}},
		{name: "chunk odd macro", modify: func(o *Options) {
			o.Device.Resolution = protocol.HighRes12Macro
			o.ChunkSize = 201
		}},
		{name: "idle", modify: func(o *Options) { o.Idle = "sleep" }},
		{name: "scaling", modify: func(o *Options) {
			p := 20
			o.Scaling.Precision = &p
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(1, protocol.LowRes8, 200)
			tt.modify(&opts)
			_, err := New(conn, &recorder{}, opts, nil, nil)
			assert.Error(t, err)
			if strings.HasPrefix(tt.name, "chunk") {
				assert.ErrorIs(t, err, protocol.ErrConfigurationRange)
			}
		})
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Acquisition.Channels = 2
	cfg.Acquisition.Resolution = "low"
	cfg.Acquisition.Idle = "park"

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, opts.Device.Channels)
	assert.Equal(t, protocol.LowRes8, opts.Device.Resolution)
	assert.Equal(t, cfg.Acquisition.SampleRate, opts.Device.SampleRateHz)
	assert.Equal(t, IdlePark, opts.Idle)
	assert.Equal(t, cfg.Acquisition.ChunkSize, opts.ChunkSize)

	cfg.Acquisition.Resolution = "ultra"
	_, err = OptionsFromConfig(cfg)
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "configuring", Configuring.String())
	assert.Equal(t, "streaming", Streaming.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
