package device

import (
	"bytes"
	"errors"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/itohio/bsstream/pkg/config"
	"github.com/itohio/bsstream/pkg/frame"
	"github.com/itohio/bsstream/pkg/protocol"
)

// ErrClosed is returned by Mock operations after Close.
var ErrClosed = errors.New("device closed")

// mockPreamble is what the simulated device sends once the program command
// completes, ahead of the stream.
var mockPreamble = []byte{0x00, 0x00}

// Mock simulates the device on the other end of the serial link: it echoes
// commands, keeps the registers written by set-up messages and, once
// streaming, produces a sine wave encoded for the programmed mode at the
// programmed rate.
type Mock struct {
	cfg *config.MockConfig

	mu      sync.Mutex
	closed  bool
	timeout time.Duration
	out     bytes.Buffer
	regs    [256]byte
	armed   bool
	noEcho  bool
	stalled bool

	// Streaming state
	streaming bool
	start     time.Time
	units     int64 // sample units produced since start
	rate      float64
	channels  int
	res       protocol.Resolution
	encode    frame.Encoder
	samples   []int32
	rnd       *rand.Rand
}

// NewMock creates a simulated device.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		cfg = &config.MockConfig{
			WaveFrequency: 1000,
			Amplitude:     0.8,
			Noise:         0.01,
		}
	}
	return &Mock{
		cfg:     cfg,
		timeout: time.Second,
		rnd:     rand.New(rand.NewSource(1)),
	}
}

// SetEcho turns command echo on or off. Without echo every acknowledged
// command times out.
func (m *Mock) SetEcho(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noEcho = !on
}

// SetStalled pauses or resumes stream production.
func (m *Mock) SetStalled(stalled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stalled && !stalled && m.streaming {
		// Resume without a burst of the samples missed while stalled.
		m.start = time.Now()
		m.units = 0
	}
	m.stalled = stalled
}

// Registers returns a copy of the register file.
func (m *Mock) Registers() [256]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs
}

// Streaming reports whether the simulated device is streaming.
func (m *Mock) Streaming() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaming
}

// Write receives a command.
func (m *Mock) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if !m.noEcho {
		m.out.Write(p)
	}

	switch cmd := string(p); cmd {
	case protocol.CmdStop:
		m.streaming = false
	case protocol.CmdReset:
		m.streaming = false
		m.regs = [256]byte{}
	case protocol.CmdUpdate:
	case protocol.CmdProgram:
		m.armed = true
	case protocol.CmdStream:
		if err := m.startStream(); err != nil {
			return len(p), err
		}
	default:
		writes, err := protocol.ParseWrites(cmd)
		if err != nil {
			return len(p), err
		}
		for _, w := range writes {
			for i, v := range w.Values {
				m.regs[w.Addr+byte(i)] = v
			}
		}
	}

	return len(p), nil
}

// startStream derives the stream layout from the programmed registers.
func (m *Mock) startStream() error {
	var dc protocol.DeviceConfig
	switch m.regs[protocol.RegStreamMode] {
	case 0x02:
		dc.Channels, dc.Resolution = 1, protocol.LowRes8
	case 0x04:
		dc.Channels, dc.Resolution = 1, protocol.HighRes12Macro
	case 0x01:
		dc.Channels, dc.Resolution = 2, protocol.LowRes8
	case 0x03:
		dc.Channels, dc.Resolution = 2, protocol.HighRes12Macro
	default:
		return errors.New("stream mode not programmed")
	}

	ticks := protocol.TickPair{
		Low:  m.regs[protocol.RegClockTicks],
		High: m.regs[protocol.RegClockTicks+1],
	}
	if ticks.Count() == 0 {
		return errors.New("clock ticks not programmed")
	}

	enc, err := frame.NewEncoder(dc.Channels, dc.Resolution, m.regs[protocol.RegStreamToken])
	if err != nil {
		return err
	}

	m.channels = dc.Channels
	m.res = dc.Resolution
	m.rate = 1 / ticks.Period().Seconds() / float64(dc.Multiplier())
	m.encode = enc
	m.start = time.Now()
	m.units = 0
	m.streaming = true
	return nil
}

// SetReadTimeout sets the time Read waits for data.
func (m *Mock) SetReadTimeout(t time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = t
	return nil
}

// ResetInputBuffer drops pending output of the device.
func (m *Mock) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.out.Reset()
	if m.armed {
		m.out.Write(mockPreamble)
		m.armed = false
	}
	return nil
}

// Read returns echoed commands and, while streaming, stream bytes. It
// returns 0, nil if nothing arrives within the read timeout.
func (m *Mock) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	deadline := time.Now().Add(m.timeout)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, io.EOF
		}
		if m.out.Len() == 0 && m.streaming && !m.stalled {
			m.produce(len(p))
		}
		if m.out.Len() > 0 {
			n, _ := m.out.Read(p)
			m.mu.Unlock()
			return n, nil
		}
		m.mu.Unlock()

		now := time.Now()
		if !now.Before(deadline) {
			return 0, nil
		}
		time.Sleep(min(time.Millisecond, deadline.Sub(now)))
	}
}

// produce appends the sample units due by now, at most enough to fill want bytes.
func (m *Mock) produce(want int) {
	due := int64(time.Since(m.start).Seconds()*m.rate) - m.units
	if due <= 0 {
		return
	}

	unitBytes := m.channels * frame.SampleSize(m.channels, m.res)
	if limit := int64(want/unitBytes + 1); due > limit {
		due = limit
	}

	m.samples = m.samples[:0]
	for i := int64(0); i < due; i++ {
		t := float64(m.units+i) / m.rate
		for ch := 0; ch < m.channels; ch++ {
			phase := 2*math.Pi*m.cfg.WaveFrequency*t + float64(ch)*math.Pi/2
			v := m.cfg.Amplitude*math.Sin(phase) + m.cfg.Noise*(2*m.rnd.Float64()-1)
			m.samples = append(m.samples, m.quantize(v))
		}
	}
	m.units += due

	buf, err := m.encode(m.out.AvailableBuffer(), m.samples)
	if err == nil {
		m.out.Write(buf)
	}
}

// quantize maps v in [-1, 1] onto the raw sample domain.
func (m *Mock) quantize(v float64) int32 {
	v = math.Max(-1, math.Min(1, v))
	if m.res == protocol.HighRes12Macro {
		return frame.Macro(int32(math.Round(v * 2047)))
	}
	return int32(math.Round(127.5 + v*127.5))
}

// Close closes the simulated link. Pending Reads return io.EOF.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.streaming = false
	return nil
}
