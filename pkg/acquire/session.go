// Package acquire runs the acquisition pipeline: it programs the device, then
// streams raw chunks from a reader goroutine through a queue to a processor
// goroutine that decodes, scales and sinks them.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/itohio/bsstream/pkg/config"
	"github.com/itohio/bsstream/pkg/device"
	"github.com/itohio/bsstream/pkg/frame"
	"github.com/itohio/bsstream/pkg/metrics"
	"github.com/itohio/bsstream/pkg/protocol"
	"github.com/itohio/bsstream/pkg/queue"
	"github.com/itohio/bsstream/pkg/sample"
	"github.com/itohio/bsstream/pkg/sink"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// PreambleSize is the number of bytes the device emits after programming.
const PreambleSize = 2

// ErrAlreadyRun is returned by Run on a session that has been started before.
var ErrAlreadyRun = errors.New("session already run")

// Options configures a Session.
type Options struct {
	Device         protocol.DeviceConfig
	ChunkSize      int
	StrictFraming  bool
	Idle           IdlePolicy
	QueueWarnDepth int
	Scaling        config.ScalingConfig
}

// OptionsFromConfig translates the acquisition and scaling sections.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	res, err := protocol.ParseResolution(cfg.Acquisition.Resolution)
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		Device: protocol.DeviceConfig{
			SampleRateHz: cfg.Acquisition.SampleRate,
			Channels:     cfg.Acquisition.Channels,
			Resolution:   res,
			FrameToken:   cfg.Acquisition.FrameToken,
			TriggerHigh:  cfg.Acquisition.TriggerHigh,
			TriggerLow:   cfg.Acquisition.TriggerLow,
		},
		ChunkSize:      cfg.Acquisition.ChunkSize,
		StrictFraming:  cfg.Acquisition.StrictFraming,
		Idle:           IdlePolicy(cfg.Acquisition.Idle),
		QueueWarnDepth: cfg.Acquisition.QueueWarnDepth,
		Scaling:        cfg.Scaling,
	}
	return opts, nil
}

// Stats is a snapshot of the session counters.
type Stats struct {
	ChunksRead    uint64
	ChunksDecoded uint64
	ChunksDropped uint64
	ReadTimeouts  uint64
	Samples       uint64
	SinkErrors    uint64
	Pending       int
}

// Session is a single acquisition run. After configuration the reader goroutine
// is the only user of the device connection.
type Session struct {
	conn      *device.Conn
	queue     *queue.Queue
	decode    frame.Decoder
	transform *sample.Transform
	sink      sink.Sink
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
	opts      Options

	state atomic.Int32

	chunksRead    atomic.Uint64
	chunksDecoded atomic.Uint64
	chunksDropped atomic.Uint64
	readTimeouts  atomic.Uint64
	samples       atomic.Uint64
	sinkErrors    atomic.Uint64
}

// New creates a session. The session owns conn and snk and closes both when
// Run returns. m and log may be nil.
func New(conn *device.Conn, snk sink.Sink, opts Options, m *metrics.Metrics, log logrus.FieldLogger) (*Session, error) {
	if err := opts.Device.Validate(); err != nil {
		return nil, err
	}
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: invalid chunk size: %d", protocol.ErrConfigurationRange, opts.ChunkSize)
	}
	// Chunks must hold whole frame units or the stream drifts out of alignment.
	if unit := frame.UnitSize(opts.Device.Channels, opts.Device.Resolution); opts.ChunkSize%unit != 0 {
		return nil, fmt.Errorf("%w: chunk size %d is not a multiple of the %d byte frame unit",
			protocol.ErrConfigurationRange, opts.ChunkSize, unit)
	}
	switch opts.Idle {
	case "":
		opts.Idle = IdleSpin
	case IdleSpin, IdlePark:
	default:
		return nil, fmt.Errorf("invalid idle policy %q", opts.Idle)
	}

	decode, err := frame.New(opts.Device.Channels, opts.Device.Resolution, frame.Options{
		Strict: opts.StrictFraming,
		Token:  opts.Device.FrameToken,
	})
	if err != nil {
		return nil, err
	}

	lo, hi := frame.RawRange(opts.Device.Resolution)
	unit := opts.Scaling.UnitScale
	if unit == 0 {
		unit = sample.DefaultUnitScale
	}
	precision := sample.DefaultPrecision
	if opts.Scaling.Precision != nil {
		precision = *opts.Scaling.Precision
	}
	to := sample.Range{Low: opts.Scaling.ToLow, High: opts.Scaling.ToHigh}
	if to.Low == 0 && to.High == 0 {
		to = sample.DefaultTarget
	}
	transform, err := sample.NewTransform(sample.Range{Low: lo, High: hi}, to, unit, precision)
	if err != nil {
		return nil, fmt.Errorf("failed to create transform: %w", err)
	}

	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	return &Session{
		conn:      conn,
		queue:     queue.New(),
		decode:    decode,
		transform: transform,
		sink:      snk,
		metrics:   m,
		log:       log.WithField("component", "session"),
		opts:      opts,
	}, nil
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats {
	return Stats{
		ChunksRead:    s.chunksRead.Load(),
		ChunksDecoded: s.chunksDecoded.Load(),
		ChunksDropped: s.chunksDropped.Load(),
		ReadTimeouts:  s.readTimeouts.Load(),
		Samples:       s.samples.Load(),
		SinkErrors:    s.sinkErrors.Load(),
		Pending:       s.queue.Len(),
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.State.Set(float64(st))
	s.log.WithField("state", st).Debug("state changed")
}

// Run programs the device and streams until ctx is cancelled or the link
// fails. Queued chunks are always processed before Run returns.
//
// Configuration errors, including device.ErrProtocolTimeout, abort the run.
// Read timeouts and malformed chunks are counted and skipped.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.state.CompareAndSwap(int32(Idle), int32(Configuring)) {
		return ErrAlreadyRun
	}
	s.setState(Configuring)
	defer func() {
		err = multierr.Append(err, s.shutdown())
	}()

	if err := s.configure(ctx); err != nil {
		return fmt.Errorf("failed to configure device: %w", err)
	}
	s.setState(Streaming)
	s.log.WithFields(logrus.Fields{
		"rate":       s.opts.Device.SampleRateHz,
		"channels":   s.opts.Device.Channels,
		"resolution": s.opts.Device.Resolution,
		"chunk":      s.opts.ChunkSize,
	}).Info("Streaming started")

	readerDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(readerDone)
		return s.read(gctx)
	})
	g.Go(func() error {
		return s.process(context.WithoutCancel(ctx), readerDone)
	})
	return g.Wait()
}

// configure runs the start-up command sequence. ctx is checked between
// commands; a command in flight is never interrupted.
func (s *Session) configure(ctx context.Context) error {
	msg, err := protocol.SetupMessage(s.opts.Device)
	if err != nil {
		return err
	}

	if err := s.conn.IssueWait(protocol.CmdStop); err != nil {
		return err
	}
	if err := s.conn.Flush(); err != nil {
		return err
	}
	for _, cmd := range []string{protocol.CmdReset, msg, protocol.CmdUpdate, protocol.CmdProgram} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.conn.IssueWait(cmd); err != nil {
			return err
		}
	}
	if err := s.conn.Flush(); err != nil {
		return err
	}
	if n, err := s.conn.Discard(PreambleSize); err != nil {
		return err
	} else if n < PreambleSize {
		s.log.WithField("got", n).Debug("short preamble")
	}
	return s.conn.IssueWait(protocol.CmdStream)
}

// read fills fixed size chunks and queues them until ctx is done.
func (s *Session) read(ctx context.Context) error {
	log := s.log.WithField("component", "reader")
	defer s.setState(Draining)

	warned := false
	for ctx.Err() == nil {
		chunk := make([]byte, s.opts.ChunkSize)
		filled := 0
		var readErr error
		for filled < len(chunk) {
			n, err := s.conn.Fill(chunk[filled:])
			filled += n
			if err == nil {
				continue
			}
			if errors.Is(err, device.ErrLinkReadTimeout) {
				s.readTimeouts.Add(1)
				s.metrics.ReadTimeouts.Inc()
				log.WithField("filled", filled).Debug("read timeout")
				if ctx.Err() != nil {
					break
				}
				continue
			}
			readErr = err
			break
		}

		if filled > 0 {
			s.push(chunk[:filled])
			depth := s.queue.Len()
			if w := s.opts.QueueWarnDepth; w > 0 {
				if depth >= w && !warned {
					log.WithField("depth", depth).Warn("Processor is falling behind")
					warned = true
				} else if depth < w {
					warned = false
				}
			}
		}

		if readErr != nil {
			log.WithError(readErr).Error("Streaming stopped")
			return readErr
		}
	}
	return nil
}

func (s *Session) push(chunk []byte) {
	s.queue.Push(chunk)
	s.chunksRead.Add(1)
	s.metrics.ChunksRead.Inc()
	s.metrics.BytesRead.Add(float64(len(chunk)))
	s.metrics.QueueDepth.Set(float64(s.queue.Len()))
}

// process drains the queue until the reader is done and nothing is pending.
func (s *Session) process(ctx context.Context, readerDone <-chan struct{}) error {
	log := s.log.WithField("component", "processor")

	var (
		values []int32
		scaled []sample.Scaled
		next   uint64
		seq    uint64
	)
	for {
		chunk, ok := s.queue.Pop()
		if !ok {
			select {
			case <-readerDone:
				if s.queue.Len() == 0 {
					return nil
				}
				continue
			default:
			}
			s.idle(readerDone)
			continue
		}
		seq++
		s.metrics.QueueDepth.Set(float64(s.queue.Len()))

		start := time.Now()
		var err error
		values, err = s.decode(values, chunk)
		if err != nil {
			s.chunksDropped.Add(1)
			s.metrics.ChunksDropped.WithLabelValues("malformed").Inc()
			log.WithError(err).WithFields(logrus.Fields{"chunk": seq, "len": len(chunk)}).Warn("Dropped chunk")
			continue
		}

		scaled = s.transform.ApplyAll(scaled, values, next)
		next += uint64(len(scaled))
		s.chunksDecoded.Add(1)
		s.metrics.ChunksDecoded.Inc()

		if err := s.sink.Write(ctx, scaled); err != nil {
			s.sinkErrors.Add(1)
			s.metrics.SinkErrors.Inc()
			log.WithError(err).WithField("chunk", seq).Warn("Sink write failed")
		} else {
			s.samples.Add(uint64(len(scaled)))
			s.metrics.SamplesEmitted.Add(float64(len(scaled)))
		}
		s.metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *Session) idle(readerDone <-chan struct{}) {
	if s.opts.Idle == IdlePark {
		select {
		case <-s.queue.Wait():
		case <-readerDone:
		}
		return
	}
	runtime.Gosched()
}

// shutdown stops the stream, then closes the link and the sink.
func (s *Session) shutdown() error {
	if err := s.conn.Issue(protocol.CmdStop); err != nil {
		s.log.WithError(err).Debug("failed to stop stream")
	}

	var err error
	if cerr := s.conn.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to close link: %w", cerr))
	}
	if cerr := s.sink.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to close sink: %w", cerr))
	}

	s.setState(Stopped)
	st := s.Stats()
	s.log.WithFields(logrus.Fields{
		"chunks":   st.ChunksRead,
		"dropped":  st.ChunksDropped,
		"timeouts": st.ReadTimeouts,
		"samples":  st.Samples,
	}).Info("Acquisition stopped")
	return err
}
