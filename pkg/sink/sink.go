// Package sink delivers scaled samples to their destination.
package sink

import (
	"context"
	"fmt"

	"github.com/itohio/bsstream/pkg/config"
	"github.com/itohio/bsstream/pkg/sample"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Sink accepts consecutive batches of scaled samples. Write must not block
// indefinitely; implementations bound their own I/O.
type Sink interface {
	Write(ctx context.Context, batch []sample.Scaled) error
	Close() error
}

var (
	_ Sink = (*File)(nil)
	_ Sink = (*Redis)(nil)
	_ Sink = Multi(nil)
	_ Sink = Discard{}
)

// Multi writes every batch to all sinks.
type Multi []Sink

// Write writes the batch to every sink, even if one of them fails.
func (m Multi) Write(ctx context.Context, batch []sample.Scaled) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Write(ctx, batch))
	}
	return err
}

// Close closes every sink.
func (m Multi) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// Discard drops everything.
type Discard struct{}

// Write implements Sink.
func (Discard) Write(context.Context, []sample.Scaled) error { return nil }

// Close implements Sink.
func (Discard) Close() error { return nil }

// FromConfig builds the sink selected by cfg.Type.
func FromConfig(ctx context.Context, cfg config.SinkConfig, log logrus.FieldLogger) (Sink, error) {
	switch cfg.Type {
	case "file":
		return OpenFile(cfg.File)
	case "redis":
		return DialRedis(ctx, cfg.Redis, log)
	case "both":
		f, err := OpenFile(cfg.File)
		if err != nil {
			return nil, err
		}
		r, err := DialRedis(ctx, cfg.Redis, log)
		if err != nil {
			f.Close()
			return nil, err
		}
		return Multi{f, r}, nil
	case "discard":
		return Discard{}, nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}
