package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/itohio/bsstream/pkg/config"
	"github.com/itohio/bsstream/pkg/sample"
)

// File appends samples to a text destination.
//
// In "values" format every batch is one line of comma terminated values.
// In "indexed" format every sample is an "index,value" line. With
// timestamps, a line holding the write time precedes each batch.
type File struct {
	w          *bufio.Writer
	c          io.Closer
	indexed    bool
	timestamps bool
	now        func() time.Time
	buf        []byte
}

// OpenFile creates (or truncates) the configured file.
func OpenFile(cfg config.FileSinkConfig) (*File, error) {
	f, err := os.Create(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return NewFile(f, cfg), nil
}

// NewFile writes to w. If w is an io.Closer it is closed by Close.
func NewFile(w io.Writer, cfg config.FileSinkConfig) *File {
	c, _ := w.(io.Closer)
	return &File{
		w:          bufio.NewWriterSize(w, 64*1024),
		c:          c,
		indexed:    cfg.Format == "indexed",
		timestamps: cfg.Timestamps,
		now:        time.Now,
	}
}

// Write implements Sink. The batch is flushed before returning.
func (f *File) Write(_ context.Context, batch []sample.Scaled) error {
	b := f.buf[:0]
	if f.timestamps {
		b = f.now().AppendFormat(b, time.RFC3339Nano)
		b = append(b, '\n')
	}

	for _, s := range batch {
		if f.indexed {
			b = strconv.AppendUint(b, s.Index, 10)
			b = append(b, ',')
			b = strconv.AppendFloat(b, s.Value, 'f', -1, 64)
			b = append(b, '\n')
		} else {
			b = strconv.AppendFloat(b, s.Value, 'f', -1, 64)
			b = append(b, ',')
		}
	}
	if !f.indexed && len(batch) > 0 {
		b = append(b, '\n')
	}
	f.buf = b

	if _, err := f.w.Write(b); err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush samples: %w", err)
	}
	return nil
}

// Close flushes and closes the destination.
func (f *File) Close() error {
	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush samples: %w", err)
	}
	if f.c != nil {
		return f.c.Close()
	}
	return nil
}
