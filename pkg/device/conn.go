package device

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrProtocolTimeout is returned when the device does not echo a
	// command within the acknowledgment timeout.
	ErrProtocolTimeout = errors.New("protocol timeout")
	// ErrLinkReadTimeout is returned when no data arrives within the
	// read timeout while streaming.
	ErrLinkReadTimeout = errors.New("link read timeout")
)

// Conn speaks the request/echo command protocol over a Link.
//
// Every command byte written is echoed back by the device. IssueWait only
// returns once the whole echo was drained, so the next command always starts
// on an empty input.
type Conn struct {
	link        Link
	readTimeout time.Duration
	ackTimeout  time.Duration
	timeout     time.Duration // currently applied to link
	log         logrus.FieldLogger
}

// NewConn wraps link. readTimeout applies to streaming reads, ackTimeout to
// command echoes.
func NewConn(link Link, readTimeout, ackTimeout time.Duration, log logrus.FieldLogger) *Conn {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Conn{
		link:        link,
		readTimeout: readTimeout,
		ackTimeout:  ackTimeout,
		log:         log,
	}
}

func (c *Conn) setTimeout(d time.Duration) error {
	if c.timeout == d {
		return nil
	}
	if err := c.link.SetReadTimeout(d); err != nil {
		return fmt.Errorf("failed to set read timeout: %w", err)
	}
	c.timeout = d
	return nil
}

// Issue writes a command without waiting for its echo.
func (c *Conn) Issue(cmd string) error {
	if _, err := io.WriteString(c.link, cmd); err != nil {
		return fmt.Errorf("failed to send command %q: %w", cmd, err)
	}
	return nil
}

// IssueWait writes a command and reads back an echo of the same length.
// It fails with ErrProtocolTimeout if the echo is not complete within the
// acknowledgment timeout.
func (c *Conn) IssueWait(cmd string) error {
	if err := c.Issue(cmd); err != nil {
		return err
	}
	if err := c.setTimeout(c.ackTimeout); err != nil {
		return err
	}

	echo := make([]byte, len(cmd))
	deadline := time.Now().Add(c.ackTimeout)
	got := 0
	for got < len(echo) {
		n, err := c.link.Read(echo[got:])
		got += n
		if err != nil {
			return fmt.Errorf("failed to read echo of %q: %w", cmd, err)
		}
		if n == 0 && !time.Now().Before(deadline) {
			return fmt.Errorf("%w: got %d of %d echo bytes for %q", ErrProtocolTimeout, got, len(echo), cmd)
		}
	}

	c.log.WithField("cmd", cmd).Debug("command acknowledged")
	return nil
}

// Flush drops any bytes pending on the link input.
func (c *Conn) Flush() error {
	if err := c.link.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to flush input: %w", err)
	}
	return nil
}

// Discard reads and drops up to n bytes, waiting at most the acknowledgment
// timeout. It returns the number of bytes dropped; a short count is not an error.
func (c *Conn) Discard(n int) (int, error) {
	if err := c.setTimeout(c.ackTimeout); err != nil {
		return 0, err
	}

	buf := make([]byte, n)
	deadline := time.Now().Add(c.ackTimeout)
	got := 0
	for got < n && time.Now().Before(deadline) {
		m, err := c.link.Read(buf[got:])
		got += m
		if err != nil {
			return got, fmt.Errorf("failed to discard input: %w", err)
		}
		if m == 0 {
			break
		}
	}
	return got, nil
}

// Fill reads into buf until it is full. A read returning no data within the
// read timeout stops the fill with ErrLinkReadTimeout; n reports the bytes
// stored so far and the caller may resume with buf[n:].
func (c *Conn) Fill(buf []byte) (int, error) {
	if err := c.setTimeout(c.readTimeout); err != nil {
		return 0, err
	}

	got := 0
	for got < len(buf) {
		n, err := c.link.Read(buf[got:])
		got += n
		if err != nil {
			return got, fmt.Errorf("failed to read from device: %w", err)
		}
		if n == 0 {
			return got, ErrLinkReadTimeout
		}
	}
	return got, nil
}

// Close closes the link.
func (c *Conn) Close() error {
	return c.link.Close()
}
