package device

import (
	"io"
	"time"

	"go.bug.st/serial"
)

// Link is the byte channel to the device. A read that times out returns
// 0, nil.
type Link interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Ensure serial ports are usable as a Link.
var _ Link = (serial.Port)(nil)

// Ensure Mock implements Link.
var _ Link = (*Mock)(nil)
