package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfigurationRange is returned when a configuration value cannot be
// programmed into the device registers.
var ErrConfigurationRange = errors.New("configuration out of range")

// Resolution selects the sample width used by the device in streaming mode.
type Resolution int

const (
	// LowRes8 streams one unsigned byte per sample.
	LowRes8 Resolution = iota
	// HighRes12Macro streams 12-bit samples packed in 16-bit words
	// with a frame token in the low nibble.
	HighRes12Macro
)

// String returns the configuration name of the resolution.
func (r Resolution) String() string {
	switch r {
	case LowRes8:
		return "low"
	case HighRes12Macro:
		return "macro"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

// ParseResolution parses "low" or "macro" (case insensitive).
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "low8", "8":
		return LowRes8, nil
	case "macro", "high", "high12", "12":
		return HighRes12Macro, nil
	default:
		return 0, fmt.Errorf("%w: unknown resolution %q", ErrConfigurationRange, s)
	}
}

const (
	// DefaultFrameToken is the stream data token programmed into register 0x36.
	DefaultFrameToken byte = 0xaf
	// DefaultTriggerHigh is written to registers 0x66/0x67.
	DefaultTriggerHigh uint16 = 0xb25a
	// DefaultTriggerLow is written to registers 0x64/0x65.
	DefaultTriggerLow uint16 = 0x1b35
	// ClockScale is written to registers 0x14/0x15. It has no effect in
	// streaming mode but the device expects it.
	ClockScale uint16 = 0x0003
)

// DeviceConfig is the acquisition configuration programmed at start-up.
// It must not change once streaming has started.
type DeviceConfig struct {
	SampleRateHz int // per channel
	Channels     int // 1 or 2
	Resolution   Resolution
	FrameToken   byte
	TriggerHigh  uint16
	TriggerLow   uint16
}

// Validate checks that the configuration names one of the supported modes.
func (c DeviceConfig) Validate() error {
	if c.SampleRateHz <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrConfigurationRange, c.SampleRateHz)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("%w: channel count must be 1 or 2, got %d", ErrConfigurationRange, c.Channels)
	}
	if c.Resolution != LowRes8 && c.Resolution != HighRes12Macro {
		return fmt.Errorf("%w: unsupported resolution %v", ErrConfigurationRange, c.Resolution)
	}
	return nil
}

// Multiplier returns the factor applied to the per-channel sample rate to get
// the device tick rate.
func (c DeviceConfig) Multiplier() int {
	switch {
	case c.Channels == 1 && c.Resolution == LowRes8:
		return 1
	case c.Channels == 1:
		return 2
	case c.Resolution == LowRes8:
		return 4
	default:
		return 3
	}
}

// Mode returns the stream mode register (0x21) value.
func (c DeviceConfig) Mode() byte {
	switch {
	case c.Channels == 1 && c.Resolution == LowRes8:
		return 0x02
	case c.Channels == 1:
		return 0x04
	case c.Resolution == LowRes8:
		return 0x01
	default:
		return 0x03 // macro analogue chop
	}
}

// ChannelMask returns the analogue channel enable register (0x37) value.
func (c DeviceConfig) ChannelMask() byte {
	if c.Channels == 2 {
		return 0x03
	}
	return 0x01
}
