package protocol

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

const (
	// TickPeriod is the device clock period.
	TickPeriod = 25 * time.Nanosecond
	// tickHz is 1/TickPeriod.
	tickHz = 40_000_000
	// MaxTicks is the largest value the clock divider register pair holds.
	MaxTicks = 0xffff
)

// TickPair is the clock divider value split into register bytes.
type TickPair struct {
	High byte
	Low  byte
}

// Count returns the tick count encoded by the pair.
func (p TickPair) Count() int {
	return int(p.High)<<8 | int(p.Low)
}

// Period returns the sample period programmed by the pair.
func (p TickPair) Period() time.Duration {
	return time.Duration(p.Count()) * TickPeriod
}

// Hex returns the pair as the 4 hex digit representation, high byte first.
func (p TickPair) Hex() string {
	return fmt.Sprintf("%02x%02x", p.High, p.Low)
}

// Ticks converts a per-channel sample rate and mode multiplier into the clock
// divider register pair.
//
// The tick count is round((1/(rate*multiplier)) / 25ns), formatted as four
// zero padded hex digits: the first two are the high byte, the last two the
// low byte.
func Ticks(sampleRateHz, multiplier int) (TickPair, error) {
	if sampleRateHz <= 0 || multiplier <= 0 {
		return TickPair{}, fmt.Errorf("%w: invalid rate %d Hz x%d", ErrConfigurationRange, sampleRateHz, multiplier)
	}

	ticks := math.Round(float64(tickHz) / (float64(sampleRateHz) * float64(multiplier)))
	if ticks < 1 {
		return TickPair{}, fmt.Errorf("%w: %d Hz x%d is faster than one tick", ErrConfigurationRange, sampleRateHz, multiplier)
	}
	if ticks > MaxTicks {
		return TickPair{}, fmt.Errorf("%w: %d Hz x%d needs %.0f ticks (max %d)", ErrConfigurationRange, sampleRateHz, multiplier, ticks, MaxTicks)
	}

	digits := fmt.Sprintf("%04x", int(ticks))
	hi, err := strconv.ParseUint(digits[:2], 16, 8)
	if err != nil {
		return TickPair{}, fmt.Errorf("failed to split tick count %s: %w", digits, err)
	}
	lo, err := strconv.ParseUint(digits[2:], 16, 8)
	if err != nil {
		return TickPair{}, fmt.Errorf("failed to split tick count %s: %w", digits, err)
	}

	return TickPair{High: byte(hi), Low: byte(lo)}, nil
}

// Ticks returns the clock divider pair for the configuration.
func (c DeviceConfig) Ticks() (TickPair, error) {
	return Ticks(c.SampleRateHz, c.Multiplier())
}
