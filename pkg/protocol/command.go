package protocol

import (
	"fmt"
	"strings"
)

// Single character commands understood by the device.
const (
	CmdStop    = "."
	CmdReset   = "!"
	CmdUpdate  = "U"
	CmdProgram = ">"
	CmdStream  = "T"
)

// Register addresses used by the streaming set-up.
const (
	RegStreamMode    byte = 0x21
	RegAnalogEnable  byte = 0x37
	RegClockTicks    byte = 0x2e
	RegClockScale    byte = 0x14
	RegStreamToken   byte = 0x36
	RegTriggerHigh   byte = 0x66
	RegTriggerLow    byte = 0x64
	regAnalogEnableB byte = 0x00
)

const hexDigits = "0123456789abcdef"

// RegisterWrite writes Values to consecutive registers starting at Addr.
type RegisterWrite struct {
	Addr   byte
	Values []byte
}

// Word returns a write of a 16-bit little endian value to addr and addr+1.
func Word(addr byte, v uint16) RegisterWrite {
	return RegisterWrite{Addr: addr, Values: []byte{byte(v), byte(v >> 8)}}
}

// AppendTo appends the write in "[AA]@[VV]s" form. Each following value is
// emitted as "n[VV]s", which advances the address by one before storing.
func (w RegisterWrite) AppendTo(b []byte) []byte {
	b = append(b, '[')
	b = appendHex(b, w.Addr)
	b = append(b, "]@"...)
	for i, v := range w.Values {
		if i > 0 {
			b = append(b, 'n')
		}
		b = append(b, '[')
		b = appendHex(b, v)
		b = append(b, "]s"...)
	}
	return b
}

// String implements fmt.Stringer.
func (w RegisterWrite) String() string {
	return string(w.AppendTo(nil))
}

func appendHex(b []byte, v byte) []byte {
	return append(b, hexDigits[v>>4], hexDigits[v&0x0f])
}

// SetupWrites returns the register writes of the streaming set-up, in the
// order the device expects them.
func SetupWrites(c DeviceConfig) ([]RegisterWrite, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ticks, err := c.Ticks()
	if err != nil {
		return nil, err
	}

	return []RegisterWrite{
		{Addr: RegStreamMode, Values: []byte{c.Mode()}},
		{Addr: RegAnalogEnable, Values: []byte{c.ChannelMask(), regAnalogEnableB}},
		{Addr: RegClockTicks, Values: []byte{ticks.Low, ticks.High}},
		Word(RegClockScale, ClockScale),
		{Addr: RegStreamToken, Values: []byte{c.FrameToken}},
		Word(RegTriggerHigh, c.TriggerHigh),
		Word(RegTriggerLow, c.TriggerLow),
	}, nil
}

// SetupMessage builds the configuration message sent as one command.
func SetupMessage(c DeviceConfig) (string, error) {
	writes, err := SetupWrites(c)
	if err != nil {
		return "", fmt.Errorf("failed to build setup message: %w", err)
	}

	buf := make([]byte, 0, 16*len(writes))
	for _, w := range writes {
		buf = w.AppendTo(buf)
	}
	return string(buf), nil
}

// ParseWrites parses a message made of register writes. Single character
// commands in the message are skipped. It is the inverse of SetupMessage and
// is used by the simulated device.
func ParseWrites(msg string) ([]RegisterWrite, error) {
	var out []RegisterWrite
	cur := -1

	for i := 0; i < len(msg); {
		switch {
		case strings.HasPrefix(msg[i:], "n["):
			if cur < 0 {
				return nil, fmt.Errorf("invalid increment at offset %d without address", i)
			}
			v, err := parseHexByte(msg, i+2)
			if err != nil {
				return nil, err
			}
			if !strings.HasPrefix(msg[i+4:], "]s") {
				return nil, fmt.Errorf("invalid value terminator at offset %d", i+4)
			}
			out[cur].Values = append(out[cur].Values, v)
			i += 6
		case msg[i] == '[':
			a, err := parseHexByte(msg, i+1)
			if err != nil {
				return nil, err
			}
			if !strings.HasPrefix(msg[i+3:], "]@[") {
				return nil, fmt.Errorf("invalid address terminator at offset %d", i+3)
			}
			v, err := parseHexByte(msg, i+6)
			if err != nil {
				return nil, err
			}
			if !strings.HasPrefix(msg[i+8:], "]s") {
				return nil, fmt.Errorf("invalid value terminator at offset %d", i+8)
			}
			out = append(out, RegisterWrite{Addr: a, Values: []byte{v}})
			cur = len(out) - 1
			i += 10
		default:
			cur = -1
			i++
		}
	}

	return out, nil
}

func parseHexByte(s string, at int) (byte, error) {
	if at+2 > len(s) {
		return 0, fmt.Errorf("truncated hex byte at offset %d", at)
	}
	hi := strings.IndexByte(hexDigits, lower(s[at]))
	lo := strings.IndexByte(hexDigits, lower(s[at+1]))
	if hi < 0 || lo < 0 {
		return 0, fmt.Errorf("invalid hex byte %q at offset %d", s[at:at+2], at)
	}
	return byte(hi<<4 | lo), nil
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'F' {
		return c + ('a' - 'A')
	}
	return c
}
