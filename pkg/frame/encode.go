package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/itohio/bsstream/pkg/protocol"
)

// Encoder renders samples in the device stream layout. The simulated device
// uses it to produce a stream.
type Encoder func(dst []byte, samples []int32) ([]byte, error)

// NewEncoder returns the encoder matching New for the same mode.
// The 2 channel low resolution encoder keeps counting quadruples across calls.
func NewEncoder(channels int, res protocol.Resolution, token byte) (Encoder, error) {
	switch {
	case channels == 1 && res == protocol.LowRes8:
		return Encode1Ch, nil
	case channels == 1 && res == protocol.HighRes12Macro:
		return func(dst []byte, samples []int32) ([]byte, error) {
			return Encode1ChMacro(dst, samples, token)
		}, nil
	case channels == 2 && res == protocol.LowRes8:
		var seq byte
		return func(dst []byte, samples []int32) ([]byte, error) {
			out, err := Encode2Ch(dst, samples, token, seq)
			seq += byte(len(samples) / 2)
			return out, err
		}, nil
	case channels == 2 && res == protocol.HighRes12Macro:
		return func(dst []byte, samples []int32) ([]byte, error) {
			return Encode2ChMacro(dst, samples, token)
		}, nil
	default:
		return nil, fmt.Errorf("%w: no encoder for %d channels at %v resolution", protocol.ErrConfigurationRange, channels, res)
	}
}

// Encode1Ch appends one byte per sample. Samples must be in 0..255.
func Encode1Ch(dst []byte, samples []int32) ([]byte, error) {
	for i, v := range samples {
		if v < 0 || v > 0xff {
			return dst, fmt.Errorf("sample %d out of byte range: %d", i, v)
		}
		dst = append(dst, byte(v))
	}
	return dst, nil
}

// Encode1ChMacro appends little endian words carrying the token nibble.
// Samples are the marker-free magnitudes, multiples of 16 in the int16 range.
func Encode1ChMacro(dst []byte, samples []int32, token byte) ([]byte, error) {
	return encodeWords(dst, samples, token)
}

// Encode2ChMacro appends interleaved A/B samples as macro words.
func Encode2ChMacro(dst []byte, samples []int32, token byte) ([]byte, error) {
	if len(samples)%2 != 0 {
		return dst, fmt.Errorf("odd number of interleaved samples: %d", len(samples))
	}
	return encodeWords(dst, samples, token)
}

// Macro converts a 12-bit signed sample (-2048..2047) to its marker-free
// magnitude in the 16-bit container.
func Macro(v int32) int32 {
	return v << 4
}

func encodeWords(dst []byte, samples []int32, token byte) ([]byte, error) {
	var word [2]byte
	for i, v := range samples {
		if v < -32768 || v > 32767 || v&int32(tokenMask) != 0 {
			return dst, fmt.Errorf("sample %d is not a 12-bit macro magnitude: %d", i, v)
		}
		binary.LittleEndian.PutUint16(word[:], uint16(int16(v))|uint16(token&0x0f))
		dst = append(dst, word[:]...)
	}
	return dst, nil
}

// Encode2Ch appends (token, count, A, B) quadruples from interleaved A/B
// samples. count starts at seq and wraps at 256.
func Encode2Ch(dst []byte, samples []int32, token, seq byte) ([]byte, error) {
	if len(samples)%2 != 0 {
		return dst, fmt.Errorf("odd number of interleaved samples: %d", len(samples))
	}
	for i := 0; i < len(samples); i += 2 {
		a, b := samples[i], samples[i+1]
		if a < 0 || a > 0xff || b < 0 || b > 0xff {
			return dst, fmt.Errorf("sample pair %d out of byte range: %d, %d", i/2, a, b)
		}
		dst = append(dst, token, seq, byte(a), byte(b))
		seq++
	}
	return dst, nil
}
