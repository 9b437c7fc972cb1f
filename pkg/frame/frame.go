// Package frame decodes the binary stream sent by the device while streaming.
//
// Four layouts exist, selected by channel count and resolution:
//
//	1 channel,  low res: one unsigned byte per sample
//	1 channel,  macro:   little endian int16 words, token in the low nibble
//	2 channels, low res: quadruples of (token, count, A, B) bytes
//	2 channels, macro:   little endian int16 words A, B, ..., token in every low nibble
//
// Decoders are pure: decoding the same chunk twice yields the same samples.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/itohio/bsstream/pkg/protocol"
)

// ErrMalformedFrame is returned when a chunk does not match the stream layout.
var ErrMalformedFrame = errors.New("malformed frame")

// tokenMask clears the frame token nibble of a macro word.
const tokenMask int16 = 0x000f

// Decoder decodes a raw chunk into samples, appending to dst[:0].
// dst is reused if it has enough capacity.
type Decoder func(dst []int32, chunk []byte) ([]int32, error)

// Options tune decoder behaviour.
type Options struct {
	// Strict rejects low resolution 2 channel chunks whose token bytes do
	// not match Token.
	Strict bool
	Token  byte
}

// New returns the decoder for the given mode.
func New(channels int, res protocol.Resolution, opts Options) (Decoder, error) {
	switch {
	case channels == 1 && res == protocol.LowRes8:
		return Decode1Ch, nil
	case channels == 1 && res == protocol.HighRes12Macro:
		return Decode1ChMacro, nil
	case channels == 2 && res == protocol.LowRes8:
		if opts.Strict {
			token := opts.Token
			return func(dst []int32, chunk []byte) ([]int32, error) {
				return decode2Ch(dst, chunk, true, token)
			}, nil
		}
		return Decode2Ch, nil
	case channels == 2 && res == protocol.HighRes12Macro:
		return Decode2ChMacro, nil
	default:
		return nil, fmt.Errorf("%w: no decoder for %d channels at %v resolution", protocol.ErrConfigurationRange, channels, res)
	}
}

// UnitSize returns the number of bytes a chunk length must be a multiple of.
func UnitSize(channels int, res protocol.Resolution) int {
	switch {
	case res == protocol.HighRes12Macro:
		return 2
	case channels == 2:
		return 4
	default:
		return 1
	}
}

// SampleSize returns the number of stream bytes per sample.
func SampleSize(channels int, res protocol.Resolution) int {
	switch {
	case res == protocol.HighRes12Macro:
		return 2
	case channels == 2:
		return 2 // token and count bytes shared by one A/B pair
	default:
		return 1
	}
}

// RawRange returns the decoded sample domain for a resolution.
func RawRange(res protocol.Resolution) (low, high float64) {
	if res == protocol.HighRes12Macro {
		return -32768, 32767
	}
	return 0, 255
}

func grow(dst []int32, n int) []int32 {
	if cap(dst) >= n {
		return dst[:0]
	}
	return make([]int32, 0, n)
}

// Decode1Ch decodes unsigned 8-bit samples, one per byte.
func Decode1Ch(dst []int32, chunk []byte) ([]int32, error) {
	dst = grow(dst, len(chunk))
	for _, b := range chunk {
		dst = append(dst, int32(b))
	}
	return dst, nil
}

// Decode1ChMacro decodes little endian 16-bit words with the token nibble cleared.
func Decode1ChMacro(dst []int32, chunk []byte) ([]int32, error) {
	return decodeWords(dst, chunk)
}

// Decode2ChMacro decodes interleaved A/B little endian words with the token
// nibble cleared, keeping the stream order.
func Decode2ChMacro(dst []int32, chunk []byte) ([]int32, error) {
	return decodeWords(dst, chunk)
}

func decodeWords(dst []int32, chunk []byte) ([]int32, error) {
	if len(chunk)%2 != 0 {
		return dst[:0], fmt.Errorf("%w: chunk of %d bytes is not a multiple of 2", ErrMalformedFrame, len(chunk))
	}

	dst = grow(dst, len(chunk)/2)
	for i := 0; i < len(chunk); i += 2 {
		w := int16(binary.LittleEndian.Uint16(chunk[i:]))
		dst = append(dst, int32(w&^tokenMask))
	}
	return dst, nil
}

// Decode2Ch decodes (token, count, A, B) quadruples into A, B, A, B, ...
// Token and count bytes are ignored.
func Decode2Ch(dst []int32, chunk []byte) ([]int32, error) {
	return decode2Ch(dst, chunk, false, 0)
}

func decode2Ch(dst []int32, chunk []byte, strict bool, token byte) ([]int32, error) {
	if len(chunk)%4 != 0 {
		return dst[:0], fmt.Errorf("%w: chunk of %d bytes is not a multiple of 4", ErrMalformedFrame, len(chunk))
	}

	dst = grow(dst, len(chunk)/2)
	for i := 0; i < len(chunk); i += 4 {
		if strict && chunk[i] != token {
			return dst[:0], fmt.Errorf("%w: token 0x%02x at offset %d, want 0x%02x", ErrMalformedFrame, chunk[i], i, token)
		}
		dst = append(dst, int32(chunk[i+2]), int32(chunk[i+3]))
	}
	return dst, nil
}
