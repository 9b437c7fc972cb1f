package sample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var macroRange = Range{Low: -32768, High: 32767}

func TestTransform_Apply(t *testing.T) {
	tests := []struct {
		name  string
		from  Range
		v     int32
		want  float64
		delta float64
	}{
		{name: "macro top", from: macroRange, v: 32767, want: 5000000.0, delta: 0.1},
		{name: "macro bottom", from: macroRange, v: -32768, want: -5000000.0, delta: 0.1},
		{name: "macro zero is half an LSB above 0", from: macroRange, v: 0, want: 76.3, delta: 1e-6},
		{name: "low res bottom", from: Range{Low: 0, High: 255}, v: 0, want: -5000000.0, delta: 1e-6},
		{name: "low res top", from: Range{Low: 0, High: 255}, v: 255, want: 5000000.0, delta: 0.1},
		{name: "low res mid", from: Range{Low: 0, High: 255}, v: 128, want: 19607.8, delta: 1e-6},
		{name: "extrapolates above range", from: Range{Low: 0, High: 255}, v: 300, want: 6764705.9, delta: 1e-6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewTransform(tt.from, DefaultTarget, DefaultUnitScale, DefaultPrecision)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, tr.Apply(tt.v), tt.delta)
		})
	}
}

func TestTransform_ZeroWithinOneStep(t *testing.T) {
	tr, err := NewTransform(macroRange, DefaultTarget, DefaultUnitScale, DefaultPrecision)
	require.NoError(t, err)

	step := DefaultUnitScale * (DefaultTarget.High - DefaultTarget.Low) / (macroRange.High - macroRange.Low)
	assert.InDelta(t, 0.0, tr.Apply(0), step)
}

func TestTransform_OrderPreserving(t *testing.T) {
	tr, err := NewTransform(macroRange, DefaultTarget, DefaultUnitScale, DefaultPrecision)
	require.NoError(t, err)

	prev := tr.Apply(-32768)
	for v := int32(-32768 + 7); v <= 32767; v += 7 {
		cur := tr.Apply(v)
		require.LessOrEqual(t, prev, cur, "v=%d", v)
		prev = cur
	}
}

func TestTransform_Precision(t *testing.T) {
	tr, err := NewTransform(Range{Low: 0, High: 3}, Range{Low: 0, High: 1}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 0.33, tr.Apply(1))
	assert.Equal(t, 0.67, tr.Apply(2))

	tr, err = NewTransform(Range{Low: 0, High: 3}, Range{Low: 0, High: 1}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, tr.Apply(2))
}

func TestNewTransform_Invalid(t *testing.T) {
	_, err := NewTransform(Range{Low: 1, High: 1}, DefaultTarget, 1, 1)
	assert.Error(t, err)
	_, err = NewTransform(macroRange, DefaultTarget, 0, 1)
	assert.Error(t, err)
	_, err = NewTransform(macroRange, DefaultTarget, 1, -1)
	assert.Error(t, err)
}

func TestTransform_ApplyAll(t *testing.T) {
	tr, err := NewTransform(Range{Low: 0, High: 255}, DefaultTarget, DefaultUnitScale, DefaultPrecision)
	require.NoError(t, err)

	got := tr.ApplyAll(nil, []int32{0, 255}, 41)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(41), got[0].Index)
	assert.Equal(t, uint64(42), got[1].Index)
	assert.InDelta(t, -5000000.0, got[0].Value, 1e-6)

	dst := make([]Scaled, 0, 8)
	got = tr.ApplyAll(dst, []int32{1, 2, 3}, 0)
	assert.Len(t, got, 3)
	assert.Equal(t, 8, cap(got))
}
