package proximity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_SlidingMean(t *testing.T) {
	f := NewFilter(3)

	require.Equal(t, -60, f.AddReading(-60))
	require.Equal(t, -65, f.AddReading(-70))
	require.Equal(t, -70, f.AddReading(-80))
	// -60 is evicted: (-70 - 80 - 90) / 3
	require.Equal(t, -80, f.AddReading(-90))
	require.Equal(t, 3, f.Len())
}

func TestFilter_TruncatesTowardZero(t *testing.T) {
	f := NewFilter(DefaultWindow)
	f.AddReading(-60)
	// -121 / 2 = -60.5, truncated to -60.
	require.Equal(t, -60, f.AddReading(-61))
}

func TestFilter_DefaultWindow(t *testing.T) {
	f := NewFilter(0)
	for i := 0; i < 10; i++ {
		f.AddReading(-50 - i)
	}
	require.Equal(t, DefaultWindow, f.Len())
}

func TestFilter_SmoothedDistance(t *testing.T) {
	f := NewFilter(DefaultWindow)

	// At the calibration power the distance is one meter.
	assert.InDelta(t, 1.0, f.SmoothedDistance(-59), 1e-9)

	f.Reset()
	// 20 dB below the calibration power with n=2 is ten meters.
	assert.InDelta(t, 10.0, f.SmoothedDistance(-79), 1e-9)
}

func TestFilter_SmoothedDistanceSentinel(t *testing.T) {
	f := NewFilter(DefaultWindow)
	require.Equal(t, Unknown, f.SmoothedDistance(0))

	// A window whose mean truncates to 0 is indeterminate as well.
	f.Reset()
	f.AddReading(-1)
	require.Equal(t, Unknown, f.SmoothedDistance(1))
}

func TestFilter_Reset(t *testing.T) {
	f := NewFilter(DefaultWindow)
	f.AddReading(-40)
	f.Reset()
	require.Zero(t, f.Len())
	require.Equal(t, -90, f.AddReading(-90))
}

func TestFilter_CustomModel(t *testing.T) {
	f := NewFilterWithModel(1, Model{TxPower: -50, PathLossExponent: 4})
	// (-50 - -90) / 40 = 1 -> 10m
	require.InDelta(t, 10.0, f.SmoothedDistance(-90), 1e-9)
}
