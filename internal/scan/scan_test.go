package scan

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// synthTone builds n complex samples of a unit-amplitude tone at offsetHz
// relative to baseband, sampled at sampleRateHz.
func synthTone(n int, offsetHz, sampleRateHz float64) []complex128 {
	out := make([]complex128, n)
	for i := 0; i < n; i++ {
		phase := 2 * math.Pi * offsetHz * float64(i) / sampleRateHz
		out[i] = complex(math.Cos(phase), math.Sin(phase))
	}
	return out
}

func TestScanRejectsShortSamples(t *testing.T) {
	_, err := Scan(make([]complex128, Bins-1), 2_400_000)
	require.ErrorIs(t, err, ErrSampleTooShort)
}

func TestScanNoPeaksOnSilence(t *testing.T) {
	samples := make([]complex128, Bins*3)
	peaks, err := Scan(samples, 2_400_000)
	require.NoError(t, err)
	// A perfectly flat (zero) spectrum has no level variation to cross the
	// hysteresis threshold.
	require.Empty(t, peaks)
}

func TestScanFindsToneNearExpectedOffset(t *testing.T) {
	const sampleRate = 2_400_000.0
	samples := synthTone(Bins*4, 150_000, sampleRate)
	peaks, err := Scan(samples, sampleRate)
	require.NoError(t, err)
	require.NotEmpty(t, peaks)

	hzPerBin := sampleRate / float64(Bins)
	found := false
	for _, p := range peaks {
		if math.Abs(p.FrequencyOffsetHz-150_000) < hzPerBin*2 {
			found = true
		}
	}
	require.True(t, found, "expected a peak near +150kHz, got %+v", peaks)
}

func TestFindPeaksRequiresHysteresis(t *testing.T) {
	// A gentle 1dB ripple should not trip the 2dB hysteresis threshold.
	db := make([]float64, 100)
	for i := range db {
		db[i] = math.Sin(float64(i)) * 0.5
	}
	peaks := findPeaks(db, 1)
	require.Empty(t, peaks)
}
