package detect

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wildfind/harrier/internal/collar"
)

const testSampleRate = 2_400_000.0

// pulseTrain synthesises n complex samples carrying a square on/off envelope
// (pulseWidthSec on, every periodSec) modulated onto a carrier offsetHz away
// from baseband, at the given amplitude.
func pulseTrain(n int, offsetHz, pulseWidthSec, periodSec, amplitude float64) []complex128 {
	out := make([]complex128, n)
	for i := 0; i < n; i++ {
		t := float64(i) / testSampleRate
		if math.Mod(t, periodSec) >= pulseWidthSec {
			continue
		}
		phase := 2 * math.Pi * offsetHz * t
		out[i] = complex(amplitude*math.Cos(phase), amplitude*math.Sin(phase))
	}
	return out
}

func wholeChunks(totalSamples int) int {
	return (totalSamples / DemodBins) * DemodBins
}

func TestDetectFindsCWPulseTrain(t *testing.T) {
	n := wholeChunks(int(testSampleRate * sampleTimeSecs))
	samples := pulseTrain(n, 0, 0.025, 1.0, 1.0)

	const basebandHz = 151_140_000.0
	collars, err := Detect(samples, []float64{0}, basebandHz, testSampleRate)
	require.NoError(t, err)
	require.Len(t, collars, 1)

	c := collars[0]
	require.Equal(t, collar.CW, c.Modulation)
	require.InDelta(t, 151_140_000.0, c.FrequencyHz, 1e-6)
	require.InDelta(t, 60.0, c.RatePPM, pulseRateTolPPM)
	require.GreaterOrEqual(t, c.Count, 2)
}

func TestDetectReturnsEmptyWithNoCandidates(t *testing.T) {
	n := wholeChunks(int(testSampleRate * sampleTimeSecs))
	samples := pulseTrain(n, 0, 0.025, 1.0, 1.0)

	collars, err := Detect(samples, nil, 151_140_000.0, testSampleRate)
	require.NoError(t, err)
	require.Empty(t, collars)
}

func TestDetectRejectsShortSamples(t *testing.T) {
	_, err := Detect(make([]complex128, DemodBins-1), []float64{0}, 151_140_000.0, testSampleRate)
	require.ErrorIs(t, err, ErrSampleTooShort)
}

func TestDetectSuppressesCorrelatedGhost(t *testing.T) {
	n := wholeChunks(int(testSampleRate * sampleTimeSecs))

	primary := pulseTrain(n, 0, 0.025, 1.0, 1.0)
	ghost := pulseTrain(n, 100_000, 0.025, 1.0, 0.3)

	samples := make([]complex128, n)
	for i := range samples {
		samples[i] = primary[i] + ghost[i]
	}

	const basebandHz = 151_140_000.0
	collars, err := Detect(samples, []float64{0, 100_000}, basebandHz, testSampleRate)
	require.NoError(t, err)
	require.Len(t, collars, 1, "the weaker correlated ghost must be suppressed")
	require.InDelta(t, 151_140_000.0, collars[0].FrequencyHz, 1e-6)
}

// TestFindPulsesUsesPopulationDeviation pins the regularity gate's
// deviation form: periods of 128 and 164 envelope samples (mean 146) have
// a population stddev of 18, inside the 15%-of-mean limit of 21.9, while
// the sample (n-1) form gives 25.5 and would wrongly reject the train.
func TestFindPulsesUsesPopulationDeviation(t *testing.T) {
	signal := make([]float64, 585)
	for i := range signal {
		signal[i] = 1
	}
	envelopeRate := float64(len(signal)) / sampleTimeSecs

	widthsSamples := make([]float64, len(pulseWidthsSecs))
	for i, w := range pulseWidthsSecs {
		widthsSamples[i] = w * envelopeRate
	}
	bands := calcTolerances(widthsSamples, pulseWidthTolPct)

	pos := []int{0, 128, 292}
	neg := []int{4, 132, 296}

	cand := findPulses(signal, pos, neg, envelopeRate, bands)
	require.NotNil(t, cand, "jitter within the population-deviation gate must still fit")
	require.Equal(t, 60.0, cand.ratePPM)
	require.Equal(t, 3, cand.count)
}

func TestStdDevPopSmallN(t *testing.T) {
	require.InDelta(t, 18.0, stdDevPop([]float64{128, 164}), 1e-9)
	require.InDelta(t, 0.0, stdDevPop([]float64{42}), 1e-9)
}

func TestDetectDebugRecordsLaneOutcomes(t *testing.T) {
	n := wholeChunks(int(testSampleRate * sampleTimeSecs))
	samples := pulseTrain(n, 0, 0.025, 1.0, 1.0)

	collars, dbg, err := DetectDebug(samples, []float64{0}, 151_140_000.0, testSampleRate)
	require.NoError(t, err)
	require.Len(t, collars, 1)
	require.Len(t, dbg.Lanes, 1)

	l := dbg.Lanes[0]
	require.Equal(t, "CW", l.Outcome)
	require.NotEmpty(t, l.Envelope)
	require.Greater(t, l.ThreshHigh, l.ThreshLow)
}

func TestCorrelateDetectsIdenticalShape(t *testing.T) {
	a := []float64{0, 0, 1, 1, 1, 0, 0, 1, 1, 1, 0, 0}
	b := make([]float64, len(a))
	for i, v := range a {
		b[i] = v * 0.2
	}
	require.True(t, correlate(a, b))
}

func TestCorrelateRejectsUnrelatedShape(t *testing.T) {
	a := []float64{0, 0, 1, 1, 1, 0, 0, 1, 1, 1, 0, 0}
	b := []float64{1, 1, 0, 0, 0, 1, 1, 0, 0, 0, 1, 1}
	require.False(t, correlate(a, b))
}
