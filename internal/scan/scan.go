// Package scan estimates the power spectral density of a capture and
// returns the list of candidate carrier offsets via a one-pass hysteresis
// peak detector.
package scan

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// Bins is the FFT segment length used for the PSD estimate.
	Bins = 4096

	// ChangeDb is the hysteresis threshold: a peak is emitted when the
	// level falls/rises this many dB from the running extremum.
	ChangeDb = 2.0

	// segmentStride is the distance between successive segment starts.
	// The source steps by Bins+65536 samples between Hann-windowed
	// segments rather than overlapping them in the usual Welch sense.
	segmentStride = Bins + 65536
)

// ErrSampleTooShort is returned when fewer than Bins samples are supplied.
var ErrSampleTooShort = errors.New("scan: sample count below minimum FFT segment size")

// Peak is a candidate carrier, expressed as an offset relative to the tuned
// baseband, with the PSD level it was detected at.
type Peak struct {
	FrequencyOffsetHz float64
	LevelDb           float64
}

// PSD computes a Welch-style power spectral density estimate in dB, indexed
// by bin with DC at index len/2 (the spectrum has already been centred/fftshifted).
// It also returns the frequency-per-bin resolution in Hz.
func PSD(samples []complex128, sampleRateHz float64) (db []float64, hzPerBin float64, err error) {
	n := len(samples)
	if n < Bins {
		return nil, 0, ErrSampleTooShort
	}

	window := hann(Bins)
	fft := fourier.NewCmplxFFT(Bins)

	accum := make([]float64, Bins)
	segments := 0

	for start := 0; start+Bins <= n; start += segmentStride {
		seg := make([]complex128, Bins)
		for i := 0; i < Bins; i++ {
			seg[i] = samples[start+i] * complex(window[i], 0)
		}
		spectrum := fft.Coefficients(nil, seg)
		for i, c := range spectrum {
			mag2 := real(c)*real(c) + imag(c)*imag(c)
			accum[i] += mag2
		}
		segments++
	}

	power := make([]float64, Bins)
	for i := range accum {
		power[i] = accum[i] / float64(segments)
	}

	centred := fftShift(power)

	db = make([]float64, Bins)
	for i, p := range centred {
		if p <= 0 {
			db[i] = -300
			continue
		}
		db[i] = 10 * math.Log10(p)
	}

	hzPerBin = sampleRateHz / float64(Bins)
	return db, hzPerBin, nil
}

// Scan returns the candidate peak offsets found in samples.
func Scan(samples []complex128, sampleRateHz float64) ([]Peak, error) {
	db, hzPerBin, err := PSD(samples, sampleRateHz)
	if err != nil {
		return nil, err
	}
	return FindPeaks(db, hzPerBin), nil
}

// FindPeaks exposes the hysteresis peak detector directly over an
// already-computed PSD, for callers (the capture worker's debug spectrum
// hook, the offline spectrum-plot tool) that need the raw dB spectrum as
// well as the peak list without computing the FFT twice.
func FindPeaks(db []float64, hzPerBin float64) []Peak {
	return findPeaks(db, hzPerBin)
}

// findPeaks implements the canonical one-pass symmetric-delta hysteresis
// peak detector: walk the spectrum tracking a running (min, max) since the
// last extremum; emit a peak when the level falls ChangeDb below the
// running max, then flip to trough-seeking mode until it rises ChangeDb
// above the running min.
func findPeaks(db []float64, hzPerBin float64) []Peak {
	if len(db) == 0 {
		return nil
	}

	var peaks []Peak

	lookingForMax := true
	runMax := db[0]
	runMin := db[0]
	maxIdx := 0

	for i, v := range db {
		if v > runMax {
			runMax = v
			maxIdx = i
		}
		if v < runMin {
			runMin = v
		}

		if lookingForMax {
			if v < runMax-ChangeDb {
				peaks = append(peaks, Peak{
					FrequencyOffsetHz: binOffsetHz(maxIdx, len(db), hzPerBin),
					LevelDb:           runMax,
				})
				lookingForMax = false
				runMin = v
			}
		} else {
			if v > runMin+ChangeDb {
				lookingForMax = true
				runMax = v
				maxIdx = i
			}
		}
	}

	return peaks
}

// binOffsetHz converts a centred-spectrum bin index to a signed Hz offset
// from DC (the spectrum has already been shifted, so index n/2 is DC).
func binOffsetHz(idx, n int, hzPerBin float64) float64 {
	centre := n / 2
	return float64(idx-centre) * hzPerBin
}

// hann returns an n-point Hann window.
func hann(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := 0; i < n; i++ {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// fftShift reorders a power spectrum so that what was bin 0 (DC) ends up in
// the centre, matching the conventional centred-spectrum display.
func fftShift(power []float64) []float64 {
	n := len(power)
	out := make([]float64, n)
	half := n / 2
	copy(out[half:], power[:n-half])
	copy(out[:half], power[n-half:])
	return out
}

// String renders a Peak for logging.
func (p Peak) String() string {
	return fmt.Sprintf("%+.0fHz @ %.1fdB", p.FrequencyOffsetHz, p.LevelDb)
}
