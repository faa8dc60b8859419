// Package detect narrowband-demodulates a capture at a set of candidate
// frequencies, classifies the envelope as CW or AM pulses, and removes
// intermodulation ghosts between correlated detections.
package detect

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"github.com/wildfind/harrier/internal/collar"
)

// Detection constants: the canonical collar pulse widths and rates, the
// tolerance bands around them, and the empirically tuned ghost-correlation
// threshold.
const (
	DemodBins = 4096

	pulseRateDeviationPct = 15.0
	pulseRateTolPPM       = 10.0
	toneTolPct            = 10.0
	ghostRateTolPPM       = 5.0
	ghostCorrThreshold    = 0.33

	ChannelSpaceHz = 20_000.0

	sampleTimeSecs = 4.0
)

var (
	// pulseWidthsSecs are the canonical CW pulse widths, ascending, with
	// their +/-75% tolerance band applied at detect time.
	pulseWidthsSecs  = []float64{10e-3, 25e-3, 64e-3}
	pulseWidthTolPct = 75.0

	canonicalRatesPPM = []float64{40, 60, 80}

	toneFreqsHz = []float64{260}
)

// ErrSampleTooShort is returned when the capture is smaller than one demod
// chunk.
var ErrSampleTooShort = errors.New("detect: sample count below one demod chunk")

// widthBand is a (max, min) tolerance pair in the same units as the value
// it was derived from.
type widthBand struct {
	max, min float64
}

func calcTolerances(values []float64, tolerancePct float64) []widthBand {
	bands := make([]widthBand, len(values))
	for i, v := range values {
		bands[i] = widthBand{
			max: v * (100 + tolerancePct) / 100,
			min: v * (100 - tolerancePct) / 100,
		}
	}
	return bands
}

// LaneDebug captures one candidate's intermediates for offline inspection:
// the smoothed demod envelope, the edge thresholds derived from it, and
// what the classifier decided.
type LaneDebug struct {
	OffsetHz   float64
	Envelope   []float64
	ThreshHigh float64
	ThreshLow  float64
	Outcome    string
}

// Debug is the per-Detect-call side channel filled in by DetectDebug. It
// never influences the detection result itself.
type Debug struct {
	Lanes []LaneDebug
}

// Detect runs narrowband demod, edge/pulse/AM analysis, and ghost
// suppression over samples at the given candidate offsets (Hz, relative to
// basebandHz), returning zero or more confirmed collar detections.
func Detect(samples []complex128, candidateOffsetsHz []float64, basebandHz, sampleRateHz float64) ([]collar.Collar, error) {
	return detect(samples, candidateOffsetsHz, basebandHz, sampleRateHz, nil)
}

// DetectDebug is Detect plus a filled-in Debug record, for the offline
// analysis tooling. The collar list is identical to what Detect returns.
func DetectDebug(samples []complex128, candidateOffsetsHz []float64, basebandHz, sampleRateHz float64) ([]collar.Collar, *Debug, error) {
	dbg := &Debug{}
	collars, err := detect(samples, candidateOffsetsHz, basebandHz, sampleRateHz, dbg)
	return collars, dbg, err
}

func detect(samples []complex128, candidateOffsetsHz []float64, basebandHz, sampleRateHz float64, dbg *Debug) ([]collar.Collar, error) {
	if len(candidateOffsetsHz) == 0 {
		return nil, nil
	}

	chunks := len(samples) / DemodBins
	if chunks == 0 {
		return nil, ErrSampleTooShort
	}

	signals := demod(samples, candidateOffsetsHz, sampleRateHz, chunks)
	smooth(signals, 4)

	detected := detectLanes(signals, candidateOffsetsHz, basebandHz, dbg)
	detected = removeGhosts(signals, detected)

	return detected, nil
}

// demod splits samples into DemodBins-sized chunks, FFTs each, and records
// the magnitude of the bin nearest each candidate frequency, producing one
// envelope sample per chunk per candidate.
func demod(samples []complex128, offsetsHz []float64, sampleRateHz float64, chunks int) [][]float64 {
	fft := fourier.NewCmplxFFT(DemodBins)
	hzPerBin := sampleRateHz / DemodBins

	signals := make([][]float64, len(offsetsHz))
	for i := range signals {
		signals[i] = make([]float64, chunks)
	}

	bins := make([]int, len(offsetsHz))
	for i, hz := range offsetsHz {
		bins[i] = nearestBin(hz, DemodBins, hzPerBin)
	}

	for c := 0; c < chunks; c++ {
		chunk := samples[c*DemodBins : (c+1)*DemodBins]
		spectrum := fft.Coefficients(nil, chunk)
		for i, b := range bins {
			re := real(spectrum[b]) / DemodBins
			im := imag(spectrum[b]) / DemodBins
			signals[i][c] = math.Hypot(re, im)
		}
	}

	return signals
}

// nearestBin maps a signed Hz offset to the natural (unshifted) FFT bin
// index nearest it: non-negative offsets map from bin 0 up, negative
// offsets wrap around from bin n-1 down.
func nearestBin(offsetHz float64, n int, hzPerBin float64) int {
	idx := int(math.Round(offsetHz / hzPerBin))
	idx %= n
	if idx < 0 {
		idx += n
	}
	return idx
}

// smooth convolves each series with a boxLen-tap boxcar and removes its
// mean.
func smooth(signals [][]float64, boxLen int) {
	for i, s := range signals {
		signals[i] = boxcarSame(s, boxLen)
		mean := stat.Mean(signals[i], nil)
		for j := range signals[i] {
			signals[i][j] -= mean
		}
	}
}

// boxcarSame is a 'same'-mode moving-average convolution: output length
// equals input length, centred on each sample.
func boxcarSame(s []float64, boxLen int) []float64 {
	out := make([]float64, len(s))
	half := boxLen / 2
	for i := range s {
		var sum float64
		var count int
		for k := 0; k < boxLen; k++ {
			j := i - half + k
			if j < 0 || j >= len(s) {
				continue
			}
			sum += s[j]
			count++
		}
		if count > 0 {
			out[i] = sum / float64(boxLen)
		}
	}
	return out
}

// lane is a per-candidate edge-extraction result.
type lane struct {
	threshHigh, threshLow float64
	pos, neg              []int
}

// findEdges computes high/low percentile thresholds and the resulting
// two-state edge-crossing index lists.
func findEdges(signal []float64, pulseWidths []widthBand) lane {
	minPulses := sampleTimeSecs * minOf(canonicalRatesPPM) / 60.0
	minHigh := minPulses * minWidthBand(pulseWidths) / 1000.0
	threshold := (1 - minHigh/sampleTimeSecs) * 100

	t1 := percentile(signal, threshold)
	t2 := percentile(signal, threshold-5)
	offset := (t1 - t2) / 3.0
	threshHigh := t1 - offset
	threshLow := t2 + offset

	high := make([]bool, len(signal))
	low := make([]bool, len(signal))
	for i, v := range signal {
		high[i] = v >= threshHigh
		low[i] = v <= threshLow
	}

	edges := make([]bool, len(signal))
	seen := false
	state := false
	for i := range signal {
		switch {
		case high[i]:
			state = true
			seen = true
		case low[i]:
			state = false
			seen = true
		}
		if seen {
			edges[i] = state
		}
	}

	var edgeIdx []int
	for i := 1; i < len(edges); i++ {
		if edges[i] != edges[i-1] {
			edgeIdx = append(edgeIdx, i-1)
		}
	}

	var pos, neg []int
	for i, idx := range edgeIdx {
		if i%2 == 0 {
			pos = append(pos, idx)
		} else {
			neg = append(neg, idx)
		}
	}

	diff := len(pos) - len(neg)
	if diff < 0 {
		diff = -diff
	}
	if diff > 1 {
		return lane{threshHigh, threshLow, nil, nil}
	}
	if diff == 1 {
		n := minInt(len(pos), len(neg))
		pos = pos[:n]
		neg = neg[:n]
	}

	return lane{threshHigh, threshLow, pos, neg}
}

func minWidthBand(bands []widthBand) float64 {
	m := bands[0].min
	for _, b := range bands[1:] {
		if b.min < m {
			m = b.min
		}
	}
	return m
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// stdDevPop is the population standard deviation (n denominator). The
// pulse-regularity and ghost-correlation thresholds were tuned against
// this form; gonum's StdDev is the sample (n-1) form, which overshoots by
// up to 41% at the pulse counts a 4 s capture produces.
func stdDevPop(xs []float64) float64 {
	mean := stat.Mean(xs, nil)
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// percentile computes the linear-interpolation percentile of data.
func percentile(data []float64, pct float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	if pct <= 0 {
		return sorted[0]
	}
	if pct >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := pct / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// pulseCandidate is an unstamped CW/AM fit result for one lane.
type pulseCandidate struct {
	count   int
	ratePPM float64
	level   float64
	widthMs float64
}

// findPulses fits a CW pulse train to signal using the edge indices found
// by findEdges.
func findPulses(signal []float64, pos, neg []int, sampleRateHzEnvelope float64, pulseWidthsSamples []widthBand) *pulseCandidate {
	if len(pos) == 0 || len(neg) == 0 {
		return nil
	}
	n := minInt(len(pos), len(neg))
	widths := make([]int, n)
	for i := 0; i < n; i++ {
		widths[i] = neg[i] - pos[i]
	}

	length := len(signal)

	for _, band := range pulseWidthsSamples {
		allValid := true
		for _, w := range widths {
			wf := float64(w)
			if !(wf > band.min && wf < band.max) {
				allValid = false
				break
			}
		}
		if !allValid || len(widths) < 2 {
			continue
		}

		period := make([]float64, n-1)
		for i := 1; i < n; i++ {
			period[i-1] = float64(pos[i] - pos[i-1])
		}
		avg := stat.Mean(period, nil)
		if avg <= 0 {
			continue
		}
		maxDeviation := avg * pulseRateDeviationPct / 100.0
		sd := stdDevPop(period)
		if sd >= maxDeviation {
			continue
		}

		freqHz := float64(length) / (avg * sampleTimeSecs)
		ratePPM := freqHz * 60

		closest := canonicalRatesPPM[0]
		bestDiff := math.Abs(closest - ratePPM)
		for _, r := range canonicalRatesPPM[1:] {
			d := math.Abs(r - ratePPM)
			if d < bestDiff {
				bestDiff = d
				closest = r
			}
		}
		if math.Abs(closest-ratePPM) >= pulseRateTolPPM {
			continue
		}

		var levelSum float64
		var widthSum int
		for i := 0; i < n; i++ {
			p := pos[i]
			w := widths[i]
			end := p + w - 1
			if end > length {
				end = length
			}
			if end < p {
				end = p
			}
			levelSum += stat.Mean(signal[p:end], nil)
			widthSum += w
		}
		level := levelSum / float64(n)
		widthMs := float64(widthSum) / float64(n) * sampleTimeSecs * 1000 / float64(length)

		return &pulseCandidate{
			count:   n,
			ratePPM: closest,
			level:   level,
			widthMs: widthMs,
		}
	}

	return nil
}

// findTone locates the inter-edge period matching one of freqsHz within
// tolerance and reconstructs a synthetic on/off tone envelope.
func findTone(signal []float64, indices []int, freqsHz []float64) (freqHz float64, pulse []float64, ok bool) {
	if len(indices) == 0 {
		return 0, nil, false
	}

	sampleRate := float64(len(signal)) / sampleTimeSecs
	periods := make([]float64, len(freqsHz))
	for i, f := range freqsHz {
		periods[i] = sampleRate / f
	}
	bands := calcTolerances(periods, toneTolPct)

	idx := indices
	if idx[0] != 0 {
		idx = append([]int{0}, idx...)
	}
	widths := make([]int, len(idx)-1)
	for i := 1; i < len(idx); i++ {
		widths[i-1] = idx[i] - idx[i-1]
	}

	bestCount := -1
	bestBand := widthBand{}
	for _, band := range bands {
		count := 0
		for _, w := range widths {
			wf := float64(w)
			if wf > band.min && wf < band.max {
				count++
			}
		}
		if count > bestCount {
			bestCount = count
			bestBand = band
		}
	}
	if bestCount <= 0 {
		return 0, nil, false
	}

	var sumWidths float64
	var validCount int
	for _, w := range widths {
		wf := float64(w)
		if wf > bestBand.min && wf < bestBand.max {
			sumWidths += wf
			validCount++
		}
	}
	periodAvg := sumWidths / float64(validCount)
	freqHz = sampleRate / periodAvg

	pulse = make([]float64, len(signal))
	pos := 0
	for i, w := range widths {
		valid := float64(w) > bestBand.min && float64(w) < bestBand.max
		start := idx[i]
		end := start + w
		if end > len(signal) {
			end = len(signal)
		}
		var level float64
		if end > start {
			level = math.Abs(stat.Mean(signal[start:end], nil))
		}
		fillVal := 0.0
		if valid {
			fillVal = level
		}
		for p := pos; p < pos+w && p < len(pulse); p++ {
			pulse[p] = fillVal
		}
		pos += w
	}

	return freqHz, pulse, true
}

// findAM reconstructs an AM tone envelope from positive and negative edge
// series independently; both polarities must agree on the tone period.
func findAM(signal []float64, pos, neg []int) (am []float64, amPos, amNeg []int, ok bool) {
	freq, pulsePos, ok1 := findTone(signal, pos, toneFreqsHz)
	if !ok1 {
		return nil, nil, nil, false
	}
	_, pulseNeg, ok2 := findTone(signal, neg, []float64{freq})
	if !ok2 {
		return nil, nil, nil, false
	}

	am = make([]float64, len(signal))
	for i := range am {
		am[i] = (pulsePos[i] + pulseNeg[i]) / 2
	}

	for i := 1; i < len(am); i++ {
		if am[i] != 0 && am[i-1] == 0 {
			amPos = append(amPos, i-1)
		}
		if am[i] == 0 && am[i-1] != 0 {
			amNeg = append(amNeg, i-1)
		}
	}
	n := minInt(len(amPos), len(amNeg))
	amPos = amPos[:n]
	amNeg = amNeg[:n]

	return am, amPos, amNeg, true
}

// detectLanes runs edge/CW/AM analysis over every candidate's envelope.
func detectLanes(signals [][]float64, offsetsHz []float64, basebandHz float64, dbg *Debug) []collar.Collar {
	if len(signals) == 0 {
		return nil
	}
	envelopeSampleRate := float64(len(signals[0])) / sampleTimeSecs

	pulseWidthsSamples := make([]float64, len(pulseWidthsSecs))
	for i, w := range pulseWidthsSecs {
		pulseWidthsSamples[i] = w * envelopeSampleRate
	}
	bands := calcTolerances(pulseWidthsSamples, pulseWidthTolPct)

	var collars []collar.Collar

	for signalNum, signal := range signals {
		l := findEdges(signal, bands)

		var modulation collar.Modulation
		cand := findPulses(signal, l.pos, l.neg, envelopeSampleRate, bands)
		if cand != nil {
			modulation = collar.CW
		} else {
			am, amPos, amNeg, ok := findAM(signal, l.pos, l.neg)
			if ok {
				cand = findPulses(am, amNeg, amPos, envelopeSampleRate, bands)
				if cand != nil {
					modulation = collar.AM
				}
			}
		}

		if dbg != nil {
			outcome := "rejected"
			if cand != nil {
				outcome = modulation.String()
			}
			dbg.Lanes = append(dbg.Lanes, LaneDebug{
				OffsetHz:   offsetsHz[signalNum],
				Envelope:   append([]float64(nil), signal...),
				ThreshHigh: l.threshHigh,
				ThreshLow:  l.threshLow,
				Outcome:    outcome,
			})
		}

		if cand == nil {
			continue
		}

		freq := offsetsHz[signalNum] + basebandHz
		freq = math.Round(freq/ChannelSpaceHz) * ChannelSpaceHz

		collars = append(collars, collar.Collar{
			SignalIndex: signalNum,
			Modulation:  modulation,
			FrequencyHz: freq,
			Count:       cand.count,
			RatePPM:     cand.ratePPM,
			Level:       cand.level,
			WidthMs:     cand.widthMs,
		})
	}

	return collars
}

// removeGhosts clusters confirmed collars by pulse rate and drops the
// weaker of any pair whose demod envelopes correlate above
// ghostCorrThreshold.
func removeGhosts(signals [][]float64, collars []collar.Collar) []collar.Collar {
	if len(collars) < 2 {
		return collars
	}

	sorted := append([]collar.Collar(nil), collars...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RatePPM < sorted[j].RatePPM })

	var groups [][]collar.Collar
	group := []collar.Collar{sorted[0]}
	for i := 1; i < len(sorted); i++ {
		if sorted[i].RatePPM-sorted[i-1].RatePPM > ghostRateTolPPM {
			groups = append(groups, group)
			group = nil
		}
		group = append(group, sorted[i])
	}
	groups = append(groups, group)

	toRemove := make(map[int]bool) // keyed by SignalIndex

	for _, g := range groups {
		gg := append([]collar.Collar(nil), g...)
		sort.Slice(gg, func(i, j int) bool { return gg[i].Level > gg[j].Level })
		for i := 0; i < len(gg); i++ {
			for j := i + 1; j < len(gg); j++ {
				if toRemove[gg[j].SignalIndex] {
					continue
				}
				if correlate(signals[gg[i].SignalIndex], signals[gg[j].SignalIndex]) {
					toRemove[gg[j].SignalIndex] = true
				}
			}
		}
	}

	if len(toRemove) == 0 {
		return collars
	}

	kept := make([]collar.Collar, 0, len(collars))
	for _, c := range collars {
		if !toRemove[c.SignalIndex] {
			kept = append(kept, c)
		}
	}
	return kept
}

// correlate normalises a and v and reports whether their lag-0
// cross-correlation exceeds ghostCorrThreshold. The normalisation is
// asymmetric: a carries an extra 1/len(a) factor that v does not. The
// threshold is empirical and was tuned against that arithmetic, so both
// are kept as-is.
func correlate(a, v []float64) bool {
	n := minInt(len(a), len(v))
	a = a[:n]
	v = v[:n]

	meanA := stat.Mean(a, nil)
	sdA := stdDevPop(a)
	meanV := stat.Mean(v, nil)
	sdV := stdDevPop(v)
	if sdA == 0 || sdV == 0 {
		return false
	}

	var corr float64
	for i := 0; i < n; i++ {
		na := (a[i] - meanA) / (sdA * float64(n))
		nv := (v[i] - meanV) / sdV
		corr += na * nv
	}

	return corr > ghostCorrThreshold
}
