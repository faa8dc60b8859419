// Package capture drives the SDR through one capture cycle: fill the
// sample buffer, run Scan, run Detect, and report the result.
package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wildfind/harrier/internal/collar"
	"github.com/wildfind/harrier/internal/detect"
	"github.com/wildfind/harrier/internal/iqbuffer"
	"github.com/wildfind/harrier/internal/monitoring"
	"github.com/wildfind/harrier/internal/scan"
)

// State is the capture worker's lifecycle state: Idle, then Capturing
// while the SDR delivers chunks, then Processing while Scan/Detect run,
// then back to Idle.
type State int

const (
	Idle State = iota
	Capturing
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Capturing:
		return "Capturing"
	case Processing:
		return "Processing"
	default:
		return "Unknown"
	}
}

// ErrBusy is returned by Request when the worker is not Idle.
var ErrBusy = errors.New("capture: worker is not idle")

// Driver is the contract the SDR vendor library must satisfy. Only the
// contract lives here; the vendor binding is supplied by the caller.
type Driver interface {
	// SetCenterFreq tunes the SDR to the given baseband, in Hz.
	SetCenterFreq(hz float64) error
	// SetGain sets the SDR's gain, in dB.
	SetGain(db float64) error
	// StartAsyncRead requests totalBytes bytes delivered in `blocks`
	// asynchronous chunks. onChunk is invoked, in order, for each chunk
	// with its byte offset into the logical buffer and its payload.
	// StartAsyncRead blocks until all chunks have been delivered, ctx is
	// cancelled, or an I/O error occurs.
	StartAsyncRead(ctx context.Context, totalBytes, blocks int, onChunk func(offset int, data []byte)) error
	// Close releases the underlying device.
	Close() error
}

// Result is what a completed capture cycle reports to its caller.
type Result struct {
	Collars      []collar.Collar
	CaptureStart time.Time
}

// DoneFunc is invoked once per completed capture cycle; a cycle that is
// cancelled or fails posts no result. It is called on the worker's own
// goroutine, never concurrently with itself.
type DoneFunc func(Result)

// Worker owns the sample buffer exclusively and drives one capture cycle
// at a time.
type Worker struct {
	driver Driver
	buf    *iqbuffer.Buffer
	onDone DoneFunc

	mu         sync.Mutex
	state      State
	onState    func(State)
	onFatal    func(error)
	onSpectrum func(db []float64, hzPerBin float64)
	// cancel cancels the in-flight capture's context, used by Cancel to
	// abort the current phase from any other goroutine.
	cancel context.CancelFunc
}

// New constructs a Worker with a buffer sized for n complex samples
// (defaults to iqbuffer.NumSamples).
func New(driver Driver, n int, onDone DoneFunc) *Worker {
	if n <= 0 {
		n = iqbuffer.NumSamples
	}
	return &Worker{
		driver: driver,
		buf:    iqbuffer.New(n),
		onDone: onDone,
		state:  Idle,
	}
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Request starts a capture cycle on a new goroutine if the worker is Idle.
// A request arriving while non-idle is rejected with ErrBusy; a coverage
// gap is preferred to a request queue.
func (w *Worker) Request(ctx context.Context, basebandHz, gainDb float64) error {
	w.mu.Lock()
	if w.state != Idle {
		w.mu.Unlock()
		return ErrBusy
	}
	captureCtx, cancel := context.WithCancel(ctx)
	w.state = Capturing
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(captureCtx, basebandHz, gainDb)
	return nil
}

// Cancel aborts the in-flight capture, if any, and returns the worker to
// Idle. Safe to call when already Idle.
func (w *Worker) Cancel() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	cb := w.onState
	w.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// OnStateChange registers fn to be called, from the worker's own
// goroutine, every time the worker's lifecycle state changes. Used by the
// orchestrator to mirror Capturing/Processing into the operator-facing
// status line without polling.
func (w *Worker) OnStateChange(fn func(State)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onState = fn
}

// OnFatal registers fn to be called, from the worker's own goroutine, when
// the SDR itself fails (tune, gain, or read). An SDR failure is fatal for
// the receiver; the orchestrator turns it into a shutdown with exit code 3.
func (w *Worker) OnFatal(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFatal = fn
}

func (w *Worker) fatal(err error) {
	w.mu.Lock()
	cb := w.onFatal
	w.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// OnSpectrum registers fn to be called, from the worker's own goroutine,
// with the centred PSD (in dB) and Hz-per-bin resolution computed for each
// processed capture. Used by internal/debugweb to serve a live spectrum
// chart without the worker depending on it directly.
func (w *Worker) OnSpectrum(fn func(db []float64, hzPerBin float64)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onSpectrum = fn
}

func (w *Worker) run(ctx context.Context, basebandHz, gainDb float64) {
	captureStart := time.Now()
	totalBytes := 2 * w.buf.Len()

	if err := w.driver.SetCenterFreq(basebandHz); err != nil {
		monitoring.Logf("capture: tune to %.0f Hz failed: %v", basebandHz, err)
		w.setState(Idle)
		w.fatal(err)
		return
	}
	if err := w.driver.SetGain(gainDb); err != nil {
		monitoring.Logf("capture: set gain %.1f dB failed: %v", gainDb, err)
		w.setState(Idle)
		w.fatal(err)
		return
	}

	err := w.driver.StartAsyncRead(ctx, totalBytes, iqbuffer.Blocks, func(offset int, data []byte) {
		if writeErr := w.buf.WriteChunk(offset, data); writeErr != nil {
			monitoring.Logf("capture: chunk write failed: %v", writeErr)
		}
	})

	if ctx.Err() != nil {
		// Cancelled mid-capture: abort without posting a result.
		w.setState(Idle)
		return
	}
	if err != nil {
		monitoring.Logf("capture: SDR read failed: %v", err)
		w.setState(Idle)
		w.fatal(err)
		return
	}

	w.setState(Processing)

	samples := w.buf.Complex()
	sampleRateHz := float64(w.buf.Len()) / iqbuffer.SampleTimeSecs

	psdDb, hzPerBin, err := scan.PSD(samples, sampleRateHz)
	if err != nil {
		monitoring.Logf("capture: scan failed: %v", err)
		w.setState(Idle)
		return
	}
	w.mu.Lock()
	onSpectrum := w.onSpectrum
	w.mu.Unlock()
	if onSpectrum != nil {
		onSpectrum(psdDb, hzPerBin)
	}
	peaks := scan.FindPeaks(psdDb, hzPerBin)

	offsets := make([]float64, len(peaks))
	for i, p := range peaks {
		offsets[i] = p.FrequencyOffsetHz
	}

	collars, err := detect.Detect(samples, offsets, basebandHz, sampleRateHz)
	if err != nil {
		monitoring.Logf("capture: detect failed: %v", err)
		w.setState(Idle)
		return
	}
	if ctx.Err() != nil {
		// Cancelled while processing: abort without posting a result.
		w.setState(Idle)
		return
	}

	w.setState(Idle)

	if w.onDone != nil {
		w.onDone(Result{Collars: collars, CaptureStart: captureStart})
	}
}
