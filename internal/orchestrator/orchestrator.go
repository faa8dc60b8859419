// Package orchestrator is the receiver's single event loop: it owns the
// settings record, drives the capture worker and GPS reader, persists
// completed scans, and pushes live updates to the control server. Every
// producer reaches it through one channel of tagged events.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/wildfind/harrier/internal/capture"
	"github.com/wildfind/harrier/internal/collar"
	"github.com/wildfind/harrier/internal/control"
	"github.com/wildfind/harrier/internal/gpsreader"
	"github.com/wildfind/harrier/internal/monitoring"
	"github.com/wildfind/harrier/internal/serialmux"
	"github.com/wildfind/harrier/internal/settings"
	"github.com/wildfind/harrier/internal/status"
	"github.com/wildfind/harrier/internal/store"
	"github.com/wildfind/harrier/internal/timeutil"
)

// GPS gating and retry timing.
const (
	gpsAge        = 5 * time.Second
	gpsRetry      = 5 * time.Second
	scanWaitRetry = 1 * time.Second
)

// GPSFactory opens a fresh connection to the GPS device. Called once per
// GPS-open attempt; the orchestrator closes the returned mux when the
// reader loop ends.
type GPSFactory func() (serialmux.SerialMuxInterface, error)

type kind int

const (
	evScanStart kind = iota
	evScanDone
	evGPSOpen
	evGPSLoc
	evGPSSats
	evGPSErr
	evStatus
	evWarn
	evSetFrequency
	evSetDelay
	evSetPort
	evFatal
)

type event struct {
	kind         kind
	collars      []collar.Collar
	captureStart time.Time
	fix          gpsreader.Fix
	satellites   map[int]gpsreader.Satellite
	err          error
	phase        status.Phase
	message      string
	value        float64
}

// Orchestrator is the single owner of Settings mutation and scan
// scheduling. Every other goroutine reaches it only through its Event
// channel (directly, via Backend methods, or via the capture worker's
// DoneFunc/OnStateChange callbacks).
type Orchestrator struct {
	settings   *settings.Settings
	status     *status.Status
	store      *store.Store
	captureW   *capture.Worker
	gpsFactory GPSFactory
	clock      timeutil.Clock

	server *control.Server

	events chan event
	done   chan struct{}

	scanning bool
}

// New builds an Orchestrator. driver is the SDR vendor contract used by
// the capture worker; gpsFactory opens the GPS serial device on demand.
func New(driver capture.Driver, bufSamples int, st *settings.Settings, stat *status.Status, db *store.Store, gpsFactory GPSFactory, clock timeutil.Clock) *Orchestrator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	o := &Orchestrator{
		settings:   st,
		status:     stat,
		store:      db,
		gpsFactory: gpsFactory,
		clock:      clock,
		events:     make(chan event, 64),
		done:       make(chan struct{}),
	}
	o.captureW = capture.New(driver, bufSamples, o.onCaptureDone)
	o.captureW.OnStateChange(o.onCaptureState)
	o.captureW.OnFatal(func(err error) {
		o.send(event{kind: evFatal, err: err})
	})
	return o
}

// OnSpectrum registers fn to receive the PSD computed for every processed
// capture, forwarding directly to the underlying capture worker. Used to
// feed internal/debugweb's live spectrum chart without exposing the worker
// itself to callers outside the orchestrator.
func (o *Orchestrator) OnSpectrum(fn func(db []float64, hzPerBin float64)) {
	o.captureW.OnSpectrum(fn)
}

// SetControlServer wires the server used for out-of-band pushes. Must be
// called before Run, since control.NewServer needs the Orchestrator (as a
// Backend) before the Orchestrator can hold a *control.Server back.
func (o *Orchestrator) SetControlServer(s *control.Server) {
	o.server = s
}

// Run drives the event loop until ctx is cancelled or a handler reports a
// fatal error.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	o.send(event{kind: evGPSOpen})
	if o.settings.AutoDelayEnabled() {
		o.send(event{kind: evScanStart})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-o.events:
			if err := o.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (o *Orchestrator) send(ev event) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

func (o *Orchestrator) sendAfter(d time.Duration, ev event) {
	go func() {
		timer := o.clock.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C():
			o.send(ev)
		case <-o.done:
		}
	}()
}

func (o *Orchestrator) handle(ctx context.Context, ev event) error {
	switch ev.kind {
	case evScanStart:
		o.onScanStart(ctx)
	case evScanDone:
		o.onScanDone(ev)
	case evGPSOpen:
		go o.runGPS(ctx)
	case evGPSLoc:
		o.status.SetFix(ev.fix, o.clock.Now().Unix())
		o.pushStatus()
	case evGPSSats:
		o.status.SetSatellites(ev.satellites)
		o.pushSatellites()
	case evGPSErr:
		o.onGPSErr(ev)
	case evStatus:
		o.status.SetPhase(ev.phase)
		o.pushStatus()
	case evWarn:
		o.logMessage(fmt.Sprintf("Warning: %s", ev.message))
	case evSetFrequency:
		o.settings.SetFrequencyHz(ev.value)
	case evSetDelay:
		o.settings.SetAutoDelaySeconds(ev.value)
	case evSetPort:
		o.settings.SetPort(ev.message)
	case evFatal:
		o.logMessage(fmt.Sprintf("Fatal: %v", ev.err))
		return fmt.Errorf("SDR failure: %w", ev.err)
	}
	return nil
}

// onScanStart gates a scan on GPS: it may only begin with a fix no older
// than gpsAge, otherwise the request is re-posted after scanWaitRetry with
// the operator-facing phase set to Locate.
func (o *Orchestrator) onScanStart(ctx context.Context) {
	if age, ok := o.status.FixAge(o.clock.Now()); !ok || age > gpsAge {
		o.status.SetPhase(status.Locate)
		o.pushStatus()
		o.sendAfter(scanWaitRetry, event{kind: evScanStart})
		return
	}

	if !o.scanning {
		o.scanning = true
		if err := o.captureW.Request(ctx, o.settings.FrequencyHz(), o.settings.GainDb()); err != nil {
			monitoring.Logf("orchestrator: capture request: %v", err)
			o.scanning = false
		}
	}

	o.pushStatus()
}

func (o *Orchestrator) onCaptureDone(r capture.Result) {
	o.send(event{kind: evScanDone, collars: r.Collars, captureStart: r.CaptureStart})
}

func (o *Orchestrator) onCaptureState(s capture.State) {
	switch s {
	case capture.Capturing:
		o.send(event{kind: evStatus, phase: status.Capture})
	case capture.Processing:
		o.send(event{kind: evStatus, phase: status.Process})
	case capture.Idle:
		o.send(event{kind: evStatus, phase: status.Idle})
	}
}

// onScanDone stamps each collar with the fix current at completion (never
// the fix at scan start), persists, logs the count, pushes
// signals/log/status, and reschedules if auto-delay is enabled.
func (o *Orchestrator) onScanDone(ev event) {
	o.scanning = false
	ts := ev.captureStart.Unix()

	fix, hasFix := o.status.Fix()
	for i := range ev.collars {
		if hasFix {
			ev.collars[i].Lon = fix.Lon
			ev.collars[i].Lat = fix.Lat
		}
		freqMHz := o.settings.FrequencyHz() / 1e6
		if err := o.store.AppendSignal(ts, freqMHz, o.settings.Survey(), ev.collars[i]); err != nil {
			monitoring.Logf("orchestrator: append signal: %v", err)
		}
	}
	o.status.SetSignals(len(ev.collars))
	o.pushStatus()
	o.pushSignals(ts, ev.collars)

	o.logMessage(fmt.Sprintf("Found %d signals", len(ev.collars)))

	if o.settings.AutoDelayEnabled() {
		o.sendAfter(o.settings.AutoDelay(), event{kind: evScanStart})
	}
}

// runGPS opens the GPS device and forwards parsed events until ctx is
// cancelled or the reader gives up (bad checksum bursts aside, only a
// Timeout or a closed subscription ends Run; see internal/gpsreader).
func (o *Orchestrator) runGPS(ctx context.Context) {
	mux, err := o.gpsFactory()
	if err != nil {
		o.send(event{kind: evGPSErr, err: err})
		return
	}
	defer mux.Close()

	gpsCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader := gpsreader.New(mux)
	readerEvents := make(chan gpsreader.Event, 16)
	runErr := make(chan error, 1)
	monErr := make(chan error, 1)
	go func() { runErr <- reader.Run(gpsCtx, readerEvents) }()
	go func() { monErr <- mux.Monitor(gpsCtx) }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-readerEvents:
			o.translateGPSEvent(ev)
		case err := <-runErr:
			if err != nil && ctx.Err() == nil {
				o.send(event{kind: evGPSErr, err: err})
			}
			return
		case err := <-monErr:
			if err != nil && ctx.Err() == nil {
				o.send(event{kind: evGPSErr, err: err})
			}
			return
		}
	}
}

func (o *Orchestrator) translateGPSEvent(ev gpsreader.Event) {
	switch ev.Kind {
	case gpsreader.EventFix:
		o.send(event{kind: evGPSLoc, fix: ev.Fix})
	case gpsreader.EventSatellites:
		o.send(event{kind: evGPSSats, satellites: ev.Satellites})
	case gpsreader.EventError:
		o.send(event{kind: evWarn, message: ev.Err.Error()})
	}
}

func (o *Orchestrator) onGPSErr(ev event) {
	o.logMessage(fmt.Sprintf("GPS error: %v", ev.err))
	o.status.ClearGPS()
	o.pushStatus()
	o.sendAfter(gpsRetry, event{kind: evGPSOpen})
}

func (o *Orchestrator) logMessage(message string) {
	monitoring.Logf("orchestrator: %s", message)
	logTime, err := o.store.AppendLog(o.clock.Now().Unix(), message)
	if err != nil {
		monitoring.Logf("orchestrator: append log: %v", err)
		return
	}
	o.pushLog(logTime, message)
}

func (o *Orchestrator) pushStatus() {
	if o.server != nil {
		o.server.Push(control.MethodStatus, o.status.Get())
	}
}

func (o *Orchestrator) pushSatellites() {
	if o.server != nil {
		o.server.Push(control.MethodSatellites, o.status.Satellites())
	}
}

func (o *Orchestrator) pushSignals(ts int64, collars []collar.Collar) {
	if o.server == nil {
		return
	}
	dicts := make([]map[string]any, len(collars))
	for i, c := range collars {
		dicts[i] = c.Dict(ts)
	}
	o.server.Push(control.MethodSignals, dicts)
}

func (o *Orchestrator) pushLog(ts int64, message string) {
	if o.server != nil {
		o.server.Push(control.MethodLog, store.LogEntry{TimeStamp: ts, Message: message})
	}
}

// The methods below implement control.Backend.

// Status returns the current status.Remote payload.
func (o *Orchestrator) Status() interface{} { return o.status.Get() }

// Satellites returns the current satellite view.
func (o *Orchestrator) Satellites() interface{} { return o.status.Satellites() }

// Scans returns every persisted scan row.
func (o *Orchestrator) Scans() (interface{}, error) { return o.store.GetScans() }

// Signals returns every persisted signal row.
func (o *Orchestrator) Signals() (interface{}, error) { return o.store.GetSignals() }

// Log returns the persisted log tail.
func (o *Orchestrator) Log() (interface{}, error) { return o.store.GetLog() }

// SettingsView returns the current tuning settings.
func (o *Orchestrator) SettingsView() interface{} {
	delayS := -1.0
	if o.settings.AutoDelayEnabled() {
		delayS = o.settings.AutoDelay().Seconds()
	}
	return map[string]interface{}{
		"frequency_hz": o.settings.FrequencyHz(),
		"gain_db":      o.settings.GainDb(),
		"auto_delay_s": delayS,
		"survey":       o.settings.Survey(),
	}
}

// SetDelaySeconds posts a settings mutation onto the event loop; a
// negative value disables automatic rescheduling.
func (o *Orchestrator) SetDelaySeconds(seconds float64) {
	o.send(event{kind: evSetDelay, value: seconds})
}

// SetFrequencyHz posts a settings mutation onto the event loop.
func (o *Orchestrator) SetFrequencyHz(hz float64) {
	o.send(event{kind: evSetFrequency, value: hz})
}

// SetPort posts a settings mutation updating the configured GPS serial
// port. The change takes effect the next time the GPS device is (re)opened
// and does not interrupt an already-running reader.
func (o *Orchestrator) SetPort(port string) {
	o.send(event{kind: evSetPort, message: port})
}

// Ports enumerates the serial devices visible to the host, for the
// "ports" protocol method.
func (o *Orchestrator) Ports() (interface{}, error) {
	return serial.GetPortsList()
}

// RequestScan posts an immediate scan request, used by the control
// protocol's "run scan" command.
func (o *Orchestrator) RequestScan() {
	o.send(event{kind: evScanStart})
}

var _ control.Backend = (*Orchestrator)(nil)
