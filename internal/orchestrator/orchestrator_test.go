package orchestrator

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wildfind/harrier/internal/control"
	"github.com/wildfind/harrier/internal/gpsreader"
	"github.com/wildfind/harrier/internal/serialmux"
	"github.com/wildfind/harrier/internal/settings"
	"github.com/wildfind/harrier/internal/status"
	"github.com/wildfind/harrier/internal/store"
	"github.com/wildfind/harrier/internal/timeutil"
)

// fakeDriver completes a capture cycle instantly with no samples worth
// detecting; it exercises the event-loop wiring, not the DSP pipeline.
type fakeDriver struct{}

func (fakeDriver) SetCenterFreq(float64) error { return nil }
func (fakeDriver) SetGain(float64) error { return nil }
func (fakeDriver) Close() error { return nil }
func (fakeDriver) StartAsyncRead(ctx context.Context, totalBytes, blocks int, onChunk func(offset int, data []byte)) error {
	chunk := make([]byte, totalBytes/blocks)
	for i := range chunk {
		chunk[i] = 127
	}
	for i := 0; i < blocks; i++ {
		onChunk(i*len(chunk), chunk)
	}
	return nil
}

// fakeMux is a no-op serialmux.SerialMuxInterface: the GPS factory tests
// exercise GPS-open/retry wiring without a real device.
type fakeMux struct {
	lines chan string
}

func newFakeMux() *fakeMux { return &fakeMux{lines: make(chan string, 16)} }

func (f *fakeMux) Subscribe() (string, chan string) { return "fake", f.lines }
func (f *fakeMux) Unsubscribe(string) {}
func (f *fakeMux) SendCommand(string) error { return nil }
func (f *fakeMux) Monitor(ctx context.Context) error { return nil }
func (f *fakeMux) Close() error { close(f.lines); return nil }
func (f *fakeMux) Initialize() error { return nil }
func (f *fakeMux) AttachAdminRoutes(mux *http.ServeMux) {}

var _ serialmux.SerialMuxInterface = (*fakeMux)(nil)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wfh")
	s, err := store.New(path)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestOrchestrator(t *testing.T, clock timeutil.Clock) (*Orchestrator, *status.Status) {
	t.Helper()
	st := settings.New(151.5e6, "Test", "")
	stat := status.New(newTestStore(t))
	db := newTestStore(t)
	gpsFactory := func() (serialmux.SerialMuxInterface, error) { return newFakeMux(), nil }

	o := New(fakeDriver{}, 40960, st, stat, db, gpsFactory, clock)
	srv := control.NewServer(o)
	o.SetControlServer(srv)
	return o, stat
}

func TestScanWithoutFixStaysInLocate(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	o, stat := newTestOrchestrator(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	o.RequestScan()

	deadline := time.After(time.Second)
	for {
		if stat.Get().Status == int(status.Locate) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected phase Locate while no GPS fix is available")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestScanWithFreshFixCompletesAndPersists(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	o, stat := newTestOrchestrator(t, clock)
	stat.SetFix(gpsreader.Fix{Lon: 1.0, Lat: 2.0}, clock.Now().Unix())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	o.RequestScan()

	// A flat-signal capture yields no collars, but the cycle still logs
	// its outcome and returns to Idle.
	deadline := time.After(2 * time.Second)
	for {
		log, err := o.Log()
		if err != nil {
			t.Fatalf("Log: %v", err)
		}
		if len(log.([]store.LogEntry)) > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected a log entry after a completed cycle")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSetFrequencyUpdatesSettingsThroughEventLoop(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	o, _ := newTestOrchestrator(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	o.SetFrequencyHz(145.5e6)

	deadline := time.After(time.Second)
	for {
		view := o.SettingsView().(map[string]interface{})
		if view["frequency_hz"] == 145.5e6 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected frequency update to apply")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestGPSErrorClearsStatusAndSchedulesRetry(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	var opened int
	gpsFactory := func() (serialmux.SerialMuxInterface, error) {
		opened++
		if opened == 1 {
			return nil, errFirstOpen
		}
		return newFakeMux(), nil
	}

	st := settings.New(151.5e6, "Test", "")
	stat := status.New(newTestStore(t))
	stat.SetFix(gpsreader.Fix{Lon: 1, Lat: 2}, clock.Now().Unix())
	db := newTestStore(t)
	o := New(fakeDriver{}, 40960, st, stat, db, gpsFactory, clock)
	srv := control.NewServer(o)
	o.SetControlServer(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	deadline := time.After(time.Second)
	for opened < 1 {
		select {
		case <-deadline:
			t.Fatal("expected GPS factory to be called")
		case <-time.After(time.Millisecond):
		}
	}

	retryDeadline := time.After(time.Second)
	for opened < 2 {
		clock.Advance(gpsRetry)
		select {
		case <-retryDeadline:
			t.Fatal("expected GPS open to be retried after gpsRetry")
		case <-time.After(time.Millisecond):
		}
	}
	if _, ok := stat.Fix(); ok {
		t.Fatal("expected GPS error to clear the fix")
	}

	logDeadline := time.After(time.Second)
	for {
		log, err := db.GetLog()
		if err != nil {
			t.Fatalf("GetLog: %v", err)
		}
		if len(log) > 0 {
			return
		}
		select {
		case <-logDeadline:
			t.Fatal("expected GPS error to be logged")
		case <-time.After(time.Millisecond):
		}
	}
}

var errFirstOpen = errOpenFailed{}

type errOpenFailed struct{}

func (errOpenFailed) Error() string { return "gps open failed" }

