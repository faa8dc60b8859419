package capture

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wildfind/harrier/internal/iqbuffer"
)

func waitResult(t *testing.T, results chan Result) Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for capture result")
		return Result{}
	}
}

func TestCaptureCompletesOnSilence(t *testing.T) {
	driver := NewMockDriver(4096 * 3)
	results := make(chan Result, 1)
	w := New(driver, 4096*3, func(r Result) { results <- r })

	require.Equal(t, Idle, w.State())
	require.NoError(t, w.Request(context.Background(), 151_000_000, 20))

	r := waitResult(t, results)
	require.Empty(t, r.Collars)
	require.Equal(t, Idle, w.State())
}

func TestCaptureRequestIgnoredWhenBusy(t *testing.T) {
	driver := NewMockDriver(4096 * 3)
	driver.Gate = make(chan struct{})
	results := make(chan Result, 1)
	w := New(driver, 4096*3, func(r Result) { results <- r })

	require.NoError(t, w.Request(context.Background(), 151_000_000, 20))
	require.Eventually(t, func() bool { return w.State() == Capturing }, time.Second, time.Millisecond)

	require.ErrorIs(t, w.Request(context.Background(), 151_000_000, 20), ErrBusy)

	close(driver.Gate)
	waitResult(t, results)
}

func TestCaptureCancelReturnsToIdleWithoutResult(t *testing.T) {
	driver := NewMockDriver(4096 * 3)
	driver.Gate = make(chan struct{})
	results := make(chan Result, 1)
	w := New(driver, 4096*3, func(r Result) { results <- r })

	require.NoError(t, w.Request(context.Background(), 151_000_000, 20))
	require.Eventually(t, func() bool { return w.State() == Capturing }, time.Second, time.Millisecond)

	w.Cancel()
	require.Eventually(t, func() bool { return w.State() == Idle }, time.Second, time.Millisecond)

	select {
	case <-results:
		t.Fatal("cancelled capture must not post a result")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCaptureFindsPulseTrainCollar(t *testing.T) {
	const sampleRate = 2_400_000.0
	n := (int(sampleRate*iqbuffer.SampleTimeSecs) / 4096) * 4096

	samples := make([]complex128, n)
	const offsetHz = 150_000.0
	for i := range samples {
		tm := float64(i) / sampleRate
		if math.Mod(tm, 1.0) >= 0.025 {
			continue
		}
		phase := 2 * math.Pi * offsetHz * tm
		samples[i] = complex(math.Cos(phase), math.Sin(phase))
	}

	payload := make([]byte, 2*n)
	require.NoError(t, iqbuffer.FromComplex(samples, payload))

	driver := &MockDriver{Payload: payload}
	results := make(chan Result, 1)
	w := New(driver, n, func(r Result) { results <- r })

	require.NoError(t, w.Request(context.Background(), 151_000_000, 20))
	r := waitResult(t, results)
	require.NotEmpty(t, r.Collars)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "Idle", Idle.String())
	require.Equal(t, "Capturing", Capturing.String())
	require.Equal(t, "Processing", Processing.String())
}
