// Package debugweb serves a live spectrum chart for field debugging: the
// most recent capture's PSD, rendered with go-echarts, mounted alongside
// the receiver's other /debug/* admin routes.
package debugweb

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"tailscale.com/tsweb"
)

// Spectrum is the mutex-guarded latest PSD snapshot, updated by the
// capture worker's OnSpectrum hook and read by the HTTP handler.
type Spectrum struct {
	mu       sync.Mutex
	db       []float64
	hzPerBin float64
	updated  time.Time
	captures int
}

// New returns an empty Spectrum recorder.
func New() *Spectrum {
	return &Spectrum{}
}

// Update records a new PSD snapshot. Safe to call from any goroutine;
// intended to be wired directly as an internal/capture.Worker.OnSpectrum
// callback.
func (s *Spectrum) Update(db []float64, hzPerBin float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = append(s.db[:0], db...)
	s.hzPerBin = hzPerBin
	s.updated = time.Now()
	s.captures++
}

func (s *Spectrum) snapshot() (db []float64, hzPerBin float64, updated time.Time, captures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db = make([]float64, len(s.db))
	copy(db, s.db)
	return db, s.hzPerBin, s.updated, s.captures
}

// AttachAdminRoutes mounts the live spectrum chart at /debug/spectrum,
// using the same tsweb.Debugger-based admin route pattern as
// internal/store.AttachAdminRoutes and internal/serialmux's send-command
// route.
func (s *Spectrum) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("spectrum", "live capture spectrum (PSD)", s.handleSpectrum)
}

func (s *Spectrum) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	db, hzPerBin, updated, captures := s.snapshot()
	if len(db) == 0 {
		http.Error(w, "no capture processed yet", http.StatusServiceUnavailable)
		return
	}

	xAxis := make([]string, len(db))
	points := make([]opts.LineData, len(db))
	centre := len(db) / 2
	for i, v := range db {
		offsetHz := float64(i-centre) * hzPerBin
		xAxis[i] = fmt.Sprintf("%+.0f", offsetHz)
		points[i] = opts.LineData{Value: v}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Harrier Spectrum", Theme: "dark", Width: "1100px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Capture PSD",
			Subtitle: fmt.Sprintf("captures=%d updated=%s hz/bin=%.1f", captures, updated.Format(time.RFC3339), hzPerBin),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "offset (Hz)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "level (dB)"}),
	)
	line.SetXAxis(xAxis).AddSeries("PSD", points, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(false)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
