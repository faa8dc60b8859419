// Package status aggregates the receiver's live state (scan phase, last
// GPS fix, satellite view, signal count, database size) for the console
// status line and the control protocol's Status payload.
package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/wildfind/harrier/internal/gpsreader"
)

// Phase is the receiver's current scan-cycle state.
type Phase int

const (
	Idle Phase = iota
	Locate
	Capture
	Process
)

var phaseNames = [...]string{"Idle", "Locate", "Capture", "Process"}

func (p Phase) String() string {
	if int(p) < 0 || int(p) >= len(phaseNames) {
		return "Unknown"
	}
	return phaseNames[p]
}

// SizeReporter is the subset of internal/store.Store needed for the size/
// space fields of the status payload.
type SizeReporter interface {
	Size() (size, space int64, err error)
}

// Status is the mutex-guarded aggregate updated by the orchestrator and the
// GPS reader, and read by the console logger and the control server.
type Status struct {
	mu sync.Mutex

	phase      Phase
	signals    int
	fixLon     float64
	fixLat     float64
	fixUnix    int64
	hasFix     bool
	satellites map[int]gpsreader.Satellite

	store SizeReporter
}

// New returns a Status reporting Idle with no fix, backed by store for the
// size/space fields.
func New(store SizeReporter) *Status {
	return &Status{phase: Idle, store: store}
}

// SetPhase records the current scan-cycle phase.
func (s *Status) SetPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}

// SetSignals records the collar count from the most recently completed scan.
func (s *Status) SetSignals(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = n
}

// SetFix records a new GPS fix, timestamped at unixTime.
func (s *Status) SetFix(fix gpsreader.Fix, unixTime int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixLon = fix.Lon
	s.fixLat = fix.Lat
	s.fixUnix = unixTime
	s.hasFix = true
}

// SetSatellites records the latest satellite view.
func (s *Status) SetSatellites(sats map[int]gpsreader.Satellite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.satellites = sats
}

// ClearGPS drops the current fix and satellite view, called when the GPS
// device errors so a stale fix never stamps a collar.
func (s *Status) ClearGPS() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasFix = false
	s.satellites = nil
}

// Fix returns the current GPS fix and whether one has been recorded.
func (s *Status) Fix() (gpsreader.Fix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gpsreader.Fix{Lon: s.fixLon, Lat: s.fixLat}, s.hasFix
}

// FixAge reports how long ago the current fix was recorded, relative to
// now. ok is false if there is no fix at all.
func (s *Status) FixAge(now time.Time) (age time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasFix {
		return 0, false
	}
	return now.Sub(time.Unix(s.fixUnix, 0)), true
}

// Satellites returns a snapshot of the current satellite view.
func (s *Status) Satellites() map[int]gpsreader.Satellite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]gpsreader.Satellite, len(s.satellites))
	for k, v := range s.satellites {
		out[k] = v
	}
	return out
}

func (s *Status) satelliteCounts() (used, total int, ok bool) {
	if len(s.satellites) == 0 {
		return 0, 0, false
	}
	total = len(s.satellites)
	for _, sat := range s.satellites {
		if sat.Used {
			used++
		}
	}
	return used, total, true
}

// String renders the console status line: phase, lon, lat, satellite
// usage, fix time, signal count.
func (s *Status) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lon, lat, fix := "        --", "        --", "      --"
	if s.hasFix {
		lon = fmt.Sprintf("% 10.5f", s.fixLon)
		lat = fmt.Sprintf("% 9.5f", s.fixLat)
		fix = time.Unix(s.fixUnix, 0).Local().Format("15:04:05")
	}

	sats := "   --"
	if used, total, ok := s.satelliteCounts(); ok {
		sats = fmt.Sprintf("%2d/%2d", used, total)
	}

	return fmt.Sprintf("\r%-7s  Lon %11s  Lat %10s  Sats %5s  Fix %8s  Signals %2d",
		s.phase, lon, lat, sats, fix, s.signals)
}

// Remote is the JSON-ready payload carried by the control protocol's
// Status pushes.
type Remote struct {
	Status  int      `json:"status"`
	Signals int      `json:"signals"`
	Lon     *float64 `json:"lon"`
	Lat     *float64 `json:"lat"`
	Fix     *int64   `json:"fix"`
	Size    int64    `json:"size"`
	Space   int64    `json:"space"`
}

// Get returns the current Remote payload. The database size/space fields
// are best-effort: a Size() error simply leaves them at zero.
func (s *Status) Get() Remote {
	s.mu.Lock()
	phase := s.phase
	signals := s.signals
	hasFix := s.hasFix
	lon, lat, fixUnix := s.fixLon, s.fixLat, s.fixUnix
	s.mu.Unlock()

	r := Remote{Status: int(phase), Signals: signals}
	if hasFix {
		r.Lon = &lon
		r.Lat = &lat
		r.Fix = &fixUnix
	}
	if s.store != nil {
		if size, space, err := s.store.Size(); err == nil {
			r.Size = size
			r.Space = space
		}
	}
	return r
}
