// Package collar defines the detection output record produced by Detect and
// persisted by the database writer.
package collar

import "fmt"

// Modulation identifies which pulse scheme a collar transmitter uses.
type Modulation int

const (
	// CW is an on/off-keyed carrier with no subcarrier.
	CW Modulation = iota
	// AM is a carrier amplitude-modulated by a pulsed tone (default 260 Hz).
	AM
)

func (m Modulation) String() string {
	switch m {
	case CW:
		return "CW"
	case AM:
		return "AM"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the modulation as its integer wire value, matching the
// schema's Signals.Mod column (0=CW, 1=AM).
func (m Modulation) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%d", int(m))), nil
}

// Collar is one confirmed detection from a single capture.
type Collar struct {
	// SignalIndex identifies which peak lane within this capture produced
	// the detection. Transient: meaningful only within one ScanDone event.
	SignalIndex int

	Modulation Modulation

	// FrequencyHz is the absolute carrier frequency, quantised to the
	// nearest CHANNEL_SPACE (20 kHz) channel.
	FrequencyHz float64

	// Count is the number of pulses observed in the capture.
	Count int

	// RatePPM is pulses per minute, snapped to the nearest canonical rate.
	RatePPM float64

	// Level is the linear mean level across the high portions of matched
	// pulses.
	Level float64

	// WidthMs is the mean matched pulse width in milliseconds.
	WidthMs float64

	// Lon/Lat are copied from the GPS fix current when the scan completes,
	// never from the fix at scan start. Zero until the orchestrator stamps
	// the collar.
	Lon float64
	Lat float64
}

// Description renders a short operator-facing summary of a detection.
func (c Collar) Description() string {
	return fmt.Sprintf("%s %.3fMHz %.0fppm count=%d level=%.3f width=%.1fms",
		c.Modulation, c.FrequencyHz/1e6, c.RatePPM, c.Count, c.Level, c.WidthMs)
}

// Dict returns the remote-payload shape for a collar tagged with the capture
// timestamp, keyed the way the Signals table columns are named.
func (c Collar) Dict(timestampUnix int64) map[string]any {
	return map[string]any{
		"TimeStamp": timestampUnix,
		"Freq":      c.FrequencyHz,
		"Mod":       int(c.Modulation),
		"Rate":      c.RatePPM,
		"Level":     c.Level,
		"Lon":       c.Lon,
		"Lat":       c.Lat,
	}
}
