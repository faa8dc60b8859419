// Package gpsreader parses NMEA 0183 sentences from a GPS serial device into
// location fixes and satellite-view reports.
package gpsreader

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wildfind/harrier/internal/serialmux"
)

// Timeout is how long the reader waits for a line before treating the
// device as unresponsive and returning an error. GPS modules emit a
// sentence burst every second, so two silent seconds means trouble.
const Timeout = 2 * time.Second

// Fix is a single GPGGA location report.
type Fix struct {
	Lon float64
	Lat float64
}

// Satellite is one satellite's reported signal level from a GPGSV burst.
type Satellite struct {
	Level int
	Used  bool
}

// EventKind tags the payload carried by an Event.
type EventKind int

const (
	// EventFix carries a Fix.
	EventFix EventKind = iota
	// EventSatellites carries a complete Satellites view.
	EventSatellites
	// EventError carries a non-fatal warning (e.g. bad checksum). The
	// fatal error that ends Run is returned by Run, not sent as an event.
	EventError
)

// Event is a tagged union emitted on the reader's channel, one of Fix,
// Satellites, or Err depending on Kind.
type Event struct {
	Kind       EventKind
	Fix        Fix
	Satellites map[int]Satellite
	Err        error
}

// Reader parses NMEA sentences delivered over a serialmux subscription and
// emits Events. It never calls Initialize on the mux: a GPS module needs no
// device-setup command string.
type Reader struct {
	mux serialmux.SerialMuxInterface

	gsvSats     map[int]Satellite
	gsvMessage  int
	gsvMessages int
	gsvViewed   int
}

// New wraps an already-open serial mux. The caller owns the mux's lifecycle
// (Close).
func New(mux serialmux.SerialMuxInterface) *Reader {
	return &Reader{mux: mux, gsvSats: make(map[int]Satellite)}
}

// Run subscribes to the serial mux and parses lines until ctx is cancelled,
// the subscription channel closes, or no line arrives within Timeout. The
// caller is expected to reopen the port and call Run again after its retry
// delay.
func (r *Reader) Run(ctx context.Context, events chan<- Event) error {
	id, lines := r.mux.Subscribe()
	defer r.mux.Unsubscribe(id)

	timer := time.NewTimer(Timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			return fmt.Errorf("gpsreader: timed out waiting for GPS data after %s", Timeout)

		case line, ok := <-lines:
			if !ok {
				return fmt.Errorf("gpsreader: serial subscription closed")
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(Timeout)
			r.handleLine(line, events, ctx)
		}
	}
}

func (r *Reader) handleLine(line string, events chan<- Event, ctx context.Context) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != '$' {
		return
	}
	line = line[1:]

	parts := strings.SplitN(line, "*", 2)
	if len(parts) != 2 {
		return
	}
	body, wantChecksum := parts[0], parts[1]
	got := checksum(body)
	if !strings.EqualFold(got, wantChecksum) {
		r.send(ctx, events, Event{Kind: EventError, Err: fmt.Errorf("invalid NMEA checksum %s, should be %s", wantChecksum, got)})
		return
	}

	fields := strings.Split(body, ",")
	switch fields[0] {
	case "GPGGA":
		r.globalFix(fields, events, ctx)
	case "GPGSV":
		r.satellites(fields, events, ctx)
	}
}

func (r *Reader) send(ctx context.Context, events chan<- Event, e Event) {
	select {
	case events <- e:
	case <-ctx.Done():
	}
}

// checksum XORs together the bytes between '$' and '*', rendered as two
// uppercase hex digits.
func checksum(body string) string {
	var c byte
	for i := 0; i < len(body); i++ {
		c ^= body[i]
	}
	return fmt.Sprintf("%02X", c)
}

// globalFix parses a GPGGA sentence: field 6 is the fix quality indicator,
// '1' or '2' meaning a valid GPS or DGPS fix.
func (r *Reader) globalFix(fields []string, events chan<- Event, ctx context.Context) {
	if len(fields) < 7 {
		return
	}
	quality := fields[6]
	if quality != "1" && quality != "2" {
		return
	}

	lat, ok := coord(fields[2], fields[3])
	if !ok {
		return
	}
	lon, ok := coord(fields[4], fields[5])
	if !ok {
		return
	}

	r.send(ctx, events, Event{Kind: EventFix, Fix: Fix{Lon: lon, Lat: lat}})
}

// coord parses a GPS NMEA coordinate field (DDMM.mmmm or DDDMM.mmmm,
// depending on whether it's latitude or longitude) into signed decimal
// degrees, applying the S/W sign flip from orient.
func coord(raw, orient string) (float64, bool) {
	dot := strings.IndexByte(raw, '.')
	if dot != 4 && dot != 5 {
		return 0, false
	}

	degrees, err := strconv.Atoi(raw[:dot-2])
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.ParseFloat(raw[dot-2:], 64)
	if err != nil {
		return 0, false
	}

	pos := float64(degrees) + minutes/60.0
	if dot == 4 && orient == "S" {
		pos = -pos
	}
	if dot == 5 && orient == "W" {
		pos = -pos
	}
	return pos, true
}

// satellites accumulates a multi-sentence GPGSV burst, emitting the
// complete view once the final sentence of the burst has been seen and the
// accumulated satellite count matches the sentence's claimed total in view.
func (r *Reader) satellites(fields []string, events chan<- Event, ctx context.Context) {
	if len(fields) < 4 {
		return
	}
	messages, err := strconv.Atoi(fields[1])
	if err != nil {
		return
	}
	message, err := strconv.Atoi(fields[2])
	if err != nil {
		return
	}
	viewed, err := strconv.Atoi(fields[3])
	if err != nil {
		return
	}

	if message == 1 {
		r.gsvSats = make(map[int]Satellite)
	}

	blocks := (len(fields) - 4) / 4
	for i := 0; i < blocks; i++ {
		base := 4 + i*4
		sat, err := strconv.Atoi(fields[base])
		if err != nil {
			continue
		}
		levelField := fields[base+3]
		var sat2 Satellite
		if levelField == "" {
			sat2 = Satellite{Used: false}
		} else {
			level, err := strconv.Atoi(levelField)
			if err != nil {
				continue
			}
			sat2 = Satellite{Level: level, Used: true}
		}
		r.gsvSats[sat] = sat2
	}

	if message == messages && len(r.gsvSats) == viewed {
		out := make(map[int]Satellite, len(r.gsvSats))
		for k, v := range r.gsvSats {
			out[k] = v
		}
		r.send(ctx, events, Event{Kind: EventSatellites, Satellites: out})
	}
}
