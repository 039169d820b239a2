// Package report writes the PLX-DAQ compatible text protocol: a CLEARDATA
// marker, a LABEL header and one DATA row per cycle. PLX-DAQ replaces the
// TIME token with the host clock when it receives a row.
package report

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/mjasion/balena-home/soilprobe/probe"
)

const (
	ClearMarker = "CLEARDATA"
	Header      = "LABEL, TIME, soilMoistMean, degCMean, status"
	TimeToken   = "TIME"

	lineEnding = "\r\n"
)

// TimestampMode selects what is written in the TIME column
type TimestampMode string

const (
	// TimestampPlaceholder writes the literal TIME token
	TimestampPlaceholder TimestampMode = "placeholder"
	// TimestampRFC3339 writes the cycle timestamp
	TimestampRFC3339 TimestampMode = "rfc3339"
)

// Emitter writes report lines to an output channel
type Emitter struct {
	mu   sync.Mutex
	w    io.Writer
	mode TimestampMode
	now  func() time.Time
}

// NewEmitter creates an emitter writing to w
func NewEmitter(w io.Writer, mode TimestampMode) *Emitter {
	if mode == "" {
		mode = TimestampPlaceholder
	}
	return &Emitter{
		w:    w,
		mode: mode,
		now:  time.Now,
	}
}

// WritePreamble writes the marker and header lines
func (e *Emitter) WritePreamble() error {
	return e.writeLines(ClearMarker, Header)
}

// WriteCycle writes the DATA row for a completed cycle
func (e *Emitter) WriteCycle(r *probe.CycleResult) error {
	return e.writeLines(fmt.Sprintf("DATA, %s, %s, %s, %s",
		e.timeColumn(r.Timestamp),
		formatFloat(r.SoilMoistureMean, 2),
		formatFloat(r.TemperatureMean, 1),
		r.Status,
	))
}

// WriteUnavailable writes a degraded DATA row with empty value columns
func (e *Emitter) WriteUnavailable(at time.Time) error {
	return e.writeLines(fmt.Sprintf("DATA, %s, , , %s", e.timeColumn(at), probe.StatusUnavailable))
}

func (e *Emitter) timeColumn(t time.Time) string {
	if e.mode != TimestampRFC3339 {
		return TimeToken
	}
	if t.IsZero() {
		t = e.now()
	}
	return t.Format(time.RFC3339)
}

func (e *Emitter) writeLines(lines ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, line := range lines {
		if _, err := io.WriteString(e.w, line+lineEnding); err != nil {
			return fmt.Errorf("failed to write report line: %w", err)
		}
	}
	return nil
}

// formatFloat prints a fixed number of decimals, with nan and inf spelled the
// way the probe firmware printed them
func formatFloat(v float64, decimals int) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'f', decimals, 64)
}
