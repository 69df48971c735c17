package core

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// traceRow is one newline-delimited JSON row the analyzer writes per
// observed event, matching SPEC_FULL.md §6's run-output contract.
type traceRow struct {
	RunID string         `json:"run_id"`
	TMs   int64          `json:"t_ms"`
	Kind  string         `json:"kind"`
	Field map[string]any `json:"fields"`
}

// segmentRow is one completed segment's summary entry, emitted as part of
// the end-of-run summary.
type segmentRow struct {
	Index      int     `json:"index"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Quality    string  `json:"quality"`
	Throughput float64 `json:"throughput_bps"`
	Ratio      float64 `json:"ratio"`
	Partial    bool    `json:"partial"`
}

// Summary is the end-of-run aggregate the analyzer computes from the
// events it observed over one playback session.
type Summary struct {
	RunID             string       `json:"run_id"`
	StallCount        int          `json:"stall_count"`
	StallDuration      time.Duration `json:"stall_duration_ns"`
	QualitySwitchCount int          `json:"quality_switch_count"`
	BetaStopCount      int          `json:"beta_stop_count"`
	Segments           []segmentRow `json:"segments"`
}

// Analyzer subscribes to the bus and records a run's events as newline-
// delimited JSON, plus accumulates the aggregates needed for Summary.
type Analyzer struct {
	runID    string
	runStart time.Time
	out      io.Writer

	lastStateChange   time.Time
	lastState         PlayerState
	stallDuration     time.Duration
	stallCount        int
	qualitySwitchCount int
	betaStopCount      int
	lastQuality        string

	pendingStarts map[int]segmentRow
	segments      []segmentRow
}

// NewAnalyzer creates an Analyzer writing its NDJSON trace to out. out may
// be io.Discard when only the end-of-run Summary is wanted.
func NewAnalyzer(out io.Writer) *Analyzer {
	if out == nil {
		out = io.Discard
	}
	return &Analyzer{
		runID:         uuid.NewString(),
		out:           out,
		lastState:     StateStartup,
		pendingStarts: make(map[int]segmentRow),
	}
}

// Attach registers the analyzer's listeners on bus. It is registered as a
// lossy listener: losing a trace row degrades only the recorded output,
// never the CORE's own decisions.
func (a *Analyzer) Attach(bus *Bus) {
	bus.Subscribe("analyzer", true, a.handle)
}

func (a *Analyzer) handle(ev Event) {
	now := time.Now()
	a.writeRow(now, ev)

	switch e := ev.(type) {
	case PlayerStateChangedEvent:
		if e.From == StateRebuffering {
			a.stallDuration += now.Sub(a.lastStateChange)
		}
		if e.To == StateRebuffering {
			a.stallCount++
		}
		a.lastStateChange = now
		a.lastState = e.To

	case RepresentationSelectedEvent:
		if e.Switched {
			a.qualitySwitchCount++
		}
		a.lastQuality = e.RepresentationID

	case SegmentStartedEvent:
		a.pendingStarts[e.Request.SegmentIndex] = segmentRow{
			Index:   e.Request.SegmentIndex,
			StartMs: e.Request.IssuedAt.Sub(a.runStart).Milliseconds(),
			Quality: e.Request.RepresentationID,
		}

	case SegmentCompletedEvent:
		row := a.pendingStarts[e.Request.SegmentIndex]
		row.EndMs = e.Finished.Sub(a.runStart).Milliseconds()
		row.Throughput = e.Sample.BitsPerSecond()
		if e.Request.BytesExpected > 0 {
			row.Ratio = float64(e.Request.BytesReceived) / float64(e.Request.BytesExpected)
		}
		a.segments = append(a.segments, row)
		delete(a.pendingStarts, e.Request.SegmentIndex)

	case SegmentCancelledEvent:
		row := a.pendingStarts[e.Request.SegmentIndex]
		row.EndMs = now.Sub(a.runStart).Milliseconds()
		row.Partial = true
		if e.Request.BytesExpected > 0 {
			row.Ratio = float64(e.BytesReceived) / float64(e.Request.BytesExpected)
		}
		a.segments = append(a.segments, row)
		delete(a.pendingStarts, e.Request.SegmentIndex)
		a.betaStopCount++
	}
}

func (a *Analyzer) writeRow(now time.Time, ev Event) {
	row := traceRow{
		RunID: a.runID,
		TMs:   now.Sub(a.runStart).Milliseconds(),
		Kind:  ev.eventName(),
	}
	enc := json.NewEncoder(a.out)
	_ = enc.Encode(row)
}

// Summary returns the accumulated run summary. Safe to call mid-run; it
// reflects whatever has been observed so far.
func (a *Analyzer) Summary() Summary {
	return Summary{
		RunID:              a.runID,
		StallCount:         a.stallCount,
		StallDuration:       a.stallDuration,
		QualitySwitchCount: a.qualitySwitchCount,
		BetaStopCount:      a.betaStopCount,
		Segments:           append([]segmentRow(nil), a.segments...),
	}
}

// WriteSummary renders a short one-line human-readable summary to w.
func (a *Analyzer) WriteSummary(w io.Writer) error {
	s := a.Summary()
	_, err := fmt.Fprintf(w,
		"run %s: %d segments, %d stalls (%s total), %d quality switches, %d BETA stops\n",
		s.RunID, len(s.Segments), s.StallCount, s.StallDuration, s.QualitySwitchCount, s.BetaStopCount)
	return err
}
