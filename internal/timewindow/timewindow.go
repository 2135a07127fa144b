// Package timewindow provides pure helpers for validating, overlapping and
// scoring delivery time ranges.
package timewindow

import (
	"fmt"
	"time"
)

// Window is a parsed half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Parse converts RFC3339 start/end strings into a Window.
func Parse(start, end string) (Window, error) {
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return Window{}, fmt.Errorf("invalid window start: %w", err)
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return Window{}, fmt.Errorf("invalid window end: %w", err)
	}
	w := Window{Start: s, End: e}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Validate checks that the window has positive duration.
func (w Window) Validate() error {
	if !w.End.After(w.Start) {
		return fmt.Errorf("window end %s not after start %s", w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Overlaps reports whether two windows share any time.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

// Overlap returns the duration shared by two windows, zero when disjoint.
func (w Window) Overlap(other Window) time.Duration {
	start := w.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := w.End
	if other.End.Before(end) {
		end = other.End
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// FitScore scores how well an offered window covers a requested one: the ratio
// of overlap duration to the requested duration, capped at 1.0.
func FitScore(requested, offered Window) float64 {
	req := requested.Duration()
	if req <= 0 {
		return 0
	}
	score := float64(requested.Overlap(offered)) / float64(req)
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}
