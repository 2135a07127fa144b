package timewindow

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, start, end string) Window {
	t.Helper()
	w, err := Parse(start, end)
	if err != nil {
		t.Fatalf("parse window: %v", err)
	}
	return w
}

func TestParseRejectsInvertedWindow(t *testing.T) {
	_, err := Parse("2025-06-01T12:00:00Z", "2025-06-01T10:00:00Z")
	if err == nil {
		t.Fatalf("expected error for end before start")
	}
	_, err = Parse("not-a-time", "2025-06-01T10:00:00Z")
	if err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestOverlap(t *testing.T) {
	a := mustParse(t, "2025-06-01T10:00:00Z", "2025-06-01T14:00:00Z")
	b := mustParse(t, "2025-06-01T12:00:00Z", "2025-06-01T16:00:00Z")
	c := mustParse(t, "2025-06-01T15:00:00Z", "2025-06-01T18:00:00Z")

	if !a.Overlaps(b) || !b.Overlaps(a) {
		t.Fatalf("expected a and b to overlap")
	}
	if a.Overlaps(c) {
		t.Fatalf("expected a and c disjoint")
	}
	if got := a.Overlap(b); got != 2*time.Hour {
		t.Fatalf("overlap = %v, want 2h", got)
	}
	if got := a.Overlap(c); got != 0 {
		t.Fatalf("overlap = %v, want 0", got)
	}
}

func TestFitScore(t *testing.T) {
	requested := mustParse(t, "2025-06-01T10:00:00Z", "2025-06-01T14:00:00Z")

	full := mustParse(t, "2025-06-01T08:00:00Z", "2025-06-01T20:00:00Z")
	if got := FitScore(requested, full); got != 1.0 {
		t.Fatalf("full cover score = %v, want 1.0", got)
	}

	half := mustParse(t, "2025-06-01T12:00:00Z", "2025-06-01T18:00:00Z")
	if got := FitScore(requested, half); got != 0.5 {
		t.Fatalf("half cover score = %v, want 0.5", got)
	}

	none := mustParse(t, "2025-06-01T16:00:00Z", "2025-06-01T18:00:00Z")
	if got := FitScore(requested, none); got != 0 {
		t.Fatalf("no cover score = %v, want 0", got)
	}
}

func TestContains(t *testing.T) {
	w := mustParse(t, "2025-06-01T10:00:00Z", "2025-06-01T14:00:00Z")
	inside, _ := time.Parse(time.RFC3339, "2025-06-01T10:00:00Z")
	outside, _ := time.Parse(time.RFC3339, "2025-06-01T14:00:00Z")
	if !w.Contains(inside) {
		t.Fatalf("expected start inclusive")
	}
	if w.Contains(outside) {
		t.Fatalf("expected end exclusive")
	}
}
