package model

import (
	"strings"
	"testing"
	"time"
)

func TestNewInstanceID_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewInstanceID()
		if !strings.HasPrefix(id, "inst_") {
			t.Fatalf("unexpected prefix: %s", id)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestParseAttemptVersion(t *testing.T) {
	tests := []struct {
		input  string
		day    string
		serial int
		ok     bool
	}{
		{"20241018.0", "20241018", 0, true},
		{"20241018.12", "20241018", 12, true},
		{"2024101.1", "", 0, false},
		{"20241018", "", 0, false},
		{"20241018.x", "", 0, false},
		{"", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			day, serial, err := ParseAttemptVersion(tt.input)
			if tt.ok != (err == nil) {
				t.Fatalf("ParseAttemptVersion(%q) err = %v, want ok=%v", tt.input, err, tt.ok)
			}
			if !tt.ok {
				return
			}
			if day != tt.day || serial != tt.serial {
				t.Errorf("got (%s, %d), want (%s, %d)", day, serial, tt.day, tt.serial)
			}
		})
	}
}

func TestCompareAttemptVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"20241018.0", "20241018.0", 0},
		{"20241018.2", "20241018.10", -1},
		{"20241019.0", "20241018.10", 1},
		{"bogus", "20241018.0", -1},
		{"20241018.0", "bogus", 1},
	}
	for _, tt := range tests {
		if got := CompareAttemptVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareAttemptVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNextAttemptVersion(t *testing.T) {
	now := time.Date(2024, 10, 18, 12, 0, 0, 0, time.UTC)

	if got := NextAttemptVersion("", now); got != "20241018.0" {
		t.Errorf("empty history: got %q", got)
	}
	if got := NextAttemptVersion("20241018.4", now); got != "20241018.5" {
		t.Errorf("same day: got %q", got)
	}
	if got := NextAttemptVersion("20241017.9", now); got != "20241018.0" {
		t.Errorf("new day: got %q", got)
	}
	if got := AttemptVersion(now, 3); got != "20241018.3" {
		t.Errorf("AttemptVersion: got %q", got)
	}
}

func TestNextAttemptVersion_UsesUTCDate(t *testing.T) {
	// 23:30 on the 18th five hours west of UTC is already the 19th in UTC.
	west := time.FixedZone("UTC-5", -5*3600)
	now := time.Date(2024, 10, 18, 23, 30, 0, 0, west)

	if got := NextAttemptVersion("", now); got != "20241019.0" {
		t.Errorf("NextAttemptVersion = %s, want 20241019.0", got)
	}
	if got := NextAttemptVersion("20241019.2", now); got != "20241019.3" {
		t.Errorf("NextAttemptVersion = %s, want 20241019.3", got)
	}
	if got := AttemptVersion(now, 4); got != "20241019.4" {
		t.Errorf("AttemptVersion = %s, want 20241019.4", got)
	}
}
