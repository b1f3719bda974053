package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const attemptDateLayout = "20060102"

var attemptVersionRegex = regexp.MustCompile(`^([0-9]{8})\.([0-9]+)$`)

// NewInstanceID returns a unique identifier for a task instance.
func NewInstanceID() string {
	return "inst_" + uuid.NewString()
}

// AttemptVersion formats the per-day version of an attempt, e.g. "20241018.3". The day is
// taken in UTC.
func AttemptVersion(day time.Time, serial int) string {
	return fmt.Sprintf("%s.%d", day.UTC().Format(attemptDateLayout), serial)
}

func ValidAttemptVersion(v string) bool {
	return attemptVersionRegex.MatchString(v)
}

// ParseAttemptVersion splits a version into its date prefix and serial.
func ParseAttemptVersion(v string) (string, int, error) {
	m := attemptVersionRegex.FindStringSubmatch(v)
	if m == nil {
		return "", 0, fmt.Errorf("invalid attempt version: %q", v)
	}
	serial, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, fmt.Errorf("invalid attempt serial in %q: %w", v, err)
	}
	return m[1], serial, nil
}

// CompareAttemptVersions orders versions by date then serial. Invalid versions sort first.
func CompareAttemptVersions(a, b string) int {
	da, sa, errA := ParseAttemptVersion(a)
	db, sb, errB := ParseAttemptVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	if c := strings.Compare(da, db); c != 0 {
		return c
	}
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

// NextAttemptVersion returns today's first version, or the serial after last when last is from today.
func NextAttemptVersion(last string, now time.Time) string {
	today := now.UTC().Format(attemptDateLayout)
	if last != "" {
		if day, serial, err := ParseAttemptVersion(last); err == nil && day == today {
			return fmt.Sprintf("%s.%d", today, serial+1)
		}
	}
	return today + ".0"
}
