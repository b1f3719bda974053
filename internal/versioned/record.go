// Package versioned implements a content-addressed, retention-bounded store of JSON records.
//
// Records are named {major}.{minor}-{sha256}.json where major is the year the record was written
// and minor a serial within that year. Writing a payload identical to the newest record is a no-op.
package versioned

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

var recordRegex = regexp.MustCompile(`^([0-9]+)\.([0-9]+)-([0-9a-f]{64})\.json$`)

// Record identifies one stored payload.
type Record struct {
	Major int
	Minor int
	Hash  string
}

func (r Record) Name() string {
	return fmt.Sprintf("%d.%d-%s.json", r.Major, r.Minor, r.Hash)
}

// Version returns "major.minor".
func (r Record) Version() string {
	return fmt.Sprintf("%d.%d", r.Major, r.Minor)
}

// Newer reports whether r sorts after o in (major, minor) order.
func (r Record) Newer(o Record) bool {
	if r.Major != o.Major {
		return r.Major > o.Major
	}
	return r.Minor > o.Minor
}

func ParseRecordName(name string) (Record, error) {
	m := recordRegex.FindStringSubmatch(name)
	if m == nil {
		return Record{}, fmt.Errorf("not a record name: %q", name)
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return Record{}, fmt.Errorf("parse major in %q: %w", name, err)
	}
	minor, err := strconv.Atoi(m[2])
	if err != nil {
		return Record{}, fmt.Errorf("parse minor in %q: %w", name, err)
	}
	return Record{Major: major, Minor: minor, Hash: m[3]}, nil
}

func sortNewestFirst(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Newer(recs[j]) })
}

// encode serializes payload deterministically (encoding/json sorts map keys) and hashes the bytes.
func encode(payload any) ([]byte, string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// nextRecord allocates the version following latest. A latest major from the future is kept so
// ordering never goes backwards.
func nextRecord(latest *Record, hash string, now time.Time) Record {
	year := now.UTC().Year()
	if latest == nil {
		return Record{Major: year, Minor: 0, Hash: hash}
	}
	if latest.Major >= year {
		return Record{Major: latest.Major, Minor: latest.Minor + 1, Hash: hash}
	}
	return Record{Major: year, Minor: 0, Hash: hash}
}
