package versioned

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

const (
	DefaultRetain = 5
	IndexFileName = "index.json"
)

var ErrRecordNotFound = errors.New("record not found")

// Repository is the contract shared by the on-disk and in-memory stores.
type Repository interface {
	// Store writes payload unless it is identical to the newest record, returning the record
	// path and whether anything was written.
	Store(payload any) (path string, modified bool, err error)
	// LatestPath returns the newest record path, or "" when the store is empty.
	LatestPath() (string, error)
	// PreviousPath returns the record just older than path, or "" when path is the oldest or unknown.
	PreviousPath(path string) (string, error)
	Load(path string, v any) error
}

// Index is the content of index.json.
type Index struct {
	SchemaVersion int      `json:"schema_version"`
	Records       []string `json:"records"`
}

type backend interface {
	list() ([]Record, error)
	read(name string) ([]byte, error)
	write(rec Record, data []byte) error
	remove(rec Record) error
	writeIndex(idx Index) error
}

// DB is a Repository over a backend. Callers serialize access; DB does no locking.
type DB struct {
	dir     string
	retain  int
	now     func() time.Time
	backend backend
}

var _ Repository = (*DB)(nil)

func newDB(dir string, retain int, b backend) *DB {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &DB{dir: dir, retain: retain, now: time.Now, backend: b}
}

// SetClock overrides the time source used to pick the record year.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

func (db *DB) Dir() string { return db.dir }

func (db *DB) path(rec Record) string {
	return filepath.Join(db.dir, rec.Name())
}

func (db *DB) Store(payload any) (string, bool, error) {
	data, hash, err := encode(payload)
	if err != nil {
		return "", false, err
	}

	recs, err := db.backend.list()
	if err != nil {
		return "", false, fmt.Errorf("list records: %w", err)
	}

	var latest *Record
	if len(recs) > 0 {
		latest = &recs[0]
		if latest.Hash == hash {
			return db.path(*latest), false, nil
		}
	}

	rec := nextRecord(latest, hash, db.now())
	if err := db.backend.write(rec, data); err != nil {
		return "", false, fmt.Errorf("write record %s: %w", rec.Name(), err)
	}

	recs = append([]Record{rec}, recs...)
	if len(recs) > db.retain {
		for _, old := range recs[db.retain:] {
			if err := db.backend.remove(old); err != nil {
				return "", false, fmt.Errorf("prune record %s: %w", old.Name(), err)
			}
		}
		recs = recs[:db.retain]
	}

	idx := Index{SchemaVersion: 1, Records: make([]string, 0, len(recs))}
	for _, r := range recs {
		idx.Records = append(idx.Records, r.Name())
	}
	if err := db.backend.writeIndex(idx); err != nil {
		return "", false, fmt.Errorf("write index: %w", err)
	}

	return db.path(rec), true, nil
}

func (db *DB) LatestPath() (string, error) {
	recs, err := db.backend.list()
	if err != nil {
		return "", fmt.Errorf("list records: %w", err)
	}
	if len(recs) == 0 {
		return "", nil
	}
	return db.path(recs[0]), nil
}

func (db *DB) PreviousPath(path string) (string, error) {
	target, err := ParseRecordName(filepath.Base(path))
	if err != nil {
		return "", nil
	}
	recs, err := db.backend.list()
	if err != nil {
		return "", fmt.Errorf("list records: %w", err)
	}
	for i, r := range recs {
		if r == target {
			if i+1 < len(recs) {
				return db.path(recs[i+1]), nil
			}
			return "", nil
		}
	}
	return "", nil
}

func (db *DB) Load(path string, v any) error {
	name := filepath.Base(path)
	if _, err := ParseRecordName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrRecordNotFound, err)
	}
	data, err := db.backend.read(name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode record %s: %w", name, err)
	}
	return nil
}

// Records returns the retained records, newest first.
func (db *DB) Records() ([]Record, error) {
	return db.backend.list()
}
