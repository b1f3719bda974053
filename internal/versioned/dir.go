package versioned

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vrutkovs/ostbuild/internal/atomicfile"
)

type dirBackend struct {
	dir string
}

// NewDirStore opens (creating if needed) a record directory.
func NewDirStore(dir string, retain int) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return newDB(dir, retain, &dirBackend{dir: dir}), nil
}

func (b *dirBackend) list() ([]Record, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var recs []Record
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rec, err := ParseRecordName(e.Name())
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	sortNewestFirst(recs)
	return recs, nil
}

func (b *dirBackend) read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, name)
	}
	return data, err
}

func (b *dirBackend) write(rec Record, data []byte) error {
	return atomicfile.WriteRaw(filepath.Join(b.dir, rec.Name()), data, false)
}

func (b *dirBackend) remove(rec Record) error {
	err := os.Remove(filepath.Join(b.dir, rec.Name()))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (b *dirBackend) writeIndex(idx Index) error {
	return atomicfile.WriteJSON(filepath.Join(b.dir, IndexFileName), idx)
}
