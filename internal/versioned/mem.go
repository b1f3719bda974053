package versioned

import (
	"fmt"
)

type memBackend struct {
	records map[Record][]byte
	index   Index
}

// NewMemStore returns a store that keeps records in memory. Paths are rooted at "mem".
func NewMemStore(retain int) *DB {
	return newDB("mem", retain, &memBackend{records: make(map[Record][]byte)})
}

func (b *memBackend) list() ([]Record, error) {
	recs := make([]Record, 0, len(b.records))
	for r := range b.records {
		recs = append(recs, r)
	}
	sortNewestFirst(recs)
	return recs, nil
}

func (b *memBackend) read(name string) ([]byte, error) {
	rec, err := ParseRecordName(name)
	if err != nil {
		return nil, err
	}
	data, ok := b.records[rec]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, name)
	}
	return append([]byte(nil), data...), nil
}

func (b *memBackend) write(rec Record, data []byte) error {
	b.records[rec] = append([]byte(nil), data...)
	return nil
}

func (b *memBackend) remove(rec Record) error {
	delete(b.records, rec)
	return nil
}

func (b *memBackend) writeIndex(idx Index) error {
	b.index = idx
	return nil
}
