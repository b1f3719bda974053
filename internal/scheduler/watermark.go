package scheduler

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/vrutkovs/ostbuild/internal/atomicfile"
)

const watermarkSchemaVersion = 1

// watermarks is the persisted time each rate-limited task was last scheduled.
type watermarks struct {
	SchemaVersion int                  `json:"schema_version"`
	LastScheduled map[string]time.Time `json:"last_scheduled"`
}

func (m *TaskMaster) loadWatermarks() {
	if m.statePath == "" {
		return
	}

	var w watermarks
	err := atomicfile.ReadJSON(m.statePath, &w)
	if atomicfile.IsCorrupt(err) {
		restored, rerr := atomicfile.Recover(m.quarantineRoot, m.statePath)
		switch {
		case rerr != nil:
			m.log.Errorf("quarantine corrupt watermarks %s: %v", m.statePath, rerr)
			return
		case !restored:
			m.log.Warnf("corrupt watermarks %s quarantined, starting fresh", m.statePath)
			return
		}
		m.log.Warnf("corrupt watermarks %s restored from backup", m.statePath)
		w = watermarks{}
		err = atomicfile.ReadJSON(m.statePath, &w)
	}
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return
	default:
		m.log.Warnf("load watermarks %s: %v", m.statePath, err)
		return
	}

	for name, t := range w.LastScheduled {
		if m.reg.Has(name) {
			m.lastScheduled[name] = t
		}
	}
	m.log.Debugf("loaded %d watermark(s)", len(m.lastScheduled))
}

func (m *TaskMaster) markScheduled(name string, at time.Time) {
	m.lastScheduled[name] = at
	if m.statePath == "" {
		return
	}
	w := watermarks{
		SchemaVersion: watermarkSchemaVersion,
		LastScheduled: m.lastScheduled,
	}
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0755); err != nil {
		m.log.Warnf("save watermarks: %v", err)
		return
	}
	if err := atomicfile.WriteJSONWithBackup(m.statePath, w); err != nil {
		m.log.Warnf("save watermarks: %v", err)
	}
}
