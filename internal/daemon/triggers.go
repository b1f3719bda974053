package daemon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/vrutkovs/ostbuild/internal/atomicfile"
)

const triggerExt = ".json"

// startTriggers consumes trigger files already present and then watches triggers/ for new ones.
// Writers should create the file elsewhere and rename it into place.
func (d *Daemon) startTriggers() error {
	dir := filepath.Join(d.workRoot, TriggersDir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	d.watcher = watcher

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), triggerExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		d.consumeTrigger(filepath.Join(dir, name))
	}

	d.wg.Add(1)
	go d.fsnotifyLoop()
	return nil
}

// fsnotifyLoop processes filesystem change events.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, triggerExt) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				d.consumeTrigger(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Errorf("fsnotify error=%v", err)
		}
	}
}

// consumeTrigger reads triggers/<task>.json, removes it and pushes <task> with the parameters it
// holds. An empty file pushes without parameters; an unparsable file is quarantined.
func (d *Daemon) consumeTrigger(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			d.log.Warnf("read trigger %s: %v", path, err)
		}
		return
	}

	task := strings.TrimSuffix(filepath.Base(path), triggerExt)
	var params map[string]any
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &params); err != nil {
			d.log.Warnf("trigger %s: invalid parameters: %v", path, err)
			if dst, qerr := atomicfile.Quarantine(d.workRoot, path); qerr != nil {
				d.log.Errorf("quarantine trigger %s: %v", path, qerr)
			} else {
				d.log.Warnf("quarantined trigger %s to %s", path, dst)
			}
			return
		}
	}

	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			d.log.Warnf("remove trigger %s: %v", path, err)
		}
		// Another event already consumed it.
		return
	}
	d.pushLogged(task, params, "trigger")
}
