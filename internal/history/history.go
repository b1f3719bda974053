// Package history keeps the on-disk record of every task attempt.
//
// Layout under the tasks directory:
//
//	<task>/<version>/               attempt in progress
//	<task>/successful/<version>/    retained successful attempts
//	<task>/failed/<version>/        retained failed attempts
//	<task>/current                  symlink to the most recent finished attempt
//	<task>/index.json               retained attempts, oldest first
package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vrutkovs/ostbuild/internal/atomicfile"
	"github.com/vrutkovs/ostbuild/internal/logging"
	"github.com/vrutkovs/ostbuild/internal/model"
)

const (
	SuccessfulDir = "successful"
	FailedDir     = "failed"
	CurrentLink   = "current"
	IndexFileName = "index.json"
	MetaFileName  = "meta.json"

	DefaultRetainSuccess = 5
	DefaultRetainFailed  = 1
)

var ErrAttemptNotFound = errors.New("attempt not found")

// Retention bounds how many attempts of each outcome class are kept.
type Retention struct {
	Success int
	Failed  int
}

func (r Retention) normalized() Retention {
	if r.Success <= 0 {
		r.Success = DefaultRetainSuccess
	}
	if r.Failed <= 0 {
		r.Failed = DefaultRetainFailed
	}
	return r
}

// Completion is what the executor reports when an attempt ends.
type Completion struct {
	Success       bool
	ErrorMessage  string
	OutputVersion string
	// LogFile is relative to the attempt directory.
	LogFile string
}

type Index struct {
	SchemaVersion int      `json:"schema_version"`
	Attempts      []string `json:"attempts"`
}

// Store manages per-task attempt directories. It is not safe for concurrent use; the scheduler
// calls it from its event loop only.
type Store struct {
	tasksDir       string
	quarantineRoot string
	now            func() time.Time
	logger         *logging.Logger
}

// NewStore returns a history rooted at tasksDir. Corrupt metadata is moved under quarantineRoot.
func NewStore(tasksDir, quarantineRoot string, logger *logging.Logger) *Store {
	return &Store{
		tasksDir:       tasksDir,
		quarantineRoot: quarantineRoot,
		now:            time.Now,
		logger:         logger,
	}
}

func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) TaskDir(name string) string {
	return filepath.Join(s.tasksDir, name)
}

// BeginAttempt allocates the next version for name and creates its working directory.
func (s *Store) BeginAttempt(name string) (*model.Attempt, error) {
	taskDir := s.TaskDir(name)
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		return nil, fmt.Errorf("create task dir %s: %w", name, err)
	}

	last, err := s.lastVersion(taskDir)
	if err != nil {
		return nil, fmt.Errorf("scan versions of %s: %w", name, err)
	}

	now := s.now().UTC()
	version := model.NextAttemptVersion(last, now)
	dir := filepath.Join(taskDir, version)
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("create working dir %s %s: %w", name, version, err)
	}

	a := &model.Attempt{
		TaskName:  name,
		Version:   version,
		Outcome:   model.OutcomeRunning,
		StartTime: now,
		Dir:       dir,
	}
	if err := writeMeta(a); err != nil {
		return nil, fmt.Errorf("write meta %s %s: %w", name, version, err)
	}
	return a, nil
}

// FinishAttempt records the outcome, moves the attempt into successful/ or failed/, repoints
// current and prunes old attempts. A failure to move the directory is returned unrecovered.
func (s *Store) FinishAttempt(a *model.Attempt, c Completion, keep Retention) error {
	keep = keep.normalized()
	taskDir := s.TaskDir(a.TaskName)

	a.EndTime = s.now()
	a.ElapsedMillis = a.EndTime.Sub(a.StartTime).Milliseconds()
	a.ErrorMessage = c.ErrorMessage
	a.OutputVersion = c.OutputVersion
	a.LogPath = c.LogFile
	class := FailedDir
	a.Outcome = model.OutcomeFailed
	if c.Success {
		class = SuccessfulDir
		a.Outcome = model.OutcomeSuccess
	}

	if err := writeMeta(a); err != nil {
		return fmt.Errorf("write meta %s %s: %w", a.TaskName, a.Version, err)
	}

	classDir := filepath.Join(taskDir, class)
	if err := os.MkdirAll(classDir, 0755); err != nil {
		return fmt.Errorf("create %s dir for %s: %w", class, a.TaskName, err)
	}
	dest := filepath.Join(classDir, a.Version)
	if err := os.Rename(a.Dir, dest); err != nil {
		return fmt.Errorf("move attempt %s %s to %s: %w", a.TaskName, a.Version, class, err)
	}
	a.Dir = dest

	if err := updateCurrent(taskDir, filepath.Join(class, a.Version)); err != nil {
		return fmt.Errorf("update current link of %s: %w", a.TaskName, err)
	}

	if err := s.prune(taskDir, SuccessfulDir, keep.Success); err != nil {
		return err
	}
	if err := s.prune(taskDir, FailedDir, keep.Failed); err != nil {
		return err
	}
	if err := s.purgeStray(taskDir); err != nil {
		return err
	}
	return s.writeIndex(a.TaskName)
}

// MarkInterrupted records that an attempt was abandoned. The directory stays where it is and
// is purged by the next Recover.
func (s *Store) MarkInterrupted(a *model.Attempt) error {
	a.Outcome = model.OutcomeInterrupted
	a.EndTime = s.now()
	a.ElapsedMillis = a.EndTime.Sub(a.StartTime).Milliseconds()
	return writeMeta(a)
}

// Recover purges attempts left behind by a previous process and returns the newest successful
// attempt, or nil when there is none.
func (s *Store) Recover(name string) (*model.Attempt, error) {
	taskDir := s.TaskDir(name)
	if _, err := os.Stat(taskDir); os.IsNotExist(err) {
		return nil, nil
	}

	if err := s.purgeStray(taskDir); err != nil {
		return nil, err
	}
	if err := s.writeIndex(name); err != nil {
		return nil, err
	}

	versions, err := listVersions(filepath.Join(taskDir, SuccessfulDir))
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}

	latest := versions[len(versions)-1]
	a, err := s.readAttempt(name, SuccessfulDir, latest)
	if atomicfile.IsCorrupt(err) {
		metaPath := filepath.Join(taskDir, SuccessfulDir, latest, MetaFileName)
		if dst, qerr := atomicfile.Quarantine(s.quarantineRoot, metaPath); qerr == nil {
			s.logger.Warnf("quarantined corrupt meta of %s %s -> %s", name, latest, dst)
		}
		return nil, nil
	}
	return a, err
}

// LoadAllAttempts merges retained successful and failed attempts, oldest first.
func (s *Store) LoadAllAttempts(name string) ([]model.AttemptRef, error) {
	taskDir := s.TaskDir(name)
	var refs []model.AttemptRef
	for _, class := range []string{SuccessfulDir, FailedDir} {
		versions, err := listVersions(filepath.Join(taskDir, class))
		if err != nil {
			return nil, err
		}
		outcome := model.OutcomeSuccess
		if class == FailedDir {
			outcome = model.OutcomeFailed
		}
		for _, v := range versions {
			refs = append(refs, model.AttemptRef{Outcome: outcome, Version: v})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		return model.CompareAttemptVersions(refs[i].Version, refs[j].Version) < 0
	})
	return refs, nil
}

// LoadAttempt reads the metadata of a retained attempt. Anything but a well-formed version is
// reported as not found.
func (s *Store) LoadAttempt(name, version string) (*model.Attempt, error) {
	if !model.ValidAttemptVersion(version) {
		return nil, fmt.Errorf("%w: %s %q", ErrAttemptNotFound, name, version)
	}
	for _, class := range []string{SuccessfulDir, FailedDir} {
		a, err := s.readAttempt(name, class, version)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		return a, err
	}
	return nil, fmt.Errorf("%w: %s %s", ErrAttemptNotFound, name, version)
}

func (s *Store) readAttempt(name, class, version string) (*model.Attempt, error) {
	dir := filepath.Join(s.TaskDir(name), class, version)
	var a model.Attempt
	if err := atomicfile.ReadJSON(filepath.Join(dir, MetaFileName), &a); err != nil {
		return nil, err
	}
	a.Dir = dir
	return &a, nil
}

func (s *Store) lastVersion(taskDir string) (string, error) {
	var all []string
	for _, sub := range []string{"", SuccessfulDir, FailedDir} {
		versions, err := listVersions(filepath.Join(taskDir, sub))
		if err != nil {
			return "", err
		}
		all = append(all, versions...)
	}
	last := ""
	for _, v := range all {
		if last == "" || model.CompareAttemptVersions(v, last) > 0 {
			last = v
		}
	}
	return last, nil
}

func (s *Store) prune(taskDir, class string, keep int) error {
	classDir := filepath.Join(taskDir, class)
	versions, err := listVersions(classDir)
	if err != nil {
		return err
	}
	if len(versions) <= keep {
		return nil
	}
	for _, v := range versions[:len(versions)-keep] {
		if err := os.RemoveAll(filepath.Join(classDir, v)); err != nil {
			return fmt.Errorf("prune %s/%s: %w", class, v, err)
		}
		s.logger.Debugf("pruned %s %s/%s", filepath.Base(taskDir), class, v)
	}
	return nil
}

// purgeStray removes attempt directories sitting directly under the task root: attempts that
// were running or interrupted when their process went away.
func (s *Store) purgeStray(taskDir string) error {
	versions, err := listVersions(taskDir)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if err := os.RemoveAll(filepath.Join(taskDir, v)); err != nil {
			return fmt.Errorf("purge stray attempt %s: %w", v, err)
		}
		s.logger.Infof("purged interrupted attempt %s %s", filepath.Base(taskDir), v)
	}
	return nil
}

func (s *Store) writeIndex(name string) error {
	refs, err := s.LoadAllAttempts(name)
	if err != nil {
		return err
	}
	idx := Index{SchemaVersion: 1, Attempts: make([]string, 0, len(refs))}
	for _, r := range refs {
		class := SuccessfulDir
		if r.Outcome == model.OutcomeFailed {
			class = FailedDir
		}
		idx.Attempts = append(idx.Attempts, filepath.Join(class, r.Version))
	}
	if err := atomicfile.WriteJSON(filepath.Join(s.TaskDir(name), IndexFileName), idx); err != nil {
		return fmt.Errorf("write index of %s: %w", name, err)
	}
	return nil
}

func writeMeta(a *model.Attempt) error {
	return atomicfile.WriteJSON(filepath.Join(a.Dir, MetaFileName), a)
}

func updateCurrent(taskDir, target string) error {
	link := filepath.Join(taskDir, CurrentLink)
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, link)
}

// listVersions returns the attempt-version directory names in dir, oldest first.
// A missing dir yields no versions.
func listVersions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var versions []string
	for _, e := range entries {
		if !e.IsDir() || !model.ValidAttemptVersion(e.Name()) {
			continue
		}
		versions = append(versions, e.Name())
	}
	sort.Slice(versions, func(i, j int) bool {
		return model.CompareAttemptVersions(versions[i], versions[j]) < 0
	})
	return versions, nil
}
