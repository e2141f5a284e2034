package metricsstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runnerforge/fleet/internal/cloud"
)

// RemoteMetricsDir is the well-known directory the runner VM's userdata
// script writes its metric files into (spec.md §6 "Runner VM userdata
// contract"). Exported so the userdata renderer embeds the same path this
// package later pulls from.
const RemoteMetricsDir = "/var/lib/runnerforge/metrics"

// FileReader is the subset of *cloud.SSHSession the Store needs, narrowed so
// it can be faked in tests without a live SSH server.
type FileReader interface {
	ReadFile(path string, maxBytes int64) ([]byte, error)
}

// Store owns the local on-disk metrics directory and the quarantine
// directory (spec.md §3 "MetricsStorageDir", "Quarantine").
type Store struct {
	baseDir       string
	quarantineDir string
	log           *logrus.Logger
}

// NewStore creates (if absent) and returns a Store rooted at baseDir, with
// corrupt data quarantined under quarantineDir.
func NewStore(baseDir, quarantineDir string, log *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create metrics dir: %w", err)
	}
	if err := os.MkdirAll(quarantineDir, 0o750); err != nil {
		return nil, fmt.Errorf("create quarantine dir: %w", err)
	}
	return &Store{baseDir: baseDir, quarantineDir: quarantineDir, log: log}, nil
}

func (s *Store) dir(id cloud.InstanceId) string {
	return filepath.Join(s.baseDir, string(id))
}

// PullFromVM best-effort pulls the four metric files from the VM into the
// local per-runner directory. Each file is pulled independently; a missing
// remote file is not an error (spec.md §4.4 "Ignore failure; continue").
func (s *Store) PullFromVM(reader FileReader, id cloud.InstanceId) error {
	dir := s.dir(id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create runner metrics dir for %s: %w", id, err)
	}

	for _, name := range []string{fileInstallStart, fileInstalled, filePreJob, filePostJob} {
		data, err := reader.ReadFile(filepath.Join(RemoteMetricsDir, name), maxFileSize)
		if err != nil {
			s.log.WithError(err).WithField("instance_id", id).Debugf("pull %s: no data", name)
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o640); err != nil {
			s.log.WithError(err).WithField("instance_id", id).Warnf("write local %s", name)
		}
	}
	return nil
}

// CollectAndRemove parses every file in the runner's local metrics
// directory, aggregates them into RunnerMetrics, and removes the directory.
// A malformed (non-empty but unparseable, or oversized) file quarantines the
// whole directory instead and returns (nil, nil), matching spec.md §4.4
// "If any file is malformed, move the whole directory to Quarantine and
// return None." A zero-length or absent file is treated as "no data" per
// the resolved rotation-during-pull open question, not as corruption.
func (s *Store) CollectAndRemove(id cloud.InstanceId, runnerName string) (*RunnerMetrics, error) {
	dir := s.dir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return &RunnerMetrics{RunnerName: runnerName}, nil
	}

	metrics := &RunnerMetrics{RunnerName: runnerName}

	ts, malformed, err := s.readTimestamp(dir, fileInstallStart)
	if err != nil {
		return nil, err
	}
	if malformed {
		return nil, s.quarantine(id, dir)
	}
	metrics.InstallStartedAt = ts

	ts, malformed, err = s.readTimestamp(dir, fileInstalled)
	if err != nil {
		return nil, err
	}
	if malformed {
		return nil, s.quarantine(id, dir)
	}
	metrics.InstalledAt = ts

	var preJob PreJobMetrics
	ok, malformed, err := s.readJSON(dir, filePreJob, &preJob)
	if err != nil {
		return nil, err
	}
	if malformed {
		return nil, s.quarantine(id, dir)
	}
	if ok {
		metrics.PreJob = &preJob
	}

	var postJob PostJobMetrics
	ok, malformed, err = s.readJSON(dir, filePostJob, &postJob)
	if err != nil {
		return nil, err
	}
	if malformed {
		return nil, s.quarantine(id, dir)
	}
	if ok {
		metrics.PostJob = &postJob
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("remove metrics dir for %s: %w", id, err)
	}
	return metrics, nil
}

// readTimestamp reads a Unix-epoch-seconds text file. An absent or
// zero-length file is "no data" (nil, false, nil); unparseable or oversized
// content is "malformed" (nil, true, nil).
func (s *Store) readTimestamp(dir, name string) (*time.Time, bool, error) {
	data, present, err := readFileIfPresent(filepath.Join(dir, name))
	if err != nil {
		return nil, false, err
	}
	if !present || len(data) == 0 {
		return nil, false, nil
	}
	if len(data) > maxFileSize {
		return nil, true, nil
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return nil, true, nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t, false, nil
}

// readJSON reads and unmarshals a JSON metric file into v. Return values
// mirror readTimestamp: (present, malformed, error).
func (s *Store) readJSON(dir, name string, v interface{}) (bool, bool, error) {
	data, present, err := readFileIfPresent(filepath.Join(dir, name))
	if err != nil {
		return false, false, err
	}
	if !present || len(data) == 0 {
		return false, false, nil
	}
	if len(data) > maxFileSize {
		return false, true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, true, nil
	}
	return true, false, nil
}

func readFileIfPresent(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// quarantine moves a runner's metrics directory under <quarantine>/<instance_id>/
// (spec.md §6 "Quarantine layout"), leaving its contents untouched.
func (s *Store) quarantine(id cloud.InstanceId, dir string) error {
	dest := filepath.Join(s.quarantineDir, string(id))
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("prepare quarantine dir for %s: %w", id, err)
	}
	if err := os.Rename(dir, dest); err != nil {
		return fmt.Errorf("quarantine metrics dir for %s: %w", id, err)
	}
	s.log.WithField("instance_id", id).Warn("quarantined corrupt metrics directory")
	return nil
}

// CleanupOrphans removes local metrics directories older than 7 days that
// have no entry in liveIDs (spec.md §8 invariant 4). It never touches the
// quarantine directory (invariant 5: monotonically growing, never read or
// removed).
func (s *Store) CleanupOrphans(liveIDs map[cloud.InstanceId]bool) error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return fmt.Errorf("list metrics dirs: %w", err)
	}
	cutoff := time.Now().Add(-orphanAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := cloud.InstanceId(entry.Name())
		if liveIDs[id] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.baseDir, entry.Name())); err != nil {
			s.log.WithError(err).WithField("instance_id", id).Warn("failed to remove orphan metrics dir")
		}
	}
	return nil
}
