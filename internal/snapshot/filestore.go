package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/procherder/agent/internal/herderr"
)

// FileStore is the default SnapshotStore: one processes.json under the
// agent's state directory, replaced atomically on every save. A file that
// fails to parse, or carries an unknown schema version, is renamed aside
// and an empty registry is started; a bad snapshot is never fatal.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

const snapshotFile = "processes.json"

// NewFileStore creates the state directory if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logger.With("component", "snapshot")}, nil
}

func (fs *FileStore) path() string { return filepath.Join(fs.dir, snapshotFile) }

// Save writes to a temp file in the same directory and renames it over the
// target, so readers never observe a partial write.
func (fs *FileStore) Save(s Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(fs.dir, snapshotFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, fs.path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reads the latest snapshot. The boolean is false when no snapshot
// exists. A corrupt or version-mismatched file is quarantined and reported
// as absent alongside a SnapshotCorrupt error the caller may log.
func (fs *FileStore) Load() (Snapshot, bool, error) {
	data, err := os.ReadFile(fs.path())
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, false, fs.quarantine(fmt.Sprintf("unparseable: %v", err))
	}
	if s.SchemaVersion != SchemaVersion {
		return Snapshot{}, false, fs.quarantine(fmt.Sprintf("unknown schema version %d", s.SchemaVersion))
	}
	return s, true, nil
}

func (fs *FileStore) quarantine(reason string) error {
	aside := fs.path() + ".corrupt-" + time.Now().UTC().Format("20060102T150405")
	if err := os.Rename(fs.path(), aside); err != nil {
		fs.logger.Error("failed to quarantine corrupt snapshot", "error", err)
	} else {
		fs.logger.Warn("quarantined corrupt snapshot", "reason", reason, "moved_to", aside)
	}
	return herderr.New(herderr.SnapshotCorrupt, "snapshot quarantined: "+reason)
}
