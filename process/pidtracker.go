package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TrackedProcess is a spawned launcher recorded on disk.
type TrackedProcess struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	PGID      int       `json:"pgid"`
	StartedAt time.Time `json:"started_at"`
}

// PIDTracking holds the complete tracking state.
type PIDTracking struct {
	Processes []TrackedProcess `json:"processes"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// FilePIDTracker records spawned launchers in a JSON file. The record
// survives a daemon restart, so kill-by-identity can still reach the process
// groups of launchers a previous daemon spawned.
type FilePIDTracker struct {
	path string
	mu   sync.Mutex
}

var _ PIDTracker = (*FilePIDTracker)(nil)

// NewFilePIDTracker creates a tracker persisting to path. An empty path
// selects a per-user default.
func NewFilePIDTracker(path string) *FilePIDTracker {
	if path == "" {
		path = DefaultPIDTrackingPath("nodesupd")
	}
	return &FilePIDTracker{path: path}
}

// DefaultPIDTrackingPath returns the default tracking file for appName.
func DefaultPIDTrackingPath(appName string) string {
	if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
		return filepath.Join(stateHome, appName, "launchers.json")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", appName, "launchers.json")
	}
	return filepath.Join(os.TempDir(), appName+"-launchers.json")
}

// Path returns the tracking file path.
func (pt *FilePIDTracker) Path() string {
	return pt.path
}

// Load reads the current tracking state from disk.
func (pt *FilePIDTracker) Load() PIDTracking {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.loadLocked()
}

func (pt *FilePIDTracker) loadLocked() PIDTracking {
	var tracking PIDTracking
	data, err := os.ReadFile(pt.path)
	if err != nil {
		return tracking
	}
	// A corrupt file is treated as empty.
	_ = json.Unmarshal(data, &tracking)
	return tracking
}

// Add records a spawned launcher, replacing any entry with the same ID.
func (pt *FilePIDTracker) Add(id string, pid, pgid int) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	tracking := pt.loadLocked()
	tracking.Processes = without(tracking.Processes, id)
	tracking.Processes = append(tracking.Processes, TrackedProcess{
		ID:        id,
		PID:       pid,
		PGID:      pgid,
		StartedAt: time.Now(),
	})
	return pt.saveLocked(tracking)
}

// Remove forgets a launcher.
func (pt *FilePIDTracker) Remove(id string) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	tracking := pt.loadLocked()
	tracking.Processes = without(tracking.Processes, id)
	return pt.saveLocked(tracking)
}

// ListTracked returns all recorded launchers.
func (pt *FilePIDTracker) ListTracked() []TrackedProcess {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.loadLocked().Processes
}

// KillTracked SIGKILLs every recorded launcher that is still alive, along
// with its process group, and empties the record. It returns how many were
// alive.
func (pt *FilePIDTracker) KillTracked() (int, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	tracking := pt.loadLocked()
	killed := 0
	for _, proc := range tracking.Processes {
		if isProcessAlive(proc.PID) {
			killTrackedProcess(proc.PID, proc.PGID)
			killed++
		}
	}
	tracking.Processes = nil
	return killed, pt.saveLocked(tracking)
}

// Clear removes the tracking file.
func (pt *FilePIDTracker) Clear() error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if err := os.Remove(pt.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (pt *FilePIDTracker) saveLocked(tracking PIDTracking) error {
	tracking.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(tracking, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tracking data: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(pt.path), 0755); err != nil {
		return fmt.Errorf("failed to create tracking directory: %w", err)
	}

	tmpPath := pt.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write tracking file: %w", err)
	}
	if err := os.Rename(tmpPath, pt.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename tracking file: %w", err)
	}
	return nil
}

func without(procs []TrackedProcess, id string) []TrackedProcess {
	out := procs[:0]
	for _, p := range procs {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}
