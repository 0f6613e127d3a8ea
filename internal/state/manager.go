package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/louisboilard/autom8/internal/config"
)

const (
	stateFile    = "state.json"
	metadataFile = "metadata.json"
	sessionsDir  = "sessions"
	runsDir      = "runs"
	specDir      = "spec"
)

// SessionMetadata is the quick per-session record the registry reads without
// opening the full state file.
type SessionMetadata struct {
	SessionID    string    `json:"sessionId"`
	WorktreePath string    `json:"worktreePath"`
	Branch       string    `json:"branch"`
	Project      string    `json:"project"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"updatedAt"`
	PID          int       `json:"pid,omitempty"`
}

// Stale reports whether the session's recorded worktree no longer exists.
func (m *SessionMetadata) Stale() bool {
	if m.WorktreePath == "" {
		return true
	}
	_, err := os.Stat(m.WorktreePath)
	return err != nil
}

// Manager owns one session's directory under the project config dir:
// <config-home>/autom8/<project>/sessions/<session-id>/.
type Manager struct {
	baseDir      string
	project      string
	sessionID    string
	worktreePath string
}

// NewManager creates a Manager rooted at the project config dir.
func NewManager(project, sessionID, worktreePath string) (*Manager, error) {
	base, err := config.ProjectDir(project)
	if err != nil {
		return nil, err
	}
	return &Manager{baseDir: base, project: project, sessionID: sessionID, worktreePath: worktreePath}, nil
}

// WithDir creates a Manager rooted at an explicit directory (tests).
func WithDir(dir, project, sessionID, worktreePath string) *Manager {
	return &Manager{baseDir: dir, project: project, sessionID: sessionID, worktreePath: worktreePath}
}

// SessionID returns the manager's session id.
func (m *Manager) SessionID() string { return m.sessionID }

// BaseDir returns the project config directory.
func (m *Manager) BaseDir() string { return m.baseDir }

func (m *Manager) sessionsPath() string { return filepath.Join(m.baseDir, sessionsDir) }

// SessionDir returns this session's directory.
func (m *Manager) SessionDir() string { return filepath.Join(m.sessionsPath(), m.sessionID) }

// SpecDir returns the shared spec directory, creating it if needed.
func (m *Manager) SpecDir() (string, error) {
	dir := filepath.Join(m.baseDir, specDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// RunsDir returns the archive directory for terminal-state runs.
func (m *Manager) RunsDir() string { return filepath.Join(m.baseDir, runsDir) }

func (m *Manager) statePath() string    { return filepath.Join(m.SessionDir(), stateFile) }
func (m *Manager) metadataPath() string { return filepath.Join(m.SessionDir(), metadataFile) }

func (m *Manager) ensureDirs() error {
	return os.MkdirAll(m.SessionDir(), 0755)
}

// Load reads this session's RunState. Returns (nil, nil) when no state file
// exists.
func (m *Manager) Load() (*RunState, error) {
	data, err := os.ReadFile(m.statePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var s RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", m.statePath(), err)
	}
	if !s.MachineState.Valid() {
		return nil, fmt.Errorf("parsing %s: unknown machine state %q", m.statePath(), s.MachineState)
	}
	return &s, nil
}

// Save atomically persists the RunState and refreshes session metadata.
func (m *Manager) Save(s *RunState) error {
	if err := m.ensureDirs(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(m.statePath(), data, 0644); err != nil {
		return err
	}
	return m.SaveMetadata(&SessionMetadata{
		SessionID:    m.sessionID,
		WorktreePath: m.worktreePath,
		Branch:       s.Branch,
		Project:      m.project,
		Status:       s.Status(),
		UpdatedAt:    time.Now().UTC(),
		PID:          os.Getpid(),
	})
}

// SaveMetadata atomically persists session metadata.
func (m *Manager) SaveMetadata(meta *SessionMetadata) error {
	if err := m.ensureDirs(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(m.metadataPath(), data, 0644)
}

// LoadMetadata reads this session's metadata. Returns (nil, nil) when absent.
func (m *Manager) LoadMetadata() (*SessionMetadata, error) {
	return readMetadata(m.metadataPath())
}

// MarkPaused flips the session metadata status to paused. Used on external
// cancellation: the run state itself is preserved as-is.
func (m *Manager) MarkPaused() error {
	meta, err := m.LoadMetadata()
	if err != nil || meta == nil {
		return err
	}
	meta.Status = StatusPaused
	meta.UpdatedAt = time.Now().UTC()
	return m.SaveMetadata(meta)
}

// Archive moves the session's files into runs/<timestamp>_<session-id>/ and
// clears the session directory. Called on terminal states.
func (m *Manager) Archive(s *RunState) (string, error) {
	stamp := s.StartedAt.Format("20060102_150405")
	dest := filepath.Join(m.RunsDir(), fmt.Sprintf("%s_%s", stamp, m.sessionID))
	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(dest, stateFile), data, 0644); err != nil {
		return "", err
	}
	if meta, err := m.LoadMetadata(); err == nil && meta != nil {
		metaData, err := json.MarshalIndent(meta, "", "  ")
		if err == nil {
			_ = writeFileAtomic(filepath.Join(dest, metadataFile), metaData, 0644)
		}
	}

	if err := m.Clear(); err != nil {
		return "", err
	}
	return dest, nil
}

// Clear removes this session's state and metadata files.
func (m *Manager) Clear() error {
	for _, p := range []string{m.statePath(), m.metadataPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	// Remove the session dir if empty; ignore failure when it is not.
	_ = os.Remove(m.SessionDir())
	return nil
}

// ListArchived reads archived run states, newest first.
func (m *Manager) ListArchived() ([]*RunState, error) {
	entries, err := os.ReadDir(m.RunsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var runs []*RunState
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.RunsDir(), e.Name(), stateFile))
		if err != nil {
			continue
		}
		var s RunState
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		runs = append(runs, &s)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs, nil
}

func readMetadata(path string) (*SessionMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var meta SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &meta, nil
}
