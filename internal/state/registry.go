package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// BranchConflictError reports that another running, non-stale session holds
// the target branch. Raised at initializing; the run never starts.
type BranchConflictError struct {
	Branch       string
	SessionID    string
	WorktreePath string
}

func (e *BranchConflictError) Error() string {
	return fmt.Sprintf("branch %q is held by running session %s (%s)",
		e.Branch, e.SessionID, e.WorktreePath)
}

// ListSessions scans sessions/*/metadata.json and returns each session's
// metadata, most recently updated first. Directories without readable
// metadata are skipped.
func (m *Manager) ListSessions() ([]*SessionMetadata, error) {
	entries, err := os.ReadDir(m.sessionsPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []*SessionMetadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := readMetadata(filepath.Join(m.sessionsPath(), e.Name(), metadataFile))
		if err != nil || meta == nil {
			continue
		}
		sessions = append(sessions, meta)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// CheckBranchConflict returns a BranchConflictError when another session
// blocks the branch: it is still running, holds the same branch, and its
// worktree path still exists on disk. Stale sessions never block.
func (m *Manager) CheckBranchConflict(branch string) error {
	sessions, err := m.ListSessions()
	if err != nil {
		return err
	}
	for _, meta := range sessions {
		if meta.SessionID == m.sessionID {
			continue
		}
		if meta.Status != StatusRunning || meta.Branch != branch {
			continue
		}
		if meta.Stale() {
			continue
		}
		return &BranchConflictError{
			Branch:       branch,
			SessionID:    meta.SessionID,
			WorktreePath: meta.WorktreePath,
		}
	}
	return nil
}

// Session returns a Manager bound to an existing session id, or nil when the
// session directory does not exist.
func (m *Manager) Session(sessionID string) *Manager {
	dir := filepath.Join(m.sessionsPath(), sessionID)
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	return &Manager{baseDir: m.baseDir, project: m.project, sessionID: sessionID}
}
