package claude

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ReviewArtifactPath returns the review rendezvous file for a working
// directory.
func ReviewArtifactPath(workDir string) string {
	return filepath.Join(workDir, ReviewFile)
}

// ClearReviewArtifact removes a stale review artifact. Called before every
// reviewer invocation so leftovers from prior runs cannot route a clean
// review to correction.
func ClearReviewArtifact(workDir string) error {
	err := os.Remove(ReviewArtifactPath(workDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ReadReviewArtifact implements the rendezvous protocol: the file's
// presence and non-emptiness decide the route, not the subprocess's exit
// stream. Returns the issue text and whether issues were found.
func ReadReviewArtifact(workDir string) (string, bool, error) {
	data, err := os.ReadFile(ReviewArtifactPath(workDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", false, nil
	}
	return content, true, nil
}
