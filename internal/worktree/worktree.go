// Package worktree manages git worktrees for parallel sessions and derives
// the deterministic session identity from the worktree path.
package worktree

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// MainSessionID is the well-known session id for the primary repository.
const MainSessionID = "main"

// Info describes one entry from `git worktree list --porcelain`.
type Info struct {
	Path     string
	Branch   string
	Commit   string
	IsMain   bool
	IsBare   bool
	Detached bool
}

// SessionID derives the deterministic session id for a worktree path: the
// first 8 hex characters of the SHA-256 of the absolute path.
func SessionID(worktreePath string) string {
	sum := sha256.Sum256([]byte(worktreePath))
	return hex.EncodeToString(sum[:4])
}

// PathFor expands the worktree path pattern for a repo and branch. The
// worktree lives next to the repository; slashes in the branch name are
// flattened so the result is a single directory component.
func PathFor(repoRoot, pattern, branch string) string {
	repo := filepath.Base(repoRoot)
	safeBranch := strings.ReplaceAll(branch, "/", "-")
	name := strings.NewReplacer("{repo}", repo, "{branch}", safeBranch).Replace(pattern)
	return filepath.Join(filepath.Dir(repoRoot), name)
}

func git(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "),
				strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Create adds a worktree at path for the branch, creating the branch when it
// does not exist yet. Returns the absolute worktree path and its session id.
func Create(repoRoot, path, branch string) (string, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", err
	}

	branchExists := false
	if _, err := git(repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		branchExists = true
	}

	var addErr error
	if branchExists {
		_, addErr = git(repoRoot, "worktree", "add", abs, branch)
	} else {
		_, addErr = git(repoRoot, "worktree", "add", "-b", branch, abs)
	}
	if addErr != nil {
		return "", "", fmt.Errorf("creating worktree at %s for branch %s: %w", abs, branch, addErr)
	}
	return abs, SessionID(abs), nil
}

// Remove destroys the worktree at path.
func Remove(repoRoot, path string) error {
	if _, err := git(repoRoot, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("removing worktree at %s: %w", path, err)
	}
	return nil
}

// List returns all worktrees of the repository containing dir. The first
// entry is always the main worktree.
func List(dir string) ([]Info, error) {
	out, err := git(dir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

// parsePorcelain parses `git worktree list --porcelain` output: one
// attribute per line, worktrees separated by blank lines.
func parsePorcelain(out string) []Info {
	var worktrees []Info
	var cur Info
	flush := func() {
		if cur.Path != "" {
			cur.IsMain = len(worktrees) == 0
			worktrees = append(worktrees, cur)
		}
		cur = Info{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			cur.Branch = strings.TrimPrefix(ref, "refs/heads/")
		case line == "bare":
			cur.IsBare = true
		case line == "detached":
			cur.Detached = true
		}
	}
	flush()
	return worktrees
}

// Root returns the toplevel of the linked worktree containing dir, or ""
// when dir is inside the main repository.
func Root(dir string) (string, error) {
	gitDir, err := git(dir, "rev-parse", "--git-dir")
	if err != nil {
		return "", err
	}
	// In a linked worktree the git dir points into .git/worktrees/<name>.
	if !strings.Contains(filepath.ToSlash(gitDir), "/worktrees/") {
		return "", nil
	}
	return git(dir, "rev-parse", "--show-toplevel")
}

// MainRepoRoot returns the primary repository root regardless of whether dir
// is the main checkout or a linked worktree.
func MainRepoRoot(dir string) (string, error) {
	commonDir, err := git(dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(commonDir) {
		abs, err := filepath.Abs(filepath.Join(dir, commonDir))
		if err != nil {
			return "", err
		}
		commonDir = abs
	}
	return filepath.Dir(commonDir), nil
}

// CurrentSessionID returns the session id for dir: "main" in the primary
// repository, otherwise the hash of the worktree root.
func CurrentSessionID(dir string) (string, error) {
	root, err := Root(dir)
	if err != nil {
		return "", err
	}
	if root == "" {
		return MainSessionID, nil
	}
	return SessionID(root), nil
}

// Exists reports whether the path exists on disk. A session whose worktree
// path fails this check is stale.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
