// Package gh wraps the GitHub CLI for pull request creation. Missing
// prerequisites are graceful skips, never run failures.
package gh

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/louisboilard/autom8/internal/git"
)

// Result is the outcome of the PR phase.
type Result struct {
	// URL of the created or pre-existing pull request, when known.
	URL string
	// Skipped carries the graceful-skip reason; empty when a PR was created.
	Skipped string
}

// run executes gh with args in dir.
func run(dir string, args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "),
				strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// IsInstalled reports whether the gh binary is on PATH.
func IsInstalled() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

// IsAuthenticated reports whether gh has valid credentials.
func IsAuthenticated(dir string) bool {
	cmd := exec.Command("gh", "auth", "status")
	if dir != "" {
		cmd.Dir = dir
	}
	return cmd.Run() == nil
}

// DefaultBranch returns the repository's default branch, falling back to
// "main" when it cannot be determined.
func DefaultBranch(dir string) string {
	out, err := run(dir, "repo", "view", "--json", "defaultBranchRef",
		"--jq", ".defaultBranchRef.name")
	if err != nil || out == "" {
		return "main"
	}
	return out
}

// ExistingPRURL returns the URL of an open PR for the branch, or "".
func ExistingPRURL(dir, branch string) string {
	out, err := run(dir, "pr", "list", "--head", branch, "--state", "open",
		"--json", "url", "--limit", "1")
	if err != nil {
		return ""
	}
	var prs []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil || len(prs) == 0 {
		return ""
	}
	return prs[0].URL
}

// CheckPrerequisites verifies every precondition for PR creation. A failed
// check returns a Result with the skip reason; (nil, nil) means all
// prerequisites hold.
func CheckPrerequisites(dir, branch string) (*Result, error) {
	if !git.IsRepo(dir) {
		return &Result{Skipped: "not a git repository"}, nil
	}
	if !IsInstalled() {
		return &Result{Skipped: "GitHub CLI (gh) not installed"}, nil
	}
	if !IsAuthenticated(dir) {
		return &Result{Skipped: "GitHub CLI not authenticated"}, nil
	}

	defBranch := DefaultBranch(dir)
	if branch == defBranch {
		return &Result{Skipped: fmt.Sprintf("current branch is the default branch (%s)", defBranch)}, nil
	}

	ahead, err := git.AheadCount(dir, "origin/"+defBranch)
	if err != nil {
		// The default branch may not exist locally; try without the remote.
		ahead, err = git.AheadCount(dir, defBranch)
		if err != nil {
			return &Result{Skipped: "cannot determine commits ahead of default branch"}, nil
		}
	}
	if ahead == 0 {
		return &Result{Skipped: "no commits ahead of the default branch"}, nil
	}

	if url := ExistingPRURL(dir, branch); url != "" {
		return &Result{URL: url, Skipped: "pull request already exists"}, nil
	}
	return nil, nil
}

// ReviewComment is one review thread comment on a pull request.
type ReviewComment struct {
	Author string `json:"author"`
	Path   string `json:"path"`
	Body   string `json:"body"`
}

// FetchReviewComments returns the review comments on the branch's open PR.
func FetchReviewComments(dir, branch string) ([]ReviewComment, error) {
	out, err := run(dir, "pr", "view", branch, "--json", "reviews,comments")
	if err != nil {
		return nil, err
	}
	var payload struct {
		Reviews []struct {
			Author struct {
				Login string `json:"login"`
			} `json:"author"`
			Body string `json:"body"`
		} `json:"reviews"`
		Comments []struct {
			Author struct {
				Login string `json:"login"`
			} `json:"author"`
			Path string `json:"path"`
			Body string `json:"body"`
		} `json:"comments"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return nil, fmt.Errorf("parsing PR comments: %w", err)
	}

	var comments []ReviewComment
	for _, r := range payload.Reviews {
		if strings.TrimSpace(r.Body) == "" {
			continue
		}
		comments = append(comments, ReviewComment{Author: r.Author.Login, Body: r.Body})
	}
	for _, c := range payload.Comments {
		if strings.TrimSpace(c.Body) == "" {
			continue
		}
		comments = append(comments, ReviewComment{Author: c.Author.Login, Path: c.Path, Body: c.Body})
	}
	return comments, nil
}

// Create opens a pull request for the current branch.
func Create(dir, title, body string, draft bool) (*Result, error) {
	args := []string{"pr", "create", "--title", title, "--body", body}
	if draft {
		args = append(args, "--draft")
	}
	out, err := run(dir, args...)
	if err != nil {
		return nil, err
	}
	// gh prints the PR URL as the last output line.
	lines := strings.Split(out, "\n")
	url := strings.TrimSpace(lines[len(lines)-1])
	return &Result{URL: url}, nil
}
