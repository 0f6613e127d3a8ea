package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/louisboilard/autom8/internal/config"
	"github.com/louisboilard/autom8/internal/git"
	"github.com/louisboilard/autom8/internal/spec"
	"github.com/louisboilard/autom8/internal/state"
	"github.com/louisboilard/autom8/internal/ux"
	"github.com/louisboilard/autom8/internal/worktree"
)

func currentManager() (*state.Manager, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	sessionID, err := currentSessionID(cwd)
	if err != nil {
		return nil, err
	}
	return state.NewManager(projectName(cwd), sessionID, cwd)
}

func statusAction() error {
	mgr, err := currentManager()
	if err != nil {
		return err
	}
	st, err := mgr.Load()
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Println("No active run for this session.")
		runs, err := mgr.ListArchived()
		if err == nil && len(runs) > 0 {
			fmt.Printf("%d archived run(s); most recent: %s (%s)\n",
				len(runs), runs[0].StartedAt.Format("2006-01-02 15:04"), runs[0].MachineState)
		}
		return nil
	}

	fmt.Printf("%sSession:%s  %s\n", ux.Bold, ux.Reset, st.SessionID)
	fmt.Printf("%sState:%s    %s\n", ux.Bold, ux.Reset, st.MachineState)
	fmt.Printf("%sBranch:%s   %s\n", ux.Bold, ux.Reset, st.Branch)
	fmt.Printf("%sSpec:%s     %s\n", ux.Bold, ux.Reset, st.SpecPath)
	if st.CurrentStoryID != "" {
		fmt.Printf("%sStory:%s    %s (iteration %d)\n", ux.Bold, ux.Reset, st.CurrentStoryID, st.StoryIteration)
	}
	if st.ReviewIteration > 0 {
		fmt.Printf("%sReview:%s   pass %d\n", ux.Bold, ux.Reset, st.ReviewIteration)
	}
	fmt.Printf("%sTokens:%s   %d in / %d out\n", ux.Bold, ux.Reset, st.TokenTotals.Input, st.TokenTotals.Output)

	if s, err := spec.Load(st.SpecPath); err == nil {
		completed, total := s.Progress()
		fmt.Printf("%sStories:%s  %d/%d passing\n", ux.Bold, ux.Reset, completed, total)
	}
	return nil
}

func sessionsAction() error {
	mgr, err := currentManager()
	if err != nil {
		return err
	}
	sessions, err := mgr.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	for _, meta := range sessions {
		marker := " "
		if meta.SessionID == mgr.SessionID() {
			marker = fmt.Sprintf("%s→%s", ux.Yellow, ux.Reset)
		}
		status := meta.Status
		if meta.Stale() {
			status = fmt.Sprintf("%s%s (stale)%s", ux.Dim, status, ux.Reset)
		} else if status == state.StatusRunning {
			status = fmt.Sprintf("%s%s%s", ux.Green, status, ux.Reset)
		}
		fmt.Printf(" %s %-10s %-24s %s\n", marker, meta.SessionID, meta.Branch, status)
		fmt.Printf("   %s%s · updated %s%s\n", ux.Dim, meta.WorktreePath, meta.UpdatedAt.Format("2006-01-02 15:04"), ux.Reset)
	}
	return nil
}

func cleanAction() error {
	mgr, err := currentManager()
	if err != nil {
		return err
	}
	st, err := mgr.Load()
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Println("Nothing to clean.")
		return nil
	}
	dest, err := mgr.Archive(st)
	if err != nil {
		return err
	}
	fmt.Printf("Archived run to %s\n", dest)
	return nil
}

var exampleSpec = `# Example Feature

## Project
my-project

## Branch
autom8/example-feature

## Description
Replace this with 2-3 paragraphs describing the feature, its purpose, and
any constraints the implementation should respect.

## User Stories

### US-001: First story
**Priority:** 1

What this story accomplishes.

**Acceptance Criteria:**
- [ ] The behavior is implemented
- [ ] Tests cover the behavior
`

var exampleConfig = `# autom8 project configuration.
# Fields here override the global config at the config home root.

review = true
commit = true
pullRequest = true
pullRequestDraft = false

worktree = false
worktreePathPattern = "{repo}-wt-{branch}"
worktreeCleanup = false

allPermissions = false
`

func initAction() error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	project := projectName(cwd)
	dir, err := config.ProjectDir(project)
	if err != nil {
		return err
	}
	specDir := filepath.Join(dir, "spec")
	if err := os.MkdirAll(specDir, 0755); err != nil {
		return err
	}

	configPath := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}
	if err := os.WriteFile(configPath, []byte(exampleConfig), 0644); err != nil {
		return err
	}
	specPath := filepath.Join(specDir, "spec-example.md")
	if err := os.WriteFile(specPath, []byte(exampleSpec), 0644); err != nil {
		return err
	}

	fmt.Printf("\n%s%s✓ Initialized project %s%s\n\n", ux.Bold, ux.Green, project, ux.Reset)
	fmt.Printf("  Created:\n")
	fmt.Printf("    %s%s%s — project configuration\n", ux.Cyan, configPath, ux.Reset)
	fmt.Printf("    %s%s%s — example spec\n\n", ux.Cyan, specPath, ux.Reset)
	fmt.Printf("  Next steps:\n")
	fmt.Printf("    1. Edit the spec (or run %sautom8 run%s for an interactive session)\n", ux.Cyan, ux.Reset)
	fmt.Printf("    2. Run %sautom8 run %s%s\n\n", ux.Cyan, specPath, ux.Reset)
	return nil
}

func doctorAction() error {
	ok := true
	check := func(name string, required bool) {
		if _, err := exec.LookPath(name); err != nil {
			if required {
				ok = false
				fmt.Printf("  %s✗ %s%s not found in PATH (required)\n", ux.Red, name, ux.Reset)
			} else {
				fmt.Printf("  %s– %s not found in PATH (PR phase will be skipped)%s\n", ux.Dim, name, ux.Reset)
			}
			return
		}
		fmt.Printf("  %s✓ %s%s\n", ux.Green, name, ux.Reset)
	}

	fmt.Println("Binaries:")
	check("claude", true)
	check("git", true)
	check("gh", false)

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	if git.IsRepo(cwd) {
		fmt.Println("Repository:")
		if wts, err := worktree.List(cwd); err == nil {
			fmt.Printf("  %s✓ git repository with %d worktree(s)%s\n", ux.Green, len(wts), ux.Reset)
		} else {
			fmt.Printf("  %s– could not list worktrees: %v%s\n", ux.Dim, err, ux.Reset)
		}
	}
	fmt.Println("Configuration:")
	if _, err := config.Load(projectName(cwd)); err != nil {
		ok = false
		fmt.Printf("  %s✗ %v%s\n", ux.Red, err, ux.Reset)
	} else {
		fmt.Printf("  %s✓ config parses%s\n", ux.Green, ux.Reset)
	}

	if !ok {
		return fmt.Errorf("doctor found problems")
	}
	fmt.Printf("\n%sAll checks passed.%s\n", ux.Green, ux.Reset)
	return nil
}
