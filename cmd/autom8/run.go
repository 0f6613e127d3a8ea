package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/louisboilard/autom8/internal/claude"
	"github.com/louisboilard/autom8/internal/config"
	"github.com/louisboilard/autom8/internal/git"
	"github.com/louisboilard/autom8/internal/runner"
	"github.com/louisboilard/autom8/internal/spec"
	"github.com/louisboilard/autom8/internal/state"
	"github.com/louisboilard/autom8/internal/ux"
	"github.com/louisboilard/autom8/internal/worktree"
)

// projectName is the repository (or directory) the run operates on.
func projectName(workDir string) string {
	if git.IsRepo(workDir) {
		if root, err := worktree.MainRepoRoot(workDir); err == nil {
			return filepath.Base(root)
		}
	}
	return filepath.Base(workDir)
}

// runAction decides the entry state from the launch arguments: no args
// resumes, a markdown spec loads and generates, a JSON spec initializes.
func runAction(ctx context.Context, cmd *cli.Command) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	project := projectName(cwd)
	cfg, err := config.Load(project)
	if err != nil {
		return err
	}
	if cmd.Bool("skip-review") {
		cfg.Review = false
	}
	if cmd.Bool("all-permissions") {
		cfg.AllPermissions = true
	}
	if cmd.Bool("worktree") {
		cfg.Worktree = true
	}

	specArg := cmd.Args().First()

	// Resume path: no spec argument and a persisted state exists.
	if specArg == "" {
		sessionID, err := currentSessionID(cwd)
		if err != nil {
			return err
		}
		mgr, err := state.NewManager(project, sessionID, cwd)
		if err != nil {
			return err
		}
		st, err := mgr.Load()
		if err != nil {
			return err
		}
		if st != nil {
			ux.Info(fmt.Sprintf("Resuming session %s at %s", sessionID, st.MachineState))
			return drive(ctx, mgr, st, cwd, cmd.Bool("verbose"))
		}
		// No prior state: author a spec interactively, then fall through.
		specArg, err = createSpecInteractively(ctx, mgr)
		if err != nil {
			return err
		}
	}

	abs, err := filepath.Abs(specArg)
	if err != nil {
		return err
	}

	var initial state.Machine
	var specJSON, specMD string
	switch {
	case strings.HasSuffix(abs, ".json"):
		initial = state.StateInitializing
		specJSON = abs
	case strings.HasSuffix(abs, ".md"):
		initial = state.StateLoadingSpec
		specMD = abs
		specJSON, err = specJSONPath(project, abs)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("spec must be a .md or .json file: %s", specArg)
	}

	// Determine the branch early for the worktree and conflict pre-check.
	branch := ""
	if specJSON != "" && initial == state.StateInitializing {
		s, err := spec.Load(specJSON)
		if err != nil {
			return err
		}
		branch = s.BranchName
	}

	workDir := cwd
	sessionID := worktree.MainSessionID
	if cfg.Worktree && branch != "" && git.IsRepo(cwd) {
		workDir, sessionID, err = ensureWorktree(cwd, cfg, branch)
		if err != nil {
			return err
		}
		ux.Info(fmt.Sprintf("Using worktree %s (session %s)", workDir, sessionID))
	} else {
		sessionID, err = currentSessionID(cwd)
		if err != nil {
			return err
		}
	}

	mgr, err := state.NewManager(project, sessionID, workDir)
	if err != nil {
		return err
	}

	if st, err := mgr.Load(); err != nil {
		return err
	} else if st != nil && !st.MachineState.Terminal() {
		return fmt.Errorf("run already in progress for session %s (state %s); use 'autom8 run' to resume or 'autom8 clean' to discard",
			sessionID, st.MachineState)
	}

	// Branch conflict pre-check: a conflicting run must not write state.
	if branch != "" {
		if err := mgr.CheckBranchConflict(branch); err != nil {
			return err
		}
	}

	st := state.New(initial, specJSON, branch, sessionID, cfg)
	st.SpecMarkdownPath = specMD
	if err := mgr.Save(st); err != nil {
		return err
	}

	err = drive(ctx, mgr, st, workDir, cmd.Bool("verbose"))
	if err == nil && st.MachineState == state.StateCompleted && cfg.Worktree && cfg.WorktreeCleanup && workDir != cwd {
		if rmErr := worktree.Remove(cwd, workDir); rmErr != nil {
			ux.Warn(fmt.Sprintf("worktree cleanup failed: %v", rmErr))
		}
	}
	return err
}

func drive(ctx context.Context, mgr *state.Manager, st *state.RunState, workDir string, verbose bool) error {
	o := &runner.Orchestrator{
		Manager: mgr,
		Invoker: claude.NewRunner(),
		WorkDir: workDir,
		Verbose: verbose,
	}
	return o.Run(ctx, st)
}

func currentSessionID(dir string) (string, error) {
	if !git.IsRepo(dir) {
		return worktree.MainSessionID, nil
	}
	return worktree.CurrentSessionID(dir)
}

// specJSONPath places the generated artifact under the project's spec dir,
// named after the markdown stem.
func specJSONPath(project, mdPath string) (string, error) {
	dir, err := config.ProjectDir(project)
	if err != nil {
		return "", err
	}
	specDir := filepath.Join(dir, "spec")
	if err := os.MkdirAll(specDir, 0755); err != nil {
		return "", err
	}
	stem := strings.TrimSuffix(filepath.Base(mdPath), filepath.Ext(mdPath))
	return filepath.Join(specDir, stem+".json"), nil
}

// ensureWorktree creates (or reuses) the session worktree for the branch.
func ensureWorktree(repoDir string, cfg config.Config, branch string) (string, string, error) {
	root, err := git.RepoRoot(repoDir)
	if err != nil {
		return "", "", err
	}
	path := worktree.PathFor(root, cfg.WorktreePathPattern, branch)
	if worktree.Exists(path) {
		return path, worktree.SessionID(path), nil
	}
	return worktree.Create(root, path, branch)
}

// createSpecInteractively runs the spec-authoring session and waits for the
// rendezvous: the session exits and a spec markdown file appears.
func createSpecInteractively(ctx context.Context, mgr *state.Manager) (string, error) {
	specDir, err := mgr.SpecDir()
	if err != nil {
		return "", err
	}
	target := filepath.Join(specDir, "spec-feature.md")

	ux.Info("No prior run found; starting interactive spec authoring")
	ux.Info("Target spec file: " + target)

	cmd := exec.CommandContext(ctx, "claude", fmt.Sprintf(claude.SpecAuthoringPrompt, target))
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", runner.ErrCancelled
		}
		return "", fmt.Errorf("spec authoring session: %w", err)
	}

	if _, err := os.Stat(target); err != nil {
		// The session may have written a differently named spec.
		newest, findErr := newestMarkdown(specDir)
		if findErr != nil || newest == "" {
			return "", errors.New("spec authoring session ended without producing a spec file")
		}
		target = newest
	}
	ux.Info("Spec created: " + target)
	return target, nil
}

func newestMarkdown(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	newest := ""
	var newestMod int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); mod > newestMod {
			newestMod = mod
			newest = filepath.Join(dir, e.Name())
		}
	}
	return newest, nil
}
