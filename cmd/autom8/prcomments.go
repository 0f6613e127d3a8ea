package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/louisboilard/autom8/internal/claude"
	"github.com/louisboilard/autom8/internal/gh"
	"github.com/louisboilard/autom8/internal/git"
	"github.com/louisboilard/autom8/internal/runner"
	"github.com/louisboilard/autom8/internal/spec"
	"github.com/louisboilard/autom8/internal/ux"
)

func prCommentsCmd() *cli.Command {
	return &cli.Command{
		Name:  "pr-comments",
		Usage: "Address reviewer feedback on the current branch's pull request",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Usage: "Stream full agent output"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return prCommentsAction(ctx, cmd.Bool("verbose"))
		},
	}
}

func prCommentsAction(ctx context.Context, verbose bool) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	if !git.IsRepo(cwd) {
		return fmt.Errorf("not a git repository")
	}
	branch, err := git.CurrentBranch(cwd)
	if err != nil {
		return err
	}

	mgr, err := currentManager()
	if err != nil {
		return err
	}

	// Find the spec for this session, falling back to the newest archived run.
	specPath := ""
	if st, err := mgr.Load(); err == nil && st != nil {
		specPath = st.SpecPath
	} else if runs, err := mgr.ListArchived(); err == nil && len(runs) > 0 {
		specPath = runs[0].SpecPath
	}
	if specPath == "" {
		return fmt.Errorf("no run found for this session; nothing to correlate feedback against")
	}
	s, err := spec.Load(specPath)
	if err != nil {
		return err
	}

	comments, err := gh.FetchReviewComments(cwd, branch)
	if err != nil {
		return err
	}
	if len(comments) == 0 {
		fmt.Println("No review comments to address.")
		return nil
	}

	var b strings.Builder
	for _, c := range comments {
		if c.Path != "" {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", c.Path, c.Author, c.Body)
		} else {
			fmt.Fprintf(&b, "- %s: %s\n", c.Author, c.Body)
		}
	}
	ux.Info(fmt.Sprintf("Addressing %d review comment(s) on %s", len(comments), branch))

	res, err := claude.NewRunner().Run(ctx, claude.Request{
		Phase:   claude.PhaseReviewPRComments,
		Prompt:  claude.BuildPRCommentsPrompt(s, b.String()),
		WorkDir: cwd,
		OnEvent: func(ev claude.Event) {
			switch ev.Kind {
			case claude.EventText:
				if verbose {
					fmt.Print(ev.Text)
				}
			case claude.EventToolUse:
				ux.ToolUse(ev.Tool, claude.ToolUseSummary(ev.Tool, ev.ToolInput))
			}
		},
	})
	if err != nil {
		return err
	}
	if res.Outcome == claude.OutcomeCancelled {
		return runner.ErrCancelled
	}
	fmt.Println("Review feedback addressed.")
	return nil
}
