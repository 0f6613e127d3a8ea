package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/louisboilard/autom8/internal/runner"
	"github.com/louisboilard/autom8/internal/ux"
)

// Exit codes: 0 completed, 1 failed, 130 external cancellation.
const exitCancelled = 130

func main() {
	app := &cli.Command{
		Name:        "autom8",
		Usage:       "Drive a Claude CLI agent through a user-story spec",
		Description: "Run with a markdown or JSON spec to start a run, or with no spec to resume.",
		Commands: []*cli.Command{
			runCmd(),
			statusCmd(),
			sessionsCmd(),
			prCommentsCmd(),
			cleanCmd(),
			initCmd(),
			doctorCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		if errors.Is(err, runner.ErrCancelled) {
			os.Exit(exitCancelled)
		}
		fmt.Fprintf(os.Stderr, "%serror:%s %v\n", ux.Red, ux.Reset, err)
		os.Exit(1)
	}
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run (or resume) the implementation of a spec",
		ArgsUsage: "[spec.md|spec.json]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "skip-review", Usage: "Skip the review phase"},
			&cli.BoolFlag{Name: "all-permissions", Usage: "Bypass the permission broker"},
			&cli.BoolFlag{Name: "worktree", Usage: "Run in a dedicated git worktree"},
			&cli.BoolFlag{Name: "verbose", Usage: "Stream full agent output"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			// autom8 drives claude; running it from inside a claude session
			// would recurse.
			if os.Getenv("CLAUDECODE") != "" {
				return fmt.Errorf("autom8 cannot run inside Claude Code (CLAUDECODE env var is set)")
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runAction(ctx, cmd)
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the current session's run state",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return statusAction()
		},
	}
}

func sessionsCmd() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "List all sessions for this project",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return sessionsAction()
		},
	}
}

func cleanCmd() *cli.Command {
	return &cli.Command{
		Name:  "clean",
		Usage: "Archive the current session's run state",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cleanAction()
		},
	}
}

func initCmd() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Scaffold a project config and an example spec",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return initAction()
		},
	}
}

func doctorCmd() *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Check required binaries and configuration",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return doctorAction()
		},
	}
}
