// Package runner drives the orchestration state machine. Handlers are a
// flat dispatch on the machine-state tag; the new state is persisted
// atomically after every transition, before the next handler runs, so
// resumption observes a state no earlier than the last completed
// side-effect.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisboilard/autom8/internal/claude"
	"github.com/louisboilard/autom8/internal/gh"
	"github.com/louisboilard/autom8/internal/git"
	"github.com/louisboilard/autom8/internal/knowledge"
	"github.com/louisboilard/autom8/internal/spec"
	"github.com/louisboilard/autom8/internal/state"
	"github.com/louisboilard/autom8/internal/ux"
)

// Invoker runs Claude subprocess invocations. Tests substitute a scripted
// fake.
type Invoker interface {
	Run(ctx context.Context, req claude.Request) (*claude.Result, error)
	GenerateSpec(ctx context.Context, markdown, outputPath string, onEvent func(claude.Event)) (*spec.Spec, error)
}

// errCancelledHandler signals a cancelled subprocess from inside a handler.
var errCancelledHandler = errors.New("handler cancelled")

// Orchestrator owns one run: starting from the run state it is given, it
// dispatches the handler for the current machine state, persists the
// transition, and repeats until a terminal state.
type Orchestrator struct {
	Manager *state.Manager
	Invoker Invoker
	// WorkDir is where the agent operates: the repository root or the
	// session's worktree.
	WorkDir string
	Verbose bool
}

// Run executes the machine from st's current state to a terminal state.
// Returns nil when the run completed, ErrCancelled on interrupt, and the
// failure cause otherwise.
func (o *Orchestrator) Run(ctx context.Context, st *state.RunState) error {
	for {
		if ctx.Err() != nil {
			return o.pause(st)
		}
		if st.MachineState.Terminal() {
			return o.finish(st, nil)
		}

		from := st.MachineState
		next, err := o.dispatch(ctx, st)

		if ctx.Err() != nil || errors.Is(err, errCancelledHandler) {
			return o.pause(st)
		}
		if err != nil {
			return o.finish(st, err)
		}

		ux.StateTransition(string(from), string(next))
		st.Transition(next)
		if err := o.Manager.Save(st); err != nil {
			return fmt.Errorf("persisting state after %s: %w", from, err)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, st *state.RunState) (state.Machine, error) {
	switch st.MachineState {
	case state.StateLoadingSpec:
		return o.loadSpec(st)
	case state.StateGeneratingSpec:
		return o.generateSpec(ctx, st)
	case state.StateInitializing:
		return o.initialize(st)
	case state.StatePickingStory:
		return o.pickStory(st)
	case state.StateRunningClaude:
		return o.runStory(ctx, st)
	case state.StateReviewing:
		return o.review(ctx, st)
	case state.StateCorrecting:
		return o.correct(ctx, st)
	case state.StateCommitting:
		return o.commit(ctx, st)
	case state.StateCreatingPR:
		return o.createPR(ctx, st)
	default:
		return "", fmt.Errorf("no handler for machine state %q", st.MachineState)
	}
}

// pause persists the current state as-is and flips the session to paused.
func (o *Orchestrator) pause(st *state.RunState) error {
	if err := o.Manager.Save(st); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to save state on cancel: %v\n", err)
	}
	if err := o.Manager.MarkPaused(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to mark session paused: %v\n", err)
	}
	ux.ResumeHint()
	return ErrCancelled
}

// finish converts a handler failure into the failed state, persists the
// terminal record, and archives the session.
func (o *Orchestrator) finish(st *state.RunState, cause error) error {
	if cause != nil && !st.MachineState.Terminal() {
		ux.Fail(string(st.MachineState), cause.Error())
		st.Transition(state.StateFailed)
	}
	if err := o.Manager.Save(st); err != nil {
		return fmt.Errorf("persisting terminal state: %w", err)
	}
	if _, err := o.Manager.Archive(st); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to archive run: %v\n", err)
	}
	return cause
}

// loadSpec validates the markdown spec before generation.
func (o *Orchestrator) loadSpec(st *state.RunState) (state.Machine, error) {
	data, err := os.ReadFile(st.SpecMarkdownPath)
	if err != nil {
		return "", fmt.Errorf("reading spec markdown: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("spec markdown %s is empty", st.SpecMarkdownPath)
	}
	ux.Info(fmt.Sprintf("Loaded spec %s (%d bytes)", st.SpecMarkdownPath, len(data)))
	return state.StateGeneratingSpec, nil
}

// generateSpec converts the markdown spec to the JSON artifact.
func (o *Orchestrator) generateSpec(ctx context.Context, st *state.RunState) (state.Machine, error) {
	data, err := os.ReadFile(st.SpecMarkdownPath)
	if err != nil {
		return "", fmt.Errorf("reading spec markdown: %w", err)
	}

	s, err := o.Invoker.GenerateSpec(ctx, string(data), st.SpecPath, o.displayEvent)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", errCancelledHandler
		}
		return "", err
	}
	st.Branch = s.BranchName
	ux.Info(fmt.Sprintf("Generated %s: %d stories on branch %s", st.SpecPath, s.TotalCount(), s.BranchName))
	return state.StateInitializing, nil
}

// initialize checks the branch conflict precondition and prepares the
// branch. baselineCommit is captured once and never overwritten.
func (o *Orchestrator) initialize(st *state.RunState) (state.Machine, error) {
	s, err := spec.Load(st.SpecPath)
	if err != nil {
		return "", err
	}
	if st.Branch == "" {
		st.Branch = s.BranchName
	}

	if err := o.Manager.CheckBranchConflict(st.Branch); err != nil {
		return "", err
	}

	if git.IsRepo(o.WorkDir) {
		if err := git.EnsureBranch(o.WorkDir, st.Branch); err != nil {
			return "", err
		}
		if st.BaselineCommit == "" {
			head, err := git.HeadCommit(o.WorkDir)
			if err != nil {
				return "", err
			}
			st.BaselineCommit = head
		}
	}

	ux.Info(fmt.Sprintf("Project %s — %d stories on branch %s", s.Project, s.TotalCount(), st.Branch))
	return state.StatePickingStory, nil
}

// pickStory selects the next story by (priority asc, id asc), or routes to
// the all-complete path.
func (o *Orchestrator) pickStory(st *state.RunState) (state.Machine, error) {
	s, err := spec.Load(st.SpecPath)
	if err != nil {
		return "", err
	}

	if s.AllComplete() {
		ux.Success(s.TotalCount())
		cfg := st.ConfigSnapshot
		switch {
		case cfg.Review:
			if st.ReviewIteration == 0 {
				st.ReviewIteration = 1
			}
			return state.StateReviewing, nil
		case cfg.Commit:
			return state.StateCommitting, nil
		default:
			return state.StateCompleted, nil
		}
	}

	story := s.NextIncompleteStory()
	if story.ID == st.CurrentStoryID && st.StoryIteration >= st.ConfigSnapshot.MaxStoryIterations {
		return "", &StoryIterationsError{StoryID: story.ID, Max: st.ConfigSnapshot.MaxStoryIterations}
	}

	st.StartIteration(story.ID)
	ux.PhaseBanner("RUNNING")
	ux.IterationStart(st.StoryIteration, story.ID, story.Title)
	return state.StateRunningClaude, nil
}

// runStory runs one implementation iteration for the current story and
// accumulates the knowledge it produced.
func (o *Orchestrator) runStory(ctx context.Context, st *state.RunState) (state.Machine, error) {
	s, err := spec.Load(st.SpecPath)
	if err != nil {
		return "", err
	}
	story := s.Story(st.CurrentStoryID)
	if story == nil {
		return "", fmt.Errorf("current story %q not found in spec", st.CurrentStoryID)
	}

	// The pre-story commit is the HEAD at iteration 1 and is never
	// overwritten during the story; it anchors the per-story diff.
	if st.PreStoryCommit == "" && git.IsRepo(o.WorkDir) {
		if head, err := git.HeadCommit(o.WorkDir); err == nil {
			st.PreStoryCommit = head
		}
	}

	start := time.Now()
	res, err := o.Invoker.Run(ctx, claude.Request{
		Phase:          claude.PhaseImplement,
		Prompt:         claude.BuildImplementPrompt(s, story, st.SpecPath, st.Knowledge.Render(), st.PreviousWork()),
		WorkDir:        o.WorkDir,
		AllPermissions: st.ConfigSnapshot.AllPermissions,
		OnEvent:        o.displayEvent,
	})
	if err != nil {
		st.FinishIteration(state.IterationFailed, "")
		return "", err
	}
	if res.Outcome == claude.OutcomeCancelled {
		return "", errCancelledHandler
	}

	st.TokenTotals.Add(res.Usage.InputTokens, res.Usage.OutputTokens)
	st.FinishIteration(state.IterationSuccess, res.WorkSummary)
	o.captureKnowledge(st, story.ID, res.Text)
	ux.IterationComplete(story.ID, time.Since(start))

	// Re-read the spec: the agent mutates the passes flags in place.
	if updated, err := spec.Load(st.SpecPath); err == nil {
		ux.StoryProgress(updated.Progress())
	}
	return state.StatePickingStory, nil
}

// captureKnowledge merges the iteration's structured tags with the
// empirical git diff since the pre-story commit.
func (o *Orchestrator) captureKnowledge(st *state.RunState, storyID, output string) {
	rec := claude.ExtractStoryRecord(output)

	if st.PreStoryCommit != "" && git.IsRepo(o.WorkDir) {
		if entries, err := git.DiffSince(o.WorkDir, st.PreStoryCommit); err == nil {
			rec.FilesTouched = mergeFacts(rec.FilesTouched, entries)
		}
	}
	st.Knowledge.Merge(storyID, rec)
}

// mergeFacts combines agent-reported facts with git diff entries. Agent
// facts win per path because they carry purpose and symbols; the diff
// contributes paths the agent did not mention.
func mergeFacts(agent []knowledge.FileFact, entries []git.DiffEntry) []knowledge.FileFact {
	byPath := make(map[string]bool, len(agent))
	for _, f := range agent {
		byPath[f.Path] = true
	}
	out := append([]knowledge.FileFact(nil), agent...)
	for _, e := range entries {
		if byPath[e.Path] {
			continue
		}
		op := knowledge.OpModified
		switch e.Status {
		case git.DiffAdded:
			op = knowledge.OpCreated
		case git.DiffDeleted:
			op = knowledge.OpDeleted
		}
		out = append(out, knowledge.FileFact{Path: e.Path, Operation: op})
	}
	return out
}

// review runs one reviewer pass over the rendezvous protocol: the artifact
// file's presence and non-emptiness decide the route.
func (o *Orchestrator) review(ctx context.Context, st *state.RunState) (state.Machine, error) {
	max := st.ConfigSnapshot.MaxReviewIterations
	if st.ReviewIteration == 0 {
		st.ReviewIteration = 1
	}
	if st.ReviewIteration > max {
		return "", &ReviewIterationsError{Max: max}
	}

	s, err := spec.Load(st.SpecPath)
	if err != nil {
		return "", err
	}

	if err := claude.ClearReviewArtifact(o.WorkDir); err != nil {
		return "", err
	}

	ux.PhaseBanner("REVIEWING")
	ux.Reviewing(st.ReviewIteration, max)
	res, err := o.Invoker.Run(ctx, claude.Request{
		Phase:          claude.PhaseReview,
		Prompt:         claude.BuildReviewPrompt(s, st.Knowledge.Render(), st.ReviewIteration, max),
		WorkDir:        o.WorkDir,
		AllPermissions: st.ConfigSnapshot.AllPermissions,
		OnEvent:        o.displayEvent,
	})
	if err != nil {
		return "", err
	}
	if res.Outcome == claude.OutcomeCancelled {
		return "", errCancelledHandler
	}
	st.TokenTotals.Add(res.Usage.InputTokens, res.Usage.OutputTokens)

	_, issues, err := claude.ReadReviewArtifact(o.WorkDir)
	if err != nil {
		return "", err
	}
	if !issues {
		ux.ReviewPassed()
		return state.StateCommitting, nil
	}
	if st.ReviewIteration >= max {
		return "", &ReviewIterationsError{Max: max}
	}
	ux.IssuesFound(st.ReviewIteration, max)
	return state.StateCorrecting, nil
}

// correct runs the corrector with the review findings, then loops back to
// reviewing with the iteration bumped.
func (o *Orchestrator) correct(ctx context.Context, st *state.RunState) (state.Machine, error) {
	s, err := spec.Load(st.SpecPath)
	if err != nil {
		return "", err
	}
	contents, _, err := claude.ReadReviewArtifact(o.WorkDir)
	if err != nil {
		return "", err
	}

	ux.PhaseBanner("CORRECTING")
	res, err := o.Invoker.Run(ctx, claude.Request{
		Phase:          claude.PhaseCorrect,
		Prompt:         claude.BuildCorrectPrompt(s, contents, st.ReviewIteration, st.ConfigSnapshot.MaxReviewIterations),
		WorkDir:        o.WorkDir,
		AllPermissions: st.ConfigSnapshot.AllPermissions,
		OnEvent:        o.displayEvent,
	})
	if err != nil {
		return "", err
	}
	if res.Outcome == claude.OutcomeCancelled {
		return "", errCancelledHandler
	}
	st.TokenTotals.Add(res.Usage.InputTokens, res.Usage.OutputTokens)

	st.ReviewIteration++
	return state.StateReviewing, nil
}

// commitExclusions lists paths that must never reach a commit: the spec
// JSON, the review artifact, and the session's internal files.
func (o *Orchestrator) commitExclusions(st *state.RunState) []string {
	exclusions := []string{claude.ReviewFile}
	for _, abs := range []string{st.SpecPath, o.Manager.SessionDir()} {
		if abs == "" {
			continue
		}
		if rel, err := filepath.Rel(o.WorkDir, abs); err == nil && !filepath.IsAbs(rel) && rel != ".." && !hasDotDotPrefix(rel) {
			exclusions = append(exclusions, rel)
		}
	}
	return exclusions
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}

// commit lets the agent create the commits, excluding internal files.
// Nothing to commit is a normal outcome, not an error.
func (o *Orchestrator) commit(ctx context.Context, st *state.RunState) (state.Machine, error) {
	if !git.IsRepo(o.WorkDir) {
		ux.Info("Not a git repository; skipping commit")
		return state.StateCompleted, nil
	}

	s, err := spec.Load(st.SpecPath)
	if err != nil {
		return "", err
	}

	exclusions := o.commitExclusions(st)
	changed, err := git.HasChanges(o.WorkDir, exclusions)
	if err != nil {
		return "", err
	}
	if !changed {
		ux.Info("Nothing to commit")
		return state.StateCompleted, nil
	}

	ux.PhaseBanner("COMMITTING")
	res, err := o.Invoker.Run(ctx, claude.Request{
		Phase:          claude.PhaseCommit,
		Prompt:         claude.BuildCommitPrompt(s, exclusions),
		WorkDir:        o.WorkDir,
		AllPermissions: st.ConfigSnapshot.AllPermissions,
		OnEvent:        o.displayEvent,
	})
	if err != nil {
		return "", err
	}
	if res.Outcome == claude.OutcomeCancelled {
		return "", errCancelledHandler
	}
	st.TokenTotals.Add(res.Usage.InputTokens, res.Usage.OutputTokens)

	if containsNothingToCommit(res.Text) {
		ux.Info("Nothing to commit")
		return state.StateCompleted, nil
	}
	if hash, err := git.ShortHead(o.WorkDir); err == nil {
		ux.Info("Changes committed (" + hash + ")")
	}

	if st.ConfigSnapshot.PullRequest {
		return state.StateCreatingPR, nil
	}
	return state.StateCompleted, nil
}

func containsNothingToCommit(output string) bool {
	return strings.Contains(strings.ToLower(output), "nothing to commit")
}

// createPR checks every prerequisite explicitly; a failed prerequisite is a
// graceful skip, not an error.
func (o *Orchestrator) createPR(ctx context.Context, st *state.RunState) (state.Machine, error) {
	skip, err := gh.CheckPrerequisites(o.WorkDir, st.Branch)
	if err != nil {
		return "", err
	}
	if skip != nil {
		if skip.URL != "" {
			ux.PRCreated(skip.URL)
		}
		ux.PRSkipped(skip.Skipped)
		return state.StateCompleted, nil
	}

	s, err := spec.Load(st.SpecPath)
	if err != nil {
		return "", err
	}

	title := claude.PRTitle(s)
	if tpl := gh.DetectTemplate(o.WorkDir); tpl != nil {
		if tpl.Title != "" {
			title = tpl.Title
		}
		res, err := o.Invoker.Run(ctx, claude.Request{
			Phase:          claude.PhaseCreatePR,
			Prompt:         claude.BuildPRBodyPrompt(s, tpl.Body, title, st.ConfigSnapshot.PullRequestDraft),
			WorkDir:        o.WorkDir,
			AllPermissions: st.ConfigSnapshot.AllPermissions,
			OnEvent:        o.displayEvent,
		})
		if err != nil {
			return "", err
		}
		if res.Outcome == claude.OutcomeCancelled {
			return "", errCancelledHandler
		}
		st.TokenTotals.Add(res.Usage.InputTokens, res.Usage.OutputTokens)
		if url := gh.ExistingPRURL(o.WorkDir, st.Branch); url != "" {
			ux.PRCreated(url)
		}
		return state.StateCompleted, nil
	}

	if err := git.Push(o.WorkDir, st.Branch); err != nil {
		return "", err
	}
	result, err := gh.Create(o.WorkDir, title, claude.DefaultPRBody(s), st.ConfigSnapshot.PullRequestDraft)
	if err != nil {
		return "", err
	}
	ux.PRCreated(result.URL)
	return state.StateCompleted, nil
}

// displayEvent routes stream events to the terminal.
func (o *Orchestrator) displayEvent(ev claude.Event) {
	switch ev.Kind {
	case claude.EventText:
		if o.Verbose {
			fmt.Print(ev.Text)
		}
	case claude.EventToolUse:
		ux.ToolUse(ev.Tool, claude.ToolUseSummary(ev.Tool, ev.ToolInput))
	case claude.EventPermissionRequest:
		ux.ToolDenied(ev.Tool, claude.ToolUseSummary(ev.Tool, ev.ToolInput))
	case claude.EventRaw:
		if o.Verbose {
			fmt.Println(ev.Text)
		}
	}
}
