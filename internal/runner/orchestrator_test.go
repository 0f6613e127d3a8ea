package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/louisboilard/autom8/internal/claude"
	"github.com/louisboilard/autom8/internal/config"
	"github.com/louisboilard/autom8/internal/spec"
	"github.com/louisboilard/autom8/internal/state"
)

// fakeInvoker scripts subprocess behavior per phase.
type fakeInvoker struct {
	onRun   func(req claude.Request) (*claude.Result, error)
	onSpec  func(markdown, outputPath string) (*spec.Spec, error)
	phases  []claude.Phase
	prompts []string
}

func (f *fakeInvoker) Run(_ context.Context, req claude.Request) (*claude.Result, error) {
	f.phases = append(f.phases, req.Phase)
	f.prompts = append(f.prompts, req.Prompt)
	if f.onRun == nil {
		return &claude.Result{Outcome: claude.OutcomeComplete}, nil
	}
	return f.onRun(req)
}

func (f *fakeInvoker) GenerateSpec(_ context.Context, markdown, outputPath string, _ func(claude.Event)) (*spec.Spec, error) {
	if f.onSpec == nil {
		return nil, errors.New("unexpected GenerateSpec call")
	}
	return f.onSpec(markdown, outputPath)
}

func (f *fakeInvoker) countPhase(phase claude.Phase) int {
	n := 0
	for _, p := range f.phases {
		if p == phase {
			n++
		}
	}
	return n
}

func testSpec(stories ...spec.UserStory) *spec.Spec {
	return &spec.Spec{
		Project:     "TestProject",
		BranchName:  "autom8/test",
		Description: "A test feature",
		UserStories: stories,
	}
}

func story(id string, priority int) spec.UserStory {
	return spec.UserStory{
		ID:                 id,
		Title:              "Story " + id,
		Description:        "Do " + id,
		AcceptanceCriteria: []string{"works"},
		Priority:           priority,
	}
}

// setup writes the spec to disk and builds an orchestrator over temp dirs.
// The work dir is not a git repository, so committing completes directly.
func setup(t *testing.T, s *spec.Spec, inv *fakeInvoker) (*Orchestrator, *state.RunState, string) {
	t.Helper()
	workDir := t.TempDir()
	specPath := filepath.Join(t.TempDir(), "spec-test.json")
	if err := s.Save(specPath); err != nil {
		t.Fatal(err)
	}

	mgr := state.WithDir(t.TempDir(), "TestProject", "main", workDir)
	st := state.New(state.StateInitializing, specPath, s.BranchName, "main", config.Default())
	o := &Orchestrator{Manager: mgr, Invoker: inv, WorkDir: workDir}
	return o, st, specPath
}

// markPasses flips the passes flag in the spec file the way the agent does.
func markPasses(t *testing.T, specPath, storyID string) {
	t.Helper()
	s, err := spec.Load(specPath)
	if err != nil {
		t.Fatal(err)
	}
	s.MarkStoryComplete(storyID)
	if err := s.Save(specPath); err != nil {
		t.Fatal(err)
	}
}

func TestRun_HappyPath(t *testing.T) {
	var specPath string
	inv := &fakeInvoker{}
	inv.onRun = func(req claude.Request) (*claude.Result, error) {
		if req.Phase == claude.PhaseImplement {
			markPasses(t, specPath, "US-001")
			return &claude.Result{
				Outcome:     claude.OutcomeComplete,
				Text:        "<work-summary>implemented US-001</work-summary><promise>COMPLETE</promise>",
				WorkSummary: "implemented US-001",
				Usage:       claude.TokenUsage{InputTokens: 100, OutputTokens: 10},
			}, nil
		}
		return &claude.Result{Outcome: claude.OutcomeComplete}, nil
	}

	o, st, path := setup(t, testSpec(story("US-001", 1)), inv)
	specPath = path

	if err := o.Run(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if st.MachineState != state.StateCompleted {
		t.Fatalf("MachineState = %s, want completed", st.MachineState)
	}
	if got := inv.countPhase(claude.PhaseImplement); got != 1 {
		t.Fatalf("implement invocations = %d, want 1", got)
	}
	if got := inv.countPhase(claude.PhaseReview); got != 1 {
		t.Fatalf("review invocations = %d, want 1", got)
	}
	if st.TokenTotals.Input != 100 || st.TokenTotals.Output != 10 {
		t.Fatalf("TokenTotals = %+v", st.TokenTotals)
	}
	if st.Knowledge.Stories["US-001"].Summary != "implemented US-001" {
		t.Fatalf("knowledge not captured: %+v", st.Knowledge)
	}

	// Terminal state archives and clears the session.
	if cur, err := o.Manager.Load(); err != nil || cur != nil {
		t.Fatalf("session should be archived, got %+v (%v)", cur, err)
	}
	runs, err := o.Manager.ListArchived()
	if err != nil || len(runs) != 1 {
		t.Fatalf("archived runs = %d (%v), want 1", len(runs), err)
	}
}

func TestRun_StorySelectionOrder(t *testing.T) {
	var specPath string
	var implemented []string
	inv := &fakeInvoker{}
	inv.onRun = func(req claude.Request) (*claude.Result, error) {
		if req.Phase == claude.PhaseImplement {
			s, err := spec.Load(specPath)
			if err != nil {
				t.Fatal(err)
			}
			next := s.NextIncompleteStory()
			implemented = append(implemented, next.ID)
			markPasses(t, specPath, next.ID)
		}
		return &claude.Result{Outcome: claude.OutcomeComplete}, nil
	}

	o, st, path := setup(t, testSpec(story("US-003", 2), story("US-002", 1), story("US-001", 1)), inv)
	specPath = path
	st.ConfigSnapshot.Review = false

	if err := o.Run(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	want := []string{"US-001", "US-002", "US-003"}
	if len(implemented) != len(want) {
		t.Fatalf("implemented = %v, want %v", implemented, want)
	}
	for i := range want {
		if implemented[i] != want[i] {
			t.Fatalf("selection order = %v, want %v", implemented, want)
		}
	}
}

func TestRun_ReviewCorrectLoop(t *testing.T) {
	var specPath string
	var workDir string
	reviews := 0
	inv := &fakeInvoker{}
	inv.onRun = func(req claude.Request) (*claude.Result, error) {
		switch req.Phase {
		case claude.PhaseImplement:
			markPasses(t, specPath, "US-001")
		case claude.PhaseReview:
			reviews++
			if reviews == 1 {
				if err := os.WriteFile(claude.ReviewArtifactPath(workDir), []byte("- issue: missing test\n"), 0644); err != nil {
					t.Fatal(err)
				}
			}
		case claude.PhaseCorrect:
			if err := os.Remove(claude.ReviewArtifactPath(workDir)); err != nil {
				t.Fatal(err)
			}
		}
		return &claude.Result{Outcome: claude.OutcomeComplete}, nil
	}

	o, st, path := setup(t, testSpec(story("US-001", 1)), inv)
	specPath = path
	workDir = o.WorkDir

	if err := o.Run(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if st.MachineState != state.StateCompleted {
		t.Fatalf("MachineState = %s, want completed", st.MachineState)
	}
	if st.ReviewIteration != 2 {
		t.Fatalf("ReviewIteration = %d, want 2", st.ReviewIteration)
	}
	if got := inv.countPhase(claude.PhaseCorrect); got != 1 {
		t.Fatalf("correct invocations = %d, want 1", got)
	}
}

func TestRun_CorrectorSeesReviewContents(t *testing.T) {
	var specPath, workDir string
	var correctorPrompt string
	reviews := 0
	inv := &fakeInvoker{}
	inv.onRun = func(req claude.Request) (*claude.Result, error) {
		switch req.Phase {
		case claude.PhaseImplement:
			markPasses(t, specPath, "US-001")
		case claude.PhaseReview:
			reviews++
			if reviews == 1 {
				if err := os.WriteFile(claude.ReviewArtifactPath(workDir), []byte("the parser drops errors"), 0644); err != nil {
					t.Fatal(err)
				}
			}
		case claude.PhaseCorrect:
			correctorPrompt = req.Prompt
			os.Remove(claude.ReviewArtifactPath(workDir))
		}
		return &claude.Result{Outcome: claude.OutcomeComplete}, nil
	}

	o, st, path := setup(t, testSpec(story("US-001", 1)), inv)
	specPath = path
	workDir = o.WorkDir

	if err := o.Run(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if correctorPrompt == "" || !contains(correctorPrompt, "the parser drops errors") {
		t.Fatalf("corrector prompt missing review findings:\n%s", correctorPrompt)
	}
}

func TestRun_ReviewIterationCap(t *testing.T) {
	var specPath, workDir string
	inv := &fakeInvoker{}
	inv.onRun = func(req claude.Request) (*claude.Result, error) {
		switch req.Phase {
		case claude.PhaseImplement:
			markPasses(t, specPath, "US-001")
		case claude.PhaseReview:
			// Issues on every pass.
			if err := os.WriteFile(claude.ReviewArtifactPath(workDir), []byte("still broken"), 0644); err != nil {
				t.Fatal(err)
			}
		}
		return &claude.Result{Outcome: claude.OutcomeComplete}, nil
	}

	o, st, path := setup(t, testSpec(story("US-001", 1)), inv)
	specPath = path
	workDir = o.WorkDir

	err := o.Run(context.Background(), st)
	var reviewErr *ReviewIterationsError
	if !errors.As(err, &reviewErr) {
		t.Fatalf("err = %v, want ReviewIterationsError", err)
	}
	if st.MachineState != state.StateFailed {
		t.Fatalf("MachineState = %s, want failed", st.MachineState)
	}
	// At reviewIteration == 3 with issues, the transition is failed, not a
	// fourth review: exactly 3 review passes, 2 corrections.
	if got := inv.countPhase(claude.PhaseReview); got != 3 {
		t.Fatalf("review invocations = %d, want 3", got)
	}
	if got := inv.countPhase(claude.PhaseCorrect); got != 2 {
		t.Fatalf("correct invocations = %d, want 2", got)
	}
}

func TestRun_StoryIterationCap(t *testing.T) {
	inv := &fakeInvoker{}
	inv.onRun = func(req claude.Request) (*claude.Result, error) {
		// Never sets passes.
		return &claude.Result{Outcome: claude.OutcomeIterationComplete}, nil
	}

	o, st, _ := setup(t, testSpec(story("US-001", 1)), inv)

	err := o.Run(context.Background(), st)
	var storyErr *StoryIterationsError
	if !errors.As(err, &storyErr) {
		t.Fatalf("err = %v, want StoryIterationsError", err)
	}
	if storyErr.StoryID != "US-001" {
		t.Fatalf("StoryID = %s", storyErr.StoryID)
	}
	if got := inv.countPhase(claude.PhaseImplement); got != 10 {
		t.Fatalf("implement invocations = %d, want 10 (cap, then failed)", got)
	}
	if st.MachineState != state.StateFailed {
		t.Fatalf("MachineState = %s, want failed", st.MachineState)
	}
}

func TestRun_Resume(t *testing.T) {
	var specPath string
	var seenIteration int
	inv := &fakeInvoker{}
	inv.onRun = func(req claude.Request) (*claude.Result, error) {
		if req.Phase == claude.PhaseImplement {
			markPasses(t, specPath, "US-002")
		}
		return &claude.Result{Outcome: claude.OutcomeComplete}, nil
	}

	s := testSpec(story("US-001", 1), story("US-002", 2))
	s.UserStories[0].Passes = true
	o, st, path := setup(t, s, inv)
	specPath = path

	// Simulate a prior run killed during iteration 3 of US-002.
	st.MachineState = state.StateRunningClaude
	st.CurrentStoryID = "US-002"
	st.StoryIteration = 3
	st.ReviewIteration = 0
	st.ConfigSnapshot.Review = false
	if err := o.Manager.Save(st); err != nil {
		t.Fatal(err)
	}

	// Resumption rehydrates and re-enters the persisted state.
	rehydrated, err := o.Manager.Load()
	if err != nil {
		t.Fatal(err)
	}
	if rehydrated.MachineState != state.StateRunningClaude || rehydrated.StoryIteration != 3 {
		t.Fatalf("rehydrated = %+v", rehydrated)
	}
	seenIteration = rehydrated.StoryIteration

	if err := o.Run(context.Background(), rehydrated); err != nil {
		t.Fatal(err)
	}
	if seenIteration != 3 {
		t.Fatalf("resumed iteration = %d, want 3", seenIteration)
	}
	if rehydrated.MachineState != state.StateCompleted {
		t.Fatalf("MachineState = %s, want completed", rehydrated.MachineState)
	}
}

func TestRun_BranchConflictAtInitializing(t *testing.T) {
	inv := &fakeInvoker{}
	o, st, _ := setup(t, testSpec(story("US-001", 1)), inv)

	// Another running session holds the same branch with a live worktree.
	otherWorktree := t.TempDir()
	other := state.WithDir(o.Manager.BaseDir(), "TestProject", "deadbeef", otherWorktree)
	otherState := state.New(state.StateRunningClaude, "/s.json", st.Branch, "deadbeef", config.Default())
	if err := other.Save(otherState); err != nil {
		t.Fatal(err)
	}

	err := o.Run(context.Background(), st)
	var conflict *state.BranchConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want BranchConflictError", err)
	}
	if conflict.Branch != st.Branch {
		t.Fatalf("conflict branch = %s", conflict.Branch)
	}
	if len(inv.phases) != 0 {
		t.Fatalf("no subprocess should run on conflict, got %v", inv.phases)
	}
}

func TestRun_PRSkipOutsideRepo(t *testing.T) {
	inv := &fakeInvoker{}
	o, st, _ := setup(t, testSpec(story("US-001", 1)), inv)

	st.MachineState = state.StateCreatingPR

	if err := o.Run(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if st.MachineState != state.StateCompleted {
		t.Fatalf("MachineState = %s, want completed (graceful skip)", st.MachineState)
	}
	if len(inv.phases) != 0 {
		t.Fatalf("no subprocess should run when prerequisites fail, got %v", inv.phases)
	}
}

func TestRun_SkipReviewGoesStraightToCommit(t *testing.T) {
	var specPath string
	inv := &fakeInvoker{}
	inv.onRun = func(req claude.Request) (*claude.Result, error) {
		if req.Phase == claude.PhaseImplement {
			markPasses(t, specPath, "US-001")
		}
		return &claude.Result{Outcome: claude.OutcomeComplete}, nil
	}

	o, st, path := setup(t, testSpec(story("US-001", 1)), inv)
	specPath = path
	st.ConfigSnapshot.Review = false

	if err := o.Run(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if got := inv.countPhase(claude.PhaseReview); got != 0 {
		t.Fatalf("review invocations = %d, want 0 with review disabled", got)
	}
	if st.MachineState != state.StateCompleted {
		t.Fatalf("MachineState = %s", st.MachineState)
	}
}

func TestRun_CancelledPreservesState(t *testing.T) {
	inv := &fakeInvoker{}
	inv.onRun = func(req claude.Request) (*claude.Result, error) {
		return &claude.Result{Outcome: claude.OutcomeCancelled}, nil
	}

	o, st, _ := setup(t, testSpec(story("US-001", 1)), inv)

	err := o.Run(context.Background(), st)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if st.MachineState.Terminal() {
		t.Fatalf("cancellation must not reach a terminal state, got %s", st.MachineState)
	}

	// State is preserved for resumption; metadata flips to paused.
	saved, err := o.Manager.Load()
	if err != nil || saved == nil {
		t.Fatalf("state not preserved: %v", err)
	}
	meta, err := o.Manager.LoadMetadata()
	if err != nil || meta == nil {
		t.Fatalf("metadata missing: %v", err)
	}
	if meta.Status != state.StatusPaused {
		t.Fatalf("metadata status = %s, want paused", meta.Status)
	}
}

func TestRun_SubprocessFailureTransitionsToFailed(t *testing.T) {
	inv := &fakeInvoker{}
	inv.onRun = func(req claude.Request) (*claude.Result, error) {
		return nil, &claude.ProcessError{Phase: req.Phase, ExitCode: 1, Stderr: "boom"}
	}

	o, st, _ := setup(t, testSpec(story("US-001", 1)), inv)

	err := o.Run(context.Background(), st)
	var procErr *claude.ProcessError
	if !errors.As(err, &procErr) {
		t.Fatalf("err = %v, want ProcessError", err)
	}
	if st.MachineState != state.StateFailed {
		t.Fatalf("MachineState = %s, want failed", st.MachineState)
	}
}

func TestRun_GeneratingSpecFlow(t *testing.T) {
	mdPath := filepath.Join(t.TempDir(), "spec-feature.md")
	if err := os.WriteFile(mdPath, []byte("# Feature\n\nOne story.\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var specPath string
	inv := &fakeInvoker{}
	inv.onSpec = func(markdown, outputPath string) (*spec.Spec, error) {
		s := testSpec(story("US-001", 1))
		if err := s.Save(outputPath); err != nil {
			return nil, err
		}
		return s, nil
	}
	inv.onRun = func(req claude.Request) (*claude.Result, error) {
		if req.Phase == claude.PhaseImplement {
			markPasses(t, specPath, "US-001")
		}
		return &claude.Result{Outcome: claude.OutcomeComplete}, nil
	}

	workDir := t.TempDir()
	specPath = filepath.Join(t.TempDir(), "spec-feature.json")
	mgr := state.WithDir(t.TempDir(), "TestProject", "main", workDir)
	st := state.New(state.StateLoadingSpec, specPath, "", "main", config.Default())
	st.SpecMarkdownPath = mdPath
	st.ConfigSnapshot.Review = false

	o := &Orchestrator{Manager: mgr, Invoker: inv, WorkDir: workDir}
	if err := o.Run(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if st.Branch != "autom8/test" {
		t.Fatalf("Branch = %q, want from generated spec", st.Branch)
	}
	if st.MachineState != state.StateCompleted {
		t.Fatalf("MachineState = %s", st.MachineState)
	}
}

func TestRun_KnowledgeInjectedIntoLaterPrompts(t *testing.T) {
	var specPath string
	inv := &fakeInvoker{}
	inv.onRun = func(req claude.Request) (*claude.Result, error) {
		if req.Phase != claude.PhaseImplement {
			return &claude.Result{Outcome: claude.OutcomeComplete}, nil
		}
		s, err := spec.Load(specPath)
		if err != nil {
			t.Fatal(err)
		}
		next := s.NextIncompleteStory()
		markPasses(t, specPath, next.ID)
		text := ""
		if next.ID == "US-001" {
			text = `<decisions>[{"title":"Use JSON state files","rationale":"crash tolerance"}]</decisions>` +
				`<work-summary>built the store</work-summary>`
		}
		return &claude.Result{Outcome: claude.OutcomeComplete, Text: text, WorkSummary: claude.ExtractWorkSummary(text)}, nil
	}

	o, st, path := setup(t, testSpec(story("US-001", 1), story("US-002", 2)), inv)
	specPath = path
	st.ConfigSnapshot.Review = false

	if err := o.Run(context.Background(), st); err != nil {
		t.Fatal(err)
	}

	// The second implement prompt carries knowledge from the first story.
	var secondPrompt string
	n := 0
	for i, p := range inv.phases {
		if p == claude.PhaseImplement {
			n++
			if n == 2 {
				secondPrompt = inv.prompts[i]
			}
		}
	}
	if !contains(secondPrompt, "Use JSON state files") {
		t.Fatalf("knowledge not injected into second prompt:\n%s", secondPrompt)
	}
	if !contains(secondPrompt, "US-001: built the store") {
		t.Fatalf("previous work not injected into second prompt:\n%s", secondPrompt)
	}
}

func TestRun_LastTransitionMonotonic(t *testing.T) {
	var specPath string
	inv := &fakeInvoker{}
	inv.onRun = func(req claude.Request) (*claude.Result, error) {
		if req.Phase == claude.PhaseImplement {
			markPasses(t, specPath, "US-001")
		}
		return &claude.Result{Outcome: claude.OutcomeComplete}, nil
	}

	o, st, path := setup(t, testSpec(story("US-001", 1)), inv)
	specPath = path
	prev := st.LastTransitionAt

	if err := o.Run(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if st.LastTransitionAt.Before(prev) {
		t.Fatal("lastTransitionAt moved backwards")
	}
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
