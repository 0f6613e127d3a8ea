// Package state persists the run record and session metadata. Every write
// is atomic (temp file, fsync, rename) so a crash never leaves a torn state
// file and resumption always observes a consistent prior version.
package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/louisboilard/autom8/internal/config"
	"github.com/louisboilard/autom8/internal/knowledge"
)

// Session statuses recorded in metadata.json.
const (
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Iteration statuses recorded per IterationRecord.
const (
	IterationRunning = "running"
	IterationSuccess = "success"
	IterationFailed  = "failed"
)

// TokenTotals accumulates token counts across all phases of a run.
type TokenTotals struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Add folds another count into the totals.
func (t *TokenTotals) Add(input, output int64) {
	t.Input += input
	t.Output += output
}

// IterationRecord logs one Claude invocation within a story.
type IterationRecord struct {
	Number      int        `json:"number"`
	StoryID     string     `json:"storyId"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Status      string     `json:"status"`
	WorkSummary string     `json:"workSummary,omitempty"`
}

// RunState is the single persisted record for a run. Substate (knowledge,
// config snapshot) is embedded by value so there is exactly one atomic
// persistence point.
type RunState struct {
	RunID            string            `json:"runId"`
	MachineState     Machine           `json:"machineState"`
	SpecPath         string            `json:"specPath"`
	SpecMarkdownPath string            `json:"specMarkdownPath,omitempty"`
	Branch           string            `json:"branch"`
	SessionID        string            `json:"sessionId"`
	CurrentStoryID   string            `json:"currentStoryId,omitempty"`
	StoryIteration   int               `json:"storyIteration"`
	ReviewIteration  int               `json:"reviewIteration"`
	PreStoryCommit   string            `json:"preStoryCommit,omitempty"`
	BaselineCommit   string            `json:"baselineCommit,omitempty"`
	Knowledge        knowledge.Graph   `json:"knowledge"`
	ConfigSnapshot   config.Config     `json:"configSnapshot"`
	TokenTotals      TokenTotals       `json:"tokenTotals"`
	Iterations       []IterationRecord `json:"iterations,omitempty"`
	StartedAt        time.Time         `json:"startedAt"`
	LastTransitionAt time.Time         `json:"lastTransitionAt"`
	FinishedAt       *time.Time        `json:"finishedAt,omitempty"`
}

// New creates a RunState in the given initial machine state with a frozen
// config snapshot.
func New(initial Machine, specPath, branch, sessionID string, cfg config.Config) *RunState {
	now := time.Now().UTC()
	return &RunState{
		RunID:            uuid.NewString(),
		MachineState:     initial,
		SpecPath:         specPath,
		Branch:           branch,
		SessionID:        sessionID,
		ConfigSnapshot:   cfg,
		StartedAt:        now,
		LastTransitionAt: now,
	}
}

// Transition moves the machine to the given state and stamps the transition
// time. lastTransitionAt never moves backwards.
func (s *RunState) Transition(to Machine) {
	s.MachineState = to
	now := time.Now().UTC()
	if now.After(s.LastTransitionAt) {
		s.LastTransitionAt = now
	}
	if to.Terminal() && s.FinishedAt == nil {
		finished := s.LastTransitionAt
		s.FinishedAt = &finished
	}
}

// Status maps the machine state to a session status for metadata.
func (s *RunState) Status() string {
	switch s.MachineState {
	case StateCompleted:
		return StatusCompleted
	case StateFailed:
		return StatusFailed
	default:
		return StatusRunning
	}
}

// StartIteration begins a Claude iteration for the given story. Selecting a
// different story resets the per-story iteration counter. preStoryCommit is
// captured by the caller only on the first iteration of a story.
func (s *RunState) StartIteration(storyID string) {
	if s.CurrentStoryID != storyID {
		s.CurrentStoryID = storyID
		s.StoryIteration = 0
		s.PreStoryCommit = ""
	}
	s.StoryIteration++
	s.Iterations = append(s.Iterations, IterationRecord{
		Number:    s.StoryIteration,
		StoryID:   storyID,
		StartedAt: time.Now().UTC(),
		Status:    IterationRunning,
	})
}

// FinishIteration closes the most recent iteration record.
func (s *RunState) FinishIteration(status, workSummary string) {
	if len(s.Iterations) == 0 {
		return
	}
	rec := &s.Iterations[len(s.Iterations)-1]
	now := time.Now().UTC()
	rec.FinishedAt = &now
	rec.Status = status
	rec.WorkSummary = workSummary
}

// PreviousWork returns "<story>: <summary>" lines for all recorded
// iterations with a work summary, for prompt context.
func (s *RunState) PreviousWork() []string {
	var out []string
	for _, rec := range s.Iterations {
		if rec.WorkSummary != "" {
			out = append(out, rec.StoryID+": "+rec.WorkSummary)
		}
	}
	return out
}
