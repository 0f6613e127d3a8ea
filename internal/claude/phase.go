// Package claude is the sole consumer of the Claude CLI. It spawns the
// subprocess, streams its newline-JSON output, extracts inline tags, and
// brokers tool permissions per phase.
package claude

// Phase identifies which kind of work an invocation performs. The permission
// broker derives its policy from the phase.
type Phase string

const (
	PhaseImplement        Phase = "implement"
	PhaseReview           Phase = "review"
	PhaseCorrect          Phase = "correct"
	PhaseCommit           Phase = "commit"
	PhaseCreatePR         Phase = "createPR"
	PhaseConvertSpec      Phase = "convertSpec"
	PhaseReviewPRComments Phase = "reviewPRComments"
)
