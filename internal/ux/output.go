package ux

import (
	"fmt"
	"time"
)

// ANSI color helpers
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Dim    = "\033[2m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
)

func timestamp() string {
	return time.Now().Format("15:04:05")
}

// StateTransition prints a machine state transition.
func StateTransition(from, to string) {
	fmt.Printf("%s[%s]%s  %s%s → %s%s\n", Dim, timestamp(), Reset, Dim, from, to, Reset)
}

// PhaseBanner prints a timestamped phase banner.
func PhaseBanner(name string) {
	fmt.Printf("\n%s[%s]%s %s══════════════════════════════════════%s\n",
		Dim, timestamp(), Reset, Cyan, Reset)
	fmt.Printf("%s[%s]%s  %s%s%s\n", Dim, timestamp(), Reset, Bold, name, Reset)
	fmt.Printf("%s[%s]%s %s══════════════════════════════════════%s\n",
		Dim, timestamp(), Reset, Cyan, Reset)
}

// IterationStart prints the start of a story iteration.
func IterationStart(iteration int, storyID, title string) {
	fmt.Printf("%s[%s]%s  %sIteration %d%s — %s%s%s: %s\n",
		Dim, timestamp(), Reset, Bold, iteration, Reset, Cyan, storyID, Reset, title)
}

// IterationComplete prints a story iteration completion message.
func IterationComplete(storyID string, duration time.Duration) {
	m := int(duration.Minutes())
	s := int(duration.Seconds()) % 60
	fmt.Printf("%s[%s]%s  %s✓ %s iteration complete (%dm %02ds)%s\n",
		Dim, timestamp(), Reset, Green, storyID, m, s, Reset)
}

// StoryProgress prints completed/total story counts.
func StoryProgress(completed, total int) {
	fmt.Printf("%s[%s]%s  %sStories: %d/%d passing%s\n",
		Dim, timestamp(), Reset, Dim, completed, total, Reset)
}

// Reviewing prints the review iteration header.
func Reviewing(iteration, max int) {
	fmt.Printf("%s[%s]%s  %sReview pass %d/%d%s\n",
		Dim, timestamp(), Reset, Cyan, iteration, max, Reset)
}

// ReviewPassed prints a clean review message.
func ReviewPassed() {
	fmt.Printf("%s[%s]%s  %s✓ Review passed, no issues found%s\n",
		Dim, timestamp(), Reset, Green, Reset)
}

// IssuesFound prints the issues-found message for a review pass.
func IssuesFound(iteration, max int) {
	fmt.Printf("%s[%s]%s  %s↺ Issues found on pass %d/%d, correcting%s\n",
		Dim, timestamp(), Reset, Yellow, iteration, max, Reset)
}

// ToolUse prints an inline tool call.
func ToolUse(name, input string) {
	summary := input
	if len(summary) > 80 {
		summary = summary[:77] + "..."
	}
	fmt.Printf("  %s⚡ %s%s %s\n", Cyan, name, Reset, summary)
}

// ToolDenied prints a denied tool call.
func ToolDenied(name, input string) {
	summary := input
	if len(summary) > 80 {
		summary = summary[:77] + "..."
	}
	fmt.Printf("  %s✗ %s(denied)%s %s\n", Red, name, Reset, summary)
}

// Info prints an informational message.
func Info(msg string) {
	fmt.Printf("%s[%s]%s  %s\n", Dim, timestamp(), Reset, msg)
}

// Warn prints a warning message.
func Warn(msg string) {
	fmt.Printf("%s[%s]%s  %s⚠ %s%s\n", Dim, timestamp(), Reset, Yellow, msg, Reset)
}

// Fail prints a failure message with the error kind and phase.
func Fail(phase, msg string) {
	fmt.Printf("%s[%s]%s  %s✗ %s failed: %s%s\n",
		Dim, timestamp(), Reset, Red, phase, msg, Reset)
}

// ResumeHint prints a resume command hint.
func ResumeHint() {
	fmt.Printf("\n%sResume:%s autom8 run\n", Yellow, Reset)
}

// Success prints the final success message.
func Success(stories int) {
	fmt.Printf("\n%s[%s]%s  %s%s══ All %d stories complete ══%s\n\n",
		Dim, timestamp(), Reset, Bold, Green, stories, Reset)
}

// PRCreated prints the created PR URL.
func PRCreated(url string) {
	fmt.Printf("%s[%s]%s  %s✓ Pull request:%s %s\n", Dim, timestamp(), Reset, Green, Reset, url)
}

// PRSkipped prints a graceful PR skip reason.
func PRSkipped(reason string) {
	fmt.Printf("%s[%s]%s  %s– PR skipped: %s%s\n", Dim, timestamp(), Reset, Dim, reason, Reset)
}
