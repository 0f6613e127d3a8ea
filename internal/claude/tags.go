package claude

import (
	"encoding/json"
	"strings"

	"github.com/louisboilard/autom8/internal/knowledge"
)

// CompletionTag is the inline marker the agent emits to signal that the
// story or phase is done.
const CompletionTag = "<promise>COMPLETE</promise>"

const (
	workSummaryOpen  = "<work-summary>"
	workSummaryClose = "</work-summary>"
	filesOpen        = "<files-touched>"
	filesClose       = "</files-touched>"
	decisionsOpen    = "<decisions>"
	decisionsClose   = "</decisions>"
	patternsOpen     = "<patterns>"
	patternsClose    = "</patterns>"
)

// maxWorkSummaryLen caps the captured summary to keep later prompts small.
const maxWorkSummaryLen = 500

// HasCompletionTag reports whether the output contains the completion tag.
func HasCompletionTag(output string) bool {
	return strings.Contains(output, CompletionTag)
}

// tagContents returns the contents of every well-formed open/close pair in
// order of appearance. Missing or unterminated tags yield nothing.
func tagContents(output, openTag, closeTag string) []string {
	var out []string
	rest := output
	for {
		start := strings.Index(rest, openTag)
		if start < 0 {
			return out
		}
		rest = rest[start+len(openTag):]
		end := strings.Index(rest, closeTag)
		if end < 0 {
			return out
		}
		out = append(out, strings.TrimSpace(rest[:end]))
		rest = rest[end+len(closeTag):]
	}
}

// ExtractWorkSummary returns the iteration's work summary: the last
// well-formed <work-summary> block. A longer block is cut at the last word
// boundary within 500 bytes and "..." is appended. Returns "" when no
// non-empty summary exists.
func ExtractWorkSummary(output string) string {
	blocks := tagContents(output, workSummaryOpen, workSummaryClose)
	for i := len(blocks) - 1; i >= 0; i-- {
		if blocks[i] == "" {
			continue
		}
		return truncateAtWord(blocks[i], maxWorkSummaryLen)
	}
	return ""
}

func truncateAtWord(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}

// ExtractFilesTouched parses every <files-touched> block as a JSON array of
// FileFacts and accumulates them. Malformed blocks are skipped.
func ExtractFilesTouched(output string) []knowledge.FileFact {
	var facts []knowledge.FileFact
	for _, block := range tagContents(output, filesOpen, filesClose) {
		var parsed []knowledge.FileFact
		if err := json.Unmarshal([]byte(block), &parsed); err != nil {
			continue
		}
		for _, f := range parsed {
			if f.Path == "" {
				continue
			}
			if f.Operation == "" {
				f.Operation = knowledge.OpModified
			}
			facts = append(facts, f)
		}
	}
	return facts
}

// ExtractDecisions parses every <decisions> block as a JSON array of
// Decisions and accumulates them.
func ExtractDecisions(output string) []knowledge.Decision {
	var decisions []knowledge.Decision
	for _, block := range tagContents(output, decisionsOpen, decisionsClose) {
		var parsed []knowledge.Decision
		if err := json.Unmarshal([]byte(block), &parsed); err != nil {
			continue
		}
		for _, d := range parsed {
			if d.Title == "" {
				continue
			}
			decisions = append(decisions, d)
		}
	}
	return decisions
}

// ExtractPatterns parses every <patterns> block as a JSON array of Patterns
// and accumulates them.
func ExtractPatterns(output string) []knowledge.Pattern {
	var patterns []knowledge.Pattern
	for _, block := range tagContents(output, patternsOpen, patternsClose) {
		var parsed []knowledge.Pattern
		if err := json.Unmarshal([]byte(block), &parsed); err != nil {
			continue
		}
		for _, p := range parsed {
			if p.Name == "" {
				continue
			}
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// ExtractStoryRecord bundles the structured knowledge of one iteration.
func ExtractStoryRecord(output string) knowledge.StoryRecord {
	return knowledge.StoryRecord{
		Summary:      ExtractWorkSummary(output),
		FilesTouched: ExtractFilesTouched(output),
		Decisions:    ExtractDecisions(output),
		Patterns:     ExtractPatterns(output),
	}
}
