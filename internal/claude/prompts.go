package claude

import (
	"fmt"
	"strings"

	"github.com/louisboilard/autom8/internal/spec"
)

// ReviewFile is the review rendezvous artifact. The reviewer creates it only
// when issues exist; the controller treats presence-and-non-emptiness as the
// protocol. It is machine-owned and never committed.
const ReviewFile = "autom8_review.md"

// SpecAuthoringPrompt seeds the interactive spec-authoring session. The
// core only specifies the rendezvous: the session exits and a spec markdown
// file appears in the spec directory.
const SpecAuthoringPrompt = `You are helping the user write a feature spec for autom8.

Interview the user about the feature they want to build: the project, the
tech stack, the functionality, and the constraints. Then break the feature
into user stories with clear acceptance criteria.

When the user is satisfied, write the result to the file path given below,
in this markdown shape:

# [Feature Name]

## Project
[Project name]

## Branch
[Branch name, e.g. feature/user-auth]

## Description
[2-3 paragraphs describing the feature]

## User Stories

### US-001: [Story Title]
**Priority:** 1

[What this story accomplishes]

**Acceptance Criteria:**
- [ ] [Criterion]

**Notes:** [Implementation hints, or omit]

Guidelines: each story should be implementable in one session; lower
priority number means higher priority; order stories by dependency.

Write the finished spec to: %s
`

// BuildImplementPrompt renders the story implementation prompt: the current
// task, acceptance criteria, completion and tag instructions, and the
// accumulated knowledge and previous-work context.
func BuildImplementPrompt(s *spec.Spec, story *spec.UserStory, specPath, knowledgeContext string, previousWork []string) string {
	var criteria strings.Builder
	for _, c := range story.AcceptanceCriteria {
		fmt.Fprintf(&criteria, "- %s\n", c)
	}

	knowledgeSection := ""
	if knowledgeContext != "" {
		knowledgeSection = "\n## Project Knowledge\n\n" + knowledgeContext + "\n"
	}

	previousSection := ""
	if len(previousWork) > 0 {
		previousSection = "\n## Previous Work\n\nThe following work has already been completed:\n\n" +
			strings.Join(previousWork, "\n") + "\n"
	}

	notes := story.Notes
	if notes == "" {
		notes = "None"
	}

	return fmt.Sprintf(`You are working on project: %s

## Current Task

Implement user story **%s: %s**

### Description
%s

### Acceptance Criteria
%s
## Instructions

1. Implement the user story according to the acceptance criteria
2. Write tests to verify the implementation where useful
3. Run the related tests to ensure they pass
4. After implementation, update %s to set "passes": true for story %s.
   Write the file atomically (write a temp file, then rename).

## Completion

When ALL user stories in %s have "passes": true, output exactly:
%s

This signals that the entire feature is done.

## Work Summary

After completing your implementation, output a brief summary (1-3 sentences)
of what you accomplished:

<work-summary>
Files changed and a brief description of the functionality added.
</work-summary>

## Structured Context (Optional)

When it would help future iterations, include any of these blocks, each a
JSON array:

<files-touched>
[{"path": "path/to/file.go", "purpose": "what it does", "keySymbols": ["Foo", "Bar"], "operation": "created"}]
</files-touched>

<decisions>
[{"title": "decision topic", "rationale": "why", "alternativesConsidered": "what else was weighed"}]
</decisions>

<patterns>
[{"name": "pattern or convention", "whenToApply": "when future work should follow it"}]
</patterns>

## Project Context

%s%s%s
## Notes
%s
`,
		s.Project,
		story.ID, story.Title,
		story.Description,
		criteria.String(),
		specPath, story.ID,
		specPath,
		CompletionTag,
		s.Description,
		knowledgeSection,
		previousSection,
		notes,
	)
}

// reviewStrictness maps the review iteration to its instruction.
func reviewStrictness(iteration int) string {
	switch {
	case iteration <= 1:
		return "Be thorough: report every issue that would matter in a code review."
	case iteration == 2:
		return "Report significant issues only; ignore style nits."
	default:
		return "Report blockers only: bugs, broken builds, or acceptance criteria that are not met."
	}
}

// BuildReviewPrompt renders the reviewer prompt for a review pass.
func BuildReviewPrompt(s *spec.Spec, knowledgeContext string, iteration, maxIterations int) string {
	var stories strings.Builder
	for _, st := range s.OrderedStories() {
		fmt.Fprintf(&stories, "- %s: %s\n", st.ID, st.Title)
	}

	knowledgeSection := ""
	if knowledgeContext != "" {
		knowledgeSection = "\n## Project Knowledge\n\n" + knowledgeContext + "\n"
	}

	return fmt.Sprintf(`You are reviewing the completed implementation of a feature.

**Project:** %s
**Feature:** %s

**User stories implemented:**
%s
This is review pass %d of %d. %s
%s
## Your Task

Review the implementation against the user stories and their acceptance
criteria. Inspect the actual code and run the tests.

## Reporting Protocol

- If you find issues: create a file named %s in the working directory
  listing each issue with the file, the problem, and the suggested fix.
- If the implementation is sound: do NOT create %s, and delete it if it
  exists.

The file %s is an internal artifact owned by the orchestrator. Never commit
it and never treat pre-existing content in it as authoritative.

When your review is done, output exactly:
%s
`,
		s.Project, s.Description,
		stories.String(),
		iteration, maxIterations, reviewStrictness(iteration),
		knowledgeSection,
		ReviewFile, ReviewFile, ReviewFile,
		CompletionTag,
	)
}

// BuildCorrectPrompt renders the corrector prompt with the review findings.
func BuildCorrectPrompt(s *spec.Spec, reviewContents string, iteration, maxIterations int) string {
	return fmt.Sprintf(`You are correcting issues found during review of a feature implementation.

**Project:** %s
**Feature:** %s

This is correction pass %d of %d.

## Review Findings

%s

## Your Task

1. Address every issue listed above
2. Run the related tests to confirm the fixes
3. Delete %s once all issues are resolved

When all issues are addressed, output exactly:
%s
`,
		s.Project, s.Description,
		iteration, maxIterations,
		reviewContents,
		ReviewFile,
		CompletionTag,
	)
}

// BuildCommitPrompt renders the commit prompt with the exclusion list.
func BuildCommitPrompt(s *spec.Spec, exclusions []string) string {
	var stories strings.Builder
	for _, st := range s.OrderedStories() {
		fmt.Fprintf(&stories, "- %s: %s\n", st.ID, st.Title)
	}
	var excluded strings.Builder
	for _, e := range exclusions {
		fmt.Fprintf(&excluded, "- %s\n", e)
	}

	return fmt.Sprintf(`You are committing changes for a completed feature.

**Project:** %s
**Feature:** %s

**User stories implemented:**
%s
## Your Task

Create clean, logical git commits for the changes made to implement this
feature.

1. Run git status to see all modified and new files
2. Group related changes into logical commits
3. Stage specific files with git add <path>; never use git add . or -A
4. Commit implementation and tests in separate commits
5. Use imperative commit messages under 50 characters

## NEVER commit these paths:
%s- %s
- any credentials, build artifacts, or files you did not touch for this feature

If there are no changes to commit, output the exact phrase: nothing to commit

Do NOT push. When the commits are done, output exactly:
%s
`,
		s.Project, s.Description,
		stories.String(),
		excluded.String(), ReviewFile,
		CompletionTag,
	)
}

// BuildConvertSpecPrompt renders the markdown-to-JSON conversion prompt.
func BuildConvertSpecPrompt(markdown string) string {
	return fmt.Sprintf(`Convert the following feature spec markdown into JSON.

## Input Spec

%s

## Output Requirements

Produce a JSON object with this exact structure:

{
  "project": "Project Name",
  "branchName": "feature/branch-name",
  "description": "Feature description",
  "userStories": [
    {
      "id": "US-001",
      "title": "Story title",
      "description": "What this story accomplishes",
      "acceptanceCriteria": ["Criterion 1", "Criterion 2"],
      "priority": 1,
      "passes": false,
      "notes": ""
    }
  ]
}

## Rules

1. Use camelCase keys exactly as shown
2. Story ids must be unique; priority is an integer, 1 is highest
3. Every story starts with "passes": false
4. Default branchName to "autom8/feature" when the spec names none

Return ONLY the JSON object. No code fences, no explanation.
`, markdown)
}

// BuildConvertSpecRetryPrompt renders the correction prompt after a parse
// failure.
func BuildConvertSpecRetryPrompt(markdown, malformed, parseErr string, attempt, maxAttempts int) string {
	return fmt.Sprintf(`Your previous attempt to convert a spec to JSON produced invalid JSON
(attempt %d of %d).

## Parse Error

%s

## Malformed Output

%s

## Original Spec

%s

Produce the corrected JSON object following the same structure and rules as
before. Return ONLY the JSON object.
`, attempt, maxAttempts, parseErr, TruncatePreview(malformed, 2000), markdown)
}

// BuildPRBodyPrompt asks the agent to populate a PR template from spec
// context and open the pull request.
func BuildPRBodyPrompt(s *spec.Spec, template, title string, draft bool) string {
	draftFlag := ""
	if draft {
		draftFlag = " --draft"
	}
	var stories strings.Builder
	for _, st := range s.OrderedStories() {
		fmt.Fprintf(&stories, "- %s: %s\n", st.ID, st.Title)
	}

	return fmt.Sprintf(`You are opening a pull request for a completed feature.

**Project:** %s
**Feature:** %s

**User stories implemented:**
%s
## PR Template

The repository has a pull request template. Populate it from the feature
context above:

%s

## Your Task

1. Push the current branch: git push -u origin HEAD
2. Create the PR: gh pr create --title %q --body <populated template>%s
3. Output the PR URL

When done, output exactly:
%s
`,
		s.Project, s.Description,
		stories.String(),
		template,
		title, draftFlag,
		CompletionTag,
	)
}

// BuildPRCommentsPrompt asks the agent to address reviewer feedback on an
// open pull request.
func BuildPRCommentsPrompt(s *spec.Spec, comments string) string {
	return fmt.Sprintf(`You are addressing review feedback on an open pull request.

**Project:** %s
**Feature:** %s

## Review Feedback

%s

## Your Task

1. Address each piece of feedback in the code
2. Run the related tests
3. Commit the fixes with clear messages and push to the existing branch
4. Reply is not needed; the code changes are the response

When all feedback is addressed, output exactly:
%s
`,
		s.Project, s.Description,
		comments,
		CompletionTag,
	)
}

// DefaultPRBody synthesizes a PR description when no template exists.
func DefaultPRBody(s *spec.Spec) string {
	var b strings.Builder
	b.WriteString("## Summary\n\n")
	b.WriteString(s.Description)
	b.WriteString("\n\n## User Stories\n\n")
	for _, st := range s.OrderedStories() {
		fmt.Fprintf(&b, "- [x] %s: %s\n", st.ID, st.Title)
	}
	return b.String()
}

// PRTitle derives the pull request title from the spec.
func PRTitle(s *spec.Spec) string {
	title := s.Description
	if i := strings.IndexAny(title, ".\n"); i > 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(title)
	if len(title) > 70 {
		title = title[:67] + "..."
	}
	if title == "" {
		title = s.Project
	}
	return title
}
