package claude

import (
	"regexp"
	"strings"
)

var (
	codeFenceRe     = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)(\s*:)`)
	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
)

// FixJSONSyntax conservatively repairs common JSON syntax errors: markdown
// code fences, unquoted keys, and trailing commas. It is idempotent.
func FixJSONSyntax(input string) string {
	result := strings.TrimSpace(input)

	if m := codeFenceRe.FindStringSubmatch(result); m != nil {
		result = m[1]
	}

	result = unquotedKeyRe.ReplaceAllString(result, `$1"$2"$3`)
	result = trailingCommaRe.ReplaceAllString(result, "$1")

	return strings.TrimSpace(result)
}

// ExtractJSON pulls a JSON object out of a model response, tolerating
// surrounding prose and code fences. Returns "" when no object is found.
func ExtractJSON(response string) string {
	trimmed := strings.TrimSpace(response)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return trimmed
	}
	if m := codeFenceRe.FindStringSubmatch(trimmed); m != nil {
		inner := strings.TrimSpace(m[1])
		if strings.HasPrefix(inner, "{") {
			return inner
		}
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return ""
}

// TruncatePreview shortens a JSON payload for error messages.
func TruncatePreview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
