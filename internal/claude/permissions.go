package claude

import (
	"encoding/json"
	"strings"
)

// The broker intercepts a fixed, tiny set of dangerous operations. Commits
// are reversible; a push is not, so it is reserved for the createPR phase.
var pushPrefixes = []string{"git push"}

// BypassesBroker reports whether the phase skips permission mediation
// entirely. One-shot, low-risk phases run with permissions disabled.
func BypassesBroker(phase Phase) bool {
	return phase == PhaseConvertSpec || phase == PhaseReviewPRComments
}

// Allowed decides whether a requested tool use is permitted in the phase
// without asking the display adapter. Only Bash commands are inspected; file
// edits and other tools are auto-allowed everywhere.
func Allowed(phase Phase, toolName string, input json.RawMessage) bool {
	if phase == PhaseCreatePR || BypassesBroker(phase) {
		return true
	}
	if toolName != "Bash" {
		return true
	}
	var payload struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &payload); err != nil {
		return true
	}
	return !isPush(payload.Command)
}

func isPush(command string) bool {
	cmd := strings.TrimSpace(command)
	for _, prefix := range pushPrefixes {
		if cmd == prefix || strings.HasPrefix(cmd, prefix+" ") {
			return true
		}
	}
	return false
}

// Args returns the permission flags for the phase. allPermissions bypasses
// the broker for all phases.
func Args(phase Phase, allPermissions bool) []string {
	if allPermissions || BypassesBroker(phase) {
		return []string{"--dangerously-skip-permissions"}
	}
	if phase == PhaseCreatePR {
		// Push is the phase's purpose: no restrictions beyond the prompt tool.
		return nil
	}
	return []string{"--disallowedTools", "Bash(git push *)"}
}
