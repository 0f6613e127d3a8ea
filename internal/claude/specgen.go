package claude

import (
	"context"
	"fmt"
	"os"

	"github.com/louisboilard/autom8/internal/spec"
)

// maxJSONRetryAttempts bounds the convertSpec retry loop. Only this phase
// retries; parse failures elsewhere are fatal.
const maxJSONRetryAttempts = 3

// GenerateSpec converts a markdown spec into a validated JSON spec, writing
// the artifact to outputPath. Parse failures re-prompt the agent, for at most
// three attempts in all, then fall back to the programmatic JSON fixer.
func (r *Runner) GenerateSpec(ctx context.Context, markdown, outputPath string, onEvent func(Event)) (*spec.Spec, error) {
	res, err := r.Run(ctx, Request{
		Phase:   PhaseConvertSpec,
		Prompt:  BuildConvertSpecPrompt(markdown),
		OnEvent: onEvent,
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeCancelled {
		return nil, context.Canceled
	}

	jsonStr := ExtractJSON(res.Text)
	if jsonStr == "" {
		// The agent may have written the artifact directly with tools.
		if data, readErr := os.ReadFile(outputPath); readErr == nil {
			jsonStr = string(data)
		}
	}
	if jsonStr == "" {
		return nil, fmt.Errorf("spec generation produced no JSON (output preview: %q)",
			TruncatePreview(res.Text, 200))
	}

	var lastErr error
	for attempt := 1; attempt <= maxJSONRetryAttempts; attempt++ {
		parsed, err := spec.Parse([]byte(jsonStr))
		if err == nil {
			if saveErr := parsed.Save(outputPath); saveErr != nil {
				return nil, saveErr
			}
			return parsed, nil
		}
		lastErr = err

		if attempt == maxJSONRetryAttempts {
			break
		}
		retry, err := r.Run(ctx, Request{
			Phase:   PhaseConvertSpec,
			Prompt:  BuildConvertSpecRetryPrompt(markdown, jsonStr, lastErr.Error(), attempt+1, maxJSONRetryAttempts),
			OnEvent: onEvent,
		})
		if err != nil {
			return nil, err
		}
		if retry.Outcome == OutcomeCancelled {
			return nil, context.Canceled
		}
		if extracted := ExtractJSON(retry.Text); extracted != "" {
			jsonStr = extracted
		} else {
			jsonStr = retry.Text
		}
	}

	// Agentic retries exhausted: try the non-agentic fixer before giving up.
	if parsed, err := spec.Parse([]byte(FixJSONSyntax(jsonStr))); err == nil {
		if saveErr := parsed.Save(outputPath); saveErr != nil {
			return nil, saveErr
		}
		return parsed, nil
	}

	return nil, fmt.Errorf("spec generation failed after %d attempts and programmatic fix: %w (preview: %s)",
		maxJSONRetryAttempts, lastErr, TruncatePreview(jsonStr, 500))
}
