package loop

import "fmt"

// truncateOutput elides the middle of oversized tool output so it does not
// swamp the model's context. The full output still reaches the event
// stream; only the copy that re-enters LLM context is trimmed.
func truncateOutput(output string, maxChars int) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	half := maxChars / 2
	removed := len(output) - maxChars
	return output[:half] +
		fmt.Sprintf("\n\n[tool output truncated: %d characters removed from the middle; the full output is available in the event stream]\n\n", removed) +
		output[len(output)-half:]
}
