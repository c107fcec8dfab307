package loop

import (
	"crypto/sha256"
	"fmt"
)

// callSignature is a deterministic fingerprint of one tool call.
func callSignature(rec ToolCallRecord) string {
	h := sha256.Sum256([]byte(rec.Name + "\x00" + rec.Result + "\x00" + rec.Error))
	return fmt.Sprintf("%s:%x", rec.Name, h[:8])
}

// detectRepetition reports whether the last window executed calls follow a
// repeating pattern of length 1, 2, or 3. Used to nudge the model out of
// unproductive cycles; advisory only, never fatal.
func detectRepetition(records []ToolCallRecord, window int) bool {
	if window <= 0 || len(records) < window {
		return false
	}
	sigs := make([]string, 0, window)
	for _, rec := range records[len(records)-window:] {
		sigs = append(sigs, callSignature(rec))
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if window%patternLen != 0 {
			continue
		}
		match := true
		for i := patternLen; i < window && match; i++ {
			if sigs[i] != sigs[i%patternLen] {
				match = false
			}
		}
		if match {
			return true
		}
	}
	return false
}
