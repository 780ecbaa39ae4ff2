package phases

import (
	"encoding/json"
	"strings"

	"github.com/noory-code/evonest/internal/core"
)

// extractFirstJSON finds the first syntactically-balanced JSON object or
// array in mixed text. The LM's final message wraps its envelope in
// prose often enough that a plain Unmarshal is not an option.
func extractFirstJSON(output string) string {
	start := strings.IndexAny(output, "{[")
	for start != -1 {
		if candidate := balancedFrom(output, start); candidate != "" {
			if json.Valid([]byte(candidate)) {
				return candidate
			}
		}
		next := strings.IndexAny(output[start+1:], "{[")
		if next == -1 {
			break
		}
		start = start + 1 + next
	}
	return ""
}

// balancedFrom returns the balanced bracket span starting at start, or
// empty when the text ends before it closes.
func balancedFrom(output string, start int) string {
	openChar := output[start]
	closeChar := byte('}')
	if openChar == '[' {
		closeChar = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(output); i++ {
		c := output[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		if c == openChar {
			depth++
		} else if c == closeChar {
			depth--
			if depth == 0 {
				return output[start : i+1]
			}
		}
	}
	return ""
}

// parseEnvelope locates the phase envelope in LM output and unmarshals
// it into v. Missing or undecodable envelopes are LM errors, not state
// errors: the model failed its contract.
func parseEnvelope(output string, v interface{}) error {
	raw := extractFirstJSON(output)
	if raw == "" {
		return core.ErrLM(core.CodeEnvelopeInvalid, "no JSON envelope found in LM output")
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return core.ErrLM(core.CodeEnvelopeInvalid, "envelope does not match phase schema").WithCause(err)
	}
	return nil
}

// decodeArray partially accepts a JSON array: entries that unmarshal and
// pass the validator are kept, invalid ones are dropped. The dropped
// count lets callers log what was discarded.
func decodeArray[T any](raw json.RawMessage, valid func(T) bool) (kept []T, dropped int) {
	if len(raw) == 0 {
		return nil, 0
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, 0
	}
	for _, item := range items {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			dropped++
			continue
		}
		if !valid(v) {
			dropped++
			continue
		}
		kept = append(kept, v)
	}
	return kept, dropped
}
