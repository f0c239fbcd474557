package bridge

import (
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	jsonx "antigravity/internal/shared/json"
)

var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// Sanitize converts an arbitrary response body into a map. Techniques are
// tried strictly in order and the final fallback cannot fail:
//  1. empty body -> {"output": "(empty)"}
//  2. direct JSON parse
//  3. first fenced code block
//  4. first balanced {...} substring
//  5. wrap the raw text as {"output": raw}
func Sanitize(body []byte) map[string]any {
	raw := strings.TrimSpace(string(body))

	if raw == "" {
		return map[string]any{"output": "(empty response body)"}
	}

	if decoded, ok := decodeObject(raw); ok {
		return decoded
	}

	if match := fencedBlockPattern.FindStringSubmatch(raw); match != nil {
		if decoded, ok := decodeObject(strings.TrimSpace(match[1])); ok {
			return decoded
		}
	}

	if candidate := firstBalancedObject(raw); candidate != "" {
		if decoded, ok := decodeObject(candidate); ok {
			return decoded
		}
	}

	return map[string]any{"output": raw}
}

// decodeObject parses s as a JSON object, running it through jsonrepair
// first so recoverable damage (single quotes, trailing commas, bare keys)
// still decodes.
func decodeObject(s string) (map[string]any, bool) {
	// "null" decodes without error into a nil map; treat it as a miss.
	var decoded map[string]any
	if err := jsonx.Unmarshal([]byte(s), &decoded); err == nil && decoded != nil {
		return decoded, true
	}
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil, false
	}
	if err := jsonx.Unmarshal([]byte(repaired), &decoded); err != nil {
		return nil, false
	}
	if decoded == nil {
		return nil, false
	}
	return decoded, true
}

// firstBalancedObject returns the first {...} substring with balanced
// braces, respecting JSON string literals.
func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
