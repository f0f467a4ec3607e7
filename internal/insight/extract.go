package insight

import (
	"encoding/json"
	"errors"
)

// ErrNoJSONObject is returned by ExtractJSONObject when the text contains no
// balanced top-level object.
var ErrNoJSONObject = errors.New("no JSON object found in text")

// ExtractJSONObject pulls the first balanced top-level {...} out of
// surrounding prose. Models wrap their JSON in markdown fences or
// explanations often enough that this is the documented second stage of
// parsing: strict parse first, then this.
func ExtractJSONObject(text string) (json.RawMessage, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				candidate := json.RawMessage(text[start : i+1])
				if !json.Valid(candidate) {
					return nil, ErrNoJSONObject
				}
				return candidate, nil
			}
		}
	}
	return nil, ErrNoJSONObject
}
