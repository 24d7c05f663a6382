package completion

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callcoach/internal/model"
)

// CleanJSON extracts the JSON object from text that may be wrapped in
// markdown fences or prose.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// ParseJSON decodes the JSON object in content into v. Anything that is not
// a JSON object yields model.ErrCompletionMalformed.
func ParseJSON(content string, v any) error {
	cleaned := CleanJSON(content)
	if !strings.HasPrefix(cleaned, "{") {
		return eris.Wrapf(model.ErrCompletionMalformed, "no JSON object in %q", Truncate(content, 80))
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return eris.Wrapf(model.ErrCompletionMalformed, "decode: %v", err)
	}
	return nil
}

// Number accepts JSON numbers and numeric strings, which models emit
// interchangeably.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	var f float64
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return eris.Wrapf(err, "not a number: %s", s)
	}
	*n = Number(f)
	return nil
}
