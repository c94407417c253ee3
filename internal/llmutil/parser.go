// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fencedBlockRegex captures the body of the first markdown code fence. \x60 is a backtick.
var fencedBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")

// ExtractJSON pulls the JSON document out of a model response. It unwraps a
// markdown fence and trims conversational text around the outermost object or array.
func ExtractJSON(response string) string {
	s := strings.TrimSpace(response)
	if m := fencedBlockRegex.FindStringSubmatch(s); len(m) > 1 {
		s = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return s
	}

	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return s
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return s
	}
	return s[start : end+1]
}

// ParseJSONResponse decodes a model response into T after extracting its JSON body.
func ParseJSONResponse[T any](response string) (*T, error) {
	body := ExtractJSON(response)
	var result T
	if err := json.UnmarshalFromString(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(body, 500))
	}
	return &result, nil
}

// Truncate shortens s to at most maxLen bytes, marking the cut.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
