package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/itchyny/gojq"
)

var (
	jsonFenceRe = regexp.MustCompile("```json\\s*\\n([\\s\\S]*?)```")
	anyFenceRe  = regexp.MustCompile("```[^`]*?\\n([\\s\\S]*?)```")
)

// extractJSON implements the layered parse in §4.B: direct, then
// markdown-fenced json, then any markdown fence, then bracket matching
// over the raw text. Returns the candidate JSON text and which step
// produced it ("direct", "markdown_json_fence", "markdown_fence",
// "bracket_matching", or "none" if nothing was found).
//
// Grounded on the teacher's internal/action/transform.extractJSON,
// generalized from a single operation's helper into the agent
// adapter's shared structured-output path.
func extractJSON(text string) (string, string) {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return text, "direct"
	}

	if m := jsonFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), "markdown_json_fence"
	}

	for _, m := range anyFenceRe.FindAllStringSubmatch(text, -1) {
		content := strings.TrimSpace(m[1])
		if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
			return content, "markdown_fence"
		}
	}

	return bracketMatch(text)
}

// bracketMatch scans for the first '{' or '[' and extracts up to its
// matching close, string-aware so braces inside quoted values don't
// throw off the depth count.
func bracketMatch(text string) (string, string) {
	openIdx := -1
	var openCh, closeCh byte

	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			openIdx, openCh, closeCh = i, '{', '}'
		case '[':
			openIdx, openCh, closeCh = i, '[', ']'
		}
		if openIdx != -1 {
			break
		}
	}
	if openIdx == -1 {
		return "", "none"
	}

	depth := 0
	inString := false
	escape := false
	for i := openIdx; i < len(text); i++ {
		ch := text[i]
		if escape {
			escape = false
			continue
		}
		if ch == '\\' {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case openCh:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return text[openIdx : i+1], "bracket_matching"
			}
		}
	}
	return "", "none"
}

// repairJSON attempts a small set of textual fixes for near-valid JSON
// that encoding/json rejects outright: a trailing comma before a
// closing bracket, the most common failure mode in LLM-generated JSON.
func repairJSON(candidate string) (string, bool) {
	repaired := trailingCommaRe.ReplaceAllString(candidate, "$1")
	if repaired == candidate {
		return "", false
	}
	var v any
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return "", false
	}
	return repaired, true
}

var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

// extractStructured runs the full layered parse plus repair pass
// described in §4.B and never returns an error: a failure to find or
// parse JSON is reported as (nil, "", message) so the caller can
// decide what to do with unstructured output. When query is non-empty
// it is run as a jq filter over the parsed value, letting a caller
// pull one field out of a response whose envelope shape varies between
// agent backends.
func extractStructured(text, query string) (any, string, string) {
	candidate, method := extractJSON(text)
	if candidate == "" {
		return nil, "", "no JSON structure found in output"
	}

	var parsed any
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		if repaired, ok := repairJSON(candidate); ok {
			method += "+repaired"
			if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
				return nil, method, "failed to parse extracted JSON"
			}
		} else {
			return nil, method, "failed to parse extracted JSON"
		}
	}

	if query == "" {
		return parsed, method, ""
	}

	result, err := runJQ(query, parsed)
	if err != nil {
		return parsed, method, "jq query failed: " + err.Error()
	}
	return result, method, ""
}

// runJQ applies a jq filter string to an already-decoded JSON value.
func runJQ(query string, input any) (any, error) {
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, err
	}
	iter := q.Run(input)
	val, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, ok := val.(error); ok {
		return nil, err
	}
	return val, nil
}
