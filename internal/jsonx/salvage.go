package jsonx

import (
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Salvage extracts a JSON value from raw model output. Models wrap JSON in
// prose, markdown fences, or emit almost-JSON; each strategy below is tried
// in order and the first one that parses wins. The returned bool reports
// success; Salvage never panics and never returns an error.
func Salvage(text string) (RawMessage, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}

	// Strategy 1: the whole reply is JSON.
	if Valid([]byte(trimmed)) {
		return RawMessage(trimmed), true
	}

	// Strategy 2: first fenced block.
	if fenced := extractFenced(trimmed); fenced != "" && Valid([]byte(fenced)) {
		return RawMessage(fenced), true
	}

	// Strategy 3: outermost balanced object or array.
	if block := extractBalanced(trimmed); block != "" && Valid([]byte(block)) {
		return RawMessage(block), true
	}

	// Strategy 4: forgiving fixes, then re-extract.
	fixed := applyFixes(trimmed)
	if Valid([]byte(fixed)) {
		return RawMessage(fixed), true
	}
	if block := extractBalanced(fixed); block != "" && Valid([]byte(block)) {
		return RawMessage(block), true
	}
	if strings.ContainsAny(trimmed, "{[") {
		if repaired, err := jsonrepair.JSONRepair(trimmed); err == nil && Valid([]byte(repaired)) {
			if r := strings.TrimSpace(repaired); strings.HasPrefix(r, "{") || strings.HasPrefix(r, "[") {
				return RawMessage(r), true
			}
		}
	}

	return nil, false
}

// SalvageInto salvages JSON out of text and unmarshals it into v.
func SalvageInto(text string, v any) bool {
	raw, ok := Salvage(text)
	if !ok {
		return false
	}
	return Unmarshal(raw, v) == nil
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")

func extractFenced(text string) string {
	m := fencePattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// extractBalanced finds the first '{' or '[' and returns the substring up to
// its matching close bracket, honoring string literals and escapes.
func extractBalanced(text string) string {
	start := -1
	var opener, closer rune
	for i, r := range text {
		if r == '{' || r == '[' {
			start = i
			opener = r
			if r == '{' {
				closer = '}'
			} else {
				closer = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := rune(text[i])
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// string content, ignore brackets
		case c == opener:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

func applyFixes(text string) string {
	fixed := trailingComma.ReplaceAllString(text, "$1")
	if !strings.Contains(fixed, `"`) && strings.Contains(fixed, "'") {
		fixed = strings.ReplaceAll(fixed, "'", `"`)
	}
	return fixed
}
