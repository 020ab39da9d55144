package decision

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Provider responses are not guaranteed clean JSON: the directive object
// may sit inside a ```json fence, a plain fence, or bare prose after a
// chain-of-thought section. Extraction only locates and repairs the JSON
// envelope; field values are parsed unchanged and validated afterwards.

// ExtractDirective parses a raw completion into a Directive plus the
// free-text reasoning that preceded the JSON object.
func ExtractDirective(response string) (*Directive, string, error) {
	jsonContent, objStart := extractJSONObject(response)
	if jsonContent == "" {
		return nil, "", fmt.Errorf("no directive object found in response (first 300 chars): %s",
			truncate(response, 300))
	}

	jsonContent = fixQuotes(jsonContent)
	jsonContent = stripTrailingCommas(jsonContent)

	var d Directive
	if err := json.Unmarshal([]byte(jsonContent), &d); err != nil {
		return nil, "", fmt.Errorf("directive JSON did not parse: %w (content: %s)",
			err, truncate(jsonContent, 300))
	}

	cot := ""
	if objStart > 0 {
		cot = strings.TrimSpace(response[:objStart])
		cot = strings.TrimSuffix(cot, "```json")
		cot = strings.TrimSuffix(cot, "```")
		cot = strings.TrimSpace(cot)
	}
	return &d, cot, nil
}

// extractJSONObject returns the best candidate JSON object in the
// response and its start offset in the original string.
func extractJSONObject(response string) (string, int) {
	// Fenced ```json block first: the format the prompt asks for.
	if block, offset := fencedBlock(response, "```json"); block != "" {
		if obj, inner := objectInText(block); obj != "" {
			return obj, offset + inner
		}
	}
	// Plain fence next.
	if block, offset := fencedBlock(response, "```"); block != "" {
		if obj, inner := objectInText(block); obj != "" {
			return obj, offset + inner
		}
	}
	// Bare scan over the whole response.
	return objectInText(response)
}

// fencedBlock returns the content of the first fenced block opened by
// marker, and the offset of that content in the response.
func fencedBlock(response, marker string) (string, int) {
	start := strings.Index(response, marker)
	if start == -1 {
		return "", -1
	}
	contentStart := start + len(marker)
	for contentStart < len(response) && (response[contentStart] == ' ' || response[contentStart] == '\n' || response[contentStart] == '\r') {
		contentStart++
	}
	end := strings.Index(response[contentStart:], "```")
	if end == -1 {
		return "", -1
	}
	return response[contentStart : contentStart+end], contentStart
}

// objectInText scans for a '{' whose matching '}' closes a blob that
// unmarshals into a directive-shaped object. Trial parsing rejects
// unrelated braces in the reasoning text.
func objectInText(text string) (string, int) {
	searchPos := 0
	for {
		open := strings.IndexByte(text[searchPos:], '{')
		if open == -1 {
			return "", -1
		}
		open += searchPos

		if end := findMatchingBrace(text, open); end != -1 {
			candidate := strings.TrimSpace(text[open : end+1])
			var probe struct {
				Action string `json:"action"`
			}
			cleaned := stripTrailingCommas(fixQuotes(candidate))
			if err := json.Unmarshal([]byte(cleaned), &probe); err == nil && probe.Action != "" {
				return candidate, open
			}
		}

		searchPos = open + 1
		if searchPos >= len(text) {
			return "", -1
		}
	}
}

// findMatchingBrace finds the '}' matching the '{' at start, skipping
// braces inside string literals.
func findMatchingBrace(s string, start int) int {
	if start >= len(s) || s[start] != '{' {
		return -1
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
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
				return i
			}
		}
	}
	return -1
}

// fixQuotes replaces CJK-style quotes that some providers emit in place
// of ASCII quotes.
func fixQuotes(s string) string {
	s = strings.ReplaceAll(s, "“", "\"")
	s = strings.ReplaceAll(s, "”", "\"")
	s = strings.ReplaceAll(s, "‘", "'")
	s = strings.ReplaceAll(s, "’", "'")
	return s
}

// stripTrailingCommas removes trailing commas before closing braces and
// brackets. Valid JSON never matches these patterns.
func stripTrailingCommas(s string) string {
	for {
		original := s
		s = strings.ReplaceAll(s, ",}", "}")
		s = strings.ReplaceAll(s, ", }", " }")
		s = strings.ReplaceAll(s, ",]", "]")
		s = strings.ReplaceAll(s, ", ]", " ]")
		if s == original {
			return s
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
