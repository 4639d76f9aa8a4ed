// Package rank merges heuristic and model-derived relevance signals into a
// single deterministic ordering. It defensively parses the untrusted text
// returned by the external ranking model, repairs the result against the
// actual candidate set, and memoizes per-item judgments in a version-scoped
// scoring cache.
package rank

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// rankedIDsPattern extracts a ranked_ids array when no decodable JSON
// structure exists (e.g. the response was truncated mid-object).
var rankedIDsPattern = regexp.MustCompile(`"ranked_ids"\s*:\s*\[([^\]]*)`)

// quotedTokenPattern matches complete quoted id tokens. Tokens cut off by
// truncation have no closing quote and are intentionally not matched.
var quotedTokenPattern = regexp.MustCompile(`"([^"]+)"`)

// apiKeyPattern matches key-like substrings (sk-..., bearer tokens) that
// must never reach logs.
var apiKeyPattern = regexp.MustCompile(`(?i)(sk-[A-Za-z0-9_-]{8,}|bearer\s+[A-Za-z0-9._-]{16,})`)

type rankedIDsPayload struct {
	RankedIDs []string `json:"ranked_ids"`
}

// ParseRankedIDs extracts an ordered id list from free-form model output.
// The response may be wrapped in markdown fences, surrounded by prose, or
// truncated mid-array. Strategies are tried in order of trust:
//
//  1. direct JSON decode of the trimmed text
//  2. decode after stripping a markdown code fence
//  3. decode the outermost balanced JSON substring, appending the minimum
//     closing tokens when the tail was truncated
//  4. regex extraction of the ranked_ids array
//
// Ids after a truncation point are dropped; the repair step completes the
// set. Returns nil when nothing recoverable remains.
func ParseRankedIDs(text string, expected int) []string {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil
	}

	ids := parseRankedIDs(s)
	if ids != nil && len(ids) != expected {
		slog.Debug("ranked id count mismatch", "got", len(ids), "expected", expected)
	}
	return ids
}

func parseRankedIDs(s string) []string {
	if ids := decodeRankedIDs(s); ids != nil {
		return ids
	}

	if stripped := StripCodeFence(s); stripped != s {
		if ids := decodeRankedIDs(stripped); ids != nil {
			return ids
		}
		s = stripped
	}

	if sub := balancedJSONSubstring(s); sub != "" {
		if ids := decodeRankedIDs(sub); ids != nil {
			return ids
		}
	}

	return extractRankedIDsRegex(s)
}

// decodeRankedIDs attempts a strict decode of either the canonical
// {"ranked_ids": [...]} object or a bare string array.
func decodeRankedIDs(s string) []string {
	var payload rankedIDsPayload
	if err := json.Unmarshal([]byte(s), &payload); err == nil && len(payload.RankedIDs) > 0 {
		return payload.RankedIDs
	}

	var ids []string
	if err := json.Unmarshal([]byte(s), &ids); err == nil && len(ids) > 0 {
		return ids
	}
	return nil
}

// StripCodeFence removes a leading/trailing markdown code fence, with or
// without a language tag.
func StripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "```") {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// balancedJSONSubstring locates the outermost JSON structure by bracket
// counting. When the input ends with delimiters still open (truncated
// response), the minimum closing tokens are appended so the prefix parses.
// An unterminated string literal is closed first, after discarding a
// partial trailing token.
func balancedJSONSubstring(s string) string {
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return ""
	}

	var stack []byte
	inString := false
	escaped := false
	end := -1

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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return "" // mismatched delimiters, give up on this strategy
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				end = i
			}
		}
		if end != -1 {
			break
		}
	}

	if end != -1 {
		return s[start : end+1]
	}

	// Truncated: repair the tail.
	sub := s[start:]
	if inString {
		// Drop the partial token ("id3 with no closing quote) back to the
		// preceding comma or opening bracket, then close what remains.
		if cut := strings.LastIndexAny(sub, ",[{"); cut != -1 {
			sub = sub[:cut+1]
		}
	}
	sub = strings.TrimRight(sub, ", \t\n")
	// Recompute open delimiters for the trimmed prefix.
	stack = stack[:0]
	inString = false
	escaped = false
	for i := 0; i < len(sub); i++ {
		c := sub[i]
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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		return ""
	}
	for i := len(stack) - 1; i >= 0; i-- {
		sub += string(stack[i])
	}
	return sub
}

// extractRankedIDsRegex is the terminal fallback: pull complete quoted
// tokens out of whatever ranked_ids fragment survives.
func extractRankedIDsRegex(s string) []string {
	m := rankedIDsPattern.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	tokens := quotedTokenPattern.FindAllStringSubmatch(m[1], -1)
	if len(tokens) == 0 {
		return nil
	}
	ids := make([]string, 0, len(tokens))
	for _, t := range tokens {
		ids = append(ids, t[1])
	}
	return ids
}

// SafePreview returns a log-safe excerpt of untrusted model output:
// key-like substrings are redacted and the length is capped.
func SafePreview(text string, maxLen int) string {
	if text == "" {
		return "[empty]"
	}
	if maxLen <= 0 {
		maxLen = 200
	}
	s := apiKeyPattern.ReplaceAllString(text, "[REDACTED_KEY]")
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}
