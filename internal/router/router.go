// Package router maps an inbound model identifier to a vendor-native model
// identifier using an exact → wildcard → built-in → passthrough → default
// cascade.
package router

import "strings"

// defaultModel is returned when nothing else matches.
const defaultModel = "claude-sonnet-4-5"

// builtinAliases is the known-alias table consulted after the override
// table and before the pass-through rule.
var builtinAliases = map[string]string{
	"claude-3-5-sonnet-20241022": "claude-sonnet-4-5",
	"claude-3-5-haiku-20241022":  "claude-sonnet-4-5",
	"claude-3-opus-20240229":     "claude-sonnet-4-5",
}

// Resolve maps model against the override table, falling through the
// cascade described in the router's design: exact override, wildcard
// override ranked by specificity, built-in alias, gemini-/thinking
// passthrough, then the default.
func Resolve(model string, overrides map[string]string) string {
	if target, ok := overrides[model]; ok {
		return target
	}

	if target, ok := bestWildcardMatch(model, overrides); ok {
		return target
	}

	if target, ok := builtinAliases[model]; ok {
		return target
	}

	if strings.HasPrefix(model, "gemini-") || strings.Contains(model, "thinking") {
		return model
	}

	return defaultModel
}

// bestWildcardMatch finds the override pattern, among those containing '*',
// that matches model with the highest specificity — (rune count of the
// pattern) minus (number of '*' in it) — breaking ties lexicographically.
func bestWildcardMatch(model string, overrides map[string]string) (string, bool) {
	var bestPattern, bestTarget string
	found := false
	bestSpecificity := -1

	for pattern, target := range overrides {
		if !strings.Contains(pattern, "*") {
			continue
		}
		if !wildcardMatches(pattern, model) {
			continue
		}
		specificity := len([]rune(pattern)) - strings.Count(pattern, "*")
		if specificity > bestSpecificity ||
			(specificity == bestSpecificity && pattern < bestPattern) {
			bestSpecificity = specificity
			bestPattern = pattern
			bestTarget = target
			found = true
		}
	}
	return bestTarget, found
}

// wildcardMatches reports whether pattern (where '*' matches any run of
// zero or more characters, and multiple '*' are permitted) matches s.
func wildcardMatches(pattern, s string) bool {
	segments := strings.Split(pattern, "*")
	if len(segments) == 1 {
		return pattern == s
	}

	rest := s
	if !strings.HasPrefix(pattern, "*") {
		if !strings.HasPrefix(rest, segments[0]) {
			return false
		}
		rest = rest[len(segments[0]):]
		segments = segments[1:]
	}

	suffixRequired := ""
	if !strings.HasSuffix(pattern, "*") {
		suffixRequired = segments[len(segments)-1]
		segments = segments[:len(segments)-1]
	}

	for _, seg := range segments {
		if seg == "" {
			continue
		}
		idx := strings.Index(rest, seg)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(seg):]
	}

	if suffixRequired != "" {
		return strings.HasSuffix(rest, suffixRequired)
	}
	return true
}
