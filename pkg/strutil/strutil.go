// Package strutil provides string-set helpers for alias and name handling.
package strutil

import (
	"strings"
)

// Fold normalizes a string for case-insensitive comparison: trimmed and
// lowercased. Index keys and similarity checks operate on folded values.
func Fold(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DedupeFold removes duplicates and empty strings from a slice, comparing
// case-insensitively while preserving the first-seen casing and order.
//
// Example:
//
//	DedupeFold([]string{"  JSmith ", "jsmith", "J. Smith", ""})
//	// Returns: []string{"JSmith", "J. Smith"}
func DedupeFold(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))

	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			result = append(result, trimmed)
		}
	}

	return result
}

// AppendFold appends candidate to values unless an existing element already
// matches it case-insensitively. Empty candidates are ignored.
func AppendFold(values []string, candidate string) []string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return values
	}
	key := strings.ToLower(trimmed)
	for _, v := range values {
		if strings.ToLower(strings.TrimSpace(v)) == key {
			return values
		}
	}
	return append(values, trimmed)
}

// ContainsFold reports whether values contains candidate under case folding.
func ContainsFold(values []string, candidate string) bool {
	key := Fold(candidate)
	if key == "" {
		return false
	}
	for _, v := range values {
		if Fold(v) == key {
			return true
		}
	}
	return false
}
