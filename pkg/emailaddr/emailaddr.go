// Package emailaddr normalizes email addresses for indexing and matching.
package emailaddr

import "strings"

// Normalize returns the canonical form an email is indexed under: trimmed
// and lowercased. It performs no syntactic validation; an empty result
// means the input carries no usable address.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Domain returns the part after the last '@' of the normalized address, or
// "" when the input has no domain. Shared-domain membership is a blocking
// signal, so this must agree with Normalize.
func Domain(email string) string {
	normalized := Normalize(email)
	at := strings.LastIndexByte(normalized, '@')
	if at < 0 || at == len(normalized)-1 {
		return ""
	}
	return normalized[at+1:]
}
