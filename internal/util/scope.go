package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// SplitScope turns a space-delimited OAuth scope claim into a de-duplicated
// list, preserving first-seen order. Scope strings are kept byte for byte:
// the identity provider, not this process, decides which names are equal.
func SplitScope(claim string) []string {
	fields := strings.Fields(claim)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// NonCanonicalScopes returns the scopes that are not in NFKC form, such as
// fullwidth or ligature spellings that merely look like another scope.
func NonCanonicalScopes(scopes []string) []string {
	var odd []string
	for _, s := range scopes {
		if !norm.NFKC.IsNormalString(s) {
			odd = append(odd, s)
		}
	}
	return odd
}
