package authz

import (
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// MatchResource reports whether a resource identifier matches a `.`-segmented
// grant pattern. Patterns are split on '.'; a segment of "*" matches exactly
// one resource segment, a trailing "**" matches the remainder of the
// resource (one or more segments), and any other segment is matched
// literally against its resource counterpart via wildcard.Match, so a
// segment may itself carry '?'/'*' glob characters (e.g. "docs-v?").
//
// Examples:
//
//	pattern "docs.*"      matches "docs.internal"       but not "docs.internal.v2"
//	pattern "docs.**"     matches "docs.internal.v2"     and "docs.internal"
//	pattern "*"           matches any single-segment resource
//	pattern "db.orders-?" matches "db.orders-1"
func MatchResource(pattern, resource string) bool {
	patternSegs := strings.Split(pattern, ".")
	resourceSegs := strings.Split(resource, ".")

	for i, p := range patternSegs {
		if p == "**" {
			// Trailing double-star: matches one or more remaining segments,
			// and must be the last pattern segment.
			return i < len(resourceSegs) && i == len(patternSegs)-1
		}

		if i >= len(resourceSegs) {
			return false
		}

		if !wildcard.Match(p, resourceSegs[i]) {
			return false
		}
	}

	return len(patternSegs) == len(resourceSegs)
}

// ValidatePattern reports whether pattern is well-formed: "**" may only
// appear as the final segment, and no segment may be empty.
func ValidatePattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	segs := strings.Split(pattern, ".")
	for i, s := range segs {
		if s == "" {
			return false
		}
		if s == "**" && i != len(segs)-1 {
			return false
		}
	}
	return true
}
