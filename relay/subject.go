package relay

import (
	"strings"

	"github.com/dorkos/dorkos/apperr"
)

// ValidateSubject rejects subjects used for publishing: they must be
// concrete (no wildcards) and non-empty.
func ValidateSubject(subject string) error {
	if subject == "" {
		return apperr.New(apperr.CodeInvalidInput, "subject must not be empty")
	}
	for _, seg := range strings.Split(subject, ".") {
		if seg == "" {
			return apperr.New(apperr.CodeInvalidInput, "subject must not contain empty segments")
		}
		if seg == "*" || seg == ">" {
			return apperr.New(apperr.CodeInvalidInput, "publish subject must not contain wildcards")
		}
	}
	return nil
}

// ValidatePattern rejects subscription patterns whose ">" does not appear
// exactly once, in the final segment (spec §8: "match(\"a.>.c\", ...) is
// invalid").
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return apperr.New(apperr.CodeInvalidInput, "pattern must not be empty")
	}
	segs := strings.Split(pattern, ".")
	for i, seg := range segs {
		if seg == "" {
			return apperr.New(apperr.CodeInvalidInput, "pattern must not contain empty segments")
		}
		if seg == ">" && i != len(segs)-1 {
			return apperr.New(apperr.CodeInvalidInput, "\">\" must be the final segment of a pattern")
		}
	}
	return nil
}

// Match reports whether subject satisfies pattern. "*" matches exactly one
// segment; ">" matches one or more trailing segments and must be the last
// token of pattern (spec §4.6).
func Match(pattern, subject string) bool {
	if ValidatePattern(pattern) != nil {
		return false
	}
	pSegs := strings.Split(pattern, ".")
	sSegs := strings.Split(subject, ".")

	for i, p := range pSegs {
		if p == ">" {
			return i < len(sSegs)
		}
		if i >= len(sSegs) {
			return false
		}
		if p == "*" {
			continue
		}
		if p != sSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(sSegs)
}
