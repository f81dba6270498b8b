package catalog

import (
	"strconv"
	"strings"
)

// SemVer is a parsed agent package version.
type SemVer struct {
	Major int
	Minor int
	Patch int
	Pre   string // pre-release suffix (e.g. "rc1", "beta2")
	Raw   string
}

// ParseSemVer parses "x.y.z", "x.y", and an optional "v" prefix.
// Pre-release suffixes like "-rc1" are captured in the Pre field.
func ParseSemVer(s string) (SemVer, bool) {
	raw := s

	s = strings.TrimPrefix(s, "v")
	s = strings.TrimPrefix(s, "V")
	if s == "" {
		return SemVer{}, false
	}

	var pre string
	if idx := strings.Index(s, "-"); idx >= 0 {
		pre = s[idx+1:]
		s = s[:idx]
	}

	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return SemVer{}, false
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return SemVer{}, false
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return SemVer{}, false
	}
	var patch int
	if len(parts) == 3 {
		patch, err = strconv.Atoi(parts[2])
		if err != nil {
			return SemVer{}, false
		}
	}

	return SemVer{Major: major, Minor: minor, Patch: patch, Pre: pre, Raw: raw}, true
}

// LessThan reports whether v is strictly less than other. Pre-release
// versions sort before their release counterpart; two pre-release strings
// compare lexicographically.
func (v SemVer) LessThan(other SemVer) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	if v.Patch != other.Patch {
		return v.Patch < other.Patch
	}
	if v.Pre != other.Pre {
		if v.Pre == "" {
			return false
		}
		if other.Pre == "" {
			return true
		}
		return v.Pre < other.Pre
	}
	return false
}
