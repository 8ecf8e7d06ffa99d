package strategy

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// canonical normalizes a bare "1.2.3" version to the "v1.2.3" form
// x/mod/semver expects. Returns "" for anything that is not a full
// major.minor.patch version.
func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) || semver.Canonical(v) != v {
		return ""
	}
	return v
}

// ValidVersion reports whether v is a full semantic version
// (major.minor.patch, no prerelease shorthand).
func ValidVersion(v string) bool {
	return canonical(v) != ""
}

// CompareVersions orders two semantic versions: -1, 0, or +1.
// Invalid versions sort before valid ones, matching semver.Compare.
func CompareVersions(a, b string) int {
	return semver.Compare(canonical(a), canonical(b))
}

// MatchesSpec reports whether version v satisfies a dependency spec:
//
//	""/"latest"/"*"  any version
//	"1.2.3"          exact match
//	"^1.2.3"         >=1.2.3 and same major
//	"~1.2.3"         >=1.2.3 and same major.minor
func MatchesSpec(v, spec string) (bool, error) {
	cv := canonical(v)
	if cv == "" {
		return false, fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}

	switch spec {
	case "", "latest", "*":
		return true, nil
	}

	op := ""
	base := spec
	if strings.HasPrefix(spec, "^") || strings.HasPrefix(spec, "~") {
		op = spec[:1]
		base = spec[1:]
	}
	cb := canonical(base)
	if cb == "" {
		return false, fmt.Errorf("%w: spec %q", ErrInvalidVersion, spec)
	}

	switch op {
	case "":
		return semver.Compare(cv, cb) == 0, nil
	case "^":
		return semver.Compare(cv, cb) >= 0 && semver.Major(cv) == semver.Major(cb), nil
	default: // "~"
		return semver.Compare(cv, cb) >= 0 && semver.MajorMinor(cv) == semver.MajorMinor(cb), nil
	}
}
