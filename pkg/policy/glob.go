package policy

import (
	"path"
	"strings"
)

// MatchGlob reports whether p matches glob, a filepath.Match-style pattern
// extended with "**" meaning "any number of path segments" (e.g.
// ".git/**" matches anything under .git/, "src/**/generated/*.go" matches
// any depth before generated/). This is the one glob matcher every
// protected/allowed-path check in the engine shares, so "what counts as
// protected" can never silently diverge between components.
func MatchGlob(glob, p string) bool {
	p = path.Clean(p)
	glob = path.Clean(glob)

	if !strings.Contains(glob, "**") {
		ok, err := path.Match(glob, p)
		return err == nil && ok
	}

	var match func(gs, ps []string) bool
	match = func(gs, ps []string) bool {
		if len(gs) == 0 {
			return len(ps) == 0
		}
		if gs[0] == "**" {
			return match(gs[1:], ps) || (len(ps) > 0 && match(gs, ps[1:]))
		}
		if len(ps) == 0 {
			return false
		}
		ok, err := path.Match(gs[0], ps[0])
		return err == nil && ok && match(gs[1:], ps[1:])
	}
	return match(strings.Split(glob, "/"), strings.Split(p, "/"))
}

// MatchAny reports whether p matches any of globs.
func MatchAny(globs []string, p string) bool {
	for _, g := range globs {
		if MatchGlob(g, p) {
			return true
		}
	}
	return false
}
