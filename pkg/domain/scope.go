package domain

import (
	"path"
	"strings"
)

// NewScope builds a Scope and panics if the protected/allowed invariant
// (ProtectedPaths ∩ AllowedPaths = ∅) is violated — a phase record with
// overlapping scope is a construction-time bug, not a runtime condition to
// recover from.
func NewScope(allowed, readonly, protected []string) Scope {
	for _, a := range allowed {
		for _, p := range protected {
			if a == p {
				panic("domain: protected path overlaps allowed path: " + a)
			}
		}
	}
	return Scope{AllowedPaths: allowed, ReadonlyContext: readonly, ProtectedPaths: protected}
}

func underRoot(root, candidate string) bool {
	root = path.Clean(root)
	candidate = path.Clean(candidate)
	if root == "." {
		return true
	}
	return candidate == root || strings.HasPrefix(candidate, root+"/")
}

// InAllowedPaths reports whether p lies under one of the allowed roots (or
// is a new file created under one), satisfying the scope-containment
// property (spec.md §8).
func (s Scope) InAllowedPaths(p string) bool {
	for _, root := range s.AllowedPaths {
		if underRoot(root, p) {
			return true
		}
	}
	return false
}

// InProtectedPaths reports whether p lies under any protected root.
func (s Scope) InProtectedPaths(p string) bool {
	for _, root := range s.ProtectedPaths {
		if underRoot(root, p) {
			return true
		}
	}
	return false
}
