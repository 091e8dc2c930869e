package sync

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/schaermu/gut/internal/git"
)

// Filter removes every path matching one of the skip patterns
func Filter(d git.Diff, skip []string) git.Diff {
	if len(skip) == 0 {
		return d
	}
	return git.Diff{
		Added:    keep(d.Added, skip),
		Modified: keep(d.Modified, skip),
		Deleted:  keep(d.Deleted, skip),
	}
}

// ShouldPurge reports whether any changed path matches a purge condition
func ShouldPurge(d git.Diff, patterns []string) bool {
	for _, p := range d.Paths() {
		if matchAny(p, patterns) {
			return true
		}
	}
	return false
}

func keep(paths, skip []string) []string {
	var kept []string
	for _, p := range paths {
		if !matchAny(p, skip) {
			kept = append(kept, p)
		}
	}
	return kept
}

// matchAny matches p against glob patterns. A pattern without a slash also
// matches the base name, so "*.md" excludes markdown files at any depth.
func matchAny(p string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, path.Base(p)); ok {
				return true
			}
		}
	}
	return false
}
