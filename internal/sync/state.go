package sync

import (
	"sort"
	"strings"
)

// DirtySet tracks files pushed to a location outside of a commit deploy
type DirtySet map[string]struct{}

// ParseDirtySet reads the newline-delimited marker content
func ParseDirtySet(data []byte) DirtySet {
	set := make(DirtySet)
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			set[line] = struct{}{}
		}
	}
	return set
}

// Add merges paths into the set
func (s DirtySet) Add(paths ...string) {
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			s[p] = struct{}{}
		}
	}
}

// Paths returns the tracked paths in sorted order
func (s DirtySet) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Bytes encodes the set as marker content
func (s DirtySet) Bytes() []byte {
	if len(s) == 0 {
		return nil
	}
	return []byte(strings.Join(s.Paths(), "\n") + "\n")
}
