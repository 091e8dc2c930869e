package git

import (
	"context"
	"fmt"
)

// Diff classifies changed paths between two revisions. A path appears in at
// most one of the three lists.
type Diff struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// Empty reports whether the diff contains no changes at all
func (d Diff) Empty() bool {
	return d.Len() == 0
}

// Len returns the total number of changed paths
func (d Diff) Len() int {
	return len(d.Added) + len(d.Modified) + len(d.Deleted)
}

// Paths returns every changed path in apply order: added, modified, deleted
func (d Diff) Paths() []string {
	paths := make([]string, 0, d.Len())
	paths = append(paths, d.Added...)
	paths = append(paths, d.Modified...)
	paths = append(paths, d.Deleted...)
	return paths
}

// Resolve turns a symbolic reference or hash into a full commit hash
func Resolve(ctx context.Context, c Client, ref string) (string, error) {
	return c.RevParse(ctx, ref)
}

// ComputeDiff returns the classified changes needed to move a tree from
// revision from to revision to
func ComputeDiff(ctx context.Context, c Client, from, to string) (Diff, error) {
	lines, err := c.DiffNameStatus(ctx, from, to)
	if err != nil {
		return Diff{}, err
	}
	return ParseNameStatus(lines)
}

// ParseNameStatus classifies the fields of `git diff --name-status -z`
// output. Each entry is a status field followed by one path, or two for
// copies and renames.
//
//	A        addition             -> Added
//	C, M, T  copy, modify, type   -> Modified
//	D        deletion             -> Deleted
//
// Any other status (renames, unmerged, unknown) is rejected.
func ParseNameStatus(fields []string) (Diff, error) {
	var d Diff
	for i := 0; i < len(fields); i++ {
		status := fields[i]
		if status == "" {
			return Diff{}, fmt.Errorf("malformed diff entry: empty status at field %d", i)
		}
		paths := 1
		if status[0] == 'C' || status[0] == 'R' {
			paths = 2
		}
		if i+paths >= len(fields) {
			return Diff{}, fmt.Errorf("malformed diff entry %q: missing path", status)
		}
		i += paths
		path := fields[i]

		switch status[0] {
		case 'A':
			d.Added = append(d.Added, path)
		case 'C', 'M', 'T':
			d.Modified = append(d.Modified, path)
		case 'D':
			d.Deleted = append(d.Deleted, path)
		default:
			return Diff{}, fmt.Errorf("%w: %s (%s)", ErrUnsupportedDiffStatus, status, path)
		}
	}
	return d, nil
}

// ParseStatus classifies the entries of `git status --porcelain -z` output.
// Untracked and newly staged files are additions, files removed from the
// working tree or index are deletions, and everything else is a
// modification. A staged rename is split into a deletion of the old path,
// which follows the entry as its own field, and an addition of the new one.
func ParseStatus(entries []string) Diff {
	var d Diff
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 4 {
			continue
		}
		code, path := entry[:2], entry[3:]

		switch {
		case code == "??":
			d.Added = append(d.Added, path)
		case code[0] == 'R' || code[0] == 'C':
			if i+1 < len(entries) {
				i++
				if code[0] == 'R' {
					d.Deleted = append(d.Deleted, entries[i])
				}
			}
			d.Added = append(d.Added, path)
		case code[0] == 'D' || code[1] == 'D':
			d.Deleted = append(d.Deleted, path)
		case code[0] == 'A':
			d.Added = append(d.Added, path)
		default:
			d.Modified = append(d.Modified, path)
		}
	}
	return d
}
