package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/schaermu/gut/internal/git"
	"github.com/schaermu/gut/internal/sync"
)

// progressPrinter prints one line per transferred file
func progressPrinter(w io.Writer) sync.ProgressFunc {
	return func(location string, ev sync.Event) {
		if ev.Op == sync.OpRevision {
			return
		}
		fmt.Fprintf(w, "[%s %d/%d] %s %s\n", location, ev.Index, ev.Total, ev.Op, ev.Path)
	}
}

func printDiff(w io.Writer, diff git.Diff) {
	for _, p := range diff.Paths() {
		fmt.Fprintf(w, "  %s %s\n", changeMarker(diff, p), p)
	}
}

// changeMarker returns the git status letter of p in diff
func changeMarker(diff git.Diff, p string) string {
	switch {
	case slices.Contains(diff.Added, p):
		return "A"
	case slices.Contains(diff.Deleted, p):
		return "D"
	default:
		return "M"
	}
}

func printReports(w io.Writer, reports []sync.Report) {
	for _, r := range reports {
		var details []string
		if r.From != "" && r.To != "" && r.From != r.To {
			details = append(details, shortRev(r.From)+".."+shortRev(r.To))
		} else if r.To != "" {
			details = append(details, shortRev(r.To))
		}
		if n := r.Diff.Len(); n > 0 {
			details = append(details, fmt.Sprintf("%d files", n))
		}
		if r.Purged > 0 {
			details = append(details, fmt.Sprintf("%d purged", r.Purged))
		}

		line := fmt.Sprintf("%s: %s", r.Location, r.Status)
		if len(details) > 0 {
			line += " (" + strings.Join(details, ", ") + ")"
		}
		if r.Err != nil {
			line += ": " + r.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
}

func printStatus(w io.Writer, states []sync.LocationState) {
	for _, st := range states {
		if st.Err != nil {
			fmt.Fprintf(w, "%s: %v\n", st.Location, st.Err)
			continue
		}

		behind := "not in current history"
		switch {
		case st.Behind == 0:
			behind = "up to date"
		case st.Behind > 0:
			behind = fmt.Sprintf("%d behind", st.Behind)
		}
		line := fmt.Sprintf("%s: %s (%s", st.Location, shortRev(st.Revision), behind)
		if len(st.Dirty) > 0 {
			line += fmt.Sprintf(", %d dirty", len(st.Dirty))
		}
		fmt.Fprintln(w, line+")")
	}
}

// failures returns an error naming every failed location
func failures(reports []sync.Report) error {
	var failed []string
	for _, r := range reports {
		if r.Failed() {
			failed = append(failed, r.Location)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d location(s) failed: %s", len(failed), strings.Join(failed, ", "))
}

func shortRev(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
