package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/schaermu/gut/internal/git"
	"github.com/schaermu/gut/internal/sync"
)

var errNeedsConfirmation = errors.New("not running in a terminal, pass --yes to deploy without confirmation")

// interactive reports whether prompts can be shown
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func confirm(title string) (bool, error) {
	if !interactive() {
		return false, errNeedsConfirmation
	}
	ok := false
	err := huh.NewConfirm().
		Title(title).
		Value(&ok).
		Affirmative("Yes").
		Negative("No").
		Run()
	if err != nil {
		return false, fmt.Errorf("error prompting for confirmation: %w", err)
	}
	return ok, nil
}

// confirmDiff prints the planned changes of a location and asks whether
// they should be deployed. A failed prompt declines.
func confirmDiff(w io.Writer) sync.ConfirmFunc {
	return func(location string, diff git.Diff) bool {
		fmt.Fprintf(w, "%s:\n", location)
		printDiff(w, diff)
		ok, err := confirm(fmt.Sprintf("Deploy %d changes to %s?", diff.Len(), location))
		if err != nil {
			fmt.Fprintln(w, err)
			return false
		}
		return ok
	}
}

// selectDirty lets the user pick which uncommitted files to upload. With
// --yes every change is selected.
func selectDirty(changes git.Diff) ([]string, error) {
	all := changes.Paths()
	if assumeYes {
		return all, nil
	}
	if !interactive() {
		return nil, errNeedsConfirmation
	}

	options := make([]huh.Option[string], 0, len(all))
	for _, p := range all {
		options = append(options, huh.NewOption(fmt.Sprintf("%s %s", changeMarker(changes, p), p), p))
	}

	var selected []string
	err := huh.NewMultiSelect[string]().
		Title("Which files should be uploaded?").
		Options(options...).
		Value(&selected).
		Run()
	if err != nil {
		return nil, fmt.Errorf("error prompting for files: %w", err)
	}
	return selected, nil
}
