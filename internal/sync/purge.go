package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/schaermu/gut/internal/storage"
)

// Purge removes everything below folder on the location, leaving the folder
// itself in place. A folder that does not exist is ignored. It returns the
// number of removed entries.
func Purge(ctx context.Context, loc *Location, folder string) (int, error) {
	exists, err := loc.Store.Has(ctx, folder)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	entries, err := loc.Store.ListContents(ctx, folder, true)
	if err != nil {
		return 0, err
	}

	var dirs []string
	removed := 0
	for _, e := range entries {
		if e.Type == storage.TypeDir {
			dirs = append(dirs, e.Path)
			continue
		}
		if err := remove(ctx, loc.Store, e.Path); err != nil {
			return removed, fmt.Errorf("failed to purge %s: %w", e.Path, err)
		}
		removed++
	}

	// deepest first so parents are empty by the time they are removed
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], "/") > strings.Count(dirs[j], "/")
	})
	for _, d := range dirs {
		if err := loc.Store.DeleteDir(ctx, d); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return removed, fmt.Errorf("failed to purge %s: %w", d, err)
		}
		removed++
	}
	return removed, nil
}
