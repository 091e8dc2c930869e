package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"

	"github.com/schaermu/gut/internal/git"
)

// CommittedReader reads file content from the repository history
type CommittedReader interface {
	ReadCommitted(ctx context.Context, rev, path string) ([]byte, error)
}

// PushUncommitted uploads paths straight from the working tree, bypassing
// the revision marker. Paths missing from the working tree are deleted
// remotely. Every path that was touched is merged into the location's dirty
// set, even when a later upload fails, so Clean can always revert it.
func PushUncommitted(ctx context.Context, src afero.Fs, loc *Location, paths []string) error {
	var touched []string
	var pushErr error
	for _, p := range paths {
		touched = append(touched, p)

		exists, err := afero.Exists(src, p)
		if err != nil {
			pushErr = fmt.Errorf("failed to stat %s: %w", p, err)
			break
		}
		if exists {
			err = upload(ctx, src, loc.Store, p)
		} else {
			err = remove(ctx, loc.Store, p)
		}
		if err != nil {
			pushErr = fmt.Errorf("failed to push %s: %w", p, err)
			break
		}
	}

	if len(touched) == 0 {
		return pushErr
	}
	set, err := loc.DirtyFiles(ctx)
	if err != nil {
		return errors.Join(pushErr, fmt.Errorf("failed to read dirty marker: %w", err))
	}
	set.Add(touched...)
	if err := loc.SaveDirtyFiles(ctx, set); err != nil {
		return errors.Join(pushErr, fmt.Errorf("failed to save dirty marker: %w", err))
	}
	return pushErr
}

// Clean reverts every dirty file of loc to its content committed at HEAD,
// deleting files that are not part of HEAD, and then drops the marker. On
// failure the marker is kept so Clean can be run again. It returns the
// reverted paths.
func Clean(ctx context.Context, reader CommittedReader, loc *Location) ([]string, error) {
	set, err := loc.DirtyFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read dirty marker: %w", err)
	}

	paths := set.Paths()
	for _, p := range paths {
		data, err := reader.ReadCommitted(ctx, "HEAD", p)
		switch {
		case err == nil:
			err = put(ctx, loc.Store, p, data)
		case errors.Is(err, git.ErrPathNotFound):
			err = remove(ctx, loc.Store, p)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to revert %s: %w", p, err)
		}
	}

	if err := loc.ClearDirtyFiles(ctx); err != nil {
		return nil, fmt.Errorf("failed to remove dirty marker: %w", err)
	}
	return paths, nil
}
