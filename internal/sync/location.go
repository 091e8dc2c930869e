package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/gut/internal/config"
	"github.com/schaermu/gut/internal/storage"
)

// Location is a named deployment target with its filter and purge settings
type Location struct {
	Name         string
	Store        storage.Adapter
	RevisionFile string
	DirtyFile    string
	Skip         []string
	PurgeFolders []string
	PurgeOn      []string
}

// NewLocation binds an opened adapter to the configuration of location name
func NewLocation(name string, store storage.Adapter, cfg *config.Config) *Location {
	lc := cfg.Locations[name]
	return &Location{
		Name:         name,
		Store:        store,
		RevisionFile: cfg.RevisionFile,
		DirtyFile:    cfg.DirtyFile(),
		Skip:         lc.Skip,
		PurgeFolders: lc.Purge,
		PurgeOn:      lc.PurgeOn,
	}
}

// Revision returns the last revision fully deployed to the location
func (l *Location) Revision(ctx context.Context) (string, error) {
	data, err := l.Store.Read(ctx, l.RevisionFile)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s has no %s", ErrNotInitialized, l.Name, l.RevisionFile)
		}
		return "", err
	}
	rev := strings.TrimSpace(string(data))
	if rev == "" {
		return "", fmt.Errorf("%w: %s has an empty %s", ErrNotInitialized, l.Name, l.RevisionFile)
	}
	return rev, nil
}

// SetRevision records rev as the last deployed revision
func (l *Location) SetRevision(ctx context.Context, rev string) error {
	return put(ctx, l.Store, l.RevisionFile, []byte(strings.TrimSpace(rev)))
}

// DirtyFiles returns the files pushed outside of a commit deploy. A missing
// marker yields an empty set.
func (l *Location) DirtyFiles(ctx context.Context) (DirtySet, error) {
	data, err := l.Store.Read(ctx, l.DirtyFile)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return make(DirtySet), nil
		}
		return nil, err
	}
	return ParseDirtySet(data), nil
}

// SaveDirtyFiles persists the dirty set
func (l *Location) SaveDirtyFiles(ctx context.Context, set DirtySet) error {
	return put(ctx, l.Store, l.DirtyFile, set.Bytes())
}

// ClearDirtyFiles removes the dirty marker
func (l *Location) ClearDirtyFiles(ctx context.Context) error {
	return remove(ctx, l.Store, l.DirtyFile)
}

// put creates or overwrites a remote file
func put(ctx context.Context, store storage.Adapter, p string, data []byte) error {
	exists, err := store.Has(ctx, p)
	if err != nil {
		return err
	}
	if exists {
		return store.Update(ctx, p, data)
	}
	return store.Write(ctx, p, data)
}

// remove deletes a remote file; a missing file is not an error
func remove(ctx context.Context, store storage.Adapter, p string) error {
	if err := store.Delete(ctx, p); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}
