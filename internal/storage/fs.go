package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// FsAdapter stores files on an afero filesystem. It backs both the local
// disk adapter and the in-memory adapter.
type FsAdapter struct {
	fs afero.Fs
}

// NewLocal creates an adapter rooted at an existing directory on disk
func NewLocal(root string) (*FsAdapter, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("directory %s doesn't exist: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return NewFs(afero.NewBasePathFs(afero.NewOsFs(), root)), nil
}

// NewMemory creates an adapter that keeps everything in memory
func NewMemory() *FsAdapter {
	return NewFs(afero.NewMemMapFs())
}

// NewFs wraps an arbitrary afero filesystem
func NewFs(fs afero.Fs) *FsAdapter {
	return &FsAdapter{fs: fs}
}

func (a *FsAdapter) Has(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := afero.Exists(a.fs, rooted(p))
	return ok, wrap("has", p, err)
}

func (a *FsAdapter) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(a.fs, rooted(p))
	if err != nil {
		return nil, wrap("read", p, translateFsError(err))
	}
	return data, nil
}

func (a *FsAdapter) Write(ctx context.Context, p string, data []byte) error {
	exists, err := a.Has(ctx, p)
	if err != nil {
		return err
	}
	if exists {
		return wrap("write", p, ErrExists)
	}
	return wrap("write", p, a.put(p, data))
}

func (a *FsAdapter) Update(ctx context.Context, p string, data []byte) error {
	exists, err := a.Has(ctx, p)
	if err != nil {
		return err
	}
	if !exists {
		return wrap("update", p, ErrNotFound)
	}
	return wrap("update", p, a.put(p, data))
}

func (a *FsAdapter) Copy(ctx context.Context, src, dst string) error {
	data, err := a.Read(ctx, src)
	if err != nil {
		return err
	}
	return wrap("copy", dst, a.put(dst, data))
}

func (a *FsAdapter) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := a.fs.Stat(rooted(p))
	if err != nil {
		return wrap("delete", p, translateFsError(err))
	}
	if info.IsDir() {
		return wrap("delete", p, fmt.Errorf("is a directory"))
	}
	return wrap("delete", p, a.fs.Remove(rooted(p)))
}

func (a *FsAdapter) DeleteDir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if normalize(p) == "" {
		return wrap("delete_dir", p, fmt.Errorf("refusing to delete the adapter root"))
	}
	return wrap("delete_dir", p, a.fs.RemoveAll(rooted(p)))
}

func (a *FsAdapter) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.fs.MkdirAll(path.Dir(rooted(dst)), 0755); err != nil {
		return wrap("move", dst, err)
	}
	if err := a.fs.Rename(rooted(src), rooted(dst)); err != nil {
		return wrap("move", src, translateFsError(err))
	}
	return nil
}

func (a *FsAdapter) ListContents(ctx context.Context, p string, recursive bool) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := rooted(p)

	var entries []Entry
	if !recursive {
		infos, err := afero.ReadDir(a.fs, root)
		if err != nil {
			return nil, wrap("list", p, translateFsError(err))
		}
		for _, info := range infos {
			entries = append(entries, entryFor(path.Join(root, info.Name()), info.IsDir()))
		}
		return entries, nil
	}

	err := afero.Walk(a.fs, root, func(walked string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		walked = path.Clean(strings.ReplaceAll(walked, "\\", "/"))
		if walked == root {
			return nil
		}
		entries = append(entries, entryFor(walked, info.IsDir()))
		return nil
	})
	if err != nil {
		return nil, wrap("list", p, translateFsError(err))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (a *FsAdapter) Close() error {
	return nil
}

func (a *FsAdapter) put(p string, data []byte) error {
	full := rooted(p)
	if err := a.fs.MkdirAll(path.Dir(full), 0755); err != nil {
		return err
	}
	return afero.WriteFile(a.fs, full, data, 0644)
}

// rooted returns the absolute path inside the afero filesystem
func rooted(p string) string {
	return "/" + normalize(p)
}

func entryFor(full string, dir bool) Entry {
	e := Entry{Path: strings.TrimPrefix(full, "/"), Type: TypeFile}
	if dir {
		e.Type = TypeDir
	}
	return e
}

func translateFsError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
