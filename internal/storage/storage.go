// Package storage provides the remote targets gut deploys to. Every backend
// implements the same Adapter capability set and is selected once, by the
// configured adapter kind, through New.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/schaermu/gut/internal/config"
)

// ErrNotFound is returned when the requested remote path does not exist
var ErrNotFound = errors.New("not found")

// ErrExists is returned by Write when the remote path already exists
var ErrExists = errors.New("already exists")

// EntryType distinguishes files from directories in a listing
type EntryType string

const (
	TypeFile EntryType = "file"
	TypeDir  EntryType = "dir"
)

// Entry is one item returned by ListContents. Path is relative to the
// adapter root and slash separated.
type Entry struct {
	Path string
	Type EntryType
}

// Adapter is the capability set of a remote target. Paths are slash
// separated and relative to the adapter root.
type Adapter interface {
	// Has reports whether a file or directory exists at path
	Has(ctx context.Context, path string) (bool, error)
	// Read returns the content of the file at path
	Read(ctx context.Context, path string) ([]byte, error)
	// Write creates a new file, failing with ErrExists if it is already present
	Write(ctx context.Context, path string, data []byte) error
	// Update overwrites an existing file, failing with ErrNotFound if it is absent
	Update(ctx context.Context, path string, data []byte) error
	// Copy duplicates the file at src to dst, overwriting dst
	Copy(ctx context.Context, src, dst string) error
	// Delete removes the file at path, failing with ErrNotFound if it is absent
	Delete(ctx context.Context, path string) error
	// DeleteDir removes the directory at path and everything below it
	DeleteDir(ctx context.Context, path string) error
	// Move renames src to dst
	Move(ctx context.Context, src, dst string) error
	// ListContents lists the entries below path
	ListContents(ctx context.Context, path string, recursive bool) ([]Entry, error)
	// Close releases connections held by the adapter
	Close() error
}

// Error describes a failed remote operation
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var serr *Error
	if errors.As(err, &serr) {
		return err
	}
	return &Error{Op: op, Path: p, Err: err}
}

// New creates the adapter for the configured kind
func New(ctx context.Context, cfg config.LocationConfig) (Adapter, error) {
	switch cfg.Adapter {
	case config.AdapterLocal:
		return NewLocal(cfg.Path)
	case config.AdapterMemory:
		return NewMemory(), nil
	case config.AdapterFTP:
		return NewFTP(ctx, cfg)
	case config.AdapterS3:
		return NewS3(ctx, cfg)
	case config.AdapterNull, "":
		return NewNull(), nil
	default:
		return nil, fmt.Errorf("unknown adapter: %s", cfg.Adapter)
	}
}

// normalize turns a caller supplied path into a clean relative path. The
// root itself is returned as "".
func normalize(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "/")
}
