package sync

import (
	"context"
	"fmt"
	"iter"

	"github.com/spf13/afero"

	"github.com/schaermu/gut/internal/git"
	"github.com/schaermu/gut/internal/storage"
)

// Op is the kind of remote operation an Event reports
type Op string

const (
	OpUpload   Op = "upload"
	OpDelete   Op = "delete"
	OpRevision Op = "revision"
)

// Event reports one completed remote operation. Index counts file
// operations from 1 to Total; the final OpRevision event carries Index ==
// Total.
type Event struct {
	Op    Op
	Path  string
	Index int
	Total int
}

// Apply returns the sequence of remote operations that moves loc to
// revision. Nothing happens until the sequence is ranged over, and it can be
// consumed only once. Uploads run before deletes: added paths first, then
// modified, then deleted. The revision marker is written only after every
// file operation succeeded, so an interrupted or failed apply leaves the
// location at its previous revision and a later run picks up where this one
// stopped. The first error ends the sequence.
func Apply(ctx context.Context, src afero.Fs, loc *Location, diff git.Diff, revision string) iter.Seq2[Event, error] {
	consumed := false
	return func(yield func(Event, error) bool) {
		if consumed {
			yield(Event{}, errConsumed)
			return
		}
		consumed = true

		total := diff.Len()
		index := 0
		step := func(op Op, p string, fn func() error) bool {
			index++
			ev := Event{Op: op, Path: p, Index: index, Total: total}
			if err := ctx.Err(); err != nil {
				yield(ev, err)
				return false
			}
			if err := fn(); err != nil {
				yield(ev, fmt.Errorf("%s %s: %w", op, p, err))
				return false
			}
			return yield(ev, nil)
		}

		for _, p := range append(append([]string{}, diff.Added...), diff.Modified...) {
			if !step(OpUpload, p, func() error { return upload(ctx, src, loc.Store, p) }) {
				return
			}
		}
		for _, p := range diff.Deleted {
			if !step(OpDelete, p, func() error { return remove(ctx, loc.Store, p) }) {
				return
			}
		}

		ev := Event{Op: OpRevision, Path: loc.RevisionFile, Index: total, Total: total}
		if err := loc.SetRevision(ctx, revision); err != nil {
			yield(ev, fmt.Errorf("failed to record revision: %w", err))
			return
		}
		yield(ev, nil)
	}
}

// upload copies the working tree version of p to the location
func upload(ctx context.Context, src afero.Fs, store storage.Adapter, p string) error {
	data, err := afero.ReadFile(src, p)
	if err != nil {
		return fmt.Errorf("failed to read local file: %w", err)
	}
	return put(ctx, store, p, data)
}
