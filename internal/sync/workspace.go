package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/schaermu/gut/internal/git"
)

// Workspace switches the local working copy to a historical revision and
// back. Only one revision can be checked out at a time, so the workspace
// acts as an exclusive lock held from Begin to End.
type Workspace struct {
	git    git.Client
	logger *slog.Logger
	held   atomic.Bool
}

// Snapshot records what Begin changed so End can undo it
type Snapshot struct {
	Branch  string // branch (or detached commit) checked out before Begin
	Stashed bool   // whether Begin created a stash entry
	Target  string
}

// NewWorkspace creates a workspace operating through gitClient
func NewWorkspace(gitClient git.Client, logger *slog.Logger) *Workspace {
	return &Workspace{git: gitClient, logger: logger}
}

// Begin stashes local changes including untracked files, remembers the
// current branch and checks out target. If the checkout fails the stash is
// popped again so the repository is left as it was.
func (w *Workspace) Begin(ctx context.Context, target string) (*Snapshot, error) {
	if !w.held.CompareAndSwap(false, true) {
		return nil, ErrWorkspaceBusy
	}
	snap, err := w.begin(ctx, target)
	if err != nil {
		w.held.Store(false)
		return nil, err
	}
	return snap, nil
}

func (w *Workspace) begin(ctx context.Context, target string) (*Snapshot, error) {
	stashed, err := w.git.Stash(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Stashed: stashed, Target: target}

	snap.Branch, err = w.git.CurrentBranch(ctx)
	if err != nil {
		return nil, errors.Join(err, w.unstash(ctx, snap))
	}

	if err := w.git.Checkout(ctx, target); err != nil {
		return nil, errors.Join(err, w.unstash(ctx, snap))
	}

	w.logger.Info("switched working copy",
		"branch", snap.Branch,
		"target", target,
		"stashed", stashed)
	return snap, nil
}

// End checks out the original branch and re-applies the stash. A failing
// stash pop is fatal: the entry stays in the stash list and has to be
// applied by hand.
func (w *Workspace) End(ctx context.Context, snap *Snapshot) error {
	defer w.held.Store(false)

	if err := w.git.Checkout(ctx, snap.Branch); err != nil {
		w.logger.Error("failed to restore working copy, run `git checkout` and `git stash pop` manually",
			"branch", snap.Branch,
			"stashed", snap.Stashed)
		return fmt.Errorf("failed to restore %s: %w", snap.Branch, err)
	}
	if err := w.unstash(ctx, snap); err != nil {
		w.logger.Error("failed to re-apply stashed changes, resolve and run `git stash pop` manually",
			"branch", snap.Branch)
		return err
	}

	w.logger.Debug("restored working copy", "branch", snap.Branch)
	return nil
}

// WithRevision runs fn with target checked out. The original branch and
// stash are restored on every exit path, including panics and cancelled
// contexts.
func (w *Workspace) WithRevision(ctx context.Context, target string, fn func() error) (err error) {
	snap, err := w.Begin(ctx, target)
	if err != nil {
		return err
	}
	defer func() {
		if endErr := w.End(context.WithoutCancel(ctx), snap); endErr != nil {
			err = errors.Join(err, endErr)
		}
	}()
	return fn()
}

func (w *Workspace) unstash(ctx context.Context, snap *Snapshot) error {
	if !snap.Stashed {
		return nil
	}
	return w.git.StashPop(ctx)
}
