package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Client provides the git operations the deployment engine relies on
type Client interface {
	// RevParse resolves a reference to a full commit hash
	RevParse(ctx context.Context, ref string) (string, error)
	// DiffNameStatus returns the NUL-separated fields of `git diff --name-status -z`
	// between two revisions
	DiffNameStatus(ctx context.Context, from, to string) ([]string, error)
	// Stash saves all local modifications including untracked files.
	// It reports whether a stash entry was actually created.
	Stash(ctx context.Context) (bool, error)
	// StashPop re-applies the most recent stash entry
	StashPop(ctx context.Context) error
	// Checkout switches the working copy to ref
	Checkout(ctx context.Context, ref string) error
	// CurrentBranch returns the checked out branch, or the commit hash on a detached HEAD
	CurrentBranch(ctx context.Context) (string, error)
	// Status returns the uncommitted changes of the working copy
	Status(ctx context.Context) (Diff, error)
	// Log returns the commit hashes reachable from HEAD, newest first
	Log(ctx context.Context) ([]string, error)
	// ReadCommitted returns the content of path as committed in rev
	ReadCommitted(ctx context.Context, rev, path string) ([]byte, error)
}

// ShellClient implements Client by shelling out to the git command.
// History reads (Log, ReadCommitted) go through go-git instead.
type ShellClient struct {
	dir string
}

// NewShellClient creates a new git client operating on the working copy at dir
func NewShellClient(dir string) *ShellClient {
	return &ShellClient{dir: dir}
}

// Dir returns the working copy directory
func (c *ShellClient) Dir() string {
	return c.dir
}

// RevParse resolves ref to a full commit hash
func (c *ShellClient) RevParse(ctx context.Context, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("%w: empty reference", ErrRevisionNotFound)
	}
	out, err := c.output(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRevisionNotFound, ref)
	}
	return strings.TrimSpace(out), nil
}

// DiffNameStatus lists changed paths between two revisions. Rename detection
// is disabled so a rename shows up as a deletion plus an addition.
func (c *ShellClient) DiffNameStatus(ctx context.Context, from, to string) ([]string, error) {
	out, err := c.output(ctx, "diff", "--name-status", "-z", "--no-renames", from, to, "--")
	if err != nil {
		return nil, fmt.Errorf("git diff failed: %w", err)
	}
	return splitFields(out), nil
}

// Stash saves local modifications and untracked files
func (c *ShellClient) Stash(ctx context.Context) (bool, error) {
	before := c.stashRef(ctx)
	if err := c.run(ctx, "stash", "push", "--include-untracked", "--message", "gut: temporary checkout"); err != nil {
		return false, fmt.Errorf("git stash failed: %w", err)
	}
	return c.stashRef(ctx) != before, nil
}

// StashPop re-applies the most recent stash entry
func (c *ShellClient) StashPop(ctx context.Context) error {
	if err := c.run(ctx, "stash", "pop"); err != nil {
		return fmt.Errorf("%w: %w", ErrStashPopConflict, err)
	}
	return nil
}

// Checkout switches the working copy to ref
func (c *ShellClient) Checkout(ctx context.Context, ref string) error {
	if err := c.run(ctx, "checkout", "--quiet", ref); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCheckoutFailed, ref, err)
	}
	return nil
}

// Pull fast-forwards the current branch from its upstream. It refuses to
// create merge commits.
func (c *ShellClient) Pull(ctx context.Context) error {
	if err := c.run(ctx, "pull", "--ff-only", "--quiet"); err != nil {
		return fmt.Errorf("git pull failed: %w", err)
	}
	return nil
}

// CurrentBranch returns the short branch name, falling back to the commit
// hash when HEAD is detached
func (c *ShellClient) CurrentBranch(ctx context.Context) (string, error) {
	if out, err := c.output(ctx, "symbolic-ref", "--short", "--quiet", "HEAD"); err == nil {
		return strings.TrimSpace(out), nil
	}
	out, err := c.output(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to determine current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Status returns the uncommitted changes of the working copy
func (c *ShellClient) Status(ctx context.Context) (Diff, error) {
	out, err := c.output(ctx, "status", "--porcelain", "-z", "--untracked-files=all")
	if err != nil {
		return Diff{}, fmt.Errorf("git status failed: %w", err)
	}
	return ParseStatus(splitFields(out)), nil
}

// stashRef returns the hash of the newest stash entry or "" if there is none
func (c *ShellClient) stashRef(ctx context.Context) string {
	out, err := c.output(ctx, "rev-parse", "--quiet", "--verify", "refs/stash")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func (c *ShellClient) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"-C", c.dir, "-c", "core.quotePath=false"}, args...)
	return exec.CommandContext(ctx, "git", full...)
}

// run executes a git command and returns an error with its output on failure
func (c *ShellClient) run(ctx context.Context, args ...string) error {
	output, err := c.command(ctx, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// output executes a git command and returns its stdout
func (c *ShellClient) output(ctx context.Context, args ...string) (string, error) {
	out, err := c.command(ctx, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return string(out), nil
}

// splitFields splits NUL-terminated -z output. Paths are passed through
// verbatim, git does not quote them in this mode.
func splitFields(s string) []string {
	s = strings.TrimSuffix(s, "\x00")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}
