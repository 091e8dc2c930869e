package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/gut/internal/config"
	"github.com/schaermu/gut/internal/git"
	"github.com/schaermu/gut/internal/storage"
)

// Status is the outcome of an operation on one location
type Status string

const (
	StatusNoChanges   Status = "no changes"
	StatusDeployed    Status = "deployed"
	StatusDeclined    Status = "declined"
	StatusDryRun      Status = "dry-run"
	StatusFailed      Status = "failed"
	StatusInitialized Status = "initialized"
)

// Report describes what happened on one location
type Report struct {
	Location string
	Status   Status
	From     string
	To       string
	Diff     git.Diff
	Purged   int
	Err      error
}

// Failed reports whether the location ended in an error
func (r Report) Failed() bool {
	return r.Status == StatusFailed
}

// ProgressFunc receives every completed remote operation of a location
type ProgressFunc func(location string, ev Event)

// ConfirmFunc decides whether a planned diff is applied to a location
type ConfirmFunc func(location string, diff git.Diff) bool

// DeployOptions tunes a Deploy run
type DeployOptions struct {
	DryRun     bool
	ForcePurge bool
	Confirm    ConfirmFunc
	Progress   ProgressFunc
}

// OpenFunc opens the storage adapter of a location
type OpenFunc func(ctx context.Context, cfg config.LocationConfig) (storage.Adapter, error)

// Option configures an Engine
type Option func(*Engine)

// WithLocations restricts the engine to the named locations
func WithLocations(names ...string) Option {
	return func(e *Engine) {
		e.selected = names
	}
}

// WithOpener replaces the adapter factory
func WithOpener(open OpenFunc) Option {
	return func(e *Engine) {
		e.open = open
	}
}

// Engine orchestrates deployments to every selected location
type Engine struct {
	cfg       *config.Config
	git       git.Client
	src       afero.Fs
	logger    *slog.Logger
	workspace *Workspace
	open      OpenFunc
	selected  []string
	names     []string
	locations map[string]*Location
}

// NewEngine creates a new sync engine. src is the working tree of the
// repository gitClient operates on.
func NewEngine(cfg *config.Config, gitClient git.Client, src afero.Fs, logger *slog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		git:       gitClient,
		src:       src,
		logger:    logger,
		workspace: NewWorkspace(gitClient, logger),
		open:      storage.New,
		locations: make(map[string]*Location),
	}
	for _, opt := range opts {
		opt(e)
	}

	names, err := cfg.Select(e.selected)
	if err != nil {
		return nil, err
	}
	e.names = names
	return e, nil
}

// Locations returns the selected location names in processing order
func (e *Engine) Locations() []string {
	return slices.Clone(e.names)
}

// Close releases every opened adapter
func (e *Engine) Close() error {
	var errs []error
	for name, loc := range e.locations {
		if err := loc.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	clear(e.locations)
	return errors.Join(errs...)
}

// location opens the adapter of name on first use
func (e *Engine) location(ctx context.Context, name string) (*Location, error) {
	if loc, ok := e.locations[name]; ok {
		return loc, nil
	}
	store, err := e.open(ctx, e.cfg.Locations[name])
	if err != nil {
		return nil, fmt.Errorf("failed to open location %s: %w", name, err)
	}
	loc := NewLocation(name, store, e.cfg)
	e.locations[name] = loc
	return loc, nil
}

// pending is a planned deploy waiting to be applied
type pending struct {
	loc    *Location
	report *Report
}

// Deploy brings every selected location to ref. Each location is diffed
// against its own revision marker, filtered, optionally confirmed and then
// applied with ref checked out in the working copy. Failures are recorded
// per location; the returned error is reserved for problems that affect
// the whole run, such as an unknown ref or a working copy that could not
// be switched or restored.
func (e *Engine) Deploy(ctx context.Context, ref string, opts DeployOptions) ([]Report, error) {
	target, err := git.Resolve(ctx, e.git, ref)
	if err != nil {
		return nil, err
	}

	e.logger.Info("starting deploy",
		"ref", ref,
		"revision", target,
		"locations", e.names,
		"dry_run", opts.DryRun)

	reports := make([]Report, len(e.names))
	var queue []pending
	for i, name := range e.names {
		reports[i] = Report{Location: name, To: target}
		r := &reports[i]

		loc, err := e.plan(ctx, name, r)
		if err != nil {
			r.Status, r.Err = StatusFailed, err
			e.logger.Error("failed to plan deploy", "location", name, "error", err)
			continue
		}
		if r.Status == StatusNoChanges {
			// nothing to deploy, but an explicit purge is still honored
			if opts.ForcePurge && !opts.DryRun {
				e.purgeDeployed(ctx, loc, r)
			}
			continue
		}

		if opts.DryRun {
			r.Status = StatusDryRun
			e.logPlanDetails(name, r.Diff)
			continue
		}
		if !r.Diff.Empty() && opts.Confirm != nil && !opts.Confirm(name, r.Diff) {
			r.Status = StatusDeclined
			e.logger.Info("deploy declined", "location", name)
			continue
		}
		queue = append(queue, pending{loc: loc, report: r})
	}

	if len(queue) == 0 {
		return reports, nil
	}

	run := func() error {
		for _, p := range queue {
			e.apply(ctx, p.loc, p.report, opts)
		}
		return nil
	}

	// pointer-only advances do not need the working copy
	needsCheckout := slices.ContainsFunc(queue, func(p pending) bool {
		return !p.report.Diff.Empty()
	})
	if !needsCheckout {
		return reports, run()
	}

	err = e.workspace.WithRevision(ctx, target, run)
	if err != nil {
		for _, p := range queue {
			if p.report.Status == "" {
				p.report.Status, p.report.Err = StatusFailed, err
			}
		}
		return reports, fmt.Errorf("failed to switch working copy: %w", err)
	}
	return reports, nil
}

// plan fills r with the filtered diff between the location's revision and
// r.To. A location that is already at r.To is reported as StatusNoChanges.
func (e *Engine) plan(ctx context.Context, name string, r *Report) (*Location, error) {
	loc, err := e.location(ctx, name)
	if err != nil {
		return nil, err
	}

	deployed, err := loc.Revision(ctx)
	if err != nil {
		return nil, err
	}
	from, err := git.Resolve(ctx, e.git, deployed)
	if err != nil {
		return nil, fmt.Errorf("deployed revision of %s: %w", name, err)
	}
	r.From = from

	if from == r.To {
		r.Status = StatusNoChanges
		e.logger.Info("location up to date", "location", name, "revision", from)
		return loc, nil
	}

	diff, err := git.ComputeDiff(ctx, e.git, from, r.To)
	if err != nil {
		return nil, err
	}
	r.Diff = Filter(diff, loc.Skip)

	e.logger.Info("deploy plan",
		"location", name,
		"from", from,
		"to", r.To,
		"added", len(r.Diff.Added),
		"modified", len(r.Diff.Modified),
		"deleted", len(r.Diff.Deleted),
		"skipped", diff.Len()-r.Diff.Len())
	return loc, nil
}

// apply runs the planned diff of one location and purges when required
func (e *Engine) apply(ctx context.Context, loc *Location, r *Report, opts DeployOptions) {
	for ev, err := range Apply(ctx, e.src, loc, r.Diff, r.To) {
		if err != nil {
			r.Status, r.Err = StatusFailed, err
			e.logger.Error("deploy failed", "location", loc.Name, "path", ev.Path, "error", err)
			return
		}
		e.logger.Debug("applied", "location", loc.Name, "op", ev.Op, "path", ev.Path)
		if opts.Progress != nil {
			opts.Progress(loc.Name, ev)
		}
	}

	if r.Diff.Empty() {
		r.Status = StatusNoChanges
		e.logger.Info("advanced revision marker", "location", loc.Name, "revision", r.To)
	} else {
		r.Status = StatusDeployed
		e.logger.Info("deploy completed", "location", loc.Name, "revision", r.To, "files", r.Diff.Len())
	}

	if opts.ForcePurge || ShouldPurge(r.Diff, loc.PurgeOn) {
		e.purgeDeployed(ctx, loc, r)
	}
}

// purgeDeployed purges a location whose revision marker is already up to
// date. A later deploy will not retry a failed purge, so the error says how
// to finish it.
func (e *Engine) purgeDeployed(ctx context.Context, loc *Location, r *Report) {
	n, err := e.purge(ctx, loc)
	r.Purged = n
	if err != nil {
		r.Status = StatusFailed
		r.Err = fmt.Errorf("purge failed after %s was recorded, run `gut purge` to retry: %w", shortHash(r.To), err)
		e.logger.Error("purge failed", "location", loc.Name, "error", err)
	}
}

func shortHash(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}

// logPlanDetails logs the planned operations of a dry-run
func (e *Engine) logPlanDetails(name string, diff git.Diff) {
	for _, p := range diff.Added {
		e.logger.Info("[dry-run] would upload", "location", name, "path", p)
	}
	for _, p := range diff.Modified {
		e.logger.Info("[dry-run] would update", "location", name, "path", p)
	}
	for _, p := range diff.Deleted {
		e.logger.Info("[dry-run] would delete", "location", name, "path", p)
	}
}

// Init records ref as deployed on every selected location without
// transferring any file
func (e *Engine) Init(ctx context.Context, ref string) ([]Report, error) {
	target, err := git.Resolve(ctx, e.git, ref)
	if err != nil {
		return nil, err
	}

	return e.each(ctx, func(loc *Location, r *Report) error {
		r.To = target
		if prev, err := loc.Revision(ctx); err == nil {
			r.From = prev
		}
		if err := loc.SetRevision(ctx, target); err != nil {
			return err
		}
		r.Status = StatusInitialized
		e.logger.Info("initialized location", "location", loc.Name, "revision", target)
		return nil
	}), nil
}

// UploadFolder uploads every file below folder in the working tree to
// every selected location. Skip patterns apply; the revision marker is
// left untouched.
func (e *Engine) UploadFolder(ctx context.Context, folder string, progress ProgressFunc) ([]Report, error) {
	files, err := e.walk(folder)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files below %s", folder)
	}

	return e.each(ctx, func(loc *Location, r *Report) error {
		paths := keep(files, loc.Skip)
		r.Diff = git.Diff{Added: paths}
		for i, p := range paths {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := upload(ctx, e.src, loc.Store, p); err != nil {
				return fmt.Errorf("%s %s: %w", OpUpload, p, err)
			}
			if progress != nil {
				progress(loc.Name, Event{Op: OpUpload, Path: p, Index: i + 1, Total: len(paths)})
			}
		}
		r.Status = StatusDeployed
		e.logger.Info("uploaded folder", "location", loc.Name, "folder", folder, "files", len(paths))
		return nil
	}), nil
}

// walk lists the files below folder in the working tree
func (e *Engine) walk(folder string) ([]string, error) {
	folder = path.Clean(filepath.ToSlash(folder))
	var files []string
	err := afero.Walk(e.src, folder, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, strings.TrimPrefix(path.Clean(filepath.ToSlash(p)), "/"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", folder, err)
	}
	return files, nil
}

// Uncommitted returns the uncommitted changes of the working copy
func (e *Engine) Uncommitted(ctx context.Context) (git.Diff, error) {
	return e.git.Status(ctx)
}

// PushDirty uploads uncommitted paths to every selected location and tracks
// them in the dirty marker
func (e *Engine) PushDirty(ctx context.Context, paths []string) ([]Report, error) {
	if len(paths) == 0 {
		return nil, errors.New("no paths to push")
	}

	return e.each(ctx, func(loc *Location, r *Report) error {
		selected := keep(paths, loc.Skip)
		r.Diff = git.Diff{Modified: selected}
		if err := PushUncommitted(ctx, e.src, loc, selected); err != nil {
			return err
		}
		r.Status = StatusDeployed
		e.logger.Info("pushed uncommitted files", "location", loc.Name, "files", len(selected))
		return nil
	}), nil
}

// CleanDirty reverts every tracked dirty file to its committed content
func (e *Engine) CleanDirty(ctx context.Context) ([]Report, error) {
	return e.each(ctx, func(loc *Location, r *Report) error {
		reverted, err := Clean(ctx, e.git, loc)
		if err != nil {
			return err
		}
		r.Diff = git.Diff{Modified: reverted}
		if len(reverted) == 0 {
			r.Status = StatusNoChanges
			return nil
		}
		r.Status = StatusDeployed
		e.logger.Info("reverted dirty files", "location", loc.Name, "files", len(reverted))
		return nil
	}), nil
}

// PurgeFolders clears every configured purge folder of the selected
// locations
func (e *Engine) PurgeFolders(ctx context.Context) ([]Report, error) {
	return e.each(ctx, func(loc *Location, r *Report) error {
		n, err := e.purge(ctx, loc)
		r.Purged = n
		if err != nil {
			return err
		}
		r.Status = StatusDeployed
		if n == 0 {
			r.Status = StatusNoChanges
		}
		return nil
	}), nil
}

func (e *Engine) purge(ctx context.Context, loc *Location) (int, error) {
	total := 0
	for _, folder := range loc.PurgeFolders {
		n, err := Purge(ctx, loc, folder)
		total += n
		if err != nil {
			return total, err
		}
		e.logger.Info("purged folder", "location", loc.Name, "folder", folder, "removed", n)
	}
	return total, nil
}

// each runs fn on every selected location and collects the reports. An
// error returned by fn marks that location as failed.
func (e *Engine) each(ctx context.Context, fn func(loc *Location, r *Report) error) []Report {
	reports := make([]Report, 0, len(e.names))
	for _, name := range e.names {
		r := Report{Location: name}
		loc, err := e.location(ctx, name)
		if err == nil {
			err = fn(loc, &r)
		}
		if err != nil {
			r.Status, r.Err = StatusFailed, err
			e.logger.Error("operation failed", "location", name, "error", err)
		}
		reports = append(reports, r)
	}
	return reports
}

// LocationState summarizes the deployment state of a location
type LocationState struct {
	Location string
	Revision string
	// Behind is the number of commits between Revision and HEAD, or -1 when
	// Revision is not part of the current history
	Behind int
	Dirty  []string
	Err    error
}

// Status reports the deployed revision of every selected location
func (e *Engine) Status(ctx context.Context) ([]LocationState, error) {
	history, err := e.git.Log(ctx)
	if err != nil {
		return nil, err
	}

	states := make([]LocationState, 0, len(e.names))
	for _, name := range e.names {
		st := LocationState{Location: name, Behind: -1}
		st.Err = e.status(ctx, name, history, &st)
		states = append(states, st)
	}
	return states, nil
}

func (e *Engine) status(ctx context.Context, name string, history []string, st *LocationState) error {
	loc, err := e.location(ctx, name)
	if err != nil {
		return err
	}
	rev, err := loc.Revision(ctx)
	if err != nil {
		return err
	}
	st.Revision = rev

	if hash, err := git.Resolve(ctx, e.git, rev); err == nil {
		st.Behind = slices.Index(history, hash)
	}

	dirty, err := loc.DirtyFiles(ctx)
	if err != nil {
		return err
	}
	st.Dirty = dirty.Paths()
	return nil
}
