package sync

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/schaermu/gut/internal/config"
	"github.com/schaermu/gut/internal/git"
	"github.com/schaermu/gut/internal/storage"
	"github.com/schaermu/gut/internal/testutil"
)

type fixture struct {
	dir    string
	stores map[string]*recordingStore
	engine *Engine
}

// newFixture creates a repository and an engine deploying it to one memory
// store per location. Locations with the adapter "broken" fail to open.
func newFixture(t *testing.T, locations map[string]config.LocationConfig, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		dir:    testutil.InitRepo(t),
		stores: make(map[string]*recordingStore),
	}

	cfg := &config.Config{
		RevisionFile: config.DefaultRevisionFile,
		RepoDir:      f.dir,
		Locations:    make(map[string]config.LocationConfig),
	}
	for name, lc := range locations {
		lc.Path = name
		cfg.Locations[name] = lc
		f.stores[name] = newRecordingStore()
	}

	open := func(_ context.Context, lc config.LocationConfig) (storage.Adapter, error) {
		if lc.Adapter == "broken" {
			return nil, errBoom
		}
		return f.stores[lc.Path], nil
	}

	src := afero.NewBasePathFs(afero.NewOsFs(), f.dir)
	engine, err := NewEngine(cfg, git.NewShellClient(f.dir), src, testLogger(), append([]Option{WithOpener(open)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	f.engine = engine
	return f
}

func (f *fixture) init(t *testing.T) {
	t.Helper()
	reports, err := f.engine.Init(context.Background(), "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range reports {
		if r.Status != StatusInitialized {
			t.Fatalf("init %s: %s %v", r.Location, r.Status, r.Err)
		}
	}
	for _, s := range f.stores {
		s.reset()
	}
}

func (f *fixture) revision(t *testing.T, name string) string {
	t.Helper()
	return readRemote(t, f.stores[name], config.DefaultRevisionFile)
}

func reportFor(t *testing.T, reports []Report, name string) Report {
	t.Helper()
	for _, r := range reports {
		if r.Location == name {
			return r
		}
	}
	t.Fatalf("no report for %s", name)
	return Report{}
}

func TestNewEngine_UnknownLocation(t *testing.T) {
	cfg := &config.Config{Locations: map[string]config.LocationConfig{"prod": {}}}
	_, err := NewEngine(cfg, git.NewShellClient(t.TempDir()), afero.NewMemMapFs(), testLogger(), WithLocations("nope"))
	if err == nil {
		t.Error("expected an error for an unknown location")
	}
}

func TestDeploy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{"prod": {}, "staging": {}})

	testutil.WriteFile(t, f.dir, "index.php", "v1")
	testutil.WriteFile(t, f.dir, "old.php", "old")
	c1 := testutil.Commit(t, f.dir, "first")
	f.init(t)

	testutil.WriteFile(t, f.dir, "index.php", "v2")
	testutil.WriteFile(t, f.dir, "lib/new.php", "new")
	testutil.RemoveFile(t, f.dir, "old.php")
	c2 := testutil.Commit(t, f.dir, "second")

	var events []string
	reports, err := f.engine.Deploy(ctx, "HEAD", DeployOptions{
		Progress: func(name string, ev Event) {
			events = append(events, name+" "+string(ev.Op)+" "+ev.Path)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := f.engine.Locations(); !reflect.DeepEqual(got, []string{"prod", "staging"}) {
		t.Errorf("Locations() = %v", got)
	}
	for _, name := range []string{"prod", "staging"} {
		r := reportFor(t, reports, name)
		if r.Status != StatusDeployed {
			t.Fatalf("%s: status %s, err %v", name, r.Status, r.Err)
		}
		if r.From != c1 || r.To != c2 {
			t.Errorf("%s: from %s to %s, want %s to %s", name, r.From, r.To, c1, c2)
		}
		want := git.Diff{Added: []string{"lib/new.php"}, Modified: []string{"index.php"}, Deleted: []string{"old.php"}}
		if !reflect.DeepEqual(r.Diff, want) {
			t.Errorf("%s: diff %+v, want %+v", name, r.Diff, want)
		}

		store := f.stores[name]
		if got := readRemote(t, store, "index.php"); got != "v2" {
			t.Errorf("%s: index.php = %q", name, got)
		}
		if got := readRemote(t, store, "lib/new.php"); got != "new" {
			t.Errorf("%s: lib/new.php = %q", name, got)
		}
		if got := f.revision(t, name); got != c2 {
			t.Errorf("%s: revision = %s, want %s", name, got, c2)
		}
	}

	wantEvents := []string{
		"prod upload lib/new.php", "prod upload index.php", "prod delete old.php", "prod revision .revision",
		"staging upload lib/new.php", "staging upload index.php", "staging delete old.php", "staging revision .revision",
	}
	if !reflect.DeepEqual(events, wantEvents) {
		t.Errorf("events = %v, want %v", events, wantEvents)
	}

	if got := testutil.Git(t, f.dir, "rev-parse", "--abbrev-ref", "HEAD"); got != "main" {
		t.Errorf("working copy left on %s", got)
	}
}

func TestDeploy_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{"prod": {}})
	testutil.WriteFile(t, f.dir, "a.txt", "a")
	testutil.Commit(t, f.dir, "first")
	f.init(t)
	testutil.WriteFile(t, f.dir, "a.txt", "b")
	testutil.Commit(t, f.dir, "second")

	if _, err := f.engine.Deploy(ctx, "HEAD", DeployOptions{}); err != nil {
		t.Fatal(err)
	}
	f.stores["prod"].reset()

	reports, err := f.engine.Deploy(ctx, "HEAD", DeployOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if r := reportFor(t, reports, "prod"); r.Status != StatusNoChanges {
		t.Errorf("status = %s, want %s", r.Status, StatusNoChanges)
	}
	if ops := f.stores["prod"].ops; len(ops) != 0 {
		t.Errorf("second deploy performed operations: %v", ops)
	}
}

// only skipped files changed: the revision marker advances without any
// file operation
func TestDeploy_SkippedChangesAdvanceRevision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{"prod": {Skip: []string{"*.md"}}})
	testutil.WriteFile(t, f.dir, "index.php", "x")
	testutil.WriteFile(t, f.dir, "README.md", "one")
	testutil.Commit(t, f.dir, "first")
	f.init(t)
	testutil.WriteFile(t, f.dir, "README.md", "two")
	head := testutil.Commit(t, f.dir, "docs")

	confirmed := false
	reports, err := f.engine.Deploy(ctx, "HEAD", DeployOptions{
		Confirm: func(string, git.Diff) bool {
			confirmed = true
			return true
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	r := reportFor(t, reports, "prod")
	if r.Status != StatusNoChanges || !r.Diff.Empty() {
		t.Errorf("report = %+v", r)
	}
	if confirmed {
		t.Error("an empty plan must not be confirmed")
	}
	if got := f.revision(t, "prod"); got != head {
		t.Errorf("revision = %s, want %s", got, head)
	}
	if want := []string{"update .revision"}; !reflect.DeepEqual(f.stores["prod"].ops, want) {
		t.Errorf("ops = %v, want %v", f.stores["prod"].ops, want)
	}
}

func TestDeploy_Rollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{"prod": {}})
	testutil.WriteFile(t, f.dir, "index.php", "v1")
	c1 := testutil.Commit(t, f.dir, "first")
	f.init(t)
	testutil.WriteFile(t, f.dir, "index.php", "v2")
	testutil.WriteFile(t, f.dir, "feature.php", "feature")
	testutil.Commit(t, f.dir, "second")

	if _, err := f.engine.Deploy(ctx, "HEAD", DeployOptions{}); err != nil {
		t.Fatal(err)
	}

	// uncommitted work must survive the temporary checkout
	testutil.WriteFile(t, f.dir, "index.php", "wip")

	reports, err := f.engine.Deploy(ctx, "HEAD^", DeployOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if r := reportFor(t, reports, "prod"); r.Status != StatusDeployed || r.To != c1 {
		t.Fatalf("report = %+v", r)
	}

	store := f.stores["prod"]
	if got := readRemote(t, store, "index.php"); got != "v1" {
		t.Errorf("index.php = %q, want v1", got)
	}
	if hasRemote(t, store, "feature.php") {
		t.Error("feature.php should be deleted by the rollback")
	}
	if got := f.revision(t, "prod"); got != c1 {
		t.Errorf("revision = %s, want %s", got, c1)
	}

	if got := testutil.Git(t, f.dir, "status", "--porcelain"); got != "M index.php" {
		t.Errorf("working copy status = %q", got)
	}
	if n := testutil.StashCount(t, f.dir); n != 0 {
		t.Errorf("stash count = %d, want 0", n)
	}
}

func TestDeploy_FailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{
		"broken": {Adapter: "broken"},
		"fresh":  {},
		"good":   {},
		"flaky":  {},
	})
	testutil.WriteFile(t, f.dir, "a.txt", "a")
	c1 := testutil.Commit(t, f.dir, "first")
	for _, name := range []string{"good", "flaky"} {
		if err := testLocation(f.stores[name]).SetRevision(ctx, c1); err != nil {
			t.Fatal(err)
		}
	}
	testutil.WriteFile(t, f.dir, "b.txt", "b")
	c2 := testutil.Commit(t, f.dir, "second")
	f.stores["flaky"].failOn = "b.txt"

	reports, err := f.engine.Deploy(ctx, "HEAD", DeployOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if r := reportFor(t, reports, "broken"); !r.Failed() || !errors.Is(r.Err, errBoom) {
		t.Errorf("broken: %+v", r)
	}
	if r := reportFor(t, reports, "fresh"); !r.Failed() || !errors.Is(r.Err, ErrNotInitialized) {
		t.Errorf("fresh: %+v", r)
	}
	if r := reportFor(t, reports, "flaky"); !r.Failed() || !errors.Is(r.Err, errBoom) {
		t.Errorf("flaky: %+v", r)
	}
	if got := f.revision(t, "flaky"); got != c1 {
		t.Errorf("flaky revision = %s, must stay at %s", got, c1)
	}
	if r := reportFor(t, reports, "good"); r.Status != StatusDeployed {
		t.Errorf("good: %+v", r)
	}
	if got := f.revision(t, "good"); got != c2 {
		t.Errorf("good revision = %s, want %s", got, c2)
	}
}

func TestDeploy_UnknownRevisions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{"prod": {}})
	testutil.WriteFile(t, f.dir, "a.txt", "a")
	testutil.Commit(t, f.dir, "first")

	if _, err := f.engine.Deploy(ctx, "no-such-ref", DeployOptions{}); !errors.Is(err, git.ErrRevisionNotFound) {
		t.Errorf("expected ErrRevisionNotFound, got %v", err)
	}

	// a revision marker pointing outside the local history
	if err := testLocation(f.stores["prod"]).SetRevision(ctx, "0123456789abcdef0123456789abcdef01234567"); err != nil {
		t.Fatal(err)
	}
	reports, err := f.engine.Deploy(ctx, "HEAD", DeployOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if r := reportFor(t, reports, "prod"); !errors.Is(r.Err, git.ErrRevisionNotFound) {
		t.Errorf("expected ErrRevisionNotFound, got %+v", r)
	}
}

func TestDeploy_DryRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{"prod": {}})
	testutil.WriteFile(t, f.dir, "a.txt", "a")
	c1 := testutil.Commit(t, f.dir, "first")
	f.init(t)
	testutil.WriteFile(t, f.dir, "b.txt", "b")
	testutil.Commit(t, f.dir, "second")

	reports, err := f.engine.Deploy(ctx, "HEAD", DeployOptions{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	r := reportFor(t, reports, "prod")
	if r.Status != StatusDryRun || !reflect.DeepEqual(r.Diff.Added, []string{"b.txt"}) {
		t.Errorf("report = %+v", r)
	}
	if ops := f.stores["prod"].ops; len(ops) != 0 {
		t.Errorf("dry-run performed operations: %v", ops)
	}
	if got := f.revision(t, "prod"); got != c1 {
		t.Errorf("revision = %s, want %s", got, c1)
	}
}

func TestDeploy_Declined(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{"prod": {}, "staging": {}})
	testutil.WriteFile(t, f.dir, "a.txt", "a")
	testutil.Commit(t, f.dir, "first")
	f.init(t)
	testutil.WriteFile(t, f.dir, "a.txt", "b")
	testutil.Commit(t, f.dir, "second")

	reports, err := f.engine.Deploy(ctx, "HEAD", DeployOptions{
		Confirm: func(name string, _ git.Diff) bool { return name == "staging" },
	})
	if err != nil {
		t.Fatal(err)
	}
	if r := reportFor(t, reports, "prod"); r.Status != StatusDeclined {
		t.Errorf("prod: %+v", r)
	}
	if ops := f.stores["prod"].ops; len(ops) != 0 {
		t.Errorf("declined location was changed: %v", ops)
	}
	if r := reportFor(t, reports, "staging"); r.Status != StatusDeployed {
		t.Errorf("staging: %+v", r)
	}
}

func TestDeploy_Purge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{
		"prod": {Purge: []string{"cache"}, PurgeOn: []string{"assets/**"}},
	})
	testutil.WriteFile(t, f.dir, "assets/app.css", "v1")
	testutil.WriteFile(t, f.dir, "index.php", "v1")
	testutil.Commit(t, f.dir, "first")
	f.init(t)

	store := f.stores["prod"]
	seedCache := func() {
		if err := store.Adapter.Write(ctx, "cache/compiled.php", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	// a change outside assets keeps the cache
	seedCache()
	testutil.WriteFile(t, f.dir, "index.php", "v2")
	testutil.Commit(t, f.dir, "index")
	reports, err := f.engine.Deploy(ctx, "HEAD", DeployOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if r := reportFor(t, reports, "prod"); r.Purged != 0 || !hasRemote(t, store, "cache/compiled.php") {
		t.Errorf("cache purged without a matching change: %+v", r)
	}

	testutil.WriteFile(t, f.dir, "assets/app.css", "v2")
	testutil.Commit(t, f.dir, "assets")
	reports, err = f.engine.Deploy(ctx, "HEAD", DeployOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if r := reportFor(t, reports, "prod"); r.Status != StatusDeployed || r.Purged != 1 {
		t.Errorf("report = %+v", r)
	}
	if hasRemote(t, store, "cache/compiled.php") {
		t.Error("cache should be purged")
	}

	// forced purge
	seedCache()
	testutil.WriteFile(t, f.dir, "index.php", "v3")
	testutil.Commit(t, f.dir, "index again")
	if _, err := f.engine.Deploy(ctx, "HEAD", DeployOptions{ForcePurge: true}); err != nil {
		t.Fatal(err)
	}
	if hasRemote(t, store, "cache/compiled.php") {
		t.Error("cache should be purged when forced")
	}
}

func TestDeploy_ForcedPurgeWhenUpToDate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{
		"prod": {Purge: []string{"cache"}},
	})
	testutil.WriteFile(t, f.dir, "index.php", "v1")
	testutil.Commit(t, f.dir, "first")
	f.init(t)

	store := f.stores["prod"]
	if err := store.Adapter.Write(ctx, "cache/compiled.php", []byte("x")); err != nil {
		t.Fatal(err)
	}

	reports, err := f.engine.Deploy(ctx, "HEAD", DeployOptions{ForcePurge: true})
	if err != nil {
		t.Fatal(err)
	}
	if r := reportFor(t, reports, "prod"); r.Status != StatusNoChanges || r.Purged != 1 {
		t.Errorf("report = %+v", r)
	}
	if hasRemote(t, store, "cache/compiled.php") {
		t.Error("forced purge must run on an up to date location")
	}
}

func TestDeploy_FailedPurgeNamesRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{
		"prod": {Purge: []string{"cache"}},
	})
	testutil.WriteFile(t, f.dir, "index.php", "v1")
	testutil.Commit(t, f.dir, "first")
	f.init(t)

	store := f.stores["prod"]
	if err := store.Adapter.Write(ctx, "cache/compiled.php", []byte("x")); err != nil {
		t.Fatal(err)
	}
	store.failOn = "cache/compiled.php"

	testutil.WriteFile(t, f.dir, "index.php", "v2")
	head := testutil.Commit(t, f.dir, "second")
	reports, err := f.engine.Deploy(ctx, "HEAD", DeployOptions{ForcePurge: true})
	if err != nil {
		t.Fatal(err)
	}
	r := reportFor(t, reports, "prod")
	if r.Status != StatusFailed || !errors.Is(r.Err, errBoom) {
		t.Fatalf("report = %+v", r)
	}
	if !strings.Contains(r.Err.Error(), "gut purge") {
		t.Errorf("error should point at gut purge: %v", r.Err)
	}
	if got := readRemote(t, store, ".revision"); got != head {
		t.Errorf("revision = %s, want %s", got, head)
	}
}

func TestPurgeFolders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{
		"prod":    {Purge: []string{"cache", "tmp"}},
		"staging": {},
	})
	store := f.stores["prod"]
	for _, p := range []string{"cache/a", "tmp/b", "index.php"} {
		if err := store.Adapter.Write(ctx, p, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	reports, err := f.engine.PurgeFolders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r := reportFor(t, reports, "prod"); r.Status != StatusDeployed || r.Purged != 2 {
		t.Errorf("prod: %+v", r)
	}
	if r := reportFor(t, reports, "staging"); r.Status != StatusNoChanges {
		t.Errorf("staging: %+v", r)
	}
	if !hasRemote(t, store, "index.php") {
		t.Error("files outside purge folders must be kept")
	}
}

func TestUploadFolder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{"prod": {Skip: []string{"*.map"}}})
	testutil.WriteFile(t, f.dir, "public/app.js", "js")
	testutil.WriteFile(t, f.dir, "public/app.js.map", "map")
	testutil.WriteFile(t, f.dir, "public/img/logo.svg", "svg")
	testutil.WriteFile(t, f.dir, "other.txt", "other")
	testutil.Commit(t, f.dir, "first")

	var uploaded []string
	reports, err := f.engine.UploadFolder(ctx, "public/", func(_ string, ev Event) {
		uploaded = append(uploaded, ev.Path)
	})
	if err != nil {
		t.Fatal(err)
	}
	if r := reportFor(t, reports, "prod"); r.Status != StatusDeployed {
		t.Fatalf("report = %+v", r)
	}
	if want := []string{"public/app.js", "public/img/logo.svg"}; !reflect.DeepEqual(uploaded, want) {
		t.Errorf("uploaded = %v, want %v", uploaded, want)
	}
	store := f.stores["prod"]
	if hasRemote(t, store, "other.txt") || hasRemote(t, store, config.DefaultRevisionFile) {
		t.Error("only the folder may be uploaded and the revision marker stays untouched")
	}

	if _, err := f.engine.UploadFolder(ctx, "missing", nil); err == nil {
		t.Error("expected an error for a missing folder")
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{"prod": {}, "fresh": {}})
	testutil.WriteFile(t, f.dir, "a.txt", "1")
	c1 := testutil.Commit(t, f.dir, "first")
	if err := testLocation(f.stores["prod"]).SetRevision(ctx, c1); err != nil {
		t.Fatal(err)
	}
	testutil.WriteFile(t, f.dir, "a.txt", "2")
	testutil.Commit(t, f.dir, "second")
	testutil.WriteFile(t, f.dir, "a.txt", "3")
	testutil.Commit(t, f.dir, "third")

	loc := testLocation(f.stores["prod"])
	if err := loc.SaveDirtyFiles(ctx, ParseDirtySet([]byte("a.txt\n"))); err != nil {
		t.Fatal(err)
	}

	states, err := f.engine.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 {
		t.Fatalf("got %d states", len(states))
	}

	fresh, prod := states[0], states[1]
	if !errors.Is(fresh.Err, ErrNotInitialized) {
		t.Errorf("fresh: %+v", fresh)
	}
	if prod.Err != nil || prod.Revision != c1 || prod.Behind != 2 {
		t.Errorf("prod: %+v", prod)
	}
	if !reflect.DeepEqual(prod.Dirty, []string{"a.txt"}) {
		t.Errorf("prod dirty = %v", prod.Dirty)
	}
}

func TestWithLocations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]config.LocationConfig{"prod": {}, "staging": {}})
	testutil.WriteFile(t, f.dir, "a.txt", "a")
	testutil.Commit(t, f.dir, "first")

	engine, err := NewEngine(f.engine.cfg, f.engine.git, f.engine.src, testLogger(),
		WithOpener(f.engine.open), WithLocations("staging", "staging"))
	if err != nil {
		t.Fatal(err)
	}
	reports, err := engine.Init(ctx, "HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || reports[0].Location != "staging" {
		t.Errorf("reports = %+v", reports)
	}
	if hasRemote(t, f.stores["prod"], config.DefaultRevisionFile) {
		t.Error("unselected location must not be touched")
	}
}
