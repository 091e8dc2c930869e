package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/schaermu/gut/internal/storage"
)

var errBoom = errors.New("boom")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingStore wraps an adapter, records mutating calls and fails
// operations on failOn.
type recordingStore struct {
	storage.Adapter
	failOn string
	ops    []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{Adapter: storage.NewMemory()}
}

func (s *recordingStore) record(op, p string) error {
	s.ops = append(s.ops, op+" "+p)
	if s.failOn != "" && p == s.failOn {
		return errBoom
	}
	return nil
}

func (s *recordingStore) Write(ctx context.Context, p string, data []byte) error {
	if err := s.record("write", p); err != nil {
		return err
	}
	return s.Adapter.Write(ctx, p, data)
}

func (s *recordingStore) Update(ctx context.Context, p string, data []byte) error {
	if err := s.record("update", p); err != nil {
		return err
	}
	return s.Adapter.Update(ctx, p, data)
}

func (s *recordingStore) Delete(ctx context.Context, p string) error {
	if err := s.record("delete", p); err != nil {
		return err
	}
	return s.Adapter.Delete(ctx, p)
}

func (s *recordingStore) reset() {
	s.ops = nil
}

func testLocation(store storage.Adapter) *Location {
	return &Location{
		Name:         "test",
		Store:        store,
		RevisionFile: ".revision",
		DirtyFile:    ".revision.dirty",
	}
}

func readRemote(t *testing.T, store storage.Adapter, p string) string {
	t.Helper()
	data, err := store.Read(context.Background(), p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	return string(data)
}

func hasRemote(t *testing.T, store storage.Adapter, p string) bool {
	t.Helper()
	ok, err := store.Has(context.Background(), p)
	if err != nil {
		t.Fatalf("has %s: %v", p, err)
	}
	return ok
}
