package storage

import "context"

// NullAdapter discards every write and reports every path as missing
type NullAdapter struct{}

// NewNull creates a no-op adapter
func NewNull() *NullAdapter {
	return &NullAdapter{}
}

func (NullAdapter) Has(context.Context, string) (bool, error) { return false, nil }

func (NullAdapter) Read(_ context.Context, p string) ([]byte, error) {
	return nil, wrap("read", p, ErrNotFound)
}

func (NullAdapter) Write(context.Context, string, []byte) error  { return nil }
func (NullAdapter) Update(context.Context, string, []byte) error { return nil }
func (NullAdapter) Copy(context.Context, string, string) error   { return nil }
func (NullAdapter) Delete(context.Context, string) error         { return nil }
func (NullAdapter) DeleteDir(context.Context, string) error      { return nil }
func (NullAdapter) Move(context.Context, string, string) error   { return nil }

func (NullAdapter) ListContents(context.Context, string, bool) ([]Entry, error) {
	return nil, nil
}

func (NullAdapter) Close() error { return nil }
