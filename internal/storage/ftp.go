package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"strings"

	"github.com/jlaffaye/ftp"

	"github.com/schaermu/gut/internal/config"
)

// FTPAdapter stores files on an FTP server below a root directory
type FTPAdapter struct {
	conn *ftp.ServerConn
	root string
}

// NewFTP connects and logs in to the configured FTP server
func NewFTP(ctx context.Context, cfg config.LocationConfig) (*FTPAdapter, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}
	if cfg.Timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(cfg.Timeout))
	}
	if cfg.DisableEPSV {
		opts = append(opts, ftp.DialWithDisabledEPSV(true))
	}

	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	user, pass := cfg.Username, cfg.Password
	if user == "" {
		user, pass = "anonymous", "anonymous"
	}
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("failed to log in to %s as %s: %w", addr, user, err)
	}

	root := cfg.Root
	if root == "" {
		root = "/"
	}
	return &FTPAdapter{conn: conn, root: root}, nil
}

func (a *FTPAdapter) Has(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	rel := normalize(p)
	if rel == "" {
		return true, nil
	}
	full := a.full(rel)
	entries, err := a.conn.List(path.Dir(full))
	if err != nil {
		if isFTPNotFound(err) {
			return false, nil
		}
		return false, wrap("has", p, err)
	}
	name := path.Base(full)
	for _, e := range entries {
		if path.Base(e.Name) == name {
			return true, nil
		}
	}
	return false, nil
}

func (a *FTPAdapter) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := a.conn.Retr(a.full(p))
	if err != nil {
		return nil, wrap("read", p, translateFTPError(err))
	}
	defer func() {
		_ = resp.Close()
	}()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, wrap("read", p, err)
	}
	return data, nil
}

func (a *FTPAdapter) Write(ctx context.Context, p string, data []byte) error {
	exists, err := a.Has(ctx, p)
	if err != nil {
		return err
	}
	if exists {
		return wrap("write", p, ErrExists)
	}
	return wrap("write", p, a.put(p, data))
}

func (a *FTPAdapter) Update(ctx context.Context, p string, data []byte) error {
	exists, err := a.Has(ctx, p)
	if err != nil {
		return err
	}
	if !exists {
		return wrap("update", p, ErrNotFound)
	}
	return wrap("update", p, a.put(p, data))
}

func (a *FTPAdapter) Copy(ctx context.Context, src, dst string) error {
	data, err := a.Read(ctx, src)
	if err != nil {
		return err
	}
	return wrap("copy", dst, a.put(dst, data))
}

func (a *FTPAdapter) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap("delete", p, translateFTPError(a.conn.Delete(a.full(p))))
}

func (a *FTPAdapter) DeleteDir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if normalize(p) == "" {
		return wrap("delete_dir", p, fmt.Errorf("refusing to delete the adapter root"))
	}
	return wrap("delete_dir", p, translateFTPError(a.conn.RemoveDirRecur(a.full(p))))
}

func (a *FTPAdapter) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mkdirAll(path.Dir(a.full(dst)))
	return wrap("move", src, translateFTPError(a.conn.Rename(a.full(src), a.full(dst))))
}

func (a *FTPAdapter) ListContents(ctx context.Context, p string, recursive bool) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := a.full(p)

	var entries []Entry
	if !recursive {
		list, err := a.conn.List(base)
		if err != nil {
			return nil, wrap("list", p, translateFTPError(err))
		}
		for _, e := range list {
			name := path.Base(e.Name)
			if name == "." || name == ".." {
				continue
			}
			entries = append(entries, a.entry(path.Join(base, name), e.Type))
		}
		return entries, nil
	}

	walker := a.conn.Walk(base)
	for walker.Next() {
		if err := walker.Err(); err != nil {
			return nil, wrap("list", p, translateFTPError(err))
		}
		if path.Clean(walker.Path()) == path.Clean(base) {
			continue
		}
		entries = append(entries, a.entry(walker.Path(), walker.Stat().Type))
	}
	if err := walker.Err(); err != nil {
		return nil, wrap("list", p, translateFTPError(err))
	}
	return entries, nil
}

// Close logs out and closes the control connection
func (a *FTPAdapter) Close() error {
	return a.conn.Quit()
}

func (a *FTPAdapter) put(p string, data []byte) error {
	full := a.full(p)
	a.mkdirAll(path.Dir(full))
	return a.conn.Stor(full, bytes.NewReader(data))
}

// mkdirAll creates every missing directory of dir. Errors are ignored since
// servers report existing directories as failures.
func (a *FTPAdapter) mkdirAll(dir string) {
	current := "/"
	if !strings.HasPrefix(dir, "/") {
		current = ""
	}
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		_ = a.conn.MakeDir(current)
	}
}

func (a *FTPAdapter) full(p string) string {
	return path.Join(a.root, normalize(p))
}

func (a *FTPAdapter) entry(full string, t ftp.EntryType) Entry {
	rel := strings.TrimPrefix(strings.TrimPrefix(path.Clean(full), path.Clean(a.root)), "/")
	return entryFor(rel, t == ftp.EntryTypeFolder)
}

func isFTPNotFound(err error) bool {
	var protoErr *textproto.Error
	return errors.As(err, &protoErr) && protoErr.Code == ftp.StatusFileUnavailable
}

func translateFTPError(err error) error {
	if err != nil && isFTPNotFound(err) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
