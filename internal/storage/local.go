package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local stores artifacts on the local filesystem under a root directory.
// Directories are created 0700 and files 0600; the mode is set at create
// time so the file is never readable to others, not even briefly.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) fullPath(name string) string {
	return filepath.Join(l.root, filepath.FromSlash(name))
}

func (l *Local) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	full := l.fullPath(name)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return nil, &OpError{Op: "create", Name: name, Err: err}
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, &OpError{Op: "create", Name: name, Err: err}
	}
	return f, nil
}

func (l *Local) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	f, err := os.Open(l.fullPath(name))
	if err != nil {
		return nil, 0, &OpError{Op: "open", Name: name, Err: err}
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, &OpError{Op: "open", Name: name, Err: err}
	}
	return f, stat.Size(), nil
}

func (l *Local) Size(ctx context.Context, name string) (int64, error) {
	stat, err := os.Stat(l.fullPath(name))
	if err != nil {
		return 0, &OpError{Op: "size", Name: name, Err: err}
	}
	return stat.Size(), nil
}

func (l *Local) Delete(ctx context.Context, name string) error {
	err := os.Remove(l.fullPath(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &OpError{Op: "delete", Name: name, Err: err}
	}
	return nil
}
