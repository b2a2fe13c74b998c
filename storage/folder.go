// Package storage holds the durable file primitives the proxy persists
// its cache and cookie tables through.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotExist is returned when a file is missing from a Folder.
var ErrNotExist = fs.ErrNotExist

// Folder is a flat namespace of files. Names never contain separators
// other than the ones introduced by Sub.
type Folder interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
	Sub(name string) (Folder, error)
}

// Dir is a Folder backed by a directory on disk.
type Dir struct {
	root string
}

var _ Folder = (*Dir)(nil)

// NewDir returns a Folder rooted at path, creating it if needed.
func NewDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", path, err)
	}
	return &Dir{root: path}, nil
}

// Path returns the directory the folder writes into.
func (d *Dir) Path() string {
	return d.root
}

func (d *Dir) name(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("storage: invalid file name %q", name)
	}
	return filepath.Join(d.root, name), nil
}

func (d *Dir) ReadFile(name string) ([]byte, error) {
	p, err := d.name(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// WriteFile replaces name atomically: data lands in a temporary file that
// is renamed over the target.
func (d *Dir) WriteFile(name string, data []byte) error {
	p, err := d.name(name)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(d.root, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (d *Dir) Sub(name string) (Folder, error) {
	p, err := d.name(name)
	if err != nil {
		return nil, err
	}
	return NewDir(p)
}

// Memory is an in-process Folder, handy for hosts without durable storage.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
	subs  map[string]*Memory
}

var _ Folder = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{files: map[string][]byte{}, subs: map[string]*Memory{}}
}

func (m *Memory) ReadFile(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: ErrNotExist}
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) WriteFile(name string, data []byte) error {
	if name == "" {
		return errors.New("storage: empty file name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Sub(name string) (Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[name]
	if !ok {
		s = NewMemory()
		m.subs[name] = s
	}
	return s, nil
}

// IsNotExist reports whether err means the file is missing.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}
