/*
Copyright © 2018 the xcube authors.
This file is part of xcube.

xcube is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

xcube is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with xcube.  If not, see <http://www.gnu.org/licenses/>.
*/

package store

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Local is a Store rooted at a local filesystem directory. Keys map to
// file paths below the root; Move is an atomic rename.
type Local struct {
	root string
}

// NewLocal returns a store rooted at dir, creating dir if necessary.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating root %s: %v", dir, err)
	}
	return &Local{root: dir}, nil
}

func (l *Local) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

// Open opens the file at key.
func (l *Local) Open(ctx context.Context, key string) (Object, error) {
	f, err := os.Open(l.path(key))
	if err != nil {
		return nil, localErr(key, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, localErr(key, err)
	}
	return &localObject{File: f, size: fi.Size()}, nil
}

type localObject struct {
	*os.File
	size int64
}

func (o *localObject) Size() int64 { return o.size }

// Create creates the file at key, making parent directories as needed.
func (l *Local) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, localErr(key, err)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, localErr(key, err)
	}
	return f, nil
}

// List returns the keys of all files below the root whose key starts
// with prefix.
func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: listing %q: %v", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether key names a file or directory below the root.
func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(l.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, localErr(key, err)
	}
	return true, nil
}

// Delete removes the file or directory tree at key.
func (l *Local) Delete(ctx context.Context, key string) error {
	if err := os.RemoveAll(l.path(key)); err != nil {
		return localErr(key, err)
	}
	return nil
}

// Move atomically renames oldKey to newKey.
func (l *Local) Move(ctx context.Context, oldKey, newKey string) error {
	np := l.path(newKey)
	if err := os.MkdirAll(filepath.Dir(np), 0o755); err != nil {
		return localErr(newKey, err)
	}
	if err := os.Rename(l.path(oldKey), np); err != nil {
		return localErr(oldKey, err)
	}
	return nil
}

func localErr(key string, err error) error {
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("store: %s: %w", key, ErrNotFound)
	case os.IsPermission(err):
		return fmt.Errorf("store: %s: %w", key, ErrAccessDenied)
	default:
		return fmt.Errorf("store: %s: %v", key, err)
	}
}
