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
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store keeping objects in a map. It backs the
// "memory" store scheme and the package tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Put stores data at key directly.
func (m *Memory) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
}

// Open returns the object stored at key.
func (m *Memory) Open(ctx context.Context, key string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("store: %s: %w", key, ErrNotFound)
	}
	return &memObject{Reader: bytes.NewReader(data), size: int64(len(data))}, nil
}

type memObject struct {
	*bytes.Reader
	size int64
}

func (o *memObject) Close() error { return nil }
func (o *memObject) Size() int64  { return o.size }

// Create returns a writer storing its contents at key on Close.
func (m *Memory) Create(ctx context.Context, key string) (io.WriteCloser, error) {
	return &memWriter{store: m, key: key}, nil
}

type memWriter struct {
	bytes.Buffer
	store *Memory
	key   string
}

func (w *memWriter) Close() error {
	w.store.Put(w.key, w.Bytes())
	return nil
}

// List returns the keys of all objects starting with prefix.
func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether key names an object or a non-empty key prefix.
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; ok {
		return true, nil
	}
	prefix := strings.TrimSuffix(key, "/") + "/"
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes the object at key and every object below it.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	prefix := strings.TrimSuffix(key, "/") + "/"
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
		}
	}
	return nil
}

// Move renames the object or key subtree at oldKey to newKey.
func (m *Memory) Move(ctx context.Context, oldKey, newKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := false
	if data, ok := m.objects[oldKey]; ok {
		m.objects[newKey] = data
		delete(m.objects, oldKey)
		moved = true
	}
	oldPrefix := strings.TrimSuffix(oldKey, "/") + "/"
	newPrefix := strings.TrimSuffix(newKey, "/") + "/"
	for k, data := range m.objects {
		if strings.HasPrefix(k, oldPrefix) {
			m.objects[newPrefix+strings.TrimPrefix(k, oldPrefix)] = data
			delete(m.objects, k)
			moved = true
		}
	}
	if !moved {
		return fmt.Errorf("store: %s: %w", oldKey, ErrNotFound)
	}
	return nil
}
