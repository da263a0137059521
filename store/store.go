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

// Package store provides the abstract, location-agnostic data store
// interface the cube generation pipeline reads inputs from and writes
// cubes to, together with concrete stores backed by the local
// filesystem, blob storage buckets, and process memory.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Sentinel errors reported by store implementations.
var (
	ErrNotFound     = errors.New("store: not found")
	ErrAccessDenied = errors.New("store: access denied")
)

// An Object is a raw dataset handle returned by a store. It provides
// random access to the dataset bytes and is consumed immediately by an
// input processor.
type Object interface {
	io.ReaderAt
	io.Closer

	// Size returns the object length in bytes.
	Size() int64
}

// A Store is an abstract interface for opening, listing and persisting
// datasets by key. Keys use "/" as a path separator; a dataset may be a
// single object (a NetCDF file) or a key subtree (a zarr directory).
//
// Open, read and write calls must be safely retryable: a failed or
// repeated call never leaves a partially visible dataset behind.
type Store interface {
	// Open returns the object stored at key. It fails with ErrNotFound
	// when no such object exists and ErrAccessDenied when the caller
	// may not read it.
	Open(ctx context.Context, key string) (Object, error)

	// Create returns a writer replacing the object at key. The object
	// becomes visible when the writer is closed.
	Create(ctx context.Context, key string) (io.WriteCloser, error)

	// List returns the keys of all objects whose key starts with
	// prefix, in sorted order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether key names an object or a non-empty key
	// subtree.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object at key and every object below it.
	// Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Move renames the object or key subtree at oldKey to newKey.
	// Where the backend allows it (the local filesystem), the move is
	// atomic; it is the commit step of an all-or-nothing dataset write.
	Move(ctx context.Context, oldKey, newKey string) error
}

// A Registry maps store identifiers to store implementations. Stores
// are registered once at startup; afterwards the registry is treated as
// immutable and may be shared between concurrent generation requests.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Store
}

// NewRegistry returns an empty store registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]Store)}
}

// Register adds a store under the given identifier, replacing any
// earlier registration.
func (r *Registry) Register(id string, s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[id] = s
}

// Get returns the store registered under id.
func (r *Registry) Get(id string) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[id]
	if !ok {
		return nil, fmt.Errorf("store: no store registered as %q", id)
	}
	return s, nil
}

// IDs returns the registered store identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
