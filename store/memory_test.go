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
	"errors"
	"testing"
)

func TestMemory(t *testing.T) {
	storeTest(t, NewMemory())
}

func TestMemoryMoveMissing(t *testing.T) {
	s := NewMemory()
	if err := s.Move(context.Background(), "nonesuch", "elsewhere"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryKeyBoundaries(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	s.Put("cube.zarr/.zgroup", []byte("{}"))
	s.Put("cube.zarr.write-1234/.zgroup", []byte("{}"))

	// A sibling key sharing a string prefix is not part of the subtree.
	if err := s.Delete(ctx, "cube.zarr"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Exists(ctx, "cube.zarr"); ok {
		t.Error("deleted subtree still exists")
	}
	if ok, _ := s.Exists(ctx, "cube.zarr.write-1234"); !ok {
		t.Error("sibling subtree was deleted along with the target")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("mem", NewMemory())
	r.Register("alt", NewMemory())

	if _, err := r.Get("mem"); err != nil {
		t.Error(err)
	}
	if _, err := r.Get("nonesuch"); err == nil {
		t.Error("unknown identifier did not fail")
	}
	if ids := r.IDs(); len(ids) != 2 || ids[0] != "alt" || ids[1] != "mem" {
		t.Errorf("IDs: got %v", ids)
	}
}
