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

package output

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"

	"github.com/dcs4cop/xcube"
	"github.com/dcs4cop/xcube/store"
)

// newTestCube builds a cube on an nx×ny geographic grid with nt time
// steps (nt == 0 for a static cube) and a single float64 variable "v"
// holding 1, 2, 3, ... in C order.
func newTestCube(t *testing.T, nx, ny, nt int, chunks xcube.Chunks) *xcube.Cube {
	t.Helper()
	sr, err := proj.Parse("+proj=longlat")
	if err != nil {
		t.Fatal(err)
	}
	g := &xcube.Grid{
		Bounds: geom.Bounds{Min: geom.Point{X: 0, Y: 0}, Max: geom.Point{X: float64(nx), Y: float64(ny)}},
		Nx:     nx, Ny: ny, Dx: 1, Dy: 1,
		CRS: "+proj=longlat", SR: sr,
	}
	dims := []string{xcube.DimY, xcube.DimX}
	shape := []int{ny, nx}
	if nt > 0 {
		t0 := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < nt; i++ {
			g.Times = append(g.Times, t0.Add(time.Duration(i)*24*time.Hour))
		}
		g.TimeStep = 24 * time.Hour
		dims = []string{xcube.DimTime, xcube.DimY, xcube.DimX}
		shape = []int{nt, ny, nx}
	}
	data := sparse.ZerosDense(shape...)
	for i := range data.Elements {
		data.Elements[i] = float64(i + 1)
	}
	return &xcube.Cube{
		Grid:   g,
		Chunks: chunks,
		Vars: map[string]*xcube.Variable{
			"v": {Dims: dims, Dtype: xcube.Float64, Data: data, Attrs: map[string]interface{}{"units": "1"}},
		},
		Attrs: xcube.Attrs{"title": "test"},
	}
}

func readObject(t *testing.T, s store.Store, key string) []byte {
	t.Helper()
	obj, err := s.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("opening %s: %v", key, err)
	}
	defer obj.Close()
	buf := make([]byte, obj.Size())
	if _, err := obj.ReadAt(buf, 0); err != nil && err != io.EOF {
		t.Fatalf("reading %s: %v", key, err)
	}
	return buf
}

func decodeFloats(buf []byte) []float64 {
	vals := make([]float64, len(buf)/8)
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return vals
}

func TestZarrWriteStatic(t *testing.T) {
	cube := newTestCube(t, 2, 2, 0, xcube.Chunks{T: 1, Y: 2, X: 2})
	mem := store.NewMemory()

	err := NewZarr().Write(context.Background(), cube, mem, "out.zarr", &xcube.OutputConfig{})
	if err != nil {
		t.Fatal(err)
	}

	var group map[string]int
	if err := json.Unmarshal(readObject(t, mem, "out.zarr/.zgroup"), &group); err != nil {
		t.Fatal(err)
	}
	if group["zarr_format"] != 2 {
		t.Errorf(".zgroup: got %v", group)
	}

	var meta zarray
	if err := json.Unmarshal(readObject(t, mem, "out.zarr/v/.zarray"), &meta); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(meta.Shape, []int{2, 2}) || !reflect.DeepEqual(meta.Chunks, []int{2, 2}) {
		t.Errorf(".zarray: got shape %v chunks %v", meta.Shape, meta.Chunks)
	}
	if meta.Dtype != "<f8" || meta.Order != "C" || meta.ZarrFormat != 2 {
		t.Errorf(".zarray: got %+v", meta)
	}

	var attrs map[string]interface{}
	if err := json.Unmarshal(readObject(t, mem, "out.zarr/v/.zattrs"), &attrs); err != nil {
		t.Fatal(err)
	}
	if dims, ok := attrs["_ARRAY_DIMENSIONS"].([]interface{}); !ok || len(dims) != 2 || dims[0] != "y" || dims[1] != "x" {
		t.Errorf("_ARRAY_DIMENSIONS: got %v", attrs["_ARRAY_DIMENSIONS"])
	}
	if attrs["units"] != "1" {
		t.Errorf("units: got %v", attrs["units"])
	}

	if got := decodeFloats(readObject(t, mem, "out.zarr/v/0.0")); !reflect.DeepEqual(got, []float64{1, 2, 3, 4}) {
		t.Errorf("chunk: got %v", got)
	}

	// Coordinate arrays hold the cell centers.
	if got := decodeFloats(readObject(t, mem, "out.zarr/y/0")); !reflect.DeepEqual(got, []float64{0.5, 1.5}) {
		t.Errorf("y coordinates: got %v", got)
	}
	if got := decodeFloats(readObject(t, mem, "out.zarr/x/0")); !reflect.DeepEqual(got, []float64{0.5, 1.5}) {
		t.Errorf("x coordinates: got %v", got)
	}
}

func TestZarrWriteTemporalChunks(t *testing.T) {
	cube := newTestCube(t, 2, 2, 2, xcube.Chunks{T: 1, Y: 2, X: 2})
	mem := store.NewMemory()

	err := NewZarr().Write(context.Background(), cube, mem, "out.zarr", &xcube.OutputConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if got := decodeFloats(readObject(t, mem, "out.zarr/v/0.0.0")); !reflect.DeepEqual(got, []float64{1, 2, 3, 4}) {
		t.Errorf("first step: got %v", got)
	}
	if got := decodeFloats(readObject(t, mem, "out.zarr/v/1.0.0")); !reflect.DeepEqual(got, []float64{5, 6, 7, 8}) {
		t.Errorf("second step: got %v", got)
	}
	// The time coordinate is seconds since the epoch.
	ts := decodeFloats(readObject(t, mem, "out.zarr/time/0"))
	if len(ts) != 2 || ts[1]-ts[0] != 86400 {
		t.Errorf("time coordinates: got %v", ts)
	}
}

func TestZarrEdgeChunksArePadded(t *testing.T) {
	cube := newTestCube(t, 3, 3, 0, xcube.Chunks{T: 1, Y: 2, X: 2})
	mem := store.NewMemory()

	err := NewZarr().Write(context.Background(), cube, mem, "out.zarr", &xcube.OutputConfig{})
	if err != nil {
		t.Fatal(err)
	}
	got := decodeFloats(readObject(t, mem, "out.zarr/v/1.1"))
	if len(got) != 4 {
		t.Fatalf("edge chunk has %d elements, want the full 4", len(got))
	}
	// Only cell (2, 2) of the grid falls into this chunk; the rest is
	// fill.
	if got[0] != 9 {
		t.Errorf("corner value: got %g, want 9", got[0])
	}
	for i, v := range got[1:] {
		if !math.IsNaN(v) {
			t.Errorf("padding element %d: got %g, want NaN", i+1, v)
		}
	}
}

func TestZarrWriteConflict(t *testing.T) {
	cube := newTestCube(t, 2, 2, 0, xcube.Chunks{T: 1, Y: 2, X: 2})
	mem := store.NewMemory()
	mem.Put("out.zarr/.zgroup", []byte("occupied"))

	err := NewZarr().Write(context.Background(), cube, mem, "out.zarr", &xcube.OutputConfig{})
	if !xcube.IsKind(err, xcube.WriteConflict) {
		t.Fatalf("got %v, want a write-conflict error", err)
	}
	if got := readObject(t, mem, "out.zarr/.zgroup"); string(got) != "occupied" {
		t.Errorf("target content changed to %q", got)
	}
}

func TestZarrOverwriteReplacesTarget(t *testing.T) {
	cube := newTestCube(t, 2, 2, 0, xcube.Chunks{T: 1, Y: 2, X: 2})
	mem := store.NewMemory()
	mem.Put("out.zarr/stale", []byte("old"))

	err := NewZarr().Write(context.Background(), cube, mem, "out.zarr", &xcube.OutputConfig{Overwrite: true})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := mem.Exists(context.Background(), "out.zarr/stale"); ok {
		t.Error("stale object survived the overwrite")
	}
	if ok, _ := mem.Exists(context.Background(), "out.zarr/v/0.0"); !ok {
		t.Error("new dataset is incomplete")
	}
}

func TestZarrDtypes(t *testing.T) {
	for dt, want := range map[xcube.Dtype]string{
		xcube.Float64: "<f8",
		xcube.Float32: "<f4",
		xcube.Int32:   "<i4",
		xcube.Uint8:   "|u1",
	} {
		if got := zarrDtype(dt); got != want {
			t.Errorf("zarrDtype(%v): got %q, want %q", dt, got, want)
		}
	}
}
