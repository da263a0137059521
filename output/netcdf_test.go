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
	"bytes"
	"context"
	"io"
	"reflect"
	"testing"

	"github.com/ctessum/cdf"

	"github.com/dcs4cop/xcube"
	"github.com/dcs4cop/xcube/store"
)

// readerOnly satisfies cdf.Open's ReaderWriterAt requirement for a file
// that is only read.
type readerOnly struct {
	*bytes.Reader
}

func (readerOnly) WriteAt([]byte, int64) (int, error) { return 0, io.ErrClosedPipe }

func openNetCDF(t *testing.T, s store.Store, key string) *cdf.File {
	t.Helper()
	ff, err := cdf.Open(readerOnly{bytes.NewReader(readObject(t, s, key))})
	if err != nil {
		t.Fatalf("reopening %s: %v", key, err)
	}
	return ff
}

func ncReadFloats(t *testing.T, ff *cdf.File, name string) []float64 {
	t.Helper()
	n := 1
	for _, l := range ff.Header.Lengths(name) {
		n *= l
	}
	r := ff.Reader(name, nil, nil)
	buf := r.Zero(n)
	if _, err := r.Read(buf); err != nil && err != io.EOF {
		t.Fatalf("reading %s: %v", name, err)
	}
	return buf.([]float64)
}

func TestNetCDFRoundTrip(t *testing.T) {
	cube := newTestCube(t, 3, 2, 2, xcube.Chunks{T: 1, Y: 2, X: 3})
	mem := store.NewMemory()

	err := NewNetCDF().Write(context.Background(), cube, mem, "out.nc", &xcube.OutputConfig{})
	if err != nil {
		t.Fatal(err)
	}

	ff := openNetCDF(t, mem, "out.nc")
	if got := ff.Header.Lengths("v"); !reflect.DeepEqual(got, []int{2, 2, 3}) {
		t.Errorf("variable shape: got %v", got)
	}
	if got := ff.Header.Dimensions("v"); !reflect.DeepEqual(got, []string{"time", "y", "x"}) {
		t.Errorf("variable dims: got %v", got)
	}

	want := make([]float64, 12)
	for i := range want {
		want[i] = float64(i + 1)
	}
	if got := ncReadFloats(t, ff, "v"); !reflect.DeepEqual(got, want) {
		t.Errorf("values: got %v, want %v", got, want)
	}
	if got := ncReadFloats(t, ff, "x"); !reflect.DeepEqual(got, []float64{0.5, 1.5, 2.5}) {
		t.Errorf("x coordinates: got %v", got)
	}
	if got := ncReadFloats(t, ff, "time"); got[1]-got[0] != 86400 {
		t.Errorf("time coordinates: got %v", got)
	}

	if got := ff.Header.GetAttribute("", "title"); got != "test" {
		t.Errorf("global title: got %v", got)
	}
	if got := ff.Header.GetAttribute("time", "calendar"); got != "proleptic_gregorian" {
		t.Errorf("time calendar: got %v", got)
	}
	if got := ff.Header.GetAttribute("v", "units"); got != "1" {
		t.Errorf("units: got %v", got)
	}
	if got := ff.Header.GetAttribute("v", "_FillValue"); got == nil {
		t.Error("missing _FillValue")
	}
}

func TestNetCDFStaticCube(t *testing.T) {
	cube := newTestCube(t, 2, 2, 0, xcube.Chunks{T: 1, Y: 2, X: 2})
	mem := store.NewMemory()

	err := NewNetCDF().Write(context.Background(), cube, mem, "out.nc", &xcube.OutputConfig{})
	if err != nil {
		t.Fatal(err)
	}
	ff := openNetCDF(t, mem, "out.nc")
	if got := ff.Header.Dimensions("v"); !reflect.DeepEqual(got, []string{"y", "x"}) {
		t.Errorf("variable dims: got %v", got)
	}
	if got := ff.Header.Lengths("time"); got != nil {
		t.Errorf("unexpected time variable with lengths %v", got)
	}
}

func TestNetCDFWriteConflict(t *testing.T) {
	cube := newTestCube(t, 2, 2, 0, xcube.Chunks{T: 1, Y: 2, X: 2})
	mem := store.NewMemory()
	mem.Put("out.nc", []byte("occupied"))

	err := NewNetCDF().Write(context.Background(), cube, mem, "out.nc", &xcube.OutputConfig{})
	if !xcube.IsKind(err, xcube.WriteConflict) {
		t.Fatalf("got %v, want a write-conflict error", err)
	}

	err = NewNetCDF().Write(context.Background(), cube, mem, "out.nc", &xcube.OutputConfig{Overwrite: true})
	if err != nil {
		t.Fatal(err)
	}
	ff := openNetCDF(t, mem, "out.nc")
	if got := ff.Header.Lengths("v"); !reflect.DeepEqual(got, []int{2, 2}) {
		t.Errorf("overwritten file shape: got %v", got)
	}
}

func TestNetCDFDescribeReportsContiguousChunks(t *testing.T) {
	cube := newTestCube(t, 4, 3, 2, xcube.Chunks{T: 1, Y: 2, X: 2})
	info, err := NewNetCDF().Describe(cube)
	if err != nil {
		t.Fatal(err)
	}
	if got := info.ChunkSizes[xcube.DimX]; got != 4 {
		t.Errorf("x chunk: got %d, want 4", got)
	}
	if got := info.Vars[0].Chunks; !reflect.DeepEqual(got, info.Vars[0].Shape) {
		t.Errorf("variable chunks %v differ from shape %v", got, info.Vars[0].Shape)
	}
}
