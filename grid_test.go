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

package xcube

import (
	"math"
	"testing"
	"time"

	"github.com/ctessum/geom"
)

const lccProj = "+proj=lcc +lat_1=33.000000 +lat_2=45.000000 +lat_0=40.000000 +lon_0=-97.000000 +x_0=0 +y_0=0 +a=6370997.000000 +b=6370997.000000 +to_meter=1"

func testSource(t *testing.T, name string, b geom.Bounds, nx, ny int, times []time.Time) *SourceDataset {
	t.Helper()
	src, err := NewSourceDataset(name, "+proj=longlat", b, nx, ny, times)
	if err != nil {
		t.Fatal(err)
	}
	return src
}

func bounds(x0, y0, x1, y1 float64) geom.Bounds {
	return geom.Bounds{Min: geom.Point{X: x0, Y: y0}, Max: geom.Point{X: x1, Y: y1}}
}

func TestResolveGridDefaults(t *testing.T) {
	left := testSource(t, "left", bounds(0, 0, 10, 10), 10, 10, nil)
	right := testSource(t, "right", bounds(10, 0, 20, 10), 20, 20, nil)

	g, err := ResolveGrid([]*SourceDataset{left, right}, &CubeConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if g.CRS != "+proj=longlat" {
		t.Errorf("CRS: got %q, want +proj=longlat", g.CRS)
	}
	want := bounds(0, 0, 20, 10)
	if math.Abs(g.Bounds.Min.X-want.Min.X) > 1e-9 || math.Abs(g.Bounds.Max.X-want.Max.X) > 1e-9 ||
		math.Abs(g.Bounds.Min.Y-want.Min.Y) > 1e-9 || math.Abs(g.Bounds.Max.Y-want.Max.Y) > 1e-9 {
		t.Errorf("bounds: got %+v, want %+v", g.Bounds, want)
	}
	// The finest source resolution is 0.5 degrees (the right source).
	if g.Nx != 40 || g.Ny != 20 {
		t.Errorf("size: got %d×%d, want 40×20", g.Nx, g.Ny)
	}
}

// proj hands back a nil Transformer when source and destination are
// equivalent; newTransform must still return a callable function, or
// every same-CRS request would crash.
func TestNewTransformSameCRS(t *testing.T) {
	a := testSource(t, "a", bounds(0, 0, 10, 10), 10, 10, nil)
	b := testSource(t, "b", bounds(0, 0, 10, 10), 10, 10, nil)

	trans, err := newTransform(a.SR, b.SR)
	if err != nil {
		t.Fatal(err)
	}
	if trans == nil {
		t.Fatal("got a nil transformer for equivalent reference systems")
	}
	x, y, err := trans(3, 4)
	if err != nil {
		t.Fatal(err)
	}
	if x != 3 || y != 4 {
		t.Errorf("identity transform: got (%g, %g), want (3, 4)", x, y)
	}
}

func TestResolveGridRoundsSizeUp(t *testing.T) {
	src := testSource(t, "src", bounds(0, 0, 10, 10), 10, 10, nil)
	g, err := ResolveGrid([]*SourceDataset{src}, &CubeConfig{Resolution: 3})
	if err != nil {
		t.Fatal(err)
	}
	if g.Nx != 4 || g.Ny != 4 {
		t.Errorf("size: got %d×%d, want 4×4", g.Nx, g.Ny)
	}
	if math.Abs(g.Dx-2.5) > 1e-9 {
		t.Errorf("Dx: got %g, want 2.5", g.Dx)
	}
}

func TestResolveGridInconsistentCRS(t *testing.T) {
	a := testSource(t, "a", bounds(0, 0, 10, 10), 10, 10, nil)
	b, err := NewSourceDataset("b", lccProj, bounds(0, 0, 1e6, 1e6), 10, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = ResolveGrid([]*SourceDataset{a, b}, &CubeConfig{})
	if !IsKind(err, InconsistentCRS) {
		t.Fatalf("got %v, want an inconsistent-CRS error", err)
	}

	// An explicit target CRS resolves the disagreement.
	if _, err := ResolveGrid([]*SourceDataset{a, b}, &CubeConfig{CRS: "+proj=longlat"}); err != nil {
		t.Errorf("with explicit CRS: %v", err)
	}
}

func TestResolveGridPartialSize(t *testing.T) {
	src := testSource(t, "src", bounds(0, 0, 10, 10), 10, 10, nil)
	_, err := ResolveGrid([]*SourceDataset{src}, &CubeConfig{Width: 100})
	if !IsKind(err, InvalidRequest) {
		t.Fatalf("got %v, want an invalid-request error", err)
	}
}

func TestResolveGridTimeAxis(t *testing.T) {
	day := 24 * time.Hour
	t0 := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	daily := testSource(t, "daily", bounds(0, 0, 10, 10), 10, 10,
		[]time.Time{t0, t0.Add(day), t0.Add(2 * day), t0.Add(3 * day)})
	coarse := testSource(t, "coarse", bounds(0, 0, 10, 10), 10, 10,
		[]time.Time{t0, t0.Add(2 * day)})

	g, err := ResolveGrid([]*SourceDataset{daily, coarse}, &CubeConfig{})
	if err != nil {
		t.Fatal(err)
	}
	// The coarsest source sampling wins so no data is fabricated.
	if g.TimeStep != 2*day {
		t.Errorf("time step: got %v, want %v", g.TimeStep, 2*day)
	}
	if g.NumTimes() != 2 {
		t.Errorf("steps: got %d, want 2", g.NumTimes())
	}
	if !g.Times[0].Equal(t0) || !g.Times[1].Equal(t0.Add(2*day)) {
		t.Errorf("timestamps: got %v", g.Times)
	}
}

func TestResolveGridIrregularTimeAxis(t *testing.T) {
	t0 := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{t0, t0.Add(24 * time.Hour), t0.Add(100 * time.Hour)}
	src := testSource(t, "src", bounds(0, 0, 10, 10), 10, 10, times)

	g, err := ResolveGrid([]*SourceDataset{src}, &CubeConfig{TimeStep: -1})
	if err != nil {
		t.Fatal(err)
	}
	if g.TimeStep != 0 || g.NumTimes() != 3 {
		t.Fatalf("got step %v with %d timestamps, want an irregular axis with 3", g.TimeStep, g.NumTimes())
	}
	// On an irregular axis a bin extends to the next timestamp.
	if i, ok := g.TimeBin(t0.Add(30 * time.Hour)); !ok || i != 1 {
		t.Errorf("bin for +30h: got %d, %v, want 1, true", i, ok)
	}
	if _, ok := g.TimeBin(t0.Add(101 * time.Hour)); ok {
		t.Error("bin for +101h: got a bin, want none")
	}
}

func TestCellIndexRoundTrip(t *testing.T) {
	g := &Grid{Bounds: bounds(0, 0, 10, 10), Nx: 10, Ny: 10, Dx: 1, Dy: 1}
	for _, c := range [][2]int{{0, 0}, {3, 7}, {9, 9}} {
		x, y := g.CellCenter(c[0], c[1])
		ix, iy, ok := g.CellIndex(x, y)
		if !ok || ix != c[0] || iy != c[1] {
			t.Errorf("cell (%d, %d): center (%g, %g) maps to (%d, %d, %v)", c[0], c[1], x, y, ix, iy, ok)
		}
	}
	if _, _, ok := g.CellIndex(-1, 5); ok {
		t.Error("point outside the extent got a cell index")
	}
}
