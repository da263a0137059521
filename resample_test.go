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
	"context"
	"math"
	"testing"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/floats"
)

// testGrid builds a target grid over the given bounds in geographic
// coordinates.
func testGrid(t *testing.T, b geom.Bounds, nx, ny int, times []time.Time, step time.Duration) *Grid {
	t.Helper()
	src := testSource(t, "grid", b, nx, ny, nil)
	return &Grid{
		Bounds: b, Nx: nx, Ny: ny,
		Dx: (b.Max.X - b.Min.X) / float64(nx), Dy: (b.Max.Y - b.Min.Y) / float64(ny),
		CRS: src.CRS, SR: src.SR,
		Times: times, TimeStep: step,
	}
}

func staticVar(vals []float64, ny, nx int) *Variable {
	data := sparse.ZerosDense(ny, nx)
	copy(data.Elements, vals)
	return &Variable{Dims: []string{DimY, DimX}, Dtype: Float64, Data: data}
}

func timeVar(vals []float64, nt, ny, nx int) *Variable {
	data := sparse.ZerosDense(nt, ny, nx)
	copy(data.Elements, vals)
	return &Variable{Dims: []string{DimTime, DimY, DimX}, Dtype: Float64, Data: data}
}

func TestResampleNearestUpsampling(t *testing.T) {
	b := bounds(0, 0, 2, 2)
	src := testSource(t, "src", b, 2, 2, nil)
	src.Vars["v"] = staticVar([]float64{
		1, 2,
		3, 4,
	}, 2, 2)

	g := testGrid(t, b, 4, 4, nil, 0)
	out, err := Resample(context.Background(), src, g, &CubeConfig{Method: Nearest})
	if err != nil {
		t.Fatal(err)
	}
	// Each source cell covers a 2×2 block of target cells exactly.
	want := []float64{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}
	if !floats.EqualApprox(out["v"].Data.Elements, want, 1e-12) {
		t.Errorf("got %v, want %v", out["v"].Data.Elements, want)
	}
}

func TestResampleBilinearAlignedIsExact(t *testing.T) {
	b := bounds(0, 0, 2, 2)
	src := testSource(t, "src", b, 2, 2, nil)
	vals := []float64{1, 2, 3, 4}
	src.Vars["v"] = staticVar(vals, 2, 2)

	g := testGrid(t, b, 2, 2, nil, 0)
	out, err := Resample(context.Background(), src, g, &CubeConfig{Method: Bilinear})
	if err != nil {
		t.Fatal(err)
	}
	if !floats.EqualApprox(out["v"].Data.Elements, vals, 1e-12) {
		t.Errorf("got %v, want %v", out["v"].Data.Elements, vals)
	}
}

func TestResampleConservativeDownsampling(t *testing.T) {
	b := bounds(0, 0, 4, 4)
	src := testSource(t, "src", b, 4, 4, nil)
	src.Vars["v"] = staticVar([]float64{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, 4, 4)

	g := testGrid(t, b, 2, 2, nil, 0)
	out, err := Resample(context.Background(), src, g, &CubeConfig{Method: Conservative})
	if err != nil {
		t.Fatal(err)
	}
	// Each target cell covers a uniform 2×2 block, so the area-weighted
	// mean reproduces the block value.
	want := []float64{1, 2, 3, 4}
	if !floats.EqualApprox(out["v"].Data.Elements, want, 1e-9) {
		t.Errorf("got %v, want %v", out["v"].Data.Elements, want)
	}
}

func TestResampleOutsideSourceIsNoData(t *testing.T) {
	src := testSource(t, "src", bounds(0, 0, 1, 1), 1, 1, nil)
	src.Vars["v"] = staticVar([]float64{7}, 1, 1)

	g := testGrid(t, bounds(0, 0, 2, 1), 2, 1, nil, 0)
	out, err := Resample(context.Background(), src, g, &CubeConfig{Method: Nearest})
	if err != nil {
		t.Fatal(err)
	}
	el := out["v"].Data.Elements
	if el[0] != 7 {
		t.Errorf("covered cell: got %g, want 7", el[0])
	}
	if !math.IsNaN(el[1]) {
		t.Errorf("uncovered cell: got %g, want NaN", el[1])
	}
}

func TestResampleTemporalMean(t *testing.T) {
	day := 24 * time.Hour
	t0 := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	b := bounds(0, 0, 1, 1)
	src := testSource(t, "src", b, 1, 1, []time.Time{t0, t0.Add(day)})
	src.Vars["v"] = timeVar([]float64{2, 4}, 2, 1, 1)

	// Both source timestamps fall into the single two-day target step.
	g := testGrid(t, b, 1, 1, []time.Time{t0}, 2*day)
	out, err := Resample(context.Background(), src, g, &CubeConfig{Method: Nearest})
	if err != nil {
		t.Fatal(err)
	}
	if got := out["v"].Data.Get(0, 0, 0); got != 3 {
		t.Errorf("got %g, want the mean 3", got)
	}
}

func TestCategoricalAggregationMustBeExplicit(t *testing.T) {
	day := 24 * time.Hour
	t0 := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	b := bounds(0, 0, 1, 1)
	src := testSource(t, "src", b, 1, 1, []time.Time{t0, t0.Add(day), t0.Add(2 * day), t0.Add(3 * day)})
	v := timeVar([]float64{2, 1, 2, 1}, 4, 1, 1)
	v.Categorical = true
	src.Vars["class"] = v

	g := testGrid(t, b, 1, 1, []time.Time{t0}, 4*day)
	_, err := Resample(context.Background(), src, g, &CubeConfig{})
	if !IsKind(err, InvalidRequest) {
		t.Fatalf("without a policy: got %v, want an invalid-request error", err)
	}

	out, err := Resample(context.Background(), src, g, &CubeConfig{CategoricalAgg: AggMode})
	if err != nil {
		t.Fatal(err)
	}
	// Codes 1 and 2 tie; the lowest code wins deterministically.
	if got := out["class"].Data.Get(0, 0, 0); got != 1 {
		t.Errorf("mode: got %g, want 1", got)
	}
}

// Averaging categorical codes is never meaningful, so configuring it is
// rejected even when no time step needs aggregating.
func TestCategoricalRejectsMeanAggregation(t *testing.T) {
	day := 24 * time.Hour
	t0 := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)
	b := bounds(0, 0, 1, 1)
	src := testSource(t, "src", b, 1, 1, []time.Time{t0, t0.Add(day)})
	v := timeVar([]float64{2, 1}, 2, 1, 1)
	v.Categorical = true
	src.Vars["class"] = v

	g := testGrid(t, b, 1, 1, []time.Time{t0, t0.Add(day)}, day)
	for _, agg := range []TemporalAgg{AggMean, AggFirst} {
		_, err := Resample(context.Background(), src, g, &CubeConfig{CategoricalAgg: agg})
		if !IsKind(err, InvalidRequest) {
			t.Errorf("%v: got %v, want an invalid-request error", agg, err)
		}
	}

	// Latest-wins stays valid.
	if _, err := Resample(context.Background(), src, g, &CubeConfig{CategoricalAgg: AggLast}); err != nil {
		t.Errorf("last: got %v", err)
	}
}

func TestCategoricalIgnoresContinuousMethod(t *testing.T) {
	b := bounds(0, 0, 2, 2)
	src := testSource(t, "src", b, 2, 2, nil)
	v := staticVar([]float64{1, 2, 3, 4}, 2, 2)
	v.Categorical = true
	src.Vars["class"] = v

	g := testGrid(t, b, 4, 4, nil, 0)
	out, err := Resample(context.Background(), src, g, &CubeConfig{Method: Bilinear})
	if err != nil {
		t.Fatal(err)
	}
	// Nearest-neighbor replication: no interpolated in-between codes.
	for _, el := range out["class"].Data.Elements {
		if el != 1 && el != 2 && el != 3 && el != 4 {
			t.Fatalf("got interpolated category code %g", el)
		}
	}
}

func TestMergeLaterSourceWins(t *testing.T) {
	nan := math.NaN()
	a := staticVar([]float64{1, 1, nan, nan}, 2, 2)
	b := staticVar([]float64{nan, 2, 2, nan}, 2, 2)

	merged := mergeResampled(map[string]*Variable{"v": a}, map[string]*Variable{"v": b})
	el := merged["v"].Data.Elements
	if el[0] != 1 {
		t.Errorf("cell 0: got %g, want 1 (only the first source is valid)", el[0])
	}
	if el[1] != 2 {
		t.Errorf("cell 1: got %g, want 2 (the later source wins)", el[1])
	}
	if el[2] != 2 {
		t.Errorf("cell 2: got %g, want 2 (only the later source is valid)", el[2])
	}
	if !math.IsNaN(el[3]) {
		t.Errorf("cell 3: got %g, want NaN", el[3])
	}
}

// When two sources declare the same variable with differing dtypes or
// attributes, the later declaration wins everywhere, so that a dry run
// and a full generation report the same variable.
func TestMergeAdoptsLaterVariableDeclaration(t *testing.T) {
	nan := math.NaN()
	a := staticVar([]float64{1, 1, nan, nan}, 2, 2)
	b := staticVar([]float64{nan, 2, 2, nan}, 2, 2)
	b.Dtype = Int32
	b.Categorical = true
	b.Attrs = map[string]interface{}{"long_name": "class"}

	merged := mergeResampled(map[string]*Variable{"v": a}, map[string]*Variable{"v": b})
	mv := merged["v"]
	if mv.Dtype != Int32 {
		t.Errorf("dtype: got %v, want %v", mv.Dtype, Int32)
	}
	if !mv.Categorical {
		t.Error("categorical flag of the later source was dropped")
	}
	if mv.Attrs["long_name"] != "class" {
		t.Errorf("attrs: got %v", mv.Attrs)
	}
	if mv.Data.Elements[0] != 1 {
		t.Errorf("cell 0: got %g, want the earlier source's 1", mv.Data.Elements[0])
	}
}

func TestResampleHonorsMask(t *testing.T) {
	b := bounds(0, 0, 2, 1)
	src := testSource(t, "src", b, 2, 1, nil)
	v := staticVar([]float64{5, 6}, 1, 2)
	mask := sparse.ZerosDense(1, 2)
	mask.Set(1, 0, 0) // only the first cell is valid
	v.Mask = mask
	src.Vars["v"] = v

	g := testGrid(t, b, 2, 1, nil, 0)
	out, err := Resample(context.Background(), src, g, &CubeConfig{Method: Nearest})
	if err != nil {
		t.Fatal(err)
	}
	el := out["v"].Data.Elements
	if el[0] != 5 {
		t.Errorf("valid cell: got %g, want 5", el[0])
	}
	if !math.IsNaN(el[1]) {
		t.Errorf("masked cell: got %g, want NaN", el[1])
	}
}
