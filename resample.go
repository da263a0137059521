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
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"
)

// ResampleMethod is a spatial interpolation method.
type ResampleMethod int

// The supported spatial resampling methods. Conservative resampling
// preserves the spatial integral of a continuous quantity and is the
// appropriate choice when downsampling to a coarser resolution.
const (
	Nearest ResampleMethod = iota
	Bilinear
	Conservative
)

func (m ResampleMethod) String() string {
	switch m {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	case Conservative:
		return "conservative"
	}
	return fmt.Sprintf("ResampleMethod(%d)", int(m))
}

// ParseResampleMethod converts a method name from configuration into a
// ResampleMethod.
func ParseResampleMethod(name string) (ResampleMethod, error) {
	switch name {
	case "", "nearest":
		return Nearest, nil
	case "bilinear":
		return Bilinear, nil
	case "conservative", "area-weighted":
		return Conservative, nil
	}
	return 0, fmt.Errorf("xcube: unknown resampling method %q", name)
}

// TemporalAgg is a policy for combining several source timestamps that
// fall into a single target time step.
type TemporalAgg int

// The supported temporal aggregation policies. Continuous variables
// are combined with AggMean. Categorical variables require an explicit
// policy; ties under AggMode are broken deterministically by the lowest
// category code.
const (
	AggNone TemporalAgg = iota
	AggMean
	AggFirst
	AggLast
	AggMode
)

func (a TemporalAgg) String() string {
	switch a {
	case AggNone:
		return "none"
	case AggMean:
		return "mean"
	case AggFirst:
		return "first"
	case AggLast:
		return "last"
	case AggMode:
		return "mode"
	}
	return fmt.Sprintf("TemporalAgg(%d)", int(a))
}

// ParseTemporalAgg converts an aggregation policy name from
// configuration into a TemporalAgg.
func ParseTemporalAgg(name string) (TemporalAgg, error) {
	switch name {
	case "":
		return AggNone, nil
	case "mean":
		return AggMean, nil
	case "first":
		return AggFirst, nil
	case "last", "latest":
		return AggLast, nil
	case "mode", "most-frequent":
		return AggMode, nil
	}
	return 0, fmt.Errorf("xcube: unknown temporal aggregation policy %q", name)
}

// Resample maps the variables of src onto the target grid, producing
// arrays covering exactly the grid's dimensions. Continuous variables
// use the configured spatial method; categorical variables always use
// nearest-neighbor. Cells outside the source extent or excluded by the
// source validity mask become NaN.
func Resample(ctx context.Context, src *SourceDataset, g *Grid, cfg *CubeConfig) (map[string]*Variable, error) {
	trans, err := newTransform(g.SR, src.SR)
	if err != nil {
		return nil, newError(StageResample, ReprojectionError,
			"dataset %s: no transform from target CRS to %q: %v", src.Name, src.CRS, err)
	}

	// Assign each source timestamp to its target time bin.
	bins := make([][]int, g.NumTimes())
	for k, t := range src.Times {
		if i, ok := g.TimeBin(t); ok {
			bins[i] = append(bins[i], k)
		}
	}

	out := make(map[string]*Variable, len(src.Vars))
	for _, name := range src.VarNames() {
		v := src.Vars[name]
		method := cfg.Method
		agg := AggMean
		if v.Categorical {
			method = Nearest
			agg = cfg.CategoricalAgg
			// Averaging category codes produces meaningless values, and
			// "first" would silently prefer stale data; categories are
			// combined by frequency or recency only.
			if agg == AggMean || agg == AggFirst {
				return nil, newError(StageResample, InvalidRequest,
					"temporal aggregation %q is not valid for categorical variable %s; use mode or last", agg, name)
			}
		}
		rv, err := resampleVar(ctx, src, v, g, trans, bins, method, agg)
		if err != nil {
			return nil, fmt.Errorf("xcube: dataset %s: resampling %s: %w", src.Name, name, err)
		}
		out[name] = rv
	}
	return out, nil
}

func resampleVar(ctx context.Context, src *SourceDataset, v *Variable, g *Grid, trans proj.Transformer,
	bins [][]int, method ResampleMethod, agg TemporalAgg) (*Variable, error) {

	rv := &Variable{
		Dtype:       v.Dtype,
		Attrs:       v.Attrs,
		Categorical: v.Categorical,
	}
	if !v.HasTime() {
		rv.Dims = []string{DimY, DimX}
		slice, err := spatialResample(ctx, src, v, -1, g, trans, method)
		if err != nil {
			return nil, err
		}
		rv.Data = slice
		return rv, nil
	}

	rv.Dims = []string{DimTime, DimY, DimX}
	rv.Data = nanDense(g.NumTimes(), g.Ny, g.Nx)
	for i, contrib := range bins {
		var slice *sparse.DenseArray
		var err error
		switch {
		case len(contrib) == 0:
			continue // no source data in this step; stays no-data
		case len(contrib) == 1:
			slice, err = spatialResample(ctx, src, v, contrib[0], g, trans, method)
		default:
			if v.Categorical && agg == AggNone {
				return nil, newError(StageResample, InvalidRequest,
					"%d source timestamps fall into one target step but no temporal aggregation policy is configured for categorical data", len(contrib))
			}
			combined, aggErr := aggregateSteps(v, contrib, agg)
			if aggErr != nil {
				return nil, aggErr
			}
			slice, err = spatialResampleSlice(ctx, src, combined, g, trans, method)
		}
		if err != nil {
			return nil, err
		}
		copyTimeSlice(rv.Data, slice, i)
	}
	return rv, nil
}

// aggregateSteps combines the source time slices named by contrib into
// a single (y, x) slice using the given aggregation policy.
func aggregateSteps(v *Variable, contrib []int, agg TemporalAgg) (*sparse.DenseArray, error) {
	ny, nx := v.Data.Shape[1], v.Data.Shape[2]
	out := nanDense(ny, nx)
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			var vals []float64
			for _, k := range contrib {
				val := v.Data.Get(k, iy, ix)
				if math.IsNaN(val) || masked(v.Mask, k, iy, ix) {
					continue
				}
				vals = append(vals, val)
			}
			if len(vals) == 0 {
				continue
			}
			switch agg {
			case AggMean:
				sum := 0.0
				for _, val := range vals {
					sum += val
				}
				out.Set(sum/float64(len(vals)), iy, ix)
			case AggFirst:
				out.Set(vals[0], iy, ix)
			case AggLast:
				out.Set(vals[len(vals)-1], iy, ix)
			case AggMode:
				out.Set(mode(vals), iy, ix)
			default:
				return nil, fmt.Errorf("unsupported temporal aggregation policy %v", agg)
			}
		}
	}
	return out, nil
}

// mode returns the most frequent value in vals. Ties are broken by the
// lowest value so that repeated runs give identical results.
func mode(vals []float64) float64 {
	counts := make(map[float64]int)
	for _, v := range vals {
		counts[v]++
	}
	keys := make([]float64, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Float64s(keys)
	best, bestN := keys[0], counts[keys[0]]
	for _, k := range keys[1:] {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	return best
}

// spatialResample resamples time slice k of variable v (or the whole
// array if k < 0) onto the target grid.
func spatialResample(ctx context.Context, src *SourceDataset, v *Variable, k int, g *Grid,
	trans proj.Transformer, method ResampleMethod) (*sparse.DenseArray, error) {

	get := func(iy, ix int) float64 {
		if masked(v.Mask, k, iy, ix) {
			return math.NaN()
		}
		if k < 0 {
			return v.Data.Get(iy, ix)
		}
		return v.Data.Get(k, iy, ix)
	}
	return resampleGrid(ctx, src, get, g, trans, method)
}

// spatialResampleSlice resamples a standalone (y, x) slice, already
// aggregated over time, onto the target grid.
func spatialResampleSlice(ctx context.Context, src *SourceDataset, slice *sparse.DenseArray,
	g *Grid, trans proj.Transformer, method ResampleMethod) (*sparse.DenseArray, error) {
	get := func(iy, ix int) float64 { return slice.Get(iy, ix) }
	return resampleGrid(ctx, src, get, g, trans, method)
}

// resampleGrid evaluates one (y, x) slice of the target grid against a
// source sampling function. Rows are distributed across worker
// goroutines; cancellation is checked between rows, never mid-row.
func resampleGrid(ctx context.Context, src *SourceDataset, get func(iy, ix int) float64,
	g *Grid, trans proj.Transformer, method ResampleMethod) (*sparse.DenseArray, error) {

	out := nanDense(g.Ny, g.Nx)
	nprocs := runtime.GOMAXPROCS(-1)
	var wg sync.WaitGroup
	errChan := make(chan error, nprocs)
	for p := 0; p < nprocs; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for iy := p; iy < g.Ny; iy += nprocs {
				select {
				case <-ctx.Done():
					errChan <- ctx.Err()
					return
				default:
				}
				if err := resampleRow(src, get, g, trans, method, out, iy); err != nil {
					errChan <- err
					return
				}
			}
		}(p)
	}
	wg.Wait()
	select {
	case err := <-errChan:
		return nil, err
	default:
	}
	return out, nil
}

func resampleRow(src *SourceDataset, get func(iy, ix int) float64, g *Grid,
	trans proj.Transformer, method ResampleMethod, out *sparse.DenseArray, iy int) error {

	for ix := 0; ix < g.Nx; ix++ {
		x, y := g.CellCenter(ix, iy)
		sx, sy, err := trans(x, y)
		if err != nil {
			return newError(StageResample, ReprojectionError,
				"dataset %s: transform undefined at (%g, %g): %v", src.Name, x, y, err)
		}
		fx := (sx - src.Bounds.Min.X) / src.Dx
		fy := (sy - src.Bounds.Min.Y) / src.Dy
		var val float64
		switch method {
		case Nearest:
			val = sampleNearest(src, get, fx, fy)
		case Bilinear:
			val = sampleBilinear(src, get, fx, fy)
		case Conservative:
			val, err = sampleConservative(src, get, g, trans, x, y)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported resampling method %v", method)
		}
		if !math.IsNaN(val) {
			out.Set(val, iy, ix)
		}
	}
	return nil
}

func sampleNearest(src *SourceDataset, get func(iy, ix int) float64, fx, fy float64) float64 {
	ix := int(math.Floor(fx))
	iy := int(math.Floor(fy))
	if ix < 0 || ix >= src.Nx || iy < 0 || iy >= src.Ny {
		return math.NaN()
	}
	return get(iy, ix)
}

func sampleBilinear(src *SourceDataset, get func(iy, ix int) float64, fx, fy float64) float64 {
	// Interpolate between the four surrounding cell centers. Invalid
	// neighbors are dropped and the remaining weights renormalized.
	gx, gy := fx-0.5, fy-0.5
	jx, jy := math.Floor(gx), math.Floor(gy)
	wx, wy := gx-jx, gy-jy
	var sum, wsum float64
	for _, n := range [4]struct{ dx, dy int; w float64 }{
		{0, 0, (1 - wx) * (1 - wy)},
		{1, 0, wx * (1 - wy)},
		{0, 1, (1 - wx) * wy},
		{1, 1, wx * wy},
	} {
		ix, iy := int(jx)+n.dx, int(jy)+n.dy
		if ix < 0 || ix >= src.Nx || iy < 0 || iy >= src.Ny || n.w == 0 {
			continue
		}
		v := get(iy, ix)
		if math.IsNaN(v) {
			continue
		}
		sum += v * n.w
		wsum += n.w
	}
	if wsum == 0 {
		return math.NaN()
	}
	return sum / wsum
}

// sampleConservative computes the area-weighted mean of the source
// cells overlapped by the footprint of the target cell centered at
// (x, y). The footprint is approximated by the axis-aligned bounding
// box of its transformed corners in source grid space.
func sampleConservative(src *SourceDataset, get func(iy, ix int) float64, g *Grid,
	trans proj.Transformer, x, y float64) (float64, error) {

	minfx, maxfx := math.Inf(1), math.Inf(-1)
	minfy, maxfy := math.Inf(1), math.Inf(-1)
	for _, c := range [4][2]float64{
		{x - g.Dx/2, y - g.Dy/2},
		{x - g.Dx/2, y + g.Dy/2},
		{x + g.Dx/2, y - g.Dy/2},
		{x + g.Dx/2, y + g.Dy/2},
	} {
		sx, sy, err := trans(c[0], c[1])
		if err != nil {
			return 0, newError(StageResample, ReprojectionError,
				"dataset %s: transform undefined at (%g, %g): %v", src.Name, c[0], c[1], err)
		}
		fx := (sx - src.Bounds.Min.X) / src.Dx
		fy := (sy - src.Bounds.Min.Y) / src.Dy
		minfx, maxfx = math.Min(minfx, fx), math.Max(maxfx, fx)
		minfy, maxfy = math.Min(minfy, fy), math.Max(maxfy, fy)
	}
	j0 := int(math.Floor(minfx))
	j1 := int(math.Ceil(maxfx))
	i0 := int(math.Floor(minfy))
	i1 := int(math.Ceil(maxfy))
	var sum, wsum float64
	for iy := max(i0, 0); iy < min(i1, src.Ny); iy++ {
		for ix := max(j0, 0); ix < min(j1, src.Nx); ix++ {
			// Overlap of the footprint with source cell (ix, iy), in
			// units of source cells.
			w := overlap(minfx, maxfx, float64(ix), float64(ix+1)) *
				overlap(minfy, maxfy, float64(iy), float64(iy+1))
			if w <= 0 {
				continue
			}
			v := get(iy, ix)
			if math.IsNaN(v) {
				continue
			}
			sum += v * w
			wsum += w
		}
	}
	if wsum == 0 {
		return math.NaN(), nil
	}
	return sum / wsum, nil
}

func overlap(lo, hi, clo, chi float64) float64 {
	return math.Max(0, math.Min(hi, chi)-math.Max(lo, clo))
}

// mergeResampled overlays resampled variables from one source onto the
// accumulating cube variables. Where two sources provide the same
// variable, the later one wins: its dtype, attributes and categorical
// flag replace the earlier declaration, and earlier data survives only
// in cells the later source does not cover.
func mergeResampled(dst, src map[string]*Variable) map[string]*Variable {
	if dst == nil {
		return src
	}
	for name, sv := range src {
		dv, ok := dst[name]
		if !ok {
			dst[name] = sv
			continue
		}
		for i, val := range dv.Data.Elements {
			if math.IsNaN(sv.Data.Elements[i]) && !math.IsNaN(val) {
				sv.Data.Elements[i] = val
			}
		}
		dst[name] = sv
	}
	return dst
}

func masked(mask *sparse.DenseArray, k, iy, ix int) bool {
	if mask == nil {
		return false
	}
	if len(mask.Shape) == 3 && k >= 0 {
		return mask.Get(k, iy, ix) == 0
	}
	return mask.Get(iy, ix) == 0
}

func copyTimeSlice(dst, slice *sparse.DenseArray, i int) {
	ny, nx := dst.Shape[1], dst.Shape[2]
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			dst.Set(slice.Get(iy, ix), i, iy, ix)
		}
	}
}

// nanDense returns a dense array of the given shape with every element
// set to NaN (no-data).
func nanDense(dims ...int) *sparse.DenseArray {
	a := sparse.ZerosDense(dims...)
	nan := math.NaN()
	for i := range a.Elements {
		a.Elements[i] = nan
	}
	return a
}
