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
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
)

// Grid is the common spatial and temporal coordinate system all cube
// variables are aligned to. Row 0 is the southernmost row; column 0 the
// westernmost column.
type Grid struct {
	// Bounds is the spatial extent in the grid CRS.
	Bounds geom.Bounds

	// Nx, Ny are the horizontal pixel counts and Dx, Dy the cell sizes.
	Nx, Ny int
	Dx, Dy float64

	// CRS is the Proj4 definition of the grid's coordinate reference
	// system; SR is its parsed form.
	CRS string
	SR  *proj.SR

	// Times holds the start of each temporal step, ascending. Each
	// step covers the half-open interval [Times[i], Times[i]+TimeStep);
	// on an irregular axis (TimeStep == 0) the interval extends to the
	// next timestamp, and the last one is a point.
	Times    []time.Time
	TimeStep time.Duration
}

// NumTimes returns the length of the temporal axis (zero for a purely
// spatial grid).
func (g *Grid) NumTimes() int { return len(g.Times) }

// CellCenter returns the coordinates of the center of cell
// (column ix, row iy) in the grid CRS.
func (g *Grid) CellCenter(ix, iy int) (x, y float64) {
	return g.Bounds.Min.X + (float64(ix)+0.5)*g.Dx,
		g.Bounds.Min.Y + (float64(iy)+0.5)*g.Dy
}

// CellIndex returns the column and row of the cell containing the point
// (x, y), and false if the point lies outside the grid extent.
func (g *Grid) CellIndex(x, y float64) (ix, iy int, ok bool) {
	ix = int(math.Floor((x - g.Bounds.Min.X) / g.Dx))
	iy = int(math.Floor((y - g.Bounds.Min.Y) / g.Dy))
	if ix < 0 || ix >= g.Nx || iy < 0 || iy >= g.Ny {
		return 0, 0, false
	}
	return ix, iy, true
}

// TimeBin returns the index of the temporal step whose half-open
// interval contains t, and false if t falls outside the temporal
// extent.
func (g *Grid) TimeBin(t time.Time) (int, bool) {
	n := len(g.Times)
	if n == 0 || t.Before(g.Times[0]) {
		return 0, false
	}
	if g.TimeStep > 0 {
		i := int(t.Sub(g.Times[0]) / g.TimeStep)
		if i >= n {
			return 0, false
		}
		return i, true
	}
	// Irregular axis: the bin extends to the next timestamp.
	i := sort.Search(n, func(i int) bool { return g.Times[i].After(t) }) - 1
	if i == n-1 && t.After(g.Times[n-1]) {
		return 0, false
	}
	return i, true
}

// ResolveGrid derives the target grid from the cube configuration,
// defaulting unset fields from the given source datasets:
//
//   - The spatial extent defaults to the union of the source extents.
//   - The resolution defaults to the finest source resolution observed.
//   - The temporal extent defaults to the union of the source time
//     ranges, and the temporal step to the coarsest source sampling
//     observed; oversampling the sources would fabricate data.
//
// When sources use differing reference systems and no target CRS is
// configured, resolution fails rather than guessing.
func ResolveGrid(srcs []*SourceDataset, cfg *CubeConfig) (*Grid, error) {
	crs := cfg.CRS
	if crs == "" {
		for _, src := range srcs {
			if crs == "" {
				crs = src.CRS
			} else if src.CRS != crs {
				return nil, newError(StageGrid, InconsistentCRS,
					"sources use differing reference systems (%q vs %q) and no target CRS is configured",
					crs, src.CRS)
			}
		}
	}
	if crs == "" {
		return nil, newError(StageGrid, InvalidRequest, "no target CRS configured and no sources to derive one from")
	}
	sr, err := proj.Parse(crs)
	if err != nil {
		return nil, newError(StageGrid, InvalidRequest, "parsing target CRS %q: %v", crs, err)
	}

	g := &Grid{CRS: crs, SR: sr}

	if cfg.Bounds != nil {
		g.Bounds = *cfg.Bounds
	} else {
		b, err := unionBounds(srcs, sr)
		if err != nil {
			return nil, err
		}
		g.Bounds = *b
	}
	if g.Bounds.Max.X <= g.Bounds.Min.X || g.Bounds.Max.Y <= g.Bounds.Min.Y {
		return nil, newError(StageGrid, InvalidRequest, "empty spatial extent %+v", g.Bounds)
	}

	switch {
	case cfg.Width > 0 && cfg.Height > 0:
		g.Nx, g.Ny = cfg.Width, cfg.Height
	case cfg.Width > 0 || cfg.Height > 0:
		return nil, newError(StageGrid, InvalidRequest,
			"output size must give both width and height (got %d×%d)", cfg.Width, cfg.Height)
	default:
		res := cfg.Resolution
		if res <= 0 {
			res, err = finestResolution(srcs, sr)
			if err != nil {
				return nil, err
			}
		}
		// Round up so the configured extent is never truncated.
		g.Nx = int(math.Ceil((g.Bounds.Max.X - g.Bounds.Min.X) / res))
		g.Ny = int(math.Ceil((g.Bounds.Max.Y - g.Bounds.Min.Y) / res))
	}
	if g.Nx <= 0 || g.Ny <= 0 {
		return nil, newError(StageGrid, InvalidRequest, "non-positive grid size %d×%d", g.Nx, g.Ny)
	}
	g.Dx = (g.Bounds.Max.X - g.Bounds.Min.X) / float64(g.Nx)
	g.Dy = (g.Bounds.Max.Y - g.Bounds.Min.Y) / float64(g.Ny)

	if err := resolveTimeAxis(g, srcs, cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// newTransform returns a coordinate transformer from src to dst.
// proj returns a nil Transformer when the two reference systems are
// equivalent; callers always get a callable function.
func newTransform(src, dst *proj.SR) (proj.Transformer, error) {
	t, err := src.NewTransform(dst)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return func(x, y float64) (float64, float64, error) { return x, y, nil }, nil
	}
	return t, nil
}

// unionBounds returns the union of the source extents, transformed into
// the target reference system.
func unionBounds(srcs []*SourceDataset, sr *proj.SR) (*geom.Bounds, error) {
	if len(srcs) == 0 {
		return nil, newError(StageGrid, InvalidRequest, "no spatial extent configured and no sources to derive one from")
	}
	b := geom.NewBounds()
	for _, src := range srcs {
		t, err := newTransform(src.SR, sr)
		if err != nil {
			return nil, newError(StageGrid, ReprojectionError,
				"dataset %s: no transform from %q to target CRS: %v", src.Name, src.CRS, err)
		}
		// Transform all four corners; a projected extent need not stay
		// axis-aligned.
		for _, p := range [][2]float64{
			{src.Bounds.Min.X, src.Bounds.Min.Y},
			{src.Bounds.Min.X, src.Bounds.Max.Y},
			{src.Bounds.Max.X, src.Bounds.Min.Y},
			{src.Bounds.Max.X, src.Bounds.Max.Y},
		} {
			x, y, err := t(p[0], p[1])
			if err != nil {
				return nil, newError(StageGrid, ReprojectionError,
					"dataset %s: transforming extent corner (%g, %g): %v", src.Name, p[0], p[1], err)
			}
			b.Extend(&geom.Bounds{Min: geom.Point{X: x, Y: y}, Max: geom.Point{X: x, Y: y}})
		}
	}
	return b, nil
}

// finestResolution returns the smallest source cell size, measured in
// target CRS units at the source extent center.
func finestResolution(srcs []*SourceDataset, sr *proj.SR) (float64, error) {
	if len(srcs) == 0 {
		return 0, newError(StageGrid, InvalidRequest, "no resolution configured and no sources to derive one from")
	}
	res := math.Inf(1)
	for _, src := range srcs {
		t, err := newTransform(src.SR, sr)
		if err != nil {
			return 0, newError(StageGrid, ReprojectionError,
				"dataset %s: no transform from %q to target CRS: %v", src.Name, src.CRS, err)
		}
		cx := (src.Bounds.Min.X + src.Bounds.Max.X) / 2
		cy := (src.Bounds.Min.Y + src.Bounds.Max.Y) / 2
		x0, y0, err := t(cx, cy)
		if err != nil {
			return 0, newError(StageGrid, ReprojectionError,
				"dataset %s: transforming extent center: %v", src.Name, err)
		}
		x1, y1, err := t(cx+src.Dx, cy+src.Dy)
		if err != nil {
			return 0, newError(StageGrid, ReprojectionError,
				"dataset %s: transforming extent center: %v", src.Name, err)
		}
		res = math.Min(res, math.Min(math.Abs(x1-x0), math.Abs(y1-y0)))
	}
	if math.IsInf(res, 1) || res <= 0 {
		return 0, newError(StageGrid, InvalidRequest, "could not derive a resolution from the sources")
	}
	return res, nil
}

// resolveTimeAxis fills in the grid's temporal axis from the
// configuration and the source sampling.
func resolveTimeAxis(g *Grid, srcs []*SourceDataset, cfg *CubeConfig) error {
	start, end := cfg.TimeStart, cfg.TimeEnd
	var all []time.Time
	for _, src := range srcs {
		for _, t := range src.Times {
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Before(all[j]) })
	if start.IsZero() {
		if len(all) == 0 {
			return nil // purely spatial cube
		}
		start = all[0]
	}
	if end.IsZero() {
		if len(all) == 0 {
			return nil
		}
		end = all[len(all)-1]
	}
	if end.Before(start) {
		return newError(StageGrid, InvalidRequest, "temporal extent ends (%v) before it starts (%v)", end, start)
	}

	step := cfg.TimeStep
	if step == 0 {
		// Coarsest source sampling observed; a source with an
		// irregular axis contributes nothing here.
		for _, src := range srcs {
			if s := src.TimeStep(); s > step {
				step = s
			}
		}
	}
	if step <= 0 {
		// Irregular axis: preserve the original timestamps.
		g.TimeStep = 0
		for _, t := range all {
			if t.Before(start) || t.After(end) {
				continue
			}
			if n := len(g.Times); n > 0 && g.Times[n-1].Equal(t) {
				continue
			}
			g.Times = append(g.Times, t)
		}
		if len(g.Times) == 0 {
			g.Times = []time.Time{start}
		}
		return nil
	}

	g.TimeStep = step
	n := int(end.Sub(start)/step) + 1
	g.Times = make([]time.Time, n)
	for i := range g.Times {
		g.Times[i] = start.Add(time.Duration(i) * step)
	}
	return nil
}

// describeCRS returns a short human-readable name for a grid CRS, used
// in metadata and log output.
func describeCRS(sr *proj.SR) string {
	if sr == nil {
		return "unknown"
	}
	if sr.Name == "longlat" {
		return "geographic (longitude/latitude)"
	}
	return fmt.Sprintf("projected (%s)", sr.Name)
}
