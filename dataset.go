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
	"sort"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"
)

// Standard dimension names for normalized datasets and cubes.
const (
	DimTime = "time"
	DimY    = "y"
	DimX    = "x"
)

// Dtype is the storage data type of a variable.
type Dtype string

// Supported variable data types.
const (
	Float64 Dtype = "float64"
	Float32 Dtype = "float32"
	Int32   Dtype = "int32"
	Uint8   Dtype = "uint8"
)

// Size returns the width of one element in bytes.
func (d Dtype) Size() int {
	switch d {
	case Float64:
		return 8
	case Float32, Int32:
		return 4
	case Uint8:
		return 1
	}
	return 8
}

// Variable holds the data and descriptive attributes for one variable
// of a source dataset or cube. Data is indexed (time, y, x), or (y, x)
// for time-invariant variables. Invalid cells are NaN in Data;
// Mask, where present, additionally marks cells to exclude (zero means
// invalid).
type Variable struct {
	Dims  []string
	Dtype Dtype
	Data  *sparse.DenseArray
	Mask  *sparse.DenseArray
	Attrs map[string]interface{}

	// Categorical marks variables holding category or quality-flag
	// codes. Categorical variables are always resampled with the
	// nearest-neighbor method, and their temporal aggregation policy
	// must be configured explicitly; averaging category codes produces
	// meaningless values.
	Categorical bool
}

// HasTime reports whether the variable has a leading time dimension.
func (v *Variable) HasTime() bool {
	return len(v.Dims) > 0 && v.Dims[0] == DimTime
}

// SourceDataset is a single input normalized to standard dimension
// names and a known coordinate reference system, but not yet resampled
// onto the target grid. It is held only for the duration of resampling
// and released afterwards.
type SourceDataset struct {
	Name string

	// CRS is the Proj4 definition of the dataset's coordinate
	// reference system; SR is its parsed form.
	CRS string
	SR  *proj.SR

	// Bounds is the spatial extent in the dataset's own CRS.
	Bounds geom.Bounds

	// Nx, Ny are the horizontal grid dimensions and Dx, Dy the cell
	// sizes, so that Bounds.Min.X + Nx*Dx == Bounds.Max.X.
	Nx, Ny int
	Dx, Dy float64

	// Times are the timestamps of the temporal axis, ascending.
	// Empty for purely static datasets.
	Times []time.Time

	Vars map[string]*Variable
}

// NewSourceDataset creates a normalized dataset covering the given
// bounds with nx × ny cells in the coordinate reference system
// described by the Proj4 string crs.
func NewSourceDataset(name, crs string, b geom.Bounds, nx, ny int, times []time.Time) (*SourceDataset, error) {
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("xcube: dataset %s: invalid grid size %d×%d", name, nx, ny)
	}
	sr, err := proj.Parse(crs)
	if err != nil {
		return nil, fmt.Errorf("xcube: dataset %s: parsing CRS: %v", name, err)
	}
	return &SourceDataset{
		Name:   name,
		CRS:    crs,
		SR:     sr,
		Bounds: b,
		Nx:     nx,
		Ny:     ny,
		Dx:     (b.Max.X - b.Min.X) / float64(nx),
		Dy:     (b.Max.Y - b.Min.Y) / float64(ny),
		Times:  times,
		Vars:   make(map[string]*Variable),
	}, nil
}

// AddVariable adds data for a new variable to d. The data shape must
// match the dataset grid ((time, y, x), or (y, x) when dims has no time
// dimension).
func (d *SourceDataset) AddVariable(name string, dims []string, dtype Dtype, data *sparse.DenseArray, attrs map[string]interface{}) error {
	want := []int{d.Ny, d.Nx}
	if len(dims) > 0 && dims[0] == DimTime {
		want = []int{len(d.Times), d.Ny, d.Nx}
	}
	if len(data.Shape) != len(want) {
		return fmt.Errorf("xcube: dataset %s: variable %s has %d dimensions, want %d",
			d.Name, name, len(data.Shape), len(want))
	}
	for i, n := range want {
		if data.Shape[i] != n {
			return fmt.Errorf("xcube: dataset %s: variable %s dimension %s has length %d, want %d",
				d.Name, name, dims[i], data.Shape[i], n)
		}
	}
	d.Vars[name] = &Variable{Dims: dims, Dtype: dtype, Data: data, Attrs: attrs}
	return nil
}

// VarNames returns the dataset's variable names in sorted order.
func (d *SourceDataset) VarNames() []string {
	names := make([]string, 0, len(d.Vars))
	for n := range d.Vars {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TimeRange returns the first and last timestamps of the dataset, and
// false if the dataset has no temporal axis.
func (d *SourceDataset) TimeRange() (start, end time.Time, ok bool) {
	if len(d.Times) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return d.Times[0], d.Times[len(d.Times)-1], true
}

// TimeStep returns the sampling interval of the temporal axis, or zero
// if the axis has fewer than two timestamps or is irregular.
func (d *SourceDataset) TimeStep() time.Duration {
	if len(d.Times) < 2 {
		return 0
	}
	step := d.Times[1].Sub(d.Times[0])
	for i := 2; i < len(d.Times); i++ {
		if d.Times[i].Sub(d.Times[i-1]) != step {
			return 0
		}
	}
	return step
}
